package main

import (
	"fmt"

	"github.com/coffer-io/coffer/core/infra/buildinfo"
)

func runVersionCmd(args []string) {
	fs := newFlagSet("version")
	jsonOut := fs.Bool("json", false, "output json")
	fs.ParseArgs(args)
	if *jsonOut {
		printJSON(buildinfo.Map())
		return
	}
	fmt.Println(buildinfo.Info())
}
