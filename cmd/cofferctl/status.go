package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
)

func runStatusCmd(args []string) {
	fs := newFlagSet("status")
	jsonOut := fs.Bool("json", false, "output json")
	fs.ParseArgs(args)
	client := newClient(*fs.gateway, *fs.apiKey)
	status, err := client.GetStatus(context.Background())
	check(err)
	if *jsonOut {
		printJSON(status)
		return
	}
	renderStatus(os.Stdout, status)
}

// renderStatus flattens the status document into sorted dotted paths, one
// per line, so nested sections like operations.by_state stay greppable.
func renderStatus(w io.Writer, status map[string]any) {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	for _, kv := range flattenStatus("", status) {
		fmt.Fprintf(tw, "%s\t%s\n", kv[0], kv[1])
	}
	_ = tw.Flush()
}

func flattenStatus(prefix string, value any) [][2]string {
	switch v := value.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var out [][2]string
		for _, k := range keys {
			path := k
			if prefix != "" {
				path = prefix + "." + k
			}
			out = append(out, flattenStatus(path, v[k])...)
		}
		return out
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			parts = append(parts, fmt.Sprint(item))
		}
		return [][2]string{{prefix, strings.Join(parts, ", ")}}
	default:
		return [][2]string{{prefix, fmt.Sprint(v)}}
	}
}
