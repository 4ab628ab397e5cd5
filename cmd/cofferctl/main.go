package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	sdk "github.com/coffer-io/coffer/sdk/client"
)

const defaultGateway = "http://localhost:8080"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "backup":
		runBackupCmd(args)
	case "status":
		runStatusCmd(args)
	case "ops":
		runOpsCmd(args)
	case "manifest":
		runManifestCmd(args)
	case "sweep":
		runSweepCmd(args)
	case "backends":
		runBackendsCmd(args)
	case "watch":
		runWatchCmd(args)
	case "version":
		runVersionCmd(args)
	default:
		usage()
		os.Exit(1)
	}
}

type flagSet struct {
	*flag.FlagSet
	gateway *string
	apiKey  *string
}

func newFlagSet(name string) *flagSet {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	gateway := fs.String("gateway", envOr("COFFER_GATEWAY", defaultGateway), "gateway base url")
	apiKey := fs.String("api-key", envOr("COFFER_API_KEY", ""), "api key")
	return &flagSet{FlagSet: fs, gateway: gateway, apiKey: apiKey}
}

func (fs *flagSet) ParseArgs(args []string) {
	if err := fs.Parse(args); err != nil {
		fail(err.Error())
	}
}

func newClient(gateway, apiKey string) *sdk.Client {
	return sdk.New(strings.TrimRight(gateway, "/"), apiKey)
}

func loadJSON(path string, out any) {
	// #nosec G304 -- CLI explicitly reads local files provided by the operator.
	data, err := os.ReadFile(path)
	check(err)
	if err := json.Unmarshal(data, out); err != nil {
		fail(fmt.Sprintf("invalid json: %v", err))
	}
}

func printJSON(value any) {
	data, err := json.MarshalIndent(value, "", "  ")
	check(err)
	fmt.Println(string(data))
}

func usage() {
	fmt.Print(`cofferctl - Coffer backup engine CLI

Usage:
  cofferctl backup --source <id> --backend <name> [--kind Database] [--artifact-id <id>] [--wait]
  cofferctl backup --file request.json [--wait]
  cofferctl status [--json]
  cofferctl ops list [--state <state>]
  cofferctl ops get <operation_id>
  cofferctl manifest [--backend <name>] [--source <id>] [--kind <kind>] [--older-than 72h]
  cofferctl sweep
  cofferctl backends
  cofferctl watch [--nats <url>] [--subject coffer.events.>]
  cofferctl version

Global flags:
  --gateway   Gateway base URL (default from COFFER_GATEWAY)
  --api-key   API key (default from COFFER_API_KEY)
`)
}

func envOr(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

func check(err error) {
	if err != nil {
		fail(err.Error())
	}
}

func fail(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}
