package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	sdk "github.com/coffer-io/coffer/sdk/client"
)

func runBackupCmd(args []string) {
	fs := newFlagSet("backup")
	source := fs.String("source", "", "source identifier (database, instance, keyspace, ...)")
	artifactID := fs.String("artifact-id", "", "artifact id (engine derives one when empty)")
	kind := fs.String("kind", "Database", "artifact kind (Instance|Cluster|Keyspace|Database|Table|File)")
	backendName := fs.String("backend", "", "backend name from the backends file")
	file := fs.String("file", "", "request json file (overrides the other flags)")
	wait := fs.Bool("wait", false, "block until the operation is terminal")
	jsonOut := fs.Bool("json", false, "output json")
	fs.ParseArgs(args)

	req := sdk.SubmitBackupRequest{
		SourceID:   strings.TrimSpace(*source),
		ArtifactID: strings.TrimSpace(*artifactID),
		Kind:       strings.TrimSpace(*kind),
		Backend:    strings.TrimSpace(*backendName),
	}
	if *file != "" {
		loadJSON(*file, &req)
	}
	if req.SourceID == "" {
		fail("source required")
	}
	if req.Backend == "" {
		fail("backend required")
	}

	client := newClient(*fs.gateway, *fs.apiKey)
	resp, err := client.SubmitBackup(context.Background(), &req)
	check(err)

	if !*wait {
		if *jsonOut {
			printJSON(resp)
			return
		}
		fmt.Println(resp.OperationID)
		return
	}

	op := waitForOperation(client, resp.OperationID)
	if *jsonOut {
		printJSON(op)
	} else {
		fmt.Println(op.State)
	}
	if op.State != "Success" {
		os.Exit(1)
	}
}

// waitForOperation polls until the operation reaches a terminal state.
func waitForOperation(client *sdk.Client, id string) *sdk.Operation {
	for {
		op, err := client.GetOperation(context.Background(), id)
		check(err)
		switch op.State {
		case "Success", "Failed", "TimedOut":
			return op
		}
		time.Sleep(2 * time.Second)
	}
}

func runOpsCmd(args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}
	switch args[0] {
	case "list":
		fs := newFlagSet("ops list")
		state := fs.String("state", "", "filter by state")
		jsonOut := fs.Bool("json", false, "output json")
		fs.ParseArgs(args[1:])
		client := newClient(*fs.gateway, *fs.apiKey)
		ops, err := client.ListOperations(context.Background(), *state)
		check(err)
		if *jsonOut {
			printJSON(ops)
			return
		}
		renderOps(os.Stdout, ops)
	case "get":
		fs := newFlagSet("ops get")
		fs.ParseArgs(args[1:])
		if fs.NArg() < 1 {
			fail("operation id required")
		}
		client := newClient(*fs.gateway, *fs.apiKey)
		op, err := client.GetOperation(context.Background(), fs.Arg(0))
		check(err)
		printJSON(op)
	default:
		usage()
		os.Exit(1)
	}
}

func runManifestCmd(args []string) {
	fs := newFlagSet("manifest")
	backendName := fs.String("backend", "", "filter by backend")
	source := fs.String("source", "", "filter by source id")
	kind := fs.String("kind", "", "filter by artifact kind")
	olderThan := fs.String("older-than", "", "entries older than a duration (72h) or RFC3339 time")
	jsonOut := fs.Bool("json", false, "output json")
	fs.ParseArgs(args)

	client := newClient(*fs.gateway, *fs.apiKey)
	entries, err := client.ListManifest(context.Background(), sdk.ManifestFilter{
		Backend:   *backendName,
		Source:    *source,
		Kind:      *kind,
		OlderThan: *olderThan,
	})
	check(err)
	if *jsonOut {
		printJSON(entries)
		return
	}
	renderManifest(os.Stdout, entries)
}

func runSweepCmd(args []string) {
	fs := newFlagSet("sweep")
	jsonOut := fs.Bool("json", false, "output json")
	fs.ParseArgs(args)

	client := newClient(*fs.gateway, *fs.apiKey)
	res, err := client.Sweep(context.Background())
	check(err)
	if *jsonOut {
		printJSON(res)
		return
	}
	fmt.Printf("deleted %d artifacts\n", len(res.Deleted))
	for _, id := range res.Deleted {
		fmt.Println("  " + id)
	}
	for _, f := range res.Failed {
		fmt.Fprintf(os.Stderr, "failed %s on %s: %s\n", f.ArtifactID, f.Backend, f.Reason)
	}
	if len(res.Failed) > 0 {
		os.Exit(1)
	}
}

func runBackendsCmd(args []string) {
	fs := newFlagSet("backends")
	fs.ParseArgs(args)
	client := newClient(*fs.gateway, *fs.apiKey)
	snap, err := client.ListBackends(context.Background())
	check(err)
	printJSON(snap)
}

func renderOps(w io.Writer, ops []sdk.Operation) {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATE\tBACKEND\tARTIFACT\tSUBMITTED\tSIZE")
	for _, op := range ops {
		size := ""
		if op.SizeBytes > 0 {
			size = humanize.IBytes(uint64(op.SizeBytes))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			op.ID, op.State, op.Ref.Backend, op.Ref.ArtifactID,
			humanize.Time(op.SubmittedAt), size)
	}
	_ = tw.Flush()
}

func renderManifest(w io.Writer, entries []sdk.ManifestEntry) {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "ARTIFACT\tBACKEND\tKIND\tOUTCOME\tAGE\tSIZE\tLOCATION")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Ref.ArtifactID, e.Ref.Backend, e.Ref.Kind, e.Outcome,
			humanize.Time(e.CreatedAt), humanize.IBytes(uint64(e.SizeBytes)), e.Location)
	}
	_ = tw.Flush()
}
