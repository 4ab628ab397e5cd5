package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/coffer-io/coffer/core/events"
	"github.com/coffer-io/coffer/core/infra/bus"
)

func runWatchCmd(args []string) {
	fs := newFlagSet("watch")
	natsURL := fs.String("nats", envOr("COFFER_NATS_URL", "nats://localhost:4222"), "nats server url")
	subject := fs.String("subject", bus.SubjectAllEvents, "event subject to watch")
	jsonOut := fs.Bool("json", false, "print raw event json")
	fs.ParseArgs(args)

	natsBus, err := bus.NewNatsBus(*natsURL)
	check(err)
	defer natsBus.Close()

	err = natsBus.SubscribeEvents(*subject, "", func(ev events.Event) error {
		if *jsonOut {
			printJSON(ev)
			return nil
		}
		fmt.Println(renderEvent(ev))
		return nil
	})
	check(err)

	fmt.Fprintf(os.Stderr, "watching %s (ctrl-c to stop)\n", *subject)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
}

// renderEvent formats one event as a single log-style line.
func renderEvent(ev events.Event) string {
	parts := []string{ev.Time.Format("15:04:05"), ev.Type}
	if ev.OperationID != "" {
		parts = append(parts, ev.OperationID)
	}
	if ev.Ref.ArtifactID != "" {
		parts = append(parts, ev.Ref.Backend+"/"+ev.Ref.ArtifactID)
	}
	if ev.State != "" {
		parts = append(parts, "state="+ev.State)
	}
	if ev.Error != "" {
		parts = append(parts, "error="+ev.Error)
	}
	for k, v := range ev.Extra {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, " ")
}
