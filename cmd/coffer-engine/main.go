package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/coffer-io/coffer/core/engine"
	"github.com/coffer-io/coffer/core/events"
	"github.com/coffer-io/coffer/core/gateway"
	"github.com/coffer-io/coffer/core/infra/buildinfo"
	"github.com/coffer-io/coffer/core/infra/bus"
	"github.com/coffer-io/coffer/core/infra/config"
	"github.com/coffer-io/coffer/core/infra/locks"
	infraMetrics "github.com/coffer-io/coffer/core/infra/metrics"
	"github.com/coffer-io/coffer/core/manifest"
	"github.com/coffer-io/coffer/core/retention"
)

func main() {
	log.Println("coffer engine starting...")
	buildinfo.Log("coffer-engine")

	cfg := config.Load()
	if data, err := json.Marshal(cfg.Redacted()); err == nil {
		log.Printf("effective config: %s", data)
	}

	backends, err := config.LoadBackends(cfg.BackendsFile)
	if err != nil {
		log.Printf("using empty backends config (could not load %s): %v", cfg.BackendsFile, err)
	}
	for _, name := range backends.Names() {
		be := backends.Backends[name]
		log.Printf("backend %s: driver=%s settings=%v", name, be.Driver, config.RedactedSettings(be.Settings))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry, err := buildRegistry(ctx, backends)
	if err != nil {
		log.Fatalf("failed to build backend registry: %v", err)
	}

	var store manifest.Store
	switch cfg.ManifestStore {
	case "redis":
		redisStore, err := manifest.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatalf("failed to connect to Redis for manifest store: %v", err)
		}
		defer redisStore.Close()
		store = redisStore
	case "file", "":
		fileStore, err := manifest.NewFileStore(cfg.ManifestPath)
		if err != nil {
			log.Fatalf("failed to open manifest store %s: %v", cfg.ManifestPath, err)
		}
		store = fileStore
	default:
		log.Fatalf("unknown manifest store %q (want file or redis)", cfg.ManifestStore)
	}

	// NATS is optional; an empty COFFER_NATS_URL runs without a bus.
	var natsBus *bus.NatsBus
	if cfg.NatsURL != "" {
		natsBus, err = bus.NewNatsBus(cfg.NatsURL)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		defer natsBus.Close()
	}

	hub := gateway.NewHub()
	sinks := []events.Sink{events.LogSink{Component: "events"}, hub}
	if natsBus != nil {
		sinks = append(sinks, natsBus.EventSink())
	}
	sink := events.NewMulti(sinks...)

	// The sweep lock only matters when replicas share a Redis manifest.
	var lockStore locks.Store
	if cfg.ManifestStore == "redis" {
		redisLocks, err := locks.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Printf("sweep lock disabled: failed to connect to Redis: %v", err)
		} else {
			defer redisLocks.Close()
			lockStore = redisLocks
		}
	}

	eng, err := engine.New(engine.Config{
		PollInterval:       cfg.PollInterval,
		OperationTimeout:   cfg.OperationTimeout,
		AdapterCallTimeout: cfg.AdapterCallTimeout,
		MaxAdapterErrors:   cfg.MaxAdapterErrors,
		TerminalRetention:  cfg.TerminalRetention,
	}, registry, store, sink, infraMetrics.NewProm("coffer_engine"), nil)
	if err != nil {
		log.Fatalf("failed to build engine: %v", err)
	}
	go eng.Start(ctx)

	sweeper, err := retention.New(retention.Config{
		Interval:    cfg.SweepInterval,
		Concurrency: cfg.SweepConcurrency,
		CallTimeout: cfg.AdapterCallTimeout,
		Default:     retention.Policy{MaxAge: cfg.RetentionMaxAge},
		Overrides:   retentionOverrides(backends, cfg.RetentionMaxAge),
	}, registry, store, sink, infraMetrics.NewSweepProm("coffer_engine"), nil, lockStore)
	if err != nil {
		log.Fatalf("failed to build sweeper: %v", err)
	}
	go sweeper.Run(ctx)

	// gateway.Run also serves /metrics on cfg.MetricsAddr.
	gatewayErr := make(chan error, 1)
	go func() {
		gatewayErr <- gateway.Run(cfg, gateway.Options{
			Engine:   eng,
			Registry: registry,
			Store:    store,
			Sweeper:  sweeper,
			Bus:      natsBus,
			Hub:      hub,
		})
	}()

	log.Printf("engine running with %d backends. waiting for signals...", len(registry.Names()))
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Printf("engine shutting down (%s)", sig)
	case err := <-gatewayErr:
		log.Fatalf("gateway error: %v", err)
	}
	cancel()
}
