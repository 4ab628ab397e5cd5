package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.RedisURL != defaultRedisURL {
		t.Fatalf("expected default redis url")
	}
	if cfg.NatsURL != "" {
		t.Fatalf("expected nats disabled by default")
	}
	if cfg.HTTPAddr != defaultHTTPAddr {
		t.Fatalf("expected default http addr")
	}
	if cfg.ManifestStore != defaultManifestStore {
		t.Fatalf("expected default manifest store")
	}
	if cfg.PollInterval != defaultPollInterval {
		t.Fatalf("expected default poll interval")
	}
	if cfg.OperationTimeout != defaultOperationTimeout {
		t.Fatalf("expected default operation timeout")
	}
	if cfg.MaxAdapterErrors != defaultMaxAdapterErrors {
		t.Fatalf("expected default adapter error cap")
	}
	if cfg.TerminalRetention != defaultTerminalRetention {
		t.Fatalf("expected default terminal retention")
	}
	if cfg.RetentionMaxAge != defaultRetentionMaxAge {
		t.Fatalf("expected default retention age")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv(envRedisURL, "redis://example:6379")
	t.Setenv(envNATSURL, "nats://example:4222")
	t.Setenv(envHTTPAddr, ":9999")
	t.Setenv(envManifestStore, "Redis")
	t.Setenv(envPollInterval, "5s")
	t.Setenv(envOperationTimeout, "600")
	t.Setenv(envMaxAdapterErrors, "5")
	t.Setenv(envTerminalRetention, "30m")
	t.Setenv(envSweepConcurrency, "2")

	cfg := Load()
	if cfg.RedisURL != "redis://example:6379" {
		t.Fatalf("unexpected redis url")
	}
	if cfg.NatsURL != "nats://example:4222" {
		t.Fatalf("unexpected nats url")
	}
	if cfg.HTTPAddr != ":9999" {
		t.Fatalf("unexpected http addr")
	}
	if cfg.ManifestStore != "redis" {
		t.Fatalf("expected lowercased manifest store, got %s", cfg.ManifestStore)
	}
	if cfg.PollInterval != 5*time.Second {
		t.Fatalf("unexpected poll interval: %v", cfg.PollInterval)
	}
	if cfg.OperationTimeout != 10*time.Minute {
		t.Fatalf("expected bare-seconds parsing, got %v", cfg.OperationTimeout)
	}
	if cfg.MaxAdapterErrors != 5 {
		t.Fatalf("unexpected adapter error cap")
	}
	if cfg.TerminalRetention != 30*time.Minute {
		t.Fatalf("unexpected terminal retention: %v", cfg.TerminalRetention)
	}
	if cfg.SweepConcurrency != 2 {
		t.Fatalf("unexpected sweep concurrency")
	}
}

func TestParseDurationEnvRejectsGarbage(t *testing.T) {
	t.Setenv(envPollInterval, "soon")
	if got := parseDurationEnv(envPollInterval, time.Minute); got != time.Minute {
		t.Fatalf("expected fallback to default, got %v", got)
	}
	t.Setenv(envPollInterval, "-10s")
	if got := parseDurationEnv(envPollInterval, time.Minute); got != time.Minute {
		t.Fatalf("expected negative duration rejected, got %v", got)
	}
}
