package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultRedisURL          = "redis://localhost:6379"
	defaultHTTPAddr          = ":8080"
	defaultMetricsAddr       = ":9090"
	defaultManifestStore     = "file"
	defaultManifestPath      = "data/manifest.jsonl"
	defaultBackendsFile      = "config/backends.yaml"
	defaultPollInterval      = 30 * time.Second
	defaultOperationTimeout  = time.Hour
	defaultAdapterTimeout    = 30 * time.Second
	defaultMaxAdapterErrors  = 3
	defaultTerminalRetention = time.Hour
	defaultSweepInterval     = time.Hour
	defaultSweepConcurrency  = 4
	defaultRetentionMaxAge   = 7 * 24 * time.Hour

	envRedisURL          = "COFFER_REDIS_URL"
	envNATSURL           = "COFFER_NATS_URL"
	envHTTPAddr          = "COFFER_HTTP_ADDR"
	envMetricsAddr       = "COFFER_METRICS_ADDR"
	envAPIToken          = "COFFER_API_TOKEN"
	envManifestStore     = "COFFER_MANIFEST_STORE"
	envManifestPath      = "COFFER_MANIFEST_PATH"
	envBackendsFile      = "COFFER_BACKENDS_FILE"
	envPollInterval      = "COFFER_POLL_INTERVAL"
	envOperationTimeout  = "COFFER_OPERATION_TIMEOUT"
	envAdapterTimeout    = "COFFER_ADAPTER_CALL_TIMEOUT"
	envMaxAdapterErrors  = "COFFER_MAX_ADAPTER_ERRORS"
	envTerminalRetention = "COFFER_TERMINAL_RETENTION"
	envSweepInterval     = "COFFER_SWEEP_INTERVAL"
	envSweepConcurrency  = "COFFER_SWEEP_CONCURRENCY"
	envRetentionMaxAge   = "COFFER_RETENTION_MAX_AGE"
)

// Config holds runtime configuration for the engine daemon.
type Config struct {
	RedisURL    string
	NatsURL     string
	HTTPAddr    string
	MetricsAddr string
	APIToken    string

	// ManifestStore selects "file" or "redis".
	ManifestStore string
	ManifestPath  string

	BackendsFile string

	PollInterval       time.Duration
	OperationTimeout   time.Duration
	AdapterCallTimeout time.Duration
	MaxAdapterErrors   int
	TerminalRetention  time.Duration

	SweepInterval    time.Duration
	SweepConcurrency int
	RetentionMaxAge  time.Duration
}

// Load returns configuration using environment variables with sane defaults.
// An empty COFFER_NATS_URL disables the event bus.
func Load() *Config {
	return &Config{
		RedisURL:           getenv(envRedisURL, defaultRedisURL),
		NatsURL:            strings.TrimSpace(os.Getenv(envNATSURL)),
		HTTPAddr:           getenv(envHTTPAddr, defaultHTTPAddr),
		MetricsAddr:        getenv(envMetricsAddr, defaultMetricsAddr),
		APIToken:           strings.TrimSpace(os.Getenv(envAPIToken)),
		ManifestStore:      strings.ToLower(getenv(envManifestStore, defaultManifestStore)),
		ManifestPath:       getenv(envManifestPath, defaultManifestPath),
		BackendsFile:       getenv(envBackendsFile, defaultBackendsFile),
		PollInterval:       parseDurationEnv(envPollInterval, defaultPollInterval),
		OperationTimeout:   parseDurationEnv(envOperationTimeout, defaultOperationTimeout),
		AdapterCallTimeout: parseDurationEnv(envAdapterTimeout, defaultAdapterTimeout),
		MaxAdapterErrors:   parseIntEnv(envMaxAdapterErrors, defaultMaxAdapterErrors),
		TerminalRetention:  parseDurationEnv(envTerminalRetention, defaultTerminalRetention),
		SweepInterval:      parseDurationEnv(envSweepInterval, defaultSweepInterval),
		SweepConcurrency:   parseIntEnv(envSweepConcurrency, defaultSweepConcurrency),
		RetentionMaxAge:    parseDurationEnv(envRetentionMaxAge, defaultRetentionMaxAge),
	}
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func parseDurationEnv(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return d
	}
	// Bare integers are seconds.
	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return def
}

func parseIntEnv(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	if v, err := strconv.Atoi(raw); err == nil && v > 0 {
		return v
	}
	return def
}
