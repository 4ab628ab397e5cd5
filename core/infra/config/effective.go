package config

import (
	"strings"

	"github.com/coffer-io/coffer/core/infra/secrets"
)

// Settings keys whose values never leave the process in clear text.
var secretSettingKeys = []string{"password", "secret", "token", "api_key", "secret_key"}

// RedactedSettings returns a copy of backend settings with secret-bearing
// values masked, safe for logs and status payloads. A value is masked when its
// key names a secret or when it is a secret:// reference under any key.
func RedactedSettings(settings map[string]string) map[string]string {
	if len(settings) == 0 {
		return map[string]string{}
	}
	out := make(map[string]string, len(settings))
	for k, v := range settings {
		if v != "" && (isSecretKey(k) || secrets.IsRef(v)) {
			out[k] = "***"
			continue
		}
		out[k] = v
	}
	return out
}

// Redacted returns the effective engine configuration as a loggable map.
func (c *Config) Redacted() map[string]any {
	token := ""
	if c.APIToken != "" {
		token = "***"
	}
	return map[string]any{
		"redis_url":            c.RedisURL,
		"nats_url":             c.NatsURL,
		"http_addr":            c.HTTPAddr,
		"metrics_addr":         c.MetricsAddr,
		"api_token":            token,
		"manifest_store":       c.ManifestStore,
		"manifest_path":        c.ManifestPath,
		"backends_file":        c.BackendsFile,
		"poll_interval":        c.PollInterval.String(),
		"operation_timeout":    c.OperationTimeout.String(),
		"adapter_call_timeout": c.AdapterCallTimeout.String(),
		"max_adapter_errors":   c.MaxAdapterErrors,
		"terminal_retention":   c.TerminalRetention.String(),
		"sweep_interval":       c.SweepInterval.String(),
		"sweep_concurrency":    c.SweepConcurrency,
		"retention_max_age":    c.RetentionMaxAge.String(),
	}
}

func isSecretKey(key string) bool {
	k := strings.ToLower(key)
	for _, s := range secretSettingKeys {
		if k == s || strings.HasSuffix(k, "_"+s) {
			return true
		}
	}
	return false
}
