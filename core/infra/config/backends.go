package config

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/coffer-io/coffer/core/infra/schema"
)

// BackendConfig describes one configured backup backend.
type BackendConfig struct {
	Driver    string            `yaml:"driver"`
	Settings  map[string]string `yaml:"settings,omitempty"`
	Retention *RetentionConfig  `yaml:"retention,omitempty"`
}

// RetentionConfig overrides the engine-wide retention for one backend.
type RetentionConfig struct {
	MaxAgeDays int      `yaml:"max_age_days"`
	Kinds      []string `yaml:"kinds,omitempty"`
}

// MaxAge converts the day-based override to a duration. Zero means
// "use the engine default".
func (r *RetentionConfig) MaxAge() time.Duration {
	if r == nil || r.MaxAgeDays <= 0 {
		return 0
	}
	return time.Duration(r.MaxAgeDays) * 24 * time.Hour
}

// BackendsConfig maps backend names to their configuration.
type BackendsConfig struct {
	Backends map[string]BackendConfig `yaml:"backends"`
}

// Names returns the configured backend names sorted.
func (b *BackendsConfig) Names() []string {
	out := make([]string, 0, len(b.Backends))
	for name := range b.Backends {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// LoadBackends reads a YAML backends file. A missing file yields an empty
// config together with the read error so callers can log and continue.
func LoadBackends(path string) (*BackendsConfig, error) {
	if path == "" {
		return emptyBackends(), nil
	}
	// #nosec G304 -- backends config path is operator-provided.
	data, err := os.ReadFile(path)
	if err != nil {
		return emptyBackends(), fmt.Errorf("read backends config: %w", err)
	}
	cfg, err := ParseBackends(data)
	if err != nil {
		return emptyBackends(), fmt.Errorf("load backends config %s: %w", path, err)
	}
	return cfg, nil
}

// ParseBackends parses backends config data from YAML/JSON bytes.
func ParseBackends(data []byte) (*BackendsConfig, error) {
	if len(data) == 0 {
		return emptyBackends(), nil
	}
	if err := validateBackendsSchema(data); err != nil {
		return nil, err
	}
	var cfg BackendsConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse backends config: %w", err)
	}
	if cfg.Backends == nil {
		cfg.Backends = map[string]BackendConfig{}
	}
	for name, be := range cfg.Backends {
		if be.Settings == nil {
			be.Settings = map[string]string{}
			cfg.Backends[name] = be
		}
	}
	return &cfg, nil
}

// validateBackendsSchema rejects malformed backends files before any
// adapter is constructed. The schema pins the driver enum, the settings
// shape, and the retention override fields.
func validateBackendsSchema(data []byte) error {
	var payload any
	if err := yaml.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("parse backends config: %w", err)
	}
	if err := schema.ValidateSchema("backends", backendsSchemaJSON, payload); err != nil {
		return fmt.Errorf("validate backends config: %w", err)
	}
	return nil
}

func emptyBackends() *BackendsConfig {
	return &BackendsConfig{Backends: map[string]BackendConfig{}}
}
