package main

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/coffer-io/coffer/core/infra/config"
	"github.com/coffer-io/coffer/core/manifest"
)

func TestBuildRegistry(t *testing.T) {
	dir := t.TempDir()
	backends := &config.BackendsConfig{Backends: map[string]config.BackendConfig{
		"pg-main": {Driver: "postgres", Settings: map[string]string{
			"host": "localhost", "port": "5432", "out_dir": dir,
		}},
		"cass-ring": {Driver: "cassandra", Settings: map[string]string{
			"host": "localhost", "cql_port": "9042",
		}},
		"docs": {Driver: "mongo", Settings: map[string]string{
			"out_dir": dir, "gzip": "true",
		}},
		"events-ch": {Driver: "clickhouse", Settings: map[string]string{
			"out_dir": dir,
		}},
		"local-db": {Driver: "sqlite", Settings: map[string]string{
			"data_dir": dir, "out_dir": dir,
		}},
		"search": {Driver: "elastic", Settings: map[string]string{
			"base_url": "http://localhost:9200", "repository": "coffer",
		}},
		"cache": {Driver: "redis", Settings: map[string]string{
			"url": "redis://localhost:6379", "data_dir": dir, "out_dir": dir,
		}},
	}}

	registry, err := buildRegistry(context.Background(), backends)
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}

	names := registry.Names()
	if len(names) != 7 {
		t.Fatalf("expected 7 backends, got %v", names)
	}
	for _, name := range backends.Names() {
		if _, ok := registry.Get(name); !ok {
			t.Fatalf("backend %s not registered", name)
		}
	}

	snap := registry.BuildSnapshot()
	if snap.Backends["pg-main"].Driver != "postgres" {
		t.Fatalf("unexpected snapshot: %#v", snap.Backends)
	}
}

func TestBuildRegistryUnknownDriver(t *testing.T) {
	backends := &config.BackendsConfig{Backends: map[string]config.BackendConfig{
		"tapes": {Driver: "tape"},
	}}
	_, err := buildRegistry(context.Background(), backends)
	if err == nil {
		t.Fatalf("expected error for unknown driver")
	}
	if !strings.Contains(err.Error(), "tapes") || !strings.Contains(err.Error(), "tape") {
		t.Fatalf("error should name the backend and driver: %v", err)
	}
}

func TestBuildRegistrySecretRefs(t *testing.T) {
	t.Setenv("COFFER_TEST_PGPASS", "tiger")
	backends := &config.BackendsConfig{Backends: map[string]config.BackendConfig{
		"pg-main": {Driver: "postgres", Settings: map[string]string{
			"out_dir":  t.TempDir(),
			"password": "secret://env/COFFER_TEST_PGPASS",
		}},
	}}

	registry, err := buildRegistry(context.Background(), backends)
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	if _, ok := registry.Get("pg-main"); !ok {
		t.Fatalf("backend not registered")
	}

	broken := &config.BackendsConfig{Backends: map[string]config.BackendConfig{
		"pg-main": {Driver: "postgres", Settings: map[string]string{
			"out_dir":  t.TempDir(),
			"password": "secret://env/COFFER_TEST_PGPASS_UNSET",
		}},
	}}
	_, err = buildRegistry(context.Background(), broken)
	if err == nil || !strings.Contains(err.Error(), "pg-main") {
		t.Fatalf("expected error naming the backend, got %v", err)
	}
}

func TestBuildAdapterBadSetting(t *testing.T) {
	_, err := buildAdapter(context.Background(), config.BackendConfig{
		Driver:   "postgres",
		Settings: map[string]string{"out_dir": t.TempDir(), "port": "not-a-port"},
	})
	if err == nil || !strings.Contains(err.Error(), "port") {
		t.Fatalf("expected port parse error, got %v", err)
	}
}

func TestRetentionOverrides(t *testing.T) {
	backends := &config.BackendsConfig{Backends: map[string]config.BackendConfig{
		"plain":   {Driver: "postgres"},
		"aged":    {Driver: "postgres", Retention: &config.RetentionConfig{MaxAgeDays: 30}},
		"scoped":  {Driver: "rds", Retention: &config.RetentionConfig{Kinds: []string{"Instance"}}},
		"emptied": {Driver: "mongo", Retention: &config.RetentionConfig{}},
	}}

	overrides := retentionOverrides(backends, 7*24*time.Hour)

	if _, ok := overrides["plain"]; ok {
		t.Fatalf("backend without retention block should not be overridden")
	}
	if _, ok := overrides["emptied"]; ok {
		t.Fatalf("empty retention block should not be overridden")
	}

	aged, ok := overrides["aged"]
	if !ok {
		t.Fatalf("expected override for aged")
	}
	if aged.MaxAge != 30*24*time.Hour {
		t.Fatalf("expected 30d max age, got %s", aged.MaxAge)
	}
	if aged.Scope != nil {
		t.Fatalf("override without kinds should apply to every entry")
	}

	scoped, ok := overrides["scoped"]
	if !ok {
		t.Fatalf("expected override for scoped")
	}
	if scoped.MaxAge != 7*24*time.Hour {
		t.Fatalf("kinds-only override should use the engine default age, got %s", scoped.MaxAge)
	}
	instance := manifest.Entry{Ref: manifest.ArtifactRef{Kind: manifest.KindInstance}}
	cluster := manifest.Entry{Ref: manifest.ArtifactRef{Kind: manifest.KindCluster}}
	if !scoped.Scope(instance) || scoped.Scope(cluster) {
		t.Fatalf("scope should match Instance entries only")
	}
}

func TestIntSetting(t *testing.T) {
	if v, err := intSetting(map[string]string{}, "port"); err != nil || v != 0 {
		t.Fatalf("missing setting should be zero, got %d %v", v, err)
	}
	if v, err := intSetting(map[string]string{"port": "9042"}, "port"); err != nil || v != 9042 {
		t.Fatalf("expected 9042, got %d %v", v, err)
	}
	if _, err := intSetting(map[string]string{"port": "x"}, "port"); err == nil {
		t.Fatalf("expected parse error")
	}
}
