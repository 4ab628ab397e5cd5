package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/coffer-io/coffer/core/backend"
	"github.com/coffer-io/coffer/core/infra/cmdexec"
	"github.com/coffer-io/coffer/core/infra/config"
	"github.com/coffer-io/coffer/core/infra/logging"
	"github.com/coffer-io/coffer/core/infra/secrets"
	"github.com/coffer-io/coffer/core/manifest"
	"github.com/coffer-io/coffer/core/retention"
	"github.com/coffer-io/coffer/packages/adapters/cassandra"
	"github.com/coffer-io/coffer/packages/adapters/clickhouse"
	"github.com/coffer-io/coffer/packages/adapters/elastic"
	"github.com/coffer-io/coffer/packages/adapters/mongo"
	"github.com/coffer-io/coffer/packages/adapters/postgres"
	"github.com/coffer-io/coffer/packages/adapters/rds"
	"github.com/coffer-io/coffer/packages/adapters/redisrdb"
	"github.com/coffer-io/coffer/packages/adapters/sqlite"
)

// buildRegistry constructs and registers one adapter per backends-file
// entry. Secret references in settings are resolved first; any backend
// that fails to construct aborts startup.
func buildRegistry(ctx context.Context, backends *config.BackendsConfig) (*backend.Registry, error) {
	registry := backend.NewRegistry()
	for _, name := range backends.Names() {
		be := backends.Backends[name]
		resolved, err := secrets.ResolveSettings(be.Settings)
		if err != nil {
			return nil, fmt.Errorf("backend %s: %w", name, err)
		}
		// Resolution is single-pass: a secret file whose content is itself
		// a reference comes through unresolved.
		if secrets.ContainsSecretRefs(resolved) {
			logging.Error("backends", "resolved settings still contain secret references", "backend", name)
		}
		be.Settings = resolved
		adapter, err := buildAdapter(ctx, be)
		if err != nil {
			return nil, fmt.Errorf("backend %s: %w", name, err)
		}
		warnMissingTools(name, be)
		if err := registry.Register(name, be.Driver, adapter); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// warnMissingTools flags subprocess drivers whose tooling is not on PATH.
// Registration still goes ahead; the first submit fails with the same
// root cause, this just surfaces it at startup.
func warnMissingTools(name string, be config.BackendConfig) {
	s := be.Settings
	pick := func(key, fallback string) string {
		if s[key] != "" {
			return s[key]
		}
		return fallback
	}
	var tools []string
	switch be.Driver {
	case "postgres":
		tools = []string{pick("pg_dump", "pg_dump")}
	case "mongo":
		tools = []string{pick("mongodump", "mongodump")}
	case "cassandra":
		tools = []string{pick("nodetool", "nodetool"), pick("cqlsh", "cqlsh")}
	case "clickhouse":
		tools = []string{pick("client", "clickhouse-client")}
	default:
		return
	}
	for _, tool := range tools {
		if err := cmdexec.LookPath(tool); err != nil {
			logging.Error("engine", "backend tool missing", "backend", name, "tool", tool)
		}
	}
}

// buildAdapter maps one driver name and its settings onto an adapter.
// The driver enum is schema-checked at load time, so the default arm
// only fires for hand-built configs.
func buildAdapter(ctx context.Context, be config.BackendConfig) (backend.Adapter, error) {
	s := be.Settings
	switch be.Driver {
	case "postgres":
		port, err := intSetting(s, "port")
		if err != nil {
			return nil, err
		}
		return postgres.New(postgres.Config{
			PgDump:   s["pg_dump"],
			Host:     s["host"],
			Port:     port,
			User:     s["user"],
			Password: s["password"],
			OutDir:   s["out_dir"],
		})
	case "mongo":
		return mongo.New(mongo.Config{
			Mongodump: s["mongodump"],
			Host:      s["host"],
			OutDir:    s["out_dir"],
			Gzip:      boolSetting(s, "gzip"),
			Oplog:     boolSetting(s, "oplog"),
		})
	case "cassandra":
		port, err := intSetting(s, "cql_port")
		if err != nil {
			return nil, err
		}
		return cassandra.New(cassandra.Config{
			Nodetool:  s["nodetool"],
			Cqlsh:     s["cqlsh"],
			Host:      s["host"],
			CQLPort:   port,
			SchemaDir: s["schema_dir"],
		}), nil
	case "elastic":
		return elastic.New(elastic.Config{
			BaseURL:    s["base_url"],
			Repository: s["repository"],
			RepoType:   s["repo_type"],
			Location:   s["location"],
			Username:   s["username"],
			Password:   s["password"],
		})
	case "clickhouse":
		port, err := intSetting(s, "port")
		if err != nil {
			return nil, err
		}
		return clickhouse.New(clickhouse.Config{
			Client:   s["client"],
			Host:     s["host"],
			Port:     port,
			User:     s["user"],
			Password: s["password"],
			OutDir:   s["out_dir"],
		})
	case "sqlite":
		return sqlite.New(sqlite.Config{
			DataDir: s["data_dir"],
			OutDir:  s["out_dir"],
			Verify:  boolSetting(s, "verify"),
		})
	case "redis":
		return redisrdb.New(redisrdb.Config{
			URL:     s["url"],
			DataDir: s["data_dir"],
			OutDir:  s["out_dir"],
		})
	case "rds":
		return rds.New(ctx, s["region"])
	default:
		return nil, fmt.Errorf("unknown driver %q", be.Driver)
	}
}

// retentionOverrides maps per-backend retention blocks onto sweep
// policies. A kinds list without max_age_days narrows the engine
// default to those kinds; a block with neither is skipped.
func retentionOverrides(backends *config.BackendsConfig, fallback time.Duration) map[string]retention.Policy {
	out := map[string]retention.Policy{}
	for name, be := range backends.Backends {
		if be.Retention == nil {
			continue
		}
		maxAge := be.Retention.MaxAge()
		if maxAge == 0 {
			if len(be.Retention.Kinds) == 0 {
				continue
			}
			maxAge = fallback
		}
		kinds := make([]manifest.Kind, 0, len(be.Retention.Kinds))
		for _, k := range be.Retention.Kinds {
			kinds = append(kinds, manifest.Kind(k))
		}
		out[name] = retention.Policy{MaxAge: maxAge, Scope: retention.KindScope(kinds...)}
	}
	return out
}

// intSetting parses an optional integer setting; missing means zero.
func intSetting(settings map[string]string, key string) (int, error) {
	raw := settings[key]
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("setting %s: %w", key, err)
	}
	return v, nil
}

func boolSetting(settings map[string]string, key string) bool {
	v, _ := strconv.ParseBool(settings[key])
	return v
}
