// Package redisrdb backs up a Redis instance by triggering BGSAVE and
// collecting the resulting RDB file from the server's data directory.
package redisrdb

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/coffer-io/coffer/core/backend"
	"github.com/coffer-io/coffer/core/infra/redisutil"
	"github.com/coffer-io/coffer/core/manifest"
)

// redisAPI is the slice of the client the adapter needs.
type redisAPI interface {
	LastSave(ctx context.Context) *redis.IntCmd
	BgSave(ctx context.Context) *redis.StatusCmd
	Info(ctx context.Context, section ...string) *redis.StringCmd
}

// Config assumes the engine can read the server's data directory, which
// holds dump.rdb. That makes this adapter suitable for co-located Redis
// instances, not remote ones.
type Config struct {
	URL     string
	DataDir string
	OutDir  string
}

type Adapter struct {
	cfg    Config
	client redisAPI
}

func New(cfg Config) (*Adapter, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("redis adapter: data directory required")
	}
	if cfg.OutDir == "" {
		return nil, fmt.Errorf("redis adapter: output directory required")
	}
	client, err := redisutil.NewClient(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis adapter: %w", err)
	}
	return &Adapter{cfg: cfg, client: client}, nil
}

func NewWithClient(cfg Config, client redisAPI) *Adapter {
	return &Adapter{cfg: cfg, client: client}
}

func (a *Adapter) rdbPath(artifactID string) string {
	return filepath.Join(a.cfg.OutDir, artifactID+".rdb")
}

// Submit records the current LASTSAVE marker and triggers a background
// save. Status watches for the marker to advance.
func (a *Adapter) Submit(ctx context.Context, ref manifest.ArtifactRef) (backend.Handle, error) {
	if ref.Kind != manifest.KindInstance {
		return backend.Handle{}, fmt.Errorf("redis adapter: %w: %s", backend.ErrUnsupportedKind, ref.Kind)
	}
	if err := os.MkdirAll(a.cfg.OutDir, 0o755); err != nil {
		return backend.Handle{}, fmt.Errorf("prepare backup directory: %w", err)
	}

	prev, err := a.client.LastSave(ctx).Result()
	if err != nil {
		return backend.Handle{}, fmt.Errorf("read lastsave marker: %w", err)
	}
	if err := a.client.BgSave(ctx).Err(); err != nil {
		// A save started by someone else works just as well for us.
		if !strings.Contains(err.Error(), "in progress") {
			return backend.Handle{}, fmt.Errorf("trigger bgsave: %w", err)
		}
	}

	return backend.Handle{
		ID:       ref.ArtifactID,
		Location: a.rdbPath(ref.ArtifactID),
		Meta:     map[string]string{"lastsave": strconv.FormatInt(prev, 10)},
	}, nil
}

func (a *Adapter) Status(ctx context.Context, handle backend.Handle) (backend.StatusReport, error) {
	info, err := a.client.Info(ctx, "persistence").Result()
	if err != nil {
		return backend.StatusReport{}, &backend.TransientError{Reason: "read persistence info", Err: err}
	}
	fields := parseInfo(info)

	if fields["rdb_bgsave_in_progress"] == "1" {
		return backend.StatusReport{State: backend.StateRunning}, nil
	}
	if status := fields["rdb_last_bgsave_status"]; status != "" && status != "ok" {
		return backend.StatusReport{State: backend.StateErrored, Reason: "bgsave status " + status}, nil
	}

	prev, err := strconv.ParseInt(handle.Meta["lastsave"], 10, 64)
	if err != nil {
		return backend.StatusReport{State: backend.StateErrored, Reason: "handle missing lastsave marker"}, nil
	}
	last, err := a.client.LastSave(ctx).Result()
	if err != nil {
		return backend.StatusReport{}, &backend.TransientError{Reason: "read lastsave marker", Err: err}
	}
	if last <= prev {
		// The save has not landed yet.
		return backend.StatusReport{State: backend.StateRunning}, nil
	}

	size, err := copyFile(filepath.Join(a.cfg.DataDir, "dump.rdb"), handle.Location)
	if err != nil {
		return backend.StatusReport{}, fmt.Errorf("collect rdb file: %w", err)
	}
	return backend.StatusReport{
		State:     backend.StateDone,
		SizeBytes: size,
		Meta:      map[string]string{"lastsave": strconv.FormatInt(last, 10)},
	}, nil
}

func (a *Adapter) Delete(_ context.Context, ref manifest.ArtifactRef) error {
	if err := os.Remove(a.rdbPath(ref.ArtifactID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove backup %s: %w", ref.ArtifactID, err)
	}
	return nil
}

// parseInfo splits INFO output into key/value pairs, dropping section
// headers and the \r that redis terminates lines with.
func parseInfo(out string) map[string]string {
	fields := map[string]string{}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		fields[parts[0]] = parts[1]
	}
	return fields
}

func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, in)
	if err != nil {
		out.Close()
		return 0, err
	}
	if err := out.Close(); err != nil {
		return 0, err
	}
	return n, nil
}
