// Package mongo backs up MongoDB databases by running mongodump.
package mongo

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/coffer-io/coffer/core/backend"
	"github.com/coffer-io/coffer/core/infra/cmdexec"
	"github.com/coffer-io/coffer/core/manifest"
)

// Config drives mongodump. OutDir is where dump directories land, one per
// artifact. Oplog applies only to whole-instance dumps.
type Config struct {
	Mongodump string
	Host      string
	OutDir    string
	Gzip      bool
	Oplog     bool
}

// Adapter runs mongodump in the background and tracks the processes it
// started. Tracking is in-memory, so a restart loses sight of running
// dumps; Status then reports them as errored and a resubmit starts over.
type Adapter struct {
	cfg Config

	mu    sync.Mutex
	dumps map[string]*cmdexec.Process
}

func New(cfg Config) (*Adapter, error) {
	if cfg.OutDir == "" {
		return nil, fmt.Errorf("mongo adapter: output directory required")
	}
	if cfg.Mongodump == "" {
		cfg.Mongodump = "mongodump"
	}
	return &Adapter{cfg: cfg, dumps: map[string]*cmdexec.Process{}}, nil
}

func (a *Adapter) Submit(ctx context.Context, ref manifest.ArtifactRef) (backend.Handle, error) {
	dir := filepath.Join(a.cfg.OutDir, ref.ArtifactID)
	args := []string{}
	if a.cfg.Host != "" {
		args = append(args, "--host", a.cfg.Host)
	}
	args = append(args, "--out", dir)
	switch ref.Kind {
	case manifest.KindDatabase:
		args = append(args, "--db", ref.SourceID)
	case manifest.KindInstance:
		if a.cfg.Oplog {
			args = append(args, "--oplog")
		}
	default:
		return backend.Handle{}, fmt.Errorf("mongo adapter: %w: %s", backend.ErrUnsupportedKind, ref.Kind)
	}
	if a.cfg.Gzip {
		args = append(args, "--gzip")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if p, ok := a.dumps[ref.ArtifactID]; ok && !p.Done() {
		return backend.Handle{}, fmt.Errorf("dump already in progress for %s", ref.ArtifactID)
	}

	if err := os.MkdirAll(a.cfg.OutDir, 0o755); err != nil {
		return backend.Handle{}, fmt.Errorf("prepare dump directory: %w", err)
	}
	p, err := cmdexec.Start(cmdexec.Command{Name: a.cfg.Mongodump, Args: args})
	if err != nil {
		return backend.Handle{}, fmt.Errorf("start mongodump: %w", err)
	}
	a.dumps[ref.ArtifactID] = p

	return backend.Handle{ID: ref.ArtifactID, Location: dir}, nil
}

func (a *Adapter) Status(_ context.Context, handle backend.Handle) (backend.StatusReport, error) {
	a.mu.Lock()
	p := a.dumps[handle.ID]
	a.mu.Unlock()

	if p == nil {
		return backend.StatusReport{State: backend.StateErrored, Reason: "no dump in progress"}, nil
	}
	if !p.Done() {
		return backend.StatusReport{
			State: backend.StateRunning,
			Meta:  map[string]string{"pid": strconv.Itoa(p.PID())},
		}, nil
	}
	if err := p.Err(); err != nil {
		return backend.StatusReport{State: backend.StateErrored, Reason: err.Error()}, nil
	}

	size, err := dirSize(handle.Location)
	if err != nil {
		return backend.StatusReport{}, &backend.TransientError{Reason: "measure dump size", Err: err}
	}
	return backend.StatusReport{State: backend.StateDone, SizeBytes: size}, nil
}

func (a *Adapter) Delete(_ context.Context, ref manifest.ArtifactRef) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if p, ok := a.dumps[ref.ArtifactID]; ok && !p.Done() {
		if err := p.Kill(); err != nil {
			return fmt.Errorf("kill dump process: %w", err)
		}
	}
	if err := os.RemoveAll(filepath.Join(a.cfg.OutDir, ref.ArtifactID)); err != nil {
		return fmt.Errorf("remove dump %s: %w", ref.ArtifactID, err)
	}
	delete(a.dumps, ref.ArtifactID)
	return nil
}

func dirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}
