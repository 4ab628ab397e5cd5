// Package sqlite backs up SQLite databases with VACUUM INTO, which copies
// a consistent snapshot even while the source is in use.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/coffer-io/coffer/core/backend"
	"github.com/coffer-io/coffer/core/manifest"
)

// Config maps sources to files: the database named by a ref's SourceID
// lives at DataDir/<source>.db and its backup lands at
// OutDir/<artifact>.db. Verify runs PRAGMA quick_check on each copy.
type Config struct {
	DataDir string
	OutDir  string
	Verify  bool
}

type job struct {
	done chan struct{}
	err  error
	size int64
}

func (j *job) finished() bool {
	select {
	case <-j.done:
		return true
	default:
		return false
	}
}

type Adapter struct {
	cfg Config

	mu   sync.Mutex
	jobs map[string]*job
}

func New(cfg Config) (*Adapter, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("sqlite adapter: data directory required")
	}
	if cfg.OutDir == "" {
		return nil, fmt.Errorf("sqlite adapter: output directory required")
	}
	return &Adapter{cfg: cfg, jobs: map[string]*job{}}, nil
}

func (a *Adapter) backupPath(artifactID string) string {
	return filepath.Join(a.cfg.OutDir, artifactID+".db")
}

func (a *Adapter) Submit(_ context.Context, ref manifest.ArtifactRef) (backend.Handle, error) {
	if ref.Kind != manifest.KindDatabase {
		return backend.Handle{}, fmt.Errorf("sqlite adapter: %w: %s", backend.ErrUnsupportedKind, ref.Kind)
	}
	src := filepath.Join(a.cfg.DataDir, ref.SourceID+".db")
	// Opening a missing path would create an empty database, check first.
	if _, err := os.Stat(src); err != nil {
		return backend.Handle{}, fmt.Errorf("source database %s not found: %w", ref.SourceID, err)
	}
	target := a.backupPath(ref.ArtifactID)

	a.mu.Lock()
	defer a.mu.Unlock()
	if j, ok := a.jobs[ref.ArtifactID]; ok && !j.finished() {
		return backend.Handle{}, fmt.Errorf("backup already in progress for %s", ref.ArtifactID)
	}
	if err := os.MkdirAll(a.cfg.OutDir, 0o755); err != nil {
		return backend.Handle{}, fmt.Errorf("prepare backup directory: %w", err)
	}

	j := &job{done: make(chan struct{})}
	a.jobs[ref.ArtifactID] = j
	go a.backup(j, src, target)

	return backend.Handle{ID: ref.ArtifactID, Location: target}, nil
}

func (a *Adapter) backup(j *job, src, target string) {
	defer close(j.done)

	db, err := sql.Open("sqlite", src)
	if err != nil {
		j.err = fmt.Errorf("open source database: %w", err)
		return
	}
	defer db.Close()

	// VACUUM INTO refuses to overwrite an existing file.
	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		j.err = fmt.Errorf("clear stale backup: %w", err)
		return
	}
	if _, err := db.Exec("VACUUM INTO ?", target); err != nil {
		j.err = fmt.Errorf("vacuum into %s: %w", target, err)
		return
	}
	if a.cfg.Verify {
		if err := quickCheck(target); err != nil {
			j.err = err
			return
		}
	}
	info, err := os.Stat(target)
	if err != nil {
		j.err = fmt.Errorf("stat backup: %w", err)
		return
	}
	j.size = info.Size()
}

func quickCheck(path string) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("open backup for verification: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRow("PRAGMA quick_check").Scan(&result); err != nil {
		return fmt.Errorf("verify backup: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("verify backup: quick_check reported %q", result)
	}
	return nil
}

func (a *Adapter) Status(_ context.Context, handle backend.Handle) (backend.StatusReport, error) {
	a.mu.Lock()
	j := a.jobs[handle.ID]
	a.mu.Unlock()

	if j == nil {
		return backend.StatusReport{State: backend.StateErrored, Reason: "no backup in progress"}, nil
	}
	if !j.finished() {
		return backend.StatusReport{State: backend.StateRunning}, nil
	}
	if j.err != nil {
		return backend.StatusReport{State: backend.StateErrored, Reason: j.err.Error()}, nil
	}
	return backend.StatusReport{State: backend.StateDone, SizeBytes: j.size}, nil
}

func (a *Adapter) Delete(_ context.Context, ref manifest.ArtifactRef) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := os.Remove(a.backupPath(ref.ArtifactID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove backup %s: %w", ref.ArtifactID, err)
	}
	delete(a.jobs, ref.ArtifactID)
	return nil
}
