// Package postgres backs up PostgreSQL databases by running pg_dump.
package postgres

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/coffer-io/coffer/core/backend"
	"github.com/coffer-io/coffer/core/infra/cmdexec"
	"github.com/coffer-io/coffer/core/manifest"
)

// Config drives pg_dump. Empty connection fields are left to pg_dump's own
// defaults; Password, when set, is passed through PGPASSWORD.
type Config struct {
	PgDump   string
	Host     string
	Port     int
	User     string
	Password string
	OutDir   string
}

// Adapter writes one plain-SQL dump file per artifact. Dumps run in the
// background; a finished dump is verified before it is reported done.
type Adapter struct {
	cfg Config

	mu    sync.Mutex
	dumps map[string]*cmdexec.Process
}

func New(cfg Config) (*Adapter, error) {
	if cfg.OutDir == "" {
		return nil, fmt.Errorf("postgres adapter: output directory required")
	}
	if cfg.PgDump == "" {
		cfg.PgDump = "pg_dump"
	}
	return &Adapter{cfg: cfg, dumps: map[string]*cmdexec.Process{}}, nil
}

func (a *Adapter) dumpPath(artifactID string) string {
	return filepath.Join(a.cfg.OutDir, artifactID+".sql")
}

func (a *Adapter) Submit(_ context.Context, ref manifest.ArtifactRef) (backend.Handle, error) {
	if ref.Kind != manifest.KindDatabase {
		return backend.Handle{}, fmt.Errorf("postgres adapter: %w: %s", backend.ErrUnsupportedKind, ref.Kind)
	}
	file := a.dumpPath(ref.ArtifactID)

	args := []string{}
	if a.cfg.Host != "" {
		args = append(args, "--host="+a.cfg.Host)
	}
	if a.cfg.Port != 0 {
		args = append(args, "--port="+strconv.Itoa(a.cfg.Port))
	}
	if a.cfg.User != "" {
		args = append(args, "--username="+a.cfg.User)
	}
	args = append(args, "--dbname="+ref.SourceID, "--clean", "--create", "--if-exists", "--file="+file)

	cmd := cmdexec.Command{Name: a.cfg.PgDump, Args: args}
	if a.cfg.Password != "" {
		cmd.Env = []string{"PGPASSWORD=" + a.cfg.Password}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if p, ok := a.dumps[ref.ArtifactID]; ok && !p.Done() {
		return backend.Handle{}, fmt.Errorf("dump already in progress for %s", ref.ArtifactID)
	}

	if err := os.MkdirAll(a.cfg.OutDir, 0o755); err != nil {
		return backend.Handle{}, fmt.Errorf("prepare dump directory: %w", err)
	}
	p, err := cmdexec.Start(cmd)
	if err != nil {
		return backend.Handle{}, fmt.Errorf("start pg_dump: %w", err)
	}
	a.dumps[ref.ArtifactID] = p

	return backend.Handle{ID: ref.ArtifactID, Location: file}, nil
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

	file := handle.Location
	if file == "" {
		file = a.dumpPath(handle.ID)
	}
	if err := verifyDump(file); err != nil {
		return backend.StatusReport{State: backend.StateErrored, Reason: err.Error()}, nil
	}
	info, err := os.Stat(file)
	if err != nil {
		return backend.StatusReport{State: backend.StateErrored, Reason: "dump file missing"}, nil
	}
	return backend.StatusReport{State: backend.StateDone, SizeBytes: info.Size()}, nil
}

// verifyDump sanity-checks that the file opens with something pg_dump
// would emit. Plain-SQL dumps start with a comment banner, a SET, or a
// psql meta-command depending on version and flags.
func verifyDump(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("dump verification failed: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return fmt.Errorf("dump verification failed: empty dump")
	}
	line := strings.TrimSpace(scanner.Text())
	if strings.HasPrefix(line, "--") || strings.HasPrefix(line, "SET") || strings.HasPrefix(line, `\`) {
		return nil
	}
	return fmt.Errorf("dump verification failed: unexpected first line %q", line)
}

func (a *Adapter) Delete(_ context.Context, ref manifest.ArtifactRef) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if p, ok := a.dumps[ref.ArtifactID]; ok && !p.Done() {
		if err := p.Kill(); err != nil {
			return fmt.Errorf("kill dump process: %w", err)
		}
	}
	if err := os.Remove(a.dumpPath(ref.ArtifactID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove dump %s: %w", ref.ArtifactID, err)
	}
	delete(a.dumps, ref.ArtifactID)
	return nil
}
