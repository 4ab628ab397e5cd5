// Package clickhouse backs up ClickHouse databases table by table through
// clickhouse-client, writing one CSV dump and one schema file per table.
package clickhouse

import (
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

type Config struct {
	Client   string
	Host     string
	Port     int
	User     string
	Password string
	OutDir   string
}

// job is one in-flight database export. The exporting goroutine fills the
// result fields and closes done; readers check done first.
type job struct {
	dir    string
	done   chan struct{}
	err    error
	size   int64
	tables int
}

func (j *job) finished() bool {
	select {
	case <-j.done:
		return true
	default:
		return false
	}
}

// Adapter exports each table with SELECT * rather than snapshotting parts
// on disk, so backups are portable across ClickHouse versions. Exports run
// detached from the submit call and are tracked in memory.
type Adapter struct {
	cfg Config

	mu   sync.Mutex
	jobs map[string]*job
}

func New(cfg Config) (*Adapter, error) {
	if cfg.OutDir == "" {
		return nil, fmt.Errorf("clickhouse adapter: output directory required")
	}
	if cfg.Client == "" {
		cfg.Client = "clickhouse-client"
	}
	return &Adapter{cfg: cfg, jobs: map[string]*job{}}, nil
}

func (a *Adapter) Submit(_ context.Context, ref manifest.ArtifactRef) (backend.Handle, error) {
	if ref.Kind != manifest.KindDatabase {
		return backend.Handle{}, fmt.Errorf("clickhouse adapter: %w: %s", backend.ErrUnsupportedKind, ref.Kind)
	}
	dir := filepath.Join(a.cfg.OutDir, ref.ArtifactID)

	a.mu.Lock()
	defer a.mu.Unlock()
	if j, ok := a.jobs[ref.ArtifactID]; ok && !j.finished() {
		return backend.Handle{}, fmt.Errorf("export already in progress for %s", ref.ArtifactID)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return backend.Handle{}, fmt.Errorf("prepare export directory: %w", err)
	}

	j := &job{dir: dir, done: make(chan struct{})}
	a.jobs[ref.ArtifactID] = j
	go a.export(j, ref.SourceID)

	return backend.Handle{ID: ref.ArtifactID, Location: dir}, nil
}

// export walks the database's tables. It runs on context.Background so a
// submit timeout does not abort an export already under way.
func (a *Adapter) export(j *job, db string) {
	defer close(j.done)
	ctx := context.Background()

	out, err := a.query(ctx, "SHOW TABLES FROM "+db)
	if err != nil {
		j.err = fmt.Errorf("list tables in %s: %w", db, err)
		return
	}
	tables := nonEmptyLines(out)
	var total int64
	for _, table := range tables {
		n, err := a.exportTable(ctx, j.dir, db, table)
		if err != nil {
			j.err = fmt.Errorf("export table %s: %w", table, err)
			return
		}
		total += n
	}
	j.size = total
	j.tables = len(tables)
}

func (a *Adapter) exportTable(ctx context.Context, dir, db, table string) (int64, error) {
	ddl, err := a.query(ctx, fmt.Sprintf("SHOW CREATE TABLE %s.%s", db, table))
	if err != nil {
		return 0, err
	}
	schema := ddl + "\n"
	if err := os.WriteFile(filepath.Join(dir, table+"_schema.sql"), []byte(schema), 0o644); err != nil {
		return 0, err
	}

	dataPath := filepath.Join(dir, table+"_data.csv")
	n, err := cmdexec.RunToFile(ctx, a.clientCmd(fmt.Sprintf("SELECT * FROM %s.%s", db, table), "CSV"), dataPath)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		// An empty table keeps only its schema file.
		if err := os.Remove(dataPath); err != nil {
			return 0, err
		}
	}
	return n + int64(len(schema)), nil
}

func (a *Adapter) Status(_ context.Context, handle backend.Handle) (backend.StatusReport, error) {
	a.mu.Lock()
	j := a.jobs[handle.ID]
	a.mu.Unlock()

	if j == nil {
		return backend.StatusReport{State: backend.StateErrored, Reason: "no export in progress"}, nil
	}
	if !j.finished() {
		return backend.StatusReport{State: backend.StateRunning}, nil
	}
	if j.err != nil {
		return backend.StatusReport{State: backend.StateErrored, Reason: j.err.Error()}, nil
	}
	return backend.StatusReport{
		State:     backend.StateDone,
		SizeBytes: j.size,
		Meta:      map[string]string{"tables": strconv.Itoa(j.tables)},
	}, nil
}

func (a *Adapter) Delete(_ context.Context, ref manifest.ArtifactRef) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if j, ok := a.jobs[ref.ArtifactID]; ok && !j.finished() {
		return fmt.Errorf("export still running for %s", ref.ArtifactID)
	}
	if err := os.RemoveAll(filepath.Join(a.cfg.OutDir, ref.ArtifactID)); err != nil {
		return fmt.Errorf("remove export %s: %w", ref.ArtifactID, err)
	}
	delete(a.jobs, ref.ArtifactID)
	return nil
}

func (a *Adapter) query(ctx context.Context, q string) (string, error) {
	out, err := cmdexec.Run(ctx, a.clientCmd(q, ""))
	if err != nil {
		return "", err
	}
	return strings.TrimRight(out, "\n"), nil
}

func (a *Adapter) clientCmd(query, format string) cmdexec.Command {
	args := []string{}
	if a.cfg.Host != "" {
		args = append(args, "--host="+a.cfg.Host)
	}
	if a.cfg.Port != 0 {
		args = append(args, "--port="+strconv.Itoa(a.cfg.Port))
	}
	if a.cfg.User != "" {
		args = append(args, "--user="+a.cfg.User)
	}
	if a.cfg.Password != "" {
		args = append(args, "--password="+a.cfg.Password)
	}
	if format != "" {
		args = append(args, "--format="+format)
	}
	args = append(args, "--query="+query)
	return cmdexec.Command{Name: a.cfg.Client, Args: args}
}

func nonEmptyLines(out string) []string {
	lines := []string{}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
