// Package cassandra backs up Cassandra keyspaces with nodetool snapshots.
package cassandra

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode"

	"github.com/coffer-io/coffer/core/backend"
	"github.com/coffer-io/coffer/core/infra/cmdexec"
	"github.com/coffer-io/coffer/core/infra/logging"
	"github.com/coffer-io/coffer/core/manifest"
)

// Config locates the Cassandra tooling. Host and CQLPort are optional;
// nodetool and cqlsh fall back to their own localhost defaults. SchemaDir,
// when set, receives a cqlsh schema dump next to each snapshot.
type Config struct {
	Nodetool  string
	Cqlsh     string
	Host      string
	CQLPort   int
	SchemaDir string
}

// Adapter shells out to nodetool. A snapshot is named by the artifact id
// and lives inside the node's own data directories, so Delete clears it
// through nodetool rather than removing files.
type Adapter struct {
	cfg Config
}

func New(cfg Config) *Adapter {
	if cfg.Nodetool == "" {
		cfg.Nodetool = "nodetool"
	}
	if cfg.Cqlsh == "" {
		cfg.Cqlsh = "cqlsh"
	}
	return &Adapter{cfg: cfg}
}

func (a *Adapter) Submit(ctx context.Context, ref manifest.ArtifactRef) (backend.Handle, error) {
	keyspace, err := scopeKeyspace(ref)
	if err != nil {
		return backend.Handle{}, err
	}
	tag := ref.ArtifactID

	meta := map[string]string{}
	if keyspace != "" {
		meta["keyspace"] = keyspace
	}
	if schemaFile := a.captureSchema(ctx, tag); schemaFile != "" {
		meta["schema_file"] = schemaFile
	}

	args := []string{}
	if a.cfg.Host != "" {
		args = append(args, "-h", a.cfg.Host)
	}
	args = append(args, "snapshot", "-t", tag)
	if keyspace != "" {
		args = append(args, keyspace)
	}
	if _, err := cmdexec.Run(ctx, cmdexec.Command{Name: a.cfg.Nodetool, Args: args}); err != nil {
		return backend.Handle{}, fmt.Errorf("create snapshot %s: %w", tag, err)
	}

	return backend.Handle{
		ID:       tag,
		Location: "snapshots/" + tag,
		Meta:     meta,
	}, nil
}

// captureSchema dumps the full schema via cqlsh. Failures are logged and
// swallowed; the snapshot itself is still worth keeping.
func (a *Adapter) captureSchema(ctx context.Context, tag string) string {
	if a.cfg.SchemaDir == "" {
		return ""
	}
	dir := filepath.Join(a.cfg.SchemaDir, tag)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logging.Error("CASSANDRA", "schema capture failed", "artifact_id", tag, "error", err.Error())
		return ""
	}
	args := []string{}
	if a.cfg.Host != "" {
		args = append(args, a.cfg.Host)
		if a.cfg.CQLPort != 0 {
			args = append(args, strconv.Itoa(a.cfg.CQLPort))
		}
	}
	args = append(args, "-e", "DESCRIBE SCHEMA;")
	path := filepath.Join(dir, "schema.cql")
	if _, err := cmdexec.RunToFile(ctx, cmdexec.Command{Name: a.cfg.Cqlsh, Args: args}, path); err != nil {
		logging.Error("CASSANDRA", "schema capture failed", "artifact_id", tag, "error", err.Error())
		return ""
	}
	return path
}

func (a *Adapter) Status(ctx context.Context, handle backend.Handle) (backend.StatusReport, error) {
	args := []string{}
	if a.cfg.Host != "" {
		args = append(args, "-h", a.cfg.Host)
	}
	args = append(args, "listsnapshots")
	out, err := cmdexec.Run(ctx, cmdexec.Command{Name: a.cfg.Nodetool, Args: args})
	if err != nil {
		return backend.StatusReport{}, &backend.TransientError{Reason: "list snapshots", Err: err}
	}

	tables, total := tagTotals(out, handle.ID)
	if tables == 0 {
		return backend.StatusReport{State: backend.StateErrored, Reason: "snapshot tag not found"}, nil
	}
	return backend.StatusReport{
		State:     backend.StateDone,
		SizeBytes: total,
		Meta:      map[string]string{"tables": strconv.Itoa(tables)},
	}, nil
}

func (a *Adapter) Delete(ctx context.Context, ref manifest.ArtifactRef) error {
	keyspace, err := scopeKeyspace(ref)
	if err != nil {
		return err
	}
	tag := ref.ArtifactID

	args := []string{}
	if a.cfg.Host != "" {
		args = append(args, "-h", a.cfg.Host)
	}
	args = append(args, "clearsnapshot", "-t", tag)
	if keyspace != "" {
		args = append(args, keyspace)
	}
	if _, err := cmdexec.Run(ctx, cmdexec.Command{Name: a.cfg.Nodetool, Args: args}); err != nil {
		return fmt.Errorf("clear snapshot %s: %w", tag, err)
	}

	if a.cfg.SchemaDir != "" {
		if err := os.RemoveAll(filepath.Join(a.cfg.SchemaDir, tag)); err != nil {
			return fmt.Errorf("remove schema dump for %s: %w", tag, err)
		}
	}
	return nil
}

func scopeKeyspace(ref manifest.ArtifactRef) (string, error) {
	switch ref.Kind {
	case manifest.KindKeyspace:
		return ref.SourceID, nil
	case manifest.KindCluster:
		return "", nil
	default:
		return "", fmt.Errorf("cassandra adapter: %w: %s", backend.ErrUnsupportedKind, ref.Kind)
	}
}

// tagTotals scans listsnapshots output for rows belonging to the tag and
// sums their true sizes. Row layout is
//
//	<tag> <keyspace> <table> <true size> <size on disk>
//
// where sizes print either as one token ("13.91KiB") or two ("13.91 KiB")
// depending on the Cassandra release.
func tagTotals(out, tag string) (int, int64) {
	tables := 0
	var total int64
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 5 || fields[0] != tag {
			continue
		}
		tables++
		if size, err := trueSize(fields); err == nil {
			total += size
		}
	}
	return tables, total
}

func trueSize(fields []string) (int64, error) {
	val := fields[3]
	if _, err := strconv.ParseFloat(val, 64); err == nil {
		if len(fields) < 5 {
			return 0, fmt.Errorf("size unit missing after %q", val)
		}
		return parseSize(val, fields[4])
	}
	cut := strings.IndexFunc(val, func(r rune) bool {
		return !unicode.IsDigit(r) && r != '.'
	})
	if cut <= 0 {
		return 0, fmt.Errorf("unparseable size %q", val)
	}
	return parseSize(val[:cut], val[cut:])
}

var sizeUnits = map[string]int64{
	"bytes": 1,
	"KiB":   1 << 10,
	"MiB":   1 << 20,
	"GiB":   1 << 30,
	"TiB":   1 << 40,
}

func parseSize(value, unit string) (int64, error) {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("parse size %q: %w", value, err)
	}
	mult, ok := sizeUnits[unit]
	if !ok {
		return 0, fmt.Errorf("unknown size unit %q", unit)
	}
	return int64(f * float64(mult)), nil
}
