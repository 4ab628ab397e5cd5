package manifest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind classifies what a backup artifact covers.
type Kind string

const (
	KindInstance Kind = "Instance"
	KindCluster  Kind = "Cluster"
	KindKeyspace Kind = "Keyspace"
	KindDatabase Kind = "Database"
	KindTable    Kind = "Table"
	KindFile     Kind = "File"
)

// Outcome records how the producing operation ended.
type Outcome string

const (
	OutcomeSuccess  Outcome = "Success"
	OutcomeFailed   Outcome = "Failed"
	OutcomeTimedOut Outcome = "TimedOut"
)

// ArtifactRef identifies one backup artifact on one backend.
type ArtifactRef struct {
	SourceID   string `json:"source_id"`
	ArtifactID string `json:"artifact_id"`
	Kind       Kind   `json:"kind"`
	Backend    string `json:"backend"`
}

// Validate checks the fields needed to address an artifact.
func (r ArtifactRef) Validate() error {
	if strings.TrimSpace(r.SourceID) == "" {
		return errors.New("source_id required")
	}
	if strings.TrimSpace(r.ArtifactID) == "" {
		return errors.New("artifact_id required")
	}
	if strings.TrimSpace(r.Backend) == "" {
		return errors.New("backend required")
	}
	switch r.Kind {
	case KindInstance, KindCluster, KindKeyspace, KindDatabase, KindTable, KindFile:
		return nil
	default:
		return fmt.Errorf("unknown kind: %q", r.Kind)
	}
}

// Entry is one durable manifest record.
type Entry struct {
	Ref       ArtifactRef       `json:"ref"`
	Outcome   Outcome           `json:"outcome"`
	CreatedAt time.Time         `json:"created_at"`
	SizeBytes int64             `json:"size_bytes"`
	Location  string            `json:"location,omitempty"`
	Extra     map[string]string `json:"extra,omitempty"`
}

func (e Entry) validate() error {
	if err := e.Ref.Validate(); err != nil {
		return err
	}
	if e.CreatedAt.IsZero() {
		return errors.New("created_at required")
	}
	return nil
}

// Filter selects manifest entries. Zero values match everything.
// OlderThan matches entries created strictly before the cutoff.
type Filter struct {
	Backend   string
	SourceID  string
	Kind      Kind
	Outcome   Outcome
	OlderThan time.Time
}

// Matches reports whether an entry passes the filter.
func (f Filter) Matches(e Entry) bool {
	if f.Backend != "" && e.Ref.Backend != f.Backend {
		return false
	}
	if f.SourceID != "" && e.Ref.SourceID != f.SourceID {
		return false
	}
	if f.Kind != "" && e.Ref.Kind != f.Kind {
		return false
	}
	if f.Outcome != "" && e.Outcome != f.Outcome {
		return false
	}
	if !f.OlderThan.IsZero() && !e.CreatedAt.Before(f.OlderThan) {
		return false
	}
	return true
}

// ErrNotFound is returned by Remove for an unknown artifact id.
var ErrNotFound = errors.New("manifest_entry_not_found")

// DuplicateArtifactError marks a repeated append of the same artifact id.
// The store is left unchanged.
type DuplicateArtifactError struct {
	ArtifactID string
}

func (e *DuplicateArtifactError) Error() string {
	return fmt.Sprintf("artifact already recorded: %s", e.ArtifactID)
}

// WriteError wraps a failed manifest mutation.
type WriteError struct {
	Op  string
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("manifest %s: %v", e.Op, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Store is a durable, idempotent record of produced artifacts.
// List returns entries ordered by CreatedAt ascending.
type Store interface {
	Append(ctx context.Context, entry Entry) error
	List(ctx context.Context, filter Filter) ([]Entry, error)
	Remove(ctx context.Context, artifactID string) error
}
