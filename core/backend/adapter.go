package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/coffer-io/coffer/core/manifest"
)

// State of an in-flight backup as reported by an adapter.
type State string

const (
	StateRunning State = "Running"
	StateDone    State = "Done"
	StateErrored State = "Errored"
)

// Handle identifies a submitted backup inside its backend. ID is the
// backend-side correlation key (snapshot name, dump path); Location is where
// the artifact lands; Meta is carried into the manifest entry's Extra.
type Handle struct {
	ID       string
	Location string
	Meta     map[string]string
}

// StatusReport is the outcome of one poll. SizeBytes and Meta are meaningful
// only for StateDone, Reason only for StateErrored.
type StatusReport struct {
	State     State
	SizeBytes int64
	Reason    string
	Meta      map[string]string
}

// Adapter is the backend contract. Submit starts a backup for the ref and
// returns a handle, Status polls it, Delete removes the stored artifact.
// All calls honor ctx deadlines; adapters fail rather than block past them.
type Adapter interface {
	Submit(ctx context.Context, ref manifest.ArtifactRef) (Handle, error)
	Status(ctx context.Context, h Handle) (StatusReport, error)
	Delete(ctx context.Context, ref manifest.ArtifactRef) error
}

// TransientError marks an adapter failure worth retrying on the next tick.
// Anything not wrapped in it is treated as terminal by callers that care.
type TransientError struct {
	Reason string
	Err    error
}

func (e *TransientError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("transient backend error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("transient backend error: %s", e.Reason)
}

func (e *TransientError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// ErrUnsupportedKind is returned by adapters asked to back up a kind they do
// not implement.
var ErrUnsupportedKind = errors.New("unsupported_artifact_kind")
