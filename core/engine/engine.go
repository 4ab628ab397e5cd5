package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"

	"github.com/coffer-io/coffer/core/backend"
	"github.com/coffer-io/coffer/core/events"
	"github.com/coffer-io/coffer/core/infra/logging"
	"github.com/coffer-io/coffer/core/infra/metrics"
	"github.com/coffer-io/coffer/core/manifest"
)

const artifactIDTimeFormat = "20060102_150405"

// Engine tracks backup operations from submission to a terminal state and
// drives them there by polling backend adapters.
type Engine struct {
	cfg      Config
	registry *backend.Registry
	store    manifest.Store
	sink     events.Sink
	metrics  metrics.Metrics
	clock    clock.Clock

	mu  sync.RWMutex
	ops map[string]*record
}

// record is the engine's mutable view of one operation. op is the published
// snapshot; the rest is poll bookkeeping.
type record struct {
	op       Operation
	adapter  backend.Adapter
	handle   backend.Handle
	errCount int
	inFlight bool
	lastErr  error
	done     chan struct{}
}

// New builds an engine. A nil sink, metrics, or clk falls back to no-op
// implementations and the wall clock.
func New(cfg Config, registry *backend.Registry, store manifest.Store, sink events.Sink, m metrics.Metrics, clk clock.Clock) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.TerminalRetention == 0 {
		cfg.TerminalRetention = DefaultTerminalRetention
	}
	if registry == nil {
		registry = backend.NewRegistry()
	}
	if sink == nil {
		sink = events.Noop{}
	}
	if m == nil {
		m = metrics.Noop{}
	}
	if clk == nil {
		clk = clock.WallClock
	}
	return &Engine{
		cfg:      cfg,
		registry: registry,
		store:    store,
		sink:     sink,
		metrics:  m,
		clock:    clk,
		ops:      map[string]*record{},
	}, nil
}

// Submit hands a backup request to its backend and starts tracking it.
// An empty ArtifactID defaults to <source_id>_YYYYmmdd_HHMMSS (UTC). On
// adapter failure nothing is recorded and a SubmissionError is returned.
// A tracked operation is polled once before Submit returns, so synchronous
// backends come back already InProgress or terminal.
func (e *Engine) Submit(ctx context.Context, ref manifest.ArtifactRef) (string, error) {
	adapter, ok := e.registry.Get(ref.Backend)
	if !ok {
		return "", &SubmissionError{Backend: ref.Backend, Err: ErrUnknownBackend}
	}

	now := e.clock.Now().UTC()
	if ref.ArtifactID == "" {
		ref.ArtifactID = ref.SourceID + "_" + now.Format(artifactIDTimeFormat)
	}
	if err := ref.Validate(); err != nil {
		return "", &SubmissionError{Backend: ref.Backend, Err: err}
	}

	cctx, cancel := context.WithTimeout(ctx, e.cfg.AdapterCallTimeout)
	handle, err := adapter.Submit(cctx, ref)
	cancel()
	if err != nil {
		return "", &SubmissionError{Backend: ref.Backend, Err: err}
	}

	id := uuid.NewString()
	rec := &record{
		op: Operation{
			ID:          id,
			Ref:         ref,
			State:       StateSubmitted,
			SubmittedAt: now,
		},
		adapter: adapter,
		handle:  handle,
		// Marked in flight until the immediate first poll below finishes,
		// so a concurrent tick cannot double-poll the fresh operation.
		inFlight: true,
		done:     make(chan struct{}),
	}

	e.mu.Lock()
	e.ops[id] = rec
	tracked := e.trackedLocked()
	e.mu.Unlock()

	e.metrics.IncSubmissions(ref.Backend)
	e.metrics.SetTrackedOperations(tracked)
	logging.Info("engine", "operation submitted",
		"operation_id", id,
		"backend", ref.Backend,
		"source_id", ref.SourceID,
		"artifact_id", ref.ArtifactID,
		"kind", ref.Kind,
	)
	e.sink.Publish(ctx, events.Event{
		Type:        events.TypeOperationSubmitted,
		OperationID: id,
		Ref:         ref,
		State:       string(StateSubmitted),
		Time:        now,
	})

	// First poll right away: synchronous backends report Done on the spot
	// and callers should not wait a full tick to learn that.
	e.pollOne(ctx, rec)
	return id, nil
}

// Get returns a snapshot of the operation.
func (e *Engine) Get(id string) (Operation, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rec, ok := e.ops[id]
	if !ok {
		return Operation{}, false
	}
	return rec.op, true
}

// List returns snapshots of every tracked operation, oldest first.
func (e *Engine) List() []Operation {
	e.mu.RLock()
	out := make([]Operation, 0, len(e.ops))
	for _, rec := range e.ops {
		out = append(out, rec.op)
	}
	e.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})
	return out
}

// CountByState tallies tracked operations per state.
func (e *Engine) CountByState() map[OperationState]int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	counts := map[OperationState]int{}
	for _, rec := range e.ops {
		counts[rec.op.State]++
	}
	return counts
}

// Wait blocks until the operation reaches a terminal state or ctx is done.
func (e *Engine) Wait(ctx context.Context, id string) (Operation, error) {
	e.mu.RLock()
	rec, ok := e.ops[id]
	e.mu.RUnlock()
	if !ok {
		return Operation{}, ErrOperationNotFound
	}
	select {
	case <-ctx.Done():
		e.mu.RLock()
		op := rec.op
		e.mu.RUnlock()
		return op, ctx.Err()
	case <-rec.done:
		e.mu.RLock()
		op := rec.op
		e.mu.RUnlock()
		return op, nil
	}
}

// transitionLocked applies a state change. Callers hold e.mu. cause is
// recorded on the snapshot; terminal states close the wait channel and bump
// the outcome counter. Returns false for illegal transitions.
func (e *Engine) transitionLocked(rec *record, to OperationState, now time.Time, cause error) bool {
	from := rec.op.State
	if !canTransition(from, to) {
		logging.Error("engine", "illegal state transition",
			"operation_id", rec.op.ID,
			"from", from,
			"to", to,
		)
		return false
	}
	rec.op.State = to
	if cause != nil {
		rec.lastErr = cause
		rec.op.Error = cause.Error()
	}
	if to.Terminal() {
		rec.op.TerminalAt = now
		close(rec.done)
		e.metrics.IncOutcomes(rec.op.Ref.Backend, string(to))
	}
	return true
}

func (e *Engine) trackedLocked() int {
	tracked := 0
	for _, rec := range e.ops {
		if !rec.op.State.Terminal() {
			tracked++
		}
	}
	return tracked
}

func stateChangeEvent(rec *record, now time.Time) events.Event {
	return events.Event{
		Type:        events.TypeOperationStateChanged,
		OperationID: rec.op.ID,
		Ref:         rec.op.Ref,
		State:       string(rec.op.State),
		Error:       rec.op.Error,
		Time:        now,
	}
}
