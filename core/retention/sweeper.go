package retention

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"golang.org/x/sync/errgroup"

	"github.com/coffer-io/coffer/core/backend"
	"github.com/coffer-io/coffer/core/events"
	"github.com/coffer-io/coffer/core/infra/locks"
	"github.com/coffer-io/coffer/core/infra/logging"
	"github.com/coffer-io/coffer/core/infra/metrics"
	"github.com/coffer-io/coffer/core/manifest"
)

// sweepLockResource is the distributed lock taken per sweep cycle so only
// one engine replica sweeps at a time.
const sweepLockResource = "sweep"

// DeletionError wraps a failed artifact deletion. The manifest entry stays
// in place when one is returned.
type DeletionError struct {
	ArtifactID string
	Backend    string
	Err        error
}

func (e *DeletionError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("delete artifact %s on backend %s: %v", e.ArtifactID, e.Backend, e.Err)
}

func (e *DeletionError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// FailedDeletion describes one artifact the sweeper could not delete.
type FailedDeletion struct {
	ArtifactID string `json:"artifact_id"`
	Backend    string `json:"backend"`
	Reason     string `json:"reason"`
}

// Result summarizes one sweep. Deleted lists artifact ids oldest first.
type Result struct {
	Deleted []string         `json:"deleted"`
	Failed  []FailedDeletion `json:"failed,omitempty"`
}

func (r *Result) merge(other Result) {
	r.Deleted = append(r.Deleted, other.Deleted...)
	r.Failed = append(r.Failed, other.Failed...)
}

// Config tunes the sweeper loop.
type Config struct {
	Interval    time.Duration
	Concurrency int
	CallTimeout time.Duration
	Default     Policy
	Overrides   map[string]Policy
}

func (c Config) validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %s", c.Interval)
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("sweep concurrency must be positive, got %d", c.Concurrency)
	}
	if c.CallTimeout <= 0 {
		return fmt.Errorf("adapter call timeout must be positive, got %s", c.CallTimeout)
	}
	if err := c.Default.validate(); err != nil {
		return err
	}
	for name, pol := range c.Overrides {
		if err := pol.validate(); err != nil {
			return fmt.Errorf("backend %s: %w", name, err)
		}
	}
	return nil
}

// Sweeper deletes expired artifacts and their manifest entries.
type Sweeper struct {
	cfg      Config
	registry *backend.Registry
	store    manifest.Store
	sink     events.Sink
	metrics  metrics.SweepMetrics
	clock    clock.Clock
	locks    locks.Store
	owner    string
}

// New builds a sweeper. locks may be nil for single-node deployments; sink,
// m, and clk fall back to no-ops and the wall clock.
func New(cfg Config, registry *backend.Registry, store manifest.Store, sink events.Sink, m metrics.SweepMetrics, clk clock.Clock, lockStore locks.Store) (*Sweeper, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if registry == nil {
		registry = backend.NewRegistry()
	}
	if sink == nil {
		sink = events.Noop{}
	}
	if m == nil {
		m = metrics.NoopSweep{}
	}
	if clk == nil {
		clk = clock.WallClock
	}
	return &Sweeper{
		cfg:      cfg,
		registry: registry,
		store:    store,
		sink:     sink,
		metrics:  m,
		clock:    clk,
		locks:    lockStore,
		owner:    "sweeper-" + uuid.NewString(),
	}, nil
}

// Run loops sweeps at the configured interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	logging.Info("sweeper", "retention loop started",
		"interval", s.cfg.Interval,
		"concurrency", s.cfg.Concurrency,
		"default_max_age", s.cfg.Default.MaxAge,
	)
	timer := s.clock.NewTimer(s.cfg.Interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			logging.Info("sweeper", "retention loop stopped")
			return
		case <-timer.Chan():
			s.sweepTick(ctx)
			timer.Reset(s.cfg.Interval)
		}
	}
}

// sweepTick runs one cycle under the distributed lock when configured. A
// held or unreachable lock skips the cycle; the next tick retries.
func (s *Sweeper) sweepTick(ctx context.Context) {
	if s.locks != nil {
		_, acquired, err := s.locks.Acquire(ctx, sweepLockResource, s.owner, s.cfg.Interval)
		if err != nil {
			logging.Error("sweeper", "sweep lock unavailable", "error", err)
			return
		}
		if !acquired {
			logging.Info("sweeper", "sweep held by another replica")
			return
		}
		defer func() {
			if _, err := s.locks.Release(ctx, sweepLockResource, s.owner); err != nil {
				logging.Error("sweeper", "sweep lock release failed", "error", err)
			}
		}()
	}

	result, err := s.RunOnce(ctx)
	if err != nil {
		logging.Error("sweeper", "sweep failed", "error", err)
		return
	}
	logging.Info("sweeper", "sweep completed",
		"deleted", len(result.Deleted),
		"failed", len(result.Failed),
	)
}

// RunOnce applies the per-backend override policies and then the default
// policy to everything else, emitting a single sweep.completed event.
func (s *Sweeper) RunOnce(ctx context.Context) (Result, error) {
	started := s.clock.Now().UTC()
	var total Result

	names := make([]string, 0, len(s.cfg.Overrides))
	for name := range s.cfg.Overrides {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		pol := s.cfg.Overrides[name]
		scope := pol.Scope
		pol.Scope = func(e manifest.Entry) bool {
			if e.Ref.Backend != name {
				return false
			}
			return scope == nil || scope(e)
		}
		res, err := s.Sweep(ctx, pol)
		if err != nil {
			return total, err
		}
		total.merge(res)
	}

	pol := s.cfg.Default
	scope := pol.Scope
	pol.Scope = func(e manifest.Entry) bool {
		if _, overridden := s.cfg.Overrides[e.Ref.Backend]; overridden {
			return false
		}
		return scope == nil || scope(e)
	}
	res, err := s.Sweep(ctx, pol)
	if err != nil {
		return total, err
	}
	total.merge(res)

	duration := s.clock.Now().UTC().Sub(started)
	s.metrics.ObserveSweepDuration(duration.Seconds())
	s.sink.Publish(ctx, events.Event{
		Type: events.TypeSweepCompleted,
		Time: s.clock.Now().UTC(),
		Extra: map[string]string{
			"deleted": strconv.Itoa(len(total.Deleted)),
			"failed":  strconv.Itoa(len(total.Failed)),
		},
	})
	return total, nil
}

// Sweep deletes every entry expired under the policy, oldest first, with
// bounded parallelism. The backend artifact goes first; the manifest entry
// is only removed after a successful delete.
func (s *Sweeper) Sweep(ctx context.Context, policy Policy) (Result, error) {
	if err := policy.validate(); err != nil {
		return Result{}, err
	}
	cutoff := s.clock.Now().UTC().Add(-policy.MaxAge)
	entries, err := s.store.List(ctx, manifest.Filter{OlderThan: cutoff})
	if err != nil {
		return Result{}, fmt.Errorf("list expired entries: %w", err)
	}

	expired := entries[:0:0]
	for _, entry := range entries {
		if policy.Scope == nil || policy.Scope(entry) {
			expired = append(expired, entry)
		}
	}
	if len(expired) == 0 {
		return Result{}, nil
	}

	var mu sync.Mutex
	deleted := map[string]bool{}
	var failed []FailedDeletion

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, entry := range expired {
		g.Go(func() error {
			if err := s.deleteOne(gctx, entry); err != nil {
				s.metrics.IncSweepFailed(entry.Ref.Backend)
				logging.Error("sweeper", "artifact deletion failed",
					"artifact_id", entry.Ref.ArtifactID,
					"backend", entry.Ref.Backend,
					"error", err,
				)
				mu.Lock()
				failed = append(failed, FailedDeletion{
					ArtifactID: entry.Ref.ArtifactID,
					Backend:    entry.Ref.Backend,
					Reason:     err.Error(),
				})
				mu.Unlock()
				return nil
			}
			s.metrics.IncSweepDeleted(entry.Ref.Backend)
			logging.Info("sweeper", "artifact deleted",
				"artifact_id", entry.Ref.ArtifactID,
				"backend", entry.Ref.Backend,
				"age", s.clock.Now().UTC().Sub(entry.CreatedAt),
			)
			mu.Lock()
			deleted[entry.Ref.ArtifactID] = true
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	result := Result{Failed: failed}
	for _, entry := range expired {
		if deleted[entry.Ref.ArtifactID] {
			result.Deleted = append(result.Deleted, entry.Ref.ArtifactID)
		}
	}
	return result, nil
}

func (s *Sweeper) deleteOne(ctx context.Context, entry manifest.Entry) error {
	adapter, ok := s.registry.Get(entry.Ref.Backend)
	if !ok {
		return &DeletionError{
			ArtifactID: entry.Ref.ArtifactID,
			Backend:    entry.Ref.Backend,
			Err:        errors.New("unknown_backend"),
		}
	}

	cctx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	err := adapter.Delete(cctx, entry.Ref)
	cancel()
	if err != nil {
		return &DeletionError{
			ArtifactID: entry.Ref.ArtifactID,
			Backend:    entry.Ref.Backend,
			Err:        err,
		}
	}

	// Removed under someone else's sweep is still removed.
	if err := s.store.Remove(ctx, entry.Ref.ArtifactID); err != nil && !errors.Is(err, manifest.ErrNotFound) {
		return &DeletionError{
			ArtifactID: entry.Ref.ArtifactID,
			Backend:    entry.Ref.Backend,
			Err:        err,
		}
	}
	return nil
}
