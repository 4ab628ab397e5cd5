package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/coffer-io/coffer/core/backend"
	"github.com/coffer-io/coffer/core/events"
	"github.com/coffer-io/coffer/core/infra/logging"
	"github.com/coffer-io/coffer/core/infra/secrets"
	"github.com/coffer-io/coffer/core/manifest"
)

// Start runs the poll loop until ctx is cancelled. Non-terminal operations
// are abandoned on shutdown; nothing is written for them.
func (e *Engine) Start(ctx context.Context) {
	logging.Info("engine", "poll loop started",
		"interval", e.cfg.PollInterval,
		"operation_timeout", e.cfg.OperationTimeout,
		"max_adapter_errors", e.cfg.MaxAdapterErrors,
	)
	timer := e.clock.NewTimer(e.cfg.PollInterval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			e.mu.RLock()
			abandoned := e.trackedLocked()
			e.mu.RUnlock()
			logging.Info("engine", "poll loop stopped", "abandoned_operations", abandoned)
			return
		case <-timer.Chan():
			e.tick(ctx)
			timer.Reset(e.cfg.PollInterval)
		}
	}
}

// tick evicts stale terminal operations, times out overdue ones, and polls
// the rest. An operation with a poll still in flight is left alone entirely.
func (e *Engine) tick(ctx context.Context) {
	now := e.clock.Now().UTC()

	var toPoll []*record
	var pending []events.Event
	var appends []terminalAppend

	e.mu.Lock()
	evicted := 0
	for id, rec := range e.ops {
		if rec.op.State.Terminal() {
			if now.Sub(rec.op.TerminalAt) >= e.cfg.TerminalRetention {
				delete(e.ops, id)
				evicted++
			}
			continue
		}
		if rec.inFlight {
			continue
		}
		if now.Sub(rec.op.SubmittedAt) >= e.cfg.OperationTimeout {
			cause := &SchedulerTimeoutError{OperationID: rec.op.ID, Timeout: e.cfg.OperationTimeout}
			if e.transitionLocked(rec, StateTimedOut, now, cause) {
				pending = append(pending, stateChangeEvent(rec, now))
				appends = append(appends, terminalAppend{op: rec.op, entry: terminalEntry(rec, manifest.OutcomeTimedOut, now)})
				logging.Info("engine", "operation timed out",
					"operation_id", rec.op.ID,
					"backend", rec.op.Ref.Backend,
					"after", e.cfg.OperationTimeout,
				)
			}
			continue
		}
		rec.inFlight = true
		toPoll = append(toPoll, rec)
	}
	tracked := e.trackedLocked()
	e.mu.Unlock()

	if evicted > 0 {
		logging.Info("engine", "evicted terminal operations",
			"count", evicted,
			"retained_for", e.cfg.TerminalRetention,
		)
	}
	e.metrics.SetTrackedOperations(tracked)
	for _, ev := range pending {
		e.sink.Publish(ctx, ev)
	}
	for _, ta := range appends {
		e.appendTerminal(ctx, ta.op, ta.entry)
	}

	if len(toPoll) == 0 {
		return
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, rec := range toPoll {
		g.Go(func() error {
			e.pollOne(gctx, rec)
			return nil
		})
	}
	_ = g.Wait()
}

// pollOne asks the adapter for status under the per-call timeout and applies
// the outcome.
func (e *Engine) pollOne(ctx context.Context, rec *record) {
	cctx, cancel := context.WithTimeout(ctx, e.cfg.AdapterCallTimeout)
	report, err := rec.adapter.Status(cctx, rec.handle)
	cancel()

	e.metrics.IncPolls(rec.op.Ref.Backend)
	now := e.clock.Now().UTC()

	if err != nil {
		e.handlePollError(ctx, rec, err, now)
		return
	}
	switch report.State {
	case backend.StateRunning, backend.StateDone, backend.StateErrored:
		e.handleReport(ctx, rec, report, now)
	default:
		e.handlePollError(ctx, rec, &backend.TransientError{
			Reason: fmt.Sprintf("unknown backend state %q", report.State),
		}, now)
	}
}

// handlePollError books an adapter failure. Transient errors (and per-call
// timeouts) count toward the consecutive cap; anything else fails the
// operation outright. Engine shutdown mid-poll abandons the operation.
func (e *Engine) handlePollError(ctx context.Context, rec *record, pollErr error, now time.Time) {
	if ctx.Err() != nil || errors.Is(pollErr, context.Canceled) {
		e.mu.Lock()
		rec.inFlight = false
		e.mu.Unlock()
		return
	}
	if errors.Is(pollErr, context.DeadlineExceeded) && !backend.IsTransient(pollErr) {
		pollErr = &backend.TransientError{Reason: "status poll timed out", Err: pollErr}
	}
	e.metrics.IncAdapterErrors(rec.op.Ref.Backend)

	var pending []events.Event
	var appends []terminalAppend
	e.mu.Lock()
	rec.inFlight = false
	rec.op.LastPolledAt = now
	if backend.IsTransient(pollErr) {
		rec.errCount++
		rec.lastErr = pollErr
		rec.op.Error = pollErr.Error()
		logging.Error("engine", "status poll failed",
			"operation_id", rec.op.ID,
			"backend", rec.op.Ref.Backend,
			"consecutive_errors", rec.errCount,
			"error", pollErr,
		)
		if rec.errCount >= e.cfg.MaxAdapterErrors {
			if e.transitionLocked(rec, StateFailed, now, pollErr) {
				pending = append(pending, stateChangeEvent(rec, now))
				appends = append(appends, terminalAppend{op: rec.op, entry: terminalEntry(rec, manifest.OutcomeFailed, now)})
			}
		}
	} else {
		logging.Error("engine", "status poll failed terminally",
			"operation_id", rec.op.ID,
			"backend", rec.op.Ref.Backend,
			"error", pollErr,
		)
		if e.transitionLocked(rec, StateFailed, now, pollErr) {
			pending = append(pending, stateChangeEvent(rec, now))
			appends = append(appends, terminalAppend{op: rec.op, entry: terminalEntry(rec, manifest.OutcomeFailed, now)})
		}
	}
	tracked := e.trackedLocked()
	e.mu.Unlock()

	e.metrics.SetTrackedOperations(tracked)
	for _, ev := range pending {
		e.sink.Publish(ctx, ev)
	}
	for _, ta := range appends {
		e.appendTerminal(ctx, ta.op, ta.entry)
	}
}

// handleReport applies a successful status report. For Done the manifest
// entry is appended between the InProgress and Success transitions, so by
// the time the operation reads Success the entry is durable (or its write
// failure is recorded; Success stands either way).
func (e *Engine) handleReport(ctx context.Context, rec *record, report backend.StatusReport, now time.Time) {
	var pending []events.Event

	e.mu.Lock()
	rec.op.LastPolledAt = now
	rec.errCount = 0

	switch report.State {
	case backend.StateRunning:
		if rec.op.State == StateSubmitted {
			if e.transitionLocked(rec, StateInProgress, now, nil) {
				pending = append(pending, stateChangeEvent(rec, now))
			}
		}
		rec.inFlight = false
		tracked := e.trackedLocked()
		e.mu.Unlock()
		e.metrics.SetTrackedOperations(tracked)
		for _, ev := range pending {
			e.sink.Publish(ctx, ev)
		}
		return

	case backend.StateErrored:
		reason := report.Reason
		if reason == "" {
			reason = "no reason given"
		}
		cause := fmt.Errorf("backend reported failure: %s", reason)
		var appends []terminalAppend
		if e.transitionLocked(rec, StateFailed, now, cause) {
			pending = append(pending, stateChangeEvent(rec, now))
			appends = append(appends, terminalAppend{op: rec.op, entry: terminalEntry(rec, manifest.OutcomeFailed, now)})
		}
		rec.inFlight = false
		tracked := e.trackedLocked()
		e.mu.Unlock()
		e.metrics.SetTrackedOperations(tracked)
		for _, ev := range pending {
			e.sink.Publish(ctx, ev)
		}
		for _, ta := range appends {
			e.appendTerminal(ctx, ta.op, ta.entry)
		}
		logging.Info("engine", "operation failed",
			"operation_id", rec.op.ID,
			"backend", rec.op.Ref.Backend,
			"reason", reason,
		)
		return
	}

	// Done. The record stays in flight across the append so no concurrent
	// tick touches it.
	if rec.op.State == StateSubmitted {
		if e.transitionLocked(rec, StateInProgress, now, nil) {
			pending = append(pending, stateChangeEvent(rec, now))
		}
	}
	extra, scrubbed := secrets.RedactSettings(mergeMeta(rec.handle.Meta, report.Meta))
	entry := manifest.Entry{
		Ref:       rec.op.Ref,
		Outcome:   manifest.OutcomeSuccess,
		CreatedAt: now,
		SizeBytes: report.SizeBytes,
		Location:  rec.handle.Location,
		Extra:     extra,
	}
	e.mu.Unlock()
	if scrubbed {
		logging.Info("engine", "redacted secret references in adapter meta",
			"operation_id", rec.op.ID,
			"backend", rec.op.Ref.Backend,
		)
	}
	for _, ev := range pending {
		e.sink.Publish(ctx, ev)
	}
	pending = pending[:0]

	appendErr := e.store.Append(ctx, entry)

	e.mu.Lock()
	if e.transitionLocked(rec, StateSuccess, now, nil) {
		rec.op.SizeBytes = report.SizeBytes
		if appendErr != nil {
			rec.lastErr = appendErr
			rec.op.Error = appendErr.Error()
		}
		pending = append(pending, stateChangeEvent(rec, now))
	}
	rec.inFlight = false
	tracked := e.trackedLocked()
	e.mu.Unlock()

	e.metrics.SetTrackedOperations(tracked)
	for _, ev := range pending {
		e.sink.Publish(ctx, ev)
	}

	if appendErr != nil {
		e.metrics.IncManifestWriteFailures(rec.op.Ref.Backend)
		logging.Error("engine", "manifest append failed",
			"operation_id", rec.op.ID,
			"artifact_id", entry.Ref.ArtifactID,
			"error", appendErr,
		)
		e.sink.Publish(ctx, events.Event{
			Type:        events.TypeManifestWriteFailed,
			OperationID: rec.op.ID,
			Ref:         entry.Ref,
			Error:       appendErr.Error(),
			Time:        now,
		})
		return
	}

	logging.Info("engine", "operation succeeded",
		"operation_id", rec.op.ID,
		"backend", rec.op.Ref.Backend,
		"artifact_id", entry.Ref.ArtifactID,
		"size_bytes", entry.SizeBytes,
	)
	e.sink.Publish(ctx, events.Event{
		Type:        events.TypeManifestAppended,
		OperationID: rec.op.ID,
		Ref:         entry.Ref,
		Time:        now,
		Extra: map[string]string{
			"location":   entry.Location,
			"size_bytes": strconv.FormatInt(entry.SizeBytes, 10),
		},
	})
}

// terminalAppend pairs an operation snapshot with the manifest record to
// write for it once e.mu is released.
type terminalAppend struct {
	op    Operation
	entry manifest.Entry
}

// terminalEntry builds the manifest record for a Failed or TimedOut
// operation. The failure cause travels in Extra. Callers hold e.mu.
func terminalEntry(rec *record, outcome manifest.Outcome, now time.Time) manifest.Entry {
	var meta map[string]string
	if rec.op.Error != "" {
		meta = map[string]string{"error": rec.op.Error}
	}
	extra, _ := secrets.RedactSettings(mergeMeta(rec.handle.Meta, meta))
	return manifest.Entry{
		Ref:       rec.op.Ref,
		Outcome:   outcome,
		CreatedAt: now,
		SizeBytes: rec.op.SizeBytes,
		Location:  rec.handle.Location,
		Extra:     extra,
	}
}

// appendTerminal records a Failed or TimedOut outcome in the manifest, so
// every terminal outcome leaves a durable trace. A write failure is logged
// and published; the operation keeps its own error text.
func (e *Engine) appendTerminal(ctx context.Context, op Operation, entry manifest.Entry) {
	if err := e.store.Append(ctx, entry); err != nil {
		e.metrics.IncManifestWriteFailures(op.Ref.Backend)
		logging.Error("engine", "manifest append failed",
			"operation_id", op.ID,
			"artifact_id", entry.Ref.ArtifactID,
			"error", err,
		)
		e.sink.Publish(ctx, events.Event{
			Type:        events.TypeManifestWriteFailed,
			OperationID: op.ID,
			Ref:         entry.Ref,
			Error:       err.Error(),
			Time:        entry.CreatedAt,
		})
		return
	}
	e.sink.Publish(ctx, events.Event{
		Type:        events.TypeManifestAppended,
		OperationID: op.ID,
		Ref:         entry.Ref,
		Time:        entry.CreatedAt,
		Extra: map[string]string{
			"outcome":  string(entry.Outcome),
			"location": entry.Location,
		},
	})
}

func mergeMeta(a, b map[string]string) map[string]string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	out := make(map[string]string, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}
