package events

import (
	"context"
	"time"

	"github.com/coffer-io/coffer/core/infra/logging"
	"github.com/coffer-io/coffer/core/manifest"
)

// Event types published by the engine and sweeper.
const (
	TypeOperationSubmitted    = "operation.submitted"
	TypeOperationStateChanged = "operation.state_changed"
	TypeManifestAppended      = "operation.manifest_appended"
	TypeManifestWriteFailed   = "operation.manifest_write_failed"
	TypeSweepCompleted        = "sweep.completed"
)

// Event describes one observable engine transition.
type Event struct {
	Type        string               `json:"type"`
	OperationID string               `json:"operation_id,omitempty"`
	Ref         manifest.ArtifactRef `json:"ref,omitempty"`
	State       string               `json:"state,omitempty"`
	Error       string               `json:"error,omitempty"`
	Time        time.Time            `json:"time"`
	Extra       map[string]string    `json:"extra,omitempty"`
}

// Sink receives engine events. Publish must not block the caller;
// delivery failures are the sink's problem, not the engine's.
type Sink interface {
	Publish(ctx context.Context, ev Event)
}

// Noop discards all events.
type Noop struct{}

func (Noop) Publish(context.Context, Event) {}

// LogSink writes events to the process log.
type LogSink struct {
	Component string
}

func (s LogSink) Publish(_ context.Context, ev Event) {
	component := s.Component
	if component == "" {
		component = "events"
	}
	kv := []interface{}{"type", ev.Type}
	if ev.OperationID != "" {
		kv = append(kv, "op", ev.OperationID)
	}
	if ev.Ref.ArtifactID != "" {
		kv = append(kv, "artifact", ev.Ref.ArtifactID, "backend", ev.Ref.Backend)
	}
	if ev.State != "" {
		kv = append(kv, "state", ev.State)
	}
	if ev.Error != "" {
		kv = append(kv, "error", ev.Error)
	}
	logging.Info(component, "event", kv...)
}

// Multi fans events out to several sinks in order.
type Multi struct {
	sinks []Sink
}

// NewMulti builds a fan-out sink, skipping nil members.
func NewMulti(sinks ...Sink) *Multi {
	m := &Multi{}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

func (m *Multi) Publish(ctx context.Context, ev Event) {
	for _, s := range m.sinks {
		s.Publish(ctx, ev)
	}
}
