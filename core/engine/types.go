package engine

import (
	"fmt"
	"time"

	"github.com/coffer-io/coffer/core/manifest"
)

// OperationState is the lifecycle state of a tracked backup operation.
type OperationState string

const (
	StateSubmitted  OperationState = "Submitted"
	StateInProgress OperationState = "InProgress"
	StateSuccess    OperationState = "Success"
	StateFailed     OperationState = "Failed"
	StateTimedOut   OperationState = "TimedOut"
)

var terminalStates = map[OperationState]bool{
	StateSuccess:  true,
	StateFailed:   true,
	StateTimedOut: true,
}

// Terminal reports whether the state is absorbing.
func (s OperationState) Terminal() bool {
	return terminalStates[s]
}

// allowedTransitions encodes the state machine. Success is only reachable
// through InProgress; a successful poll always moves Submitted forward first.
var allowedTransitions = map[OperationState]map[OperationState]bool{
	StateSubmitted: {
		StateInProgress: true,
		StateFailed:     true,
		StateTimedOut:   true,
	},
	StateInProgress: {
		StateSuccess:  true,
		StateFailed:   true,
		StateTimedOut: true,
	},
}

func canTransition(from, to OperationState) bool {
	return allowedTransitions[from][to]
}

// Operation is a point-in-time snapshot of one tracked operation. All
// timestamps are UTC.
type Operation struct {
	ID           string               `json:"id"`
	Ref          manifest.ArtifactRef `json:"ref"`
	State        OperationState       `json:"state"`
	SubmittedAt  time.Time            `json:"submitted_at"`
	LastPolledAt time.Time            `json:"last_polled_at,omitzero"`
	TerminalAt   time.Time            `json:"terminal_at,omitzero"`
	Error        string               `json:"error,omitempty"`
	SizeBytes    int64                `json:"size_bytes,omitempty"`
}

// DefaultTerminalRetention bounds how long finished operations stay
// visible through Get/List before the poll loop evicts them.
const DefaultTerminalRetention = time.Hour

// Config tunes the poll scheduler.
type Config struct {
	PollInterval       time.Duration
	OperationTimeout   time.Duration
	AdapterCallTimeout time.Duration
	MaxAdapterErrors   int

	// TerminalRetention is how long terminal operations are kept in
	// memory for Get/List/Wait. Zero means DefaultTerminalRetention.
	TerminalRetention time.Duration
}

func (c Config) validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", c.PollInterval)
	}
	if c.OperationTimeout <= 0 {
		return fmt.Errorf("operation timeout must be positive, got %s", c.OperationTimeout)
	}
	if c.AdapterCallTimeout <= 0 {
		return fmt.Errorf("adapter call timeout must be positive, got %s", c.AdapterCallTimeout)
	}
	if c.MaxAdapterErrors <= 0 {
		return fmt.Errorf("max adapter errors must be positive, got %d", c.MaxAdapterErrors)
	}
	if c.TerminalRetention < 0 {
		return fmt.Errorf("terminal retention must not be negative, got %s", c.TerminalRetention)
	}
	return nil
}
