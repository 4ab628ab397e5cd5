package backend

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Registry holds the named adapters the engine can submit to.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	drivers  map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		adapters: map[string]Adapter{},
		drivers:  map[string]string{},
	}
}

// Register adds an adapter under its backend name. Names are unique.
func (r *Registry) Register(name, driver string, a Adapter) error {
	if name == "" {
		return fmt.Errorf("empty backend name")
	}
	if a == nil {
		return fmt.Errorf("nil adapter for backend %s", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[name]; exists {
		return fmt.Errorf("backend already registered: %s", name)
	}
	r.adapters[name] = a
	r.drivers[name] = driver
	return nil
}

// Get returns the adapter registered under name.
func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// Names returns all registered backend names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot captures a point-in-time view of the registered backends.
type Snapshot struct {
	CapturedAt string                    `json:"captured_at"`
	Backends   map[string]BackendSummary `json:"backends,omitempty"`
}

// BackendSummary is a compact representation of one registered backend.
type BackendSummary struct {
	Driver string `json:"driver"`
}

// BuildSnapshot aggregates the registry into a snapshot for status consumers.
func (r *Registry) BuildSnapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	backends := map[string]BackendSummary{}
	for name := range r.adapters {
		backends[name] = BackendSummary{Driver: r.drivers[name]}
	}
	return Snapshot{
		CapturedAt: time.Now().UTC().Format(time.RFC3339),
		Backends:   backends,
	}
}
