package engine

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"

	"github.com/coffer-io/coffer/core/backend"
	"github.com/coffer-io/coffer/core/events"
	"github.com/coffer-io/coffer/core/manifest"
)

var testStart = time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)

type pollResult struct {
	report backend.StatusReport
	err    error
}

// fakeAdapter replays a scripted sequence of poll results; the last one
// repeats forever. A zero script reports Running.
type fakeAdapter struct {
	mu        sync.Mutex
	submitErr error
	deleteErr error
	script    []pollResult
	polls     int
	submits   []manifest.ArtifactRef
	deletes   []manifest.ArtifactRef
}

func (f *fakeAdapter) Submit(_ context.Context, ref manifest.ArtifactRef) (backend.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return backend.Handle{}, f.submitErr
	}
	f.submits = append(f.submits, ref)
	return backend.Handle{ID: ref.ArtifactID, Location: "/backups/" + ref.ArtifactID}, nil
}

func (f *fakeAdapter) Status(_ context.Context, _ backend.Handle) (backend.StatusReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if len(f.script) == 0 {
		return backend.StatusReport{State: backend.StateRunning}, nil
	}
	next := f.script[0]
	if len(f.script) > 1 {
		f.script = f.script[1:]
	}
	return next.report, next.err
}

func (f *fakeAdapter) Delete(_ context.Context, ref manifest.ArtifactRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deletes = append(f.deletes, ref)
	return nil
}

func (f *fakeAdapter) pollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls
}

// blockingAdapter answers the submit-time poll immediately, then parks
// every later Status call until released.
type blockingAdapter struct {
	fakeAdapter
	started chan struct{}
	release chan struct{}
}

func (b *blockingAdapter) Status(_ context.Context, _ backend.Handle) (backend.StatusReport, error) {
	b.mu.Lock()
	b.polls++
	first := b.polls == 1
	b.mu.Unlock()
	if first {
		return backend.StatusReport{State: backend.StateRunning}, nil
	}
	select {
	case b.started <- struct{}{}:
	default:
	}
	<-b.release
	return backend.StatusReport{State: backend.StateRunning}, nil
}

// stubStore is an in-memory manifest store with injectable failures.
type stubStore struct {
	mu        sync.Mutex
	entries   map[string]manifest.Entry
	appendErr error
	removeErr error
}

func newStubStore() *stubStore {
	return &stubStore{entries: map[string]manifest.Entry{}}
}

func (s *stubStore) Append(_ context.Context, entry manifest.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return s.appendErr
	}
	if _, exists := s.entries[entry.Ref.ArtifactID]; exists {
		return &manifest.DuplicateArtifactError{ArtifactID: entry.Ref.ArtifactID}
	}
	s.entries[entry.Ref.ArtifactID] = entry
	return nil
}

func (s *stubStore) List(_ context.Context, filter manifest.Filter) ([]manifest.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []manifest.Entry
	for _, e := range s.entries {
		if filter.Matches(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *stubStore) Remove(_ context.Context, artifactID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removeErr != nil {
		return s.removeErr
	}
	if _, ok := s.entries[artifactID]; !ok {
		return manifest.ErrNotFound
	}
	delete(s.entries, artifactID)
	return nil
}

func (s *stubStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

type recordingSink struct {
	mu   sync.Mutex
	seen []events.Event
}

func (s *recordingSink) Publish(_ context.Context, ev events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, ev)
}

func (s *recordingSink) byType(typ string) []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []events.Event
	for _, ev := range s.seen {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

type testHarness struct {
	eng   *Engine
	store *stubStore
	sink  *recordingSink
	clk   *testclock.Clock
}

func newTestHarness(t *testing.T, adapter backend.Adapter) *testHarness {
	t.Helper()
	reg := backend.NewRegistry()
	if err := reg.Register("fake", "fake", adapter); err != nil {
		t.Fatalf("register adapter: %v", err)
	}
	store := newStubStore()
	sink := &recordingSink{}
	clk := testclock.NewClock(testStart)
	cfg := Config{
		PollInterval:       time.Second,
		OperationTimeout:   10 * time.Second,
		AdapterCallTimeout: time.Second,
		MaxAdapterErrors:   3,
	}
	eng, err := New(cfg, reg, store, sink, nil, clk)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return &testHarness{eng: eng, store: store, sink: sink, clk: clk}
}

func (h *testHarness) submit(t *testing.T, ref manifest.ArtifactRef) string {
	t.Helper()
	id, err := h.eng.Submit(context.Background(), ref)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return id
}

// tick advances the clock by one poll interval and runs a poll pass.
func (h *testHarness) tick(t *testing.T) {
	t.Helper()
	h.clk.Advance(h.eng.cfg.PollInterval)
	h.eng.tick(context.Background())
}

func (h *testHarness) mustGet(t *testing.T, id string) Operation {
	t.Helper()
	op, ok := h.eng.Get(id)
	if !ok {
		t.Fatalf("operation %s not found", id)
	}
	return op
}

func testRef() manifest.ArtifactRef {
	return manifest.ArtifactRef{
		SourceID:   "db1",
		ArtifactID: "db1_20250110_120000",
		Kind:       manifest.KindDatabase,
		Backend:    "fake",
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
