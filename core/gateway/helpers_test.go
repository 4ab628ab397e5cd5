package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/coffer-io/coffer/core/backend"
	"github.com/coffer-io/coffer/core/engine"
	"github.com/coffer-io/coffer/core/manifest"
	"github.com/coffer-io/coffer/core/retention"
)

// fakeAdapter records submissions and deletions and reports Running for
// every status poll.
type fakeAdapter struct {
	mu        sync.Mutex
	submitErr error
	deleteErr error
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
	return backend.StatusReport{State: backend.StateRunning}, nil
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

func (f *fakeAdapter) submitted() []manifest.ArtifactRef {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]manifest.ArtifactRef{}, f.submits...)
}

func (f *fakeAdapter) deleted() []manifest.ArtifactRef {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]manifest.ArtifactRef{}, f.deletes...)
}

func newTestGateway(t *testing.T) (*server, *fakeAdapter, *manifest.RedisStore) {
	t.Helper()

	srv, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(srv.Close)

	store, err := manifest.NewRedisStore("redis://" + srv.Addr())
	if err != nil {
		t.Fatalf("manifest store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	adapter := &fakeAdapter{}
	registry := backend.NewRegistry()
	if err := registry.Register("fake", "fake", adapter); err != nil {
		t.Fatalf("register adapter: %v", err)
	}

	eng, err := engine.New(engine.Config{
		PollInterval:       time.Second,
		OperationTimeout:   time.Minute,
		AdapterCallTimeout: time.Second,
		MaxAdapterErrors:   3,
	}, registry, store, nil, nil, nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	sweeper, err := retention.New(retention.Config{
		Interval:    time.Hour,
		Concurrency: 2,
		CallTimeout: time.Second,
		Default:     retention.Policy{MaxAge: 24 * time.Hour},
	}, registry, store, nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}

	s := &server{
		engine:   eng,
		registry: registry,
		store:    store,
		sweeper:  sweeper,
		hub:      NewHub(),
		started:  time.Now().UTC(),
	}
	return s, adapter, store
}

func seedEntry(t *testing.T, store manifest.Store, artifactID, backendName string, age time.Duration) {
	t.Helper()
	err := store.Append(context.Background(), manifest.Entry{
		Ref: manifest.ArtifactRef{
			SourceID:   "db1",
			ArtifactID: artifactID,
			Kind:       manifest.KindDatabase,
			Backend:    backendName,
		},
		Outcome:   manifest.OutcomeSuccess,
		CreatedAt: time.Now().UTC().Add(-age),
		SizeBytes: 1024,
	})
	if err != nil {
		t.Fatalf("seed entry %s: %v", artifactID, err)
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
