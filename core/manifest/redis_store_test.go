package manifest

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
)

func newRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := NewRedisStore("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("new redis store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRedisStoreAppendListOrder(t *testing.T) {
	store := newRedisStore(t)
	ctx := context.Background()

	for _, off := range []time.Duration{3 * time.Hour, time.Hour, 2 * time.Hour} {
		if err := store.Append(ctx, testEntry("r-"+off.String(), baseTime.Add(off))); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	entries, err := store.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].CreatedAt.Before(entries[i-1].CreatedAt) {
			t.Fatalf("entries out of order: %v", entries)
		}
	}
}

func TestRedisStoreDuplicateAppend(t *testing.T) {
	store := newRedisStore(t)
	ctx := context.Background()

	entry := testEntry("dup-r", baseTime)
	if err := store.Append(ctx, entry); err != nil {
		t.Fatalf("first append: %v", err)
	}
	err := store.Append(ctx, entry)
	var dup *DuplicateArtifactError
	if !errors.As(err, &dup) || dup.ArtifactID != "dup-r" {
		t.Fatalf("expected DuplicateArtifactError, got %v", err)
	}

	entries, err := store.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("duplicate append changed the store: %d entries", len(entries))
	}
}

func TestRedisStoreRemove(t *testing.T) {
	store := newRedisStore(t)
	ctx := context.Background()

	if err := store.Append(ctx, testEntry("rm-r", baseTime)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.Remove(ctx, "rm-r"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	entries, err := store.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty store, got %d entries", len(entries))
	}
	if err := store.Remove(ctx, "rm-r"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRedisStoreFilterOlderThan(t *testing.T) {
	store := newRedisStore(t)
	ctx := context.Background()

	old := testEntry("old-r", baseTime.Add(-10*24*time.Hour))
	fresh := testEntry("fresh-r", baseTime.Add(-time.Hour))
	atCutoff := testEntry("edge-r", baseTime.Add(-7*24*time.Hour))
	for _, e := range []Entry{old, fresh, atCutoff} {
		if err := store.Append(ctx, e); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	cutoff := baseTime.Add(-7 * 24 * time.Hour)
	expired, err := store.List(ctx, Filter{OlderThan: cutoff})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	// Strict cutoff: the entry created exactly at the boundary stays.
	if len(expired) != 1 || expired[0].Ref.ArtifactID != "old-r" {
		t.Fatalf("unexpected expired set: %#v", expired)
	}
}

func TestRedisStorePing(t *testing.T) {
	store := newRedisStore(t)
	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}
