package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestServer(t *testing.T) (*httptest.Server, *http.ServeMux) {
	t.Helper()
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, mux
}

func TestSubmitBackup(t *testing.T) {
	srv, mux := newTestServer(t)
	mux.HandleFunc("POST /api/v1/backups", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-API-Key"); got != "secret" {
			t.Errorf("expected api key header, got %q", got)
		}
		var req SubmitBackupRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.SourceID != "db1" || req.Backend != "pg-main" {
			t.Errorf("unexpected request: %+v", req)
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(SubmitBackupResponse{
			OperationID: "op-1",
			ArtifactID:  "db1_20250110",
		})
	})

	c := New(srv.URL, "secret")
	resp, err := c.SubmitBackup(context.Background(), &SubmitBackupRequest{
		SourceID: "db1",
		Kind:     "Database",
		Backend:  "pg-main",
	})
	if err != nil {
		t.Fatalf("submit backup: %v", err)
	}
	if resp.OperationID != "op-1" || resp.ArtifactID != "db1_20250110" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestListOperations(t *testing.T) {
	srv, mux := newTestServer(t)
	mux.HandleFunc("GET /api/v1/operations", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("state"); got != "Success" {
			t.Errorf("expected state query, got %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"items": []Operation{{
				ID:          "op-1",
				Ref:         ArtifactRef{SourceID: "db1", ArtifactID: "a1", Kind: "Database", Backend: "pg-main"},
				State:       "Success",
				SubmittedAt: time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC),
				SizeBytes:   2048,
			}},
			"count": 1,
		})
	})

	c := New(srv.URL, "")
	ops, err := c.ListOperations(context.Background(), "Success")
	if err != nil {
		t.Fatalf("list operations: %v", err)
	}
	if len(ops) != 1 || ops[0].ID != "op-1" || ops[0].SizeBytes != 2048 {
		t.Fatalf("unexpected operations: %+v", ops)
	}
}

func TestGetOperationError(t *testing.T) {
	srv, mux := newTestServer(t)
	mux.HandleFunc("GET /api/v1/operations/{id}", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "operation not found", http.StatusNotFound)
	})

	c := New(srv.URL, "")
	if _, err := c.GetOperation(context.Background(), "nope"); err == nil {
		t.Fatalf("expected error for missing operation")
	}
	if _, err := c.GetOperation(context.Background(), ""); err == nil {
		t.Fatalf("expected error for empty id")
	}
}

func TestListManifestFilter(t *testing.T) {
	srv, mux := newTestServer(t)
	mux.HandleFunc("GET /api/v1/manifest", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("backend") != "pg-main" || q.Get("older_than") != "72h" {
			t.Errorf("unexpected query: %v", q)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"items": []ManifestEntry{{
				Ref:       ArtifactRef{SourceID: "db1", ArtifactID: "a1", Kind: "Database", Backend: "pg-main"},
				Outcome:   "Success",
				CreatedAt: time.Date(2025, 1, 7, 0, 0, 0, 0, time.UTC),
				SizeBytes: 1024,
			}},
			"count": 1,
		})
	})

	c := New(srv.URL, "")
	entries, err := c.ListManifest(context.Background(), ManifestFilter{Backend: "pg-main", OlderThan: "72h"})
	if err != nil {
		t.Fatalf("list manifest: %v", err)
	}
	if len(entries) != 1 || entries[0].Ref.ArtifactID != "a1" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestSweep(t *testing.T) {
	srv, mux := newTestServer(t)
	mux.HandleFunc("POST /api/v1/sweep", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(SweepResult{
			Deleted: []string{"old1", "old2"},
			Failed:  []FailedDeletion{{ArtifactID: "stuck", Backend: "pg-main", Reason: "connection refused"}},
		})
	})

	c := New(srv.URL, "")
	res, err := c.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(res.Deleted) != 2 || len(res.Failed) != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestErrorIncludesBody(t *testing.T) {
	srv, mux := newTestServer(t)
	mux.HandleFunc("/api/v1/backups", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unknown_backend: tape", http.StatusBadRequest)
	})

	c := New(srv.URL, "")
	_, err := c.SubmitBackup(context.Background(), &SubmitBackupRequest{SourceID: "db1", Kind: "Database", Backend: "tape"})
	if err == nil {
		t.Fatalf("expected submit error")
	}
	want := "unexpected status 400: unknown_backend: tape"
	if err.Error() != want {
		t.Fatalf("unexpected error %q, want %q", err.Error(), want)
	}
}
