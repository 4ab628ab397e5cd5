// Package elastic backs up Elasticsearch indices through the snapshot API.
package elastic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/coffer-io/coffer/core/backend"
	"github.com/coffer-io/coffer/core/manifest"
)

// Config points the adapter at a cluster and a snapshot repository.
type Config struct {
	BaseURL    string
	Repository string
	RepoType   string
	Location   string
	Username   string
	Password   string
	Client     *http.Client
}

// Adapter drives the ES snapshot REST API. The repository is created
// lazily on the first submit.
type Adapter struct {
	cfg    Config
	client *http.Client

	mu        sync.Mutex
	repoReady bool
}

func New(cfg Config) (*Adapter, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("elastic adapter: base url required")
	}
	if strings.TrimSpace(cfg.Repository) == "" {
		return nil, fmt.Errorf("elastic adapter: repository name required")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.RepoType == "" {
		cfg.RepoType = "fs"
	}
	if cfg.Location == "" && cfg.RepoType == "fs" {
		cfg.Location = "/var/lib/elasticsearch/snapshots/" + cfg.Repository
	}
	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}
	return &Adapter{cfg: cfg, client: client}, nil
}

// snapshotName maps an artifact id to a valid ES snapshot name, which
// must be lowercase.
func snapshotName(artifactID string) string {
	return strings.ToLower(artifactID)
}

func (a *Adapter) Submit(ctx context.Context, ref manifest.ArtifactRef) (backend.Handle, error) {
	if ref.Kind != manifest.KindDatabase && ref.Kind != manifest.KindCluster {
		return backend.Handle{}, fmt.Errorf("elastic adapter: %w: %s", backend.ErrUnsupportedKind, ref.Kind)
	}
	if err := a.ensureRepository(ctx); err != nil {
		return backend.Handle{}, err
	}

	name := snapshotName(ref.ArtifactID)
	body := map[string]any{
		"ignore_unavailable":   true,
		"include_global_state": true,
	}
	// A Database ref names the indices to snapshot; a Cluster ref (or the
	// catch-all "*") snapshots everything.
	if ref.Kind == manifest.KindDatabase && ref.SourceID != "" && ref.SourceID != "*" {
		body["indices"] = ref.SourceID
	}

	status, respBody, err := a.do(ctx, http.MethodPut,
		"/_snapshot/"+a.cfg.Repository+"/"+name+"?wait_for_completion=false", body)
	if err != nil {
		return backend.Handle{}, fmt.Errorf("create snapshot %s: %w", name, err)
	}
	if status != http.StatusOK && status != http.StatusCreated && status != http.StatusAccepted {
		return backend.Handle{}, fmt.Errorf("create snapshot %s: status %d: %s", name, status, bodySnippet(respBody))
	}
	return backend.Handle{
		ID:       name,
		Location: a.cfg.Repository + "/" + name,
	}, nil
}

func (a *Adapter) Status(ctx context.Context, handle backend.Handle) (backend.StatusReport, error) {
	status, body, err := a.do(ctx, http.MethodGet,
		"/_snapshot/"+a.cfg.Repository+"/"+handle.ID, nil)
	if err != nil {
		return backend.StatusReport{}, &backend.TransientError{Reason: "snapshot status fetch", Err: err}
	}
	if status == http.StatusNotFound {
		return backend.StatusReport{State: backend.StateErrored, Reason: "snapshot not found"}, nil
	}
	if status != http.StatusOK {
		return backend.StatusReport{}, &backend.TransientError{
			Reason: fmt.Sprintf("snapshot status %d", status),
			Err:    fmt.Errorf("unexpected status %d: %s", status, bodySnippet(body)),
		}
	}

	var resp struct {
		Snapshots []struct {
			State  string `json:"state"`
			Reason string `json:"reason"`
			Shards struct {
				Total      int `json:"total"`
				Successful int `json:"successful"`
			} `json:"shards"`
		} `json:"snapshots"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return backend.StatusReport{}, &backend.TransientError{Reason: "snapshot status decode", Err: err}
	}
	if len(resp.Snapshots) == 0 {
		return backend.StatusReport{State: backend.StateErrored, Reason: "snapshot not found"}, nil
	}

	snap := resp.Snapshots[0]
	switch snap.State {
	case "SUCCESS":
		size, err := a.snapshotSize(ctx, handle.ID)
		if err != nil {
			return backend.StatusReport{}, err
		}
		return backend.StatusReport{State: backend.StateDone, SizeBytes: size}, nil
	case "FAILED", "INCOMPATIBLE":
		reason := snap.Reason
		if reason == "" {
			reason = "snapshot " + strings.ToLower(snap.State)
		}
		return backend.StatusReport{State: backend.StateErrored, Reason: reason}, nil
	case "PARTIAL":
		return backend.StatusReport{State: backend.StateErrored, Reason: "snapshot completed partially"}, nil
	default:
		return backend.StatusReport{
			State: backend.StateRunning,
			Meta: map[string]string{
				"state":  snap.State,
				"shards": fmt.Sprintf("%d/%d", snap.Shards.Successful, snap.Shards.Total),
			},
		}, nil
	}
}

// snapshotSize reads total written bytes from the snapshot status endpoint.
func (a *Adapter) snapshotSize(ctx context.Context, name string) (int64, error) {
	status, body, err := a.do(ctx, http.MethodGet,
		"/_snapshot/"+a.cfg.Repository+"/"+name+"/_status", nil)
	if err != nil {
		return 0, &backend.TransientError{Reason: "snapshot size fetch", Err: err}
	}
	if status != http.StatusOK {
		return 0, &backend.TransientError{
			Reason: fmt.Sprintf("snapshot size status %d", status),
			Err:    fmt.Errorf("unexpected status %d", status),
		}
	}
	var resp struct {
		Snapshots []struct {
			Stats struct {
				Total struct {
					SizeInBytes int64 `json:"size_in_bytes"`
				} `json:"total"`
			} `json:"stats"`
		} `json:"snapshots"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, &backend.TransientError{Reason: "snapshot size decode", Err: err}
	}
	if len(resp.Snapshots) == 0 {
		return 0, nil
	}
	return resp.Snapshots[0].Stats.Total.SizeInBytes, nil
}

func (a *Adapter) Delete(ctx context.Context, ref manifest.ArtifactRef) error {
	name := snapshotName(ref.ArtifactID)
	status, body, err := a.do(ctx, http.MethodDelete,
		"/_snapshot/"+a.cfg.Repository+"/"+name, nil)
	if err != nil {
		return fmt.Errorf("delete snapshot %s: %w", name, err)
	}
	if status == http.StatusNotFound {
		return nil
	}
	if status != http.StatusOK {
		return fmt.Errorf("delete snapshot %s: status %d: %s", name, status, bodySnippet(body))
	}
	return nil
}

// ensureRepository registers the snapshot repository once per process. A
// failed attempt is retried on the next submit.
func (a *Adapter) ensureRepository(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.repoReady {
		return nil
	}
	body := map[string]any{
		"type": a.cfg.RepoType,
		"settings": map[string]any{
			"location": a.cfg.Location,
		},
	}
	status, respBody, err := a.do(ctx, http.MethodPut, "/_snapshot/"+a.cfg.Repository, body)
	if err != nil {
		return fmt.Errorf("ensure repository %s: %w", a.cfg.Repository, err)
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return fmt.Errorf("ensure repository %s: status %d: %s", a.cfg.Repository, status, bodySnippet(respBody))
	}
	a.repoReady = true
	return nil
}

func (a *Adapter) do(ctx context.Context, method, path string, body any) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.cfg.BaseURL+path, reader)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.cfg.Username != "" {
		req.SetBasicAuth(a.cfg.Username, a.cfg.Password)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, data, nil
}

func bodySnippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
