package manifest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FileStore keeps the manifest in a JSON-lines file. Every mutation rewrites
// the file through a temp file and rename, so readers never observe a
// partially written manifest.
type FileStore struct {
	mu      sync.Mutex
	path    string
	entries map[string]Entry
}

// NewFileStore opens or creates a file-backed manifest at path.
func NewFileStore(path string) (*FileStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("manifest path required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create manifest dir: %w", err)
		}
	}
	s := &FileStore{path: path, entries: map[string]Entry{}}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the manifest file location.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) load() error {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}
	for i, line := range lines {
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			// A torn final line from an interrupted writer is dropped;
			// damage anywhere else is refused.
			if i == len(lines)-1 {
				break
			}
			return fmt.Errorf("manifest line %d corrupt: %w", i+1, err)
		}
		e.CreatedAt = e.CreatedAt.UTC()
		s.entries[e.Ref.ArtifactID] = e
	}
	return nil
}

// Append records a new entry. A repeated artifact id fails with
// DuplicateArtifactError and leaves the manifest unchanged.
func (s *FileStore) Append(ctx context.Context, entry Entry) error {
	if err := entry.validate(); err != nil {
		return err
	}
	entry.CreatedAt = entry.CreatedAt.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[entry.Ref.ArtifactID]; exists {
		return &DuplicateArtifactError{ArtifactID: entry.Ref.ArtifactID}
	}
	s.entries[entry.Ref.ArtifactID] = entry
	if err := s.persistLocked(); err != nil {
		delete(s.entries, entry.Ref.ArtifactID)
		return &WriteError{Op: "append", Err: err}
	}
	return nil
}

// List returns matching entries ordered by creation time, oldest first.
func (s *FileStore) List(ctx context.Context, filter Filter) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		if filter.Matches(e) {
			out = append(out, e)
		}
	}
	sortEntries(out)
	return out, nil
}

// Remove deletes the entry for an artifact id.
func (s *FileStore) Remove(ctx context.Context, artifactID string) error {
	artifactID = strings.TrimSpace(artifactID)
	if artifactID == "" {
		return fmt.Errorf("artifact id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, exists := s.entries[artifactID]
	if !exists {
		return ErrNotFound
	}
	delete(s.entries, artifactID)
	if err := s.persistLocked(); err != nil {
		s.entries[artifactID] = prev
		return &WriteError{Op: "remove", Err: err}
	}
	return nil
}

func (s *FileStore) persistLocked() error {
	all := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		all = append(all, e)
	}
	sortEntries(all)

	var buf bytes.Buffer
	for _, e := range all {
		b, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode entry: %w", err)
		}
		buf.Write(b)
		buf.WriteByte('\n')
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open temp manifest: %w", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write temp manifest: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync temp manifest: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp manifest: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace manifest: %w", err)
	}
	syncDir(filepath.Dir(s.path))
	return nil
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

func sortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].Ref.ArtifactID < entries[j].Ref.ArtifactID
		}
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
}
