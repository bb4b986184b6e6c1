package manifest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Entry records one prepared file as it was written.
type Entry struct {
	Path      string    `json:"path"` // relative to the data directory, slash separated
	Split     string    `json:"split"`
	Subject   string    `json:"subject"`
	Rows      int       `json:"rows"`
	SHA256    string    `json:"sha256"`
	RunID     string    `json:"run_id"`
	WrittenAt time.Time `json:"written_at"`
}

// Store keeps the latest Entry per path. Re-running the preparation overwrites entries.
type Store interface {
	// Put records an entry, replacing any previous entry for the same path.
	Put(ctx context.Context, e Entry) error

	// Get returns the entry for path, or nil if none is recorded.
	Get(ctx context.Context, path string) (*Entry, error)

	// List returns all entries ordered by path.
	List(ctx context.Context) ([]Entry, error)

	// Close releases resources
	Close() error
}

// FileDigest returns the hex SHA-256 of a file's contents.
func FileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// RelPath converts an absolute or dir-relative file path into the manifest key form.
func RelPath(dataDir, path string) (string, error) {
	rel, err := filepath.Rel(dataDir, path)
	if err != nil {
		return "", fmt.Errorf("failed to relativize %s: %w", path, err)
	}
	return filepath.ToSlash(rel), nil
}

// MemoryStore is an in-memory manifest with an optional JSON snapshot file.
type MemoryStore struct {
	mu       sync.RWMutex
	entries  map[string]Entry
	snapshot string
}

// NewMemoryStore creates a memory store, loading snapshotPath if it exists.
func NewMemoryStore(snapshotPath string) (*MemoryStore, error) {
	ms := &MemoryStore{
		entries:  make(map[string]Entry),
		snapshot: snapshotPath,
	}

	if snapshotPath != "" {
		if err := ms.loadSnapshot(); err != nil {
			return nil, err
		}
	}

	return ms, nil
}

func (m *MemoryStore) Put(ctx context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[e.Path] = e
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, path string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[path]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (m *MemoryStore) List(ctx context.Context) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// Close writes the snapshot if one is configured.
func (m *MemoryStore) Close() error {
	if m.snapshot != "" {
		return m.saveSnapshot()
	}
	return nil
}

func (m *MemoryStore) loadSnapshot() error {
	data, err := os.ReadFile(m.snapshot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // no snapshot yet
		}
		return fmt.Errorf("failed to read manifest snapshot: %w", err)
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("failed to unmarshal manifest snapshot: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		m.entries[e.Path] = e
	}
	return nil
}

func (m *MemoryStore) saveSnapshot() error {
	entries, _ := m.List(context.Background())

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest snapshot: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(m.snapshot), 0755); err != nil {
		return fmt.Errorf("failed to create manifest directory: %w", err)
	}
	return os.WriteFile(m.snapshot, data, 0644)
}

// NopStore discards everything. Used when the manifest is disabled.
type NopStore struct{}

func (NopStore) Put(context.Context, Entry) error            { return nil }
func (NopStore) Get(context.Context, string) (*Entry, error) { return nil, nil }
func (NopStore) List(context.Context) ([]Entry, error)       { return nil, nil }
func (NopStore) Close() error                                { return nil }
