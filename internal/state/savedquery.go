// internal/state/savedquery.go
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/user/insightdash/internal/types"
)

// ErrSavedQueryNotFound is returned when no saved query has the given name.
var ErrSavedQueryNotFound = errors.New("saved query not found")

// SavedQueryStore is a JSON-file-backed store for named questions that can
// be run on a schedule or on demand.
type SavedQueryStore struct {
	path string
	mu   sync.RWMutex
}

// NewSavedQueryStore creates a file-backed store at the given file path.
func NewSavedQueryStore(path string) *SavedQueryStore {
	return &SavedQueryStore{path: path}
}

// Path returns the file path used by this store.
func (s *SavedQueryStore) Path() string {
	return s.path
}

// List returns all saved queries ordered by name.
func (s *SavedQueryStore) List(ctx context.Context) ([]*types.SavedQuery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	queries, err := s.load()
	if err != nil {
		return nil, err
	}
	sort.Slice(queries, func(i, j int) bool { return queries[i].Name < queries[j].Name })
	return queries, nil
}

// Get finds a saved query by name.
func (s *SavedQueryStore) Get(ctx context.Context, name string) (*types.SavedQuery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	queries, err := s.load()
	if err != nil {
		return nil, err
	}
	for _, q := range queries {
		if q.Name == name {
			return q, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrSavedQueryNotFound, name)
}

// Put inserts q or replaces the saved query with the same name. ID and
// CreatedAt are assigned on first insert.
func (s *SavedQueryStore) Put(ctx context.Context, q *types.SavedQuery) error {
	if q.Name == "" {
		return errors.New("saved query name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	queries, err := s.load()
	if err != nil {
		return err
	}
	for i, existing := range queries {
		if existing.Name == q.Name {
			q.ID = existing.ID
			q.CreatedAt = existing.CreatedAt
			queries[i] = q
			return s.save(queries)
		}
	}
	if q.ID == "" {
		q.ID = types.NewSavedQueryID()
	}
	if q.CreatedAt.IsZero() {
		q.CreatedAt = time.Now().UTC()
	}
	return s.save(append(queries, q))
}

// Delete removes a saved query by name.
func (s *SavedQueryStore) Delete(ctx context.Context, name string) error {
	return s.update(name, func(queries []*types.SavedQuery, i int) []*types.SavedQuery {
		return append(queries[:i], queries[i+1:]...)
	})
}

// SetEnabled toggles the enabled flag.
func (s *SavedQueryStore) SetEnabled(ctx context.Context, name string, enabled bool) error {
	return s.update(name, func(queries []*types.SavedQuery, i int) []*types.SavedQuery {
		queries[i].Enabled = enabled
		return queries
	})
}

// MarkRun records the time a saved query was last executed.
func (s *SavedQueryStore) MarkRun(ctx context.Context, name string, at time.Time) error {
	return s.update(name, func(queries []*types.SavedQuery, i int) []*types.SavedQuery {
		at := at.UTC()
		queries[i].LastRunAt = &at
		return queries
	})
}

func (s *SavedQueryStore) update(name string, fn func([]*types.SavedQuery, int) []*types.SavedQuery) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	queries, err := s.load()
	if err != nil {
		return err
	}
	for i, q := range queries {
		if q.Name == name {
			return s.save(fn(queries, i))
		}
	}
	return fmt.Errorf("%w: %s", ErrSavedQueryNotFound, name)
}

// load reads the JSON file. Returns an empty list if the file doesn't exist.
func (s *SavedQueryStore) load() ([]*types.SavedQuery, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []*types.SavedQuery{}, nil
		}
		return nil, fmt.Errorf("read saved queries file: %w", err)
	}

	var queries []*types.SavedQuery
	if err := json.Unmarshal(data, &queries); err != nil {
		return nil, fmt.Errorf("unmarshal saved queries: %w", err)
	}
	return queries, nil
}

// save writes the list to disk using atomic write (temp file + rename).
func (s *SavedQueryStore) save(queries []*types.SavedQuery) error {
	data, err := json.MarshalIndent(queries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal saved queries: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create saved queries dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp saved queries file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp saved queries file: %w", err)
	}
	return nil
}
