// internal/state/file.go
package state

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/user/insightdash/internal/types"
)

// FileRepository keeps the conversation snapshot in a single JSON file.
type FileRepository struct {
	path string
	mu   sync.Mutex
}

// NewFileRepository creates a repository backed by the file at path.
func NewFileRepository(path string) *FileRepository {
	return &FileRepository{path: path}
}

// Path returns the file path used by this repository.
func (r *FileRepository) Path() string {
	return r.path
}

// Load reads the snapshot. A missing file yields an empty snapshot.
func (r *FileRepository) Load(ctx context.Context) (*types.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return DecodeSnapshot(nil)
		}
		return nil, fmt.Errorf("read conversations file: %w", err)
	}
	return DecodeSnapshot(data)
}

// Save writes the snapshot atomically (temp file + rename).
func (r *FileRepository) Save(ctx context.Context, snap *types.Snapshot) error {
	data, err := EncodeSnapshot(snap)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("create conversations dir: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp conversations file: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp conversations file: %w", err)
	}
	return nil
}
