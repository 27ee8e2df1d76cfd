// internal/types/interfaces.go
package types

import "context"

// ConversationRepository persists the full conversation snapshot as one
// value. Load returns an empty snapshot when nothing was saved yet.
type ConversationRepository interface {
	Load(ctx context.Context) (*Snapshot, error)
	Save(ctx context.Context, snap *Snapshot) error
}

type SavedQueryStore interface {
	Get(ctx context.Context, name string) (*SavedQuery, error)
	List(ctx context.Context) ([]*SavedQuery, error)
	Put(ctx context.Context, q *SavedQuery) error
	Delete(ctx context.Context, name string) error
}
