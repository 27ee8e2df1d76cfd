// internal/state/savedquery_test.go
package state

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/user/insightdash/internal/types"
)

func TestSavedQueryStore_ListEmpty(t *testing.T) {
	store := NewSavedQueryStore(filepath.Join(t.TempDir(), "queries.json"))

	queries, err := store.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(queries) != 0 {
		t.Errorf("expected empty list, got %d queries", len(queries))
	}
}

func TestSavedQueryStore_PutAndGet(t *testing.T) {
	ctx := context.Background()
	store := NewSavedQueryStore(filepath.Join(t.TempDir(), "queries.json"))

	q := &types.SavedQuery{
		Name:     "weekly-risk",
		Query:    "Show team mental health status",
		Schedule: "0 9 * * 1",
		Key:      "telegram:123",
		Enabled:  true,
	}
	if err := store.Put(ctx, q); err != nil {
		t.Fatal(err)
	}
	if q.ID == "" || q.CreatedAt.IsZero() {
		t.Error("expected id and created_at to be assigned")
	}

	got, err := store.Get(ctx, "weekly-risk")
	if err != nil {
		t.Fatal(err)
	}
	if got.Query != q.Query || got.Schedule != q.Schedule || got.Key != q.Key || !got.Enabled {
		t.Errorf("unexpected saved query %+v", got)
	}

	replacement := &types.SavedQuery{Name: "weekly-risk", Query: "changed"}
	if err := store.Put(ctx, replacement); err != nil {
		t.Fatal(err)
	}
	if replacement.ID != q.ID {
		t.Errorf("expected id %s to be kept, got %s", q.ID, replacement.ID)
	}
	all, _ := store.List(ctx)
	if len(all) != 1 {
		t.Errorf("expected replacement, got %d queries", len(all))
	}
}

func TestSavedQueryStore_EnableMarkDelete(t *testing.T) {
	ctx := context.Background()
	store := NewSavedQueryStore(filepath.Join(t.TempDir(), "queries.json"))
	if err := store.Put(ctx, &types.SavedQuery{Name: "b", Query: "q"}); err != nil {
		t.Fatal(err)
	}
	if err := store.Put(ctx, &types.SavedQuery{Name: "a", Query: "q"}); err != nil {
		t.Fatal(err)
	}

	if err := store.SetEnabled(ctx, "b", true); err != nil {
		t.Fatal(err)
	}
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := store.MarkRun(ctx, "b", at); err != nil {
		t.Fatal(err)
	}
	got, _ := store.Get(ctx, "b")
	if !got.Enabled || got.LastRunAt == nil || !got.LastRunAt.Equal(at) {
		t.Errorf("unexpected saved query %+v", got)
	}

	all, _ := store.List(ctx)
	if all[0].Name != "a" {
		t.Errorf("expected list ordered by name, got %s first", all[0].Name)
	}

	if err := store.Delete(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if err := store.Delete(ctx, "a"); !errors.Is(err, ErrSavedQueryNotFound) {
		t.Errorf("expected ErrSavedQueryNotFound, got %v", err)
	}
}
