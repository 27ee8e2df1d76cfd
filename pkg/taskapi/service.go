package taskapi

import (
	"context"
	"sync"
)

// Service is the remote task executor as seen by the client.
// Implementations handle transport details such as request encoding,
// authentication, and status code mapping.
type Service interface {
	// Initiate submits a query and returns the task handle, or the full
	// result when the server answers from cache.
	Initiate(ctx context.Context, req InitiateRequest) (*InitiateResponse, error)

	// Status fetches the current state of a task.
	Status(ctx context.Context, taskID string) (*TaskStatus, error)

	// Cancel aborts a task on the server and releases any local polling
	// registered for it with Track.
	Cancel(ctx context.Context, taskID string) (*CancelResponse, error)

	// CancelAll aborts every task owned by the caller.
	CancelAll(ctx context.Context) (*CancelResponse, error)

	// ListTasks returns the caller's known tasks.
	ListTasks(ctx context.Context) ([]TaskStatus, error)

	// Stream opens the server-sent event endpoint. The channel closes
	// after a complete or error event, or when ctx is done.
	Stream(ctx context.Context, req StreamRequest) (<-chan StreamEvent, error)

	// Track registers local polling for taskID. The returned context is
	// cancelled when Cancel(taskID) is called; release must be called
	// when polling ends.
	Track(ctx context.Context, taskID string) (context.Context, func())
}

// Tracker records in-flight polling per task id. Service implementations
// embed it to satisfy Track and to release pollers on Cancel.
type Tracker struct {
	mu      sync.Mutex
	pollers map[string]map[int]context.CancelCauseFunc
	next    int
}

// Track implements Service.Track.
func (t *Tracker) Track(ctx context.Context, taskID string) (context.Context, func()) {
	tctx, cancel := context.WithCancelCause(ctx)

	t.mu.Lock()
	if t.pollers == nil {
		t.pollers = make(map[string]map[int]context.CancelCauseFunc)
	}
	if t.pollers[taskID] == nil {
		t.pollers[taskID] = make(map[int]context.CancelCauseFunc)
	}
	t.next++
	slot := t.next
	t.pollers[taskID][slot] = cancel
	t.mu.Unlock()

	release := func() {
		t.mu.Lock()
		if set, ok := t.pollers[taskID]; ok {
			delete(set, slot)
			if len(set) == 0 {
				delete(t.pollers, taskID)
			}
		}
		t.mu.Unlock()
		cancel(nil)
	}
	return tctx, release
}

// Release cancels every poller tracked for taskID with a Cancelled cause.
func (t *Tracker) Release(taskID string) {
	t.mu.Lock()
	set := t.pollers[taskID]
	delete(t.pollers, taskID)
	t.mu.Unlock()
	for _, cancel := range set {
		cancel(NewCancelledError(taskID, "cancelled on request"))
	}
}

// ReleaseAll cancels every tracked poller.
func (t *Tracker) ReleaseAll() {
	t.mu.Lock()
	all := t.pollers
	t.pollers = nil
	t.mu.Unlock()
	for taskID, set := range all {
		for _, cancel := range set {
			cancel(NewCancelledError(taskID, "cancelled on request"))
		}
	}
}

// Tracked returns the number of task ids with active pollers.
func (t *Tracker) Tracked() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pollers)
}
