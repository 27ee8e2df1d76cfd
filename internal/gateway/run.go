package gateway

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/user/insightdash/internal/types"
)

// RunStatus is the queue-side state of a Run.
type RunStatus string

const (
	RunStatusQueued   RunStatus = "queued"
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// Run is one queued ask against a conversation. Asks with the same
// question that arrive while it is pending join it and receive the same
// reply.
type Run struct {
	ID             types.RunID
	ConversationID types.ConversationID
	Event          *types.AskEvent
	Status         RunStatus
	Seq            int
	CreatedAt      time.Time
	StartedAt      *time.Time
	EndedAt        *time.Time
	Error          error
	// Ctx is set when the run leaves its lane and is cancelled by Cancel.
	Ctx        context.Context
	OnComplete func(*types.Reply)

	mu        sync.Mutex
	cancel    context.CancelCauseFunc
	abort     error
	aborted   bool
	waiters   int
	joined    []func(*types.Reply)
	completed bool
}

// NewRun creates a queued Run.
func NewRun(conversationID types.ConversationID, event *types.AskEvent) *Run {
	return &Run{
		ID:             types.NewRunID(),
		ConversationID: conversationID,
		Event:          event,
		Status:         RunStatusQueued,
		CreatedAt:      time.Now(),
		waiters:        1,
	}
}

// Cancel aborts the run for every waiter. A run still waiting in its
// lane starts with an already cancelled context.
func (r *Run) Cancel(cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.aborted {
		return
	}
	r.aborted, r.abort = true, cause
	if r.cancel != nil {
		r.cancel(cause)
	}
}

// Release drops one waiter and cancels the run once nobody is left
// waiting for its reply.
func (r *Run) Release(cause error) {
	r.mu.Lock()
	r.waiters--
	last := r.waiters <= 0
	r.mu.Unlock()
	if last {
		r.Cancel(cause)
	}
}

// Complete hands reply to the run's callback and to every joined ask.
// Only the first call has an effect.
func (r *Run) Complete(reply *types.Reply) {
	r.mu.Lock()
	if r.completed {
		r.mu.Unlock()
		return
	}
	r.completed = true
	callbacks := append([]func(*types.Reply){r.OnComplete}, r.joined...)
	r.mu.Unlock()

	for _, fn := range callbacks {
		if fn != nil {
			fn(reply)
		}
	}
}

// join attaches another ask for the same question. It fails once the run
// has been cancelled or has delivered its reply.
func (r *Run) join(other *Run) bool {
	if !sameQuestion(r, other) {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.aborted || r.completed || r.Status == RunStatusComplete || r.Status == RunStatusFailed {
		return false
	}
	r.waiters++
	r.joined = append(r.joined, other.OnComplete)
	return true
}

func (r *Run) pending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.completed && r.Status != RunStatusComplete && r.Status != RunStatusFailed
}

func (r *Run) start(parent context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Ctx, r.cancel = context.WithCancelCause(parent)
	if r.aborted {
		r.cancel(r.abort)
	}
	now := time.Now()
	r.StartedAt = &now
	r.Status = RunStatusRunning
}

func (r *Run) finish(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	r.EndedAt = &now
	r.Error = err
	if r.cancel != nil {
		r.cancel(nil)
	}
	if err != nil {
		r.Status = RunStatusFailed
		return
	}
	r.Status = RunStatusComplete
}

func sameQuestion(a, b *Run) bool {
	return a.ConversationID == b.ConversationID &&
		strings.TrimSpace(a.Event.Query) == strings.TrimSpace(b.Event.Query)
}
