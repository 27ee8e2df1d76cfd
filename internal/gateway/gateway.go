// Package gateway turns ask events from every front-end into queued runs
// against a conversation.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/user/insightdash/internal/types"
	"github.com/user/insightdash/pkg/taskapi"
)

// Conversations resolves the target conversation of an ask.
type Conversations interface {
	ResolveOrCreate(ctx context.Context, key types.ConversationKey) (types.ConversationID, error)
	CurrentID() types.ConversationID
}

// Gateway resolves the conversation of each event, wraps the event in a
// Run and enqueues it. A conversation has at most one live ask: a new
// question cancels the previous one, the same question joins it.
type Gateway struct {
	conversations Conversations
	Queue         *Queue

	mu     sync.Mutex
	latest map[types.ConversationID]*Run

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Gateway. maxConcurrent bounds how many conversations are
// served at the same time and defaults to 2.
func New(conversations Conversations, maxConcurrent ...int64) *Gateway {
	var concurrency int64 = 2
	if len(maxConcurrent) > 0 && maxConcurrent[0] > 0 {
		concurrency = maxConcurrent[0]
	}
	return &Gateway{
		conversations: conversations,
		Queue:         NewQueue(concurrency),
		latest:        make(map[types.ConversationID]*Run),
	}
}

// Start starts the queue.
func (g *Gateway) Start(ctx context.Context) {
	g.ctx, g.cancel = context.WithCancel(ctx)
	g.Queue.Start(g.ctx)
}

// Stop cancels in-flight runs and waits for the queue to drain.
func (g *Gateway) Stop() {
	if g.cancel != nil {
		g.cancel()
	}
	g.Queue.Stop()
}

// RunOption configures a Run.
type RunOption func(*Run)

// WithOnComplete sets the callback receiving the reply of the run.
func WithOnComplete(fn func(*types.Reply)) RunOption {
	return func(r *Run) { r.OnComplete = fn }
}

// HandleAsk enqueues an ask. The conversation is taken from the event's
// ConversationID, then from its Key, and falls back to the current one.
func (g *Gateway) HandleAsk(ctx context.Context, event *types.AskEvent, opts ...RunOption) (*Run, error) {
	if strings.TrimSpace(event.Query) == "" {
		return nil, taskapi.NewValidationError("query must not be empty")
	}
	conversationID := event.ConversationID
	if conversationID == "" && event.Key != "" {
		id, err := g.conversations.ResolveOrCreate(ctx, event.Key)
		if err != nil {
			return nil, fmt.Errorf("resolve conversation: %w", err)
		}
		conversationID = id
	}
	if conversationID == "" {
		conversationID = g.conversations.CurrentID()
	}

	run := NewRun(conversationID, event)
	for _, opt := range opts {
		opt(run)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	prev := g.latest[conversationID]
	if prev != nil && prev.join(run) {
		slog.Debug("ask joined pending run", "run_id", string(prev.ID), "conversation_id", string(conversationID))
		return prev, nil
	}
	if err := g.Queue.Enqueue(run); err != nil {
		return nil, err
	}
	if prev != nil && prev.pending() {
		slog.Info("superseding pending run", "run_id", string(prev.ID), "conversation_id", string(conversationID))
		prev.Cancel(taskapi.NewCancelledError("", "superseded by a newer request"))
	}
	g.latest[conversationID] = run
	return run, nil
}
