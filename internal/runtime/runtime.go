// Package runtime runs one ask turn: record the question, drive the task
// to an outcome, record the answer and compose its dashboard.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/user/insightdash/internal/conversation"
	"github.com/user/insightdash/internal/dashboard"
	"github.com/user/insightdash/internal/gateway"
	"github.com/user/insightdash/internal/orchestrator"
	"github.com/user/insightdash/internal/types"
	"github.com/user/insightdash/pkg/taskapi"
)

// Runtime keeps one orchestrator per conversation, so each conversation
// has at most one task in flight.
type Runtime struct {
	svc   taskapi.Service
	store *conversation.Store
	cfg   orchestrator.Config

	mu            sync.Mutex
	orchestrators map[types.ConversationID]*orchestrator.Orchestrator
}

// New creates a Runtime.
func New(svc taskapi.Service, store *conversation.Store, cfg orchestrator.Config) *Runtime {
	return &Runtime{
		svc:           svc,
		store:         store,
		cfg:           cfg,
		orchestrators: make(map[types.ConversationID]*orchestrator.Orchestrator),
	}
}

// Service returns the task service the runtime submits to.
func (rt *Runtime) Service() taskapi.Service {
	return rt.svc
}

// Store returns the conversation store.
func (rt *Runtime) Store() *conversation.Store {
	return rt.store
}

func (rt *Runtime) orchestrator(id types.ConversationID) *orchestrator.Orchestrator {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	o, ok := rt.orchestrators[id]
	if !ok {
		o = orchestrator.New(rt.svc, rt.cfg)
		rt.orchestrators[id] = o
	}
	return o
}

// Ask runs one turn in conversation id, or in the current conversation
// when id is empty. The returned error covers local failures only
// (validation, persistence); the task outcome is carried by the Reply.
func (rt *Runtime) Ask(ctx context.Context, id types.ConversationID, query string, opts ...orchestrator.SubmitOption) (*types.Reply, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, taskapi.NewValidationError("query must not be empty")
	}
	if id == "" {
		id = rt.store.CurrentID()
	}

	// Appends use a context that survives cancellation of the turn.
	saveCtx := context.WithoutCancel(ctx)
	question, _, err := rt.store.Append(saveCtx, id, types.RoleUser, query)
	if err != nil {
		return nil, fmt.Errorf("record question: %w", err)
	}

	opts = append([]orchestrator.SubmitOption{orchestrator.WithConversation(string(id))}, opts...)
	res, err := rt.orchestrator(id).Ask(ctx, query, opts...)
	if res == nil {
		return nil, err
	}

	reply := &types.Reply{
		ConversationID: id,
		QuestionID:     question.ID,
		TaskID:         res.TaskID,
		Outcome:        res.Outcome,
		Response:       res.Response,
		Err:            res.Err,
	}

	switch res.Outcome {
	case taskapi.StateCompleted:
		reply.Text = summaryText(res.Response)
		msg, _, err := rt.store.Append(saveCtx, id, types.RoleAssistant, reply.Text,
			conversation.WithResponse(res.Response), conversation.WithTaskID(res.TaskID))
		if err != nil {
			return reply, fmt.Errorf("record answer: %w", err)
		}
		plan := dashboard.Compose(res.Response)
		reply.MessageID = msg.ID
		reply.Plan = &plan
	case taskapi.StateCancelled:
		slog.Info("ask cancelled", "conversation_id", string(id), "task_id", res.TaskID)
	default:
		reply.Text = "Error: " + errorText(res.Err)
		msg, _, err := rt.store.Append(saveCtx, id, types.RoleAssistant, reply.Text,
			conversation.WithTaskID(res.TaskID), conversation.AsError())
		if err != nil {
			return reply, fmt.Errorf("record error: %w", err)
		}
		reply.MessageID = msg.ID
	}
	return reply, nil
}

// Cancel aborts the task in flight for conversation id.
func (rt *Runtime) Cancel(id types.ConversationID) bool {
	rt.mu.Lock()
	o, ok := rt.orchestrators[id]
	rt.mu.Unlock()
	return ok && o.Cancel()
}

// CancelAll aborts every local run and asks the server to cancel every
// task of the caller. It returns the server's cancelled count.
func (rt *Runtime) CancelAll(ctx context.Context) (int, error) {
	rt.mu.Lock()
	for _, o := range rt.orchestrators {
		o.Cancel()
	}
	rt.mu.Unlock()

	resp, err := rt.svc.CancelAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("cancel all: %w", err)
	}
	return resp.Cancelled, nil
}

// Active returns the conversations with a task in flight.
func (rt *Runtime) Active() map[types.ConversationID]*orchestrator.Run {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make(map[types.ConversationID]*orchestrator.Run)
	for id, o := range rt.orchestrators {
		if run := o.Active(); run != nil {
			out[id] = run
		}
	}
	return out
}

// Close cancels every run and waits for pending server cancels.
func (rt *Runtime) Close() {
	rt.mu.Lock()
	all := make([]*orchestrator.Orchestrator, 0, len(rt.orchestrators))
	for _, o := range rt.orchestrators {
		all = append(all, o)
	}
	rt.mu.Unlock()
	for _, o := range all {
		o.Close()
	}
}

// ProcessRun is the gateway queue processor. A run cancelled while it
// was still queued settles as cancelled without reaching the server.
func (rt *Runtime) ProcessRun(run *gateway.Run) error {
	ctx := run.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Err() != nil {
		slog.Info("skipping cancelled run", "run_id", string(run.ID), "conversation_id", string(run.ConversationID))
		run.Complete(&types.Reply{
			ConversationID: run.ConversationID,
			Outcome:        taskapi.StateCancelled,
			Err:            cancelledError(ctx),
		})
		return nil
	}
	var opts []orchestrator.SubmitOption
	if run.Event.Priority != "" {
		opts = append(opts, orchestrator.WithPriority(run.Event.Priority))
	}
	reply, err := rt.Ask(ctx, run.ConversationID, run.Event.Query, opts...)
	if err != nil {
		return err
	}
	slog.Debug("run complete", "run_id", string(run.ID), "conversation_id", string(run.ConversationID), "outcome", reply.Outcome)
	run.Complete(reply)
	return nil
}

func cancelledError(ctx context.Context) error {
	var apiErr *taskapi.Error
	if errors.As(context.Cause(ctx), &apiErr) && apiErr.Kind == taskapi.KindCancelled {
		return apiErr
	}
	return taskapi.NewCancelledError("", "cancelled before it started")
}

// summaryText picks the assistant message text of a completed response.
func summaryText(resp *taskapi.StructuredResponse) string {
	if resp != nil {
		if resp.Analysis != nil && strings.TrimSpace(resp.Analysis.Summary) != "" {
			return strings.TrimSpace(resp.Analysis.Summary)
		}
		for _, in := range resp.Insights {
			if text := strings.TrimSpace(in.Text()); text != "" {
				return text
			}
		}
	}
	return "Analysis complete"
}

func errorText(err error) string {
	if err == nil {
		return "the analysis failed"
	}
	var apiErr *taskapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Describe()
	}
	return err.Error()
}
