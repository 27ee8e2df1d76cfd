package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/user/insightdash/internal/types"
	"github.com/user/insightdash/pkg/taskapi"
)

// Phase is the local lifecycle position of a Run.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseSubmitting Phase = "submitting"
	PhasePolling    Phase = "polling"
	PhaseStreaming  Phase = "streaming"
	PhaseDone       Phase = "done"
)

// Result is the terminal outcome of a Run. Outcome is one of completed,
// failed, cancelled or timed_out.
type Result struct {
	RunID     types.RunID
	TaskID    string
	Query     string
	Outcome   taskapi.TaskState
	Response  *taskapi.StructuredResponse
	Err       error
	Cached    bool
	Progress  int
	Polls     int
	StartedAt time.Time
	EndedAt   time.Time
}

// Run is the handle of one submitted query.
type Run struct {
	ID             types.RunID
	Query          string
	ConversationID string
	Priority       taskapi.Priority

	onProgress func(progress int, message string)
	onComplete func(*taskapi.StructuredResponse)
	onError    func(error)

	mu       sync.Mutex
	phase    Phase
	taskID   string
	progress int
	polls    int
	result   *Result

	cancel context.CancelCauseFunc
	done   chan struct{}
}

// SubmitOption configures a Run.
type SubmitOption func(*Run)

// WithConversation forwards the conversation id to the server.
func WithConversation(id string) SubmitOption {
	return func(r *Run) { r.ConversationID = id }
}

// WithPriority sets the scheduling hint.
func WithPriority(p taskapi.Priority) SubmitOption {
	return func(r *Run) { r.Priority = p }
}

// WithProgress is called each time the reported progress increases.
func WithProgress(fn func(progress int, message string)) SubmitOption {
	return func(r *Run) { r.onProgress = fn }
}

// WithOnComplete is called once with the response of a completed run.
func WithOnComplete(fn func(*taskapi.StructuredResponse)) SubmitOption {
	return func(r *Run) { r.onComplete = fn }
}

// WithOnError is called once with the error of a failed, timed out or
// cancelled run.
func WithOnError(fn func(error)) SubmitOption {
	return func(r *Run) { r.onError = fn }
}

func newRun(query string, opts ...SubmitOption) *Run {
	r := &Run{
		ID:    types.NewRunID(),
		Query: query,
		phase: PhaseIdle,
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Done is closed after the terminal callback has returned.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the run settles or ctx is done.
func (r *Run) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-r.done:
		res := r.Result()
		return res, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the outcome, or nil while the run is in flight.
func (r *Run) Result() *Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}

// TaskID returns the server task id once known.
func (r *Run) TaskID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.taskID
}

// Phase returns the current lifecycle phase.
func (r *Run) Phase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

// Progress returns the highest progress value observed.
func (r *Run) Progress() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.progress
}

func (r *Run) finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func (r *Run) setPhase(p Phase) {
	r.mu.Lock()
	r.phase = p
	r.mu.Unlock()
}

func (r *Run) setTask(id string) {
	r.mu.Lock()
	if r.taskID == "" {
		r.taskID = id
	}
	r.mu.Unlock()
}

func (r *Run) countPoll() {
	r.mu.Lock()
	r.polls++
	r.mu.Unlock()
}

// observe reports progress to the callback only when it strictly increases.
func (r *Run) observe(progress int, message string) {
	r.mu.Lock()
	if progress <= r.progress {
		r.mu.Unlock()
		return
	}
	r.progress = progress
	r.mu.Unlock()
	if r.onProgress != nil {
		r.onProgress(progress, message)
	}
}

// settle stores the result and fires exactly one terminal callback.
func (r *Run) settle(res Result) {
	r.mu.Lock()
	res.RunID = r.ID
	res.Query = r.Query
	if res.TaskID == "" {
		res.TaskID = r.taskID
	}
	res.Progress = r.progress
	res.Polls = r.polls
	r.result = &res
	r.phase = PhaseDone
	r.mu.Unlock()

	if res.Outcome == taskapi.StateCompleted {
		if r.onComplete != nil {
			r.onComplete(res.Response)
		}
		return
	}
	if r.onError != nil {
		r.onError(res.Err)
	}
}
