// Package orchestrator drives one logical request at a time against a
// taskapi.Service: submit, poll or stream until a terminal outcome,
// enforce the deadline, and cancel cooperatively.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/user/insightdash/pkg/taskapi"
)

// errDeadline is the cancel cause installed by the run deadline.
var errDeadline = errors.New("orchestrator deadline exceeded")

// Orchestrator owns at most one in-flight Run. Submitting new content
// cancels the active run and waits for it to settle before starting.
type Orchestrator struct {
	svc taskapi.Service
	cfg Config

	submitMu sync.Mutex
	mu       sync.Mutex
	active   *Run

	// best-effort server cancels still in flight
	wg sync.WaitGroup
}

// New creates an Orchestrator. Zero fields of cfg take their defaults.
func New(svc taskapi.Service, cfg Config) *Orchestrator {
	return &Orchestrator{svc: svc, cfg: cfg.withDefaults()}
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config {
	return o.cfg
}

// Submit starts a run for query. An empty query fails with a validation
// error before any network call. Submitting the content of the run that
// is still in flight returns that run unchanged; any other content
// cancels it first. Cancelling ctx cancels the run.
func (o *Orchestrator) Submit(ctx context.Context, query string, opts ...SubmitOption) (*Run, error) {
	run, _, err := o.submit(ctx, query, opts...)
	return run, err
}

// submit is Submit that also reports whether the returned run was already
// in flight for an earlier caller.
func (o *Orchestrator) submit(ctx context.Context, query string, opts ...SubmitOption) (*Run, bool, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, false, taskapi.NewValidationError("query must not be empty")
	}

	o.submitMu.Lock()
	defer o.submitMu.Unlock()

	run := newRun(query, opts...)

	if prev := o.Active(); prev != nil {
		if prev.Query == run.Query && prev.ConversationID == run.ConversationID {
			slog.Debug("reusing in-flight run", "run_id", string(prev.ID), "task_id", prev.TaskID())
			return prev, true, nil
		}
		slog.Info("superseding in-flight run", "run_id", string(prev.ID), "task_id", prev.TaskID())
		prev.cancel(taskapi.NewCancelledError(prev.TaskID(), "superseded by a newer request"))
		select {
		case <-prev.Done():
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	deadlineCtx, stop := context.WithTimeoutCause(runCtx, o.cfg.Timeout, errDeadline)
	run.cancel = cancel

	o.mu.Lock()
	o.active = run
	o.mu.Unlock()

	go func() {
		defer cancel(nil)
		defer stop()
		o.drive(deadlineCtx, run)
	}()
	return run, false, nil
}

// Ask submits query and blocks until the run settles. When ctx is done
// first, a run this call started is cancelled and its Cancelled result
// returned; a run shared with an earlier caller keeps going and only
// this caller gets a Cancelled result.
func (o *Orchestrator) Ask(ctx context.Context, query string, opts ...SubmitOption) (*Result, error) {
	run, reused, err := o.submit(ctx, query, opts...)
	if err != nil {
		return nil, err
	}
	select {
	case <-run.Done():
	case <-ctx.Done():
		stop := taskapi.NewCancelledError(run.TaskID(), "caller stopped waiting")
		if reused {
			res := Result{RunID: run.ID, Query: run.Query, TaskID: run.TaskID(), Outcome: taskapi.StateCancelled, Err: stop}
			return &res, res.Err
		}
		run.cancel(stop)
		<-run.Done()
	}
	res := run.Result()
	return res, res.Err
}

// Active returns the in-flight run, or nil.
func (o *Orchestrator) Active() *Run {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active == nil || o.active.finished() {
		return nil
	}
	return o.active
}

// Cancel aborts the active run. It reports whether there was one.
func (o *Orchestrator) Cancel() bool {
	run := o.Active()
	if run == nil {
		return false
	}
	run.cancel(taskapi.NewCancelledError(run.TaskID(), "cancelled by user"))
	return true
}

// Close cancels the active run and waits for it and for pending server
// cancels to finish.
func (o *Orchestrator) Close() {
	if run := o.Active(); run != nil {
		run.cancel(taskapi.NewCancelledError(run.TaskID(), "orchestrator closed"))
		<-run.Done()
	}
	o.wg.Wait()
}

func (o *Orchestrator) drive(ctx context.Context, r *Run) {
	started := time.Now()
	res := o.execute(ctx, r)
	res.StartedAt = started
	res.EndedAt = time.Now()

	slog.Debug("run settled", "run_id", string(r.ID), "task_id", r.TaskID(), "outcome", res.Outcome, "polls", res.Polls, "duration", res.EndedAt.Sub(started))
	r.settle(res)

	o.mu.Lock()
	if o.active == r {
		o.active = nil
	}
	o.mu.Unlock()
	close(r.done)
}

func (o *Orchestrator) execute(ctx context.Context, r *Run) Result {
	if o.cfg.Stream {
		res, taskID, done := o.stream(ctx, r)
		if done {
			return res
		}
		if taskID != "" {
			return o.poll(ctx, r, taskID)
		}
	}

	r.setPhase(PhaseSubmitting)
	slog.Debug("submitting", "run_id", string(r.ID))
	resp, err := o.svc.Initiate(ctx, taskapi.InitiateRequest{
		Query:          r.Query,
		ConversationID: r.ConversationID,
		Priority:       r.Priority,
	})
	if err != nil {
		if ctx.Err() != nil {
			return o.stopped(ctx, nil, r)
		}
		return failed(err)
	}
	r.setTask(resp.TaskID)

	if resp.Embedded() {
		sr := resp.EmbeddedResponse()
		slog.Debug("initiate answered from cache", "task_id", resp.TaskID)
		if !sr.Success {
			res := failed(taskapi.NewTaskFailedError(resp.TaskID, sr.Error))
			res.Response, res.Cached = sr, resp.Cached
			return res
		}
		res := completed(sr)
		res.Cached = resp.Cached
		return res
	}
	switch resp.Status {
	case taskapi.StateFailed:
		return failed(taskapi.NewTaskFailedError(resp.TaskID, resp.Message))
	case taskapi.StateCancelled:
		return cancelled(taskapi.NewCancelledError(resp.TaskID, "cancelled by server"))
	}
	return o.poll(ctx, r, resp.TaskID)
}

// poll asks for the task status until it settles. Cancellation is
// checked at the top of every iteration and interrupts the wait.
func (o *Orchestrator) poll(ctx context.Context, r *Run, taskID string) Result {
	pollCtx, release := o.svc.Track(ctx, taskID)
	defer release()

	r.setPhase(PhasePolling)
	slog.Debug("polling", "run_id", string(r.ID), "task_id", taskID)

	serverErrors := 0
	for poll := 1; ; poll++ {
		if pollCtx.Err() != nil {
			return o.stopped(ctx, pollCtx, r)
		}

		st, err := o.svc.Status(pollCtx, taskID)
		r.countPoll()
		switch {
		case err != nil && pollCtx.Err() != nil:
			return o.stopped(ctx, pollCtx, r)
		case err != nil:
			switch taskapi.KindOf(err) {
			case taskapi.KindServer, taskapi.KindProtocol:
				serverErrors++
				if serverErrors >= o.cfg.MaxServerErrors {
					return failed(err)
				}
				slog.Warn("status poll failed", "task_id", taskID, "consecutive", serverErrors, "error", err)
			case taskapi.KindTransport, taskapi.KindUnknown:
				slog.Warn("status poll failed", "task_id", taskID, "error", err)
			default:
				return failed(err)
			}
		default:
			serverErrors = 0
			r.observe(int(st.Progress), st.ProgressMessage)
			if res, ok := settled(taskID, st); ok {
				return res
			}
		}

		if !sleep(pollCtx, o.cfg.PollInterval(poll)) {
			return o.stopped(ctx, pollCtx, r)
		}
	}
}

// settled maps a terminal status to a Result.
func settled(taskID string, st *taskapi.TaskStatus) (Result, bool) {
	switch st.Status {
	case taskapi.StateCompleted:
		resp := st.Response
		if resp == nil {
			resp = &taskapi.StructuredResponse{Success: st.Success, Error: st.Error}
		}
		if !resp.Success {
			msg := resp.Error
			if msg == "" {
				msg = st.Error
			}
			res := failed(taskapi.NewTaskFailedError(taskID, msg))
			res.Response = resp
			return res, true
		}
		return completed(resp), true
	case taskapi.StateFailed:
		return failed(taskapi.NewTaskFailedError(taskID, st.Error)), true
	case taskapi.StateCancelled:
		return cancelled(taskapi.NewCancelledError(taskID, "cancelled by server")), true
	}
	return Result{}, false
}

// stopped resolves why the run context (or the tracked poll context)
// ended. A deadline cancels the server task synchronously and times out;
// an abort of the run cancels it in the background; a poll context
// released by an explicit task cancel needs no further server call.
func (o *Orchestrator) stopped(ctx, pollCtx context.Context, r *Run) Result {
	taskID := r.TaskID()

	if ctx.Err() == nil && pollCtx != nil {
		slog.Info("task cancelled", "task_id", taskID)
		return cancelled(cancelCause(pollCtx, taskID))
	}

	cause := context.Cause(ctx)
	if errors.Is(cause, errDeadline) {
		slog.Info("task timed out", "task_id", taskID, "timeout", o.cfg.Timeout)
		if taskID != "" {
			o.cancelRemote(ctx, taskID)
		}
		return Result{Outcome: taskapi.StateTimedOut, Err: taskapi.NewTimeoutError(taskID, o.cfg.Timeout)}
	}

	slog.Info("run cancelled", "run_id", string(r.ID), "task_id", taskID, "cause", cause)
	if taskID != "" {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.cancelRemote(ctx, taskID)
		}()
	}
	return cancelled(cancelCause(ctx, taskID))
}

// cancelRemote notifies the server, bounded by CancelTimeout.
func (o *Orchestrator) cancelRemote(ctx context.Context, taskID string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.CancelTimeout)
	defer cancel()
	if _, err := o.svc.Cancel(cctx, taskID); err != nil {
		slog.Warn("best-effort cancel failed", "task_id", taskID, "error", err)
	}
}

func cancelCause(ctx context.Context, taskID string) error {
	var apiErr *taskapi.Error
	if cause := context.Cause(ctx); errors.As(cause, &apiErr) && apiErr.Kind == taskapi.KindCancelled {
		if apiErr.TaskID == "" {
			apiErr.TaskID = taskID
		}
		return apiErr
	}
	return taskapi.NewCancelledError(taskID, "cancelled by caller")
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func completed(resp *taskapi.StructuredResponse) Result {
	return Result{Outcome: taskapi.StateCompleted, Response: resp}
}

func failed(err error) Result {
	return Result{Outcome: taskapi.StateFailed, Err: err}
}

func cancelled(err error) Result {
	return Result{Outcome: taskapi.StateCancelled, Err: err}
}
