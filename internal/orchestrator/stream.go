package orchestrator

import (
	"context"
	"log/slog"

	"github.com/user/insightdash/pkg/taskapi"
)

// stream consumes the SSE endpoint. done is false when the stream could
// not be opened or ended without a terminal event; the caller then falls
// back to polling taskID, or to a fresh initiate when no task id was seen.
func (o *Orchestrator) stream(ctx context.Context, r *Run) (res Result, taskID string, done bool) {
	r.setPhase(PhaseStreaming)
	events, err := o.svc.Stream(ctx, taskapi.StreamRequest{Query: r.Query, ConversationID: r.ConversationID})
	if err != nil {
		if ctx.Err() != nil {
			return o.stopped(ctx, nil, r), "", true
		}
		switch taskapi.KindOf(err) {
		case taskapi.KindValidation, taskapi.KindAuth, taskapi.KindRateLimit:
			return failed(err), "", true
		}
		slog.Debug("stream unavailable, falling back to polling", "run_id", string(r.ID), "error", err)
		return Result{}, "", false
	}

	for {
		select {
		case <-ctx.Done():
			return o.stopped(ctx, nil, r), r.TaskID(), true
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return o.stopped(ctx, nil, r), r.TaskID(), true
				}
				slog.Debug("stream ended early, falling back to polling", "task_id", r.TaskID())
				return Result{}, r.TaskID(), false
			}
			if ev.TaskID != "" {
				r.setTask(ev.TaskID)
			}
			switch ev.Type {
			case taskapi.EventProgress, taskapi.EventPartial:
				r.observe(int(ev.Progress), ev.Message)
			case taskapi.EventComplete:
				resp, err := ev.Response()
				if err != nil {
					return failed(taskapi.NewProtocolError("stream", err)), r.TaskID(), true
				}
				if !resp.Success {
					res := failed(taskapi.NewTaskFailedError(r.TaskID(), resp.Error))
					res.Response = resp
					return res, r.TaskID(), true
				}
				return completed(resp), r.TaskID(), true
			case taskapi.EventError:
				return failed(taskapi.NewTaskFailedError(r.TaskID(), ev.Error)), r.TaskID(), true
			}
		}
	}
}
