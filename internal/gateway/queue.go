package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/user/insightdash/internal/types"
	"github.com/user/insightdash/pkg/taskapi"
)

const laneBuffer = 100

// Queue keeps one FIFO lane per conversation. Runs in a lane execute one
// after another; the semaphore bounds how many lanes execute at once.
type Queue struct {
	lanes     map[types.ConversationID]chan *Run
	semaphore *semaphore.Weighted
	processor func(*Run) error
	active    atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
}

// NewQueue creates a Queue running at most maxConcurrent lanes at once.
func NewQueue(maxConcurrent int64) *Queue {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Queue{
		lanes:     make(map[types.ConversationID]chan *Run),
		semaphore: semaphore.NewWeighted(maxConcurrent),
	}
}

// Start must be called before Enqueue.
func (q *Queue) Start(ctx context.Context) {
	q.ctx, q.cancel = context.WithCancel(ctx)
}

// Stop cancels in-flight runs, closes every lane and waits for the lane
// goroutines to exit.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.mu.Lock()
	for id, lane := range q.lanes {
		close(lane)
		delete(q.lanes, id)
	}
	q.mu.Unlock()
	q.wg.Wait()
}

// Enqueue appends run to its conversation lane. It fails when the lane
// is full or the queue has been stopped.
func (q *Queue) Enqueue(run *Run) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.ctx == nil || q.ctx.Err() != nil {
		return fmt.Errorf("queue not running")
	}
	lane, ok := q.lanes[run.ConversationID]
	if !ok {
		lane = make(chan *Run, laneBuffer)
		q.lanes[run.ConversationID] = lane
		q.wg.Add(1)
		go q.drain(run.ConversationID, lane)
	}

	select {
	case lane <- run:
		return nil
	default:
		return fmt.Errorf("queue full for conversation %s", run.ConversationID)
	}
}

func (q *Queue) drain(conversationID types.ConversationID, lane chan *Run) {
	defer q.wg.Done()
	for {
		select {
		case run, ok := <-lane:
			if !ok {
				return
			}
			if err := q.semaphore.Acquire(q.ctx, 1); err != nil {
				return
			}
			q.execute(run)
			q.semaphore.Release(1)
		case <-q.ctx.Done():
			return
		}
	}
}

func (q *Queue) execute(run *Run) {
	if q.processor == nil {
		return
	}
	q.active.Add(1)
	defer q.active.Add(-1)

	run.start(q.ctx)
	err := q.processor(run)
	if err != nil {
		slog.Error("run failed", "run_id", string(run.ID), "conversation_id", string(run.ConversationID), "error", err)
		run.Complete(&types.Reply{
			ConversationID: run.ConversationID,
			Outcome:        taskapi.StateFailed,
			Text:           "Sorry, something went wrong processing your question.",
			Err:            err,
		})
	}
	run.finish(err)
}

// Active returns the number of runs executing right now.
func (q *Queue) Active() int64 {
	return q.active.Load()
}

// WaitIdle blocks until no run is executing or timeout passes. It
// reports whether the queue went idle.
func (q *Queue) WaitIdle(timeout time.Duration) bool {
	deadline := time.After(timeout)
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for q.active.Load() != 0 {
		select {
		case <-deadline:
			return false
		case <-tick.C:
		}
	}
	return true
}

// SetProcessor sets the function run for each dequeued Run.
func (q *Queue) SetProcessor(fn func(*Run) error) {
	q.processor = fn
}
