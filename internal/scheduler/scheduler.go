// internal/scheduler/scheduler.go
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/user/insightdash/internal/types"
)

// Handler is invoked each time a saved query fires.
type Handler func(ctx context.Context, q *types.SavedQuery)

// Store is the subset of the saved query store the scheduler reads.
type Store interface {
	List(ctx context.Context) ([]*types.SavedQuery, error)
	MarkRun(ctx context.Context, name string, at time.Time) error
}

// Scheduler fires enabled saved queries on their cron schedule.
type Scheduler struct {
	store   Store
	handler Handler

	mu   sync.Mutex
	cron *cron.Cron
	ctx  context.Context
}

// cronParser accepts 5-field expressions, 6-field expressions with a
// leading seconds field, and descriptors such as @daily.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Validate reports whether schedule is a cron expression the scheduler
// accepts. An empty schedule is valid and means on demand only.
func Validate(schedule string) error {
	if schedule == "" {
		return nil
	}
	if _, err := cronParser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}
	return nil
}

// Next returns the next fire time of schedule after t.
func Next(schedule string, t time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(schedule)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}
	return sched.Next(t), nil
}

func New(store Store, handler Handler) *Scheduler {
	return &Scheduler{
		store:   store,
		handler: handler,
		cron:    cron.New(cron.WithParser(cronParser)),
	}
}

// Start registers every enabled saved query that has a schedule and
// starts the ticker. Entries with a bad schedule are logged and skipped.
// ctx is passed to the handler and bounds the fired runs.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx = ctx
	return s.startLocked()
}

func (s *Scheduler) startLocked() error {
	queries, err := s.store.List(s.ctx)
	if err != nil {
		return err
	}

	for _, q := range queries {
		if q.Schedule == "" || !q.Enabled {
			continue
		}
		q := q
		_, err := s.cron.AddFunc(q.Schedule, func() { s.fire(q) })
		if err != nil {
			slog.Error("invalid cron schedule", "name", q.Name, "schedule", q.Schedule, "error", err)
			continue
		}
		slog.Info("scheduled query", "name", q.Name, "schedule", q.Schedule)
	}

	s.cron.Start()
	return nil
}

func (s *Scheduler) fire(q *types.SavedQuery) {
	slog.Info("cron firing saved query", "name", q.Name, "key", q.Key)
	s.handler(s.ctx, q)
	if err := s.store.MarkRun(context.WithoutCancel(s.ctx), q.Name, time.Now()); err != nil {
		slog.Warn("failed to record saved query run", "name", q.Name, "error", err)
	}
}

// Reload replaces the registered entries with the store's current content.
func (s *Scheduler) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cron.Stop()
	s.cron = cron.New(cron.WithParser(cronParser))
	return s.startLocked()
}

// Entries returns the number of registered schedules.
func (s *Scheduler) Entries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cron.Entries())
}

// Stop stops the ticker and waits for running handlers.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.mu.Unlock()
	<-c.Stop().Done()
}
