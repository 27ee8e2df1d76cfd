package orchestrator

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/user/insightdash/pkg/taskapi"
)

type fakeService struct {
	taskapi.Tracker

	initiate func(req taskapi.InitiateRequest) (*taskapi.InitiateResponse, error)
	status   func(call int) (*taskapi.TaskStatus, error)
	stream   func(ctx context.Context) (<-chan taskapi.StreamEvent, error)

	initiateCalls atomic.Int32
	statusCalls   atomic.Int32
	streamCalls   atomic.Int32

	mu        sync.Mutex
	cancelled []string
}

func (f *fakeService) Initiate(ctx context.Context, req taskapi.InitiateRequest) (*taskapi.InitiateResponse, error) {
	f.initiateCalls.Add(1)
	if f.initiate != nil {
		return f.initiate(req)
	}
	return &taskapi.InitiateResponse{TaskID: "task-1", Status: taskapi.StateQueued, Success: true}, nil
}

func (f *fakeService) Status(ctx context.Context, taskID string) (*taskapi.TaskStatus, error) {
	n := int(f.statusCalls.Add(1))
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.status != nil {
		return f.status(n)
	}
	return &taskapi.TaskStatus{TaskID: taskID, Status: taskapi.StateProcessing}, nil
}

func (f *fakeService) Cancel(ctx context.Context, taskID string) (*taskapi.CancelResponse, error) {
	defer f.Release(taskID)
	f.mu.Lock()
	f.cancelled = append(f.cancelled, taskID)
	f.mu.Unlock()
	return &taskapi.CancelResponse{Success: true, TaskID: taskID}, nil
}

func (f *fakeService) CancelAll(ctx context.Context) (*taskapi.CancelResponse, error) {
	f.ReleaseAll()
	return &taskapi.CancelResponse{Success: true}, nil
}

func (f *fakeService) ListTasks(ctx context.Context) ([]taskapi.TaskStatus, error) {
	return nil, nil
}

func (f *fakeService) Stream(ctx context.Context, req taskapi.StreamRequest) (<-chan taskapi.StreamEvent, error) {
	f.streamCalls.Add(1)
	if f.stream != nil {
		return f.stream(ctx)
	}
	return nil, taskapi.NewTransportError("open stream", errors.New("connection refused"))
}

func (f *fakeService) cancelledTasks() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancelled...)
}

func testConfig() Config {
	return Config{
		Timeout:         2 * time.Second,
		PollInitial:     time.Millisecond,
		PollMultiplier:  1,
		PollMax:         5 * time.Millisecond,
		MaxServerErrors: 3,
		CancelTimeout:   time.Second,
	}
}

func completedStatus(taskID string) *taskapi.TaskStatus {
	return &taskapi.TaskStatus{
		TaskID:   taskID,
		Status:   taskapi.StateCompleted,
		Progress: 100,
		Success:  true,
		Response: &taskapi.StructuredResponse{Success: true, Analysis: &taskapi.Analysis{Summary: "done"}},
	}
}

func waitResult(t *testing.T, run *Run) *Result {
	t.Helper()
	select {
	case <-run.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("run did not settle")
	}
	return run.Result()
}

func TestEmptyQueryRejectedWithoutNetwork(t *testing.T) {
	svc := &fakeService{}
	o := New(svc, testConfig())

	_, err := o.Submit(context.Background(), "   ")
	if !errors.Is(err, taskapi.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if svc.initiateCalls.Load() != 0 {
		t.Errorf("expected no initiate call, got %d", svc.initiateCalls.Load())
	}
}

func TestCacheHitSkipsPolling(t *testing.T) {
	svc := &fakeService{
		initiate: func(req taskapi.InitiateRequest) (*taskapi.InitiateResponse, error) {
			return &taskapi.InitiateResponse{
				TaskID:     "task-cached",
				Status:     taskapi.StateCompleted,
				Success:    true,
				Cached:     true,
				Components: []taskapi.ComponentConfig{{ID: "c1", Type: "metric_card"}},
			}, nil
		},
	}
	o := New(svc, testConfig())

	res, err := o.Ask(context.Background(), "Show team mental health status")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != taskapi.StateCompleted || !res.Cached {
		t.Errorf("expected cached completion, got %s cached=%v", res.Outcome, res.Cached)
	}
	if !res.Response.MultiComponent() {
		t.Error("expected embedded components in response")
	}
	if svc.statusCalls.Load() != 0 {
		t.Errorf("expected no status polls, got %d", svc.statusCalls.Load())
	}
}

func TestCachedFlagOnRunningTaskStillPolls(t *testing.T) {
	svc := &fakeService{
		initiate: func(req taskapi.InitiateRequest) (*taskapi.InitiateResponse, error) {
			return &taskapi.InitiateResponse{TaskID: "task-1", Status: taskapi.StateProcessing, Cached: true, Success: true}, nil
		},
		status: func(call int) (*taskapi.TaskStatus, error) {
			return completedStatus("task-1"), nil
		},
	}
	o := New(svc, testConfig())

	res, err := o.Ask(context.Background(), "Show team mental health status")
	if err != nil {
		t.Fatal(err)
	}
	if svc.statusCalls.Load() == 0 {
		t.Fatal("expected the running task to be polled")
	}
	if res.Outcome != taskapi.StateCompleted || res.Cached {
		t.Errorf("expected polled completion, got %s cached=%v", res.Outcome, res.Cached)
	}
	if res.Response == nil || res.Response.Analysis == nil || res.Response.Analysis.Summary != "done" {
		t.Errorf("expected the polled payload, got %+v", res.Response)
	}
}

func TestProgressIsStrictlyIncreasing(t *testing.T) {
	progress := []int{10, 10, 5, 40, 40}
	svc := &fakeService{
		status: func(call int) (*taskapi.TaskStatus, error) {
			if call > len(progress) {
				return completedStatus("task-1"), nil
			}
			return &taskapi.TaskStatus{Status: taskapi.StateProcessing, Progress: taskapi.Percent(progress[call-1])}, nil
		},
	}
	o := New(svc, testConfig())

	var mu sync.Mutex
	var seen []int
	var terminalAfter []int
	_, err := o.Ask(context.Background(), "q",
		WithProgress(func(p int, _ string) {
			mu.Lock()
			seen = append(seen, p)
			mu.Unlock()
		}),
		WithOnComplete(func(*taskapi.StructuredResponse) {
			mu.Lock()
			terminalAfter = append([]int(nil), seen...)
			mu.Unlock()
		}),
	)
	if err != nil {
		t.Fatal(err)
	}

	want := []int{10, 40, 100}
	if !reflect.DeepEqual(seen, want) {
		t.Errorf("expected progress %v, got %v", want, seen)
	}
	if !reflect.DeepEqual(terminalAfter, want) {
		t.Errorf("expected terminal callback after all progress, got %v", terminalAfter)
	}
}

func TestTerminalCallbackFiresOnce(t *testing.T) {
	svc := &fakeService{
		status: func(call int) (*taskapi.TaskStatus, error) {
			return completedStatus("task-1"), nil
		},
	}
	o := New(svc, testConfig())

	var completes, errs atomic.Int32
	run, err := o.Submit(context.Background(), "q",
		WithOnComplete(func(*taskapi.StructuredResponse) { completes.Add(1) }),
		WithOnError(func(error) { errs.Add(1) }),
	)
	if err != nil {
		t.Fatal(err)
	}
	res := waitResult(t, run)
	o.Cancel()
	o.Close()

	if res.Outcome != taskapi.StateCompleted {
		t.Fatalf("expected completed, got %s", res.Outcome)
	}
	if completes.Load() != 1 || errs.Load() != 0 {
		t.Errorf("expected one completion and no errors, got %d and %d", completes.Load(), errs.Load())
	}
	if run.Phase() != PhaseDone {
		t.Errorf("expected phase done, got %s", run.Phase())
	}
}

func TestCancelMidPollStopsPolling(t *testing.T) {
	firstPoll := make(chan struct{})
	var once sync.Once
	svc := &fakeService{
		status: func(call int) (*taskapi.TaskStatus, error) {
			once.Do(func() { close(firstPoll) })
			return &taskapi.TaskStatus{Status: taskapi.StateProcessing, Progress: 10}, nil
		},
	}
	o := New(svc, testConfig())

	var errs atomic.Int32
	run, err := o.Submit(context.Background(), "q", WithOnError(func(error) { errs.Add(1) }))
	if err != nil {
		t.Fatal(err)
	}
	<-firstPoll
	if !o.Cancel() {
		t.Fatal("expected an active run to cancel")
	}
	res := waitResult(t, run)
	o.Close()

	if res.Outcome != taskapi.StateCancelled || !errors.Is(res.Err, taskapi.ErrCancelled) {
		t.Fatalf("expected cancelled outcome, got %s (%v)", res.Outcome, res.Err)
	}
	calls := svc.statusCalls.Load()
	time.Sleep(20 * time.Millisecond)
	if svc.statusCalls.Load() != calls {
		t.Errorf("expected no polls after cancel, got %d more", svc.statusCalls.Load()-calls)
	}
	if got := svc.cancelledTasks(); !reflect.DeepEqual(got, []string{"task-1"}) {
		t.Errorf("expected server cancel for task-1, got %v", got)
	}
	if errs.Load() != 1 {
		t.Errorf("expected one error callback, got %d", errs.Load())
	}
	if o.Active() != nil {
		t.Error("expected no active run")
	}
}

func TestExternalTaskCancelReleasesPoller(t *testing.T) {
	firstPoll := make(chan struct{})
	var once sync.Once
	svc := &fakeService{
		status: func(call int) (*taskapi.TaskStatus, error) {
			once.Do(func() { close(firstPoll) })
			return &taskapi.TaskStatus{Status: taskapi.StateProcessing}, nil
		},
	}
	o := New(svc, testConfig())

	run, err := o.Submit(context.Background(), "q")
	if err != nil {
		t.Fatal(err)
	}
	<-firstPoll
	if _, err := svc.Cancel(context.Background(), run.TaskID()); err != nil {
		t.Fatal(err)
	}
	res := waitResult(t, run)
	o.Close()

	if res.Outcome != taskapi.StateCancelled {
		t.Fatalf("expected cancelled, got %s", res.Outcome)
	}
	if got := svc.cancelledTasks(); len(got) != 1 {
		t.Errorf("expected only the external cancel, got %v", got)
	}
}

func TestTimeoutCancelsTaskBeforeReturning(t *testing.T) {
	svc := &fakeService{}
	cfg := testConfig()
	cfg.Timeout = 30 * time.Millisecond
	o := New(svc, cfg)

	res, err := o.Ask(context.Background(), "slow question")
	if !errors.Is(err, taskapi.ErrTimeout) {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if res.Outcome != taskapi.StateTimedOut {
		t.Errorf("expected timed_out, got %s", res.Outcome)
	}
	if got := svc.cancelledTasks(); !reflect.DeepEqual(got, []string{"task-1"}) {
		t.Errorf("expected cancel of task-1 before returning, got %v", got)
	}
}

func TestNotFoundIsFatal(t *testing.T) {
	svc := &fakeService{
		status: func(call int) (*taskapi.TaskStatus, error) {
			return nil, taskapi.FromStatus(http.StatusNotFound, "task expired")
		},
	}
	o := New(svc, testConfig())

	res, err := o.Ask(context.Background(), "q")
	if !errors.Is(err, taskapi.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if res.Outcome != taskapi.StateFailed {
		t.Errorf("expected failed, got %s", res.Outcome)
	}
	if svc.statusCalls.Load() != 1 {
		t.Errorf("expected exactly one poll, got %d", svc.statusCalls.Load())
	}
}

func TestTransportErrorsAreRetried(t *testing.T) {
	svc := &fakeService{
		status: func(call int) (*taskapi.TaskStatus, error) {
			if call <= 4 {
				return nil, taskapi.NewTransportError("GET status", errors.New("connection reset"))
			}
			return completedStatus("task-1"), nil
		},
	}
	o := New(svc, testConfig())

	res, err := o.Ask(context.Background(), "q")
	if err != nil {
		t.Fatal(err)
	}
	if res.Polls != 5 {
		t.Errorf("expected 5 polls, got %d", res.Polls)
	}
}

func TestServerErrorBudget(t *testing.T) {
	svc := &fakeService{
		status: func(call int) (*taskapi.TaskStatus, error) {
			return nil, taskapi.FromStatus(http.StatusBadGateway, "")
		},
	}
	o := New(svc, testConfig())

	_, err := o.Ask(context.Background(), "q")
	if !errors.Is(err, taskapi.ErrServer) {
		t.Fatalf("expected server error, got %v", err)
	}
	if svc.statusCalls.Load() != 3 {
		t.Errorf("expected 3 polls, got %d", svc.statusCalls.Load())
	}
}

func TestUndecodableStatusIsTransient(t *testing.T) {
	svc := &fakeService{
		status: func(call int) (*taskapi.TaskStatus, error) {
			if call == 1 {
				return nil, taskapi.NewProtocolError("/chat/response/task-1/", errors.New("unexpected end of JSON input"))
			}
			return completedStatus("task-1"), nil
		},
	}
	o := New(svc, testConfig())

	res, err := o.Ask(context.Background(), "q")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != taskapi.StateCompleted || svc.statusCalls.Load() != 2 {
		t.Errorf("expected completion on the second poll, got %s after %d polls", res.Outcome, svc.statusCalls.Load())
	}
}

func TestFailedTaskSurfacesServerErrorVerbatim(t *testing.T) {
	tests := []struct {
		name   string
		status *taskapi.TaskStatus
	}{
		{"failed", &taskapi.TaskStatus{Status: taskapi.StateFailed, Error: "query exceeded row limit"}},
		{"completed without success", &taskapi.TaskStatus{
			Status:   taskapi.StateCompleted,
			Response: &taskapi.StructuredResponse{Success: false, Error: "query exceeded row limit"},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeService{
				status: func(call int) (*taskapi.TaskStatus, error) { return tt.status, nil },
			}
			res, err := New(svc, testConfig()).Ask(context.Background(), "q")
			if !errors.Is(err, taskapi.ErrFailed) {
				t.Fatalf("expected failed error, got %v", err)
			}
			if err.Error() != "query exceeded row limit" {
				t.Errorf("expected verbatim server error, got %q", err.Error())
			}
			if res.Outcome != taskapi.StateFailed {
				t.Errorf("expected failed, got %s", res.Outcome)
			}
		})
	}
}

func TestDuplicateSubmissionReusesRun(t *testing.T) {
	svc := &fakeService{}
	o := New(svc, testConfig())
	defer o.Close()

	first, err := o.Submit(context.Background(), "same question")
	if err != nil {
		t.Fatal(err)
	}
	second, err := o.Submit(context.Background(), "  same question ")
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Error("expected the in-flight run to be reused")
	}
	if svc.initiateCalls.Load() > 1 {
		t.Errorf("expected one initiate, got %d", svc.initiateCalls.Load())
	}
}

func TestAskLeavingSharedRunKeepsItAlive(t *testing.T) {
	var ready atomic.Bool
	svc := &fakeService{
		status: func(call int) (*taskapi.TaskStatus, error) {
			if ready.Load() {
				return completedStatus("task-1"), nil
			}
			return &taskapi.TaskStatus{TaskID: "task-1", Status: taskapi.StateProcessing}, nil
		},
	}
	o := New(svc, testConfig())
	defer o.Close()

	first, err := o.Submit(context.Background(), "same question")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := o.Ask(ctx, "same question")
	if !errors.Is(err, taskapi.ErrCancelled) || res.Outcome != taskapi.StateCancelled {
		t.Fatalf("expected cancelled result for the caller that left, got %v", err)
	}
	select {
	case <-first.Done():
		t.Fatal("expected the shared run to keep going")
	case <-time.After(20 * time.Millisecond):
	}

	ready.Store(true)
	if got := waitResult(t, first); got.Outcome != taskapi.StateCompleted {
		t.Errorf("expected shared run to complete, got %s: %v", got.Outcome, got.Err)
	}
	if cancelled := svc.cancelledTasks(); len(cancelled) != 0 {
		t.Errorf("expected no server cancel, got %v", cancelled)
	}
}

func TestNewSubmissionSupersedesActive(t *testing.T) {
	var n atomic.Int32
	svc := &fakeService{
		initiate: func(req taskapi.InitiateRequest) (*taskapi.InitiateResponse, error) {
			id := "task-" + string(rune('a'+n.Add(1)-1))
			return &taskapi.InitiateResponse{TaskID: id, Status: taskapi.StateQueued, Success: true}, nil
		},
	}
	o := New(svc, testConfig())

	first, err := o.Submit(context.Background(), "first question")
	if err != nil {
		t.Fatal(err)
	}
	for first.TaskID() == "" {
		time.Sleep(time.Millisecond)
	}
	second, err := o.Submit(context.Background(), "second question")
	if err != nil {
		t.Fatal(err)
	}

	select {
	case <-first.Done():
	default:
		t.Fatal("expected first run settled before second starts")
	}
	res := first.Result()
	var apiErr *taskapi.Error
	if !errors.As(res.Err, &apiErr) || apiErr.Kind != taskapi.KindCancelled || apiErr.Reason != "superseded by a newer request" {
		t.Errorf("expected superseded cancel, got %v", res.Err)
	}
	if o.Active() != second {
		t.Error("expected second run active")
	}
	o.Close()

	if got := svc.cancelledTasks(); !slices.Contains(got, "task-a") {
		t.Errorf("expected server cancel of task-a, got %v", got)
	}
}

func TestStreamFastPath(t *testing.T) {
	svc := &fakeService{
		stream: func(ctx context.Context) (<-chan taskapi.StreamEvent, error) {
			ch := make(chan taskapi.StreamEvent, 3)
			ch <- taskapi.StreamEvent{Type: taskapi.EventProgress, TaskID: "task-s", Progress: 20}
			ch <- taskapi.StreamEvent{Type: taskapi.EventPartial, Progress: 60, Message: "running queries"}
			ch <- taskapi.StreamEvent{Type: taskapi.EventComplete, Data: []byte(`{"success": true}`)}
			close(ch)
			return ch, nil
		},
	}
	cfg := testConfig()
	cfg.Stream = true
	o := New(svc, cfg)

	var seen []int
	res, err := o.Ask(context.Background(), "q", WithProgress(func(p int, _ string) { seen = append(seen, p) }))
	if err != nil {
		t.Fatal(err)
	}
	if res.TaskID != "task-s" {
		t.Errorf("expected task-s, got %q", res.TaskID)
	}
	if !reflect.DeepEqual(seen, []int{20, 60}) {
		t.Errorf("expected progress [20 60], got %v", seen)
	}
	if svc.initiateCalls.Load() != 0 || svc.statusCalls.Load() != 0 {
		t.Error("expected no initiate or polls on the stream path")
	}
}

func TestStreamFallsBackToPolling(t *testing.T) {
	svc := &fakeService{
		status: func(call int) (*taskapi.TaskStatus, error) {
			return completedStatus("task-1"), nil
		},
	}
	cfg := testConfig()
	cfg.Stream = true
	o := New(svc, cfg)

	if _, err := o.Ask(context.Background(), "q"); err != nil {
		t.Fatal(err)
	}
	if svc.streamCalls.Load() != 1 || svc.initiateCalls.Load() != 1 {
		t.Errorf("expected stream attempt then initiate, got %d and %d", svc.streamCalls.Load(), svc.initiateCalls.Load())
	}
}

func TestPollInterval(t *testing.T) {
	cfg := DefaultConfig()
	want := []time.Duration{
		2 * time.Second,
		3 * time.Second,
		4500 * time.Millisecond,
		6750 * time.Millisecond,
		10 * time.Second,
		10 * time.Second,
	}
	for i, w := range want {
		if got := cfg.PollInterval(i + 1); got != w {
			t.Errorf("poll %d: expected %v, got %v", i+1, w, got)
		}
	}
}
