package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/user/insightdash/pkg/taskapi"
)

func noRetry() *taskapi.RetryPolicy {
	return &taskapi.RetryPolicy{MaxAttempts: 1, InitialDelay: time.Millisecond, Multiplier: 1, MaxDelay: time.Millisecond}
}

func TestInitiate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/chat/initiate/" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-token" {
			t.Error("missing or invalid auth header")
		}
		var req taskapi.InitiateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Error(err)
		}
		if req.Query != "Show team mental health status" {
			t.Errorf("expected trimmed query, got %q", req.Query)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"task_id":        "t-1",
			"status":         "processing",
			"success":        true,
			"estimated_time": 12.5,
		})
	}))
	defer server.Close()

	client := New(Config{BaseURL: server.URL + "/api/", Token: "test-token"})
	resp, err := client.Initiate(context.Background(), taskapi.InitiateRequest{Query: "  Show team mental health status "})
	if err != nil {
		t.Fatal(err)
	}
	if resp.TaskID != "t-1" {
		t.Errorf("expected task t-1, got %s", resp.TaskID)
	}
	if resp.Embedded() {
		t.Error("expected non-embedded response")
	}
	if resp.EstimatedTime != 12.5 {
		t.Errorf("expected estimated time 12.5, got %v", resp.EstimatedTime)
	}
}

func TestInitiateRejectsEmptyQueryWithoutNetwork(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer server.Close()

	client := New(Config{BaseURL: server.URL})
	_, err := client.Initiate(context.Background(), taskapi.InitiateRequest{Query: "   "})
	if !errors.Is(err, taskapi.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if calls.Load() != 0 {
		t.Errorf("expected no network calls, got %d", calls.Load())
	}
}

func TestInitiateCachedResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{
			"task_id": "t-2", "status": "completed", "success": true, "cached": true,
			"components": [{"id": "c1", "type": "bar_chart"}],
			"dataset": {"c1": {"columns": ["a", "b"], "data": [{"a": "x", "b": 1}], "row_count": 1}},
			"insights": ["Risk is low", {"title": "Trend", "description": "flat"}]
		}`)
	}))
	defer server.Close()

	client := New(Config{BaseURL: server.URL})
	resp, err := client.Initiate(context.Background(), taskapi.InitiateRequest{Query: "q"})
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Embedded() {
		t.Fatal("expected embedded response")
	}
	sr := resp.EmbeddedResponse()
	if !sr.Success || !sr.MultiComponent() {
		t.Errorf("expected successful multi-component response, got %+v", sr)
	}
	if !sr.Dataset.Keyed() || sr.Dataset.ByComponent["c1"].RowCount != 1 {
		t.Errorf("expected keyed dataset for c1, got %+v", sr.Dataset)
	}
	if len(sr.Insights) != 2 || sr.Insights[0].Text() != "Risk is low" || sr.Insights[1].Text() != "Trend: flat" {
		t.Errorf("unexpected insights %+v", sr.Insights)
	}
}

func TestStatusErrorMapping(t *testing.T) {
	tests := []struct {
		status int
		want   *taskapi.Error
	}{
		{http.StatusUnauthorized, taskapi.ErrAuth},
		{http.StatusForbidden, taskapi.ErrAuth},
		{http.StatusNotFound, taskapi.ErrNotFound},
		{http.StatusTooManyRequests, taskapi.ErrRateLimit},
		{http.StatusBadGateway, taskapi.ErrServer},
		{http.StatusBadRequest, taskapi.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, `{"error": "nope"}`)
			}))
			defer server.Close()

			client := New(Config{BaseURL: server.URL}, WithRetryPolicy(noRetry()))
			_, err := client.Status(context.Background(), "t-9")
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want.Kind, err)
			}
			var apiErr *taskapi.Error
			if !errors.As(err, &apiErr) {
				t.Fatal("expected *taskapi.Error")
			}
			if apiErr.Reason != "nope" {
				t.Errorf("expected reason 'nope', got %q", apiErr.Reason)
			}
			if apiErr.TaskID != "t-9" {
				t.Errorf("expected task id t-9, got %q", apiErr.TaskID)
			}
		})
	}
}

func TestStatusRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"task_id": "t-3", "status": "processing", "progress": 40}`)
	}))
	defer server.Close()

	policy := &taskapi.RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 1, MaxDelay: time.Millisecond}
	client := New(Config{BaseURL: server.URL}, WithRetryPolicy(policy))
	st, err := client.Status(context.Background(), "t-3")
	if err != nil {
		t.Fatal(err)
	}
	if st.Progress != 40 {
		t.Errorf("expected progress 40, got %d", st.Progress)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 calls, got %d", calls.Load())
	}
}

func TestStatusAcceptsFractionalProgress(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"task_id": "t1", "status": "processing", "progress": 42.5, "success": true}`)
	}))
	defer server.Close()

	st, err := New(Config{BaseURL: server.URL}).Status(context.Background(), "t1")
	if err != nil {
		t.Fatal(err)
	}
	if st.Progress != 42 {
		t.Errorf("expected progress 42, got %d", st.Progress)
	}
}

func TestCancelReleasesTrackedPollers(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/cancel/t-4/" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"success": true, "message": "cancelled"}`)
	}))
	defer server.Close()

	client := New(Config{BaseURL: server.URL})
	pollCtx, release := client.Track(context.Background(), "t-4")
	defer release()

	if _, err := client.Cancel(context.Background(), "t-4"); err != nil {
		t.Fatal(err)
	}
	select {
	case <-pollCtx.Done():
	case <-time.After(time.Second):
		t.Fatal("expected tracked context to be cancelled")
	}
	if !errors.Is(context.Cause(pollCtx), taskapi.ErrCancelled) {
		t.Errorf("expected cancelled cause, got %v", context.Cause(pollCtx))
	}
	if client.Tracked() != 0 {
		t.Errorf("expected no tracked tasks, got %d", client.Tracked())
	}
}

func TestListTasksAcceptsBothShapes(t *testing.T) {
	for name, body := range map[string]string{
		"array":   `[{"task_id": "a", "status": "completed"}, {"task_id": "b", "status": "processing"}]`,
		"wrapped": `{"tasks": [{"task_id": "a", "status": "completed"}, {"task_id": "b", "status": "processing"}]}`,
	} {
		t.Run(name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, body)
			}))
			defer server.Close()

			tasks, err := New(Config{BaseURL: server.URL}).ListTasks(context.Background())
			if err != nil {
				t.Fatal(err)
			}
			if len(tasks) != 2 || tasks[1].Status != taskapi.StateProcessing {
				t.Errorf("unexpected tasks %+v", tasks)
			}
		})
	}
}

func TestStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "text/event-stream" {
			t.Error("expected event-stream accept header")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": keep-alive\n\n")
		fmt.Fprint(w, "data: {\"type\": \"progress\", \"task_id\": \"t-5\", \"progress\": 30}\n\n")
		fmt.Fprint(w, "event: partial\ndata: {\"task_id\": \"t-5\",\n")
		fmt.Fprint(w, "data: \"message\": \"running queries\"}\n\n")
		fmt.Fprint(w, "data: {\"type\": \"complete\", \"task_id\": \"t-5\", \"data\": {\"success\": true}}\n\n")
		fmt.Fprint(w, "data: {\"type\": \"progress\", \"progress\": 99}\n\n")
	}))
	defer server.Close()

	ch, err := New(Config{BaseURL: server.URL}).Stream(context.Background(), taskapi.StreamRequest{Query: "q"})
	if err != nil {
		t.Fatal(err)
	}
	var events []taskapi.StreamEvent
	for ev := range ch {
		events = append(events, ev)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d: %+v", len(events), events)
	}
	if events[0].Progress != 30 {
		t.Errorf("expected progress 30, got %d", events[0].Progress)
	}
	if events[1].Type != taskapi.EventPartial || events[1].Message != "running queries" {
		t.Errorf("unexpected partial event %+v", events[1])
	}
	resp, err := events[2].Response()
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Success {
		t.Error("expected successful payload")
	}
}
