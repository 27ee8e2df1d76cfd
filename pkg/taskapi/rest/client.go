package rest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/user/insightdash/pkg/taskapi"
)

// Config holds connection settings for the task API.
type Config struct {
	BaseURL        string
	Token          string
	RequestTimeout time.Duration
}

// Client implements taskapi.Service over HTTP.
type Client struct {
	taskapi.Tracker

	config       Config
	httpClient   *http.Client
	streamClient *http.Client
	retry        *taskapi.RetryPolicy
}

var _ taskapi.Service = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the client used for request/response calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetryPolicy replaces the retry policy for idempotent calls.
func WithRetryPolicy(p *taskapi.RetryPolicy) Option {
	return func(c *Client) { c.retry = p }
}

// New creates a task API client.
func New(config Config, opts ...Option) *Client {
	timeout := config.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &Client{
		config:       config,
		httpClient:   &http.Client{Timeout: timeout},
		streamClient: &http.Client{},
		retry:        taskapi.DefaultRetryPolicy(),
	}
	c.config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Initiate validates the query and submits it. Initiate is never retried.
func (c *Client) Initiate(ctx context.Context, req taskapi.InitiateRequest) (*taskapi.InitiateResponse, error) {
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return nil, taskapi.NewValidationError("query must not be empty")
	}
	var out taskapi.InitiateResponse
	if err := c.do(ctx, http.MethodPost, "/chat/initiate/", req, &out); err != nil {
		return nil, err
	}
	if out.TaskID == "" && !out.Embedded() {
		return nil, taskapi.NewProtocolError("initiate", errors.New("response carries no task_id"))
	}
	slog.Debug("task initiated", "task_id", out.TaskID, "status", out.Status, "cached", out.Cached)
	return &out, nil
}

// Status fetches the current state of a task from /chat/response/{task_id}/.
func (c *Client) Status(ctx context.Context, taskID string) (*taskapi.TaskStatus, error) {
	var out taskapi.TaskStatus
	err := c.retry.Execute(ctx, func(ctx context.Context) error {
		return c.do(ctx, http.MethodGet, "/chat/response/"+url.PathEscape(taskID)+"/", nil, &out)
	})
	if err != nil {
		return nil, withTask(err, taskID)
	}
	if out.TaskID == "" {
		out.TaskID = taskID
	}
	return &out, nil
}

// Cancel aborts a task and releases local pollers for it, whether or not
// the server call succeeds.
func (c *Client) Cancel(ctx context.Context, taskID string) (*taskapi.CancelResponse, error) {
	defer c.Release(taskID)
	var out taskapi.CancelResponse
	err := c.retry.Execute(ctx, func(ctx context.Context) error {
		return c.do(ctx, http.MethodPost, "/chat/cancel/"+url.PathEscape(taskID)+"/", nil, &out)
	})
	if err != nil {
		return nil, withTask(err, taskID)
	}
	if out.TaskID == "" {
		out.TaskID = taskID
	}
	return &out, nil
}

// CancelAll aborts every task of the caller and releases all pollers.
func (c *Client) CancelAll(ctx context.Context) (*taskapi.CancelResponse, error) {
	defer c.ReleaseAll()
	var out taskapi.CancelResponse
	err := c.retry.Execute(ctx, func(ctx context.Context) error {
		return c.do(ctx, http.MethodPost, "/chat/cancel-all/", nil, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ListTasks returns the caller's tasks. The server may answer with a bare
// array or with {"tasks": [...]}.
func (c *Client) ListTasks(ctx context.Context) ([]taskapi.TaskStatus, error) {
	var raw json.RawMessage
	err := c.retry.Execute(ctx, func(ctx context.Context) error {
		return c.do(ctx, http.MethodGet, "/chat/tasks/", nil, &raw)
	})
	if err != nil {
		return nil, err
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '[' {
		var tasks []taskapi.TaskStatus
		if err := json.Unmarshal(raw, &tasks); err != nil {
			return nil, taskapi.NewProtocolError("list tasks", err)
		}
		return tasks, nil
	}
	var wrapped struct {
		Tasks []taskapi.TaskStatus `json:"tasks"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, taskapi.NewProtocolError("list tasks", err)
	}
	return wrapped.Tasks, nil
}

// Stream opens the SSE endpoint and decodes each `data:` frame into a
// StreamEvent. The channel is closed after a complete or error event,
// on EOF, or when ctx is done.
func (c *Client) Stream(ctx context.Context, sr taskapi.StreamRequest) (<-chan taskapi.StreamEvent, error) {
	sr.Query = strings.TrimSpace(sr.Query)
	if sr.Query == "" {
		return nil, taskapi.NewValidationError("query must not be empty")
	}
	body, err := json.Marshal(sr)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodGet, "/chat/stream/", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, taskapi.NewTransportError("open stream", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, parseErrorResponse(resp)
	}

	ch := make(chan taskapi.StreamEvent, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		readEvents(ctx, resp.Body, ch)
	}()
	return ch, nil
}

// readEvents parses an SSE body. Multi-line data fields are joined with
// newlines; an `event:` field supplies the type when the payload has none.
func readEvents(ctx context.Context, r io.Reader, ch chan<- taskapi.StreamEvent) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	var data []string
	var eventName string
	emit := func() bool {
		if len(data) == 0 {
			eventName = ""
			return true
		}
		payload := strings.Join(data, "\n")
		data = data[:0]
		name := eventName
		eventName = ""

		var ev taskapi.StreamEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			ev = taskapi.StreamEvent{Type: taskapi.EventError, Error: "malformed stream frame: " + err.Error()}
		}
		if ev.Type == "" {
			ev.Type = taskapi.StreamEventType(name)
		}
		select {
		case ch <- ev:
		case <-ctx.Done():
			return false
		}
		return ev.Type != taskapi.EventComplete && ev.Type != taskapi.EventError
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if !emit() {
				return
			}
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		slog.Debug("stream read ended", "error", err)
	}
	emit()
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}
	return req, nil
}

// do sends one request and decodes a 2xx JSON body into out.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return taskapi.NewTransportError(method+" "+path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return parseErrorResponse(resp)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return taskapi.NewTransportError("reading response", err)
	}
	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return taskapi.NewProtocolError(path, err)
	}
	return nil
}

// parseErrorResponse maps a non-2xx response to a taskapi.Error, taking
// the detail from the usual JSON error fields or the raw body.
func parseErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	detail := strings.TrimSpace(string(body))

	var payload struct {
		Error   string `json:"error"`
		Detail  string `json:"detail"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &payload) == nil {
		switch {
		case payload.Error != "":
			detail = payload.Error
		case payload.Detail != "":
			detail = payload.Detail
		case payload.Message != "":
			detail = payload.Message
		}
	}
	return taskapi.FromStatus(resp.StatusCode, detail)
}

func withTask(err error, taskID string) error {
	var e *taskapi.Error
	if errors.As(err, &e) && e.TaskID == "" {
		e.TaskID = taskID
	}
	return err
}
