package taskapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// TaskState is the server-side lifecycle state of a task. TimedOut is
// never reported by the server; it is assigned locally when the client
// gives up waiting.
type TaskState string

const (
	StateQueued     TaskState = "queued"
	StateProcessing TaskState = "processing"
	StateCompleted  TaskState = "completed"
	StateFailed     TaskState = "failed"
	StateCancelled  TaskState = "cancelled"
	StateTimedOut   TaskState = "timed_out"
)

// Terminal reports whether no further transitions are possible from s.
func (s TaskState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateTimedOut:
		return true
	}
	return false
}

// Priority hints the executor's scheduling.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// InitiateRequest is the body of POST /chat/initiate/.
type InitiateRequest struct {
	Query          string   `json:"query"`
	ConversationID string   `json:"conversation_id,omitempty"`
	Priority       Priority `json:"priority,omitempty"`
}

// InitiateResponse is returned by the initiate endpoint. On a cache hit
// the full structured payload is embedded at the top level.
type InitiateResponse struct {
	TaskID         string            `json:"task_id"`
	Status         TaskState         `json:"status"`
	Message        string            `json:"message,omitempty"`
	Success        bool              `json:"success"`
	EstimatedTime  float64           `json:"estimated_time,omitempty"`
	Cached         bool              `json:"cached,omitempty"`
	ConversationID string            `json:"conversation_id,omitempty"`
	MessageID      string            `json:"message_id,omitempty"`
	Layout         *Layout           `json:"layout,omitempty"`
	Components     []ComponentConfig `json:"components,omitempty"`
	Dataset        Dataset           `json:"dataset,omitzero"`
	Insights       []Insight         `json:"insights,omitempty"`
	Analysis       *Analysis         `json:"analysis,omitempty"`
}

// Embedded reports whether the response is a cache hit carrying the
// final result, so no polling is needed. A cached flag on a task that is
// still running, or a completed status without the cached flag, is not
// enough: the payload is only embedded when both are set.
func (r *InitiateResponse) Embedded() bool {
	return r.Cached && r.Status == StateCompleted
}

// EmbeddedResponse returns the structured payload carried by a cached
// initiate response.
func (r *InitiateResponse) EmbeddedResponse() *StructuredResponse {
	return &StructuredResponse{
		Success:    r.Success,
		Error:      errorUnlessSuccess(r.Success, r.Message),
		Analysis:   r.Analysis,
		Insights:   r.Insights,
		Dataset:    r.Dataset,
		Components: r.Components,
		Layout:     r.Layout,
	}
}

func errorUnlessSuccess(success bool, msg string) string {
	if success {
		return ""
	}
	return msg
}

// TaskStatus is returned by GET /chat/response/{task_id}/.
type TaskStatus struct {
	TaskID          string              `json:"task_id"`
	Status          TaskState           `json:"status"`
	Progress        Percent             `json:"progress,omitempty"`
	ProgressMessage string              `json:"progress_message,omitempty"`
	ConversationID  string              `json:"conversation_id,omitempty"`
	MessageID       string              `json:"message_id,omitempty"`
	Response        *StructuredResponse `json:"response,omitempty"`
	Error           string              `json:"error,omitempty"`
	Success         bool                `json:"success"`
	CompletedAt     string              `json:"completed_at,omitempty"`
}

// Percent is a task progress value in 0..100. The server sends a plain
// JSON number, sometimes fractional and sometimes quoted; it is floored
// and clamped on decode.
type Percent int

func (p *Percent) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*p = 0
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		data = []byte(s)
	}
	f, err := strconv.ParseFloat(string(data), 64)
	if err != nil || math.IsNaN(f) {
		return fmt.Errorf("decode progress %q: not a number", data)
	}
	*p = Percent(math.Max(0, math.Min(100, math.Floor(f))))
	return nil
}

// CancelResponse is returned by the cancel endpoints.
type CancelResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
	Cancelled int    `json:"cancelled_count,omitempty"`
}

// StructuredResponse is the analytical result of a completed task. It
// comes in two shapes: the legacy shape (Analysis + list Dataset) and
// the multi-component shape (Components + optional Layout + list or
// keyed Dataset). Both are carried by the same type and reconciled by
// the dashboard composer.
type StructuredResponse struct {
	Success     bool              `json:"success"`
	Error       string            `json:"error,omitempty"`
	Analysis    *Analysis         `json:"analysis,omitempty"`
	Queries     []json.RawMessage `json:"queries,omitempty"`
	Insights    []Insight         `json:"insights,omitempty"`
	Dataset     Dataset           `json:"dataset,omitzero"`
	Components  []ComponentConfig `json:"components,omitempty"`
	Layout      *Layout           `json:"layout,omitempty"`
	RawResponse json.RawMessage   `json:"raw_response,omitempty"`
}

// MultiComponent reports whether r uses the multi-component shape.
func (r *StructuredResponse) MultiComponent() bool {
	return len(r.Components) > 0
}

// Analysis is the legacy analysis block.
type Analysis struct {
	Summary         string           `json:"summary,omitempty"`
	Intent          string           `json:"intent,omitempty"`
	ComponentConfig *ComponentConfig `json:"component_config,omitempty"`
}

// ComponentConfig describes one visual component. Type is an open-ended
// string such as "bar_chart", "metric_card" or "status_table".
type ComponentConfig struct {
	ID          string         `json:"id,omitempty"`
	Type        string         `json:"type"`
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description,omitempty"`
	Properties  map[string]any `json:"properties,omitempty"`
}

// Layout places components on a grid.
type Layout struct {
	Columns              int           `json:"columns,omitempty"`
	ComponentArrangement []Arrangement `json:"component_arrangement,omitempty"`
}

// Arrangement binds a component id to a grid position.
type Arrangement struct {
	ComponentID string   `json:"component_id"`
	Position    Position `json:"position"`
}

// Position is a grid cell with optional spans.
type Position struct {
	Row     int `json:"row"`
	Col     int `json:"col"`
	SpanRow int `json:"span_row,omitempty"`
	SpanCol int `json:"span_col,omitempty"`
}

// DatasetResult is the tabular result of one executed query.
type DatasetResult struct {
	Columns  []string         `json:"columns"`
	Data     []map[string]any `json:"data"`
	RowCount int              `json:"row_count"`
	Query    string           `json:"query,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// Rows returns the effective row count.
func (d DatasetResult) Rows() int {
	if d.RowCount > 0 {
		return d.RowCount
	}
	return len(d.Data)
}

// ColumnNames returns Columns, or the sorted keys of the first row when
// the server omitted the column list.
func (d DatasetResult) ColumnNames() []string {
	if len(d.Columns) > 0 || len(d.Data) == 0 {
		return d.Columns
	}
	names := make([]string, 0, len(d.Data[0]))
	for k := range d.Data[0] {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Dataset is either a list of results (shared by every component in the
// multi-component shape) or a map keyed by component id.
type Dataset struct {
	List        []DatasetResult
	ByComponent map[string]DatasetResult
}

// IsZero reports whether the dataset was absent.
func (d Dataset) IsZero() bool {
	return d.List == nil && d.ByComponent == nil
}

// Keyed reports whether the dataset is keyed by component id.
func (d Dataset) Keyed() bool {
	return d.ByComponent != nil
}

func (d Dataset) MarshalJSON() ([]byte, error) {
	switch {
	case d.ByComponent != nil:
		return json.Marshal(d.ByComponent)
	case d.List != nil:
		return json.Marshal(d.List)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON accepts an array, an object keyed by component id, or
// null. Keyed entries that do not decode as a result are skipped.
func (d *Dataset) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	*d = Dataset{}
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	switch data[0] {
	case '[':
		var list []DatasetResult
		if err := json.Unmarshal(data, &list); err != nil {
			return fmt.Errorf("decode dataset list: %w", err)
		}
		if list == nil {
			list = []DatasetResult{}
		}
		d.List = list
	case '{':
		var raw map[string]json.RawMessage
		if err := json.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("decode dataset map: %w", err)
		}
		d.ByComponent = make(map[string]DatasetResult, len(raw))
		for id, msg := range raw {
			var res DatasetResult
			if err := json.Unmarshal(msg, &res); err != nil {
				continue
			}
			d.ByComponent[id] = res
		}
	default:
		return fmt.Errorf("decode dataset: unexpected %q", data[0])
	}
	return nil
}

// Insight is a short finding attached to a response. The server sends
// either plain strings or objects.
type Insight struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Type        string `json:"type,omitempty"`
}

// Text returns the displayable text of the insight.
func (i Insight) Text() string {
	switch {
	case i.Title != "" && i.Description != "":
		return i.Title + ": " + i.Description
	case i.Description != "":
		return i.Description
	default:
		return i.Title
	}
}

func (i *Insight) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*i = Insight{Description: s}
		return nil
	}
	type plain Insight
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*i = Insight(p)
	return nil
}

// StreamRequest is the body of the optional SSE endpoint.
type StreamRequest struct {
	Query          string `json:"query"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// StreamEventType tags a server-sent event.
type StreamEventType string

const (
	EventProgress StreamEventType = "progress"
	EventPartial  StreamEventType = "partial"
	EventComplete StreamEventType = "complete"
	EventError    StreamEventType = "error"
)

// StreamEvent is one `data:` frame of the SSE endpoint.
type StreamEvent struct {
	Type     StreamEventType `json:"type"`
	TaskID   string          `json:"task_id,omitempty"`
	Progress Percent         `json:"progress,omitempty"`
	Message  string          `json:"message,omitempty"`
	Error    string          `json:"error,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// Response decodes the structured payload of a complete event.
func (e StreamEvent) Response() (*StructuredResponse, error) {
	if len(e.Data) == 0 {
		return nil, fmt.Errorf("stream event %s carries no data", e.Type)
	}
	var resp StructuredResponse
	if err := json.Unmarshal(e.Data, &resp); err != nil {
		return nil, fmt.Errorf("decode stream payload: %w", err)
	}
	return &resp, nil
}
