package taskapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Kind categorises task API failures.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindAuth
	KindRateLimit
	KindServer
	KindNotFound
	KindTimeout
	KindCancelled
	KindTransport
	KindProtocol
	KindFailed
)

var kindNames = map[Kind]string{
	KindUnknown:    "unknown",
	KindValidation: "validation",
	KindAuth:       "auth",
	KindRateLimit:  "rate_limit",
	KindServer:     "server",
	KindNotFound:   "not_found",
	KindTimeout:    "timeout",
	KindCancelled:  "cancelled",
	KindTransport:  "transport",
	KindProtocol:   "protocol",
	KindFailed:     "failed",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is the single error type returned by task API clients. Every
// error carries a human-readable Message; Reason and Suggestion are
// filled when there is something actionable to say.
type Error struct {
	Kind       Kind
	Message    string
	Reason     string
	Suggestion string
	StatusCode int
	TaskID     string
	Cause      error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Reason != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Reason)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error of the same kind, so the package sentinels work
// with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t == e || (t.Message == "" && t.Kind == e.Kind)
}

// Describe renders the error with its suggestion for terminal output.
func (e *Error) Describe() string {
	var b strings.Builder
	b.WriteString(e.Error())
	if e.Suggestion != "" {
		b.WriteString("\nSuggestion: ")
		b.WriteString(e.Suggestion)
	}
	return b.String()
}

// Sentinels for errors.Is.
var (
	ErrValidation = &Error{Kind: KindValidation}
	ErrAuth       = &Error{Kind: KindAuth}
	ErrRateLimit  = &Error{Kind: KindRateLimit}
	ErrServer     = &Error{Kind: KindServer}
	ErrNotFound   = &Error{Kind: KindNotFound}
	ErrTimeout    = &Error{Kind: KindTimeout}
	ErrCancelled  = &Error{Kind: KindCancelled}
	ErrTransport  = &Error{Kind: KindTransport}
	ErrProtocol   = &Error{Kind: KindProtocol}
	ErrFailed     = &Error{Kind: KindFailed}
)

// KindOf returns the kind of err, mapping context errors to Timeout and
// Cancelled.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCancelled
	}
	return KindUnknown
}

// Retryable reports whether a request that failed with err may succeed
// if repeated unchanged.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransport, KindServer:
		return true
	}
	return false
}

// NewValidationError reports a request rejected before or by the server.
func NewValidationError(msg string) *Error {
	return &Error{
		Kind:       KindValidation,
		Message:    msg,
		Suggestion: "check the question text and try again",
	}
}

// NewTimeoutError reports that a task did not finish within the deadline.
func NewTimeoutError(taskID string, limit time.Duration) *Error {
	return &Error{
		Kind:       KindTimeout,
		Message:    "request timed out",
		Reason:     fmt.Sprintf("no result within %s", limit),
		Suggestion: "try a narrower question or raise orchestrator.timeout",
		TaskID:     taskID,
	}
}

// NewCancelledError reports a task aborted by the user or superseded by
// a newer request.
func NewCancelledError(taskID, reason string) *Error {
	return &Error{
		Kind:    KindCancelled,
		Message: "request cancelled",
		Reason:  reason,
		TaskID:  taskID,
	}
}

// NewTaskFailedError reports a task the server ran and failed. The
// server's error text is kept verbatim as the message.
func NewTaskFailedError(taskID, serverError string) *Error {
	if serverError == "" {
		serverError = "the analysis failed"
	}
	return &Error{
		Kind:    KindFailed,
		Message: serverError,
		TaskID:  taskID,
	}
}

// NewTransportError wraps a network-level failure.
func NewTransportError(op string, cause error) *Error {
	return &Error{
		Kind:    KindTransport,
		Message: op + " failed",
		Cause:   cause,
	}
}

// NewProtocolError wraps an undecodable response body.
func NewProtocolError(op string, cause error) *Error {
	return &Error{
		Kind:    KindProtocol,
		Message: "unexpected response from " + op,
		Cause:   cause,
	}
}

// FromStatus maps a non-2xx HTTP status and its error detail to an Error.
func FromStatus(status int, detail string) *Error {
	e := &Error{StatusCode: status, Message: fmt.Sprintf("API error (status %d)", status), Reason: detail}
	switch {
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		e.Kind = KindValidation
		e.Suggestion = "check the question text and try again"
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Kind = KindAuth
		e.Message = "not authorized"
		e.Suggestion = "please re-authenticate and set api.token"
	case status == http.StatusNotFound:
		e.Kind = KindNotFound
		e.Message = "task not found"
	case status == http.StatusTooManyRequests:
		e.Kind = KindRateLimit
		e.Message = "rate limited"
		e.Suggestion = "wait a moment before asking again"
	case status >= 500:
		e.Kind = KindServer
		e.Message = "server error"
		e.Suggestion = "the analytics service is unavailable, try again later"
	default:
		e.Kind = KindUnknown
	}
	return e
}
