// internal/types/reply.go
package types

import (
	"github.com/user/insightdash/internal/dashboard"
	"github.com/user/insightdash/pkg/taskapi"
)

// Reply is the outcome of one ask turn as seen by a front-end.
type Reply struct {
	ConversationID ConversationID
	QuestionID     MessageID
	MessageID      MessageID
	TaskID         string
	Outcome        taskapi.TaskState
	Text           string
	Response       *taskapi.StructuredResponse
	Plan           *dashboard.Plan
	Err            error
}

// Completed reports whether the turn produced a dashboard.
func (r *Reply) Completed() bool {
	return r.Outcome == taskapi.StateCompleted
}
