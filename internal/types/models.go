// internal/types/models.go
package types

import (
	"time"

	"github.com/user/insightdash/pkg/taskapi"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// SnapshotVersion is the current persisted layout version.
const SnapshotVersion = 1

type ChatMessage struct {
	ID        MessageID                   `json:"id"`
	Role      Role                        `json:"role"`
	Content   string                      `json:"content"`
	Timestamp time.Time                   `json:"timestamp"`
	Response  *taskapi.StructuredResponse `json:"response,omitempty"`
	TaskID    string                      `json:"task_id,omitempty"`
	Error     bool                        `json:"error,omitempty"`
}

type Conversation struct {
	ID         ConversationID  `json:"id"`
	Key        ConversationKey `json:"key,omitempty"`
	Title      string          `json:"title"`
	Messages   []ChatMessage   `json:"messages"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	IsArchived bool            `json:"is_archived"`
	IsStarred  bool            `json:"is_starred"`
}

// Clone returns a copy whose message slice can be modified independently.
func (c Conversation) Clone() Conversation {
	c.Messages = append([]ChatMessage(nil), c.Messages...)
	return c
}

// LastMessage returns the most recent message, if any.
func (c Conversation) LastMessage() (ChatMessage, bool) {
	if len(c.Messages) == 0 {
		return ChatMessage{}, false
	}
	return c.Messages[len(c.Messages)-1], true
}

// Snapshot is the unit persisted by a ConversationRepository.
type Snapshot struct {
	Version       int            `json:"version"`
	CurrentID     ConversationID `json:"current_id,omitempty"`
	Conversations []Conversation `json:"conversations"`
}

type AskEvent struct {
	Source         string           `json:"source"`
	Key            ConversationKey  `json:"key,omitempty"`
	ConversationID ConversationID   `json:"conversation_id,omitempty"`
	Query          string           `json:"query"`
	Priority       taskapi.Priority `json:"priority,omitempty"`
}

type SavedQuery struct {
	ID        SavedQueryID    `json:"id"`
	Name      string          `json:"name"`
	Query     string          `json:"query"`
	Schedule  string          `json:"schedule,omitempty"`
	Key       ConversationKey `json:"key,omitempty"`
	Enabled   bool            `json:"enabled"`
	LastRunAt *time.Time      `json:"last_run_at,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
