// internal/types/models_test.go
package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/user/insightdash/pkg/taskapi"
)

func TestConversationSerialization(t *testing.T) {
	at := time.Date(2024, 3, 1, 9, 30, 15, 0, time.UTC)
	conv := Conversation{
		ID:        NewConversationID(),
		Title:     "Mental health",
		CreatedAt: at,
		UpdatedAt: at,
		IsStarred: true,
		Messages: []ChatMessage{
			{ID: NewMessageID(), Role: RoleUser, Content: "Show team mental health status", Timestamp: at},
			{
				ID:        NewMessageID(),
				Role:      RoleAssistant,
				Content:   "done",
				Timestamp: at.Add(time.Second),
				Response:  &taskapi.StructuredResponse{Success: true},
			},
		},
	}

	data, err := json.Marshal(conv)
	if err != nil {
		t.Fatal(err)
	}

	var decoded Conversation
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}

	if !decoded.UpdatedAt.Equal(at) {
		t.Errorf("expected updated_at %v, got %v", at, decoded.UpdatedAt)
	}
	if len(decoded.Messages) != 2 || decoded.Messages[1].Response == nil {
		t.Fatalf("expected assistant response to survive, got %+v", decoded.Messages)
	}
	if decoded.Messages[0].Response != nil {
		t.Error("expected user message without response")
	}
}

func TestConversationClone(t *testing.T) {
	conv := Conversation{Messages: []ChatMessage{{Content: "a"}}}
	clone := conv.Clone()
	clone.Messages[0].Content = "b"
	clone.Messages = append(clone.Messages, ChatMessage{Content: "c"})
	if conv.Messages[0].Content != "a" || len(conv.Messages) != 1 {
		t.Errorf("expected original untouched, got %+v", conv.Messages)
	}
	last, ok := clone.LastMessage()
	if !ok || last.Content != "c" {
		t.Errorf("expected last message c, got %+v", last)
	}
}
