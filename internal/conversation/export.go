package conversation

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/user/insightdash/internal/types"
)

type exportMessage struct {
	Role       string    `json:"role" yaml:"role"`
	Content    string    `json:"content" yaml:"content"`
	Timestamp  time.Time `json:"timestamp" yaml:"timestamp"`
	TaskID     string    `json:"task_id,omitempty" yaml:"task_id,omitempty"`
	Components []string  `json:"components,omitempty" yaml:"components,omitempty"`
	Insights   []string  `json:"insights,omitempty" yaml:"insights,omitempty"`
	Error      bool      `json:"error,omitempty" yaml:"error,omitempty"`
}

type exportConversation struct {
	ID        string          `json:"id" yaml:"id"`
	Title     string          `json:"title" yaml:"title"`
	CreatedAt time.Time       `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" yaml:"updated_at"`
	Archived  bool            `json:"archived" yaml:"archived"`
	Starred   bool            `json:"starred" yaml:"starred"`
	Messages  []exportMessage `json:"messages" yaml:"messages"`
}

// Export writes a readable transcript of conv as "json" or "yaml".
func Export(w io.Writer, conv types.Conversation, format string) error {
	out := exportConversation{
		ID:        string(conv.ID),
		Title:     conv.Title,
		CreatedAt: conv.CreatedAt,
		UpdatedAt: conv.UpdatedAt,
		Archived:  conv.IsArchived,
		Starred:   conv.IsStarred,
		Messages:  make([]exportMessage, 0, len(conv.Messages)),
	}
	for _, m := range conv.Messages {
		em := exportMessage{
			Role:      string(m.Role),
			Content:   m.Content,
			Timestamp: m.Timestamp,
			TaskID:    m.TaskID,
			Error:     m.Error,
		}
		if m.Response != nil {
			for _, c := range m.Response.Components {
				em.Components = append(em.Components, c.Type)
			}
			for _, in := range m.Response.Insights {
				em.Insights = append(em.Insights, in.Text())
			}
		}
		out.Messages = append(out.Messages, em)
	}

	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	case "yaml", "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(out); err != nil {
			return fmt.Errorf("encode yaml: %w", err)
		}
		return enc.Close()
	default:
		return fmt.Errorf("unsupported export format: %s", format)
	}
}
