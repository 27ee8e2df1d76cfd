package render

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/user/insightdash/internal/dashboard"
	"github.com/user/insightdash/internal/types"
)

// ConversationList writes one line per conversation. The current one is
// marked with "*"; archived conversations are skipped unless all is set.
func ConversationList(out io.Writer, convs []types.Conversation, current types.ConversationID, all bool) error {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, headerStyle.Render("ID")+"\t"+headerStyle.Render("Title")+"\t"+headerStyle.Render("Messages")+"\t"+headerStyle.Render("Updated")+"\t")
	shown := 0
	for _, c := range convs {
		if c.IsArchived && !all {
			continue
		}
		shown++
		marker := " "
		if c.ID == current {
			marker = currentStyle.Render("*")
		}
		title := c.Title
		if c.IsStarred {
			title = "★ " + title
		}
		if c.IsArchived {
			title += mutedStyle.Render(" (archived)")
		}
		fmt.Fprintf(w, "%s %s\t%s\t%s\t%s\t\n", marker, shortID(string(c.ID)), title,
			strconv.Itoa(len(c.Messages)), mutedStyle.Render(relative(c.UpdatedAt, time.Now())))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if shown == 0 {
		fmt.Fprintln(out, mutedStyle.Render("No conversations"))
	}
	return nil
}

// Transcript renders every message of a conversation; assistant messages
// carrying a response are followed by their dashboard.
func Transcript(conv types.Conversation, width int) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(conv.Title))
	b.WriteString("\n")
	b.WriteString(mutedStyle.Render(fmt.Sprintf("%s • %d messages • created %s", conv.ID, len(conv.Messages), conv.CreatedAt.Local().Format("2006-01-02 15:04"))))
	b.WriteString("\n\n")

	for _, m := range conv.Messages {
		b.WriteString(Message(m, width))
		b.WriteString("\n\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// Message renders one chat message.
func Message(m types.ChatMessage, width int) string {
	label := userStyle.Render("You")
	if m.Role == types.RoleAssistant {
		label = assistantStyle.Render("Assistant")
	}
	head := label + " " + mutedStyle.Render(m.Timestamp.Local().Format("15:04:05"))

	content := strings.TrimSpace(m.Content)
	if m.Error {
		content = errorStyle.Render(content)
	}
	out := head + "\n" + content
	if m.Response != nil && m.Role == types.RoleAssistant {
		plan := dashboard.Compose(m.Response)
		plan.Summary = ""
		out += "\n" + Dashboard(plan, width)
	}
	return out
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func relative(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	t = t.Local()
	diff := now.Sub(t)
	switch {
	case diff < 24*time.Hour:
		return t.Format("Today 15:04")
	case diff < 7*24*time.Hour:
		return t.Format("Mon 15:04")
	case diff < 365*24*time.Hour:
		return t.Format("Jan 02 15:04")
	default:
		return t.Format("2006-01-02")
	}
}
