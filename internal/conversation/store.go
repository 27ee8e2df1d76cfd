// Package conversation holds the chat history: an ordered set of
// conversations, the currently selected one, and message append rules.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/user/insightdash/internal/types"
	"github.com/user/insightdash/pkg/taskapi"
)

// DefaultTitle is given to conversations created without a title.
const DefaultTitle = "New Conversation"

// DefaultDedupWindow is the interval within which an identical message
// appended twice is stored once.
const DefaultDedupWindow = 5 * time.Second

const maxAutoTitle = 60

// ErrConversationNotFound is returned for unknown conversation ids.
var ErrConversationNotFound = errors.New("conversation not found")

// Store owns the conversation list. Every mutation builds a new list,
// persists it through the repository, and only then replaces the
// in-memory copy; a failed save leaves the store unchanged.
type Store struct {
	repo        types.ConversationRepository
	now         func() time.Time
	dedupWindow time.Duration

	mu            sync.RWMutex
	conversations []types.Conversation
	currentID     types.ConversationID
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithDedupWindow replaces DefaultDedupWindow.
func WithDedupWindow(d time.Duration) Option {
	return func(s *Store) { s.dedupWindow = d }
}

// Open rehydrates a store from repo. When nothing was persisted, exactly
// one empty conversation is created, selected and saved.
func Open(ctx context.Context, repo types.ConversationRepository, opts ...Option) (*Store, error) {
	s := &Store{
		repo:        repo,
		now:         time.Now,
		dedupWindow: DefaultDedupWindow,
	}
	for _, opt := range opts {
		opt(s)
	}

	snap, err := repo.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load conversations: %w", err)
	}
	s.conversations = snap.Conversations
	s.currentID = snap.CurrentID

	if len(s.conversations) == 0 {
		if _, err := s.Create(ctx, ""); err != nil {
			return nil, err
		}
		return s, nil
	}
	if s.indexOf(s.conversations, s.currentID) < 0 {
		s.currentID = mostRecent(s.conversations)
	}
	return s, nil
}

// MessageOption decorates an appended message.
type MessageOption func(*types.ChatMessage)

// WithResponse attaches the structured result to an assistant message.
func WithResponse(resp *taskapi.StructuredResponse) MessageOption {
	return func(m *types.ChatMessage) { m.Response = resp }
}

// WithTaskID records the server task that produced the message.
func WithTaskID(id string) MessageOption {
	return func(m *types.ChatMessage) { m.TaskID = id }
}

// AsError marks the message as an error report.
func AsError() MessageOption {
	return func(m *types.ChatMessage) { m.Error = true }
}

// Create adds an empty conversation and selects it.
func (s *Store) Create(ctx context.Context, title string) (types.Conversation, error) {
	var created types.Conversation
	err := s.mutate(ctx, func(list []types.Conversation, current *types.ConversationID) ([]types.Conversation, error) {
		created = s.newConversation(title, "")
		*current = created.ID
		return append(list, created), nil
	})
	return created, err
}

// ResolveOrCreate returns the conversation bound to an external channel
// key, creating it on first use. It does not change the selection.
func (s *Store) ResolveOrCreate(ctx context.Context, key types.ConversationKey) (types.ConversationID, error) {
	s.mu.RLock()
	for _, c := range s.conversations {
		if c.Key == key {
			s.mu.RUnlock()
			return c.ID, nil
		}
	}
	s.mu.RUnlock()

	var id types.ConversationID
	err := s.mutate(ctx, func(list []types.Conversation, _ *types.ConversationID) ([]types.Conversation, error) {
		for _, c := range list {
			if c.Key == key {
				id = c.ID
				return list, nil
			}
		}
		c := s.newConversation("", key)
		id = c.ID
		return append(list, c), nil
	})
	return id, err
}

// Rebind starts a fresh conversation for key. The conversation that held
// the key keeps its history, loses the key and is archived.
func (s *Store) Rebind(ctx context.Context, key types.ConversationKey) (types.ConversationID, error) {
	if key == "" {
		return "", errors.New("conversation key must not be empty")
	}
	var id types.ConversationID
	err := s.mutate(ctx, func(list []types.Conversation, _ *types.ConversationID) ([]types.Conversation, error) {
		for i, c := range list {
			if c.Key == key {
				c.Key = ""
				c.IsArchived = true
				c.UpdatedAt = s.now().UTC()
				list[i] = c
			}
		}
		c := s.newConversation("", key)
		id = c.ID
		return append(list, c), nil
	})
	return id, err
}

// Select makes id the current conversation.
func (s *Store) Select(ctx context.Context, id types.ConversationID) error {
	return s.mutate(ctx, func(list []types.Conversation, current *types.ConversationID) ([]types.Conversation, error) {
		if s.indexOf(list, id) < 0 {
			return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, id)
		}
		*current = id
		return list, nil
	})
}

// Append adds a message to conversation id, or to the current
// conversation when id is empty. A message whose role and content equal
// the previous message's and which arrives within the dedup window is
// dropped; the returned bool reports whether the message was stored.
func (s *Store) Append(ctx context.Context, id types.ConversationID, role types.Role, content string, opts ...MessageOption) (types.ChatMessage, bool, error) {
	var msg types.ChatMessage
	appended := false
	err := s.mutate(ctx, func(list []types.Conversation, current *types.ConversationID) ([]types.Conversation, error) {
		target := id
		if target == "" {
			target = *current
		}
		i := s.indexOf(list, target)
		if i < 0 {
			return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, target)
		}

		now := s.now().UTC()
		conv := list[i]
		if last, ok := conv.LastMessage(); ok && last.Role == role && last.Content == content && now.Sub(last.Timestamp) < s.dedupWindow {
			msg = last
			return list, nil
		}

		msg = types.ChatMessage{
			ID:        types.NewMessageID(),
			Role:      role,
			Content:   content,
			Timestamp: now,
		}
		for _, opt := range opts {
			opt(&msg)
		}
		conv.Messages = append(slices.Clip(conv.Messages), msg)
		conv.UpdatedAt = now
		if role == types.RoleUser && (conv.Title == "" || conv.Title == DefaultTitle) && !hasUserMessage(list[i]) {
			conv.Title = autoTitle(content)
		}
		list[i] = conv
		appended = true
		return list, nil
	})
	return msg, appended, err
}

// Rename sets the title of a conversation.
func (s *Store) Rename(ctx context.Context, id types.ConversationID, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return errors.New("title must not be empty")
	}
	return s.update(ctx, id, func(c *types.Conversation) { c.Title = title })
}

// Archive hides a conversation from the default listing.
func (s *Store) Archive(ctx context.Context, id types.ConversationID) error {
	return s.update(ctx, id, func(c *types.Conversation) { c.IsArchived = true })
}

// Unarchive reverses Archive.
func (s *Store) Unarchive(ctx context.Context, id types.ConversationID) error {
	return s.update(ctx, id, func(c *types.Conversation) { c.IsArchived = false })
}

// SetStarred pins or unpins a conversation.
func (s *Store) SetStarred(ctx context.Context, id types.ConversationID, starred bool) error {
	return s.update(ctx, id, func(c *types.Conversation) { c.IsStarred = starred })
}

// Delete removes a conversation. Deleting the current conversation selects
// the most recently updated remaining one, or a fresh empty conversation
// when none remain.
func (s *Store) Delete(ctx context.Context, id types.ConversationID) error {
	return s.mutate(ctx, func(list []types.Conversation, current *types.ConversationID) ([]types.Conversation, error) {
		i := s.indexOf(list, id)
		if i < 0 {
			return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, id)
		}
		list = slices.Delete(list, i, i+1)
		if *current == id {
			if len(list) == 0 {
				c := s.newConversation("", "")
				list = append(list, c)
			}
			*current = mostRecent(list)
		}
		return list, nil
	})
}

// Get returns a copy of the conversation.
func (s *Store) Get(id types.ConversationID) (types.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := s.indexOf(s.conversations, id)
	if i < 0 {
		return types.Conversation{}, fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	return s.conversations[i].Clone(), nil
}

// Current returns a copy of the selected conversation.
func (s *Store) Current() types.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := s.indexOf(s.conversations, s.currentID)
	if i < 0 {
		return types.Conversation{}
	}
	return s.conversations[i].Clone()
}

// CurrentID returns the id of the selected conversation.
func (s *Store) CurrentID() types.ConversationID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentID
}

// List returns copies of all conversations, most recently updated first.
func (s *Store) List() []types.Conversation {
	s.mu.RLock()
	out := make([]types.Conversation, len(s.conversations))
	for i, c := range s.conversations {
		out[i] = c.Clone()
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out
}

func (s *Store) update(ctx context.Context, id types.ConversationID, fn func(*types.Conversation)) error {
	return s.mutate(ctx, func(list []types.Conversation, _ *types.ConversationID) ([]types.Conversation, error) {
		i := s.indexOf(list, id)
		if i < 0 {
			return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, id)
		}
		conv := list[i]
		fn(&conv)
		conv.UpdatedAt = s.now().UTC()
		list[i] = conv
		return list, nil
	})
}

// mutate runs fn on a copy of the list and commits the result after it
// has been persisted.
func (s *Store) mutate(ctx context.Context, fn func(list []types.Conversation, current *types.ConversationID) ([]types.Conversation, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.currentID
	next, err := fn(slices.Clone(s.conversations), &current)
	if err != nil {
		return err
	}
	if next == nil {
		next = []types.Conversation{}
	}
	if err := s.repo.Save(ctx, &types.Snapshot{CurrentID: current, Conversations: next}); err != nil {
		return fmt.Errorf("persist conversations: %w", err)
	}
	s.conversations = next
	s.currentID = current
	return nil
}

func (s *Store) newConversation(title string, key types.ConversationKey) types.Conversation {
	now := s.now().UTC()
	if title = strings.TrimSpace(title); title == "" {
		title = DefaultTitle
	}
	return types.Conversation{
		ID:        types.NewConversationID(),
		Key:       key,
		Title:     title,
		Messages:  []types.ChatMessage{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (s *Store) indexOf(list []types.Conversation, id types.ConversationID) int {
	if id == "" {
		return -1
	}
	for i, c := range list {
		if c.ID == id {
			return i
		}
	}
	return -1
}

func mostRecent(list []types.Conversation) types.ConversationID {
	var best types.Conversation
	for i, c := range list {
		if i == 0 || c.UpdatedAt.After(best.UpdatedAt) {
			best = c
		}
	}
	return best.ID
}

func hasUserMessage(c types.Conversation) bool {
	for _, m := range c.Messages {
		if m.Role == types.RoleUser {
			return true
		}
	}
	return false
}

func autoTitle(content string) string {
	content = strings.Join(strings.Fields(content), " ")
	if utf8.RuneCountInString(content) <= maxAutoTitle {
		return content
	}
	r := []rune(content)
	return strings.TrimSpace(string(r[:maxAutoTitle])) + "..."
}
