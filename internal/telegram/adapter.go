package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/insightdash/internal/gateway"
	"github.com/user/insightdash/internal/orchestrator"
	"github.com/user/insightdash/internal/render"
	"github.com/user/insightdash/internal/types"
	"github.com/user/insightdash/pkg/taskapi"
)

const maxTelegramMessage = 4096

// KeyPrefix is the conversation key prefix of Telegram chats.
const KeyPrefix = "telegram:"

// Sender sends bot API requests. *tgbotapi.BotAPI satisfies it.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Asker enqueues questions.
type Asker interface {
	HandleAsk(ctx context.Context, event *types.AskEvent, opts ...gateway.RunOption) (*gateway.Run, error)
}

// Conversations is the part of the conversation store the adapter uses.
type Conversations interface {
	ResolveOrCreate(ctx context.Context, key types.ConversationKey) (types.ConversationID, error)
	Rebind(ctx context.Context, key types.ConversationKey) (types.ConversationID, error)
	Get(id types.ConversationID) (types.Conversation, error)
}

// Runs exposes the tasks in flight per conversation.
type Runs interface {
	Cancel(id types.ConversationID) bool
	Active() map[types.ConversationID]*orchestrator.Run
}

// Adapter bridges Telegram chats to the gateway. Each chat gets its own
// conversation, keyed telegram:<user>:<chat>.
type Adapter struct {
	bot           *tgbotapi.BotAPI
	sender        Sender
	gateway       Asker
	conversations Conversations
	runs          Runs
}

// New connects to the bot API and creates an adapter.
func New(token string, gw Asker, conversations Conversations, runs Runs) (*Adapter, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	a := newAdapter(bot, gw, conversations, runs)
	a.bot = bot
	return a, nil
}

func newAdapter(sender Sender, gw Asker, conversations Conversations, runs Runs) *Adapter {
	return &Adapter{
		sender:        sender,
		gateway:       gw,
		conversations: conversations,
		runs:          runs,
	}
}

// Start long-polls for updates until ctx is done.
func (a *Adapter) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := a.bot.GetUpdatesChan(u)
	slog.Info("telegram adapter started", "bot", a.bot.Self.UserName)

	for {
		select {
		case update := <-updates:
			if update.Message == nil || update.Message.Text == "" {
				continue
			}
			a.handleMessage(ctx, update.Message)
		case <-ctx.Done():
			a.bot.StopReceivingUpdates()
			return
		}
	}
}

// Deliver sends a reply to the chat encoded in key. It serves as the
// delivery handler for saved queries bound to a Telegram chat.
func (a *Adapter) Deliver(ctx context.Context, key types.ConversationKey, reply *types.Reply) error {
	chatID, err := chatFromKey(key)
	if err != nil {
		return err
	}
	a.sendResponse(chatID, formatReply(reply))
	return nil
}

func (a *Adapter) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.IsCommand() {
		a.handleCommand(ctx, msg)
		return
	}

	chatID := msg.Chat.ID
	event := &types.AskEvent{
		Source: "telegram",
		Key:    buildConversationKey(msg.From.ID, msg.Chat.ID),
		Query:  msg.Text,
	}

	_, err := a.gateway.HandleAsk(ctx, event, gateway.WithOnComplete(func(reply *types.Reply) {
		a.sendResponse(chatID, formatReply(reply))
	}))
	if err != nil {
		slog.Error("handle ask failed", "chat_id", chatID, "error", err)
		var apiErr *taskapi.Error
		if errors.As(err, &apiErr) && apiErr.Kind == taskapi.KindValidation {
			a.sendResponse(chatID, "Please send a question.")
			return
		}
		a.sendResponse(chatID, "Sorry, I could not queue your question.")
		return
	}
	if _, err := a.sender.Send(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
		slog.Debug("send chat action failed", "error", err)
	}
}

func (a *Adapter) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	key := buildConversationKey(msg.From.ID, msg.Chat.ID)

	switch msg.Command() {
	case "start":
		a.sendResponse(chatID, "Hello! Ask me anything about your team's data and I'll build a dashboard for you.")

	case "new":
		if _, err := a.conversations.Rebind(ctx, key); err != nil {
			slog.Error("rebind conversation failed", "key", key, "error", err)
			a.sendResponse(chatID, "Error starting a new conversation.")
			return
		}
		a.sendResponse(chatID, "Started a new conversation. The previous one has been archived.")

	case "cancel":
		id, err := a.conversations.ResolveOrCreate(ctx, key)
		if err != nil {
			a.sendResponse(chatID, "Error fetching conversation.")
			return
		}
		if a.runs.Cancel(id) {
			a.sendResponse(chatID, "Cancelled the running question.")
		} else {
			a.sendResponse(chatID, "Nothing is running.")
		}

	case "status":
		id, err := a.conversations.ResolveOrCreate(ctx, key)
		if err != nil {
			a.sendResponse(chatID, "Error fetching status.")
			return
		}
		conv, err := a.conversations.Get(id)
		if err != nil {
			a.sendResponse(chatID, "Error fetching status.")
			return
		}
		status := fmt.Sprintf("Conversation: %s\nMessages: %d", conv.Title, len(conv.Messages))
		if run, ok := a.runs.Active()[id]; ok {
			status += fmt.Sprintf("\nRunning: %s (%s, %d%%)", run.Query, run.Phase(), run.Progress())
		}
		a.sendResponse(chatID, status)

	default:
		a.sendResponse(chatID, "Unknown command. Available: /start, /new, /cancel, /status")
	}
}

func (a *Adapter) sendResponse(chatID int64, text string) {
	for _, part := range splitMessage(text) {
		msg := tgbotapi.NewMessage(chatID, part)
		msg.ParseMode = tgbotapi.ModeMarkdown
		if _, err := a.sender.Send(msg); err != nil {
			// Retry without markdown if it fails
			msg.ParseMode = ""
			if _, err := a.sender.Send(msg); err != nil {
				slog.Error("send message failed", "chat_id", chatID, "error", err)
			}
		}
	}
}

func formatReply(reply *types.Reply) string {
	switch {
	case reply == nil:
		return "No answer."
	case reply.Completed() && reply.Plan != nil:
		return render.Text(*reply.Plan)
	case reply.Outcome == taskapi.StateCancelled:
		return "Request cancelled."
	case reply.Text != "":
		return reply.Text
	default:
		return "Sorry, something went wrong processing your question."
	}
}

func splitMessage(text string) []string {
	if len(text) <= maxTelegramMessage {
		return []string{text}
	}
	var parts []string
	for len(text) > 0 {
		end := min(maxTelegramMessage, len(text))
		parts = append(parts, text[:end])
		text = text[end:]
	}
	return parts
}

func buildConversationKey(userID, chatID int64) types.ConversationKey {
	return types.NewConversationKey("telegram",
		strconv.FormatInt(userID, 10),
		strconv.FormatInt(chatID, 10),
	)
}

func chatFromKey(key types.ConversationKey) (int64, error) {
	s := string(key)
	if !strings.HasPrefix(s, KeyPrefix) {
		return 0, fmt.Errorf("not a telegram key: %s", key)
	}
	chatID, err := strconv.ParseInt(s[strings.LastIndex(s, ":")+1:], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid telegram chat in key %s: %w", key, err)
	}
	return chatID, nil
}
