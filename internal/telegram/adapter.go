package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/turnlog/internal/gateway"
	"github.com/user/turnlog/internal/state"
	"github.com/user/turnlog/internal/types"
)

const maxTelegramMessage = 4096

// Submitter queues an inbound message as a run.
type Submitter interface {
	HandleInbound(ctx context.Context, event *types.InboundEvent, opts ...gateway.RunOption) (*gateway.Run, error)
}

// Adapter bridges Telegram to the gateway. Replies come back through
// Deliver, which the delivery registry calls for "telegram:" session keys.
type Adapter struct {
	bot      *tgbotapi.BotAPI
	gateway  Submitter
	log      types.EventLog
	sessions types.SessionStore
}

// New creates a Telegram adapter.
func New(token string, gw Submitter, log types.EventLog, sessions types.SessionStore) (*Adapter, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	return &Adapter{
		bot:      bot,
		gateway:  gw,
		log:      log,
		sessions: sessions,
	}, nil
}

// Start begins long-polling for Telegram updates.
func (a *Adapter) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := a.bot.GetUpdatesChan(u)
	slog.Info("telegram polling", "bot", a.bot.Self.UserName)

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

// Deliver sends a final reply to the chat encoded in sessionKey.
func (a *Adapter) Deliver(sessionKey types.SessionKey, message string) error {
	chatID, err := chatIDFromKey(sessionKey)
	if err != nil {
		return err
	}
	a.sendResponse(chatID, message)
	return nil
}

func (a *Adapter) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.IsCommand() {
		a.handleCommand(ctx, msg)
		return
	}

	event := &types.InboundEvent{
		Source:     "telegram",
		SessionKey: buildSessionKey(msg.From.ID, msg.Chat.ID),
		UserID:     strconv.FormatInt(msg.From.ID, 10),
		Text:       msg.Text,
	}
	if _, err := a.gateway.HandleInbound(ctx, event); err != nil {
		slog.Error("handle inbound", "session_key", string(event.SessionKey), "error", err)
		a.sendResponse(msg.Chat.ID, "Sorry, I encountered an error processing your message.")
	}
}

func (a *Adapter) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	key := buildSessionKey(msg.From.ID, msg.Chat.ID)

	switch msg.Command() {
	case "start":
		a.sendResponse(chatID, "Hello! Send me a message to get started.")

	case "new":
		if _, err := a.sessions.Archive(ctx, key); err != nil && !errors.Is(err, state.ErrNotFound) {
			slog.Warn("archive session", "session_key", string(key), "error", err)
			a.sendResponse(chatID, "Error starting a new session.")
			return
		}
		a.sendResponse(chatID, "Starting a new session. Previous conversation has been archived.")

	case "status":
		session, err := a.sessions.Lookup(ctx, key)
		if err != nil {
			a.sendResponse(chatID, "No session yet.")
			return
		}
		count, err := a.log.Count(ctx, session.SessionID)
		if err != nil {
			a.sendResponse(chatID, "Error fetching status.")
			return
		}
		a.sendResponse(chatID, fmt.Sprintf("Session: %s\nEvents: %d\nLast sequence: %d",
			session.SessionID, count, session.LastEventSeq))

	default:
		a.sendResponse(chatID, "Unknown command. Available: /start, /new, /status")
	}
}

func (a *Adapter) sendResponse(chatID int64, text string) {
	for _, part := range splitMessage(text) {
		msg := tgbotapi.NewMessage(chatID, part)
		msg.ParseMode = "Markdown"
		if _, err := a.bot.Send(msg); err != nil {
			// Retry without markdown if it fails
			msg.ParseMode = ""
			if _, err := a.bot.Send(msg); err != nil {
				slog.Error("telegram send", "chat_id", chatID, "error", err)
			}
		}
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

func buildSessionKey(userID, chatID int64) types.SessionKey {
	return types.NewSessionKey("telegram",
		strconv.FormatInt(userID, 10),
		strconv.FormatInt(chatID, 10),
	)
}

// chatIDFromKey is the inverse of buildSessionKey.
func chatIDFromKey(key types.SessionKey) (int64, error) {
	parts := strings.Split(string(key), ":")
	if len(parts) != 3 || parts[0] != "telegram" {
		return 0, fmt.Errorf("not a telegram session key: %s", key)
	}
	return strconv.ParseInt(parts[2], 10, 64)
}
