// Package bot exposes subscriptions and saved items through a Telegram chat.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"pinggy/internal/config"
	"pinggy/internal/model"
	"pinggy/internal/storage"
	"pinggy/internal/subscription"
)

type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Bot is the Telegram bot that handles user commands.
type Bot struct {
	api   telegramAPI
	store storage.Storage
	svc   *subscription.Service
	cfg   *config.Config
	log   *slog.Logger
}

// New creates a Bot with the given Telegram token, storage, service, and config.
func New(token string, store storage.Storage, svc *subscription.Service, cfg *config.Config, log *slog.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}

	return &Bot{
		api:   api,
		store: store,
		svc:   svc,
		cfg:   cfg,
		log:   log,
	}, nil
}

// Run starts the bot's long-polling loop, blocking until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return
		case update := <-updates:
			b.handleUpdate(ctx, update)
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	if cb := update.CallbackQuery; cb != nil {
		if cb.Message == nil || cb.From == nil {
			return
		}
		if !b.cfg.IsUserAllowed(cb.From.ID) {
			b.reply(cb.Message.Chat.ID, "Access denied.")
			return
		}
		b.handleCallback(ctx, cb)
		return
	}
	msg := update.Message
	if msg == nil || !msg.IsCommand() || msg.From == nil {
		return
	}
	if !b.cfg.IsUserAllowed(msg.From.ID) {
		b.reply(msg.Chat.ID, "Access denied.")
		return
	}
	b.handleCommand(ctx, msg)
}

func (b *Bot) send(msg tgbotapi.MessageConfig) {
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send message", "chat_id", msg.ChatID, "error", err)
	}
}

func (b *Bot) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	b.send(msg)
}

// user maps a chat to its account, creating one on first contact.
func (b *Bot) user(ctx context.Context, chatID int64, name string) (*model.User, error) {
	u, err := b.store.GetOrCreateUserByChatID(ctx, chatID, name)
	if err != nil {
		b.log.Error("resolve user", "chat_id", chatID, "error", err)
		b.reply(chatID, "Something went wrong, please try again later.")
		return nil, err
	}
	return u, nil
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	cmd := msg.Command()
	args := strings.TrimSpace(msg.CommandArguments())
	chatID := msg.Chat.ID

	b.log.Debug("command", "cmd", cmd, "args", args, "chat_id", chatID)

	switch cmd {
	case "start":
		b.handleStart(chatID)
		return
	case "help":
		b.handleHelp(chatID)
		return
	}

	u, err := b.user(ctx, chatID, displayName(msg.From))
	if err != nil {
		return
	}

	switch cmd {
	case "subscribe":
		b.handleSubscribe(ctx, chatID, u, args)
	case "unsubscribe":
		b.handleUnsubscribe(ctx, chatID, u, args)
	case "list":
		b.handleList(ctx, chatID, u)
	case "interval":
		b.handleInterval(ctx, chatID, u, args)
	case "items":
		b.handleItems(ctx, chatID, u, args)
	case "search":
		b.handleSearch(ctx, chatID, u, args)
	case "save":
		b.handleSave(ctx, chatID, u, args)
	case "unsave":
		b.handleUnsave(ctx, chatID, u, args)
	case "saved":
		b.handleSaved(ctx, chatID, u, args)
	default:
		b.reply(chatID, "Unknown command. Use /help for a list of commands.")
	}
}

func displayName(from *tgbotapi.User) string {
	if from == nil {
		return ""
	}
	if from.UserName != "" {
		return from.UserName
	}
	return strings.TrimSpace(from.FirstName + " " + from.LastName)
}
