package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Callback actions carried in inline button data as "<action>:<id>".
const (
	cbItems        = "items"
	cbUnsubConfirm = "unsub_confirm"
	cbUnsub        = "unsub"
	cbNoop         = "noop"
)

func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	data := cb.Data
	chatID := cb.Message.Chat.ID

	callback := tgbotapi.NewCallback(cb.ID, "")
	if _, err := b.api.Send(callback); err != nil {
		b.log.Error("send callback ack", "error", err)
	}

	parts := strings.SplitN(data, ":", 2)
	if len(parts) != 2 {
		return
	}

	action := parts[0]
	idStr := parts[1]
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil || action == cbNoop {
		return
	}

	b.log.Info("callback",
		"action", action,
		"id", id,
		"chat_id", chatID,
		"user_id", cb.From.ID,
		"username", cb.From.UserName,
	)

	u, err := b.user(ctx, chatID, displayName(cb.From))
	if err != nil {
		return
	}

	switch action {
	case cbItems:
		b.handleItems(ctx, chatID, u, idStr)
	case cbUnsubConfirm:
		msg := tgbotapi.NewMessage(chatID, fmt.Sprintf("Unsubscribe from channel #%d?", id))
		msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData("Yes, unsubscribe", fmt.Sprintf("%s:%d", cbUnsub, id)),
				tgbotapi.NewInlineKeyboardButtonData("Cancel", cbNoop+":0"),
			),
		)
		b.send(msg)
	case cbUnsub:
		b.handleUnsubscribe(ctx, chatID, u, idStr)
	}
}
