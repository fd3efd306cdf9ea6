package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"pinggy/internal/fetcher"
	"pinggy/internal/model"
	"pinggy/internal/storage"
	"pinggy/internal/subscription"
)

// Inline keyboards are capped to keep messages small.
const maxKeyboardRows = 20

func (b *Bot) handleStart(chatID int64) {
	b.reply(chatID, `Welcome to Pinggy!

Follow RSS and Atom feeds and keep the articles you care about.

Quick start:
1. /subscribe <url> - follow a feed or a site that advertises one
2. /items - read the latest items
3. /save <item_id|link> - keep an article for later

Use /help for the full command reference.`)
}

func (b *Bot) handleHelp(chatID int64) {
	b.reply(chatID, `Subscriptions:
/subscribe <url> - follow a feed (site URLs are searched for a feed link)
/unsubscribe <channel_id> - stop following a channel
/list - show your channels
/interval <channel_id> <minutes> - change how often a channel is fetched

Reading:
/items [channel_id] [page] - latest items, optionally of one channel
/search <text> - search titles and text of your items

Saved items:
/save <item_id|link> - save an item or any web page
/unsave <item_id> - remove from saved
/saved [page] - show saved items`)
}

func (b *Bot) handleSubscribe(ctx context.Context, chatID int64, u *model.User, args string) {
	if args == "" {
		b.reply(chatID, "Usage: /subscribe <url>")
		return
	}

	ch, err := b.svc.Subscribe(ctx, u.ID, args)
	if err != nil {
		b.replyError(chatID, "subscribe", err)
		return
	}
	b.reply(chatID, FormatSubscribed(ch))
}

func (b *Bot) handleUnsubscribe(ctx context.Context, chatID int64, u *model.User, args string) {
	id, err := ParseIDArg(args)
	if err != nil {
		b.reply(chatID, "Usage: /unsubscribe <channel_id>")
		return
	}

	if err := b.svc.Unsubscribe(ctx, u.ID, id); err != nil {
		if errors.Is(err, subscription.ErrNotSubscribed) {
			b.reply(chatID, fmt.Sprintf("You are not subscribed to channel #%d.", id))
			return
		}
		b.replyError(chatID, "unsubscribe", err)
		return
	}
	b.reply(chatID, fmt.Sprintf("Unsubscribed from channel #%d.", id))
}

func (b *Bot) handleList(ctx context.Context, chatID int64, u *model.User) {
	channels, err := b.svc.Channels(ctx, u.ID)
	if err != nil {
		b.replyError(chatID, "list channels", err)
		return
	}

	msg := tgbotapi.NewMessage(chatID, FormatChannelList(channels))
	msg.DisableWebPagePreview = true
	if len(channels) > 0 {
		var rows [][]tgbotapi.InlineKeyboardButton
		for i, ch := range channels {
			if i == maxKeyboardRows {
				break
			}
			rows = append(rows, tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData(fmt.Sprintf("Items #%d", ch.ID), fmt.Sprintf("%s:%d", cbItems, ch.ID)),
				tgbotapi.NewInlineKeyboardButtonData("Unsubscribe", fmt.Sprintf("%s:%d", cbUnsubConfirm, ch.ID)),
			))
		}
		msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	}
	b.send(msg)
}

func (b *Bot) handleInterval(ctx context.Context, chatID int64, u *model.User, args string) {
	id, minutes, err := ParseIntervalArgs(args)
	if err != nil {
		b.reply(chatID, "Usage: /interval <channel_id> <minutes>")
		return
	}

	ch, err := b.svc.SetInterval(ctx, u.ID, id, minutes)
	switch {
	case errors.Is(err, subscription.ErrInvalidInterval):
		b.reply(chatID, fmt.Sprintf("The interval must be between %d and %d minutes.", subscription.MinInterval, subscription.MaxInterval))
	case errors.Is(err, subscription.ErrNotSubscribed):
		b.reply(chatID, fmt.Sprintf("You are not subscribed to channel #%d.", id))
	case err != nil:
		b.replyError(chatID, "change interval", err)
	default:
		b.reply(chatID, fmt.Sprintf("Channel #%d %s is now fetched every %d min.", ch.ID, channelName(ch), ch.FetchIntervalMinutes))
	}
}

func (b *Bot) handleItems(ctx context.Context, chatID int64, u *model.User, args string) {
	channelID, page, err := ParseItemsArgs(args)
	if err != nil {
		b.reply(chatID, "Usage: /items [channel_id] [page]")
		return
	}

	limit := b.pageLimit()
	q := model.ItemQuery{UserID: u.ID, ChannelID: channelID, Offset: (page - 1) * limit, Limit: limit}
	items, err := b.svc.Items(ctx, q)
	if err != nil {
		if errors.Is(err, subscription.ErrNotSubscribed) {
			b.reply(chatID, fmt.Sprintf("You are not subscribed to channel #%d.", channelID))
			return
		}
		b.replyError(chatID, "list items", err)
		return
	}

	header := "Latest items"
	next := ""
	if channelID != 0 {
		header = fmt.Sprintf("Latest items of #%d", channelID)
		if len(items) == limit {
			next = fmt.Sprintf("/items %d %d", channelID, page+1)
		}
	} else if len(items) == limit {
		next = fmt.Sprintf("/items 0 %d", page+1)
	}
	if page > 1 {
		header += fmt.Sprintf(" (page %d)", page)
	}
	b.reply(chatID, FormatItemList(header, items, u.ID, next))
}

func (b *Bot) handleSearch(ctx context.Context, chatID int64, u *model.User, args string) {
	if args == "" {
		b.reply(chatID, "Usage: /search <text>")
		return
	}

	items, err := b.svc.Items(ctx, model.ItemQuery{UserID: u.ID, Search: args, Limit: b.pageLimit()})
	if err != nil {
		b.replyError(chatID, "search items", err)
		return
	}
	b.reply(chatID, FormatItemList(fmt.Sprintf("Results for %q", args), items, u.ID, ""))
}

func (b *Bot) handleSave(ctx context.Context, chatID int64, u *model.User, args string) {
	id, link, err := ParseSaveArg(args)
	if err != nil {
		b.reply(chatID, "Usage: /save <item_id|link>")
		return
	}

	var item *model.Item
	if link != "" {
		item, err = b.svc.SaveLink(ctx, u.ID, link)
	} else {
		item, err = b.svc.SaveItem(ctx, u.ID, id)
	}
	switch {
	case errors.Is(err, subscription.ErrAlreadySaved):
		b.reply(chatID, fmt.Sprintf("#%d is already saved.", item.ID))
	case err != nil:
		b.replyError(chatID, "save item", err)
	default:
		b.reply(chatID, FormatSaved(item))
	}
}

func (b *Bot) handleUnsave(ctx context.Context, chatID int64, u *model.User, args string) {
	id, err := ParseIDArg(args)
	if err != nil {
		b.reply(chatID, "Usage: /unsave <item_id>")
		return
	}

	if err := b.svc.UnsaveItem(ctx, u.ID, id); err != nil {
		if errors.Is(err, subscription.ErrNotSaved) {
			b.reply(chatID, fmt.Sprintf("#%d is not in your saved items.", id))
			return
		}
		b.replyError(chatID, "unsave item", err)
		return
	}
	b.reply(chatID, fmt.Sprintf("Removed #%d from saved items.", id))
}

func (b *Bot) handleSaved(ctx context.Context, chatID int64, u *model.User, args string) {
	page, err := ParsePage(args)
	if err != nil {
		b.reply(chatID, "Usage: /saved [page]")
		return
	}

	limit := b.pageLimit()
	items, err := b.svc.Items(ctx, model.ItemQuery{UserID: u.ID, Saved: true, Offset: (page - 1) * limit, Limit: limit})
	if err != nil {
		b.replyError(chatID, "list saved items", err)
		return
	}
	next := ""
	if len(items) == limit {
		next = "/saved " + strconv.Itoa(page+1)
	}
	b.reply(chatID, FormatItemList("Saved items", items, u.ID, next))
}

func (b *Bot) pageLimit() int {
	if b.cfg.PageLimit > 0 {
		return b.cfg.PageLimit
	}
	return subscription.DefaultPageLimit
}

// replyError turns a service error into a chat reply. Unexpected errors are
// logged and hidden from the user.
func (b *Bot) replyError(chatID int64, action string, err error) {
	var fetchErr *fetcher.Error
	switch {
	case errors.Is(err, subscription.ErrInvalidURL):
		b.reply(chatID, "Please send a valid http(s) URL.")
	case errors.Is(err, storage.ErrNotFound):
		b.reply(chatID, "Not found.")
	case errors.As(err, &fetchErr):
		b.reply(chatID, fmt.Sprintf("Could not %s: %v", action, fetchErr))
	default:
		b.log.Error(action, "chat_id", chatID, "error", err)
		b.reply(chatID, "Something went wrong, please try again later.")
	}
}
