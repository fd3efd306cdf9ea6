// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"pinggy/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Storage is the interface for all persistence operations.
type Storage interface {
	Ping(ctx context.Context) error

	CreateUser(ctx context.Context, u *model.User) error
	GetOrCreateUserByChatID(ctx context.Context, chatID int64, name string) (*model.User, error)

	// FindOrCreateChannel inserts ch unless a channel with the same link
	// exists, then loads the stored row into ch.
	FindOrCreateChannel(ctx context.Context, ch *model.Channel) (created bool, err error)
	GetChannel(ctx context.Context, id int64) (*model.Channel, error)
	GetChannelByLink(ctx context.Context, link string) (*model.Channel, error)
	UpdateChannel(ctx context.Context, id int64, upd model.ChannelUpdate) error
	ListChannelsFetchedSince(ctx context.Context, cutoff time.Time) ([]model.Channel, error)

	Subscribe(ctx context.Context, userID, channelID int64) (created bool, err error)
	Unsubscribe(ctx context.Context, userID, channelID int64) error
	IsSubscribed(ctx context.Context, userID, channelID int64) (bool, error)
	ListSubscribedChannels(ctx context.Context, userID int64) ([]model.Channel, error)

	// UpsertItem inserts the item or merges it into the stored item with the
	// same guid in the channel. Empty optional fields never overwrite stored ones.
	UpsertItem(ctx context.Context, channelID int64, item *model.Item) (inserted bool, err error)
	CreateItem(ctx context.Context, item *model.Item) error
	GetItem(ctx context.Context, id int64) (*model.Item, error)
	GetItemByLink(ctx context.Context, link string) (*model.Item, error)
	UpdateItemContent(ctx context.Context, id int64, content ItemContent) error
	SaveItem(ctx context.Context, itemID, userID int64, at time.Time) error
	UnsaveItem(ctx context.Context, itemID, userID int64) error
	ListItems(ctx context.Context, q model.ItemQuery) ([]model.Item, error)

	MarkItemsArchivedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteArchivedUnsavedItems(ctx context.Context) (int64, error)

	Close() error
}

// ItemContent holds extracted article fields. Empty fields are left as stored.
type ItemContent struct {
	Title       string
	Content     string
	TextContent string
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// likePattern turns free text into a LIKE pattern matching it anywhere.
func likePattern(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(strings.TrimSpace(s)) + "%"
}

// dialect holds the SQL differences between the backends for shared query builders.
type dialect struct {
	placeholder func(n int) string
	like        string
	itemColumns string
}

const defaultPageLimit = 50

// listItemsSQL builds the item listing query. The saved view lists items the
// user saved, archived or not; otherwise it lists live items of subscribed channels.
func listItemsSQL(d dialect, q model.ItemQuery) (string, []any) {
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return d.placeholder(len(args))
	}

	var b strings.Builder
	b.WriteString("SELECT " + d.itemColumns + " FROM items i ")
	if q.Saved {
		b.WriteString("JOIN item_saves v ON v.item_id = i.id AND v.user_id = " + arg(q.UserID) + " WHERE 1 = 1")
	} else {
		b.WriteString("JOIN subscriptions s ON s.channel_id = i.channel_id AND s.user_id = " + arg(q.UserID) + " WHERE NOT i.archived")
	}
	if q.ChannelID != 0 {
		b.WriteString(" AND i.channel_id = " + arg(q.ChannelID))
	}
	if strings.TrimSpace(q.Search) != "" {
		p := likePattern(q.Search)
		fmt.Fprintf(&b, ` AND (i.title %[1]s %[2]s ESCAPE '\' OR i.text_content %[1]s %[3]s ESCAPE '\')`,
			d.like, arg(p), arg(p))
	}
	if q.Saved {
		b.WriteString(" ORDER BY v.saved_at DESC, i.id DESC")
	} else {
		b.WriteString(" ORDER BY i.published_at DESC NULLS LAST, i.id DESC")
	}

	limit := q.Limit
	if limit <= 0 {
		limit = defaultPageLimit
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}
	b.WriteString(" LIMIT " + arg(limit) + " OFFSET " + arg(offset))
	return b.String(), args
}
