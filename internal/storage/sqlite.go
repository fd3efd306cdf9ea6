package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration.

	"pinggy/internal/model"
	"pinggy/migrations"
)

// Fixed width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const channelColumns = `id, link, feed_url, title, description, image_url, fetch_interval_minutes,
	created_at, last_fetched_at, latest_item_at`

var sqliteDialect = dialect{
	placeholder: func(int) string { return "?" },
	like:        "LIKE",
	itemColumns: `i.id, i.channel_id, i.guid, i.title, i.link, i.content, i.text_content, i.author,
	i.comments, i.published_at, i.last_updated_at, i.archived, i.saved_at, i.created_at,
	(SELECT group_concat(user_id) FROM item_saves WHERE item_id = i.id)`,
}

// SQLite implements Storage backed by a SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection: writes are serialized by SQLite anyway, and an
	// in-memory database exists only on the connection that created it.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if err := migrations.Run(db, migrations.SQLite); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateUser inserts a new user and populates its ID and CreatedAt.
func (s *SQLite) CreateUser(ctx context.Context, u *model.User) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (telegram_chat_id, name, created_at) VALUES (?, ?, ?)`,
		u.TelegramChatID, u.Name, formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	u.ID = id
	u.CreatedAt = now
	return nil
}

// GetOrCreateUserByChatID returns the user bound to a Telegram chat, creating it on first contact.
func (s *SQLite) GetOrCreateUserByChatID(ctx context.Context, chatID int64, name string) (*model.User, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (telegram_chat_id, name, created_at) VALUES (?, ?, ?)
		 ON CONFLICT (telegram_chat_id) DO NOTHING`,
		chatID, name, formatTime(time.Now()),
	)
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}

	var u model.User
	var chat sql.NullInt64
	var created string
	err = s.db.QueryRowContext(ctx,
		`SELECT id, telegram_chat_id, name, created_at FROM users WHERE telegram_chat_id = ?`, chatID,
	).Scan(&u.ID, &chat, &u.Name, &created)
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	if chat.Valid {
		u.TelegramChatID = &chat.Int64
	}
	u.CreatedAt = parseTime(created)
	return &u, nil
}

// FindOrCreateChannel inserts ch unless its link is already known and loads the stored row into ch.
func (s *SQLite) FindOrCreateChannel(ctx context.Context, ch *model.Channel) (bool, error) {
	interval := ch.FetchIntervalMinutes
	if interval <= 0 {
		interval = model.DefaultFetchIntervalMinutes
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO channels (link, feed_url, title, description, image_url, fetch_interval_minutes,
		                       created_at, last_fetched_at, latest_item_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (link) DO NOTHING`,
		ch.Link, ch.FeedURL, ch.Title, ch.Description, ch.ImageURL, interval,
		formatTime(time.Now()), formatTimePtr(ch.LastFetchedAt), formatTimePtr(ch.LatestItemAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert channel: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}

	stored, err := s.GetChannelByLink(ctx, ch.Link)
	if err != nil {
		return false, err
	}
	*ch = *stored
	return n == 1, nil
}

// GetChannel returns a single channel by its ID.
func (s *SQLite) GetChannel(ctx context.Context, id int64) (*model.Channel, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+channelColumns+` FROM channels WHERE id = ?`, id)
	return scanChannel(row)
}

// GetChannelByLink returns the channel with the given site link.
func (s *SQLite) GetChannelByLink(ctx context.Context, link string) (*model.Channel, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+channelColumns+` FROM channels WHERE link = ?`, link)
	return scanChannel(row)
}

// UpdateChannel sets the non-nil fields of upd on the channel.
func (s *SQLite) UpdateChannel(ctx context.Context, id int64, upd model.ChannelUpdate) error {
	var sets []string
	var args []any
	set := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if upd.Link != nil {
		set("link", *upd.Link)
	}
	if upd.Title != nil {
		set("title", *upd.Title)
	}
	if upd.Description != nil {
		set("description", *upd.Description)
	}
	if upd.ImageURL != nil {
		set("image_url", *upd.ImageURL)
	}
	if upd.FetchIntervalMinutes != nil {
		set("fetch_interval_minutes", *upd.FetchIntervalMinutes)
	}
	if upd.LastFetchedAt != nil {
		set("last_fetched_at", formatTime(*upd.LastFetchedAt))
	}
	if upd.LatestItemAt != nil {
		set("latest_item_at", formatTime(*upd.LatestItemAt))
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx, `UPDATE channels SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update channel: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListChannelsFetchedSince returns channels last fetched at or after cutoff.
func (s *SQLite) ListChannelsFetchedSince(ctx context.Context, cutoff time.Time) ([]model.Channel, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+channelColumns+` FROM channels
		 WHERE last_fetched_at IS NOT NULL AND last_fetched_at >= ?
		 ORDER BY id`, formatTime(cutoff),
	)
	if err != nil {
		return nil, fmt.Errorf("query channels: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanChannels(rows)
}

// Subscribe links a user to a channel. Subscribing twice is a no-op.
func (s *SQLite) Subscribe(ctx context.Context, userID, channelID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions (user_id, channel_id, subscribed_at) VALUES (?, ?, ?)
		 ON CONFLICT (user_id, channel_id) DO NOTHING`,
		userID, channelID, formatTime(time.Now()),
	)
	if err != nil {
		return false, fmt.Errorf("insert subscription: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// Unsubscribe removes the link between a user and a channel.
func (s *SQLite) Unsubscribe(ctx context.Context, userID, channelID int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE user_id = ? AND channel_id = ?`, userID, channelID)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	return nil
}

// IsSubscribed reports whether the user follows the channel.
func (s *SQLite) IsSubscribed(ctx context.Context, userID, channelID int64) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM subscriptions WHERE user_id = ? AND channel_id = ?`, userID, channelID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check subscription: %w", err)
	}
	return count > 0, nil
}

// ListSubscribedChannels returns the user's channels, most recently active first.
func (s *SQLite) ListSubscribedChannels(ctx context.Context, userID int64) ([]model.Channel, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.link, c.feed_url, c.title, c.description, c.image_url, c.fetch_interval_minutes,
		        c.created_at, c.last_fetched_at, c.latest_item_at
		 FROM channels c JOIN subscriptions s ON s.channel_id = c.id
		 WHERE s.user_id = ?
		 ORDER BY c.latest_item_at DESC NULLS LAST, c.id`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query subscribed channels: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanChannels(rows)
}

// UpsertItem inserts the item or merges it into the stored one with the same guid.
func (s *SQLite) UpsertItem(ctx context.Context, channelID int64, item *model.Item) (bool, error) {
	now := item.LastUpdatedAt
	if now.IsZero() {
		now = time.Now()
	}
	stamp := formatTime(now)

	var created string
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO items (channel_id, guid, title, link, content, text_content, author, comments,
		                    published_at, last_updated_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (channel_id, guid) DO UPDATE SET
		     title           = CASE WHEN excluded.title <> '' THEN excluded.title ELSE items.title END,
		     link            = CASE WHEN excluded.link <> '' THEN excluded.link ELSE items.link END,
		     content         = COALESCE(excluded.content, items.content),
		     text_content    = COALESCE(excluded.text_content, items.text_content),
		     author          = COALESCE(excluded.author, items.author),
		     comments        = COALESCE(excluded.comments, items.comments),
		     published_at    = COALESCE(excluded.published_at, items.published_at),
		     last_updated_at = excluded.last_updated_at
		 RETURNING id, created_at`,
		channelID, item.GUID, item.Title, item.Link,
		nullString(item.Content), nullString(item.TextContent), nullString(item.Author), nullString(item.Comments),
		formatTimePtr(item.PublishedAt), stamp, stamp,
	).Scan(&item.ID, &created)
	if err != nil {
		return false, fmt.Errorf("upsert item: %w", err)
	}
	item.ChannelID = &channelID
	item.LastUpdatedAt = parseTime(stamp)
	item.CreatedAt = parseTime(created)
	return created == stamp, nil
}

// CreateItem inserts an item that belongs to no feed refresh, such as a saved link.
func (s *SQLite) CreateItem(ctx context.Context, item *model.Item) error {
	now := time.Now().UTC()
	stamp := formatTime(now)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO items (channel_id, guid, title, link, content, text_content, author, comments,
		                    published_at, last_updated_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ChannelID, item.GUID, item.Title, item.Link,
		nullString(item.Content), nullString(item.TextContent), nullString(item.Author), nullString(item.Comments),
		formatTimePtr(item.PublishedAt), stamp, stamp,
	)
	if err != nil {
		return fmt.Errorf("insert item: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	item.ID = id
	item.LastUpdatedAt = parseTime(stamp)
	item.CreatedAt = item.LastUpdatedAt
	return nil
}

// GetItem returns a single item by its ID.
func (s *SQLite) GetItem(ctx context.Context, id int64) (*model.Item, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteDialect.itemColumns+` FROM items i WHERE i.id = ?`, id)
	return scanItem(row)
}

// GetItemByLink returns the oldest item pointing at link.
func (s *SQLite) GetItemByLink(ctx context.Context, link string) (*model.Item, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteDialect.itemColumns+` FROM items i WHERE i.link = ? ORDER BY i.id LIMIT 1`, link)
	return scanItem(row)
}

// UpdateItemContent stores extracted article fields on an item.
func (s *SQLite) UpdateItemContent(ctx context.Context, id int64, c ItemContent) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE items SET
		     title        = CASE WHEN ? <> '' THEN ? ELSE title END,
		     content      = COALESCE(?, content),
		     text_content = COALESCE(?, text_content)
		 WHERE id = ?`,
		c.Title, c.Title, nullString(c.Content), nullString(c.TextContent), id,
	)
	if err != nil {
		return fmt.Errorf("update item content: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveItem adds the user to the item's savers and stamps the save time.
func (s *SQLite) SaveItem(ctx context.Context, itemID, userID int64, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE items SET saved_at = ? WHERE id = ?`, formatTime(at), itemID)
	if err != nil {
		return fmt.Errorf("stamp saved item: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("rows affected: %w", err)
	} else if n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO item_saves (item_id, user_id, saved_at) VALUES (?, ?, ?)
		 ON CONFLICT (item_id, user_id) DO UPDATE SET saved_at = excluded.saved_at`,
		itemID, userID, formatTime(at),
	); err != nil {
		return fmt.Errorf("insert item save: %w", err)
	}
	return tx.Commit()
}

// UnsaveItem removes the user from the item's savers.
func (s *SQLite) UnsaveItem(ctx context.Context, itemID, userID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM item_saves WHERE item_id = ? AND user_id = ?`, itemID, userID); err != nil {
		return fmt.Errorf("delete item save: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE items SET saved_at = (SELECT MAX(saved_at) FROM item_saves WHERE item_id = ?) WHERE id = ?`,
		itemID, itemID); err != nil {
		return fmt.Errorf("restamp saved item: %w", err)
	}
	return tx.Commit()
}

// ListItems returns one page of items matching q.
func (s *SQLite) ListItems(ctx context.Context, q model.ItemQuery) ([]model.Item, error) {
	query, args := listItemsSQL(sqliteDialect, q)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []model.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *it)
	}
	return items, rows.Err()
}

// MarkItemsArchivedBefore archives every live item not updated since cutoff.
func (s *SQLite) MarkItemsArchivedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE items SET archived = 1 WHERE archived = 0 AND last_updated_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("archive items: %w", err)
	}
	return res.RowsAffected()
}

// DeleteArchivedUnsavedItems removes archived items nobody has saved.
func (s *SQLite) DeleteArchivedUnsavedItems(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM items
		 WHERE archived = 1
		   AND NOT EXISTS (SELECT 1 FROM item_saves v WHERE v.item_id = items.id)`)
	if err != nil {
		return 0, fmt.Errorf("delete archived items: %w", err)
	}
	return res.RowsAffected()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := formatTime(*t)
	return &v
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

type scannable interface {
	Scan(dest ...any) error
}

func scanChannel(row scannable) (*model.Channel, error) {
	var c model.Channel
	var created string
	var lastFetched, latestItem sql.NullString
	err := row.Scan(&c.ID, &c.Link, &c.FeedURL, &c.Title, &c.Description, &c.ImageURL,
		&c.FetchIntervalMinutes, &created, &lastFetched, &latestItem)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan channel: %w", err)
	}
	c.CreatedAt = parseTime(created)
	c.LastFetchedAt = parseNullTime(lastFetched)
	c.LatestItemAt = parseNullTime(latestItem)
	return &c, nil
}

func scanChannels(rows *sql.Rows) ([]model.Channel, error) {
	var channels []model.Channel
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		channels = append(channels, *c)
	}
	return channels, rows.Err()
}

func scanItem(row scannable) (*model.Item, error) {
	var it model.Item
	var channelID sql.NullInt64
	var content, text, author, comments, published, savedAt, savedBy sql.NullString
	var updated, created string
	var archived int
	err := row.Scan(&it.ID, &channelID, &it.GUID, &it.Title, &it.Link, &content, &text, &author,
		&comments, &published, &updated, &archived, &savedAt, &created, &savedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan item: %w", err)
	}
	if channelID.Valid {
		it.ChannelID = &channelID.Int64
	}
	it.Content = content.String
	it.TextContent = text.String
	it.Author = author.String
	it.Comments = comments.String
	it.PublishedAt = parseNullTime(published)
	it.LastUpdatedAt = parseTime(updated)
	it.Archived = archived == 1
	it.SavedAt = parseNullTime(savedAt)
	it.CreatedAt = parseTime(created)
	if savedBy.Valid && savedBy.String != "" {
		for _, f := range strings.Split(savedBy.String, ",") {
			id, err := strconv.ParseInt(f, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("parse saved_by %q: %w", savedBy.String, err)
			}
			it.SavedBy = append(it.SavedBy, id)
		}
		slices.Sort(it.SavedBy)
	}
	return &it, nil
}
