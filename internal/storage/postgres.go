package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver for migrations.

	"pinggy/internal/model"
	"pinggy/migrations"
)

var postgresDialect = dialect{
	placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
	like:        "ILIKE",
	itemColumns: `i.id, i.channel_id, i.guid, i.title, i.link, i.content, i.text_content, i.author,
	i.comments, i.published_at, i.last_updated_at, i.archived, i.saved_at, i.created_at,
	ARRAY(SELECT user_id FROM item_saves WHERE item_id = i.id ORDER BY user_id)`,
}

// Postgres implements Storage on a PostgreSQL connection pool. Several
// service instances may share one database.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres runs pending migrations against dsn and opens a connection pool.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	err = migrations.Run(db, migrations.Postgres)
	_ = db.Close()
	if err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close closes the connection pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// Ping checks that the database is reachable.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// CreateUser inserts a new user and populates its ID and CreatedAt.
func (p *Postgres) CreateUser(ctx context.Context, u *model.User) error {
	err := p.pool.QueryRow(ctx,
		`INSERT INTO users (telegram_chat_id, name) VALUES ($1, $2) RETURNING id, created_at`,
		u.TelegramChatID, u.Name,
	).Scan(&u.ID, &u.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// GetOrCreateUserByChatID returns the user bound to a Telegram chat, creating it on first contact.
func (p *Postgres) GetOrCreateUserByChatID(ctx context.Context, chatID int64, name string) (*model.User, error) {
	var u model.User
	err := p.pool.QueryRow(ctx,
		`WITH ins AS (
		     INSERT INTO users (telegram_chat_id, name) VALUES ($1, $2)
		     ON CONFLICT (telegram_chat_id) DO NOTHING
		     RETURNING id, telegram_chat_id, name, created_at
		 )
		 SELECT id, telegram_chat_id, name, created_at FROM ins
		 UNION ALL
		 SELECT id, telegram_chat_id, name, created_at FROM users WHERE telegram_chat_id = $1
		 LIMIT 1`,
		chatID, name,
	).Scan(&u.ID, &u.TelegramChatID, &u.Name, &u.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("get or create user: %w", err)
	}
	return &u, nil
}

// FindOrCreateChannel inserts ch unless its link is already known and loads the stored row into ch.
func (p *Postgres) FindOrCreateChannel(ctx context.Context, ch *model.Channel) (bool, error) {
	interval := ch.FetchIntervalMinutes
	if interval <= 0 {
		interval = model.DefaultFetchIntervalMinutes
	}
	tag, err := p.pool.Exec(ctx,
		`INSERT INTO channels (link, feed_url, title, description, image_url, fetch_interval_minutes,
		                       last_fetched_at, latest_item_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (link) DO NOTHING`,
		ch.Link, ch.FeedURL, ch.Title, ch.Description, ch.ImageURL, interval, ch.LastFetchedAt, ch.LatestItemAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert channel: %w", err)
	}

	stored, err := p.GetChannelByLink(ctx, ch.Link)
	if err != nil {
		return false, err
	}
	*ch = *stored
	return tag.RowsAffected() == 1, nil
}

// GetChannel returns a single channel by its ID.
func (p *Postgres) GetChannel(ctx context.Context, id int64) (*model.Channel, error) {
	return scanPgChannel(p.pool.QueryRow(ctx, `SELECT `+channelColumns+` FROM channels WHERE id = $1`, id))
}

// GetChannelByLink returns the channel with the given site link.
func (p *Postgres) GetChannelByLink(ctx context.Context, link string) (*model.Channel, error) {
	return scanPgChannel(p.pool.QueryRow(ctx, `SELECT `+channelColumns+` FROM channels WHERE link = $1`, link))
}

// UpdateChannel sets the non-nil fields of upd on the channel.
func (p *Postgres) UpdateChannel(ctx context.Context, id int64, upd model.ChannelUpdate) error {
	var sets []string
	var args []any
	set := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, col+" = $"+strconv.Itoa(len(args)))
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
		set("last_fetched_at", upd.LastFetchedAt.UTC())
	}
	if upd.LatestItemAt != nil {
		set("latest_item_at", upd.LatestItemAt.UTC())
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	tag, err := p.pool.Exec(ctx,
		`UPDATE channels SET `+strings.Join(sets, ", ")+` WHERE id = $`+strconv.Itoa(len(args)), args...)
	if err != nil {
		return fmt.Errorf("update channel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListChannelsFetchedSince returns channels last fetched at or after cutoff.
func (p *Postgres) ListChannelsFetchedSince(ctx context.Context, cutoff time.Time) ([]model.Channel, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+channelColumns+` FROM channels WHERE last_fetched_at >= $1 ORDER BY id`, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("query channels: %w", err)
	}
	defer rows.Close()
	return scanPgChannels(rows)
}

// Subscribe links a user to a channel. Subscribing twice is a no-op.
func (p *Postgres) Subscribe(ctx context.Context, userID, channelID int64) (bool, error) {
	tag, err := p.pool.Exec(ctx,
		`INSERT INTO subscriptions (user_id, channel_id) VALUES ($1, $2)
		 ON CONFLICT (user_id, channel_id) DO NOTHING`, userID, channelID)
	if err != nil {
		return false, fmt.Errorf("insert subscription: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Unsubscribe removes the link between a user and a channel.
func (p *Postgres) Unsubscribe(ctx context.Context, userID, channelID int64) error {
	_, err := p.pool.Exec(ctx,
		`DELETE FROM subscriptions WHERE user_id = $1 AND channel_id = $2`, userID, channelID)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	return nil
}

// IsSubscribed reports whether the user follows the channel.
func (p *Postgres) IsSubscribed(ctx context.Context, userID, channelID int64) (bool, error) {
	var ok bool
	err := p.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM subscriptions WHERE user_id = $1 AND channel_id = $2)`,
		userID, channelID,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check subscription: %w", err)
	}
	return ok, nil
}

// ListSubscribedChannels returns the user's channels, most recently active first.
func (p *Postgres) ListSubscribedChannels(ctx context.Context, userID int64) ([]model.Channel, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT c.id, c.link, c.feed_url, c.title, c.description, c.image_url, c.fetch_interval_minutes,
		        c.created_at, c.last_fetched_at, c.latest_item_at
		 FROM channels c JOIN subscriptions s ON s.channel_id = c.id
		 WHERE s.user_id = $1
		 ORDER BY c.latest_item_at DESC NULLS LAST, c.id`, userID)
	if err != nil {
		return nil, fmt.Errorf("query subscribed channels: %w", err)
	}
	defer rows.Close()
	return scanPgChannels(rows)
}

// UpsertItem inserts the item or merges it into the stored one with the same guid.
func (p *Postgres) UpsertItem(ctx context.Context, channelID int64, item *model.Item) (bool, error) {
	now := item.LastUpdatedAt
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()

	var inserted bool
	err := p.pool.QueryRow(ctx,
		`INSERT INTO items (channel_id, guid, title, link, content, text_content, author, comments,
		                    published_at, last_updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (channel_id, guid) DO UPDATE SET
		     title           = CASE WHEN EXCLUDED.title <> '' THEN EXCLUDED.title ELSE items.title END,
		     link            = CASE WHEN EXCLUDED.link <> '' THEN EXCLUDED.link ELSE items.link END,
		     content         = COALESCE(EXCLUDED.content, items.content),
		     text_content    = COALESCE(EXCLUDED.text_content, items.text_content),
		     author          = COALESCE(EXCLUDED.author, items.author),
		     comments        = COALESCE(EXCLUDED.comments, items.comments),
		     published_at    = COALESCE(EXCLUDED.published_at, items.published_at),
		     last_updated_at = EXCLUDED.last_updated_at
		 RETURNING id, created_at, (xmax = 0)`,
		channelID, item.GUID, item.Title, item.Link,
		nullString(item.Content), nullString(item.TextContent), nullString(item.Author), nullString(item.Comments),
		item.PublishedAt, now,
	).Scan(&item.ID, &item.CreatedAt, &inserted)
	if err != nil {
		return false, fmt.Errorf("upsert item: %w", err)
	}
	item.ChannelID = &channelID
	item.LastUpdatedAt = now
	return inserted, nil
}

// CreateItem inserts an item that belongs to no feed refresh, such as a saved link.
func (p *Postgres) CreateItem(ctx context.Context, item *model.Item) error {
	err := p.pool.QueryRow(ctx,
		`INSERT INTO items (channel_id, guid, title, link, content, text_content, author, comments,
		                    published_at, last_updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
		 RETURNING id, last_updated_at, created_at`,
		item.ChannelID, item.GUID, item.Title, item.Link,
		nullString(item.Content), nullString(item.TextContent), nullString(item.Author), nullString(item.Comments),
		item.PublishedAt,
	).Scan(&item.ID, &item.LastUpdatedAt, &item.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert item: %w", err)
	}
	return nil
}

// GetItem returns a single item by its ID.
func (p *Postgres) GetItem(ctx context.Context, id int64) (*model.Item, error) {
	return scanPgItem(p.pool.QueryRow(ctx,
		`SELECT `+postgresDialect.itemColumns+` FROM items i WHERE i.id = $1`, id))
}

// GetItemByLink returns the oldest item pointing at link.
func (p *Postgres) GetItemByLink(ctx context.Context, link string) (*model.Item, error) {
	return scanPgItem(p.pool.QueryRow(ctx,
		`SELECT `+postgresDialect.itemColumns+` FROM items i WHERE i.link = $1 ORDER BY i.id LIMIT 1`, link))
}

// UpdateItemContent stores extracted article fields on an item.
func (p *Postgres) UpdateItemContent(ctx context.Context, id int64, c ItemContent) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE items SET
		     title        = CASE WHEN $1 <> '' THEN $1 ELSE title END,
		     content      = COALESCE($2, content),
		     text_content = COALESCE($3, text_content)
		 WHERE id = $4`,
		c.Title, nullString(c.Content), nullString(c.TextContent), id)
	if err != nil {
		return fmt.Errorf("update item content: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveItem adds the user to the item's savers and stamps the save time.
func (p *Postgres) SaveItem(ctx context.Context, itemID, userID int64, at time.Time) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `UPDATE items SET saved_at = $1 WHERE id = $2`, at.UTC(), itemID)
	if err != nil {
		return fmt.Errorf("stamp saved item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO item_saves (item_id, user_id, saved_at) VALUES ($1, $2, $3)
		 ON CONFLICT (item_id, user_id) DO UPDATE SET saved_at = EXCLUDED.saved_at`,
		itemID, userID, at.UTC()); err != nil {
		return fmt.Errorf("insert item save: %w", err)
	}
	return tx.Commit(ctx)
}

// UnsaveItem removes the user from the item's savers.
func (p *Postgres) UnsaveItem(ctx context.Context, itemID, userID int64) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`DELETE FROM item_saves WHERE item_id = $1 AND user_id = $2`, itemID, userID); err != nil {
		return fmt.Errorf("delete item save: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE items SET saved_at = (SELECT MAX(saved_at) FROM item_saves WHERE item_id = $1) WHERE id = $1`,
		itemID); err != nil {
		return fmt.Errorf("restamp saved item: %w", err)
	}
	return tx.Commit(ctx)
}

// ListItems returns one page of items matching q.
func (p *Postgres) ListItems(ctx context.Context, q model.ItemQuery) ([]model.Item, error) {
	query, args := listItemsSQL(postgresDialect, q)
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	var items []model.Item
	for rows.Next() {
		it, err := scanPgItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *it)
	}
	return items, rows.Err()
}

// MarkItemsArchivedBefore archives every live item not updated since cutoff.
func (p *Postgres) MarkItemsArchivedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx,
		`UPDATE items SET archived = true WHERE NOT archived AND last_updated_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("archive items: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteArchivedUnsavedItems removes archived items nobody has saved.
func (p *Postgres) DeleteArchivedUnsavedItems(ctx context.Context) (int64, error) {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM items i
		 WHERE i.archived
		   AND NOT EXISTS (SELECT 1 FROM item_saves v WHERE v.item_id = i.id)`)
	if err != nil {
		return 0, fmt.Errorf("delete archived items: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanPgChannel(row pgx.Row) (*model.Channel, error) {
	var c model.Channel
	err := row.Scan(&c.ID, &c.Link, &c.FeedURL, &c.Title, &c.Description, &c.ImageURL,
		&c.FetchIntervalMinutes, &c.CreatedAt, &c.LastFetchedAt, &c.LatestItemAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan channel: %w", err)
	}
	return &c, nil
}

func scanPgChannels(rows pgx.Rows) ([]model.Channel, error) {
	var channels []model.Channel
	for rows.Next() {
		c, err := scanPgChannel(rows)
		if err != nil {
			return nil, err
		}
		channels = append(channels, *c)
	}
	return channels, rows.Err()
}

func scanPgItem(row pgx.Row) (*model.Item, error) {
	var it model.Item
	var content, text, author, comments *string
	err := row.Scan(&it.ID, &it.ChannelID, &it.GUID, &it.Title, &it.Link, &content, &text, &author,
		&comments, &it.PublishedAt, &it.LastUpdatedAt, &it.Archived, &it.SavedAt, &it.CreatedAt, &it.SavedBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan item: %w", err)
	}
	it.Content = derefString(content)
	it.TextContent = derefString(text)
	it.Author = derefString(author)
	it.Comments = derefString(comments)
	if len(it.SavedBy) == 0 {
		it.SavedBy = nil
	}
	return &it, nil
}
