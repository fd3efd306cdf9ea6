// Package subscription implements the user-facing operations on channels and
// items: subscribing to feeds, browsing items and saving articles.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"pinggy/internal/extractor"
	"pinggy/internal/fetcher"
	"pinggy/internal/model"
	"pinggy/internal/reconcile"
	"pinggy/internal/storage"
)

// MaxURLLength bounds user supplied URLs.
const MaxURLLength = 2000

// DefaultPageLimit is the item page size when none is configured.
const DefaultPageLimit = 50

// Bounds of a channel's fetch interval in minutes.
const (
	MinInterval = 1
	MaxInterval = 7 * 24 * 60
)

var (
	ErrInvalidURL      = errors.New("invalid url")
	ErrAlreadySaved    = errors.New("item already saved")
	ErrNotSaved        = errors.New("item not saved")
	ErrNotSubscribed   = errors.New("channel not subscribed")
	ErrInvalidInterval = errors.New("invalid fetch interval")
)

// Retriever fetches and normalizes a feed.
type Retriever interface {
	Retrieve(ctx context.Context, feedURL string) (*fetcher.Feed, error)
}

// Discoverer finds the feed advertised by a web page.
type Discoverer interface {
	Discover(ctx context.Context, pageURL string) (string, error)
}

// Extractor pulls the article out of a web page.
type Extractor interface {
	Extract(ctx context.Context, articleURL string) (*extractor.Article, error)
}

// Reconciler writes a retrieved feed into storage.
type Reconciler interface {
	Reconcile(ctx context.Context, ch *model.Channel, feed *fetcher.Feed) (reconcile.Stats, error)
}

// Scheduler registers channels for periodic refresh.
type Scheduler interface {
	Schedule(ref model.ChannelRef)
	Unschedule(channelID int64)
}

// Deps are the pipeline components the service drives.
type Deps struct {
	Retriever  Retriever
	Discoverer Discoverer
	Extractor  Extractor
	Reconciler Reconciler
	Scheduler  Scheduler
}

// Service coordinates storage and the ingestion pipeline on behalf of users.
type Service struct {
	store     storage.Storage
	deps      Deps
	log       *slog.Logger
	pageLimit int
	interval  int
	now       func() time.Time
}

// New creates a Service.
func New(store storage.Storage, deps Deps, log *slog.Logger) *Service {
	return &Service{
		store:     store,
		deps:      deps,
		log:       log,
		pageLimit: DefaultPageLimit,
		interval:  model.DefaultFetchIntervalMinutes,
		now:       time.Now,
	}
}

// SetPageLimit changes the default item page size.
func (s *Service) SetPageLimit(n int) {
	if n > 0 {
		s.pageLimit = n
	}
}

// SetDefaultInterval changes the fetch interval given to new channels.
func (s *Service) SetDefaultInterval(minutes int) {
	if minutes > 0 {
		s.interval = minutes
	}
}

// ValidURL checks that raw is an absolute http(s) URL of reasonable length.
func ValidURL(raw string) (string, error) {
	if raw == "" || len(raw) > MaxURLLength {
		return "", ErrInvalidURL
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", ErrInvalidURL
	}
	return u.String(), nil
}

// Subscribe follows the feed at rawURL for the user. When rawURL is a web
// page rather than a feed, the feed it advertises is used instead. The
// channel's current items are stored right away and the channel is scheduled.
func (s *Service) Subscribe(ctx context.Context, userID int64, rawURL string) (*model.Channel, error) {
	feedURL, err := ValidURL(rawURL)
	if err != nil {
		return nil, err
	}

	feed, err := s.deps.Retriever.Retrieve(ctx, feedURL)
	if err != nil {
		discovered, derr := s.deps.Discoverer.Discover(ctx, feedURL)
		if derr != nil {
			s.log.Debug("feed discovery", "url", feedURL, "error", derr)
			return nil, fmt.Errorf("retrieve feed: %w", err)
		}
		feed, err = s.deps.Retriever.Retrieve(ctx, discovered)
		if err != nil {
			return nil, fmt.Errorf("retrieve discovered feed: %w", err)
		}
	}

	ch := feed.Channel
	ch.FetchIntervalMinutes = s.interval
	if _, err := s.store.FindOrCreateChannel(ctx, &ch); err != nil {
		return nil, fmt.Errorf("find or create channel: %w", err)
	}
	created, err := s.store.Subscribe(ctx, userID, ch.ID)
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	if !created {
		return &ch, nil
	}

	stats, err := s.deps.Reconciler.Reconcile(ctx, &ch, feed)
	if err != nil {
		s.log.Error("initial reconcile", "channel_id", ch.ID, "feed_url", ch.FeedURL, "error", err)
	} else {
		s.log.Info("channel subscribed",
			"user_id", userID,
			"channel_id", ch.ID,
			"feed_url", ch.FeedURL,
			"inserted", stats.Inserted,
			"updated", stats.Updated,
		)
	}
	s.deps.Scheduler.Schedule(ch.Ref())
	return &ch, nil
}

// Unsubscribe stops the user following a channel.
func (s *Service) Unsubscribe(ctx context.Context, userID, channelID int64) error {
	ok, err := s.store.IsSubscribed(ctx, userID, channelID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotSubscribed
	}
	if err := s.store.Unsubscribe(ctx, userID, channelID); err != nil {
		return fmt.Errorf("unsubscribe: %w", err)
	}
	return nil
}

// SetInterval changes how often a subscribed channel is polled. The channel is
// rescheduled so the new interval applies from now on.
func (s *Service) SetInterval(ctx context.Context, userID, channelID int64, minutes int) (*model.Channel, error) {
	if minutes < MinInterval || minutes > MaxInterval {
		return nil, ErrInvalidInterval
	}
	ok, err := s.store.IsSubscribed(ctx, userID, channelID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotSubscribed
	}
	if err := s.store.UpdateChannel(ctx, channelID, model.ChannelUpdate{FetchIntervalMinutes: &minutes}); err != nil {
		return nil, fmt.Errorf("update interval: %w", err)
	}
	ch, err := s.store.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	s.deps.Scheduler.Schedule(ch.Ref())
	s.log.Info("fetch interval changed", "user_id", userID, "channel_id", ch.ID, "feed_url", ch.FeedURL, "interval_minutes", minutes)
	return ch, nil
}

// Channels lists the user's channels, most recently active first.
func (s *Service) Channels(ctx context.Context, userID int64) ([]model.Channel, error) {
	return s.store.ListSubscribedChannels(ctx, userID)
}

// Items returns one page of items for q. Browsing a single channel requires
// a subscription to it.
func (s *Service) Items(ctx context.Context, q model.ItemQuery) ([]model.Item, error) {
	if q.Limit <= 0 {
		q.Limit = s.pageLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	if !q.Saved && q.ChannelID != 0 {
		ok, err := s.store.IsSubscribed(ctx, q.UserID, q.ChannelID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrNotSubscribed
		}
	}
	return s.store.ListItems(ctx, q)
}

// SaveItem saves an item for the user and stores the full article behind its
// link. The item keeps its feed content when extraction fails.
func (s *Service) SaveItem(ctx context.Context, userID, itemID int64) (*model.Item, error) {
	item, err := s.store.GetItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if item.IsSavedBy(userID) {
		return item, ErrAlreadySaved
	}

	if item.Link != "" {
		art, err := s.deps.Extractor.Extract(ctx, item.Link)
		switch {
		case err != nil:
			s.log.Warn("extract article", "item_id", item.ID, "link", item.Link, "error", err)
		case art.Readerable:
			c := storage.ItemContent{Content: art.Content, TextContent: art.TextContent}
			if err := s.store.UpdateItemContent(ctx, item.ID, c); err != nil {
				return nil, fmt.Errorf("store article: %w", err)
			}
		}
	}

	if err := s.store.SaveItem(ctx, item.ID, userID, s.now()); err != nil {
		return nil, fmt.Errorf("save item: %w", err)
	}
	return s.store.GetItem(ctx, item.ID)
}

// SaveLink saves an arbitrary web page for the user. A page already stored
// as an item is saved as is; otherwise its article is extracted into a new
// item that belongs to no channel.
func (s *Service) SaveLink(ctx context.Context, userID int64, rawURL string) (*model.Item, error) {
	link, err := ValidURL(rawURL)
	if err != nil {
		return nil, err
	}

	item, err := s.store.GetItemByLink(ctx, link)
	switch {
	case err == nil:
		if item.IsSavedBy(userID) {
			return item, ErrAlreadySaved
		}
	case errors.Is(err, storage.ErrNotFound):
		item = &model.Item{GUID: link, Link: link, Title: link}
		art, err := s.deps.Extractor.Extract(ctx, link)
		if err != nil {
			s.log.Warn("extract article", "link", link, "error", err)
		} else {
			if art.Title != "" {
				item.Title = art.Title
			}
			item.Content = art.Content
			item.TextContent = art.TextContent
		}
		if err := s.store.CreateItem(ctx, item); err != nil {
			return nil, fmt.Errorf("create item: %w", err)
		}
	default:
		return nil, err
	}

	if err := s.store.SaveItem(ctx, item.ID, userID, s.now()); err != nil {
		return nil, fmt.Errorf("save item: %w", err)
	}
	return s.store.GetItem(ctx, item.ID)
}

// UnsaveItem removes the item from the user's saved list.
func (s *Service) UnsaveItem(ctx context.Context, userID, itemID int64) error {
	item, err := s.store.GetItem(ctx, itemID)
	if err != nil {
		return err
	}
	if !item.IsSavedBy(userID) {
		return ErrNotSaved
	}
	return s.store.UnsaveItem(ctx, itemID, userID)
}
