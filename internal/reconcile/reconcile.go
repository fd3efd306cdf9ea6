// Package reconcile merges freshly retrieved feeds into stored channels and items.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"pinggy/internal/fetcher"
	"pinggy/internal/metrics"
	"pinggy/internal/model"
	"pinggy/internal/storage"
)

const defaultConcurrency = 8

// Retriever fetches and normalizes a feed.
type Retriever interface {
	Retrieve(ctx context.Context, feedURL string) (*fetcher.Feed, error)
}

// Stats summarizes one reconciliation.
type Stats struct {
	Inserted int
	Updated  int
	Failed   int
}

// Reconciler applies retrieved feeds to storage.
type Reconciler struct {
	store       storage.Storage
	retriever   Retriever
	metrics     *metrics.Metrics
	log         *slog.Logger
	now         func() time.Time
	concurrency int
}

// New creates a Reconciler.
func New(store storage.Storage, retriever Retriever, m *metrics.Metrics, log *slog.Logger) *Reconciler {
	return &Reconciler{
		store:       store,
		retriever:   retriever,
		metrics:     m,
		log:         log,
		now:         time.Now,
		concurrency: defaultConcurrency,
	}
}

// SetClock replaces the time source used for fetch and update stamps.
func (r *Reconciler) SetClock(now func() time.Time) {
	r.now = now
}

// Refresh runs one fetch cycle for a channel: load it, retrieve its feed and
// reconcile the result. It returns the channel as stored after the cycle.
// A failure affects only this channel.
func (r *Reconciler) Refresh(ctx context.Context, channelID int64) (*model.Channel, error) {
	start := time.Now()
	ch, err := r.store.GetChannel(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("load channel %d: %w", channelID, err)
	}

	feed, err := r.retriever.Retrieve(ctx, ch.FeedURL)
	if err != nil {
		r.metrics.ObserveCycle(start, err)
		r.log.Warn("retrieve feed",
			"channel_id", ch.ID,
			"feed_url", ch.FeedURL,
			"kind", fetcher.KindOf(err),
			"error", err,
		)
		return ch, fmt.Errorf("retrieve feed: %w", err)
	}

	stats, err := r.Reconcile(ctx, ch, feed)
	r.metrics.ObserveCycle(start, err)
	if err != nil {
		return ch, err
	}

	r.log.Info("channel refreshed",
		"channel_id", ch.ID,
		"feed_url", ch.FeedURL,
		"inserted", stats.Inserted,
		"updated", stats.Updated,
		"failed", stats.Failed,
		"skipped", feed.Skipped,
	)
	return ch, nil
}

// Reconcile writes feed into storage for the stored channel ch. The channel
// update and the item upserts run concurrently; a failing item is logged and
// counted without stopping the others, while a failing channel update fails
// the whole call. On success ch reflects the applied update.
func (r *Reconciler) Reconcile(ctx context.Context, ch *model.Channel, feed *fetcher.Feed) (Stats, error) {
	now := r.now().UTC()
	upd := ChannelChanges(ch, feed.Channel, feed.Items, now)

	var inserted, updated, failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(r.concurrency)

	g.Go(func() error {
		return r.updateChannel(ctx, ch, upd)
	})

	for _, it := range firstByGUID(feed.Items) {
		item := it
		item.LastUpdatedAt = now
		g.Go(func() error {
			created, err := r.store.UpsertItem(ctx, ch.ID, &item)
			switch {
			case err != nil:
				failed.Add(1)
				r.metrics.ItemsUpserted.WithLabelValues(metrics.ItemFailed).Inc()
				r.log.Error("upsert item",
					"channel_id", ch.ID,
					"feed_url", ch.FeedURL,
					"guid", item.GUID,
					"error", err,
				)
			case created:
				inserted.Add(1)
				r.metrics.ItemsUpserted.WithLabelValues(metrics.ItemInserted).Inc()
			default:
				updated.Add(1)
				r.metrics.ItemsUpserted.WithLabelValues(metrics.ItemUpdated).Inc()
			}
			return nil
		})
	}

	err := g.Wait()
	stats := Stats{Inserted: int(inserted.Load()), Updated: int(updated.Load()), Failed: int(failed.Load())}
	if err != nil {
		return stats, err
	}
	Apply(ch, upd)
	return stats, nil
}

// firstByGUID drops entries whose guid already appeared earlier in the batch.
func firstByGUID(items []model.Item) []model.Item {
	seen := make(map[string]struct{}, len(items))
	out := make([]model.Item, 0, len(items))
	for _, it := range items {
		if _, ok := seen[it.GUID]; ok {
			continue
		}
		seen[it.GUID] = struct{}{}
		out = append(out, it)
	}
	return out
}

func (r *Reconciler) updateChannel(ctx context.Context, ch *model.Channel, upd model.ChannelUpdate) error {
	err := r.store.UpdateChannel(ctx, ch.ID, upd)
	if err != nil && upd.Link != nil {
		// The new link may belong to another channel; keep the old one.
		r.log.Warn("update channel link",
			"channel_id", ch.ID,
			"feed_url", ch.FeedURL,
			"link", *upd.Link,
			"error", err,
		)
		upd.Link = nil
		err = r.store.UpdateChannel(ctx, ch.ID, upd)
	}
	if err != nil {
		r.log.Error("update channel", "channel_id", ch.ID, "feed_url", ch.FeedURL, "error", err)
		return fmt.Errorf("update channel %d: %w", ch.ID, err)
	}
	return nil
}

// ChannelChanges computes the update for a stored channel after a successful
// retrieval: the fetch time, the newest item's publish time, and any metadata
// that is non-empty and different from what is stored.
func ChannelChanges(stored *model.Channel, fresh model.Channel, items []model.Item, now time.Time) model.ChannelUpdate {
	upd := model.ChannelUpdate{LastFetchedAt: &now}
	if len(items) > 0 && items[0].PublishedAt != nil {
		latest := *items[0].PublishedAt
		upd.LatestItemAt = &latest
	}
	upd.Title = changed(stored.Title, fresh.Title)
	upd.Description = changed(stored.Description, fresh.Description)
	upd.ImageURL = changed(stored.ImageURL, fresh.ImageURL)
	upd.Link = changed(stored.Link, fresh.Link)
	return upd
}

func changed(stored, fresh string) *string {
	if fresh == "" || fresh == stored {
		return nil
	}
	return &fresh
}

// Apply copies the set fields of upd onto ch.
func Apply(ch *model.Channel, upd model.ChannelUpdate) {
	if upd.Link != nil {
		ch.Link = *upd.Link
	}
	if upd.Title != nil {
		ch.Title = *upd.Title
	}
	if upd.Description != nil {
		ch.Description = *upd.Description
	}
	if upd.ImageURL != nil {
		ch.ImageURL = *upd.ImageURL
	}
	if upd.FetchIntervalMinutes != nil {
		ch.FetchIntervalMinutes = *upd.FetchIntervalMinutes
	}
	if upd.LastFetchedAt != nil {
		t := *upd.LastFetchedAt
		ch.LastFetchedAt = &t
	}
	if upd.LatestItemAt != nil {
		t := *upd.LatestItemAt
		ch.LatestItemAt = &t
	}
}
