// Package model defines the domain types used across the application.
package model

import "time"

// DefaultFetchIntervalMinutes is the polling interval of a channel that has none configured.
const DefaultFetchIntervalMinutes = 60

// Channel is a feed source identified by its site link.
type Channel struct {
	ID                   int64
	Link                 string
	FeedURL              string
	Title                string
	Description          string
	ImageURL             string
	FetchIntervalMinutes int
	CreatedAt            time.Time
	LastFetchedAt        *time.Time
	LatestItemAt         *time.Time
}

// Ref returns the transient reference the scheduler keeps for the channel.
func (c *Channel) Ref() ChannelRef {
	return ChannelRef{ID: c.ID, FeedURL: c.FeedURL, IntervalMinutes: c.FetchIntervalMinutes}
}

// ChannelRef identifies a channel to poll without carrying any stored state.
type ChannelRef struct {
	ID              int64
	FeedURL         string
	IntervalMinutes int
}

// ChannelUpdate lists the channel fields to change. Nil fields are left as stored.
type ChannelUpdate struct {
	Link                 *string
	Title                *string
	Description          *string
	ImageURL             *string
	FetchIntervalMinutes *int
	LastFetchedAt        *time.Time
	LatestItemAt         *time.Time
}

// Item is a single entry ingested from a channel, or saved directly from a link.
type Item struct {
	ID            int64
	GUID          string
	ChannelID     *int64
	Title         string
	Link          string
	Content       string
	TextContent   string
	Author        string
	Comments      string
	PublishedAt   *time.Time
	LastUpdatedAt time.Time
	Archived      bool
	SavedBy       []int64
	SavedAt       *time.Time
	CreatedAt     time.Time
}

// IsSavedBy reports whether userID is among the users who saved the item.
func (i *Item) IsSavedBy(userID int64) bool {
	for _, id := range i.SavedBy {
		if id == userID {
			return true
		}
	}
	return false
}

// User owns subscriptions and saved items.
type User struct {
	ID             int64
	TelegramChatID *int64
	Name           string
	CreatedAt      time.Time
}

// ItemQuery selects items for a user's listing.
type ItemQuery struct {
	UserID    int64
	ChannelID int64
	Saved     bool
	Search    string
	Offset    int
	Limit     int
}
