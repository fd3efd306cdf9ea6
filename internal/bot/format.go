package bot

import (
	"fmt"
	"strings"

	"pinggy/internal/model"
	"pinggy/internal/sanitize"
)

// Telegram rejects longer messages.
const maxMessageLen = 4096

const (
	listTitleLimit  = 120
	overflowReserve = 32
)

// FormatChannelList formats the user's subscriptions for display.
func FormatChannelList(channels []model.Channel) string {
	if len(channels) == 0 {
		return "You have no subscriptions yet. Use /subscribe <url> to add one."
	}
	var b strings.Builder
	b.WriteString("Your channels:\n")
	for _, ch := range channels {
		fmt.Fprintf(&b, "\n#%d %s  (every %d min)\n", ch.ID, channelName(&ch), ch.FetchIntervalMinutes)
		fmt.Fprintf(&b, "   %s\n", ch.FeedURL)
		if ch.LatestItemAt != nil {
			fmt.Fprintf(&b, "   latest item: %s\n", ch.LatestItemAt.UTC().Format("2006-01-02 15:04 UTC"))
		}
	}
	return b.String()
}

// FormatSubscribed confirms a subscription.
func FormatSubscribed(ch *model.Channel) string {
	return fmt.Sprintf("Subscribed to #%d %s\nFeed: %s\nUse /items %d to browse it.",
		ch.ID, channelName(ch), ch.FeedURL, ch.ID)
}

// FormatItemList formats one page of items. Entries that would overflow a
// Telegram message are left out and reported in the footer.
func FormatItemList(header string, items []model.Item, userID int64, next string) string {
	if len(items) == 0 {
		return header + "\n\nNothing here yet."
	}
	var b strings.Builder
	b.WriteString(header)
	b.WriteString("\n")

	footer := ""
	if next != "" {
		footer = "\nMore: " + next
	}
	for i, it := range items {
		entry := formatItemLine(&it, userID)
		if b.Len()+len(entry)+len(footer)+overflowReserve > maxMessageLen {
			fmt.Fprintf(&b, "\n(%d more not shown)", len(items)-i)
			break
		}
		b.WriteString(entry)
	}
	b.WriteString(footer)
	return b.String()
}

func formatItemLine(it *model.Item, userID int64) string {
	var b strings.Builder
	mark := ""
	if it.IsSavedBy(userID) {
		mark = " [saved]"
	}
	fmt.Fprintf(&b, "\n#%d %s%s\n", it.ID, sanitize.Truncate(it.Title, listTitleLimit), mark)
	var meta []string
	if it.Author != "" {
		meta = append(meta, it.Author)
	}
	if it.PublishedAt != nil {
		meta = append(meta, it.PublishedAt.UTC().Format("2006-01-02"))
	}
	if len(meta) > 0 {
		fmt.Fprintf(&b, "   %s\n", strings.Join(meta, ", "))
	}
	if it.Link != "" {
		fmt.Fprintf(&b, "   %s\n", it.Link)
	}
	return b.String()
}

// FormatSaved confirms a save.
func FormatSaved(it *model.Item) string {
	s := fmt.Sprintf("Saved #%d %s", it.ID, sanitize.Truncate(it.Title, listTitleLimit))
	if it.TextContent != "" {
		s += "\n\n" + sanitize.Truncate(it.TextContent, 300)
	}
	return s
}

func channelName(ch *model.Channel) string {
	if ch.Title != "" {
		return ch.Title
	}
	return ch.Link
}
