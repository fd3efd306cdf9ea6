package fetcher

import (
	"net/url"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/mmcdole/gofeed/rss"

	"pinggy/internal/model"
	"pinggy/internal/sanitize"
)

func newParser() *gofeed.Parser {
	p := gofeed.NewParser()
	p.RSSTranslator = &rssTranslator{}
	return p
}

// rssTranslator keeps the RSS <comments> link, which the default
// translator drops, in Item.Custom.
type rssTranslator struct {
	gofeed.DefaultRSSTranslator
}

func (t *rssTranslator) Translate(feed interface{}) (*gofeed.Feed, error) {
	out, err := t.DefaultRSSTranslator.Translate(feed)
	if err != nil {
		return nil, err
	}
	src, ok := feed.(*rss.Feed)
	if !ok {
		return out, nil
	}
	for i, it := range src.Items {
		if i >= len(out.Items) || strings.TrimSpace(it.Comments) == "" {
			continue
		}
		if out.Items[i].Custom == nil {
			out.Items[i].Custom = make(map[string]string)
		}
		out.Items[i].Custom["comments"] = strings.TrimSpace(it.Comments)
	}
	return out, nil
}

func normalize(f *gofeed.Feed, feedURL string, p *sanitize.Policy, maxItems, titleLimit int) *Feed {
	ch := model.Channel{
		Title:       sanitize.Text(f.Title),
		Description: sanitize.Text(f.Description),
		Link:        strings.TrimSpace(f.Link),
		FeedURL:     feedURL,
	}
	if ch.Link == "" {
		ch.Link = feedURL
	}
	if self := strings.TrimSpace(f.FeedLink); self != "" {
		ch.FeedURL = resolve(feedURL, self)
	}
	if f.Image != nil {
		ch.ImageURL = strings.TrimSpace(f.Image.URL)
	}

	entries := f.Items
	if len(entries) > maxItems {
		entries = entries[:maxItems]
	}

	out := &Feed{Channel: ch, Items: make([]model.Item, 0, len(entries))}
	for _, e := range entries {
		guid := ItemGUID(e)
		if guid == "" {
			out.Skipped++
			continue
		}
		out.Items = append(out.Items, normalizeItem(e, guid, p, titleLimit))
	}
	return out
}

func normalizeItem(e *gofeed.Item, guid string, p *sanitize.Policy, titleLimit int) model.Item {
	raw := e.Content
	if strings.TrimSpace(raw) == "" {
		raw = e.Description
	}
	link := strings.TrimSpace(e.Link)

	it := model.Item{
		GUID:        guid,
		Link:        link,
		Content:     p.HTML(raw),
		TextContent: sanitize.Text(raw),
		Author:      author(e),
		Comments:    e.Custom["comments"],
		PublishedAt: published(e),
	}

	title := sanitize.Text(e.Title)
	if title == "" {
		title = it.TextContent
	}
	if title == "" {
		title = "Untitled " + link
	}
	it.Title = sanitize.Truncate(strings.TrimSpace(title), titleLimit)
	return it
}

func author(e *gofeed.Item) string {
	for _, a := range e.Authors {
		if a != nil && strings.TrimSpace(a.Name) != "" {
			return strings.TrimSpace(a.Name)
		}
	}
	if e.Author != nil {
		return strings.TrimSpace(e.Author.Name)
	}
	return ""
}

func published(e *gofeed.Item) *time.Time {
	t := e.PublishedParsed
	if t == nil {
		t = e.UpdatedParsed
	}
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

func resolve(base, ref string) string {
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}
