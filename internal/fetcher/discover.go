package fetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ErrNoFeed is returned when a page does not advertise a feed.
var ErrNoFeed = errors.New("no feed link found")

var feedLinkSelectors = []string{
	`link[type="application/rss+xml"]`,
	`link[type="application/atom+xml"]`,
}

// Discoverer finds the feed URL advertised by a web page.
type Discoverer struct {
	client HTTPClient
}

// NewDiscoverer creates a Discoverer with the given HTTP client.
func NewDiscoverer(client HTTPClient) *Discoverer {
	return &Discoverer{client: client}
}

// Discover fetches pageURL and returns the absolute URL of the first RSS
// feed it links to, falling back to the first Atom feed.
func (d *Discoverer) Discover(ctx context.Context, pageURL string) (string, error) {
	body, _, err := Get(ctx, d.client, pageURL)
	if err != nil {
		return "", err
	}
	return FindFeedLink(body, pageURL)
}

// FindFeedLink looks for a feed <link> in an HTML document.
func FindFeedLink(page []byte, pageURL string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return "", fmt.Errorf("parse page: %w", err)
	}
	for _, sel := range feedLinkSelectors {
		var href string
		doc.Find(sel).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			href = strings.TrimSpace(s.AttrOr("href", ""))
			return href == ""
		})
		if href != "" {
			return resolve(pageURL, href), nil
		}
	}
	return "", ErrNoFeed
}
