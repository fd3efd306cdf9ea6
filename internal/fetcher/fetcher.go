// Package fetcher downloads feeds and web pages, normalizes feed documents,
// and discovers feed URLs advertised by web pages.
package fetcher

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/mmcdole/gofeed"

	"pinggy/internal/model"
	"pinggy/internal/sanitize"
)

// Version is reported in the User-Agent header.
var Version = "1.0.0"

// Limits applied to every retrieved feed.
const (
	DefaultMaxItems   = 100
	DefaultTitleLimit = 160
	MaxBodyBytes      = 5 * 1024 * 1024
)

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// UserAgent returns the User-Agent sent with every request.
func UserAgent() string {
	return "Pinggy.com/" + Version
}

// Feed is a retrieved feed document normalized for reconciliation.
type Feed struct {
	Channel model.Channel
	Items   []model.Item
	// Skipped counts entries dropped for lacking any usable identifier.
	Skipped int
}

// Retriever downloads and parses RSS and Atom feeds.
type Retriever struct {
	client     HTTPClient
	sanitizer  *sanitize.Policy
	maxItems   int
	titleLimit int
}

// New creates a Retriever with the given HTTP client.
func New(client HTTPClient) *Retriever {
	return &Retriever{
		client:     client,
		sanitizer:  sanitize.Default(),
		maxItems:   DefaultMaxItems,
		titleLimit: DefaultTitleLimit,
	}
}

// SetMaxItems changes how many entries of a feed are kept.
func (r *Retriever) SetMaxItems(n int) {
	if n > 0 {
		r.maxItems = n
	}
}

// Retrieve downloads the feed at feedURL and normalizes it. Failures are
// returned as *Error so callers can tell network, parse and empty-feed
// problems apart.
func (r *Retriever) Retrieve(ctx context.Context, feedURL string) (*Feed, error) {
	body, _, err := Get(ctx, r.client, feedURL)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, &Error{Kind: KindEmpty, URL: feedURL, Err: errEmptyBody}
	}

	parsed, err := newParser().ParseString(string(body))
	if err != nil {
		return nil, &Error{Kind: KindParse, URL: feedURL, Err: fmt.Errorf("parse feed: %w", err)}
	}
	return normalize(parsed, feedURL, r.sanitizer, r.maxItems, r.titleLimit), nil
}

// Get performs a GET request and returns at most MaxBodyBytes of the body.
func Get(ctx context.Context, client HTTPClient, url string) ([]byte, http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, &Error{Kind: KindNetwork, URL: url, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("User-Agent", UserAgent())

	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, &Error{Kind: KindNetwork, URL: url, Err: fmt.Errorf("http get: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, nil, &Error{Kind: KindStatus, URL: url, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodyBytes))
	if err != nil {
		return nil, nil, &Error{Kind: KindNetwork, URL: url, Err: fmt.Errorf("read body: %w", err)}
	}
	return body, resp.Header, nil
}

// ItemGUID returns the upsert key of an entry: its guid or id, else its link.
// An empty result means the entry cannot be reconciled.
func ItemGUID(item *gofeed.Item) string {
	if g := strings.TrimSpace(item.GUID); g != "" {
		return g
	}
	return strings.TrimSpace(item.Link)
}
