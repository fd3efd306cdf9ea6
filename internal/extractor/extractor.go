// Package extractor pulls a readable article out of an arbitrary web page.
package extractor

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
	"golang.org/x/net/html/charset"

	"pinggy/internal/fetcher"
	"pinggy/internal/sanitize"
)

// Article is the outcome of an extraction. A page that is not readerable
// yields only a title.
type Article struct {
	Title       string
	Content     string
	TextContent string
	Readerable  bool
}

// Extractor fetches pages and extracts their main article.
type Extractor struct {
	client     fetcher.HTTPClient
	sanitizer  *sanitize.Policy
	titleLimit int
}

// New creates an Extractor with the given HTTP client.
func New(client fetcher.HTTPClient) *Extractor {
	return &Extractor{
		client:     client,
		sanitizer:  sanitize.Default(),
		titleLimit: fetcher.DefaultTitleLimit,
	}
}

// Extract fetches articleURL and extracts its article.
func (e *Extractor) Extract(ctx context.Context, articleURL string) (*Article, error) {
	body, header, err := fetcher.Get(ctx, e.client, articleURL)
	if err != nil {
		return nil, err
	}
	return e.FromHTML(body, header.Get("Content-Type"), articleURL)
}

// FromHTML extracts the article of an already downloaded page.
func (e *Extractor) FromHTML(body []byte, contentType, articleURL string) (*Article, error) {
	r, err := charset.NewReader(bytes.NewReader(body), contentType)
	if err != nil {
		return nil, fmt.Errorf("decode page: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse page: %w", err)
	}

	title := strings.Join(strings.Fields(doc.Find("title").First().Text()), " ")
	if title == "" {
		title = articleURL
	}
	titleOnly := &Article{Title: sanitize.Truncate(title, e.titleLimit)}

	if !readability.CheckDocument(doc.Get(0)) {
		return titleOnly, nil
	}

	pageURL, err := url.Parse(articleURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	art, err := readability.FromDocument(doc.Get(0), pageURL)
	if err != nil || strings.TrimSpace(art.Content) == "" {
		return titleOnly, nil
	}

	a := &Article{
		Title:       strings.Join(strings.Fields(art.Title), " "),
		Content:     e.sanitizer.HTML(art.Content),
		TextContent: strings.Join(strings.Fields(art.TextContent), " "),
		Readerable:  true,
	}
	if a.Title == "" {
		a.Title = title
	}
	a.Title = sanitize.Truncate(a.Title, e.titleLimit)
	return a, nil
}
