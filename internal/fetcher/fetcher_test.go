package fetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/mmcdole/gofeed"

	"pinggy/internal/model"
)

type mockTransport struct {
	body       string
	statusCode int
	err        error
	lastReq    *http.Request
}

func (m *mockTransport) Do(req *http.Request) (*http.Response, error) {
	m.lastReq = req
	if m.err != nil {
		return nil, m.err
	}
	return &http.Response{
		StatusCode: m.statusCode,
		Header:     http.Header{},
		Body:       io.NopCloser(bytes.NewBufferString(m.body)),
	}, nil
}

func loadFixture(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path) //nolint:gosec // test-only fixture loading
	if err != nil {
		t.Fatalf("read fixture %s: %v", path, err)
	}
	return string(data)
}

func date(s string) *time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return &t
}

func TestRetrieveRSS(t *testing.T) {
	transport := &mockTransport{body: loadFixture(t, "../../testdata/sample.xml"), statusCode: 200}
	r := New(transport)

	got, err := r.Retrieve(context.Background(), "https://devops.example.com/rss")
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}

	if ua := transport.lastReq.Header.Get("User-Agent"); ua != "Pinggy.com/"+Version {
		t.Errorf("User-Agent = %q", ua)
	}

	want := &Feed{
		Channel: model.Channel{
			Title:       "DevOps Weekly",
			Description: "Notes on operations and delivery",
			Link:        "https://devops.example.com",
			FeedURL:     "https://devops.example.com/feed.xml",
			ImageURL:    "https://devops.example.com/logo.png",
		},
		Items: []model.Item{
			{
				GUID:        "dw-105",
				Title:       "Kubernetes 1.30 released",
				Link:        "https://devops.example.com/k8s-130",
				Content:     "<p>Full <b>release</b> notes.</p><p>More.</p>",
				TextContent: "Full release notes. More.",
				Author:      "Jane Ops",
				Comments:    "https://devops.example.com/k8s-130#comments",
				PublishedAt: date("2024-01-01T10:00:00Z"),
			},
			{
				GUID:        "dw-104",
				Title:       "Terraform state tips for large teams.",
				Link:        "https://devops.example.com/untitled-snippet",
				Content:     "<p>Terraform state tips for large teams.</p>",
				TextContent: "Terraform state tips for large teams.",
				PublishedAt: date("2023-12-31T09:00:00Z"),
			},
			{
				GUID:        "https://devops.example.com/link-only",
				Title:       "Identified by link only.",
				Link:        "https://devops.example.com/link-only",
				Content:     "Identified by link only.",
				TextContent: "Identified by link only.",
			},
			{
				GUID:  "dw-101",
				Title: "Untitled https://devops.example.com/bare",
				Link:  "https://devops.example.com/bare",
			},
		},
		Skipped: 1,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Retrieve mismatch (-want +got):\n%s", diff)
	}
}

func TestRetrieveAtom(t *testing.T) {
	r := New(&mockTransport{body: loadFixture(t, "../../testdata/atom.xml"), statusCode: 200})

	got, err := r.Retrieve(context.Background(), "https://atom.example.org/feed")
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}

	want := &Feed{
		Channel: model.Channel{
			Title:       "Atom Example",
			Description: "An Atom feed",
			Link:        "https://atom.example.org/",
			FeedURL:     "https://atom.example.org/feed",
		},
		Items: []model.Item{
			{
				GUID:        "urn:uuid:1225c695-cfb8-4ebb-aaaa-80da344efa6a",
				Title:       "Atom entry",
				Link:        "https://atom.example.org/2024/02/entry",
				Content:     "<p>Full <em>content</em></p>",
				TextContent: "Full content",
				Author:      "Ann Author",
				PublishedAt: date("2024-02-01T12:00:00Z"),
			},
			{
				GUID:        "urn:uuid:2225c695-cfb8-4ebb-aaaa-80da344efa6a",
				Title:       "Only updated",
				Link:        "https://atom.example.org/2024/02/updated",
				Content:     "Summary only.",
				TextContent: "Summary only.",
				PublishedAt: date("2024-02-03T08:00:00Z"),
			},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Retrieve mismatch (-want +got):\n%s", diff)
	}
}

func rssWithItems(n int) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0"?><rss version="2.0"><channel><title>Big</title><link>https://big.example</link>`)
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, `<item><title>Item %d</title><guid>g%d</guid></item>`, i, i)
	}
	b.WriteString(`</channel></rss>`)
	return b.String()
}

func TestRetrieveItemCap(t *testing.T) {
	tests := []struct {
		entries   int
		wantItems int
	}{
		{entries: 0, wantItems: 0},
		{entries: 7, wantItems: 7},
		{entries: 100, wantItems: 100},
		{entries: 150, wantItems: 100},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d entries", tt.entries), func(t *testing.T) {
			r := New(&mockTransport{body: rssWithItems(tt.entries), statusCode: 200})
			got, err := r.Retrieve(context.Background(), "https://big.example/rss")
			if err != nil {
				t.Fatalf("retrieve: %v", err)
			}
			if len(got.Items) != tt.wantItems {
				t.Fatalf("got %d items, want %d", len(got.Items), tt.wantItems)
			}
			for i, it := range got.Items {
				if want := fmt.Sprintf("g%d", i); it.GUID != want {
					t.Fatalf("item %d guid = %q, want %q (feed order)", i, it.GUID, want)
				}
			}
		})
	}
}

func TestRetrieveTitleTruncated(t *testing.T) {
	long := strings.Repeat("é", 200)
	body := `<rss version="2.0"><channel><title>T</title><item><guid>1</guid><title>` + long + `</title></item></channel></rss>`
	r := New(&mockTransport{body: body, statusCode: 200})

	got, err := r.Retrieve(context.Background(), "https://t.example/rss")
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if n := len([]rune(got.Items[0].Title)); n != DefaultTitleLimit {
		t.Errorf("title has %d runes, want %d", n, DefaultTitleLimit)
	}
}

func TestRetrieveFailures(t *testing.T) {
	tests := []struct {
		name      string
		transport *mockTransport
		wantKind  Kind
	}{
		{
			name:      "network error",
			transport: &mockTransport{err: errors.New("connection refused")},
			wantKind:  KindNetwork,
		},
		{
			name:      "http error status",
			transport: &mockTransport{body: "oops", statusCode: 503},
			wantKind:  KindStatus,
		},
		{
			name:      "not a feed",
			transport: &mockTransport{body: "<html><body>hello</body></html>", statusCode: 200},
			wantKind:  KindParse,
		},
		{
			name:      "malformed xml",
			transport: &mockTransport{body: `<rss version="2.0"><channel><item><title>x</ti`, statusCode: 200},
			wantKind:  KindParse,
		},
		{
			name:      "empty body",
			transport: &mockTransport{body: "  \n", statusCode: 200},
			wantKind:  KindEmpty,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(tt.transport)
			feed, err := r.Retrieve(context.Background(), "https://example.com/rss")
			if err == nil {
				t.Fatalf("expected error, got feed %+v", feed)
			}
			var fe *Error
			if !errors.As(err, &fe) {
				t.Fatalf("error %v is not *Error", err)
			}
			if fe.Kind != tt.wantKind || KindOf(err) != tt.wantKind {
				t.Errorf("kind = %q, want %q", fe.Kind, tt.wantKind)
			}
			if fe.URL != "https://example.com/rss" {
				t.Errorf("url = %q", fe.URL)
			}
		})
	}
}

func TestItemGUID(t *testing.T) {
	tests := []struct {
		name string
		item gofeed.Item
		want string
	}{
		{name: "guid", item: gofeed.Item{GUID: "abc", Link: "https://x"}, want: "abc"},
		{name: "link fallback", item: gofeed.Item{Link: " https://x/1 "}, want: "https://x/1"},
		{name: "nothing", item: gofeed.Item{Title: "t"}, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ItemGUID(&tt.item); got != tt.want {
				t.Errorf("ItemGUID = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestKindOf(t *testing.T) {
	if k := KindOf(errors.New("plain")); k != "" {
		t.Errorf("KindOf(plain) = %q", k)
	}
	wrapped := fmt.Errorf("refresh: %w", &Error{Kind: KindParse, URL: "u", Err: errors.New("bad")})
	if k := KindOf(wrapped); k != KindParse {
		t.Errorf("KindOf(wrapped) = %q, want %q", k, KindParse)
	}
}
