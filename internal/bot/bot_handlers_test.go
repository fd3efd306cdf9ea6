package bot

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/go-cmp/cmp"

	"pinggy/internal/config"
	"pinggy/internal/extractor"
	"pinggy/internal/fetcher"
	"pinggy/internal/metrics"
	"pinggy/internal/model"
	"pinggy/internal/reconcile"
	"pinggy/internal/storage"
	"pinggy/internal/subscription"
)

// --- mocks ---

type sentMsg struct {
	ChatID int64
	Text   string
}

type mockAPI struct {
	mu   sync.Mutex
	sent []sentMsg
}

func (m *mockAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		m.mu.Lock()
		m.sent = append(m.sent, sentMsg{ChatID: msg.ChatID, Text: msg.Text})
		m.mu.Unlock()
	}
	return tgbotapi.Message{}, nil
}

func (m *mockAPI) GetUpdatesChan(_ tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return make(tgbotapi.UpdatesChannel)
}

func (m *mockAPI) StopReceivingUpdates() {}

func (m *mockAPI) lastText() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return ""
	}
	return m.sent[len(m.sent)-1].Text
}

func (m *mockAPI) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

type routeHTTP struct {
	routes map[string]string
}

func (r *routeHTTP) Do(req *http.Request) (*http.Response, error) {
	body, ok := r.routes[req.URL.String()]
	status := http.StatusOK
	if !ok {
		status = http.StatusNotFound
	}
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"text/html; charset=utf-8"}},
		Body:       io.NopCloser(bytes.NewBufferString(body)),
	}, nil
}

type nopScheduler struct{}

func (nopScheduler) Schedule(model.ChannelRef) {}
func (nopScheduler) Unschedule(int64)          {}

// --- helpers ---

const feedURL = "https://devops.example.com/rss"

func newTestBot(t *testing.T, cfg *config.Config) (*Bot, *mockAPI, *storage.SQLite) {
	t.Helper()
	store, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	sample, err := os.ReadFile("../../testdata/sample.xml")
	if err != nil {
		t.Fatalf("read sample xml: %v", err)
	}
	article, err := os.ReadFile("../../testdata/article.html")
	if err != nil {
		t.Fatalf("read article: %v", err)
	}
	client := &routeHTTP{routes: map[string]string{
		feedURL:                              string(sample),
		"https://devops.example.com/k8s-130": string(article),
	}}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	retriever := fetcher.New(client)
	svc := subscription.New(store, subscription.Deps{
		Retriever:  retriever,
		Discoverer: fetcher.NewDiscoverer(client),
		Extractor:  extractor.New(client),
		Reconciler: reconcile.New(store, retriever, metrics.Discard(), log),
		Scheduler:  nopScheduler{},
	}, log)

	if cfg == nil {
		cfg = &config.Config{}
	}
	api := &mockAPI{}
	b := &Bot{
		api:   api,
		store: store,
		svc:   svc,
		cfg:   cfg,
		log:   log,
	}
	return b, api, store
}

func command(chatID int64, text string) tgbotapi.Update {
	name := strings.Fields(text)[0]
	return tgbotapi.Update{Message: &tgbotapi.Message{
		Text:     text,
		Chat:     &tgbotapi.Chat{ID: chatID},
		From:     &tgbotapi.User{ID: chatID, UserName: "ann"},
		Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(name)}},
	}}
}

func run(b *Bot, chatID int64, text string) {
	b.handleUpdate(context.Background(), command(chatID, text))
}

func requireContains(t *testing.T, got, want string) {
	t.Helper()
	if !strings.Contains(got, want) {
		t.Errorf("reply missing %q, got:\n%s", want, got)
	}
}

// --- handler tests ---

func TestHandleStart(t *testing.T) {
	b, api, _ := newTestBot(t, nil)
	run(b, 100, "/start")
	requireContains(t, api.lastText(), "Welcome to Pinggy")
}

func TestHandleHelp(t *testing.T) {
	b, api, _ := newTestBot(t, nil)
	run(b, 100, "/help")
	requireContains(t, api.lastText(), "/subscribe")
	requireContains(t, api.lastText(), "/saved")
}

func TestUnknownCommand(t *testing.T) {
	b, api, _ := newTestBot(t, nil)
	run(b, 100, "/frobnicate")
	requireContains(t, api.lastText(), "Unknown command")
}

func TestAccessDenied(t *testing.T) {
	b, api, _ := newTestBot(t, &config.Config{AllowedUsers: []int64{1}})
	run(b, 100, "/list")
	if diff := cmp.Diff("Access denied.", api.lastText()); diff != "" {
		t.Errorf("reply mismatch (-want +got):\n%s", diff)
	}
}

func TestIgnoresPlainMessages(t *testing.T) {
	b, api, _ := newTestBot(t, nil)
	b.handleUpdate(context.Background(), tgbotapi.Update{Message: &tgbotapi.Message{
		Text: "hello", Chat: &tgbotapi.Chat{ID: 100}, From: &tgbotapi.User{ID: 100},
	}})
	if n := api.count(); n != 0 {
		t.Errorf("sent %d replies to a plain message", n)
	}
}

func TestHandleSubscribe(t *testing.T) {
	t.Run("empty args", func(t *testing.T) {
		b, api, _ := newTestBot(t, nil)
		run(b, 100, "/subscribe")
		requireContains(t, api.lastText(), "Usage: /subscribe")
	})

	t.Run("invalid url", func(t *testing.T) {
		b, api, _ := newTestBot(t, nil)
		run(b, 100, "/subscribe devops.example.com")
		requireContains(t, api.lastText(), "valid http(s) URL")
	})

	t.Run("unreachable", func(t *testing.T) {
		b, api, _ := newTestBot(t, nil)
		run(b, 100, "/subscribe https://down.example/rss")
		requireContains(t, api.lastText(), "Could not subscribe")
	})

	t.Run("success", func(t *testing.T) {
		b, api, _ := newTestBot(t, nil)
		run(b, 100, "/subscribe "+feedURL)
		requireContains(t, api.lastText(), "Subscribed to #1 DevOps Weekly")

		run(b, 100, "/list")
		requireContains(t, api.lastText(), "#1 DevOps Weekly")
	})
}

func TestHandleList(t *testing.T) {
	b, api, _ := newTestBot(t, nil)
	run(b, 100, "/list")
	requireContains(t, api.lastText(), "no subscriptions yet")
}

func TestHandleItems(t *testing.T) {
	b, api, _ := newTestBot(t, nil)
	run(b, 100, "/subscribe "+feedURL)

	run(b, 100, "/items")
	reply := api.lastText()
	requireContains(t, reply, "Latest items")
	requireContains(t, reply, "Kubernetes 1.30 released")
	requireContains(t, reply, "https://devops.example.com/bare")

	run(b, 100, "/items 1")
	requireContains(t, api.lastText(), "Latest items of #1")

	run(b, 100, "/items 99")
	requireContains(t, api.lastText(), "not subscribed to channel #99")

	run(b, 100, "/items abc")
	requireContains(t, api.lastText(), "Usage: /items")

	run(b, 200, "/items")
	requireContains(t, api.lastText(), "Nothing here yet")
}

func TestHandleItemsPaging(t *testing.T) {
	b, api, _ := newTestBot(t, &config.Config{PageLimit: 2})
	run(b, 100, "/subscribe "+feedURL)

	run(b, 100, "/items")
	requireContains(t, api.lastText(), "More: /items 0 2")

	run(b, 100, "/items 0 2")
	requireContains(t, api.lastText(), "(page 2)")
}

func TestHandleSearch(t *testing.T) {
	b, api, _ := newTestBot(t, nil)
	run(b, 100, "/subscribe "+feedURL)

	run(b, 100, "/search TERRAFORM")
	reply := api.lastText()
	requireContains(t, reply, `Results for "TERRAFORM"`)
	requireContains(t, reply, "https://devops.example.com/untitled-snippet")
	if strings.Contains(reply, "k8s-130") {
		t.Errorf("search matched unrelated item:\n%s", reply)
	}

	run(b, 100, "/search")
	requireContains(t, api.lastText(), "Usage: /search")
}

func TestSaveFlow(t *testing.T) {
	ctx := context.Background()
	b, api, store := newTestBot(t, nil)
	run(b, 100, "/subscribe "+feedURL)

	item, err := store.GetItemByLink(ctx, "https://devops.example.com/k8s-130")
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	id := item.ID

	run(b, 100, "/save "+itoa(id))
	requireContains(t, api.lastText(), "Saved #"+itoa(id)+" Kubernetes 1.30 released")
	requireContains(t, api.lastText(), "Read replicas are the first tool")

	run(b, 100, "/save "+itoa(id))
	requireContains(t, api.lastText(), "already saved")

	run(b, 100, "/save https://down.example/post")
	requireContains(t, api.lastText(), "Saved #")

	run(b, 100, "/saved")
	requireContains(t, api.lastText(), "Kubernetes 1.30 released [saved]")
	requireContains(t, api.lastText(), "https://down.example/post")

	run(b, 100, "/unsave "+itoa(id))
	requireContains(t, api.lastText(), "Removed #"+itoa(id))

	run(b, 100, "/unsave "+itoa(id))
	requireContains(t, api.lastText(), "not in your saved items")

	run(b, 100, "/save 9999")
	requireContains(t, api.lastText(), "Not found.")

	run(b, 100, "/save")
	requireContains(t, api.lastText(), "Usage: /save")
}

func TestHandleUnsubscribe(t *testing.T) {
	b, api, _ := newTestBot(t, nil)
	run(b, 100, "/subscribe "+feedURL)

	run(b, 100, "/unsubscribe 1")
	requireContains(t, api.lastText(), "Unsubscribed from channel #1")

	run(b, 100, "/unsubscribe 1")
	requireContains(t, api.lastText(), "not subscribed to channel #1")

	run(b, 100, "/unsubscribe")
	requireContains(t, api.lastText(), "Usage: /unsubscribe")
}

func TestHandleInterval(t *testing.T) {
	ctx := context.Background()
	b, api, store := newTestBot(t, nil)
	run(b, 100, "/subscribe "+feedURL)

	run(b, 100, "/interval 1 15")
	requireContains(t, api.lastText(), "Channel #1 DevOps Weekly is now fetched every 15 min.")
	ch, err := store.GetChannel(ctx, 1)
	if err != nil {
		t.Fatalf("get channel: %v", err)
	}
	if ch.FetchIntervalMinutes != 15 {
		t.Errorf("stored interval = %d, want 15", ch.FetchIntervalMinutes)
	}

	run(b, 100, "/interval 1 0")
	requireContains(t, api.lastText(), "between 1 and 10080 minutes")

	run(b, 100, "/interval 7 30")
	requireContains(t, api.lastText(), "not subscribed to channel #7")

	run(b, 100, "/interval 1")
	requireContains(t, api.lastText(), "Usage: /interval")
}

func TestHandleCallback(t *testing.T) {
	b, api, _ := newTestBot(t, nil)
	run(b, 100, "/subscribe "+feedURL)

	callback := func(data string) {
		b.handleUpdate(context.Background(), tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
			ID:      "cb",
			From:    &tgbotapi.User{ID: 100, UserName: "ann"},
			Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: 100}},
			Data:    data,
		}})
	}

	callback("items:1")
	requireContains(t, api.lastText(), "Latest items of #1")

	callback("unsub_confirm:1")
	requireContains(t, api.lastText(), "Unsubscribe from channel #1?")

	before := api.count()
	callback("noop:0")
	callback("garbage")
	if n := api.count(); n != before {
		t.Errorf("noop callbacks sent %d messages", n-before)
	}

	callback("unsub:1")
	requireContains(t, api.lastText(), "Unsubscribed from channel #1")
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
