package archiver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"pinggy/internal/metrics"
	"pinggy/internal/model"
	"pinggy/internal/storage"
)

const day = 24 * time.Hour

type failingStore struct {
	storage.Storage
	archiveErr error
	deleteErr  error
	deletes    int
}

func (f *failingStore) MarkItemsArchivedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if f.archiveErr != nil {
		return 0, f.archiveErr
	}
	return f.Storage.MarkItemsArchivedBefore(ctx, cutoff)
}

func (f *failingStore) DeleteArchivedUnsavedItems(ctx context.Context) (int64, error) {
	f.deletes++
	if f.deleteErr != nil {
		return 0, f.deleteErr
	}
	return f.Storage.DeleteArchivedUnsavedItems(ctx)
}

func newTestStore(t *testing.T) *storage.SQLite {
	t.Helper()
	s, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestArchiver(store storage.Storage, now time.Time) (*Archiver, *metrics.Metrics) {
	m := metrics.Discard()
	a := New(store, m, slog.New(slog.NewTextHandler(io.Discard, nil)))
	a.now = func() time.Time { return now }
	return a, m
}

type seeded struct {
	stale, staleSaved, fresh int64
}

func seed(t *testing.T, s storage.Storage, now time.Time) seeded {
	t.Helper()
	ctx := context.Background()
	ch := &model.Channel{Link: "https://a.example", FeedURL: "https://a.example/rss"}
	if _, err := s.FindOrCreateChannel(ctx, ch); err != nil {
		t.Fatalf("seed channel: %v", err)
	}
	u := &model.User{Name: "ann"}
	if err := s.CreateUser(ctx, u); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	put := func(guid string, updated time.Time) int64 {
		it := &model.Item{GUID: guid, Title: guid, LastUpdatedAt: updated}
		if _, err := s.UpsertItem(ctx, ch.ID, it); err != nil {
			t.Fatalf("upsert %s: %v", guid, err)
		}
		return it.ID
	}
	out := seeded{
		stale:      put("stale", now.Add(-11*day)),
		staleSaved: put("stale-saved", now.Add(-11*day)),
		fresh:      put("fresh", now.Add(-9*day)),
	}
	if err := s.SaveItem(ctx, out.staleSaved, u.ID, now.Add(-12*day)); err != nil {
		t.Fatalf("save item: %v", err)
	}
	return out
}

func TestSweep(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	now := time.Date(2024, 6, 20, 0, 0, 0, 0, time.UTC)
	ids := seed(t, store, now)
	a, m := newTestArchiver(store, now)

	res, err := a.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if diff := cmp.Diff(Result{Archived: 2, Deleted: 1}, res); diff != "" {
		t.Errorf("Sweep mismatch (-want +got):\n%s", diff)
	}

	if _, err := store.GetItem(ctx, ids.stale); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("stale unsaved item: err = %v, want ErrNotFound", err)
	}
	saved, err := store.GetItem(ctx, ids.staleSaved)
	if err != nil {
		t.Fatalf("saved item: %v", err)
	}
	if !saved.Archived {
		t.Error("saved stale item not archived")
	}
	fresh, err := store.GetItem(ctx, ids.fresh)
	if err != nil {
		t.Fatalf("fresh item: %v", err)
	}
	if fresh.Archived {
		t.Error("item updated 9 days ago archived")
	}

	if got := testutil.ToFloat64(m.ArchiveItems.WithLabelValues(metrics.ActionArchived)); got != 2 {
		t.Errorf("archived counter = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ArchiveItems.WithLabelValues(metrics.ActionDeleted)); got != 1 {
		t.Errorf("deleted counter = %v, want 1", got)
	}

	res, err = a.Sweep(ctx)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if diff := cmp.Diff(Result{}, res); diff != "" {
		t.Errorf("second Sweep mismatch (-want +got):\n%s", diff)
	}
}

func TestSweepFailures(t *testing.T) {
	boom := errors.New("database is locked")
	tests := []struct {
		name        string
		store       *failingStore
		wantPhase   string
		wantDeletes int
	}{
		{
			name:        "archive phase fails, delete skipped",
			store:       &failingStore{archiveErr: boom},
			wantPhase:   PhaseArchive,
			wantDeletes: 0,
		},
		{
			name:        "delete phase fails",
			store:       &failingStore{deleteErr: boom},
			wantPhase:   PhaseDelete,
			wantDeletes: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.store.Storage = newTestStore(t)
			a, m := newTestArchiver(tt.store, time.Now())

			_, err := a.Sweep(context.Background())
			var sweepErr *SweepError
			if !errors.As(err, &sweepErr) {
				t.Fatalf("error = %v, want *SweepError", err)
			}
			if sweepErr.Phase != tt.wantPhase {
				t.Errorf("phase = %q, want %q", sweepErr.Phase, tt.wantPhase)
			}
			if !errors.Is(err, boom) {
				t.Errorf("error %v does not wrap cause", err)
			}
			if tt.store.deletes != tt.wantDeletes {
				t.Errorf("delete calls = %d, want %d", tt.store.deletes, tt.wantDeletes)
			}
			if got := testutil.ToFloat64(m.ArchiveFailures); got != 1 {
				t.Errorf("failure counter = %v, want 1", got)
			}
		})
	}
}

func TestRunSweepsImmediatelyAndStops(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()
	ids := seed(t, store, now)
	a, _ := newTestArchiver(store, now)
	a.SetInterval(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		_, err := store.GetItem(context.Background(), ids.stale)
		if errors.Is(err, storage.ErrNotFound) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("initial sweep did not run")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
