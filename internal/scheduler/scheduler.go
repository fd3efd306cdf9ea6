// Package scheduler runs one recurring fetch task per channel.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"pinggy/internal/metrics"
	"pinggy/internal/model"
	"pinggy/internal/storage"
)

// DefaultBootstrapWindow limits bootstrap to channels fetched this recently.
const DefaultBootstrapWindow = 30 * 24 * time.Hour

// Refresher runs one fetch cycle for a channel and returns its stored state.
type Refresher interface {
	Refresh(ctx context.Context, channelID int64) (*model.Channel, error)
}

type task struct {
	id       int64
	feedURL  string
	interval atomic.Int64
	cancel   context.CancelFunc
	done     chan struct{}
}

// Scheduler keeps a registry of per-channel tasks. Each task refreshes its
// channel immediately and then once per effective interval; cycles of the same
// channel never overlap.
type Scheduler struct {
	store     storage.Storage
	refresher Refresher
	metrics   *metrics.Metrics
	log       *slog.Logger
	unit      time.Duration
	window    time.Duration
	now       func() time.Time
	override  atomic.Int64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	tasks   map[int64]*task
	stopped bool
}

// New creates a Scheduler. Intervals are counted in minutes.
func New(store storage.Storage, refresher Refresher, m *metrics.Metrics, log *slog.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:     store,
		refresher: refresher,
		metrics:   m,
		log:       log,
		unit:      time.Minute,
		window:    DefaultBootstrapWindow,
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		tasks:     make(map[int64]*task),
	}
}

// SetTickUnit changes the duration of one interval minute (useful for testing).
func (s *Scheduler) SetTickUnit(d time.Duration) {
	s.unit = d
}

// SetBootstrapWindow changes how far back Start looks for active channels.
func (s *Scheduler) SetBootstrapWindow(d time.Duration) {
	s.window = d
}

// SetOverride forces every channel onto the given interval in minutes.
// Zero or less restores the per-channel intervals. Running tasks pick the
// new value up when they next re-arm.
func (s *Scheduler) SetOverride(minutes int) {
	s.override.Store(int64(minutes))
}

// Start schedules every channel fetched within the bootstrap window.
func (s *Scheduler) Start(ctx context.Context) error {
	cutoff := s.now().Add(-s.window)
	channels, err := s.store.ListChannelsFetchedSince(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("list recent channels: %w", err)
	}
	for _, ch := range channels {
		s.Schedule(ch.Ref())
	}
	s.log.Info("scheduler started", "channels", len(channels), "since", cutoff.UTC().Format(time.RFC3339))
	return nil
}

// Run starts the scheduler and blocks until ctx is cancelled, then stops it.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return nil
}

// Stop cancels every task and waits for running cycles to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.cancel()
	clear(s.tasks)
	s.metrics.ScheduledChannels.Set(0)
	s.mu.Unlock()
	s.wg.Wait()
}

// Schedule starts refreshing a channel. Scheduling an already scheduled
// channel replaces its task; the new task waits for the old one to finish.
func (s *Scheduler) Schedule(ref model.ChannelRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}

	var prev <-chan struct{}
	if old, ok := s.tasks[ref.ID]; ok {
		old.cancel()
		prev = old.done
	}

	ctx, cancel := context.WithCancel(s.ctx)
	t := &task{id: ref.ID, feedURL: ref.FeedURL, cancel: cancel, done: make(chan struct{})}
	t.interval.Store(int64(ref.IntervalMinutes))
	s.tasks[ref.ID] = t
	s.metrics.ScheduledChannels.Set(float64(len(s.tasks)))

	s.wg.Add(1)
	go s.loop(ctx, t, prev)
	s.log.Debug("channel scheduled", "channel_id", ref.ID, "feed_url", ref.FeedURL, "interval_minutes", ref.IntervalMinutes)
}

// Unschedule stops refreshing a channel. Unknown IDs are ignored.
func (s *Scheduler) Unschedule(channelID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[channelID]; ok {
		s.removeLocked(t)
	}
}

// Scheduled lists the registered channels ordered by ID. IntervalMinutes is
// the interval the channel is actually polled at, override included.
func (s *Scheduler) Scheduled() []model.ChannelRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	refs := make([]model.ChannelRef, 0, len(s.tasks))
	for _, t := range s.tasks {
		minutes := int(s.effectiveInterval(t) / s.unit)
		refs = append(refs, model.ChannelRef{ID: t.id, FeedURL: t.feedURL, IntervalMinutes: minutes})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].ID < refs[j].ID })
	return refs
}

func (s *Scheduler) loop(ctx context.Context, t *task, prev <-chan struct{}) {
	defer s.wg.Done()
	defer close(t.done)

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			return
		}
	}

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if !s.refresh(ctx, t) {
			return
		}
		timer.Reset(s.effectiveInterval(t))
	}
}

func (s *Scheduler) refresh(ctx context.Context, t *task) bool {
	ch, err := s.refresher.Refresh(ctx, t.id)
	if errors.Is(err, storage.ErrNotFound) {
		s.log.Info("channel removed, unscheduling", "channel_id", t.id, "feed_url", t.feedURL)
		s.mu.Lock()
		if s.tasks[t.id] == t {
			s.removeLocked(t)
		}
		s.mu.Unlock()
		return false
	}
	if ch != nil && ch.FetchIntervalMinutes > 0 {
		t.interval.Store(int64(ch.FetchIntervalMinutes))
	}
	if err != nil && ctx.Err() == nil {
		s.log.Debug("fetch cycle failed", "channel_id", t.id, "feed_url", t.feedURL, "error", err)
	}
	return true
}

func (s *Scheduler) removeLocked(t *task) {
	t.cancel()
	delete(s.tasks, t.id)
	s.metrics.ScheduledChannels.Set(float64(len(s.tasks)))
	s.log.Debug("channel unscheduled", "channel_id", t.id, "feed_url", t.feedURL)
}

func (s *Scheduler) effectiveInterval(t *task) time.Duration {
	minutes := s.override.Load()
	if minutes <= 0 {
		minutes = t.interval.Load()
	}
	if minutes <= 0 {
		minutes = model.DefaultFetchIntervalMinutes
	}
	return time.Duration(minutes) * s.unit
}
