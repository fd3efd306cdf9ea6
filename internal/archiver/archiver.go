// Package archiver ages old items out of the active listing and removes the
// archived ones nobody saved.
package archiver

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"pinggy/internal/metrics"
	"pinggy/internal/storage"
)

// Defaults for the sweep.
const (
	DefaultMaxAge = 10 * 24 * time.Hour
	DefaultEvery  = 24 * time.Hour
)

// Sweep phases.
const (
	PhaseArchive = "archive"
	PhaseDelete  = "delete"
)

// SweepError reports which phase of a sweep failed.
type SweepError struct {
	Phase string
	Err   error
}

func (e *SweepError) Error() string {
	return fmt.Sprintf("%s phase: %v", e.Phase, e.Err)
}

func (e *SweepError) Unwrap() error {
	return e.Err
}

// Result counts the items touched by one sweep.
type Result struct {
	Archived int64
	Deleted  int64
}

// Archiver runs the retention sweep.
type Archiver struct {
	store   storage.Storage
	metrics *metrics.Metrics
	log     *slog.Logger
	maxAge  time.Duration
	every   time.Duration
	now     func() time.Time
}

// New creates an Archiver with the default age and period.
func New(store storage.Storage, m *metrics.Metrics, log *slog.Logger) *Archiver {
	return &Archiver{
		store:   store,
		metrics: m,
		log:     log,
		maxAge:  DefaultMaxAge,
		every:   DefaultEvery,
		now:     time.Now,
	}
}

// SetMaxAge changes how long an item stays unarchived after its last update.
func (a *Archiver) SetMaxAge(d time.Duration) {
	if d > 0 {
		a.maxAge = d
	}
}

// SetInterval changes the sweep period (useful for testing).
func (a *Archiver) SetInterval(d time.Duration) {
	a.every = d
}

// Sweep archives items not updated within the max age, then deletes archived
// items with no saves. The delete phase is skipped when archiving fails.
func (a *Archiver) Sweep(ctx context.Context) (Result, error) {
	var res Result
	cutoff := a.now().Add(-a.maxAge)

	archived, err := a.store.MarkItemsArchivedBefore(ctx, cutoff)
	if err != nil {
		a.metrics.ArchiveFailures.Inc()
		return res, &SweepError{Phase: PhaseArchive, Err: err}
	}
	res.Archived = archived
	a.metrics.ArchiveItems.WithLabelValues(metrics.ActionArchived).Add(float64(archived))

	deleted, err := a.store.DeleteArchivedUnsavedItems(ctx)
	if err != nil {
		a.metrics.ArchiveFailures.Inc()
		return res, &SweepError{Phase: PhaseDelete, Err: err}
	}
	res.Deleted = deleted
	a.metrics.ArchiveItems.WithLabelValues(metrics.ActionDeleted).Add(float64(deleted))
	return res, nil
}

// Run sweeps immediately and then once per period until ctx is cancelled.
// A failed sweep is logged and retried on the next period.
func (a *Archiver) Run(ctx context.Context) {
	a.sweep(ctx)

	ticker := time.NewTicker(a.every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sweep(ctx)
		}
	}
}

func (a *Archiver) sweep(ctx context.Context) {
	res, err := a.Sweep(ctx)
	if err != nil {
		if ctx.Err() == nil {
			a.log.Error("archive sweep", "error", err)
		}
		return
	}
	a.log.Info("archive sweep", "archived", res.Archived, "deleted", res.Deleted)
}
