// Package server exposes the status endpoints of the fetch service.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pinggy/internal/model"
)

// Banner is the body of the root route.
const Banner = "pinggy fetch service is running"

const pingTimeout = 3 * time.Second

// Pinger reports storage health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ScheduleLister lists the channels with an active fetch schedule.
type ScheduleLister interface {
	Scheduled() []model.ChannelRef
}

// New builds the status router.
func New(store Pinger, sched ScheduleLister, gatherer prometheus.Gatherer, log *slog.Logger) http.Handler {
	mux := chi.NewRouter()

	mux.Use(middleware.Recoverer)
	mux.Use(middleware.RequestID)
	mux.Use(middleware.RealIP)

	mux.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(Banner))
	})

	mux.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
		defer cancel()
		if err := store.Ping(ctx); err != nil {
			log.Error("health check", "request_id", middleware.GetReqID(r.Context()), "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.Get("/scheduled", func(w http.ResponseWriter, _ *http.Request) {
		refs := sched.Scheduled()
		out := make([]scheduledChannel, 0, len(refs))
		for _, ref := range refs {
			out = append(out, scheduledChannel{ID: ref.ID, FeedURL: ref.FeedURL, IntervalMinutes: ref.IntervalMinutes})
		}
		writeJSON(w, http.StatusOK, out)
	})

	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return mux
}

type scheduledChannel struct {
	ID              int64  `json:"id"`
	FeedURL         string `json:"feed_url"`
	IntervalMinutes int    `json:"interval_minutes"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
