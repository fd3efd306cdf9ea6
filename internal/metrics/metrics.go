// Package metrics exposes Prometheus collectors for the ingestion pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Label values.
const (
	ResultSuccess = "success"
	ResultFailed  = "failed"

	ItemInserted = "inserted"
	ItemUpdated  = "updated"
	ItemFailed   = "failed"

	ActionArchived = "archived"
	ActionDeleted  = "deleted"
)

// Metrics groups the pipeline collectors.
type Metrics struct {
	FetchCycles       *prometheus.CounterVec
	FetchDuration     prometheus.Histogram
	ItemsUpserted     *prometheus.CounterVec
	ScheduledChannels prometheus.Gauge
	ArchiveItems      *prometheus.CounterVec
	ArchiveFailures   prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FetchCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pinggy",
			Name:      "fetch_cycles_total",
			Help:      "Channel fetch cycles by outcome.",
		}, []string{"result"}),
		FetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pinggy",
			Name:      "fetch_duration_seconds",
			Help:      "Duration of channel fetch cycles.",
			Buckets:   prometheus.DefBuckets,
		}),
		ItemsUpserted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pinggy",
			Name:      "items_upserted_total",
			Help:      "Item upserts by outcome.",
		}, []string{"result"}),
		ScheduledChannels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pinggy",
			Name:      "scheduled_channels",
			Help:      "Channels with an active fetch schedule.",
		}),
		ArchiveItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pinggy",
			Name:      "archive_items_total",
			Help:      "Items archived or deleted by the archive sweep.",
		}, []string{"action"}),
		ArchiveFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pinggy",
			Name:      "archive_sweep_failures_total",
			Help:      "Archive sweeps that failed.",
		}),
	}
	reg.MustRegister(m.FetchCycles, m.FetchDuration, m.ItemsUpserted, m.ScheduledChannels,
		m.ArchiveItems, m.ArchiveFailures)
	return m
}

// Discard returns collectors registered nowhere, for tests and tools.
func Discard() *Metrics {
	return New(prometheus.NewRegistry())
}

// ObserveCycle records the outcome and duration of one fetch cycle.
func (m *Metrics) ObserveCycle(start time.Time, err error) {
	result := ResultSuccess
	if err != nil {
		result = ResultFailed
	}
	m.FetchCycles.WithLabelValues(result).Inc()
	m.FetchDuration.Observe(time.Since(start).Seconds())
}
