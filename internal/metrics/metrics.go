package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Fetch outcomes.
const (
	FetchFresh       = "fresh"
	FetchDownloaded  = "downloaded"
	FetchHTMLPage    = "html_page"
	FetchEmpty       = "empty"
	FetchUndecodable = "undecodable"
	FetchFailed      = "failed"
)

var (
	FetchOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phishlookup_fetch_outcomes_total",
			Help: "Feed fetch attempts by outcome",
		},
		[]string{"outcome"},
	)

	ImportCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phishlookup_import_cycles_total",
			Help: "Import cycles by outcome: imported, skipped or failed",
		},
		[]string{"outcome"},
	)

	EntriesImported = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "phishlookup_entries_imported_total",
			Help: "Feed entries written to the store",
		},
	)

	LastImportEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "phishlookup_last_import_entries",
			Help: "Number of entries in the last imported dump",
		},
	)

	LastImportTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "phishlookup_last_import_timestamp_seconds",
			Help: "Unix time of the last successful import",
		},
	)

	ImportDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "phishlookup_import_duration_seconds",
			Help:    "Time taken to partition and load a dump",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)

	APIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "phishlookup_api_requests_total",
			Help: "Lookup API requests by route and status code",
		},
		[]string{"route", "code"},
	)
)
