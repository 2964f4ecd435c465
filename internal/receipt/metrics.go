package receipt

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ingestFilesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "receipt_ingest_files_total",
			Help: "Files processed by ingestion, by outcome",
		},
		[]string{"outcome"},
	)

	extractionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "receipt_extractions_total",
			Help: "Extraction attempts, by result",
		},
		[]string{"result"},
	)

	extractionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "receipt_extraction_duration_seconds",
		Help:    "Time spent signing and extracting one receipt",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
	})

	signedURLCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "receipt_signed_url_cache_total",
			Help: "Signed URL cache lookups, by result",
		},
		[]string{"result"},
	)

	sweepRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "receipt_sweep_runs_total",
		Help: "Orphan sweep runs",
	})

	sweepDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "receipt_sweep_deleted_total",
		Help: "Orphaned blobs deleted by the sweep",
	})

	sweepErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "receipt_sweep_errors_total",
		Help: "Errors encountered by the sweep",
	})
)
