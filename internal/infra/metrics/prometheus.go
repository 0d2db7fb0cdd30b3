package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "uscap_active_sessions",
		Help: "Number of capture sessions currently accepting input",
	})

	FramesScoredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "uscap_frames_scored_total",
		Help: "Total number of frames sent to the classifier",
	})

	FramesExtractedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "uscap_frames_extracted_total",
		Help: "Total number of stills persisted, by extraction path",
	}, []string{"path"})

	ChunkBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "uscap_chunk_bytes_total",
		Help: "Total video bytes accepted across all sessions",
	})

	OracleLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "uscap_oracle_latency_seconds",
		Help:    "Round-trip latency of classifier calls",
		Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	})

	OracleFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "uscap_oracle_failures_total",
		Help: "Classifier calls that failed or timed out and fell back to probability 0",
	})

	FinalizeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "uscap_finalize_duration_seconds",
		Help:    "Duration of session finalization, by repair method",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"method"})

	BatchExtractionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "uscap_batch_extractions_total",
		Help: "Batch extraction jobs processed, by status",
	}, []string{"status"})
)
