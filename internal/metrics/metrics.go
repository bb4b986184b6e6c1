package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for one preparation run.
type Metrics struct {
	registry *prometheus.Registry

	// Acquisition
	AcquireAttempts *prometheus.CounterVec // stage, result
	RecordsFetched  *prometheus.CounterVec // split
	HubPages        prometheus.Counter
	HubPageCacheHit prometheus.Counter
	HubPageSeconds  prometheus.Histogram
	ArchiveBytes    prometheus.Counter

	// Persistence
	FilesWritten *prometheus.CounterVec // split
	RowsWritten  *prometheus.CounterVec // split

	// Verification
	FilesChecked    prometheus.Counter
	VerifyAnomalies prometheus.Counter
}

// New creates and registers all collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		AcquireAttempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mmlu_acquire_attempts_total",
				Help: "Acquisition attempts by stage (hub, archive, sample) and result",
			},
			[]string{"stage", "result"},
		),
		RecordsFetched: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mmlu_records_fetched_total",
				Help: "Question records fetched from the dataset hub per split",
			},
			[]string{"split"},
		),
		HubPages: f.NewCounter(prometheus.CounterOpts{
			Name: "mmlu_hub_pages_total",
			Help: "Row pages requested from the dataset hub",
		}),
		HubPageCacheHit: f.NewCounter(prometheus.CounterOpts{
			Name: "mmlu_hub_page_cache_hits_total",
			Help: "Row pages served from the in-process page cache",
		}),
		HubPageSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "mmlu_hub_page_seconds",
			Help:    "Latency of a single hub page request including retries",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		ArchiveBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "mmlu_archive_bytes_total",
			Help: "Bytes downloaded by the archive fallback",
		}),
		FilesWritten: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mmlu_files_written_total",
				Help: "Per-subject CSV files written per split",
			},
			[]string{"split"},
		),
		RowsWritten: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mmlu_rows_written_total",
				Help: "Rows written per split",
			},
			[]string{"split"},
		),
		FilesChecked: f.NewCounter(prometheus.CounterOpts{
			Name: "mmlu_verify_files_checked_total",
			Help: "Files whose shape was inspected by verify",
		}),
		VerifyAnomalies: f.NewCounter(prometheus.CounterOpts{
			Name: "mmlu_verify_anomalies_total",
			Help: "Anomalies reported by verify (wrong width, unreadable file, digest drift)",
		}),
	}
}

// WriteTextfile dumps all collectors in the node_exporter textfile format.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}
