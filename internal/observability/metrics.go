package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics of the recorder and transformer.
type Metrics struct {
	// --- Consumer ---
	ConsumerEmitted        *prometheus.CounterVec
	ConsumerStale          *prometheus.CounterVec
	ConsumerGaps           *prometheus.CounterVec
	ConsumerGapFills       *prometheus.CounterVec
	ConsumerPendingDropped *prometheus.CounterVec
	ConsumerFailures       *prometheus.CounterVec
	ConsumerState          *prometheus.GaugeVec
	ConsumerReadDuration   *prometheus.HistogramVec

	// --- Merge / projection ---
	MergedItems          *prometheus.CounterVec
	ProjectionRejected   *prometheus.CounterVec
	ProjectionDuplicates *prometheus.CounterVec

	// --- Checkpoint buffer ---
	FlushDuration *prometheus.HistogramVec
	FlushSize     *prometheus.HistogramVec
	FlushErrors   *prometheus.CounterVec
	BufferPending *prometheus.GaugeVec

	// --- Recorder ---
	RecorderAppends      *prometheus.CounterVec
	RecorderAppendErrors *prometheus.CounterVec
	RecorderCoalesced    *prometheus.CounterVec
	RecorderRejected     *prometheus.CounterVec
	PublishFailures      *prometheus.CounterVec
	WSReconnects         *prometheus.CounterVec

	// --- Sinks ---
	SinkRowsWritten *prometheus.CounterVec
	ArchiveObjects  prometheus.Counter
	ArchiveBytes    prometheus.Counter

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates all metrics and registers them with reg.
// Pass prometheus.DefaultRegisterer in binaries and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	ioBuckets := []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}
	streamLabels := []string{"stream", "symbol"}

	return &Metrics{
		// Consumer
		ConsumerEmitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "krupton_consumer_emitted_total",
			Help: "Records emitted in index order",
		}, streamLabels),

		ConsumerStale: f.NewCounterVec(prometheus.CounterOpts{
			Name: "krupton_consumer_stale_total",
			Help: "Records discarded because their index was already emitted",
		}, streamLabels),

		ConsumerGaps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "krupton_consumer_gaps_total",
			Help: "Live gaps detected",
		}, streamLabels),

		ConsumerGapFills: f.NewCounterVec(prometheus.CounterOpts{
			Name: "krupton_consumer_gap_fills_total",
			Help: "Records emitted from fallback log reads",
		}, streamLabels),

		ConsumerPendingDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "krupton_consumer_pending_dropped_total",
			Help: "Live pushes dropped because the pending set was full",
		}, streamLabels),

		ConsumerFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "krupton_consumer_failures_total",
			Help: "Consumer failures escalated to restart",
		}, streamLabels),

		ConsumerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "krupton_consumer_state",
			Help: "Consumer state (0 catching up, 1 live, 2 stopped)",
		}, streamLabels),

		ConsumerReadDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "krupton_consumer_read_duration_seconds",
			Help:    "Log range read duration",
			Buckets: ioBuckets,
		}, []string{"stream"}),

		// Merge / projection
		MergedItems: f.NewCounterVec(prometheus.CounterOpts{
			Name: "krupton_merger_items_total",
			Help: "Items forwarded by the stream merger",
		}, []string{"symbol", "source"}),

		ProjectionRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "krupton_projection_rejected_total",
			Help: "Records dropped at the projection boundary for bad shape",
		}, []string{"stream", "reason"}),

		ProjectionDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "krupton_projection_duplicates_total",
			Help: "Cross-source duplicates resolved by precedence",
		}, []string{"symbol", "outcome"}),

		// Checkpoint buffer
		FlushDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "krupton_buffer_flush_duration_seconds",
			Help:    "Checkpoint flush duration",
			Buckets: ioBuckets,
		}, []string{"buffer"}),

		FlushSize: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "krupton_buffer_flush_size",
			Help:    "Items per checkpoint flush",
			Buckets: []float64{0, 1, 10, 50, 100, 250, 500, 1000, 2500},
		}, []string{"buffer"}),

		FlushErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "krupton_buffer_flush_errors_total",
			Help: "Checkpoint flush failures",
		}, []string{"buffer"}),

		BufferPending: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "krupton_buffer_pending",
			Help: "Items cached and not yet flushed",
		}, []string{"buffer"}),

		// Recorder
		RecorderAppends: f.NewCounterVec(prometheus.CounterOpts{
			Name: "krupton_recorder_appends_total",
			Help: "Raw records appended to the log",
		}, []string{"stream"}),

		RecorderAppendErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "krupton_recorder_append_errors_total",
			Help: "Log append failures",
		}, []string{"stream"}),

		RecorderCoalesced: f.NewCounterVec(prometheus.CounterOpts{
			Name: "krupton_recorder_coalesced_total",
			Help: "Unchanged snapshots replaced in place",
		}, []string{"stream"}),

		RecorderRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "krupton_recorder_rejected_total",
			Help: "Upstream messages rejected before append",
		}, []string{"stream"}),

		PublishFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "krupton_recorder_publish_failures_total",
			Help: "Live publishes that failed after a successful append",
		}, []string{"stream"}),

		WSReconnects: f.NewCounterVec(prometheus.CounterOpts{
			Name: "krupton_ws_reconnects_total",
			Help: "Websocket reconnect attempts",
		}, []string{"stream"}),

		// Sinks
		SinkRowsWritten: f.NewCounterVec(prometheus.CounterOpts{
			Name: "krupton_sink_rows_written_total",
			Help: "Unified rows committed",
		}, []string{"table"}),

		ArchiveObjects: f.NewCounter(prometheus.CounterOpts{
			Name: "krupton_archive_objects_total",
			Help: "Archive objects written",
		}),

		ArchiveBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "krupton_archive_bytes_total",
			Help: "Archive bytes written",
		}),

		// Query API
		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "krupton_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "krupton_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
	}
}
