package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Session metrics
	ActiveSessions  prometheus.Gauge
	SessionsStarted prometheus.Counter
	SessionsStopped prometheus.Counter
	SessionDuration prometheus.Histogram
	SessionReuses   prometheus.Counter
	AttachTimeouts  prometheus.Counter
	UpstreamErrors  prometheus.Counter

	// Frame metrics
	FramesForwarded *prometheus.CounterVec
	FramesDropped   *prometheus.CounterVec
	FrameSize       *prometheus.HistogramVec
	KeyFrames       prometheus.Counter

	// Consumer metrics
	ActiveConsumers       prometheus.Gauge
	ConsumerSessions      prometheus.Counter
	InactivityDisconnects prometheus.Counter

	// Recording metrics
	ChunksWritten prometheus.Counter
	ChunkSize     prometheus.Histogram

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	// RTMP ingest metrics
	RTMPConnections   prometheus.Counter
	RTMPDisconnects   prometheus.Counter
	RTMPBytesReceived prometheus.Counter
}

// New creates all metrics and registers them with the given registerer.
// Pass prometheus.DefaultRegisterer in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		// Session metrics
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "camrelay_active_sessions",
			Help: "Number of currently active upstream sessions",
		}),
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "camrelay_sessions_started_total",
			Help: "Total number of upstream sessions started",
		}),
		SessionsStopped: factory.NewCounter(prometheus.CounterOpts{
			Name: "camrelay_sessions_stopped_total",
			Help: "Total number of upstream sessions stopped",
		}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "camrelay_session_duration_seconds",
			Help:    "Duration of upstream sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10), // 10s to ~2.8h
		}),
		SessionReuses: factory.NewCounter(prometheus.CounterOpts{
			Name: "camrelay_session_reuses_total",
			Help: "Total number of attaches that reused a session kept alive in the grace window",
		}),
		AttachTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "camrelay_attach_timeouts_total",
			Help: "Total number of attaches that failed waiting for session start",
		}),
		UpstreamErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "camrelay_upstream_errors_total",
			Help: "Total number of upstream source errors or unexpected ends",
		}),

		// Frame metrics
		FramesForwarded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "camrelay_frames_forwarded_total",
				Help: "Total number of buffers forwarded to outlets",
			},
			[]string{"device_id", "type"}, // type: video or audio
		),
		FramesDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "camrelay_frames_dropped_total",
				Help: "Total number of buffers dropped",
			},
			[]string{"device_id", "reason"},
		),
		FrameSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "camrelay_frame_size_bytes",
				Help:    "Size of upstream buffers in bytes",
				Buckets: prometheus.ExponentialBuckets(1024, 2, 10), // 1KB to ~512KB
			},
			[]string{"type"},
		),
		KeyFrames: factory.NewCounter(prometheus.CounterOpts{
			Name: "camrelay_keyframes_total",
			Help: "Total number of key frames detected",
		}),

		// Consumer metrics
		ActiveConsumers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "camrelay_active_consumers",
			Help: "Number of currently attached consumers",
		}),
		ConsumerSessions: factory.NewCounter(prometheus.CounterOpts{
			Name: "camrelay_consumer_sessions_total",
			Help: "Total number of consumer attaches",
		}),
		InactivityDisconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "camrelay_inactivity_disconnects_total",
			Help: "Total number of consumers dropped by the inactivity timeout",
		}),

		// Recording metrics
		ChunksWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "camrelay_chunks_written_total",
			Help: "Total number of recorded chunks written to storage",
		}),
		ChunkSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "camrelay_chunk_size_bytes",
			Help:    "Size of recorded chunks in bytes",
			Buckets: prometheus.ExponentialBuckets(10240, 2, 10), // 10KB to ~5MB
		}),

		// HTTP metrics
		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "camrelay_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "camrelay_http_request_duration_seconds",
				Help:    "Duration of HTTP requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		// RTMP ingest metrics
		RTMPConnections: factory.NewCounter(prometheus.CounterOpts{
			Name: "camrelay_rtmp_connections_total",
			Help: "Total number of RTMP publisher connections",
		}),
		RTMPDisconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "camrelay_rtmp_disconnects_total",
			Help: "Total number of RTMP publisher disconnections",
		}),
		RTMPBytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "camrelay_rtmp_bytes_received_total",
			Help: "Total bytes received from RTMP publishers",
		}),
	}

	return m
}

// RecordSessionStart records an upstream session starting
func (m *Metrics) RecordSessionStart() {
	m.ActiveSessions.Inc()
	m.SessionsStarted.Inc()
}

// RecordSessionStop records an upstream session stopping
func (m *Metrics) RecordSessionStop(durationSeconds float64) {
	m.ActiveSessions.Dec()
	m.SessionsStopped.Inc()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordAttach records a consumer attaching
func (m *Metrics) RecordAttach() {
	m.ActiveConsumers.Inc()
	m.ConsumerSessions.Inc()
}

// RecordDetach records a consumer detaching
func (m *Metrics) RecordDetach() {
	m.ActiveConsumers.Dec()
}

// RecordFrame records one buffer forwarded to the fan-out set
func (m *Metrics) RecordFrame(deviceID string, kind string, size int) {
	m.FramesForwarded.WithLabelValues(deviceID, kind).Inc()
	m.FrameSize.WithLabelValues(kind).Observe(float64(size))
}
