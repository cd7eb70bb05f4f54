package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics.
// Every Record method is safe to call on a nil *Metrics.
type Metrics struct {
	// Worker pool metrics
	TasksSubmitted prometheus.Counter
	TasksRejected  prometheus.Counter
	TasksExecuted  prometheus.Counter
	TaskPanics     prometheus.Counter

	// Pipeline metrics
	PipelineAccepted *prometheus.CounterVec
	PipelineRejected *prometheus.CounterVec
	StageProcessed   *prometheus.CounterVec
	StageFailed      *prometheus.CounterVec
	StageDropped     *prometheus.CounterVec

	// Media metrics
	FramesReceived   *prometheus.CounterVec
	FrameSize        *prometheus.HistogramVec
	KeyFrames        prometheus.Counter
	PacketsEmitted   prometheus.Counter
	RepairsEmitted   prometheus.Counter
	TargetBufferMs   prometheus.Gauge
	EncodingBitrate  prometheus.Gauge

	// Network estimator metrics
	SmoothedBandwidth  prometheus.Gauge
	SmoothedLatency    prometheus.Gauge
	OptimalBitrateKbps prometheus.Gauge
	SamplesRejected    prometheus.Counter

	// Edge routing metrics
	RouteDecisions *prometheus.CounterVec
	RouteFailures  prometheus.Counter
	EdgeNodes      prometheus.Gauge

	// Connection metrics
	ActiveConnections prometheus.Gauge
	ConnectionsOpened *prometheus.CounterVec
	ConnectionsClosed *prometheus.CounterVec
	BytesReceived     prometheus.Counter

	// Archive metrics
	BatchesArchived prometheus.Counter
	BatchesDropped  prometheus.Counter
	ArchiveErrors   prometheus.Counter

	// Delivery metrics
	Subscribers      prometheus.Gauge
	PacketsDelivered prometheus.Counter
	DeliveryDropped  prometheus.Counter
	DeliveryErrors   prometheus.Counter

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// New creates all metrics and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	m := &Metrics{
		// Worker pool metrics
		TasksSubmitted: f.NewCounter(prometheus.CounterOpts{
			Name: "edgestream_worker_tasks_submitted_total",
			Help: "Tasks accepted by the worker pool",
		}),
		TasksRejected: f.NewCounter(prometheus.CounterOpts{
			Name: "edgestream_worker_tasks_rejected_total",
			Help: "Tasks rejected because both sampled worker queues were full",
		}),
		TasksExecuted: f.NewCounter(prometheus.CounterOpts{
			Name: "edgestream_worker_tasks_executed_total",
			Help: "Tasks run to completion by workers",
		}),
		TaskPanics: f.NewCounter(prometheus.CounterOpts{
			Name: "edgestream_worker_task_panics_total",
			Help: "Tasks that panicked and were recovered",
		}),

		// Pipeline metrics
		PipelineAccepted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "edgestream_pipeline_accepted_total",
			Help: "Payloads accepted into the first pipeline stage",
		}, []string{"pipeline"}),
		PipelineRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "edgestream_pipeline_rejected_total",
			Help: "Payloads rejected at pipeline entry due to backpressure",
		}, []string{"pipeline"}),
		StageProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "edgestream_stage_processed_total",
			Help: "Payloads processed by a stage",
		}, []string{"pipeline", "stage"}),
		StageFailed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "edgestream_stage_failed_total",
			Help: "Payloads whose stage function returned an error",
		}, []string{"pipeline", "stage"}),
		StageDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "edgestream_stage_dropped_total",
			Help: "Payloads dropped because the next stage buffer was full",
		}, []string{"pipeline", "stage"}),

		// Media metrics
		FramesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "edgestream_frames_received_total",
			Help: "Frames submitted to the media engine",
		}, []string{"type"}),
		FrameSize: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "edgestream_frame_size_bytes",
			Help:    "Size of submitted frames in bytes",
			Buckets: prometheus.ExponentialBuckets(256, 2, 12), // 256B to ~512KB
		}, []string{"type"}),
		KeyFrames: f.NewCounter(prometheus.CounterOpts{
			Name: "edgestream_keyframes_total",
			Help: "Key frames seen by frame analysis",
		}),
		PacketsEmitted: f.NewCounter(prometheus.CounterOpts{
			Name: "edgestream_packets_emitted_total",
			Help: "Outbound packets produced by the packetizer",
		}),
		RepairsEmitted: f.NewCounter(prometheus.CounterOpts{
			Name: "edgestream_repair_symbols_emitted_total",
			Help: "Reed-Solomon repair symbols produced",
		}),
		TargetBufferMs: f.NewGauge(prometheus.GaugeOpts{
			Name: "edgestream_target_buffer_ms",
			Help: "Adaptive buffer target in milliseconds",
		}),
		EncodingBitrate: f.NewGauge(prometheus.GaugeOpts{
			Name: "edgestream_encoding_bitrate_kbps",
			Help: "Bitrate ladder rung selected by adaptive processing",
		}),

		// Network estimator metrics
		SmoothedBandwidth: f.NewGauge(prometheus.GaugeOpts{
			Name: "edgestream_network_bandwidth_mbps",
			Help: "Smoothed bandwidth estimate",
		}),
		SmoothedLatency: f.NewGauge(prometheus.GaugeOpts{
			Name: "edgestream_network_latency_ms",
			Help: "Smoothed latency estimate",
		}),
		OptimalBitrateKbps: f.NewGauge(prometheus.GaugeOpts{
			Name: "edgestream_network_optimal_bitrate_kbps",
			Help: "Optimal bitrate derived from the smoothed state",
		}),
		SamplesRejected: f.NewCounter(prometheus.CounterOpts{
			Name: "edgestream_network_samples_rejected_total",
			Help: "Network samples rejected as invalid",
		}),

		// Edge routing metrics
		RouteDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "edgestream_route_decisions_total",
			Help: "Streams routed to each edge node",
		}, []string{"node"}),
		RouteFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "edgestream_route_failures_total",
			Help: "Route requests with no qualifying node",
		}),
		EdgeNodes: f.NewGauge(prometheus.GaugeOpts{
			Name: "edgestream_edge_nodes",
			Help: "Registered edge nodes",
		}),

		// Connection metrics
		ActiveConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "edgestream_active_connections",
			Help: "Connections currently tracked",
		}),
		ConnectionsOpened: f.NewCounterVec(prometheus.CounterOpts{
			Name: "edgestream_connections_opened_total",
			Help: "Connections registered",
		}, []string{"transport"}),
		ConnectionsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "edgestream_connections_closed_total",
			Help: "Connections torn down",
		}, []string{"reason"}), // reason: eof, error, idle, shutdown
		BytesReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "edgestream_bytes_received_total",
			Help: "Bytes read from ingest connections",
		}),

		// Archive metrics
		BatchesArchived: f.NewCounter(prometheus.CounterOpts{
			Name: "edgestream_archive_batches_written_total",
			Help: "Packet batches written to storage",
		}),
		BatchesDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "edgestream_archive_batches_dropped_total",
			Help: "Packet batches dropped because the archive queue was full",
		}),
		ArchiveErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "edgestream_archive_errors_total",
			Help: "Storage errors while archiving",
		}),

		// Delivery metrics
		Subscribers: f.NewGauge(prometheus.GaugeOpts{
			Name: "edgestream_delivery_subscribers",
			Help: "Connections subscribed to a stream",
		}),
		PacketsDelivered: f.NewCounter(prometheus.CounterOpts{
			Name: "edgestream_delivery_packets_sent_total",
			Help: "Packets written to subscribers",
		}),
		DeliveryDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "edgestream_delivery_packets_dropped_total",
			Help: "Packets dropped because a subscriber queue was full",
		}),
		DeliveryErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "edgestream_delivery_write_errors_total",
			Help: "Subscriber writes that failed and ended the subscription",
		}),

		// HTTP metrics
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "edgestream_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "edgestream_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}

	return m
}

// RecordTaskSubmitted records a task accepted or rejected by the pool
func (m *Metrics) RecordTaskSubmitted(accepted bool) {
	if m == nil {
		return
	}
	if accepted {
		m.TasksSubmitted.Inc()
	} else {
		m.TasksRejected.Inc()
	}
}

// RecordTaskExecuted records a completed task
func (m *Metrics) RecordTaskExecuted(panicked bool) {
	if m == nil {
		return
	}
	m.TasksExecuted.Inc()
	if panicked {
		m.TaskPanics.Inc()
	}
}

// RecordPipelineEntry records a payload offered to a pipeline
func (m *Metrics) RecordPipelineEntry(pipeline string, accepted bool) {
	if m == nil {
		return
	}
	if accepted {
		m.PipelineAccepted.WithLabelValues(pipeline).Inc()
	} else {
		m.PipelineRejected.WithLabelValues(pipeline).Inc()
	}
}

// RecordStageProcessed records a stage function run
func (m *Metrics) RecordStageProcessed(pipeline, stage string, failed bool) {
	if m == nil {
		return
	}
	if failed {
		m.StageFailed.WithLabelValues(pipeline, stage).Inc()
		return
	}
	m.StageProcessed.WithLabelValues(pipeline, stage).Inc()
}

// RecordStageDropped records a payload lost to downstream backpressure
func (m *Metrics) RecordStageDropped(pipeline, stage string) {
	if m == nil {
		return
	}
	m.StageDropped.WithLabelValues(pipeline, stage).Inc()
}

// RecordFrame records a frame submitted to the engine
func (m *Metrics) RecordFrame(frameType string, size int) {
	if m == nil {
		return
	}
	m.FramesReceived.WithLabelValues(frameType).Inc()
	m.FrameSize.WithLabelValues(frameType).Observe(float64(size))
}

// RecordKeyFrame records a keyframe
func (m *Metrics) RecordKeyFrame() {
	if m == nil {
		return
	}
	m.KeyFrames.Inc()
}

// RecordPackets records packetizer output
func (m *Metrics) RecordPackets(packets, repairs int) {
	if m == nil {
		return
	}
	m.PacketsEmitted.Add(float64(packets))
	m.RepairsEmitted.Add(float64(repairs))
}

// RecordTargetBuffer records the adaptive buffer target
func (m *Metrics) RecordTargetBuffer(ms int64) {
	if m == nil {
		return
	}
	m.TargetBufferMs.Set(float64(ms))
}

// RecordEncodingBitrate records the selected ladder rung
func (m *Metrics) RecordEncodingBitrate(kbps int) {
	if m == nil {
		return
	}
	m.EncodingBitrate.Set(float64(kbps))
}

// RecordNetworkState records the estimator output after a sample
func (m *Metrics) RecordNetworkState(bandwidth, latency float64, bitrateKbps int) {
	if m == nil {
		return
	}
	m.SmoothedBandwidth.Set(bandwidth)
	m.SmoothedLatency.Set(latency)
	m.OptimalBitrateKbps.Set(float64(bitrateKbps))
}

// RecordSampleRejected records an invalid network sample
func (m *Metrics) RecordSampleRejected() {
	if m == nil {
		return
	}
	m.SamplesRejected.Inc()
}

// RecordRoute records a routing decision; an empty node id is a failure
func (m *Metrics) RecordRoute(nodeID string) {
	if m == nil {
		return
	}
	if nodeID == "" {
		m.RouteFailures.Inc()
		return
	}
	m.RouteDecisions.WithLabelValues(nodeID).Inc()
}

// SetEdgeNodes records the registry size
func (m *Metrics) SetEdgeNodes(n int) {
	if m == nil {
		return
	}
	m.EdgeNodes.Set(float64(n))
}

// RecordConnectionOpened records an accepted connection
func (m *Metrics) RecordConnectionOpened(transport string) {
	if m == nil {
		return
	}
	m.ActiveConnections.Inc()
	m.ConnectionsOpened.WithLabelValues(transport).Inc()
}

// RecordConnectionClosed records a torn down connection
func (m *Metrics) RecordConnectionClosed(reason string) {
	if m == nil {
		return
	}
	m.ActiveConnections.Dec()
	m.ConnectionsClosed.WithLabelValues(reason).Inc()
}

// RecordBytes records bytes read from ingest connections
func (m *Metrics) RecordBytes(n int) {
	if m == nil {
		return
	}
	m.BytesReceived.Add(float64(n))
}

// RecordArchive records an archive outcome
func (m *Metrics) RecordArchive(written, dropped, failed bool) {
	if m == nil {
		return
	}
	switch {
	case written:
		m.BatchesArchived.Inc()
	case dropped:
		m.BatchesDropped.Inc()
	case failed:
		m.ArchiveErrors.Inc()
	}
}

// SetSubscribers records the number of subscribed connections
func (m *Metrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.Subscribers.Set(float64(n))
}

// RecordDelivery records packets sent to and dropped for subscribers
func (m *Metrics) RecordDelivery(sent, dropped int) {
	if m == nil {
		return
	}
	m.PacketsDelivered.Add(float64(sent))
	m.DeliveryDropped.Add(float64(dropped))
}

// RecordDeliveryError records a failed subscriber write
func (m *Metrics) RecordDeliveryError() {
	if m == nil {
		return
	}
	m.DeliveryErrors.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path string, status int, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, path, statusCodeToString(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, path).Observe(durationSeconds)
}

// statusCodeToString converts an HTTP status code to a string
func statusCodeToString(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
