package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics - low cardinality only (camera_id is bounded by the config file).
var (
	metricFramesIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trinetra_ingestor_frames_total",
		Help: "Total frames published to the frame bus per camera",
	}, []string{"camera_id", "camera_type"})

	metricFramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trinetra_ingestor_frames_dropped_total",
		Help: "Frames dropped before publish, by reason",
	}, []string{"camera_id", "reason"})

	metricReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trinetra_ingestor_reconnects_total",
		Help: "RTSP reconnect attempts per camera",
	}, []string{"camera_id"})

	metricFillRatio = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "trinetra_stream_fill_ratio",
		Help: "Frame bus fill ratio (length / MAXLEN) per camera",
	}, []string{"camera_id"})

	metricFrameLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "trinetra_ingestor_frame_latency_seconds",
		Help:    "Time from frame capture to frame bus publish",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
	})
)

// Drop reasons.
const (
	dropReasonQueueFull = "queue_full"
	dropReasonCorrupt   = "corrupt"
	dropReasonSampled   = "sampled"
	dropReasonBurst     = "burst"
	dropReasonPublish   = "publish_error"
)
