package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricDetectionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "trinetra_detection_latency_seconds",
		Help:    "Detector operator invocation latency",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	})

	metricEmbeddingLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "trinetra_embedding_latency_seconds",
		Help:    "Embedder operator invocation latency",
		Buckets: []float64{0.002, 0.005, 0.01, 0.025, 0.05},
	})

	metricFramesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trinetra_worker_frames_processed_total",
		Help: "Frames fully processed by the inference worker",
	}, []string{"camera_id"})

	metricDetections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trinetra_detections_total",
		Help: "Person detections produced",
	}, []string{"camera_id"})

	metricPublishErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trinetra_worker_publish_errors_total",
		Help: "Detection events lost after exhausting publish retries",
	})

	metricBatchFill = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "trinetra_worker_batch_fill_ratio",
		Help:    "Flushed micro-batch size over configured batch size",
		Buckets: []float64{0.25, 0.5, 0.75, 1.0},
	})

	metricOperatorOOM = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trinetra_worker_operator_oom_total",
		Help: "Operator invocations that failed with out-of-memory",
	})

	metricGPUUtil = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trinetra_gpu_utilization_pct",
		Help: "GPU utilization percent (polled via nvidia-smi)",
	})

	metricGPUVRAM = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trinetra_gpu_vram_used_mb",
		Help: "GPU VRAM used in MB",
	})
)
