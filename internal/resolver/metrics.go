package resolver

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricResolveLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "trinetra_reid_latency_seconds",
		Help:    "Per-event identity resolution latency (consume to publish)",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	})

	metricSearchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "trinetra_similarity_search_latency_seconds",
		Help:    "ANN top-k search latency",
		Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1},
	})

	metricMatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trinetra_reid_matches_total",
		Help: "Identity events with source=matched",
	}, []string{"camera_id"})

	metricUnknowns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trinetra_reid_unknowns_total",
		Help: "Identity events with a non-matched source",
	}, []string{"camera_id", "source"})

	metricGateRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trinetra_gate_rejections_total",
		Help: "Candidates rejected by the spatiotemporal gate",
	}, []string{"reason"})

	metricAlerts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trinetra_alerts_total",
		Help: "Alert events emitted",
	}, []string{"kind"})

	metricActiveIdentities = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trinetra_active_identities",
		Help: "Customers currently present in the active identity registry",
	})

	metricDeserializationErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trinetra_resolver_deserialization_errors_total",
		Help: "Detection events skipped because they failed to parse",
	})

	metricIdentityFlicker = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trinetra_identity_flicker_total",
		Help: "Resolved tracks demoted after a majority swing",
	})

	metricConsumerLag = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trinetra_resolver_consumer_lag",
		Help: "Detection events pending for the resolver group",
	})

	metricGalleryUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trinetra_gallery_ema_updates_total",
		Help: "Gallery embeddings refreshed via EMA write-back",
	})
)

// Gate rejection reasons.
const (
	reasonImpossibleTransition = "impossible_transition"
)
