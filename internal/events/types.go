package events

import (
	"errors"
	"fmt"
	"math"
)

// CameraType classifies a camera by its role in the store layout.
type CameraType string

const (
	CameraEntrance    CameraType = "entrance"
	CameraFaceCapture CameraType = "face_capture"
	CameraTracking    CameraType = "tracking"
	CameraBilling     CameraType = "billing"
	CameraVehicle     CameraType = "vehicle"
	CameraEmotion     CameraType = "emotion"
)

// UnknownCustomer is the literal customer_id emitted when resolution fails.
const UnknownCustomer = "UNKNOWN"

// EmbeddingDim is the ArcFace output dimension.
const EmbeddingDim = 512

var ErrEmbeddingNotUnit = errors.New("embedding is not L2-normalized")

// Detection is one person detected in one frame.
type Detection struct {
	BBox      [4]float64 `json:"bbox"` // [x1, y1, x2, y2]
	Conf      float64    `json:"conf"`
	TrackID   int64      `json:"track_id,omitempty"`
	Embedding []float32  `json:"embedding,omitempty"` // 512-dim, unit norm
}

// HasEmbedding reports whether a face embedding was extractable for this detection.
func (d *Detection) HasEmbedding() bool {
	return len(d.Embedding) > 0
}

// DetectionEvent is the single record the worker publishes per input frame.
// Partition key: camera_id.
type DetectionEvent struct {
	CameraID    string      `json:"camera_id"`
	CameraType  CameraType  `json:"camera_type"`
	FrameIndex  int64       `json:"frame_index"`
	EffectiveTS float64     `json:"effective_ts"`
	Detections  []Detection `json:"detections"`
}

// Source enumerates resolution outcomes. Every detection with an embedding
// produces exactly one IdentityEvent; callers branch on Source, never on errors.
type Source string

const (
	SourceMatched             Source = "matched"
	SourceGatedUnknown        Source = "gated_unknown"
	SourceInsufficientHistory Source = "insufficient_history"
	SourceQdrantUnavailable   Source = "qdrant_unavailable"
)

// IdentityEvent is published per resolved detection. Partition key: customer_id.
type IdentityEvent struct {
	EventID     string  `json:"event_id"`
	CameraID    string  `json:"camera_id"`
	TrackID     int64   `json:"track_id"`
	EffectiveTS float64 `json:"effective_ts"`
	CustomerID  string  `json:"customer_id"` // may be UnknownCustomer
	Confidence  float64 `json:"confidence"`  // in [0, 1]
	Source      Source  `json:"source"`

	// VIP carries the gallery flag to in-process alert triggers. Not part
	// of the wire format.
	VIP bool `json:"-"`
}

// AlertKind enumerates policy-triggered conditions.
type AlertKind string

const (
	AlertUnknownAtBilling AlertKind = "UNKNOWN_AT_BILLING"
	AlertFalseMerge       AlertKind = "FALSE_MERGE_SUSPECT"
	AlertVIPDetected      AlertKind = "VIP_DETECTED"
	AlertDriftWarning     AlertKind = "DRIFT_WARNING"
)

// AlertEvent is published on policy-triggered conditions. Partition key: kind.
type AlertEvent struct {
	AlertID    string         `json:"alert_id"`
	Kind       AlertKind      `json:"kind"`
	Severity   string         `json:"severity"` // low | medium | high
	CameraID   string         `json:"camera_id"`
	CustomerID *string        `json:"customer_id"`
	TS         float64        `json:"ts"`
	Details    map[string]any `json:"details,omitempty"`
}

// ValidateEmbedding enforces the unit-norm invariant for wire embeddings:
// |‖e‖₂ − 1| < 1e-5.
func ValidateEmbedding(e []float32) error {
	if len(e) != EmbeddingDim {
		return fmt.Errorf("embedding has %d dims, want %d", len(e), EmbeddingDim)
	}
	var sum float64
	for _, v := range e {
		sum += float64(v) * float64(v)
	}
	if math.Abs(math.Sqrt(sum)-1.0) >= 1e-5 {
		return ErrEmbeddingNotUnit
	}
	return nil
}

// Normalize L2-normalizes e in place. No-op on the zero vector.
func Normalize(e []float32) {
	var sum float64
	for _, v := range e {
		sum += float64(v) * float64(v)
	}
	n := math.Sqrt(sum)
	if n == 0 {
		return
	}
	for i := range e {
		e[i] = float32(float64(e[i]) / n)
	}
}

// Cosine returns the dot product of two unit vectors.
func Cosine(a, b []float32) float64 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}
