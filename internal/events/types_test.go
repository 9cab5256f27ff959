package events

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unitVector() []float32 {
	e := make([]float32, EmbeddingDim)
	e[0] = 1
	return e
}

func TestValidateEmbedding(t *testing.T) {
	assert.NoError(t, ValidateEmbedding(unitVector()))

	short := make([]float32, 128)
	assert.ErrorContains(t, ValidateEmbedding(short), "128 dims")

	scaled := unitVector()
	scaled[0] = 2
	assert.ErrorIs(t, ValidateEmbedding(scaled), ErrEmbeddingNotUnit)
}

func TestNormalize(t *testing.T) {
	e := make([]float32, EmbeddingDim)
	for i := range e {
		e[i] = 3
	}
	Normalize(e)
	assert.NoError(t, ValidateEmbedding(e))

	zero := make([]float32, EmbeddingDim)
	Normalize(zero)
	assert.Equal(t, float32(0), zero[0], "zero vector stays zero")
}

func TestCosine(t *testing.T) {
	a := unitVector()
	assert.InDelta(t, 1.0, Cosine(a, a), 1e-9)

	b := make([]float32, EmbeddingDim)
	b[1] = 1
	assert.InDelta(t, 0.0, Cosine(a, b), 1e-9)

	c := make([]float32, EmbeddingDim)
	c[0] = float32(math.Sqrt2 / 2)
	c[1] = float32(math.Sqrt2 / 2)
	assert.InDelta(t, math.Sqrt2/2, Cosine(a, c), 1e-6)
}

func TestDetectionEventWireFormat(t *testing.T) {
	ev := DetectionEvent{
		CameraID:    "cam_01",
		CameraType:  CameraBilling,
		FrameIndex:  12345,
		EffectiveTS: 1708790400.123,
		Detections: []Detection{
			{BBox: [4]float64{10, 20, 30, 40}, Conf: 0.88, TrackID: 42},
		},
	}
	data, err := json.Marshal(&ev)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, "cam_01", m["camera_id"])
	assert.Equal(t, 1708790400.123, m["effective_ts"])

	det := m["detections"].([]any)[0].(map[string]any)
	assert.Equal(t, 0.88, det["conf"])
	assert.NotContains(t, det, "embedding", "absent embedding is omitted from the wire")
}

func TestIdentityEventWireFormat(t *testing.T) {
	ev := IdentityEvent{
		EventID:     "e-1",
		CameraID:    "cam_01",
		TrackID:     42,
		EffectiveTS: 1000.5,
		CustomerID:  "cust_007",
		Confidence:  0.81,
		Source:      SourceMatched,
		VIP:         true,
	}
	data, err := json.Marshal(&ev)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, "matched", m["source"])
	assert.NotContains(t, m, "VIP", "vip flag is process-local, not wire")
	assert.NotContains(t, m, "vip")
}
