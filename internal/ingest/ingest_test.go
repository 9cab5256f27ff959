package ingest

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// noisyImage builds a textured frame that passes validation.
func noisyImage(w, h int, seed int64) *image.RGBA {
	rng := rand.New(rand.NewSource(seed))
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8(rng.Intn(256))
			img.Set(x, y, color.RGBA{v, v, v, 255})
		}
	}
	return img
}

func flatImage(w, h int, v uint8) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{v, v, v, 255})
		}
	}
	return img
}

func TestValidateFrame(t *testing.T) {
	assert.ErrorIs(t, ValidateFrame(nil), ErrEmptyDecode)
	assert.ErrorIs(t, ValidateFrame(flatImage(64, 64, 0)), ErrBlankFrame, "black frame")
	assert.ErrorIs(t, ValidateFrame(flatImage(64, 64, 255)), ErrBlankFrame, "saturated frame")
	assert.ErrorIs(t, ValidateFrame(flatImage(64, 64, 128)), ErrFlatFrame, "solid gray has no texture")
	assert.NoError(t, ValidateFrame(noisyImage(64, 64, 1)))
}

func TestSamplerBaseline(t *testing.T) {
	// 30 fps capture, 10 fps target: forward every 3rd frame.
	s := NewAdaptiveSampler(30, 10, false)
	forwarded := 0
	for i := 0; i < 30; i++ {
		if s.ShouldForward(0, 0) {
			forwarded++
		}
	}
	assert.Equal(t, 10, forwarded)
}

func TestSamplerBackpressureWidensInterval(t *testing.T) {
	s := NewAdaptiveSampler(30, 10, false)
	for i := 0; i < 20; i++ {
		s.ShouldForward(0, 0.95)
	}
	assert.Equal(t, 9, s.Interval(), "interval caps at 3x base")
}

func TestSamplerMotionNarrowsInterval(t *testing.T) {
	s := NewAdaptiveSampler(30, 10, false)
	for i := 0; i < 10; i++ {
		s.ShouldForward(5.0, 0)
	}
	assert.Equal(t, 1, s.Interval())

	// Quiet scene returns to base.
	s.ShouldForward(0, 0)
	assert.Equal(t, 3, s.Interval())
}

func TestSamplerPriorityExemption(t *testing.T) {
	s := NewAdaptiveSampler(30, 10, true)
	for i := 0; i < 20; i++ {
		assert.True(t, s.ShouldForward(0, 0.95), "exempt cameras never drop at the sampler")
	}
}

func TestBurstSuppressorCapacity(t *testing.T) {
	b := NewBurstSuppressor(10)
	allowed := 0
	for i := 0; i < 20; i++ {
		if b.Allow() {
			allowed++
		}
	}
	assert.Equal(t, burstCapacity, allowed, "only the bucket depth passes instantaneously")

	time.Sleep(150 * time.Millisecond) // ~1.5 tokens at 10/s
	assert.True(t, b.Allow())
}

func TestMotionEstimator(t *testing.T) {
	var m MotionEstimator

	static := noisyImage(160, 160, 7)
	assert.Equal(t, 0.0, m.Score(static), "first frame has no reference")
	assert.InDelta(t, 0.0, m.Score(static), 0.01, "identical frames score zero")

	// Shift the scene 2px: blocks should lock onto the displacement.
	shifted := image.NewRGBA(image.Rect(0, 0, 160, 160))
	for y := 0; y < 160; y++ {
		for x := 0; x < 160; x++ {
			shifted.Set(x, y, static.At((x+2)%160, y))
		}
	}
	assert.Greater(t, m.Score(shifted), 0.5)
}

func TestEncodeForInference(t *testing.T) {
	out, err := EncodeForInference(noisyImage(1920, 1080, 3))
	require.NoError(t, err)

	img, err := jpeg.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 640, img.Bounds().Dx())
	assert.Equal(t, 640, img.Bounds().Dy())
}
