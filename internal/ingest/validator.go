package ingest

import (
	"errors"
	"image"
	"math"
)

var (
	ErrBlankFrame   = errors.New("frame is blank or saturated")
	ErrFlatFrame    = errors.New("frame has no texture")
	ErrEmptyDecode  = errors.New("decode returned no image")
	errNoPixelStats = errors.New("frame has no pixels")
)

// Validation thresholds on the luma plane. Values outside these indicate a
// covered lens, a dead feed showing a solid color, or decoder garbage.
const (
	minLumaMean   = 2.0
	maxLumaMean   = 253.0
	minLumaStddev = 5.0
)

// ValidateFrame rejects blank or corrupted content before it costs GPU time.
func ValidateFrame(img image.Image) error {
	if img == nil {
		return ErrEmptyDecode
	}
	plane := lumaPlane(img, motionPlaneSize)
	if len(plane) == 0 {
		return errNoPixelStats
	}

	var sum float64
	for _, v := range plane {
		sum += float64(v)
	}
	mean := sum / float64(len(plane))
	if mean < minLumaMean || mean > maxLumaMean {
		return ErrBlankFrame
	}

	var variance float64
	for _, v := range plane {
		d := float64(v) - mean
		variance += d * d
	}
	if math.Sqrt(variance/float64(len(plane))) < minLumaStddev {
		return ErrFlatFrame
	}
	return nil
}
