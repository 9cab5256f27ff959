package ingest

import (
	"image"
	"math"
)

// Motion estimation parameters. The estimator runs on a coarse luma plane so
// its cost stays negligible next to JPEG decode.
const (
	motionPlaneSize  = 80 // downsampled luma plane edge, pixels
	motionBlockSize  = 8
	motionSearchSpan = 2 // +/- pixels searched per block
)

// MotionEstimator computes a cheap dense motion score between consecutive
// decoded frames: block matching on an 80x80 luma plane, mean magnitude of
// the best-match displacement across blocks. The first frame scores 0.
type MotionEstimator struct {
	prev []uint8
}

// Score consumes the current frame and returns the mean motion magnitude in
// plane pixels.
func (m *MotionEstimator) Score(img image.Image) float64 {
	cur := lumaPlane(img, motionPlaneSize)
	if m.prev == nil {
		m.prev = cur
		return 0
	}
	prev := m.prev
	m.prev = cur

	var total float64
	var blocks int
	for by := 0; by+motionBlockSize <= motionPlaneSize; by += motionBlockSize {
		for bx := 0; bx+motionBlockSize <= motionPlaneSize; bx += motionBlockSize {
			dx, dy := bestMatch(prev, cur, bx, by)
			total += math.Hypot(float64(dx), float64(dy))
			blocks++
		}
	}
	if blocks == 0 {
		return 0
	}
	return total / float64(blocks)
}

// bestMatch finds the displacement of the block at (bx,by) in cur that best
// matches prev, within the search span.
func bestMatch(prev, cur []uint8, bx, by int) (int, int) {
	bestSAD := math.MaxInt64
	bestDx, bestDy := 0, 0
	for dy := -motionSearchSpan; dy <= motionSearchSpan; dy++ {
		for dx := -motionSearchSpan; dx <= motionSearchSpan; dx++ {
			sad := blockSAD(prev, cur, bx, by, dx, dy)
			if sad < bestSAD || (sad == bestSAD && dx == 0 && dy == 0) {
				bestSAD = sad
				bestDx, bestDy = dx, dy
			}
		}
	}
	return bestDx, bestDy
}

func blockSAD(prev, cur []uint8, bx, by, dx, dy int) int {
	sad := 0
	for y := 0; y < motionBlockSize; y++ {
		for x := 0; x < motionBlockSize; x++ {
			px, py := bx+x+dx, by+y+dy
			if px < 0 || py < 0 || px >= motionPlaneSize || py >= motionPlaneSize {
				sad += 255 // out-of-bounds penalty
				continue
			}
			a := int(cur[(by+y)*motionPlaneSize+bx+x])
			b := int(prev[py*motionPlaneSize+px])
			d := a - b
			if d < 0 {
				d = -d
			}
			sad += d
		}
	}
	return sad
}

// lumaPlane downsamples an image to a size x size grayscale plane with
// nearest-neighbor sampling.
func lumaPlane(img image.Image, size int) []uint8 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	plane := make([]uint8, size*size)
	if w == 0 || h == 0 {
		return plane
	}
	for y := 0; y < size; y++ {
		sy := b.Min.Y + y*h/size
		for x := 0; x < size; x++ {
			sx := b.Min.X + x*w/size
			r, g, bl, _ := img.At(sx, sy).RGBA()
			// BT.601 luma on 16-bit channel values.
			plane[y*size+x] = uint8((299*r + 587*g + 114*bl) / 1000 >> 8)
		}
	}
	return plane
}
