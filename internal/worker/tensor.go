package worker

import (
	"image"

	"golang.org/x/image/draw"
)

// Operator input geometry.
const (
	detectorEdge = 640
	embedderEdge = 112
)

// DetectionTensor assembles a (B, 3, 640, 640) CHW float32 tensor from
// decoded frames, channels scaled to [0, 1]. Frames are already 640x640 on
// the bus; anything else is scaled defensively.
func DetectionTensor(frames []image.Image) []float32 {
	out := make([]float32, 0, len(frames)*3*detectorEdge*detectorEdge)
	for _, f := range frames {
		out = append(out, chwPlanes(f, detectorEdge, func(v uint8) float32 {
			return float32(v) / 255.0
		})...)
	}
	return out
}

// EmbeddingTensor assembles a (C, 3, 112, 112) CHW float32 tensor from face
// crops with ArcFace normalization (x - 127.5) / 127.5.
func EmbeddingTensor(crops []image.Image) []float32 {
	out := make([]float32, 0, len(crops)*3*embedderEdge*embedderEdge)
	for _, c := range crops {
		out = append(out, chwPlanes(c, embedderEdge, func(v uint8) float32 {
			return (float32(v) - 127.5) / 127.5
		})...)
	}
	return out
}

// CropFace extracts the face region of a detection bbox (in frame pixel
// coordinates) and resizes it to the embedder input. Returns nil when the
// clamped box is degenerate, meaning no embedding for this detection.
func CropFace(frame image.Image, bbox [4]float64) image.Image {
	b := frame.Bounds()
	x1, y1 := clampInt(int(bbox[0]), b.Min.X, b.Max.X), clampInt(int(bbox[1]), b.Min.Y, b.Max.Y)
	x2, y2 := clampInt(int(bbox[2]), b.Min.X, b.Max.X), clampInt(int(bbox[3]), b.Min.Y, b.Max.Y)
	if x2-x1 < 2 || y2-y1 < 2 {
		return nil
	}
	dst := image.NewRGBA(image.Rect(0, 0, embedderEdge, embedderEdge))
	draw.BiLinear.Scale(dst, dst.Bounds(), frame, image.Rect(x1, y1, x2, y2), draw.Src, nil)
	return dst
}

func chwPlanes(img image.Image, edge int, norm func(uint8) float32) []float32 {
	src := img
	if b := img.Bounds(); b.Dx() != edge || b.Dy() != edge {
		dst := image.NewRGBA(image.Rect(0, 0, edge, edge))
		draw.BiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
		src = dst
	}
	b := src.Bounds()
	n := edge * edge
	out := make([]float32, 3*n)
	for y := 0; y < edge; y++ {
		for x := 0; x < edge; x++ {
			r, g, bl, _ := src.At(b.Min.X+x, b.Min.Y+y).RGBA()
			i := y*edge + x
			out[i] = norm(uint8(r >> 8))
			out[n+i] = norm(uint8(g >> 8))
			out[2*n+i] = norm(uint8(bl >> 8))
		}
	}
	return out
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
