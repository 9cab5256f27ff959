package ingest

import (
	"bytes"
	"context"
	"image/jpeg"
	"log"
	"sync/atomic"
	"time"

	"github.com/technosupport/trinetra/internal/config"
	"github.com/technosupport/trinetra/internal/framebus"
)

// Pipeline is the non-blocking half of one camera's task group: it pulls
// decoded frames off the reader queue, validates, samples, rate-limits,
// resizes and publishes. All per-camera state lives here; nothing is shared
// across cameras.
type Pipeline struct {
	cam        config.Camera
	bus        *framebus.Bus
	reader     *Reader
	sampler    *AdaptiveSampler
	suppressor *BurstSuppressor
	motion     MotionEstimator

	frameIndex int64
	published  atomic.Int64
	lastTS     atomic.Int64 // unix seconds of last publish
}

// assumedCaptureFPS is used to derive the base skip interval; cheap IP
// cameras rarely report a trustworthy fps before the first GOP.
const assumedCaptureFPS = 30

func NewPipeline(cam config.Camera, bus *framebus.Bus) *Pipeline {
	return &Pipeline{
		cam:        cam,
		bus:        bus,
		reader:     NewReader(cam),
		sampler:    NewAdaptiveSampler(assumedCaptureFPS, cam.TargetFPS, cam.PriorityExempt()),
		suppressor: NewBurstSuppressor(cam.TargetFPS),
	}
}

// Run blocks until ctx is cancelled. The reader runs as a sibling goroutine
// inside the same camera task group.
func (p *Pipeline) Run(ctx context.Context) {
	go p.reader.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case raw := <-p.reader.Frames():
			p.process(ctx, raw)
		}
	}
}

func (p *Pipeline) process(ctx context.Context, raw rawFrame) {
	camID := p.cam.ID

	img, err := jpeg.Decode(bytes.NewReader(raw.jpeg))
	if err != nil {
		metricFramesDropped.WithLabelValues(camID, dropReasonCorrupt).Inc()
		return
	}
	if err := ValidateFrame(img); err != nil {
		metricFramesDropped.WithLabelValues(camID, dropReasonCorrupt).Inc()
		return
	}

	fill, err := p.bus.FillRatio(ctx, camID)
	if err != nil {
		// Store dropout: sampler sees zero backpressure, publish will count it.
		fill = 0
	}
	metricFillRatio.WithLabelValues(camID).Set(fill)

	motion := p.motion.Score(img)
	if !p.sampler.ShouldForward(motion, fill) {
		metricFramesDropped.WithLabelValues(camID, dropReasonSampled).Inc()
		return
	}
	if !p.suppressor.Allow() {
		metricFramesDropped.WithLabelValues(camID, dropReasonBurst).Inc()
		return
	}

	encoded, err := EncodeForInference(img)
	if err != nil {
		metricFramesDropped.WithLabelValues(camID, dropReasonCorrupt).Inc()
		return
	}

	frame := &framebus.Frame{
		CameraID:   camID,
		CameraType: p.cam.Type,
		FrameIndex: p.frameIndex,
		IngestTS:   float64(raw.captureTS.UnixNano()) / 1e9,
		JPEG:       encoded,
	}
	if !raw.cameraTS.IsZero() {
		frame.FrameTS = float64(raw.cameraTS.UnixNano()) / 1e9
	}

	if _, err := p.bus.Publish(ctx, frame); err != nil {
		metricFramesDropped.WithLabelValues(camID, dropReasonPublish).Inc()
		log.Printf("[ERROR] Pipeline (%s): publish failed: %v", camID, err)
		return
	}
	p.frameIndex++
	p.published.Add(1)
	p.lastTS.Store(time.Now().Unix())
	metricFramesIngested.WithLabelValues(camID, string(p.cam.Type)).Inc()
	metricFrameLatency.Observe(time.Since(raw.captureTS).Seconds())
}
