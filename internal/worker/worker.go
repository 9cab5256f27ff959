// Package worker implements the inference worker: the only GPU-bearing
// component of the core. It consumes frames from all cameras fairly,
// micro-batches them, invokes the detector and embedder operators, assigns
// track ids and publishes one DetectionEvent per input frame.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"log"
	"sync/atomic"
	"time"

	"github.com/technosupport/trinetra/internal/config"
	"github.com/technosupport/trinetra/internal/eventlog"
	"github.com/technosupport/trinetra/internal/events"
	"github.com/technosupport/trinetra/internal/framebus"
)

const (
	ConsumerGroup = "inference-workers"

	reclaimIdle        = 60 * time.Second
	consumeBlock       = 50 * time.Millisecond
	maxCropsPerBatch   = 16
	publishRetries     = 5
	drainDeadline      = 10 * time.Second
	fatalPublishStreak = 10 // consecutive exhausted publishes before giving up the process
)

// Worker runs a single consume -> batch -> infer -> publish loop. Operator
// calls are serialized; horizontal scaling is more worker processes in the
// same frame bus consumer group.
type Worker struct {
	cfg       config.WorkerSettings
	bus       *framebus.Bus
	eventLog  *eventlog.Log
	detector  Detector
	embedder  Embedder
	tracker   *Tracker
	acc       *MicroBatchAccumulator
	cameraIDs []string

	publishStreak int
	healthy       atomic.Bool
}

func New(cfg config.WorkerSettings, bus *framebus.Bus, el *eventlog.Log, det Detector, emb Embedder, cams []config.Camera) *Worker {
	ids := make([]string, 0, len(cams))
	for _, c := range cams {
		ids = append(ids, c.ID)
	}
	return &Worker{
		cfg:       cfg,
		bus:       bus,
		eventLog:  el,
		detector:  det,
		embedder:  emb,
		tracker:   NewTracker(),
		acc:       NewMicroBatchAccumulator(cfg.BatchSize, cfg.BatchTimeout),
		cameraIDs: ids,
	}
}

// Healthy reports whether the main loop is running and the upstream
// handshake succeeded at least once.
func (w *Worker) Healthy() bool {
	return w.healthy.Load()
}

// Run blocks until ctx is cancelled or the event log is declared dead.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.bus.EnsureGroup(ctx, ConsumerGroup, w.cameraIDs...); err != nil {
		return err
	}
	topics := []string{eventlog.TopicDetections}
	if w.cfg.DualBillingTopic {
		topics = append(topics, eventlog.TopicDetectionsBilling)
	}
	if err := w.eventLog.EnsureTopics(topics...); err != nil {
		return err
	}
	w.restoreTrackers(ctx)
	w.healthy.Store(true)
	defer w.healthy.Store(false)

	// Startup recovery: take over entries abandoned by a crashed sibling.
	for _, cam := range w.cameraIDs {
		entries, err := w.bus.Reclaim(ctx, ConsumerGroup, w.cfg.ConsumerName, cam, reclaimIdle)
		if err != nil {
			log.Printf("[WARN] Worker: reclaim %s: %v", cam, err)
			continue
		}
		if len(entries) > 0 {
			log.Printf("[INFO] Worker: reclaimed %d abandoned entries for %s", len(entries), cam)
			w.acc.Add(entries...)
		}
	}

	log.Printf("[INFO] Worker %s: consuming %d camera streams", w.cfg.ConsumerName, len(w.cameraIDs))
	for {
		select {
		case <-ctx.Done():
			return w.shutdown()
		default:
		}

		entries, err := w.bus.Consume(ctx, ConsumerGroup, w.cfg.ConsumerName, w.cameraIDs, int64(w.cfg.BatchSize), consumeBlock)
		if err != nil {
			if ctx.Err() != nil {
				return w.shutdown()
			}
			log.Printf("[ERROR] Worker: consume failed: %v", err)
			time.Sleep(time.Second)
			continue
		}
		w.acc.Add(entries...)

		if w.acc.Ready() {
			if err := w.processBatch(ctx, w.acc.Flush()); err != nil {
				return err
			}
		}
	}
}

// shutdown drains the in-flight batch with a bounded deadline and persists
// tracker state. Unacked work is deliberately left for reclaim.
func (w *Worker) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), drainDeadline)
	defer cancel()
	if w.acc.Len() > 0 {
		if err := w.processBatch(ctx, w.acc.Flush()); err != nil {
			log.Printf("[WARN] Worker: drain batch failed: %v", err)
		}
	}
	for cam := range w.tracker.Cameras {
		data, err := w.tracker.Checkpoint(cam)
		if err != nil || data == nil {
			continue
		}
		if err := w.bus.SaveCheckpoint(ctx, cam, data); err != nil {
			log.Printf("[WARN] Worker: checkpoint %s: %v", cam, err)
		}
	}
	log.Printf("[INFO] Worker %s: stopped cleanly", w.cfg.ConsumerName)
	return nil
}

func (w *Worker) restoreTrackers(ctx context.Context) {
	for _, cam := range w.cameraIDs {
		data, err := w.bus.LoadCheckpoint(ctx, cam)
		if err != nil {
			log.Printf("[WARN] Worker: load checkpoint %s: %v", cam, err)
			continue
		}
		if err := w.tracker.Restore(cam, data); err != nil {
			log.Printf("[WARN] Worker: %v", err)
		}
	}
}

// processBatch runs one flush: decode, detect, embed, track, publish, ack.
func (w *Worker) processBatch(ctx context.Context, batch []framebus.Entry) error {
	if len(batch) == 0 {
		return nil
	}

	frames := make([]image.Image, 0, len(batch))
	kept := make([]framebus.Entry, 0, len(batch))
	for _, e := range batch {
		img, err := jpeg.Decode(bytes.NewReader(e.Frame.JPEG))
		if err != nil || img == nil {
			// Corrupted payload: ack and drop rather than retrying into the
			// same decode failure forever.
			w.ack(ctx, e)
			continue
		}
		frames = append(frames, img)
		kept = append(kept, e)
	}
	if len(frames) == 0 {
		return nil
	}

	detections := w.detect(ctx, frames)

	for i, e := range kept {
		dets := make([]events.Detection, len(detections[i]))
		for j, rd := range detections[i] {
			dets[j] = events.Detection{BBox: rd.BBox, Conf: rd.Conf}
		}
		w.embedFaces(ctx, frames[i], dets)

		ts := e.Frame.EffectiveTS()
		w.tracker.Assign(e.Frame.CameraID, dets, ts)

		ev := events.DetectionEvent{
			CameraID:    e.Frame.CameraID,
			CameraType:  e.Frame.CameraType,
			FrameIndex:  e.Frame.FrameIndex,
			EffectiveTS: ts,
			Detections:  dets,
		}
		if err := w.publish(ctx, &ev); err != nil {
			return err
		}
		w.ack(ctx, e)
		metricFramesProcessed.WithLabelValues(ev.CameraID).Inc()
		metricDetections.WithLabelValues(ev.CameraID).Add(float64(len(dets)))
	}
	return nil
}

// detect invokes the detector with one OOM retry; total failure degrades to
// empty results so the frames still produce (empty) DetectionEvents.
func (w *Worker) detect(ctx context.Context, frames []image.Image) [][]RawDetection {
	tensor := DetectionTensor(frames)
	start := time.Now()
	dets, err := w.detector.Detect(ctx, tensor, len(frames))
	metricDetectionLatency.Observe(time.Since(start).Seconds())
	if err == nil {
		return dets
	}
	if errors.Is(err, ErrOperatorOOM) {
		metricOperatorOOM.Inc()
		dets, err = w.detector.Detect(ctx, tensor, len(frames))
		if err == nil {
			return dets
		}
	}
	log.Printf("[ERROR] Worker: detector failed, emitting empty detections: %v", err)
	return make([][]RawDetection, len(frames))
}

// embedFaces crops each detection, embeds the crops in sub-batches of at
// most 16 and attaches unit-norm vectors to the detections. A detection
// whose crop is degenerate simply carries no embedding.
func (w *Worker) embedFaces(ctx context.Context, frame image.Image, dets []events.Detection) {
	var crops []image.Image
	var owners []int
	for i := range dets {
		if crop := CropFace(frame, dets[i].BBox); crop != nil {
			crops = append(crops, crop)
			owners = append(owners, i)
		}
	}

	for off := 0; off < len(crops); off += maxCropsPerBatch {
		end := off + maxCropsPerBatch
		if end > len(crops) {
			end = len(crops)
		}
		vectors := w.embedSubBatch(ctx, crops[off:end])
		for k, v := range vectors {
			if v == nil {
				continue
			}
			// A wrong-dimension vector is an operator contract violation,
			// not a normalization problem; it never goes on the wire.
			if len(v) != events.EmbeddingDim {
				log.Printf("[ERROR] Worker: embedder returned %d dims, want %d, dropping", len(v), events.EmbeddingDim)
				continue
			}
			if events.ValidateEmbedding(v) != nil {
				events.Normalize(v)
			}
			dets[owners[off+k]].Embedding = v
		}
	}
}

// embedSubBatch handles the OOM degradation path: shrink to floor 1 and
// retry once per half before giving up on those crops.
func (w *Worker) embedSubBatch(ctx context.Context, crops []image.Image) [][]float32 {
	start := time.Now()
	vectors, err := w.embedder.Embed(ctx, EmbeddingTensor(crops), len(crops))
	metricEmbeddingLatency.Observe(time.Since(start).Seconds())
	if err == nil {
		return vectors
	}
	if !errors.Is(err, ErrOperatorOOM) || len(crops) == 1 {
		log.Printf("[ERROR] Worker: embedder failed for %d crops: %v", len(crops), err)
		return make([][]float32, len(crops))
	}

	metricOperatorOOM.Inc()
	mid := len(crops) / 2
	out := make([][]float32, 0, len(crops))
	out = append(out, w.embedSubBatch(ctx, crops[:mid])...)
	out = append(out, w.embedSubBatch(ctx, crops[mid:])...)
	return out
}

// publish sends one DetectionEvent with bounded retries. Exhausted retries
// are accepted loss for the frame, but a long streak means the log backbone
// is down and the process should crash for the supervisor to restart.
func (w *Worker) publish(ctx context.Context, ev *events.DetectionEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal detection event: %w", err)
	}
	topic := eventlog.TopicDetections
	if w.cfg.DualBillingTopic && ev.CameraType == events.CameraBilling {
		topic = eventlog.TopicDetectionsBilling
	}
	if err := w.eventLog.Publish(ctx, topic, ev.CameraID, payload, publishRetries); err != nil {
		metricPublishErrors.Inc()
		w.publishStreak++
		log.Printf("[ERROR] Worker: %v", err)
		if w.publishStreak >= fatalPublishStreak {
			return fmt.Errorf("event log unavailable for %d consecutive frames: %w", w.publishStreak, err)
		}
		return nil
	}
	w.publishStreak = 0
	return nil
}

func (w *Worker) ack(ctx context.Context, e framebus.Entry) {
	if err := w.bus.Ack(ctx, ConsumerGroup, e.Stream, e.ID); err != nil {
		log.Printf("[WARN] Worker: ack %s on %s failed: %v", e.ID, e.Stream, err)
	}
}
