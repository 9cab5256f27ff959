package worker

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/technosupport/trinetra/internal/events"
)

// Tracker association parameters.
const (
	iouMatchThreshold = 0.3
	trackMaxAgeSec    = 10.0 // unseen tracks are pruned after this
)

// Tracker assigns per-camera stable track ids by greedy IoU association
// between consecutive frames. State is held in-process and serialized to
// the frame bus backing store on clean shutdown; short crashes are absorbed
// by frame replay from the consumer group pending list.
//
// Only the worker main loop touches a Tracker, so it carries no lock.
type Tracker struct {
	Cameras map[string]*cameraTracks `json:"cameras"`
}

type cameraTracks struct {
	NextID int64    `json:"next_id"`
	Tracks []*track `json:"tracks"`
}

type track struct {
	ID       int64      `json:"id"`
	BBox     [4]float64 `json:"bbox"`
	LastSeen float64    `json:"last_seen"`
}

func NewTracker() *Tracker {
	return &Tracker{Cameras: make(map[string]*cameraTracks)}
}

// Assign sets TrackID on each detection for one camera frame at ts, reusing
// the id of the best-overlapping existing track or minting a new one.
func (t *Tracker) Assign(cameraID string, dets []events.Detection, ts float64) {
	cam, ok := t.Cameras[cameraID]
	if !ok {
		cam = &cameraTracks{NextID: 1}
		t.Cameras[cameraID] = cam
	}

	// Prune stale tracks first so their ids are not resurrected.
	alive := cam.Tracks[:0]
	for _, tr := range cam.Tracks {
		if ts-tr.LastSeen <= trackMaxAgeSec {
			alive = append(alive, tr)
		}
	}
	cam.Tracks = alive

	claimed := make(map[int64]bool, len(cam.Tracks))
	for i := range dets {
		var best *track
		bestIoU := iouMatchThreshold
		for _, tr := range cam.Tracks {
			if claimed[tr.ID] {
				continue
			}
			if v := iou(dets[i].BBox, tr.BBox); v > bestIoU {
				bestIoU = v
				best = tr
			}
		}
		if best != nil {
			dets[i].TrackID = best.ID
			best.BBox = dets[i].BBox
			best.LastSeen = ts
			claimed[best.ID] = true
			continue
		}
		tr := &track{ID: cam.NextID, BBox: dets[i].BBox, LastSeen: ts}
		cam.NextID++
		cam.Tracks = append(cam.Tracks, tr)
		dets[i].TrackID = tr.ID
		claimed[tr.ID] = true
	}
}

// Checkpoint serializes one camera's state for the tracker:{camera_id} key.
// Returns nil when the camera has no state yet.
func (t *Tracker) Checkpoint(cameraID string) ([]byte, error) {
	cam, ok := t.Cameras[cameraID]
	if !ok {
		return nil, nil
	}
	return json.Marshal(cam)
}

// Restore loads one camera's state from a checkpoint blob. A nil blob is a
// no-op (fresh start).
func (t *Tracker) Restore(cameraID string, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	var cam cameraTracks
	if err := json.Unmarshal(data, &cam); err != nil {
		return fmt.Errorf("restore tracker state for %s: %w", cameraID, err)
	}
	t.Cameras[cameraID] = &cam
	return nil
}

func iou(a, b [4]float64) float64 {
	ix1, iy1 := math.Max(a[0], b[0]), math.Max(a[1], b[1])
	ix2, iy2 := math.Min(a[2], b[2]), math.Min(a[3], b[3])
	iw, ih := ix2-ix1, iy2-iy1
	if iw <= 0 || ih <= 0 {
		return 0
	}
	inter := iw * ih
	areaA := (a[2] - a[0]) * (a[3] - a[1])
	areaB := (b[2] - b[0]) * (b[3] - b[1])
	union := areaA + areaB - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}
