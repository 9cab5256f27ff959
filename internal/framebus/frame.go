package framebus

import (
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/technosupport/trinetra/internal/events"
)

// Frame is one decoded image placed on the bus: 640x640, JPEG-encoded.
// frame_index is strictly increasing within one (ingestor epoch, camera).
type Frame struct {
	CameraID   string
	CameraType events.CameraType
	FrameIndex int64
	IngestTS   float64 // wall-clock seconds at the ingestor
	FrameTS    float64 // camera-reported; 0 when absent
	JPEG       []byte
}

// EffectiveTS is the camera-reported timestamp when present, else ingest time.
func (f *Frame) EffectiveTS() float64 {
	if f.FrameTS > 0 {
		return f.FrameTS
	}
	return f.IngestTS
}

func (f *Frame) fields() map[string]interface{} {
	m := map[string]interface{}{
		"camera_id":   f.CameraID,
		"camera_type": string(f.CameraType),
		"frame_index": strconv.FormatInt(f.FrameIndex, 10),
		"ingest_ts":   strconv.FormatFloat(f.IngestTS, 'f', -1, 64),
		"frame":       f.JPEG,
	}
	if f.FrameTS > 0 {
		m["frame_ts"] = strconv.FormatFloat(f.FrameTS, 'f', -1, 64)
	}
	return m
}

// Entry is a Frame with its bus-assigned monotonic entry id. Owned by the bus
// until acked by a consumer group.
type Entry struct {
	Stream string
	ID     string
	Frame  Frame
}

func entryFromMessage(stream string, msg redis.XMessage) (Entry, error) {
	e := Entry{Stream: stream, ID: msg.ID}
	get := func(key string) string {
		if v, ok := msg.Values[key]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
		return ""
	}
	e.Frame.CameraID = get("camera_id")
	e.Frame.CameraType = events.CameraType(get("camera_type"))
	e.Frame.JPEG = []byte(get("frame"))
	if e.Frame.CameraID == "" || len(e.Frame.JPEG) == 0 {
		return e, fmt.Errorf("entry %s on %s is missing camera_id or frame", msg.ID, stream)
	}
	var err error
	if e.Frame.FrameIndex, err = strconv.ParseInt(get("frame_index"), 10, 64); err != nil {
		return e, fmt.Errorf("entry %s has bad frame_index: %w", msg.ID, err)
	}
	if e.Frame.IngestTS, err = strconv.ParseFloat(get("ingest_ts"), 64); err != nil {
		return e, fmt.Errorf("entry %s has bad ingest_ts: %w", msg.ID, err)
	}
	if ts := get("frame_ts"); ts != "" {
		e.Frame.FrameTS, _ = strconv.ParseFloat(ts, 64)
	}
	return e, nil
}
