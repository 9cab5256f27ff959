package ingest

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/technosupport/trinetra/internal/config"
	"github.com/technosupport/trinetra/internal/events"
	"github.com/technosupport/trinetra/internal/framebus"
)

// Supervisor spawns one independent task group per camera at boot. Groups
// share nothing: each owns its reader, sampler, suppressor and backoff
// state, so one flapping camera cannot disturb its siblings.
type Supervisor struct {
	bus       *framebus.Bus
	pipelines map[string]*Pipeline
	wg        sync.WaitGroup
	running   atomic.Bool
}

// CameraStatus is what the ingestor's /cameras endpoint reports.
type CameraStatus struct {
	CameraID      string            `json:"camera_id"`
	CameraType    events.CameraType `json:"camera_type"`
	FramesOut     int64             `json:"frames_out"`
	LastPublishTS int64             `json:"last_publish_ts"`
}

// NewSupervisor validates every camera URL against the CIDR allowlist and
// builds the per-camera pipelines. A single bad camera fails startup: the
// config file is the unit of deployment.
func NewSupervisor(cams []config.Camera, bus *framebus.Bus, allowedCIDRs []string) (*Supervisor, error) {
	s := &Supervisor{bus: bus, pipelines: make(map[string]*Pipeline, len(cams))}
	for _, cam := range cams {
		if err := config.ValidateRTSPHost(cam.RTSPURL, allowedCIDRs); err != nil {
			return nil, fmt.Errorf("camera %s: %w", cam.ID, err)
		}
		s.pipelines[cam.ID] = NewPipeline(cam, bus)
	}
	return s, nil
}

// Healthy reports whether the camera groups are running.
func (s *Supervisor) Healthy() bool {
	return s.running.Load()
}

// Start launches all camera groups.
func (s *Supervisor) Start(ctx context.Context) {
	s.running.Store(true)
	log.Printf("[INFO] Supervisor: starting ingestion for %d cameras", len(s.pipelines))
	for id, p := range s.pipelines {
		s.wg.Add(1)
		go func(id string, p *Pipeline) {
			defer s.wg.Done()
			p.Run(ctx)
			log.Printf("[INFO] Supervisor: camera group %s stopped", id)
		}(id, p)
	}
}

// Drain waits for all camera groups to stop, bounded by the shutdown
// deadline. Frames still in reader queues are intentionally abandoned;
// ingestor state is rebuilt from scratch on restart.
func (s *Supervisor) Drain(deadline time.Duration) {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(deadline):
		log.Printf("[WARN] Supervisor: drain deadline exceeded, abandoning in-flight frames")
	}
	s.running.Store(false)
}

// Status reports per-camera publish progress.
func (s *Supervisor) Status() []CameraStatus {
	out := make([]CameraStatus, 0, len(s.pipelines))
	for _, p := range s.pipelines {
		out = append(out, CameraStatus{
			CameraID:      p.cam.ID,
			CameraType:    p.cam.Type,
			FramesOut:     p.published.Load(),
			LastPublishTS: p.lastTS.Load(),
		})
	}
	return out
}
