package resolver

import (
	"github.com/technosupport/trinetra/internal/config"
)

// GateDecision is the outcome of a spatiotemporal plausibility check.
type GateDecision int

const (
	// GateAccept means the transition is physically plausible.
	GateAccept GateDecision = iota
	// GateReject means the candidate cannot have reached this camera yet.
	GateReject
	// GateExpired means the last sighting fell out of the gate window, so
	// the gate has no opinion.
	GateExpired
)

// Gate rejects candidate identities whose last known sighting makes the
// current one physically impossible given the floor plan.
type Gate struct {
	matrix *config.TravelTimeMatrix
	window float64 // seconds
}

func NewGate(matrix *config.TravelTimeMatrix, windowSeconds float64) *Gate {
	return &Gate{matrix: matrix, window: windowSeconds}
}

// Evaluate checks one candidate against its last registry sighting. A nil
// sighting (first appearance, or evicted) always passes.
func (g *Gate) Evaluate(last *Sighting, cameraID string, ts float64) GateDecision {
	if last == nil {
		return GateAccept
	}
	dt := ts - last.LastSeenTS
	if dt >= g.window {
		return GateExpired
	}
	// Same camera is always plausible, MinTravel returns 0 for it.
	if dt < g.matrix.MinTravel(last.CameraID, cameraID) {
		return GateReject
	}
	return GateAccept
}

// Window returns the gate window in seconds. The registry TTL is the same
// value; a sighting older than the window cannot influence gating.
func (g *Gate) Window() float64 {
	return g.window
}
