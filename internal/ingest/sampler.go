package ingest

// Sampler thresholds.
const (
	highWaterMark   = 0.80 // frame bus fill ratio above which skip grows
	motionThreshold = 2.5  // mean motion magnitude in pixels
)

// AdaptiveSampler decides whether a frame is forwarded for inference.
//
// Baseline forwards every Nth frame (N = capture fps / target fps). Bus
// backpressure widens the skip interval up to 3x base; high motion narrows
// it back toward 1; otherwise it holds at base. Cameras with the priority
// exemption (billing, entrance) never drop here.
type AdaptiveSampler struct {
	baseInterval    int
	currentInterval int
	count           int64
	exempt          bool
}

func NewAdaptiveSampler(captureFPS, targetFPS int, exempt bool) *AdaptiveSampler {
	base := 1
	if targetFPS > 0 && captureFPS > targetFPS {
		base = captureFPS / targetFPS
	}
	return &AdaptiveSampler{baseInterval: base, currentInterval: base, exempt: exempt}
}

// ShouldForward advances the frame counter and applies the skip rules.
// motion is the mean motion magnitude vs the previous decoded frame;
// fillRatio is the current frame bus fill level for this camera.
func (s *AdaptiveSampler) ShouldForward(motion, fillRatio float64) bool {
	s.count++

	if fillRatio > highWaterMark {
		if s.currentInterval < s.baseInterval*3 {
			s.currentInterval++
		}
	} else if motion > motionThreshold {
		if s.currentInterval > 1 {
			s.currentInterval--
		}
	} else {
		s.currentInterval = s.baseInterval
	}

	if s.exempt {
		// Billing and entrance feeds only drop at the burst suppressor.
		return true
	}
	return s.count%int64(s.currentInterval) == 0
}

// Interval exposes the current skip interval for tests and debug endpoints.
func (s *AdaptiveSampler) Interval() int {
	return s.currentInterval
}
