package ingest

import "golang.org/x/time/rate"

// burstCapacity is the token bucket depth: short bursts above target fps are
// absorbed, sustained ones are shed.
const burstCapacity = 5

// BurstSuppressor is the final drop stage: a token bucket refilled at the
// camera's target fps. A frame that survived the sampler is forwarded only
// if a token is available. Applies to every camera, priority-exempt or not.
type BurstSuppressor struct {
	limiter *rate.Limiter
}

func NewBurstSuppressor(targetFPS int) *BurstSuppressor {
	if targetFPS <= 0 {
		targetFPS = 15
	}
	return &BurstSuppressor{limiter: rate.NewLimiter(rate.Limit(targetFPS), burstCapacity)}
}

// Allow consumes a token if one is available.
func (b *BurstSuppressor) Allow() bool {
	return b.limiter.Allow()
}
