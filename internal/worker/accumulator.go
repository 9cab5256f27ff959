package worker

import (
	"time"

	"github.com/technosupport/trinetra/internal/framebus"
)

// MicroBatchAccumulator gathers frame bus entries across cameras until
// either the size cap or the time cap fires. The size cap serves GPU
// efficiency, the time cap bounds latency when cameras are quiet.
//
// The timeout clock starts when the first entry of a batch arrives, not at
// construction, so an idle period never causes a spurious empty flush.
type MicroBatchAccumulator struct {
	batchSize int
	timeout   time.Duration
	batch     []framebus.Entry
	start     time.Time
	now       func() time.Time
}

func NewMicroBatchAccumulator(batchSize int, timeout time.Duration) *MicroBatchAccumulator {
	return &MicroBatchAccumulator{
		batchSize: batchSize,
		timeout:   timeout,
		now:       time.Now,
	}
}

// Add appends entries and reports whether the batch is ready to flush.
func (a *MicroBatchAccumulator) Add(entries ...framebus.Entry) bool {
	for _, e := range entries {
		if len(a.batch) == 0 {
			a.start = a.now()
		}
		a.batch = append(a.batch, e)
	}
	return a.Ready()
}

// Ready reports whether either flush condition holds.
func (a *MicroBatchAccumulator) Ready() bool {
	if len(a.batch) == 0 {
		return false
	}
	return len(a.batch) >= a.batchSize || a.now().Sub(a.start) >= a.timeout
}

// Flush returns the accumulated entries and resets.
func (a *MicroBatchAccumulator) Flush() []framebus.Entry {
	batch := a.batch
	a.batch = nil
	metricBatchFill.Observe(float64(len(batch)) / float64(a.batchSize))
	return batch
}

// Len returns the current accumulation size.
func (a *MicroBatchAccumulator) Len() int {
	return len(a.batch)
}
