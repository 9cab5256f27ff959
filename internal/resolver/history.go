package resolver

import (
	"fmt"
	"strconv"

	lru "github.com/hashicorp/golang-lru/v2"
)

// History confirmation parameters: an identity must win a 3-of-5 vote with
// a sufficient average score before it is ever emitted as matched. This
// suppresses single-frame flickers.
const (
	historyRingSize   = 5
	historyMajority   = 3
	flickerDemotion   = 3 // consecutive disagreements that demote a resolved track
	trackStaleSeconds = 30.0
	maxTrackedRings   = 4096
)

type ringEntry struct {
	CustomerID string
	Score      float64
	VIP        bool
}

// HistoryRing holds the last 5 candidate assignments for one track.
type HistoryRing struct {
	entries [historyRingSize]ringEntry
	n       int
	next    int
}

func (r *HistoryRing) Add(customerID string, score float64, vip bool) {
	r.entries[r.next] = ringEntry{CustomerID: customerID, Score: score, VIP: vip}
	r.next = (r.next + 1) % historyRingSize
	if r.n < historyRingSize {
		r.n++
	}
}

// VIPFor reports the gallery VIP flag recorded for a candidate. The winning
// majority may come from entries older than the current event, so the flag
// is read back from the ring rather than the latest search results.
func (r *HistoryRing) VIPFor(customerID string) bool {
	for i := 0; i < r.n; i++ {
		if r.entries[i].CustomerID == customerID && r.entries[i].VIP {
			return true
		}
	}
	return false
}

func (r *HistoryRing) Full() bool {
	return r.n == historyRingSize
}

func (r *HistoryRing) Reset() {
	*r = HistoryRing{}
}

// Majority returns the most frequent candidate in the ring, its vote count
// and its average score.
func (r *HistoryRing) Majority() (string, int, float64) {
	counts := make(map[string]int, r.n)
	sums := make(map[string]float64, r.n)
	for i := 0; i < r.n; i++ {
		e := r.entries[i]
		counts[e.CustomerID]++
		sums[e.CustomerID] += e.Score
	}
	var best string
	var bestCount int
	for id, c := range counts {
		if c > bestCount || (c == bestCount && id < best) {
			best, bestCount = id, c
		}
	}
	if bestCount == 0 {
		return "", 0, 0
	}
	return best, bestCount, sums[best] / float64(bestCount)
}

// trackPhase is the conceptual per-track state machine.
type trackPhase int

const (
	phaseNew trackPhase = iota
	phaseCollecting
	phaseResolved
)

type trackState struct {
	Ring           HistoryRing
	Phase          trackPhase
	ResolvedID     string
	DisagreeStreak int
	LastEventTS    float64
	Camera         string
}

// trackTable maps (camera, track_id) to ring state. The LRU cap bounds
// memory against track id churn; staleness is applied lazily on access.
type trackTable struct {
	cache *lru.Cache[string, *trackState]
}

func newTrackTable() *trackTable {
	c, _ := lru.New[string, *trackState](maxTrackedRings)
	return &trackTable{cache: c}
}

func trackKey(cameraID string, trackID int64) string {
	return cameraID + "/" + strconv.FormatInt(trackID, 10)
}

// get returns the state for a track, clearing it first if the track went
// stale (no events for 30s).
func (t *trackTable) get(cameraID string, trackID int64, ts float64) *trackState {
	key := trackKey(cameraID, trackID)
	st, ok := t.cache.Get(key)
	if !ok {
		st = &trackState{Phase: phaseNew, Camera: cameraID}
		t.cache.Add(key, st)
	} else if ts-st.LastEventTS > trackStaleSeconds {
		st.Ring.Reset()
		st.Phase = phaseNew
		st.ResolvedID = ""
		st.DisagreeStreak = 0
	}
	st.LastEventTS = ts
	return st
}

// resolvedAssignments lists (customer, camera, track, ts) for all currently
// resolved tracks; input to the false-merge sweep.
func (t *trackTable) resolvedAssignments() []assignment {
	var out []assignment
	for _, key := range t.cache.Keys() {
		st, ok := t.cache.Get(key)
		if !ok || st.Phase != phaseResolved {
			continue
		}
		out = append(out, assignment{
			CustomerID: st.ResolvedID,
			Camera:     st.Camera,
			Track:      key,
			TS:         st.LastEventTS,
		})
	}
	return out
}

type assignment struct {
	CustomerID string
	Camera     string
	Track      string
	TS         float64
}

func (a assignment) String() string {
	return fmt.Sprintf("%s@%s(track %s, t=%.1f)", a.CustomerID, a.Camera, a.Track, a.TS)
}
