package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/trinetra/internal/config"
	"github.com/technosupport/trinetra/internal/events"
)

type upsertCall struct {
	CustomerID string
	Embedding  []float32
}

type fakeSearch struct {
	hits    []Candidate
	err     error
	lastEF  int
	upserts []upsertCall
}

func (f *fakeSearch) TopK(_ context.Context, _ []float32, _, ef int) ([]Candidate, error) {
	f.lastEF = ef
	if f.err != nil {
		return nil, f.err
	}
	return f.hits, nil
}

func (f *fakeSearch) Upsert(_ context.Context, customerID string, embedding []float32, _ bool) error {
	f.upserts = append(f.upserts, upsertCall{CustomerID: customerID, Embedding: embedding})
	return nil
}

func testMatrix() *config.TravelTimeMatrix {
	return config.NewTravelMatrix(map[string]map[string]float64{
		"billing":  {"entrance": 25},
		"entrance": {"billing": 25},
	})
}

func testResolver(search SimilaritySearch) *Resolver {
	cfg := config.ResolverSettings{
		CosineThreshold:  0.72,
		HistoryThreshold: 0.74,
		GateWindow:       3600 * time.Second,
	}
	return New(cfg, nil, search, testMatrix())
}

func unitEmbedding() []float32 {
	e := make([]float32, events.EmbeddingDim)
	e[0] = 1
	return e
}

func detectionEvent(camera string, camType events.CameraType, trackID int64, ts float64) (*events.DetectionEvent, *events.Detection) {
	det := &events.Detection{
		BBox:      [4]float64{10, 10, 50, 90},
		Conf:      0.9,
		TrackID:   trackID,
		Embedding: unitEmbedding(),
	}
	return &events.DetectionEvent{
		CameraID:    camera,
		CameraType:  camType,
		EffectiveTS: ts,
		Detections:  []events.Detection{*det},
	}, det
}

func TestHistoryRingMajority(t *testing.T) {
	var ring HistoryRing
	assert.False(t, ring.Full())

	for _, id := range []string{"a", "a", "b", "a", "b"} {
		ring.Add(id, 0.8, false)
	}
	require.True(t, ring.Full())

	id, votes, avg := ring.Majority()
	assert.Equal(t, "a", id)
	assert.Equal(t, 3, votes)
	assert.InDelta(t, 0.8, avg, 1e-9)

	// A sixth entry overwrites the oldest.
	ring.Add("b", 0.9, false)
	id, votes, _ = ring.Majority()
	assert.Equal(t, "b", id)
	assert.Equal(t, 3, votes)
}

func TestCleanMatchAfterFiveEvents(t *testing.T) {
	search := &fakeSearch{hits: []Candidate{{CustomerID: "cust_A", Score: 1.0}}}
	r := testResolver(search)

	for i := 0; i < 4; i++ {
		ev, det := detectionEvent("entrance", events.CameraEntrance, 1, 1000.0+float64(i)*0.1)
		identity, err := r.resolveDetection(context.Background(), ev, det)
		require.NoError(t, err)
		assert.Equal(t, events.SourceInsufficientHistory, identity.Source, "event %d", i)
		assert.Equal(t, events.UnknownCustomer, identity.CustomerID)
	}

	ev, det := detectionEvent("entrance", events.CameraEntrance, 1, 1000.4)
	identity, err := r.resolveDetection(context.Background(), ev, det)
	require.NoError(t, err)
	assert.Equal(t, events.SourceMatched, identity.Source)
	assert.Equal(t, "cust_A", identity.CustomerID)
	assert.GreaterOrEqual(t, identity.Confidence, 0.99)

	// A confirmed match lands in the registry.
	require.NotNil(t, r.registry.Get("cust_A", 1000.5))
	assert.Equal(t, "entrance", r.registry.Get("cust_A", 1000.5).CameraID)
}

func TestGateRejectsImpossibleTransition(t *testing.T) {
	search := &fakeSearch{hits: []Candidate{{CustomerID: "cust_B", Score: 0.90}}}
	r := testResolver(search)
	r.registry.Set("cust_B", "billing", 7, 1500.0, unitEmbedding())

	before := testutil.ToFloat64(metricGateRejections.WithLabelValues(reasonImpossibleTransition))

	// 10 s elapsed against a 25 s floor-plan minimum (22.5 after the
	// safety factor).
	ev, det := detectionEvent("entrance", events.CameraEntrance, 2, 1510.0)
	identity, err := r.resolveDetection(context.Background(), ev, det)
	require.NoError(t, err)
	assert.Equal(t, events.SourceGatedUnknown, identity.Source)
	assert.Equal(t, events.UnknownCustomer, identity.CustomerID)

	after := testutil.ToFloat64(metricGateRejections.WithLabelValues(reasonImpossibleTransition))
	assert.Equal(t, before+1, after)

	// The rejection feeds the false-merge sweep.
	require.Len(t, r.suspects, 1)
	assert.Equal(t, "cust_B", r.suspects[0].CustomerID)
	assert.Equal(t, "billing", r.suspects[0].FromCamera)
	assert.Equal(t, "entrance", r.suspects[0].ToCamera)
}

func TestGatePlausibleTransitionPasses(t *testing.T) {
	search := &fakeSearch{hits: []Candidate{{CustomerID: "cust_B", Score: 0.90}}}
	r := testResolver(search)
	r.registry.Set("cust_B", "billing", 7, 1500.0, unitEmbedding())

	// 60 s is comfortably above the scaled 22.5 s minimum.
	ev, det := detectionEvent("entrance", events.CameraEntrance, 2, 1560.0)
	identity, err := r.resolveDetection(context.Background(), ev, det)
	require.NoError(t, err)
	assert.Equal(t, events.SourceInsufficientHistory, identity.Source, "passes the gate, ring not full yet")
	assert.Empty(t, r.suspects)
}

func TestGateExpiredSightingAllows(t *testing.T) {
	matrix := testMatrix()
	g := NewGate(matrix, 3600)

	last := &Sighting{CameraID: "billing", LastSeenTS: 1000}
	assert.Equal(t, GateReject, g.Evaluate(last, "entrance", 1010))
	assert.Equal(t, GateAccept, g.Evaluate(last, "entrance", 1100))
	assert.Equal(t, GateAccept, g.Evaluate(last, "billing", 1001), "same camera always passes")
	assert.Equal(t, GateExpired, g.Evaluate(last, "entrance", 1000+3600))
	assert.Equal(t, GateAccept, g.Evaluate(nil, "entrance", 1000))
}

func TestBelowThresholdIsInsufficientHistory(t *testing.T) {
	search := &fakeSearch{hits: []Candidate{{CustomerID: "cust_C", Score: 0.50}}}
	r := testResolver(search)

	ev, det := detectionEvent("entrance", events.CameraEntrance, 1, 1000.0)
	identity, err := r.resolveDetection(context.Background(), ev, det)
	require.NoError(t, err)
	assert.Equal(t, events.SourceInsufficientHistory, identity.Source)
}

func TestSearchOutageReturnsUnavailable(t *testing.T) {
	search := &fakeSearch{err: errors.New("connection refused")}
	r := testResolver(search)

	ev, det := detectionEvent("entrance", events.CameraEntrance, 1, 1000.0)
	identity, err := r.resolveDetection(context.Background(), ev, det)
	assert.Error(t, err, "the caller must not commit the offset")
	assert.Equal(t, events.SourceQdrantUnavailable, identity.Source)
	assert.Equal(t, events.UnknownCustomer, identity.CustomerID)
}

func TestBillingCameraWidensSearch(t *testing.T) {
	search := &fakeSearch{}
	r := testResolver(search)

	ev, det := detectionEvent("billing_01", events.CameraBilling, 1, 1000.0)
	_, err := r.resolveDetection(context.Background(), ev, det)
	require.NoError(t, err)
	assert.Equal(t, 128, search.lastEF)

	ev, det = detectionEvent("entrance", events.CameraEntrance, 1, 1000.0)
	_, err = r.resolveDetection(context.Background(), ev, det)
	require.NoError(t, err)
	assert.Equal(t, 50, search.lastEF)
}

func resolveTrack(t *testing.T, r *Resolver, camera string, track int64, base float64, n int) events.IdentityEvent {
	t.Helper()
	var identity events.IdentityEvent
	for i := 0; i < n; i++ {
		ev, det := detectionEvent(camera, events.CameraEntrance, track, base+float64(i)*0.1)
		var err error
		identity, err = r.resolveDetection(context.Background(), ev, det)
		require.NoError(t, err)
	}
	return identity
}

func TestFlickerDemotesResolvedTrack(t *testing.T) {
	search := &fakeSearch{hits: []Candidate{{CustomerID: "cust_A", Score: 0.95}}}
	r := testResolver(search)

	identity := resolveTrack(t, r, "entrance", 1, 1000.0, 5)
	require.Equal(t, "cust_A", identity.CustomerID)

	before := testutil.ToFloat64(metricIdentityFlicker)

	// Three consecutive disagreements swing the majority and demote.
	search.hits = []Candidate{{CustomerID: "cust_X", Score: 0.95}}
	identity = resolveTrack(t, r, "entrance", 1, 1000.5, 3)

	after := testutil.ToFloat64(metricIdentityFlicker)
	assert.Equal(t, before+1, after)
	assert.Equal(t, "cust_X", identity.CustomerID, "ring majority has swung")
}

func TestTrackGoesStaleAfterSilence(t *testing.T) {
	search := &fakeSearch{hits: []Candidate{{CustomerID: "cust_A", Score: 0.95}}}
	r := testResolver(search)

	identity := resolveTrack(t, r, "entrance", 1, 1000.0, 5)
	require.Equal(t, events.SourceMatched, identity.Source)

	// 31 s of silence clears the ring, so the next event starts over.
	ev, det := detectionEvent("entrance", events.CameraEntrance, 1, 1000.4+31)
	identity, err := r.resolveDetection(context.Background(), ev, det)
	require.NoError(t, err)
	assert.Equal(t, events.SourceInsufficientHistory, identity.Source)
}

func TestRegistryLazyEvictionAndSweep(t *testing.T) {
	r := NewRegistry(3600)
	r.Set("cust_A", "entrance", 1, 1000.0, nil)
	r.Set("cust_B", "billing", 2, 4000.0, nil)

	assert.Nil(t, r.Get("cust_A", 1000.0+3600), "aged out on read")
	assert.NotNil(t, r.Get("cust_B", 4500.0))
	assert.Equal(t, 1, r.Len())

	assert.Equal(t, 1, r.SweepExpired(4000.0+3600))
	assert.Equal(t, 0, r.Len())
}

func TestEMAWriteBackOnStrongMatch(t *testing.T) {
	search := &fakeSearch{hits: []Candidate{{CustomerID: "cust_A", Score: 0.95}}}
	r := testResolver(search)

	// First confirmation seeds the registry embedding; the next matched
	// event blends against it and writes the gallery back.
	resolveTrack(t, r, "entrance", 1, 1000.0, 5)
	require.Len(t, search.upserts, 0, "no previous embedding to blend on first match")

	resolveTrack(t, r, "entrance", 1, 1000.5, 1)
	require.Len(t, search.upserts, 1)
	assert.Equal(t, "cust_A", search.upserts[0].CustomerID)
	assert.NoError(t, events.ValidateEmbedding(search.upserts[0].Embedding))
}

func TestNoEMAWriteBackBelowScoreFloor(t *testing.T) {
	search := &fakeSearch{hits: []Candidate{{CustomerID: "cust_A", Score: 0.80}}}
	r := testResolver(search)

	resolveTrack(t, r, "entrance", 1, 1000.0, 6)
	assert.Empty(t, search.upserts)
}

func TestVIPFlagPropagates(t *testing.T) {
	search := &fakeSearch{hits: []Candidate{{CustomerID: "cust_V", Score: 0.95, VIP: true}}}
	r := testResolver(search)

	identity := resolveTrack(t, r, "entrance", 1, 1000.0, 5)
	require.Equal(t, events.SourceMatched, identity.Source)
	assert.True(t, identity.VIP)
}

type published struct {
	Topic   string
	Key     string
	Payload []byte
}

type fakePublisher struct {
	msgs      []published
	failTopic string
}

func (f *fakePublisher) Publish(_ context.Context, topic, key string, payload []byte, _ int) error {
	if topic == f.failTopic {
		return errors.New("brokers down")
	}
	f.msgs = append(f.msgs, published{Topic: topic, Key: key, Payload: payload})
	return nil
}

func (f *fakePublisher) onTopic(topic string) []published {
	var out []published
	for _, m := range f.msgs {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

type fakeCommit struct {
	acked bool
	naked bool
}

func (f *fakeCommit) Ack() error                { f.acked = true; return nil }
func (f *fakeCommit) Nak(_ time.Duration) error { f.naked = true; return nil }

func alertsOf(t *testing.T, pub *fakePublisher) []events.AlertEvent {
	t.Helper()
	var out []events.AlertEvent
	for _, m := range pub.onTopic("alerts") {
		var a events.AlertEvent
		require.NoError(t, json.Unmarshal(m.Payload, &a))
		out = append(out, a)
	}
	return out
}

func TestBootTopicsIncludeDetections(t *testing.T) {
	topics := bootTopics(false)
	assert.Contains(t, topics, "detections", "a resolver deployed before any worker must create its input stream")
	assert.Contains(t, topics, "identities")
	assert.Contains(t, topics, "alerts")
	assert.NotContains(t, topics, "detections_billing")

	assert.Contains(t, bootTopics(true), "detections_billing")
}

func TestUnknownAtBillingAlert(t *testing.T) {
	pub := &fakePublisher{}
	r := testResolver(&fakeSearch{})
	r.pub = pub

	ev := &events.DetectionEvent{CameraID: "bill_01", CameraType: events.CameraBilling, EffectiveTS: 1000}
	identity := events.IdentityEvent{TrackID: 9, CustomerID: events.UnknownCustomer, Source: events.SourceGatedUnknown}

	r.fireAlerts(context.Background(), ev, identity)
	alerts := alertsOf(t, pub)
	require.Len(t, alerts, 1)
	assert.Equal(t, events.AlertUnknownAtBilling, alerts[0].Kind)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Equal(t, "bill_01", alerts[0].CameraID)

	// The same condition inside the dedup window stays silent.
	r.fireAlerts(context.Background(), ev, identity)
	assert.Len(t, alertsOf(t, pub), 1)
}

func TestGateSuspectsBecomeFalseMergeAlerts(t *testing.T) {
	pub := &fakePublisher{}
	search := &fakeSearch{hits: []Candidate{{CustomerID: "cust_B", Score: 0.90}}}
	r := testResolver(search)
	r.pub = pub
	r.registry.Set("cust_B", "billing", 7, 1500.0, unitEmbedding())

	ev, det := detectionEvent("entrance", events.CameraEntrance, 2, 1510.0)
	_, err := r.resolveDetection(context.Background(), ev, det)
	require.NoError(t, err)
	require.Len(t, r.suspects, 1)

	// The scan runs on the 100-event cadence.
	for i := 0; i < falseMergeEveryK-1; i++ {
		r.bumpCounters(context.Background())
		assert.Empty(t, alertsOf(t, pub))
	}
	r.bumpCounters(context.Background())

	alerts := alertsOf(t, pub)
	require.Len(t, alerts, 1)
	assert.Equal(t, events.AlertFalseMerge, alerts[0].Kind)
	require.NotNil(t, alerts[0].CustomerID)
	assert.Equal(t, "cust_B", *alerts[0].CustomerID)
	assert.Equal(t, "billing", alerts[0].Details["from_camera"])
	assert.Empty(t, r.suspects, "suspects are consumed by the scan")
}

func TestSimultaneousResolvedAssignmentAlert(t *testing.T) {
	pub := &fakePublisher{}
	r := testResolver(&fakeSearch{})
	r.pub = pub

	// cust_Z resolved on two tracks one second apart across cameras with a
	// 22.5 s scaled travel minimum.
	st1 := r.tracks.get("entrance", 1, 2000.0)
	st1.Phase = phaseResolved
	st1.ResolvedID = "cust_Z"
	st2 := r.tracks.get("billing", 2, 2001.0)
	st2.Phase = phaseResolved
	st2.ResolvedID = "cust_Z"

	r.scanFalseMerges(context.Background())

	alerts := alertsOf(t, pub)
	require.Len(t, alerts, 1)
	assert.Equal(t, events.AlertFalseMerge, alerts[0].Kind)
	require.NotNil(t, alerts[0].CustomerID)
	assert.Equal(t, "cust_Z", *alerts[0].CustomerID)
}

func detectionPayload(t *testing.T, camera string, camType events.CameraType) []byte {
	t.Helper()
	ev, _ := detectionEvent(camera, camType, 1, 1000.0)
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	return data
}

func TestHandleMessageNakOnSearchOutage(t *testing.T) {
	pub := &fakePublisher{}
	r := testResolver(&fakeSearch{err: errors.New("503 from backend")})
	r.pub = pub

	commit := &fakeCommit{}
	r.handleMessage(context.Background(), detectionPayload(t, "entrance", events.CameraEntrance), commit)

	assert.True(t, commit.naked, "offset must not advance during an outage")
	assert.False(t, commit.acked)

	// The unavailable outcome is still published for downstream visibility.
	idents := pub.onTopic("identities")
	require.Len(t, idents, 1)
	var identity events.IdentityEvent
	require.NoError(t, json.Unmarshal(idents[0].Payload, &identity))
	assert.Equal(t, events.SourceQdrantUnavailable, identity.Source)
}

func TestHandleMessageNakOnPublishFailure(t *testing.T) {
	pub := &fakePublisher{failTopic: "identities"}
	r := testResolver(&fakeSearch{hits: []Candidate{{CustomerID: "cust_A", Score: 0.95}}})
	r.pub = pub

	commit := &fakeCommit{}
	r.handleMessage(context.Background(), detectionPayload(t, "entrance", events.CameraEntrance), commit)

	assert.True(t, commit.naked)
	assert.False(t, commit.acked)
}

func TestHandleMessageAcksBadPayload(t *testing.T) {
	r := testResolver(&fakeSearch{})
	r.pub = &fakePublisher{}

	before := testutil.ToFloat64(metricDeserializationErrors)
	commit := &fakeCommit{}
	r.handleMessage(context.Background(), []byte("{corrupt"), commit)

	assert.True(t, commit.acked, "a bad event is skipped, not replayed")
	assert.False(t, commit.naked)
	assert.Equal(t, before+1, testutil.ToFloat64(metricDeserializationErrors))
}

func TestHandleMessageAcksOnSuccess(t *testing.T) {
	pub := &fakePublisher{}
	r := testResolver(&fakeSearch{hits: []Candidate{{CustomerID: "cust_A", Score: 0.95}}})
	r.pub = pub

	commit := &fakeCommit{}
	r.handleMessage(context.Background(), detectionPayload(t, "entrance", events.CameraEntrance), commit)

	assert.True(t, commit.acked)
	assert.False(t, commit.naked)
	assert.Len(t, pub.onTopic("identities"), 1)
}

type fakeLag struct{ pending uint64 }

func (f *fakeLag) Pending() (uint64, error) { return f.pending, nil }

func TestDriftWarningOnConsumerLag(t *testing.T) {
	pub := &fakePublisher{}
	r := testResolver(&fakeSearch{})
	r.pub = pub

	r.checkLag(context.Background(), &fakeLag{pending: 200})
	assert.Empty(t, alertsOf(t, pub), "below the threshold stays quiet")

	r.checkLag(context.Background(), &fakeLag{pending: 6000})
	alerts := alertsOf(t, pub)
	require.Len(t, alerts, 1)
	assert.Equal(t, events.AlertDriftWarning, alerts[0].Kind)
	assert.Equal(t, 6000.0, testutil.ToFloat64(metricConsumerLag))
}

func TestVIPFlagSurvivesMajorityFromOlderEntries(t *testing.T) {
	search := &fakeSearch{hits: []Candidate{{CustomerID: "cust_V", Score: 0.95, VIP: true}}}
	r := testResolver(search)

	resolveTrack(t, r, "entrance", 1, 1000.0, 3)

	// The last two events see only a non-VIP candidate, but cust_V still
	// wins the 3-of-5 vote; its VIP flag must come from the ring history.
	search.hits = []Candidate{{CustomerID: "cust_N", Score: 0.95}}
	identity := resolveTrack(t, r, "entrance", 1, 1000.3, 2)

	require.Equal(t, events.SourceMatched, identity.Source)
	require.Equal(t, "cust_V", identity.CustomerID)
	assert.True(t, identity.VIP)
}

func TestResolutionIsDeterministic(t *testing.T) {
	hits := []Candidate{
		{CustomerID: "cust_A", Score: 0.90},
		{CustomerID: "cust_B", Score: 0.85},
	}
	outcomes := make([]string, 0, 3)
	for run := 0; run < 3; run++ {
		r := testResolver(&fakeSearch{hits: hits})
		identity := resolveTrack(t, r, "entrance", 1, 1000.0, 5)
		outcomes = append(outcomes, fmt.Sprintf("%s/%s/%.4f", identity.CustomerID, identity.Source, identity.Confidence))
	}
	assert.Equal(t, outcomes[0], outcomes[1])
	assert.Equal(t, outcomes[1], outcomes[2])
	assert.Contains(t, outcomes[0], "cust_A", "highest cosine wins")
}
