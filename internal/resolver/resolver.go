// Package resolver implements the identity resolver: it consumes detection
// events, matches face embeddings against the gallery, suppresses physically
// impossible matches with a spatiotemporal gate, confirms identities with a
// per-track history vote and publishes identity and alert events.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/technosupport/trinetra/internal/config"
	"github.com/technosupport/trinetra/internal/eventlog"
	"github.com/technosupport/trinetra/internal/events"
)

const (
	ConsumerGroup = "identity-resolvers"

	searchTopK     = 5
	efBilling      = 128
	efDefault      = 50
	emaAlpha       = 0.05
	emaMinScore    = 0.85
	publishRetries = 5
	consumeBlock   = 50 * time.Millisecond
	fetchBatch     = 16
	nakDelay       = 2 * time.Second

	sweepEveryEvents = 1000
	sweepMaxInterval = 60 * time.Second
	falseMergeEveryK = 100
	lagAlertLevel    = 5000
	lagCheckInterval = 10 * time.Second

	alertDedupWindow = 30 * time.Second
	alertDedupSize   = 1024
)

// publisher is the outbound side of the event log.
type publisher interface {
	Publish(ctx context.Context, topic, key string, payload []byte, maxRetries int) error
}

// committer is the offset-commit handle for one consumed message.
type committer interface {
	Ack() error
	Nak(delay time.Duration) error
}

// lagSource reports how far behind the consumer group is.
type lagSource interface {
	Pending() (uint64, error)
}

// Resolver owns all per-process resolution state. The registry and the track
// table are mutated only from the single Run loop, so they need no locking.
type Resolver struct {
	cfg      config.ResolverSettings
	eventLog *eventlog.Log
	pub      publisher
	search   SimilaritySearch
	gate     *Gate
	registry *Registry
	tracks   *trackTable

	// Alert dedup keeps a repeating condition from flooding the alerts
	// topic; entries expire on their own.
	alertSeen *lru.LRU[string, struct{}]

	// Gate rejections above the match threshold feed the periodic
	// false-merge sweep.
	suspects []falseMergeSuspect

	eventsSinceSweep int
	lastSweep        time.Time
	eventsSinceScan  int

	healthy atomic.Bool
}

type falseMergeSuspect struct {
	CustomerID string
	FromCamera string
	ToCamera   string
	FromTS     float64
	ToTS       float64
	TrackID    int64
}

func New(cfg config.ResolverSettings, el *eventlog.Log, search SimilaritySearch, matrix *config.TravelTimeMatrix) *Resolver {
	window := cfg.GateWindow.Seconds()
	r := &Resolver{
		cfg:       cfg,
		eventLog:  el,
		search:    search,
		gate:      NewGate(matrix, window),
		registry:  NewRegistry(window),
		tracks:    newTrackTable(),
		alertSeen: lru.NewLRU[string, struct{}](alertDedupSize, nil, alertDedupWindow),
		lastSweep: time.Now(),
	}
	if el != nil {
		r.pub = el
	}
	return r
}

// bootTopics lists every topic the resolver must ensure before subscribing.
// The detections inputs are included so a resolver deployed on a fresh
// cluster, before any worker, does not fail its stream bind.
func bootTopics(dualBilling bool) []string {
	topics := []string{
		eventlog.TopicDetections,
		eventlog.TopicIdentities,
		eventlog.TopicAlerts,
	}
	if dualBilling {
		topics = append(topics, eventlog.TopicDetectionsBilling)
	}
	return topics
}

// Healthy reports whether the consume loop is running and the upstream
// handshake succeeded at least once.
func (r *Resolver) Healthy() bool {
	return r.healthy.Load()
}

// Run blocks until ctx is cancelled.
func (r *Resolver) Run(ctx context.Context) error {
	if err := r.eventLog.EnsureTopics(bootTopics(r.cfg.DualBillingTopic)...); err != nil {
		return err
	}

	consumers := make([]*eventlog.Consumer, 0, 2)
	c, err := r.eventLog.Subscribe(eventlog.TopicDetections, ConsumerGroup)
	if err != nil {
		return err
	}
	consumers = append(consumers, c)
	if r.cfg.DualBillingTopic {
		cb, err := r.eventLog.Subscribe(eventlog.TopicDetectionsBilling, ConsumerGroup)
		if err != nil {
			return err
		}
		consumers = append(consumers, cb)
	}
	defer func() {
		for _, c := range consumers {
			c.Close()
		}
	}()

	r.healthy.Store(true)
	defer r.healthy.Store(false)
	log.Printf("[INFO] Resolver: consuming %d detection topic(s) as group %s", len(consumers), ConsumerGroup)

	lagTicker := time.NewTicker(lagCheckInterval)
	defer lagTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[INFO] Resolver: stopped cleanly")
			return nil
		case <-lagTicker.C:
			r.checkLag(ctx, consumers[0])
			continue
		default:
		}

		for _, c := range consumers {
			msgs, err := c.Fetch(fetchBatch, consumeBlock)
			if err != nil {
				log.Printf("[ERROR] Resolver: fetch failed: %v", err)
				time.Sleep(time.Second)
				continue
			}
			for _, msg := range msgs {
				r.handleMessage(ctx, msg.Data, msg)
			}
		}

		r.maybeSweep(time.Now())
	}
}

// handleMessage resolves every detection in one DetectionEvent and commits
// the offset only when all identity events published. An ANN outage or a
// publish failure leaves the message unacked for redelivery.
func (r *Resolver) handleMessage(ctx context.Context, data []byte, msg committer) {
	var ev events.DetectionEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		metricDeserializationErrors.Inc()
		log.Printf("[ERROR] Resolver: bad detection event, skipping: %v", err)
		if err := msg.Ack(); err != nil {
			log.Printf("[WARN] Resolver: ack failed: %v", err)
		}
		return
	}

	commit := true
	for i := range ev.Detections {
		det := &ev.Detections[i]
		if !det.HasEmbedding() {
			continue
		}
		start := time.Now()
		identity, annErr := r.resolveDetection(ctx, &ev, det)
		if annErr != nil {
			log.Printf("[ERROR] Resolver: similarity search unavailable: %v", annErr)
			commit = false
		}
		if err := r.publishIdentity(ctx, identity); err != nil {
			log.Printf("[ERROR] Resolver: %v", err)
			commit = false
		}
		r.fireAlerts(ctx, &ev, identity)
		metricResolveLatency.Observe(time.Since(start).Seconds())
		r.bumpCounters(ctx)
	}

	if !commit {
		if err := msg.Nak(nakDelay); err != nil {
			log.Printf("[WARN] Resolver: nak failed: %v", err)
		}
		return
	}
	if err := msg.Ack(); err != nil {
		log.Printf("[WARN] Resolver: ack failed: %v", err)
	}
}

// resolveDetection runs the per-detection algorithm and always returns an
// identity event. A non-nil error means the ANN backend was unreachable and
// the returned event carries source qdrant_unavailable.
func (r *Resolver) resolveDetection(ctx context.Context, ev *events.DetectionEvent, det *events.Detection) (events.IdentityEvent, error) {
	identity := events.IdentityEvent{
		EventID:     uuid.NewString(),
		CameraID:    ev.CameraID,
		TrackID:     det.TrackID,
		EffectiveTS: ev.EffectiveTS,
		CustomerID:  events.UnknownCustomer,
	}

	ef := efDefault
	if ev.CameraType == events.CameraBilling {
		ef = efBilling
	}
	candidates, err := r.search.TopK(ctx, det.Embedding, searchTopK, ef)
	if err != nil {
		identity.Source = events.SourceQdrantUnavailable
		metricUnknowns.WithLabelValues(ev.CameraID, string(identity.Source)).Inc()
		return identity, err
	}

	anyAboveThreshold := false
	var survivors []Candidate
	for _, c := range candidates {
		if c.Score < r.cfg.CosineThreshold {
			continue
		}
		anyAboveThreshold = true
		last := r.registry.Get(c.CustomerID, ev.EffectiveTS)
		switch r.gate.Evaluate(last, ev.CameraID, ev.EffectiveTS) {
		case GateReject:
			metricGateRejections.WithLabelValues(reasonImpossibleTransition).Inc()
			r.suspects = append(r.suspects, falseMergeSuspect{
				CustomerID: c.CustomerID,
				FromCamera: last.CameraID,
				ToCamera:   ev.CameraID,
				FromTS:     last.LastSeenTS,
				ToTS:       ev.EffectiveTS,
				TrackID:    det.TrackID,
			})
		default:
			survivors = append(survivors, c)
		}
	}

	st := r.tracks.get(ev.CameraID, det.TrackID, ev.EffectiveTS)

	if len(survivors) == 0 {
		if anyAboveThreshold {
			identity.Source = events.SourceGatedUnknown
		} else {
			identity.Source = events.SourceInsufficientHistory
		}
		metricUnknowns.WithLabelValues(ev.CameraID, string(identity.Source)).Inc()
		return identity, nil
	}

	top := survivors[0]
	for _, c := range survivors[1:] {
		if c.Score > top.Score {
			top = c
		}
	}

	st.Ring.Add(top.CustomerID, top.Score, top.VIP)
	if st.Phase == phaseNew {
		st.Phase = phaseCollecting
	}

	majority, votes, avg := st.Ring.Majority()
	resolved := st.Ring.Full() && votes >= historyMajority && avg >= r.cfg.HistoryThreshold

	if st.Phase == phaseResolved {
		if top.CustomerID != st.ResolvedID {
			st.DisagreeStreak++
			if st.DisagreeStreak >= flickerDemotion {
				metricIdentityFlicker.Inc()
				log.Printf("[WARN] Resolver: track %s flickered off %s after %d disagreements",
					trackKey(ev.CameraID, det.TrackID), st.ResolvedID, st.DisagreeStreak)
				st.Phase = phaseCollecting
				st.ResolvedID = ""
				st.DisagreeStreak = 0
			}
		} else {
			st.DisagreeStreak = 0
		}
	}

	if !resolved {
		identity.Source = events.SourceInsufficientHistory
		metricUnknowns.WithLabelValues(ev.CameraID, string(identity.Source)).Inc()
		return identity, nil
	}

	st.Phase = phaseResolved
	st.ResolvedID = majority
	identity.CustomerID = majority
	identity.Confidence = avg
	identity.Source = events.SourceMatched
	// The majority may have been established by earlier ring entries, so the
	// VIP flag comes from the ring rather than this event's candidates.
	identity.VIP = st.Ring.VIPFor(majority)
	metricMatches.WithLabelValues(ev.CameraID).Inc()

	r.updateRegistry(ctx, ev, det, majority, top.Score)
	return identity, nil
}

// updateRegistry records the confirmed sighting and, on a high-scoring
// match, refreshes the gallery embedding with an EMA write-back.
func (r *Resolver) updateRegistry(ctx context.Context, ev *events.DetectionEvent, det *events.Detection, customerID string, score float64) {
	prev := r.registry.Get(customerID, ev.EffectiveTS)
	r.registry.Set(customerID, ev.CameraID, det.TrackID, ev.EffectiveTS, det.Embedding)

	if score < emaMinScore || prev == nil || len(prev.Embedding) != len(det.Embedding) {
		return
	}
	blended := make([]float32, len(det.Embedding))
	for i := range blended {
		blended[i] = float32((1-emaAlpha)*float64(prev.Embedding[i]) + emaAlpha*float64(det.Embedding[i]))
	}
	events.Normalize(blended)
	if err := r.search.Upsert(ctx, customerID, blended, false); err != nil {
		log.Printf("[WARN] Resolver: gallery EMA update for %s failed: %v", customerID, err)
		return
	}
	metricGalleryUpdates.Inc()
}

// fireAlerts evaluates the per-event alert triggers.
func (r *Resolver) fireAlerts(ctx context.Context, ev *events.DetectionEvent, identity events.IdentityEvent) {
	if identity.Source != events.SourceMatched && ev.CameraType == events.CameraBilling {
		r.emitAlert(ctx, events.AlertEvent{
			Kind:     events.AlertUnknownAtBilling,
			Severity: "high",
			CameraID: ev.CameraID,
			TS:       ev.EffectiveTS,
			Details: map[string]any{
				"track_id": identity.TrackID,
				"source":   string(identity.Source),
			},
		}, fmt.Sprintf("%s|%s|%d", events.AlertUnknownAtBilling, ev.CameraID, identity.TrackID))
	}

	if identity.Source == events.SourceMatched && identity.VIP {
		id := identity.CustomerID
		r.emitAlert(ctx, events.AlertEvent{
			Kind:       events.AlertVIPDetected,
			Severity:   "low",
			CameraID:   ev.CameraID,
			CustomerID: &id,
			TS:         ev.EffectiveTS,
		}, fmt.Sprintf("%s|%s", events.AlertVIPDetected, id))
	}
}

// bumpCounters drives the periodic registry sweep and false-merge scan off
// the processed-event count.
func (r *Resolver) bumpCounters(ctx context.Context) {
	r.eventsSinceSweep++
	r.eventsSinceScan++
	if r.eventsSinceScan >= falseMergeEveryK {
		r.eventsSinceScan = 0
		r.scanFalseMerges(ctx)
	}
}

func (r *Resolver) maybeSweep(now time.Time) {
	if r.eventsSinceSweep < sweepEveryEvents && now.Sub(r.lastSweep) < sweepMaxInterval {
		return
	}
	r.eventsSinceSweep = 0
	r.lastSweep = now
	r.registry.SweepExpired(float64(now.UnixNano()) / 1e9)
}

// scanFalseMerges turns accumulated impossible-transition rejections and
// simultaneous resolved assignments into FALSE_MERGE_SUSPECT alerts.
func (r *Resolver) scanFalseMerges(ctx context.Context) {
	for _, s := range r.suspects {
		id := s.CustomerID
		r.emitAlert(ctx, events.AlertEvent{
			Kind:       events.AlertFalseMerge,
			Severity:   "high",
			CameraID:   s.ToCamera,
			CustomerID: &id,
			TS:         s.ToTS,
			Details: map[string]any{
				"from_camera": s.FromCamera,
				"from_ts":     s.FromTS,
				"track_id":    s.TrackID,
			},
		}, fmt.Sprintf("%s|%s|%s|%s", events.AlertFalseMerge, id, s.FromCamera, s.ToCamera))
	}
	r.suspects = r.suspects[:0]

	// Same customer resolved on two tracks at different cameras closer in
	// time than the floor plan permits.
	byCustomer := make(map[string][]assignment)
	for _, a := range r.tracks.resolvedAssignments() {
		byCustomer[a.CustomerID] = append(byCustomer[a.CustomerID], a)
	}
	for id, as := range byCustomer {
		for i := 0; i < len(as); i++ {
			for j := i + 1; j < len(as); j++ {
				if as[i].Camera == as[j].Camera {
					continue
				}
				dt := as[j].TS - as[i].TS
				if dt < 0 {
					dt = -dt
				}
				if dt >= r.gate.matrix.MinTravel(as[i].Camera, as[j].Camera) {
					continue
				}
				cid := id
				r.emitAlert(ctx, events.AlertEvent{
					Kind:       events.AlertFalseMerge,
					Severity:   "high",
					CameraID:   as[j].Camera,
					CustomerID: &cid,
					TS:         as[j].TS,
					Details: map[string]any{
						"tracks": []string{as[i].Track, as[j].Track},
					},
				}, fmt.Sprintf("%s|%s|%s|%s", events.AlertFalseMerge, id, as[i].Camera, as[j].Camera))
			}
		}
	}
}

// checkLag alerts when the detections backlog exceeds the drift threshold.
func (r *Resolver) checkLag(ctx context.Context, c lagSource) {
	pending, err := c.Pending()
	if err != nil {
		log.Printf("[WARN] Resolver: lag check failed: %v", err)
		return
	}
	metricConsumerLag.Set(float64(pending))
	if pending <= lagAlertLevel {
		return
	}
	log.Printf("[WARN] Resolver: detections lag %d exceeds %d", pending, lagAlertLevel)
	r.emitAlert(ctx, events.AlertEvent{
		Kind:     events.AlertDriftWarning,
		Severity: "medium",
		TS:       float64(time.Now().UnixNano()) / 1e9,
		Details:  map[string]any{"pending": pending},
	}, string(events.AlertDriftWarning))
}

// emitAlert publishes one alert, deduplicated over a short window. Alert
// delivery is best effort and never blocks offset commits.
func (r *Resolver) emitAlert(ctx context.Context, alert events.AlertEvent, dedupKey string) {
	if _, seen := r.alertSeen.Get(dedupKey); seen {
		return
	}
	r.alertSeen.Add(dedupKey, struct{}{})

	alert.AlertID = uuid.NewString()
	payload, err := json.Marshal(&alert)
	if err != nil {
		log.Printf("[ERROR] Resolver: marshal alert: %v", err)
		return
	}
	if err := r.pub.Publish(ctx, eventlog.TopicAlerts, string(alert.Kind), payload, publishRetries); err != nil {
		log.Printf("[ERROR] Resolver: alert publish failed: %v", err)
		return
	}
	metricAlerts.WithLabelValues(string(alert.Kind)).Inc()
}

func (r *Resolver) publishIdentity(ctx context.Context, identity events.IdentityEvent) error {
	payload, err := json.Marshal(&identity)
	if err != nil {
		return fmt.Errorf("marshal identity event: %w", err)
	}
	return r.pub.Publish(ctx, eventlog.TopicIdentities, identity.CustomerID, payload, publishRetries)
}
