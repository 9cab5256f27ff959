package resolver

import "log"

// Sighting is the most recent confirmed observation of one customer.
type Sighting struct {
	CameraID   string
	TrackID    int64
	LastSeenTS float64
	Embedding  []float32
}

// Registry holds every customer currently considered present in the store.
// Entries expire after the gate window; eviction is lazy on read plus a
// periodic sweep so the active_identities gauge stays honest.
type Registry struct {
	entries map[string]*Sighting
	window  float64
}

func NewRegistry(windowSeconds float64) *Registry {
	return &Registry{
		entries: make(map[string]*Sighting),
		window:  windowSeconds,
	}
}

// Get returns the live sighting for a customer, evicting it first if it has
// aged out relative to now.
func (r *Registry) Get(customerID string, now float64) *Sighting {
	s, ok := r.entries[customerID]
	if !ok {
		return nil
	}
	if now-s.LastSeenTS >= r.window {
		delete(r.entries, customerID)
		metricActiveIdentities.Set(float64(len(r.entries)))
		return nil
	}
	return s
}

// Set records a confirmed sighting.
func (r *Registry) Set(customerID, cameraID string, trackID int64, ts float64, embedding []float32) {
	r.entries[customerID] = &Sighting{
		CameraID:   cameraID,
		TrackID:    trackID,
		LastSeenTS: ts,
		Embedding:  embedding,
	}
	metricActiveIdentities.Set(float64(len(r.entries)))
}

// SweepExpired drops every sighting older than the window and returns the
// eviction count.
func (r *Registry) SweepExpired(now float64) int {
	evicted := 0
	for id, s := range r.entries {
		if now-s.LastSeenTS >= r.window {
			delete(r.entries, id)
			evicted++
		}
	}
	if evicted > 0 {
		log.Printf("[INFO] Resolver: registry sweep evicted %d expired identities", evicted)
	}
	metricActiveIdentities.Set(float64(len(r.entries)))
	return evicted
}

// Len returns the number of identities currently considered present.
func (r *Registry) Len() int {
	return len(r.entries)
}
