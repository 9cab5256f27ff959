package config

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// DefaultMinTravelSeconds is used for camera pairs missing from the matrix.
// Conservative floor so an incomplete floor plan never disables the gate.
const DefaultMinTravelSeconds = 3.0

// travelSafetyFactor scales measured travel times down to absorb residual
// cross-camera clock skew.
const travelSafetyFactor = 0.9

// TravelTimeMatrix maps (camera_from, camera_to) to the minimum plausible
// travel time in seconds, derived from the store floor plan. Values are
// pre-scaled by the safety factor at load time.
type TravelTimeMatrix struct {
	mu    sync.RWMutex
	times map[string]map[string]float64
	path  string
}

type travelFile struct {
	TravelTimes map[string]map[string]float64 `yaml:"travel_times"`
}

// LoadTravelMatrix reads the floor-plan matrix from a YAML file.
func LoadTravelMatrix(path string) (*TravelTimeMatrix, error) {
	m := &TravelTimeMatrix{path: path}
	if err := m.reload(); err != nil {
		return nil, err
	}
	return m, nil
}

// NewTravelMatrix builds a matrix from an in-memory table (tests, defaults).
func NewTravelMatrix(times map[string]map[string]float64) *TravelTimeMatrix {
	scaled := make(map[string]map[string]float64, len(times))
	for from, row := range times {
		scaled[from] = make(map[string]float64, len(row))
		for to, secs := range row {
			scaled[from][to] = secs * travelSafetyFactor
		}
	}
	return &TravelTimeMatrix{times: scaled}
}

func (m *TravelTimeMatrix) reload() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return fmt.Errorf("read travel times: %w", err)
	}
	var f travelFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse travel times: %w", err)
	}
	scaled := make(map[string]map[string]float64, len(f.TravelTimes))
	for from, row := range f.TravelTimes {
		scaled[from] = make(map[string]float64, len(row))
		for to, secs := range row {
			scaled[from][to] = secs * travelSafetyFactor
		}
	}
	m.mu.Lock()
	m.times = scaled
	m.mu.Unlock()
	return nil
}

// MinTravel returns the minimum plausible seconds between two cameras.
// Same-camera lookups are always zero.
func (m *TravelTimeMatrix) MinTravel(from, to string) float64 {
	if from == to {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if row, ok := m.times[from]; ok {
		if secs, ok := row[to]; ok {
			return secs
		}
	}
	return DefaultMinTravelSeconds * travelSafetyFactor
}

// Watch reloads the matrix when the backing file changes, so a floor-plan
// recalibration does not require a resolver restart. Falls back to 60s
// polling if fsnotify is unavailable.
func (m *TravelTimeMatrix) Watch(ctx context.Context) {
	if m.path == "" {
		return
	}
	watcher, err := fsnotify.NewWatcher()
	usePolling := false
	if err != nil {
		log.Printf("[WARN] TravelMatrix: fsnotify failed (%v), falling back to polling", err)
		usePolling = true
	} else if err := watcher.Add(m.path); err != nil {
		log.Printf("[WARN] TravelMatrix: cannot watch %s (%v), falling back to polling", m.path, err)
		usePolling = true
		watcher.Close()
	}

	if !usePolling {
		go func() {
			defer watcher.Close()
			for {
				select {
				case <-ctx.Done():
					return
				case event, ok := <-watcher.Events:
					if !ok {
						return
					}
					if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
						// Debounce: editors often emit a write burst.
						time.Sleep(100 * time.Millisecond)
						if err := m.reload(); err != nil {
							log.Printf("[ERROR] TravelMatrix: reload failed: %v", err)
						} else {
							log.Printf("[INFO] TravelMatrix: reloaded from %s", m.path)
						}
					}
				case err, ok := <-watcher.Errors:
					if !ok {
						return
					}
					log.Printf("[ERROR] TravelMatrix watcher: %v", err)
				}
			}
		}()
		return
	}

	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.reload(); err != nil {
					log.Printf("[ERROR] TravelMatrix: poll reload failed: %v", err)
				}
			}
		}
	}()
}
