package live

import (
	"sync"
	"time"

	"github.com/IsuruUshanBandara/BusRouteMate-sub000/internal/fleet"
	"github.com/IsuruUshanBandara/BusRouteMate-sub000/internal/geo"
)

// Throttle bounds write volume on the location channel. A sample is
// forwarded when it moved at least MinDistance meters from the last
// forwarded sample or at least MinInterval passed since it. Terminal
// samples always pass and reset the trip's throttle state.
//
// The defaults (10 m / 5 s) bound how quickly the city tracker can react;
// tightening them raises write volume on every store downstream.
type Throttle struct {
	MinDistance float64
	MinInterval time.Duration

	mu   sync.Mutex
	last map[fleet.TripID]fleet.LocationSample
}

func NewThrottle(minDistance float64, minInterval time.Duration) *Throttle {
	return &Throttle{
		MinDistance: minDistance,
		MinInterval: minInterval,
		last:        make(map[fleet.TripID]fleet.LocationSample),
	}
}

// Admit reports whether the sample should be forwarded and records it as
// the new reference point when it is.
func (t *Throttle) Admit(s fleet.LocationSample) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s.Terminal() {
		delete(t.last, s.TripID)
		return true
	}
	prev, ok := t.last[s.TripID]
	if !ok {
		t.last[s.TripID] = s
		return true
	}
	moved := geo.DistanceMeters(prev.Latitude, prev.Longitude, s.Latitude, s.Longitude)
	elapsed := s.Timestamp.Sub(prev.Timestamp)
	if moved >= t.MinDistance || elapsed >= t.MinInterval {
		t.last[s.TripID] = s
		return true
	}
	return false
}

// Reset clears the reference point for a trip, e.g. when a new session
// starts.
func (t *Throttle) Reset(id fleet.TripID) {
	t.mu.Lock()
	delete(t.last, id)
	t.mu.Unlock()
}
