package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/IsuruUshanBandara/BusRouteMate-sub000/internal/fleet"
)

// Memory is the in-process backend, selected with STORE=memory. It backs
// development and offline runs and keeps the same two-partition semantics
// as Postgres: both maps flip under one lock in SetActive.
type Memory struct {
	mu     sync.RWMutex
	routes map[fleet.TripID]fleet.Route
	active map[fleet.TripID]fleet.ActiveTrip
	now    func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		routes: make(map[fleet.TripID]fleet.Route),
		active: make(map[fleet.TripID]fleet.ActiveTrip),
		now:    time.Now,
	}
}

func (m *Memory) Get(_ context.Context, id fleet.TripID) (fleet.Route, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.routes[id]
	if !ok {
		return fleet.Route{}, fleet.ErrNotFound
	}
	return copyRoute(r), nil
}

func (m *Memory) Upsert(_ context.Context, id fleet.TripID, patch RoutePatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.routes[id]
	if !ok {
		r = fleet.Route{BusID: id.BusID, RouteName: id.RouteName, Direction: fleet.DirectionForward}
	}
	if patch.Waypoints != nil {
		r.Waypoints = append([]fleet.Waypoint(nil), patch.Waypoints...)
	}
	if patch.Direction != nil {
		r.Direction = *patch.Direction
	}
	if patch.CurrentCity != nil {
		r.CurrentCity = *patch.CurrentCity
	}
	if patch.Destination != nil {
		r.Destination = *patch.Destination
	}
	r.UpdatedAt = m.now()
	m.routes[id] = r
	return nil
}

func (m *Memory) SetActive(_ context.Context, id fleet.TripID, active bool, destination string, dir fleet.Direction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.routes[id]
	if active {
		if !ok {
			return fleet.ErrNotFound
		}
		r.Active = true
		r.Destination = destination
		r.Direction = dir
		r.UpdatedAt = m.now()
		m.routes[id] = r
		startedAt := m.now()
		if prev, exists := m.active[id]; exists {
			startedAt = prev.StartedAt
		}
		m.active[id] = fleet.ActiveTrip{Route: copyRoute(r), StartedAt: startedAt}
		return nil
	}
	if ok {
		r.Active = false
		r.UpdatedAt = m.now()
		m.routes[id] = r
	}
	delete(m.active, id)
	return nil
}

func (m *Memory) ReverseDirection(_ context.Context, id fleet.TripID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.routes[id]
	if !ok {
		return fleet.ErrNotFound
	}
	r.Waypoints = append([]fleet.Waypoint(nil), r.Waypoints...)
	reverseWaypoints(r.Waypoints)
	r.Direction = r.Direction.Flip()
	if len(r.Waypoints) > 0 {
		r.Destination = r.Waypoints[len(r.Waypoints)-1].Name
	}
	r.UpdatedAt = m.now()
	m.routes[id] = r
	if t, exists := m.active[id]; exists {
		t.Waypoints = append([]fleet.Waypoint(nil), r.Waypoints...)
		t.Direction = r.Direction
		t.Destination = r.Destination
		t.UpdatedAt = r.UpdatedAt
		m.active[id] = t
	}
	return nil
}

func (m *Memory) SetCurrentCity(_ context.Context, id fleet.TripID, city string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.routes[id]; ok {
		r.CurrentCity = city
		r.UpdatedAt = m.now()
		m.routes[id] = r
	}
	if t, ok := m.active[id]; ok {
		t.CurrentCity = city
		t.UpdatedAt = m.now()
		m.active[id] = t
	}
	return nil
}

func (m *Memory) Mirror(_ context.Context, id fleet.TripID) (fleet.ActiveTrip, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.active[id]
	if !ok {
		return fleet.ActiveTrip{}, false, nil
	}
	t.Route = copyRoute(t.Route)
	return t, true, nil
}

func (m *Memory) ActiveTrips(_ context.Context) ([]fleet.ActiveTrip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	trips := make([]fleet.ActiveTrip, 0, len(m.active))
	for _, t := range m.active {
		t.Route = copyRoute(t.Route)
		trips = append(trips, t)
	}
	sort.Slice(trips, func(i, j int) bool { return trips[i].ID().String() < trips[j].ID().String() })
	return trips, nil
}

func copyRoute(r fleet.Route) fleet.Route {
	r.Waypoints = append([]fleet.Waypoint(nil), r.Waypoints...)
	return r
}
