// Package store is the durable route directory. Two partitions share one
// key space: routes (authoritative record) and active_trips (mirror of the
// routes whose trip is live).
package store

import (
	"context"

	"github.com/IsuruUshanBandara/BusRouteMate-sub000/internal/fleet"
)

// RoutePatch is a merge-style partial update. Nil fields leave the stored
// value untouched.
type RoutePatch struct {
	Waypoints   []fleet.Waypoint
	Direction   *fleet.Direction
	CurrentCity *string
	Destination *string
}

// Directory is the route-state store consumed by the lifecycle controller,
// the city tracker and the observer feed.
type Directory interface {
	// Get returns the route record, or fleet.ErrNotFound.
	Get(ctx context.Context, id fleet.TripID) (fleet.Route, error)

	// Upsert merges the patch into the route, creating it when absent.
	// Unspecified fields are never destroyed.
	Upsert(ctx context.Context, id fleet.TripID, patch RoutePatch) error

	// SetActive flips the live flag and the mirror together: on true the
	// current route snapshot is copied into the active partition, on false
	// the mirror is deleted. Atomic from the caller's point of view and
	// idempotent in both directions.
	SetActive(ctx context.Context, id fleet.TripID, active bool, destination string, dir fleet.Direction) error

	// ReverseDirection reverses the waypoint order, swaps the
	// origin/destination labels and flips the direction flag, in the route
	// and, when present, its mirror. CurrentCity is left for the city
	// tracker to correct on the next sample.
	ReverseDirection(ctx context.Context, id fleet.TripID) error

	// SetCurrentCity writes the nearest-waypoint name into both partitions.
	SetCurrentCity(ctx context.Context, id fleet.TripID, city string) error

	// Mirror returns the active-trip record and whether it exists.
	Mirror(ctx context.Context, id fleet.TripID) (fleet.ActiveTrip, bool, error)

	// ActiveTrips scans the whole active partition, for search and for
	// session resume after a restart.
	ActiveTrips(ctx context.Context) ([]fleet.ActiveTrip, error)
}
