package fleet

import "time"

// TripID identifies one route being driven by one bus. The durable store
// keys both partitions with its String form ("{bus}-{route}").
type TripID struct {
	BusID     string
	RouteName string
}

func (id TripID) String() string { return id.BusID + "-" + id.RouteName }

// Direction tells whether the bus travels the route as defined or
// end-to-start. Waypoints are stored in travel order, so the flag is
// metadata for readers, not a read-order switch.
type Direction string

const (
	DirectionForward  Direction = "forward"
	DirectionReversed Direction = "reversed"
)

func (d Direction) Flip() Direction {
	if d == DirectionReversed {
		return DirectionForward
	}
	return DirectionReversed
}

// Waypoint is a named stop on a route. Immutable once part of a route
// except for whole-list reversal.
type Waypoint struct {
	Name      string  `json:"name" yaml:"name" validate:"required"`
	Latitude  float64 `json:"lat" yaml:"lat" validate:"gte=-90,lte=90"`
	Longitude float64 `json:"lon" yaml:"lon" validate:"gte=-180,lte=180"`
}

// Route is the durable per-trip record. Waypoints[0] is the origin and
// Waypoints[len-1] the destination of the current travel direction.
type Route struct {
	BusID       string     `json:"busId"`
	RouteName   string     `json:"routeName"`
	Waypoints   []Waypoint `json:"waypoints"`
	Direction   Direction  `json:"direction"`
	CurrentCity string     `json:"currentCity,omitempty"` // name of one waypoint when set
	Active      bool       `json:"active"`
	Destination string     `json:"destination"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

func (r Route) ID() TripID { return TripID{BusID: r.BusID, RouteName: r.RouteName} }

// Origin returns the first waypoint name, or "" for a degenerate route.
func (r Route) Origin() string {
	if len(r.Waypoints) == 0 {
		return ""
	}
	return r.Waypoints[0].Name
}

// Terminus returns the last waypoint name, or "" for a degenerate route.
func (r Route) Terminus() string {
	if len(r.Waypoints) == 0 {
		return ""
	}
	return r.Waypoints[len(r.Waypoints)-1].Name
}

// WaypointIndex returns the position of the named waypoint, -1 if absent.
func (r Route) WaypointIndex(name string) int {
	for i, w := range r.Waypoints {
		if w.Name == name {
			return i
		}
	}
	return -1
}

// ActiveTrip mirrors a Route into the "started" partition. Its existence is
// the authoritative signal that the trip is live.
type ActiveTrip struct {
	Route
	StartedAt time.Time `json:"startedAt"`
}

// TripStatus is the status carried on every location sample.
type TripStatus string

const (
	StatusStarted  TripStatus = "started"
	StatusCanceled TripStatus = "canceled"
	StatusOffline  TripStatus = "offline"
)

// LocationSample is the transient last-value record for a trip. A terminal
// canceled sample carries no coordinates.
type LocationSample struct {
	TripID    TripID     `json:"-"`
	Latitude  float64    `json:"lat"`
	Longitude float64    `json:"lon"`
	Timestamp time.Time  `json:"timestamp"`
	Status    TripStatus `json:"status"`
	RouteName string     `json:"routeName"`
	Direction Direction  `json:"direction"`
}

// Terminal reports whether no further coordinate updates should be expected.
func (s LocationSample) Terminal() bool { return s.Status == StatusCanceled }

// TripEvent is the lifecycle notification fanned out to downstream
// consumers (push delivery, audit) when a trip starts or is canceled.
type TripEvent struct {
	BusID       string     `json:"busId"`
	RouteName   string     `json:"routeName"`
	Status      TripStatus `json:"status"`
	Destination string     `json:"destination,omitempty"`
	At          time.Time  `json:"at"`
}

// CanceledSample builds the terminal sample written on cancel.
func CanceledSample(id TripID, dir Direction, at time.Time) LocationSample {
	return LocationSample{
		TripID:    id,
		Timestamp: at,
		Status:    StatusCanceled,
		RouteName: id.RouteName,
		Direction: dir,
	}
}
