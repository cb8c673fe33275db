// Package trip drives the ride lifecycle: the controller owns per-trip
// sessions, the city tracker derives the nearest waypoint from the live
// channel, and the feed composes the read side for observers.
package trip

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/IsuruUshanBandara/BusRouteMate-sub000/internal/fleet"
	"github.com/IsuruUshanBandara/BusRouteMate-sub000/internal/live"
	"github.com/IsuruUshanBandara/BusRouteMate-sub000/internal/metrics"
	"github.com/IsuruUshanBandara/BusRouteMate-sub000/internal/store"
)

// EventSink receives lifecycle notifications. Publishing is best-effort: a
// sink failure never fails the transition that triggered it.
type EventSink interface {
	PublishLifecycle(ctx context.Context, ev fleet.TripEvent) error
}

// DestinationOptions is the two-element choice set a driver picks from
// before starting: either end of the route.
type DestinationOptions struct {
	Origin   string
	Terminus string
}

// Controller is the trip state machine. Each live trip owns one session: a
// cancellable context, the city tracker goroutine bound to it, and the
// write path for location reports. Idle trips have no session.
type Controller struct {
	dir      store.Directory
	broker   *live.Broker
	throttle *live.Throttle
	events   EventSink
	metrics  *metrics.Collector
	log      *logrus.Logger
	recheck  time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[fleet.TripID]*session
	wg       sync.WaitGroup
}

type session struct {
	id        fleet.TripID
	direction fleet.Direction
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewController(dir store.Directory, broker *live.Broker, throttle *live.Throttle, events EventSink, m *metrics.Collector, log *logrus.Logger, recheckInterval time.Duration) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		dir:      dir,
		broker:   broker,
		throttle: throttle,
		events:   events,
		metrics:  m,
		log:      log,
		recheck:  recheckInterval,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[fleet.TripID]*session),
	}
}

// SelectRoute loads the route and derives the destination choice set. Read
// only; no side effects.
func (c *Controller) SelectRoute(ctx context.Context, id fleet.TripID) (DestinationOptions, error) {
	r, err := c.dir.Get(ctx, id)
	if errors.Is(err, fleet.ErrNotFound) {
		return DestinationOptions{}, &fleet.ValidationError{Op: "select route", Reason: fmt.Sprintf("no route %s", id)}
	}
	if err != nil {
		c.storeError()
		return DestinationOptions{}, &fleet.PersistenceError{Op: "select route", Err: err}
	}
	if len(r.Waypoints) < 2 {
		return DestinationOptions{}, &fleet.ValidationError{Op: "select route", Reason: "route needs at least two waypoints"}
	}
	return DestinationOptions{Origin: r.Origin(), Terminus: r.Terminus()}, nil
}

// ChangeDestination reverses the route when the chosen name is the current
// origin. Choosing the current terminus is a no-op, which makes repeated
// calls with the same name safe: the first reversal makes the name the
// terminus, the second call changes nothing.
func (c *Controller) ChangeDestination(ctx context.Context, id fleet.TripID, chosen string) error {
	r, err := c.dir.Get(ctx, id)
	if errors.Is(err, fleet.ErrNotFound) {
		return &fleet.ValidationError{Op: "change destination", Reason: fmt.Sprintf("no route %s", id)}
	}
	if err != nil {
		c.storeError()
		return &fleet.PersistenceError{Op: "change destination", Err: err}
	}
	if len(r.Waypoints) < 2 {
		return &fleet.ValidationError{Op: "change destination", Reason: "route needs at least two waypoints"}
	}
	switch chosen {
	case r.Terminus():
		if r.Destination != chosen {
			if err := c.dir.Upsert(ctx, id, store.RoutePatch{Destination: &chosen}); err != nil {
				c.storeError()
				return &fleet.PersistenceError{Op: "change destination", Err: err}
			}
		}
		return nil
	case r.Origin():
		if err := c.dir.ReverseDirection(ctx, id); err != nil {
			c.storeError()
			return &fleet.PersistenceError{Op: "change destination", Err: err}
		}
		c.mu.Lock()
		if s, ok := c.sessions[id]; ok {
			s.direction = r.Direction.Flip()
		}
		c.mu.Unlock()
		c.log.WithFields(logrus.Fields{"trip": id.String(), "destination": chosen}).Info("direction reversed")
		return nil
	default:
		return &fleet.ValidationError{Op: "change destination", Reason: fmt.Sprintf("%q is not an end of route %s", chosen, id)}
	}
}

// Start validates the selection, flips the route live together with its
// mirror, then opens the location write path and the city tracker. When the
// directory write fails nothing is opened and the call may be retried.
func (c *Controller) Start(ctx context.Context, id fleet.TripID, destination string) error {
	r, err := c.dir.Get(ctx, id)
	if errors.Is(err, fleet.ErrNotFound) {
		return &fleet.ValidationError{Op: "start trip", Reason: fmt.Sprintf("no route selected for %s", id)}
	}
	if err != nil {
		c.storeError()
		return &fleet.PersistenceError{Op: "start trip", Err: err}
	}
	if len(r.Waypoints) < 2 {
		return &fleet.ValidationError{Op: "start trip", Reason: "route needs at least two waypoints"}
	}
	if destination == "" {
		destination = r.Destination
	}
	if destination == "" {
		return &fleet.ValidationError{Op: "start trip", Reason: "no destination selected"}
	}
	if destination != r.Origin() && destination != r.Terminus() {
		return &fleet.ValidationError{Op: "start trip", Reason: fmt.Sprintf("%q is not an end of route %s", destination, id)}
	}
	if err := c.ChangeDestination(ctx, id, destination); err != nil {
		return err
	}
	r, err = c.dir.Get(ctx, id)
	if err != nil {
		c.storeError()
		return &fleet.PersistenceError{Op: "start trip", Err: err}
	}

	if err := c.dir.SetActive(ctx, id, true, destination, r.Direction); err != nil {
		c.storeError()
		return &fleet.PersistenceError{Op: "start trip", Err: err}
	}

	if fresh := c.openSession(id, r.Direction, false); !fresh {
		// Retried start: the directory write above already self-healed.
		return nil
	}
	c.log.WithFields(logrus.Fields{"trip": id.String(), "destination": destination}).Info("trip started")
	c.notify(fleet.TripEvent{BusID: id.BusID, RouteName: id.RouteName, Status: fleet.StatusStarted, Destination: destination, At: time.Now()})
	return nil
}

// openSession creates the per-trip session if absent. Returns false when a
// session already existed.
func (c *Controller) openSession(id fleet.TripID, dir fleet.Direction, resumed bool) bool {
	c.mu.Lock()
	if _, exists := c.sessions[id]; exists {
		c.mu.Unlock()
		return false
	}
	sctx, cancel := context.WithCancel(c.ctx)
	s := &session{id: id, direction: dir, cancel: cancel, done: make(chan struct{})}
	c.sessions[id] = s
	c.wg.Add(1)
	if c.metrics != nil {
		c.metrics.ActiveTrips.Set(float64(len(c.sessions)))
		if resumed {
			c.metrics.TripsResumed.Inc()
		} else {
			c.metrics.TripsStarted.Inc()
		}
	}
	c.mu.Unlock()

	c.throttle.Reset(id)
	c.broker.Forget(id)

	tracker := newCityTracker(c.dir, c.broker, c.metrics, c.log, id, c.recheck)
	go func() {
		defer c.wg.Done()
		defer close(s.done)
		tracker.run(sctx)
	}()
	return true
}

// ReportLocation is the single-writer GPS ingest path. Reports for trips
// without a live session are stale and dropped without error.
func (c *Controller) ReportLocation(ctx context.Context, id fleet.TripID, lat, lon float64, at time.Time) error {
	c.mu.Lock()
	s, ok := c.sessions[id]
	var dir fleet.Direction
	if ok {
		dir = s.direction
	}
	c.mu.Unlock()
	if !ok {
		if c.metrics != nil {
			c.metrics.SamplesStale.Inc()
		}
		c.log.WithField("trip", id.String()).WithError(fleet.ErrStaleSample).Debug("dropping location report")
		return nil
	}
	if at.IsZero() {
		at = time.Now()
	}
	sample := fleet.LocationSample{
		TripID:    id,
		Latitude:  lat,
		Longitude: lon,
		Timestamp: at,
		Status:    fleet.StatusStarted,
		RouteName: id.RouteName,
		Direction: dir,
	}
	if !c.throttle.Admit(sample) {
		if c.metrics != nil {
			c.metrics.SamplesThrottled.Inc()
		}
		return nil
	}
	c.broker.Publish(sample)
	if c.metrics != nil {
		c.metrics.SamplesPublished.Inc()
	}
	return nil
}

// Cancel tears the session down before the terminal writes so no in-flight
// sample can resurrect the trip, then writes the terminal sample and flips
// the route inactive. Safe to call when already idle.
func (c *Controller) Cancel(ctx context.Context, id fleet.TripID) error {
	c.mu.Lock()
	s, hadSession := c.sessions[id]
	if hadSession {
		delete(c.sessions, id)
	}
	if c.metrics != nil {
		c.metrics.ActiveTrips.Set(float64(len(c.sessions)))
	}
	c.mu.Unlock()

	dir := fleet.DirectionForward
	if hadSession {
		s.cancel()
		<-s.done
		dir = s.direction
	} else if r, err := c.dir.Get(ctx, id); err == nil {
		dir = r.Direction
	}

	c.broker.Publish(fleet.CanceledSample(id, dir, time.Now()))

	if err := c.dir.SetActive(ctx, id, false, "", dir); err != nil {
		c.storeError()
		return &fleet.PersistenceError{Op: "cancel trip", Err: err}
	}
	if hadSession {
		if c.metrics != nil {
			c.metrics.TripsCanceled.Inc()
		}
		c.log.WithField("trip", id.String()).Info("trip canceled")
		c.notify(fleet.TripEvent{BusID: id.BusID, RouteName: id.RouteName, Status: fleet.StatusCanceled, At: time.Now()})
	}
	return nil
}

// ResumeActive reopens sessions for every mirror record, so a restarted
// engine picks live trips back up instead of orphaning them.
func (c *Controller) ResumeActive(ctx context.Context) error {
	trips, err := c.dir.ActiveTrips(ctx)
	if err != nil {
		c.storeError()
		return fmt.Errorf("resume active trips: %w", err)
	}
	for _, t := range trips {
		if c.openSession(t.ID(), t.Direction, true) {
			c.log.WithField("trip", t.ID().String()).Info("resumed live trip")
		}
	}
	return nil
}

// Live reports whether a session is open for the trip.
func (c *Controller) Live(id fleet.TripID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.sessions[id]
	return ok
}

// Close stops all sessions without canceling the trips themselves; their
// mirrors stay in the directory for the next boot to resume.
func (c *Controller) Close() {
	c.cancel()
	c.wg.Wait()
}

func (c *Controller) notify(ev fleet.TripEvent) {
	if c.events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.events.PublishLifecycle(ctx, ev); err != nil {
		c.log.WithFields(logrus.Fields{"bus": ev.BusID, "status": string(ev.Status)}).WithError(err).Warn("lifecycle event publish failed")
		return
	}
	if c.metrics != nil {
		c.metrics.LifecycleEvents.WithLabelValues(string(ev.Status)).Inc()
	}
}

func (c *Controller) storeError() {
	if c.metrics != nil {
		c.metrics.StoreErrors.Inc()
	}
}
