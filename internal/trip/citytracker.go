package trip

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/IsuruUshanBandara/BusRouteMate-sub000/internal/fleet"
	"github.com/IsuruUshanBandara/BusRouteMate-sub000/internal/geo"
	"github.com/IsuruUshanBandara/BusRouteMate-sub000/internal/live"
	"github.com/IsuruUshanBandara/BusRouteMate-sub000/internal/metrics"
	"github.com/IsuruUshanBandara/BusRouteMate-sub000/internal/store"
)

// cityTracker derives the trip's "current city" — the waypoint nearest the
// last known position. Sample events and a periodic tick funnel into the
// same recheck, so a subscription gap cannot stall the observable city and
// no path double-writes.
type cityTracker struct {
	dir      store.Directory
	broker   *live.Broker
	metrics  *metrics.Collector
	log      *logrus.Entry
	id       fleet.TripID
	interval time.Duration
	sub      *live.Subscription
}

// newCityTracker subscribes immediately so no sample published between
// session open and the run goroutine starting is lost.
func newCityTracker(dir store.Directory, broker *live.Broker, m *metrics.Collector, log *logrus.Logger, id fleet.TripID, interval time.Duration) *cityTracker {
	return &cityTracker{
		dir:      dir,
		broker:   broker,
		metrics:  m,
		log:      log.WithField("trip", id.String()),
		id:       id,
		interval: interval,
		sub:      broker.Subscribe(id),
	}
}

// run consumes the trip's sample stream until the session context is
// canceled or a terminal sample arrives. It exits before the controller
// writes the terminal records, so a late in-flight sample cannot write a
// city for a canceled trip.
func (t *cityTracker) run(ctx context.Context) {
	defer t.sub.Close()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	var last *fleet.LocationSample
	if s, ok := t.broker.Latest(t.id); ok && !s.Terminal() {
		last = &s
		t.recheck(ctx, s)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-t.sub.C():
			if !ok || s.Terminal() {
				return
			}
			last = &s
			t.recheck(ctx, s)
		case <-ticker.C:
			if last != nil {
				t.recheck(ctx, *last)
			}
		}
	}
}

// recheck resolves the nearest waypoint and writes it into both directory
// partitions, but only when the name actually changed.
func (t *cityTracker) recheck(ctx context.Context, s fleet.LocationSample) {
	started := time.Now()
	defer func() {
		if t.metrics != nil {
			t.metrics.CityRecheckDuration.Observe(time.Since(started).Seconds())
		}
	}()

	_, liveTrip, err := t.dir.Mirror(ctx, t.id)
	if err != nil {
		t.log.WithError(err).Warn("city recheck: read mirror")
		return
	}
	if !liveTrip {
		// Sample refers to a since-canceled trip. Discard, don't surface.
		if t.metrics != nil {
			t.metrics.SamplesStale.Inc()
		}
		return
	}

	r, err := t.dir.Get(ctx, t.id)
	if err != nil {
		t.log.WithError(err).Warn("city recheck: read route")
		return
	}
	nearest, ok := geo.Nearest(s.Latitude, s.Longitude, r.Waypoints)
	if !ok {
		// Route without waypoints: leave currentCity unset.
		return
	}
	if nearest.Name == r.CurrentCity {
		return
	}
	if err := t.dir.SetCurrentCity(ctx, t.id, nearest.Name); err != nil {
		t.log.WithError(err).Warn("city recheck: write city")
		return
	}
	if t.metrics != nil {
		t.metrics.CityWrites.Inc()
	}
	t.log.WithField("city", nearest.Name).Info("current city changed")
}
