package trip

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/IsuruUshanBandara/BusRouteMate-sub000/internal/fleet"
	"github.com/IsuruUshanBandara/BusRouteMate-sub000/internal/live"
	"github.com/IsuruUshanBandara/BusRouteMate-sub000/internal/store"
)

// TripView is the merged read-side state of one trip: the durable route,
// its mirror when live, and the latest location sample.
type TripView struct {
	Route  fleet.Route
	Mirror *fleet.ActiveTrip
	Sample *fleet.LocationSample
	Status fleet.TripStatus
}

// Feed is the read-only composition observers (map screens, search) watch.
// It never raises on a degraded trip; unknown state reads as offline.
type Feed struct {
	dir    store.Directory
	broker *live.Broker
	log    *logrus.Logger
}

func NewFeed(dir store.Directory, broker *live.Broker, log *logrus.Logger) *Feed {
	return &Feed{dir: dir, broker: broker, log: log}
}

// Snapshot reads both partitions and the live channel. Write ordering
// across the two stores is not guaranteed, so canceled in either one is
// authoritative; otherwise mirror presence decides whether the trip is
// live. A status flag disagreeing with mirror presence is logged as
// inconsistent and the mirror wins.
func (f *Feed) Snapshot(ctx context.Context, id fleet.TripID) (TripView, error) {
	r, err := f.dir.Get(ctx, id)
	if err != nil {
		return TripView{}, err
	}
	view := TripView{Route: r, Status: fleet.StatusOffline}

	mirror, liveTrip, err := f.dir.Mirror(ctx, id)
	if err != nil {
		f.log.WithField("trip", id.String()).WithError(err).Warn("feed: read mirror, degrading to offline")
		return view, nil
	}
	if liveTrip {
		view.Mirror = &mirror
	}
	if r.Active != liveTrip {
		inc := &fleet.InconsistentStateError{ID: id, Status: r.Active, MirrorExists: liveTrip}
		f.log.WithField("trip", id.String()).Warn(inc.Error())
	}

	if s, ok := f.broker.Latest(id); ok {
		view.Sample = &s
		if s.Terminal() {
			view.Status = fleet.StatusCanceled
			return view, nil
		}
	}
	if liveTrip {
		view.Status = fleet.StatusStarted
	}
	return view, nil
}

// Watcher is one observer subscription; its lifetime is the observing
// screen's. Stop detaches it.
type Watcher struct {
	Token string
	stop  func()
	once  sync.Once
}

func (w *Watcher) Stop() { w.once.Do(w.stop) }

// Watch delivers a merged view on every published sample. A terminal
// sample is surfaced exactly once as a canceled view, then the watcher
// stops expecting coordinate updates and detaches itself.
func (f *Feed) Watch(ctx context.Context, id fleet.TripID, fn func(TripView)) (*Watcher, error) {
	if _, err := f.dir.Get(ctx, id); err != nil {
		return nil, err
	}
	sub := f.broker.Subscribe(id)
	done := make(chan struct{})
	w := &Watcher{
		Token: uuid.NewString(),
		stop: func() {
			close(done)
			sub.Close()
		},
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				sub.Close()
				return
			case <-done:
				return
			case s, ok := <-sub.C():
				if !ok {
					return
				}
				view := f.viewFor(ctx, id, s)
				fn(view)
				if s.Terminal() {
					w.Stop()
					return
				}
			}
		}
	}()
	return w, nil
}

func (f *Feed) viewFor(ctx context.Context, id fleet.TripID, s fleet.LocationSample) TripView {
	view := TripView{Sample: &s, Status: s.Status}
	r, err := f.dir.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, fleet.ErrNotFound) {
			f.log.WithField("trip", id.String()).WithError(err).Warn("feed: read route, degrading")
		}
		if !s.Terminal() {
			view.Status = fleet.StatusOffline
		}
		return view
	}
	view.Route = r
	if s.Terminal() {
		// The route document may still read active for a moment; the
		// terminal sample wins.
		return view
	}
	mirror, liveTrip, err := f.dir.Mirror(ctx, id)
	if err == nil && liveTrip {
		view.Mirror = &mirror
	}
	if !liveTrip {
		view.Status = fleet.StatusCanceled
	}
	return view
}

// Search returns the active trips a rider can still board for the given
// origin/destination pair: both names on the waypoint list in travel order,
// and the bus not yet past the boarding point. A trip that has not
// resolved a city yet counts as still at its origin.
func (f *Feed) Search(ctx context.Context, originName, destinationName string) ([]fleet.ActiveTrip, error) {
	trips, err := f.dir.ActiveTrips(ctx)
	if err != nil {
		return nil, err
	}
	var out []fleet.ActiveTrip
	for _, t := range trips {
		oi := t.WaypointIndex(originName)
		di := t.WaypointIndex(destinationName)
		if oi < 0 || di < 0 || di <= oi {
			continue
		}
		if t.CurrentCity != "" {
			ci := t.WaypointIndex(t.CurrentCity)
			if ci > oi {
				continue
			}
		}
		out = append(out, t)
	}
	return out, nil
}
