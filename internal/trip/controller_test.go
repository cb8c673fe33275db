package trip

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/IsuruUshanBandara/BusRouteMate-sub000/internal/fleet"
	"github.com/IsuruUshanBandara/BusRouteMate-sub000/internal/live"
	"github.com/IsuruUshanBandara/BusRouteMate-sub000/internal/store"
)

var testID = fleet.TripID{BusID: "NB-1234", RouteName: "colombo-kandy"}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

type engine struct {
	dir        store.Directory
	broker     *live.Broker
	controller *Controller
	feed       *Feed
	sink       *recordingSink
}

func newEngine(t *testing.T, dir store.Directory, recheck time.Duration) *engine {
	t.Helper()
	log := quietLogger()
	broker := live.NewBroker()
	throttle := live.NewThrottle(10, 5*time.Second)
	sink := &recordingSink{}
	c := NewController(dir, broker, throttle, sink, nil, log, recheck)
	t.Cleanup(c.Close)
	return &engine{
		dir:        dir,
		broker:     broker,
		controller: c,
		feed:       NewFeed(dir, broker, log),
		sink:       sink,
	}
}

func seedThreeStopRoute(t *testing.T, dir store.Directory) {
	t.Helper()
	dest := "C"
	err := dir.Upsert(context.Background(), testID, store.RoutePatch{
		Waypoints: []fleet.Waypoint{
			{Name: "A", Latitude: 0, Longitude: 0},
			{Name: "B", Latitude: 1, Longitude: 0},
			{Name: "C", Latitude: 2, Longitude: 0},
		},
		Destination: &dest,
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

type recordingSink struct {
	mu     sync.Mutex
	events []fleet.TripEvent
}

func (r *recordingSink) PublishLifecycle(_ context.Context, ev fleet.TripEvent) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func (r *recordingSink) statuses() []fleet.TripStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]fleet.TripStatus, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Status
	}
	return out
}

// failingDir wraps a Directory and fails SetActive on demand.
type failingDir struct {
	store.Directory
	failSetActive bool
}

var errStoreDown = errors.New("store down")

func (f *failingDir) SetActive(ctx context.Context, id fleet.TripID, active bool, destination string, dir fleet.Direction) error {
	if f.failSetActive {
		return errStoreDown
	}
	return f.Directory.SetActive(ctx, id, active, destination, dir)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestSelectRoute_DerivesBothEnds(t *testing.T) {
	mem := store.NewMemory()
	seedThreeStopRoute(t, mem)
	e := newEngine(t, mem, time.Hour)

	opts, err := e.controller.SelectRoute(context.Background(), testID)
	if err != nil {
		t.Fatal(err)
	}
	if opts.Origin != "A" || opts.Terminus != "C" {
		t.Fatalf("options = %+v, want A/C", opts)
	}
}

func TestSelectRoute_UnknownRouteIsValidationError(t *testing.T) {
	e := newEngine(t, store.NewMemory(), time.Hour)

	_, err := e.controller.SelectRoute(context.Background(), testID)
	var verr *fleet.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
}

func TestChangeDestination_IdempotentNoDoubleReversal(t *testing.T) {
	mem := store.NewMemory()
	seedThreeStopRoute(t, mem)
	e := newEngine(t, mem, time.Hour)
	ctx := context.Background()

	if err := e.controller.ChangeDestination(ctx, testID, "A"); err != nil {
		t.Fatal(err)
	}
	r1, _ := mem.Get(ctx, testID)
	if r1.Waypoints[0].Name != "C" || r1.Direction != fleet.DirectionReversed {
		t.Fatalf("first call did not reverse: %+v", r1)
	}

	if err := e.controller.ChangeDestination(ctx, testID, "A"); err != nil {
		t.Fatal(err)
	}
	r2, _ := mem.Get(ctx, testID)
	if r2.Waypoints[0].Name != "C" || r2.Direction != fleet.DirectionReversed {
		t.Fatalf("second call reversed again: %+v", r2)
	}
}

func TestChangeDestination_UnknownNameRejected(t *testing.T) {
	mem := store.NewMemory()
	seedThreeStopRoute(t, mem)
	e := newEngine(t, mem, time.Hour)

	err := e.controller.ChangeDestination(context.Background(), testID, "Z")
	var verr *fleet.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
}

func TestStart_WithoutRouteFails(t *testing.T) {
	e := newEngine(t, store.NewMemory(), time.Hour)

	err := e.controller.Start(context.Background(), testID, "C")
	var verr *fleet.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
}

func TestStart_WithoutDestinationFails(t *testing.T) {
	mem := store.NewMemory()
	e := newEngine(t, mem, time.Hour)
	// Route with waypoints but no destination selected anywhere.
	err := mem.Upsert(context.Background(), testID, store.RoutePatch{
		Waypoints: []fleet.Waypoint{
			{Name: "A", Latitude: 0, Longitude: 0},
			{Name: "B", Latitude: 1, Longitude: 0},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	serr := e.controller.Start(context.Background(), testID, "")
	var verr *fleet.ValidationError
	if !errors.As(serr, &verr) {
		t.Fatalf("err = %v, want ValidationError", serr)
	}
	if e.controller.Live(testID) {
		t.Fatal("failed start opened a session")
	}
}

func TestStart_CreatesMirrorAndSession(t *testing.T) {
	mem := store.NewMemory()
	seedThreeStopRoute(t, mem)
	e := newEngine(t, mem, time.Hour)
	ctx := context.Background()

	if err := e.controller.Start(ctx, testID, "C"); err != nil {
		t.Fatal(err)
	}

	r, _ := mem.Get(ctx, testID)
	_, exists, _ := mem.Mirror(ctx, testID)
	if !r.Active || !exists {
		t.Fatalf("after start: active=%t mirror=%t, want both true", r.Active, exists)
	}
	if !e.controller.Live(testID) {
		t.Fatal("no session after start")
	}
	if got := e.sink.statuses(); len(got) != 1 || got[0] != fleet.StatusStarted {
		t.Fatalf("events = %v, want [started]", got)
	}
}

func TestStart_PersistenceFailureOpensNothing(t *testing.T) {
	mem := store.NewMemory()
	seedThreeStopRoute(t, mem)
	fd := &failingDir{Directory: mem, failSetActive: true}
	e := newEngine(t, fd, time.Hour)

	err := e.controller.Start(context.Background(), testID, "C")
	var perr *fleet.PersistenceError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want PersistenceError", err)
	}
	if e.controller.Live(testID) {
		t.Fatal("session opened despite failed directory write")
	}

	// The caller may retry once the store recovers.
	fd.failSetActive = false
	if err := e.controller.Start(context.Background(), testID, "C"); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
}

func TestStart_RetriedStartIsIdempotent(t *testing.T) {
	mem := store.NewMemory()
	seedThreeStopRoute(t, mem)
	e := newEngine(t, mem, time.Hour)
	ctx := context.Background()

	if err := e.controller.Start(ctx, testID, "C"); err != nil {
		t.Fatal(err)
	}
	if err := e.controller.Start(ctx, testID, "C"); err != nil {
		t.Fatal(err)
	}
	if got := e.sink.statuses(); len(got) != 1 {
		t.Fatalf("retried start produced extra events: %v", got)
	}
}

func TestCancel_TerminalStateEverywhere(t *testing.T) {
	mem := store.NewMemory()
	seedThreeStopRoute(t, mem)
	e := newEngine(t, mem, time.Hour)
	ctx := context.Background()

	if err := e.controller.Start(ctx, testID, "C"); err != nil {
		t.Fatal(err)
	}
	if err := e.controller.ReportLocation(ctx, testID, 0.9, 0, time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := e.controller.Cancel(ctx, testID); err != nil {
		t.Fatal(err)
	}

	r, _ := mem.Get(ctx, testID)
	_, exists, _ := mem.Mirror(ctx, testID)
	if r.Active || exists {
		t.Fatalf("after cancel: active=%t mirror=%t, want both false", r.Active, exists)
	}
	s, ok := e.broker.Latest(testID)
	if !ok || !s.Terminal() {
		t.Fatalf("latest sample = %+v, want terminal", s)
	}
	if e.controller.Live(testID) {
		t.Fatal("session survived cancel")
	}
}

func TestCancel_IdempotentWhenIdle(t *testing.T) {
	mem := store.NewMemory()
	seedThreeStopRoute(t, mem)
	e := newEngine(t, mem, time.Hour)
	ctx := context.Background()

	if err := e.controller.Cancel(ctx, testID); err != nil {
		t.Fatalf("cancel while idle: %v", err)
	}
	if err := e.controller.Cancel(ctx, testID); err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if got := e.sink.statuses(); len(got) != 0 {
		t.Fatalf("idle cancels published events: %v", got)
	}
}

func TestCancel_StaleReportCannotResurrectTrip(t *testing.T) {
	mem := store.NewMemory()
	seedThreeStopRoute(t, mem)
	e := newEngine(t, mem, time.Hour)
	ctx := context.Background()

	if err := e.controller.Start(ctx, testID, "C"); err != nil {
		t.Fatal(err)
	}
	if err := e.controller.Cancel(ctx, testID); err != nil {
		t.Fatal(err)
	}

	// A driver client that missed the cancellation keeps reporting.
	if err := e.controller.ReportLocation(ctx, testID, 0.9, 0, time.Now()); err != nil {
		t.Fatal(err)
	}

	s, ok := e.broker.Latest(testID)
	if !ok || s.Status != fleet.StatusCanceled {
		t.Fatalf("stale report overwrote terminal sample: %+v", s)
	}
	view, err := e.feed.Snapshot(ctx, testID)
	if err != nil {
		t.Fatal(err)
	}
	if view.Status == fleet.StatusStarted {
		t.Fatal("feed reports started after cancel")
	}
}

func TestReportLocation_ThrottledWritesDoNotReachBroker(t *testing.T) {
	mem := store.NewMemory()
	seedThreeStopRoute(t, mem)
	e := newEngine(t, mem, time.Hour)
	ctx := context.Background()

	if err := e.controller.Start(ctx, testID, "C"); err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	if err := e.controller.ReportLocation(ctx, testID, 0.9, 0, now); err != nil {
		t.Fatal(err)
	}
	// A couple of meters and one second later: under both bounds.
	if err := e.controller.ReportLocation(ctx, testID, 0.90001, 0, now.Add(time.Second)); err != nil {
		t.Fatal(err)
	}

	s, _ := e.broker.Latest(testID)
	if s.Latitude != 0.9 {
		t.Fatalf("throttled sample reached the channel: lat=%v", s.Latitude)
	}
}

func TestResumeActive_ReopensSessionsFromMirrors(t *testing.T) {
	mem := store.NewMemory()
	seedThreeStopRoute(t, mem)
	ctx := context.Background()
	if err := mem.SetActive(ctx, testID, true, "C", fleet.DirectionForward); err != nil {
		t.Fatal(err)
	}

	e := newEngine(t, mem, time.Hour)
	if err := e.controller.ResumeActive(ctx); err != nil {
		t.Fatal(err)
	}
	if !e.controller.Live(testID) {
		t.Fatal("mirror record not resumed into a session")
	}
	if got := e.sink.statuses(); len(got) != 0 {
		t.Fatalf("resume published lifecycle events: %v", got)
	}
}
