package trip

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/IsuruUshanBandara/BusRouteMate-sub000/internal/fleet"
	"github.com/IsuruUshanBandara/BusRouteMate-sub000/internal/store"
)

// countingDir counts SetCurrentCity calls on top of the memory backend.
type countingDir struct {
	*store.Memory
	mu         sync.Mutex
	cityWrites int
}

func (c *countingDir) SetCurrentCity(ctx context.Context, id fleet.TripID, city string) error {
	c.mu.Lock()
	c.cityWrites++
	c.mu.Unlock()
	return c.Memory.SetCurrentCity(ctx, id, city)
}

func (c *countingDir) writes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cityWrites
}

func TestCityTracker_ResolvesCityFromSample(t *testing.T) {
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

	waitFor(t, 2*time.Second, func() bool {
		r, err := mem.Get(ctx, testID)
		return err == nil && r.CurrentCity == "B"
	})
	mir, ok, _ := mem.Mirror(ctx, testID)
	if !ok || mir.CurrentCity != "B" {
		t.Fatalf("mirror city = %q, want B", mir.CurrentCity)
	}
}

func TestCityTracker_DebouncesUnchangedCity(t *testing.T) {
	cd := &countingDir{Memory: store.NewMemory()}
	seedThreeStopRoute(t, cd.Memory)
	e := newEngine(t, cd, time.Hour)
	ctx := context.Background()

	if err := e.controller.Start(ctx, testID, "C"); err != nil {
		t.Fatal(err)
	}

	// Several samples resolving to the same waypoint, spaced past the
	// throttle interval so each one reaches the tracker.
	base := time.Now()
	for i := 0; i < 4; i++ {
		at := base.Add(time.Duration(i) * 6 * time.Second)
		if err := e.controller.ReportLocation(ctx, testID, 0.9+float64(i)*0.001, 0, at); err != nil {
			t.Fatal(err)
		}
	}

	waitFor(t, 2*time.Second, func() bool {
		r, err := cd.Get(ctx, testID)
		return err == nil && r.CurrentCity == "B"
	})
	// Give trailing samples a moment to be consumed, then assert exactly
	// one write happened (the first).
	time.Sleep(100 * time.Millisecond)
	if got := cd.writes(); got != 1 {
		t.Fatalf("city writes = %d, want 1", got)
	}
}

func TestCityTracker_WritesAgainOnChange(t *testing.T) {
	cd := &countingDir{Memory: store.NewMemory()}
	seedThreeStopRoute(t, cd.Memory)
	e := newEngine(t, cd, time.Hour)
	ctx := context.Background()

	if err := e.controller.Start(ctx, testID, "C"); err != nil {
		t.Fatal(err)
	}
	base := time.Now()
	if err := e.controller.ReportLocation(ctx, testID, 0.9, 0, base); err != nil {
		t.Fatal(err)
	}
	if err := e.controller.ReportLocation(ctx, testID, 1.9, 0, base.Add(10*time.Second)); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool {
		r, err := cd.Get(ctx, testID)
		return err == nil && r.CurrentCity == "C"
	})
	if got := cd.writes(); got != 2 {
		t.Fatalf("city writes = %d, want 2", got)
	}
}

func TestCityTracker_EmptyWaypointsLeavesCityUnset(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	// Degenerate route written by a foreign owner: mirror present but the
	// waypoint list was emptied.
	if err := mem.Upsert(ctx, testID, store.RoutePatch{Waypoints: []fleet.Waypoint{
		{Name: "A", Latitude: 0, Longitude: 0},
		{Name: "B", Latitude: 1, Longitude: 0},
	}}); err != nil {
		t.Fatal(err)
	}
	e := newEngine(t, mem, time.Hour)
	if err := e.controller.Start(ctx, testID, "B"); err != nil {
		t.Fatal(err)
	}
	if err := mem.Upsert(ctx, testID, store.RoutePatch{Waypoints: []fleet.Waypoint{}}); err != nil {
		t.Fatal(err)
	}

	if err := e.controller.ReportLocation(ctx, testID, 0.5, 0, time.Now()); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	r, _ := mem.Get(ctx, testID)
	if r.CurrentCity != "" {
		t.Fatalf("CurrentCity = %q, want unset", r.CurrentCity)
	}
}

func TestCityTracker_PeriodicRecheckCoversSubscriptionGap(t *testing.T) {
	cd := &countingDir{Memory: store.NewMemory()}
	seedThreeStopRoute(t, cd.Memory)
	e := newEngine(t, cd, 30*time.Millisecond)
	ctx := context.Background()

	if err := e.controller.Start(ctx, testID, "C"); err != nil {
		t.Fatal(err)
	}
	if err := e.controller.ReportLocation(ctx, testID, 0.9, 0, time.Now()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool {
		r, err := cd.Get(ctx, testID)
		return err == nil && r.CurrentCity == "B"
	})

	// A foreign writer clobbers the city; no new sample arrives. The
	// periodic recheck must repair it from the last-known sample.
	if err := cd.Memory.SetCurrentCity(ctx, testID, "A"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool {
		r, err := cd.Get(ctx, testID)
		return err == nil && r.CurrentCity == "B"
	})
}
