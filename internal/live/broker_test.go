package live

import (
	"testing"
	"time"

	"github.com/IsuruUshanBandara/BusRouteMate-sub000/internal/fleet"
)

var testID = fleet.TripID{BusID: "NB-1234", RouteName: "colombo-kandy"}

func sampleAt(lat, lon float64, at time.Time) fleet.LocationSample {
	return fleet.LocationSample{
		TripID:    testID,
		Latitude:  lat,
		Longitude: lon,
		Timestamp: at,
		Status:    fleet.StatusStarted,
		RouteName: testID.RouteName,
		Direction: fleet.DirectionForward,
	}
}

func TestBroker_LastWriteWins(t *testing.T) {
	b := NewBroker()
	now := time.Now()
	b.Publish(sampleAt(6.9, 79.8, now))
	b.Publish(sampleAt(7.0, 80.0, now.Add(time.Second)))

	got, ok := b.Latest(testID)
	if !ok {
		t.Fatal("no latest sample")
	}
	if got.Latitude != 7.0 {
		t.Errorf("latest lat = %v, want 7.0", got.Latitude)
	}
}

func TestBroker_NoSampleReadsAsAbsent(t *testing.T) {
	b := NewBroker()
	if _, ok := b.Latest(testID); ok {
		t.Fatal("expected no sample for unused trip")
	}
}

func TestBroker_FanOutInOrder(t *testing.T) {
	b := NewBroker()
	sub1 := b.Subscribe(testID)
	defer sub1.Close()
	sub2 := b.Subscribe(testID)
	defer sub2.Close()

	now := time.Now()
	for i := 0; i < 3; i++ {
		b.Publish(sampleAt(float64(i), 0, now.Add(time.Duration(i)*time.Second)))
	}

	for _, sub := range []*Subscription{sub1, sub2} {
		for i := 0; i < 3; i++ {
			select {
			case s := <-sub.C():
				if s.Latitude != float64(i) {
					t.Fatalf("sample %d: lat = %v, want %d", i, s.Latitude, i)
				}
			case <-time.After(time.Second):
				t.Fatal("timed out waiting for sample")
			}
		}
	}
}

func TestBroker_SlowSubscriberKeepsNewest(t *testing.T) {
	b := NewBroker()
	sub := b.Subscribe(testID)
	defer sub.Close()

	now := time.Now()
	total := subscriptionBuffer + 5
	for i := 0; i < total; i++ {
		b.Publish(sampleAt(float64(i), 0, now.Add(time.Duration(i)*time.Second)))
	}

	var last fleet.LocationSample
	received := 0
drain:
	for {
		select {
		case s := <-sub.C():
			last = s
			received++
		default:
			break drain
		}
	}
	if received == 0 {
		t.Fatal("no samples delivered")
	}
	if last.Latitude != float64(total-1) {
		t.Errorf("newest sample lost: got lat %v, want %d", last.Latitude, total-1)
	}
}

func TestBroker_SubscribersIsolatedPerTrip(t *testing.T) {
	b := NewBroker()
	other := fleet.TripID{BusID: "NB-9999", RouteName: "galle-matara"}
	sub := b.Subscribe(other)
	defer sub.Close()

	b.Publish(sampleAt(6.9, 79.8, time.Now()))

	select {
	case s := <-sub.C():
		t.Fatalf("received sample for foreign trip: %+v", s)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroker_ForgetClearsLatest(t *testing.T) {
	b := NewBroker()
	b.Publish(sampleAt(6.9, 79.8, time.Now()))
	b.Forget(testID)
	if _, ok := b.Latest(testID); ok {
		t.Fatal("Forget left a retained sample")
	}
}

func TestBroker_ForwardHookSeesEveryPublish(t *testing.T) {
	b := NewBroker()
	var forwarded []fleet.LocationSample
	b.SetForward(func(s fleet.LocationSample) { forwarded = append(forwarded, s) })

	now := time.Now()
	b.Publish(sampleAt(1, 0, now))
	b.Publish(fleet.CanceledSample(testID, fleet.DirectionForward, now.Add(time.Second)))

	if len(forwarded) != 2 {
		t.Fatalf("forwarded %d samples, want 2", len(forwarded))
	}
	if !forwarded[1].Terminal() {
		t.Error("terminal sample not forwarded")
	}
}
