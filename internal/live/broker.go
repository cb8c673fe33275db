// Package live is the transient location channel: a last-value store per
// trip with many-reader fan-out, plus the publish throttle and the NATS
// relay that mirrors samples to external observers.
package live

import (
	"sync"

	"github.com/IsuruUshanBandara/BusRouteMate-sub000/internal/fleet"
)

const subscriptionBuffer = 16

// Broker keeps the single current sample per trip and fans every publish
// out to all current subscribers. One writer per trip keeps delivery
// ordered; a slow subscriber loses its oldest buffered sample, never the
// newest.
type Broker struct {
	mu      sync.Mutex
	latest  map[fleet.TripID]fleet.LocationSample
	subs    map[fleet.TripID]map[int]*Subscription
	nextSub int
	forward func(fleet.LocationSample)
}

func NewBroker() *Broker {
	return &Broker{
		latest: make(map[fleet.TripID]fleet.LocationSample),
		subs:   make(map[fleet.TripID]map[int]*Subscription),
	}
}

// SetForward installs a hook invoked after local fan-out for every
// published sample. Used to mirror samples onto NATS.
func (b *Broker) SetForward(fn func(fleet.LocationSample)) {
	b.mu.Lock()
	b.forward = fn
	b.mu.Unlock()
}

// Publish overwrites the current record for the sample's trip and delivers
// it to every subscriber. Last write wins; no history is retained.
func (b *Broker) Publish(s fleet.LocationSample) {
	b.mu.Lock()
	b.latest[s.TripID] = s
	for _, sub := range b.subs[s.TripID] {
		sub.push(s)
	}
	fwd := b.forward
	b.mu.Unlock()
	if fwd != nil {
		fwd(s)
	}
}

// Latest returns the current sample for the trip. ok is false when no
// sample was ever published (the trip reads as offline).
func (b *Broker) Latest(id fleet.TripID) (fleet.LocationSample, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.latest[id]
	return s, ok
}

// Forget drops the retained sample so a later trip session starts clean.
func (b *Broker) Forget(id fleet.TripID) {
	b.mu.Lock()
	delete(b.latest, id)
	b.mu.Unlock()
}

// Subscribe registers a reader for one trip. The caller must Close the
// subscription when the observing screen goes away.
func (b *Broker) Subscribe(id fleet.TripID) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSub++
	sub := &Subscription{
		id:     b.nextSub,
		tripID: id,
		ch:     make(chan fleet.LocationSample, subscriptionBuffer),
		broker: b,
	}
	if b.subs[id] == nil {
		b.subs[id] = make(map[int]*Subscription)
	}
	b.subs[id][sub.id] = sub
	return sub
}

func (b *Broker) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if m, ok := b.subs[sub.tripID]; ok {
		delete(m, sub.id)
		if len(m) == 0 {
			delete(b.subs, sub.tripID)
		}
	}
}

// Subscription delivers published samples in publish order.
type Subscription struct {
	id     int
	tripID fleet.TripID
	ch     chan fleet.LocationSample
	broker *Broker
	once   sync.Once
}

// C is the sample stream. It is closed by Close, not by trip cancellation;
// a terminal sample arrives on it first.
func (s *Subscription) C() <-chan fleet.LocationSample { return s.ch }

func (s *Subscription) Close() {
	s.once.Do(func() {
		s.broker.unsubscribe(s)
		close(s.ch)
	})
}

// push runs under the broker lock. When the buffer is full the oldest
// sample is dropped: observers want the newest position, not a backlog.
func (s *Subscription) push(sample fleet.LocationSample) {
	select {
	case s.ch <- sample:
		return
	default:
	}
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- sample:
	default:
	}
}
