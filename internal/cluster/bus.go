// Package cluster carries the membership events that flow from the
// discovery agent to whoever cares (election engine, websocket
// monitor). Discovery only publishes; consumers only subscribe — the
// bus keeps the dependency one-directional.
package cluster

import "sync"

// EventType enumerates the membership events.
type EventType string

const (
	PeerDiscovered EventType = "peer_discovered"
	PeerLost       EventType = "peer_lost"
	IDCollision    EventType = "id_collision"
)

// Event is one membership change. Host is only set for PeerDiscovered
// and IDCollision.
type Event struct {
	Type    EventType
	NodeID  int
	Host    string
	TCPPort int
	UDPPort int
}

// Bus is a minimal publish/subscribe fan-out. Handlers run on their own
// goroutine per event so a slow subscriber never blocks discovery.
type Bus struct {
	mu   sync.RWMutex
	subs []func(Event)
}

// NewBus returns an empty bus.
func NewBus() *Bus { return &Bus{} }

// Subscribe registers a handler for every future event.
func (b *Bus) Subscribe(fn func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, fn)
}

// Publish delivers the event to all subscribers asynchronously.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	subs := make([]func(Event), len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, fn := range subs {
		go fn(ev)
	}
}
