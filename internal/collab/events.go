package collab

import (
	"sort"

	"github.com/dustinlacewell/strudual/internal/awareness"
)

type EventType int

const (
	// EventStatus is sent whenever the connection status changes.
	EventStatus EventType = iota + 1
	// EventPeers is sent whenever the remote peer set or a remote peer's
	// state changes.
	EventPeers
	// EventEvaluate is sent once per distinct evaluate trigger of a remote
	// peer. The coordinator never evaluates anything itself.
	EventEvaluate
)

func (t EventType) String() string {
	switch t {
	case EventStatus:
		return "status"
	case EventPeers:
		return "peers"
	case EventEvaluate:
		return "evaluate"
	}
	return "unknown"
}

// Event is a notification delivered to subscribers. Status and PeerCount are
// the values at the time the event was produced.
type Event struct {
	Type      EventType
	Status    Status
	PeerCount int
	From      awareness.PeerID // EventEvaluate only
}

// Subscribe registers fn for every event. Events are delivered on the
// goroutine that produced them, without coordinator locks held, so fn may
// call back into the coordinator.
func (c *Coordinator) Subscribe(fn func(Event)) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextListener
	c.nextListener++
	c.listeners[id] = fn
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *Coordinator) emit(events []Event) {
	if len(events) == 0 {
		return
	}
	c.mu.Lock()
	ids := make([]int, 0, len(c.listeners))
	for id := range c.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	listeners := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, c.listeners[id])
	}
	c.mu.Unlock()

	for _, e := range events {
		for _, fn := range listeners {
			fn(e)
		}
	}
}
