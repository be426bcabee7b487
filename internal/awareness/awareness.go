// Package awareness implements the presence channel of a room: every peer
// publishes a small key/value state that is broadcast to all connected peers.
// States are ephemeral. Each peer's state carries a clock and the newest
// clock wins; peers that stay silent past the timeout are dropped.
package awareness

import (
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	// RenewInterval is how often an unchanged local state is re-published.
	RenewInterval = 15 * time.Second
	// Timeout is how long a remote state survives without an update.
	Timeout = 30 * time.Second
)

// PeerID identifies one connection to a room.
type PeerID string

// State is the published key/value state of one peer.
type State map[string]string

// Clone returns a copy of s.
func (s State) Clone() State {
	if s == nil {
		return nil
	}
	return maps.Clone(s)
}

// Merge returns a copy of s with fields applied on top.
func (s State) Merge(fields State) State {
	out := make(State, len(s)+len(fields))
	maps.Copy(out, s)
	maps.Copy(out, fields)
	return out
}

// Change lists the peers whose state appeared, changed or disappeared in one
// notification.
type Change struct {
	Added   []PeerID
	Updated []PeerID
	Removed []PeerID
}

// Empty reports whether the change carries no peers.
func (c Change) Empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

// Update is the wire form of one peer's state. A nil State announces that
// the peer left.
type Update struct {
	Peer  PeerID `json:"peer"`
	Clock uint64 `json:"clock"`
	State State  `json:"state"`
}

type entry struct {
	clock   uint64
	state   State
	touched time.Time
}

// Awareness holds the states of all peers known to one connection.
type Awareness struct {
	local PeerID
	clock clockwork.Clock

	mu        sync.Mutex
	entries   map[PeerID]*entry
	localMeta entry

	nextListener int
	observers    map[int]func(Change)
	outbound     map[int]func(Update)

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates an empty presence channel for the local peer.
func New(local PeerID, clock clockwork.Clock) *Awareness {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Awareness{
		local:     local,
		clock:     clock,
		entries:   make(map[PeerID]*entry),
		observers: make(map[int]func(Change)),
		outbound:  make(map[int]func(Update)),
		stop:      make(chan struct{}),
	}
}

// LocalID returns the id of the local peer.
func (a *Awareness) LocalID() PeerID { return a.local }

// SetLocalState replaces the local state and publishes it. A nil state
// announces that the local peer left.
func (a *Awareness) SetLocalState(s State) {
	a.mu.Lock()
	a.localMeta.clock++
	a.localMeta.touched = a.clock.Now()
	prev, had := a.entries[a.local]

	var change Change
	switch {
	case s == nil && had:
		delete(a.entries, a.local)
		change.Removed = []PeerID{a.local}
	case s == nil:
	case !had:
		a.entries[a.local] = &entry{clock: a.localMeta.clock, state: s.Clone(), touched: a.localMeta.touched}
		change.Added = []PeerID{a.local}
	default:
		if !maps.Equal(prev.state, s) {
			change.Updated = []PeerID{a.local}
		}
		prev.clock = a.localMeta.clock
		prev.state = s.Clone()
		prev.touched = a.localMeta.touched
	}
	update := Update{Peer: a.local, Clock: a.localMeta.clock, State: s.Clone()}
	observers, outbound := a.listenersLocked()
	a.mu.Unlock()

	for _, fn := range outbound {
		fn(update)
	}
	if !change.Empty() {
		for _, fn := range observers {
			fn(change)
		}
	}
}

// LocalState returns a copy of the local state, nil when unset.
func (a *Awareness) LocalState() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	if e, ok := a.entries[a.local]; ok {
		return e.state.Clone()
	}
	return nil
}

// States returns a copy of every known state, the local one included.
func (a *Awareness) States() map[PeerID]State {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[PeerID]State, len(a.entries))
	for id, e := range a.entries {
		out[id] = e.state.Clone()
	}
	return out
}

// Encode returns wire updates for every known state, sorted by peer.
func (a *Awareness) Encode() []Update {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Update, 0, len(a.entries))
	for id, e := range a.entries {
		out = append(out, Update{Peer: id, Clock: e.clock, State: e.state.Clone()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Peer < out[j].Peer })
	return out
}

// OnChange registers fn to receive every non-empty change.
func (a *Awareness) OnChange(fn func(Change)) (cancel func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.nextListener
	a.nextListener++
	a.observers[id] = fn
	return func() {
		a.mu.Lock()
		delete(a.observers, id)
		a.mu.Unlock()
	}
}

// OnLocalUpdate registers fn to receive every publication of the local
// state, renewals included. The transport uses it to broadcast.
func (a *Awareness) OnLocalUpdate(fn func(Update)) (cancel func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.nextListener
	a.nextListener++
	a.outbound[id] = fn
	return func() {
		a.mu.Lock()
		delete(a.outbound, id)
		a.mu.Unlock()
	}
}

// ApplyRemote merges updates received from other peers. Updates about the
// local peer and updates older than the known clock are ignored.
func (a *Awareness) ApplyRemote(updates []Update) {
	a.mu.Lock()
	now := a.clock.Now()
	var change Change
	for _, u := range updates {
		if u.Peer == a.local || u.Peer == "" {
			continue
		}
		cur, known := a.entries[u.Peer]
		if known && u.Clock < cur.clock {
			continue
		}
		switch {
		case u.State == nil && known:
			delete(a.entries, u.Peer)
			change.Removed = append(change.Removed, u.Peer)
		case u.State == nil:
		case !known:
			a.entries[u.Peer] = &entry{clock: u.Clock, state: u.State.Clone(), touched: now}
			change.Added = append(change.Added, u.Peer)
		default:
			if !maps.Equal(cur.state, u.State) {
				change.Updated = append(change.Updated, u.Peer)
			}
			cur.clock = u.Clock
			cur.state = u.State.Clone()
			cur.touched = now
		}
	}
	observers, _ := a.listenersLocked()
	a.mu.Unlock()

	a.notify(observers, change)
}

// Remove drops the states of peers the transport reported as gone.
func (a *Awareness) Remove(peers ...PeerID) {
	a.mu.Lock()
	var change Change
	for _, id := range peers {
		if id == a.local {
			continue
		}
		if _, ok := a.entries[id]; ok {
			delete(a.entries, id)
			change.Removed = append(change.Removed, id)
		}
	}
	observers, _ := a.listenersLocked()
	a.mu.Unlock()

	a.notify(observers, change)
}

// Sweep renews the local state when it is due and drops remote states that
// outlived Timeout. Start runs it periodically.
func (a *Awareness) Sweep() {
	a.mu.Lock()
	now := a.clock.Now()
	local, hasLocal := a.entries[a.local]
	renew := hasLocal && now.Sub(a.localMeta.touched) >= RenewInterval
	var update Update
	if renew {
		a.localMeta.clock++
		a.localMeta.touched = now
		local.clock = a.localMeta.clock
		local.touched = now
		update = Update{Peer: a.local, Clock: local.clock, State: local.state.Clone()}
	}
	var change Change
	for id, e := range a.entries {
		if id != a.local && now.Sub(e.touched) >= Timeout {
			delete(a.entries, id)
			change.Removed = append(change.Removed, id)
		}
	}
	sort.Slice(change.Removed, func(i, j int) bool { return change.Removed[i] < change.Removed[j] })
	observers, outbound := a.listenersLocked()
	a.mu.Unlock()

	if renew {
		for _, fn := range outbound {
			fn(update)
		}
	}
	a.notify(observers, change)
}

// Start runs Sweep every RenewInterval/3 until Close.
func (a *Awareness) Start() {
	ticker := a.clock.NewTicker(RenewInterval / 3)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.Chan():
				a.Sweep()
			case <-a.stop:
				return
			}
		}
	}()
}

// Close announces that the local peer left, stops the sweeper and drops
// every listener.
func (a *Awareness) Close() {
	a.stopOnce.Do(func() {
		close(a.stop)
		a.SetLocalState(nil)
		a.mu.Lock()
		a.observers = make(map[int]func(Change))
		a.outbound = make(map[int]func(Update))
		a.mu.Unlock()
	})
}

func (a *Awareness) notify(observers []func(Change), change Change) {
	if change.Empty() {
		return
	}
	for _, fn := range observers {
		fn(change)
	}
}

func (a *Awareness) listenersLocked() ([]func(Change), []func(Update)) {
	ids := make([]int, 0, len(a.observers))
	for id := range a.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	observers := make([]func(Change), 0, len(ids))
	for _, id := range ids {
		observers = append(observers, a.observers[id])
	}

	ids = ids[:0]
	for id := range a.outbound {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	outbound := make([]func(Update), 0, len(ids))
	for _, id := range ids {
		outbound = append(outbound, a.outbound[id])
	}
	return observers, outbound
}
