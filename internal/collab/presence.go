package collab

import (
	"sort"
	"strconv"

	"github.com/dustinlacewell/strudual/internal/awareness"
	"github.com/dustinlacewell/strudual/internal/colors"
)

// Peers returns the remote participants of the live session, sorted by name.
// The local peer is never included.
func (c *Coordinator) Peers() []Peer {
	p := c.presence()
	if p == nil {
		return nil
	}
	self := p.LocalID()
	var peers []Peer
	for id, st := range p.States() {
		if id == self {
			continue
		}
		peers = append(peers, peerFromState(id, st))
	}
	sort.Slice(peers, func(i, j int) bool {
		if peers[i].Name != peers[j].Name {
			return peers[i].Name < peers[j].Name
		}
		return peers[i].ID < peers[j].ID
	})
	return peers
}

// SetActiveEditor publishes which editor the local user is working in.
// It is a no-op without a session.
func (c *Coordinator) SetActiveEditor(slot Slot) {
	if !slot.Valid() {
		return
	}
	c.presenceMu.Lock()
	defer c.presenceMu.Unlock()
	p := c.presence()
	if p == nil {
		return
	}
	p.SetLocalState(p.LocalState().Merge(awareness.State{KeyActiveEditor: string(slot)}))
}

// BroadcastEvaluate asks every remote peer to evaluate its editors. Each call
// publishes a stamp strictly greater than the previous one so that peers can
// tell a new trigger from a re-delivered state. It is a no-op without a
// session.
func (c *Coordinator) BroadcastEvaluate() {
	c.presenceMu.Lock()
	defer c.presenceMu.Unlock()

	c.mu.Lock()
	s := c.sess
	if s == nil || s.conn == nil {
		c.mu.Unlock()
		return
	}
	stamp := c.clock.Now().UnixMilli()
	if stamp <= s.lastSent {
		stamp = s.lastSent + 1
	}
	s.lastSent = stamp
	p := s.conn.Presence
	c.mu.Unlock()

	p.SetLocalState(p.LocalState().Merge(awareness.State{KeyEvaluate: strconv.FormatInt(stamp, 10)}))
}

func (c *Coordinator) presence() Presence {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil || c.sess.conn == nil {
		return nil
	}
	return c.sess.conn.Presence
}

// handlePresence recomputes the peer count from the channel snapshot and
// relays remote evaluate triggers, at most once per distinct stamp per peer.
func (c *Coordinator) handlePresence(s *session, ch awareness.Change) {
	c.mu.Lock()
	if c.sess != s || s.conn == nil {
		c.mu.Unlock()
		return
	}
	p := s.conn.Presence
	self := p.LocalID()
	states := p.States()

	count := len(states)
	if _, ok := states[self]; ok {
		count--
	}

	remote := false
	for _, ids := range [][]awareness.PeerID{ch.Added, ch.Updated, ch.Removed} {
		for _, id := range ids {
			if id != self {
				remote = true
			}
		}
	}

	var events []Event
	if count != c.peerCount || remote {
		c.peerCount = count
		events = append(events, Event{Type: EventPeers, Status: c.status, PeerCount: count})
	}

	for _, id := range ch.Removed {
		delete(s.lastEval, id)
	}
	for _, ids := range [][]awareness.PeerID{ch.Added, ch.Updated} {
		for _, id := range ids {
			if id == self {
				continue
			}
			stamp := states[id][KeyEvaluate]
			if stamp == "" || s.lastEval[id] == stamp {
				continue
			}
			s.lastEval[id] = stamp
			events = append(events, Event{Type: EventEvaluate, Status: c.status, PeerCount: count, From: id})
		}
	}
	c.mu.Unlock()

	c.emit(events)
}

// recolor re-picks the local color so that it bisects the largest free arc
// between the hues already used in the room.
func (c *Coordinator) recolor(s *session) {
	c.presenceMu.Lock()
	defer c.presenceMu.Unlock()

	c.mu.Lock()
	if c.sess != s || s.conn == nil {
		c.mu.Unlock()
		return
	}
	p := s.conn.Presence
	c.mu.Unlock()

	self := p.LocalID()
	var hues []float64
	for id, st := range p.States() {
		if id == self {
			continue
		}
		if h, ok := colors.ParseHue(st[KeyColor]); ok {
			hues = append(hues, h)
		}
	}
	if len(hues) == 0 {
		return
	}
	picker := colors.NewPicker(c.colorOpts...)
	picker.Observe(hues...)
	p.SetLocalState(p.LocalState().Merge(awareness.State{KeyColor: picker.NextCSS()}))
}

func peerFromState(id awareness.PeerID, st awareness.State) Peer {
	p := Peer{ID: id, Name: st[KeyName], Color: st[KeyColor]}
	if p.Name == "" {
		p.Name = DefaultUsername
	}
	if p.Color == "" {
		p.Color = "#888"
	}
	if slot := Slot(st[KeyActiveEditor]); slot.Valid() {
		p.ActiveEditor = slot
	}
	if stamp, err := strconv.ParseInt(st[KeyEvaluate], 10, 64); err == nil {
		p.LastEvaluate = stamp
	}
	return p
}
