package collab

import (
	"context"
	"sync"

	"github.com/dustinlacewell/strudual/internal/awareness"
	"github.com/dustinlacewell/strudual/internal/roomlink"
)

// HostState is the snapshot a UI renders from.
type HostState struct {
	Ready     bool
	Status    Status
	PeerCount int
	Peers     []Peer
	Username  string
	Room      string
}

// Host owns the coordinator on behalf of a UI. It exists before the editors
// do; until a coordinator is attached, Connect fails with ErrNotInitialized
// and the fire-and-forget operations do nothing.
type Host struct {
	mu         sync.Mutex
	coord      *Coordinator
	unsub      func()
	state      HostState
	onEvaluate []func(awareness.PeerID)
	onChange   []func(HostState)
}

// NewHost returns a host with no coordinator attached.
func NewHost() *Host {
	return &Host{state: HostState{Status: StatusDisconnected}}
}

// Attach makes c the active coordinator, disconnecting any previous one.
func (h *Host) Attach(c *Coordinator) {
	h.Detach()

	unsub := c.Subscribe(h.handle)
	info := c.Info()

	h.mu.Lock()
	h.coord = c
	h.unsub = unsub
	h.state.Ready = true
	h.state.Status = info.Status
	h.state.PeerCount = info.PeerCount
	h.mu.Unlock()
}

// Detach disconnects and forgets the active coordinator.
func (h *Host) Detach() {
	h.mu.Lock()
	c, unsub := h.coord, h.unsub
	h.coord, h.unsub = nil, nil
	h.state = HostState{Status: StatusDisconnected, Username: h.state.Username, Room: h.state.Room}
	h.mu.Unlock()

	if c == nil {
		return
	}
	unsub()
	c.Disconnect()
}

// Connect joins room through the attached coordinator.
func (h *Host) Connect(ctx context.Context, room, username string) error {
	h.mu.Lock()
	c := h.coord
	if c == nil {
		h.mu.Unlock()
		return ErrNotInitialized
	}
	h.state.Username = username
	h.state.Room = room
	h.mu.Unlock()

	return c.Connect(ctx, room, username)
}

// AutoConnect connects when the link names a room. It reports whether a
// connection was attempted.
func (h *Host) AutoConnect(ctx context.Context, p roomlink.Params) (bool, error) {
	if !p.AutoConnect() {
		return false, nil
	}
	return true, h.Connect(ctx, p.Room, p.Username)
}

// Link returns the shareable query string for the current room, "" when no
// room was ever joined.
func (h *Host) Link() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return roomlink.Params{Username: h.state.Username, Room: h.state.Room}.Encode()
}

func (h *Host) Disconnect() {
	if c := h.coordinator(); c != nil {
		c.Disconnect()
	}
}

func (h *Host) SetActiveEditor(slot Slot) {
	if c := h.coordinator(); c != nil {
		c.SetActiveEditor(slot)
	}
}

func (h *Host) BroadcastEvaluate() {
	if c := h.coordinator(); c != nil {
		c.BroadcastEvaluate()
	}
}

// State returns the latest snapshot.
func (h *Host) State() HostState {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := h.state
	st.Peers = append([]Peer(nil), h.state.Peers...)
	return st
}

// OnEvaluate registers fn for remote evaluate triggers.
func (h *Host) OnEvaluate(fn func(from awareness.PeerID)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onEvaluate = append(h.onEvaluate, fn)
}

// OnChange registers fn for every state snapshot change.
func (h *Host) OnChange(fn func(HostState)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onChange = append(h.onChange, fn)
}

func (h *Host) coordinator() *Coordinator {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.coord
}

func (h *Host) handle(e Event) {
	c := h.coordinator()
	if c == nil {
		return
	}

	var peers []Peer
	if e.Type == EventPeers {
		peers = c.Peers()
	}

	h.mu.Lock()
	switch e.Type {
	case EventStatus:
		h.state.Status = e.Status
	case EventPeers:
		h.state.PeerCount = e.PeerCount
		h.state.Peers = peers
	}
	snapshot := h.state
	onEvaluate := append([]func(awareness.PeerID){}, h.onEvaluate...)
	onChange := append([]func(HostState){}, h.onChange...)
	h.mu.Unlock()

	if e.Type == EventEvaluate {
		for _, fn := range onEvaluate {
			fn(e.From)
		}
		return
	}
	for _, fn := range onChange {
		fn(snapshot)
	}
}
