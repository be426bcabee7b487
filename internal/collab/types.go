package collab

import "github.com/dustinlacewell/strudual/internal/awareness"

// Slot names one of the two editor surfaces.
type Slot string

const (
	SlotFirst  Slot = "first"
	SlotSecond Slot = "second"
)

// Slots lists both slots in a fixed order.
var Slots = []Slot{SlotFirst, SlotSecond}

// Valid reports whether s is one of the two known slots.
func (s Slot) Valid() bool {
	return s == SlotFirst || s == SlotSecond
}

// Region returns the shared text region backing the slot.
func (s Slot) Region() string {
	switch s {
	case SlotFirst:
		return "strudel"
	case SlotSecond:
		return "punctual"
	}
	return ""
}

// MetaRegion is the shared map holding initialization tickets.
const MetaRegion = "meta"

// Presence state keys.
const (
	KeyName         = "name"
	KeyColor        = "color"
	KeyActiveEditor = "activeEditor"
	KeyEvaluate     = "evaluate"
)

// Status is the connection state of the coordinator.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
)

// Editor is the subset of an editor surface the coordinator drives.
type Editor interface {
	Text() string
	ReplaceAll(text string)
	Cursor() int
	SetCursor(pos int)
	Focus()
}

// Compartment is a reconfigurable extension point of an editor. Activate
// attaches collaborative editing backed by the behavior's shared text;
// Deactivate returns the editor to purely local editing.
type Compartment interface {
	Activate(b Behavior)
	Deactivate()
}

// Behavior is what the coordinator plugs into a compartment.
type Behavior struct {
	Slot     Slot
	Text     SharedText
	Presence Presence
}

// SharedText is a replicated text region. Offsets count runes.
type SharedText interface {
	Insert(offset int, text string)
	Delete(offset, length int)
	String() string
	Len() int
	Observe(fn func()) (cancel func())
}

// SharedMap is a replicated key/value region.
type SharedMap interface {
	Set(key string, value []byte)
	Get(key string) ([]byte, bool)
	Range(fn func(key string, value []byte) bool)
}

// Document is one replicated document scope.
type Document interface {
	Text(name string) SharedText
	Map(name string) SharedMap
	Close()
}

// Presence is the per-peer ephemeral state channel of a room.
type Presence interface {
	LocalID() awareness.PeerID
	SetLocalState(s awareness.State)
	LocalState() awareness.State
	States() map[awareness.PeerID]awareness.State
	OnChange(fn func(awareness.Change)) (cancel func())
	Close()
}

// LinkEvent is a connection-state report from the transport. Err is set when
// the transport gave up.
type LinkEvent struct {
	Connected bool
	Err       error
}

// Link is the transport connection of a session. It does nothing until
// Connect is called; Connect returns immediately and progress is reported
// through the callbacks.
type Link interface {
	OnStatus(fn func(LinkEvent)) (cancel func())
	OnSynced(fn func()) (cancel func())
	Connect()
	Close()
}

// Connection bundles what a Backend opens for one room.
type Connection struct {
	Doc      Document
	Presence Presence
	Link     Link
}

// Backend opens the replicated document and transport for a room.
type Backend interface {
	Open(room string) (*Connection, error)
}

// Peer is a remote participant derived from its presence state.
type Peer struct {
	ID           awareness.PeerID
	Name         string
	Color        string
	ActiveEditor Slot  // empty until the peer publishes one
	LastEvaluate int64 // unix milliseconds, zero when never broadcast
}

// ConnectionInfo summarizes the coordinator state for status displays.
type ConnectionInfo struct {
	Status    Status
	PeerCount int
}
