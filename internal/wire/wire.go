// Package wire defines the JSON messages exchanged between room peers and the
// relay. Every message is an Envelope; Type selects which fields are set.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/dustinlacewell/strudual/internal/awareness"
)

const (
	// Sent from client to relay.
	TypeJoin = "join"
	// Sent from relay to the joining client; Peer is its id, Peers the
	// others already in the room.
	TypeWelcome = "welcome"
	// Sent from relay to the room when a client drops.
	TypeLeave = "leave"
	// Document sync message addressed to one peer.
	TypeUpdate = "update"
	// Presence states published by one peer.
	TypeAwareness = "awareness"
	// Sent by a joining peer to each peer already in the room; carries the
	// joiner's presence.
	TypeSyncRequest = "sync-request"
	// Answer to a sync request: a document snapshot, the opening sync
	// message and the replier's presence.
	TypeSyncReply = "sync-reply"
	// Sent from relay to a client whose message was rejected.
	TypeError = "error"
)

// Envelope is the single message shape on the wire.
type Envelope struct {
	Type     string             `json:"type"`
	Room     string             `json:"room,omitempty"`
	From     string             `json:"from,omitempty"` // set by the relay on fan-out
	To       string             `json:"to,omitempty"`   // empty means the whole room
	Peer     string             `json:"peer,omitempty"`
	Peers    []string           `json:"peers,omitempty"`
	Sync     []byte             `json:"sync,omitempty"`     // automerge sync message
	Snapshot []byte             `json:"snapshot,omitempty"` // saved automerge document
	States   []awareness.Update `json:"states,omitempty"`
	Error    string             `json:"error,omitempty"`
}

// Encode marshals e.
func Encode(e Envelope) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", e.Type, err)
	}
	return data, nil
}

// Decode unmarshals and validates an envelope.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if e.Type == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing type")
	}
	return e, nil
}

// Addressed reports whether a client with the given id should receive e.
func (e Envelope) Addressed(id string) bool {
	if e.From != "" && e.From == id {
		return false
	}
	return e.To == "" || e.To == id
}
