package collab

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

const ticketPrefix = "ticket_"

// Ticket is the claim a peer writes into the meta map on connect. The
// earliest ticket decides whose local drafts seed empty regions.
type Ticket struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds
}

func newTicket(now time.Time) Ticket {
	return Ticket{ID: uuid.NewString(), Timestamp: now.UnixMilli()}
}

// Key is the meta map key the ticket is stored under.
func (t Ticket) Key() string {
	return ticketPrefix + t.ID
}

// Before orders tickets by timestamp; equal timestamps fall back to the
// lexicographically smaller id.
func (t Ticket) Before(o Ticket) bool {
	if t.Timestamp != o.Timestamp {
		return t.Timestamp < o.Timestamp
	}
	return t.ID < o.ID
}

func (t Ticket) encode() []byte {
	data, _ := json.Marshal(t)
	return data
}

// electWinner returns the earliest of local and every ticket stored in
// meta. Malformed entries are skipped.
func electWinner(meta SharedMap, local Ticket) Ticket {
	winner := local
	meta.Range(func(key string, value []byte) bool {
		if !strings.HasPrefix(key, ticketPrefix) {
			return true
		}
		var t Ticket
		if err := json.Unmarshal(value, &t); err != nil || t.ID == "" {
			return true
		}
		if t.Before(winner) {
			winner = t
		}
		return true
	})
	return winner
}
