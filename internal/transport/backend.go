// Package transport connects a collab.Coordinator to a relay. It provides
// the replicated document, the presence channel and the link that moves
// their updates through the relay's websocket rooms.
package transport

import (
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/dustinlacewell/strudual/internal/awareness"
	"github.com/dustinlacewell/strudual/internal/collab"
	"github.com/dustinlacewell/strudual/internal/document"
)

// DefaultSyncWindow bounds how long a joining peer waits for sync replies
// before it considers itself synced with whoever answered.
const DefaultSyncWindow = 3 * time.Second

// RoomLayout holds one text region per editor slot and the meta map.
var RoomLayout = document.Layout{
	Texts: []string{collab.SlotFirst.Region(), collab.SlotSecond.Region()},
	Maps:  []string{collab.MetaRegion},
}

// Backend opens rooms on the relay at URL ("ws://host:port" or
// "http://host:port"; a path prefix is kept).
type Backend struct {
	URL        string
	Clock      clockwork.Clock
	Logger     *slog.Logger
	SyncWindow time.Duration
	Dialer     *websocket.Dialer
}

// Open implements collab.Backend. Nothing touches the network until the
// returned link's Connect is called.
func (b *Backend) Open(room string) (*collab.Connection, error) {
	endpoint, err := RoomURL(b.URL, room)
	if err != nil {
		return nil, err
	}

	clock := b.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	log := b.Logger
	if log == nil {
		log = slog.Default()
	}
	window := b.SyncWindow
	if window <= 0 {
		window = DefaultSyncWindow
	}
	dialer := b.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	peer := uuid.NewString()
	log = log.With("component", "transport", "room", room, "peer", peer)
	doc, err := document.New(peer, RoomLayout, document.WithLogger(log))
	if err != nil {
		return nil, fmt.Errorf("create document: %w", err)
	}
	aw := awareness.New(awareness.PeerID(peer), clock)
	link := &Link{
		endpoint:   endpoint,
		room:       room,
		peer:       peer,
		doc:        doc,
		aw:         aw,
		clock:      clock,
		dialer:     dialer,
		syncWindow: window,
		log:        log,
		statusFns:  make(map[int]func(collab.LinkEvent)),
		syncedFns:  make(map[int]func()),
		send:       make(chan []byte, 256),
	}
	link.ctx, link.cancel = contextWithCancel()

	return &collab.Connection{Doc: WrapDoc(doc), Presence: aw, Link: link}, nil
}

// RoomURL returns the websocket endpoint of room on the relay at base.
func RoomURL(base, room string) (string, error) {
	if room == "" {
		return "", fmt.Errorf("room is required")
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse relay url %q: %w", base, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("relay url %q: unsupported scheme %q", base, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("relay url %q: missing host", base)
	}
	return u.JoinPath("ws", room).String(), nil
}

type sharedDoc struct {
	doc *document.Doc
}

// WrapDoc exposes a document.Doc as a collab.Document.
func WrapDoc(doc *document.Doc) collab.Document {
	return sharedDoc{doc: doc}
}

func (d sharedDoc) Text(name string) collab.SharedText { return d.doc.Text(name) }
func (d sharedDoc) Map(name string) collab.SharedMap   { return d.doc.Map(name) }
func (d sharedDoc) Close()                             { d.doc.Close() }
