package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/dustinlacewell/strudual/internal/awareness"
	"github.com/dustinlacewell/strudual/internal/collab"
	"github.com/dustinlacewell/strudual/internal/document"
	"github.com/dustinlacewell/strudual/internal/wire"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4 << 20
)

// Link is the websocket connection of one room. It implements collab.Link.
type Link struct {
	endpoint   string
	room       string
	peer       string
	doc        *document.Doc
	aw         *awareness.Awareness
	clock      clockwork.Clock
	dialer     *websocket.Dialer
	syncWindow time.Duration
	log        *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	send   chan []byte

	mu        sync.Mutex
	started   bool
	joined    bool
	synced    bool
	waiting   map[string]bool
	syncTimer clockwork.Timer
	unhook    []func()

	nextListener int
	statusFns    map[int]func(collab.LinkEvent)
	syncedFns    map[int]func()
}

func contextWithCancel() (context.Context, context.CancelFunc) {
	return context.WithCancel(context.Background())
}

// Peer returns the id this link joins the room with.
func (l *Link) Peer() string { return l.peer }

// OnStatus registers fn for connection state reports.
func (l *Link) OnStatus(fn func(collab.LinkEvent)) (cancel func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.nextListener
	l.nextListener++
	l.statusFns[id] = fn
	return func() {
		l.mu.Lock()
		delete(l.statusFns, id)
		l.mu.Unlock()
	}
}

// OnSynced registers fn to run once the initial exchange with the room has
// finished. It fires at most once per link.
func (l *Link) OnSynced(fn func()) (cancel func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.nextListener
	l.nextListener++
	l.syncedFns[id] = fn
	return func() {
		l.mu.Lock()
		delete(l.syncedFns, id)
		l.mu.Unlock()
	}
}

// Connect starts dialing in the background. Only the first call has an
// effect.
func (l *Link) Connect() {
	l.mu.Lock()
	if l.started || l.ctx.Err() != nil {
		l.mu.Unlock()
		return
	}
	l.started = true
	l.unhook = []func(){
		l.doc.OnChange(l.publishChanges),
		l.aw.OnLocalUpdate(l.publishState),
	}
	l.mu.Unlock()

	l.aw.Start()
	go l.run()
}

// Close stops the link. It does not wait for the connection goroutines and
// is safe to call from any callback.
func (l *Link) Close() {
	l.cancel()

	l.mu.Lock()
	unhook := l.unhook
	l.unhook = nil
	if l.syncTimer != nil {
		l.syncTimer.Stop()
	}
	l.mu.Unlock()

	for _, fn := range unhook {
		fn()
	}
}

func (l *Link) run() {
	conn, err := l.dial()
	if err != nil {
		if l.ctx.Err() != nil {
			return
		}
		l.log.Warn("giving up on relay", "error", err)
		l.emitStatus(collab.LinkEvent{Err: err})
		return
	}
	conn.SetReadLimit(maxMessageSize)

	go l.writePump(conn)
	l.enqueue(wire.Envelope{Type: wire.TypeJoin, Room: l.room, Peer: l.peer})
	l.readPump(conn)
}

// dial retries with exponential backoff until the relay answers, the link
// is closed, or the relay rejects the upgrade.
func (l *Link) dial() (*websocket.Conn, error) {
	var conn *websocket.Conn
	op := func() error {
		c, resp, err := l.dialer.DialContext(l.ctx, l.endpoint, nil)
		if err != nil {
			if resp != nil {
				return backoff.Permanent(fmt.Errorf("relay rejected %s: %s", l.endpoint, resp.Status))
			}
			l.log.Debug("dial failed, retrying", "error", err)
			return err
		}
		conn = c
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	if err := backoff.Retry(op, backoff.WithContext(b, l.ctx)); err != nil {
		return nil, err
	}
	return conn, nil
}

func (l *Link) readPump(conn *websocket.Conn) {
	defer l.dropped()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if l.ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				l.log.Warn("read failed", "error", err)
			}
			return
		}
		env, err := wire.Decode(data)
		if err != nil {
			l.log.Warn("dropping malformed message", "error", err)
			continue
		}
		l.handle(env)
	}
}

func (l *Link) writePump(conn *websocket.Conn) {
	defer conn.Close()
	for {
		select {
		case data := <-l.send:
			if err := l.write(conn, websocket.TextMessage, data); err != nil {
				l.log.Debug("write failed", "error", err)
				return
			}
		case <-l.ctx.Done():
			// Flush what was queued before Close, typically the presence leave.
			for {
				select {
				case data := <-l.send:
					if l.write(conn, websocket.TextMessage, data) != nil {
						return
					}
				default:
					_ = l.write(conn, websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}

func (l *Link) write(conn *websocket.Conn, kind int, data []byte) error {
	// Socket deadlines always follow wall time.
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(kind, data)
}

// dropped runs when the read side ends. After a join it reports the
// disconnect; a close initiated by Close stays silent.
func (l *Link) dropped() {
	if l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	joined := l.joined
	l.joined = false
	l.mu.Unlock()
	l.cancel()

	if joined {
		l.emitStatus(collab.LinkEvent{Connected: false})
		return
	}
	l.emitStatus(collab.LinkEvent{Err: errors.New("relay closed the connection before the room was joined")})
}

func (l *Link) handle(env wire.Envelope) {
	switch env.Type {
	case wire.TypeWelcome:
		l.welcome(env)
	case wire.TypeUpdate:
		l.receive(env)
		l.reply(env.From)
	case wire.TypeAwareness:
		l.aw.ApplyRemote(env.States)
	case wire.TypeSyncRequest:
		l.aw.ApplyRemote(env.States)
		if !l.isJoined() || env.From == "" {
			return
		}
		snapshot, msg := l.doc.Handshake(env.From)
		l.enqueue(wire.Envelope{
			Type:     wire.TypeSyncReply,
			To:       env.From,
			Snapshot: snapshot,
			Sync:     msg,
			States:   l.aw.Encode(),
		})
	case wire.TypeSyncReply:
		if len(env.Snapshot) > 0 {
			if err := l.doc.LoadSnapshot(env.Snapshot); err != nil {
				l.log.Warn("rejected snapshot", "from", env.From, "error", err)
			}
		}
		l.receive(env)
		l.aw.ApplyRemote(env.States)
		l.settle(env.From)
		l.reply(env.From)
	case wire.TypeLeave:
		l.aw.Remove(awareness.PeerID(env.Peer))
		l.doc.ForgetPeer(env.Peer)
		l.settle(env.Peer)
	case wire.TypeError:
		l.log.Warn("relay reported an error", "error", env.Error)
		if !l.isJoined() {
			l.emitStatus(collab.LinkEvent{Err: fmt.Errorf("relay: %s", env.Error)})
		}
	default:
		l.log.Debug("ignoring message", "type", env.Type)
	}
}

func (l *Link) welcome(env wire.Envelope) {
	l.mu.Lock()
	if l.joined {
		l.mu.Unlock()
		return
	}
	l.joined = true
	l.waiting = make(map[string]bool, len(env.Peers))
	for _, p := range env.Peers {
		if p != l.peer {
			l.waiting[p] = true
		}
	}
	pending := len(l.waiting)
	l.mu.Unlock()

	l.log.Info("joined room", "peers", pending)
	l.emitStatus(collab.LinkEvent{Connected: true})

	states := l.aw.Encode()
	for _, p := range env.Peers {
		if p == l.peer {
			continue
		}
		l.enqueue(wire.Envelope{Type: wire.TypeSyncRequest, To: p, States: states})
	}

	if pending == 0 {
		l.markSynced()
		return
	}
	timer := l.clock.AfterFunc(l.syncWindow, func() {
		l.log.Debug("sync window elapsed", "window", l.syncWindow)
		l.markSynced()
	})
	l.mu.Lock()
	l.syncTimer = timer
	l.mu.Unlock()
}

func (l *Link) receive(env wire.Envelope) {
	if len(env.Sync) == 0 || env.From == "" {
		return
	}
	if err := l.doc.ReceiveSync(env.From, env.Sync); err != nil {
		l.log.Warn("rejected update", "from", env.From, "error", err)
	}
}

// reply sends peer whatever it is still missing.
func (l *Link) reply(peer string) {
	if peer == "" || !l.isJoined() {
		return
	}
	if msg, ok := l.doc.SyncMessage(peer); ok {
		l.enqueue(wire.Envelope{Type: wire.TypeUpdate, To: peer, Sync: msg})
	}
}

// settle marks peer as answered and finishes the sync when nobody is left.
func (l *Link) settle(peer string) {
	l.mu.Lock()
	if l.synced || l.waiting == nil {
		l.mu.Unlock()
		return
	}
	delete(l.waiting, peer)
	done := len(l.waiting) == 0
	l.mu.Unlock()

	if done {
		l.markSynced()
	}
}

func (l *Link) markSynced() {
	l.mu.Lock()
	if l.synced || l.ctx.Err() != nil {
		l.mu.Unlock()
		return
	}
	l.synced = true
	if l.syncTimer != nil {
		l.syncTimer.Stop()
	}
	ids := make([]int, 0, len(l.syncedFns))
	for id := range l.syncedFns {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, l.syncedFns[id])
	}
	l.mu.Unlock()

	l.log.Debug("synced")
	for _, fn := range fns {
		fn()
	}
}

func (l *Link) emitStatus(e collab.LinkEvent) {
	l.mu.Lock()
	if l.ctx.Err() != nil && e.Connected {
		l.mu.Unlock()
		return
	}
	ids := make([]int, 0, len(l.statusFns))
	for id := range l.statusFns {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(collab.LinkEvent), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, l.statusFns[id])
	}
	l.mu.Unlock()

	for _, fn := range fns {
		fn(e)
	}
}

func (l *Link) isJoined() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.joined
}

// publishChanges offers a local change to every peer the document syncs
// with. Peers still in the handshake get it with the first reply.
func (l *Link) publishChanges() {
	if !l.isJoined() {
		return
	}
	for _, p := range l.doc.Peers() {
		l.reply(p)
	}
}

func (l *Link) publishState(u awareness.Update) {
	if !l.isJoined() {
		return
	}
	l.enqueue(wire.Envelope{Type: wire.TypeAwareness, States: []awareness.Update{u}})
}

func (l *Link) enqueue(env wire.Envelope) {
	data, err := wire.Encode(env)
	if err != nil {
		l.log.Error("dropping outbound message", "error", err)
		return
	}
	select {
	case l.send <- data:
	case <-l.ctx.Done():
		// Accept the final messages queued by Close callers if there is room.
		select {
		case l.send <- data:
		default:
		}
	}
}
