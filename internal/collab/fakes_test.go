package collab_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/dustinlacewell/strudual/internal/awareness"
	"github.com/dustinlacewell/strudual/internal/collab"
	"github.com/dustinlacewell/strudual/internal/document"
	"github.com/dustinlacewell/strudual/internal/editor"
	"github.com/dustinlacewell/strudual/internal/transport"
)

const waitTimeout = 2 * time.Second

// fakeLink is a collab.Link driven by the test.
type fakeLink struct {
	mu        sync.Mutex
	next      int
	statusFns map[int]func(collab.LinkEvent)
	syncedFns map[int]func()
	started   chan struct{}
	onConnect func()
	closed    bool
}

func newFakeLink() *fakeLink {
	return &fakeLink{
		statusFns: make(map[int]func(collab.LinkEvent)),
		syncedFns: make(map[int]func()),
		started:   make(chan struct{}),
	}
}

func (l *fakeLink) OnStatus(fn func(collab.LinkEvent)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.next
	l.next++
	l.statusFns[id] = fn
	return func() {
		l.mu.Lock()
		delete(l.statusFns, id)
		l.mu.Unlock()
	}
}

func (l *fakeLink) OnSynced(fn func()) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.next
	l.next++
	l.syncedFns[id] = fn
	return func() {
		l.mu.Lock()
		delete(l.syncedFns, id)
		l.mu.Unlock()
	}
}

func (l *fakeLink) Connect() {
	close(l.started)
	if l.onConnect != nil {
		l.onConnect()
	}
}

func (l *fakeLink) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
}

func (l *fakeLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *fakeLink) listeners() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.statusFns) + len(l.syncedFns)
}

func (l *fakeLink) emit(e collab.LinkEvent) {
	l.mu.Lock()
	fns := make([]func(collab.LinkEvent), 0, len(l.statusFns))
	for _, id := range sortedIDs(l.statusFns) {
		fns = append(fns, l.statusFns[id])
	}
	l.mu.Unlock()
	for _, fn := range fns {
		fn(e)
	}
}

func (l *fakeLink) sync() {
	l.mu.Lock()
	fns := make([]func(), 0, len(l.syncedFns))
	for _, id := range sortedIDs(l.syncedFns) {
		fns = append(fns, l.syncedFns[id])
	}
	l.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func sortedIDs[V any](m map[int]V) []int {
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// fakeConn is everything one Open call produced.
type fakeConn struct {
	id   string
	room string
	doc  *document.Doc
	aw   *awareness.Awareness
	link *fakeLink
}

// fakeNet replicates docs and presence between every connection that
// called Connect, synchronously.
type fakeNet struct {
	mu      sync.Mutex
	members []*fakeConn
}

func (n *fakeNet) others(fc *fakeConn) []*fakeConn {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []*fakeConn
	for _, m := range n.members {
		if m != fc && m.room == fc.room && !m.link.isClosed() {
			out = append(out, m)
		}
	}
	return out
}

// exchange runs the document sync protocol between a and b until both are
// quiet.
func exchange(a, b *fakeConn) {
	for i := 0; i < 64; i++ {
		quiet := true
		if msg, ok := a.doc.SyncMessage(b.id); ok {
			_ = b.doc.ReceiveSync(a.id, msg)
			quiet = false
		}
		if msg, ok := b.doc.SyncMessage(a.id); ok {
			_ = a.doc.ReceiveSync(b.id, msg)
			quiet = false
		}
		if quiet {
			return
		}
	}
}

func (n *fakeNet) join(fc *fakeConn) {
	for _, o := range n.others(fc) {
		exchange(fc, o)
		o.aw.ApplyRemote(fc.aw.Encode())
		fc.aw.ApplyRemote(o.aw.Encode())
	}
	n.mu.Lock()
	n.members = append(n.members, fc)
	n.mu.Unlock()

	fc.doc.OnChange(func() {
		for _, o := range n.others(fc) {
			exchange(fc, o)
		}
	})
	fc.aw.OnLocalUpdate(func(u awareness.Update) {
		for _, o := range n.others(fc) {
			o.aw.ApplyRemote([]awareness.Update{u})
		}
	})
}

type fakeBackend struct {
	clock  clockwork.Clock
	net    *fakeNet
	opened chan *fakeConn

	mu    sync.Mutex
	count int
	err   error
}

func newFakeBackend(clock clockwork.Clock) *fakeBackend {
	return &fakeBackend{clock: clock, net: &fakeNet{}, opened: make(chan *fakeConn, 16)}
}

func (b *fakeBackend) Open(room string) (*collab.Connection, error) {
	b.mu.Lock()
	if b.err != nil {
		b.mu.Unlock()
		return nil, b.err
	}
	b.count++
	id := fmt.Sprintf("peer-%d", b.count)
	b.mu.Unlock()

	doc, err := document.New(id, transport.RoomLayout, document.WithLogger(quietLogger()))
	if err != nil {
		return nil, err
	}
	fc := &fakeConn{
		id:   id,
		room: room,
		doc:  doc,
		aw:   awareness.New(awareness.PeerID(id), b.clock),
		link: newFakeLink(),
	}
	fc.link.onConnect = func() { b.net.join(fc) }
	b.opened <- fc
	return &collab.Connection{Doc: transport.WrapDoc(fc.doc), Presence: fc.aw, Link: fc.link}, nil
}

// awaitConnect returns the next connection once its link was started.
func (b *fakeBackend) awaitConnect(t *testing.T) *fakeConn {
	t.Helper()
	var fc *fakeConn
	select {
	case fc = <-b.opened:
	case <-time.After(waitTimeout):
		t.Fatal("backend was never opened")
	}
	select {
	case <-fc.link.started:
	case <-time.After(waitTimeout):
		t.Fatal("link was never connected")
	}
	return fc
}

// peerSetup is one coordinator with two bound buffers.
type peerSetup struct {
	coord  *collab.Coordinator
	first  *editor.Buffer
	second *editor.Buffer
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newPeer(t *testing.T, be *fakeBackend, clock clockwork.Clock, first, second string) *peerSetup {
	t.Helper()
	p := &peerSetup{
		coord: collab.New(be,
			collab.WithClock(clock),
			collab.WithLogger(quietLogger()),
		),
		first:  editor.NewBuffer(first),
		second: editor.NewBuffer(second),
	}
	require.NoError(t, p.coord.BindEditor(collab.SlotFirst, p.first, p.first))
	require.NoError(t, p.coord.BindEditor(collab.SlotSecond, p.second, p.second))
	t.Cleanup(p.coord.Disconnect)
	return p
}

// startConnect runs Connect in the background and waits until the link was
// started.
func startConnect(t *testing.T, p *peerSetup, be *fakeBackend, room, user string) (*fakeConn, chan error) {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- p.coord.Connect(context.Background(), room, user) }()
	return be.awaitConnect(t), errCh
}

// connect completes a Connect with a confirmed link. The link is not synced.
func connect(t *testing.T, p *peerSetup, be *fakeBackend, room, user string) *fakeConn {
	t.Helper()
	fc, errCh := startConnect(t, p, be, room, user)
	fc.link.emit(collab.LinkEvent{Connected: true})
	require.NoError(t, wait(t, errCh))
	return fc
}

func wait(t *testing.T, errCh chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(waitTimeout):
		t.Fatal("Connect did not return")
		return nil
	}
}

// recorder collects coordinator events.
type recorder struct {
	mu     sync.Mutex
	events []collab.Event
}

func record(c *collab.Coordinator) *recorder {
	r := &recorder{}
	c.Subscribe(func(e collab.Event) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, e)
	})
	return r
}

func (r *recorder) of(typ collab.EventType) []collab.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []collab.Event
	for _, e := range r.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}
