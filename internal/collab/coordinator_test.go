package collab_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dustinlacewell/strudual/internal/awareness"
	"github.com/dustinlacewell/strudual/internal/collab"
	"github.com/dustinlacewell/strudual/internal/editor"
)

var epoch = time.UnixMilli(1_700_000_000_000)

func TestConnect_RequiresBothEditors(t *testing.T) {
	be := newFakeBackend(clockwork.NewFakeClock())
	c := collab.New(be, collab.WithLogger(quietLogger()))
	b := editor.NewBuffer("")
	require.NoError(t, c.BindEditor(collab.SlotFirst, b, b))

	err := c.Connect(context.Background(), "jam", "alice")

	assert.ErrorIs(t, err, collab.ErrPrecondition)
	assert.Empty(t, be.opened)
	assert.Equal(t, collab.StatusDisconnected, c.Info().Status)
}

func TestConnect_RequiresRoom(t *testing.T) {
	clock := clockwork.NewFakeClock()
	be := newFakeBackend(clock)
	p := newPeer(t, be, clock, "", "")

	err := p.coord.Connect(context.Background(), "", "alice")

	assert.ErrorIs(t, err, collab.ErrPrecondition)
	assert.Empty(t, be.opened)
}

func TestBindEditor_RejectsUnknownSlotAndNil(t *testing.T) {
	c := collab.New(newFakeBackend(clockwork.NewFakeClock()))
	b := editor.NewBuffer("")

	assert.ErrorIs(t, c.BindEditor("third", b, b), collab.ErrPrecondition)
	assert.ErrorIs(t, c.BindEditor(collab.SlotFirst, nil, b), collab.ErrPrecondition)
}

func TestConnect_AloneSeedsDrafts(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	be := newFakeBackend(clock)
	p := newPeer(t, be, clock, "s(\"bd sd\")", "")
	events := record(p.coord)

	fc := connect(t, p, be, "jam", "alice")
	assert.True(t, p.coord.IsConnected())
	assert.False(t, p.first.Active(), "editors stay local until the first sync")

	fc.link.sync()

	assert.Equal(t, "s(\"bd sd\")", fc.doc.Text("strudel").String())
	assert.Equal(t, "", fc.doc.Text("punctual").String())
	assert.True(t, p.first.Active())
	assert.True(t, p.second.Active())
	assert.Equal(t, collab.SlotSecond, p.second.Slot())

	statuses := events.of(collab.EventStatus)
	require.Len(t, statuses, 2)
	assert.Equal(t, collab.StatusConnecting, statuses[0].Status)
	assert.Equal(t, collab.StatusConnected, statuses[1].Status)

	state := fc.aw.LocalState()
	assert.Equal(t, "alice", state[collab.KeyName])
	assert.Contains(t, state[collab.KeyColor], "hsl(")
}

func TestConnect_DefaultsUsername(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	be := newFakeBackend(clock)
	p := newPeer(t, be, clock, "", "")

	fc := connect(t, p, be, "jam", "")

	assert.Equal(t, collab.DefaultUsername, fc.aw.LocalState()[collab.KeyName])
}

func TestConnect_EarliestTicketSeedsTheRoom(t *testing.T) {
	tests := []struct {
		name       string
		aliceFirst bool
	}{
		{"winner syncs first", true},
		{"loser syncs first", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := clockwork.NewFakeClockAt(epoch)
			be := newFakeBackend(clock)
			alice := newPeer(t, be, clock, "a", "pa")
			bob := newPeer(t, be, clock, "b", "pb")

			aliceConn := connect(t, alice, be, "jam", "alice")
			clock.Advance(50 * time.Millisecond)
			bobConn := connect(t, bob, be, "jam", "bob")

			if tt.aliceFirst {
				aliceConn.link.sync()
				bobConn.link.sync()
			} else {
				bobConn.link.sync()
				assert.Equal(t, "", bob.first.Text(), "the later ticket never seeds")
				aliceConn.link.sync()
			}

			for _, b := range []*editor.Buffer{alice.first, bob.first} {
				assert.Equal(t, "a", b.Text())
			}
			for _, b := range []*editor.Buffer{alice.second, bob.second} {
				assert.Equal(t, "pa", b.Text())
			}
			assert.Equal(t, "a", bobConn.doc.Text("strudel").String())
		})
	}
}

func TestConnect_DoesNotSeedNonEmptyRegion(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	be := newFakeBackend(clock)
	alice := newPeer(t, be, clock, "a", "")
	bob := newPeer(t, be, clock, "b", "pb")

	// Alice's ticket is earlier, but Bob already filled the first region.
	aliceConn := connect(t, alice, be, "jam", "alice")
	clock.Advance(time.Second)
	bobConn := connect(t, bob, be, "jam", "bob")
	bobConn.doc.Text("strudel").Insert(0, "existing")

	aliceConn.link.sync()

	assert.Equal(t, "existing", alice.first.Text())
	assert.Equal(t, "", alice.second.Text())
}

func TestConnect_ResolvesOnlyOnce(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	be := newFakeBackend(clock)
	p := newPeer(t, be, clock, "x", "")

	fc := connect(t, p, be, "jam", "alice")
	fc.link.sync()
	fc.doc.Text("strudel").Delete(0, 1)
	fc.link.sync()

	assert.Equal(t, "", fc.doc.Text("strudel").String())
	assert.Equal(t, "", p.first.Text())
}

func TestConnect_SyncBeforeConfirmationStillResolves(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	be := newFakeBackend(clock)
	p := newPeer(t, be, clock, "x", "y")

	fc, errCh := startConnect(t, p, be, "jam", "alice")
	fc.link.sync()
	fc.link.emit(collab.LinkEvent{Connected: true})
	require.NoError(t, wait(t, errCh))

	assert.True(t, p.first.Active())
	assert.Equal(t, "x", fc.doc.Text("strudel").String())
}

func TestConnect_TimeoutTearsDown(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	be := newFakeBackend(clock)
	p := newPeer(t, be, clock, "", "")

	fc, errCh := startConnect(t, p, be, "jam", "alice")
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(collab.DefaultConnectTimeout)

	err := wait(t, errCh)
	assert.ErrorIs(t, err, collab.ErrConnectionTimeout)
	assert.Equal(t, collab.StatusDisconnected, p.coord.Info().Status)
	assert.True(t, fc.link.isClosed())
	assert.Zero(t, fc.link.listeners())
	assert.Nil(t, fc.aw.LocalState())

	// A late confirmation is ignored.
	fc.link.emit(collab.LinkEvent{Connected: true})
	fc.link.sync()
	assert.Equal(t, collab.StatusDisconnected, p.coord.Info().Status)
	assert.False(t, p.first.Active())
}

func TestConnect_TransportErrorFails(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	be := newFakeBackend(clock)
	p := newPeer(t, be, clock, "", "")

	fc, errCh := startConnect(t, p, be, "jam", "alice")
	fc.link.emit(collab.LinkEvent{Err: errors.New("relay rejected")})

	err := wait(t, errCh)
	assert.ErrorIs(t, err, collab.ErrTransport)
	assert.Contains(t, err.Error(), "relay rejected")
	assert.True(t, fc.link.isClosed())
	assert.False(t, p.coord.IsConnected())
}

func TestConnect_OpenFailure(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	be := newFakeBackend(clock)
	be.err = errors.New("bad url")
	p := newPeer(t, be, clock, "", "")

	err := p.coord.Connect(context.Background(), "jam", "alice")

	assert.ErrorIs(t, err, collab.ErrTransport)
	assert.Equal(t, collab.StatusDisconnected, p.coord.Info().Status)
}

func TestConnect_ContextCancel(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	be := newFakeBackend(clock)
	p := newPeer(t, be, clock, "", "")

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- p.coord.Connect(ctx, "jam", "alice") }()
	fc := be.awaitConnect(t)
	cancel()

	assert.ErrorIs(t, wait(t, errCh), context.Canceled)
	assert.True(t, fc.link.isClosed())
}

func TestConnect_ReplacesLiveSession(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	be := newFakeBackend(clock)
	p := newPeer(t, be, clock, "draft", "")

	first := connect(t, p, be, "one", "alice")
	first.link.sync()
	require.True(t, p.first.Active())

	second, errCh := startConnect(t, p, be, "two", "alice")
	assert.True(t, first.link.isClosed())
	assert.False(t, p.first.Active(), "the old session is torn down before the new one starts")

	second.link.emit(collab.LinkEvent{Connected: true})
	require.NoError(t, wait(t, errCh))
	second.link.sync()
	assert.True(t, p.first.Active())
	assert.Equal(t, "draft", second.doc.Text("strudel").String())

	// Callbacks of the old link no longer reach the coordinator.
	first.link.emit(collab.LinkEvent{Connected: false})
	assert.True(t, p.coord.IsConnected())
}

func TestConnect_PendingConnectIsSuperseded(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	be := newFakeBackend(clock)
	p := newPeer(t, be, clock, "", "")

	_, errCh := startConnect(t, p, be, "jam", "alice")
	p.coord.Disconnect()

	assert.ErrorIs(t, wait(t, errCh), collab.ErrSuperseded)
}

func TestDisconnect_Idempotent(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	be := newFakeBackend(clock)
	p := newPeer(t, be, clock, "x", "")
	fc := connect(t, p, be, "jam", "alice")
	fc.link.sync()
	events := record(p.coord)

	p.coord.Disconnect()
	p.coord.Disconnect()

	statuses := events.of(collab.EventStatus)
	require.Len(t, statuses, 1)
	assert.Equal(t, collab.StatusDisconnected, statuses[0].Status)
	assert.False(t, p.first.Active())
	assert.Equal(t, "x", p.first.Text(), "content survives as a local document")
	assert.True(t, fc.link.isClosed())
	assert.Nil(t, p.coord.Peers())
}

func TestDisconnect_WithoutSession(t *testing.T) {
	c := collab.New(newFakeBackend(clockwork.NewFakeClock()))
	events := record(c)

	c.Disconnect()

	assert.Empty(t, events.of(collab.EventStatus))
}

func TestConnectionLost_TearsDown(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	be := newFakeBackend(clock)
	p := newPeer(t, be, clock, "x", "")
	fc := connect(t, p, be, "jam", "alice")
	fc.link.sync()

	fc.link.emit(collab.LinkEvent{Connected: false})

	assert.Equal(t, collab.StatusDisconnected, p.coord.Info().Status)
	assert.False(t, p.first.Active())
	assert.True(t, fc.link.isClosed())
}

func TestBindEditor_SwapsCompartmentDuringSession(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	be := newFakeBackend(clock)
	p := newPeer(t, be, clock, "x", "")
	fc := connect(t, p, be, "jam", "alice")
	fc.link.sync()

	replacement := editor.NewBuffer("")
	require.NoError(t, p.coord.BindEditor(collab.SlotFirst, replacement, replacement))

	assert.False(t, p.first.Active())
	assert.True(t, replacement.Active())
	assert.Equal(t, "x", replacement.Text())
}

func TestPeers_ExcludeSelfAndTrackPresence(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	be := newFakeBackend(clock)
	alice := newPeer(t, be, clock, "", "")
	bob := newPeer(t, be, clock, "", "")
	events := record(alice.coord)

	connect(t, alice, be, "jam", "alice")
	assert.Empty(t, alice.coord.Peers())
	assert.Equal(t, 0, alice.coord.Info().PeerCount)

	bobConn := connect(t, bob, be, "jam", "bob")

	peers := alice.coord.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, "bob", peers[0].Name)
	assert.Equal(t, awareness.PeerID(bobConn.id), peers[0].ID)
	assert.Equal(t, 1, alice.coord.Info().PeerCount)
	assert.NotEmpty(t, events.of(collab.EventPeers))

	bob.coord.SetActiveEditor(collab.SlotSecond)
	assert.Equal(t, collab.SlotSecond, alice.coord.Peers()[0].ActiveEditor)

	bob.coord.Disconnect()
	assert.Empty(t, alice.coord.Peers())
	assert.Equal(t, 0, alice.coord.Info().PeerCount)
	last := events.of(collab.EventPeers)
	assert.Equal(t, 0, last[len(last)-1].PeerCount)
}

func TestPeers_DefaultsForMissingFields(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	be := newFakeBackend(clock)
	p := newPeer(t, be, clock, "", "")
	fc := connect(t, p, be, "jam", "alice")

	fc.aw.ApplyRemote([]awareness.Update{{Peer: "ghost", Clock: 1, State: awareness.State{"other": "x"}}})

	peers := p.coord.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, collab.DefaultUsername, peers[0].Name)
	assert.Equal(t, "#888", peers[0].Color)
	assert.Equal(t, collab.Slot(""), peers[0].ActiveEditor)
}

func TestBroadcastEvaluate_FiresOncePerStamp(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	be := newFakeBackend(clock)
	alice := newPeer(t, be, clock, "", "")
	bob := newPeer(t, be, clock, "", "")
	connect(t, alice, be, "jam", "alice")
	bobConn := connect(t, bob, be, "jam", "bob")
	events := record(alice.coord)

	bob.coord.BroadcastEvaluate()
	bob.coord.BroadcastEvaluate() // same wall clock: the stamp still advances

	evals := events.of(collab.EventEvaluate)
	require.Len(t, evals, 2)
	assert.Equal(t, awareness.PeerID(bobConn.id), evals[0].From)

	// Unrelated presence changes do not re-trigger.
	bob.coord.SetActiveEditor(collab.SlotFirst)
	assert.Len(t, events.of(collab.EventEvaluate), 2)

	stamp := alice.coord.Peers()[0].LastEvaluate
	assert.Equal(t, epoch.UnixMilli()+1, stamp)
}

func TestBroadcastEvaluate_NeverEchoesLocally(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	be := newFakeBackend(clock)
	p := newPeer(t, be, clock, "", "")
	connect(t, p, be, "jam", "alice")
	events := record(p.coord)

	p.coord.BroadcastEvaluate()

	assert.Empty(t, events.of(collab.EventEvaluate))
}

func TestPresenceOperations_NoopWithoutSession(t *testing.T) {
	clock := clockwork.NewFakeClock()
	p := newPeer(t, newFakeBackend(clock), clock, "", "")

	p.coord.SetActiveEditor(collab.SlotFirst)
	p.coord.BroadcastEvaluate()

	assert.Nil(t, p.coord.Peers())
}

func TestRecolor_AvoidsHuesInUse(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	be := newFakeBackend(clock)
	alice := newPeer(t, be, clock, "", "")
	bob := newPeer(t, be, clock, "", "")

	aliceConn := connect(t, alice, be, "jam", "alice")
	aliceConn.link.sync()
	bobConn := connect(t, bob, be, "jam", "bob")
	bobConn.link.sync()

	aliceColor := alice.coord.Peers()[0].Color
	bobColor := bob.coord.Peers()[0].Color
	assert.NotEqual(t, aliceColor, bobColor)
}

func TestStatusLabel(t *testing.T) {
	tests := []struct {
		status collab.Status
		peers  int
		want   string
	}{
		{collab.StatusDisconnected, 3, "Disconnected"},
		{collab.StatusConnecting, 0, "Connecting..."},
		{collab.StatusConnected, 0, "Connected Solo"},
		{collab.StatusConnected, 1, "Connected (1 peer)"},
		{collab.StatusConnected, 4, "Connected (4 peers)"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, collab.StatusLabel(tt.status, tt.peers))
	}
}

// introspectingCompartment reads coordinator state from inside its callbacks
// before delegating to a buffer, the way a status bar bound to the editor
// would.
type introspectingCompartment struct {
	coord *collab.Coordinator
	buf   *editor.Buffer

	mu   sync.Mutex
	seen []collab.ConnectionInfo
}

func (c *introspectingCompartment) Activate(b collab.Behavior) {
	c.record()
	c.buf.Activate(b)
}

func (c *introspectingCompartment) Deactivate() {
	c.record()
	c.buf.Deactivate()
}

func (c *introspectingCompartment) record() {
	info := c.coord.Info()
	_ = c.coord.Peers()
	_ = c.coord.IsConnected()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = append(c.seen, info)
}

func (c *introspectingCompartment) calls() []collab.ConnectionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]collab.ConnectionInfo(nil), c.seen...)
}

// within fails the test when fn does not return in time.
func within(t *testing.T, what string, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(waitTimeout):
		t.Fatalf("%s did not return: compartment callbacks blocked the coordinator", what)
	}
}

func newIntrospectingPeer(t *testing.T, be *fakeBackend, clock clockwork.Clock) (*peerSetup, *introspectingCompartment) {
	t.Helper()
	coord := collab.New(be, collab.WithClock(clock), collab.WithLogger(quietLogger()))
	p := &peerSetup{coord: coord, first: editor.NewBuffer("s(\"bd\")"), second: editor.NewBuffer("")}
	comp := &introspectingCompartment{coord: coord, buf: p.first}
	require.NoError(t, coord.BindEditor(collab.SlotFirst, p.first, comp))
	require.NoError(t, coord.BindEditor(collab.SlotSecond, p.second, p.second))
	t.Cleanup(coord.Disconnect)
	return p, comp
}

func TestCompartments_MayReadCoordinatorState(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	be := newFakeBackend(clock)
	p, comp := newIntrospectingPeer(t, be, clock)
	fc := connect(t, p, be, "jam", "alice")

	within(t, "initial sync", fc.link.sync)
	require.True(t, p.first.Active())
	assert.Equal(t, "s(\"bd\")", fc.doc.Text("strudel").String())

	replacement := &introspectingCompartment{coord: p.coord, buf: editor.NewBuffer("")}
	var err error
	within(t, "BindEditor", func() {
		err = p.coord.BindEditor(collab.SlotFirst, replacement.buf, replacement)
	})
	require.NoError(t, err)
	assert.False(t, p.first.Active())
	assert.True(t, replacement.buf.Active())

	within(t, "Disconnect", p.coord.Disconnect)
	assert.False(t, replacement.buf.Active())

	seen := comp.calls()
	require.Len(t, seen, 2, "activated once, deactivated once")
	assert.Equal(t, collab.StatusConnected, seen[0].Status)
	require.Len(t, replacement.calls(), 2)
	assert.Equal(t, collab.StatusDisconnected, replacement.calls()[1].Status,
		"the session is gone by the time compartments are deactivated")
}

func TestCompartments_MayReadCoordinatorStateWhenConnectionDrops(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	be := newFakeBackend(clock)
	p, comp := newIntrospectingPeer(t, be, clock)
	fc := connect(t, p, be, "jam", "alice")
	within(t, "initial sync", fc.link.sync)

	within(t, "connection loss", func() { fc.link.emit(collab.LinkEvent{Connected: false}) })

	assert.False(t, p.first.Active())
	assert.Len(t, comp.calls(), 2)
	assert.Equal(t, collab.StatusDisconnected, p.coord.Info().Status)
}
