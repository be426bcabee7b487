package collab

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/dustinlacewell/strudual/internal/awareness"
	"github.com/dustinlacewell/strudual/internal/colors"
)

const (
	// DefaultConnectTimeout bounds how long Connect waits for the transport.
	DefaultConnectTimeout = 10 * time.Second
	// DefaultUsername is announced when Connect is given no name.
	DefaultUsername = "Anonymous"
)

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock sets the clock used for tickets, evaluate stamps and the
// connect timeout.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Coordinator) { c.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Coordinator) { c.log = log }
}

// WithConnectTimeout overrides DefaultConnectTimeout.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.timeout = d }
}

// WithColorOptions configures the picker used for the local peer color.
func WithColorOptions(opts ...colors.Option) Option {
	return func(c *Coordinator) { c.colorOpts = opts }
}

type binding struct {
	editor      Editor
	compartment Compartment
}

// session is the state of one connect attempt. It is owned by the
// coordinator and never reused.
type session struct {
	room     string
	username string
	conn     *Connection
	ticket   Ticket
	drafts   map[Slot]string
	resolved bool
	active   bool
	lastEval map[awareness.PeerID]string
	lastSent int64
	cancels  []func()
	ready    chan error
	done     chan struct{}
}

// Coordinator runs at most one collaborative session over two bound editors.
// All methods are safe for concurrent use; transport callbacks may arrive on
// any goroutine.
type Coordinator struct {
	backend   Backend
	clock     clockwork.Clock
	log       *slog.Logger
	timeout   time.Duration
	colorOpts []colors.Option

	// presenceMu serializes read-merge-write cycles on the local presence
	// state. It is always taken before mu.
	presenceMu sync.Mutex

	// activation serializes compartment Activate/Deactivate calls, which
	// run without mu held. It is always taken before mu.
	activation sync.Mutex

	mu        sync.Mutex
	bindings  map[Slot]binding
	sess      *session
	status    Status
	peerCount int

	nextListener int
	listeners    map[int]func(Event)
}

// New creates a disconnected coordinator.
func New(backend Backend, opts ...Option) *Coordinator {
	c := &Coordinator{
		backend:   backend,
		clock:     clockwork.NewRealClock(),
		log:       slog.Default(),
		timeout:   DefaultConnectTimeout,
		bindings:  make(map[Slot]binding),
		status:    StatusDisconnected,
		listeners: make(map[int]func(Event)),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With("component", "collab")
	return c
}

// BindEditor registers the editor surface for slot, replacing any previous
// binding. If a session is live the old compartment is deactivated and, once
// the initial content has been resolved, the new one is activated.
func (c *Coordinator) BindEditor(slot Slot, editor Editor, compartment Compartment) error {
	if !slot.Valid() {
		return fmt.Errorf("%w: unknown editor slot %q", ErrPrecondition, slot)
	}
	if editor == nil || compartment == nil {
		return fmt.Errorf("%w: %s editor and compartment are required", ErrPrecondition, slot)
	}

	c.activation.Lock()
	defer c.activation.Unlock()

	c.mu.Lock()
	old, had := c.bindings[slot]
	c.bindings[slot] = binding{editor: editor, compartment: compartment}
	var stale Compartment
	var behavior *Behavior
	if s := c.sess; s != nil {
		if had {
			stale = old.compartment
		}
		if s.active {
			b := c.behaviorLocked(s, slot)
			behavior = &b
		}
	}
	c.mu.Unlock()

	if stale != nil {
		stale.Deactivate()
	}
	if behavior != nil {
		compartment.Activate(*behavior)
	}
	return nil
}

// Connect joins room as username. A live session is disconnected first.
// Connect returns once the transport confirms the connection; the shared
// content is resolved and the editors go collaborative when the document
// first syncs, which may happen just before or after.
func (c *Coordinator) Connect(ctx context.Context, room, username string) error {
	if room == "" {
		return fmt.Errorf("%w: room is required", ErrPrecondition)
	}
	if username == "" {
		username = DefaultUsername
	}
	if err := c.checkBindings(); err != nil {
		return err
	}

	c.Disconnect()

	c.mu.Lock()
	s := &session{
		room:     room,
		username: username,
		drafts:   make(map[Slot]string),
		lastEval: make(map[awareness.PeerID]string),
		ready:    make(chan error, 1),
		done:     make(chan struct{}),
	}
	c.sess = s
	c.peerCount = 0
	events := c.setStatusLocked(StatusConnecting)
	c.mu.Unlock()
	c.emit(events)

	log := c.log.With("room", room, "username", username)
	log.Info("connecting")

	conn, err := c.backend.Open(room)
	if err != nil {
		c.detach(s)
		return fmt.Errorf("%w: open room %q: %v", ErrTransport, room, err)
	}

	conn.Presence.SetLocalState(awareness.State{
		KeyName:  username,
		KeyColor: colors.NewPicker(c.colorOpts...).NextCSS(),
	})

	c.mu.Lock()
	if c.sess != s {
		c.mu.Unlock()
		closeConnection(conn)
		return ErrSuperseded
	}
	s.conn = conn
	for _, slot := range Slots {
		s.drafts[slot] = c.bindings[slot].editor.Text()
	}
	s.ticket = newTicket(c.clock.Now())
	c.mu.Unlock()

	conn.Doc.Map(MetaRegion).Set(s.ticket.Key(), s.ticket.encode())
	cancels := []func(){
		conn.Link.OnSynced(func() { c.resolve(s) }),
		conn.Link.OnStatus(func(e LinkEvent) { c.handleLink(s, e) }),
		conn.Presence.OnChange(func(ch awareness.Change) { c.handlePresence(s, ch) }),
	}

	c.mu.Lock()
	if c.sess != s {
		c.mu.Unlock()
		for _, cancel := range cancels {
			cancel()
		}
		return ErrSuperseded
	}
	s.cancels = cancels
	c.mu.Unlock()

	log.Debug("ticket registered", "ticket", s.ticket.ID, "timestamp", s.ticket.Timestamp)
	conn.Link.Connect()

	timer := c.clock.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case err := <-s.ready:
		if err != nil {
			log.Warn("connect failed", "error", err)
			c.detach(s)
			return err
		}
		log.Info("connected")
		return nil
	case <-timer.Chan():
		log.Warn("connect timed out", "timeout", c.timeout)
		c.detach(s)
		return fmt.Errorf("%w (after %s)", ErrConnectionTimeout, c.timeout)
	case <-ctx.Done():
		c.detach(s)
		return ctx.Err()
	case <-s.done:
		return ErrSuperseded
	}
}

// Disconnect tears down the live session, if any: both compartments are
// deactivated, then the presence channel, transport and document are closed.
func (c *Coordinator) Disconnect() {
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if s == nil || !c.detach(s) {
		return
	}
	c.log.Info("disconnected", "room", s.room)
}

// Info returns the current status and remote peer count.
func (c *Coordinator) Info() ConnectionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConnectionInfo{Status: c.status, PeerCount: c.peerCount}
}

// IsConnected reports whether the transport has confirmed the session.
func (c *Coordinator) IsConnected() bool {
	return c.Info().Status == StatusConnected
}

func (c *Coordinator) checkBindings() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, slot := range Slots {
		if _, ok := c.bindings[slot]; !ok {
			return fmt.Errorf("%w: both editors must be bound before connecting (missing %s)", ErrPrecondition, slot)
		}
	}
	return nil
}

// detach ends s if it is still the live session and reports whether it did.
// The compartments are deactivated under the activation lock, so a
// concurrent resolve cannot re-activate them; the connection is closed and
// the events are emitted after every lock is released.
func (c *Coordinator) detach(s *session) bool {
	c.activation.Lock()
	c.mu.Lock()
	if c.sess != s {
		c.mu.Unlock()
		c.activation.Unlock()
		return false
	}
	c.sess = nil
	close(s.done)
	s.active = false
	compartments := make([]Compartment, 0, len(Slots))
	for _, slot := range Slots {
		if b, ok := c.bindings[slot]; ok {
			compartments = append(compartments, b.compartment)
		}
	}
	c.peerCount = 0
	c.status = StatusDisconnected
	events := []Event{
		{Type: EventStatus, Status: StatusDisconnected},
		{Type: EventPeers, Status: StatusDisconnected},
	}
	cancels, conn := s.cancels, s.conn
	c.mu.Unlock()

	for _, comp := range compartments {
		comp.Deactivate()
	}
	c.activation.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	if conn != nil {
		closeConnection(conn)
	}
	c.emit(events)
	return true
}

func closeConnection(conn *Connection) {
	conn.Presence.Close()
	conn.Link.Close()
	conn.Doc.Close()
}

func (c *Coordinator) handleLink(s *session, e LinkEvent) {
	c.mu.Lock()
	if c.sess != s {
		c.mu.Unlock()
		return
	}

	if c.status == StatusConnecting {
		var events []Event
		switch {
		case e.Err != nil:
			signal(s.ready, fmt.Errorf("%w: %v", ErrTransport, e.Err))
		case e.Connected:
			events = c.setStatusLocked(StatusConnected)
			signal(s.ready, nil)
		}
		// A disconnect while still connecting is a failed dial; the
		// transport keeps retrying until the timeout.
		c.mu.Unlock()
		c.emit(events)
		return
	}

	if e.Connected && e.Err == nil {
		c.mu.Unlock()
		return
	}

	c.mu.Unlock()

	if c.detach(s) {
		c.log.Warn("connection lost", "room", s.room, "error", e.Err)
	}
}

// resolve runs the initial content resolution once per session, on the
// first full sync. Until it finishes both editors stay local-only, so
// keystrokes made during the race are never overwritten by seeding.
func (c *Coordinator) resolve(s *session) {
	c.mu.Lock()
	if c.sess != s || s.resolved || s.conn == nil {
		c.mu.Unlock()
		return
	}
	s.resolved = true
	conn, ticket := s.conn, s.ticket
	bindings := make(map[Slot]binding, len(c.bindings))
	for slot, b := range c.bindings {
		bindings[slot] = b
	}
	c.mu.Unlock()

	winner := electWinner(conn.Doc.Map(MetaRegion), ticket)
	won := winner.ID == ticket.ID
	log := c.log.With("room", s.room, "winner", winner.ID, "won", won)

	for _, slot := range Slots {
		text := conn.Doc.Text(slot.Region())
		if won && text.Len() == 0 && s.drafts[slot] != "" {
			text.Insert(0, s.drafts[slot])
			log.Debug("seeded shared region", "region", slot.Region(), "length", len([]rune(s.drafts[slot])))
		}
	}
	for _, slot := range Slots {
		bindings[slot].editor.ReplaceAll(conn.Doc.Text(slot.Region()).String())
	}

	if !c.activate(s) {
		return
	}
	log.Info("initial sync complete")
	c.recolor(s)
}

// activate switches both bound compartments to the session's shared texts.
// The calls run under the activation lock only, so compartments may read
// coordinator state.
func (c *Coordinator) activate(s *session) bool {
	c.activation.Lock()
	defer c.activation.Unlock()

	c.mu.Lock()
	if c.sess != s {
		c.mu.Unlock()
		return false
	}
	type pending struct {
		compartment Compartment
		behavior    Behavior
	}
	todo := make([]pending, 0, len(Slots))
	for _, slot := range Slots {
		todo = append(todo, pending{c.bindings[slot].compartment, c.behaviorLocked(s, slot)})
	}
	s.active = true
	c.mu.Unlock()

	for _, p := range todo {
		p.compartment.Activate(p.behavior)
	}
	return true
}

func (c *Coordinator) behaviorLocked(s *session, slot Slot) Behavior {
	return Behavior{
		Slot:     slot,
		Text:     s.conn.Doc.Text(slot.Region()),
		Presence: s.conn.Presence,
	}
}

func (c *Coordinator) setStatusLocked(status Status) []Event {
	if c.status == status {
		return nil
	}
	c.status = status
	return []Event{{Type: EventStatus, Status: status, PeerCount: c.peerCount}}
}

func signal(ch chan error, err error) {
	select {
	case ch <- err:
	default:
	}
}
