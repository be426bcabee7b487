// Package relay is the websocket server peers of a room talk through. It
// does not interpret documents or presence: it assigns sender ids, answers
// joins with the current membership and fans messages out to the room,
// optionally across instances through Redis.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/dustinlacewell/strudual/internal/wire"
)

const (
	joinWait       = 10 * time.Second
	leaveTimeout   = 5 * time.Second
	maxMessageSize = 4 << 20
	maxNameLength  = 128

	heartbeatInterval = MemberTTL / 3
)

// Option configures a Server.
type Option func(*Server)

// WithClock sets the clock used for join history timestamps and membership
// heartbeats.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Server) { s.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// Server routes websocket rooms and the operational endpoints.
type Server struct {
	bus      Bus
	store    Store
	hub      *Hub
	clock    clockwork.Clock
	log      *slog.Logger
	upgrader websocket.Upgrader
	router   *mux.Router
}

// NewServer starts a hub on bus. store records join history; use NopStore
// to keep none.
func NewServer(bus Bus, store Store, opts ...Option) *Server {
	s := &Server{
		bus:   bus,
		store: store,
		clock: clockwork.NewRealClock(),
		log:   slog.Default(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		router: mux.NewRouter(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "relay")
	s.hub = NewHub(bus, s.log)
	s.registerRoutes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close disconnects every client.
func (s *Server) Close() {
	s.hub.Stop()
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	room := mux.Vars(r)["room"]
	if !validName(room) {
		RejectedTotal.WithLabelValues("bad_room").Inc()
		http.Error(w, "invalid room name", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "room", room, "error", err)
		return
	}
	conn.SetReadLimit(maxMessageSize)

	cl, err := s.join(r.Context(), conn, room)
	if err != nil {
		RejectedTotal.WithLabelValues("join").Inc()
		s.log.Warn("join refused", "room", room, "error", err)
		s.refuse(conn, err)
		return
	}
	defer s.leave(cl)
	stop := s.heartbeat(cl)
	defer stop()

	s.relay(r.Context(), cl)
}

// heartbeat keeps the membership of cl alive on the bus until stop is
// called.
func (s *Server) heartbeat(cl *client) (stop func()) {
	ticker := s.clock.NewTicker(heartbeatInterval)
	done := make(chan struct{})
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.Chan():
				ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
				err := s.bus.Touch(ctx, cl.room, cl.id)
				cancel()
				if err != nil {
					BusErrors.WithLabelValues("touch").Inc()
					s.log.Warn("refreshing member failed", "room", cl.room, "peer", cl.id, "error", err)
				}
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

// join reads the join message, registers the peer and queues its welcome.
func (s *Server) join(ctx context.Context, conn *websocket.Conn, room string) (*client, error) {
	_ = conn.SetReadDeadline(time.Now().Add(joinWait))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("read join: %w", err)
	}
	env, err := wire.Decode(data)
	if err != nil {
		return nil, err
	}
	if env.Type != wire.TypeJoin {
		return nil, fmt.Errorf("expected %q message, got %q", wire.TypeJoin, env.Type)
	}
	if env.Room != "" && env.Room != room {
		return nil, fmt.Errorf("join names room %q on the endpoint of %q", env.Room, room)
	}
	peer := env.Peer
	if peer == "" {
		peer = uuid.NewString()
	}
	if !validName(peer) {
		return nil, fmt.Errorf("invalid peer id")
	}

	added, err := s.bus.Join(ctx, room, peer)
	if err != nil {
		BusErrors.WithLabelValues("join").Inc()
		return nil, fmt.Errorf("join %s: %w", room, err)
	}
	if !added {
		return nil, ErrPeerTaken
	}
	members, err := s.bus.Members(ctx, room)
	if err != nil {
		BusErrors.WithLabelValues("members").Inc()
		s.dropMember(room, peer)
		return nil, fmt.Errorf("list members of %s: %w", room, err)
	}
	others := slices.DeleteFunc(members, func(m string) bool { return m == peer })

	welcome, err := wire.Encode(wire.Envelope{Type: wire.TypeWelcome, Room: room, Peer: peer, Peers: others})
	if err != nil {
		s.dropMember(room, peer)
		return nil, err
	}
	cl := newClient(peer, room, conn)
	if err := s.hub.Register(cl, welcome); err != nil {
		s.dropMember(room, peer)
		return nil, err
	}

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	if err := s.store.RecordJoin(ctx, room, peer, s.clock.Now()); err != nil {
		BusErrors.WithLabelValues("record_join").Inc()
		s.log.Warn("recording join failed", "room", room, "peer", peer, "error", err)
	}
	s.log.Info("peer joined", "room", room, "peer", peer, "others", len(others))
	return cl, nil
}

// relay publishes the client's messages to its room until the connection
// ends.
func (s *Server) relay(ctx context.Context, cl *client) {
	for {
		_, data, err := cl.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug("read failed", "room", cl.room, "peer", cl.id, "error", err)
			}
			return
		}
		env, err := wire.Decode(data)
		if err != nil {
			s.reject(cl, "malformed", err.Error())
			continue
		}
		switch env.Type {
		case wire.TypeUpdate, wire.TypeAwareness, wire.TypeSyncRequest, wire.TypeSyncReply:
		default:
			s.reject(cl, "unsupported_type", fmt.Sprintf("unsupported message type %q", env.Type))
			continue
		}

		env.From = cl.id
		env.Room = cl.room
		out, err := wire.Encode(env)
		if err != nil {
			s.reject(cl, "malformed", err.Error())
			continue
		}
		MessagesTotal.WithLabelValues(env.Type, "in").Inc()
		if err := s.bus.Publish(ctx, cl.room, out); err != nil {
			BusErrors.WithLabelValues("publish").Inc()
			s.log.Error("publishing to room failed", "room", cl.room, "peer", cl.id, "error", err)
		}
	}
}

// leave unregisters cl and tells the rest of the room.
func (s *Server) leave(cl *client) {
	s.hub.Unregister(cl)

	ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
	defer cancel()
	s.dropMember(cl.room, cl.id)

	data, err := wire.Encode(wire.Envelope{Type: wire.TypeLeave, Room: cl.room, From: cl.id, Peer: cl.id})
	if err == nil {
		if err := s.bus.Publish(ctx, cl.room, data); err != nil {
			BusErrors.WithLabelValues("publish").Inc()
			s.log.Warn("announcing leave failed", "room", cl.room, "peer", cl.id, "error", err)
		}
	}
	if err := s.store.RecordLeave(ctx, cl.room, cl.id, s.clock.Now()); err != nil {
		BusErrors.WithLabelValues("record_leave").Inc()
		s.log.Warn("recording leave failed", "room", cl.room, "peer", cl.id, "error", err)
	}
	s.log.Info("peer left", "room", cl.room, "peer", cl.id)
}

func (s *Server) dropMember(room, peer string) {
	ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
	defer cancel()
	if err := s.bus.Leave(ctx, room, peer); err != nil {
		BusErrors.WithLabelValues("leave").Inc()
		s.log.Warn("removing member failed", "room", room, "peer", peer, "error", err)
	}
}

func (s *Server) reject(cl *client, reason, msg string) {
	RejectedTotal.WithLabelValues(reason).Inc()
	data, err := wire.Encode(wire.Envelope{Type: wire.TypeError, Error: msg})
	if err != nil {
		return
	}
	cl.trySend(data)
}

// refuse reports err to a connection that never joined and closes it.
func (s *Server) refuse(conn *websocket.Conn, err error) {
	defer conn.Close()
	data, encErr := wire.Encode(wire.Envelope{Type: wire.TypeError, Error: err.Error()})
	if encErr != nil {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if conn.WriteMessage(websocket.TextMessage, data) != nil {
		return
	}
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, ""))
}

func validName(name string) bool {
	if name == "" || len(name) > maxNameLength {
		return false
	}
	for _, r := range name {
		if r == '/' || !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}
