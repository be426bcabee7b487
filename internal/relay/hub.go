package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dustinlacewell/strudual/internal/wire"
)

const (
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = pongWait * 9 / 10
	subscribeTimeout = 5 * time.Second
	sendBuffer       = 256
)

var (
	ErrHubStopped = errors.New("relay is shutting down")
	ErrPeerTaken  = errors.New("peer id already joined to this room")
)

// --- Command types ---

type hubCmd interface{ hubCmd() }

type cmdRegister struct {
	client  *client
	welcome []byte
	errCh   chan error
}

func (cmdRegister) hubCmd() {}

type cmdUnregister struct {
	client *client
}

func (cmdUnregister) hubCmd() {}

type cmdDeliver struct {
	room *hubRoom
	data []byte
}

func (cmdDeliver) hubCmd() {}

type cmdRooms struct {
	replyCh chan map[string]int
}

func (cmdRooms) hubCmd() {}

type cmdStop struct {
	doneCh chan struct{}
}

func (cmdStop) hubCmd() {}

// --- Per-connection writer ---

type client struct {
	id   string
	room string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newClient(id, room string, conn *websocket.Conn) *client {
	return &client{
		id:   id,
		room: room,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
}

func (c *client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// trySend queues msg without blocking.
func (c *client) trySend(msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *client) stop() {
	c.once.Do(func() { close(c.done) })
}

// --- Hub ---

type hubRoom struct {
	name    string
	clients map[string]*client
	sub     Subscription
	done    chan struct{}
}

// Hub owns the local clients of every room. A single goroutine mutates its
// state; room traffic arrives from the bus and is fanned out to the local
// clients it is addressed to.
type Hub struct {
	bus     Bus
	log     *slog.Logger
	cmdCh   chan hubCmd
	stopped chan struct{}
	rooms   map[string]*hubRoom
}

func NewHub(bus Bus, log *slog.Logger) *Hub {
	h := &Hub{
		bus:     bus,
		log:     log,
		cmdCh:   make(chan hubCmd, 256),
		stopped: make(chan struct{}),
		rooms:   make(map[string]*hubRoom),
	}
	go h.run()
	return h
}

// Register adds c to its room and queues welcome as its first message.
func (h *Hub) Register(c *client, welcome []byte) error {
	errCh := make(chan error, 1)
	if !h.submit(cmdRegister{client: c, welcome: welcome, errCh: errCh}) {
		return ErrHubStopped
	}
	select {
	case err := <-errCh:
		return err
	case <-h.stopped:
		return ErrHubStopped
	}
}

// Unregister removes c and stops its writer.
func (h *Hub) Unregister(c *client) {
	if !h.submit(cmdUnregister{client: c}) {
		c.stop()
	}
}

// Rooms returns the number of local clients per room.
func (h *Hub) Rooms() map[string]int {
	replyCh := make(chan map[string]int, 1)
	if !h.submit(cmdRooms{replyCh: replyCh}) {
		return map[string]int{}
	}
	select {
	case rooms := <-replyCh:
		return rooms
	case <-h.stopped:
		return map[string]int{}
	}
}

// Stop disconnects every client and ends the hub goroutine.
func (h *Hub) Stop() {
	doneCh := make(chan struct{})
	if !h.submit(cmdStop{doneCh: doneCh}) {
		return
	}
	select {
	case <-doneCh:
	case <-h.stopped:
	}
}

func (h *Hub) submit(cmd hubCmd) bool {
	select {
	case h.cmdCh <- cmd:
		return true
	case <-h.stopped:
		return false
	}
}

func (h *Hub) run() {
	for cmd := range h.cmdCh {
		switch c := cmd.(type) {
		case cmdRegister:
			h.handleRegister(c)
		case cmdUnregister:
			h.handleUnregister(c.client)
		case cmdDeliver:
			h.handleDeliver(c)
		case cmdRooms:
			rooms := make(map[string]int, len(h.rooms))
			for name, r := range h.rooms {
				rooms[name] = len(r.clients)
			}
			c.replyCh <- rooms
		case cmdStop:
			h.handleStop()
			close(c.doneCh)
			return
		}
	}
}

func (h *Hub) handleRegister(c cmdRegister) {
	cl := c.client
	r, exists := h.rooms[cl.room]
	if exists {
		if _, taken := r.clients[cl.id]; taken {
			c.errCh <- ErrPeerTaken
			return
		}
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), subscribeTimeout)
		sub, err := h.bus.Subscribe(ctx, cl.room)
		cancel()
		if err != nil {
			BusErrors.WithLabelValues("subscribe").Inc()
			c.errCh <- err
			return
		}
		r = &hubRoom{
			name:    cl.room,
			clients: make(map[string]*client),
			sub:     sub,
			done:    make(chan struct{}),
		}
		h.rooms[cl.room] = r
		ActiveRooms.Inc()
		go h.forward(r)
	}

	r.clients[cl.id] = cl
	cl.send <- c.welcome
	go cl.writeLoop()
	ConnectedClients.Inc()
	h.log.Debug("client registered", "room", cl.room, "peer", cl.id, "clients", len(r.clients))
	c.errCh <- nil
}

func (h *Hub) handleUnregister(cl *client) {
	cl.stop()
	r, ok := h.rooms[cl.room]
	if !ok || r.clients[cl.id] != cl {
		return
	}
	delete(r.clients, cl.id)
	ConnectedClients.Dec()
	h.log.Debug("client unregistered", "room", cl.room, "peer", cl.id, "clients", len(r.clients))
	if len(r.clients) == 0 {
		h.closeRoom(r)
	}
}

func (h *Hub) handleDeliver(c cmdDeliver) {
	r := c.room
	if h.rooms[r.name] != r {
		return
	}
	env, err := wire.Decode(c.data)
	if err != nil {
		h.log.Warn("dropping malformed bus message", "room", r.name, "error", err)
		return
	}
	for id, cl := range r.clients {
		if !env.Addressed(id) {
			continue
		}
		if !cl.trySend(c.data) {
			h.log.Warn("dropping slow client", "room", r.name, "peer", id)
			h.handleUnregister(cl)
			continue
		}
		MessagesTotal.WithLabelValues(env.Type, "out").Inc()
	}
}

func (h *Hub) handleStop() {
	for _, r := range h.rooms {
		for _, cl := range r.clients {
			cl.stop()
			ConnectedClients.Dec()
		}
		h.closeRoom(r)
	}
	close(h.stopped)
}

func (h *Hub) closeRoom(r *hubRoom) {
	close(r.done)
	if err := r.sub.Close(); err != nil {
		h.log.Warn("closing room subscription", "room", r.name, "error", err)
	}
	delete(h.rooms, r.name)
	ActiveRooms.Dec()
}

// forward moves bus messages of r into the hub goroutine until the room
// closes.
func (h *Hub) forward(r *hubRoom) {
	msgs := r.sub.Messages()
	for {
		select {
		case data := <-msgs:
			select {
			case h.cmdCh <- cmdDeliver{room: r, data: data}:
			case <-r.done:
				return
			case <-h.stopped:
				return
			}
		case <-r.done:
			return
		case <-h.stopped:
			return
		}
	}
}
