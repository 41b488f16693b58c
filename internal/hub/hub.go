// Package hub is the server side of cursor collaboration: websocket
// connections grouped into one room per file, with every message fanned out
// through a Relay.
package hub

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"skillsync/internal/clock"
	"skillsync/internal/collab"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
	sendBuffer     = 256
	cleanupTimeout = 5 * time.Second
)

var errHubStopped = errors.New("hub: stopped")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type membership struct {
	conn   *Conn
	fileID string
	// done receives the outcome of a registration once the room's relay
	// subscription is live. Nil for unregistrations.
	done chan error
}

type delivery struct {
	fileID string
	data   []byte
}

// Hub maintains the rooms and routes relayed messages to their members. All
// room state is owned by the Run loop.
type Hub struct {
	relay    Relay
	registry Registry
	clock    clock.Clock
	log      *slog.Logger

	register   chan membership
	unregister chan membership
	disconnect chan *Conn
	deliver    chan delivery
	done       chan struct{}

	rooms map[string]map[*Conn]bool
	subs  map[string]Subscription
}

// New returns a hub. Call Run before serving connections.
func New(relay Relay, registry Registry, c clock.Clock, log *slog.Logger) *Hub {
	if c == nil {
		c = clock.Real{}
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Hub{
		relay:      relay,
		registry:   registry,
		clock:      c,
		log:        log.With("component", "hub"),
		register:   make(chan membership),
		unregister: make(chan membership),
		disconnect: make(chan *Conn),
		deliver:    make(chan delivery),
		done:       make(chan struct{}),
		rooms:      make(map[string]map[*Conn]bool),
		subs:       make(map[string]Subscription),
	}
}

// Run processes membership changes and deliveries until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		close(h.done)
		for fileID, sub := range h.subs {
			sub.Close()
			delete(h.subs, fileID)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-h.register:
			room := h.rooms[m.fileID]
			if room == nil {
				sub, err := h.relay.Subscribe(ctx, m.fileID)
				if err != nil {
					h.log.Error("subscribe failed", "file", m.fileID, "err", err)
					m.done <- err
					continue
				}
				room = make(map[*Conn]bool)
				h.rooms[m.fileID] = room
				h.subs[m.fileID] = sub
				go h.forward(m.fileID, sub)
			}
			room[m.conn] = true
			h.log.Info("joined", "file", m.fileID, "conn", m.conn.id, "members", len(room))
			m.done <- nil
		case m := <-h.unregister:
			h.removeMember(m.fileID, m.conn)
		case c := <-h.disconnect:
			close(c.send)
		case d := <-h.deliver:
			for c := range h.rooms[d.fileID] {
				select {
				case c.send <- d.data:
				default:
					h.log.Warn("send buffer full, dropping connection", "conn", c.id)
					c.ws.Close()
				}
			}
		}
	}
}

func (h *Hub) removeMember(fileID string, c *Conn) {
	room, ok := h.rooms[fileID]
	if !ok || !room[c] {
		return
	}
	delete(room, c)
	h.log.Info("left", "file", fileID, "conn", c.id, "members", len(room))
	if len(room) > 0 {
		return
	}
	delete(h.rooms, fileID)
	if sub := h.subs[fileID]; sub != nil {
		sub.Close()
		delete(h.subs, fileID)
	}
}

func (h *Hub) forward(fileID string, sub Subscription) {
	for data := range sub.C() {
		select {
		case h.deliver <- delivery{fileID: fileID, data: data}:
		case <-h.done:
			return
		}
	}
}

// join registers c in fileID's room and waits until the room receives
// relayed messages.
func (h *Hub) join(c *Conn, fileID string) error {
	m := membership{conn: c, fileID: fileID, done: make(chan error, 1)}
	if !h.send(h.register, m) {
		return errHubStopped
	}
	select {
	case err := <-m.done:
		return err
	case <-h.done:
		return errHubStopped
	}
}

func (h *Hub) send(ch chan membership, m membership) bool {
	select {
	case ch <- m:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) publish(ctx context.Context, fileID string, m collab.Message) {
	data, err := collab.Encode(m)
	if err != nil {
		h.log.Error("encode failed", "type", m.Type, "err", err)
		return
	}
	if err := h.relay.Publish(ctx, fileID, data); err != nil {
		h.log.Error("publish failed", "file", fileID, "type", m.Type, "err", err)
	}
}

func (h *Hub) publishPresence(ctx context.Context, fileID string, users []collab.OnlineUser) {
	h.publish(ctx, fileID, collab.Message{
		Type:      collab.TypeOnlineUsers,
		FileID:    fileID,
		Users:     users,
		Timestamp: h.clock.Now().UnixMilli(),
	})
}

// ServeWS upgrades the request and serves the connection until it closes. A
// {fileId} route variable joins that file right away; further files are
// joined with join messages.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade failed", "err", err)
		return
	}
	id := uuid.NewString()
	c := &Conn{
		id:    id,
		hub:   h,
		ws:    ws,
		send:  make(chan []byte, sendBuffer),
		files: make(map[string]bool),
		log:   h.log.With("conn", id),
	}

	if fileID := mux.Vars(r)["fileId"]; fileID != "" {
		q := r.URL.Query()
		c.user = collab.OnlineUser{UserID: q.Get("userId"), Username: q.Get("username")}
		if c.user.UserID != "" {
			c.join(r.Context(), fileID)
		}
	}

	go c.writePump()
	c.readPump(r.Context())
}
