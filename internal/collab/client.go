package collab

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"skillsync/internal/clock"
)

// ClientOptions configures a Client.
type ClientOptions struct {
	// URL is the hub's websocket endpoint, e.g. ws://host:8081/ws.
	URL      string
	UserID   string
	Username string
	Logger   *slog.Logger
	Clock    clock.Clock
	Dialer   *websocket.Dialer
	// NewBackOff builds the reconnect policy. Defaults to an exponential
	// back-off that never gives up.
	NewBackOff func() backoff.BackOff
}

// Client is a websocket Channel and PresenceSource. It keeps the last
// known cursor map per joined file, re-joins and re-sends the local cursor
// after a reconnect, and forgets the cursors of users who went offline.
type Client struct {
	opts ClientOptions
	log  *slog.Logger

	writeMu sync.Mutex
	mu      sync.Mutex
	conn    *websocket.Conn
	files   map[string]bool
	local   map[string]*Cursor
	cursors map[string]map[string]RemoteCursor
	online  map[string][]OnlineUser
	subs    map[string]map[int]func(map[string]RemoteCursor)
	onSubs  map[int]func([]OnlineUser)
	nextID  int
}

// NewClient returns an unconnected client. Call Run to connect.
func NewClient(opts ClientOptions) *Client {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.NewBackOff == nil {
		opts.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 250 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			b.MaxElapsedTime = 0
			return b
		}
	}
	return &Client{
		opts:    opts,
		log:     opts.Logger.With("component", "collab-client", "user", opts.UserID),
		files:   make(map[string]bool),
		local:   make(map[string]*Cursor),
		cursors: make(map[string]map[string]RemoteCursor),
		online:  make(map[string][]OnlineUser),
		subs:    make(map[string]map[int]func(map[string]RemoteCursor)),
		onSubs:  make(map[int]func([]OnlineUser)),
	}
}

// Run connects and keeps reconnecting until ctx is cancelled or the back-off
// policy gives up.
func (c *Client) Run(ctx context.Context) error {
	b := c.opts.NewBackOff()
	for {
		connected, err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			b.Reset()
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return fmt.Errorf("collab: giving up: %w", err)
		}
		c.log.Warn("disconnected, retrying", "err", err, "wait", wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (c *Client) session(ctx context.Context) (bool, error) {
	conn, _, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		return false, err
	}
	c.log.Info("connected", "url", c.opts.URL)
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	// Other senders queue behind the replay: the hub must see each join
	// before its cursors and never an older cursor after a newer one.
	c.writeMu.Lock()
	c.mu.Lock()
	c.conn = conn
	var replay []Message
	for fileID := range c.files {
		replay = append(replay, c.joinMessage(fileID))
		if cur := c.local[fileID]; cur != nil {
			replay = append(replay, Message{Type: TypeCursor, FileID: fileID, Cursor: cur})
		}
	}
	c.mu.Unlock()
	var replayErr error
	for _, m := range replay {
		if replayErr = c.writeLocked(conn, m); replayErr != nil {
			break
		}
	}
	c.writeMu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		conn.Close()
	}()

	if replayErr != nil {
		return true, replayErr
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		msg, err := Decode(data)
		if err != nil {
			c.log.Debug("dropping malformed frame", "err", err)
			continue
		}
		c.handle(msg)
	}
}

func (c *Client) joinMessage(fileID string) Message {
	return Message{Type: TypeJoin, FileID: fileID, UserID: c.opts.UserID, Username: c.opts.Username}
}

func (c *Client) write(conn *websocket.Conn, m Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeLocked(conn, m)
}

// writeLocked requires writeMu.
func (c *Client) writeLocked(conn *websocket.Conn, m Message) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) send(m Message) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	if err := c.write(conn, m); err != nil {
		c.log.Debug("send failed", "type", m.Type, "err", err)
	}
}

// Join starts receiving cursors and presence for fileID.
func (c *Client) Join(fileID string) {
	c.mu.Lock()
	if c.files[fileID] {
		c.mu.Unlock()
		return
	}
	c.files[fileID] = true
	c.mu.Unlock()
	c.send(c.joinMessage(fileID))
}

// Leave stops receiving updates for fileID.
func (c *Client) Leave(fileID string) {
	c.mu.Lock()
	delete(c.files, fileID)
	delete(c.local, fileID)
	delete(c.cursors, fileID)
	delete(c.online, fileID)
	c.mu.Unlock()
	c.send(Message{Type: TypeLeave, FileID: fileID})
}

// EmitCursorUpdate sends the local cursor. It is remembered and re-sent after
// a reconnect. Sending while disconnected is a no-op.
func (c *Client) EmitCursorUpdate(fileID string, cur *Cursor) {
	c.mu.Lock()
	if cur != nil {
		v := *cur
		cur = &v
	}
	c.local[fileID] = cur
	c.mu.Unlock()
	c.send(Message{Type: TypeCursor, FileID: fileID, Cursor: cur})
}

// OnCursorUpdate subscribes to the cursor map of fileID, joining it if
// needed. fn is called right away with the last known map.
func (c *Client) OnCursorUpdate(fileID string, fn func(map[string]RemoteCursor)) func() {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	if c.subs[fileID] == nil {
		c.subs[fileID] = make(map[int]func(map[string]RemoteCursor))
	}
	c.subs[fileID][id] = fn
	snapshot := copyCursors(c.cursors[fileID])
	c.mu.Unlock()

	c.Join(fileID)
	fn(snapshot)
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs[fileID], id)
	}
}

// OnOnlineUsersUpdate subscribes to presence lists of joined files. fn is
// called right away with each list already received.
func (c *Client) OnOnlineUsersUpdate(fn func([]OnlineUser)) func() {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.onSubs[id] = fn
	known := make([][]OnlineUser, 0, len(c.online))
	for _, users := range c.online {
		known = append(known, copyUsers(users))
	}
	c.mu.Unlock()

	for _, users := range known {
		fn(users)
	}
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.onSubs, id)
	}
}

func (c *Client) handle(msg Message) {
	switch msg.Type {
	case TypeCursor:
		c.handleCursor(msg)
	case TypeOnlineUsers:
		c.handleOnline(msg)
	}
}

func (c *Client) handleCursor(msg Message) {
	if msg.UserID == "" || msg.FileID == "" {
		return
	}
	c.mu.Lock()
	if !c.files[msg.FileID] {
		c.mu.Unlock()
		return
	}
	m := c.cursors[msg.FileID]
	if m == nil {
		m = make(map[string]RemoteCursor)
		c.cursors[msg.FileID] = m
	}
	if msg.Cursor == nil {
		delete(m, msg.UserID)
	} else {
		m[msg.UserID] = RemoteCursor{
			UserID:      msg.UserID,
			Start:       msg.Cursor.Start,
			End:         msg.Cursor.End,
			TimestampMs: c.opts.Clock.Now().UnixMilli(),
		}
	}
	c.mu.Unlock()
	c.notifyCursors(msg.FileID)
}

func (c *Client) handleOnline(msg Message) {
	c.mu.Lock()
	if !c.files[msg.FileID] {
		c.mu.Unlock()
		return
	}
	c.online[msg.FileID] = copyUsers(msg.Users)
	present := make(map[string]bool, len(msg.Users))
	for _, u := range msg.Users {
		present[u.UserID] = true
	}
	dropped := false
	for id := range c.cursors[msg.FileID] {
		if !present[id] {
			delete(c.cursors[msg.FileID], id)
			dropped = true
		}
	}
	fns := make([]func([]OnlineUser), 0, len(c.onSubs))
	for _, fn := range c.onSubs {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(copyUsers(msg.Users))
	}
	if dropped {
		c.notifyCursors(msg.FileID)
	}
}

func (c *Client) notifyCursors(fileID string) {
	c.mu.Lock()
	fns := make([]func(map[string]RemoteCursor), 0, len(c.subs[fileID]))
	for _, fn := range c.subs[fileID] {
		fns = append(fns, fn)
	}
	snapshot := copyCursors(c.cursors[fileID])
	c.mu.Unlock()

	for _, fn := range fns {
		fn(copyCursors(snapshot))
	}
}

// Cursors returns a copy of the last known cursor map of fileID.
func (c *Client) Cursors(fileID string) map[string]RemoteCursor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return copyCursors(c.cursors[fileID])
}
