package collab

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skillsync/internal/clock"
)

func TestDecodeCursorPayloads(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want *Cursor
	}{
		{"range", `{"type":"skill_cursor","cursor":{"start":2,"end":5}}`, &Cursor{Start: 2, End: 5}},
		{"caret", `{"type":"skill_cursor","cursor":{"start":3,"end":3}}`, &Cursor{Start: 3, End: 3}},
		{"null", `{"type":"skill_cursor","cursor":null}`, nil},
		{"missing", `{"type":"skill_cursor"}`, nil},
		{"missing end", `{"type":"skill_cursor","cursor":{"start":1}}`, nil},
		{"reversed", `{"type":"skill_cursor","cursor":{"start":4,"end":1}}`, nil},
		{"negative", `{"type":"skill_cursor","cursor":{"start":-1,"end":1}}`, nil},
		{"wrong type", `{"type":"skill_cursor","cursor":"here"}`, nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m, err := Decode([]byte(tc.in))
			require.NoError(t, err)
			assert.Equal(t, TypeCursor, m.Type)
			assert.Equal(t, tc.want, m.Cursor)
		})
	}

	_, err := Decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestEncodeKeepsNullCursor(t *testing.T) {
	data, err := Encode(Message{Type: TypeCursor, FileID: "f"})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"cursor":null`)
}

func TestUserColor(t *testing.T) {
	a := UserColor("user-a")
	assert.Equal(t, a, UserColor("user-a"))
	assert.Regexp(t, `^#[0-9a-f]{6}$`, a)
	assert.NotEqual(t, a, UserColor("user-b"))
}

func TestBus(t *testing.T) {
	c := clock.NewManual(time.UnixMilli(1000))
	bus := NewBus(c)

	var got map[string]RemoteCursor
	off := bus.OnCursorUpdate("f1", func(m map[string]RemoteCursor) { got = m })

	bus.Peer("alice").EmitCursorUpdate("f1", &Cursor{Start: 1, End: 4})
	require.Contains(t, got, "alice")
	assert.Equal(t, RemoteCursor{UserID: "alice", Start: 1, End: 4, TimestampMs: 1000}, got["alice"])

	bus.Peer("alice").EmitCursorUpdate("f1", nil)
	assert.Empty(t, got)

	off()
	bus.Peer("bob").EmitCursorUpdate("f1", &Cursor{})
	assert.Empty(t, got, "unsubscribed handler is not called")

	var users []OnlineUser
	bus.SetOnline([]OnlineUser{{UserID: "alice"}})
	bus.OnOnlineUsersUpdate(func(u []OnlineUser) { users = u })
	assert.Equal(t, []OnlineUser{{UserID: "alice"}}, users)
}

// fakeHub accepts one connection at a time and records what it reads.
type fakeHub struct {
	t        *testing.T
	mu       sync.Mutex
	received []Message
	conns    chan *websocket.Conn
}

func newFakeHub(t *testing.T) (*fakeHub, *httptest.Server) {
	h := &fakeHub{t: t, conns: make(chan *websocket.Conn, 4)}
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.conns <- conn
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			m, err := Decode(data)
			if err != nil {
				continue
			}
			h.mu.Lock()
			h.received = append(h.received, m)
			h.mu.Unlock()
		}
	}))
	t.Cleanup(srv.Close)
	return h, srv
}

func (h *fakeHub) messages() []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Message(nil), h.received...)
}

func (h *fakeHub) push(conn *websocket.Conn, m Message) {
	data, err := Encode(m)
	require.NoError(h.t, err)
	require.NoError(h.t, conn.WriteMessage(websocket.TextMessage, data))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestClientRoundTrip(t *testing.T) {
	hub, srv := newFakeHub(t)
	c := NewClient(ClientOptions{
		URL:    wsURL(srv),
		UserID: "me",
		Clock:  clock.NewManual(time.UnixMilli(5000)),
	})

	var mu sync.Mutex
	var latest map[string]RemoteCursor
	c.OnCursorUpdate("doc", func(m map[string]RemoteCursor) {
		mu.Lock()
		latest = m
		mu.Unlock()
	})
	var online []OnlineUser
	c.OnOnlineUsersUpdate(func(u []OnlineUser) {
		mu.Lock()
		online = u
		mu.Unlock()
	})
	snapshot := func() (map[string]RemoteCursor, []OnlineUser) {
		mu.Lock()
		defer mu.Unlock()
		return latest, online
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	var conn *websocket.Conn
	select {
	case conn = <-hub.conns:
	case <-time.After(5 * time.Second):
		t.Fatal("client never connected")
	}

	require.Eventually(t, func() bool {
		msgs := hub.messages()
		return len(msgs) > 0 && msgs[0].Type == TypeJoin && msgs[0].FileID == "doc"
	}, 5*time.Second, 10*time.Millisecond)

	c.EmitCursorUpdate("doc", &Cursor{Start: 1, End: 2})
	require.Eventually(t, func() bool {
		msgs := hub.messages()
		last := msgs[len(msgs)-1]
		return last.Type == TypeCursor && last.Cursor != nil && *last.Cursor == Cursor{Start: 1, End: 2}
	}, 5*time.Second, 10*time.Millisecond)

	hub.push(conn, Message{Type: TypeCursor, FileID: "doc", UserID: "peer", Cursor: &Cursor{Start: 3, End: 3}})
	require.Eventually(t, func() bool {
		m, _ := snapshot()
		return len(m) == 1
	}, 5*time.Second, 10*time.Millisecond)
	m, _ := snapshot()
	assert.Equal(t, RemoteCursor{UserID: "peer", Start: 3, End: 3, TimestampMs: 5000}, m["peer"])

	hub.push(conn, Message{Type: TypeCursor, FileID: "other", UserID: "x", Cursor: &Cursor{}})
	hub.push(conn, Message{Type: TypeOnlineUsers, FileID: "doc", Users: []OnlineUser{{UserID: "me"}}})
	require.Eventually(t, func() bool {
		m, users := snapshot()
		return len(m) == 0 && len(users) == 1
	}, 5*time.Second, 10*time.Millisecond, "offline users' cursors are dropped")
	assert.Empty(t, c.Cursors("other"), "unjoined files are ignored")
}

func TestClientRejoinsAfterReconnect(t *testing.T) {
	hub, srv := newFakeHub(t)
	c := NewClient(ClientOptions{URL: wsURL(srv), UserID: "me"})
	c.Join("doc")
	c.EmitCursorUpdate("doc", &Cursor{Start: 7, End: 9})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	first := <-hub.conns
	require.Eventually(t, func() bool { return len(hub.messages()) >= 2 }, 5*time.Second, 10*time.Millisecond)
	first.Close()

	select {
	case <-hub.conns:
	case <-time.After(5 * time.Second):
		t.Fatal("client did not reconnect")
	}
	require.Eventually(t, func() bool { return len(hub.messages()) >= 4 }, 5*time.Second, 10*time.Millisecond)

	msgs := hub.messages()
	assert.Equal(t, TypeJoin, msgs[2].Type)
	assert.Equal(t, TypeCursor, msgs[3].Type)
	assert.Equal(t, &Cursor{Start: 7, End: 9}, msgs[3].Cursor)
}

type gate struct {
	held    chan struct{}
	release chan struct{}
}

// gatedConn holds the first frame written after the handshake until the
// gate is released.
type gatedConn struct {
	net.Conn
	gate *gate

	mu      sync.Mutex
	reading bool
	holding bool
}

func (g *gatedConn) Read(b []byte) (int, error) {
	g.mu.Lock()
	g.reading = true
	g.mu.Unlock()
	return g.Conn.Read(b)
}

func (g *gatedConn) Write(b []byte) (int, error) {
	g.mu.Lock()
	hold := g.reading && !g.holding
	if hold {
		g.holding = true
	}
	g.mu.Unlock()
	if hold {
		close(g.gate.held)
		<-g.gate.release
	}
	return g.Conn.Write(b)
}

func TestClientCursorWaitsForReplay(t *testing.T) {
	hub, srv := newFakeHub(t)
	g := &gate{held: make(chan struct{}), release: make(chan struct{})}
	var dials atomic.Int32
	dialer := &websocket.Dialer{
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := (&net.Dialer{}).DialContext(ctx, network, addr)
			if err != nil || dials.Add(1) != 2 {
				return conn, err
			}
			return &gatedConn{Conn: conn, gate: g}, nil
		},
	}
	c := NewClient(ClientOptions{
		URL:        wsURL(srv),
		UserID:     "me",
		Dialer:     dialer,
		NewBackOff: func() backoff.BackOff { return backoff.NewConstantBackOff(10 * time.Millisecond) },
	})
	c.Join("doc")
	c.EmitCursorUpdate("doc", &Cursor{Start: 1, End: 1})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	first := <-hub.conns
	require.Eventually(t, func() bool { return len(hub.messages()) >= 2 }, 5*time.Second, 10*time.Millisecond)
	first.Close()

	select {
	case <-g.held:
	case <-time.After(5 * time.Second):
		t.Fatal("client did not reconnect")
	}
	emitted := make(chan struct{})
	go func() {
		defer close(emitted)
		c.EmitCursorUpdate("doc", &Cursor{Start: 5, End: 5})
	}()
	select {
	case <-emitted:
		t.Fatal("cursor went out ahead of the rejoin")
	case <-time.After(50 * time.Millisecond):
	}
	close(g.release)

	latest := Cursor{Start: 5, End: 5}
	require.Eventually(t, func() bool {
		msgs := hub.messages()
		last := msgs[len(msgs)-1]
		return last.Type == TypeCursor && last.Cursor != nil && *last.Cursor == latest
	}, 5*time.Second, 10*time.Millisecond)
	<-emitted

	time.Sleep(50 * time.Millisecond)
	msgs := hub.messages()
	require.Greater(t, len(msgs), 2)
	assert.Equal(t, TypeJoin, msgs[2].Type, "the rejoin comes first on the new connection")
	assert.Equal(t, &latest, msgs[len(msgs)-1].Cursor, "no older cursor follows the newest")
}

func TestClientReplaysStateToNewSubscribers(t *testing.T) {
	hub, srv := newFakeHub(t)
	c := NewClient(ClientOptions{
		URL:    wsURL(srv),
		UserID: "me",
		Clock:  clock.NewManual(time.UnixMilli(100)),
	})
	c.Join("doc")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	var conn *websocket.Conn
	select {
	case conn = <-hub.conns:
	case <-time.After(5 * time.Second):
		t.Fatal("client never connected")
	}
	hub.push(conn, Message{Type: TypeOnlineUsers, FileID: "doc", Users: []OnlineUser{{UserID: "me"}, {UserID: "peer", Username: "Peer"}}})
	hub.push(conn, Message{Type: TypeCursor, FileID: "doc", UserID: "peer", Cursor: &Cursor{Start: 4, End: 6}})
	require.Eventually(t, func() bool { return len(c.Cursors("doc")) == 1 }, 5*time.Second, 10*time.Millisecond)

	var cursors map[string]RemoteCursor
	off := c.OnCursorUpdate("doc", func(m map[string]RemoteCursor) { cursors = m })
	defer off()
	assert.Equal(t, map[string]RemoteCursor{
		"peer": {UserID: "peer", Start: 4, End: 6, TimestampMs: 100},
	}, cursors)

	var users []OnlineUser
	offUsers := c.OnOnlineUsersUpdate(func(u []OnlineUser) { users = u })
	defer offUsers()
	assert.Equal(t, []OnlineUser{{UserID: "me"}, {UserID: "peer", Username: "Peer"}}, users)

	var empty map[string]RemoteCursor
	c.OnCursorUpdate("fresh", func(m map[string]RemoteCursor) { empty = m })
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}
