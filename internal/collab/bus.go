package collab

import (
	"sync"

	"skillsync/internal/clock"
)

// Bus is an in-process channel shared by several local peers. Each peer
// emits under its own user id and every subscriber sees every cursor.
type Bus struct {
	clock clock.Clock

	mu        sync.Mutex
	cursors   map[string]map[string]RemoteCursor
	subs      map[string]map[int]func(map[string]RemoteCursor)
	online    []OnlineUser
	onlineSub map[int]func([]OnlineUser)
	nextID    int
}

// NewBus returns an empty bus stamping cursors with c.
func NewBus(c clock.Clock) *Bus {
	return &Bus{
		clock:     c,
		cursors:   make(map[string]map[string]RemoteCursor),
		subs:      make(map[string]map[int]func(map[string]RemoteCursor)),
		onlineSub: make(map[int]func([]OnlineUser)),
	}
}

// Peer returns a Channel that emits as userID.
func (b *Bus) Peer(userID string) Channel {
	return busPeer{b: b, userID: userID}
}

type busPeer struct {
	b      *Bus
	userID string
}

func (p busPeer) EmitCursorUpdate(fileID string, c *Cursor) {
	p.b.emit(fileID, p.userID, c)
}

func (p busPeer) OnCursorUpdate(fileID string, fn func(map[string]RemoteCursor)) func() {
	return p.b.OnCursorUpdate(fileID, fn)
}

func (b *Bus) emit(fileID, userID string, c *Cursor) {
	b.mu.Lock()
	m := b.cursors[fileID]
	if m == nil {
		m = make(map[string]RemoteCursor)
		b.cursors[fileID] = m
	}
	if c == nil {
		delete(m, userID)
	} else {
		m[userID] = RemoteCursor{
			UserID:      userID,
			Start:       c.Start,
			End:         c.End,
			TimestampMs: b.clock.Now().UnixMilli(),
		}
	}
	type delivery struct {
		fn func(map[string]RemoteCursor)
		m  map[string]RemoteCursor
	}
	out := make([]delivery, 0, len(b.subs[fileID]))
	for _, fn := range b.subs[fileID] {
		out = append(out, delivery{fn: fn, m: copyCursors(m)})
	}
	b.mu.Unlock()

	for _, d := range out {
		d.fn(d.m)
	}
}

// OnCursorUpdate subscribes to a file's cursor map.
func (b *Bus) OnCursorUpdate(fileID string, fn func(map[string]RemoteCursor)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	if b.subs[fileID] == nil {
		b.subs[fileID] = make(map[int]func(map[string]RemoteCursor))
	}
	b.subs[fileID][id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[fileID], id)
	}
}

// SetOnline replaces the presence list and notifies subscribers.
func (b *Bus) SetOnline(users []OnlineUser) {
	b.mu.Lock()
	b.online = copyUsers(users)
	fns := make([]func([]OnlineUser), 0, len(b.onlineSub))
	for _, fn := range b.onlineSub {
		fns = append(fns, fn)
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn(copyUsers(users))
	}
}

// OnOnlineUsersUpdate subscribes to presence. The current list is delivered
// immediately.
func (b *Bus) OnOnlineUsersUpdate(fn func([]OnlineUser)) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.onlineSub[id] = fn
	current := copyUsers(b.online)
	b.mu.Unlock()
	fn(current)
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.onlineSub, id)
	}
}
