package hub

import (
	"context"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"skillsync/internal/collab"
)

// Conn is one websocket peer. Its identity is fixed by the first join that
// names a user; cursor messages are re-stamped with it.
type Conn struct {
	id    string
	hub   *Hub
	ws    *websocket.Conn
	send  chan []byte
	log   *slog.Logger
	user  collab.OnlineUser
	files map[string]bool // Only touched by readPump
}

// ID returns the connection id.
func (c *Conn) ID() string { return c.id }

func (c *Conn) readPump(ctx context.Context) {
	defer func() {
		cleanup, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
		for fileID := range c.files {
			c.leave(cleanup, fileID)
		}
		select {
		case c.hub.disconnect <- c:
		case <-c.hub.done:
			close(c.send)
		}
		c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("read failed", "err", err)
			}
			return
		}
		msg, err := collab.Decode(data)
		if err != nil {
			c.log.Debug("dropping malformed message", "err", err)
			continue
		}
		c.handle(ctx, msg)
	}
}

func (c *Conn) handle(ctx context.Context, msg collab.Message) {
	switch msg.Type {
	case collab.TypeJoin:
		if msg.FileID == "" {
			return
		}
		if c.user.UserID == "" {
			if msg.UserID == "" {
				c.log.Debug("join without user id")
				return
			}
			c.user = collab.OnlineUser{UserID: msg.UserID, Username: msg.Username}
		}
		c.join(ctx, msg.FileID)
	case collab.TypeLeave:
		c.leave(ctx, msg.FileID)
	case collab.TypeCursor:
		if !c.files[msg.FileID] {
			return
		}
		c.hub.publish(ctx, msg.FileID, collab.Message{
			Type:      collab.TypeCursor,
			FileID:    msg.FileID,
			UserID:    c.user.UserID,
			Username:  c.user.Username,
			ConnID:    c.id,
			Cursor:    msg.Cursor,
			Timestamp: c.hub.clock.Now().UnixMilli(),
		})
	}
}

func (c *Conn) join(ctx context.Context, fileID string) {
	if c.files[fileID] {
		return
	}
	if err := c.hub.join(c, fileID); err != nil {
		c.log.Error("join failed", "file", fileID, "err", err)
		return
	}
	c.files[fileID] = true
	users, err := c.hub.registry.Join(ctx, fileID, c.id, c.user)
	if err != nil {
		c.log.Error("presence join failed", "file", fileID, "err", err)
		return
	}
	c.hub.publishPresence(ctx, fileID, users)
}

func (c *Conn) leave(ctx context.Context, fileID string) {
	if !c.files[fileID] {
		return
	}
	delete(c.files, fileID)
	c.hub.send(c.hub.unregister, membership{conn: c, fileID: fileID})
	users, last, err := c.hub.registry.Leave(ctx, fileID, c.id)
	if err != nil {
		c.log.Error("presence leave failed", "file", fileID, "err", err)
		return
	}
	c.hub.publishPresence(ctx, fileID, users)
	if last {
		c.hub.publish(ctx, fileID, collab.Message{
			Type:      collab.TypeCursor,
			FileID:    fileID,
			UserID:    c.user.UserID,
			Timestamp: c.hub.clock.Now().UnixMilli(),
		})
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
