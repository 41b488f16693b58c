// Package collab holds the collaboration contracts shared by the local cursor
// emitter, the remote cursor renderer and the transports that carry cursor
// state between editors.
package collab

// Cursor is a linear-offset range. Start == End is a caret.
type Cursor struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Valid reports whether c is an ordered, non-negative range.
func (c Cursor) Valid() bool { return c.Start >= 0 && c.Start <= c.End }

// Collapsed reports whether c has no selection.
func (c Cursor) Collapsed() bool { return c.Start == c.End }

// RemoteCursor is another user's cursor as last received.
type RemoteCursor struct {
	UserID      string `json:"userId"`
	Start       int    `json:"start"`
	End         int    `json:"end"`
	TimestampMs int64  `json:"timestamp"`
}

// OnlineUser is one entry of a presence list.
type OnlineUser struct {
	UserID   string `json:"user_id"`
	Username string `json:"username,omitempty"`
}

// Channel carries cursor state for files.
type Channel interface {
	// EmitCursorUpdate publishes the local user's cursor. A nil cursor
	// clears it on every peer.
	EmitCursorUpdate(fileID string, cursor *Cursor)
	// OnCursorUpdate subscribes to the full cursor map of a file. The map is
	// owned by the handler. The returned func unsubscribes.
	OnCursorUpdate(fileID string, fn func(map[string]RemoteCursor)) func()
}

// PresenceSource reports who is online.
type PresenceSource interface {
	OnOnlineUsersUpdate(fn func([]OnlineUser)) func()
}

// ColorFunc returns a stable hex color for a user.
type ColorFunc func(userID string) string

// Deps is the collaboration context handed to emitters and renderers.
type Deps struct {
	Channel  Channel
	Presence PresenceSource
	Color    ColorFunc
}

func copyCursors(m map[string]RemoteCursor) map[string]RemoteCursor {
	out := make(map[string]RemoteCursor, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyUsers(users []OnlineUser) []OnlineUser {
	return append([]OnlineUser(nil), users...)
}
