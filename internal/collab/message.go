package collab

import (
	"encoding/json"
)

// MessageType tags a wire message.
type MessageType string

const (
	TypeJoin        MessageType = "join"
	TypeLeave       MessageType = "leave"
	TypeCursor      MessageType = "skill_cursor"
	TypeOnlineUsers MessageType = "online_users"
)

// Message is the envelope exchanged with the hub. Cursor is nil both for an
// explicit clear and for a missing or malformed payload.
type Message struct {
	Type      MessageType  `json:"type"`
	FileID    string       `json:"fileId,omitempty"`
	UserID    string       `json:"userId,omitempty"`
	Username  string       `json:"username,omitempty"`
	ConnID    string       `json:"connId,omitempty"`
	Cursor    *Cursor      `json:"cursor"`
	Users     []OnlineUser `json:"users,omitempty"`
	Timestamp int64        `json:"timestamp,omitempty"`
}

type wireCursor struct {
	Start *int `json:"start"`
	End   *int `json:"end"`
}

// UnmarshalJSON decodes a message, treating any cursor payload that is not a
// well-formed ordered range as absent.
func (m *Message) UnmarshalJSON(data []byte) error {
	type plain Message
	var raw struct {
		plain
		Cursor json.RawMessage `json:"cursor"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = Message(raw.plain)
	m.Cursor = parseCursor(raw.Cursor)
	return nil
}

func parseCursor(raw json.RawMessage) *Cursor {
	if len(raw) == 0 {
		return nil
	}
	var w wireCursor
	if err := json.Unmarshal(raw, &w); err != nil || w.Start == nil || w.End == nil {
		return nil
	}
	c := Cursor{Start: *w.Start, End: *w.End}
	if !c.Valid() {
		return nil
	}
	return &c
}

// Decode parses one wire frame.
func Decode(data []byte) (Message, error) {
	var m Message
	err := json.Unmarshal(data, &m)
	return m, err
}

// Encode serializes m.
func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}
