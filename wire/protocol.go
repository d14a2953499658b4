// Package wire defines the JSON event protocol spoken between relay clients
// and the relay server. Both ends share these types: a ClientEvent carries
// exactly one request, a ServerEvent carries exactly one push.
package wire

import (
	"sort"
	"strings"
)

const (
	// RoomSeparator joins the two sorted member ids into a room id.
	RoomSeparator = ":"
)

// Message is a chat message. `Status` moves forward only, see status.go.
// `ID` is client-generated; the server assigns one if left empty.
type Message struct {
	ID          string `json:"id"`
	SenderID    string `json:"sender_id"`
	ReceiverID  string `json:"receiver_id"`
	Content     string `json:"content"`
	CreatedAt   int64  `json:"created_at"` // unix seconds
	Status      string `json:"status"`
	MessageType string `json:"message_type"`
}

// JoinChat asks the server to join the connection to the room shared with a peer.
type JoinChat struct {
	UserID string `json:"user_id"`
	ChatID string `json:"chat_id"`
}

// LeaveChat leaves a previously joined room.
type LeaveChat struct {
	ChatID string `json:"chat_id"`
}

// TypingStatus is ephemeral, last-write-wins per (user, chat), never persisted.
type TypingStatus struct {
	UserID   string `json:"user_id"`
	ChatID   string `json:"chat_id"`
	IsTyping bool   `json:"is_typing"`
}

// MessageStatus reports a delivery state transition for one message.
// Applying it is idempotent; stale transitions are dropped by the receiver.
type MessageStatus struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
	IsRead    bool   `json:"is_read"`
}

// UserStatus is the server presence push.
type UserStatus struct {
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
}

// Error is sent to a client on a rejected request. The connection stays open.
type Error struct {
	Code   int32    `json:"code,omitempty"`
	Params []string `json:"params,omitempty"`
}

// ClientEvent is the client request union: exactly one field is set.
type ClientEvent struct {
	JoinChat      *JoinChat      `json:"join_chat,omitempty"`
	LeaveChat     *LeaveChat     `json:"leave_chat,omitempty"`
	SendMessage   *Message       `json:"send_message,omitempty"`
	TypingStatus  *TypingStatus  `json:"typing_status,omitempty"`
	MessageStatus *MessageStatus `json:"message_status,omitempty"`
}

// ServerEvent is the server push union: exactly one field is set.
type ServerEvent struct {
	NewMessage          *Message       `json:"new_message,omitempty"`
	TypingUpdate        *TypingStatus  `json:"typing_update,omitempty"`
	MessageStatusUpdate *MessageStatus `json:"message_status_update,omitempty"`
	UserStatus          *UserStatus    `json:"user_status,omitempty"`
	Kickoff             bool           `json:"kickoff,omitempty"`
	Error               *Error         `json:"error,omitempty"`
}

// RoomID derives the room shared by two users. The pair is unordered:
// RoomID(a, b) == RoomID(b, a).
func RoomID(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return strings.Join(pair, RoomSeparator)
}
