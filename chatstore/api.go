// Package chatstore is the record-oriented API of the durable message store.
// The store, not the relay, is the system of record for message content and
// status: the relay forwards live events and this package catches up with
// them asynchronously.
package chatstore

import (
	"context"
	"errors"

	"github.com/mqy/chatrelay/wire"
)

// ErrNotFound is returned when a message id has no row.
var ErrNotFound = errors.New("chatstore: message not found")

// API is the external collaborator interface consumed by the relay boundary
// and by the client-side delivery tracker. Every status mutation is monotone
// and idempotent at the store level: a stale or repeated update changes
// nothing and is not an error.
type API interface {
	// SendMessage creates and persists a new message with a store-assigned
	// id, status `sent`.
	SendMessage(ctx context.Context, senderID, receiverID, content, msgType string) (*wire.Message, error)

	// SaveMessage persists a message already stamped by the relay boundary
	// (client-generated id). Saving the same id twice is a no-op, which
	// makes the at-least-once persistence pipeline safe to replay.
	SaveMessage(ctx context.Context, msg *wire.Message) error

	// GetMessages fetches the conversation between two users, newest first.
	// Pages are 1-based.
	GetMessages(ctx context.Context, userA, userB string, page, pageSize int) ([]*wire.Message, error)

	// MarkDelivered promotes a message from `sent` to `delivered` and
	// returns its current row. Already delivered or read: no-op.
	MarkDelivered(ctx context.Context, messageID string) (*wire.Message, error)

	// MarkRead promotes a message to `read`. Only the receiver may mark;
	// readerID guards against the sender reading its own message back.
	MarkRead(ctx context.Context, messageID, readerID string) (*wire.Message, error)

	// MarkConversationRead promotes every message from senderID to readerID
	// that is not yet read, returning the rows that changed.
	MarkConversationRead(ctx context.Context, readerID, senderID string) ([]*wire.Message, error)

	Close() error
}
