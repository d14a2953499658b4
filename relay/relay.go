package relay

import (
	"github.com/golang/glog"

	"github.com/mqy/chatrelay/wire"
)

// Relay fans live events out to room members. It keeps no state of its own:
// a message passes through verbatim and is gone after fan-out. Persistence is
// the caller's concern and never gates delivery.
type Relay struct {
	router *Router
}

func NewRelay(router *Router) *Relay {
	return &Relay{router: router}
}

// Relay forwards msg to every live connection in the room derived from its
// sender/receiver pair, except the sender's own (single device per user, so
// the sender has nothing to echo to). One recipient's send failure never
// aborts delivery to the others. Returns the number of recipients reached;
// zero recipients is a pending state, not an error.
//
// The relay does not deduplicate by message id: a reconnect-and-resend is
// forwarded again, and the monotone status machine plus the client tracker's
// seen-id set collapse the duplicate where state actually lives.
func (r *Relay) Relay(msg *wire.Message) int {
	roomID := wire.RoomID(msg.SenderID, msg.ReceiverID)

	n := 0
	for _, rec := range r.router.MembersOf(roomID) {
		if rec.UserID == msg.SenderID {
			continue
		}
		if err := rec.Conn.Send(&wire.ServerEvent{NewMessage: msg}); err != nil {
			glog.Errorf("relay: message send failed, room: %s, to: %s, id: %s, err: %v",
				roomID, rec.UserID, msg.ID, err)
			continue
		}
		n++
	}

	if n > 0 {
		messagesRelayed.Inc()
	}
	glog.V(5).Infof("relay: message %s, room: %s, recipients: %d", msg.ID, roomID, n)
	return n
}

// RelayTyping forwards a typing indicator to room peers, never back to the
// typist. Typing state is ephemeral: dropped sends are not retried.
func (r *Relay) RelayTyping(ts *wire.TypingStatus) int {
	n := 0
	for _, rec := range r.router.MembersOf(ts.ChatID) {
		if rec.UserID == ts.UserID {
			continue
		}
		if err := rec.Conn.Send(&wire.ServerEvent{TypingUpdate: ts}); err != nil {
			glog.Errorf("relay: typing send failed, room: %s, to: %s, err: %v",
				ts.ChatID, rec.UserID, err)
			continue
		}
		n++
	}
	return n
}

// RelayStatus rebroadcasts an accepted status transition to the whole room.
// Both parties consume it: the sender reconciles its optimistic state, the
// reporter's own tracker treats the echo as an idempotent no-op.
func (r *Relay) RelayStatus(roomID string, su *wire.MessageStatus) int {
	n := 0
	for _, rec := range r.router.MembersOf(roomID) {
		if err := rec.Conn.Send(&wire.ServerEvent{MessageStatusUpdate: su}); err != nil {
			glog.Errorf("relay: status send failed, room: %s, to: %s, message: %s, err: %v",
				roomID, rec.UserID, su.MessageID, err)
			continue
		}
		n++
	}
	return n
}
