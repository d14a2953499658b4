package client

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/mqy/chatrelay/chatstore"
	"github.com/mqy/chatrelay/wire"
)

const (
	// sweepInterval paces the durable-store backstop while a chat is open.
	sweepInterval = 5 * time.Second
	sweepPageSize = 50
)

// StatusSender reports a status transition over the live connection.
// The Manager satisfies it.
type StatusSender interface {
	SendStatus(su *wire.MessageStatus) error
}

// Tracker reconciles optimistic local delivery state with authoritative
// status updates from the relay, deduplicates re-delivered messages, and
// periodically sweeps the durable store for acknowledgments missed during
// disconnects. All of its transitions run through the same monotone state
// machine the relay uses, so any interleaving of live events, sweeps, and
// duplicates converges to the same state.
type Tracker struct {
	store  chatstore.API
	sender StatusSender
	userID string

	mu       sync.Mutex
	statuses map[string]string
	seen     map[string]struct{}
	// inflight guards each message id against concurrent duplicate
	// promotion by an overlapping sweep and live delivery.
	inflight map[string]struct{}
}

func NewTracker(store chatstore.API, sender StatusSender, userID string) *Tracker {
	return &Tracker{
		store:    store,
		sender:   sender,
		userID:   userID,
		statuses: make(map[string]string),
		seen:     make(map[string]struct{}),
		inflight: make(map[string]struct{}),
	}
}

// Status returns the local status of a message, "" if unknown.
func (t *Tracker) Status(messageID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.statuses[messageID]
}

// applyLocal runs the monotone state machine on local state.
func (t *Tracker) applyLocal(messageID, next string) (applied string, advanced bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur := t.statuses[messageID]
	applied, advanced = wire.AdvanceStatus(cur, next)
	if advanced {
		t.statuses[messageID] = applied
	}
	return applied, advanced
}

// OnNewMessage handles a new_message push as the receiver. It returns false
// for a duplicate re-delivery (reconnect-and-resend), which the UI should
// drop. A fresh message is promoted to delivered: durable store first, then
// the live status report; a dead connection only delays the report until
// the next sweep.
func (t *Tracker) OnNewMessage(ctx context.Context, msg *wire.Message) bool {
	if msg.ReceiverID != t.userID {
		return false
	}

	t.mu.Lock()
	if _, dup := t.seen[msg.ID]; dup {
		t.mu.Unlock()
		glog.V(5).Infof("tracker: duplicate delivery, id: %s", msg.ID)
		return false
	}
	t.seen[msg.ID] = struct{}{}
	t.mu.Unlock()

	t.applyLocal(msg.ID, msg.Status)
	t.promote(ctx, msg.ID)
	return true
}

// ApplyUpdate reconciles an authoritative message_status_update against
// local optimistic state. Stale updates are no-ops, never regressions.
func (t *Tracker) ApplyUpdate(su *wire.MessageStatus) (applied string, advanced bool) {
	applied, advanced = t.applyLocal(su.MessageID, su.Status)
	if !advanced {
		glog.V(5).Infof("tracker: stale status update, id: %s, have: %s, got: %s",
			su.MessageID, applied, su.Status)
	}
	return applied, advanced
}

// MarkViewed applies the read transition optimistically the instant the user
// sees the message, then reports it: durable store first, live relay after.
func (t *Tracker) MarkViewed(ctx context.Context, messageID string) {
	if _, advanced := t.applyLocal(messageID, wire.StatusRead); !advanced {
		return
	}

	if _, err := t.store.MarkRead(ctx, messageID, t.userID); err != nil {
		glog.Errorf("tracker: mark read failed, id: %s, err: %v", messageID, err)
	}
	t.report(messageID, wire.StatusRead)
}

// MarkConversationViewed marks everything from peerID as read, e.g. when the
// user opens the conversation.
func (t *Tracker) MarkConversationViewed(ctx context.Context, peerID string) {
	changed, err := t.store.MarkConversationRead(ctx, t.userID, peerID)
	if err != nil {
		glog.Errorf("tracker: mark conversation read failed, peer: %s, err: %v", peerID, err)
		return
	}
	for _, msg := range changed {
		t.applyLocal(msg.ID, wire.StatusRead)
		t.report(msg.ID, wire.StatusRead)
	}
}

// Run sweeps the durable store every sweepInterval while the chat with
// peerID is open, until ctx is canceled.
func (t *Tracker) Run(ctx context.Context, peerID string) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.Sweep(ctx, peerID); err != nil {
				glog.Errorf("tracker: sweep failed, peer: %s, err: %v", peerID, err)
			}
		}
	}
}

// Sweep is the correctness backstop for delivery events missed while
// disconnected: any message still `sent` with this user as receiver is
// promoted to delivered. Idempotent; already-promoted ids are skipped.
func (t *Tracker) Sweep(ctx context.Context, peerID string) error {
	msgs, err := t.store.GetMessages(ctx, t.userID, peerID, 1, sweepPageSize)
	if err != nil {
		return err
	}

	for _, msg := range msgs {
		if msg.ReceiverID != t.userID || msg.Status != wire.StatusSent {
			continue
		}
		if wire.StatusRank(t.Status(msg.ID)) >= wire.StatusRank(wire.StatusDelivered) {
			continue
		}
		t.promote(ctx, msg.ID)
	}
	return nil
}

// promote moves one received message to delivered exactly once even when a
// sweep races live delivery.
func (t *Tracker) promote(ctx context.Context, messageID string) {
	t.mu.Lock()
	if _, busy := t.inflight[messageID]; busy {
		t.mu.Unlock()
		return
	}
	t.inflight[messageID] = struct{}{}
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.inflight, messageID)
		t.mu.Unlock()
	}()

	if _, err := t.store.MarkDelivered(ctx, messageID); err != nil {
		glog.Errorf("tracker: mark delivered failed, id: %s, err: %v", messageID, err)
	}
	t.applyLocal(messageID, wire.StatusDelivered)
	t.report(messageID, wire.StatusDelivered)
}

// report sends a status transition over the live connection. Not connected
// is fine: the other side's sweep or our next one closes the gap.
func (t *Tracker) report(messageID, status string) {
	err := t.sender.SendStatus(&wire.MessageStatus{
		MessageID: messageID,
		Status:    status,
		IsRead:    status == wire.StatusRead,
	})
	if err != nil && err != ErrNotConnected {
		glog.Errorf("tracker: status report failed, id: %s, status: %s, err: %v", messageID, status, err)
	}
}
