package relay

import (
	"testing"

	"github.com/mqy/chatrelay/wire"
)

func newTestRoom(t *testing.T) (*Relay, *fakeConn, *fakeConn, string) {
	t.Helper()
	reg := NewRegistry()
	router := NewRouter(reg)

	alice := &fakeConn{}
	bob := &fakeConn{}
	if _, err := reg.Register(alice, "alice", "sid-a"); err != nil {
		t.Fatalf("register alice: %v", err)
	}
	if _, err := reg.Register(bob, "bob", "sid-b"); err != nil {
		t.Fatalf("register bob: %v", err)
	}
	roomID := router.Join("alice", "bob")
	router.Join("bob", "alice")
	return NewRelay(router), alice, bob, roomID
}

func TestRelaySkipsSender(t *testing.T) {
	relay, alice, bob, _ := newTestRoom(t)

	msg := &wire.Message{ID: "m1", SenderID: "alice", ReceiverID: "bob", Content: "hi"}
	if n := relay.Relay(msg); n != 1 {
		t.Fatalf("want 1 recipient, got %d", n)
	}

	var got *wire.Message
	for _, ev := range bob.pushed() {
		if ev.NewMessage != nil {
			got = ev.NewMessage
		}
	}
	if got == nil || got.ID != "m1" {
		t.Fatalf("bob did not receive the message, got: %+v", got)
	}
	for _, ev := range alice.pushed() {
		if ev.NewMessage != nil {
			t.Fatalf("message echoed back to sender")
		}
	}
}

func TestRelayToEmptyRoom(t *testing.T) {
	reg := NewRegistry()
	relay := NewRelay(NewRouter(reg))

	msg := &wire.Message{ID: "m1", SenderID: "alice", ReceiverID: "bob", Content: "hi"}
	if n := relay.Relay(msg); n != 0 {
		t.Fatalf("want 0 recipients, got %d", n)
	}
}

func TestRelaySendFailureIsIsolated(t *testing.T) {
	reg := NewRegistry()
	router := NewRouter(reg)

	dead := &fakeConn{failSend: true}
	bob := &fakeConn{}
	reg.Register(dead, "alice", "sid-a")
	reg.Register(bob, "bob", "sid-b")
	roomID := router.Join("alice", "bob")
	router.Join("bob", "alice")

	relay := NewRelay(router)

	// bob reports a status; the broadcast targets the whole room and the
	// dead member's failure must not block bob's own copy.
	su := &wire.MessageStatus{MessageID: "m1", Status: wire.StatusDelivered}
	if n := relay.RelayStatus(roomID, su); n != 1 {
		t.Fatalf("want 1 delivery despite dead member, got %d", n)
	}

	var sawStatus bool
	for _, ev := range bob.pushed() {
		if v := ev.MessageStatusUpdate; v != nil && v.MessageID == "m1" {
			sawStatus = true
		}
	}
	if !sawStatus {
		t.Fatalf("healthy member missed the status broadcast")
	}
}

func TestRelayTypingSkipsTypist(t *testing.T) {
	relay, alice, bob, roomID := newTestRoom(t)

	ts := &wire.TypingStatus{UserID: "alice", ChatID: roomID, IsTyping: true}
	if n := relay.RelayTyping(ts); n != 1 {
		t.Fatalf("want 1 recipient, got %d", n)
	}

	var sawTyping bool
	for _, ev := range bob.pushed() {
		if v := ev.TypingUpdate; v != nil && v.UserID == "alice" && v.IsTyping {
			sawTyping = true
		}
	}
	if !sawTyping {
		t.Fatalf("bob missed the typing update")
	}
	for _, ev := range alice.pushed() {
		if ev.TypingUpdate != nil {
			t.Fatalf("typing echoed back to typist")
		}
	}
}

func TestRelayStatusReachesBothParties(t *testing.T) {
	relay, alice, bob, roomID := newTestRoom(t)

	su := &wire.MessageStatus{MessageID: "m1", Status: wire.StatusRead, IsRead: true}
	if n := relay.RelayStatus(roomID, su); n != 2 {
		t.Fatalf("want 2 deliveries, got %d", n)
	}
	for name, c := range map[string]*fakeConn{"alice": alice, "bob": bob} {
		var saw bool
		for _, ev := range c.pushed() {
			if v := ev.MessageStatusUpdate; v != nil && v.MessageID == "m1" {
				saw = true
			}
		}
		if !saw {
			t.Fatalf("%s missed the status broadcast", name)
		}
	}
}
