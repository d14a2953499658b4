package relay

import (
	"errors"
	"sync"
	"testing"

	"github.com/mqy/chatrelay/wire"
)

// fakeConn records pushed events. failSend simulates a dead transport.
type fakeConn struct {
	mu       sync.Mutex
	events   []*wire.ServerEvent
	failSend bool
	kicked   bool
}

func (c *fakeConn) Send(ev *wire.ServerEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failSend {
		return errors.New("send failed")
	}
	c.events = append(c.events, ev)
	return nil
}

func (c *fakeConn) Kickoff() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kicked = true
}

func (c *fakeConn) kickedOff() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.kicked
}

func (c *fakeConn) pushed() []*wire.ServerEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*wire.ServerEvent, len(c.events))
	copy(out, c.events)
	return out
}

func TestRegisterUnregister(t *testing.T) {
	reg := NewRegistry()

	c1 := &fakeConn{}
	rec, err := reg.Register(c1, "alice", "sid-1")
	if err != nil {
		t.Fatalf("register error: %v", err)
	}
	if rec.UserID != "alice" || rec.SID != "sid-1" {
		t.Fatalf("unexpected record: %+v", rec)
	}

	conns, users := reg.Counts()
	if conns != 1 || users != 1 {
		t.Fatalf("counts: conns=%d users=%d", conns, users)
	}

	if _, err := reg.Register(c1, "alice", "sid-2"); err != ErrDuplicateConnection {
		t.Fatalf("want ErrDuplicateConnection, got: %v", err)
	}

	reg.Unregister(c1)
	reg.Unregister(c1) // no-op

	conns, users = reg.Counts()
	if conns != 0 || users != 0 {
		t.Fatalf("counts after unregister: conns=%d users=%d", conns, users)
	}
	if reg.RecordOf("alice") != nil {
		t.Fatalf("record should be gone")
	}
}

func TestRegisterSupersedesStaleConnection(t *testing.T) {
	reg := NewRegistry()
	router := NewRouter(reg)

	old := &fakeConn{}
	if _, err := reg.Register(old, "alice", "sid-old"); err != nil {
		t.Fatalf("register old: %v", err)
	}
	peer := &fakeConn{}
	if _, err := reg.Register(peer, "bob", "sid-bob"); err != nil {
		t.Fatalf("register peer: %v", err)
	}
	roomID := router.Join("alice", "bob")
	router.Join("bob", "alice")

	fresh := &fakeConn{}
	rec, err := reg.Register(fresh, "alice", "sid-new")
	if err != nil {
		t.Fatalf("register fresh: %v", err)
	}

	if !old.kickedOff() {
		t.Fatalf("stale connection was not kicked off")
	}
	if got := reg.RecordOf("alice"); got != rec {
		t.Fatalf("user must resolve to the fresh record")
	}
	conns, users := reg.Counts()
	if conns != 2 || users != 2 {
		t.Fatalf("counts: conns=%d users=%d", conns, users)
	}

	// The fresh connection starts with no room membership.
	if rooms := reg.RoomsOf("alice"); len(rooms) != 0 {
		t.Fatalf("fresh connection inherited rooms: %v", rooms)
	}
	for _, m := range router.MembersOf(roomID) {
		if m.SID == "sid-old" {
			t.Fatalf("stale record still a room member")
		}
	}

	// bob saw alice go offline when the stale record was dropped.
	var sawOffline bool
	for _, ev := range peer.pushed() {
		if v := ev.UserStatus; v != nil && v.UserID == "alice" && !v.Online {
			sawOffline = true
		}
	}
	if !sawOffline {
		t.Fatalf("peer missed the presence offline push")
	}
}

func TestUnregisterNotifiesRoomPeers(t *testing.T) {
	reg := NewRegistry()
	router := NewRouter(reg)

	alice := &fakeConn{}
	bob := &fakeConn{}
	reg.Register(alice, "alice", "sid-a")
	reg.Register(bob, "bob", "sid-b")
	router.Join("alice", "bob")
	router.Join("bob", "alice")

	reg.Unregister(alice)

	var sawOffline bool
	for _, ev := range bob.pushed() {
		if v := ev.UserStatus; v != nil && v.UserID == "alice" && !v.Online {
			sawOffline = true
		}
	}
	if !sawOffline {
		t.Fatalf("peer missed the presence offline push")
	}
	if rooms := reg.RoomsOf("bob"); len(rooms) != 1 {
		t.Fatalf("bob should keep his membership, rooms: %v", rooms)
	}
}
