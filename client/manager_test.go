package client

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mqy/chatrelay/wire"
)

// testServer is a minimal relay endpoint: it records inbound client events
// and lets the test push server events or drop the connection.
type testServer struct {
	t  *testing.T
	ts *httptest.Server

	clientEvents chan *wire.ClientEvent
	uids         chan string

	mu    sync.Mutex
	conns []*websocket.Conn
	dials int
}

func newTestServer(t *testing.T) *testServer {
	s := &testServer{
		t:            t,
		clientEvents: make(chan *wire.ClientEvent, 16),
		uids:         make(chan string, 16),
	}
	upgrader := websocket.Upgrader{}
	s.ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.dials++
		s.mu.Unlock()
		s.uids <- r.URL.Query().Get("uid")

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var ev wire.ClientEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				t.Logf("bad client event: %s", data)
				continue
			}
			s.clientEvents <- &ev
		}
	}))
	t.Cleanup(s.ts.Close)
	return s
}

func (s *testServer) url() string {
	return "ws" + strings.TrimPrefix(s.ts.URL, "http")
}

func (s *testServer) dialCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

func (s *testServer) push(ev *wire.ServerEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.t.Fatalf("marshal server event: %v", err)
	}
	s.mu.Lock()
	conn := s.conns[len(s.conns)-1]
	s.mu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.t.Fatalf("push server event: %v", err)
	}
}

func (s *testServer) dropConns() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

func waitClientEvent(t *testing.T, s *testServer) *wire.ClientEvent {
	t.Helper()
	select {
	case ev := <-s.clientEvents:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for client event")
		return nil
	}
}

func waitConnChange(t *testing.T, ch <-chan bool, want bool) {
	t.Helper()
	select {
	case got := <-ch:
		if got != want {
			t.Fatalf("connection change: got %v, want %v", got, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for connection change %v", want)
	}
}

func fastConf(addrs []string, userID string) Conf {
	return Conf{
		Addrs:          addrs,
		UserID:         userID,
		DialTimeout:    time.Second,
		CandidateDelay: 10 * time.Millisecond,
		ListCooldown:   20 * time.Millisecond,
	}
}

func TestNewManagerValidation(t *testing.T) {
	if _, err := NewManager(Conf{UserID: "alice"}); err == nil {
		t.Fatalf("empty address list accepted")
	}
	if _, err := NewManager(Conf{Addrs: []string{"ws://x/ws"}}); err == nil {
		t.Fatalf("empty user id accepted")
	}
}

func TestSendFailsFastWhenDisconnected(t *testing.T) {
	m, err := NewManager(fastConf([]string{"ws://127.0.0.1:1/ws"}, "alice"))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if err := m.SendMessage(&wire.Message{ID: "m1"}); err != ErrNotConnected {
		t.Fatalf("want ErrNotConnected, got: %v", err)
	}
	if err := m.SendStatus(&wire.MessageStatus{MessageID: "m1"}); err != ErrNotConnected {
		t.Fatalf("want ErrNotConnected, got: %v", err)
	}
}

func TestConnectSkipsDeadCandidate(t *testing.T) {
	srv := newTestServer(t)

	// first candidate refuses connections, the manager moves on
	m, err := NewManager(fastConf([]string{"ws://127.0.0.1:1/ws", srv.url()}, "alice"))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	connCh := make(chan bool, 4)
	m.OnConnectionChange(func(up bool) { connCh <- up })

	m.Connect()
	defer m.Close()

	waitConnChange(t, connCh, true)
	if m.State() != StateConnected {
		t.Fatalf("state: %v", m.State())
	}

	select {
	case uid := <-srv.uids:
		if uid != "alice" {
			t.Fatalf("server saw uid %q", uid)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("server never saw the connection")
	}
}

func TestJoinReplayedAfterReconnect(t *testing.T) {
	srv := newTestServer(t)

	m, err := NewManager(fastConf([]string{srv.url()}, "alice"))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	connCh := make(chan bool, 8)
	m.OnConnectionChange(func(up bool) { connCh <- up })

	m.Connect()
	defer m.Close()
	waitConnChange(t, connCh, true)

	chatID := m.JoinChat("bob")
	if chatID != wire.RoomID("alice", "bob") {
		t.Fatalf("chat id: %s", chatID)
	}
	ev := waitClientEvent(t, srv)
	if ev.JoinChat == nil || ev.JoinChat.ChatID != chatID {
		t.Fatalf("want join_chat, got: %+v", ev)
	}

	// the server drops the connection; the manager reconnects and
	// re-issues the join on its own
	srv.dropConns()
	waitConnChange(t, connCh, false)
	waitConnChange(t, connCh, true)

	ev = waitClientEvent(t, srv)
	if ev.JoinChat == nil || ev.JoinChat.ChatID != chatID {
		t.Fatalf("join not replayed, got: %+v", ev)
	}
}

func TestJoinQueuedUntilConnected(t *testing.T) {
	srv := newTestServer(t)

	m, err := NewManager(fastConf([]string{srv.url()}, "alice"))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	// join before Connect: queued, not dropped
	chatID := m.JoinChat("bob")

	connCh := make(chan bool, 4)
	m.OnConnectionChange(func(up bool) { connCh <- up })
	m.Connect()
	defer m.Close()
	waitConnChange(t, connCh, true)

	ev := waitClientEvent(t, srv)
	if ev.JoinChat == nil || ev.JoinChat.ChatID != chatID {
		t.Fatalf("queued join not sent, got: %+v", ev)
	}
}

func TestKickoffStopsReconnect(t *testing.T) {
	srv := newTestServer(t)

	m, err := NewManager(fastConf([]string{srv.url()}, "alice"))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	connCh := make(chan bool, 4)
	m.OnConnectionChange(func(up bool) { connCh <- up })

	m.Connect()
	defer m.Close()
	waitConnChange(t, connCh, true)

	srv.push(&wire.ServerEvent{Kickoff: true})
	waitConnChange(t, connCh, false)

	// give a would-be reconnect time to happen
	time.Sleep(200 * time.Millisecond)
	if n := srv.dialCount(); n != 1 {
		t.Fatalf("manager reconnected after kickoff, dials: %d", n)
	}
	if m.State() != StateDisconnected {
		t.Fatalf("state after kickoff: %v", m.State())
	}
}

func TestServerPushesReachObservers(t *testing.T) {
	srv := newTestServer(t)

	m, err := NewManager(fastConf([]string{srv.url()}, "bob"))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	connCh := make(chan bool, 4)
	m.OnConnectionChange(func(up bool) { connCh <- up })

	msgCh := make(chan *wire.Message, 1)
	m.OnMessage(func(msg *wire.Message) { msgCh <- msg })
	statusCh := make(chan *wire.MessageStatus, 1)
	m.OnStatusUpdate(func(su *wire.MessageStatus) { statusCh <- su })

	m.Connect()
	defer m.Close()
	waitConnChange(t, connCh, true)

	srv.push(&wire.ServerEvent{NewMessage: &wire.Message{ID: "m1", SenderID: "alice", ReceiverID: "bob", Content: "hi"}})
	select {
	case msg := <-msgCh:
		if msg.ID != "m1" || msg.Content != "hi" {
			t.Fatalf("unexpected message: %+v", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("message never reached the observer")
	}

	srv.push(&wire.ServerEvent{MessageStatusUpdate: &wire.MessageStatus{MessageID: "m1", Status: wire.StatusRead, IsRead: true}})
	select {
	case su := <-statusCh:
		if su.MessageID != "m1" || su.Status != wire.StatusRead {
			t.Fatalf("unexpected status: %+v", su)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("status never reached the observer")
	}
}

func TestObserverPanicIsolated(t *testing.T) {
	var s handlerSet[int]

	var got []int
	s.subscribe(func(int) { panic("boom") })
	s.subscribe(func(v int) { got = append(got, v) })

	s.notify(7)
	if len(got) != 1 || got[0] != 7 {
		t.Fatalf("healthy observer starved: %v", got)
	}
}

func TestUnsubscribe(t *testing.T) {
	var s handlerSet[int]

	var calls int
	unsub := s.subscribe(func(int) { calls++ })
	s.notify(1)
	unsub()
	s.notify(2)
	if calls != 1 {
		t.Fatalf("want 1 call, got %d", calls)
	}
}
