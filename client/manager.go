// Package client owns the user side of the relay protocol: one physical
// websocket connection with candidate-address failover, and the delivery
// tracker that keeps per-message state consistent across reconnects.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/mqy/chatrelay/wire"
)

// ErrNotConnected is returned on send/status calls with no live transport.
// The caller decides whether to persist-and-retry through the durable store.
var ErrNotConnected = errors.New("client: not connected")

// State is the connection manager's lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

const (
	writeWait = 3 * time.Second

	// A connection with no server ping within this interval is dead.
	readWait = 60 * time.Second

	defaultDialTimeout     = 5 * time.Second
	defaultCandidateDelay  = 500 * time.Millisecond
	defaultListCooldown    = 2 * time.Second
	defaultLongCooldown    = 30 * time.Second
	defaultMaxListFailures = 5
)

// Conf configures the manager's failover policy.
type Conf struct {
	// Addrs is the ordered candidate server list, full websocket URLs.
	Addrs []string
	// UserID is forwarded to the relay for authentication.
	UserID string

	// DialTimeout bounds one connect attempt per candidate.
	DialTimeout time.Duration
	// CandidateDelay is the short fixed delay before trying the next
	// candidate after a connection error.
	CandidateDelay time.Duration
	// ListCooldown is the base cool-down after exhausting the whole list;
	// it grows linearly with consecutive full-list failures.
	ListCooldown time.Duration
	// MaxListFailures full-list failures escalate to LongCooldown.
	MaxListFailures int
	// LongCooldown is the retry-storm brake. The manager never aborts:
	// the app has no alternative transport.
	LongCooldown time.Duration
}

func (c *Conf) withDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.CandidateDelay <= 0 {
		c.CandidateDelay = defaultCandidateDelay
	}
	if c.ListCooldown <= 0 {
		c.ListCooldown = defaultListCooldown
	}
	if c.MaxListFailures <= 0 {
		c.MaxListFailures = defaultMaxListFailures
	}
	if c.LongCooldown <= 0 {
		c.LongCooldown = defaultLongCooldown
	}
}

// Manager owns one physical connection to the relay. The lifecycle is an
// explicit state machine, Disconnected -> Connecting(candidate) ->
// Connected, with timed transitions back to Connecting on error, so the
// failover policy is testable on its own.
//
// The server holds no session continuity across a reconnect: the manager
// re-issues join_chat for the most recently joined room by itself.
type Manager struct {
	conf Conf

	mu        sync.Mutex
	state     State
	candidate int
	conn      *websocket.Conn
	cancel    context.CancelFunc
	lastJoin  *wire.JoinChat
	kicked    bool

	// writeMu serializes websocket writes.
	writeMu sync.Mutex

	onMessage    handlerSet[*wire.Message]
	onTyping     handlerSet[*wire.TypingStatus]
	onStatus     handlerSet[*wire.MessageStatus]
	onUserStatus handlerSet[*wire.UserStatus]
	onConnChange handlerSet[bool]
}

func NewManager(conf Conf) (*Manager, error) {
	if len(conf.Addrs) == 0 {
		return nil, fmt.Errorf("client: at least one server address is required")
	}
	if conf.UserID == "" {
		return nil, fmt.Errorf("client: user id is required")
	}
	conf.withDefaults()
	return &Manager{conf: conf}, nil
}

// Connect starts the connection loop. Calling it while already connecting or
// connected is a no-op.
func (m *Manager) Connect() {
	m.mu.Lock()
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return
	}
	m.state = StateConnecting
	m.candidate = 0
	m.kicked = false
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.mu.Unlock()

	go m.run(ctx)
}

// Close stops the loop and drops any live connection.
func (m *Manager) Close() {
	m.mu.Lock()
	cancel := m.cancel
	conn := m.conn
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
}

// State reports the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// run cycles candidates until canceled or kicked off. After a live session
// drops, the cycle restarts from the first candidate.
func (m *Manager) run(ctx context.Context) {
	defer m.setState(StateDisconnected)

	listFailures := 0
	for ctx.Err() == nil {
		connected := false

		for i := range m.conf.Addrs {
			if ctx.Err() != nil {
				return
			}
			addr := m.conf.Addrs[i]
			m.setCandidate(i)

			conn, err := m.dial(ctx, addr)
			if err != nil {
				glog.Errorf("client: connect error, addr: %s, err: %v", addr, err)
				select {
				case <-time.After(m.conf.CandidateDelay):
				case <-ctx.Done():
					return
				}
				continue
			}

			listFailures = 0
			connected = true
			glog.Infof("client: connected, addr: %s, user: %s", addr, m.conf.UserID)
			m.attach(conn)
			m.onConnChange.notify(true)
			m.replayJoin()

			m.readLoop(ctx, conn)

			m.detach(conn)
			m.onConnChange.notify(false)

			if m.kickedOff() {
				glog.Infof("client: kicked off, user: %s, not reconnecting", m.conf.UserID)
				return
			}
			break // session ended: restart the cycle from the first candidate
		}

		if ctx.Err() != nil {
			return
		}
		if !connected {
			listFailures++
			cooldown := time.Duration(listFailures) * m.conf.ListCooldown
			if listFailures >= m.conf.MaxListFailures {
				cooldown = m.conf.LongCooldown
			}
			glog.Errorf("client: all %d candidates failed (round %d), cooling down %s",
				len(m.conf.Addrs), listFailures, cooldown)
			select {
			case <-time.After(cooldown):
			case <-ctx.Done():
				return
			}
		}
	}
}

func (m *Manager) dial(ctx context.Context, addr string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: m.conf.DialTimeout}
	dialCtx, cancel := context.WithTimeout(ctx, m.conf.DialTimeout)
	defer cancel()

	url := addr
	if !strings.Contains(url, "?") {
		url += "?uid=" + m.conf.UserID
	}
	conn, _, err := dialer.DialContext(dialCtx, url, nil)
	return conn, err
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *Manager) setCandidate(i int) {
	m.mu.Lock()
	m.state = StateConnecting
	m.candidate = i
	m.mu.Unlock()
}

func (m *Manager) attach(conn *websocket.Conn) {
	m.mu.Lock()
	m.state = StateConnected
	m.conn = conn
	m.mu.Unlock()
}

func (m *Manager) detach(conn *websocket.Conn) {
	conn.Close()
	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
	}
	m.state = StateConnecting
	m.mu.Unlock()
}

func (m *Manager) kickedOff() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.kicked
}

// readLoop consumes server events until the connection dies. The server
// pings on its heartbeat period; answering pongs refreshes our own deadline.
func (m *Manager) readLoop(ctx context.Context, conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(readWait))
		return conn.WriteControl(websocket.PongMessage, nil, time.Now().Add(writeWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				glog.Errorf("client: read error: %v", err)
			}
			return
		}

		var ev wire.ServerEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			glog.Errorf("client: bad server event: `%s`, err: %v", data, err)
			continue
		}

		if v := ev.NewMessage; v != nil {
			m.onMessage.notify(v)
		} else if v := ev.TypingUpdate; v != nil {
			m.onTyping.notify(v)
		} else if v := ev.MessageStatusUpdate; v != nil {
			m.onStatus.notify(v)
		} else if v := ev.UserStatus; v != nil {
			m.onUserStatus.notify(v)
		} else if ev.Kickoff {
			// Another connection of this user superseded us.
			m.mu.Lock()
			m.kicked = true
			m.mu.Unlock()
			return
		} else if v := ev.Error; v != nil {
			glog.Errorf("client: server error event: code: %d, params: %v", v.Code, v.Params)
		}
	}
}

// replayJoin re-issues the most recent join after a (re)connect.
func (m *Manager) replayJoin() {
	m.mu.Lock()
	join := m.lastJoin
	m.mu.Unlock()
	if join == nil {
		return
	}
	if err := m.send(&wire.ClientEvent{JoinChat: join}); err != nil {
		glog.Errorf("client: join replay failed, chat: %s, err: %v", join.ChatID, err)
	}
}

// JoinChat joins the conversation with peerID and returns its chat id. If
// not yet connected, the join is queued and replayed automatically once the
// connection succeeds; it is never dropped silently.
func (m *Manager) JoinChat(peerID string) string {
	chatID := wire.RoomID(m.conf.UserID, peerID)
	join := &wire.JoinChat{UserID: m.conf.UserID, ChatID: chatID}

	m.mu.Lock()
	m.lastJoin = join
	connected := m.state == StateConnected
	m.mu.Unlock()

	if connected {
		if err := m.send(&wire.ClientEvent{JoinChat: join}); err != nil {
			glog.Errorf("client: join send failed, chat: %s, err: %v, queued for replay", chatID, err)
		}
	}
	return chatID
}

// LeaveChat leaves chatID and clears it from reconnect replay.
func (m *Manager) LeaveChat(chatID string) {
	m.mu.Lock()
	if m.lastJoin != nil && m.lastJoin.ChatID == chatID {
		m.lastJoin = nil
	}
	connected := m.state == StateConnected
	m.mu.Unlock()

	if connected {
		if err := m.send(&wire.ClientEvent{LeaveChat: &wire.LeaveChat{ChatID: chatID}}); err != nil {
			glog.Errorf("client: leave send failed, chat: %s, err: %v", chatID, err)
		}
	}
}

// SendMessage fails fast with ErrNotConnected: there is no queueing at this
// layer, the caller persists and retries through the durable store instead.
func (m *Manager) SendMessage(msg *wire.Message) error {
	return m.send(&wire.ClientEvent{SendMessage: msg})
}

// SendStatus reports a delivery state transition.
func (m *Manager) SendStatus(su *wire.MessageStatus) error {
	return m.send(&wire.ClientEvent{MessageStatus: su})
}

// SendTyping reports a typing indicator, best effort.
func (m *Manager) SendTyping(chatID string, isTyping bool) error {
	return m.send(&wire.ClientEvent{TypingStatus: &wire.TypingStatus{
		UserID:   m.conf.UserID,
		ChatID:   chatID,
		IsTyping: isTyping,
	}})
}

func (m *Manager) send(ev *wire.ClientEvent) error {
	m.mu.Lock()
	conn := m.conn
	connected := m.state == StateConnected
	m.mu.Unlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// OnMessage subscribes to new_message pushes.
func (m *Manager) OnMessage(fn func(*wire.Message)) (unsubscribe func()) {
	return m.onMessage.subscribe(fn)
}

// OnTyping subscribes to typing_update pushes.
func (m *Manager) OnTyping(fn func(*wire.TypingStatus)) (unsubscribe func()) {
	return m.onTyping.subscribe(fn)
}

// OnStatusUpdate subscribes to message_status_update pushes.
func (m *Manager) OnStatusUpdate(fn func(*wire.MessageStatus)) (unsubscribe func()) {
	return m.onStatus.subscribe(fn)
}

// OnUserStatus subscribes to presence pushes.
func (m *Manager) OnUserStatus(fn func(*wire.UserStatus)) (unsubscribe func()) {
	return m.onUserStatus.subscribe(fn)
}

// OnConnectionChange subscribes to connect/disconnect transitions.
func (m *Manager) OnConnectionChange(fn func(bool)) (unsubscribe func()) {
	return m.onConnChange.subscribe(fn)
}
