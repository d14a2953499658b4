package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/mqy/chatrelay/relay"
	"github.com/mqy/chatrelay/wire"
)

type SessionError int

const (
	ReadError  SessionError = 1
	WriteError SessionError = 2
	PingError  SessionError = 3
	BadRequest SessionError = 4
	ServerStop SessionError = 5
	KickedOff  SessionError = 6
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 3 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	// Recommend configure nginx with `keep-alive_timeout` >= 65s.
	pingPeriod = 20 * time.Second

	// A connection with no pong within this interval is treated as dead
	// and unregistered, which triggers presence-offline.
	pongWait = 60 * time.Second

	// websocket max message size to read.
	readLimit = 8192
)

const (
	ErrorCodeInvalidArguments = 3
	ErrorCodeInternal         = 13
)

var errSessionClosed = errors.New("ws: session closed")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Fix error: request origin not allowed by Upgrader.CheckOrigin
	CheckOrigin: func(r *http.Request) bool {
		// When the node is behind nginx: host=ws-backend, see dev/nginx.conf.
		// TODO: possible SECURITY LEAK.
		return true
	},
}

// Handler manages an active connection to one end user.
// Every new websocket connection creates a new session.
type Handler struct {
	sync.Mutex

	hub *Hub

	userID     string
	sid        string
	createTime int64

	conn *websocket.Conn

	dataChan chan *sessionData

	closing bool
}

// sessionData is the data structure for `dataChan`.
type sessionData struct {
	err SessionError
	ev  *wire.ServerEvent
}

func (h *Handler) String() string {
	return fmt.Sprintf("{uid: %s, sid: %s}", h.userID, h.sid)
}

// Send implements relay.Conn. It enqueues without blocking: a full buffer
// means the peer stopped draining, and stalling the fan-out path over one
// slow connection would serialize every room behind it.
func (h *Handler) Send(ev *wire.ServerEvent) error {
	return h.appendDataChan(&sessionData{ev: ev})
}

// Kickoff implements relay.Conn. The peer gets a kickoff event so it knows
// not to reconnect-and-race; the session closes after the write.
func (h *Handler) Kickoff() {
	_ = h.appendDataChan(&sessionData{ev: &wire.ServerEvent{Kickoff: true}})
}

func (h *Handler) close(cause SessionError) {
	h.Lock()
	defer h.Unlock()
	if h.closing {
		return
	}

	h.closing = true

	h.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = h.conn.WriteMessage(websocket.CloseMessage, []byte{})
	h.conn.Close()

	close(h.dataChan)

	if cause != ServerStop {
		glog.V(5).Infof("session closed, cause: %d, %s", cause, h)
		// Ask the hub to drop this handler and its registry record.
		h.hub.delHandler(h)
	}
}

func (h *Handler) appendDataChan(v *sessionData) error {
	h.Lock()
	defer h.Unlock()
	if h.closing {
		return errSessionClosed
	}
	select {
	case h.dataChan <- v:
		return nil
	default:
		return fmt.Errorf("ws: send buffer full, session: %s", h)
	}
}

func sendServerEvent(conn *websocket.Conn, ev *wire.ServerEvent) error {
	out, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, out)
}

func (h *Handler) errorEvent(code int32, params ...string) {
	_ = h.appendDataChan(&sessionData{ev: &wire.ServerEvent{
		Error: &wire.Error{Code: code, Params: params},
	}})
}

func (h *Handler) recvLoop() {
	defer func() { glog.V(5).Infof("recvLoop(): exited, session: %s", h) }()

	h.conn.SetReadLimit(readLimit)
	h.conn.SetReadDeadline(time.Now().Add(pongWait))
	h.conn.SetPongHandler(func(s string) error {
		h.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for !h.closing {
		msgType, msg, err := h.conn.ReadMessage()
		if err != nil {
			glog.Errorf("recvLoop(): read error: %v", err)
			_ = h.appendDataChan(&sessionData{err: ReadError})
			return
		}

		glog.V(5).Infof("recvLoop(): incoming client event: %v", string(msg))

		if msgType != websocket.TextMessage {
			glog.Errorf("recvLoop(): unexpected message type: %d", msgType)
			h.errorEvent(ErrorCodeInvalidArguments, "websocket only supports TextMessage")
			_ = h.appendDataChan(&sessionData{err: BadRequest})
			return
		}

		req := wire.ClientEvent{}
		if err := json.Unmarshal(msg, &req); err != nil {
			glog.Errorf("recvLoop(): event error: msg: %s, err: %v", string(msg), err)
			h.errorEvent(ErrorCodeInvalidArguments, fmt.Sprintf("unmarshal error: %v", err))
			_ = h.appendDataChan(&sessionData{err: BadRequest})
			return
		}

		h.hub.dispatch(h, &req)
	}
}

func (h *Handler) sendLoop() {
	pingTicker := time.NewTicker(pingPeriod)
	defer func() {
		pingTicker.Stop()
		glog.V(5).Infof("sendLoop(): exited, session: %s", h)
	}()

	for {
		select {
		case v, ok := <-h.dataChan:
			if !ok { // chan was closed
				h.conn.Close()
				glog.V(5).Infof("sendLoop(): data chan closed, session: %s", h)
				return
			}

			if v.err > 0 {
				h.close(v.err)
				return
			} else if v.ev == nil {
				// should not happen.
				panic(fmt.Sprintf("sendLoop(), unknown data from dataChan: %#+v", v))
			}

			if err := sendServerEvent(h.conn, v.ev); err != nil {
				glog.Errorf("sendLoop(), error write event. session: %s, err: %v", h, err)
				_ = h.appendDataChan(&sessionData{err: WriteError})
				return
			}
			if v.ev.Kickoff {
				h.close(KickedOff)
			}
		case <-pingTicker.C:
			h.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := h.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				glog.Errorf("sendLoop(), error write ping message. session: %s, err: %v", h, err)
				_ = h.appendDataChan(&sessionData{err: PingError})
				return
			}
		}
	}
}

// compile-time check: Handler is a relay transport handle.
var _ relay.Conn = (*Handler)(nil)
