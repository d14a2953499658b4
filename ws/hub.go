package ws

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/pborman/uuid"

	"github.com/mqy/chatrelay/auth"
	"github.com/mqy/chatrelay/relay"
	"github.com/mqy/chatrelay/wire"
)

const (
	// Interval between status tracker sweeps, and the age at which an
	// untouched per-message status entry is dropped.
	statusSweepInterval = 5 * time.Minute
	statusEntryTTL      = time.Hour
)

// Producer is the async durable-write boundary. Publish must not gate the
// live fan-out path: failures are a recoverable inconsistency, not a reason
// to abort delivery.
type Producer interface {
	Publish(ctx context.Context, msg *wire.Message) error
}

// Conf carries the hub's tunables.
type Conf struct {
	// MaxMsgBytes caps the content of an inbound send_message.
	MaxMsgBytes int
}

// Hub manages and serves live sessions: it upgrades connections, registers
// them, and routes every inbound event to the relay core.
type Hub struct {
	conf       *Conf
	authClient auth.Client
	registry   *relay.Registry
	router     *relay.Router
	relay      *relay.Relay
	statuses   *relay.StatusTracker
	producer   Producer // may be nil: live-only deployment
	hstore     *HandlerStore
}

// NewHub creates a `Hub`.
func NewHub(authClient auth.Client, registry *relay.Registry, producer Producer, conf *Conf) *Hub {
	router := relay.NewRouter(registry)
	return &Hub{
		conf:       conf,
		authClient: authClient,
		registry:   registry,
		router:     router,
		relay:      relay.NewRelay(router),
		statuses:   relay.NewStatusTracker(),
		producer:   producer,
		hstore: &HandlerStore{
			handlers: make(map[string]*Handler),
		},
	}
}

// Run blocks until ctx is canceled, then closes every live session.
// A ticker sweeps stale per-message status entries meanwhile.
func (h *Hub) Run(ctx context.Context, stopDoneNotifyC chan<- struct{}) {
	ticker := time.NewTicker(statusSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			glog.Infof("close connections ...")
			h.hstore.close()
			glog.Infof("close connections done")
			stopDoneNotifyC <- struct{}{}
			return
		case <-ticker.C:
			h.statuses.Sweep(statusEntryTTL)
			h.sweepKicked()
		}
	}
}

// ServeHTTP handles websocket requests from the peer.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	uid, err := h.authClient.Auth(r)
	if err != nil {
		glog.Errorf("ServeHTTP(): authenticate error: %v", err)
		http.Error(w, "Authenticate error", http.StatusForbidden)
		return
	}

	// If the upgrade fails, then Upgrade replies to the client with an HTTP error response.
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Errorf("ServeHTTP(): upgrader.Upgrade error, uid: %s, err: %s", uid, err)
		return
	}

	// NOTE: after upgrade, `w.WriteHeader(...)` causes error `response.Write on hijacked connection`.

	handler := &Handler{
		hub:        h,
		userID:     uid,
		sid:        strings.ReplaceAll(uuid.New(), "-", ""),
		createTime: time.Now().Unix(),
		conn:       conn,
		dataChan:   make(chan *sessionData, 16),
	}

	conn.SetCloseHandler(func(code int, text string) error {
		glog.Infof("session closed by peer, session: %s, code: %d, text: %s", handler, code, text)
		h.delHandler(handler)
		return nil
	})

	// Register supersedes any stale record for the same user: the old
	// handle gets a kickoff, so room traffic never splits across handles.
	if _, err := h.registry.Register(handler, uid, handler.sid); err != nil {
		glog.Errorf("ServeHTTP(): register error, session: %s, err: %v", handler, err)
		conn.Close()
		return
	}
	h.hstore.add(handler)
	glog.Infof("session opened, session: %s, ip: %s", handler, getRemoteIP(r))

	go handler.recvLoop()
	go handler.sendLoop()
}

// sweepKicked closes sessions that were superseded but never finished their
// kickoff close, e.g. because the send buffer was full when the kickoff was
// enqueued.
func (h *Hub) sweepKicked() {
	for _, handler := range h.hstore.snapshot() {
		if !h.registry.Registered(handler) {
			glog.Infof("hub: closing superseded session that missed kickoff, session: %s", handler)
			handler.close(KickedOff)
		}
	}
}

func (h *Hub) delHandler(handler *Handler) {
	if h.hstore.del(handler.sid) {
		h.registry.Unregister(handler)
	}
}

// Counts reports live connection and user counts for the health endpoint.
func (h *Hub) Counts() (conns, users int) {
	return h.registry.Counts()
}

// dispatch routes one inbound client event. Events are independent units of
// work; the only ordering kept is FIFO per physical connection, which this
// preserves by dispatching synchronously from the recv loop.
func (h *Hub) dispatch(handler *Handler, req *wire.ClientEvent) {
	uid := handler.userID

	if v := req.JoinChat; v != nil {
		if v.ChatID == "" {
			handler.errorEvent(ErrorCodeInvalidArguments, "join_chat: chat_id is required")
			return
		}
		// The session identity is authoritative, not the payload.
		h.router.JoinRoom(uid, v.ChatID)
	} else if v := req.LeaveChat; v != nil {
		if v.ChatID == "" {
			handler.errorEvent(ErrorCodeInvalidArguments, "leave_chat: chat_id is required")
			return
		}
		h.router.Leave(uid, v.ChatID)
	} else if v := req.SendMessage; v != nil {
		h.handleSendMessage(handler, v)
	} else if v := req.TypingStatus; v != nil {
		v.UserID = uid
		h.relay.RelayTyping(v)
	} else if v := req.MessageStatus; v != nil {
		h.handleMessageStatus(handler, v)
	} else {
		glog.Errorf("dispatch(): unsupported request: %+v", req)
		handler.errorEvent(ErrorCodeInvalidArguments, "unsupported request")
		_ = handler.appendDataChan(&sessionData{err: BadRequest})
	}
}

func (h *Hub) handleSendMessage(handler *Handler, msg *wire.Message) {
	if msg.ReceiverID == "" || msg.Content == "" {
		handler.errorEvent(ErrorCodeInvalidArguments, "send_message: receiver_id and content are required")
		return
	}
	if h.conf.MaxMsgBytes > 0 && len(msg.Content) > h.conf.MaxMsgBytes {
		handler.errorEvent(ErrorCodeInvalidArguments, "send_message: content exceeds size limit")
		return
	}

	msg.SenderID = handler.userID
	if msg.ID == "" {
		msg.ID = strings.ReplaceAll(uuid.New(), "-", "")
	}
	if msg.CreatedAt == 0 {
		msg.CreatedAt = time.Now().Unix()
	}
	if msg.Status == "" {
		msg.Status = wire.StatusSent
	}

	n := h.relay.Relay(msg)
	glog.V(5).Infof("hub: relayed message %s from %s, recipients: %d", msg.ID, msg.SenderID, n)

	// Persistence runs independently of fan-out. A failed write after a
	// successful live relay leaves the message missing from history; log
	// and move on, there is no rollback of live delivery.
	if h.producer != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := h.producer.Publish(ctx, msg); err != nil {
				glog.Errorf("hub: persist failed after live relay, id: %s, err: %v", msg.ID, err)
			}
		}()
	}
}

func (h *Hub) handleMessageStatus(handler *Handler, su *wire.MessageStatus) {
	if su.MessageID == "" {
		handler.errorEvent(ErrorCodeInvalidArguments, "message_status: message_id is required")
		return
	}

	applied, _, err := h.statuses.Apply(su.MessageID, su.Status)
	switch err {
	case nil:
	case relay.ErrOutOfOrderStatus:
		// Rejected, logged, never surfaced to the end user.
		glog.Errorf("hub: out of order status, message: %s, have: %s, got: %s, from: %s",
			su.MessageID, applied, su.Status, handler.userID)
		return
	case relay.ErrUnknownStatus:
		handler.errorEvent(ErrorCodeInvalidArguments, "message_status: unknown status "+su.Status)
		return
	default:
		handler.errorEvent(ErrorCodeInternal, "temp status error")
		return
	}

	// Re-emit to the reporter's open room, with the applied status: a
	// repeat apply (changed=false) still rebroadcasts, receivers are
	// idempotent.
	su.Status = applied
	su.IsRead = applied == wire.StatusRead
	rooms := h.registry.RoomsOf(handler.userID)
	if len(rooms) == 0 {
		glog.V(5).Infof("hub: status update outside any room, message: %s, from: %s",
			su.MessageID, handler.userID)
		return
	}
	for _, roomID := range rooms {
		h.relay.RelayStatus(roomID, su)
	}
}

func getRemoteIP(r *http.Request) string {
	ip := r.Header.Get("X-REAL-IP")
	if ip == "" {
		if ips := r.Header.Get("X-FORWARDED-FOR"); ips != "" {
			slice := strings.Split(ips, ",")
			for _, x := range slice {
				if x != "" {
					ip = x
				}
			}
		}
	}
	if ip == "" {
		ip, _, _ = net.SplitHostPort(r.RemoteAddr)
	}

	return ip
}
