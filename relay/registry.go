package relay

import (
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/mqy/chatrelay/wire"
)

// Conn is the transport handle a registered connection is reachable through.
// Send must not block the caller for long: the websocket handler backs it
// with a buffered channel. Kickoff asks the transport to notify the peer and
// close; it is called at most once per handle.
type Conn interface {
	Send(ev *wire.ServerEvent) error
	Kickoff()
}

// Record is the per-connection state owned by the Registry for the lifetime
// of one physical connection. Created on register, destroyed on unregister;
// nothing else retains ownership.
type Record struct {
	Conn       Conn
	UserID     string
	SID        string
	CreateTime int64

	// rooms this connection has joined. Guarded by the registry mutex.
	// The router keeps it to at most one entry (one open conversation
	// per connection), but the structure does not depend on that.
	rooms map[string]struct{}
}

// Registry maps each user to at most one live connection and tracks room
// membership. All maps share one mutex: contention at this scale is cheaper
// than lock ordering between registry and router state.
//
// The registry is process-local and is not a source of truth: a restart
// loses it entirely and clients recover by reconnect-and-rejoin.
type Registry struct {
	mu sync.RWMutex

	// byConn indexes records by transport handle.
	byConn map[Conn]*Record
	// byUser holds the single live record per user.
	byUser map[string]*Record
	// rooms maps room id -> member records.
	rooms map[string]map[*Record]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		byConn: make(map[Conn]*Record),
		byUser: make(map[string]*Record),
		rooms:  make(map[string]map[*Record]struct{}),
	}
}

// Register creates a record for conn. If the same handle is already
// registered it fails with ErrDuplicateConnection. If the user already has a
// live record under another handle, that record is superseded: it is removed
// from the registry and every room, and its handle is kicked off, so room
// traffic can never split across two handles of one user.
func (r *Registry) Register(conn Conn, userID string, sid string) (*Record, error) {
	var stale *Record
	var staleRooms []presenceTarget

	r.mu.Lock()
	if _, ok := r.byConn[conn]; ok {
		r.mu.Unlock()
		return nil, ErrDuplicateConnection
	}

	if old, ok := r.byUser[userID]; ok {
		stale = old
		staleRooms = r.dropLocked(old)
	}

	rec := &Record{
		Conn:       conn,
		UserID:     userID,
		SID:        sid,
		CreateTime: time.Now().Unix(),
		rooms:      make(map[string]struct{}),
	}
	r.byConn[conn] = rec
	r.byUser[userID] = rec

	activeConnections.Set(float64(len(r.byConn)))
	activeUsers.Set(float64(len(r.byUser)))
	r.mu.Unlock()

	if stale != nil {
		glog.Infof("registry: superseding stale connection, user: %s, old sid: %s, new sid: %s",
			userID, stale.SID, sid)
		supersededConnections.Inc()
		notifyOffline(staleRooms, userID)
		stale.Conn.Kickoff()
	}
	return rec, nil
}

// Unregister removes the record for conn and broadcasts presence-offline to
// every room it was joined to. Removing an absent handle is a no-op.
func (r *Registry) Unregister(conn Conn) {
	r.mu.Lock()
	rec, ok := r.byConn[conn]
	if !ok {
		r.mu.Unlock()
		return
	}
	targets := r.dropLocked(rec)

	activeConnections.Set(float64(len(r.byConn)))
	activeUsers.Set(float64(len(r.byUser)))
	r.mu.Unlock()

	glog.V(5).Infof("registry: unregistered, user: %s, sid: %s", rec.UserID, rec.SID)
	notifyOffline(targets, rec.UserID)
}

// dropLocked removes rec from all indexes and room memberships, returning
// the remaining members of each left room for presence broadcast.
// Caller holds r.mu.
func (r *Registry) dropLocked(rec *Record) []presenceTarget {
	delete(r.byConn, rec.Conn)
	if cur, ok := r.byUser[rec.UserID]; ok && cur == rec {
		delete(r.byUser, rec.UserID)
	}

	var targets []presenceTarget
	for roomID := range rec.rooms {
		if members, ok := r.rooms[roomID]; ok {
			delete(members, rec)
			if len(members) == 0 {
				delete(r.rooms, roomID)
				continue
			}
			targets = append(targets, presenceTarget{roomID: roomID, members: recordSlice(members)})
		}
	}
	rec.rooms = make(map[string]struct{})
	return targets
}

// RoomsOf returns the rooms the user's live connection has joined.
// Unknown users get an empty set.
func (r *Registry) RoomsOf(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.byUser[userID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(rec.rooms))
	for roomID := range rec.rooms {
		out = append(out, roomID)
	}
	return out
}

// Registered reports whether conn currently owns a record.
func (r *Registry) Registered(conn Conn) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byConn[conn]
	return ok
}

// RecordOf returns the live record for a user, or nil.
func (r *Registry) RecordOf(userID string) *Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byUser[userID]
}

// Counts reports live connection and user counts for the health endpoint.
func (r *Registry) Counts() (conns, users int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn), len(r.byUser)
}

type presenceTarget struct {
	roomID  string
	members []*Record
}

func recordSlice(set map[*Record]struct{}) []*Record {
	out := make([]*Record, 0, len(set))
	for rec := range set {
		out = append(out, rec)
	}
	return out
}

// notifyOffline sends presence-offline for userID to the given room members.
// Sends happen outside the registry lock; a failed send only affects that
// member.
func notifyOffline(targets []presenceTarget, userID string) {
	for _, t := range targets {
		for _, rec := range t.members {
			if err := rec.Conn.Send(&wire.ServerEvent{
				UserStatus: &wire.UserStatus{UserID: userID, Online: false},
			}); err != nil {
				glog.Errorf("registry: presence offline send failed, room: %s, to: %s, err: %v",
					t.roomID, rec.UserID, err)
			}
		}
	}
}
