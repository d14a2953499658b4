package relay

import (
	"github.com/golang/glog"

	"github.com/mqy/chatrelay/wire"
)

// Router manages room membership on top of the registry. A room is the live
// fan-out group for one two-party conversation; its id is derived from the
// unordered user pair, so both sides always land in the same room.
type Router struct {
	reg *Registry
}

func NewRouter(reg *Registry) *Router {
	return &Router{reg: reg}
}

// Join puts userID's live connection into the room shared with peerID and
// returns the room id.
func (rt *Router) Join(userID, peerID string) string {
	return rt.JoinRoom(userID, wire.RoomID(userID, peerID))
}

// JoinRoom adds userID's live connection to roomID. A connection holds one
// open conversation at a time: any previously joined room is left first. The
// peer, if present, gets a presence-online push. Joining with no live
// connection or no connected peer both succeed silently; delivery to an
// empty room is a pending state the durable store resolves later, not an
// error.
func (rt *Router) JoinRoom(userID, roomID string) string {
	r := rt.reg
	r.mu.Lock()
	rec, ok := r.byUser[userID]
	if !ok {
		r.mu.Unlock()
		glog.V(5).Infof("router: join without live connection, user: %s, room: %s", userID, roomID)
		return roomID
	}

	var left []presenceTarget
	for prev := range rec.rooms {
		if prev == roomID {
			continue
		}
		left = append(left, rt.leaveLocked(rec, prev)...)
	}

	members, ok := r.rooms[roomID]
	if !ok {
		members = make(map[*Record]struct{})
		r.rooms[roomID] = members
	}
	members[rec] = struct{}{}
	rec.rooms[roomID] = struct{}{}

	var peers []*Record
	for m := range members {
		if m != rec {
			peers = append(peers, m)
		}
	}
	r.mu.Unlock()

	notifyOffline(left, userID)
	for _, peer := range peers {
		if err := peer.Conn.Send(&wire.ServerEvent{
			UserStatus: &wire.UserStatus{UserID: userID, Online: true},
		}); err != nil {
			glog.Errorf("router: presence online send failed, room: %s, to: %s, err: %v",
				roomID, peer.UserID, err)
		}
	}

	glog.V(5).Infof("router: joined, user: %s, room: %s, peers: %d", userID, roomID, len(peers))
	return roomID
}

// Leave removes userID's connection from roomID and notifies the remaining
// member. Leaving a room the user is not in is a no-op.
func (rt *Router) Leave(userID, roomID string) {
	r := rt.reg
	r.mu.Lock()
	rec, ok := r.byUser[userID]
	if !ok {
		r.mu.Unlock()
		return
	}
	targets := rt.leaveLocked(rec, roomID)
	r.mu.Unlock()

	notifyOffline(targets, userID)
	glog.V(5).Infof("router: left, user: %s, room: %s", userID, roomID)
}

// leaveLocked removes rec's membership of roomID. Caller holds reg.mu.
func (rt *Router) leaveLocked(rec *Record, roomID string) []presenceTarget {
	if _, ok := rec.rooms[roomID]; !ok {
		return nil
	}
	delete(rec.rooms, roomID)

	members, ok := rt.reg.rooms[roomID]
	if !ok {
		return nil
	}
	delete(members, rec)
	if len(members) == 0 {
		delete(rt.reg.rooms, roomID)
		return nil
	}
	return []presenceTarget{{roomID: roomID, members: recordSlice(members)}}
}

// MembersOf returns the live member records of roomID.
func (rt *Router) MembersOf(roomID string) []*Record {
	r := rt.reg
	r.mu.RLock()
	defer r.mu.RUnlock()

	members, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	return recordSlice(members)
}
