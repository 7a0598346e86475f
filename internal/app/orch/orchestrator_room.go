package orch

import (
	"github.com/dkeye/duet/internal/core"
	"github.com/dkeye/duet/internal/domain"
	"github.com/rs/zerolog/log"
)

// Join identifies sid as user and moves it into the room shared with peer.
func (o *Orchestrator) Join(sid core.SessionID, user *domain.User, peer domain.UserID) (domain.RoomKey, bool) {
	if !o.Registry.Identify(sid, user) {
		return "", false
	}
	room := domain.NewRoom(user.ID, peer)
	key := room.Key()

	if current, _, ok := o.Registry.RoomOf(sid); ok {
		if current == key {
			return key, true
		}
		o.cleanupMembership(sid)
		log.Info().Str("sid", string(sid)).Str("from_room", string(current)).Msg("left room")
	}

	session, ok := o.Registry.GetSession(sid)
	if !ok {
		return "", false
	}
	o.Rooms.GetOrCreate(room).AddMember(sid, session)
	o.Registry.UpdateRoom(sid, key)
	log.Info().Str("sid", string(sid)).Str("room", string(key)).Msg("added to room")
	return key, true
}

// KickBySID drops sid from its room and tears the connection down. The
// client is expected to reconnect and rejoin.
func (o *Orchestrator) KickBySID(sid core.SessionID) {
	o.cleanupMembership(sid)
	o.Registry.Cancel(sid)
}

// OnDisconnect forgets everything the relay knows about sid.
func (o *Orchestrator) OnDisconnect(sid core.SessionID) {
	o.cleanupMembership(sid)
	o.Registry.Unbind(sid)
}

func (o *Orchestrator) cleanupMembership(sid core.SessionID) {
	key, _, ok := o.Registry.RoomOf(sid)
	if !ok {
		return
	}
	if room, ok := o.Rooms.Get(key); ok {
		room.RemoveMember(sid)
		if room.MemberCount() == 0 {
			o.Rooms.StopRoom(key)
		}
	}
	o.Registry.RemoveRoom(sid)
}
