package orch

import (
	"github.com/dkeye/duet/internal/app"
	"github.com/dkeye/duet/internal/core"
	"github.com/dkeye/duet/internal/domain"
	"github.com/rs/zerolog/log"
)

// Orchestrator routes relay frames between sessions, rooms and users.
type Orchestrator struct {
	Registry *app.Registry
	Rooms    core.RoomManager
	Policy   app.Policy
}

func New(reg *app.Registry, rooms core.RoomManager, policy app.Policy) *Orchestrator {
	return &Orchestrator{Registry: reg, Rooms: rooms, Policy: policy}
}

// BroadcastRoom sends event to every session joined to key, the sender
// included. It reports how many sessions received the frame.
func (o *Orchestrator) BroadcastRoom(key domain.RoomKey, event string, payload any) int {
	frame, err := core.EncodeFrame(event, payload)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("event", event).Msg("encode frame")
		return 0
	}
	room, ok := o.Rooms.Get(key)
	if !ok {
		return 0
	}
	res := room.Broadcast("", frame)
	o.handleDropped(res.Dropped)
	return res.SendTo
}

// SendToUser delivers event to every session identified as uid.
func (o *Orchestrator) SendToUser(uid domain.UserID, event string, payload any) int {
	frame, err := core.EncodeFrame(event, payload)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("event", event).Msg("encode frame")
		return 0
	}
	sent := 0
	var dropped []core.MemberSession
	for _, snap := range o.Registry.SessionsOf(uid) {
		if err := snap.Session.Signal().TrySend(frame); err != nil {
			dropped = append(dropped, snap.Session)
			continue
		}
		sent++
	}
	o.handleDropped(dropped)
	log.Debug().Str("module", "orch").Str("event", event).Str("user", string(uid)).Int("sent_to", sent).Msg("send to user")
	return sent
}

func (o *Orchestrator) handleDropped(dropped []core.MemberSession) {
	if o.Policy == nil {
		return
	}
	for _, slow := range dropped {
		switch o.Policy.OnBackPressure(slow) {
		case app.KickMember:
			for _, snap := range o.Registry.SessionsOf(slow.UserID()) {
				if snap.Session == slow {
					o.KickBySID(snap.SID)
				}
			}
		case app.DropFrame, app.NoAction:
		}
	}
}
