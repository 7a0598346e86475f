package orch

import (
	"github.com/dkeye/duet/internal/core"
	"github.com/dkeye/duet/internal/domain"
	"github.com/rs/zerolog/log"
)

// Call events are routed by user, not by room: the callee may have a
// different conversation open.

func (o *Orchestrator) sender(sid core.SessionID) (domain.UserID, bool) {
	sess, ok := o.Registry.GetSession(sid)
	if !ok || sess.UserID() == "" {
		log.Warn().Str("module", "orch").Str("sid", string(sid)).Msg("call event from unidentified session")
		return "", false
	}
	return sess.UserID(), true
}

func (o *Orchestrator) CallUser(sid core.SessionID, p core.CallUser) {
	from, ok := o.sender(sid)
	if !ok || !p.ReceiverID.Valid() {
		return
	}
	n := o.SendToUser(p.ReceiverID, core.EventIncomingCall, core.IncomingCall{
		From:       from,
		SignalData: p.SignalData,
	})
	if n == 0 {
		log.Info().Str("module", "orch").Str("caller", string(from)).Str("receiver", string(p.ReceiverID)).Msg("receiver offline")
		o.SendToUser(from, core.EventCallEnded, core.CallEnded{From: p.ReceiverID, Reason: core.ReasonUnavailable})
	}
}

func (o *Orchestrator) AcceptCall(sid core.SessionID, p core.AcceptCall) {
	from, ok := o.sender(sid)
	if !ok || !p.CallerID.Valid() {
		return
	}
	o.SendToUser(p.CallerID, core.EventCallAccepted, core.CallAccepted{
		From:       from,
		SignalData: p.SignalData,
	})
}

func (o *Orchestrator) DeclineCall(sid core.SessionID, p core.DeclineCall) {
	from, ok := o.sender(sid)
	if !ok || !p.CallerID.Valid() {
		return
	}
	o.SendToUser(p.CallerID, core.EventCallEnded, core.CallEnded{From: from, Reason: core.ReasonDeclined})
}

// HangUp forwards call_ended to the other party. The sender identity
// always comes from the session.
func (o *Orchestrator) HangUp(sid core.SessionID, p core.HangUp) {
	from, ok := o.sender(sid)
	if !ok {
		return
	}
	to := p.ReceiverID
	if to == "" || to == from {
		to = p.CallerID
	}
	if !to.Valid() || to == from {
		return
	}
	o.SendToUser(to, core.EventCallEnded, core.CallEnded{From: from})
}
