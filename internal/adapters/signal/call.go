package signal

import (
	"encoding/json"

	"github.com/dkeye/duet/internal/core"
	"github.com/rs/zerolog/log"
)

func decodeCall[T any](event string, data json.RawMessage) (T, bool) {
	var p T
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Str("type", event).Msg("bad call payload")
		return p, false
	}
	return p, true
}

func (ctl *SignalWSController) handleCallUser(sid core.SessionID, data json.RawMessage) {
	if p, ok := decodeCall[core.CallUser](core.EventCallUser, data); ok {
		ctl.Orch.CallUser(sid, p)
	}
}

func (ctl *SignalWSController) handleAcceptCall(sid core.SessionID, data json.RawMessage) {
	if p, ok := decodeCall[core.AcceptCall](core.EventAcceptCall, data); ok {
		ctl.Orch.AcceptCall(sid, p)
	}
}

func (ctl *SignalWSController) handleDeclineCall(sid core.SessionID, data json.RawMessage) {
	if p, ok := decodeCall[core.DeclineCall](core.EventDeclineCall, data); ok {
		ctl.Orch.DeclineCall(sid, p)
	}
}

func (ctl *SignalWSController) handleHangUp(sid core.SessionID, data json.RawMessage) {
	if p, ok := decodeCall[core.HangUp](core.EventHangUp, data); ok {
		ctl.Orch.HangUp(sid, p)
	}
}
