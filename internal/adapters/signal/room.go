package signal

import (
	"encoding/json"

	"github.com/dkeye/duet/internal/core"
	"github.com/dkeye/duet/internal/domain"
	"github.com/rs/zerolog/log"
)

// handleJoinRoom identifies the session as senderId and puts it into the
// conversation room with receiverId.
func (ctl *SignalWSController) handleJoinRoom(
	sid core.SessionID,
	conn *WsSignalConn,
	data json.RawMessage,
) {
	var p core.JoinRoom
	if err := json.Unmarshal(data, &p); err != nil || !p.SenderID.Valid() || !p.ReceiverID.Valid() {
		log.Error().Err(err).Str("module", "signal").Msg("bad join_room payload")
		ctl.sendError(conn, "bad_payload")
		return
	}

	user, ok := ctl.Users.User(p.SenderID)
	if !ok {
		log.Warn().Str("module", "signal").Str("sid", string(sid)).Str("user", string(p.SenderID)).Msg("join_room from unknown user")
		user = &domain.User{ID: p.SenderID}
	}

	key, ok := ctl.Orch.Join(sid, user, p.ReceiverID)
	if !ok {
		ctl.sendError(conn, "session_gone")
		return
	}
	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("room", string(key)).Msg("join_room")
}
