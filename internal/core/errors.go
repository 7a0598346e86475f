package core

import "errors"

// Error taxonomy surfaced to the UI layer. Every failure path returns the
// affected state machine to a resting state before reporting one of these.
var (
	ErrChannelUnavailable = errors.New("channel unavailable")
	ErrNotConnected       = errors.New("channel not connected")
	ErrBackpressure       = errors.New("backpressure")

	ErrHistoryUnavailable = errors.New("history unavailable")
	ErrSendFailed         = errors.New("send failed")

	ErrMediaUnavailable  = errors.New("media unavailable")
	ErrNegotiationFailed = errors.New("negotiation failed")

	ErrNoCounterpart = errors.New("no counterpart selected")
	ErrCallBusy      = errors.New("call already in progress")
	ErrNoActiveCall  = errors.New("no call in a state that accepts this action")
	ErrCallCancelled = errors.New("call cancelled")
	ErrCallTimeout   = errors.New("no answer")
	ErrCallDeclined  = errors.New("call declined")
	ErrRemoteHangup  = errors.New("remote party ended the call")
)
