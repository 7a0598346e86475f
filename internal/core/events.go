package core

import (
	"encoding/json"
	"fmt"

	"github.com/dkeye/duet/internal/domain"
)

// Event names are the wire contract with the signaling server.
const (
	EventJoinRoom       = "join_room"
	EventReceiveMessage = "receive_message"
	EventCallUser       = "call_user"
	EventIncomingCall   = "incoming_call"
	EventAcceptCall     = "accept_call"
	EventCallAccepted   = "call_accepted"
	EventDeclineCall    = "decline_call"
	EventHangUp         = "hang_up"
	EventCallEnded      = "call_ended"
)

// Lifecycle events raised locally by the channel, never sent on the wire.
const (
	EventConnect    = "connect"
	EventDisconnect = "disconnect"
)

// Envelope is one frame on the channel.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// EncodeFrame wraps payload into an Envelope of the given type.
func EncodeFrame(event string, payload any) (Frame, error) {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", event, err)
		}
		data = b
	}
	frame, err := json.Marshal(Envelope{Type: event, Data: data})
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return frame, nil
}

type JoinRoom struct {
	SenderID   domain.UserID `json:"senderId"`
	ReceiverID domain.UserID `json:"receiverId"`
}

type CallUser struct {
	CallerID   domain.UserID `json:"callerId"`
	ReceiverID domain.UserID `json:"receiverId"`
	SignalData SignalPayload `json:"signalData"`
}

type IncomingCall struct {
	From       domain.UserID `json:"from"`
	SignalData SignalPayload `json:"signalData"`
}

type AcceptCall struct {
	CallerID   domain.UserID `json:"callerId"`
	SignalData SignalPayload `json:"signalData"`
}

type CallAccepted struct {
	From       domain.UserID `json:"from,omitempty"`
	SignalData SignalPayload `json:"signalData"`
}

type DeclineCall struct {
	CallerID domain.UserID `json:"callerId"`
}

// HangUp is sent by the party ending the call: CallerID is the sender,
// ReceiverID the other party.
type HangUp struct {
	CallerID   domain.UserID `json:"callerId"`
	ReceiverID domain.UserID `json:"receiverId"`
}

type CallEnded struct {
	From   domain.UserID `json:"from,omitempty"`
	Reason string        `json:"reason,omitempty"`
}

const (
	ReasonDeclined    = "declined"
	ReasonUnavailable = "unavailable"
)
