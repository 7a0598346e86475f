package core

import "encoding/json"

// SignalPayload is opaque negotiation data relayed verbatim.
type SignalPayload = json.RawMessage

// NegotiatorConfig seeds one negotiation. Callbacks are fixed at creation so
// no event can be emitted before they are in place.
type NegotiatorConfig struct {
	Initiator bool
	Stream    MediaStream

	// OnSignal is invoked once with the local offer (initiator) or answer.
	OnSignal func(SignalPayload)
	// OnStream is invoked once when remote media arrives.
	OnStream func(RemoteStream)
	// OnError reports an opaque negotiation failure.
	OnError func(error)
}

// Negotiator is the peer-connection-negotiation collaborator.
// The initiator starts producing its offer immediately; the answerer waits
// for the remote offer passed to Signal.
type Negotiator interface {
	Signal(payload SignalPayload) error
	Destroy()
}

type NegotiatorFactory interface {
	NewNegotiator(cfg NegotiatorConfig) (Negotiator, error)
}
