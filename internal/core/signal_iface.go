package core

import "encoding/json"

// Frame is a raw encoded signaling message.
type Frame []byte

// Handler receives the raw data of one channel event.
type Handler func(data json.RawMessage)

// Subscription identifies one registered handler so it can be removed by
// identity rather than by event name.
type Subscription struct {
	Event string
	ID    uint64
}

// Channel is the publish/subscribe surface of the signaling connection.
// Handlers for one event fire in registration order, one event at a time.
type Channel interface {
	Publish(event string, payload any) error
	Subscribe(event string, h Handler) Subscription
	Unsubscribe(sub Subscription)
}

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}
