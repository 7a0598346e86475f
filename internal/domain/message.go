package domain

import "time"

type MessageID string

// Message is immutable once created. Field names follow the chat backend.
type Message struct {
	ID         MessageID `json:"_id"`
	SenderID   UserID    `json:"sender"`
	ReceiverID UserID    `json:"receiver"`
	Body       string    `json:"message"`
	SentAt     time.Time `json:"createdAt"`
}

// Between reports whether m belongs to the conversation of a and b.
func (m Message) Between(a, b UserID) bool {
	return (m.SenderID == a && m.ReceiverID == b) ||
		(m.SenderID == b && m.ReceiverID == a)
}
