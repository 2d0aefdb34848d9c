package models

import (
	"time"
)

type MessageKind string

const (
	MessageKindText     MessageKind = "text"
	MessageKindImage    MessageKind = "image"
	MessageKindVideo    MessageKind = "video"
	MessageKindAudio    MessageKind = "audio"
	MessageKindReaction MessageKind = "reaction"
)

type DeliveryStatus string

const (
	DeliveryStatusPending   DeliveryStatus = "pending"
	DeliveryStatusSent      DeliveryStatus = "sent"
	DeliveryStatusDelivered DeliveryStatus = "delivered"
)

// rank orders delivery statuses so transitions can be checked for regression.
func (s DeliveryStatus) rank() int {
	switch s {
	case DeliveryStatusPending:
		return 0
	case DeliveryStatusSent:
		return 1
	case DeliveryStatusDelivered:
		return 2
	}
	return -1
}

// CanTransitionTo reports whether moving to next is a legal, monotonic
// status transition. Equal statuses are allowed so retries are no-ops.
func (s DeliveryStatus) CanTransitionTo(next DeliveryStatus) bool {
	return next.rank() >= s.rank() && next.rank() >= 0 && s.rank() >= 0
}

// Message is the unit of conversation content. The id is assigned once by
// the sender and never changes; it keys both receive-side deduplication and
// the relay mailbox.
type Message struct {
	ID          string         `json:"id"`
	SenderID    string         `json:"senderId"`
	RecipientID string         `json:"recipientId"`
	Kind        MessageKind    `json:"kind"`
	Body        string         `json:"body"`
	CreatedAt   int64          `json:"createdAt"`
	Status      DeliveryStatus `json:"-"`
}

// QueueEntry is the relay server's durable mailbox record. The primary key
// equals the message id, which makes a retried enqueue an upsert rather
// than a duplicate.
type QueueEntry struct {
	ID         string    `json:"id"`
	ToUser     string    `json:"toUser"`
	Payload    string    `json:"payload"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// Presence is the optional identity record kept by the relay's register
// endpoint. It carries no credentials.
type Presence struct {
	ID        string `json:"id"`
	PublicKey string `json:"publicKey,omitempty"`
	Avatar    string `json:"avatar,omitempty"`
}
