package core

import (
	"time"

	"github.com/google/uuid"
)

// Identity names a participant. It is opaque (usually a wallet address).
type Identity string

// Status tracks a message through the router.
type Status int

const (
	// StatusPending means the message has not reached the recipient yet.
	StatusPending Status = iota
	// StatusSent means the message was handed to a live connection.
	StatusSent
	// StatusDelivered is terminal.
	StatusDelivered
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	default:
		return "unknown"
	}
}

// Message is the domain model for a routed message.
type Message struct {
	ID        uuid.UUID
	Sender    Identity
	Recipient Identity
	Payload   []byte
	CreatedAt time.Time
	Status    Status
	// RoomID is set for group fan-out.
	RoomID    string
	Encrypted bool
}

// DeliveryOutcome is what the sender learns about a Send.
type DeliveryOutcome int

const (
	OutcomeUnknown DeliveryOutcome = iota
	OutcomeDelivered
	OutcomeQueued
)

func (o DeliveryOutcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeQueued:
		return "queued"
	default:
		return "unknown"
	}
}
