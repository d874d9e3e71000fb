package core

import "github.com/pion/webrtc/v4"

// EventKind is a notification the core emits to clients.
type EventKind int

const (
	// EventMessage delivers a message to its recipient.
	EventMessage EventKind = iota
	// EventDelivery reports a send outcome back to the sender.
	EventDelivery
	// EventRoomAnswer carries the relay's answer to a room join.
	EventRoomAnswer
	// EventPeerJoined tells a room participant about a new mesh peer.
	EventPeerJoined
	// EventPeerLeft tells a room participant a mesh peer went away.
	EventPeerLeft
	// EventSignal forwards a point-to-point negotiation message.
	EventSignal
	// EventError notifies clients about a domain error.
	EventError
)

// SignalType discriminates negotiation messages.
type SignalType string

const (
	SignalOffer     SignalType = "offer"
	SignalAnswer    SignalType = "answer"
	SignalCandidate SignalType = "candidate"
	SignalHangup    SignalType = "hangup"
)

// Event is sent to clients to describe what happened in the system.
type Event struct {
	Kind    EventKind
	Message *Message
	Outcome DeliveryOutcome // For EventDelivery
	Signal  *SignalEvent
	Error   *CoreError
}

// SignalEvent holds data specific to signaling events.
type SignalEvent struct {
	RoomID     string
	From       Identity
	To         Identity
	Type       SignalType
	SDP        *webrtc.SessionDescription
	Candidate  *webrtc.ICECandidateInit
	Candidates []webrtc.ICECandidateInit // For EventPeerJoined
}

// ErrorEvent builds an EventError from err.
func ErrorEvent(err error) *Event {
	return &Event{Kind: EventError, Error: AsCoreError(err)}
}
