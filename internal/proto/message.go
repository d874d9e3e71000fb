package proto

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"
)

// Inbound is the envelope for messages coming from the client.
type Inbound struct {
	Type string          `json:"type"`
	Ref  string          `json:"ref,omitempty"`
	Data json.RawMessage `json:"data"`
}

const (
	ProtocolVersion = 1

	InboundTypeHello     = "hello"
	InboundTypeSend      = "send"
	InboundTypeGroupSend = "group_send"
	InboundTypeRoomJoin  = "room_join"
	InboundTypeRoomLeave = "room_leave"
	InboundTypeSignal    = "signal"
	InboundTypeCandidate = "candidate"
	InboundTypeAudio     = "audio"

	OutboundTypeEvent = "event"
	OutboundTypeError = "error"

	EventReady      = "ready"
	EventMessage    = "message"
	EventDelivery   = "delivery"
	EventRoomAnswer = "room_answer"
	EventPeerJoined = "peer_joined"
	EventPeerLeft   = "peer_left"
	EventSignal     = "signal"
)

// HelloData is sent by the client to introduce itself. Identity is only
// honoured when tokens are not required; otherwise the token subject wins.
type HelloData struct {
	Identity string `json:"identity,omitempty"`
	Token    string `json:"token,omitempty"`
	Protocol int    `json:"protocol,omitempty"`
}

// SendData is a direct message. Payload is opaque to the server.
type SendData struct {
	To        string `json:"to"`
	Payload   []byte `json:"payload"`
	Encrypted bool   `json:"encrypted,omitempty"`
}

// GroupSendData is a message to every member of a group. The server seals
// the payload with the group key.
type GroupSendData struct {
	Group   string `json:"group"`
	Payload []byte `json:"payload"`
}

// RoomJoinData asks to join a voice room with an SDP offer.
type RoomJoinData struct {
	Room  string                    `json:"room"`
	Offer webrtc.SessionDescription `json:"offer"`
}

// RoomLeaveData leaves a voice room.
type RoomLeaveData struct {
	Room string `json:"room"`
}

// SignalData is a negotiation message. An empty To addresses the server.
type SignalData struct {
	Room      string                     `json:"room"`
	To        string                     `json:"to,omitempty"`
	Kind      string                     `json:"kind"`
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

// CandidateData trickles one of the client's own ICE candidates.
type CandidateData struct {
	Room      string                  `json:"room"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// AudioData mutes or unmutes the client in a room.
type AudioData struct {
	Room    string `json:"room"`
	Enabled bool   `json:"enabled"`
}

// Outbound is the envelope for messages sent to the client.
type Outbound struct {
	Type  string `json:"type"`
	Event string `json:"event,omitempty"`
	Ref   string `json:"ref,omitempty"`
	Data  any    `json:"data,omitempty"`
	Error *Error `json:"error,omitempty"`
}

// EventReadyData acknowledges hello once queued messages were flushed.
type EventReadyData struct {
	Identity string `json:"identity"`
	Protocol int    `json:"protocol"`
	Drained  int    `json:"drained"`
}

// EventMessageData is a message delivered to its recipient.
type EventMessageData struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Group     string `json:"group,omitempty"`
	Payload   []byte `json:"payload"`
	Encrypted bool   `json:"encrypted,omitempty"`
	TS        int64  `json:"ts"`
}

// EventDeliveryData reports what happened to a send.
type EventDeliveryData struct {
	ID      string `json:"id,omitempty"`
	To      string `json:"to"`
	Group   string `json:"group,omitempty"`
	Outcome string `json:"outcome"`
}

// EventRoomAnswerData carries the server's answer to a room join.
type EventRoomAnswerData struct {
	Room   string                    `json:"room"`
	Answer webrtc.SessionDescription `json:"answer"`
}

// EventPeerData announces a mesh peer joining or leaving.
type EventPeerData struct {
	Room       string                    `json:"room"`
	Peer       string                    `json:"peer"`
	Candidates []webrtc.ICECandidateInit `json:"candidates,omitempty"`
}

// EventSignalData forwards a negotiation message. From is empty when the
// server itself is the sender.
type EventSignalData struct {
	Room      string                     `json:"room"`
	From      string                     `json:"from,omitempty"`
	Kind      string                     `json:"kind"`
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

// Error describes a protocol-level error response.
type Error struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}
