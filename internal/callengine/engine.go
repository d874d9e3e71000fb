package callengine

import (
	"context"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// State mirrors the peer connection lifecycle the relay cares about.
type State int

const (
	StateNew State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the session can no longer carry traffic.
func (s State) Terminal() bool {
	return s == StateFailed || s == StateClosed
}

// MediaTrack is an inbound media track arriving at the relay.
type MediaTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
	Codec() webrtc.RTPCodecCapability
	// ReadRTP blocks for the next packet. It returns an error once the
	// track ends.
	ReadRTP() (*rtp.Packet, error)
}

// TrackSink is an outbound track the relay writes forwarded packets to.
type TrackSink interface {
	ID() string
	WriteRTP(pkt *rtp.Packet) error
}

// Session is the relay's negotiation state for one room participant.
type Session interface {
	// Answer applies a remote offer and returns the local answer.
	Answer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error)

	// Offer creates a relay-initiated renegotiation offer.
	Offer(ctx context.Context) (webrtc.SessionDescription, error)

	// AcceptAnswer applies the remote answer to a relay-initiated offer.
	AcceptAnswer(answer webrtc.SessionDescription) error

	// AddICECandidate applies a trickled remote candidate.
	AddICECandidate(c webrtc.ICECandidateInit) error

	// AddSink adds an outbound track carrying packets for codec.
	AddSink(trackID, streamID string, codec webrtc.RTPCodecCapability) (TrackSink, error)

	// RemoveSink detaches a sink added by AddSink.
	RemoveSink(sink TrackSink) error

	OnStateChange(fn func(State))
	OnTrack(fn func(MediaTrack))
	OnNegotiationNeeded(fn func())

	Close() error
}

// Engine creates sessions.
type Engine interface {
	NewSession(ctx context.Context, id string) (Session, error)
}
