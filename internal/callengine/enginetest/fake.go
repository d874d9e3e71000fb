// Package enginetest provides an in-memory callengine.Engine for tests.
package enginetest

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/vovakirdan/wiremesh/internal/callengine"
)

// Engine hands out fake sessions and remembers them by id.
type Engine struct {
	mu       sync.Mutex
	sessions map[string][]*Session

	// AnswerErr, when set, is returned by every Answer.
	AnswerErr error
	// BlockAnswer makes Answer wait for its context.
	BlockAnswer bool
}

// New creates an empty fake engine.
func New() *Engine {
	return &Engine{sessions: make(map[string][]*Session)}
}

func (e *Engine) NewSession(_ context.Context, id string) (callengine.Session, error) {
	s := &Session{id: id, engine: e, sinks: make(map[string]*Sink)}
	e.mu.Lock()
	e.sessions[id] = append(e.sessions[id], s)
	e.mu.Unlock()
	return s, nil
}

// Session returns the most recent session created for id.
func (e *Engine) Session(id string) *Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	list := e.sessions[id]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

// Session records everything the relay does to it.
type Session struct {
	id     string
	engine *Engine

	mu         sync.Mutex
	offers     []webrtc.SessionDescription
	answers    []webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	sinks      map[string]*Sink
	closed     bool
	stateFns   []func(callengine.State)
	trackFns   []func(callengine.MediaTrack)
	negFns     []func()
}

func (s *Session) Answer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	s.engine.mu.Lock()
	answerErr, block := s.engine.AnswerErr, s.engine.BlockAnswer
	s.engine.mu.Unlock()

	if block {
		<-ctx.Done()
		return webrtc.SessionDescription{}, ctx.Err()
	}
	if answerErr != nil {
		return webrtc.SessionDescription{}, answerErr
	}
	if offer.Type != webrtc.SDPTypeOffer {
		return webrtc.SessionDescription{}, errors.New("not an offer")
	}
	s.mu.Lock()
	s.offers = append(s.offers, offer)
	s.mu.Unlock()
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-for-" + s.id}, nil
}

func (s *Session) Offer(context.Context) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "relay-offer-" + s.id}, nil
}

func (s *Session) AcceptAnswer(answer webrtc.SessionDescription) error {
	if answer.Type != webrtc.SDPTypeAnswer {
		return errors.New("not an answer")
	}
	s.mu.Lock()
	s.answers = append(s.answers, answer)
	s.mu.Unlock()
	return nil
}

func (s *Session) AddICECandidate(c webrtc.ICECandidateInit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("session closed")
	}
	s.candidates = append(s.candidates, c)
	return nil
}

func (s *Session) AddSink(trackID, _ string, _ webrtc.RTPCodecCapability) (callengine.TrackSink, error) {
	sk := &Sink{id: trackID, notify: make(chan struct{}, 1)}
	s.mu.Lock()
	s.sinks[trackID] = sk
	s.mu.Unlock()
	return sk, nil
}

func (s *Session) RemoveSink(ts callengine.TrackSink) error {
	s.mu.Lock()
	delete(s.sinks, ts.ID())
	s.mu.Unlock()
	return nil
}

func (s *Session) OnStateChange(fn func(callengine.State)) {
	s.mu.Lock()
	s.stateFns = append(s.stateFns, fn)
	s.mu.Unlock()
}

func (s *Session) OnTrack(fn func(callengine.MediaTrack)) {
	s.mu.Lock()
	s.trackFns = append(s.trackFns, fn)
	s.mu.Unlock()
}

func (s *Session) OnNegotiationNeeded(fn func()) {
	s.mu.Lock()
	s.negFns = append(s.negFns, fn)
	s.mu.Unlock()
}

func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// SetState reports st to subscribers.
func (s *Session) SetState(st callengine.State) {
	s.mu.Lock()
	fns := append([]func(callengine.State){}, s.stateFns...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(st)
	}
}

// EmitTrack announces a remote track.
func (s *Session) EmitTrack(t callengine.MediaTrack) {
	s.mu.Lock()
	fns := append([]func(callengine.MediaTrack){}, s.trackFns...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(t)
	}
}

// NeedNegotiation fires the negotiation-needed subscribers.
func (s *Session) NeedNegotiation() {
	s.mu.Lock()
	fns := append([]func(){}, s.negFns...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Candidates returns the remote candidates applied so far.
func (s *Session) Candidates() []webrtc.ICECandidateInit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), s.candidates...)
}

// Answers returns the renegotiation answers accepted so far.
func (s *Session) Answers() []webrtc.SessionDescription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]webrtc.SessionDescription(nil), s.answers...)
}

// Sink returns the sink with trackID, or nil.
func (s *Session) Sink(trackID string) *Sink {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sinks[trackID]
}

// SinkCount returns the number of attached sinks.
func (s *Session) SinkCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sinks)
}

// Sink records forwarded packets.
type Sink struct {
	id string

	mu      sync.Mutex
	packets []*rtp.Packet
	notify  chan struct{}
}

func (k *Sink) ID() string { return k.id }

func (k *Sink) WriteRTP(pkt *rtp.Packet) error {
	k.mu.Lock()
	k.packets = append(k.packets, pkt)
	k.mu.Unlock()
	select {
	case k.notify <- struct{}{}:
	default:
	}
	return nil
}

// Packets returns the packets written so far.
func (k *Sink) Packets() []*rtp.Packet {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]*rtp.Packet(nil), k.packets...)
}

// WaitPackets blocks until n packets arrived.
func (k *Sink) WaitPackets(t *testing.T, n int) []*rtp.Packet {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if p := k.Packets(); len(p) >= n {
			return p
		}
		select {
		case <-k.notify:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("sink %s: expected %d packets, got %d", k.id, n, len(k.Packets()))
			return nil
		}
	}
}

// Track is a scripted inbound media track.
type Track struct {
	id, stream string
	packets    chan *rtp.Packet
}

// NewTrack creates an audio track that yields the packets pushed to it.
func NewTrack(id, stream string) *Track {
	return &Track{id: id, stream: stream, packets: make(chan *rtp.Packet, 64)}
}

func (t *Track) ID() string                { return t.id }
func (t *Track) StreamID() string          { return t.stream }
func (t *Track) Kind() webrtc.RTPCodecType { return webrtc.RTPCodecTypeAudio }

func (t *Track) Codec() webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
}

func (t *Track) ReadRTP() (*rtp.Packet, error) {
	pkt, ok := <-t.packets
	if !ok {
		return nil, io.EOF
	}
	return pkt, nil
}

// Pending returns how many pushed packets are still unread.
func (t *Track) Pending() int {
	return len(t.packets)
}

// Push queues a packet with the given sequence number.
func (t *Track) Push(seq uint16) {
	t.packets <- &rtp.Packet{Header: rtp.Header{Version: 2, SequenceNumber: seq}, Payload: []byte{0xde, 0xad}}
}

// End finishes the track.
func (t *Track) End() {
	close(t.packets)
}

var (
	_ callengine.Engine     = (*Engine)(nil)
	_ callengine.Session    = (*Session)(nil)
	_ callengine.MediaTrack = (*Track)(nil)
	_ callengine.TrackSink  = (*Sink)(nil)
)
