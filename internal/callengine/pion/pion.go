package pion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wiremesh/internal/callengine"
)

// Config tunes the peer connections the engine creates.
type Config struct {
	STUNServers []string

	// ICE timeouts; zero keeps pion's defaults.
	ICEDisconnectedTimeout time.Duration
	ICEFailedTimeout       time.Duration
	ICEKeepaliveInterval   time.Duration
}

// Engine implements callengine.Engine with pion/webrtc peer connections.
type Engine struct {
	api      *webrtc.API
	pcConfig webrtc.Configuration
	log      *zerolog.Logger
}

// New builds the webrtc API with default codecs and interceptors
// (NACK, RTCP reports, TWCC).
func New(cfg Config, logger *zerolog.Logger) (*Engine, error) {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	if cfg.ICEDisconnectedTimeout > 0 || cfg.ICEFailedTimeout > 0 || cfg.ICEKeepaliveInterval > 0 {
		disconnected := orDefault(cfg.ICEDisconnectedTimeout, 5*time.Second)
		failed := orDefault(cfg.ICEFailedTimeout, 25*time.Second)
		keepalive := orDefault(cfg.ICEKeepaliveInterval, 2*time.Second)
		se.SetICETimeouts(disconnected, failed, keepalive)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	pcConfig := webrtc.Configuration{}
	if len(cfg.STUNServers) > 0 {
		pcConfig.ICEServers = []webrtc.ICEServer{{URLs: cfg.STUNServers}}
	}

	return &Engine{api: api, pcConfig: pcConfig, log: logger}, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}

// NewSession creates a peer connection for one participant.
func (e *Engine) NewSession(_ context.Context, id string) (callengine.Session, error) {
	pc, err := e.api.NewPeerConnection(e.pcConfig)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	logger := e.log.With().Str("session", id).Logger()
	s := &session{
		id:      id,
		pc:      pc,
		log:     &logger,
		senders: make(map[callengine.TrackSink]*webrtc.RTPSender),
	}

	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		s.log.Debug().Str("state", st.String()).Msg("peer connection state")
		s.emitState(mapState(st))
	})
	pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		s.log.Debug().Str("track", tr.ID()).Str("kind", tr.Kind().String()).Msg("remote track")
		s.emitTrack(remoteTrack{tr})
	})
	pc.OnNegotiationNeeded(func() {
		s.mu.Lock()
		fns := append([]func(){}, s.negFns...)
		s.mu.Unlock()
		for _, fn := range fns {
			fn()
		}
	})

	return s, nil
}

func mapState(st webrtc.PeerConnectionState) callengine.State {
	switch st {
	case webrtc.PeerConnectionStateConnecting:
		return callengine.StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return callengine.StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return callengine.StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return callengine.StateFailed
	case webrtc.PeerConnectionStateClosed:
		return callengine.StateClosed
	default:
		return callengine.StateNew
	}
}

type session struct {
	id  string
	pc  *webrtc.PeerConnection
	log *zerolog.Logger

	mu       sync.Mutex
	stateFns []func(callengine.State)
	trackFns []func(callengine.MediaTrack)
	negFns   []func()
	senders  map[callengine.TrackSink]*webrtc.RTPSender
}

// Answer applies offer and waits for candidate gathering so the answer is
// complete without trickle from the relay side.
func (s *session) Answer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if offer.Type != webrtc.SDPTypeOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("expected offer, got %s", offer.Type)
	}
	if err := s.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set remote description: %w", err)
	}
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	return s.setLocal(ctx, answer)
}

// Offer starts a relay-initiated renegotiation.
func (s *session) Offer(ctx context.Context) (webrtc.SessionDescription, error) {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	return s.setLocal(ctx, offer)
}

func (s *session) setLocal(ctx context.Context, desc webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	gathered := webrtc.GatheringCompletePromise(s.pc)
	if err := s.pc.SetLocalDescription(desc); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return webrtc.SessionDescription{}, fmt.Errorf("gather candidates: %w", ctx.Err())
	}
	local := s.pc.LocalDescription()
	if local == nil {
		return webrtc.SessionDescription{}, errors.New("no local description")
	}
	return *local, nil
}

func (s *session) AcceptAnswer(answer webrtc.SessionDescription) error {
	if answer.Type != webrtc.SDPTypeAnswer {
		return fmt.Errorf("expected answer, got %s", answer.Type)
	}
	if err := s.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

func (s *session) AddICECandidate(c webrtc.ICECandidateInit) error {
	if err := s.pc.AddICECandidate(c); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

// AddSink adds a static RTP track and keeps reading RTCP from its sender so
// the interceptors run.
func (s *session) AddSink(trackID, streamID string, codec webrtc.RTPCodecCapability) (callengine.TrackSink, error) {
	track, err := webrtc.NewTrackLocalStaticRTP(codec, trackID, streamID)
	if err != nil {
		return nil, fmt.Errorf("new local track: %w", err)
	}
	sender, err := s.pc.AddTrack(track)
	if err != nil {
		return nil, fmt.Errorf("add track: %w", err)
	}

	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	out := &sink{track: track}
	s.mu.Lock()
	s.senders[out] = sender
	s.mu.Unlock()
	return out, nil
}

func (s *session) RemoveSink(ts callengine.TrackSink) error {
	s.mu.Lock()
	sender, ok := s.senders[ts]
	delete(s.senders, ts)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if err := s.pc.RemoveTrack(sender); err != nil {
		return fmt.Errorf("remove track: %w", err)
	}
	return nil
}

func (s *session) OnStateChange(fn func(callengine.State)) {
	s.mu.Lock()
	s.stateFns = append(s.stateFns, fn)
	s.mu.Unlock()
}

func (s *session) OnTrack(fn func(callengine.MediaTrack)) {
	s.mu.Lock()
	s.trackFns = append(s.trackFns, fn)
	s.mu.Unlock()
}

func (s *session) OnNegotiationNeeded(fn func()) {
	s.mu.Lock()
	s.negFns = append(s.negFns, fn)
	s.mu.Unlock()
}

func (s *session) Close() error {
	return s.pc.Close()
}

func (s *session) emitState(st callengine.State) {
	s.mu.Lock()
	fns := append([]func(callengine.State){}, s.stateFns...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(st)
	}
}

func (s *session) emitTrack(t callengine.MediaTrack) {
	s.mu.Lock()
	fns := append([]func(callengine.MediaTrack){}, s.trackFns...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(t)
	}
}

type remoteTrack struct {
	*webrtc.TrackRemote
}

func (t remoteTrack) Codec() webrtc.RTPCodecCapability {
	return t.TrackRemote.Codec().RTPCodecCapability
}

func (t remoteTrack) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := t.TrackRemote.ReadRTP()
	return pkt, err
}

type sink struct {
	track *webrtc.TrackLocalStaticRTP
}

func (s *sink) ID() string { return s.track.ID() }

func (s *sink) WriteRTP(pkt *rtp.Packet) error {
	return s.track.WriteRTP(pkt)
}

var (
	_ callengine.Engine  = (*Engine)(nil)
	_ callengine.Session = (*session)(nil)
)
