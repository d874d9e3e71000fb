package signaling

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/vovakirdan/wiremesh/internal/core"
	"github.com/vovakirdan/wiremesh/internal/store"
)

// Signal is one negotiation message between participants.
type Signal struct {
	Type      core.SignalType
	SDP       *webrtc.SessionDescription
	Candidate *webrtc.ICECandidateInit
}

func (s Signal) validate() error {
	switch s.Type {
	case core.SignalOffer, core.SignalAnswer:
		if s.SDP == nil {
			return fmt.Errorf("%w: %s without sdp", core.ErrBadRequest, s.Type)
		}
	case core.SignalCandidate:
		if s.Candidate == nil {
			return fmt.Errorf("%w: candidate missing", core.ErrBadRequest)
		}
	case core.SignalHangup:
	default:
		return fmt.Errorf("%w: unknown signal type %q", core.ErrBadRequest, s.Type)
	}
	return nil
}

// RelaySignal forwards sig from one participant to another, point to point.
// An empty to addresses the relay itself: answers and offers renegotiate
// the sender's session, a candidate is trickled and a hangup leaves.
func (r *Relay) RelaySignal(ctx context.Context, roomID string, from, to core.Identity, sig Signal) error {
	if err := sig.validate(); err != nil {
		return err
	}
	if to == "" {
		return r.signalRelay(ctx, roomID, from, sig)
	}

	rm := r.lookup(roomID)
	if rm == nil {
		return fmt.Errorf("%w: %s", core.ErrRoomNotFound, roomID)
	}

	rm.mu.Lock()
	src, dst := rm.participants[from], rm.participants[to]
	if src == nil || dst == nil {
		rm.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s in %s", core.ErrNotMember, from, to, roomID)
	}
	if sig.Type == core.SignalCandidate {
		dst.remote[from] = append(dst.remote[from], *sig.Candidate)
	}
	rm.mu.Unlock()

	r.notify(ctx, []notice{{
		to: to,
		ev: &core.Event{Kind: core.EventSignal, Signal: &core.SignalEvent{
			RoomID:    roomID,
			From:      from,
			To:        to,
			Type:      sig.Type,
			SDP:       sig.SDP,
			Candidate: sig.Candidate,
		}},
	}})
	return nil
}

func (r *Relay) signalRelay(ctx context.Context, roomID string, from core.Identity, sig Signal) error {
	switch sig.Type {
	case core.SignalCandidate:
		return r.AddCandidate(ctx, roomID, from, *sig.Candidate)
	case core.SignalHangup:
		return r.Leave(ctx, roomID, from)
	}

	p, err := r.participant(roomID, from)
	if err != nil {
		return err
	}

	if sig.Type == core.SignalAnswer {
		if err := p.session.AcceptAnswer(*sig.SDP); err != nil {
			return fmt.Errorf("%w: %v", core.ErrBadRequest, err)
		}
		return nil
	}

	nctx := ctx
	if r.cfg.NegotiationTimeout > 0 {
		var cancel context.CancelFunc
		nctx, cancel = context.WithTimeout(ctx, r.cfg.NegotiationTimeout)
		defer cancel()
	}
	answer, err := p.session.Answer(nctx, *sig.SDP)
	if err != nil {
		return fmt.Errorf("renegotiate: %w", err)
	}
	r.notify(ctx, []notice{{
		to: from,
		ev: &core.Event{Kind: core.EventSignal, Signal: &core.SignalEvent{
			RoomID: roomID,
			To:     from,
			Type:   core.SignalAnswer,
			SDP:    &answer,
		}},
	}})
	return nil
}

func (r *Relay) participant(roomID string, id core.Identity) (*participant, error) {
	rm := r.lookup(roomID)
	if rm == nil {
		return nil, fmt.Errorf("%w: %s", core.ErrRoomNotFound, roomID)
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	p := rm.participants[id]
	if p == nil {
		return nil, fmt.Errorf("%w: %s in %s", core.ErrNotMember, id, roomID)
	}
	return p, nil
}

// AddCandidate records a trickled candidate of id, applies it to id's own
// session and forwards it to every peer. A snapshot failure is only logged.
func (r *Relay) AddCandidate(ctx context.Context, roomID string, id core.Identity, cand webrtc.ICECandidateInit) error {
	rm := r.lookup(roomID)
	if rm == nil {
		return fmt.Errorf("%w: %s", core.ErrRoomNotFound, roomID)
	}

	rm.mu.Lock()
	p := rm.participants[id]
	if p == nil {
		rm.mu.Unlock()
		return fmt.Errorf("%w: %s in %s", core.ErrNotMember, id, roomID)
	}
	p.candidates = append(p.candidates, cand)
	peers := rm.others(id)
	notices := make([]notice, 0, len(peers))
	for _, q := range peers {
		q.remote[id] = append(q.remote[id], cand)
		c := cand
		notices = append(notices, notice{to: q.identity, ev: &core.Event{Kind: core.EventSignal, Signal: &core.SignalEvent{
			RoomID:    roomID,
			From:      id,
			To:        q.identity,
			Type:      core.SignalCandidate,
			Candidate: &c,
		}}})
	}
	session := p.session
	data, version, snapErr := rm.snapshot()
	rm.mu.Unlock()

	if err := session.AddICECandidate(cand); err != nil {
		r.log.Debug().Err(err).Str("room_id", roomID).Str("identity", string(id)).Msg("apply candidate")
	}
	r.notify(ctx, notices)
	r.persist(ctx, rm, data, version, snapErr)
	return nil
}

// SetAudio mutes or unmutes id. Packets from a muted participant are not
// forwarded.
func (r *Relay) SetAudio(ctx context.Context, roomID string, id core.Identity, enabled bool) error {
	rm := r.lookup(roomID)
	if rm == nil {
		return fmt.Errorf("%w: %s", core.ErrRoomNotFound, roomID)
	}

	rm.mu.Lock()
	p := rm.participants[id]
	if p == nil {
		rm.mu.Unlock()
		return fmt.Errorf("%w: %s in %s", core.ErrNotMember, id, roomID)
	}
	p.audio.Store(enabled)
	data, version, snapErr := rm.snapshot()
	rm.mu.Unlock()

	r.persist(ctx, rm, data, version, snapErr)
	return nil
}

// persist stores a snapshot whose failure must not fail the caller.
func (r *Relay) persist(ctx context.Context, rm *room, data []byte, version uint64, snapErr error) {
	var handle store.Handle
	if snapErr == nil {
		handle, snapErr = r.blobs.Put(ctx, data)
	}
	if snapErr != nil {
		r.log.Warn().Err(snapErr).Str("room_id", rm.id).Msg("store room snapshot")
		return
	}
	rm.setHash(handle, version)
}

// RemoteCandidates returns the candidates id has received from peer.
func (r *Relay) RemoteCandidates(roomID string, id, peer core.Identity) ([]webrtc.ICECandidateInit, error) {
	rm := r.lookup(roomID)
	if rm == nil {
		return nil, fmt.Errorf("%w: %s", core.ErrRoomNotFound, roomID)
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	p := rm.participants[id]
	if p == nil {
		return nil, fmt.Errorf("%w: %s in %s", core.ErrNotMember, id, roomID)
	}
	cands, ok := p.remote[peer]
	if !ok {
		return nil, fmt.Errorf("%w: %s has no handshake with %s", core.ErrNotMember, id, peer)
	}
	return cloneCandidates(cands), nil
}
