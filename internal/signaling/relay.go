package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wiremesh/internal/callengine"
	"github.com/vovakirdan/wiremesh/internal/core"
	"github.com/vovakirdan/wiremesh/internal/metrics"
	"github.com/vovakirdan/wiremesh/internal/store"
)

const defaultMaxParticipants = 8

// Config tunes the relay.
type Config struct {
	// MaxParticipants applies to rooms created without their own bound.
	MaxParticipants int
	// NegotiationTimeout bounds producing an answer for a join.
	NegotiationTimeout time.Duration
	// ConnectTimeout removes a participant whose session has not connected
	// in time. Zero disables the watchdog.
	ConnectTimeout time.Duration
	OracleTimeout  time.Duration
	// WriteTimeout bounds each notification pushed to a participant.
	WriteTimeout time.Duration
}

// RoomSpec describes a room to create.
type RoomSpec struct {
	ID                 string
	RequiredCapability string
	MaxParticipants    int
}

// Relay brokers negotiation among room participants so that every pair
// ends up with a direct channel. It never mixes media.
type Relay struct {
	cfg      Config
	presence *core.Presence
	oracle   core.Oracle
	blobs    store.BlobStore
	engine   callengine.Engine
	log      *zerolog.Logger

	mu    sync.RWMutex
	rooms map[string]*room
}

// New constructs a relay. A nil oracle allows everything.
func New(cfg Config, presence *core.Presence, oracle core.Oracle, blobs store.BlobStore, engine callengine.Engine, logger *zerolog.Logger) *Relay {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if oracle == nil {
		oracle = core.AllowAll
	}
	if cfg.MaxParticipants <= 0 {
		cfg.MaxParticipants = defaultMaxParticipants
	}
	return &Relay{
		cfg:      cfg,
		presence: presence,
		oracle:   oracle,
		blobs:    blobs,
		engine:   engine,
		log:      logger,
		rooms:    make(map[string]*room),
	}
}

// CreateRoom registers an empty room. A required capability is checked
// against the creator first.
func (r *Relay) CreateRoom(ctx context.Context, creator core.Identity, spec RoomSpec) (RoomInfo, error) {
	if spec.RequiredCapability != "" {
		if err := core.Authorize(ctx, r.oracle, r.cfg.OracleTimeout, creator, core.Capability(spec.RequiredCapability)); err != nil {
			return RoomInfo{}, err
		}
	}

	limit := spec.MaxParticipants
	if limit <= 0 {
		limit = r.cfg.MaxParticipants
	}
	id := spec.ID
	if id == "" {
		id = uuid.NewString()
	}
	rm := newRoom(id, spec.RequiredCapability, limit, creator)

	r.mu.Lock()
	if _, exists := r.rooms[id]; exists {
		r.mu.Unlock()
		return RoomInfo{}, fmt.Errorf("%w: %s", core.ErrRoomExists, id)
	}
	r.rooms[id] = rm
	n := len(r.rooms)
	r.mu.Unlock()

	metrics.RoomsActive.Set(float64(n))
	r.log.Info().
		Str("room_id", id).
		Str("identity", string(creator)).
		Int("max_participants", limit).
		Msg("room created")
	return rm.info(), nil
}

// Rooms lists every room ordered by creation time.
func (r *Relay) Rooms() []RoomInfo {
	r.mu.RLock()
	list := make([]*room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		list = append(list, rm)
	}
	r.mu.RUnlock()

	out := make([]RoomInfo, 0, len(list))
	for _, rm := range list {
		out = append(out, rm.info())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Room returns a view of one room.
func (r *Relay) Room(id string) (RoomInfo, error) {
	rm := r.lookup(id)
	if rm == nil {
		return RoomInfo{}, fmt.Errorf("%w: %s", core.ErrRoomNotFound, id)
	}
	return rm.info(), nil
}

// State loads the last stored snapshot of a room.
func (r *Relay) State(ctx context.Context, id string) (Snapshot, error) {
	rm := r.lookup(id)
	if rm == nil {
		return Snapshot{}, fmt.Errorf("%w: %s", core.ErrRoomNotFound, id)
	}
	rm.mu.Lock()
	h := rm.stateHash
	rm.mu.Unlock()
	if h == "" {
		return Snapshot{}, fmt.Errorf("%w: %s", core.ErrStateNotFound, id)
	}

	data, err := r.blobs.Get(ctx, h)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return Snapshot{}, fmt.Errorf("%w: %s", core.ErrStateNotFound, h)
	case err != nil:
		return Snapshot{}, fmt.Errorf("%w: %v", core.ErrStorageUnavailable, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot %s: %w", h, err)
	}
	return snap, nil
}

func (r *Relay) lookup(id string) *room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rooms[id]
}

// Join admits id into the room and returns the relay's answer to offer.
// The new participant is handshaken with every existing one and the room
// snapshot is persisted before Join returns. If persisting fails the join
// is undone.
func (r *Relay) Join(ctx context.Context, roomID string, id core.Identity, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	answer, err := r.join(ctx, roomID, id, offer)
	result := "ok"
	if err != nil {
		result = core.ErrorCode(err)
	}
	metrics.RoomJoins.WithLabelValues(result).Inc()
	return answer, err
}

func (r *Relay) join(ctx context.Context, roomID string, id core.Identity, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	var none webrtc.SessionDescription

	rm := r.lookup(roomID)
	if rm == nil {
		return none, fmt.Errorf("%w: %s", core.ErrRoomNotFound, roomID)
	}

	// Reserve a slot so concurrent joins cannot overfill the room while the
	// oracle and negotiation run unlocked.
	rm.mu.Lock()
	if rm.destroyed {
		rm.mu.Unlock()
		return none, fmt.Errorf("%w: %s", core.ErrRoomNotFound, roomID)
	}
	_, member := rm.participants[id]
	_, pending := rm.joining[id]
	if member || pending {
		rm.mu.Unlock()
		return none, fmt.Errorf("%w: %s in %s", core.ErrAlreadyJoined, id, roomID)
	}
	if len(rm.participants)+len(rm.joining) >= rm.maxParticipants {
		rm.mu.Unlock()
		return none, fmt.Errorf("%w: %s has %d participants", core.ErrRoomFull, roomID, rm.maxParticipants)
	}
	rm.joining[id] = struct{}{}
	capability := rm.requiredCapability
	rm.mu.Unlock()

	release := func() {
		rm.mu.Lock()
		delete(rm.joining, id)
		rm.mu.Unlock()
		r.destroyIfIdle(rm)
	}

	if capability != "" {
		if err := core.Authorize(ctx, r.oracle, r.cfg.OracleTimeout, id, core.Capability(capability)); err != nil {
			release()
			return none, err
		}
	}

	session, err := r.engine.NewSession(ctx, roomID+"/"+string(id))
	if err != nil {
		release()
		return none, fmt.Errorf("new session: %w", err)
	}
	r.watchSession(roomID, id, session)

	nctx := ctx
	if r.cfg.NegotiationTimeout > 0 {
		var cancel context.CancelFunc
		nctx, cancel = context.WithTimeout(ctx, r.cfg.NegotiationTimeout)
		defer cancel()
	}
	answer, err := session.Answer(nctx, offer)
	if err != nil {
		_ = session.Close()
		release()
		return none, fmt.Errorf("negotiate: %w", err)
	}

	p := newParticipant(id, session, offerCandidates(offer))

	rm.mu.Lock()
	delete(rm.joining, id)
	if rm.destroyed {
		rm.mu.Unlock()
		_ = session.Close()
		return none, fmt.Errorf("%w: %s", core.ErrRoomNotFound, roomID)
	}
	rm.handshakes += rm.add(p)
	peers := rm.others(id)
	var existing []*forwarder
	for _, q := range peers {
		existing = append(existing, q.forwarders...)
	}
	notices := joinNotices(roomID, p, peers)
	data, version, snapErr := rm.snapshot()
	rm.mu.Unlock()

	var handle store.Handle
	if snapErr == nil {
		handle, snapErr = r.blobs.Put(ctx, data)
	}
	if snapErr != nil {
		r.rollback(ctx, rm, p)
		r.log.Warn().
			Err(snapErr).
			Str("room_id", roomID).
			Str("identity", string(id)).
			Msg("join rolled back, snapshot not stored")
		return none, fmt.Errorf("%w: %v", core.ErrStorageUnavailable, snapErr)
	}
	rm.setHash(handle, version)
	rm.mu.Lock()
	rm.occupied = true
	rm.mu.Unlock()

	for _, f := range existing {
		if err := f.attach(p); err != nil {
			r.log.Debug().Err(err).Str("room_id", roomID).Str("identity", string(id)).Msg("attach sink")
		}
	}
	r.watchParticipant(rm, p)
	r.notify(ctx, notices)

	r.log.Info().
		Str("room_id", roomID).
		Str("identity", string(id)).
		Int("peers", len(peers)).
		Str("state_hash", handle.String()).
		Msg("joined room")
	return answer, nil
}

// rollback undoes a join whose snapshot could not be stored. Peers that
// were paired with p lose the pairing and are told p left.
func (r *Relay) rollback(ctx context.Context, rm *room, p *participant) {
	rm.mu.Lock()
	var paired []core.Identity
	if rm.participants[p.identity] == p {
		for _, q := range rm.others(p.identity) {
			for _, f := range q.forwarders {
				f.detach(p.identity)
			}
			paired = append(paired, q.identity)
		}
		rm.handshakes -= len(paired)
		rm.remove(p.identity)
	}
	var stale []sinkRef
	for _, f := range p.forwarders {
		stale = append(stale, f.stop()...)
	}
	rm.mu.Unlock()

	r.removeSinks(stale)
	_ = p.session.Close()
	r.notify(ctx, leaveNotices(rm.id, p.identity, paired))
	r.destroyIfIdle(rm)
}

// destroyIfIdle forgets an occupied room once nobody is in it or waiting
// to join. A room nobody has joined yet is kept.
func (r *Relay) destroyIfIdle(rm *room) {
	rm.mu.Lock()
	idle := rm.occupied && !rm.destroyed && len(rm.participants) == 0 && len(rm.joining) == 0
	if idle {
		rm.destroyed = true
	}
	rm.mu.Unlock()
	if idle {
		r.forget(rm)
	}
}

// forget drops a destroyed room from the index.
func (r *Relay) forget(rm *room) {
	r.mu.Lock()
	if r.rooms[rm.id] == rm {
		delete(r.rooms, rm.id)
	}
	n := len(r.rooms)
	r.mu.Unlock()
	metrics.RoomsActive.Set(float64(n))
	r.log.Info().Str("room_id", rm.id).Msg("room destroyed")
}

// Leave removes id from the room and closes its negotiation state. An
// empty room is destroyed. A snapshot failure is reported but the
// participant stays removed.
func (r *Relay) Leave(ctx context.Context, roomID string, id core.Identity) error {
	return r.leave(ctx, roomID, id, nil)
}

// leave removes id; when only is set, id is removed only while it still
// uses that session.
func (r *Relay) leave(ctx context.Context, roomID string, id core.Identity, only callengine.Session) error {
	rm := r.lookup(roomID)
	if rm == nil {
		return fmt.Errorf("%w: %s", core.ErrRoomNotFound, roomID)
	}

	rm.mu.Lock()
	p := rm.participants[id]
	if p == nil || (only != nil && p.session != only) {
		rm.mu.Unlock()
		return fmt.Errorf("%w: %s in %s", core.ErrNotMember, id, roomID)
	}
	rm.remove(id)

	var stale []sinkRef
	for _, f := range p.forwarders {
		stale = append(stale, f.stop()...)
	}
	remaining := make([]core.Identity, 0, len(rm.order))
	for _, pid := range rm.order {
		for _, f := range rm.participants[pid].forwarders {
			f.detach(id)
		}
		remaining = append(remaining, pid)
	}
	unwatch, watchdog := p.unwatchConn, p.watchdog

	empty := len(rm.participants) == 0 && len(rm.joining) == 0
	var (
		data    []byte
		version uint64
		snapErr error
	)
	if empty {
		rm.destroyed = true
	} else {
		data, version, snapErr = rm.snapshot()
	}
	rm.mu.Unlock()

	if unwatch != nil {
		unwatch()
	}
	if watchdog != nil {
		watchdog.Stop()
	}
	r.removeSinks(stale)
	if err := p.session.Close(); err != nil {
		r.log.Debug().Err(err).Str("room_id", roomID).Str("identity", string(id)).Msg("close session")
	}

	r.notify(ctx, leaveNotices(roomID, id, remaining))
	r.log.Info().Str("room_id", roomID).Str("identity", string(id)).Msg("left room")

	if empty {
		r.forget(rm)
		return nil
	}

	var handle store.Handle
	if snapErr == nil {
		handle, snapErr = r.blobs.Put(ctx, data)
	}
	if snapErr != nil {
		return fmt.Errorf("%w: %v", core.ErrStorageUnavailable, snapErr)
	}
	rm.setHash(handle, version)
	return nil
}

// Close ends every session and forgets all rooms.
func (r *Relay) Close() {
	r.mu.Lock()
	rooms := r.rooms
	r.rooms = make(map[string]*room)
	r.mu.Unlock()

	var (
		sessions []callengine.Session
		unwatch  []func()
	)
	for _, rm := range rooms {
		rm.mu.Lock()
		rm.destroyed = true
		for _, p := range rm.participants {
			for _, f := range p.forwarders {
				f.stop()
			}
			if p.watchdog != nil {
				p.watchdog.Stop()
			}
			if p.unwatchConn != nil {
				unwatch = append(unwatch, p.unwatchConn)
			}
			sessions = append(sessions, p.session)
		}
		rm.mu.Unlock()
	}

	for _, fn := range unwatch {
		fn()
	}
	for _, s := range sessions {
		_ = s.Close()
	}
	metrics.RoomsActive.Set(0)
}

func (r *Relay) watchSession(roomID string, id core.Identity, session callengine.Session) {
	session.OnStateChange(func(st callengine.State) {
		r.onSessionState(roomID, id, session, st)
	})
	session.OnTrack(func(t callengine.MediaTrack) {
		r.onTrack(roomID, id, session, t)
	})
	session.OnNegotiationNeeded(func() {
		go r.renegotiate(roomID, id, session)
	})
}

// watchParticipant ties the participant to its presence connection and
// starts the connect watchdog.
func (r *Relay) watchParticipant(rm *room, p *participant) {
	var unwatch func()
	if conn := r.presenceConn(p.identity); conn != nil {
		unwatch = conn.OnStateChange(func(s core.ConnState) {
			if s.Terminal() {
				go r.autoLeave(rm.id, p.identity, p.session, "connection "+s.String())
			}
		})
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.participants[p.identity] != p {
		if unwatch != nil {
			unwatch()
		}
		return
	}
	p.unwatchConn = unwatch
	if r.cfg.ConnectTimeout > 0 && !p.connected.Load() {
		p.watchdog = time.AfterFunc(r.cfg.ConnectTimeout, func() {
			if !p.connected.Load() {
				r.autoLeave(rm.id, p.identity, p.session, "connect timeout")
			}
		})
	}
}

func (r *Relay) onSessionState(roomID string, id core.Identity, session callengine.Session, st callengine.State) {
	switch {
	case st == callengine.StateConnected:
		rm := r.lookup(roomID)
		if rm == nil {
			return
		}
		rm.mu.Lock()
		if p := rm.participants[id]; p != nil && p.session == session {
			p.connected.Store(true)
			if p.watchdog != nil {
				p.watchdog.Stop()
			}
		}
		rm.mu.Unlock()
	case st.Terminal():
		go r.autoLeave(roomID, id, session, "session "+st.String())
	}
}

// autoLeave removes a participant whose transport died. It is a no-op if
// the participant already left or rejoined with a new session.
func (r *Relay) autoLeave(roomID string, id core.Identity, session callengine.Session, reason string) {
	err := r.leave(context.Background(), roomID, id, session)
	switch {
	case err == nil:
		r.log.Info().Str("room_id", roomID).Str("identity", string(id)).Str("reason", reason).Msg("participant removed")
	case errors.Is(err, core.ErrNotMember), errors.Is(err, core.ErrRoomNotFound):
	default:
		r.log.Warn().Err(err).Str("room_id", roomID).Str("identity", string(id)).Msg("auto leave")
	}
}

func (r *Relay) onTrack(roomID string, src core.Identity, session callengine.Session, track callengine.MediaTrack) {
	rm := r.lookup(roomID)
	if rm == nil {
		return
	}

	rm.mu.Lock()
	p := rm.participants[src]
	if p == nil || p.session != session {
		rm.mu.Unlock()
		return
	}
	f := newForwarder(p, track, r.log)
	p.forwarders = append(p.forwarders, f)
	targets := rm.others(src)
	rm.mu.Unlock()

	for _, q := range targets {
		if err := f.attach(q); err != nil {
			r.log.Debug().Err(err).Str("room_id", roomID).Str("identity", string(q.identity)).Msg("attach sink")
		}
	}
	r.log.Debug().
		Str("room_id", roomID).
		Str("identity", string(src)).
		Str("track", track.ID()).
		Int("sinks", len(targets)).
		Msg("forwarding track")
	go f.run()
}

// renegotiate sends a relay-initiated offer after sinks changed.
func (r *Relay) renegotiate(roomID string, id core.Identity, session callengine.Session) {
	rm := r.lookup(roomID)
	if rm == nil {
		return
	}
	rm.mu.Lock()
	p := rm.participants[id]
	rm.mu.Unlock()
	if p == nil || p.session != session {
		return
	}

	ctx := context.Background()
	if r.cfg.NegotiationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.NegotiationTimeout)
		defer cancel()
	}
	offer, err := session.Offer(ctx)
	if err != nil {
		r.log.Warn().Err(err).Str("room_id", roomID).Str("identity", string(id)).Msg("renegotiation offer")
		return
	}
	r.notify(ctx, []notice{{
		to: id,
		ev: &core.Event{Kind: core.EventSignal, Signal: &core.SignalEvent{
			RoomID: roomID,
			To:     id,
			Type:   core.SignalOffer,
			SDP:    &offer,
		}},
	}})
}

func (r *Relay) removeSinks(refs []sinkRef) {
	for _, ref := range refs {
		if err := ref.session.RemoveSink(ref.sink); err != nil {
			r.log.Debug().Err(err).Str("sink", ref.sink.ID()).Msg("remove sink")
		}
	}
}

func (r *Relay) presenceConn(id core.Identity) core.Connection {
	if r.presence == nil {
		return nil
	}
	return r.presence.Lookup(id)
}

type notice struct {
	to core.Identity
	ev *core.Event
}

func joinNotices(roomID string, p *participant, peers []*participant) []notice {
	out := make([]notice, 0, 2*len(peers))
	for _, q := range peers {
		out = append(out,
			notice{to: q.identity, ev: &core.Event{Kind: core.EventPeerJoined, Signal: &core.SignalEvent{
				RoomID:     roomID,
				From:       p.identity,
				To:         q.identity,
				Candidates: cloneCandidates(p.candidates),
			}}},
			notice{to: p.identity, ev: &core.Event{Kind: core.EventPeerJoined, Signal: &core.SignalEvent{
				RoomID:     roomID,
				From:       q.identity,
				To:         p.identity,
				Candidates: cloneCandidates(q.candidates),
			}}},
		)
	}
	return out
}

func leaveNotices(roomID string, left core.Identity, peers []core.Identity) []notice {
	out := make([]notice, 0, len(peers))
	for _, q := range peers {
		out = append(out, notice{to: q, ev: &core.Event{Kind: core.EventPeerLeft, Signal: &core.SignalEvent{
			RoomID: roomID,
			From:   left,
			To:     q,
		}}})
	}
	return out
}

// notify pushes events to whoever is online. Failures are logged only.
func (r *Relay) notify(ctx context.Context, notices []notice) {
	for _, n := range notices {
		conn := r.presenceConn(n.to)
		if conn == nil {
			continue
		}
		wctx := ctx
		var cancel context.CancelFunc = func() {}
		if r.cfg.WriteTimeout > 0 {
			wctx, cancel = context.WithTimeout(ctx, r.cfg.WriteTimeout)
		}
		if err := conn.Send(wctx, n.ev); err != nil {
			r.log.Debug().Err(err).Str("identity", string(n.to)).Str("conn_id", conn.ID()).Msg("notify participant")
		}
		cancel()
	}
}

// offerCandidates extracts the candidates embedded in an SDP offer.
func offerCandidates(offer webrtc.SessionDescription) []webrtc.ICECandidateInit {
	parsed, err := offer.Unmarshal()
	if err != nil {
		return nil
	}
	var out []webrtc.ICECandidateInit
	for i, md := range parsed.MediaDescriptions {
		mid := ""
		for _, a := range md.Attributes {
			if a.Key == "mid" {
				mid = a.Value
			}
		}
		idx := uint16(i)
		for _, a := range md.Attributes {
			if a.Key != "candidate" {
				continue
			}
			c := webrtc.ICECandidateInit{Candidate: "candidate:" + a.Value, SDPMLineIndex: &idx}
			if mid != "" {
				c.SDPMid = &mid
			}
			out = append(out, c)
		}
	}
	return out
}
