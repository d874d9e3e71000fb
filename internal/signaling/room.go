package signaling

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/vovakirdan/wiremesh/internal/callengine"
	"github.com/vovakirdan/wiremesh/internal/core"
	"github.com/vovakirdan/wiremesh/internal/store"
)

type room struct {
	id                 string
	requiredCapability string
	maxParticipants    int
	createdBy          core.Identity
	createdAt          time.Time

	mu           sync.Mutex
	participants map[core.Identity]*participant
	order        []core.Identity
	joining      map[core.Identity]struct{}
	destroyed    bool
	handshakes   int
	// occupied is set by the first completed join. Only occupied rooms are
	// destroyed once nobody is left or joining.
	occupied bool

	// version increases with every snapshot taken; stateHash belongs to
	// hashVersion so a slow Put cannot overwrite a newer handle.
	version     uint64
	hashVersion uint64
	stateHash   store.Handle
}

func newRoom(id, capability string, maxParticipants int, creator core.Identity) *room {
	return &room{
		id:                 id,
		requiredCapability: capability,
		maxParticipants:    maxParticipants,
		createdBy:          creator,
		createdAt:          time.Now().UTC(),
		participants:       make(map[core.Identity]*participant),
		joining:            make(map[core.Identity]struct{}),
	}
}

// participant is the relay's view of one room member. The presence
// connection is never owned here; it is looked up when needed.
type participant struct {
	identity core.Identity
	session  callengine.Session
	joinedAt time.Time

	candidates []webrtc.ICECandidateInit
	remote     map[core.Identity][]webrtc.ICECandidateInit

	audio     atomic.Bool
	connected atomic.Bool

	forwarders  []*forwarder
	unwatchConn func()
	watchdog    *time.Timer
}

func newParticipant(id core.Identity, session callengine.Session, candidates []webrtc.ICECandidateInit) *participant {
	p := &participant{
		identity:   id,
		session:    session,
		joinedAt:   time.Now().UTC(),
		candidates: candidates,
		remote:     make(map[core.Identity][]webrtc.ICECandidateInit),
	}
	p.audio.Store(true)
	return p
}

// handshake gives a and b each other's accumulated candidates.
func handshake(a, b *participant) {
	a.remote[b.identity] = cloneCandidates(b.candidates)
	b.remote[a.identity] = cloneCandidates(a.candidates)
}

func cloneCandidates(in []webrtc.ICECandidateInit) []webrtc.ICECandidateInit {
	if len(in) == 0 {
		return []webrtc.ICECandidateInit{}
	}
	return append([]webrtc.ICECandidateInit(nil), in...)
}

// others returns the participants except id, in join order. Caller holds mu.
func (r *room) others(id core.Identity) []*participant {
	out := make([]*participant, 0, len(r.order))
	for _, pid := range r.order {
		if pid == id {
			continue
		}
		out = append(out, r.participants[pid])
	}
	return out
}

// add inserts p and runs the pairwise handshake with everyone present.
// It returns the number of handshakes performed. Caller holds mu.
func (r *room) add(p *participant) int {
	n := 0
	for _, q := range r.others(p.identity) {
		handshake(p, q)
		n++
	}
	r.participants[p.identity] = p
	r.order = append(r.order, p.identity)
	return n
}

// remove drops id and every trace of it from the remaining participants.
// Caller holds mu.
func (r *room) remove(id core.Identity) *participant {
	p, ok := r.participants[id]
	if !ok {
		return nil
	}
	delete(r.participants, id)
	for i, pid := range r.order {
		if pid == id {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
	for _, q := range r.participants {
		delete(q.remote, id)
	}
	return p
}

// Snapshot is the room state persisted to blob storage.
type Snapshot struct {
	RoomID             string             `json:"room_id"`
	RequiredCapability string             `json:"required_capability,omitempty"`
	MaxParticipants    int                `json:"max_participants"`
	Participants       []ParticipantState `json:"participants"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// ParticipantState is one member inside a Snapshot.
type ParticipantState struct {
	Identity      core.Identity             `json:"identity"`
	AudioEnabled  bool                      `json:"audio_enabled"`
	IceCandidates []webrtc.ICECandidateInit `json:"ice_candidates"`
	JoinedAt      time.Time                 `json:"joined_at"`
}

// snapshot serializes the current state and bumps the version. Caller
// holds mu.
func (r *room) snapshot() ([]byte, uint64, error) {
	r.version++
	snap := Snapshot{
		RoomID:             r.id,
		RequiredCapability: r.requiredCapability,
		MaxParticipants:    r.maxParticipants,
		Participants:       make([]ParticipantState, 0, len(r.order)),
		UpdatedAt:          time.Now().UTC(),
	}
	for _, pid := range r.order {
		p := r.participants[pid]
		snap.Participants = append(snap.Participants, ParticipantState{
			Identity:      p.identity,
			AudioEnabled:  p.audio.Load(),
			IceCandidates: cloneCandidates(p.candidates),
			JoinedAt:      p.joinedAt,
		})
	}
	data, err := json.Marshal(snap)
	return data, r.version, err
}

// setHash records h if it belongs to the newest snapshot stored so far.
func (r *room) setHash(h store.Handle, version uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if version > r.hashVersion {
		r.hashVersion = version
		r.stateHash = h
	}
}

// RoomInfo is a read-only view of a room.
type RoomInfo struct {
	ID                 string        `json:"id"`
	RequiredCapability string        `json:"required_capability,omitempty"`
	MaxParticipants    int           `json:"max_participants"`
	StateHash          store.Handle  `json:"state_hash,omitempty"`
	CreatedBy          core.Identity `json:"created_by"`
	CreatedAt          time.Time     `json:"created_at"`
	Members            []MemberInfo  `json:"members"`
}

// MemberInfo describes one participant in RoomInfo.
type MemberInfo struct {
	Identity     core.Identity `json:"identity"`
	AudioEnabled bool          `json:"audio_enabled"`
	Connected    bool          `json:"connected"`
	Candidates   int           `json:"candidates"`
	Peers        int           `json:"peers"`
}

func (r *room) info() RoomInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := RoomInfo{
		ID:                 r.id,
		RequiredCapability: r.requiredCapability,
		MaxParticipants:    r.maxParticipants,
		StateHash:          r.stateHash,
		CreatedBy:          r.createdBy,
		CreatedAt:          r.createdAt,
		Members:            make([]MemberInfo, 0, len(r.order)),
	}
	for _, pid := range r.order {
		p := r.participants[pid]
		out.Members = append(out.Members, MemberInfo{
			Identity:     p.identity,
			AudioEnabled: p.audio.Load(),
			Connected:    p.connected.Load(),
			Candidates:   len(p.candidates),
			Peers:        len(p.remote),
		})
	}
	return out
}
