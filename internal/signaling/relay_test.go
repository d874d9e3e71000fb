package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/vovakirdan/wiremesh/internal/callengine"
	"github.com/vovakirdan/wiremesh/internal/core"
)

func TestJoinReturnsAnswer(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.createRoom(t, RoomSpec{ID: "r1"})

	answer := f.mustJoin(t, "r1", "alice")
	if answer.Type != webrtc.SDPTypeAnswer || answer.SDP != "answer-for-r1/alice" {
		t.Fatalf("unexpected answer %+v", answer)
	}
	if got := f.members(t, "r1"); len(got) != 1 || got[0] != "alice" {
		t.Fatalf("unexpected members %v", got)
	}
}

func TestJoinRejectsWhenRoomFull(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.createRoom(t, RoomSpec{ID: "r1", MaxParticipants: 2})

	f.mustJoin(t, "r1", "alice")
	f.mustJoin(t, "r1", "bob")

	f.connect("carol")
	_, err := f.relay.Join(context.Background(), "r1", "carol", testOffer(""))
	if !errors.Is(err, core.ErrRoomFull) {
		t.Fatalf("expected ErrRoomFull, got %v", err)
	}
	if got := f.members(t, "r1"); len(got) != 2 {
		t.Fatalf("membership changed: %v", got)
	}
	if f.session("r1", "carol") != nil {
		t.Fatalf("a session was created for a rejected join")
	}
}

func TestConcurrentJoinsNeverExceedCapacity(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.createRoom(t, RoomSpec{ID: "r1", MaxParticipants: 3})

	const joiners = 10
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ok      int
		full    int
		unknown []error
	)
	for i := range joiners {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.relay.Join(context.Background(), "r1", core.Identity(fmt.Sprintf("p%d", i)), testOffer(""))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, core.ErrRoomFull):
				full++
			default:
				unknown = append(unknown, err)
			}
		}(i)
	}
	wg.Wait()

	if len(unknown) > 0 {
		t.Fatalf("unexpected errors: %v", unknown)
	}
	if ok != 3 || full != joiners-3 {
		t.Fatalf("expected 3 joins and %d rejections, got %d and %d", joiners-3, ok, full)
	}
}

func TestSequentialJoinsFormFullMesh(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.createRoom(t, RoomSpec{ID: "mesh", MaxParticipants: 10})

	ids := []core.Identity{"a", "b", "c", "d", "e"}
	for _, id := range ids {
		f.mustJoin(t, "mesh", id)
	}

	n := len(ids)
	rm := f.relay.lookup("mesh")
	rm.mu.Lock()
	handshakes := rm.handshakes
	rm.mu.Unlock()
	if handshakes != n*(n-1)/2 {
		t.Fatalf("expected %d pairwise handshakes, got %d", n*(n-1)/2, handshakes)
	}

	for _, x := range ids {
		for _, y := range ids {
			if x == y {
				continue
			}
			if _, err := f.relay.RemoteCandidates("mesh", x, y); err != nil {
				t.Fatalf("%s has no handshake state for %s: %v", x, y, err)
			}
		}
	}
}

func TestJoinExchangesCandidates(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.createRoom(t, RoomSpec{ID: "r1"})
	ctx := context.Background()

	aliceConn := f.connect("alice")
	bobConn := f.connect("bob")

	f.mustJoin(t, "r1", "alice")
	ca := candidate("1 1 udp 2130706431 10.0.0.1 5000 typ host")
	if err := f.relay.AddCandidate(ctx, "r1", "alice", ca); err != nil {
		t.Fatalf("alice candidate: %v", err)
	}

	bobOffer := testOffer("2 1 udp 2130706431 10.0.0.2 6000 typ host")
	if _, err := f.relay.Join(ctx, "r1", "bob", bobOffer); err != nil {
		t.Fatalf("bob join: %v", err)
	}

	fromAlice, err := f.relay.RemoteCandidates("r1", "bob", "alice")
	if err != nil || len(fromAlice) != 1 || fromAlice[0].Candidate != ca.Candidate {
		t.Fatalf("bob did not receive alice's candidates: %v %v", fromAlice, err)
	}
	fromBob, err := f.relay.RemoteCandidates("r1", "alice", "bob")
	if err != nil || len(fromBob) != 1 {
		t.Fatalf("alice did not receive bob's candidates: %v %v", fromBob, err)
	}
	if fromBob[0].SDPMid == nil || *fromBob[0].SDPMid != "0" {
		t.Fatalf("candidate lost its mid: %+v", fromBob[0])
	}

	// Both sides are told about each other.
	toAlice := aliceConn.WaitFor(t, core.EventPeerJoined, 1)
	if s := toAlice[0].Signal; s.From != "bob" || len(s.Candidates) != 1 {
		t.Fatalf("unexpected peer_joined for alice: %+v", s)
	}
	toBob := bobConn.WaitFor(t, core.EventPeerJoined, 1)
	if s := toBob[0].Signal; s.From != "alice" || len(s.Candidates) != 1 {
		t.Fatalf("unexpected peer_joined for bob: %+v", s)
	}

	// Trickled candidates after the join reach the peer too.
	cb := candidate("3 1 udp 1694498815 203.0.113.7 7000 typ srflx")
	if err := f.relay.AddCandidate(ctx, "r1", "bob", cb); err != nil {
		t.Fatalf("bob candidate: %v", err)
	}
	fromBob, _ = f.relay.RemoteCandidates("r1", "alice", "bob")
	if len(fromBob) != 2 {
		t.Fatalf("expected 2 candidates from bob, got %d", len(fromBob))
	}
	sig := aliceConn.WaitFor(t, core.EventSignal, 1)[0].Signal
	if sig.Type != core.SignalCandidate || sig.From != "bob" || sig.Candidate.Candidate != cb.Candidate {
		t.Fatalf("unexpected trickle signal: %+v", sig)
	}
	if got := f.session("r1", "bob").Candidates(); len(got) != 1 || got[0].Candidate != cb.Candidate {
		t.Fatalf("candidate not applied to bob's session: %v", got)
	}
}

func TestJoinDeniedByOracle(t *testing.T) {
	f := newFixture(t, Config{}, denyOracle("bob"))
	f.createRoom(t, RoomSpec{ID: "vip", RequiredCapability: "nft:club"})
	f.mustJoin(t, "vip", "alice")

	_, err := f.relay.Join(context.Background(), "vip", "bob", testOffer(""))
	if !errors.Is(err, core.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if got := f.members(t, "vip"); len(got) != 1 || got[0] != "alice" {
		t.Fatalf("membership changed: %v", got)
	}
}

func TestOracleFailureDeniesJoin(t *testing.T) {
	oracle := core.OracleFunc(func(context.Context, core.Identity, core.Resource) (bool, error) {
		return false, errors.New("chain rpc timeout")
	})
	f := newFixture(t, Config{}, oracle)

	// Room creation is gated too, so create it ungated and flip the field.
	f.createRoom(t, RoomSpec{ID: "vip"})
	rm := f.relay.lookup("vip")
	rm.mu.Lock()
	rm.requiredCapability = "nft:club"
	rm.mu.Unlock()

	_, err := f.relay.Join(context.Background(), "vip", "alice", testOffer(""))
	if !errors.Is(err, core.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestUngatedRoomSkipsOracle(t *testing.T) {
	called := false
	oracle := core.OracleFunc(func(context.Context, core.Identity, core.Resource) (bool, error) {
		called = true
		return false, nil
	})
	f := newFixture(t, Config{}, oracle)
	f.createRoom(t, RoomSpec{ID: "open"})
	f.mustJoin(t, "open", "alice")
	if called {
		t.Fatalf("oracle consulted for a room without a capability")
	}
}

func TestJoinErrors(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.createRoom(t, RoomSpec{ID: "r1"})
	f.mustJoin(t, "r1", "alice")

	cases := []struct {
		name string
		room string
		id   core.Identity
		want error
	}{
		{"unknown room", "ghost", "bob", core.ErrRoomNotFound},
		{"already joined", "r1", "alice", core.ErrAlreadyJoined},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.relay.Join(context.Background(), tc.room, tc.id, testOffer(""))
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestJoinRollsBackWhenSnapshotFails(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.createRoom(t, RoomSpec{ID: "r1", MaxParticipants: 2})
	f.mustJoin(t, "r1", "alice")
	before, _ := f.relay.Room("r1")

	f.blobs.fail.Store(true)
	f.connect("bob")
	_, err := f.relay.Join(context.Background(), "r1", "bob", testOffer(""))
	if !errors.Is(err, core.ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, got %v", err)
	}
	if got := f.members(t, "r1"); len(got) != 1 || got[0] != "alice" {
		t.Fatalf("bob not rolled back: %v", got)
	}
	if _, err := f.relay.RemoteCandidates("r1", "alice", "bob"); err == nil {
		t.Fatalf("alice kept handshake state for a rolled back peer")
	}
	if !f.session("r1", "bob").Closed() {
		t.Fatalf("rolled back session not closed")
	}
	after, _ := f.relay.Room("r1")
	if after.StateHash != before.StateHash {
		t.Fatalf("state hash moved on a failed join")
	}

	// The slot is free again once storage recovers.
	f.blobs.fail.Store(false)
	f.mustJoin(t, "r1", "bob")
}

func TestRollbackUnpairsConcurrentJoiner(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.createRoom(t, RoomSpec{ID: "r1"})
	f.mustJoin(t, "r1", "alice")
	f.connect("bob")
	f.connect("carol")

	held := f.blobs.holdNextPut()
	errc := make(chan error, 1)
	go func() {
		_, err := f.relay.Join(context.Background(), "r1", "bob", testOffer(""))
		errc <- err
	}()
	<-held.entered

	// carol pairs with bob while bob's snapshot is still in flight.
	f.mustJoin(t, "r1", "carol")
	close(held.release)
	if err := <-errc; !errors.Is(err, core.ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, got %v", err)
	}

	left := f.conns["carol"].WaitFor(t, core.EventPeerLeft, 1)
	if left[0].Signal.From != "bob" {
		t.Fatalf("unexpected peer_left %+v", left[0].Signal)
	}
	if _, err := f.relay.RemoteCandidates("r1", "carol", "bob"); err == nil {
		t.Fatalf("carol kept handshake state for a rolled back peer")
	}
	if got := f.members(t, "r1"); len(got) != 2 || got[0] != "alice" || got[1] != "carol" {
		t.Fatalf("unexpected members %v", got)
	}

	rm := f.relay.lookup("r1")
	rm.mu.Lock()
	handshakes := rm.handshakes
	rm.mu.Unlock()
	if handshakes != 1 {
		t.Fatalf("expected 1 handshake after rollback, got %d", handshakes)
	}
}

func TestFailedJoinDestroysAbandonedRoom(t *testing.T) {
	f := newFixture(t, Config{NegotiationTimeout: 300 * time.Millisecond}, nil)
	f.createRoom(t, RoomSpec{ID: "r1"})
	f.mustJoin(t, "r1", "alice")
	f.connect("bob")

	f.engine.BlockAnswer = true
	errc := make(chan error, 1)
	go func() {
		_, err := f.relay.Join(context.Background(), "r1", "bob", testOffer(""))
		errc <- err
	}()

	rm := f.relay.lookup("r1")
	eventually(t, "bob reserved", func() bool {
		rm.mu.Lock()
		defer rm.mu.Unlock()
		_, ok := rm.joining["bob"]
		return ok
	})
	if err := f.relay.Leave(context.Background(), "r1", "alice"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if _, err := f.relay.Room("r1"); err != nil {
		t.Fatalf("room destroyed while a join was pending: %v", err)
	}

	if err := <-errc; !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if _, err := f.relay.Room("r1"); !errors.Is(err, core.ErrRoomNotFound) {
		t.Fatalf("abandoned room kept: %v", err)
	}
	if got := f.relay.Rooms(); len(got) != 0 {
		t.Fatalf("expected no rooms, got %d", len(got))
	}
}

func TestRollbackAfterLastLeaveDestroysRoom(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.createRoom(t, RoomSpec{ID: "r1"})
	f.mustJoin(t, "r1", "alice")
	f.connect("bob")

	held := f.blobs.holdNextPut()
	errc := make(chan error, 1)
	go func() {
		_, err := f.relay.Join(context.Background(), "r1", "bob", testOffer(""))
		errc <- err
	}()
	<-held.entered

	f.blobs.fail.Store(true)
	if err := f.relay.Leave(context.Background(), "r1", "alice"); !errors.Is(err, core.ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, got %v", err)
	}
	close(held.release)
	if err := <-errc; !errors.Is(err, core.ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, got %v", err)
	}
	if _, err := f.relay.Room("r1"); !errors.Is(err, core.ErrRoomNotFound) {
		t.Fatalf("abandoned room kept: %v", err)
	}
}

func TestNegotiationTimeoutReleasesSlot(t *testing.T) {
	f := newFixture(t, Config{NegotiationTimeout: 20 * time.Millisecond}, nil)
	f.createRoom(t, RoomSpec{ID: "r1", MaxParticipants: 1})

	f.engine.BlockAnswer = true
	_, err := f.relay.Join(context.Background(), "r1", "alice", testOffer(""))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if !f.session("r1", "alice").Closed() {
		t.Fatalf("half-negotiated session left open")
	}

	f.engine.BlockAnswer = false
	f.mustJoin(t, "r1", "alice")
}

func TestLeave(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.createRoom(t, RoomSpec{ID: "r1"})
	f.mustJoin(t, "r1", "alice")
	f.mustJoin(t, "r1", "bob")
	ctx := context.Background()

	if err := f.relay.Leave(ctx, "r1", "carol"); !errors.Is(err, core.ErrNotMember) {
		t.Fatalf("expected ErrNotMember, got %v", err)
	}

	if err := f.relay.Leave(ctx, "r1", "alice"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if !f.session("r1", "alice").Closed() {
		t.Fatalf("session not closed on leave")
	}
	left := f.conns["bob"].WaitFor(t, core.EventPeerLeft, 1)
	if left[0].Signal.From != "alice" {
		t.Fatalf("unexpected peer_left %+v", left[0].Signal)
	}
	if _, err := f.relay.RemoteCandidates("r1", "bob", "alice"); err == nil {
		t.Fatalf("bob kept candidates of a departed peer")
	}

	if err := f.relay.Leave(ctx, "r1", "bob"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if _, err := f.relay.Room("r1"); !errors.Is(err, core.ErrRoomNotFound) {
		t.Fatalf("empty room not destroyed: %v", err)
	}
	if err := f.relay.Leave(ctx, "r1", "bob"); !errors.Is(err, core.ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound, got %v", err)
	}
}

func TestLeaveSnapshotFailureKeepsParticipantRemoved(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.createRoom(t, RoomSpec{ID: "r1"})
	f.mustJoin(t, "r1", "alice")
	f.mustJoin(t, "r1", "bob")

	f.blobs.fail.Store(true)
	err := f.relay.Leave(context.Background(), "r1", "alice")
	if !errors.Is(err, core.ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, got %v", err)
	}
	if isMember(f, "r1", "alice") {
		t.Fatalf("participant resurrected after failed snapshot")
	}
}

func TestParticipantRemovedWhenSessionFails(t *testing.T) {
	for _, st := range []callengine.State{callengine.StateFailed, callengine.StateClosed} {
		t.Run(st.String(), func(t *testing.T) {
			f := newFixture(t, Config{}, nil)
			f.createRoom(t, RoomSpec{ID: "r1"})
			f.mustJoin(t, "r1", "alice")
			f.mustJoin(t, "r1", "bob")

			f.session("r1", "alice").SetState(st)
			eventually(t, "alice removed", func() bool { return !isMember(f, "r1", "alice") })
			f.conns["bob"].WaitFor(t, core.EventPeerLeft, 1)
		})
	}
}

func TestParticipantRemovedWhenConnectionCloses(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.createRoom(t, RoomSpec{ID: "r1"})
	f.mustJoin(t, "r1", "alice")
	f.mustJoin(t, "r1", "bob")

	f.conns["alice"].Fail()
	eventually(t, "alice removed", func() bool { return !isMember(f, "r1", "alice") })
	if !isMember(f, "r1", "bob") {
		t.Fatalf("bob removed as well")
	}
}

func TestStaleSessionFailureDoesNotEvictRejoin(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.createRoom(t, RoomSpec{ID: "r1"})
	f.mustJoin(t, "r1", "alice")
	old := f.session("r1", "alice")

	if err := f.relay.Leave(context.Background(), "r1", "alice"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	f.createRoom(t, RoomSpec{ID: "r1"})
	f.mustJoin(t, "r1", "alice")

	old.SetState(callengine.StateFailed)
	time.Sleep(50 * time.Millisecond)
	if !isMember(f, "r1", "alice") {
		t.Fatalf("stale session failure removed the new participant")
	}
}

func TestConnectWatchdog(t *testing.T) {
	f := newFixture(t, Config{ConnectTimeout: 50 * time.Millisecond}, nil)
	f.createRoom(t, RoomSpec{ID: "r1"})
	f.mustJoin(t, "r1", "bob")
	f.session("r1", "bob").SetState(callengine.StateConnected)
	f.mustJoin(t, "r1", "alice")

	eventually(t, "alice removed by watchdog", func() bool { return !isMember(f, "r1", "alice") })
	time.Sleep(100 * time.Millisecond)
	if !isMember(f, "r1", "bob") {
		t.Fatalf("connected participant removed by watchdog")
	}
}

func TestCreateRoom(t *testing.T) {
	f := newFixture(t, Config{MaxParticipants: 4}, denyOracle("creator"))

	_, err := f.relay.CreateRoom(context.Background(), "creator", RoomSpec{RequiredCapability: "nft:club"})
	if !errors.Is(err, core.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	info := f.createRoom(t, RoomSpec{ID: "r1"})
	if info.MaxParticipants != 4 {
		t.Fatalf("default capacity not applied: %d", info.MaxParticipants)
	}
	if _, err := f.relay.CreateRoom(context.Background(), "someone", RoomSpec{ID: "r1"}); !errors.Is(err, core.ErrRoomExists) {
		t.Fatalf("expected ErrRoomExists, got %v", err)
	}

	generated := f.createRoom(t, RoomSpec{})
	if generated.ID == "" {
		t.Fatalf("room id not generated")
	}
	if got := f.relay.Rooms(); len(got) != 2 {
		t.Fatalf("expected 2 rooms, got %d", len(got))
	}
}

func TestSnapshotIsPersisted(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.createRoom(t, RoomSpec{ID: "r1", RequiredCapability: ""})
	f.mustJoin(t, "r1", "alice")
	f.mustJoin(t, "r1", "bob")
	if err := f.relay.SetAudio(context.Background(), "r1", "bob", false); err != nil {
		t.Fatalf("set audio: %v", err)
	}

	info, _ := f.relay.Room("r1")
	if !info.StateHash.Valid() {
		t.Fatalf("no state hash recorded: %q", info.StateHash)
	}
	data, err := f.blobs.Get(context.Background(), info.StateHash)
	if err != nil {
		t.Fatalf("get snapshot: %v", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.RoomID != "r1" || len(snap.Participants) != 2 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if snap.Participants[0].Identity != "alice" || !snap.Participants[0].AudioEnabled {
		t.Fatalf("unexpected first participant %+v", snap.Participants[0])
	}
	if snap.Participants[1].Identity != "bob" || snap.Participants[1].AudioEnabled {
		t.Fatalf("mute not captured %+v", snap.Participants[1])
	}
}

func TestRoomState(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	ctx := context.Background()
	f.createRoom(t, RoomSpec{ID: "r1"})

	if _, err := f.relay.State(ctx, "r1"); !errors.Is(err, core.ErrStateNotFound) {
		t.Fatalf("expected ErrStateNotFound, got %v", err)
	}
	if _, err := f.relay.State(ctx, "missing"); !errors.Is(err, core.ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound, got %v", err)
	}

	f.mustJoin(t, "r1", "alice")
	snap, err := f.relay.State(ctx, "r1")
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if snap.RoomID != "r1" || len(snap.Participants) != 1 || snap.Participants[0].Identity != "alice" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	f.blobs.failGet.Store(true)
	if _, err := f.relay.State(ctx, "r1"); !errors.Is(err, core.ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, got %v", err)
	}
}

func TestOfferCandidates(t *testing.T) {
	got := offerCandidates(testOffer("1 1 udp 2130706431 192.168.1.5 50000 typ host"))
	if len(got) != 1 {
		t.Fatalf("expected 1 candidate, got %v", got)
	}
	if got[0].Candidate != "candidate:1 1 udp 2130706431 192.168.1.5 50000 typ host" {
		t.Fatalf("unexpected candidate %q", got[0].Candidate)
	}
	if got[0].SDPMLineIndex == nil || *got[0].SDPMLineIndex != 0 {
		t.Fatalf("unexpected mline index")
	}

	if got := offerCandidates(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "garbage"}); len(got) != 0 {
		t.Fatalf("expected no candidates from malformed sdp, got %v", got)
	}
}
