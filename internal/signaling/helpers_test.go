package signaling

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/vovakirdan/wiremesh/internal/callengine/enginetest"
	"github.com/vovakirdan/wiremesh/internal/core"
	"github.com/vovakirdan/wiremesh/internal/core/coretest"
	"github.com/vovakirdan/wiremesh/internal/store"
	"github.com/vovakirdan/wiremesh/internal/store/memory"
)

// flakyStore wraps the memory store with switchable failures.
type flakyStore struct {
	*memory.Store
	fail    atomic.Bool
	failGet atomic.Bool
	held    atomic.Pointer[heldPut]
}

// heldPut parks the next Put until release is closed, then fails it.
type heldPut struct {
	entered chan struct{}
	release chan struct{}
}

// holdNextPut arms a heldPut for the next call to Put.
func (s *flakyStore) holdNextPut() *heldPut {
	h := &heldPut{entered: make(chan struct{}), release: make(chan struct{})}
	s.held.Store(h)
	return h
}

func (s *flakyStore) Put(ctx context.Context, data []byte) (store.Handle, error) {
	if h := s.held.Swap(nil); h != nil {
		close(h.entered)
		<-h.release
		return "", errors.New("storage node unreachable")
	}
	if s.fail.Load() {
		return "", errors.New("storage node unreachable")
	}
	return s.Store.Put(ctx, data)
}

func (s *flakyStore) Get(ctx context.Context, h store.Handle) ([]byte, error) {
	if s.failGet.Load() {
		return nil, errors.New("storage node unreachable")
	}
	return s.Store.Get(ctx, h)
}

type fixture struct {
	relay    *Relay
	presence *core.Presence
	engine   *enginetest.Engine
	blobs    *flakyStore
	conns    map[core.Identity]*coretest.Conn
}

func newFixture(t *testing.T, cfg Config, oracle core.Oracle) *fixture {
	t.Helper()

	f := &fixture{
		presence: core.NewPresence(nil),
		engine:   enginetest.New(),
		blobs:    &flakyStore{Store: memory.New()},
		conns:    make(map[core.Identity]*coretest.Conn),
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = time.Second
	}
	f.relay = New(cfg, f.presence, oracle, f.blobs, f.engine, nil)
	t.Cleanup(f.relay.Close)
	return f
}

// connect registers a presence connection for id.
func (f *fixture) connect(id core.Identity) *coretest.Conn {
	c := coretest.NewConn(string(id))
	f.presence.Register(id, c)
	f.conns[id] = c
	return c
}

func (f *fixture) createRoom(t *testing.T, spec RoomSpec) RoomInfo {
	t.Helper()
	info, err := f.relay.CreateRoom(context.Background(), "creator", spec)
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	return info
}

func (f *fixture) mustJoin(t *testing.T, roomID string, id core.Identity) webrtc.SessionDescription {
	t.Helper()
	if _, ok := f.conns[id]; !ok {
		f.connect(id)
	}
	answer, err := f.relay.Join(context.Background(), roomID, id, testOffer(""))
	if err != nil {
		t.Fatalf("join %s: %v", id, err)
	}
	return answer
}

func (f *fixture) session(roomID string, id core.Identity) *enginetest.Session {
	return f.engine.Session(roomID + "/" + string(id))
}

func (f *fixture) members(t *testing.T, roomID string) []core.Identity {
	t.Helper()
	info, err := f.relay.Room(roomID)
	if err != nil {
		t.Fatalf("room %s: %v", roomID, err)
	}
	out := make([]core.Identity, 0, len(info.Members))
	for _, m := range info.Members {
		out = append(out, m.Identity)
	}
	return out
}

// testOffer builds a minimal SDP offer, optionally carrying one host
// candidate.
func testOffer(candidate string) webrtc.SessionDescription {
	sdp := "v=0\r\n" +
		"o=- 4215 2 IN IP4 127.0.0.1\r\n" +
		"s=-\r\n" +
		"t=0 0\r\n" +
		"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
		"c=IN IP4 0.0.0.0\r\n" +
		"a=mid:0\r\n"
	if candidate != "" {
		sdp += "a=candidate:" + candidate + "\r\n"
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
}

func candidate(s string) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: "candidate:" + s}
}

func denyOracle(denied ...core.Identity) core.Oracle {
	return core.OracleFunc(func(_ context.Context, subject core.Identity, _ core.Resource) (bool, error) {
		for _, d := range denied {
			if d == subject {
				return false, nil
			}
		}
		return true, nil
	})
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func isMember(f *fixture, roomID string, id core.Identity) bool {
	info, err := f.relay.Room(roomID)
	if err != nil {
		return false
	}
	for _, m := range info.Members {
		if m.Identity == id {
			return true
		}
	}
	return false
}
