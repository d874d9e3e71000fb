package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wiremesh/internal/auth"
	"github.com/vovakirdan/wiremesh/internal/callengine/enginetest"
	"github.com/vovakirdan/wiremesh/internal/config"
	"github.com/vovakirdan/wiremesh/internal/core"
	"github.com/vovakirdan/wiremesh/internal/proto"
	"github.com/vovakirdan/wiremesh/internal/service/groups"
	"github.com/vovakirdan/wiremesh/internal/signaling"
	"github.com/vovakirdan/wiremesh/internal/store/memory"
)

type testEnv struct {
	ts     *httptest.Server
	cfg    config.Config
	router *core.Router
	relay  *signaling.Relay
	groups *groups.Service
	auth   *auth.Service
	engine *enginetest.Engine
}

// newTestEnv starts a server over in-memory collaborators. A JWT secret in
// the mutated config enables token auth.
func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.Delivery.WriteTimeout = time.Second
	if mutate != nil {
		mutate(&cfg)
	}
	logger := zerolog.Nop()

	env := &testEnv{cfg: cfg, engine: enginetest.New()}
	var oracle core.Oracle = core.AllowAll
	if cfg.JWT.Secret != "" {
		env.auth = auth.NewService(&auth.JWTConfig{
			Secret:   []byte(cfg.JWT.Secret),
			Issuer:   cfg.JWT.Issuer,
			Audience: cfg.JWT.Audience,
			TTL:      time.Hour,
		})
		oracle = env.auth.Grants()
	}

	presence := core.NewPresence(&logger)
	queue := core.NewQueue(core.QueueConfig{}, &logger)
	env.router = core.NewRouter(core.RouterConfig{WriteTimeout: time.Second}, presence, queue, oracle, &logger)
	env.relay = signaling.New(signaling.Config{WriteTimeout: time.Second}, presence, oracle, memory.New(), env.engine, &logger)
	env.groups = groups.New(env.router, oracle, 0, 0, &logger)
	t.Cleanup(env.relay.Close)

	server := NewServer(Deps{
		Router: env.router,
		Relay:  env.relay,
		Groups: env.groups,
		Auth:   env.auth,
	}, &env.cfg, &logger)

	env.ts = httptest.NewServer(server.Handler)
	t.Cleanup(env.ts.Close)
	return env
}

func (e *testEnv) wsURL() string {
	return strings.Replace(e.ts.URL, "http", "ws", 1) + "/ws"
}

// frame is an outbound message as the client sees it.
type frame struct {
	Type  string          `json:"type"`
	Event string          `json:"event"`
	Ref   string          `json:"ref"`
	Data  json.RawMessage `json:"data"`
	Error *proto.Error    `json:"error"`
}

type wsClient struct {
	t      *testing.T
	ctx    context.Context
	conn   *websocket.Conn
	buffer []frame
}

// dialRaw opens a socket without introducing the client.
func (e *testEnv) dialRaw(t *testing.T) *wsClient {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	conn, _, err := websocket.Dial(ctx, e.wsURL(), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "done") })
	return &wsClient{t: t, ctx: ctx, conn: conn}
}

// dial connects as identity and waits for the ready event.
func (e *testEnv) dial(t *testing.T, identity string) (*wsClient, proto.EventReadyData) {
	t.Helper()
	return e.dialHello(t, proto.HelloData{Identity: identity})
}

func (e *testEnv) dialHello(t *testing.T, hello proto.HelloData) (*wsClient, proto.EventReadyData) {
	t.Helper()

	c := e.dialRaw(t)
	c.send(proto.InboundTypeHello, "", hello)
	var ready proto.EventReadyData
	c.expectEvent(proto.EventReady).decode(t, &ready)
	return c, ready
}

func (c *wsClient) send(typ, ref string, data any) {
	c.t.Helper()
	payload, err := json.Marshal(data)
	if err != nil {
		c.t.Fatalf("marshal %s: %v", typ, err)
	}
	if err := wsjson.Write(c.ctx, c.conn, proto.Inbound{Type: typ, Ref: ref, Data: payload}); err != nil {
		c.t.Fatalf("send %s: %v", typ, err)
	}
}

func (c *wsClient) read() (frame, error) {
	var f frame
	err := wsjson.Read(c.ctx, c.conn, &f)
	return f, err
}

// next returns the first frame matching pred. Frames read past are kept for
// later expectations.
func (c *wsClient) next(what string, pred func(frame) bool) frame {
	c.t.Helper()
	for i, f := range c.buffer {
		if pred(f) {
			c.buffer = append(c.buffer[:i:i], c.buffer[i+1:]...)
			return f
		}
	}
	for {
		f, err := c.read()
		if err != nil {
			c.t.Fatalf("waiting for %s: %v", what, err)
		}
		if pred(f) {
			return f
		}
		c.buffer = append(c.buffer, f)
	}
}

func (c *wsClient) expectEvent(event string) frame {
	c.t.Helper()
	return c.next("event "+event, func(f frame) bool {
		return f.Type == proto.OutboundTypeEvent && f.Event == event
	})
}

func (c *wsClient) expectError(code string) frame {
	c.t.Helper()
	return c.next("error "+code, func(f frame) bool {
		return f.Type == proto.OutboundTypeError && f.Error != nil && f.Error.Code == code
	})
}

// expectClosed waits until the server closes the socket.
func (c *wsClient) expectClosed() {
	c.t.Helper()
	for {
		if _, err := c.read(); err != nil {
			if c.ctx.Err() != nil {
				c.t.Fatalf("socket still open")
			}
			return
		}
	}
}

func (f frame) decode(t *testing.T, v any) {
	t.Helper()
	if err := json.Unmarshal(f.Data, v); err != nil {
		t.Fatalf("decode %s data %s: %v", f.Event, f.Data, err)
	}
}

func testOffer() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"}
}

// doJSON issues a REST call as identity (header auth) or with a bearer token.
func (e *testEnv) doJSON(t *testing.T, method, path, identity, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if identity != "" {
		req.Header.Set(HeaderIdentity, identity)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp := httptest.NewRecorder()
	e.ts.Config.Handler.ServeHTTP(resp, req)
	return resp
}

func decodeBody(t *testing.T, resp *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response %q: %v", resp.Body.String(), err)
	}
}

func expectStatus(t *testing.T, resp *httptest.ResponseRecorder, want int) {
	t.Helper()
	if resp.Code != want {
		t.Fatalf("expected status %d, got %d: %s", want, resp.Code, resp.Body.String())
	}
}
