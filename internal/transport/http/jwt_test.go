package http

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/vovakirdan/wiremesh/internal/config"
	"github.com/vovakirdan/wiremesh/internal/core"
	"github.com/vovakirdan/wiremesh/internal/proto"
	"github.com/vovakirdan/wiremesh/internal/signaling"
)

const testSecret = "testsecret"

func jwtConfig(required bool) func(*config.Config) {
	return func(cfg *config.Config) {
		cfg.JWT.Secret = testSecret
		cfg.JWT.Issuer = "wiremesh"
		cfg.JWT.Audience = "wiremesh"
		cfg.JWT.Required = required
	}
}

func makeJWT(secret, aud, iss, sub string, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"sub": sub,
		"exp": time.Now().Add(ttl).Unix(),
	}
	if aud != "" {
		claims["aud"] = aud
	}
	if iss != "" {
		claims["iss"] = iss
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func TestJWTRequiredAndValid(t *testing.T) {
	env := newTestEnv(t, jwtConfig(true))

	token, err := env.auth.Issue("alice", "Alice", nil)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	// The token subject wins over a self-declared identity.
	_, ready := env.dialHello(t, proto.HelloData{Identity: "mallory", Token: token})
	if ready.Identity != "alice" {
		t.Fatalf("expected identity alice, got %q", ready.Identity)
	}
	if env.router.Presence().IsOnline("mallory") {
		t.Fatalf("self-declared identity must be ignored")
	}
}

func TestJWTRequiredMissing(t *testing.T) {
	env := newTestEnv(t, jwtConfig(true))

	c := env.dialRaw(t)
	c.send(proto.InboundTypeHello, "", proto.HelloData{Identity: "alice"})
	if f := c.expectError(core.ErrCodeUnauthorized); f.Error.Msg != "token required" {
		t.Fatalf("unexpected error: %+v", f.Error)
	}
	c.expectClosed()
}

func TestJWTRejected(t *testing.T) {
	env := newTestEnv(t, jwtConfig(false))

	wrongSecret, _ := makeJWT("other", "wiremesh", "wiremesh", "alice", time.Hour)
	wrongAudience, _ := makeJWT(testSecret, "elsewhere", "wiremesh", "alice", time.Hour)
	expired, _ := makeJWT(testSecret, "wiremesh", "wiremesh", "alice", -time.Minute)

	cases := map[string]string{
		"garbage":        "not-a-token",
		"wrong secret":   wrongSecret,
		"wrong audience": wrongAudience,
		"expired":        expired,
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			c := env.dialRaw(t)
			c.send(proto.InboundTypeHello, "", proto.HelloData{Token: token})
			if f := c.expectError(core.ErrCodeUnauthorized); f.Error.Msg != "invalid token" {
				t.Fatalf("unexpected error: %+v", f.Error)
			}
			c.expectClosed()
		})
	}
}

func TestJWTOptionalAllowsIdentity(t *testing.T) {
	env := newTestEnv(t, jwtConfig(false))

	_, ready := env.dial(t, "guest")
	if ready.Identity != "guest" {
		t.Fatalf("expected guest, got %q", ready.Identity)
	}
}

func TestTokenCapabilitiesGateRooms(t *testing.T) {
	env := newTestEnv(t, jwtConfig(true))

	holder, _ := env.auth.Issue("alice", "", []string{"nft:club"})
	outsider, _ := env.auth.Issue("bob", "", []string{"nft:other"})

	alice, _ := env.dialHello(t, proto.HelloData{Token: holder})
	bob, _ := env.dialHello(t, proto.HelloData{Token: outsider})

	// Grants are known once the token was presented in hello.
	if _, err := env.relay.CreateRoom(context.Background(), "bob", signaling.RoomSpec{
		ID:                 "vip",
		RequiredCapability: "nft:club",
	}); !errors.Is(err, core.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for bob, got %v", err)
	}
	if _, err := env.relay.CreateRoom(context.Background(), "alice", signaling.RoomSpec{
		ID:                 "vip",
		RequiredCapability: "nft:club",
	}); err != nil {
		t.Fatalf("create room: %v", err)
	}

	alice.send(proto.InboundTypeRoomJoin, "", proto.RoomJoinData{Room: "vip", Offer: testOffer()})
	alice.expectEvent(proto.EventRoomAnswer)

	bob.send(proto.InboundTypeRoomJoin, "", proto.RoomJoinData{Room: "vip", Offer: testOffer()})
	bob.expectError(core.ErrCodeUnauthorized)
}

func TestAPIRequiresBearerToken(t *testing.T) {
	env := newTestEnv(t, jwtConfig(true))

	resp := env.doJSON(t, http.MethodGet, "/api/messages/pending", "alice", "", nil)
	expectStatus(t, resp, http.StatusUnauthorized)

	resp = env.doJSON(t, http.MethodGet, "/api/messages/pending", "", "bogus", nil)
	expectStatus(t, resp, http.StatusUnauthorized)

	token, _ := env.auth.Issue("alice", "", nil)
	resp = env.doJSON(t, http.MethodGet, "/api/messages/pending", "", token, nil)
	expectStatus(t, resp, http.StatusOK)
	var pending PendingResponse
	decodeBody(t, resp, &pending)
	if pending.Identity != "alice" {
		t.Fatalf("expected alice, got %q", pending.Identity)
	}
}
