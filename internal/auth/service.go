package auth

import (
	"context"
	"fmt"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/vovakirdan/wiremesh/internal/core"
)

// Service issues and validates identity tokens and remembers the
// capabilities each identity last presented.
type Service struct {
	jwtConfig *JWTConfig
	grants    *Grants
}

// NewService creates a new authentication service.
func NewService(jwtConfig *JWTConfig) *Service {
	return &Service{
		jwtConfig: jwtConfig,
		grants:    NewGrants(),
	}
}

// Issue signs a token for identity carrying capabilities.
func (s *Service) Issue(identity core.Identity, name string, capabilities []string) (string, error) {
	token, err := GenerateToken(s.jwtConfig, string(identity), name, capabilities)
	if err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return token, nil
}

// Validate checks a token and records its capabilities for the oracle.
func (s *Service) Validate(tokenString string) (*Claims, error) {
	claims, err := ValidateToken(s.jwtConfig, tokenString)
	if err != nil {
		return nil, err
	}
	s.grants.Record(core.Identity(claims.Subject), claims.Capabilities)
	return claims, nil
}

// Grants returns the oracle backed by validated tokens.
func (s *Service) Grants() *Grants {
	return s.grants
}

// Grants is an oracle that answers capability checks from the claims of the
// last token each identity authenticated with. Identity, room and group
// resources are always allowed; membership rules live in the services.
type Grants struct {
	caps *xsync.MapOf[core.Identity, []string]
}

// NewGrants creates an empty grant table.
func NewGrants() *Grants {
	return &Grants{caps: xsync.NewMapOf[core.Identity, []string]()}
}

// Record replaces the capabilities held by id.
func (g *Grants) Record(id core.Identity, capabilities []string) {
	g.caps.Store(id, append([]string(nil), capabilities...))
}

// Verify implements core.Oracle.
func (g *Grants) Verify(ctx context.Context, subject core.Identity, res core.Resource) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if res.Kind != core.ResourceCapability {
		return true, nil
	}
	caps, ok := g.caps.Load(subject)
	if !ok {
		return false, nil
	}
	for _, c := range caps {
		if c == res.ID {
			return true, nil
		}
	}
	return false, nil
}

var _ core.Oracle = (*Grants)(nil)
