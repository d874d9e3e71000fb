package groups

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/vovakirdan/wiremesh/internal/core"
)

// Role of a group member.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// ErrInvalidName is returned for an empty or oversized group name.
var ErrInvalidName = fmt.Errorf("%w: invalid group name", core.ErrBadRequest)

const maxNameLen = 64

// Sender is the part of the router the service fans out through.
type Sender interface {
	Send(ctx context.Context, msg *core.Message) (core.DeliveryOutcome, error)
}

type group struct {
	id                 string
	name               string
	requiredCapability string
	createdBy          core.Identity
	createdAt          time.Time
	key                []byte

	members map[core.Identity]Role
	order   []core.Identity
}

// Info is a read-only view of a group.
type Info struct {
	ID                 string        `json:"id"`
	Name               string        `json:"name"`
	RequiredCapability string        `json:"required_capability,omitempty"`
	CreatedBy          core.Identity `json:"created_by"`
	CreatedAt          time.Time     `json:"created_at"`
	Members            []Member      `json:"members"`
}

// Member is one entry of Info.Members.
type Member struct {
	Identity core.Identity `json:"identity"`
	Role     Role          `json:"role"`
}

// Service manages encrypted groups. Every group has one symmetric key that
// seals payloads before they are routed.
type Service struct {
	router        Sender
	oracle        core.Oracle
	oracleTimeout time.Duration
	history       *core.History
	log           *zerolog.Logger

	mu     sync.RWMutex
	groups map[string]*group
}

// New creates a group service. A nil oracle allows everything. historyLimit
// caps the sealed messages kept per group; zero selects the default.
func New(router Sender, oracle core.Oracle, oracleTimeout time.Duration, historyLimit int, logger *zerolog.Logger) *Service {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if oracle == nil {
		oracle = core.AllowAll
	}
	return &Service{
		router:        router,
		oracle:        oracle,
		oracleTimeout: oracleTimeout,
		history:       core.NewHistory(historyLimit),
		log:           logger,
		groups:        make(map[string]*group),
	}
}

// Create makes a new group with creator as admin. Every initial member must
// hold the required capability, if one is set.
func (s *Service) Create(ctx context.Context, creator core.Identity, name, capability string, members []core.Identity) (Info, error) {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > maxNameLen {
		return Info{}, ErrInvalidName
	}
	if creator == "" {
		return Info{}, fmt.Errorf("%w: creator required", core.ErrBadRequest)
	}

	if capability != "" {
		if err := s.authorize(ctx, creator, capability); err != nil {
			return Info{}, err
		}
		for _, m := range members {
			if m == creator {
				continue
			}
			if err := s.authorize(ctx, m, capability); err != nil {
				return Info{}, err
			}
		}
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return Info{}, fmt.Errorf("generate group key: %w", err)
	}

	g := &group{
		id:                 uuid.NewString(),
		name:               name,
		requiredCapability: capability,
		createdBy:          creator,
		createdAt:          time.Now().UTC(),
		key:                key,
		members:            make(map[core.Identity]Role),
	}
	g.add(creator, RoleAdmin)
	for _, m := range members {
		if m != "" {
			g.add(m, RoleMember)
		}
	}

	s.mu.Lock()
	s.groups[g.id] = g
	info := g.info()
	s.mu.Unlock()

	s.log.Info().
		Str("group_id", g.id).
		Str("identity", string(creator)).
		Int("members", len(info.Members)).
		Msg("group created")
	return info, nil
}

// Join adds id to the group after re-checking authorization. Joining twice
// is a no-op.
func (s *Service) Join(ctx context.Context, groupID string, id core.Identity) (Info, error) {
	s.mu.RLock()
	g, ok := s.groups[groupID]
	var capability string
	if ok {
		capability = g.requiredCapability
	}
	s.mu.RUnlock()
	if !ok {
		return Info{}, fmt.Errorf("%w: %s", core.ErrGroupNotFound, groupID)
	}

	if capability != "" {
		if err := s.authorize(ctx, id, capability); err != nil {
			return Info{}, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// The group may have emptied out while the oracle was consulted.
	if s.groups[groupID] != g {
		return Info{}, fmt.Errorf("%w: %s", core.ErrGroupNotFound, groupID)
	}
	g.add(id, RoleMember)
	return g.info(), nil
}

// Leave removes id. A group without members is dropped.
func (s *Service) Leave(_ context.Context, groupID string, id core.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[groupID]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrGroupNotFound, groupID)
	}
	if !g.remove(id) {
		return fmt.Errorf("%w: %s in group %s", core.ErrNotMember, id, groupID)
	}
	if len(g.members) == 0 {
		delete(s.groups, groupID)
		s.history.Forget(groupID)
		s.log.Info().Str("group_id", groupID).Msg("group dropped")
	}
	return nil
}

// Send seals payload with the group key and routes it to every other member.
// Each recipient is handled independently; failures are joined into the
// returned error while the outcomes of the others are still reported.
func (s *Service) Send(ctx context.Context, groupID string, sender core.Identity, payload []byte) (map[core.Identity]core.DeliveryOutcome, error) {
	s.mu.RLock()
	g, ok := s.groups[groupID]
	if !ok {
		s.mu.RUnlock()
		return nil, fmt.Errorf("%w: %s", core.ErrGroupNotFound, groupID)
	}
	if _, member := g.members[sender]; !member {
		s.mu.RUnlock()
		return nil, fmt.Errorf("%w: %s in group %s", core.ErrNotMember, sender, groupID)
	}
	key := g.key
	recipients := make([]core.Identity, 0, len(g.order))
	for _, m := range g.order {
		if m != sender {
			recipients = append(recipients, m)
		}
	}
	s.mu.RUnlock()

	sealed, err := seal(key, payload)
	if err != nil {
		return nil, err
	}
	s.history.Append(groupID, &core.Message{
		ID:        uuid.New(),
		Sender:    sender,
		Payload:   sealed,
		CreatedAt: time.Now().UTC(),
		RoomID:    groupID,
		Encrypted: true,
	})

	outcomes := make(map[core.Identity]core.DeliveryOutcome, len(recipients))
	var errs []error
	for _, to := range recipients {
		msg := &core.Message{
			Sender:    sender,
			Recipient: to,
			Payload:   append([]byte(nil), sealed...),
			RoomID:    groupID,
			Encrypted: true,
		}
		outcome, err := s.router.Send(ctx, msg)
		if err != nil {
			s.log.Warn().Err(err).Str("group_id", groupID).Str("identity", string(to)).Msg("group fan-out")
			errs = append(errs, fmt.Errorf("%s: %w", to, err))
			outcome = core.OutcomeUnknown
		}
		outcomes[to] = outcome
	}
	return outcomes, errors.Join(errs...)
}

// History returns up to n recent sealed messages of the group, oldest
// first. Only members may read it.
func (s *Service) History(groupID string, id core.Identity, n int) ([]core.Message, error) {
	s.mu.RLock()
	g, ok := s.groups[groupID]
	member := false
	if ok {
		_, member = g.members[id]
	}
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrGroupNotFound, groupID)
	}
	if !member {
		return nil, fmt.Errorf("%w: %s in group %s", core.ErrNotMember, id, groupID)
	}
	return s.history.Recent(groupID, n), nil
}

// Key returns the group key to members only.
func (s *Service) Key(groupID string, id core.Identity) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.groups[groupID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrGroupNotFound, groupID)
	}
	if _, member := g.members[id]; !member {
		return nil, fmt.Errorf("%w: %s in group %s", core.ErrNotMember, id, groupID)
	}
	return append([]byte(nil), g.key...), nil
}

// Open decrypts a payload sealed for groupID.
func (s *Service) Open(groupID string, sealed []byte) ([]byte, error) {
	s.mu.RLock()
	g, ok := s.groups[groupID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrGroupNotFound, groupID)
	}
	return open(g.key, sealed)
}

// Group returns a view of one group.
func (s *Service) Group(groupID string) (Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[groupID]
	if !ok {
		return Info{}, fmt.Errorf("%w: %s", core.ErrGroupNotFound, groupID)
	}
	return g.info(), nil
}

// Groups lists the groups id belongs to, oldest first.
func (s *Service) Groups(id core.Identity) []Info {
	s.mu.RLock()
	out := make([]Info, 0)
	for _, g := range s.groups {
		if _, member := g.members[id]; member {
			out = append(out, g.info())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *Service) authorize(ctx context.Context, id core.Identity, capability string) error {
	return core.Authorize(ctx, s.oracle, s.oracleTimeout, id, core.Capability(capability))
}

func (g *group) add(id core.Identity, role Role) {
	if _, ok := g.members[id]; ok {
		return
	}
	g.members[id] = role
	g.order = append(g.order, id)
}

func (g *group) remove(id core.Identity) bool {
	if _, ok := g.members[id]; !ok {
		return false
	}
	delete(g.members, id)
	for i, m := range g.order {
		if m == id {
			g.order = append(g.order[:i:i], g.order[i+1:]...)
			break
		}
	}
	return true
}

func (g *group) info() Info {
	out := Info{
		ID:                 g.id,
		Name:               g.name,
		RequiredCapability: g.requiredCapability,
		CreatedBy:          g.createdBy,
		CreatedAt:          g.createdAt,
		Members:            make([]Member, 0, len(g.order)),
	}
	for _, m := range g.order {
		out.Members = append(out.Members, Member{Identity: m, Role: g.members[m]})
	}
	return out
}
