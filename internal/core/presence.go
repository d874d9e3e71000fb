package core

import (
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wiremesh/internal/metrics"
)

// Presence tracks which identities currently hold an open connection.
// At most one connection is bound to an identity at any instant.
type Presence struct {
	conns *xsync.MapOf[Identity, Connection]
	log   *zerolog.Logger
}

// NewPresence constructs an empty registry.
func NewPresence(logger *zerolog.Logger) *Presence {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Presence{
		conns: xsync.NewMapOf[Identity, Connection](),
		log:   logger,
	}
}

// Register binds id to conn. A previously bound connection is closed and
// loses ownership.
func (p *Presence) Register(id Identity, conn Connection) {
	prev, replaced := p.conns.LoadAndStore(id, conn)
	metrics.PresenceOnline.Set(float64(p.conns.Size()))
	if !replaced || prev == conn {
		return
	}
	p.log.Debug().
		Str("identity", string(id)).
		Str("conn_id", prev.ID()).
		Str("replacement", conn.ID()).
		Msg("superseding connection")
	if err := prev.Close(); err != nil {
		p.log.Debug().Err(err).Str("conn_id", prev.ID()).Msg("close superseded connection")
	}
}

// Unregister removes the binding for id. It is a no-op when absent.
func (p *Presence) Unregister(id Identity) {
	p.conns.Delete(id)
	metrics.PresenceOnline.Set(float64(p.conns.Size()))
}

// Release removes the binding only if id is still bound to conn and reports
// whether it did. A stale connection cannot evict its replacement this way.
func (p *Presence) Release(id Identity, conn Connection) bool {
	released := false
	p.conns.Compute(id, func(cur Connection, loaded bool) (Connection, bool) {
		if !loaded {
			return cur, true
		}
		if cur == conn {
			released = true
			return cur, true
		}
		return cur, false
	})
	metrics.PresenceOnline.Set(float64(p.conns.Size()))
	return released
}

// Lookup returns the connection bound to id, or nil.
func (p *Presence) Lookup(id Identity) Connection {
	conn, ok := p.conns.Load(id)
	if !ok {
		return nil
	}
	return conn
}

// IsOnline reports whether id has a connection.
func (p *Presence) IsOnline(id Identity) bool {
	_, ok := p.conns.Load(id)
	return ok
}

// Count returns the number of online identities.
func (p *Presence) Count() int {
	return p.conns.Size()
}

// Online lists online identities in no particular order.
func (p *Presence) Online() []Identity {
	out := make([]Identity, 0, p.conns.Size())
	p.conns.Range(func(id Identity, _ Connection) bool {
		out = append(out, id)
		return true
	})
	return out
}
