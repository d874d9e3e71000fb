package core

import (
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wiremesh/internal/metrics"
)

// QueueConfig bounds what the offline queue retains. Zero disables a bound.
type QueueConfig struct {
	// MaxPerRecipient caps each recipient's queue; the oldest entry is evicted.
	MaxPerRecipient int
	// TTL drops entries older than this (by CreatedAt).
	TTL time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Queue buffers undelivered messages per recipient in FIFO order.
type Queue struct {
	cfg    QueueConfig
	queues *xsync.MapOf[Identity, []*Message]
	log    *zerolog.Logger
}

// NewQueue constructs an empty offline queue.
func NewQueue(cfg QueueConfig, logger *zerolog.Logger) *Queue {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Queue{
		cfg:    cfg,
		queues: xsync.NewMapOf[Identity, []*Message](),
		log:    logger,
	}
}

// Enqueue appends msg to the recipient's queue. No dedup is done.
func (q *Queue) Enqueue(recipient Identity, msg *Message) {
	evicted := 0
	q.queues.Compute(recipient, func(cur []*Message, _ bool) ([]*Message, bool) {
		if limit := q.cfg.MaxPerRecipient; limit > 0 && len(cur) >= limit {
			evicted = len(cur) - limit + 1
			cur = append([]*Message(nil), cur[evicted:]...)
		}
		return append(cur, msg), false
	})
	if evicted > 0 {
		metrics.QueueEvictions.WithLabelValues("capacity").Add(float64(evicted))
		q.log.Warn().
			Str("identity", string(recipient)).
			Int("evicted", evicted).
			Msg("offline queue full, dropped oldest")
	}
}

// Drain atomically removes and returns the recipient's queue. Expired
// entries are discarded.
func (q *Queue) Drain(recipient Identity) []*Message {
	msgs, ok := q.queues.LoadAndDelete(recipient)
	if !ok {
		return nil
	}
	live, expired := q.split(msgs)
	if expired > 0 {
		metrics.QueueEvictions.WithLabelValues("expired").Add(float64(expired))
	}
	return live
}

// PushFront puts msgs back at the head of the recipient's queue, ahead of
// anything enqueued since they were drained. The capacity bound is not
// applied.
func (q *Queue) PushFront(recipient Identity, msgs ...*Message) {
	if len(msgs) == 0 {
		return
	}
	q.queues.Compute(recipient, func(cur []*Message, _ bool) ([]*Message, bool) {
		merged := make([]*Message, 0, len(msgs)+len(cur))
		merged = append(merged, msgs...)
		return append(merged, cur...), false
	})
}

// PeekCount returns how many messages wait for recipient.
func (q *Queue) PeekCount(recipient Identity) int {
	msgs, _ := q.queues.Load(recipient)
	return len(msgs)
}

// Prune drops expired entries across all recipients and returns how many
// were removed.
func (q *Queue) Prune() int {
	if q.cfg.TTL <= 0 {
		return 0
	}
	removed := 0
	q.queues.Range(func(recipient Identity, _ []*Message) bool {
		q.queues.Compute(recipient, func(cur []*Message, loaded bool) ([]*Message, bool) {
			if !loaded {
				return cur, true
			}
			live, expired := q.split(cur)
			removed += expired
			return live, len(live) == 0
		})
		return true
	})
	if removed > 0 {
		metrics.QueueEvictions.WithLabelValues("expired").Add(float64(removed))
		q.log.Info().Int("removed", removed).Msg("pruned expired offline messages")
	}
	return removed
}

// split separates live entries from expired ones without touching msgs.
func (q *Queue) split(msgs []*Message) ([]*Message, int) {
	if q.cfg.TTL <= 0 {
		return msgs, 0
	}
	cutoff := q.cfg.Now().Add(-q.cfg.TTL)
	live := make([]*Message, 0, len(msgs))
	for _, m := range msgs {
		if m.CreatedAt.Before(cutoff) {
			continue
		}
		live = append(live, m)
	}
	return live, len(msgs) - len(live)
}
