package core

import (
	"context"
	"errors"
	"fmt"
	"hash/maphash"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wiremesh/internal/metrics"
)

const routerShards = 256

// RouterConfig tunes delivery.
type RouterConfig struct {
	// WriteTimeout bounds a single write to a live connection.
	WriteTimeout time.Duration
	// OracleTimeout bounds each authorization check.
	OracleTimeout time.Duration
	// Retries is how many extra write attempts follow a failed one before
	// the message is queued.
	Retries int
	// RetryBackoff is the first pause between attempts; it doubles each time.
	RetryBackoff time.Duration
	// HistoryLimit caps the direct messages kept per identity for History.
	HistoryLimit int
}

// Router delivers messages to online recipients and queues the rest.
type Router struct {
	cfg      RouterConfig
	presence *Presence
	queue    *Queue
	oracle   Oracle
	history  *History
	log      *zerolog.Logger

	seed  maphash.Seed
	locks [routerShards]sync.Mutex
}

// NewRouter wires the router to its registry, queue and oracle. A nil oracle
// allows everything.
func NewRouter(cfg RouterConfig, presence *Presence, queue *Queue, oracle Oracle, logger *zerolog.Logger) *Router {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if presence == nil {
		presence = NewPresence(logger)
	}
	if queue == nil {
		queue = NewQueue(QueueConfig{}, logger)
	}
	if oracle == nil {
		oracle = AllowAll
	}
	return &Router{
		cfg:      cfg,
		presence: presence,
		queue:    queue,
		oracle:   oracle,
		history:  NewHistory(cfg.HistoryLimit),
		log:      logger,
		seed:     maphash.MakeSeed(),
	}
}

// Presence exposes the registry the router consults.
func (r *Router) Presence() *Presence { return r.presence }

// Queue exposes the offline queue.
func (r *Router) Queue() *Queue { return r.queue }

// Pending returns the queue depth for id.
func (r *Router) Pending(id Identity) int { return r.queue.PeekCount(id) }

// History returns up to n recent direct messages id sent or received,
// oldest first. Group fan-out is not recorded here.
func (r *Router) History(id Identity, n int) []Message {
	return r.history.Recent(string(id), n)
}

// Send authorizes msg and delivers it if the recipient is online, queueing it
// otherwise. A failed write falls back to the queue and still reports
// OutcomeQueued. Only authorization and malformed input surface as errors.
func (r *Router) Send(ctx context.Context, msg *Message) (DeliveryOutcome, error) {
	if msg == nil || msg.Recipient == "" {
		return OutcomeUnknown, fmt.Errorf("%w: recipient required", ErrBadRequest)
	}
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	msg.Status = StatusPending

	res := Resource{Kind: ResourceIdentity, ID: string(msg.Recipient)}
	if msg.RoomID != "" {
		res = Resource{Kind: ResourceRoom, ID: msg.RoomID}
	}
	if err := Authorize(ctx, r.oracle, r.cfg.OracleTimeout, msg.Sender, res); err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		r.log.Info().
			Err(err).
			Str("message_id", msg.ID.String()).
			Str("identity", string(msg.Sender)).
			Msg("send rejected")
		return OutcomeUnknown, err
	}

	if msg.RoomID == "" {
		r.history.Append(string(msg.Sender), msg)
		if msg.Recipient != msg.Sender {
			r.history.Append(string(msg.Recipient), msg)
		}
	}

	mu := r.lockFor(msg.Recipient)
	mu.Lock()
	defer mu.Unlock()

	if r.tryDeliver(ctx, msg) {
		metrics.MessagesTotal.WithLabelValues("delivered").Inc()
		return OutcomeDelivered, nil
	}

	msg.Status = StatusPending
	r.queue.Enqueue(msg.Recipient, msg)
	metrics.MessagesTotal.WithLabelValues("queued").Inc()
	r.log.Debug().
		Str("message_id", msg.ID.String()).
		Str("identity", string(msg.Recipient)).
		Msg("queued for offline recipient")
	return OutcomeQueued, nil
}

// tryDeliver writes msg to the recipient's live connection, retrying per
// config. Presence is looked up again before every attempt.
func (r *Router) tryDeliver(ctx context.Context, msg *Message) bool {
	backoff := r.cfg.RetryBackoff
	for attempt := 0; attempt <= r.cfg.Retries; attempt++ {
		if attempt > 0 && backoff > 0 {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		conn := r.presence.Lookup(msg.Recipient)
		if conn == nil {
			return false
		}
		err := r.deliver(ctx, conn, msg)
		if err == nil {
			return true
		}
		r.log.Debug().
			Err(err).
			Str("message_id", msg.ID.String()).
			Str("conn_id", conn.ID()).
			Int("attempt", attempt+1).
			Msg("delivery failed")
	}
	return false
}

// deliver performs one bounded write. The connection receives a copy so the
// router keeps sole ownership of msg.
func (r *Router) deliver(ctx context.Context, conn Connection, msg *Message) error {
	if r.cfg.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.WriteTimeout)
		defer cancel()
	}

	msg.Status = StatusSent
	out := *msg
	if err := conn.Send(ctx, &Event{Kind: EventMessage, Message: &out}); err != nil {
		msg.Status = StatusPending
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", ErrDeliveryTimeout, err)
		}
		return err
	}
	msg.Status = StatusDelivered
	return nil
}

// OnConnect registers conn for id and hands over everything queued for it,
// oldest first. On the first failed write the rest goes back to the head of
// the queue and draining stops. It returns the number delivered.
//
// A Send to the same identity blocks until the drain finishes, so nothing
// slips between the queue and the new connection.
func (r *Router) OnConnect(ctx context.Context, id Identity, conn Connection) int {
	mu := r.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	r.presence.Register(id, conn)

	pending := r.queue.Drain(id)
	for i, msg := range pending {
		if err := r.deliver(ctx, conn, msg); err != nil {
			r.queue.PushFront(id, pending[i:]...)
			r.log.Warn().
				Err(err).
				Str("identity", string(id)).
				Str("conn_id", conn.ID()).
				Int("delivered", i).
				Int("requeued", len(pending)-i).
				Msg("drain interrupted")
			return i
		}
		metrics.DrainedTotal.Inc()
	}
	if len(pending) > 0 {
		r.log.Info().
			Str("identity", string(id)).
			Int("delivered", len(pending)).
			Msg("drained offline queue")
	}
	return len(pending)
}

// OnDisconnect removes id from presence. Queued messages stay queued.
func (r *Router) OnDisconnect(id Identity) {
	mu := r.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	r.presence.Unregister(id)
}

// Detach removes id only while it is still bound to conn. Transports call it
// when a socket ends so a replaced socket never evicts its successor.
func (r *Router) Detach(id Identity, conn Connection) bool {
	return r.presence.Release(id, conn)
}

func (r *Router) lockFor(id Identity) *sync.Mutex {
	return &r.locks[maphash.String(r.seed, string(id))%routerShards]
}
