package http

import (
	"context"
	"fmt"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/vovakirdan/wiremesh/internal/core"
	"github.com/vovakirdan/wiremesh/internal/proto"
)

// wsConnection adapts a WebSocket to core.Connection. Writes may come from
// any goroutine; the socket serializes them.
type wsConnection struct {
	id     string
	conn   *websocket.Conn
	cancel context.CancelFunc

	mu       sync.Mutex
	state    core.ConnState
	handlers map[int]func(core.ConnState)
	nextID   int
}

func newWSConnection(id string, conn *websocket.Conn, cancel context.CancelFunc) *wsConnection {
	return &wsConnection{
		id:       id,
		conn:     conn,
		cancel:   cancel,
		handlers: make(map[int]func(core.ConnState)),
	}
}

func (c *wsConnection) ID() string { return c.id }

func (c *wsConnection) Send(ctx context.Context, ev *core.Event) error {
	return c.write(ctx, outboundFromEvent(ev))
}

func (c *wsConnection) write(ctx context.Context, out proto.Outbound) error {
	c.mu.Lock()
	open := c.state == core.ConnOpen
	c.mu.Unlock()
	if !open {
		return core.ErrConnClosed
	}
	if err := wsjson.Write(ctx, c.conn, out); err != nil {
		return fmt.Errorf("ws write %s: %w", c.id, err)
	}
	return nil
}

// Close stops the connection's handler without waiting for the peer. The
// handler performs the closing handshake.
func (c *wsConnection) Close() error {
	c.cancel()
	c.finish(core.ConnClosed)
	return nil
}

func (c *wsConnection) OnStateChange(fn func(core.ConnState)) func() {
	c.mu.Lock()
	if c.state.Terminal() {
		st := c.state
		c.mu.Unlock()
		fn(st)
		return func() {}
	}
	id := c.nextID
	c.nextID++
	c.handlers[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.handlers, id)
		c.mu.Unlock()
	}
}

// finish moves to a terminal state once and notifies subscribers.
func (c *wsConnection) finish(st core.ConnState) {
	c.mu.Lock()
	if c.state.Terminal() {
		c.mu.Unlock()
		return
	}
	c.state = st
	fns := make([]func(core.ConnState), 0, len(c.handlers))
	for _, fn := range c.handlers {
		fns = append(fns, fn)
	}
	c.handlers = nil
	c.mu.Unlock()

	for _, fn := range fns {
		fn(st)
	}
}

var _ core.Connection = (*wsConnection)(nil)
