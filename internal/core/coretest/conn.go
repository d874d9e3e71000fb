// Package coretest provides an in-memory core.Connection for tests.
package coretest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vovakirdan/wiremesh/internal/core"
)

// ErrInjected is returned by Send once a failure has been armed.
var ErrInjected = errors.New("injected write failure")

// Conn records every event sent to it.
type Conn struct {
	id string

	mu       sync.Mutex
	events   []*core.Event
	closed   bool
	failIn   int // successful sends left before failing; -1 never fails
	failNext int
	block    bool
	handlers map[int]func(core.ConnState)
	nextH    int

	notify chan struct{}
}

// NewConn returns an open connection with the given id.
func NewConn(id string) *Conn {
	return &Conn{
		id:       id,
		failIn:   -1,
		handlers: make(map[int]func(core.ConnState)),
		notify:   make(chan struct{}, 1),
	}
}

func (c *Conn) ID() string { return c.id }

// Send records ev unless the connection is closed, blocked or armed to fail.
func (c *Conn) Send(ctx context.Context, ev *core.Event) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return core.ErrConnClosed
	}
	if c.block {
		c.mu.Unlock()
		<-ctx.Done()
		return ctx.Err()
	}
	if c.failNext > 0 {
		c.failNext--
		c.mu.Unlock()
		return ErrInjected
	}
	if c.failIn == 0 {
		c.mu.Unlock()
		return ErrInjected
	}
	if c.failIn > 0 {
		c.failIn--
	}
	c.events = append(c.events, ev)
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

// Close marks the connection closed and notifies subscribers once.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.emit(core.ConnClosed)
	return nil
}

// OnStateChange subscribes fn.
func (c *Conn) OnStateChange(fn func(core.ConnState)) func() {
	c.mu.Lock()
	id := c.nextH
	c.nextH++
	c.handlers[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.handlers, id)
		c.mu.Unlock()
	}
}

// Fail simulates a transport failure.
func (c *Conn) Fail() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.emit(core.ConnFailed)
}

// FailAfter lets n more sends succeed and fails every later one.
func (c *Conn) FailAfter(n int) {
	c.mu.Lock()
	c.failIn = n
	c.mu.Unlock()
}

// FailNext fails the next n sends, then recovers.
func (c *Conn) FailNext(n int) {
	c.mu.Lock()
	c.failNext = n
	c.mu.Unlock()
}

// Block makes every Send wait for its context to expire.
func (c *Conn) Block() {
	c.mu.Lock()
	c.block = true
	c.mu.Unlock()
}

// Closed reports whether Close or Fail was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Events returns a copy of the recorded events.
func (c *Conn) Events() []*core.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*core.Event(nil), c.events...)
}

// Messages returns the payload messages recorded so far, in order.
func (c *Conn) Messages() []*core.Message {
	var out []*core.Message
	for _, ev := range c.Events() {
		if ev.Kind == core.EventMessage {
			out = append(out, ev.Message)
		}
	}
	return out
}

// Filter returns recorded events of one kind.
func (c *Conn) Filter(kind core.EventKind) []*core.Event {
	var out []*core.Event
	for _, ev := range c.Events() {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// WaitFor blocks until at least n events of kind were recorded.
func (c *Conn) WaitFor(t *testing.T, kind core.EventKind, n int) []*core.Event {
	t.Helper()

	deadline := time.NewTimer(2 * time.Second)
	defer deadline.Stop()
	for {
		if evs := c.Filter(kind); len(evs) >= n {
			return evs
		}
		select {
		case <-c.notify:
		case <-time.After(10 * time.Millisecond):
		case <-deadline.C:
			t.Fatalf("conn %s: expected %d events of kind %v, got %d", c.id, n, kind, len(c.Filter(kind)))
			return nil
		}
	}
}

func (c *Conn) emit(s core.ConnState) {
	c.mu.Lock()
	fns := make([]func(core.ConnState), 0, len(c.handlers))
	for _, fn := range c.handlers {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}
