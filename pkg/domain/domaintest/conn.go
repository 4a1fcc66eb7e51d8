// Package domaintest provides an in-memory domain.Connection for tests.
package domaintest

import (
	"context"
	"sync"

	"github.com/HMasataka/familyrelay/pkg/domain"
)

// Conn records every message sent to it
type Conn struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	msgs   []*domain.Message
	closed bool
	// SendErr, when set, is returned by Send instead of recording.
	SendErr error
}

var _ domain.Connection = (*Conn)(nil)

// NewConn creates an open connection with the given id
func NewConn(id string) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{id: id, ctx: ctx, cancel: cancel}
}

// ID implements domain.Connection
func (c *Conn) ID() string {
	return c.id
}

// Send implements domain.Connection
func (c *Conn) Send(_ context.Context, msg *domain.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return domain.ErrConnectionClosed
	}
	if c.SendErr != nil {
		return c.SendErr
	}
	c.msgs = append(c.msgs, msg)
	return nil
}

// Close implements domain.Connection
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	c.cancel()
	return nil
}

// Context implements domain.Connection
func (c *Conn) Context() context.Context {
	return c.ctx
}

// Messages returns a copy of everything received so far
func (c *Conn) Messages() []*domain.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*domain.Message, len(c.msgs))
	copy(out, c.msgs)
	return out
}

// Types returns the event types received so far, in order
func (c *Conn) Types() []domain.EventType {
	msgs := c.Messages()
	out := make([]domain.EventType, len(msgs))
	for i, m := range msgs {
		out[i] = m.Type
	}
	return out
}

// Reset forgets received messages
func (c *Conn) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.msgs = nil
}
