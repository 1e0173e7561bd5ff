package testutil

import (
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/uuid"

	"chat-realtime/internal/models"
	"chat-realtime/internal/transport"
)

func TestLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// FakeConn records every event sent to it.
type FakeConn struct {
	id     string
	userID int

	mu     sync.Mutex
	events []models.Event
	closed bool
}

func NewFakeConn(userID int) *FakeConn {
	return &FakeConn{id: uuid.NewString(), userID: userID}
}

func (c *FakeConn) ID() string  { return c.id }
func (c *FakeConn) UserID() int { return c.userID }

func (c *FakeConn) Send(ev models.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrConnClosed
	}
	c.events = append(c.events, ev)
	return nil
}

func (c *FakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *FakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Events returns a copy of everything received so far.
func (c *FakeConn) Events() []models.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Event, len(c.events))
	copy(out, c.events)
	return out
}

// Named returns the received events called name, in order.
func (c *FakeConn) Named(name string) []models.Event {
	var out []models.Event
	for _, ev := range c.Events() {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

// Last returns the most recent event called name.
func (c *FakeConn) Last(name string) (models.Event, bool) {
	named := c.Named(name)
	if len(named) == 0 {
		return models.Event{}, false
	}
	return named[len(named)-1], true
}

func (c *FakeConn) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = nil
}
