package presence

import (
	"sync"
	"time"

	"chat-realtime/internal/models"
	"chat-realtime/internal/transport"
)

type typingKey struct {
	from int
	to   int
}

// TypingTracker keeps (from, to) typing pairs and forwards changes to the
// target only. Pairs never expire on their own; they are purged when the
// typing user disconnects.
type TypingTracker struct {
	lookup func(userID int) (transport.Conn, bool)
	now    func() time.Time

	mu    sync.Mutex
	state map[typingKey]time.Time
}

func newTypingTracker(lookup func(int) (transport.Conn, bool), now func() time.Time) *TypingTracker {
	return &TypingTracker{lookup: lookup, now: now, state: make(map[typingKey]time.Time)}
}

// Start records that from is typing to to and reports whether the target
// was notified.
func (t *TypingTracker) Start(from, to int) bool {
	t.mu.Lock()
	t.state[typingKey{from, to}] = t.now()
	t.mu.Unlock()
	return t.forward(from, to, true)
}

// Stop clears the pair and reports whether the target was notified.
func (t *TypingTracker) Stop(from, to int) bool {
	t.mu.Lock()
	delete(t.state, typingKey{from, to})
	t.mu.Unlock()
	return t.forward(from, to, false)
}

// Purge drops every pair started by from.
func (t *TypingTracker) Purge(from int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for key := range t.state {
		if key.from == from {
			delete(t.state, key)
			n++
		}
	}
	return n
}

// Active reports whether from is currently typing to to.
func (t *TypingTracker) Active(from, to int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.state[typingKey{from, to}]
	return ok
}

func (t *TypingTracker) forward(from, to int, typing bool) bool {
	conn, ok := t.lookup(to)
	if !ok {
		return false
	}
	ev := models.NewEvent(models.EventUserTyping, models.UserTyping{FromUserID: from, ToUserID: to, IsTyping: typing})
	return conn.Send(ev) == nil
}
