// Package presence tracks which users are online on this process and owns
// the single-session rule.
package presence

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"chat-realtime/internal/models"
	"chat-realtime/internal/observability"
	"chat-realtime/internal/rooms"
	"chat-realtime/internal/transport"
)

// Entry is the presence record of one online user.
type Entry struct {
	UserID      int
	ConnID      string
	Status      models.PresenceStatus
	LastSeen    time.Time
	UserInfo    json.RawMessage
	ConnectedAt time.Time
}

// Registry is the process-wide presence table. It is built once and shared
// by reference.
type Registry struct {
	rooms  *rooms.Tracker
	typing *TypingTracker
	log    *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	conns   map[string]transport.Conn
	owners  map[string]int
	active  map[int]transport.Conn
	entries map[int]*Entry
}

func NewRegistry(tracker *rooms.Tracker, log *slog.Logger) *Registry {
	r := &Registry{
		rooms:   tracker,
		log:     log,
		now:     time.Now,
		conns:   make(map[string]transport.Conn),
		owners:  make(map[string]int),
		active:  make(map[int]transport.Conn),
		entries: make(map[int]*Entry),
	}
	r.typing = newTypingTracker(r.Conn, func() time.Time { return r.now() })
	return r
}

// Typing returns the typing tracker bound to this registry.
func (r *Registry) Typing() *TypingTracker {
	return r.typing
}

// Attach tracks conn from the moment it is upgraded, before it registers.
func (r *Registry) Attach(conn transport.Conn) {
	r.mu.Lock()
	r.conns[conn.ID()] = conn
	r.mu.Unlock()
}

// Register binds conn to userID, evicting any previous connection of that
// user, then announces the updated presence to every connection.
func (r *Registry) Register(conn transport.Conn, userID int, userInfo json.RawMessage) Entry {
	now := r.now()

	r.mu.Lock()
	displaced := r.swapLocked(conn, userID)
	entry := &Entry{
		UserID:      userID,
		ConnID:      conn.ID(),
		Status:      models.StatusOnline,
		LastSeen:    now,
		UserInfo:    userInfo,
		ConnectedAt: now,
	}
	r.entries[userID] = entry
	r.active[userID] = conn
	r.owners[conn.ID()] = userID
	r.conns[conn.ID()] = conn
	snapshot := *entry
	online := len(r.entries)
	r.mu.Unlock()

	if displaced != nil {
		r.evict(displaced, "signed in from another session")
		r.log.Info("session superseded",
			slog.Int("user_id", userID),
			slog.String("old_conn_id", displaced.ID()),
			slog.String("new_conn_id", conn.ID()),
		)
	}
	observability.SetOnlineUsers(online)

	r.Broadcast(models.NewEvent(models.EventOnlineUsersList, models.OnlineUsersList{Users: r.OnlineUsers()}))
	r.Broadcast(models.NewEvent(models.EventUserStatusChanged, models.UserStatusChanged{
		UserID:   userID,
		Status:   models.StatusOnline,
		LastSeen: now,
	}))
	return snapshot
}

// Heartbeat refreshes lastSeen for a known user. Unknown users are ignored.
func (r *Registry) Heartbeat(userID int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[userID]
	if !ok {
		return false
	}
	entry.LastSeen = r.now()
	entry.Status = models.StatusOnline
	return true
}

// Lookup returns a copy of the user's entry.
func (r *Registry) Lookup(userID int) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[userID]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// Conn returns the active connection of userID.
func (r *Registry) Conn(userID int) (transport.Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.active[userID]
	return conn, ok
}

// UserOf resolves the user a connection is registered as.
func (r *Registry) UserOf(connID string) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	userID, ok := r.owners[connID]
	return userID, ok
}

// IsActive reports whether connID is the current connection of userID.
func (r *Registry) IsActive(userID int, connID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.active[userID]
	return ok && conn.ID() == connID
}

// Remove forgets connID. When it was its user's active connection the user
// goes offline; a connection that was already superseded only loses its
// room memberships. It returns the owning user and whether it went offline.
func (r *Registry) Remove(connID string) (int, bool) {
	r.mu.Lock()
	delete(r.conns, connID)
	userID, owned := r.owners[connID]
	delete(r.owners, connID)
	wentOffline := false
	if owned {
		if conn, ok := r.active[userID]; ok && conn.ID() == connID {
			delete(r.active, userID)
			delete(r.entries, userID)
			wentOffline = true
		}
	}
	online := len(r.entries)
	r.mu.Unlock()

	r.rooms.LeaveAll(connID)
	if !wentOffline {
		return userID, false
	}

	r.typing.Purge(userID)
	observability.SetOnlineUsers(online)
	r.Broadcast(models.NewEvent(models.EventUserStatusChanged, models.UserStatusChanged{
		UserID:   userID,
		Status:   models.StatusOffline,
		LastSeen: r.now(),
	}))
	return userID, true
}

// OnlineUsers snapshots every entry ordered by user id.
func (r *Registry) OnlineUsers() []models.OnlineUser {
	r.mu.RLock()
	out := make([]models.OnlineUser, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, models.OnlineUser{
			UserID:   e.UserID,
			Status:   e.Status,
			LastSeen: e.LastSeen,
			UserInfo: e.UserInfo,
		})
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// OnlineUserIDs lists online user ids in ascending order.
func (r *Registry) OnlineUserIDs() []int {
	r.mu.RLock()
	ids := make([]int, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Ints(ids)
	return ids
}

// Broadcast sends ev to every attached connection.
func (r *Registry) Broadcast(ev models.Event) int {
	r.mu.RLock()
	targets := make([]transport.Conn, 0, len(r.conns))
	for _, conn := range r.conns {
		targets = append(targets, conn)
	}
	r.mu.RUnlock()

	sent := 0
	for _, conn := range targets {
		if err := conn.Send(ev); err != nil {
			r.log.Debug("broadcast dropped", slog.String("event", ev.Name), slog.String("conn_id", conn.ID()), slog.Any("err", err))
			continue
		}
		sent++
	}
	return sent
}

// SendTo delivers ev to the active connection of userID.
func (r *Registry) SendTo(userID int, ev models.Event) bool {
	conn, ok := r.Conn(userID)
	if !ok {
		return false
	}
	if err := conn.Send(ev); err != nil {
		r.log.Debug("send dropped", slog.String("event", ev.Name), slog.Int("user_id", userID), slog.Any("err", err))
		return false
	}
	return true
}

// CloseAll closes every attached connection. Used during shutdown.
func (r *Registry) CloseAll() int {
	r.mu.RLock()
	targets := make([]transport.Conn, 0, len(r.conns))
	for _, conn := range r.conns {
		targets = append(targets, conn)
	}
	r.mu.RUnlock()

	for _, conn := range targets {
		conn.Close()
	}
	return len(targets)
}

// Stats reports how many connections are attached and how many users are online.
func (r *Registry) Stats() (attached, online int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns), len(r.entries)
}
