// Package rooms tracks which connections belong to which broadcast rooms.
package rooms

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"chat-realtime/internal/models"
	"chat-realtime/internal/transport"
)

// GroupResolver lists the groups a user belongs to.
type GroupResolver interface {
	ListGroupIDsForUser(ctx context.Context, userID int) ([]int, error)
}

func UserRoom(userID int) string {
	return fmt.Sprintf("user_%d", userID)
}

func GroupRoom(groupID int) string {
	return fmt.Sprintf("group_%d", groupID)
}

// Tracker holds room membership for live connections only; nothing is
// persisted across disconnects.
type Tracker struct {
	groups GroupResolver
	log    *slog.Logger

	mu     sync.RWMutex
	rooms  map[string]map[string]transport.Conn
	byConn map[string]map[string]struct{}
}

func NewTracker(groups GroupResolver, log *slog.Logger) *Tracker {
	return &Tracker{
		groups: groups,
		log:    log,
		rooms:  make(map[string]map[string]transport.Conn),
		byConn: make(map[string]map[string]struct{}),
	}
}

// Rebuild joins conn to its personal room and one room per group of userID.
// A resolver failure is logged and only the personal room is joined.
// active, when non-nil, is checked under the tracker lock right before
// joining; if it reports false nothing is joined and Rebuild returns nil.
func (t *Tracker) Rebuild(ctx context.Context, conn transport.Conn, userID int, active func() bool) []string {
	joined := []string{UserRoom(userID)}
	if t.groups != nil {
		groupIDs, err := t.groups.ListGroupIDsForUser(ctx, userID)
		if err != nil {
			t.log.Warn("resolve group rooms failed", slog.Int("user_id", userID), slog.Any("err", err))
		}
		for _, id := range groupIDs {
			joined = append(joined, GroupRoom(id))
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if active != nil && !active() {
		return nil
	}
	for _, room := range joined {
		t.joinLocked(conn, room)
	}
	return joined
}

func (t *Tracker) Join(conn transport.Conn, room string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.joinLocked(conn, room)
}

func (t *Tracker) joinLocked(conn transport.Conn, room string) {
	members, ok := t.rooms[room]
	if !ok {
		members = make(map[string]transport.Conn)
		t.rooms[room] = members
	}
	members[conn.ID()] = conn

	joined, ok := t.byConn[conn.ID()]
	if !ok {
		joined = make(map[string]struct{})
		t.byConn[conn.ID()] = joined
	}
	joined[room] = struct{}{}
}

func (t *Tracker) Leave(connID, room string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.leaveLocked(connID, room)
}

// LeaveAll drops every membership of connID.
func (t *Tracker) LeaveAll(connID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for room := range t.byConn[connID] {
		t.leaveLocked(connID, room)
	}
	delete(t.byConn, connID)
}

func (t *Tracker) leaveLocked(connID, room string) {
	if members, ok := t.rooms[room]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(t.rooms, room)
		}
	}
	if joined, ok := t.byConn[connID]; ok {
		delete(joined, room)
		if len(joined) == 0 {
			delete(t.byConn, connID)
		}
	}
}

// Broadcast sends ev to every member of room except skipConnID and returns
// how many connections accepted it. An empty room is a no-op.
func (t *Tracker) Broadcast(room string, ev models.Event, skipConnID string) int {
	sent := 0
	for _, conn := range t.Members(room) {
		if conn.ID() == skipConnID {
			continue
		}
		if err := conn.Send(ev); err != nil {
			t.log.Debug("room send dropped", slog.String("room", room), slog.String("conn_id", conn.ID()), slog.Any("err", err))
			continue
		}
		sent++
	}
	return sent
}

// Members snapshots the connections in room.
func (t *Tracker) Members(room string) []transport.Conn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	members := t.rooms[room]
	out := make([]transport.Conn, 0, len(members))
	for _, conn := range members {
		out = append(out, conn)
	}
	return out
}

// RoomsOf lists the rooms of connID in name order.
func (t *Tracker) RoomsOf(connID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.byConn[connID]))
	for room := range t.byConn[connID] {
		out = append(out, room)
	}
	sort.Strings(out)
	return out
}
