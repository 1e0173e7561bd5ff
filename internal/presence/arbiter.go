package presence

import (
	"chat-realtime/internal/models"
	"chat-realtime/internal/transport"
)

// swapLocked detaches the previous connection of userID if it differs from
// conn. The caller holds r.mu and installs the new entry in the same
// critical section, so no two connections are ever active for one user.
func (r *Registry) swapLocked(conn transport.Conn, userID int) transport.Conn {
	old, ok := r.active[userID]
	if !ok || old.ID() == conn.ID() {
		return nil
	}
	delete(r.owners, old.ID())
	delete(r.conns, old.ID())
	delete(r.active, userID)
	return old
}

// evict notifies and closes a detached connection. Close flushes queued
// events, so force_disconnect arrives before the close frame.
func (r *Registry) evict(conn transport.Conn, reason string) {
	_ = conn.Send(models.NewEvent(models.EventForceDisconnect, models.ForceDisconnect{Reason: reason}))
	conn.Close()
	r.rooms.LeaveAll(conn.ID())
}

// EvictOthers closes every connection registered or authenticated as userID
// other than keepConnID and returns how many were closed.
func (r *Registry) EvictOthers(userID int, keepConnID string) int {
	r.mu.Lock()
	var victims []transport.Conn
	for id, conn := range r.conns {
		if id == keepConnID {
			continue
		}
		owner, registered := r.owners[id]
		if (registered && owner == userID) || conn.UserID() == userID {
			victims = append(victims, conn)
		}
	}
	for _, conn := range victims {
		delete(r.conns, conn.ID())
		delete(r.owners, conn.ID())
		if active, ok := r.active[userID]; ok && active.ID() == conn.ID() {
			delete(r.active, userID)
			delete(r.entries, userID)
		}
	}
	r.mu.Unlock()

	for _, conn := range victims {
		r.evict(conn, "disconnected by another session")
	}
	return len(victims)
}
