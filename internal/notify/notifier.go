// Package notify sends best-effort chat list hints outside the request path.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chat-realtime/internal/models"
)

// Presence delivers events to online users.
type Presence interface {
	SendTo(userID int, ev models.Event) bool
	Broadcast(ev models.Event) int
}

// Notifier runs fire-and-forget tasks and tracks them so shutdown can drain.
type Notifier struct {
	presence Presence
	log      *slog.Logger
	now      func() time.Time

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewNotifier(presence Presence, log *slog.Logger) *Notifier {
	return &Notifier{presence: presence, log: log, now: time.Now}
}

// Go runs fn in its own goroutine. Errors and panics are logged and never
// reach the caller. After Close, tasks are dropped.
func (n *Notifier) Go(ctx context.Context, name string, fn func(ctx context.Context) error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		n.log.Debug("background task dropped after close", slog.String("task", name))
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				n.log.Error("background task panicked", slog.String("task", name), slog.String("panic", fmt.Sprint(r)))
			}
		}()
		if err := fn(ctx); err != nil {
			n.log.Warn("background task failed", slog.String("task", name), slog.Any("err", err))
		}
	}()
}

// Wait blocks until every task started with Go has finished.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

// Close stops accepting tasks and waits for the running ones.
func (n *Notifier) Close() {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
	n.wg.Wait()
}

// NotifyDirect tells both participants of a direct chat that it changed.
// Each side receives the peer's id. Offline users are skipped.
func (n *Notifier) NotifyDirect(fromUserID, toUserID int) int {
	ts := n.now()
	sent := 0
	if n.presence.SendTo(fromUserID, chatListEvent(models.ChatListDirect, toUserID, ts)) {
		sent++
	}
	if n.presence.SendTo(toUserID, chatListEvent(models.ChatListDirect, fromUserID, ts)) {
		sent++
	}
	return sent
}

// NotifyGroup tells every online member that the group chat changed.
func (n *Notifier) NotifyGroup(memberIDs []int, groupID int) int {
	ev := chatListEvent(models.ChatListGroup, groupID, n.now())
	sent := 0
	for _, id := range memberIDs {
		if n.presence.SendTo(id, ev) {
			sent++
		}
	}
	return sent
}

// HintRecentChats broadcasts a recent_chats_messages hint to all connections.
func (n *Notifier) HintRecentChats(fromUserID int, toUserID, groupID *int) int {
	return n.presence.Broadcast(models.NewEvent(models.EventRecentChatsMessages, models.RecentChatsHint{
		FromUserID: fromUserID,
		ToUserID:   toUserID,
		GroupID:    groupID,
		Timestamp:  n.now(),
	}))
}

func chatListEvent(kind models.ChatListKind, id int, ts time.Time) models.Event {
	return models.NewEvent(models.EventChatListUpdate, models.ChatListUpdate{Type: kind, ID: id, Timestamp: ts})
}
