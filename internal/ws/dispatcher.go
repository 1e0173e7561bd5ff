package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"chat-realtime/internal/apperr"
	"chat-realtime/internal/delivery"
	"chat-realtime/internal/models"
	"chat-realtime/internal/observability"
	"chat-realtime/internal/presence"
	"chat-realtime/internal/repositories"
	"chat-realtime/internal/rooms"
	"chat-realtime/internal/transport"
)

// Dispatcher routes inbound events of one connection to the presence,
// room and delivery components. Calls for a given connection are made
// sequentially by its read loop.
type Dispatcher struct {
	registry *presence.Registry
	rooms    *rooms.Tracker
	pipeline *delivery.Pipeline
	groups   repositories.GroupRepository
	log      *slog.Logger
	now      func() time.Time
}

func NewDispatcher(registry *presence.Registry, tracker *rooms.Tracker, pipeline *delivery.Pipeline, groups repositories.GroupRepository, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		rooms:    tracker,
		pipeline: pipeline,
		groups:   groups,
		log:      log,
		now:      time.Now,
	}
}

// Dispatch handles one inbound event.
func (d *Dispatcher) Dispatch(ctx context.Context, conn transport.Conn, env models.Envelope) {
	switch env.Event {
	case models.EventUserConnection:
		d.handleConnect(ctx, conn, env.Data)
	case models.EventHeartbeat:
		d.handleHeartbeat(conn, env.Data)
	case models.EventTypingStart, models.EventTypingStop:
		d.handleTyping(conn, env.Event, env.Data)
	case models.EventSendMessage:
		d.handleSend(ctx, conn, env.Data)
	case models.EventEditMessage:
		d.handleEdit(ctx, conn, env.Data)
	case models.EventDeleteMessage:
		d.handleDelete(ctx, conn, env.Data)
	case models.EventJoinGroup:
		d.handleJoinGroup(ctx, conn, env.Data)
	case models.EventLeaveGroup:
		d.handleLeaveGroup(conn, env.Data)
	case models.EventDisconnectOtherSessions:
		d.handleDisconnectOthers(conn, env.Data)
	default:
		observability.IncWSEvent("unknown")
		d.fail(conn, models.EventConnectionError, apperr.Validation("unknown event "+env.Event))
		return
	}
	observability.IncWSEvent(env.Event)
}

// Disconnect runs when the read loop of conn ends.
func (d *Dispatcher) Disconnect(conn transport.Conn) {
	userID, offline := d.registry.Remove(conn.ID())
	if offline {
		d.log.Info("user went offline", slog.Int("user_id", userID), slog.String("conn_id", conn.ID()))
	}
}

func (d *Dispatcher) handleConnect(ctx context.Context, conn transport.Conn, data json.RawMessage) {
	var req models.ConnectRequest
	if err := decode(data, &req); err != nil {
		d.fail(conn, models.EventConnectionError, err)
		return
	}
	if err := req.Validate(); err != nil {
		d.fail(conn, models.EventConnectionError, err)
		return
	}
	if conn.UserID() != 0 && conn.UserID() != req.UserID {
		d.fail(conn, models.EventConnectionError, apperr.Unauthorized("userId does not match the authenticated user"))
		return
	}
	if current, ok := d.registry.UserOf(conn.ID()); ok && current != req.UserID {
		d.fail(conn, models.EventConnectionError, apperr.Unauthorized("connection is already registered to another user"))
		return
	}

	d.registry.Register(conn, req.UserID, req.UserInfo)
	joined := d.rooms.Rebuild(ctx, conn, req.UserID, func() bool {
		return d.registry.IsActive(req.UserID, conn.ID())
	})
	if joined == nil {
		d.log.Info("connection superseded during connect", slog.Int("user_id", req.UserID), slog.String("conn_id", conn.ID()))
		return
	}
	_ = conn.Send(models.NewEvent(models.EventConnectionEstablished, models.ConnectionEstablished{
		UserID:       req.UserID,
		ConnectionID: conn.ID(),
		Rooms:        joined,
		Timestamp:    d.now(),
	}))
	d.log.Info("user connected", slog.Int("user_id", req.UserID), slog.String("conn_id", conn.ID()), slog.Int("rooms", len(joined)))
}

func (d *Dispatcher) handleHeartbeat(conn transport.Conn, data json.RawMessage) {
	var req models.HeartbeatRequest
	if err := decode(data, &req); err != nil {
		d.fail(conn, models.EventConnectionError, err)
		return
	}
	if err := d.authorize(conn, req.UserID); err != nil {
		d.fail(conn, models.EventConnectionError, err)
		return
	}
	d.registry.Heartbeat(req.UserID)
	_ = conn.Send(models.NewEvent(models.EventOnlineUsers, models.OnlineUsers{
		UserIDs:   d.registry.OnlineUserIDs(),
		Timestamp: d.now(),
	}))
}

func (d *Dispatcher) handleTyping(conn transport.Conn, event string, data json.RawMessage) {
	var req models.TypingRequest
	if err := decode(data, &req); err != nil {
		d.fail(conn, models.EventConnectionError, err)
		return
	}
	if err := req.Validate(); err != nil {
		d.fail(conn, models.EventConnectionError, err)
		return
	}
	if err := d.authorize(conn, req.FromUserID); err != nil {
		d.fail(conn, models.EventConnectionError, err)
		return
	}
	if event == models.EventTypingStart {
		d.registry.Typing().Start(req.FromUserID, req.ToUserID)
		return
	}
	d.registry.Typing().Stop(req.FromUserID, req.ToUserID)
}

func (d *Dispatcher) handleSend(ctx context.Context, conn transport.Conn, data json.RawMessage) {
	var req models.SendMessageRequest
	if err := decode(data, &req); err != nil {
		d.failMessage(conn, models.EventMessageError, req.TempID, 0, err)
		return
	}
	if err := d.authorize(conn, req.FromUserID); err != nil {
		d.failMessage(conn, models.EventMessageError, req.TempID, 0, err)
		return
	}
	_, _ = d.pipeline.Send(ctx, conn, req)
}

func (d *Dispatcher) handleEdit(ctx context.Context, conn transport.Conn, data json.RawMessage) {
	var req models.EditMessageRequest
	if err := decode(data, &req); err != nil {
		d.failMessage(conn, models.EventEditMessageError, "", req.MessageID, err)
		return
	}
	if err := d.authorize(conn, req.FromUserID); err != nil {
		d.failMessage(conn, models.EventEditMessageError, "", req.MessageID, err)
		return
	}
	_, _ = d.pipeline.Edit(ctx, conn, req)
}

func (d *Dispatcher) handleDelete(ctx context.Context, conn transport.Conn, data json.RawMessage) {
	var req models.DeleteMessageRequest
	if err := decode(data, &req); err != nil {
		d.failMessage(conn, models.EventDeleteMessageError, "", req.MessageID, err)
		return
	}
	if err := d.authorize(conn, req.FromUserID); err != nil {
		d.failMessage(conn, models.EventDeleteMessageError, "", req.MessageID, err)
		return
	}
	_, _ = d.pipeline.Delete(ctx, conn, req)
}

func (d *Dispatcher) handleJoinGroup(ctx context.Context, conn transport.Conn, data json.RawMessage) {
	req, err := d.groupRequest(conn, data)
	if err != nil {
		d.fail(conn, models.EventGroupError, err)
		return
	}
	if _, err := d.groups.GetGroup(ctx, req.GroupID); err != nil {
		if errors.Is(err, repositories.ErrGroupNotFound) {
			d.fail(conn, models.EventGroupError, apperr.NotFound("group not found"))
			return
		}
		d.fail(conn, models.EventGroupError, apperr.From(err, apperr.KindStorage, "failed to resolve group"))
		return
	}
	member, err := d.groups.IsMember(ctx, req.GroupID, req.UserID)
	if err != nil {
		d.fail(conn, models.EventGroupError, apperr.From(err, apperr.KindStorage, "failed to check group membership"))
		return
	}
	if !member {
		d.fail(conn, models.EventGroupError, apperr.Unauthorized("You are not a member of this group"))
		return
	}

	room := rooms.GroupRoom(req.GroupID)
	d.rooms.Join(conn, room)
	d.rooms.Broadcast(room, models.NewEvent(models.EventGroupMemberJoined, models.GroupMembership{
		GroupID: req.GroupID,
		UserID:  req.UserID,
	}), "")
}

func (d *Dispatcher) handleLeaveGroup(conn transport.Conn, data json.RawMessage) {
	req, err := d.groupRequest(conn, data)
	if err != nil {
		d.fail(conn, models.EventGroupError, err)
		return
	}
	room := rooms.GroupRoom(req.GroupID)
	d.rooms.Broadcast(room, models.NewEvent(models.EventGroupMemberLeft, models.GroupMembership{
		GroupID: req.GroupID,
		UserID:  req.UserID,
	}), "")
	d.rooms.Leave(conn.ID(), room)
}

func (d *Dispatcher) groupRequest(conn transport.Conn, data json.RawMessage) (models.GroupRequest, error) {
	var req models.GroupRequest
	if err := decode(data, &req); err != nil {
		return req, err
	}
	if err := req.Validate(); err != nil {
		return req, err
	}
	return req, d.authorize(conn, req.UserID)
}

func (d *Dispatcher) handleDisconnectOthers(conn transport.Conn, data json.RawMessage) {
	var req models.DisconnectOthersRequest
	if err := decode(data, &req); err != nil {
		d.fail(conn, models.EventConnectionError, err)
		return
	}
	if err := d.authorize(conn, req.UserID); err != nil {
		d.fail(conn, models.EventConnectionError, err)
		return
	}
	n := d.registry.EvictOthers(req.UserID, conn.ID())
	d.log.Info("other sessions disconnected", slog.Int("user_id", req.UserID), slog.Int("count", n))
	_ = conn.Send(models.NewEvent(models.EventOtherSessionsDisconnected, models.OtherSessionsDisconnected{Count: n}))
}

// authorize requires conn to be the active connection of actorID.
func (d *Dispatcher) authorize(conn transport.Conn, actorID int) error {
	userID, ok := d.registry.UserOf(conn.ID())
	if !ok {
		return apperr.Unauthorized("connection is not registered")
	}
	if actorID != userID || !d.registry.IsActive(userID, conn.ID()) {
		return apperr.Unauthorized("actor does not match the connection")
	}
	return nil
}

func (d *Dispatcher) fail(conn transport.Conn, event string, err error) {
	d.log.Debug("event rejected", slog.String("event", event), slog.String("conn_id", conn.ID()), slog.Any("err", err))
	_ = conn.Send(models.NewEvent(event, models.ErrorPayload{
		Kind:  string(apperr.KindOf(err)),
		Error: apperr.Message(err),
	}))
}

func (d *Dispatcher) failMessage(conn transport.Conn, event, tempID string, messageID int, err error) {
	_ = conn.Send(models.NewEvent(event, models.MessageError{
		TempID:    tempID,
		MessageID: messageID,
		Kind:      string(apperr.KindOf(err)),
		Error:     apperr.Message(err),
	}))
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return apperr.Validation("event data is required")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return apperr.Validation("malformed event data")
	}
	return nil
}
