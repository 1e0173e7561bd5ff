// Package delivery implements the send, edit and delete pipeline for chat
// messages.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"chat-realtime/internal/apperr"
	"chat-realtime/internal/attachments"
	"chat-realtime/internal/models"
	"chat-realtime/internal/notify"
	"chat-realtime/internal/observability"
	"chat-realtime/internal/presence"
	"chat-realtime/internal/repositories"
	"chat-realtime/internal/rooms"
	"chat-realtime/internal/telemetry"
	"chat-realtime/internal/transport"
)

const (
	opSend   = "send"
	opEdit   = "edit"
	opDelete = "delete"
)

// Limiter throttles sends per user.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Deps are the collaborators of a Pipeline. Limiter and Audit are optional.
type Deps struct {
	Messages    repositories.MessageRepository
	Users       repositories.UserRepository
	Groups      repositories.GroupRepository
	Attachments *attachments.Coordinator
	Presence    *presence.Registry
	Rooms       *rooms.Tracker
	Notifier    *notify.Notifier
	Limiter     Limiter
	Audit       *telemetry.AuditEmitter
	Log         *slog.Logger
}

// Pipeline is the only path by which messages are created, edited or
// deleted. Each call runs to completion even if the originating connection
// goes away; only delivery to that connection is lost.
type Pipeline struct {
	messages    repositories.MessageRepository
	users       repositories.UserRepository
	groups      repositories.GroupRepository
	attachments *attachments.Coordinator
	presence    *presence.Registry
	rooms       *rooms.Tracker
	notifier    *notify.Notifier
	limiter     Limiter
	audit       *telemetry.AuditEmitter
	log         *slog.Logger
	tracer      trace.Tracer
}

func New(d Deps) *Pipeline {
	return &Pipeline{
		messages:    d.Messages,
		users:       d.Users,
		groups:      d.Groups,
		attachments: d.Attachments,
		presence:    d.Presence,
		rooms:       d.Rooms,
		notifier:    d.Notifier,
		limiter:     d.Limiter,
		audit:       d.Audit,
		log:         d.Log,
		tracer:      otel.Tracer("chat-realtime/delivery"),
	}
}

// Send validates, persists, stores attachments and fans out a new message.
// The sender receives message_sent on success or message_error on rejection.
func (p *Pipeline) Send(ctx context.Context, origin transport.Conn, req models.SendMessageRequest) (models.MessageView, error) {
	ctx, span := p.tracer.Start(context.WithoutCancel(ctx), "delivery.send",
		trace.WithAttributes(attribute.Int("from_user_id", req.FromUserID), attribute.String("message_type", string(req.MessageType))))
	defer span.End()

	view, err := p.send(ctx, origin, req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		p.reject(ctx, origin, opSend, models.EventMessageError, req.TempID, 0, req.FromUserID, err)
		return models.MessageView{}, err
	}
	span.SetAttributes(attribute.Int("message_id", view.ID))
	p.succeed(ctx, opSend, "sent", view.Message)
	return view, nil
}

func (p *Pipeline) send(ctx context.Context, origin transport.Conn, req models.SendMessageRequest) (models.MessageView, error) {
	if err := p.checkRate(ctx, req.FromUserID); err != nil {
		return models.MessageView{}, err
	}
	files, err := req.Validate()
	if err != nil {
		return models.MessageView{}, err
	}
	toUserID, groupID := normalizeTarget(req.ToUserID, req.GroupID)
	if err := p.checkTarget(ctx, req.FromUserID, toUserID, groupID); err != nil {
		return models.MessageView{}, err
	}

	draft := models.Message{
		FromUserID:  req.FromUserID,
		ToUserID:    toUserID,
		GroupID:     groupID,
		MessageType: req.MessageType,
	}
	if req.MessageType == models.MessageTypeText {
		text := req.MessageText
		draft.MessageText = &text
	}
	msg, err := p.messages.CreateMessage(ctx, draft)
	if err != nil {
		return models.MessageView{}, apperr.From(err, apperr.KindStorage, "failed to save message")
	}

	stored := []models.Attachment{}
	if msg.MessageType == models.MessageTypeDoc {
		if _, err := p.attachments.Store(ctx, msg.ID, files); err != nil {
			p.rollback(ctx, msg.ID, err)
			return models.MessageView{}, err
		}
		stored, err = p.attachments.ReadBack(ctx, msg.ID)
		if err != nil {
			p.rollback(ctx, msg.ID, err)
			return models.MessageView{}, err
		}
	}

	view := models.MessageView{
		Message:     msg,
		SenderName:  p.senderName(ctx, msg.FromUserID),
		Attachments: stored,
	}
	p.sendTo(origin, models.NewEvent(models.EventMessageSent, models.MessageSent{TempID: req.TempID, Message: view}))
	p.fanOutNew(ctx, origin, req.TempID, view)

	p.notifier.Go(ctx, "recent_chats_hint", func(context.Context) error {
		p.notifier.HintRecentChats(msg.FromUserID, msg.ToUserID, msg.GroupID)
		return nil
	})
	return view, nil
}

// fanOutNew delivers a freshly sent message and schedules chat list hints.
func (p *Pipeline) fanOutNew(ctx context.Context, origin transport.Conn, tempID string, view models.MessageView) {
	ev := models.NewEvent(models.EventNewMessage, models.NewMessage{Message: view})

	if view.IsGroup() {
		groupID := *view.GroupID
		// The sender's own connection already got message_sent.
		p.rooms.Broadcast(rooms.GroupRoom(groupID), ev, connID(origin))
		p.notifyChatList(ctx, view.Message)
		return
	}

	toUserID := *view.ToUserID
	online := p.deliverDirect(toUserID, ev)
	p.sendTo(origin, models.NewEvent(models.EventMessageDelivered, models.MessageDelivered{
		TempID:          tempID,
		MessageID:       view.ID,
		Delivered:       true,
		RecipientOnline: online,
	}))
	p.notifyChatList(ctx, view.Message)
}

// notifyChatList schedules chat_list_update for both direct parties or for
// every member of the group.
func (p *Pipeline) notifyChatList(ctx context.Context, msg models.Message) {
	if msg.IsGroup() {
		groupID := *msg.GroupID
		p.notifier.Go(ctx, "group_chat_list", func(ctx context.Context) error {
			members, err := p.groups.ListMemberIDs(ctx, groupID)
			if err != nil {
				return fmt.Errorf("list group members: %w", err)
			}
			p.notifier.NotifyGroup(members, groupID)
			return nil
		})
		return
	}
	if msg.ToUserID == nil {
		return
	}
	fromUserID, toUserID := msg.FromUserID, *msg.ToUserID
	p.notifier.Go(ctx, "direct_chat_list", func(context.Context) error {
		p.notifier.NotifyDirect(fromUserID, toUserID)
		return nil
	})
}

// Edit replaces the text of a text message owned by the caller.
func (p *Pipeline) Edit(ctx context.Context, origin transport.Conn, req models.EditMessageRequest) (models.MessageView, error) {
	ctx, span := p.tracer.Start(context.WithoutCancel(ctx), "delivery.edit",
		trace.WithAttributes(attribute.Int("message_id", req.MessageID), attribute.Int("from_user_id", req.FromUserID)))
	defer span.End()

	view, err := p.edit(ctx, origin, req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		p.reject(ctx, origin, opEdit, models.EventEditMessageError, "", req.MessageID, req.FromUserID, err)
		return models.MessageView{}, err
	}
	p.succeed(ctx, opEdit, "edited", view.Message)
	return view, nil
}

func (p *Pipeline) edit(ctx context.Context, origin transport.Conn, req models.EditMessageRequest) (models.MessageView, error) {
	if err := req.Validate(); err != nil {
		return models.MessageView{}, err
	}
	msg, err := p.loadMessage(ctx, req.MessageID)
	if err != nil {
		return models.MessageView{}, err
	}
	if msg.MessageType != models.MessageTypeText {
		return models.MessageView{}, apperr.Validation("Only text messages can be edited")
	}
	if msg.FromUserID != req.FromUserID {
		return models.MessageView{}, apperr.Unauthorized("You can only edit your own messages")
	}

	updated, err := p.messages.UpdateMessageText(ctx, msg.ID, req.MessageText)
	if err != nil {
		if errors.Is(err, repositories.ErrMessageNotFound) {
			return models.MessageView{}, apperr.NotFound("message not found")
		}
		return models.MessageView{}, apperr.From(err, apperr.KindStorage, "failed to update message")
	}

	view := models.MessageView{
		Message:     updated,
		SenderName:  p.senderName(ctx, updated.FromUserID),
		Attachments: []models.Attachment{},
	}
	p.route(origin, updated, models.NewEvent(models.EventMessageEdited, models.NewMessage{Message: view}))
	p.notifyChatList(ctx, updated)
	return view, nil
}

// Delete removes a message owned by the caller together with its
// attachments.
func (p *Pipeline) Delete(ctx context.Context, origin transport.Conn, req models.DeleteMessageRequest) (models.Message, error) {
	ctx, span := p.tracer.Start(context.WithoutCancel(ctx), "delivery.delete",
		trace.WithAttributes(attribute.Int("message_id", req.MessageID), attribute.Int("from_user_id", req.FromUserID)))
	defer span.End()

	msg, err := p.delete(ctx, origin, req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		p.reject(ctx, origin, opDelete, models.EventDeleteMessageError, "", req.MessageID, req.FromUserID, err)
		return models.Message{}, err
	}
	p.succeed(ctx, opDelete, "deleted", msg)
	return msg, nil
}

func (p *Pipeline) delete(ctx context.Context, origin transport.Conn, req models.DeleteMessageRequest) (models.Message, error) {
	if err := req.Validate(); err != nil {
		return models.Message{}, err
	}
	msg, err := p.loadMessage(ctx, req.MessageID)
	if err != nil {
		return models.Message{}, err
	}
	if msg.FromUserID != req.FromUserID {
		return models.Message{}, apperr.Unauthorized("You can only delete your own messages")
	}

	if err := p.attachments.RemoveAll(ctx, msg.ID); err != nil {
		p.log.Warn("remove attachments failed", slog.Int("message_id", msg.ID), slog.Any("err", err))
	}
	if err := p.messages.DeleteMessage(ctx, msg.ID); err != nil {
		if errors.Is(err, repositories.ErrMessageNotFound) {
			return models.Message{}, apperr.NotFound("message not found")
		}
		return models.Message{}, apperr.From(err, apperr.KindStorage, "failed to delete message")
	}

	p.route(origin, msg, models.NewEvent(models.EventMessageDeleted, models.MessageDeleted{
		MessageID:  msg.ID,
		FromUserID: msg.FromUserID,
		ToUserID:   msg.ToUserID,
		GroupID:    msg.GroupID,
	}))
	p.notifyChatList(ctx, msg)
	return msg, nil
}

// route sends ev to the origin and to the stored destination of msg. The
// group room skips origin so it sees the event once.
func (p *Pipeline) route(origin transport.Conn, msg models.Message, ev models.Event) {
	p.sendTo(origin, ev)
	if msg.IsGroup() {
		p.rooms.Broadcast(rooms.GroupRoom(*msg.GroupID), ev, connID(origin))
		return
	}
	if msg.ToUserID != nil {
		p.deliverDirect(*msg.ToUserID, ev)
	}
}

// deliverDirect sends ev to the recipient's active connection, or to its
// personal room when the recipient is offline. It reports whether the
// recipient was online.
func (p *Pipeline) deliverDirect(userID int, ev models.Event) bool {
	if conn, ok := p.presence.Conn(userID); ok {
		if err := conn.Send(ev); err != nil {
			p.log.Debug("direct delivery dropped", slog.Int("user_id", userID), slog.Any("err", err))
		}
		return true
	}
	p.rooms.Broadcast(rooms.UserRoom(userID), ev, "")
	return false
}

func (p *Pipeline) checkRate(ctx context.Context, userID int) error {
	if p.limiter == nil {
		return nil
	}
	allowed, err := p.limiter.Allow(ctx, "send:"+strconv.Itoa(userID))
	if err != nil {
		p.log.Warn("rate limiter unavailable", slog.Int("user_id", userID), slog.Any("err", err))
		return nil
	}
	if !allowed {
		return apperr.Capacity("rate limit exceeded")
	}
	return nil
}

func (p *Pipeline) checkTarget(ctx context.Context, fromUserID int, toUserID, groupID *int) error {
	if toUserID != nil {
		if _, err := p.users.GetUser(ctx, *toUserID); err != nil {
			if errors.Is(err, repositories.ErrUserNotFound) {
				return apperr.NotFound("recipient not found")
			}
			return apperr.From(err, apperr.KindStorage, "failed to resolve recipient")
		}
		return nil
	}

	if _, err := p.groups.GetGroup(ctx, *groupID); err != nil {
		if errors.Is(err, repositories.ErrGroupNotFound) {
			return apperr.NotFound("group not found")
		}
		return apperr.From(err, apperr.KindStorage, "failed to resolve group")
	}
	member, err := p.groups.IsMember(ctx, *groupID, fromUserID)
	if err != nil {
		return apperr.From(err, apperr.KindStorage, "failed to check group membership")
	}
	if !member {
		return apperr.Unauthorized("You are not a member of this group")
	}
	return nil
}

func (p *Pipeline) loadMessage(ctx context.Context, messageID int) (models.Message, error) {
	msg, err := p.messages.GetMessage(ctx, messageID)
	if errors.Is(err, repositories.ErrMessageNotFound) {
		return models.Message{}, apperr.NotFound("message not found")
	}
	if err != nil {
		return models.Message{}, apperr.From(err, apperr.KindStorage, "failed to load message")
	}
	return msg, nil
}

// senderName resolves the display name, falling back to empty.
func (p *Pipeline) senderName(ctx context.Context, userID int) string {
	user, err := p.users.GetUser(ctx, userID)
	if err != nil {
		if !errors.Is(err, repositories.ErrUserNotFound) {
			p.log.Warn("resolve sender name failed", slog.Int("user_id", userID), slog.Any("err", err))
		}
		return ""
	}
	return user.Username
}

// rollback undoes a partially stored send. Another task may already have
// read the message row; it disappears here regardless.
func (p *Pipeline) rollback(ctx context.Context, messageID int, cause error) {
	observability.IncAttachmentRollback()
	p.log.Warn("rolling back message", slog.Int("message_id", messageID), slog.Any("cause", cause))
	if err := p.attachments.RemoveAll(ctx, messageID); err != nil {
		p.log.Error("rollback attachments failed", slog.Int("message_id", messageID), slog.Any("err", err))
	}
	if err := p.messages.DeleteMessage(ctx, messageID); err != nil && !errors.Is(err, repositories.ErrMessageNotFound) {
		p.log.Error("rollback message row failed", slog.Int("message_id", messageID), slog.Any("err", err))
	}
}

func (p *Pipeline) reject(ctx context.Context, origin transport.Conn, op, event, tempID string, messageID, actorID int, err error) {
	kind := apperr.KindOf(err)
	observability.IncMessageOp(op, "rejected")
	p.log.Info("message operation rejected",
		slog.String("op", op),
		slog.String("kind", string(kind)),
		slog.Int("user_id", actorID),
		slog.Int("message_id", messageID),
		slog.Any("err", err),
	)
	if kind == apperr.KindAuthorization {
		user := strconv.Itoa(actorID)
		p.audit.Emit(ctx, "WARN", fmt.Sprintf("%s denied: %s (message %d)", op, apperr.Message(err), messageID),
			observability.RequestIDFromContext(ctx), &user)
	}
	p.sendTo(origin, models.NewEvent(event, models.MessageError{
		TempID:    tempID,
		MessageID: messageID,
		Kind:      string(kind),
		Error:     apperr.Message(err),
	}))
}

func (p *Pipeline) succeed(ctx context.Context, op, result string, msg models.Message) {
	observability.IncMessageOp(op, result)
	traceID := ""
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		traceID = sc.TraceID().String()
	}
	headers := observability.BuildHeaders(observability.RequestIDFromContext(ctx), traceID)
	envelope := observability.MessageEvent(result, msg.ID, msg.FromUserID, msg.ToUserID, msg.GroupID)
	p.notifier.Go(ctx, "publish_message_event", func(ctx context.Context) error {
		return observability.PublishEvent(ctx, "message_events."+result, envelope, headers)
	})
}

func (p *Pipeline) sendTo(conn transport.Conn, ev models.Event) {
	if conn == nil {
		return
	}
	if err := conn.Send(ev); err != nil {
		p.log.Debug("origin delivery dropped", slog.String("event", ev.Name), slog.String("conn_id", conn.ID()), slog.Any("err", err))
	}
}

func connID(conn transport.Conn) string {
	if conn == nil {
		return ""
	}
	return conn.ID()
}

// normalizeTarget drops zero-valued ids so exactly one target remains after
// validation.
func normalizeTarget(toUserID, groupID *int) (*int, *int) {
	if toUserID != nil && *toUserID <= 0 {
		toUserID = nil
	}
	if groupID != nil && *groupID <= 0 {
		groupID = nil
	}
	return toUserID, groupID
}
