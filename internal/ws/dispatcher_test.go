package ws

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chat-realtime/internal/apperr"
	"chat-realtime/internal/attachments"
	"chat-realtime/internal/delivery"
	"chat-realtime/internal/mocks"
	"chat-realtime/internal/models"
	"chat-realtime/internal/notify"
	"chat-realtime/internal/presence"
	"chat-realtime/internal/repositories"
	"chat-realtime/internal/rooms"
	"chat-realtime/internal/storage"
	"chat-realtime/internal/testutil"
)

type dispatchFixture struct {
	d        *Dispatcher
	reg      *presence.Registry
	tracker  *rooms.Tracker
	notifier *notify.Notifier
	messages *mocks.MessageRepositoryMock
	users    *mocks.UserRepositoryMock
	groups   *mocks.GroupRepositoryMock
}

func newDispatchFixture(t *testing.T) *dispatchFixture {
	t.Helper()
	log := testutil.TestLogger(t)
	store, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)

	f := &dispatchFixture{
		messages: &mocks.MessageRepositoryMock{},
		users:    &mocks.UserRepositoryMock{},
		groups:   &mocks.GroupRepositoryMock{},
	}
	f.groups.On("ListGroupIDsForUser", mock.Anything, mock.Anything).Return([]int{}, nil).Maybe()
	f.tracker = rooms.NewTracker(f.groups, log)
	f.reg = presence.NewRegistry(f.tracker, log)
	f.notifier = notify.NewNotifier(f.reg, log)
	pipeline := delivery.New(delivery.Deps{
		Messages:    f.messages,
		Users:       f.users,
		Groups:      f.groups,
		Attachments: attachments.NewCoordinator(store, attachments.DefaultLimits()),
		Presence:    f.reg,
		Rooms:       f.tracker,
		Notifier:    f.notifier,
		Log:         log,
	})
	f.d = NewDispatcher(f.reg, f.tracker, pipeline, f.groups, log)
	return f
}

func envelope(t *testing.T, event string, data any) models.Envelope {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	return models.Envelope{Event: event, Data: raw}
}

func (f *dispatchFixture) connect(t *testing.T, userID int) *testutil.FakeConn {
	t.Helper()
	conn := testutil.NewFakeConn(0)
	f.reg.Attach(conn)
	f.d.Dispatch(context.Background(), conn, envelope(t, models.EventUserConnection, models.ConnectRequest{UserID: userID}))
	_, ok := conn.Last(models.EventConnectionEstablished)
	require.True(t, ok)
	conn.Reset()
	return conn
}

func errorKind(t *testing.T, conn *testutil.FakeConn, event string) string {
	t.Helper()
	ev, ok := conn.Last(event)
	require.True(t, ok, "expected %s", event)
	switch payload := ev.Data.(type) {
	case models.ErrorPayload:
		return payload.Kind
	case models.MessageError:
		return payload.Kind
	}
	t.Fatalf("unexpected payload %T", ev.Data)
	return ""
}

func TestConnectJoinsRoomsAndAcks(t *testing.T) {
	f := newDispatchFixture(t)
	groups := &mocks.GroupRepositoryMock{}
	groups.On("ListGroupIDsForUser", mock.Anything, 4).Return([]int{5, 6}, nil)
	f.tracker = rooms.NewTracker(groups, testutil.TestLogger(t))
	f.reg = presence.NewRegistry(f.tracker, testutil.TestLogger(t))
	f.d.registry = f.reg
	f.d.rooms = f.tracker

	conn := testutil.NewFakeConn(0)
	f.reg.Attach(conn)
	f.d.Dispatch(context.Background(), conn, envelope(t, models.EventUserConnection, map[string]any{
		"userId":   4,
		"userInfo": map[string]string{"username": "dana"},
	}))

	ev, ok := conn.Last(models.EventConnectionEstablished)
	require.True(t, ok)
	ack := ev.Data.(models.ConnectionEstablished)
	assert.Equal(t, 4, ack.UserID)
	assert.Equal(t, conn.ID(), ack.ConnectionID)
	assert.Equal(t, []string{"user_4", "group_5", "group_6"}, ack.Rooms)

	_, ok = conn.Last(models.EventOnlineUsersList)
	assert.True(t, ok)
	entry, ok := f.reg.Lookup(4)
	require.True(t, ok)
	assert.JSONEq(t, `{"username":"dana"}`, string(entry.UserInfo))
}

type groupsFunc func(ctx context.Context, userID int) ([]int, error)

func (f groupsFunc) ListGroupIDsForUser(ctx context.Context, userID int) ([]int, error) {
	return f(ctx, userID)
}

func TestConnectSupersededDuringRoomLookupJoinsNothing(t *testing.T) {
	f := newDispatchFixture(t)
	log := testutil.TestLogger(t)
	var newer *testutil.FakeConn
	resolver := groupsFunc(func(context.Context, int) ([]int, error) {
		if newer == nil {
			newer = testutil.NewFakeConn(0)
			f.reg.Attach(newer)
			f.reg.Register(newer, 4, nil)
		}
		return []int{5}, nil
	})
	f.tracker = rooms.NewTracker(resolver, log)
	f.reg = presence.NewRegistry(f.tracker, log)
	f.d.registry = f.reg
	f.d.rooms = f.tracker

	first := testutil.NewFakeConn(0)
	f.reg.Attach(first)
	f.d.Dispatch(context.Background(), first, envelope(t, models.EventUserConnection, models.ConnectRequest{UserID: 4}))

	assert.True(t, first.Closed())
	_, ok := first.Last(models.EventForceDisconnect)
	assert.True(t, ok)
	assert.Empty(t, f.tracker.RoomsOf(first.ID()))
	for _, member := range f.tracker.Members(rooms.UserRoom(4)) {
		assert.NotEqual(t, first.ID(), member.ID())
	}
	assert.True(t, f.reg.IsActive(4, newer.ID()))
}

func TestConnectRejectsTokenMismatch(t *testing.T) {
	f := newDispatchFixture(t)
	conn := testutil.NewFakeConn(9)

	f.d.Dispatch(context.Background(), conn, envelope(t, models.EventUserConnection, models.ConnectRequest{UserID: 4}))
	assert.Equal(t, string(apperr.KindAuthorization), errorKind(t, conn, models.EventConnectionError))
	_, ok := f.reg.Lookup(4)
	assert.False(t, ok)
}

func TestConnectRejectsMissingUser(t *testing.T) {
	f := newDispatchFixture(t)
	conn := testutil.NewFakeConn(0)

	f.d.Dispatch(context.Background(), conn, envelope(t, models.EventUserConnection, map[string]any{}))
	assert.Equal(t, string(apperr.KindValidation), errorKind(t, conn, models.EventConnectionError))
}

func TestSecondConnectionForcesFirstOut(t *testing.T) {
	f := newDispatchFixture(t)
	first := f.connect(t, 7)
	second := f.connect(t, 7)

	assert.True(t, first.Closed())
	_, ok := first.Last(models.EventForceDisconnect)
	assert.True(t, ok)
	assert.True(t, f.reg.IsActive(7, second.ID()))

	f.d.Disconnect(first)
	_, ok = f.reg.Lookup(7)
	assert.True(t, ok)
}

func TestEventsRequireRegisteredActor(t *testing.T) {
	f := newDispatchFixture(t)
	stranger := testutil.NewFakeConn(0)
	f.reg.Attach(stranger)

	f.d.Dispatch(context.Background(), stranger, envelope(t, models.EventSendMessage, models.SendMessageRequest{
		FromUserID: 1, ToUserID: ptr(2), MessageType: models.MessageTypeText, MessageText: "hi", TempID: "t-9",
	}))
	ev, ok := stranger.Last(models.EventMessageError)
	require.True(t, ok)
	assert.Equal(t, "t-9", ev.Data.(models.MessageError).TempID)
	assert.Equal(t, string(apperr.KindAuthorization), ev.Data.(models.MessageError).Kind)

	alice := f.connect(t, 1)
	f.d.Dispatch(context.Background(), alice, envelope(t, models.EventEditMessage, models.EditMessageRequest{
		MessageID: 3, MessageText: "x", FromUserID: 2,
	}))
	assert.Equal(t, string(apperr.KindAuthorization), errorKind(t, alice, models.EventEditMessageError))

	f.d.Dispatch(context.Background(), alice, envelope(t, models.EventDeleteMessage, models.DeleteMessageRequest{MessageID: 3, FromUserID: 2}))
	assert.Equal(t, string(apperr.KindAuthorization), errorKind(t, alice, models.EventDeleteMessageError))
	f.messages.AssertNotCalled(t, "GetMessage", mock.Anything, mock.Anything)
}

func TestSendRoutesThroughPipeline(t *testing.T) {
	f := newDispatchFixture(t)
	alice := f.connect(t, 1)
	bob := f.connect(t, 2)
	f.users.On("GetUser", mock.Anything, 1).Return(models.User{ID: 1, Username: "alice"}, nil)
	f.users.On("GetUser", mock.Anything, 2).Return(models.User{ID: 2, Username: "bob"}, nil)
	text := "hi"
	f.messages.On("CreateMessage", mock.Anything, mock.Anything).
		Return(models.Message{ID: 50, FromUserID: 1, ToUserID: ptr(2), MessageType: models.MessageTypeText, MessageText: &text}, nil)

	f.d.Dispatch(context.Background(), alice, envelope(t, models.EventSendMessage, map[string]any{
		"fromUserId": 1, "toUserId": 2, "messageType": "text", "messageText": "hi", "tempId": "t-1",
	}))
	f.notifier.Wait()

	_, ok := alice.Last(models.EventMessageSent)
	assert.True(t, ok)
	assert.Len(t, bob.Named(models.EventNewMessage), 1)
}

func TestHeartbeatAcksOnlineIDs(t *testing.T) {
	f := newDispatchFixture(t)
	f.connect(t, 3)
	conn := f.connect(t, 1)

	f.d.Dispatch(context.Background(), conn, envelope(t, models.EventHeartbeat, models.HeartbeatRequest{UserID: 1}))
	ev, ok := conn.Last(models.EventOnlineUsers)
	require.True(t, ok)
	assert.Equal(t, []int{1, 3}, ev.Data.(models.OnlineUsers).UserIDs)
}

func TestTypingForwardAndCleanupOnDisconnect(t *testing.T) {
	f := newDispatchFixture(t)
	alice := f.connect(t, 1)
	bob := f.connect(t, 2)

	f.d.Dispatch(context.Background(), alice, envelope(t, models.EventTypingStart, models.TypingRequest{FromUserID: 1, ToUserID: 2}))
	ev, ok := bob.Last(models.EventUserTyping)
	require.True(t, ok)
	assert.True(t, ev.Data.(models.UserTyping).IsTyping)
	assert.Empty(t, alice.Named(models.EventUserTyping))

	f.d.Disconnect(alice)
	assert.False(t, f.reg.Typing().Active(1, 2))
	ev, ok = bob.Last(models.EventUserStatusChanged)
	require.True(t, ok)
	assert.Equal(t, models.StatusOffline, ev.Data.(models.UserStatusChanged).Status)
}

func TestJoinGroup(t *testing.T) {
	f := newDispatchFixture(t)
	alice := f.connect(t, 1)
	f.groups.On("GetGroup", mock.Anything, 5).Return(models.Group{ID: 5}, nil)
	f.groups.On("GetGroup", mock.Anything, 6).Return(nil, repositories.ErrGroupNotFound)
	f.groups.On("IsMember", mock.Anything, 5, 1).Return(true, nil)
	f.groups.On("GetGroup", mock.Anything, 7).Return(models.Group{ID: 7}, nil)
	f.groups.On("IsMember", mock.Anything, 7, 1).Return(false, nil)

	f.d.Dispatch(context.Background(), alice, envelope(t, models.EventJoinGroup, models.GroupRequest{UserID: 1, GroupID: 5}))
	_, ok := alice.Last(models.EventGroupMemberJoined)
	assert.True(t, ok)
	assert.Contains(t, f.tracker.RoomsOf(alice.ID()), "group_5")

	f.d.Dispatch(context.Background(), alice, envelope(t, models.EventJoinGroup, models.GroupRequest{UserID: 1, GroupID: 6}))
	assert.Equal(t, string(apperr.KindNotFound), errorKind(t, alice, models.EventGroupError))

	f.d.Dispatch(context.Background(), alice, envelope(t, models.EventJoinGroup, models.GroupRequest{UserID: 1, GroupID: 7}))
	assert.Equal(t, string(apperr.KindAuthorization), errorKind(t, alice, models.EventGroupError))
	assert.NotContains(t, f.tracker.RoomsOf(alice.ID()), "group_7")

	f.d.Dispatch(context.Background(), alice, envelope(t, models.EventLeaveGroup, models.GroupRequest{UserID: 1, GroupID: 5}))
	_, ok = alice.Last(models.EventGroupMemberLeft)
	assert.True(t, ok)
	assert.NotContains(t, f.tracker.RoomsOf(alice.ID()), "group_5")
}

func TestDisconnectOtherSessions(t *testing.T) {
	f := newDispatchFixture(t)
	pending := testutil.NewFakeConn(8)
	f.reg.Attach(pending)
	current := f.connect(t, 8)

	f.d.Dispatch(context.Background(), current, envelope(t, models.EventDisconnectOtherSessions, models.DisconnectOthersRequest{UserID: 8}))
	ev, ok := current.Last(models.EventOtherSessionsDisconnected)
	require.True(t, ok)
	assert.Equal(t, 1, ev.Data.(models.OtherSessionsDisconnected).Count)
	assert.True(t, pending.Closed())
	assert.False(t, current.Closed())
}

func TestUnknownAndMalformedEvents(t *testing.T) {
	f := newDispatchFixture(t)
	conn := testutil.NewFakeConn(0)

	f.d.Dispatch(context.Background(), conn, models.Envelope{Event: "group_message_5"})
	assert.Equal(t, string(apperr.KindValidation), errorKind(t, conn, models.EventConnectionError))

	conn.Reset()
	f.d.Dispatch(context.Background(), conn, models.Envelope{Event: models.EventHeartbeat, Data: json.RawMessage(`"nope"`)})
	assert.Equal(t, string(apperr.KindValidation), errorKind(t, conn, models.EventConnectionError))
}

func ptr(v int) *int { return &v }
