package models

import (
	"encoding/json"
	"time"
)

// Inbound event names.
const (
	EventUserConnection          = "handleUserConnection"
	EventHeartbeat               = "heartbeat"
	EventTypingStart             = "typing_start"
	EventTypingStop              = "typing_stop"
	EventSendMessage             = "handleSendMessage"
	EventEditMessage             = "handleEditMessage"
	EventDeleteMessage           = "handleDeleteMessage"
	EventJoinGroup               = "join_group"
	EventLeaveGroup              = "leave_group"
	EventDisconnectOtherSessions = "disconnect_other_sessions"
)

// Outbound event names.
const (
	EventConnectionEstablished     = "connection_established"
	EventConnectionError           = "connection_error"
	EventOnlineUsersList           = "online_users_list"
	EventOnlineUsers               = "online_users"
	EventUserStatusChanged         = "user_status_changed"
	EventUserTyping                = "user_typing"
	EventMessageSent               = "message_sent"
	EventMessageDelivered          = "message_delivered"
	EventMessageError              = "message_error"
	EventNewMessage                = "new_message"
	EventMessageEdited             = "message_edited"
	EventMessageDeleted            = "message_deleted"
	EventEditMessageError          = "edit_message_error"
	EventDeleteMessageError        = "delete_message_error"
	EventChatListUpdate            = "chat_list_update"
	EventRecentChatsMessages       = "recent_chats_messages"
	EventForceDisconnect           = "force_disconnect"
	EventGroupMemberJoined         = "group_member_joined"
	EventGroupMemberLeft           = "group_member_left"
	EventGroupError                = "group_error"
	EventOtherSessionsDisconnected = "other_sessions_disconnected"
)

// Envelope is an inbound frame; Data is decoded per event.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Event is an outbound frame.
type Event struct {
	Name string `json:"event"`
	Data any    `json:"data,omitempty"`
}

// NewEvent builds an outbound event.
func NewEvent(name string, data any) Event {
	return Event{Name: name, Data: data}
}

// PresenceStatus is the online/offline state of a user.
type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusOffline PresenceStatus = "offline"
)

// ConnectionEstablished acknowledges handleUserConnection.
type ConnectionEstablished struct {
	UserID       int       `json:"userId"`
	ConnectionID string    `json:"connectionId"`
	Rooms        []string  `json:"rooms"`
	Timestamp    time.Time `json:"timestamp"`
}

// ErrorPayload is carried by connection_error and group_error.
type ErrorPayload struct {
	Kind  string `json:"kind"`
	Error string `json:"error"`
}

// OnlineUser is one element of online_users_list.
type OnlineUser struct {
	UserID   int             `json:"userId"`
	Status   PresenceStatus  `json:"status"`
	LastSeen time.Time       `json:"lastSeen"`
	UserInfo json.RawMessage `json:"userInfo,omitempty"`
}

// OnlineUsersList is broadcast on every registration.
type OnlineUsersList struct {
	Users []OnlineUser `json:"users"`
}

// OnlineUsers acks a heartbeat with the ids currently online.
type OnlineUsers struct {
	UserIDs   []int     `json:"userIds"`
	Timestamp time.Time `json:"timestamp"`
}

// UserStatusChanged is broadcast when a user goes online or offline.
type UserStatusChanged struct {
	UserID   int            `json:"userId"`
	Status   PresenceStatus `json:"status"`
	LastSeen time.Time      `json:"lastSeen"`
}

// UserTyping is forwarded to the typing target only.
type UserTyping struct {
	FromUserID int  `json:"fromUserId"`
	ToUserID   int  `json:"toUserId"`
	IsTyping   bool `json:"isTyping"`
}

// MessageSent acknowledges a successful send.
type MessageSent struct {
	TempID  string      `json:"tempId,omitempty"`
	Message MessageView `json:"message"`
}

// MessageDelivered reports direct-message routing to the sender.
type MessageDelivered struct {
	TempID          string `json:"tempId,omitempty"`
	MessageID       int    `json:"messageId"`
	Delivered       bool   `json:"delivered"`
	RecipientOnline bool   `json:"recipientOnline"`
}

// MessageError is returned for rejected sends, edits and deletes.
type MessageError struct {
	TempID    string `json:"tempId,omitempty"`
	MessageID int    `json:"messageId,omitempty"`
	Kind      string `json:"kind"`
	Error     string `json:"error"`
}

// NewMessage carries a delivered or edited message.
type NewMessage struct {
	Message MessageView `json:"message"`
}

// MessageDeleted carries identifiers only.
type MessageDeleted struct {
	MessageID  int  `json:"messageId"`
	FromUserID int  `json:"fromUserId"`
	ToUserID   *int `json:"toUserId"`
	GroupID    *int `json:"groupId"`
}

// ChatListKind distinguishes direct from group chat-list hints.
type ChatListKind string

const (
	ChatListDirect ChatListKind = "direct"
	ChatListGroup  ChatListKind = "group"
)

// ChatListUpdate is a lightweight hint that a chat list entry changed.
type ChatListUpdate struct {
	Type      ChatListKind `json:"type"`
	ID        int          `json:"id"`
	Timestamp time.Time    `json:"timestamp"`
}

// RecentChatsHint is broadcast at low priority after every send.
type RecentChatsHint struct {
	FromUserID int       `json:"fromUserId"`
	ToUserID   *int      `json:"toUserId"`
	GroupID    *int      `json:"groupId"`
	Timestamp  time.Time `json:"timestamp"`
}

// ForceDisconnect tells a connection it has been superseded.
type ForceDisconnect struct {
	Reason string `json:"reason"`
}

// GroupMembership announces a room join or leave.
type GroupMembership struct {
	GroupID int `json:"groupId"`
	UserID  int `json:"userId"`
}

// OtherSessionsDisconnected acks disconnect_other_sessions.
type OtherSessionsDisconnected struct {
	Count int `json:"count"`
}
