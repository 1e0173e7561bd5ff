package models

import "time"

// MessageType distinguishes plain text from document messages.
type MessageType string

const (
	MessageTypeText MessageType = "text"
	MessageTypeDoc  MessageType = "doc"
)

// Valid reports whether t is a supported message type.
func (t MessageType) Valid() bool {
	return t == MessageTypeText || t == MessageTypeDoc
}

// Message represents a persisted chat message. Exactly one of ToUserID and
// GroupID is set.
type Message struct {
	ID          int         `db:"id" json:"id"`
	FromUserID  int         `db:"from_user_id" json:"fromUserId"`
	ToUserID    *int        `db:"to_user_id" json:"toUserId"`
	GroupID     *int        `db:"group_id" json:"groupId"`
	MessageType MessageType `db:"message_type" json:"messageType"`
	MessageText *string     `db:"message_text" json:"messageText"`
	IsEdited    bool        `db:"is_edited" json:"isEdited"`
	CreatedAt   time.Time   `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time   `db:"updated_at" json:"updatedAt"`
}

// IsGroup reports whether the message targets a group.
func (m Message) IsGroup() bool {
	return m.GroupID != nil
}

// Attachment is a file read back from the blob store. Data is emitted as
// base64 by encoding/json.
type Attachment struct {
	Name string `json:"name"`
	Data []byte `json:"base64"`
	Size int64  `json:"size"`
}

// MessageView is the message as acknowledged to the sender and delivered to
// recipients.
type MessageView struct {
	Message
	SenderName  string       `json:"senderName"`
	Attachments []Attachment `json:"attachments"`
}
