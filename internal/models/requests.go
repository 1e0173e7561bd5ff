package models

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"chat-realtime/internal/apperr"
)

// ConnectRequest is the payload of handleUserConnection.
type ConnectRequest struct {
	UserID   int             `json:"userId"`
	UserInfo json.RawMessage `json:"userInfo,omitempty"`
}

func (r ConnectRequest) Validate() error {
	if r.UserID <= 0 {
		return apperr.Validation("userId is required")
	}
	return nil
}

// HeartbeatRequest is the payload of heartbeat.
type HeartbeatRequest struct {
	UserID int `json:"userId"`
}

// TypingRequest is the payload of typing_start and typing_stop.
type TypingRequest struct {
	FromUserID int `json:"fromUserId"`
	ToUserID   int `json:"toUserId"`
}

func (r TypingRequest) Validate() error {
	if r.FromUserID <= 0 || r.ToUserID <= 0 {
		return apperr.Validation("fromUserId and toUserId are required")
	}
	if r.FromUserID == r.ToUserID {
		return apperr.Validation("cannot type to yourself")
	}
	return nil
}

// FileUpload is one attachment as submitted by a client.
type FileUpload struct {
	Name   string `json:"name"`
	Base64 string `json:"base64"`
	Type   string `json:"type,omitempty"`
}

// Decode returns the raw bytes, accepting an optional data URL prefix.
func (f FileUpload) Decode() ([]byte, error) {
	payload := strings.TrimSpace(f.Base64)
	if strings.HasPrefix(payload, "data:") {
		if idx := strings.Index(payload, ";base64,"); idx >= 0 {
			payload = payload[idx+len(";base64,"):]
		}
	}
	return base64.StdEncoding.DecodeString(payload)
}

// DecodedFile is an upload whose payload has been decoded.
type DecodedFile struct {
	Name string
	Data []byte
}

// SendMessageRequest is the payload of handleSendMessage.
type SendMessageRequest struct {
	FromUserID  int          `json:"fromUserId"`
	ToUserID    *int         `json:"toUserId,omitempty"`
	GroupID     *int         `json:"groupId,omitempty"`
	MessageType MessageType  `json:"messageType"`
	MessageText string       `json:"messageText,omitempty"`
	Files       []FileUpload `json:"files,omitempty"`
	TempID      string       `json:"tempId,omitempty"`
}

// Validate checks the request shape and decodes attachments. It has no side
// effects.
func (r SendMessageRequest) Validate() ([]DecodedFile, error) {
	if r.FromUserID <= 0 {
		return nil, apperr.Validation("fromUserId is required")
	}
	if err := validateTarget(r.ToUserID, r.GroupID); err != nil {
		return nil, err
	}
	if r.ToUserID != nil && *r.ToUserID == r.FromUserID {
		return nil, apperr.Validation("cannot send a message to yourself")
	}
	if !r.MessageType.Valid() {
		return nil, apperr.Validation("messageType must be text or doc")
	}

	switch r.MessageType {
	case MessageTypeText:
		if len(r.Files) > 0 {
			return nil, apperr.Validation("text messages cannot carry files")
		}
		if strings.TrimSpace(r.MessageText) == "" {
			return nil, apperr.Validation("messageText is required for text messages")
		}
		return nil, nil
	default:
		if r.MessageText != "" {
			return nil, apperr.Validation("doc messages cannot carry text")
		}
		if len(r.Files) == 0 {
			return nil, apperr.Validation("doc messages require at least one file")
		}
		decoded := make([]DecodedFile, 0, len(r.Files))
		for _, f := range r.Files {
			if strings.TrimSpace(f.Name) == "" {
				return nil, apperr.Validation("every file needs a name")
			}
			data, err := f.Decode()
			if err != nil || len(data) == 0 {
				return nil, apperr.Validation("file " + f.Name + " has an invalid payload")
			}
			decoded = append(decoded, DecodedFile{Name: f.Name, Data: data})
		}
		return decoded, nil
	}
}

// EditMessageRequest is the payload of handleEditMessage.
type EditMessageRequest struct {
	MessageID   int    `json:"messageId"`
	MessageText string `json:"messageText"`
	FromUserID  int    `json:"fromUserId"`
	ToUserID    *int   `json:"toUserId,omitempty"`
	GroupID     *int   `json:"groupId,omitempty"`
}

func (r EditMessageRequest) Validate() error {
	if r.MessageID <= 0 {
		return apperr.Validation("messageId is required")
	}
	if r.FromUserID <= 0 {
		return apperr.Validation("fromUserId is required")
	}
	if strings.TrimSpace(r.MessageText) == "" {
		return apperr.Validation("messageText is required")
	}
	return nil
}

// DeleteMessageRequest is the payload of handleDeleteMessage.
type DeleteMessageRequest struct {
	MessageID  int  `json:"messageId"`
	FromUserID int  `json:"fromUserId"`
	ToUserID   *int `json:"toUserId,omitempty"`
	GroupID    *int `json:"groupId,omitempty"`
}

func (r DeleteMessageRequest) Validate() error {
	if r.MessageID <= 0 {
		return apperr.Validation("messageId is required")
	}
	if r.FromUserID <= 0 {
		return apperr.Validation("fromUserId is required")
	}
	return nil
}

// GroupRequest is the payload of join_group and leave_group.
type GroupRequest struct {
	UserID  int `json:"userId"`
	GroupID int `json:"groupId"`
}

func (r GroupRequest) Validate() error {
	if r.UserID <= 0 || r.GroupID <= 0 {
		return apperr.Validation("userId and groupId are required")
	}
	return nil
}

// DisconnectOthersRequest is the payload of disconnect_other_sessions.
type DisconnectOthersRequest struct {
	UserID int `json:"userId"`
}

func validateTarget(toUserID, groupID *int) error {
	hasUser := toUserID != nil && *toUserID > 0
	hasGroup := groupID != nil && *groupID > 0
	if hasUser == hasGroup {
		return apperr.Validation("exactly one of toUserId and groupId is required")
	}
	return nil
}
