package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"chat-realtime/internal/models"
)

var ErrMessageNotFound = errors.New("message not found")

const messageColumns = `id, from_user_id, to_user_id, group_id, message_type, message_text, is_edited, created_at, updated_at`

// MessageRepository defines persistence for direct and group messages.
type MessageRepository interface {
	CreateMessage(ctx context.Context, msg models.Message) (models.Message, error)
	GetMessage(ctx context.Context, messageID int) (models.Message, error)
	UpdateMessageText(ctx context.Context, messageID int, text string) (models.Message, error)
	DeleteMessage(ctx context.Context, messageID int) error
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

// CreateMessage inserts a message and returns it with its id and timestamps.
func (r *MessageRepo) CreateMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	var created models.Message
	err := r.db.QueryRowxContext(ctx,
		`INSERT INTO messages (from_user_id, to_user_id, group_id, message_type, message_text)
        VALUES ($1, $2, $3, $4, $5)
        RETURNING `+messageColumns,
		msg.FromUserID, msg.ToUserID, msg.GroupID, msg.MessageType, msg.MessageText).
		StructScan(&created)
	return created, err
}

// GetMessage retrieves a single message.
func (r *MessageRepo) GetMessage(ctx context.Context, messageID int) (models.Message, error) {
	var msg models.Message
	err := r.db.GetContext(ctx, &msg, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	return msg, err
}

// UpdateMessageText replaces the text of a message and marks it edited.
func (r *MessageRepo) UpdateMessageText(ctx context.Context, messageID int, text string) (models.Message, error) {
	var msg models.Message
	err := r.db.QueryRowxContext(ctx,
		`UPDATE messages SET message_text=$2, is_edited=TRUE, updated_at=NOW()
        WHERE id=$1
        RETURNING `+messageColumns,
		messageID, text).
		StructScan(&msg)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	return msg, err
}

// DeleteMessage removes a message row.
func (r *MessageRepo) DeleteMessage(ctx context.Context, messageID int) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM messages WHERE id=$1`, messageID)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrMessageNotFound
	}
	return nil
}
