package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"chat-realtime/internal/models"
)

var ErrGroupNotFound = errors.New("group not found")

// GroupRepository abstracts group membership lookups.
type GroupRepository interface {
	ListGroupIDsForUser(ctx context.Context, userID int) ([]int, error)
	IsMember(ctx context.Context, groupID int, userID int) (bool, error)
	GetGroup(ctx context.Context, groupID int) (models.Group, error)
	ListMemberIDs(ctx context.Context, groupID int) ([]int, error)
}

// GroupRepo is a sqlx implementation of GroupRepository.
type GroupRepo struct {
	db *sqlx.DB
}

// NewGroupRepo constructs a GroupRepo.
func NewGroupRepo(db *sqlx.DB) *GroupRepo {
	return &GroupRepo{db: db}
}

// ListGroupIDsForUser returns the ids of groups that include the user.
func (r *GroupRepo) ListGroupIDsForUser(ctx context.Context, userID int) ([]int, error) {
	var ids []int
	err := r.db.SelectContext(ctx, &ids, `SELECT group_id FROM group_members WHERE user_id=$1 ORDER BY group_id`, userID)
	return ids, err
}

// IsMember checks membership.
func (r *GroupRepo) IsMember(ctx context.Context, groupID int, userID int) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM group_members WHERE group_id=$1 AND user_id=$2)`, groupID, userID)
	return exists, err
}

// GetGroup fetches a single group.
func (r *GroupRepo) GetGroup(ctx context.Context, groupID int) (models.Group, error) {
	var group models.Group
	err := r.db.GetContext(ctx, &group, `SELECT id, name, owner_id, created_at FROM groups WHERE id=$1`, groupID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Group{}, ErrGroupNotFound
	}
	return group, err
}

// ListMemberIDs returns every member of a group.
func (r *GroupRepo) ListMemberIDs(ctx context.Context, groupID int) ([]int, error) {
	var ids []int
	err := r.db.SelectContext(ctx, &ids, `SELECT user_id FROM group_members WHERE group_id=$1 ORDER BY user_id`, groupID)
	return ids, err
}
