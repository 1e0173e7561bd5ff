package models

import "time"

// Group represents a chat group.
type Group struct {
	ID        int       `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	OwnerID   int       `db:"owner_id" json:"ownerId"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// User is the subset of account data this service reads.
type User struct {
	ID       int    `db:"id" json:"id"`
	Username string `db:"username" json:"username"`
}
