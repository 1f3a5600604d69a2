package models

import (
	"time"
)

// Account is the savings account held by a client at one SFD. Balance is in
// XOF minor units. The version column backs optimistic locking: every
// balance update must carry the version it read.
type Account struct {
	ID        string    `json:"id" db:"id"`
	UserID    string    `json:"user_id" db:"user_id"`
	SfdID     string    `json:"sfd_id" db:"sfd_id"`
	Balance   int64     `json:"balance" db:"balance"`
	Currency  string    `json:"currency" db:"currency"`
	Version   int       `json:"version" db:"version"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
