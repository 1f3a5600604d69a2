package models

import (
	"time"
)

const (
	VaultStatusActive = "active"
	VaultStatusLocked = "locked"
	VaultStatusClosed = "closed"
)

// Vault is a goal-savings pocket attached to a client account. A locked
// vault refuses withdrawals until its deadline passes; a closed vault
// refuses them unconditionally.
type Vault struct {
	ID        string     `json:"id" db:"id"`
	AccountID string     `json:"account_id" db:"account_id"`
	UserID    string     `json:"user_id" db:"user_id"`
	Name      string     `json:"name" db:"name"`
	Balance   int64      `json:"balance" db:"balance"`
	Status    string     `json:"status" db:"status"`
	Deadline  *time.Time `json:"deadline" db:"deadline"`
	Version   int        `json:"version" db:"version"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
}

// WithdrawalAllowed applies the vault-type restrictions.
func (v *Vault) WithdrawalAllowed(now time.Time) bool {
	switch v.Status {
	case VaultStatusClosed:
		return false
	case VaultStatusLocked:
		return v.Deadline == nil || now.After(*v.Deadline)
	}
	return true
}
