package models

import (
	"time"
)

const (
	SubsidyStatusPending   = "pending"
	SubsidyStatusApproved  = "approved"
	SubsidyStatusRejected  = "rejected"
	SubsidyStatusCompleted = "completed"
)

// SubsidyRequest is an SFD's request for MEREF funds. credited_at is set at
// most once, by the daily sync, and only for approved requests.
type SubsidyRequest struct {
	ID            string     `json:"id" db:"id"`
	SfdID         string     `json:"sfd_id" db:"sfd_id"`
	Amount        int64      `json:"amount" db:"amount"`
	Purpose       string     `json:"purpose" db:"purpose"`
	Justification string     `json:"justification" db:"justification"`
	Priority      string     `json:"priority" db:"priority"`
	Status        string     `json:"status" db:"status"`
	RequestedBy   string     `json:"requested_by" db:"requested_by"`
	ReviewedBy    string     `json:"reviewed_by" db:"reviewed_by"`
	ReviewedAt    *time.Time `json:"reviewed_at" db:"reviewed_at"`
	CreditedAt    *time.Time `json:"credited_at" db:"credited_at"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
}
