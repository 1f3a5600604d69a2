package models

import (
	"time"
)

const (
	LoanStatusPending   = "pending"
	LoanStatusApproved  = "approved"
	LoanStatusActive    = "active"
	LoanStatusCompleted = "completed"
	LoanStatusRejected  = "rejected"
)

// Loan tracks one credit line from application to completion. Overdue is not
// stored: it is derived from next_payment_date at read time.
type Loan struct {
	ID              string     `json:"id" db:"id"`
	ClientID        string     `json:"client_id" db:"client_id"`
	SfdID           string     `json:"sfd_id" db:"sfd_id"`
	Amount          int64      `json:"amount" db:"amount"`
	InterestRate    float64    `json:"interest_rate" db:"interest_rate"`
	DurationMonths  int        `json:"duration_months" db:"duration_months"`
	MonthlyPayment  int64      `json:"monthly_payment" db:"monthly_payment"`
	RemainingAmount int64      `json:"remaining_amount" db:"remaining_amount"`
	Purpose         string     `json:"purpose" db:"purpose"`
	Status          string     `json:"status" db:"status"`
	NextPaymentDate *time.Time `json:"next_payment_date" db:"next_payment_date"`
	LastPaymentDate *time.Time `json:"last_payment_date" db:"last_payment_date"`
	ApprovedBy      string     `json:"approved_by" db:"approved_by"`
	DisbursedAt     *time.Time `json:"disbursed_at" db:"disbursed_at"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
}

// Overdue reports whether a payment was missed.
func (l *Loan) Overdue(now time.Time) bool {
	return l.Status == LoanStatusActive && l.NextPaymentDate != nil && now.After(*l.NextPaymentDate)
}
