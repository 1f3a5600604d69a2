package models

import (
	"time"
)

const (
	ClientStatusPending   = "pending"
	ClientStatusValidated = "validated"
	ClientStatusRejected  = "rejected"
	ClientStatusSuspended = "suspended"
)

// Client is an adhesion record linking a platform user to one SFD. Account
// and loan operations are only permitted once the client is validated.
type Client struct {
	ID          string     `json:"id" db:"id"`
	UserID      string     `json:"user_id" db:"user_id"`
	SfdID       string     `json:"sfd_id" db:"sfd_id"`
	FullName    string     `json:"full_name" db:"full_name"`
	Email       string     `json:"email" db:"email"`
	PhoneNumber string     `json:"phone_number" db:"phone_number"`
	Address     string     `json:"address" db:"address"`
	IDNumber    string     `json:"id_number" db:"id_number"`
	KycLevel    int        `json:"kyc_level" db:"kyc_level"`
	Status      string     `json:"status" db:"status"`
	ValidatedBy string     `json:"validated_by" db:"validated_by"`
	ValidatedAt *time.Time `json:"validated_at" db:"validated_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
}
