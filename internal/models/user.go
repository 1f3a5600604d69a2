package models

import "time"

const (
	RoleAdmin    = "admin"
	RoleSfdAdmin = "sfd_admin"
	RoleCashier  = "cashier"
	RoleClient   = "client"
)

type User struct {
	ID                  string `json:"id"`
	Email               string `json:"email" example:"user@example.com"`
	FullName            string `json:"full_name" example:"Aminata Traore"`
	PhoneNumber         string `json:"phone_number" example:"+22370123456"`
	Role                string `json:"role" example:"client"`
	SfdID               string `json:"sfd_id,omitempty"`
	TwoFactorEnabled    bool   `json:"two_factor_enabled"`
	FailedLoginAttempts int    `json:"-"`
	LockedUntil         *time.Time
	LastLogin           *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}
