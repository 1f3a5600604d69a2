package models

import (
	"time"
)

const (
	QRStatusActive   = "active"
	QRStatusConsumed = "consumed"
	QRStatusRevoked  = "revoked"

	SessionStatusOpen   = "open"
	SessionStatusClosed = "closed"
)

// PaymentQR is the server-side record of an issued cashier QR code. The
// signature stored here is an HMAC-SHA256 over the canonical payload; the
// scanned payload must reproduce it exactly.
type PaymentQR struct {
	ID        string    `json:"id" db:"id"`
	UserID    string    `json:"user_id" db:"user_id"`
	SfdID     string    `json:"sfd_id" db:"sfd_id"`
	StationID string    `json:"station_id" db:"station_id"`
	Signature string    `json:"-" db:"signature"`
	Status    string    `json:"status" db:"status"`
	ScanCount int       `json:"scan_count" db:"scan_count"`
	MaxScans  int       `json:"max_scans" db:"max_scans"`
	ExpiresAt time.Time `json:"expires_at" db:"expires_at"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// CashSession is a cashier's working shift at one station. QR transactions
// are only honored while the owning session is open.
type CashSession struct {
	ID          string     `json:"id" db:"id"`
	StationID   string     `json:"station_id" db:"station_id"`
	StationName string     `json:"station_name" db:"station_name"`
	CashierID   string     `json:"cashier_id" db:"cashier_id"`
	SfdID       string     `json:"sfd_id" db:"sfd_id"`
	Status      string     `json:"status" db:"status"`
	OpenedAt    time.Time  `json:"opened_at" db:"opened_at"`
	ClosedAt    *time.Time `json:"closed_at" db:"closed_at"`
}
