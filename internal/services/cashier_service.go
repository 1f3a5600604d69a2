package services

import (
	"bytes"
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image/png"
	"log"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/meref/backend/internal/audit"
	"github.com/meref/backend/internal/keystore"
	"github.com/meref/backend/internal/models"
	"github.com/skip2/go-qrcode"
)

const qrDefaultMaxScans = 3

// qrPayload is the canonical signed content of a cashier QR code. Field
// order matters: the HMAC covers the exact JSON serialization.
type qrPayload struct {
	QRID      string `json:"qr_id"`
	UserID    string `json:"user_id"`
	SfdID     string `json:"sfd_id"`
	StationID string `json:"station_id"`
	IssuedAt  int64  `json:"issued_at"`
	Nonce     string `json:"nonce"`
}

// CashierService issues signed payment QR codes and processes scans at cash
// stations. Scans only mutate balances through the Balance Mutator; this
// service owns the QR state machine (signature, expiry, scan budget,
// session) around it.
type CashierService struct {
	db      *sql.DB
	redis   *redis.Client
	keys    keystore.Keystore
	mutator *BalanceMutator
	audit   *audit.Logger
	qrTTL   time.Duration
}

func NewCashierService(db *sql.DB, redisClient *redis.Client, keys keystore.Keystore, mutator *BalanceMutator, auditLogger *audit.Logger) *CashierService {
	return &CashierService{
		db:      db,
		redis:   redisClient,
		keys:    keys,
		mutator: mutator,
		audit:   auditLogger,
		qrTTL:   15 * time.Minute,
	}
}

type IssuedQR struct {
	QRID       string    `json:"qrId"`
	QRCodeData string    `json:"qrCodeData"`
	QRImage    string    `json:"qrImage"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// IssueQR creates a signed QR code a client presents at a cash station.
func (s *CashierService) IssueQR(ctx context.Context, userID, sfdID, stationID string) (*IssuedQR, error) {
	payload := qrPayload{
		QRID:      uuid.New().String(),
		UserID:    userID,
		SfdID:     sfdID,
		StationID: stationID,
		IssuedAt:  time.Now().Unix(),
		Nonce:     generateNonce(),
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	signature, err := s.keys.Sign(stationID, payloadJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to sign QR payload: %w", err)
	}

	expiresAt := time.Now().Add(s.qrTTL)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO payment_qrs (id, user_id, sfd_id, station_id, signature, status, scan_count, max_scans, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, $9)`,
		payload.QRID, userID, sfdID, stationID, signature,
		models.QRStatusActive, qrDefaultMaxScans, expiresAt, time.Now())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	qrCodeData := base64.URLEncoding.EncodeToString(payloadJSON) + "." + signature

	if s.redis != nil {
		s.redis.Set(ctx, "qr:"+payload.QRID, payloadJSON, s.qrTTL)
	}

	qr, err := qrcode.New(qrCodeData, qrcode.Medium)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, qr.Image(256)); err != nil {
		return nil, err
	}

	return &IssuedQR{
		QRID:       payload.QRID,
		QRCodeData: qrCodeData,
		QRImage:    base64.StdEncoding.EncodeToString(buf.Bytes()),
		ExpiresAt:  expiresAt,
	}, nil
}

type ScanResult struct {
	TransactionID string `json:"id"`
	Amount        int64  `json:"amount"`
	Type          string `json:"type"`
	NewBalance    int64  `json:"new_balance"`
	Reference     string `json:"reference"`
	StationName   string `json:"station_name"`
}

// ProcessScan validates a scanned QR and runs the deposit/withdrawal. State
// checks (status, expiry, scan budget, session) happen before the signature
// so a dead QR is rejected whether or not its signature still verifies.
func (s *CashierService) ProcessScan(ctx context.Context, cashierID, qrCodeData string, amount int64, txType models.TransactionType) (*ScanResult, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if txType != models.TxDeposit && txType != models.TxWithdrawal {
		return nil, fmt.Errorf("%w: cashier stations only handle deposits and withdrawals", ErrInvalidAmount)
	}

	payload, payloadJSON, scannedSig, err := decodeQRData(qrCodeData)
	if err != nil {
		return nil, ErrInvalidSignature
	}

	qr, err := s.fetchQR(ctx, payload.QRID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	switch {
	case qr.Status != models.QRStatusActive:
		return nil, ErrCodeConsumed
	case now.After(qr.ExpiresAt):
		return nil, ErrExpiredCode
	case qr.ScanCount >= qr.MaxScans:
		return nil, ErrScanLimitReached
	}

	session, err := s.openSession(ctx, qr.StationID)
	if err != nil {
		return nil, err
	}

	valid, err := s.keys.Verify(qr.StationID, payloadJSON, scannedSig)
	if err != nil || !valid || scannedSig != qr.Signature {
		s.audit.LogFailure(cashierID, "qr_scan", audit.CategoryCashOps, map[string]any{
			"qr_id":      payload.QRID,
			"station_id": qr.StationID,
		}, ErrInvalidSignature)
		return nil, ErrInvalidSignature
	}

	// Conditional increment guards against two cashiers consuming the
	// same scan budget concurrently.
	result, err := s.db.ExecContext(ctx, `
		UPDATE payment_qrs
		SET scan_count = scan_count + 1
		WHERE id = $1 AND status = $2 AND scan_count < max_scans`,
		qr.ID, models.QRStatusActive)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return nil, ErrScanLimitReached
	}

	mutation, err := s.mutator.Apply(ctx, MutationRequest{
		UserID:        payload.UserID,
		SfdID:         payload.SfdID,
		Type:          txType,
		Amount:        amount,
		Description:   fmt.Sprintf("Cashier %s at %s", txType, session.StationName),
		ReferenceID:   payload.QRID,
		PaymentMethod: "cashier_qr",
	})
	if err != nil {
		// The increment claimed a scan the mutation never earned; give it
		// back so a failed withdrawal does not eat the QR's remaining scans.
		if _, undoErr := s.db.ExecContext(ctx, `
			UPDATE payment_qrs
			SET scan_count = scan_count - 1
			WHERE id = $1 AND scan_count > 0`, qr.ID); undoErr != nil {
			s.audit.LogCritical(cashierID, "qr_scan_refund_failed", audit.CategoryCashOps, map[string]any{
				"qr_id":      qr.ID,
				"station_id": qr.StationID,
			}, undoErr)
		}
		return nil, err
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO cash_operations (id, session_id, station_id, cashier_id, qr_id, transaction_id, amount, type, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		uuid.New().String(), session.ID, session.StationID, cashierID, qr.ID,
		mutation.TransactionID, amount, string(txType), time.Now()); err != nil {
		// The balance mutation is already committed; the operations row
		// is bookkeeping and its failure is only reported.
		log.Printf("[CASHIER] Failed to record cash operation for %s: %v", mutation.TransactionID, err)
	}

	s.audit.LogSuccess(cashierID, "qr_scan", audit.CategoryCashOps, map[string]any{
		"qr_id":          qr.ID,
		"station_id":     qr.StationID,
		"transaction_id": mutation.TransactionID,
		"amount":         amount,
		"type":           txType,
	})

	return &ScanResult{
		TransactionID: mutation.TransactionID,
		Amount:        amount,
		Type:          string(txType),
		NewBalance:    mutation.NewBalance,
		Reference:     qr.ID,
		StationName:   session.StationName,
	}, nil
}

func (s *CashierService) fetchQR(ctx context.Context, qrID string) (*models.PaymentQR, error) {
	var qr models.PaymentQR
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, sfd_id, station_id, signature, status, scan_count, max_scans, expires_at, created_at
		FROM payment_qrs
		WHERE id = $1`, qrID).Scan(
		&qr.ID, &qr.UserID, &qr.SfdID, &qr.StationID, &qr.Signature,
		&qr.Status, &qr.ScanCount, &qr.MaxScans, &qr.ExpiresAt, &qr.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return &qr, nil
}

func (s *CashierService) openSession(ctx context.Context, stationID string) (*models.CashSession, error) {
	var session models.CashSession
	err := s.db.QueryRowContext(ctx, `
		SELECT id, station_id, station_name, cashier_id, sfd_id, status, opened_at
		FROM cash_sessions
		WHERE station_id = $1 AND status = $2
		ORDER BY opened_at DESC
		LIMIT 1`, stationID, models.SessionStatusOpen).Scan(
		&session.ID, &session.StationID, &session.StationName,
		&session.CashierID, &session.SfdID, &session.Status, &session.OpenedAt)
	if err == sql.ErrNoRows {
		return nil, ErrSessionClosed
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return &session, nil
}

func decodeQRData(qrCodeData string) (*qrPayload, []byte, string, error) {
	parts := strings.SplitN(qrCodeData, ".", 2)
	if len(parts) != 2 {
		return nil, nil, "", fmt.Errorf("malformed QR data")
	}

	payloadJSON, err := base64.URLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, nil, "", err
	}

	var payload qrPayload
	if err := json.Unmarshal(payloadJSON, &payload); err != nil {
		return nil, nil, "", err
	}

	return &payload, payloadJSON, parts[1], nil
}

func generateNonce() string {
	b := make([]byte, 16)
	rand.Read(b)
	return base64.URLEncoding.EncodeToString(b)
}
