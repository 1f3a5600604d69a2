package services

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meref/backend/internal/audit"
	"github.com/meref/backend/internal/models"
)

func testQRData(t *testing.T, payload qrPayload, signature string) (string, []byte) {
	t.Helper()
	payloadJSON, err := json.Marshal(payload)
	require.NoError(t, err)
	return base64.URLEncoding.EncodeToString(payloadJSON) + "." + signature, payloadJSON
}

func qrRows(qr *models.PaymentQR) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "user_id", "sfd_id", "station_id", "signature",
		"status", "scan_count", "max_scans", "expires_at", "created_at",
	}).AddRow(qr.ID, qr.UserID, qr.SfdID, qr.StationID, qr.Signature,
		qr.Status, qr.ScanCount, qr.MaxScans, qr.ExpiresAt, qr.CreatedAt)
}

func openSessionRows(stationID string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "station_id", "station_name", "cashier_id", "sfd_id", "status", "opened_at",
	}).AddRow("sess1", stationID, "Guichet Bamako Centre", "cashier1",
		"sfd1", models.SessionStatusOpen, time.Now().Add(-time.Hour))
}

func TestCashierService_ProcessScan(t *testing.T) {
	ctx := context.Background()
	payload := qrPayload{
		QRID:      "qr1",
		UserID:    "user1",
		SfdID:     "sfd1",
		StationID: "station1",
		IssuedAt:  time.Now().Unix(),
		Nonce:     "bm9uY2U",
	}

	newService := func(t *testing.T) (*CashierService, sqlmock.Sqlmock, *MockKeystore) {
		t.Helper()
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })

		keys := new(MockKeystore)
		mutator := NewBalanceMutator(db, audit.NewLogger(nil))
		return NewCashierService(db, nil, keys, mutator, audit.NewLogger(nil)), mock, keys
	}

	t.Run("expired QR rejected before signature check", func(t *testing.T) {
		svc, mock, keys := newService(t)
		data, _ := testQRData(t, payload, "sig")

		mock.ExpectQuery("SELECT id, user_id, sfd_id, station_id, signature").
			WithArgs("qr1").
			WillReturnRows(qrRows(&models.PaymentQR{
				ID: "qr1", UserID: "user1", SfdID: "sfd1", StationID: "station1",
				Signature: "sig", Status: models.QRStatusActive,
				ScanCount: 0, MaxScans: 3,
				ExpiresAt: time.Now().Add(-time.Minute),
				CreatedAt: time.Now().Add(-time.Hour),
			}))

		_, err := svc.ProcessScan(ctx, "cashier1", data, 5_000, models.TxDeposit)
		assert.ErrorIs(t, err, ErrExpiredCode)
		// Keystore.Verify must not have run for a dead QR.
		keys.AssertNotCalled(t, "Verify")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("exhausted scan budget rejected before signature check", func(t *testing.T) {
		svc, mock, keys := newService(t)
		data, _ := testQRData(t, payload, "sig")

		mock.ExpectQuery("SELECT id, user_id, sfd_id, station_id, signature").
			WithArgs("qr1").
			WillReturnRows(qrRows(&models.PaymentQR{
				ID: "qr1", UserID: "user1", SfdID: "sfd1", StationID: "station1",
				Signature: "sig", Status: models.QRStatusActive,
				ScanCount: 3, MaxScans: 3,
				ExpiresAt: time.Now().Add(10 * time.Minute),
				CreatedAt: time.Now(),
			}))

		_, err := svc.ProcessScan(ctx, "cashier1", data, 5_000, models.TxDeposit)
		assert.ErrorIs(t, err, ErrScanLimitReached)
		keys.AssertNotCalled(t, "Verify")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("consumed QR rejected", func(t *testing.T) {
		svc, mock, _ := newService(t)
		data, _ := testQRData(t, payload, "sig")

		mock.ExpectQuery("SELECT id, user_id, sfd_id, station_id, signature").
			WithArgs("qr1").
			WillReturnRows(qrRows(&models.PaymentQR{
				ID: "qr1", UserID: "user1", SfdID: "sfd1", StationID: "station1",
				Signature: "sig", Status: models.QRStatusConsumed,
				ScanCount: 1, MaxScans: 3,
				ExpiresAt: time.Now().Add(10 * time.Minute),
				CreatedAt: time.Now(),
			}))

		_, err := svc.ProcessScan(ctx, "cashier1", data, 5_000, models.TxWithdrawal)
		assert.ErrorIs(t, err, ErrCodeConsumed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("no open session at the station", func(t *testing.T) {
		svc, mock, keys := newService(t)
		data, _ := testQRData(t, payload, "sig")

		mock.ExpectQuery("SELECT id, user_id, sfd_id, station_id, signature").
			WithArgs("qr1").
			WillReturnRows(qrRows(&models.PaymentQR{
				ID: "qr1", UserID: "user1", SfdID: "sfd1", StationID: "station1",
				Signature: "sig", Status: models.QRStatusActive,
				ScanCount: 0, MaxScans: 3,
				ExpiresAt: time.Now().Add(10 * time.Minute),
				CreatedAt: time.Now(),
			}))
		mock.ExpectQuery("SELECT id, station_id, station_name").
			WithArgs("station1", models.SessionStatusOpen).
			WillReturnRows(sqlmock.NewRows([]string{"id"}))

		_, err := svc.ProcessScan(ctx, "cashier1", data, 5_000, models.TxDeposit)
		assert.ErrorIs(t, err, ErrSessionClosed)
		keys.AssertNotCalled(t, "Verify")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("tampered signature rejected", func(t *testing.T) {
		svc, mock, keys := newService(t)
		data, payloadJSON := testQRData(t, payload, "forged")

		mock.ExpectQuery("SELECT id, user_id, sfd_id, station_id, signature").
			WithArgs("qr1").
			WillReturnRows(qrRows(&models.PaymentQR{
				ID: "qr1", UserID: "user1", SfdID: "sfd1", StationID: "station1",
				Signature: "sig", Status: models.QRStatusActive,
				ScanCount: 0, MaxScans: 3,
				ExpiresAt: time.Now().Add(10 * time.Minute),
				CreatedAt: time.Now(),
			}))
		mock.ExpectQuery("SELECT id, station_id, station_name").
			WithArgs("station1", models.SessionStatusOpen).
			WillReturnRows(openSessionRows("station1"))

		keys.On("Verify", "station1", payloadJSON, "forged").Return(false, nil)

		_, err := svc.ProcessScan(ctx, "cashier1", data, 5_000, models.TxDeposit)
		assert.ErrorIs(t, err, ErrInvalidSignature)
		keys.AssertExpectations(t)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("losing the scan increment race", func(t *testing.T) {
		svc, mock, keys := newService(t)
		data, payloadJSON := testQRData(t, payload, "sig")

		mock.ExpectQuery("SELECT id, user_id, sfd_id, station_id, signature").
			WithArgs("qr1").
			WillReturnRows(qrRows(&models.PaymentQR{
				ID: "qr1", UserID: "user1", SfdID: "sfd1", StationID: "station1",
				Signature: "sig", Status: models.QRStatusActive,
				ScanCount: 2, MaxScans: 3,
				ExpiresAt: time.Now().Add(10 * time.Minute),
				CreatedAt: time.Now(),
			}))
		mock.ExpectQuery("SELECT id, station_id, station_name").
			WithArgs("station1", models.SessionStatusOpen).
			WillReturnRows(openSessionRows("station1"))

		keys.On("Verify", "station1", payloadJSON, "sig").Return(true, nil)

		// Another cashier consumed the last scan between fetch and update.
		mock.ExpectExec("UPDATE payment_qrs").
			WithArgs("qr1", models.QRStatusActive).
			WillReturnResult(sqlmock.NewResult(0, 0))

		_, err := svc.ProcessScan(ctx, "cashier1", data, 5_000, models.TxDeposit)
		assert.ErrorIs(t, err, ErrScanLimitReached)
		keys.AssertExpectations(t)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("valid scan runs the deposit", func(t *testing.T) {
		svc, mock, keys := newService(t)
		data, payloadJSON := testQRData(t, payload, "sig")

		mock.ExpectQuery("SELECT id, user_id, sfd_id, station_id, signature").
			WithArgs("qr1").
			WillReturnRows(qrRows(&models.PaymentQR{
				ID: "qr1", UserID: "user1", SfdID: "sfd1", StationID: "station1",
				Signature: "sig", Status: models.QRStatusActive,
				ScanCount: 0, MaxScans: 3,
				ExpiresAt: time.Now().Add(10 * time.Minute),
				CreatedAt: time.Now(),
			}))
		mock.ExpectQuery("SELECT id, station_id, station_name").
			WithArgs("station1", models.SessionStatusOpen).
			WillReturnRows(openSessionRows("station1"))

		keys.On("Verify", "station1", payloadJSON, "sig").Return(true, nil)

		mock.ExpectExec("UPDATE payment_qrs").
			WithArgs("qr1", models.QRStatusActive).
			WillReturnResult(sqlmock.NewResult(0, 1))

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, user_id, sfd_id, balance, version").
			WithArgs("user1", "sfd1").
			WillReturnRows(accountRows("acc1", "user1", "sfd1", 20_000, 4))
		mock.ExpectExec("INSERT INTO transactions").
			WithArgs(sqlmock.AnyArg(), "acc1", "user1", "sfd1", int64(5_000),
				"deposit", models.TxStatusSuccess, "cashier_qr",
				sqlmock.AnyArg(), "qr1", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE accounts").
			WithArgs(int64(25_000), sqlmock.AnyArg(), "acc1", 4).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		mock.ExpectExec("INSERT INTO cash_operations").
			WillReturnResult(sqlmock.NewResult(1, 1))

		result, err := svc.ProcessScan(ctx, "cashier1", data, 5_000, models.TxDeposit)
		require.NoError(t, err)
		assert.Equal(t, int64(5_000), result.Amount)
		assert.Equal(t, int64(25_000), result.NewBalance)
		assert.Equal(t, "qr1", result.Reference)
		assert.Equal(t, "Guichet Bamako Centre", result.StationName)
		keys.AssertExpectations(t)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("failed withdrawal refunds the claimed scan", func(t *testing.T) {
		svc, mock, keys := newService(t)
		data, payloadJSON := testQRData(t, payload, "sig")

		mock.ExpectQuery("SELECT id, user_id, sfd_id, station_id, signature").
			WithArgs("qr1").
			WillReturnRows(qrRows(&models.PaymentQR{
				ID: "qr1", UserID: "user1", SfdID: "sfd1", StationID: "station1",
				Signature: "sig", Status: models.QRStatusActive,
				ScanCount: 0, MaxScans: 3,
				ExpiresAt: time.Now().Add(10 * time.Minute),
				CreatedAt: time.Now(),
			}))
		mock.ExpectQuery("SELECT id, station_id, station_name").
			WithArgs("station1", models.SessionStatusOpen).
			WillReturnRows(openSessionRows("station1"))

		keys.On("Verify", "station1", payloadJSON, "sig").Return(true, nil)

		mock.ExpectExec("UPDATE payment_qrs").
			WithArgs("qr1", models.QRStatusActive).
			WillReturnResult(sqlmock.NewResult(0, 1))

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, user_id, sfd_id, balance, version").
			WithArgs("user1", "sfd1").
			WillReturnRows(accountRows("acc1", "user1", "sfd1", 2_000, 4))
		mock.ExpectRollback()

		// The increment is handed back so the QR keeps its remaining scans.
		mock.ExpectExec("UPDATE payment_qrs").
			WithArgs("qr1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		_, err := svc.ProcessScan(ctx, "cashier1", data, 5_000, models.TxWithdrawal)
		assert.ErrorIs(t, err, ErrInsufficientFunds)
		keys.AssertExpectations(t)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("garbled QR data", func(t *testing.T) {
		svc, _, _ := newService(t)
		_, err := svc.ProcessScan(ctx, "cashier1", "not-a-qr", 5_000, models.TxDeposit)
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})

	t.Run("unsupported transaction type", func(t *testing.T) {
		svc, _, _ := newService(t)
		data, _ := testQRData(t, payload, "sig")
		_, err := svc.ProcessScan(ctx, "cashier1", data, 5_000, models.TxLoanRepayment)
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})
}
