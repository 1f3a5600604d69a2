package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meref/backend/internal/audit"
	"github.com/meref/backend/internal/middleware"
	"github.com/meref/backend/internal/models"
)

func authedRequest(method, target, body string, auth *middleware.AuthContext) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req.WithContext(middleware.WithAuthContext(context.Background(), auth))
}

func TestTransactionManager_Process(t *testing.T) {
	ctx := context.Background()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mutator := NewBalanceMutator(db, audit.NewLogger(nil))
	manager := NewTransactionManager(models.TxWithdrawal, mutator)

	t.Run("stamps its own transaction type", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, user_id, sfd_id, balance, version").
			WithArgs("user1", "sfd1").
			WillReturnRows(accountRows("acc1", "user1", "sfd1", 50_000, 1))
		mock.ExpectExec("INSERT INTO transactions").
			WithArgs(sqlmock.AnyArg(), "acc1", "user1", "sfd1", int64(-20_000),
				"withdrawal", models.TxStatusSuccess, "",
				sqlmock.AnyArg(), "", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE accounts").
			WithArgs(int64(30_000), sqlmock.AnyArg(), "acc1", 1).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		// The caller's type is overwritten by the manager's.
		result, err := manager.Process(ctx, MutationRequest{
			UserID: "user1",
			SfdID:  "sfd1",
			Type:   models.TxDeposit,
			Amount: 20_000,
		})
		require.NoError(t, err)
		assert.Equal(t, int64(30_000), result.NewBalance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects non-positive amounts", func(t *testing.T) {
		_, err := manager.Process(ctx, MutationRequest{UserID: "user1", SfdID: "sfd1", Amount: -5})
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})
}

func TestTransactionService_ProcessTransaction(t *testing.T) {
	newService := func(t *testing.T) (*TransactionService, sqlmock.Sqlmock) {
		t.Helper()
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })
		return NewTransactionService(db, NewBalanceMutator(db, audit.NewLogger(nil))), mock
	}

	clientAuth := &middleware.AuthContext{UserID: "user1", Role: models.RoleClient, SfdID: "sfd1"}

	t.Run("deposit responds with receipt and new balance", func(t *testing.T) {
		svc, mock := newService(t)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, user_id, sfd_id, balance, version").
			WithArgs("user1", "sfd1").
			WillReturnRows(accountRows("acc1", "user1", "sfd1", 1_000, 1))
		mock.ExpectExec("INSERT INTO transactions").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE accounts").
			WithArgs(int64(6_000), sqlmock.AnyArg(), "acc1", 1).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		body := `{"userId":"user1","sfdId":"sfd1","type":"deposit","amount":5000}`
		w := httptest.NewRecorder()
		svc.ProcessTransaction(w, authedRequest(http.MethodPost, "/api/v1/transactions", body, clientAuth))

		assert.Equal(t, http.StatusOK, w.Code)
		var resp map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, true, resp["success"])
		assert.NotEmpty(t, resp["transactionId"])
		assert.Contains(t, resp["receiptUrl"], "/static/receipts/")
		details := resp["details"].(map[string]any)
		assert.Equal(t, float64(6_000), details["newBalance"])
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insufficient funds maps to a payment-required failure", func(t *testing.T) {
		svc, mock := newService(t)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, user_id, sfd_id, balance, version").
			WithArgs("user1", "sfd1").
			WillReturnRows(accountRows("acc1", "user1", "sfd1", 1_000, 1))
		mock.ExpectRollback()

		body := `{"userId":"user1","sfdId":"sfd1","type":"withdrawal","amount":5000}`
		w := httptest.NewRecorder()
		svc.ProcessTransaction(w, authedRequest(http.MethodPost, "/api/v1/transactions", body, clientAuth))

		assert.Equal(t, HTTPStatus(ErrInsufficientFunds), w.Code)
		var resp map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, false, resp["success"])
		assert.NotEmpty(t, resp["errorMessage"])
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("client cannot transact for someone else", func(t *testing.T) {
		svc, mock := newService(t)

		body := `{"userId":"other","sfdId":"sfd1","type":"deposit","amount":5000}`
		w := httptest.NewRecorder()
		svc.ProcessTransaction(w, authedRequest(http.MethodPost, "/api/v1/transactions", body, clientAuth))

		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unsupported type rejected", func(t *testing.T) {
		svc, _ := newService(t)

		body := `{"userId":"user1","sfdId":"sfd1","type":"vault_withdrawal","amount":5000}`
		w := httptest.NewRecorder()
		svc.ProcessTransaction(w, authedRequest(http.MethodPost, "/api/v1/transactions", body, clientAuth))

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unknown fields rejected", func(t *testing.T) {
		svc, _ := newService(t)

		body := `{"userId":"user1","sfdId":"sfd1","type":"deposit","amount":5000,"bogus":true}`
		w := httptest.NewRecorder()
		svc.ProcessTransaction(w, authedRequest(http.MethodPost, "/api/v1/transactions", body, clientAuth))

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("missing auth context", func(t *testing.T) {
		svc, _ := newService(t)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/transactions",
			strings.NewReader(`{"userId":"user1","sfdId":"sfd1","type":"deposit","amount":5000}`))
		w := httptest.NewRecorder()
		svc.ProcessTransaction(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestTransactionService_AccountBalanceEnquiry(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	svc := NewTransactionService(db, NewBalanceMutator(db, audit.NewLogger(nil)))
	clientAuth := &middleware.AuthContext{UserID: "user1", Role: models.RoleClient, SfdID: "sfd1"}

	t.Run("returns XOF balance", func(t *testing.T) {
		mock.ExpectQuery("SELECT balance FROM accounts").
			WithArgs("user1", "sfd1").
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(int64(42_000)))

		w := httptest.NewRecorder()
		svc.AccountBalanceEnquiry(w, authedRequest(http.MethodGet, "/api/v1/accounts/balance?sfdId=sfd1", "", clientAuth))

		assert.Equal(t, http.StatusOK, w.Code)
		var resp map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, float64(42_000), resp["balance"])
		assert.Equal(t, "XOF", resp["currency"])
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing sfdId", func(t *testing.T) {
		w := httptest.NewRecorder()
		svc.AccountBalanceEnquiry(w, authedRequest(http.MethodGet, "/api/v1/accounts/balance", "", clientAuth))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("no account for the pair", func(t *testing.T) {
		mock.ExpectQuery("SELECT balance FROM accounts").
			WithArgs("user1", "sfd9").
			WillReturnRows(sqlmock.NewRows([]string{"balance"}))

		w := httptest.NewRecorder()
		svc.AccountBalanceEnquiry(w, authedRequest(http.MethodGet, "/api/v1/accounts/balance?sfdId=sfd9", "", clientAuth))
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
