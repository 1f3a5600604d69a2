package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/meref/backend/internal/middleware"
	"github.com/meref/backend/internal/models"
)

// TransactionManager is the thin request-shaping layer in front of the
// Balance Mutator. One manager per transaction type; each rejects
// non-positive amounts and delegates. Sufficiency is enforced exactly once,
// inside the mutator's locked transaction.
type TransactionManager struct {
	txType  models.TransactionType
	mutator *BalanceMutator
}

func NewTransactionManager(txType models.TransactionType, mutator *BalanceMutator) *TransactionManager {
	return &TransactionManager{txType: txType, mutator: mutator}
}

func (tm *TransactionManager) Process(ctx context.Context, req MutationRequest) (*MutationResult, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	req.Type = tm.txType
	return tm.mutator.Apply(ctx, req)
}

type TransactionService struct {
	db        *sql.DB
	mutator   *BalanceMutator
	managers  map[models.TransactionType]*TransactionManager
	validator *ValidationHelper
}

func NewTransactionService(db *sql.DB, mutator *BalanceMutator) *TransactionService {
	managers := map[models.TransactionType]*TransactionManager{
		models.TxDeposit:       NewTransactionManager(models.TxDeposit, mutator),
		models.TxWithdrawal:    NewTransactionManager(models.TxWithdrawal, mutator),
		models.TxLoanRepayment: NewTransactionManager(models.TxLoanRepayment, mutator),
	}
	return &TransactionService{
		db:        db,
		mutator:   mutator,
		managers:  managers,
		validator: NewValidationHelper(),
	}
}

// Manager returns the manager for a transaction type, if one exists.
func (ts *TransactionService) Manager(txType models.TransactionType) (*TransactionManager, bool) {
	manager, ok := ts.managers[txType]
	return manager, ok
}

type transactionRequest struct {
	UserID        string         `json:"userId" validate:"required"`
	SfdID         string         `json:"sfdId" validate:"required"`
	Type          string         `json:"type" validate:"required,oneof=deposit withdrawal loan_repayment"`
	Amount        int64          `json:"amount" validate:"required,gt=0"`
	Description   string         `json:"description" validate:"max=200"`
	ReferenceID   string         `json:"referenceId"`
	PaymentMethod string         `json:"paymentMethod"`
	FromAccountID string         `json:"fromAccountId"`
	ToAccountID   string         `json:"toAccountId"`
	MetaData      map[string]any `json:"metaData"`
}

// ProcessTransaction handles the generic transaction endpoint
// @Summary Process a transaction
// @Description Run a deposit, withdrawal or loan repayment through the balance mutator
// @Tags transactions
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param transaction body transactionRequest true "Transaction data"
// @Success 200 {object} object{success=bool,transactionId=string,receiptUrl=string,details=object}
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /transactions [post]
func (ts *TransactionService) ProcessTransaction(w http.ResponseWriter, r *http.Request) {
	auth, ok := middleware.FromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req transactionRequest

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := ts.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	// Clients can only move their own funds; SFD admins are scoped to
	// their institution.
	if auth.Role == models.RoleClient && req.UserID != auth.UserID {
		SendErrorResponse(w, "Cannot transact on another user's account", http.StatusForbidden, nil)
		return
	}
	if auth.Role == models.RoleSfdAdmin && auth.SfdID != "" && req.SfdID != auth.SfdID {
		SendErrorResponse(w, "SFD scope mismatch", http.StatusForbidden, nil)
		return
	}

	manager, ok := ts.managers[models.TransactionType(req.Type)]
	if !ok {
		SendErrorResponse(w, fmt.Sprintf("Unsupported transaction type: %s", req.Type), http.StatusBadRequest, nil)
		return
	}

	result, err := manager.Process(r.Context(), MutationRequest{
		UserID:        req.UserID,
		SfdID:         req.SfdID,
		AccountID:     req.FromAccountID,
		Amount:        req.Amount,
		Description:   req.Description,
		ReferenceID:   req.ReferenceID,
		PaymentMethod: req.PaymentMethod,
		Metadata:      req.MetaData,
	})
	if err != nil {
		log.Printf("[TRANSACTION] %s failed for user %s: %v", req.Type, req.UserID, err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(HTTPStatus(err))
		json.NewEncoder(w).Encode(map[string]any{
			"success":      false,
			"errorMessage": err.Error(),
		})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success":       true,
		"transactionId": result.TransactionID,
		"receiptUrl":    fmt.Sprintf("/static/receipts/%s.pdf", result.TransactionID),
		"details": map[string]any{
			"newBalance":      result.NewBalance,
			"transactionDate": result.TransactionDate.Format(time.RFC3339),
		},
	})
}

// GetTransaction retrieves a specific ledger entry
// @Summary Get transaction by ID
// @Tags transactions
// @Produce json
// @Security BearerAuth
// @Param txId path string true "Transaction ID"
// @Success 200 {object} models.Transaction
// @Failure 404 {object} map[string]string
// @Router /transactions/{txId} [get]
func (ts *TransactionService) GetTransaction(w http.ResponseWriter, r *http.Request) {
	txID := chi.URLParam(r, "txId")

	tx, err := ts.fetchTransaction(r.Context(), txID)
	if err != nil {
		if err == sql.ErrNoRows {
			http.Error(w, "Transaction not found", http.StatusNotFound)
		} else {
			http.Error(w, "Failed to fetch transaction", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(tx)
}

// ListTransactions retrieves ledger entries with optional filters
// @Summary List transactions
// @Tags transactions
// @Produce json
// @Security BearerAuth
// @Param accountId query string false "Filter by account ID"
// @Param sfdId query string false "Filter by SFD ID"
// @Param type query string false "Filter by transaction type"
// @Param status query string false "Filter by status"
// @Success 200 {object} object{transactions=[]models.Transaction,count=int}
// @Router /transactions [get]
func (ts *TransactionService) ListTransactions(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("accountId")
	sfdID := r.URL.Query().Get("sfdId")
	txType := r.URL.Query().Get("type")
	status := r.URL.Query().Get("status")
	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 200 {
			limit = l
		}
	}

	// SFD admins only see their own institution's ledger.
	if auth, ok := middleware.FromContext(r.Context()); ok && auth.Role == models.RoleSfdAdmin {
		sfdID = auth.SfdID
	}

	transactions, err := ts.fetchTransactions(r.Context(), accountID, sfdID, txType, status, limit)
	if err != nil {
		log.Printf("[TRANSACTION] List failed: %v", err)
		http.Error(w, "Failed to fetch transactions", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"transactions": transactions,
		"count":        len(transactions),
	})
}

// GetRecentTransactions returns the caller's most recent ledger entries
// @Summary Get recent transactions
// @Tags transactions
// @Produce json
// @Security BearerAuth
// @Param limit query int false "Number of transactions to return (default: 10, max: 100)"
// @Success 200 {array} models.Transaction
// @Router /transactions/recent [get]
func (ts *TransactionService) GetRecentTransactions(w http.ResponseWriter, r *http.Request) {
	auth, ok := middleware.FromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req struct {
		Limit int `validate:"omitempty,min=1,max=100"`
	}
	req.Limit = 10

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil {
			req.Limit = l
		}
	}

	if err := ts.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	rows, err := ts.db.QueryContext(r.Context(), `
		SELECT id, account_id, user_id, sfd_id, amount, type, status, payment_method, description, reference_id, created_at
		FROM transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, auth.UserID, req.Limit)
	if err != nil {
		SendErrorResponse(w, "Failed to fetch recent transactions", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	transactions, err := scanTransactions(rows)
	if err != nil {
		SendErrorResponse(w, "Failed to fetch recent transactions", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(transactions)
}

// AccountBalanceEnquiry retrieves the balance of a (user, SFD) account
// @Summary Get account balance
// @Tags accounts
// @Produce json
// @Security BearerAuth
// @Param sfdId query string true "SFD ID"
// @Success 200 {object} object{balance=int64,currency=string}
// @Failure 404 {object} ErrorResponse
// @Router /accounts/balance [get]
func (ts *TransactionService) AccountBalanceEnquiry(w http.ResponseWriter, r *http.Request) {
	auth, ok := middleware.FromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	sfdID := strings.TrimSpace(r.URL.Query().Get("sfdId"))
	if sfdID == "" {
		SendErrorResponse(w, "sfdId is required", http.StatusBadRequest, nil)
		return
	}

	userID := auth.UserID
	if auth.Role == models.RoleAdmin || auth.Role == models.RoleSfdAdmin {
		if explicit := r.URL.Query().Get("userId"); explicit != "" {
			userID = explicit
		}
	}

	balance, err := ts.mutator.Balance(r.Context(), userID, sfdID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			SendErrorResponse(w, "Account not found", http.StatusNotFound, nil)
			return
		}
		log.Printf("[ACCOUNT_ENQUIRY] Balance lookup failed for user %s: %v", userID, err)
		SendErrorResponse(w, "Failed to fetch balance", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"balance":  balance,
		"currency": "XOF",
	})
}

func (ts *TransactionService) fetchTransaction(ctx context.Context, txID string) (*models.Transaction, error) {
	tx := &models.Transaction{}
	err := ts.db.QueryRowContext(ctx, `
		SELECT id, account_id, user_id, sfd_id, amount, type, status, payment_method, description, reference_id, created_at
		FROM transactions
		WHERE id = $1`, txID).Scan(
		&tx.ID, &tx.AccountID, &tx.UserID, &tx.SfdID, &tx.Amount, &tx.Type,
		&tx.Status, &tx.PaymentMethod, &tx.Description, &tx.ReferenceID, &tx.CreatedAt)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func (ts *TransactionService) fetchTransactions(ctx context.Context, accountID, sfdID, txType, status string, limit int) ([]models.Transaction, error) {
	var conditions []string
	var args []interface{}
	argIndex := 1

	baseQuery := `
		SELECT id, account_id, user_id, sfd_id, amount, type, status, payment_method, description, reference_id, created_at
		FROM transactions
	`

	if accountID != "" {
		conditions = append(conditions, fmt.Sprintf("account_id = $%d", argIndex))
		args = append(args, accountID)
		argIndex++
	}
	if sfdID != "" {
		conditions = append(conditions, fmt.Sprintf("sfd_id = $%d", argIndex))
		args = append(args, sfdID)
		argIndex++
	}
	if txType != "" {
		conditions = append(conditions, fmt.Sprintf("type = $%d", argIndex))
		args = append(args, txType)
		argIndex++
	}
	if status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIndex))
		args = append(args, status)
		argIndex++
	}

	query := baseQuery
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIndex)
	args = append(args, limit)

	rows, err := ts.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTransactions(rows)
}

func scanTransactions(rows *sql.Rows) ([]models.Transaction, error) {
	transactions := []models.Transaction{}
	for rows.Next() {
		var tx models.Transaction
		err := rows.Scan(
			&tx.ID, &tx.AccountID, &tx.UserID, &tx.SfdID, &tx.Amount, &tx.Type,
			&tx.Status, &tx.PaymentMethod, &tx.Description, &tx.ReferenceID, &tx.CreatedAt)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}
	return transactions, rows.Err()
}
