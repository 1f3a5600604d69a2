package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/meref/backend/internal/audit"
	"github.com/meref/backend/internal/middleware"
	"github.com/meref/backend/internal/models"
)

// LoanService runs the loan lifecycle: apply (pending) → approve or reject →
// disburse (funds credited through the mutator, loan goes active) → repay
// until the remaining amount reaches zero. Disbursement and repayment are the
// only steps that touch balances, and both go through the mutator.
type LoanService struct {
	db        *sql.DB
	mutator   *BalanceMutator
	repayment *TransactionManager
	audit     *audit.Logger
	validator *ValidationHelper
}

func NewLoanService(db *sql.DB, mutator *BalanceMutator, repayment *TransactionManager, auditLogger *audit.Logger) *LoanService {
	return &LoanService{
		db:        db,
		mutator:   mutator,
		repayment: repayment,
		audit:     auditLogger,
		validator: NewValidationHelper(),
	}
}

// monthlyPayment computes the standard amortization installment, rounded up
// so the final payment is never short.
func monthlyPayment(principal int64, annualRate float64, months int) int64 {
	if months <= 0 {
		return principal
	}
	if annualRate <= 0 {
		return int64(math.Ceil(float64(principal) / float64(months)))
	}
	r := annualRate / 100 / 12
	factor := math.Pow(1+r, float64(months))
	payment := float64(principal) * r * factor / (factor - 1)
	return int64(math.Ceil(payment))
}

type loanApplicationRequest struct {
	ClientID       string  `json:"client_id" validate:"required"`
	SfdID          string  `json:"sfd_id" validate:"required"`
	Amount         int64   `json:"amount" validate:"required,gt=0"`
	InterestRate   float64 `json:"interest_rate" validate:"gte=0,lte=100"`
	DurationMonths int     `json:"duration_months" validate:"required,min=1,max=120"`
	Purpose        string  `json:"purpose" validate:"required,max=200"`
}

// Apply files a loan application
// @Summary Apply for a loan
// @Tags loans
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param application body loanApplicationRequest true "Loan application"
// @Success 201 {object} object{success=bool,loan=models.Loan}
// @Failure 400 {object} ErrorResponse
// @Router /loans [post]
func (ls *LoanService) Apply(w http.ResponseWriter, r *http.Request) {
	auth, ok := middleware.FromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req loanApplicationRequest

	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
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
	if err := ls.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	if auth.Role == models.RoleClient && req.ClientID != auth.UserID {
		SendErrorResponse(w, "Cannot apply on behalf of another client", http.StatusForbidden, nil)
		return
	}

	payment := monthlyPayment(req.Amount, req.InterestRate, req.DurationMonths)
	total := payment * int64(req.DurationMonths)

	loan := models.Loan{
		ID:              uuid.New().String(),
		ClientID:        req.ClientID,
		SfdID:           req.SfdID,
		Amount:          req.Amount,
		InterestRate:    req.InterestRate,
		DurationMonths:  req.DurationMonths,
		MonthlyPayment:  payment,
		RemainingAmount: total,
		Purpose:         req.Purpose,
		Status:          models.LoanStatusPending,
		CreatedAt:       time.Now(),
	}

	_, err := ls.db.ExecContext(r.Context(), `
		INSERT INTO loans (id, client_id, sfd_id, amount, interest_rate, duration_months, monthly_payment, remaining_amount, purpose, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		loan.ID, loan.ClientID, loan.SfdID, loan.Amount, loan.InterestRate, loan.DurationMonths,
		loan.MonthlyPayment, loan.RemainingAmount, loan.Purpose, loan.Status, loan.CreatedAt)
	if err != nil {
		log.Printf("[LOAN] Application insert failed: %v", err)
		SendErrorResponse(w, "Failed to file application", http.StatusInternalServerError, nil)
		return
	}

	ls.audit.LogSuccess(auth.UserID, "loan_applied", audit.CategoryLoan, map[string]any{
		"loan_id":   loan.ID,
		"client_id": loan.ClientID,
		"amount":    loan.Amount,
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{"success": true, "loan": loan})
}

// Review approves or rejects a pending application
// @Summary Review a loan application
// @Tags loans
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param loanId path string true "Loan ID"
// @Param decision body object{decision=string} true "approve or reject"
// @Success 200 {object} object{success=bool,status=string}
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /loans/{loanId}/review [post]
func (ls *LoanService) Review(w http.ResponseWriter, r *http.Request) {
	auth, ok := middleware.FromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	loanID := chi.URLParam(r, "loanId")

	var req struct {
		Decision string `json:"decision" validate:"required,oneof=approve reject"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := ls.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	newStatus := models.LoanStatusApproved
	if req.Decision == "reject" {
		newStatus = models.LoanStatusRejected
	}

	// Only pending applications move; the conditional update makes a lost
	// race show up as zero rows instead of a silent overwrite.
	query := `UPDATE loans SET status = $1, approved_by = $2 WHERE id = $3 AND status = $4`
	args := []any{newStatus, auth.UserID, loanID, models.LoanStatusPending}
	if auth.Role == models.RoleSfdAdmin {
		query += ` AND sfd_id = $5`
		args = append(args, auth.SfdID)
	}

	result, err := ls.db.ExecContext(r.Context(), query, args...)
	if err != nil {
		log.Printf("[LOAN] Review update failed for loan %s: %v", loanID, err)
		SendErrorResponse(w, "Failed to review loan", http.StatusInternalServerError, nil)
		return
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		SendErrorResponse(w, "Loan not found or not pending", http.StatusConflict, nil)
		return
	}

	ls.audit.LogSuccess(auth.UserID, "loan_"+req.Decision+"d", audit.CategoryLoan, map[string]any{
		"loan_id": loanID,
	})

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"success": true, "status": newStatus})
}

// Disburse credits the approved loan amount to the client account
// @Summary Disburse an approved loan
// @Tags loans
// @Produce json
// @Security BearerAuth
// @Param loanId path string true "Loan ID"
// @Success 200 {object} object{success=bool,transactionId=string,loan=models.Loan}
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /loans/{loanId}/disburse [post]
func (ls *LoanService) Disburse(w http.ResponseWriter, r *http.Request) {
	auth, ok := middleware.FromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	loanID := chi.URLParam(r, "loanId")

	loan, err := ls.fetchLoan(r.Context(), loanID)
	if err != nil {
		SendServiceError(w, err)
		return
	}
	if auth.Role == models.RoleSfdAdmin && loan.SfdID != auth.SfdID {
		SendErrorResponse(w, "SFD scope mismatch", http.StatusForbidden, nil)
		return
	}
	if loan.Status != models.LoanStatusApproved {
		SendErrorResponse(w, fmt.Sprintf("Loan is %s, not approved", loan.Status), http.StatusConflict, nil)
		return
	}

	// Claim the loan before any money moves; a concurrent disbursement
	// shows up as zero rows here, never as a second credit.
	now := time.Now()
	firstPayment := now.AddDate(0, 1, 0)
	flip, err := ls.db.ExecContext(r.Context(), `
		UPDATE loans
		SET status = $1, disbursed_at = $2, next_payment_date = $3
		WHERE id = $4 AND status = $5`,
		models.LoanStatusActive, now, firstPayment, loanID, models.LoanStatusApproved)
	if err != nil {
		log.Printf("[LOAN] Disbursement claim on loan %s failed: %v", loanID, err)
		SendErrorResponse(w, "Failed to disburse loan", http.StatusInternalServerError, nil)
		return
	}
	if rowsAffected, _ := flip.RowsAffected(); rowsAffected == 0 {
		SendErrorResponse(w, "Loan already disbursed or no longer approved", http.StatusConflict, nil)
		return
	}

	result, err := ls.mutator.Apply(r.Context(), MutationRequest{
		UserID:        loan.ClientID,
		SfdID:         loan.SfdID,
		Type:          models.TxLoanDisbursement,
		Amount:        loan.Amount,
		Description:   fmt.Sprintf("Loan disbursement: %s", loan.Purpose),
		ReferenceID:   loan.ID,
		PaymentMethod: "loan",
	})
	if err != nil {
		log.Printf("[LOAN] Disbursement of loan %s failed: %v", loanID, err)
		// No funds moved; hand the claim back so the loan can be retried.
		if _, revertErr := ls.db.ExecContext(r.Context(), `
			UPDATE loans
			SET status = $1, disbursed_at = NULL, next_payment_date = NULL
			WHERE id = $2 AND status = $3`,
			models.LoanStatusApproved, loanID, models.LoanStatusActive); revertErr != nil {
			ls.audit.LogCritical(auth.UserID, "loan_claim_revert_failed", audit.CategoryLoan, map[string]any{
				"loan_id": loanID,
			}, revertErr)
		}
		SendServiceError(w, err)
		return
	}

	loan.Status = models.LoanStatusActive
	loan.DisbursedAt = &now
	loan.NextPaymentDate = &firstPayment

	ls.audit.LogSuccess(auth.UserID, "loan_disbursed", audit.CategoryLoan, map[string]any{
		"loan_id":        loan.ID,
		"client_id":      loan.ClientID,
		"amount":         loan.Amount,
		"transaction_id": result.TransactionID,
	})

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success":       true,
		"transactionId": result.TransactionID,
		"loan":          loan,
	})
}

type loanRepaymentRequest struct {
	Amount int64 `json:"amount" validate:"required,gt=0"`
}

// Repay debits a repayment from the client account
// @Summary Repay a loan installment
// @Tags loans
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param loanId path string true "Loan ID"
// @Param repayment body loanRepaymentRequest true "Repayment amount"
// @Success 200 {object} object{success=bool,transactionId=string,loan=models.Loan}
// @Failure 409 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Router /loans/{loanId}/repay [post]
func (ls *LoanService) Repay(w http.ResponseWriter, r *http.Request) {
	auth, ok := middleware.FromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	loanID := chi.URLParam(r, "loanId")

	var req loanRepaymentRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := ls.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	loan, err := ls.fetchLoan(r.Context(), loanID)
	if err != nil {
		SendServiceError(w, err)
		return
	}
	if auth.Role == models.RoleClient && loan.ClientID != auth.UserID {
		SendErrorResponse(w, "Cannot repay another client's loan", http.StatusForbidden, nil)
		return
	}
	if loan.Status != models.LoanStatusActive {
		SendErrorResponse(w, fmt.Sprintf("Loan is %s, not active", loan.Status), http.StatusConflict, nil)
		return
	}
	if req.Amount > loan.RemainingAmount {
		SendErrorResponse(w, "Repayment exceeds remaining amount", http.StatusBadRequest, nil)
		return
	}

	result, err := ls.repayment.Process(r.Context(), MutationRequest{
		UserID:        loan.ClientID,
		SfdID:         loan.SfdID,
		Amount:        req.Amount,
		Description:   "Loan repayment",
		ReferenceID:   loan.ID,
		PaymentMethod: "loan",
	})
	if err != nil {
		log.Printf("[LOAN] Repayment on loan %s failed: %v", loanID, err)
		SendServiceError(w, err)
		return
	}

	now := time.Now()
	remaining := loan.RemainingAmount - req.Amount
	newStatus := models.LoanStatusActive
	var nextPayment *time.Time
	if remaining <= 0 {
		remaining = 0
		newStatus = models.LoanStatusCompleted
	} else if loan.NextPaymentDate != nil {
		next := loan.NextPaymentDate.AddDate(0, 1, 0)
		nextPayment = &next
	}

	_, err = ls.db.ExecContext(r.Context(), `
		UPDATE loans
		SET remaining_amount = $1, status = $2, next_payment_date = $3, last_payment_date = $4
		WHERE id = $5`,
		remaining, newStatus, nextPayment, now, loanID)
	if err != nil {
		ls.audit.LogCritical(auth.UserID, "loan_repayment_record_failed", audit.CategoryLoan, map[string]any{
			"loan_id":        loanID,
			"transaction_id": result.TransactionID,
		}, err)
		SendErrorResponse(w, "Repaid but failed to update loan", http.StatusInternalServerError, nil)
		return
	}

	loan.RemainingAmount = remaining
	loan.Status = newStatus
	loan.NextPaymentDate = nextPayment
	loan.LastPaymentDate = &now

	ls.audit.LogSuccess(auth.UserID, "loan_repaid", audit.CategoryLoan, map[string]any{
		"loan_id":        loan.ID,
		"amount":         req.Amount,
		"remaining":      remaining,
		"transaction_id": result.TransactionID,
	})

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success":       true,
		"transactionId": result.TransactionID,
		"loan":          loan,
	})
}

// GetLoan returns one loan with its derived overdue flag
// @Summary Get loan by ID
// @Tags loans
// @Produce json
// @Security BearerAuth
// @Param loanId path string true "Loan ID"
// @Success 200 {object} object{loan=models.Loan,overdue=bool}
// @Failure 404 {object} ErrorResponse
// @Router /loans/{loanId} [get]
func (ls *LoanService) GetLoan(w http.ResponseWriter, r *http.Request) {
	auth, ok := middleware.FromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	loanID := chi.URLParam(r, "loanId")

	loan, err := ls.fetchLoan(r.Context(), loanID)
	if err != nil {
		SendServiceError(w, err)
		return
	}
	if auth.Role == models.RoleClient && loan.ClientID != auth.UserID {
		SendErrorResponse(w, "Forbidden", http.StatusForbidden, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"loan":    loan,
		"overdue": loan.Overdue(time.Now()),
	})
}

// ListLoans returns loans scoped to the caller
// @Summary List loans
// @Tags loans
// @Produce json
// @Security BearerAuth
// @Param status query string false "Filter by status"
// @Success 200 {object} object{loans=[]models.Loan,count=int}
// @Router /loans [get]
func (ls *LoanService) ListLoans(w http.ResponseWriter, r *http.Request) {
	auth, ok := middleware.FromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	query := `
		SELECT id, client_id, sfd_id, amount, interest_rate, duration_months, monthly_payment,
		       remaining_amount, purpose, status, next_payment_date, last_payment_date,
		       COALESCE(approved_by, ''), disbursed_at, created_at
		FROM loans`
	var conditions []string
	var args []any
	argIndex := 1

	switch auth.Role {
	case models.RoleClient:
		conditions = append(conditions, fmt.Sprintf("client_id = $%d", argIndex))
		args = append(args, auth.UserID)
		argIndex++
	case models.RoleSfdAdmin:
		conditions = append(conditions, fmt.Sprintf("sfd_id = $%d", argIndex))
		args = append(args, auth.SfdID)
		argIndex++
	}
	if status := r.URL.Query().Get("status"); status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIndex))
		args = append(args, status)
		argIndex++
	}
	for i, c := range conditions {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += " ORDER BY created_at DESC"

	rows, err := ls.db.QueryContext(r.Context(), query, args...)
	if err != nil {
		log.Printf("[LOAN] List failed: %v", err)
		SendErrorResponse(w, "Failed to fetch loans", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	loans := []models.Loan{}
	for rows.Next() {
		var l models.Loan
		if err := rows.Scan(&l.ID, &l.ClientID, &l.SfdID, &l.Amount, &l.InterestRate,
			&l.DurationMonths, &l.MonthlyPayment, &l.RemainingAmount, &l.Purpose,
			&l.Status, &l.NextPaymentDate, &l.LastPaymentDate, &l.ApprovedBy,
			&l.DisbursedAt, &l.CreatedAt); err != nil {
			SendErrorResponse(w, "Failed to fetch loans", http.StatusInternalServerError, nil)
			return
		}
		loans = append(loans, l)
	}
	if err := rows.Err(); err != nil {
		SendErrorResponse(w, "Failed to fetch loans", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"loans": loans, "count": len(loans)})
}

func (ls *LoanService) fetchLoan(ctx context.Context, loanID string) (*models.Loan, error) {
	var l models.Loan
	err := ls.db.QueryRowContext(ctx, `
		SELECT id, client_id, sfd_id, amount, interest_rate, duration_months, monthly_payment,
		       remaining_amount, purpose, status, next_payment_date, last_payment_date,
		       COALESCE(approved_by, ''), disbursed_at, created_at
		FROM loans
		WHERE id = $1`, loanID).Scan(
		&l.ID, &l.ClientID, &l.SfdID, &l.Amount, &l.InterestRate, &l.DurationMonths,
		&l.MonthlyPayment, &l.RemainingAmount, &l.Purpose, &l.Status, &l.NextPaymentDate,
		&l.LastPaymentDate, &l.ApprovedBy, &l.DisbursedAt, &l.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return &l, nil
}
