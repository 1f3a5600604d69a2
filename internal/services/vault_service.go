package services

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/meref/backend/internal/audit"
	"github.com/meref/backend/internal/middleware"
	"github.com/meref/backend/internal/models"
)

// VaultService manages goal-savings vaults. Withdrawal rules:
// a locked vault refuses withdrawals until its deadline passes, a closed
// vault refuses them unconditionally. The debit and the destination credit
// run inside a single database transaction in the mutator, so there is
// nothing to compensate on failure.
type VaultService struct {
	db        *sql.DB
	mutator   *BalanceMutator
	audit     *audit.Logger
	validator *ValidationHelper
}

func NewVaultService(db *sql.DB, mutator *BalanceMutator, auditLogger *audit.Logger) *VaultService {
	return &VaultService{
		db:        db,
		mutator:   mutator,
		audit:     auditLogger,
		validator: NewValidationHelper(),
	}
}

func vaultWithdrawalGuard(now time.Time) func(*models.Vault) error {
	return func(v *models.Vault) error {
		switch v.Status {
		case models.VaultStatusClosed:
			return ErrVaultClosed
		case models.VaultStatusLocked:
			if v.Deadline != nil && now.Before(*v.Deadline) {
				return ErrVaultLocked
			}
		}
		return nil
	}
}

type vaultWithdrawRequest struct {
	VaultID              string `json:"vault_id" validate:"required"`
	Amount               int64  `json:"amount" validate:"required,gt=0"`
	DestinationAccountID string `json:"destination_account_id" validate:"required"`
	Description          string `json:"description" validate:"max=200"`
}

// Withdraw moves funds out of a vault
// @Summary Withdraw from a savings vault
// @Description Debit the vault and credit a destination account atomically
// @Tags vaults
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param withdrawal body vaultWithdrawRequest true "Withdrawal data"
// @Success 200 {object} object{success=bool,withdrawal=object,vault=models.Vault,message=string}
// @Failure 400 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Router /vaults/withdraw [post]
func (vs *VaultService) Withdraw(w http.ResponseWriter, r *http.Request) {
	auth, ok := middleware.FromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req vaultWithdrawRequest

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

	if err := vs.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	owner, err := vs.vaultOwner(r, req.VaultID)
	if err != nil {
		SendServiceError(w, err)
		return
	}
	if auth.Role == models.RoleClient && owner != auth.UserID {
		SendErrorResponse(w, "Cannot withdraw from another user's vault", http.StatusForbidden, nil)
		return
	}

	description := req.Description
	if description == "" {
		description = "Vault withdrawal"
	}

	result, vault, err := vs.mutator.VaultWithdrawal(r.Context(), VaultWithdrawalRequest{
		VaultID:              req.VaultID,
		DestinationAccountID: req.DestinationAccountID,
		Amount:               req.Amount,
		Description:          description,
		Guard:                vaultWithdrawalGuard(time.Now()),
	})
	if err != nil {
		log.Printf("[VAULT] Withdrawal from vault %s failed: %v", req.VaultID, err)
		SendServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"withdrawal": map[string]any{
			"transactionId":   result.TransactionID,
			"amount":          req.Amount,
			"accountId":       result.AccountID,
			"newBalance":      result.NewBalance,
			"transactionDate": result.TransactionDate.Format(time.RFC3339),
		},
		"vault":   vault,
		"message": fmt.Sprintf("Withdrew %d XOF from vault %s", req.Amount, vault.Name),
	})
}

type createVaultRequest struct {
	AccountID string     `json:"account_id" validate:"required"`
	Name      string     `json:"name" validate:"required,min=2,max=60"`
	Locked    bool       `json:"locked"`
	Deadline  *time.Time `json:"deadline"`
}

// CreateVault opens a new savings vault on a client account
// @Summary Create a savings vault
// @Tags vaults
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param vault body createVaultRequest true "Vault data"
// @Success 201 {object} object{success=bool,vault=models.Vault}
// @Failure 400 {object} ErrorResponse
// @Router /vaults [post]
func (vs *VaultService) CreateVault(w http.ResponseWriter, r *http.Request) {
	auth, ok := middleware.FromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req createVaultRequest

	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := vs.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}
	if req.Locked && req.Deadline == nil {
		SendErrorResponse(w, "A locked vault requires a deadline", http.StatusBadRequest, nil)
		return
	}
	if req.Deadline != nil && req.Deadline.Before(time.Now()) {
		SendErrorResponse(w, "Deadline must be in the future", http.StatusBadRequest, nil)
		return
	}

	var ownerID string
	err := vs.db.QueryRowContext(r.Context(),
		`SELECT user_id FROM accounts WHERE id = $1`, req.AccountID).Scan(&ownerID)
	if err == sql.ErrNoRows {
		SendErrorResponse(w, "Account not found", http.StatusNotFound, nil)
		return
	}
	if err != nil {
		log.Printf("[VAULT] Account lookup failed: %v", err)
		SendErrorResponse(w, "Failed to create vault", http.StatusInternalServerError, nil)
		return
	}
	if auth.Role == models.RoleClient && ownerID != auth.UserID {
		SendErrorResponse(w, "Cannot open a vault on another user's account", http.StatusForbidden, nil)
		return
	}

	status := models.VaultStatusActive
	if req.Locked {
		status = models.VaultStatusLocked
	}

	now := time.Now()
	vault := models.Vault{
		ID:        uuid.New().String(),
		AccountID: req.AccountID,
		UserID:    ownerID,
		Name:      req.Name,
		Balance:   0,
		Status:    status,
		Deadline:  req.Deadline,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err = vs.db.ExecContext(r.Context(), `
		INSERT INTO vaults (id, account_id, user_id, name, balance, status, deadline, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		vault.ID, vault.AccountID, vault.UserID, vault.Name, vault.Balance,
		vault.Status, vault.Deadline, vault.Version, vault.CreatedAt, vault.UpdatedAt)
	if err != nil {
		log.Printf("[VAULT] Insert failed: %v", err)
		SendErrorResponse(w, "Failed to create vault", http.StatusInternalServerError, nil)
		return
	}

	vs.audit.LogSuccess(ownerID, "vault_created", audit.CategoryVault, map[string]any{
		"vault_id":   vault.ID,
		"account_id": vault.AccountID,
		"status":     vault.Status,
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"vault":   vault,
	})
}

// ListVaults returns the caller's vaults
// @Summary List savings vaults
// @Tags vaults
// @Produce json
// @Security BearerAuth
// @Success 200 {object} object{vaults=[]models.Vault,count=int}
// @Router /vaults [get]
func (vs *VaultService) ListVaults(w http.ResponseWriter, r *http.Request) {
	auth, ok := middleware.FromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	userID := auth.UserID
	if auth.Role == models.RoleAdmin || auth.Role == models.RoleSfdAdmin {
		if explicit := r.URL.Query().Get("userId"); explicit != "" {
			userID = explicit
		}
	}

	rows, err := vs.db.QueryContext(r.Context(), `
		SELECT id, account_id, user_id, name, balance, status, deadline, version, created_at, updated_at
		FROM vaults
		WHERE user_id = $1
		ORDER BY created_at DESC`, userID)
	if err != nil {
		log.Printf("[VAULT] List failed for user %s: %v", userID, err)
		SendErrorResponse(w, "Failed to fetch vaults", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	vaults := []models.Vault{}
	for rows.Next() {
		var v models.Vault
		if err := rows.Scan(&v.ID, &v.AccountID, &v.UserID, &v.Name, &v.Balance,
			&v.Status, &v.Deadline, &v.Version, &v.CreatedAt, &v.UpdatedAt); err != nil {
			SendErrorResponse(w, "Failed to fetch vaults", http.StatusInternalServerError, nil)
			return
		}
		vaults = append(vaults, v)
	}
	if err := rows.Err(); err != nil {
		SendErrorResponse(w, "Failed to fetch vaults", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"vaults": vaults,
		"count":  len(vaults),
	})
}

func (vs *VaultService) vaultOwner(r *http.Request, vaultID string) (string, error) {
	var owner string
	err := vs.db.QueryRowContext(r.Context(),
		`SELECT user_id FROM vaults WHERE id = $1`, vaultID).Scan(&owner)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return owner, nil
}
