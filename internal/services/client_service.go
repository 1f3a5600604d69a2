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
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/meref/backend/internal/audit"
	"github.com/meref/backend/internal/middleware"
	"github.com/meref/backend/internal/models"
)

// ClientService handles adhesion: a user requests membership at one SFD,
// an SFD admin validates or rejects it, and validation is the only path
// that creates the (user, SFD) account. The adhesion flip and the account
// insert share one database transaction.
type ClientService struct {
	db        *sql.DB
	audit     *audit.Logger
	validator *ValidationHelper
}

func NewClientService(db *sql.DB, auditLogger *audit.Logger) *ClientService {
	return &ClientService{
		db:        db,
		audit:     auditLogger,
		validator: NewValidationHelper(),
	}
}

type adhesionRequest struct {
	UserID      string `json:"user_id" validate:"required"`
	SfdID       string `json:"sfd_id" validate:"required"`
	FullName    string `json:"full_name" validate:"required,min=2,max=120"`
	Email       string `json:"email" validate:"required,email"`
	PhoneNumber string `json:"phone_number" validate:"required,e164"`
	Address     string `json:"address" validate:"max=200"`
	IDNumber    string `json:"id_number" validate:"required,max=40"`
	KycLevel    int    `json:"kyc_level" validate:"min=0,max=2"`
}

// CreateAdhesion files a membership request with an SFD
// @Summary Request SFD membership
// @Tags clients
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param adhesion body adhesionRequest true "Adhesion data"
// @Success 201 {object} object{success=bool,client=models.Client}
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /clients [post]
func (cs *ClientService) CreateAdhesion(w http.ResponseWriter, r *http.Request) {
	auth, ok := middleware.FromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req adhesionRequest

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
	if err := cs.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}
	if auth.Role == models.RoleClient && req.UserID != auth.UserID {
		SendErrorResponse(w, "Cannot request adhesion for another user", http.StatusForbidden, nil)
		return
	}

	// One live adhesion per (user, SFD).
	var existing string
	err := cs.db.QueryRowContext(r.Context(), `
		SELECT id FROM clients
		WHERE user_id = $1 AND sfd_id = $2 AND status IN ($3, $4)`,
		req.UserID, req.SfdID, models.ClientStatusPending, models.ClientStatusValidated).Scan(&existing)
	if err == nil {
		SendErrorResponse(w, "An adhesion already exists for this SFD", http.StatusConflict, nil)
		return
	}
	if !errors.Is(err, sql.ErrNoRows) {
		log.Printf("[ADHESION] Duplicate check failed: %v", err)
		SendErrorResponse(w, "Failed to create adhesion", http.StatusInternalServerError, nil)
		return
	}

	client := models.Client{
		ID:          uuid.New().String(),
		UserID:      req.UserID,
		SfdID:       req.SfdID,
		FullName:    req.FullName,
		Email:       req.Email,
		PhoneNumber: req.PhoneNumber,
		Address:     req.Address,
		IDNumber:    req.IDNumber,
		KycLevel:    req.KycLevel,
		Status:      models.ClientStatusPending,
		CreatedAt:   time.Now(),
	}

	_, err = cs.db.ExecContext(r.Context(), `
		INSERT INTO clients (id, user_id, sfd_id, full_name, email, phone_number, address, id_number, kyc_level, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		client.ID, client.UserID, client.SfdID, client.FullName, client.Email,
		client.PhoneNumber, client.Address, client.IDNumber, client.KycLevel,
		client.Status, client.CreatedAt)
	if err != nil {
		log.Printf("[ADHESION] Insert failed: %v", err)
		SendErrorResponse(w, "Failed to create adhesion", http.StatusInternalServerError, nil)
		return
	}

	cs.audit.LogSuccess(auth.UserID, "adhesion_created", audit.CategoryAdhesion, map[string]any{
		"client_id": client.ID,
		"sfd_id":    client.SfdID,
		"kyc_level": client.KycLevel,
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{"success": true, "client": client})
}

// Validate approves a pending adhesion and opens the member account
// @Summary Validate an adhesion
// @Description Approve the membership and create the client's SFD account with zero balance
// @Tags clients
// @Produce json
// @Security BearerAuth
// @Param clientId path string true "Client ID"
// @Success 200 {object} object{success=bool,client=models.Client,accountId=string}
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /clients/{clientId}/validate [post]
func (cs *ClientService) Validate(w http.ResponseWriter, r *http.Request) {
	auth, ok := middleware.FromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	clientID := chi.URLParam(r, "clientId")

	client, err := cs.fetchClient(r.Context(), clientID)
	if err != nil {
		SendServiceError(w, err)
		return
	}
	if auth.Role == models.RoleSfdAdmin && client.SfdID != auth.SfdID {
		SendErrorResponse(w, "SFD scope mismatch", http.StatusForbidden, nil)
		return
	}
	if client.Status != models.ClientStatusPending {
		SendErrorResponse(w, fmt.Sprintf("Adhesion is %s, not pending", client.Status), http.StatusConflict, nil)
		return
	}

	tx, err := cs.db.BeginTx(r.Context(), nil)
	if err != nil {
		SendErrorResponse(w, "Failed to validate adhesion", http.StatusInternalServerError, nil)
		return
	}
	defer tx.Rollback()

	now := time.Now()
	result, err := tx.ExecContext(r.Context(), `
		UPDATE clients
		SET status = $1, validated_by = $2, validated_at = $3
		WHERE id = $4 AND status = $5`,
		models.ClientStatusValidated, auth.UserID, now, clientID, models.ClientStatusPending)
	if err != nil {
		log.Printf("[ADHESION] Validate update failed: %v", err)
		SendErrorResponse(w, "Failed to validate adhesion", http.StatusInternalServerError, nil)
		return
	}
	if rowsAffected, _ := result.RowsAffected(); rowsAffected == 0 {
		SendErrorResponse(w, "Adhesion not found or not pending", http.StatusConflict, nil)
		return
	}

	accountID := uuid.New().String()
	_, err = tx.ExecContext(r.Context(), `
		INSERT INTO accounts (id, user_id, sfd_id, balance, version, created_at, updated_at)
		VALUES ($1, $2, $3, 0, 1, $4, $5)`,
		accountID, client.UserID, client.SfdID, now, now)
	if err != nil {
		log.Printf("[ADHESION] Account insert failed: %v", err)
		SendErrorResponse(w, "Failed to validate adhesion", http.StatusInternalServerError, nil)
		return
	}

	if err := tx.Commit(); err != nil {
		SendErrorResponse(w, "Failed to validate adhesion", http.StatusInternalServerError, nil)
		return
	}

	client.Status = models.ClientStatusValidated
	client.ValidatedBy = auth.UserID
	client.ValidatedAt = &now

	cs.audit.LogSuccess(auth.UserID, "adhesion_validated", audit.CategoryAdhesion, map[string]any{
		"client_id":  client.ID,
		"user_id":    client.UserID,
		"sfd_id":     client.SfdID,
		"account_id": accountID,
	})

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success":   true,
		"client":    client,
		"accountId": accountID,
	})
}

// Reject declines a pending adhesion
// @Summary Reject an adhesion
// @Tags clients
// @Produce json
// @Security BearerAuth
// @Param clientId path string true "Client ID"
// @Success 200 {object} object{success=bool,status=string}
// @Failure 409 {object} ErrorResponse
// @Router /clients/{clientId}/reject [post]
func (cs *ClientService) Reject(w http.ResponseWriter, r *http.Request) {
	cs.flipStatus(w, r, models.ClientStatusPending, models.ClientStatusRejected, "adhesion_rejected")
}

// Suspend suspends a validated client
// @Summary Suspend a client
// @Tags clients
// @Produce json
// @Security BearerAuth
// @Param clientId path string true "Client ID"
// @Success 200 {object} object{success=bool,status=string}
// @Failure 409 {object} ErrorResponse
// @Router /clients/{clientId}/suspend [post]
func (cs *ClientService) Suspend(w http.ResponseWriter, r *http.Request) {
	cs.flipStatus(w, r, models.ClientStatusValidated, models.ClientStatusSuspended, "client_suspended")
}

// Reactivate restores a suspended client
// @Summary Reactivate a suspended client
// @Tags clients
// @Produce json
// @Security BearerAuth
// @Param clientId path string true "Client ID"
// @Success 200 {object} object{success=bool,status=string}
// @Failure 409 {object} ErrorResponse
// @Router /clients/{clientId}/reactivate [post]
func (cs *ClientService) Reactivate(w http.ResponseWriter, r *http.Request) {
	cs.flipStatus(w, r, models.ClientStatusSuspended, models.ClientStatusValidated, "client_reactivated")
}

func (cs *ClientService) flipStatus(w http.ResponseWriter, r *http.Request, from, to, action string) {
	auth, ok := middleware.FromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	clientID := chi.URLParam(r, "clientId")

	query := `UPDATE clients SET status = $1 WHERE id = $2 AND status = $3`
	args := []any{to, clientID, from}
	if auth.Role == models.RoleSfdAdmin {
		query += ` AND sfd_id = $4`
		args = append(args, auth.SfdID)
	}

	result, err := cs.db.ExecContext(r.Context(), query, args...)
	if err != nil {
		log.Printf("[ADHESION] %s failed for client %s: %v", action, clientID, err)
		SendErrorResponse(w, "Failed to update client", http.StatusInternalServerError, nil)
		return
	}
	if rowsAffected, _ := result.RowsAffected(); rowsAffected == 0 {
		SendErrorResponse(w, fmt.Sprintf("Client not found or not %s", from), http.StatusConflict, nil)
		return
	}

	cs.audit.LogSuccess(auth.UserID, action, audit.CategoryAdhesion, map[string]any{
		"client_id": clientID,
	})

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"success": true, "status": to})
}

// GetClient returns one adhesion record
// @Summary Get client by ID
// @Tags clients
// @Produce json
// @Security BearerAuth
// @Param clientId path string true "Client ID"
// @Success 200 {object} models.Client
// @Failure 404 {object} ErrorResponse
// @Router /clients/{clientId} [get]
func (cs *ClientService) GetClient(w http.ResponseWriter, r *http.Request) {
	auth, ok := middleware.FromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	clientID := chi.URLParam(r, "clientId")

	client, err := cs.fetchClient(r.Context(), clientID)
	if err != nil {
		SendServiceError(w, err)
		return
	}
	if auth.Role == models.RoleClient && client.UserID != auth.UserID {
		SendErrorResponse(w, "Forbidden", http.StatusForbidden, nil)
		return
	}
	if auth.Role == models.RoleSfdAdmin && client.SfdID != auth.SfdID {
		SendErrorResponse(w, "Forbidden", http.StatusForbidden, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(client)
}

// ListClients returns adhesions scoped to the caller's SFD
// @Summary List clients
// @Tags clients
// @Produce json
// @Security BearerAuth
// @Param status query string false "Filter by status"
// @Success 200 {object} object{clients=[]models.Client,count=int}
// @Router /clients [get]
func (cs *ClientService) ListClients(w http.ResponseWriter, r *http.Request) {
	auth, ok := middleware.FromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	query := `
		SELECT id, user_id, sfd_id, full_name, email, phone_number, address, id_number, kyc_level, status, COALESCE(validated_by, ''), validated_at, created_at
		FROM clients`
	var args []any
	argIndex := 1
	where := ""

	if auth.Role == models.RoleSfdAdmin {
		where = fmt.Sprintf(" WHERE sfd_id = $%d", argIndex)
		args = append(args, auth.SfdID)
		argIndex++
	}
	if status := r.URL.Query().Get("status"); status != "" {
		if where == "" {
			where = fmt.Sprintf(" WHERE status = $%d", argIndex)
		} else {
			where += fmt.Sprintf(" AND status = $%d", argIndex)
		}
		args = append(args, status)
		argIndex++
	}
	query += where + " ORDER BY created_at DESC"

	rows, err := cs.db.QueryContext(r.Context(), query, args...)
	if err != nil {
		log.Printf("[ADHESION] List failed: %v", err)
		SendErrorResponse(w, "Failed to fetch clients", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	clients := []models.Client{}
	for rows.Next() {
		var c models.Client
		if err := rows.Scan(&c.ID, &c.UserID, &c.SfdID, &c.FullName, &c.Email,
			&c.PhoneNumber, &c.Address, &c.IDNumber, &c.KycLevel, &c.Status,
			&c.ValidatedBy, &c.ValidatedAt, &c.CreatedAt); err != nil {
			SendErrorResponse(w, "Failed to fetch clients", http.StatusInternalServerError, nil)
			return
		}
		clients = append(clients, c)
	}
	if err := rows.Err(); err != nil {
		SendErrorResponse(w, "Failed to fetch clients", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"clients": clients, "count": len(clients)})
}

func (cs *ClientService) fetchClient(ctx context.Context, clientID string) (*models.Client, error) {
	var c models.Client
	err := cs.db.QueryRowContext(ctx, `
		SELECT id, user_id, sfd_id, full_name, email, phone_number, address, id_number, kyc_level, status, COALESCE(validated_by, ''), validated_at, created_at
		FROM clients
		WHERE id = $1`, clientID).Scan(
		&c.ID, &c.UserID, &c.SfdID, &c.FullName, &c.Email, &c.PhoneNumber,
		&c.Address, &c.IDNumber, &c.KycLevel, &c.Status, &c.ValidatedBy,
		&c.ValidatedAt, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return &c, nil
}
