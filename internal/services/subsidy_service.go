package services

import (
	"database/sql"
	"encoding/json"
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

// SubsidyService manages SFD requests for MEREF funds. Approval only marks
// the request; the money moves when the daily sync picks it up, and
// credited_at is owned exclusively by the sync.
type SubsidyService struct {
	db        *sql.DB
	audit     *audit.Logger
	validator *ValidationHelper
}

func NewSubsidyService(db *sql.DB, auditLogger *audit.Logger) *SubsidyService {
	return &SubsidyService{
		db:        db,
		audit:     auditLogger,
		validator: NewValidationHelper(),
	}
}

type subsidyCreateRequest struct {
	SfdID         string `json:"sfd_id" validate:"required"`
	Amount        int64  `json:"amount" validate:"required,gt=0"`
	Purpose       string `json:"purpose" validate:"required,max=200"`
	Justification string `json:"justification" validate:"required,max=1000"`
	Priority      string `json:"priority" validate:"required,oneof=low normal high urgent"`
}

// Create files a subsidy fund request
// @Summary Request subsidy funds
// @Tags subsidies
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body subsidyCreateRequest true "Subsidy request"
// @Success 201 {object} object{success=bool,request=models.SubsidyRequest}
// @Failure 400 {object} ErrorResponse
// @Router /subsidies [post]
func (sub *SubsidyService) Create(w http.ResponseWriter, r *http.Request) {
	auth, ok := middleware.FromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req subsidyCreateRequest

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
	if err := sub.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}
	if auth.Role == models.RoleSfdAdmin && req.SfdID != auth.SfdID {
		SendErrorResponse(w, "SFD scope mismatch", http.StatusForbidden, nil)
		return
	}

	request := models.SubsidyRequest{
		ID:            uuid.New().String(),
		SfdID:         req.SfdID,
		Amount:        req.Amount,
		Purpose:       req.Purpose,
		Justification: req.Justification,
		Priority:      req.Priority,
		Status:        models.SubsidyStatusPending,
		RequestedBy:   auth.UserID,
		CreatedAt:     time.Now(),
	}

	_, err := sub.db.ExecContext(r.Context(), `
		INSERT INTO subsidy_requests (id, sfd_id, amount, purpose, justification, priority, status, requested_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		request.ID, request.SfdID, request.Amount, request.Purpose, request.Justification,
		request.Priority, request.Status, request.RequestedBy, request.CreatedAt)
	if err != nil {
		log.Printf("[SUBSIDY] Insert failed: %v", err)
		SendErrorResponse(w, "Failed to create request", http.StatusInternalServerError, nil)
		return
	}

	sub.audit.LogSuccess(auth.UserID, "subsidy_requested", audit.CategorySubsidy, map[string]any{
		"request_id": request.ID,
		"sfd_id":     request.SfdID,
		"amount":     request.Amount,
		"priority":   request.Priority,
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{"success": true, "request": request})
}

// Review approves or rejects a pending subsidy request
// @Summary Review a subsidy request
// @Tags subsidies
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param requestId path string true "Request ID"
// @Param decision body object{decision=string} true "approve or reject"
// @Success 200 {object} object{success=bool,status=string}
// @Failure 409 {object} ErrorResponse
// @Router /subsidies/{requestId}/review [post]
func (sub *SubsidyService) Review(w http.ResponseWriter, r *http.Request) {
	auth, ok := middleware.FromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	requestID := chi.URLParam(r, "requestId")

	var req struct {
		Decision string `json:"decision" validate:"required,oneof=approve reject"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := sub.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	newStatus := models.SubsidyStatusApproved
	if req.Decision == "reject" {
		newStatus = models.SubsidyStatusRejected
	}

	result, err := sub.db.ExecContext(r.Context(), `
		UPDATE subsidy_requests
		SET status = $1, reviewed_by = $2, reviewed_at = NOW()
		WHERE id = $3 AND status = $4`,
		newStatus, auth.UserID, requestID, models.SubsidyStatusPending)
	if err != nil {
		log.Printf("[SUBSIDY] Review update failed for request %s: %v", requestID, err)
		SendErrorResponse(w, "Failed to review request", http.StatusInternalServerError, nil)
		return
	}
	if rowsAffected, _ := result.RowsAffected(); rowsAffected == 0 {
		SendErrorResponse(w, "Request not found or not pending", http.StatusConflict, nil)
		return
	}

	sub.audit.LogSuccess(auth.UserID, "subsidy_"+req.Decision+"d", audit.CategorySubsidy, map[string]any{
		"request_id": requestID,
	})

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"success": true, "status": newStatus})
}

// List returns subsidy requests scoped to the caller
// @Summary List subsidy requests
// @Tags subsidies
// @Produce json
// @Security BearerAuth
// @Param status query string false "Filter by status"
// @Success 200 {object} object{requests=[]models.SubsidyRequest,count=int}
// @Router /subsidies [get]
func (sub *SubsidyService) List(w http.ResponseWriter, r *http.Request) {
	auth, ok := middleware.FromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	query := `
		SELECT id, sfd_id, amount, purpose, justification, priority, status, requested_by, reviewed_by, reviewed_at, credited_at, created_at
		FROM subsidy_requests`
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

	rows, err := sub.db.QueryContext(r.Context(), query, args...)
	if err != nil {
		log.Printf("[SUBSIDY] List failed: %v", err)
		SendErrorResponse(w, "Failed to fetch requests", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	requests := []models.SubsidyRequest{}
	for rows.Next() {
		var s models.SubsidyRequest
		if err := rows.Scan(&s.ID, &s.SfdID, &s.Amount, &s.Purpose, &s.Justification,
			&s.Priority, &s.Status, &s.RequestedBy, &s.ReviewedBy, &s.ReviewedAt,
			&s.CreditedAt, &s.CreatedAt); err != nil {
			SendErrorResponse(w, "Failed to fetch requests", http.StatusInternalServerError, nil)
			return
		}
		requests = append(requests, s)
	}
	if err := rows.Err(); err != nil {
		SendErrorResponse(w, "Failed to fetch requests", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"requests": requests, "count": len(requests)})
}
