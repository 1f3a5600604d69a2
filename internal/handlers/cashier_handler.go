package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/meref/backend/internal/middleware"
	"github.com/meref/backend/internal/models"
	"github.com/meref/backend/internal/services"
)

type CashierHandler struct {
	service   *services.CashierService
	validator *services.ValidationHelper
}

func NewCashierHandler(service *services.CashierService) *CashierHandler {
	return &CashierHandler{
		service:   service,
		validator: services.NewValidationHelper(),
	}
}

// IssueQR generates a signed payment QR code
// @Summary Issue payment QR
// @Description Issue a signed QR code for a cash station transaction
// @Tags cashier
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{sfdId=string,stationId=string} true "QR issuance request"
// @Success 200 {object} services.IssuedQR
// @Failure 400 {object} services.ErrorResponse
// @Failure 401 {object} services.ErrorResponse
// @Router /cashier/qr [post]
func (h *CashierHandler) IssueQR(w http.ResponseWriter, r *http.Request) {
	auth, ok := middleware.FromContext(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req struct {
		SfdID     string `json:"sfdId" validate:"required"`
		StationID string `json:"stationId" validate:"required"`
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	issued, err := h.service.IssueQR(r.Context(), auth.UserID, req.SfdID, req.StationID)
	if err != nil {
		services.SendServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"qr":      issued,
	})
}

// ProcessScan processes a scanned QR at a cash station
// @Summary Process cashier transaction
// @Description Validate a scanned QR and run the deposit or withdrawal
// @Tags cashier
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{qr_code_data=string,amount=int64,transaction_type=string} true "Scan request"
// @Success 200 {object} object{success=bool,transaction=services.ScanResult}
// @Failure 400 {object} services.ErrorResponse
// @Router /cashier/transactions [post]
func (h *CashierHandler) ProcessScan(w http.ResponseWriter, r *http.Request) {
	auth, ok := middleware.FromContext(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req struct {
		QRCodeData      string `json:"qr_code_data" validate:"required"`
		Amount          int64  `json:"amount" validate:"required,gt=0"`
		TransactionType string `json:"transaction_type" validate:"required,oneof=deposit withdrawal"`
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	result, err := h.service.ProcessScan(r.Context(), auth.UserID, req.QRCodeData, req.Amount, models.TransactionType(req.TransactionType))
	if err != nil {
		services.SendServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success":     true,
		"transaction": result,
	})
}
