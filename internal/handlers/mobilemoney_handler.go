package handlers

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/meref/backend/internal/middleware"
	"github.com/meref/backend/internal/services"
)

type MobileMoneyHandler struct {
	service   *services.MobileMoneyService
	validator *services.ValidationHelper
}

func NewMobileMoneyHandler(service *services.MobileMoneyService) *MobileMoneyHandler {
	return &MobileMoneyHandler{
		service:   service,
		validator: services.NewValidationHelper(),
	}
}

// GenerateCode issues a mobile money payment code
// @Summary Generate payment code
// @Description Generate a single-use numeric code for a deposit (push) or withdrawal (pull)
// @Tags mobile-money
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{type=string,sfd_id=string,amount=int64} true "Code request"
// @Success 200 {object} object{success=bool,dialCode=string,expiresIn=int}
// @Failure 400 {object} services.ErrorResponse
// @Failure 429 {object} services.ErrorResponse
// @Router /mobile-money/generate [post]
func (h *MobileMoneyHandler) GenerateCode(w http.ResponseWriter, r *http.Request) {
	auth, ok := middleware.FromContext(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req struct {
		Type   string `json:"type" validate:"required,oneof=push pull"`
		SfdID  string `json:"sfd_id" validate:"required"`
		Amount int64  `json:"amount" validate:"required,gt=0"`
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

	var code string
	var err error
	if req.Type == "push" {
		code, err = h.service.GeneratePushCode(r.Context(), auth.UserID, req.SfdID, req.Amount)
	} else {
		code, err = h.service.GeneratePullCode(r.Context(), auth.UserID, req.SfdID, req.Amount)
	}
	if err != nil {
		log.Printf("[MOMO] GenerateCode failed for user %s: %v", auth.UserID, err)
		services.SendServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success":   true,
		"dialCode":  h.service.FormatDialCode(code),
		"expiresIn": int(h.service.GetCodeTimeout().Seconds()),
	})
}

// RedeemCode validates, consumes and executes a payment code
// @Summary Redeem payment code
// @Description Consume a single-use code and run the matching deposit or withdrawal
// @Tags mobile-money
// @Accept json
// @Produce json
// @Param request body object{code=string,type=string} true "Redemption request"
// @Success 200 {object} object{success=bool,transactionId=string,newBalance=int64}
// @Failure 400 {object} services.ErrorResponse
// @Failure 404 {object} services.ErrorResponse
// @Router /mobile-money/redeem [post]
func (h *MobileMoneyHandler) RedeemCode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code" validate:"required,numeric"`
		Type string `json:"type" validate:"required,oneof=push pull"`
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

	codeType := services.PushPayment
	if req.Type == "pull" {
		codeType = services.PullPayment
	}

	result, err := h.service.Redeem(r.Context(), req.Code, codeType)
	if err != nil {
		log.Printf("[MOMO] RedeemCode failed: %v", err)
		services.SendServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success":       true,
		"transactionId": result.TransactionID,
		"newBalance":    result.NewBalance,
		"date":          result.TransactionDate.Format(time.RFC3339),
	})
}

// ListCodes returns the caller's codes with values masked
// @Summary List my payment codes
// @Tags mobile-money
// @Produce json
// @Security BearerAuth
// @Success 200 {array} services.MobileMoneyCode
// @Router /mobile-money/codes [get]
func (h *MobileMoneyHandler) ListCodes(w http.ResponseWriter, r *http.Request) {
	auth, ok := middleware.FromContext(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	codes, err := h.service.GetUserCodes(r.Context(), auth.UserID)
	if err != nil {
		log.Printf("[MOMO] ListCodes failed for user %s: %v", auth.UserID, err)
		services.SendErrorResponse(w, "Failed to fetch codes", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(codes)
}
