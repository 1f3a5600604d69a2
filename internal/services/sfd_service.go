package services

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/meref/backend/internal/middleware"
	"github.com/meref/backend/internal/models"
)

// Sfd is one partner microfinance institution in the MEREF network.
type Sfd struct {
	ID                   string    `json:"id" db:"id"`
	Name                 string    `json:"name" db:"name"`
	BankCode             string    `json:"bank_code" db:"bank_code"`
	Region               string    `json:"region" db:"region"`
	OperationalUserID    string    `json:"operational_user_id" db:"operational_user_id"`
	OperationalAccountID string    `json:"operational_account_id" db:"operational_account_id"`
	LogoData             string    `json:"logoData,omitempty" db:"-"`
	CreatedAt            time.Time `json:"created_at" db:"created_at"`
}

const (
	logosDir = "./static/sfd-logos"
	demoSVG  = `<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 200 200"><rect width="200" height="200" fill="#f0f0f0"/><path d="M100 60c-22.1 0-40 17.9-40 40s17.9 40 40 40 40-17.9 40-40-17.9-40-40-40zm0 65c-13.8 0-25-11.2-25-25s11.2-25 25-25 25 11.2 25 25-11.2 25-25 25z" fill="#999"/><text x="100" y="170" text-anchor="middle" font-family="Arial" font-size="14" fill="#666">SFD</text></svg>`
)

// SfdService is the partner-institution directory.
type SfdService struct {
	db        *sql.DB
	validator *ValidationHelper
}

func NewSfdService(db *sql.DB) *SfdService {
	return &SfdService{db: db, validator: NewValidationHelper()}
}

// GetAllSfds lists every partner SFD
// @Summary List partner SFDs
// @Tags sfds
// @Produce json
// @Success 200 {array} Sfd
// @Router /sfds [get]
func (bs *SfdService) GetAllSfds(w http.ResponseWriter, r *http.Request) {
	rows, err := bs.db.QueryContext(r.Context(), `
		SELECT id, name, bank_code, region, operational_user_id, operational_account_id, created_at
		FROM sfds
		ORDER BY name ASC`)
	if err != nil {
		log.Printf("[SFD] List failed: %v", err)
		SendErrorResponse(w, "Failed to fetch SFDs", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	sfds := []Sfd{}
	for rows.Next() {
		var s Sfd
		if err := rows.Scan(&s.ID, &s.Name, &s.BankCode, &s.Region,
			&s.OperationalUserID, &s.OperationalAccountID, &s.CreatedAt); err != nil {
			SendErrorResponse(w, "Failed to fetch SFDs", http.StatusInternalServerError, nil)
			return
		}
		s.LogoData = bs.LoadLogo(s.BankCode)
		sfds = append(sfds, s)
	}
	if err := rows.Err(); err != nil {
		SendErrorResponse(w, "Failed to fetch SFDs", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=86400")
	json.NewEncoder(w).Encode(sfds)
}

// GetSfd returns one partner SFD
// @Summary Get SFD by ID
// @Tags sfds
// @Produce json
// @Param sfdId path string true "SFD ID"
// @Success 200 {object} Sfd
// @Failure 404 {object} ErrorResponse
// @Router /sfds/{sfdId} [get]
func (bs *SfdService) GetSfd(w http.ResponseWriter, r *http.Request) {
	sfdID := chi.URLParam(r, "sfdId")

	sfd, err := bs.fetchSfd(r.Context(), sfdID)
	if err != nil {
		SendServiceError(w, err)
		return
	}
	sfd.LogoData = bs.LoadLogo(sfd.BankCode)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sfd)
}

type registerSfdRequest struct {
	Name              string `json:"name" validate:"required,min=2,max=120"`
	BankCode          string `json:"bank_code" validate:"required,min=3,max=11"`
	Region            string `json:"region" validate:"required,max=60"`
	OperationalUserID string `json:"operational_user_id" validate:"required"`
}

// RegisterSfd adds a partner institution to the network
// @Summary Register a partner SFD
// @Description Create the SFD record and its operational account
// @Tags sfds
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param sfd body registerSfdRequest true "SFD data"
// @Success 201 {object} object{success=bool,sfd=Sfd}
// @Failure 400 {object} ErrorResponse
// @Router /sfds [post]
func (bs *SfdService) RegisterSfd(w http.ResponseWriter, r *http.Request) {
	auth, ok := middleware.FromContext(r.Context())
	if !ok || auth.Role != models.RoleAdmin {
		SendErrorResponse(w, "Forbidden", http.StatusForbidden, nil)
		return
	}

	var req registerSfdRequest

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
	if err := bs.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	// The operational account is where the daily sync lands subsidy
	// credits, so it comes into existence with the SFD itself.
	tx, err := bs.db.BeginTx(r.Context(), nil)
	if err != nil {
		SendErrorResponse(w, "Failed to register SFD", http.StatusInternalServerError, nil)
		return
	}
	defer tx.Rollback()

	now := time.Now()
	sfd := Sfd{
		ID:                   uuid.New().String(),
		Name:                 req.Name,
		BankCode:             req.BankCode,
		Region:               req.Region,
		OperationalUserID:    req.OperationalUserID,
		OperationalAccountID: uuid.New().String(),
		CreatedAt:            now,
	}

	_, err = tx.ExecContext(r.Context(), `
		INSERT INTO accounts (id, user_id, sfd_id, balance, version, created_at, updated_at)
		VALUES ($1, $2, $3, 0, 1, $4, $5)`,
		sfd.OperationalAccountID, sfd.OperationalUserID, sfd.ID, now, now)
	if err != nil {
		log.Printf("[SFD] Operational account insert failed: %v", err)
		SendErrorResponse(w, "Failed to register SFD", http.StatusInternalServerError, nil)
		return
	}

	_, err = tx.ExecContext(r.Context(), `
		INSERT INTO sfds (id, name, bank_code, region, operational_user_id, operational_account_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sfd.ID, sfd.Name, sfd.BankCode, sfd.Region, sfd.OperationalUserID,
		sfd.OperationalAccountID, sfd.CreatedAt)
	if err != nil {
		log.Printf("[SFD] Insert failed: %v", err)
		SendErrorResponse(w, "Failed to register SFD", http.StatusInternalServerError, nil)
		return
	}

	if err := tx.Commit(); err != nil {
		SendErrorResponse(w, "Failed to register SFD", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{"success": true, "sfd": sfd})
}

func (bs *SfdService) LoadLogo(code string) string {
	path := filepath.Join(logosDir, code+".svg")
	if data, err := os.ReadFile(path); err == nil {
		return "data:image/svg+xml;base64," + base64.StdEncoding.EncodeToString(data)
	}
	return "data:image/svg+xml;base64," + base64.StdEncoding.EncodeToString([]byte(demoSVG))
}

func (bs *SfdService) fetchSfd(ctx context.Context, sfdID string) (*Sfd, error) {
	var s Sfd
	err := bs.db.QueryRowContext(ctx, `
		SELECT id, name, bank_code, region, operational_user_id, operational_account_id, created_at
		FROM sfds
		WHERE id = $1`, sfdID).Scan(
		&s.ID, &s.Name, &s.BankCode, &s.Region, &s.OperationalUserID,
		&s.OperationalAccountID, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return &s, nil
}
