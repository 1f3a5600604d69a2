package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/meref/backend/internal/audit"
	"github.com/meref/backend/internal/middleware"
	"github.com/meref/backend/internal/models"
)

// syncAdvisoryLockID serializes sync runs across processes. Two concurrent
// runs would otherwise both read the same approved requests before either
// marks them credited.
const syncAdvisoryLockID = 7_421_003

// SyncService runs the MEREF daily disbursement sync: every approved subsidy
// request not yet credited gets the SFD's operational account credited, the
// request marked completed, and a settlement notice queued. Items are
// processed independently; one failure never blocks the rest of the batch.
type SyncService struct {
	db         *sql.DB
	mutator    *BalanceMutator
	settlement *SettlementService
	audit      *audit.Logger
}

func NewSyncService(db *sql.DB, mutator *BalanceMutator, settlement *SettlementService, auditLogger *audit.Logger) *SyncService {
	return &SyncService{
		db:         db,
		mutator:    mutator,
		settlement: settlement,
		audit:      auditLogger,
	}
}

// SyncItemResult is the outcome for one subsidy request in a sync run.
type SyncItemResult struct {
	RequestID string `json:"request_id"`
	Success   bool   `json:"success"`
	Amount    int64  `json:"amount,omitempty"`
	Error     string `json:"error,omitempty"`
}

// SyncReport summarizes a whole run.
type SyncReport struct {
	Success   bool             `json:"success"`
	Processed int              `json:"processed"`
	Succeeded int              `json:"succeeded"`
	Failed    int              `json:"failed"`
	Results   []SyncItemResult `json:"results"`
}

// ErrSyncAlreadyRunning is returned when another process holds the sync lock.
var ErrSyncAlreadyRunning = errors.New("disbursement sync already running")

// Run executes one sync pass. The advisory lock lives on a dedicated
// transaction held for the duration of the run; the per-item credits commit
// in their own transactions so the lock transaction stays write-free.
func (ss *SyncService) Run(ctx context.Context) (*SyncReport, error) {
	lockTx, err := ss.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	defer lockTx.Rollback()

	var acquired bool
	if err := lockTx.QueryRowContext(ctx,
		`SELECT pg_try_advisory_xact_lock($1)`, syncAdvisoryLockID).Scan(&acquired); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if !acquired {
		return nil, ErrSyncAlreadyRunning
	}

	requests, err := ss.pendingDisbursements(ctx)
	if err != nil {
		return nil, err
	}

	report := &SyncReport{Success: true, Results: []SyncItemResult{}}
	for _, req := range requests {
		report.Processed++
		item := ss.processRequest(ctx, req)
		if item.Success {
			report.Succeeded++
		} else {
			report.Failed++
		}
		report.Results = append(report.Results, item)
	}

	log.Printf("[SYNC] Run complete: %d processed, %d succeeded, %d failed",
		report.Processed, report.Succeeded, report.Failed)
	return report, nil
}

func (ss *SyncService) pendingDisbursements(ctx context.Context) ([]models.SubsidyRequest, error) {
	rows, err := ss.db.QueryContext(ctx, `
		SELECT id, sfd_id, amount, purpose, status
		FROM subsidy_requests
		WHERE status = $1 AND credited_at IS NULL
		ORDER BY created_at ASC`, models.SubsidyStatusApproved)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	defer rows.Close()

	requests := []models.SubsidyRequest{}
	for rows.Next() {
		var req models.SubsidyRequest
		if err := rows.Scan(&req.ID, &req.SfdID, &req.Amount, &req.Purpose, &req.Status); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
		}
		requests = append(requests, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return requests, nil
}

func (ss *SyncService) processRequest(ctx context.Context, req models.SubsidyRequest) SyncItemResult {
	sfd, err := ss.lookupSfd(ctx, req.SfdID)
	if err != nil {
		return ss.failItem(req, err)
	}

	result, err := ss.mutator.Apply(ctx, MutationRequest{
		UserID:        sfd.OperationalUserID,
		SfdID:         req.SfdID,
		AccountID:     sfd.OperationalAccountID,
		Type:          models.TxCredit,
		Amount:        req.Amount,
		Description:   fmt.Sprintf("MEREF subsidy disbursement: %s", req.Purpose),
		ReferenceID:   req.ID,
		PaymentMethod: "meref_sync",
	})
	if err != nil {
		return ss.failItem(req, err)
	}

	if err := ss.markCredited(ctx, req.ID); err != nil {
		// The credit committed but the request row did not flip. The
		// guard column is what makes reruns idempotent, so this needs a
		// loud trail before the next run could double-credit.
		ss.audit.LogCritical("system", "sync_mark_credited_failed", audit.CategorySubsidy, map[string]any{
			"request_id":     req.ID,
			"transaction_id": result.TransactionID,
		}, err)
		return ss.failItem(req, err)
	}

	ss.writeActivityLog(ctx, req, result.TransactionID)

	notice := SettlementNotice{
		SubsidyRequestID: req.ID,
		TransactionID:    result.TransactionID,
		SfdID:            sfd.ID,
		SfdName:          sfd.Name,
		SfdBankCode:      sfd.BankCode,
		Amount:           req.Amount,
		Currency:         "XOF",
	}
	if err := ss.settlement.EmitDisbursement(ctx, notice); err != nil {
		log.Printf("[SYNC] Settlement notice for request %s failed: %v", req.ID, err)
	}

	ss.audit.LogSuccess("system", "subsidy_disbursed", audit.CategorySubsidy, map[string]any{
		"request_id":     req.ID,
		"sfd_id":         req.SfdID,
		"amount":         req.Amount,
		"transaction_id": result.TransactionID,
	})

	return SyncItemResult{RequestID: req.ID, Success: true, Amount: req.Amount}
}

func (ss *SyncService) failItem(req models.SubsidyRequest, err error) SyncItemResult {
	log.Printf("[SYNC] Disbursement of request %s failed: %v", req.ID, err)
	ss.audit.LogFailure("system", "subsidy_disbursement_failed", audit.CategorySubsidy, map[string]any{
		"request_id": req.ID,
		"sfd_id":     req.SfdID,
		"amount":     req.Amount,
	}, err)
	return SyncItemResult{RequestID: req.ID, Success: false, Error: err.Error()}
}

type sfdRecord struct {
	ID                   string
	Name                 string
	BankCode             string
	OperationalUserID    string
	OperationalAccountID string
}

func (ss *SyncService) lookupSfd(ctx context.Context, sfdID string) (*sfdRecord, error) {
	var sfd sfdRecord
	err := ss.db.QueryRowContext(ctx, `
		SELECT id, name, bank_code, operational_user_id, operational_account_id
		FROM sfds
		WHERE id = $1`, sfdID).Scan(
		&sfd.ID, &sfd.Name, &sfd.BankCode, &sfd.OperationalUserID, &sfd.OperationalAccountID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: SFD %s", ErrNotFound, sfdID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return &sfd, nil
}

// markCredited flips the request exactly once. The credited_at IS NULL guard
// means a concurrent or repeated flip affects zero rows.
func (ss *SyncService) markCredited(ctx context.Context, requestID string) error {
	result, err := ss.db.ExecContext(ctx, `
		UPDATE subsidy_requests
		SET status = $1, credited_at = NOW()
		WHERE id = $2 AND credited_at IS NULL`,
		models.SubsidyStatusCompleted, requestID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if rowsAffected == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (ss *SyncService) writeActivityLog(ctx context.Context, req models.SubsidyRequest, transactionID string) {
	_, err := ss.db.ExecContext(ctx, `
		INSERT INTO activity_logs (id, sfd_id, action, reference_id, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.New().String(), req.SfdID, "subsidy_disbursement", transactionID,
		fmt.Sprintf("Disbursed %d XOF for request %s", req.Amount, req.ID), time.Now())
	if err != nil {
		log.Printf("[SYNC] Activity log write failed for request %s: %v", req.ID, err)
	}
}

// RunSync triggers a disbursement sync pass
// @Summary Run the daily disbursement sync
// @Description Credit every approved, not-yet-credited subsidy request
// @Tags sync
// @Produce json
// @Security BearerAuth
// @Success 200 {object} SyncReport
// @Failure 409 {object} ErrorResponse
// @Router /admin/sync/run [post]
func (ss *SyncService) RunSync(w http.ResponseWriter, r *http.Request) {
	auth, ok := middleware.FromContext(r.Context())
	if !ok || auth.Role != models.RoleAdmin {
		SendErrorResponse(w, "Forbidden", http.StatusForbidden, nil)
		return
	}

	report, err := ss.Run(r.Context())
	if err != nil {
		if errors.Is(err, ErrSyncAlreadyRunning) {
			SendErrorResponse(w, err.Error(), http.StatusConflict, nil)
			return
		}
		log.Printf("[SYNC] Run failed: %v", err)
		SendErrorResponse(w, "Sync run failed", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(report)
}
