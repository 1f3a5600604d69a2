package audit

import (
	"database/sql"
	"encoding/json"
	"log"
	"time"
)

const (
	CategoryTransaction = "transaction"
	CategoryCashOps     = "cash_operations"
	CategoryVault       = "vault"
	CategorySubsidy     = "subsidy"
	CategoryLoan        = "loan"
	CategoryAuth        = "auth"
	CategoryAdhesion    = "adhesion"

	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"

	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Event is one append-only audit row. Details are stored as plain JSON.
type Event struct {
	ActorID      string    `json:"actor_id"`
	Action       string    `json:"action"`
	Category     string    `json:"category"`
	Severity     string    `json:"severity"`
	Status       string    `json:"status"`
	Details      any       `json:"details"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Logger persists audit events. Writes are best-effort: a failed insert is
// reported to the process log and never propagated to the caller, so audit
// I/O can never roll back a committed transaction.
type Logger struct {
	db *sql.DB
}

func NewLogger(db *sql.DB) *Logger {
	return &Logger{db: db}
}

func (l *Logger) LogSuccess(actorID, action, category string, details any) {
	l.log(Event{
		ActorID:  actorID,
		Action:   action,
		Category: category,
		Severity: SeverityInfo,
		Status:   StatusSuccess,
		Details:  details,
	})
}

func (l *Logger) LogFailure(actorID, action, category string, details any, err error) {
	event := Event{
		ActorID:  actorID,
		Action:   action,
		Category: category,
		Severity: SeverityWarning,
		Status:   StatusFailure,
		Details:  details,
	}
	if err != nil {
		event.ErrorMessage = err.Error()
	}
	l.log(event)
}

func (l *Logger) LogCritical(actorID, action, category string, details any, err error) {
	event := Event{
		ActorID:  actorID,
		Action:   action,
		Category: category,
		Severity: SeverityCritical,
		Status:   StatusFailure,
		Details:  details,
	}
	if err != nil {
		event.ErrorMessage = err.Error()
	}
	l.log(event)
}

func (l *Logger) log(event Event) {
	event.Timestamp = time.Now()

	detailsJSON, err := json.Marshal(event.Details)
	if err != nil {
		detailsJSON = []byte("{}")
	}

	if l.db != nil {
		_, err = l.db.Exec(`
			INSERT INTO audit_logs (actor_id, action, category, severity, status, details, error_message, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			event.ActorID, event.Action, event.Category, event.Severity,
			event.Status, detailsJSON, event.ErrorMessage, event.Timestamp)
	}

	if err != nil || l.db == nil {
		data, _ := json.Marshal(event)
		log.Printf("AUDIT: %s", string(data))
		if err != nil {
			log.Printf("[AUDIT] Persist failed: %v", err)
		}
	}
}
