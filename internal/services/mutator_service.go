package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/meref/backend/internal/audit"
	"github.com/meref/backend/internal/models"
)

// BalanceMutator is the single engine behind every balance change on the
// platform. Each mutation runs inside one database transaction: the ledger
// row and the balance delta commit together or not at all. Concurrent
// mutations on the same account serialize on the row lock, and the version
// guard catches any writer that lost the race anyway.
type BalanceMutator struct {
	db    *sql.DB
	audit *audit.Logger
}

func NewBalanceMutator(db *sql.DB, auditLogger *audit.Logger) *BalanceMutator {
	return &BalanceMutator{db: db, audit: auditLogger}
}

// MutationRequest identifies the account either by (UserID, SfdID) or
// directly by AccountID. Amount is unsigned; the type decides the sign.
type MutationRequest struct {
	UserID        string
	SfdID         string
	AccountID     string
	Type          models.TransactionType
	Amount        int64
	Description   string
	ReferenceID   string
	PaymentMethod string
	Metadata      map[string]any
}

type MutationResult struct {
	TransactionID   string
	AccountID       string
	NewBalance      int64
	TransactionDate time.Time
}

// TransferRequest moves funds between two accounts atomically. Used by
// vault withdrawals (vault debit + destination credit).
type TransferRequest struct {
	FromAccountID string
	ToAccountID   string
	Amount        int64
	Type          models.TransactionType
	Description   string
	ReferenceID   string
}

// Apply validates, writes the ledger row and the balance delta in one
// transaction, then audits best-effort. It never leaves a partially-applied
// state: a failure before commit rolls everything back.
func (m *BalanceMutator) Apply(ctx context.Context, req MutationRequest) (*MutationResult, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	defer tx.Rollback()

	account, err := m.lockAccount(ctx, tx, req)
	if err != nil {
		return nil, err
	}

	if req.Type.IsDebit() && account.Balance < req.Amount {
		m.audit.LogFailure(req.UserID, "balance_mutation", audit.CategoryTransaction, map[string]any{
			"account_id": account.ID,
			"type":       req.Type,
			"amount":     req.Amount,
		}, ErrInsufficientFunds)
		return nil, ErrInsufficientFunds
	}

	signed := req.Type.SignedAmount(req.Amount)
	newBalance := account.Balance + signed
	transactionID := uuid.New().String()
	now := time.Now()

	if err := m.insertLedgerRow(ctx, tx, transactionID, account, req, signed, now); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	if err := m.updateBalance(ctx, tx, account.ID, newBalance, account.Version, now); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	m.audit.LogSuccess(req.UserID, "balance_mutation", audit.CategoryTransaction, map[string]any{
		"transaction_id": transactionID,
		"account_id":     account.ID,
		"type":           req.Type,
		"amount":         signed,
		"new_balance":    newBalance,
	})

	return &MutationResult{
		TransactionID:   transactionID,
		AccountID:       account.ID,
		NewBalance:      newBalance,
		TransactionDate: now,
	}, nil
}

// Transfer debits FromAccountID and credits ToAccountID in one transaction.
// Accounts lock in a consistent order to avoid deadlocks between opposing
// transfers.
func (m *BalanceMutator) Transfer(ctx context.Context, req TransferRequest) (*MutationResult, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	defer tx.Rollback()

	firstLock, secondLock := req.FromAccountID, req.ToAccountID
	if firstLock > secondLock {
		firstLock, secondLock = secondLock, firstLock
	}

	first, err := m.lockAccountByID(ctx, tx, firstLock)
	if err != nil {
		return nil, err
	}
	second, err := m.lockAccountByID(ctx, tx, secondLock)
	if err != nil {
		return nil, err
	}

	from, to := first, second
	if first.ID != req.FromAccountID {
		from, to = second, first
	}

	if from.Balance < req.Amount {
		return nil, ErrInsufficientFunds
	}

	transactionID := uuid.New().String()
	now := time.Now()

	debitReq := MutationRequest{
		UserID:      from.UserID,
		SfdID:       from.SfdID,
		Type:        req.Type,
		Description: req.Description,
		ReferenceID: req.ReferenceID,
	}
	if err := m.insertLedgerRow(ctx, tx, transactionID, from, debitReq, -req.Amount, now); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	creditReq := MutationRequest{
		UserID:      to.UserID,
		SfdID:       to.SfdID,
		Type:        models.TxCredit,
		Description: req.Description,
		ReferenceID: transactionID,
	}
	if err := m.insertLedgerRow(ctx, tx, uuid.New().String(), to, creditReq, req.Amount, now); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	if err := m.updateBalance(ctx, tx, from.ID, from.Balance-req.Amount, from.Version, now); err != nil {
		return nil, err
	}
	if err := m.updateBalance(ctx, tx, to.ID, to.Balance+req.Amount, to.Version, now); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	m.audit.LogSuccess(from.UserID, "transfer", audit.CategoryTransaction, map[string]any{
		"transaction_id": transactionID,
		"from_account":   from.ID,
		"to_account":     to.ID,
		"amount":         req.Amount,
		"type":           req.Type,
	})

	return &MutationResult{
		TransactionID:   transactionID,
		AccountID:       from.ID,
		NewBalance:      from.Balance - req.Amount,
		TransactionDate: now,
	}, nil
}

// VaultWithdrawalRequest moves funds from a vault to a destination account.
// Guard runs after the vault row is locked, so vault-type rules are checked
// against the state the withdrawal will actually commit on.
type VaultWithdrawalRequest struct {
	VaultID              string
	DestinationAccountID string
	Amount               int64
	Description          string
	Guard                func(*models.Vault) error
}

// VaultWithdrawal debits the vault and credits the destination account in
// one transaction. There is no compensation path: a failure anywhere rolls
// back both sides.
func (m *BalanceMutator) VaultWithdrawal(ctx context.Context, req VaultWithdrawalRequest) (*MutationResult, *models.Vault, error) {
	if req.Amount <= 0 {
		return nil, nil, ErrInvalidAmount
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	defer tx.Rollback()

	vault, err := m.lockVault(ctx, tx, req.VaultID)
	if err != nil {
		return nil, nil, err
	}

	if req.Guard != nil {
		if err := req.Guard(vault); err != nil {
			return nil, nil, err
		}
	}

	if vault.Balance < req.Amount {
		return nil, nil, ErrInsufficientFunds
	}

	account, err := m.lockAccountByID(ctx, tx, req.DestinationAccountID)
	if err != nil {
		return nil, nil, err
	}

	transactionID := uuid.New().String()
	now := time.Now()

	debitReq := MutationRequest{
		UserID:        vault.UserID,
		SfdID:         account.SfdID,
		Type:          models.TxVaultWithdrawal,
		Description:   req.Description,
		ReferenceID:   vault.ID,
		PaymentMethod: "vault",
	}
	vaultAccount := &models.Account{ID: vault.AccountID, UserID: vault.UserID, SfdID: account.SfdID}
	if err := m.insertLedgerRow(ctx, tx, transactionID, vaultAccount, debitReq, -req.Amount, now); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	creditReq := MutationRequest{
		UserID:        account.UserID,
		SfdID:         account.SfdID,
		Type:          models.TxCredit,
		Description:   req.Description,
		ReferenceID:   transactionID,
		PaymentMethod: "vault",
	}
	if err := m.insertLedgerRow(ctx, tx, uuid.New().String(), account, creditReq, req.Amount, now); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	if err := m.updateVaultBalance(ctx, tx, vault.ID, vault.Balance-req.Amount, vault.Version, now); err != nil {
		return nil, nil, err
	}
	if err := m.updateBalance(ctx, tx, account.ID, account.Balance+req.Amount, account.Version, now); err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	vault.Balance -= req.Amount
	vault.Version++

	m.audit.LogSuccess(vault.UserID, "vault_withdrawal", audit.CategoryVault, map[string]any{
		"transaction_id": transactionID,
		"vault_id":       vault.ID,
		"to_account":     account.ID,
		"amount":         req.Amount,
	})

	return &MutationResult{
		TransactionID:   transactionID,
		AccountID:       account.ID,
		NewBalance:      account.Balance + req.Amount,
		TransactionDate: now,
	}, vault, nil
}

func (m *BalanceMutator) lockVault(ctx context.Context, tx *sql.Tx, vaultID string) (*models.Vault, error) {
	var vault models.Vault
	err := tx.QueryRowContext(ctx, `
		SELECT id, account_id, user_id, name, balance, status, deadline, version, created_at, updated_at
		FROM vaults
		WHERE id = $1
		FOR UPDATE`, vaultID).Scan(
		&vault.ID, &vault.AccountID, &vault.UserID, &vault.Name, &vault.Balance,
		&vault.Status, &vault.Deadline, &vault.Version, &vault.CreatedAt, &vault.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return &vault, nil
}

func (m *BalanceMutator) updateVaultBalance(ctx context.Context, tx *sql.Tx, vaultID string, newBalance int64, version int, now time.Time) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE vaults
		SET balance = $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND version = $4`,
		newBalance, now, vaultID, version)
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

// Balance reads the current balance without locking.
func (m *BalanceMutator) Balance(ctx context.Context, userID, sfdID string) (int64, error) {
	var balance int64
	err := m.db.QueryRowContext(ctx, `
		SELECT balance FROM accounts
		WHERE user_id = $1 AND sfd_id = $2`, userID, sfdID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, ErrAccountNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return balance, nil
}

func (m *BalanceMutator) lockAccount(ctx context.Context, tx *sql.Tx, req MutationRequest) (*models.Account, error) {
	if req.AccountID != "" {
		return m.lockAccountByID(ctx, tx, req.AccountID)
	}

	var account models.Account
	err := tx.QueryRowContext(ctx, `
		SELECT id, user_id, sfd_id, balance, version, updated_at
		FROM accounts
		WHERE user_id = $1 AND sfd_id = $2
		FOR UPDATE`, req.UserID, req.SfdID).Scan(
		&account.ID, &account.UserID, &account.SfdID, &account.Balance, &account.Version, &account.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return &account, nil
}

func (m *BalanceMutator) lockAccountByID(ctx context.Context, tx *sql.Tx, accountID string) (*models.Account, error) {
	var account models.Account
	err := tx.QueryRowContext(ctx, `
		SELECT id, user_id, sfd_id, balance, version, updated_at
		FROM accounts
		WHERE id = $1
		FOR UPDATE`, accountID).Scan(
		&account.ID, &account.UserID, &account.SfdID, &account.Balance, &account.Version, &account.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return &account, nil
}

func (m *BalanceMutator) insertLedgerRow(ctx context.Context, tx *sql.Tx, transactionID string, account *models.Account, req MutationRequest, signedAmount int64, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO transactions (id, account_id, user_id, sfd_id, amount, type, status, payment_method, description, reference_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		transactionID, account.ID, req.UserID, req.SfdID, signedAmount, string(req.Type),
		models.TxStatusSuccess, req.PaymentMethod, req.Description, req.ReferenceID, now)
	return err
}

func (m *BalanceMutator) updateBalance(ctx context.Context, tx *sql.Tx, accountID string, newBalance int64, version int, now time.Time) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE accounts
		SET balance = $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND version = $4`,
		newBalance, now, accountID, version)
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
