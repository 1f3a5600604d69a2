package services

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meref/backend/internal/audit"
	"github.com/meref/backend/internal/models"
)

func vaultRows(v *models.Vault) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "account_id", "user_id", "name", "balance",
		"status", "deadline", "version", "created_at", "updated_at",
	}).AddRow(v.ID, v.AccountID, v.UserID, v.Name, v.Balance,
		v.Status, v.Deadline, v.Version, v.CreatedAt, v.UpdatedAt)
}

func TestVaultWithdrawalGuard(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	future := now.Add(30 * 24 * time.Hour)
	past := now.Add(-24 * time.Hour)

	guard := vaultWithdrawalGuard(now)

	t.Run("active vault allows withdrawal", func(t *testing.T) {
		assert.NoError(t, guard(&models.Vault{Status: models.VaultStatusActive}))
	})

	t.Run("locked vault before deadline refuses", func(t *testing.T) {
		err := guard(&models.Vault{Status: models.VaultStatusLocked, Deadline: &future})
		assert.ErrorIs(t, err, ErrVaultLocked)
	})

	t.Run("locked vault past deadline allows", func(t *testing.T) {
		assert.NoError(t, guard(&models.Vault{Status: models.VaultStatusLocked, Deadline: &past}))
	})

	t.Run("locked vault without deadline allows", func(t *testing.T) {
		assert.NoError(t, guard(&models.Vault{Status: models.VaultStatusLocked}))
	})

	t.Run("closed vault always refuses", func(t *testing.T) {
		err := guard(&models.Vault{Status: models.VaultStatusClosed, Deadline: &past})
		assert.ErrorIs(t, err, ErrVaultClosed)
	})
}

func TestBalanceMutator_VaultWithdrawal(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	newMutator := func(t *testing.T) (*BalanceMutator, sqlmock.Sqlmock) {
		t.Helper()
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })
		return NewBalanceMutator(db, audit.NewLogger(nil)), mock
	}

	baseVault := func() *models.Vault {
		return &models.Vault{
			ID:        "vault1",
			AccountID: "acc1",
			UserID:    "user1",
			Name:      "Tabaski",
			Balance:   80_000,
			Status:    models.VaultStatusActive,
			Version:   2,
			CreatedAt: now.Add(-48 * time.Hour),
			UpdatedAt: now.Add(-time.Hour),
		}
	}

	t.Run("debits the vault and credits the destination together", func(t *testing.T) {
		mutator, mock := newMutator(t)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, account_id, user_id, name, balance").
			WithArgs("vault1").
			WillReturnRows(vaultRows(baseVault()))
		mock.ExpectQuery("SELECT id, user_id, sfd_id, balance, version").
			WithArgs("acc2").
			WillReturnRows(accountRows("acc2", "user1", "sfd1", 10_000, 7))
		mock.ExpectExec("INSERT INTO transactions").
			WithArgs(sqlmock.AnyArg(), "acc1", "user1", "sfd1", int64(-30_000),
				"vault_withdrawal", models.TxStatusSuccess, "vault",
				sqlmock.AnyArg(), "vault1", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("INSERT INTO transactions").
			WithArgs(sqlmock.AnyArg(), "acc2", "user1", "sfd1", int64(30_000),
				"credit", models.TxStatusSuccess, "vault",
				sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE vaults").
			WithArgs(int64(50_000), sqlmock.AnyArg(), "vault1", 2).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE accounts").
			WithArgs(int64(40_000), sqlmock.AnyArg(), "acc2", 7).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		result, vault, err := mutator.VaultWithdrawal(ctx, VaultWithdrawalRequest{
			VaultID:              "vault1",
			DestinationAccountID: "acc2",
			Amount:               30_000,
			Description:          "School fees",
			Guard:                vaultWithdrawalGuard(now),
		})
		require.NoError(t, err)
		assert.Equal(t, int64(40_000), result.NewBalance)
		assert.Equal(t, "acc2", result.AccountID)
		assert.Equal(t, int64(50_000), vault.Balance)
		assert.Equal(t, 3, vault.Version)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("guard rejection rolls back before any write", func(t *testing.T) {
		mutator, mock := newMutator(t)
		deadline := now.Add(60 * 24 * time.Hour)

		locked := baseVault()
		locked.Status = models.VaultStatusLocked
		locked.Deadline = &deadline

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, account_id, user_id, name, balance").
			WithArgs("vault1").
			WillReturnRows(vaultRows(locked))
		mock.ExpectRollback()

		_, _, err := mutator.VaultWithdrawal(ctx, VaultWithdrawalRequest{
			VaultID:              "vault1",
			DestinationAccountID: "acc2",
			Amount:               30_000,
			Guard:                vaultWithdrawalGuard(now),
		})
		assert.ErrorIs(t, err, ErrVaultLocked)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insufficient vault balance rolls back", func(t *testing.T) {
		mutator, mock := newMutator(t)

		small := baseVault()
		small.Balance = 5_000

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, account_id, user_id, name, balance").
			WithArgs("vault1").
			WillReturnRows(vaultRows(small))
		mock.ExpectRollback()

		_, _, err := mutator.VaultWithdrawal(ctx, VaultWithdrawalRequest{
			VaultID:              "vault1",
			DestinationAccountID: "acc2",
			Amount:               30_000,
			Guard:                vaultWithdrawalGuard(now),
		})
		assert.ErrorIs(t, err, ErrInsufficientFunds)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("vault version conflict rolls back both legs", func(t *testing.T) {
		mutator, mock := newMutator(t)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, account_id, user_id, name, balance").
			WithArgs("vault1").
			WillReturnRows(vaultRows(baseVault()))
		mock.ExpectQuery("SELECT id, user_id, sfd_id, balance, version").
			WithArgs("acc2").
			WillReturnRows(accountRows("acc2", "user1", "sfd1", 10_000, 7))
		mock.ExpectExec("INSERT INTO transactions").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("INSERT INTO transactions").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE vaults").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		_, _, err := mutator.VaultWithdrawal(ctx, VaultWithdrawalRequest{
			VaultID:              "vault1",
			DestinationAccountID: "acc2",
			Amount:               30_000,
			Guard:                vaultWithdrawalGuard(now),
		})
		assert.ErrorIs(t, err, ErrVersionConflict)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown vault", func(t *testing.T) {
		mutator, mock := newMutator(t)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, account_id, user_id, name, balance").
			WithArgs("missing").
			WillReturnRows(sqlmock.NewRows([]string{"id"}))
		mock.ExpectRollback()

		_, _, err := mutator.VaultWithdrawal(ctx, VaultWithdrawalRequest{
			VaultID:              "missing",
			DestinationAccountID: "acc2",
			Amount:               1_000,
		})
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
