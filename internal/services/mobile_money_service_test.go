package services

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meref/backend/internal/audit"
	"github.com/meref/backend/internal/models"
)

func newMobileMoneyService(t *testing.T) (*MobileMoneyService, sqlmock.Sqlmock, redismock.ClientMock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	redisClient, redisMock := redismock.NewClientMock()
	mutator := NewBalanceMutator(db, audit.NewLogger(nil))
	deposit := NewTransactionManager(models.TxDeposit, mutator)
	withdraw := NewTransactionManager(models.TxWithdrawal, mutator)
	return NewMobileMoneyService(db, redisClient, deposit, withdraw), mock, redisMock
}

func TestMobileMoneyService_GenerateCode(t *testing.T) {
	ctx := context.Background()

	t.Run("push code stored hashed", func(t *testing.T) {
		svc, mock, redisMock := newMobileMoneyService(t)

		redisMock.ExpectGet("momo:ratelimit:user1").RedisNil()
		mock.ExpectExec("INSERT INTO mobile_money_codes").
			WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "PUSH", "user1", "sfd1",
				int64(10_000), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		redisMock.ExpectIncr("momo:ratelimit:user1").SetVal(1)
		redisMock.ExpectExpire("momo:ratelimit:user1", svc.config.RateLimitWindow).SetVal(true)

		code, err := svc.GeneratePushCode(ctx, "user1", "sfd1", 10_000)
		require.NoError(t, err)
		assert.Len(t, code, svc.config.CodeLength)
		// The clear code never reaches the database.
		assert.NotEqual(t, code, svc.hashCode(code))
		assert.NoError(t, mock.ExpectationsWereMet())
		assert.NoError(t, redisMock.ExpectationsWereMet())
	})

	t.Run("generation rate limited", func(t *testing.T) {
		svc, mock, redisMock := newMobileMoneyService(t)

		redisMock.ExpectGet("momo:ratelimit:user1").
			SetVal("5") // at MaxGenerationPerUser

		_, err := svc.GeneratePullCode(ctx, "user1", "sfd1", 10_000)
		assert.ErrorIs(t, err, ErrRateLimited)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("non-positive amount rejected", func(t *testing.T) {
		svc, _, _ := newMobileMoneyService(t)
		_, err := svc.GeneratePushCode(ctx, "user1", "sfd1", 0)
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})
}

func TestMobileMoneyService_Redeem(t *testing.T) {
	ctx := context.Background()

	t.Run("push code deposits and is consumed", func(t *testing.T) {
		svc, mock, _ := newMobileMoneyService(t)
		code := "12345678"
		hash := svc.hashCode(code)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT transaction_id, user_id, sfd_id, amount").
			WithArgs(hash, "PUSH").
			WillReturnRows(sqlmock.NewRows([]string{
				"transaction_id", "user_id", "sfd_id", "amount", "expires_at", "used", "code_type",
			}).AddRow("MOMO-1", "user1", "sfd1", int64(10_000),
				time.Now().Add(3*time.Minute), false, "PUSH"))
		mock.ExpectExec("UPDATE mobile_money_codes").
			WithArgs(sqlmock.AnyArg(), hash).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, user_id, sfd_id, balance, version").
			WithArgs("user1", "sfd1").
			WillReturnRows(accountRows("acc1", "user1", "sfd1", 2_000, 1))
		mock.ExpectExec("INSERT INTO transactions").
			WithArgs(sqlmock.AnyArg(), "acc1", "user1", "sfd1", int64(10_000),
				"deposit", models.TxStatusSuccess, "mobile_money",
				sqlmock.AnyArg(), "MOMO-1", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE accounts").
			WithArgs(int64(12_000), sqlmock.AnyArg(), "acc1", 1).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		result, err := svc.Redeem(ctx, code, PushPayment)
		require.NoError(t, err)
		assert.Equal(t, int64(12_000), result.NewBalance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("already consumed code", func(t *testing.T) {
		svc, mock, _ := newMobileMoneyService(t)
		code := "12345678"
		hash := svc.hashCode(code)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT transaction_id, user_id, sfd_id, amount").
			WithArgs(hash, "PULL").
			WillReturnRows(sqlmock.NewRows([]string{
				"transaction_id", "user_id", "sfd_id", "amount", "expires_at", "used", "code_type",
			}).AddRow("MOMO-1", "user1", "sfd1", int64(10_000),
				time.Now().Add(3*time.Minute), true, "PULL"))
		mock.ExpectRollback()

		_, err := svc.Redeem(ctx, code, PullPayment)
		assert.ErrorIs(t, err, ErrCodeConsumed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("expired code", func(t *testing.T) {
		svc, mock, _ := newMobileMoneyService(t)
		code := "12345678"
		hash := svc.hashCode(code)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT transaction_id, user_id, sfd_id, amount").
			WithArgs(hash, "PUSH").
			WillReturnRows(sqlmock.NewRows([]string{
				"transaction_id", "user_id", "sfd_id", "amount", "expires_at", "used", "code_type",
			}).AddRow("MOMO-1", "user1", "sfd1", int64(10_000),
				time.Now().Add(-time.Minute), false, "PUSH"))
		mock.ExpectRollback()

		_, err := svc.Redeem(ctx, code, PushPayment)
		assert.ErrorIs(t, err, ErrExpiredCode)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown code", func(t *testing.T) {
		svc, mock, _ := newMobileMoneyService(t)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT transaction_id, user_id, sfd_id, amount").
			WillReturnRows(sqlmock.NewRows([]string{"transaction_id"}))
		mock.ExpectRollback()

		_, err := svc.Redeem(ctx, "00000000", PushPayment)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("pull code routes through the withdrawal manager", func(t *testing.T) {
		svc, mock, _ := newMobileMoneyService(t)
		code := "87654321"
		hash := svc.hashCode(code)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT transaction_id, user_id, sfd_id, amount").
			WithArgs(hash, "PULL").
			WillReturnRows(sqlmock.NewRows([]string{
				"transaction_id", "user_id", "sfd_id", "amount", "expires_at", "used", "code_type",
			}).AddRow("MOMO-2", "user1", "sfd1", int64(4_000),
				time.Now().Add(3*time.Minute), false, "PULL"))
		mock.ExpectExec("UPDATE mobile_money_codes").
			WithArgs(sqlmock.AnyArg(), hash).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, user_id, sfd_id, balance, version").
			WithArgs("user1", "sfd1").
			WillReturnRows(accountRows("acc1", "user1", "sfd1", 10_000, 3))
		mock.ExpectExec("INSERT INTO transactions").
			WithArgs(sqlmock.AnyArg(), "acc1", "user1", "sfd1", int64(-4_000),
				"withdrawal", models.TxStatusSuccess, "mobile_money",
				sqlmock.AnyArg(), "MOMO-2", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE accounts").
			WithArgs(int64(6_000), sqlmock.AnyArg(), "acc1", 3).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		result, err := svc.Redeem(ctx, code, PullPayment)
		require.NoError(t, err)
		assert.Equal(t, int64(6_000), result.NewBalance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("failed withdrawal releases the code", func(t *testing.T) {
		svc, mock, _ := newMobileMoneyService(t)
		code := "87654321"
		hash := svc.hashCode(code)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT transaction_id, user_id, sfd_id, amount").
			WithArgs(hash, "PULL").
			WillReturnRows(sqlmock.NewRows([]string{
				"transaction_id", "user_id", "sfd_id", "amount", "expires_at", "used", "code_type",
			}).AddRow("MOMO-3", "user1", "sfd1", int64(50_000),
				time.Now().Add(3*time.Minute), false, "PULL"))
		mock.ExpectExec("UPDATE mobile_money_codes").
			WithArgs(sqlmock.AnyArg(), hash).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, user_id, sfd_id, balance, version").
			WithArgs("user1", "sfd1").
			WillReturnRows(accountRows("acc1", "user1", "sfd1", 10_000, 3))
		mock.ExpectRollback()

		// No funds moved, so the single-use code goes back to unused.
		mock.ExpectExec("UPDATE mobile_money_codes").
			WithArgs(hash).
			WillReturnResult(sqlmock.NewResult(0, 1))

		_, err := svc.Redeem(ctx, code, PullPayment)
		assert.ErrorIs(t, err, ErrInsufficientFunds)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestMobileMoneyService_FormatDialCode(t *testing.T) {
	svc, _, _ := newMobileMoneyService(t)
	assert.Equal(t, "*144*4*12345678#", svc.FormatDialCode("12345678"))
}
