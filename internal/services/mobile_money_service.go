package services

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/meref/backend/internal/config"
)

type MobileMoneyCodeType string

const (
	PushPayment MobileMoneyCodeType = "PUSH"
	PullPayment MobileMoneyCodeType = "PULL"
)

// MobileMoneyCode is a short-lived numeric code a client dials at a mobile
// money kiosk. PUSH codes deposit, PULL codes withdraw. Only the hash is
// stored; the clear code exists once, in the generation response.
type MobileMoneyCode struct {
	Code          string              `json:"code"`
	TransactionID string              `json:"transactionId"`
	Type          MobileMoneyCodeType `json:"txType"`
	UserID        string              `json:"userId"`
	SfdID         string              `json:"sfdId"`
	Amount        int64               `json:"amount"`
	CreatedAt     time.Time           `json:"createdAt"`
	ExpiresAt     time.Time           `json:"expiresAt"`
	Expired       bool                `json:"expired"`
	Used          bool                `json:"used"`
	Currency      string              `json:"currency"`
}

// MobileMoneyService issues and redeems payment codes. Redemption is
// validate-and-consume under a row lock, then the funds move through the
// matching transaction manager.
type MobileMoneyService struct {
	db       *sql.DB
	redis    *redis.Client
	deposit  *TransactionManager
	withdraw *TransactionManager
	config   *config.MobileMoneyConfig
}

func NewMobileMoneyService(db *sql.DB, redisClient *redis.Client, deposit, withdraw *TransactionManager) *MobileMoneyService {
	return &MobileMoneyService{
		db:       db,
		redis:    redisClient,
		deposit:  deposit,
		withdraw: withdraw,
		config:   config.LoadMobileMoneyConfig(),
	}
}

func (s *MobileMoneyService) GeneratePushCode(ctx context.Context, userID, sfdID string, amount int64) (string, error) {
	return s.generateCode(ctx, userID, sfdID, amount, PushPayment)
}

func (s *MobileMoneyService) GeneratePullCode(ctx context.Context, userID, sfdID string, amount int64) (string, error) {
	return s.generateCode(ctx, userID, sfdID, amount, PullPayment)
}

func (s *MobileMoneyService) generateCode(ctx context.Context, userID, sfdID string, amount int64, codeType MobileMoneyCodeType) (string, error) {
	if amount <= 0 {
		return "", ErrInvalidAmount
	}

	if err := s.checkRateLimit(ctx, userID); err != nil {
		log.Printf("[MOMO] Code generation rate limited for user %s: %v", userID, err)
		return "", err
	}

	code := s.generateSecureCode()
	hashedCode := s.hashCode(code)
	transactionID := s.generateTransactionID()
	expiresAt := time.Now().Add(s.config.CodeTimeout)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mobile_money_codes (transaction_id, code_hash, code_type, user_id, sfd_id, amount, expires_at, used)
		VALUES ($1, $2, $3, $4, $5, $6, $7, false)
	`, transactionID, hashedCode, string(codeType), userID, sfdID, amount, expiresAt)
	if err != nil {
		log.Printf("[MOMO] Code insert failed: %v", err)
		return "", fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	s.incrementRateLimit(ctx, userID)

	log.Printf("[MOMO] Issued %s code for user %s, expires %v", codeType, userID, expiresAt)
	return code, nil
}

// Redeem consumes a code and runs the corresponding transaction. The row
// lock makes two concurrent redemptions of one code serialize; the loser
// sees used=true.
func (s *MobileMoneyService) Redeem(ctx context.Context, code string, expectedType MobileMoneyCodeType) (*MutationResult, error) {
	consumed, err := s.validateAndConsume(ctx, code, expectedType)
	if err != nil {
		return nil, err
	}

	manager := s.deposit
	if consumed.Type == PullPayment {
		manager = s.withdraw
	}

	result, err := manager.Process(ctx, MutationRequest{
		UserID:        consumed.UserID,
		SfdID:         consumed.SfdID,
		Amount:        consumed.Amount,
		Description:   fmt.Sprintf("Mobile money %s payment", consumed.Type),
		ReferenceID:   consumed.TransactionID,
		PaymentMethod: "mobile_money",
	})
	if err != nil {
		// No funds moved; release the code so the client can retry before
		// it expires instead of burning their single use.
		if _, undoErr := s.db.ExecContext(ctx, `
			UPDATE mobile_money_codes
			SET used = false, used_at = NULL
			WHERE code_hash = $1
		`, s.hashCode(code)); undoErr != nil {
			log.Printf("[MOMO] Failed to release code %s after failed redemption: %v", consumed.TransactionID, undoErr)
		}
		return nil, err
	}
	return result, nil
}

func (s *MobileMoneyService) validateAndConsume(ctx context.Context, code string, expectedType MobileMoneyCodeType) (*MobileMoneyCode, error) {
	hashedCode := s.hashCode(code)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	defer tx.Rollback()

	var momoCode MobileMoneyCode
	var used bool
	err = tx.QueryRowContext(ctx, `
		SELECT transaction_id, user_id, sfd_id, amount, expires_at, used, code_type
		FROM mobile_money_codes
		WHERE code_hash = $1 AND code_type = $2
		FOR UPDATE
	`, hashedCode, string(expectedType)).Scan(&momoCode.TransactionID, &momoCode.UserID,
		&momoCode.SfdID, &momoCode.Amount, &momoCode.ExpiresAt, &used, &momoCode.Type)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	if used {
		return nil, ErrCodeConsumed
	}
	if time.Now().After(momoCode.ExpiresAt) {
		return nil, ErrExpiredCode
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE mobile_money_codes
		SET used = true, used_at = $1
		WHERE code_hash = $2
	`, time.Now(), hashedCode)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	momoCode.Code = code
	return &momoCode, nil
}

func (s *MobileMoneyService) generateSecureCode() string {
	const charset = "0123456789"
	code := make([]byte, s.config.CodeLength)
	charsetLen := big.NewInt(int64(len(charset)))

	for i := range code {
		n, _ := rand.Int(rand.Reader, charsetLen)
		code[i] = charset[n.Int64()]
	}

	return string(code)
}

func (s *MobileMoneyService) generateTransactionID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return fmt.Sprintf("MOMO-%X-%d", b, time.Now().Unix())
}

func (s *MobileMoneyService) hashCode(code string) string {
	hash := sha256.Sum256([]byte(code))
	for i := 1; i < s.config.HashIterations; i++ {
		hash = sha256.Sum256(hash[:])
	}
	return hex.EncodeToString(hash[:])
}

func (s *MobileMoneyService) checkRateLimit(ctx context.Context, userID string) error {
	key := fmt.Sprintf("momo:ratelimit:%s", userID)
	count, err := s.redis.Get(ctx, key).Int()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	if count >= s.config.MaxGenerationPerUser {
		return ErrRateLimited
	}

	return nil
}

func (s *MobileMoneyService) incrementRateLimit(ctx context.Context, userID string) {
	key := fmt.Sprintf("momo:ratelimit:%s", userID)
	pipe := s.redis.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, s.config.RateLimitWindow)
	pipe.Exec(ctx)
}

func (s *MobileMoneyService) CleanupExpiredCodes(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM mobile_money_codes
		WHERE expires_at < $1 OR (used = true AND used_at < $2)
	`, time.Now(), time.Now().Add(-24*time.Hour))
	return err
}

func (s *MobileMoneyService) GetCodeTimeout() time.Duration {
	return s.config.CodeTimeout
}

func (s *MobileMoneyService) FormatDialCode(code string) string {
	return s.config.DialPrefix + code + s.config.DialSuffix
}

// GetUserCodes lists a user's codes with the clear value masked.
func (s *MobileMoneyService) GetUserCodes(ctx context.Context, userID string) ([]MobileMoneyCode, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT transaction_id, code_type, user_id, sfd_id, amount, expires_at, created_at, used
		FROM mobile_money_codes
		WHERE user_id = $1
		ORDER BY expires_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var codes []MobileMoneyCode
	for rows.Next() {
		var code MobileMoneyCode
		var used bool
		if err := rows.Scan(&code.TransactionID, &code.Type, &code.UserID, &code.SfdID,
			&code.Amount, &code.ExpiresAt, &code.CreatedAt, &used); err != nil {
			return nil, err
		}

		code.Expired = time.Now().After(code.ExpiresAt) || used
		code.Used = used
		code.Currency = "XOF"
		code.Code = "***" // Masked for security
		codes = append(codes, code)
	}

	return codes, rows.Err()
}
