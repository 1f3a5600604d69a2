package models

import (
	"time"
)

// TransactionType enumerates every balance-affecting event.
type TransactionType string

const (
	TxDeposit          TransactionType = "deposit"
	TxWithdrawal       TransactionType = "withdrawal"
	TxLoanRepayment    TransactionType = "loan_repayment"
	TxLoanDisbursement TransactionType = "loan_disbursement"
	TxVaultWithdrawal  TransactionType = "vault_withdrawal"
	TxCredit           TransactionType = "credit"
)

// IsDebit reports whether the type removes funds from the account.
func (t TransactionType) IsDebit() bool {
	switch t {
	case TxWithdrawal, TxLoanRepayment, TxVaultWithdrawal:
		return true
	}
	return false
}

// SignedAmount applies the ledger sign convention: debits negative,
// credits positive.
func (t TransactionType) SignedAmount(amount int64) int64 {
	if t.IsDebit() {
		return -amount
	}
	return amount
}

const (
	TxStatusSuccess = "success"
	TxStatusFailed  = "failed"
)

// Transaction is one immutable ledger entry. Amount is signed; a success row
// means the balance delta was applied in the same database transaction.
type Transaction struct {
	ID            string          `json:"id" db:"id"`
	AccountID     string          `json:"account_id" db:"account_id"`
	UserID        string          `json:"user_id" db:"user_id"`
	SfdID         string          `json:"sfd_id" db:"sfd_id"`
	Amount        int64           `json:"amount" db:"amount"`
	Type          TransactionType `json:"type" db:"type"`
	Status        string          `json:"status" db:"status"`
	PaymentMethod string          `json:"payment_method" db:"payment_method"`
	Description   string          `json:"description" db:"description"`
	ReferenceID   string          `json:"reference_id" db:"reference_id"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}
