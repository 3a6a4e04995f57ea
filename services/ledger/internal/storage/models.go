package storage

import (
	"time"

	"github.com/AfshinJalili/gowallet/services/ledger/internal/balance"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Currency struct {
	ID            string
	Symbol        string
	IsActive      bool
	MinDeposit    decimal.Decimal
	WithdrawalFee decimal.Decimal
	MinWithdraw   decimal.Decimal
	Decimals      int32
	UpdatedAt     time.Time
}

const (
	DepositUnconfirmed = "unconfirmed"
	DepositConfirmed   = "confirmed"

	PendingStatusPending   = "pending"
	PendingStatusCompleted = "completed"
)

// DepositRecord is one observed on-chain transfer. The row outlives the
// pending aggregate until the retention sweep; its TxHash is also kept in
// the permanent dedup index, which is never swept.
type DepositRecord struct {
	TxHash      string
	UserCode    string
	CurrencyID  string
	ChainID     string
	TokenType   string
	Address     string
	Amount      decimal.Decimal
	Status      string
	CreatedAt   time.Time
	ConfirmedAt *time.Time
}

type PendingDeposit struct {
	UserCode    string
	CurrencyID  string
	TotalAmount decimal.Decimal
	Status      string
	Deposits    []DepositRecord
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type DepositCredit struct {
	ID         uuid.UUID
	UserCode   string
	CurrencyID string
	Amount     decimal.Decimal
	TxHashes   []string
	EntryID    string
	CreatedAt  time.Time
}

const (
	WithdrawalPending  = "pending"
	WithdrawalApproved = "approved"
	WithdrawalRejected = "rejected"
)

type Withdrawal struct {
	ID         uuid.UUID
	UserCode   string
	CurrencyID string
	Amount     decimal.Decimal
	Fee        decimal.Decimal
	Address    string
	ChainID    string
	Status     string
	Reason     string
	EntryID    string
	// RefundEntryID is set once a rejected withdrawal has been credited back.
	RefundEntryID string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

const (
	TransferCompleted   = "completed"
	TransferCompensated = "compensated"
	TransferStranded    = "stranded"
)

type InternalTransfer struct {
	ID         uuid.UUID
	UserCode   string
	CurrencyID string
	From       balance.SubAccount
	To         balance.SubAccount
	Amount     decimal.Decimal
	Status     string
	Error      string
	CreatedAt  time.Time
}

// WalletBalance is the persisted copy of one (user, currency) wallet.
type WalletBalance struct {
	UserCode   string
	CurrencyID string
	Balances   map[balance.SubAccount]decimal.Decimal
	Applied    map[balance.SubAccount]string
	UpdatedAt  time.Time
}
