package models

import (
	"time"
)

// Wallet holds the running balance. It is only ever changed with conditional
// arithmetic updates, never read-then-written.
type Wallet struct {
	ID        string `gorm:"primaryKey;size:64"` // actor id
	Balance   int64  `gorm:"not null;default:0"` // minor units
	Currency  string `gorm:"size:10;default:'USD'"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (w *Wallet) TableName() string {
	return "ar_wallets"
}

type LedgerEntry struct {
	ID             uint    `gorm:"primaryKey"`
	TxnID          string  `gorm:"size:36;not null;uniqueIndex"`
	WalletID       string  `gorm:"size:64;not null;index"`
	Kind           string  `gorm:"size:10;not null"` // credit, debit
	Amount         int64   `gorm:"not null"`         // signed minor units
	BalanceAfter   int64   `gorm:"not null"`
	RelatedOrderID *string `gorm:"size:36;index"`
	ReversesTxnID  *string `gorm:"size:36;uniqueIndex"`
	CreatedAt      time.Time
}

func (e *LedgerEntry) TableName() string {
	return "ar_wallet_ledger"
}

func init() {
	RegisterAutoMigrateModels(&Wallet{}, &LedgerEntry{})
}
