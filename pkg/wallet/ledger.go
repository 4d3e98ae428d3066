package wallet

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/flaboy/aira-checkout/pkg/errors"
	"github.com/flaboy/aira-checkout/pkg/models"
	"github.com/flaboy/aira-checkout/pkg/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Ledger moves wallet balances. Every mutation is a conditional arithmetic UPDATE
// paired with an immutable ledger row in the same transaction.
type Ledger struct {
	db  *gorm.DB
	now func() time.Time
}

type Option func(*Ledger)

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func NewLedger(db *gorm.DB, opts ...Option) *Ledger {
	l := &Ledger{db: db, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// WithTx returns a copy of the ledger bound to tx.
func (l *Ledger) WithTx(tx *gorm.DB) *Ledger {
	cp := *l
	cp.db = tx
	return &cp
}

// Debit takes amount from the wallet only if the balance covers it.
func (l *Ledger) Debit(ctx context.Context, walletID string, amount decimal.Decimal, relatedOrderID string) (*types.Receipt, error) {
	cents, err := positiveCents(amount)
	if err != nil {
		return nil, err
	}

	var entry *models.LedgerEntry
	err = l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := l.now()
		res := tx.Model(&models.Wallet{}).
			Where("id = ? AND balance >= ?", walletID, cents).
			Updates(map[string]interface{}{
				"balance":    gorm.Expr("balance - ?", cents),
				"updated_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			if exists, err := walletExists(tx, walletID); err != nil {
				return err
			} else if !exists {
				return errors.ErrWalletNotFound
			}
			return errors.ErrInsufficientFunds
		}

		entry, err = appendEntry(tx, walletID, types.LedgerKindDebit, -cents, relatedOrderID, "", now)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("debit wallet %s: %w", walletID, err)
	}

	slog.Info("[Ledger] debit", "walletID", walletID, "amount", amount.String(), "orderID", relatedOrderID, "txnID", entry.TxnID)
	return toReceipt(entry), nil
}

// Credit adds amount to the wallet, opening it on first use.
func (l *Ledger) Credit(ctx context.Context, walletID string, amount decimal.Decimal, relatedOrderID string) (*types.Receipt, error) {
	cents, err := positiveCents(amount)
	if err != nil {
		return nil, err
	}

	var entry *models.LedgerEntry
	err = l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := l.now()
		if err := ensureWallet(tx, walletID, now); err != nil {
			return err
		}
		if err := addBalance(tx, walletID, cents, now); err != nil {
			return err
		}
		entry, err = appendEntry(tx, walletID, types.LedgerKindCredit, cents, relatedOrderID, "", now)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("credit wallet %s: %w", walletID, err)
	}
	return toReceipt(entry), nil
}

// Reverse credits back a debit. Reversing the same debit twice returns the first reversal.
func (l *Ledger) Reverse(ctx context.Context, debitTxnID string) (*types.Receipt, error) {
	var entry *models.LedgerEntry
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var debit models.LedgerEntry
		err := tx.Where("txn_id = ? AND kind = ?", debitTxnID, string(types.LedgerKindDebit)).First(&debit).Error
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return errors.ErrLedgerEntryNotFound
		}
		if err != nil {
			return err
		}

		existing, err := findReversal(tx, debitTxnID)
		if err != nil {
			return err
		}
		if existing != nil {
			entry = existing
			return nil
		}

		now := l.now()
		if err := addBalance(tx, debit.WalletID, -debit.Amount, now); err != nil {
			return err
		}
		entry, err = appendEntry(tx, debit.WalletID, types.LedgerKindCredit, -debit.Amount, deref(debit.RelatedOrderID), debitTxnID, now)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("reverse %s: %w", debitTxnID, err)
	}

	slog.Info("[Ledger] reversed debit", "txnID", debitTxnID, "walletID", entry.WalletID, "reversalTxnID", entry.TxnID)
	return toReceipt(entry), nil
}

// FindDebitForOrder returns the debit taken for orderID, or nil. reversed reports
// whether that debit has since been credited back.
func (l *Ledger) FindDebitForOrder(ctx context.Context, orderID string) (receipt *types.Receipt, reversed bool, err error) {
	db := l.db.WithContext(ctx)
	var debit models.LedgerEntry
	err = db.Where("related_order_id = ? AND kind = ?", orderID, string(types.LedgerKindDebit)).
		Order("id ASC").First(&debit).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("find debit for %s: %w", orderID, err)
	}
	rev, err := findReversal(db, debit.TxnID)
	if err != nil {
		return nil, false, err
	}
	return toReceipt(&debit), rev != nil, nil
}

func (l *Ledger) Balance(ctx context.Context, walletID string) (decimal.Decimal, error) {
	var w models.Wallet
	err := l.db.WithContext(ctx).Where("id = ?", walletID).First(&w).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return decimal.Zero, errors.ErrWalletNotFound
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("balance %s: %w", walletID, err)
	}
	return types.FromMinorUnits(w.Balance), nil
}

// Entries lists the wallet's ledger rows in the order they were written.
func (l *Ledger) Entries(ctx context.Context, walletID string) ([]*types.Receipt, error) {
	var rows []*models.LedgerEntry
	if err := l.db.WithContext(ctx).Where("wallet_id = ?", walletID).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("entries %s: %w", walletID, err)
	}
	out := make([]*types.Receipt, 0, len(rows))
	for _, row := range rows {
		out = append(out, toReceipt(row))
	}
	return out, nil
}

func positiveCents(amount decimal.Decimal) (int64, error) {
	cents := types.ToMinorUnits(amount)
	if cents <= 0 {
		return 0, fmt.Errorf("amount %s: %w", amount.String(), errors.ErrInvalidRequest)
	}
	return cents, nil
}

func walletExists(tx *gorm.DB, walletID string) (bool, error) {
	var count int64
	if err := tx.Model(&models.Wallet{}).Where("id = ?", walletID).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func ensureWallet(tx *gorm.DB, walletID string, now time.Time) error {
	return tx.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&models.Wallet{ID: walletID, CreatedAt: now, UpdatedAt: now}).Error
}

func addBalance(tx *gorm.DB, walletID string, cents int64, now time.Time) error {
	res := tx.Model(&models.Wallet{}).
		Where("id = ?", walletID).
		Updates(map[string]interface{}{
			"balance":    gorm.Expr("balance + ?", cents),
			"updated_at": now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errors.ErrWalletNotFound
	}
	return nil
}

func appendEntry(tx *gorm.DB, walletID string, kind types.LedgerKind, cents int64, orderID, reverses string, now time.Time) (*models.LedgerEntry, error) {
	var w models.Wallet
	if err := tx.Select("balance").Where("id = ?", walletID).First(&w).Error; err != nil {
		return nil, err
	}
	entry := &models.LedgerEntry{
		TxnID:        uuid.NewString(),
		WalletID:     walletID,
		Kind:         string(kind),
		Amount:       cents,
		BalanceAfter: w.Balance,
		CreatedAt:    now,
	}
	if orderID != "" {
		entry.RelatedOrderID = &orderID
	}
	if reverses != "" {
		entry.ReversesTxnID = &reverses
	}
	if err := tx.Create(entry).Error; err != nil {
		return nil, err
	}
	return entry, nil
}

func findReversal(db *gorm.DB, debitTxnID string) (*models.LedgerEntry, error) {
	var rev models.LedgerEntry
	err := db.Where("reverses_txn_id = ?", debitTxnID).First(&rev).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rev, nil
}

func toReceipt(e *models.LedgerEntry) *types.Receipt {
	return &types.Receipt{
		TxnID:          e.TxnID,
		WalletID:       e.WalletID,
		Kind:           types.LedgerKind(e.Kind),
		Amount:         types.FromMinorUnits(e.Amount),
		BalanceAfter:   types.FromMinorUnits(e.BalanceAfter),
		RelatedOrderID: deref(e.RelatedOrderID),
		ReversesTxnID:  deref(e.ReversesTxnID),
		CreatedAt:      e.CreatedAt,
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
