// Package ledger owns PaymentTransaction rows. Status changes are
// compare-and-set updates so concurrent finalizers agree on one winner,
// and terminal rows are never modified again.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"go-marketpay/payment/db"
	"go-marketpay/payment/errs"
	"go-marketpay/utils"
)

type Ledger struct {
	db  *gorm.DB
	ids utils.IDGenerator
	now func() time.Time
}

func New(gdb *gorm.DB, ids utils.IDGenerator) *Ledger {
	return &Ledger{db: gdb, ids: ids, now: time.Now}
}

// NextID reserves an id for a transaction about to be started, so the
// provider call can reference it before the row exists.
func (l *Ledger) NextID() int64 { return l.ids.NextID() }

// Create records a new transaction. It fails with errs.ErrConflict if the
// order already has a non-terminal transaction.
func (l *Ledger) Create(ctx context.Context, tx *db.PaymentTransaction) error {
	if tx.ID == 0 {
		tx.ID = l.ids.NextID()
	}
	now := l.now()
	tx.CreatedAt, tx.UpdatedAt = now, now
	if tx.Status == "" {
		tx.Status = db.TxPending
	}

	return l.db.WithContext(ctx).Transaction(func(t *gorm.DB) error {
		// serialize on the order row so two Pay calls cannot both pass the check
		q := t.Model(&db.Order{}).Select("id").Where("id = ?", tx.OrderID)
		if db.SupportsRowLocks(t) {
			q = q.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		var ids []int64
		if err := q.Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return fmt.Errorf("order %d: %w", tx.OrderID, errs.ErrNotFound)
		}

		var open int64
		err := t.Model(&db.PaymentTransaction{}).
			Where("order_id = ? AND status IN ?", tx.OrderID, db.OpenTxStatuses).
			Count(&open).Error
		if err != nil {
			return err
		}
		if open > 0 {
			return fmt.Errorf("order %d already has an open transaction: %w", tx.OrderID, errs.ErrConflict)
		}
		return t.Create(tx).Error
	})
}

func (l *Ledger) first(ctx context.Context, what string, query any, args ...any) (db.PaymentTransaction, error) {
	var tx db.PaymentTransaction
	err := l.db.WithContext(ctx).Where(query, args...).First(&tx).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return tx, fmt.Errorf("transaction %s: %w", what, errs.ErrNotFound)
	}
	return tx, err
}

func (l *Ledger) Get(ctx context.Context, id int64) (db.PaymentTransaction, error) {
	return l.first(ctx, fmt.Sprint(id), "id = ?", id)
}

func (l *Ledger) GetByRef(ctx context.Context, paymentRef string) (db.PaymentTransaction, error) {
	return l.first(ctx, paymentRef, "payment_ref = ?", paymentRef)
}

// GetByExternalRef finds a transaction by the provider's own reference,
// e.g. a PayPal capture id or an on-chain transaction hash.
func (l *Ledger) GetByExternalRef(ctx context.Context, externalRef string) (db.PaymentTransaction, error) {
	return l.first(ctx, externalRef, "external_ref = ?", externalRef)
}

// OpenForOrder returns the order's non-terminal transaction, if any.
func (l *Ledger) OpenForOrder(ctx context.Context, orderID int64) (db.PaymentTransaction, error) {
	return l.first(ctx, fmt.Sprintf("open for order %d", orderID), "order_id = ? AND status IN ?", orderID, db.OpenTxStatuses)
}

func (l *Ledger) CompletedForOrder(ctx context.Context, orderID int64) (db.PaymentTransaction, error) {
	return l.first(ctx, fmt.Sprintf("completed for order %d", orderID), "order_id = ? AND status = ?", orderID, db.TxCompleted)
}

func (l *Ledger) ForOrder(ctx context.Context, orderID int64) ([]db.PaymentTransaction, error) {
	var txs []db.PaymentTransaction
	err := l.db.WithContext(ctx).Where("order_id = ?", orderID).Order("id ASC").Find(&txs).Error
	return txs, err
}

// Update carries the optional fields written with a status change.
type Update struct {
	ExternalRef     string
	GatewayResponse string
}

// CompareAndSetStatus moves transaction id to `to` only while it is in one
// of `from`, and reports whether this call won the transition.
func (l *Ledger) CompareAndSetStatus(ctx context.Context, id int64, from []db.TxStatus, to db.TxStatus, u Update) (bool, error) {
	for _, s := range from {
		if s.Terminal() {
			return false, fmt.Errorf("transition out of terminal status %s: %w", s, errs.ErrInvalidState)
		}
	}

	now := l.now()
	updates := map[string]any{"status": to, "updated_at": now}
	if to == db.TxCompleted {
		updates["completed_at"] = now
	}
	if u.ExternalRef != "" {
		updates["external_ref"] = u.ExternalRef
	}
	if u.GatewayResponse != "" {
		updates["gateway_response"] = u.GatewayResponse
	}

	res := l.db.WithContext(ctx).Model(&db.PaymentTransaction{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ListOpen lists non-terminal transactions of a provider, oldest first.
func (l *Ledger) ListOpen(ctx context.Context, provider string) ([]db.PaymentTransaction, error) {
	var txs []db.PaymentTransaction
	err := l.db.WithContext(ctx).
		Where("provider = ? AND status IN ?", provider, db.OpenTxStatuses).
		Order("id ASC").
		Find(&txs).Error
	return txs, err
}

// CancelOpen cancels the order's transactions that are in one of from and
// returns the ones this call cancelled.
func (l *Ledger) CancelOpen(ctx context.Context, orderID int64, from []db.TxStatus) ([]db.PaymentTransaction, error) {
	var txs []db.PaymentTransaction
	if err := l.db.WithContext(ctx).Where("order_id = ? AND status IN ?", orderID, from).Find(&txs).Error; err != nil {
		return nil, err
	}
	var cancelled []db.PaymentTransaction
	for _, tx := range txs {
		ok, err := l.CompareAndSetStatus(ctx, tx.ID, from, db.TxCancelled, Update{})
		if err != nil {
			return cancelled, err
		}
		if ok {
			tx.Status = db.TxCancelled
			cancelled = append(cancelled, tx)
		}
	}
	return cancelled, nil
}

// FindOpenByPayment finds the open on-chain transaction expecting exactly
// amount at address.
func (l *Ledger) FindOpenByPayment(ctx context.Context, address string, amount decimal.Decimal) (db.PaymentTransaction, error) {
	var txs []db.PaymentTransaction
	err := l.db.WithContext(ctx).
		Where("pay_address = ? AND status IN ?", address, db.OpenTxStatuses).
		Find(&txs).Error
	if err != nil {
		return db.PaymentTransaction{}, err
	}
	for _, tx := range txs {
		if tx.PayAmount.Equal(amount) {
			return tx, nil
		}
	}
	return db.PaymentTransaction{}, fmt.Errorf("open payment of %s to %s: %w", amount, address, errs.ErrNotFound)
}

// CompletedWithPendingOrder lists completed transactions whose order never
// left Pending, which happens when a finalizer stops between its steps.
func (l *Ledger) CompletedWithPendingOrder(ctx context.Context, limit int) ([]db.PaymentTransaction, error) {
	var txs []db.PaymentTransaction
	err := l.db.WithContext(ctx).
		Where("status = ?", db.TxCompleted).
		Where("order_id IN (?)", l.db.Model(&db.Order{}).Select("id").Where("status = ?", db.OrderPending)).
		Order("id ASC").Limit(limit).
		Find(&txs).Error
	return txs, err
}
