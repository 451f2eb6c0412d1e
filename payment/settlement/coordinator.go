// Package settlement turns a "payment became final" signal into exactly one
// settlement of the order: transaction and order state, commission split,
// settlement records and payout intents.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"go-marketpay/payment/commission"
	"go-marketpay/payment/db"
	"go-marketpay/payment/errs"
	"go-marketpay/payment/ledger"
	"go-marketpay/payment/order"
	"go-marketpay/utils"
)

// PayoutConfigs resolves where a payee wants money for a payment method.
type PayoutConfigs interface {
	Resolve(ctx context.Context, payeeID int64, method string) (db.UserPayoutConfig, error)
}

type PlatformAccounts interface {
	PlatformAccount(ctx context.Context, method string) (string, error)
}

type Deps struct {
	DB         *gorm.DB
	IDs        utils.IDGenerator
	Orders     *order.Manager
	Ledger     *ledger.Ledger
	Resources  order.Resources
	Calculator *commission.Calculator
	Payouts    PayoutConfigs
	Accounts   PlatformAccounts
	// OnTerminal is called once for every transaction this coordinator
	// moves to a terminal status.
	OnTerminal func(db.PaymentTransaction)
}

type Coordinator struct {
	Deps
	now func() time.Time
}

func New(d Deps) *Coordinator {
	return &Coordinator{Deps: d, now: time.Now}
}

// Outcome is the state after a finalization attempt.
type Outcome struct {
	OrderID     int64          `json:"order_id"`
	OrderStatus db.OrderStatus `json:"order_status"`
	TxStatus    db.TxStatus    `json:"status"`
	// Changed is set when this call moved the transaction.
	Changed bool `json:"-"`
}

// FinalizePayment applies a provider's observed status to the transaction
// identified by paymentRef. It is safe to call repeatedly and concurrently
// for the same reference: one caller wins the transaction's status change
// and settles, every other call is a no-op.
func (c *Coordinator) FinalizePayment(ctx context.Context, paymentRef string, observed db.TxStatus, externalRef string) (Outcome, error) {
	tx, err := c.Ledger.GetByRef(ctx, paymentRef)
	if err != nil {
		return Outcome{}, err
	}
	if observed == db.TxRefunded {
		return c.RecordRefund(ctx, tx)
	}
	if tx.Status.Terminal() {
		return c.outcome(ctx, tx, false)
	}

	switch observed {
	case db.TxPending:
		return c.outcome(ctx, tx, false)
	case db.TxProcessing:
		ok, err := c.Ledger.CompareAndSetStatus(ctx, tx.ID, []db.TxStatus{db.TxPending}, db.TxProcessing,
			ledger.Update{ExternalRef: externalRef})
		if err != nil {
			return Outcome{}, err
		}
		return c.reload(ctx, tx.ID, ok)
	case db.TxCompleted, db.TxFailed, db.TxCancelled:
	default:
		return Outcome{}, fmt.Errorf("observed status %q: %w", observed, errs.ErrBadRequest)
	}

	ok, err := c.Ledger.CompareAndSetStatus(ctx, tx.ID, db.OpenTxStatuses, observed, ledger.Update{ExternalRef: externalRef})
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		// someone else finalized it first
		return c.reload(ctx, tx.ID, false)
	}
	tx.Status = observed
	if externalRef != "" {
		tx.ExternalRef = externalRef
	}
	if c.OnTerminal != nil {
		c.OnTerminal(tx)
	}
	slog.InfoContext(ctx, "transaction finalized", "transaction_id", tx.ID, "order_id", tx.OrderID, "status", observed)

	switch observed {
	case db.TxFailed:
		if _, err := c.Orders.CompareAndSetStatus(ctx, tx.OrderID, []db.OrderStatus{db.OrderPending}, db.OrderFailed, nil); err != nil {
			return Outcome{}, err
		}
	case db.TxCompleted:
		return c.completed(ctx, tx)
	}
	return c.outcome(ctx, tx, true)
}

// RetrySettlement re-runs settlement for an order whose payment completed but
// whose settlement did not finish.
func (c *Coordinator) RetrySettlement(ctx context.Context, orderID int64) (Outcome, error) {
	o, err := c.Orders.Load(ctx, orderID)
	if err != nil {
		return Outcome{}, err
	}
	if o.Status != db.OrderPending && o.Status != db.OrderPaid {
		return Outcome{}, fmt.Errorf("order %d is %s: %w", orderID, o.Status, errs.ErrInvalidState)
	}
	tx, err := c.Ledger.CompletedForOrder(ctx, orderID)
	if errors.Is(err, errs.ErrNotFound) {
		return Outcome{}, fmt.Errorf("order %d has no completed payment: %w", orderID, errs.ErrInvalidState)
	}
	if err != nil {
		return Outcome{}, err
	}
	if o.Status == db.OrderPending {
		return c.completed(ctx, tx)
	}
	return c.settle(ctx, o, tx)
}

// RecordRefund marks the order of a completed payment refunded and cancels
// its commission. The transaction itself stays completed.
func (c *Coordinator) RecordRefund(ctx context.Context, tx db.PaymentTransaction) (Outcome, error) {
	if tx.Status != db.TxCompleted {
		return Outcome{}, fmt.Errorf("transaction %d is %s: %w", tx.ID, tx.Status, errs.ErrInvalidState)
	}

	ok, err := c.Orders.CompareAndSetStatus(ctx, tx.OrderID,
		[]db.OrderStatus{db.OrderPaid, db.OrderCompleted}, db.OrderRefunded, nil)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		return c.outcome(ctx, tx, false)
	}

	err = c.DB.WithContext(ctx).Transaction(func(t *gorm.DB) error {
		err := t.Model(&db.CommissionRecord{}).
			Where("order_id = ? AND status <> ?", tx.OrderID, db.CommissionCancelled).
			Updates(map[string]any{"status": db.CommissionCancelled, "updated_at": c.now()}).Error
		if err != nil {
			return err
		}
		return t.Model(&db.PayoutIntent{}).
			Where("order_id = ? AND status = ?", tx.OrderID, db.PayoutPending).
			Update("status", db.PayoutCancelled).Error
	})
	if err != nil {
		return Outcome{}, err
	}
	slog.InfoContext(ctx, "order refunded", "order_id", tx.OrderID, "transaction_id", tx.ID, "amount", tx.Amount)
	return c.outcome(ctx, tx, true)
}

// completed handles a transaction that just became Completed.
func (c *Coordinator) completed(ctx context.Context, tx db.PaymentTransaction) (Outcome, error) {
	ok, err := c.Orders.CompareAndSetStatus(ctx, tx.OrderID, []db.OrderStatus{db.OrderPending}, db.OrderPaid, nil)
	if err != nil {
		return Outcome{}, err
	}
	o, err := c.Orders.Load(ctx, tx.OrderID)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		switch o.Status {
		case db.OrderPaid:
			// a retry got here first; settling again is harmless
		case db.OrderCancelled:
			if err := c.Orders.SetSettlementStatus(ctx, o.ID, db.SettlementOrphaned); err != nil {
				return Outcome{}, err
			}
			slog.ErrorContext(ctx, "payment captured for cancelled order, refund required",
				"order_id", o.ID, "transaction_id", tx.ID, "amount", tx.Amount, "external_ref", tx.ExternalRef)
			out, _ := c.outcome(ctx, tx, true)
			return out, fmt.Errorf("order %d was cancelled before its payment completed: %w", o.ID, errs.ErrSettlementPending)
		default:
			return c.outcome(ctx, tx, true)
		}
	}
	return c.settle(ctx, o, tx)
}

func (c *Coordinator) settle(ctx context.Context, o db.Order, tx db.PaymentTransaction) (Outcome, error) {
	err := c.record(ctx, o, tx)
	if err != nil {
		if errors.Is(err, errs.ErrConfigMissing) {
			if serr := c.Orders.SetSettlementStatus(ctx, o.ID, db.SettlementAwaitingPayee); serr != nil {
				return Outcome{}, serr
			}
		}
		slog.WarnContext(ctx, "settlement pending", "order_id", o.ID, "transaction_id", tx.ID, "error", err)
		out, _ := c.outcome(ctx, tx, true)
		return out, fmt.Errorf("settle order %d: %w: %w", o.ID, errs.ErrSettlementPending, err)
	}

	now := c.now()
	ok, err := c.Orders.CompareAndSetStatus(ctx, o.ID, []db.OrderStatus{db.OrderPaid}, db.OrderCompleted,
		map[string]any{"completed_at": now, "settlement_status": db.SettlementSettled})
	if err != nil {
		return Outcome{}, err
	}
	if ok {
		slog.InfoContext(ctx, "order settled", "order_id", o.ID, "amount", o.Amount, "method", tx.PaymentMethod)
	}
	return c.outcome(ctx, tx, true)
}

// record writes the settlement of o. Every row is keyed by order so a
// repeated call adds nothing.
func (c *Coordinator) record(ctx context.Context, o db.Order, tx db.PaymentTransaction) error {
	res, err := c.Resources.Resource(ctx, o.ResourceID)
	if err != nil {
		return err
	}
	owner, err := OwnerOf(res)
	if err != nil {
		return err
	}

	switch ow := owner.(type) {
	case PlatformOwned:
		return c.recordPlatform(ctx, o, tx)
	case ThirdPartyOwned:
		return c.recordThirdParty(ctx, o, tx, ow)
	default:
		return fmt.Errorf("owner %T: %w", owner, errs.ErrInvalidConfig)
	}
}

func (c *Coordinator) platformAccount(ctx context.Context, method string) string {
	account, err := c.Accounts.PlatformAccount(ctx, method)
	if err != nil {
		slog.WarnContext(ctx, "platform account unresolved", "method", method, "error", err)
		return db.RecipientSystem
	}
	return account
}

func (c *Coordinator) recordPlatform(ctx context.Context, o db.Order, tx db.PaymentTransaction) error {
	rec := db.SettlementRecord{
		ID:            c.IDs.NextID(),
		OrderID:       o.ID,
		RecipientType: db.RecipientSystem,
		Account:       c.platformAccount(ctx, tx.PaymentMethod),
		Amount:        o.Amount,
		Currency:      o.Currency,
		PaymentMethod: tx.PaymentMethod,
		Description:   "platform resource sale",
	}
	if err := insertIgnore(c.DB.WithContext(ctx), &rec); err != nil {
		return err
	}
	slog.InfoContext(ctx, "platform settlement recorded", "order_id", o.ID, "account", rec.Account, "amount", rec.Amount)
	return nil
}

type split struct {
	ruleID     int64
	rate       decimal.Decimal
	commission decimal.Decimal
	payee      decimal.Decimal
	applies    bool
}

func (c *Coordinator) split(ctx context.Context, gross decimal.Decimal, ow ThirdPartyOwned) (split, error) {
	res, err := c.Calculator.Compute(ctx, gross)
	switch {
	case err == nil:
		return split{ruleID: res.Rule.ID, rate: res.Rule.Rate, commission: res.Commission, payee: res.PayeeAmount, applies: true}, nil
	case !errors.Is(err, errs.ErrNoCommission):
		return split{}, err
	}

	// no rule, no commission: the resource's own rate is never charged
	slog.InfoContext(ctx, "no commission rule matches", "payee_id", ow.PayeeID, "gross", gross, "resource_rate", ow.Rate)
	return split{payee: gross}, nil
}

func (c *Coordinator) recordThirdParty(ctx context.Context, o db.Order, tx db.PaymentTransaction, ow ThirdPartyOwned) error {
	sp, err := c.split(ctx, o.Amount, ow)
	if err != nil {
		return err
	}
	dest, err := c.Payouts.Resolve(ctx, ow.PayeeID, tx.PaymentMethod)
	if err != nil {
		return err
	}
	platform := c.platformAccount(ctx, tx.PaymentMethod)
	now := c.now()

	err = c.DB.WithContext(ctx).Transaction(func(t *gorm.DB) error {
		rows := []any{
			&db.SettlementRecord{
				ID: c.IDs.NextID(), OrderID: o.ID, RecipientType: db.RecipientUser,
				Account: dest.Destination, Amount: sp.payee, Currency: o.Currency, PaymentMethod: tx.PaymentMethod,
				Description: fmt.Sprintf("payee %d share", ow.PayeeID),
			},
			&db.PayoutIntent{
				ID: c.IDs.NextID(), OrderID: o.ID, Kind: db.PayoutPayee, PaymentMethod: tx.PaymentMethod,
				Destination: dest.Destination, Amount: sp.payee, Currency: o.Currency, Status: db.PayoutPending,
				CreatedAt: now,
			},
		}
		if sp.applies {
			payee := ow.PayeeID
			rows = append(rows,
				&db.CommissionRecord{
					ID: c.IDs.NextID(), OrderID: o.ID, PayeeID: &payee, RuleID: sp.ruleID,
					GrossAmount: o.Amount, CommissionAmount: sp.commission, PayeeAmount: sp.payee, Rate: sp.rate,
					Status: db.CommissionPaid, PaidAt: &now,
				},
				&db.SettlementRecord{
					ID: c.IDs.NextID(), OrderID: o.ID, RecipientType: db.RecipientCommission,
					Account: platform, Amount: sp.commission, Currency: o.Currency, PaymentMethod: tx.PaymentMethod,
					Description: "platform commission",
				},
			)
			if sp.commission.IsPositive() {
				rows = append(rows, &db.PayoutIntent{
					ID: c.IDs.NextID(), OrderID: o.ID, Kind: db.PayoutCommission, PaymentMethod: tx.PaymentMethod,
					Destination: platform, Amount: sp.commission, Currency: o.Currency, Status: db.PayoutPending,
					CreatedAt: now,
				})
			}
		}
		for _, row := range rows {
			if err := insertIgnore(t, row); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	slog.InfoContext(ctx, "third-party settlement recorded", "order_id", o.ID, "payee_id", ow.PayeeID,
		"payee_amount", sp.payee, "commission", sp.commission, "destination", dest.Destination)
	return nil
}

// insertIgnore inserts v unless a row with the same unique key exists.
func insertIgnore(t *gorm.DB, v any) error {
	return t.Clauses(clause.OnConflict{DoNothing: true}).Create(v).Error
}

func (c *Coordinator) reload(ctx context.Context, txID int64, changed bool) (Outcome, error) {
	tx, err := c.Ledger.Get(ctx, txID)
	if err != nil {
		return Outcome{}, err
	}
	return c.outcome(ctx, tx, changed)
}

func (c *Coordinator) outcome(ctx context.Context, tx db.PaymentTransaction, changed bool) (Outcome, error) {
	o, err := c.Orders.Load(ctx, tx.OrderID)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{OrderID: o.ID, OrderStatus: o.Status, TxStatus: tx.Status, Changed: changed}, nil
}
