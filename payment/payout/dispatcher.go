// Package payout records where settled money must go and hands those
// intents to the external payout system.
package payout

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"go-marketpay/payment/db"
	"go-marketpay/utils"
)

const (
	batchSize   = 20
	maxAttempts = 10
)

// Message is the payload published for each intent.
type Message struct {
	IntentID      int64  `json:"intent_id"`
	OrderID       int64  `json:"order_id"`
	Kind          string `json:"kind"`
	PaymentMethod string `json:"payment_method"`
	Destination   string `json:"destination"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
}

// Dispatcher publishes pending payout intents, oldest first. Delivery is
// at-least-once: the external payout API dedupes on the message id.
type Dispatcher struct {
	db        *gorm.DB
	publisher Publisher
	now       func() time.Time
}

func NewDispatcher(gdb *gorm.DB, pub Publisher) *Dispatcher {
	return &Dispatcher{db: gdb, publisher: pub, now: time.Now}
}

// DispatchBatch publishes up to one batch and returns how many intents were
// dispatched.
func (d *Dispatcher) DispatchBatch(ctx context.Context) (int, error) {
	sent := 0
	err := d.db.WithContext(ctx).Transaction(func(t *gorm.DB) error {
		q := t.Where("status = ?", db.PayoutPending).Order("created_at ASC").Order("id ASC").Limit(batchSize)
		if db.SupportsRowLocks(t) {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		var intents []db.PayoutIntent
		if err := q.Find(&intents).Error; err != nil {
			return err
		}

		for _, in := range intents {
			payload, err := json.Marshal(Message{
				IntentID:      in.ID,
				OrderID:       in.OrderID,
				Kind:          in.Kind,
				PaymentMethod: in.PaymentMethod,
				Destination:   in.Destination,
				Amount:        in.Amount.String(),
				Currency:      in.Currency,
			})
			if err != nil {
				return err
			}

			updates := map[string]any{"attempts": in.Attempts + 1}
			if perr := d.publisher.Publish(ctx, strconv.FormatInt(in.ID, 10), "payout."+in.Kind, payload); perr != nil {
				slog.WarnContext(ctx, "publish payout intent", "intent_id", in.ID, "order_id", in.OrderID, "error", perr)
				updates["last_error"] = perr.Error()
				if in.Attempts+1 >= maxAttempts {
					updates["status"] = db.PayoutFailed
				}
			} else {
				now := d.now()
				updates["status"] = db.PayoutDispatched
				updates["dispatched_at"] = &now
				updates["last_error"] = ""
				sent++
			}
			if err := t.Model(&db.PayoutIntent{}).Where("id = ?", in.ID).Updates(updates).Error; err != nil {
				return err
			}
		}
		return nil
	})
	return sent, err
}

func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) {
	utils.Every(ctx, interval, func(ctx context.Context) {
		n, err := d.DispatchBatch(ctx)
		if err != nil {
			slog.ErrorContext(ctx, "dispatch payouts", "error", err)
			return
		}
		if n > 0 {
			slog.InfoContext(ctx, "payout intents dispatched", "count", n)
		}
	})
}

// List returns intents for an order, or all recent ones when orderID is 0.
func (d *Dispatcher) List(ctx context.Context, orderID int64, status string, limit int) ([]db.PayoutIntent, error) {
	q := d.db.WithContext(ctx).Model(&db.PayoutIntent{})
	if orderID != 0 {
		q = q.Where("order_id = ?", orderID)
	}
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var intents []db.PayoutIntent
	err := q.Order("id DESC").Limit(limit).Find(&intents).Error
	return intents, err
}
