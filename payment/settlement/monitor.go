package settlement

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go-marketpay/payment/db"
	"go-marketpay/payment/errs"
	"go-marketpay/utils"
)

const retryBatch = 100

// RetryStuck re-settles orders that are Paid but not Completed, and orders
// left Pending although their payment completed. It returns how many orders
// reached Completed.
func (c *Coordinator) RetryStuck(ctx context.Context) (int, error) {
	seen := map[int64]bool{}
	var ids []int64

	paid, err := c.Orders.AwaitingSettlement(ctx, retryBatch)
	if err != nil {
		return 0, err
	}
	for _, o := range paid {
		seen[o.ID] = true
		ids = append(ids, o.ID)
	}

	stuck, err := c.Ledger.CompletedWithPendingOrder(ctx, retryBatch)
	if err != nil {
		return 0, err
	}
	for _, tx := range stuck {
		if !seen[tx.OrderID] {
			seen[tx.OrderID] = true
			ids = append(ids, tx.OrderID)
		}
	}

	settled := 0
	for _, id := range ids {
		out, err := c.RetrySettlement(ctx, id)
		switch {
		case errors.Is(err, errs.ErrSettlementPending):
			slog.DebugContext(ctx, "settlement still pending", "order_id", id, "error", err)
		case err != nil:
			slog.ErrorContext(ctx, "retry settlement", "order_id", id, "error", err)
		case out.OrderStatus == db.OrderCompleted:
			settled++
		}
	}
	return settled, nil
}

// RunMonitor calls RetryStuck every interval until ctx is done.
func (c *Coordinator) RunMonitor(ctx context.Context, interval time.Duration) {
	utils.Every(ctx, interval, func(ctx context.Context) {
		n, err := c.RetryStuck(ctx)
		if err != nil {
			slog.ErrorContext(ctx, "settlement monitor", "error", err)
			return
		}
		if n > 0 {
			slog.InfoContext(ctx, "settlement monitor completed orders", "count", n)
		}
	})
}
