package order

import (
	"context"
	"log/slog"
	"time"

	"go-marketpay/utils"
)

// RunExpiry cancels expired orders every interval until ctx is done.
// onExpired receives the ids cancelled by each sweep so dependent state
// (open transactions, on-chain reservations) can be released.
func (m *Manager) RunExpiry(ctx context.Context, interval time.Duration, onExpired func(context.Context, []int64)) {
	utils.Every(ctx, interval, func(ctx context.Context) {
		ids, err := m.ExpireStaleOrders(ctx)
		if err != nil {
			slog.ErrorContext(ctx, "expire stale orders", "error", err)
		}
		if len(ids) == 0 {
			return
		}
		slog.InfoContext(ctx, "orders expired", "count", len(ids))
		if onExpired != nil {
			onExpired(ctx, ids)
		}
	})
}
