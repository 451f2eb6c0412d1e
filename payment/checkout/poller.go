package checkout

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go-marketpay/payment/db"
	"go-marketpay/payment/errs"
	"go-marketpay/payment/ledger"
	"go-marketpay/utils"
)

// RestoreReservations re-reserves the amounts of open on-chain payments,
// so a restart never hands out an amount that is already expected.
func (s *Service) RestoreReservations(ctx context.Context) (int, error) {
	txs, err := s.ledger.ListOpen(ctx, db.ProviderNameBlockchain)
	if err != nil {
		return 0, err
	}
	for _, tx := range txs {
		s.registry.Restore(tx)
	}
	return len(txs), nil
}

// PollOnChain verifies every open on-chain payment once and returns how
// many completed. Payments whose order is no longer Pending are cancelled.
func (s *Service) PollOnChain(ctx context.Context) (int, error) {
	txs, err := s.ledger.ListOpen(ctx, db.ProviderNameBlockchain)
	if err != nil {
		return 0, err
	}

	completed := 0
	for _, tx := range txs {
		if ctx.Err() != nil {
			return completed, ctx.Err()
		}
		o, err := s.orders.Load(ctx, tx.OrderID)
		if err != nil {
			slog.ErrorContext(ctx, "poll: load order", "order_id", tx.OrderID, "error", err)
			continue
		}
		if o.Status != db.OrderPending {
			ok, err := s.ledger.CompareAndSetStatus(ctx, tx.ID, db.OpenTxStatuses, db.TxCancelled, ledger.Update{})
			if err != nil {
				slog.ErrorContext(ctx, "poll: cancel transaction", "transaction_id", tx.ID, "error", err)
				continue
			}
			if ok {
				s.registry.Release(tx)
				slog.InfoContext(ctx, "poll: transaction cancelled", "transaction_id", tx.ID, "order_status", o.Status)
			}
			continue
		}

		p, err := s.registry.ForTransaction(tx)
		if err != nil {
			slog.ErrorContext(ctx, "poll: provider", "transaction_id", tx.ID, "error", err)
			continue
		}
		v, err := p.VerifyPayment(ctx, tx.PaymentRef)
		if err != nil {
			slog.WarnContext(ctx, "poll: verify", "transaction_id", tx.ID, "error", err)
			continue
		}
		if v.Status != db.TxCompleted {
			slog.DebugContext(ctx, "poll: not confirmed", "transaction_id", tx.ID, "confirmations", v.Confirmations)
			continue
		}

		out, err := s.coordinator.FinalizePayment(ctx, tx.PaymentRef, v.Status, v.ExternalRef)
		if err != nil && !errors.Is(err, errs.ErrSettlementPending) {
			slog.ErrorContext(ctx, "poll: finalize", "transaction_id", tx.ID, "error", err)
			continue
		}
		if out.Changed {
			completed++
			slog.InfoContext(ctx, "poll: on-chain payment confirmed", "transaction_id", tx.ID,
				"order_id", tx.OrderID, "txid", v.ExternalRef, "confirmations", v.Confirmations)
		}
	}
	return completed, nil
}

// RunPoller calls PollOnChain every interval until ctx is done.
func (s *Service) RunPoller(ctx context.Context, interval time.Duration) {
	utils.Every(ctx, interval, func(ctx context.Context) {
		if _, err := s.PollOnChain(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.ErrorContext(ctx, "on-chain poll", "error", err)
		}
	})
}
