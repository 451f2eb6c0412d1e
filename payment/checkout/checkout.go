// Package checkout drives a buyer's payment of an order: starting a payment
// with the selected rail, verifying it, capturing hosted-checkout payments
// and handing the observed result to the settlement coordinator.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"go-marketpay/config"
	"go-marketpay/payment/db"
	"go-marketpay/payment/errs"
	"go-marketpay/payment/ledger"
	"go-marketpay/payment/order"
	"go-marketpay/payment/provider"
	"go-marketpay/payment/settlement"
)

// MethodLimits reports the amount bounds of a payment method.
type MethodLimits interface {
	Limits(ctx context.Context, methodID string) (config.Limits, error)
}

type Service struct {
	orders      *order.Manager
	ledger      *ledger.Ledger
	registry    *provider.Registry
	coordinator *settlement.Coordinator
	limits      MethodLimits
	now         func() time.Time
}

func New(orders *order.Manager, l *ledger.Ledger, registry *provider.Registry, coordinator *settlement.Coordinator, limits MethodLimits) *Service {
	return &Service{
		orders:      orders,
		ledger:      l,
		registry:    registry,
		coordinator: coordinator,
		limits:      limits,
		now:         time.Now,
	}
}

type PayRequest struct {
	PaymentMethod string `json:"payment_method"`
	ReturnURL     string `json:"return_url"`
	CancelURL     string `json:"cancel_url"`
}

// Payment is what the buyer needs to complete a payment.
type Payment struct {
	OrderID    int64            `json:"order_id"`
	Method     string           `json:"payment_method"`
	PaymentRef string           `json:"payment_ref"`
	PaymentURL string           `json:"payment_url,omitempty"`
	QRCode     string           `json:"qr_code,omitempty"`
	PayAddress string           `json:"pay_address,omitempty"`
	PayAmount  *decimal.Decimal `json:"pay_amount,omitempty"`
	Status     db.TxStatus      `json:"status"`
	ExpiresAt  time.Time        `json:"expires_at"`
}

// Pay starts (or resumes) the payment of a Pending order.
func (s *Service) Pay(ctx context.Context, orderID int64, caller order.Caller, req PayRequest) (Payment, error) {
	o, err := s.orders.GetOrder(ctx, orderID, caller)
	if err != nil {
		return Payment{}, err
	}
	if o.Status != db.OrderPending {
		return Payment{}, fmt.Errorf("pay order %d in %s: %w", o.ID, o.Status, errs.ErrInvalidState)
	}
	if !s.now().Before(o.ExpiresAt) {
		if _, err := s.CancelOrder(ctx, o.ID, caller); err != nil && !errors.Is(err, errs.ErrInvalidState) {
			slog.WarnContext(ctx, "cancel expired order", "order_id", o.ID, "error", err)
		}
		return Payment{}, fmt.Errorf("order %d expired at %s: %w", o.ID, o.ExpiresAt.Format(time.RFC3339), errs.ErrInvalidState)
	}

	method := req.PaymentMethod
	if method == "" && o.PaymentMethod != nil {
		method = *o.PaymentMethod
	}
	if method == "" {
		return Payment{}, fmt.Errorf("payment method required: %w", errs.ErrBadRequest)
	}
	p, err := s.registry.Lookup(method)
	if err != nil {
		return Payment{}, err
	}
	lim, err := s.limits.Limits(ctx, method)
	if err != nil {
		return Payment{}, err
	}
	if !lim.Allows(o.Amount) {
		return Payment{}, fmt.Errorf("amount %s outside %s limits [%s, %s]: %w",
			o.Amount, method, lim.MinAmount, lim.MaxAmount, errs.ErrBadRequest)
	}

	open, err := s.ledger.OpenForOrder(ctx, o.ID)
	switch {
	case errors.Is(err, errs.ErrNotFound):
	case err != nil:
		return Payment{}, err
	case open.Status == db.TxProcessing:
		return Payment{}, fmt.Errorf("order %d payment is being captured: %w", o.ID, errs.ErrInvalidState)
	case open.PaymentMethod == method:
		return s.payment(o, open)
	default:
		if err := s.cancel(ctx, open); err != nil {
			return Payment{}, err
		}
	}

	txID := s.ledger.NextID()
	res, err := p.StartPayment(ctx, provider.StartRequest{
		TransactionID: txID,
		OrderID:       o.ID,
		Amount:        o.Amount,
		Currency:      o.Currency,
		ReturnURL:     req.ReturnURL,
		CancelURL:     req.CancelURL,
	})
	if err != nil {
		return Payment{}, fmt.Errorf("start %s payment for order %d: %w", method, o.ID, err)
	}

	tx := db.PaymentTransaction{
		ID:              txID,
		OrderID:         o.ID,
		BuyerID:         o.BuyerID,
		PaymentMethod:   method,
		Provider:        p.Name(),
		PaymentRef:      res.PaymentRef,
		Amount:          o.Amount,
		Currency:        o.Currency,
		Status:          res.Status,
		PayAddress:      res.PayAddress,
		PayAmount:       res.PayAmount,
		PaymentURL:      res.RedirectURL,
		GatewayResponse: res.Raw,
	}
	if err := s.ledger.Create(ctx, &tx); err != nil {
		s.registry.Release(tx)
		return Payment{}, err
	}
	if err := s.orders.SetPayment(ctx, o.ID, method, res.PaymentRef); err != nil {
		// the order left Pending while the provider was called
		if cerr := s.cancel(ctx, tx); cerr != nil {
			slog.ErrorContext(ctx, "cancel orphan transaction", "transaction_id", tx.ID, "error", cerr)
		}
		return Payment{}, err
	}
	slog.InfoContext(ctx, "payment started", "order_id", o.ID, "transaction_id", tx.ID, "method", method,
		"payment_ref", tx.PaymentRef)

	out, err := s.payment(o, tx)
	if err != nil {
		return Payment{}, err
	}
	if res.QRCode != "" {
		out.QRCode = res.QRCode
	}
	return out, nil
}

func (s *Service) payment(o db.Order, tx db.PaymentTransaction) (Payment, error) {
	out := Payment{
		OrderID:    o.ID,
		Method:     tx.PaymentMethod,
		PaymentRef: tx.PaymentRef,
		PaymentURL: tx.PaymentURL,
		Status:     tx.Status,
		ExpiresAt:  o.ExpiresAt,
	}
	if tx.PayAddress != "" {
		amount := tx.PayAmount
		out.PayAddress = tx.PayAddress
		out.PayAmount = &amount
		qr, err := provider.QRCode(provider.PaymentURI(provider.NetworkOf(tx.PaymentMethod), tx.PayAddress, tx.PayAmount))
		if err != nil {
			return Payment{}, err
		}
		out.QRCode = qr
	}
	return out, nil
}

// cancel ends an open transaction and frees its reservation.
func (s *Service) cancel(ctx context.Context, tx db.PaymentTransaction) error {
	ok, err := s.ledger.CompareAndSetStatus(ctx, tx.ID, []db.TxStatus{db.TxPending}, db.TxCancelled, ledger.Update{})
	if err != nil {
		return err
	}
	if ok {
		s.registry.Release(tx)
		slog.InfoContext(ctx, "transaction cancelled", "transaction_id", tx.ID, "order_id", tx.OrderID)
	}
	return nil
}

// VerifyResult is the state of a payment after a verification.
type VerifyResult struct {
	settlement.Outcome
	PaymentRef    string `json:"payment_ref"`
	Confirmations int    `json:"confirmations,omitempty"`
}

// Verify asks the payment's rail for its current status and finalizes the
// transaction when the rail reports an outcome. An approved hosted-checkout
// payment is captured first.
func (s *Service) Verify(ctx context.Context, paymentRef string, caller order.Caller) (VerifyResult, error) {
	tx, err := s.ledger.GetByRef(ctx, paymentRef)
	if err != nil {
		return VerifyResult{}, err
	}
	if !caller.Admin && tx.BuyerID != caller.ID {
		return VerifyResult{}, fmt.Errorf("payment %s: %w", paymentRef, errs.ErrForbidden)
	}
	if tx.Status.Terminal() {
		return s.finalize(ctx, tx, provider.Verification{Status: tx.Status})
	}

	p, err := s.registry.ForTransaction(tx)
	if err != nil {
		return VerifyResult{}, err
	}
	v, err := p.VerifyPayment(ctx, paymentRef)
	if err != nil {
		return VerifyResult{}, err
	}
	if c, ok := p.(provider.Capturer); ok && v.Status == db.TxProcessing {
		v, err = s.capture(ctx, tx, c)
		if err != nil {
			return VerifyResult{}, err
		}
	}
	return s.finalize(ctx, tx, v)
}

// capture claims tx for capturing so the order cannot expire underneath it,
// then captures. A failed capture hands the transaction back to Pending.
func (s *Service) capture(ctx context.Context, tx db.PaymentTransaction, c provider.Capturer) (provider.Verification, error) {
	ok, err := s.ledger.CompareAndSetStatus(ctx, tx.ID, db.OpenTxStatuses, db.TxProcessing, ledger.Update{})
	if err != nil {
		return provider.Verification{}, err
	}
	if !ok {
		cur, err := s.ledger.Get(ctx, tx.ID)
		if err != nil {
			return provider.Verification{}, err
		}
		return provider.Verification{Status: cur.Status, ExternalRef: cur.ExternalRef}, nil
	}

	o, err := s.orders.Load(ctx, tx.OrderID)
	if err != nil {
		return provider.Verification{}, err
	}
	if o.Status != db.OrderPending {
		if _, err := s.ledger.CompareAndSetStatus(ctx, tx.ID, []db.TxStatus{db.TxProcessing}, db.TxCancelled, ledger.Update{}); err != nil {
			return provider.Verification{}, err
		}
		return provider.Verification{}, fmt.Errorf("order %d is %s, not capturing: %w", o.ID, o.Status, errs.ErrInvalidState)
	}

	v, err := c.Capture(ctx, tx.PaymentRef)
	if err != nil || v.Status == db.TxProcessing || v.Status == db.TxPending {
		if _, rerr := s.ledger.CompareAndSetStatus(ctx, tx.ID, []db.TxStatus{db.TxProcessing}, db.TxPending, ledger.Update{}); rerr != nil {
			slog.ErrorContext(ctx, "release capture claim", "transaction_id", tx.ID, "error", rerr)
		}
		if err == nil {
			// still settling at the rail; the next verify or the webhook finishes it
			v.Status = db.TxPending
		}
	}
	if err != nil {
		return provider.Verification{}, err
	}
	slog.InfoContext(ctx, "payment captured", "transaction_id", tx.ID, "order_id", tx.OrderID, "status", v.Status)
	return v, nil
}

func (s *Service) finalize(ctx context.Context, tx db.PaymentTransaction, v provider.Verification) (VerifyResult, error) {
	out, err := s.coordinator.FinalizePayment(ctx, tx.PaymentRef, v.Status, v.ExternalRef)
	if errors.Is(err, errs.ErrSettlementPending) {
		slog.WarnContext(ctx, "payment verified, settlement pending", "payment_ref", tx.PaymentRef, "error", err)
		err = nil
	}
	if err != nil {
		return VerifyResult{}, err
	}
	return VerifyResult{Outcome: out, PaymentRef: tx.PaymentRef, Confirmations: v.Confirmations}, nil
}

type RefundResult struct {
	settlement.Outcome
	RefundRef string `json:"refund_ref"`
}

// Refund returns the full amount of an order's completed payment to the
// buyer and records the refund.
func (s *Service) Refund(ctx context.Context, orderID int64) (RefundResult, error) {
	o, err := s.orders.Load(ctx, orderID)
	if err != nil {
		return RefundResult{}, err
	}
	if o.Status != db.OrderPaid && o.Status != db.OrderCompleted {
		return RefundResult{}, fmt.Errorf("refund order %d in %s: %w", o.ID, o.Status, errs.ErrInvalidState)
	}
	tx, err := s.ledger.CompletedForOrder(ctx, o.ID)
	if err != nil {
		return RefundResult{}, err
	}
	p, err := s.registry.ForTransaction(tx)
	if err != nil {
		return RefundResult{}, err
	}
	ref, err := p.Refund(ctx, tx.PaymentRef, tx.Amount)
	if err != nil {
		return RefundResult{}, fmt.Errorf("refund order %d: %w", o.ID, err)
	}
	out, err := s.coordinator.RecordRefund(ctx, tx)
	if err != nil {
		return RefundResult{}, err
	}
	return RefundResult{Outcome: out, RefundRef: ref}, nil
}

// CancelOrder cancels a Pending order and its open payment.
func (s *Service) CancelOrder(ctx context.Context, orderID int64, caller order.Caller) (db.Order, error) {
	o, err := s.orders.CancelOrder(ctx, orderID, caller)
	if err != nil {
		return o, err
	}
	s.releaseOrders(ctx, []int64{o.ID})
	return o, nil
}

// OrdersExpired ends the open payments of orders cancelled by expiry.
func (s *Service) OrdersExpired(ctx context.Context, ids []int64) {
	s.releaseOrders(ctx, ids)
}

func (s *Service) releaseOrders(ctx context.Context, ids []int64) {
	for _, id := range ids {
		txs, err := s.ledger.CancelOpen(ctx, id, []db.TxStatus{db.TxPending})
		if err != nil {
			slog.ErrorContext(ctx, "cancel open transactions", "order_id", id, "error", err)
			continue
		}
		for _, tx := range txs {
			s.registry.Release(tx)
		}
	}
}

// Methods lists the payment methods a buyer can choose, with their limits.
func (s *Service) Methods(ctx context.Context) ([]MethodInfo, error) {
	var out []MethodInfo
	for _, m := range s.registry.Methods() {
		l, err := s.limits.Limits(ctx, m.MethodID)
		if errors.Is(err, errs.ErrConfigMissing) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, MethodInfo{PaymentMethodConfig: m, Limits: l})
	}
	return out, nil
}

type MethodInfo struct {
	db.PaymentMethodConfig
	config.Limits
}
