// Package provider adapts external payment rails (PayPal hosted checkout and
// USDT on TRON / Ethereum) to a single capability interface.
package provider

import (
	"context"

	"github.com/shopspring/decimal"

	"go-marketpay/payment/db"
)

type StartRequest struct {
	TransactionID int64
	OrderID       int64
	Amount        decimal.Decimal
	Currency      string
	ReturnURL     string
	CancelURL     string
}

// StartResult is what the buyer needs to pay: a redirect URL for hosted
// checkout or an address, amount and QR code for on-chain payments.
type StartResult struct {
	PaymentRef  string
	RedirectURL string
	QRCode      string
	PayAddress  string
	PayAmount   decimal.Decimal
	Status      db.TxStatus
	Raw         string
}

type Verification struct {
	Status          db.TxStatus
	ExternalRef     string
	ConfirmedAmount decimal.NullDecimal
	Confirmations   int
	Raw             string
}

type Provider interface {
	// Name is the provider tag stored on transactions ("paypal", "blockchain").
	Name() string
	StartPayment(ctx context.Context, req StartRequest) (StartResult, error)
	VerifyPayment(ctx context.Context, paymentRef string) (Verification, error)
	// Refund returns the provider's refund reference, or errs.ErrUnsupported.
	Refund(ctx context.Context, paymentRef string, amount decimal.Decimal) (string, error)
}

// Capturer is implemented by rails where an approved payment must be
// captured explicitly before funds move.
type Capturer interface {
	Capture(ctx context.Context, paymentRef string) (Verification, error)
}

// Reserver is implemented by rails that hold a per-payment reservation
// (an exact amount on a shared receiving address) until the payment ends.
type Reserver interface {
	Restore(tx db.PaymentTransaction)
	Release(tx db.PaymentTransaction)
}

type PayPalSettings interface {
	PayPal(ctx context.Context) (db.PayPalConfig, error)
}

type ChainSettings interface {
	Blockchain(ctx context.Context, network string) (db.BlockchainConfig, error)
}

// Converter prices an amount of some currency in USD.
type Converter interface {
	ToUSD(ctx context.Context, amount decimal.Decimal, currency string) (decimal.Decimal, error)
}

type MethodSource interface {
	Methods(ctx context.Context) ([]db.PaymentMethodConfig, error)
}
