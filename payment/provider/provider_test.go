package provider

import (
	"context"

	"go-marketpay/payment/db"
	"go-marketpay/payment/errs"
)

type staticSettings struct {
	paypal db.PayPalConfig
	chains map[string]db.BlockchainConfig
}

func (s *staticSettings) PayPal(context.Context) (db.PayPalConfig, error) {
	if s.paypal.ClientID == "" {
		return db.PayPalConfig{}, errs.ErrConfigMissing
	}
	return s.paypal, nil
}

func (s *staticSettings) Blockchain(_ context.Context, network string) (db.BlockchainConfig, error) {
	cfg, ok := s.chains[network]
	if !ok {
		return db.BlockchainConfig{}, errs.ErrConfigMissing
	}
	return cfg, nil
}

type staticMethods []db.PaymentMethodConfig

func (m staticMethods) Methods(context.Context) ([]db.PaymentMethodConfig, error) { return m, nil }
