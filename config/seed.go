package config

import (
	"context"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"go-marketpay/payment/db"
	"go-marketpay/utils"
)

// Seed writes the env-provided provider settings into empty configuration
// tables. Rows that already exist are left alone; the database is the
// source of truth after the first start.
func Seed(ctx context.Context, gdb *gorm.DB, cfg Config, ids utils.IDGenerator) error {
	gdb = gdb.WithContext(ctx)

	var n int64
	if err := gdb.Model(&db.PayPalConfig{}).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 && cfg.PayPal.ClientID != "" {
		baseURL := "https://api-m.paypal.com"
		if cfg.PayPal.Sandbox {
			baseURL = "https://api-m.sandbox.paypal.com"
		}
		row := db.PayPalConfig{
			ID:              ids.NextID(),
			ClientID:        cfg.PayPal.ClientID,
			ClientSecret:    cfg.PayPal.ClientSecret,
			Sandbox:         cfg.PayPal.Sandbox,
			BaseURL:         baseURL,
			WebhookSecret:   cfg.PayPal.WebhookSecret,
			ReturnURL:       cfg.PayPal.ReturnURL,
			CancelURL:       cfg.PayPal.CancelURL,
			BrandName:       cfg.PayPal.BrandName,
			PlatformAccount: cfg.PayPal.PlatformAccount,
			MinAmount:       decimal.RequireFromString("0.01"),
			MaxAmount:       decimal.RequireFromString("10000"),
			FeeRate:         decimal.RequireFromString("0.029"),
			Active:          true,
		}
		if err := gdb.Create(&row).Error; err != nil {
			return err
		}
	}

	chains := []struct {
		network, name string
		env           ChainEnv
	}{
		{db.NetworkTron, "TRON (TRC20)", cfg.Tron},
		{db.NetworkEthereum, "Ethereum (ERC20)", cfg.Ethereum},
	}
	for _, ch := range chains {
		if len(ch.env.Wallets) == 0 {
			continue
		}
		row := db.BlockchainConfig{
			ID:               ids.NextID(),
			Network:          ch.network,
			NetworkName:      ch.name,
			APIURL:           ch.env.APIURL,
			APIKey:           ch.env.APIKey,
			USDTContract:     ch.env.USDTContract,
			WalletAddresses:  ch.env.Wallets,
			MinConfirmations: ch.env.MinConfirmations,
			WebhookSecret:    cfg.ChainWebhookSecret,
			MinAmount:        decimal.NewFromInt(1),
			MaxAmount:        decimal.NewFromInt(50000),
			FeeRate:          decimal.Zero,
			Active:           true,
		}
		err := gdb.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "network"}}, DoNothing: true}).
			Create(&row).Error
		if err != nil {
			return err
		}
	}

	methods := []db.PaymentMethodConfig{
		{MethodID: db.MethodPayPal, MethodName: "PayPal", Provider: db.ProviderNamePayPal, SortOrder: 1,
			Description: "Pay with PayPal or card"},
		{MethodID: db.MethodUSDTTron, MethodName: "USDT (TRC20)", Provider: db.ProviderNameBlockchain,
			Network: db.NetworkTron, SortOrder: 2, Description: "Tether on TRON"},
		{MethodID: db.MethodUSDTEth, MethodName: "USDT (ERC20)", Provider: db.ProviderNameBlockchain,
			Network: db.NetworkEthereum, SortOrder: 3, Description: "Tether on Ethereum"},
	}
	for i := range methods {
		methods[i].ID = ids.NextID()
		methods[i].Active = true
		err := gdb.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "method_id"}}, DoNothing: true}).
			Create(&methods[i]).Error
		if err != nil {
			return err
		}
	}
	return nil
}
