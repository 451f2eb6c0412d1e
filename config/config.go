// Package config holds process configuration read from the environment and
// the read-through cache over provider configuration stored in the database.
package config

import (
	"log/slog"
	"time"

	"go-marketpay/utils"
)

type PayPalEnv struct {
	ClientID        string
	ClientSecret    string
	Sandbox         bool
	WebhookSecret   string
	ReturnURL       string
	CancelURL       string
	BrandName       string
	PlatformAccount string
}

type ChainEnv struct {
	APIURL           string
	APIKey           string
	USDTContract     string
	Wallets          []string
	MinConfirmations int
}

type Config struct {
	Port     string
	DBDriver string
	DSN      string

	JWTSecret string
	NodeID    int64

	OrderTTL                time.Duration
	ExpireInterval          time.Duration
	PollInterval            time.Duration
	SettlementRetryInterval time.Duration
	PayoutInterval          time.Duration

	RateLimit  int
	RateWindow time.Duration
	RedisAddr  string

	AMQPURL     string
	PayoutQueue string

	RatesURL    string
	RatesTTL    time.Duration
	CORSOrigins []string

	LogLevel        slog.Level
	DefaultCurrency string

	PayPal             PayPalEnv
	Tron               ChainEnv
	Ethereum           ChainEnv
	ChainWebhookSecret string
}

// Load reads the configuration from the process environment, applying
// defaults for anything unset. Call utils.LoadEnv first to pick up .env.
func Load() Config {
	cfg := Config{
		Port:     utils.Getenv("GIN_PORT", "8080"),
		DBDriver: utils.Getenv("DB_DRIVER", "mysql"),
		DSN:      utils.Getenv("DB", ""),

		JWTSecret: utils.Getenv("JWT_SECRET", ""),
		NodeID:    int64(utils.GetenvInt("NODE_ID", 1)),

		OrderTTL:                utils.GetenvDuration("ORDER_TTL", 30*time.Minute),
		ExpireInterval:          utils.GetenvDuration("EXPIRE_INTERVAL", time.Minute),
		PollInterval:            utils.GetenvDuration("POLL_INTERVAL", 10*time.Second),
		SettlementRetryInterval: utils.GetenvDuration("SETTLEMENT_RETRY_INTERVAL", 5*time.Minute),
		PayoutInterval:          utils.GetenvDuration("PAYOUT_INTERVAL", 5*time.Second),

		RateLimit:  utils.GetenvInt("RATE_LIMIT", 120),
		RateWindow: utils.GetenvDuration("RATE_WINDOW", time.Minute),
		RedisAddr:  utils.Getenv("REDIS_ADDR", ""),

		AMQPURL:     utils.Getenv("AMQP_URL", ""),
		PayoutQueue: utils.Getenv("PAYOUT_QUEUE", "payouts"),

		RatesURL:    utils.Getenv("RATES_URL", ""),
		RatesTTL:    utils.GetenvDuration("RATES_TTL", 5*time.Minute),
		CORSOrigins: utils.GetenvList("CORS_ORIGINS"),

		LogLevel:        parseLevel(utils.Getenv("LOG_LEVEL", "info")),
		DefaultCurrency: utils.Getenv("DEFAULT_CURRENCY", "USD"),

		PayPal: PayPalEnv{
			ClientID:        utils.Getenv("PAYPAL_CLIENT_ID", ""),
			ClientSecret:    utils.Getenv("PAYPAL_CLIENT_SECRET", ""),
			Sandbox:         utils.GetenvBool("PAYPAL_SANDBOX", true),
			WebhookSecret:   utils.Getenv("PAYPAL_WEBHOOK_SECRET", ""),
			ReturnURL:       utils.Getenv("PAYPAL_RETURN_URL", ""),
			CancelURL:       utils.Getenv("PAYPAL_CANCEL_URL", ""),
			BrandName:       utils.Getenv("PAYPAL_BRAND_NAME", "MarketPay"),
			PlatformAccount: utils.Getenv("PLATFORM_ACCOUNT_PAYPAL", ""),
		},
		Tron: ChainEnv{
			APIURL:           utils.Getenv("TRON_API_URL", "https://api.trongrid.io"),
			APIKey:           utils.Getenv("TRON_API_KEY", ""),
			USDTContract:     utils.Getenv("TRON_USDT_CONTRACT", "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t"),
			Wallets:          utils.GetenvList("TRON_WALLETS"),
			MinConfirmations: utils.GetenvInt("TRON_MIN_CONFIRMATIONS", 19),
		},
		Ethereum: ChainEnv{
			APIURL:           utils.Getenv("ETH_API_URL", "https://api.etherscan.io/api"),
			APIKey:           utils.Getenv("ETH_API_KEY", ""),
			USDTContract:     utils.Getenv("ETH_USDT_CONTRACT", "0xdAC17F958D2ee523a2206206994597C13D831ec7"),
			Wallets:          utils.GetenvList("ETH_WALLETS"),
			MinConfirmations: utils.GetenvInt("ETH_MIN_CONFIRMATIONS", 12),
		},
		ChainWebhookSecret: utils.Getenv("CHAIN_WEBHOOK_SECRET", ""),
	}
	return cfg
}

func parseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}
