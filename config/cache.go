package config

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"go-marketpay/payment/db"
	"go-marketpay/payment/errs"
)

const (
	keyPayPal  = "paypal"
	keyMethods = "methods"
)

func chainKey(network string) string { return "chain:" + network }

// Cache is a read-through cache over the provider configuration tables.
// Entries are loaded on first use and dropped by Invalidate; every admin
// write goes through the cache so readers never see stale settings.
type Cache struct {
	db *gorm.DB

	mu      sync.RWMutex
	entries map[string]any
	// bumped by Invalidate; a load that started before it is not stored
	gen uint64
}

func NewCache(gdb *gorm.DB) *Cache {
	return &Cache{db: gdb, entries: make(map[string]any)}
}

func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.entries = make(map[string]any)
	c.gen++
	c.mu.Unlock()
}

func (c *Cache) lookup(key string) (any, uint64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.entries[key]
	return v, c.gen, ok
}

func (c *Cache) store(key string, v any, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	c.entries[key] = v
}

// PayPal returns the most recently updated active PayPal configuration.
func (c *Cache) PayPal(ctx context.Context) (db.PayPalConfig, error) {
	v, gen, ok := c.lookup(keyPayPal)
	if ok {
		return v.(db.PayPalConfig), nil
	}

	var cfg db.PayPalConfig
	err := c.db.WithContext(ctx).
		Where("active = ?", true).
		Order("updated_at DESC").Order("created_at DESC").
		First(&cfg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return db.PayPalConfig{}, fmt.Errorf("paypal: %w", errs.ErrConfigMissing)
	}
	if err != nil {
		return db.PayPalConfig{}, err
	}
	c.store(keyPayPal, cfg, gen)
	return cfg, nil
}

func (c *Cache) Blockchain(ctx context.Context, network string) (db.BlockchainConfig, error) {
	v, gen, ok := c.lookup(chainKey(network))
	if ok {
		return v.(db.BlockchainConfig), nil
	}

	var cfg db.BlockchainConfig
	err := c.db.WithContext(ctx).Where("network = ? AND active = ?", network, true).First(&cfg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return db.BlockchainConfig{}, fmt.Errorf("blockchain %s: %w", network, errs.ErrConfigMissing)
	}
	if err != nil {
		return db.BlockchainConfig{}, err
	}
	cfg.WalletAddresses = append([]string(nil), cfg.WalletAddresses...)
	c.store(chainKey(network), cfg, gen)
	return cfg, nil
}

// Methods lists the active payment methods in display order.
func (c *Cache) Methods(ctx context.Context) ([]db.PaymentMethodConfig, error) {
	v, gen, ok := c.lookup(keyMethods)
	if ok {
		return append([]db.PaymentMethodConfig(nil), v.([]db.PaymentMethodConfig)...), nil
	}

	var methods []db.PaymentMethodConfig
	if err := c.db.WithContext(ctx).Where("active = ?", true).Order("sort_order ASC").Find(&methods).Error; err != nil {
		return nil, err
	}
	c.store(keyMethods, methods, gen)
	return append([]db.PaymentMethodConfig(nil), methods...), nil
}

func (c *Cache) Method(ctx context.Context, methodID string) (db.PaymentMethodConfig, error) {
	methods, err := c.Methods(ctx)
	if err != nil {
		return db.PaymentMethodConfig{}, err
	}
	for _, m := range methods {
		if m.MethodID == methodID {
			return m, nil
		}
	}
	return db.PaymentMethodConfig{}, fmt.Errorf("payment method %q: %w", methodID, errs.ErrConfigMissing)
}

// Limits are the amount bounds and fee of a payment method, taken from the
// rail behind it. A zero bound is unset.
type Limits struct {
	MinAmount decimal.Decimal `json:"min_amount"`
	MaxAmount decimal.Decimal `json:"max_amount"`
	FeeRate   decimal.Decimal `json:"fee_rate"`
}

// Allows reports whether amount is inside the bounds.
func (l Limits) Allows(amount decimal.Decimal) bool {
	if l.MinAmount.IsPositive() && amount.LessThan(l.MinAmount) {
		return false
	}
	if l.MaxAmount.IsPositive() && amount.GreaterThan(l.MaxAmount) {
		return false
	}
	return true
}

func (c *Cache) Limits(ctx context.Context, methodID string) (Limits, error) {
	m, err := c.Method(ctx, methodID)
	if err != nil {
		return Limits{}, err
	}
	if m.Provider == db.ProviderNamePayPal {
		cfg, err := c.PayPal(ctx)
		if err != nil {
			return Limits{}, err
		}
		return Limits{MinAmount: cfg.MinAmount, MaxAmount: cfg.MaxAmount, FeeRate: cfg.FeeRate}, nil
	}
	cfg, err := c.Blockchain(ctx, m.Network)
	if err != nil {
		return Limits{}, err
	}
	return Limits{MinAmount: cfg.MinAmount, MaxAmount: cfg.MaxAmount, FeeRate: cfg.FeeRate}, nil
}

// PlatformAccount is where the platform's own share of a payment made with
// methodID is received.
func (c *Cache) PlatformAccount(ctx context.Context, methodID string) (string, error) {
	m, err := c.Method(ctx, methodID)
	if err != nil {
		return "", err
	}
	if m.Provider == db.ProviderNamePayPal {
		cfg, err := c.PayPal(ctx)
		if err != nil {
			return "", err
		}
		if cfg.PlatformAccount != "" {
			return cfg.PlatformAccount, nil
		}
		return cfg.ClientID, nil
	}

	cfg, err := c.Blockchain(ctx, m.Network)
	if err != nil {
		return "", err
	}
	if len(cfg.WalletAddresses) == 0 {
		return "", fmt.Errorf("blockchain %s has no wallets: %w", m.Network, errs.ErrConfigMissing)
	}
	return cfg.WalletAddresses[0], nil
}

// WebhookSecrets returns the secrets a webhook from source may be signed with.
func (c *Cache) WebhookSecrets(ctx context.Context, source string) ([]string, error) {
	switch source {
	case db.ProviderNamePayPal:
		cfg, err := c.PayPal(ctx)
		if err != nil {
			return nil, err
		}
		if cfg.WebhookSecret == "" {
			return nil, fmt.Errorf("paypal webhook secret: %w", errs.ErrConfigMissing)
		}
		return []string{cfg.WebhookSecret}, nil
	case db.ProviderNameBlockchain:
		var secrets []string
		for _, network := range db.Networks {
			cfg, err := c.Blockchain(ctx, network)
			if errors.Is(err, errs.ErrConfigMissing) {
				continue
			}
			if err != nil {
				return nil, err
			}
			if cfg.WebhookSecret != "" {
				secrets = append(secrets, cfg.WebhookSecret)
			}
		}
		if len(secrets) == 0 {
			return nil, fmt.Errorf("blockchain webhook secret: %w", errs.ErrConfigMissing)
		}
		return secrets, nil
	}
	return nil, fmt.Errorf("webhook source %q: %w", source, errs.ErrNotFound)
}

// SavePayPal replaces the active PayPal configuration.
func (c *Cache) SavePayPal(ctx context.Context, cfg *db.PayPalConfig) error {
	defer c.Invalidate()
	return c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&db.PayPalConfig{}).Where("id <> ?", cfg.ID).Update("active", false).Error; err != nil {
			return err
		}
		cfg.Active = true
		return tx.Save(cfg).Error
	})
}

// SaveBlockchain creates or replaces the configuration of cfg.Network.
func (c *Cache) SaveBlockchain(ctx context.Context, cfg *db.BlockchainConfig) error {
	defer c.Invalidate()
	return c.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "network"}},
		UpdateAll: true,
	}).Create(cfg).Error
}

// SaveMethod creates or replaces the method row of m.MethodID.
func (c *Cache) SaveMethod(ctx context.Context, m *db.PaymentMethodConfig) error {
	defer c.Invalidate()
	return c.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "method_id"}},
		UpdateAll: true,
	}).Create(m).Error
}
