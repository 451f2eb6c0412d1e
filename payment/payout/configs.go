package payout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"go-marketpay/payment/db"
	"go-marketpay/payment/errs"
	"go-marketpay/payment/provider"
	"go-marketpay/utils"
)

// ConfigStore reads and writes payees' receiving destinations.
type ConfigStore struct {
	db  *gorm.DB
	ids utils.IDGenerator
}

func NewConfigStore(gdb *gorm.DB, ids utils.IDGenerator) *ConfigStore {
	return &ConfigStore{db: gdb, ids: ids}
}

// Resolve returns the most recently updated active config of payee for method.
func (s *ConfigStore) Resolve(ctx context.Context, payeeID int64, method string) (db.UserPayoutConfig, error) {
	var cfg db.UserPayoutConfig
	err := s.db.WithContext(ctx).
		Where("payee_id = ? AND method = ? AND active = ?", payeeID, method, true).
		Order("updated_at DESC").Order("created_at DESC").Order("id DESC").
		First(&cfg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return cfg, fmt.Errorf("payee %d has no %s payout destination: %w", payeeID, method, errs.ErrConfigMissing)
	}
	return cfg, err
}

func (s *ConfigStore) List(ctx context.Context, payeeID int64) ([]db.UserPayoutConfig, error) {
	var cfgs []db.UserPayoutConfig
	err := s.db.WithContext(ctx).Where("payee_id = ?", payeeID).Order("updated_at DESC").Find(&cfgs).Error
	return cfgs, err
}

type NewConfig struct {
	Method      string `json:"method" binding:"required"`
	Destination string `json:"destination" binding:"required"`
	DisplayName string `json:"display_name"`
}

// Save adds an active destination for payee. On-chain destinations must be
// valid addresses of their network.
func (s *ConfigStore) Save(ctx context.Context, payeeID int64, in NewConfig) (db.UserPayoutConfig, error) {
	switch in.Method {
	case db.MethodPayPal:
	case db.MethodUSDTTron:
		if err := provider.ValidateAddress(db.NetworkTron, in.Destination); err != nil {
			return db.UserPayoutConfig{}, err
		}
	case db.MethodUSDTEth:
		if err := provider.ValidateAddress(db.NetworkEthereum, in.Destination); err != nil {
			return db.UserPayoutConfig{}, err
		}
	default:
		return db.UserPayoutConfig{}, fmt.Errorf("payout method %q: %w", in.Method, errs.ErrBadRequest)
	}

	now := time.Now()
	cfg := db.UserPayoutConfig{
		ID:          s.ids.NextID(),
		PayeeID:     payeeID,
		Method:      in.Method,
		Destination: in.Destination,
		DisplayName: in.DisplayName,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.db.WithContext(ctx).Create(&cfg).Error; err != nil {
		return db.UserPayoutConfig{}, err
	}
	return cfg, nil
}
