package commission

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"go-marketpay/payment/db"
	"go-marketpay/payment/errs"
	"go-marketpay/utils"
)

// Store persists commission rules and lists commission records.
type Store struct {
	db  *gorm.DB
	ids utils.IDGenerator
}

func NewStore(gdb *gorm.DB, ids utils.IDGenerator) *Store {
	return &Store{db: gdb, ids: ids}
}

func (s *Store) ActiveRules(ctx context.Context) ([]db.CommissionRule, error) {
	var rules []db.CommissionRule
	err := s.db.WithContext(ctx).
		Where("active = ?", true).
		Order("created_at DESC").Order("id DESC").
		Find(&rules).Error
	return rules, err
}

type NewRule struct {
	Name      string              `json:"name"`
	Type      string              `json:"type" binding:"required"`
	Rate      decimal.Decimal     `json:"rate"`
	MinAmount decimal.NullDecimal `json:"min_amount"`
	MaxAmount decimal.NullDecimal `json:"max_amount"`
}

func (r NewRule) validate() error {
	switch r.Type {
	case db.RulePercentage:
		if r.Rate.GreaterThan(hundred) {
			return fmt.Errorf("percentage rate %s above 100: %w", r.Rate, errs.ErrBadRequest)
		}
	case db.RuleFixed:
	default:
		return fmt.Errorf("rule type %q: %w", r.Type, errs.ErrBadRequest)
	}
	if r.Rate.IsNegative() {
		return fmt.Errorf("negative rate: %w", errs.ErrBadRequest)
	}
	if r.MinAmount.Valid && r.MaxAmount.Valid && r.MinAmount.Decimal.GreaterThan(r.MaxAmount.Decimal) {
		return fmt.Errorf("min_amount above max_amount: %w", errs.ErrBadRequest)
	}
	if r.Type == db.RuleFixed && r.MinAmount.Valid && r.Rate.GreaterThan(r.MinAmount.Decimal) {
		return fmt.Errorf("fixed commission %s exceeds min_amount %s: %w", r.Rate, r.MinAmount.Decimal, errs.ErrBadRequest)
	}
	return nil
}

func (s *Store) CreateRule(ctx context.Context, in NewRule) (db.CommissionRule, error) {
	if err := in.validate(); err != nil {
		return db.CommissionRule{}, err
	}
	rule := db.CommissionRule{
		ID:        s.ids.NextID(),
		Name:      in.Name,
		Type:      in.Type,
		Rate:      in.Rate,
		MinAmount: in.MinAmount,
		MaxAmount: in.MaxAmount,
		Active:    true,
	}
	if err := s.db.WithContext(ctx).Create(&rule).Error; err != nil {
		return db.CommissionRule{}, err
	}
	return rule, nil
}

func (s *Store) ListRules(ctx context.Context) ([]db.CommissionRule, error) {
	var rules []db.CommissionRule
	err := s.db.WithContext(ctx).Order("created_at DESC").Order("id DESC").Find(&rules).Error
	return rules, err
}

func (s *Store) Deactivate(ctx context.Context, id int64) error {
	var rule db.CommissionRule
	err := s.db.WithContext(ctx).First(&rule, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("commission rule %d: %w", id, errs.ErrNotFound)
	}
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Model(&rule).Update("active", false).Error
}

func (s *Store) GetRecord(ctx context.Context, orderID int64) (db.CommissionRecord, error) {
	var rec db.CommissionRecord
	err := s.db.WithContext(ctx).Where("order_id = ?", orderID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return rec, fmt.Errorf("commission record for order %d: %w", orderID, errs.ErrNotFound)
	}
	return rec, err
}

// ListRecords lists commission records, newest first. A nil payee lists all.
func (s *Store) ListRecords(ctx context.Context, payeeID *int64, page, size int) ([]db.CommissionRecord, int64, error) {
	q := s.db.WithContext(ctx).Model(&db.CommissionRecord{})
	if payeeID != nil {
		q = q.Where("payee_id = ?", *payeeID)
	}
	q = q.Session(&gorm.Session{})
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var recs []db.CommissionRecord
	err := q.Order("created_at DESC").Order("id DESC").Offset((page - 1) * size).Limit(size).Find(&recs).Error
	return recs, total, err
}
