// Package commission computes the platform's cut of third-party sales.
package commission

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"go-marketpay/payment/db"
	"go-marketpay/payment/errs"
)

// Scale is the number of decimal places commission amounts are rounded to.
const Scale = 6

var hundred = decimal.NewFromInt(100)

// RuleSource lists active rules, most recently created first.
type RuleSource interface {
	ActiveRules(ctx context.Context) ([]db.CommissionRule, error)
}

type Result struct {
	Rule        db.CommissionRule
	Commission  decimal.Decimal
	PayeeAmount decimal.Decimal
}

type Calculator struct {
	rules RuleSource
}

func NewCalculator(rules RuleSource) *Calculator {
	return &Calculator{rules: rules}
}

// Compute applies the first active rule whose range contains gross.
// It returns errs.ErrNoCommission when no rule matches.
func (c *Calculator) Compute(ctx context.Context, gross decimal.Decimal) (Result, error) {
	rules, err := c.rules.ActiveRules(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("load commission rules: %w", err)
	}

	for _, r := range rules {
		if !Matches(r, gross) {
			continue
		}
		commission, err := Apply(r, gross)
		if err != nil {
			return Result{}, err
		}
		return Result{Rule: r, Commission: commission, PayeeAmount: gross.Sub(commission)}, nil
	}
	return Result{}, fmt.Errorf("gross %s: %w", gross, errs.ErrNoCommission)
}

func Matches(r db.CommissionRule, gross decimal.Decimal) bool {
	if !r.Active {
		return false
	}
	if r.MinAmount.Valid && gross.LessThan(r.MinAmount.Decimal) {
		return false
	}
	if r.MaxAmount.Valid && gross.GreaterThan(r.MaxAmount.Decimal) {
		return false
	}
	return true
}

// Apply computes the commission r takes from gross. A rule that would take
// more than gross, or a negative amount, is a configuration error.
func Apply(r db.CommissionRule, gross decimal.Decimal) (decimal.Decimal, error) {
	var commission decimal.Decimal
	switch r.Type {
	case db.RulePercentage:
		commission = gross.Mul(r.Rate).Div(hundred).Round(Scale)
	case db.RuleFixed:
		commission = r.Rate
	default:
		return decimal.Zero, fmt.Errorf("rule %d has type %q: %w", r.ID, r.Type, errs.ErrInvalidConfig)
	}

	if commission.IsNegative() || commission.GreaterThan(gross) {
		return decimal.Zero, fmt.Errorf("rule %d takes %s of %s: %w", r.ID, commission, gross, errs.ErrInvalidConfig)
	}
	return commission, nil
}
