package wallet

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/bourse/settlement-engine/internal/model"
)

// ErrUnknownCategory is returned for a wallet category with no tier.
var ErrUnknownCategory = errors.New("wallet: unknown category")

// Limits maps each wallet category to its default daily recharge limit.
//
// The tier is fixed when the wallet is created; changing Limits later does
// not touch existing wallets.
type Limits struct {
	Junior decimal.Decimal
	Mid    decimal.Decimal
	Senior decimal.Decimal
}

// DefaultLimits are the stock tiers.
func DefaultLimits() Limits {
	return Limits{
		Junior: decimal.NewFromInt(1000),
		Mid:    decimal.NewFromInt(5000),
		Senior: decimal.NewFromInt(20000),
	}
}

// For returns the daily limit of a category.
func (l Limits) For(c model.WalletCategory) (decimal.Decimal, error) {
	switch c {
	case model.CategoryJunior:
		return l.Junior, nil
	case model.CategoryMid:
		return l.Mid, nil
	case model.CategorySenior:
		return l.Senior, nil
	}
	return decimal.Zero, fmt.Errorf("%w: %q", ErrUnknownCategory, c)
}

// Validate checks every tier is positive.
func (l Limits) Validate() error {
	for _, c := range []model.WalletCategory{model.CategoryJunior, model.CategoryMid, model.CategorySenior} {
		v, _ := l.For(c)
		if !v.IsPositive() || !model.FitsMoney(v) {
			return fmt.Errorf("wallet: %s daily limit must be positive with at most %d decimal places, got %s", c, model.MoneyPlaces, v)
		}
	}
	return nil
}
