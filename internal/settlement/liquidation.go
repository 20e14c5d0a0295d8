package settlement

import (
	"context"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/bourse/settlement-engine/internal/apperr"
	"github.com/bourse/settlement-engine/internal/locks"
	"github.com/bourse/settlement-engine/internal/metrics"
	"github.com/bourse/settlement-engine/internal/model"
	"github.com/bourse/settlement-engine/internal/store"
)

// DelistLiquidation closes every holder's position in a company at the
// settlement price and marks the company delisted, all in one unit.
//
// The settlement price is overridePrice when it is positive, otherwise the
// current inventory price. Only delisting accepts an override.
func (e *Engine) DelistLiquidation(ctx context.Context, companyID, justification string, overridePrice *decimal.Decimal) (res *LiquidationResult, err error) {
	const op = "delist"
	actor, done, err := e.begin(ctx, op)
	if err != nil {
		return nil, err
	}
	defer func() { done(err) }()

	if strings.TrimSpace(justification) == "" {
		return nil, apperr.New(apperr.KindInvalidInput, op, "justification is required")
	}
	if overridePrice != nil && overridePrice.IsPositive() && !model.FitsMoney(*overridePrice) {
		return nil, apperr.New(apperr.KindInvalidPrice, op, "override price has more than %d decimal places: %s", model.MoneyPlaces, overridePrice)
	}

	var liquidated []model.Position
	err = e.run(ctx, op, func(ctx context.Context, tx store.Tx) error {
		res, liquidated = nil, nil

		// Plan: every current holder's wallet plus the inventory.
		planned, err := e.positions.CompanyHolders(ctx, tx, companyID)
		if err != nil {
			return err
		}
		wallets := make(map[string]string, len(planned)) // account → wallet
		keys := []locks.Key{locks.InventoryKey(companyID)}
		for _, p := range planned {
			a, err := e.account(ctx, tx, op, p.AccountID)
			if err != nil {
				return err
			}
			wallets[a.ID] = a.WalletID
			keys = append(keys, locks.WalletKey(a.WalletID))
		}
		if err := tx.Lock(ctx, keys...); err != nil {
			return err
		}

		c, err := e.company(ctx, tx, op, companyID)
		if err != nil {
			return err
		}
		if c.Delisted {
			return apperr.New(apperr.KindInvalidInput, op, "company %s is already delisted", companyID)
		}
		inv, err := e.treasury.Get(ctx, tx, companyID)
		if err != nil {
			return err
		}
		price := inv.Price
		if overridePrice != nil && overridePrice.IsPositive() {
			price = *overridePrice
		}
		if !price.IsPositive() {
			return apperr.New(apperr.KindNoValidPrice, op, "no positive override or current price for %s", companyID)
		}

		// With the inventory locked no new holder can appear; a holder that
		// bought between planning and locking forces a re-plan.
		holders, err := e.positions.CompanyHolders(ctx, tx, companyID)
		if err != nil {
			return err
		}
		for _, p := range holders {
			if _, ok := wallets[p.AccountID]; !ok {
				return errLockSetChanged
			}
		}

		res, err = e.liquidate(ctx, tx, op, holders, func(string) (decimal.Decimal, error) { return price, nil },
			model.ReasonDelisting, actor)
		if err != nil {
			return err
		}
		sp := price.String()
		res.SettlementPrice = &sp
		liquidated = holders

		now := e.wallets.Now()
		c.Delisted = true
		c.DelistedAt = &now
		c.Justification = justification
		if err := tx.UpdateCompany(ctx, c); err != nil {
			return apperr.Internal(op, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.liquidated(op, model.ReasonDelisting, res, liquidated, actor)
	slog.Info("company delisted", "company", companyID, "justification", justification, "actor", actor)
	e.publish(Event{Type: EventDelisting, CompanyID: companyID, Price: *res.SettlementPrice, Positions: res.Positions})
	return res, nil
}

// AccountLiquidation closes every position of an account at current prices
// and disables the account. A disabled account holds nothing afterwards.
func (e *Engine) AccountLiquidation(ctx context.Context, accountID, justification string) (*LiquidationResult, error) {
	const op = "disable"
	if strings.TrimSpace(justification) == "" {
		return nil, apperr.New(apperr.KindInvalidInput, op, "justification is required")
	}
	res, err := e.liquidateAccount(ctx, op, accountID, model.ReasonDisable, true)
	if err != nil {
		return nil, err
	}
	slog.Info("account disabled", "account", accountID, "justification", justification)
	e.publish(Event{Type: EventDisable, AccountID: accountID, Positions: res.Positions})
	return res, nil
}

// SelfLiquidation closes every position of the caller's own account at
// current prices. Password re-verification happens before this is called.
func (e *Engine) SelfLiquidation(ctx context.Context, accountID string) (*LiquidationResult, error) {
	res, err := e.liquidateAccount(ctx, "self_liquidate", accountID, model.ReasonSelf, false)
	if err != nil {
		return nil, err
	}
	e.publish(Event{Type: EventSelf, AccountID: accountID, Positions: res.Positions})
	return res, nil
}

func (e *Engine) liquidateAccount(ctx context.Context, op, accountID string, reason model.Reason, disable bool) (res *LiquidationResult, err error) {
	actor, done, err := e.begin(ctx, op)
	if err != nil {
		return nil, err
	}
	defer func() { done(err) }()

	var liquidated []model.Position
	err = e.run(ctx, op, func(ctx context.Context, tx store.Tx) error {
		res, liquidated = nil, nil

		a, err := e.account(ctx, tx, op, accountID)
		if err != nil {
			return err
		}
		planned, err := e.positions.ResolveAllPositions(ctx, tx, accountID)
		if err != nil {
			return err
		}
		companies := make(map[string]bool, len(planned))
		keys := []locks.Key{locks.WalletKey(a.WalletID)}
		for _, p := range planned {
			companies[p.CompanyID] = true
			keys = append(keys, locks.InventoryKey(p.CompanyID))
		}
		if err := tx.Lock(ctx, keys...); err != nil {
			return err
		}

		a, err = e.tradingAccount(ctx, tx, op, accountID)
		if err != nil {
			return err
		}

		// With the wallet locked the account cannot open a new position; a
		// buy that committed between planning and locking forces a re-plan.
		held, err := e.positions.ResolveAllPositions(ctx, tx, accountID)
		if err != nil {
			return err
		}
		for _, p := range held {
			if !companies[p.CompanyID] {
				return errLockSetChanged
			}
		}

		res, err = e.liquidate(ctx, tx, op, held, func(companyID string) (decimal.Decimal, error) {
			inv, err := e.treasury.Get(ctx, tx, companyID)
			if err != nil {
				return decimal.Zero, err
			}
			if !inv.Price.IsPositive() {
				return decimal.Zero, apperr.New(apperr.KindNoValidPrice, op, "company %s has no valid price", companyID)
			}
			return inv.Price, nil
		}, reason, actor)
		if err != nil {
			return err
		}
		liquidated = held

		if disable {
			a.Enabled = false
			if err := tx.UpdateAccount(ctx, a); err != nil {
				return apperr.Internal(op, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.liquidated(op, reason, res, liquidated, actor)
	return res, nil
}

// liquidate sells every given position back to the treasury. All needed
// locks are held by the caller. Each holder's wallet is credited
// net × price, the shares are released, a Sell row is appended and the
// legacy cache row is zeroed.
func (e *Engine) liquidate(ctx context.Context, tx store.Tx, op string, positions []model.Position,
	priceOf func(companyID string) (decimal.Decimal, error), reason model.Reason, actor string) (*LiquidationResult, error) {
	res := &LiquidationResult{TotalValue: decimal.Zero}

	// Validate every price before the first mutation.
	prices := make(map[string]decimal.Decimal)
	for _, p := range positions {
		if _, ok := prices[p.CompanyID]; ok {
			continue
		}
		price, err := priceOf(p.CompanyID)
		if err != nil {
			return nil, err
		}
		prices[p.CompanyID] = price
	}

	now := e.wallets.Now()
	for _, p := range positions {
		a, err := e.account(ctx, tx, op, p.AccountID)
		if err != nil {
			return nil, err
		}
		price := prices[p.CompanyID]
		value := price.Mul(decimal.NewFromInt(p.NetQuantity))

		if _, err := e.treasury.Release(ctx, tx, p.CompanyID, p.NetQuantity, reason); err != nil {
			return nil, err
		}
		if _, err := e.wallets.Credit(ctx, tx, a.WalletID, value, reason); err != nil {
			return nil, err
		}
		if _, err := e.appendEntry(ctx, tx, op, a, p.CompanyID, model.SideSell, price, p.NetQuantity, reason, actor); err != nil {
			return nil, err
		}
		row := &model.PortfolioCacheRow{AccountID: p.AccountID, CompanyID: p.CompanyID, Quantity: 0, UpdatedAt: now}
		if err := tx.UpsertPortfolioCache(ctx, row); err != nil {
			return nil, apperr.Internal(op, err)
		}

		res.Positions++
		res.SharesSold += p.NetQuantity
		res.TotalValue = res.TotalValue.Add(value)
	}
	return res, nil
}

func (e *Engine) liquidated(op string, reason model.Reason, res *LiquidationResult, positions []model.Position, actor string) {
	metrics.LiquidatedPositions.WithLabelValues(string(reason)).Add(float64(res.Positions))
	metrics.SharesSettled.WithLabelValues(string(model.SideSell), string(reason)).Add(float64(res.SharesSold))

	for _, p := range positions {
		slog.Info("position liquidated",
			"op", op,
			"account", p.AccountID,
			"company", p.CompanyID,
			"qty", p.NetQuantity,
			"actor", actor,
		)
	}
	slog.Info("liquidation settled",
		"op", op,
		"positions", res.Positions,
		"shares", res.SharesSold,
		"value", res.TotalValue.String(),
		"actor", actor,
	)
}
