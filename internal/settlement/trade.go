package settlement

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/bourse/settlement-engine/internal/apperr"
	"github.com/bourse/settlement-engine/internal/locks"
	"github.com/bourse/settlement-engine/internal/metrics"
	"github.com/bourse/settlement-engine/internal/model"
	"github.com/bourse/settlement-engine/internal/store"
)

// Buy moves quantity shares from the treasury to the account at the
// treasury's current price and debits the cost from the account's wallet.
func (e *Engine) Buy(ctx context.Context, accountID, companyID string, quantity int64) (res *TradeResult, err error) {
	const op = "buy"
	actor, done, err := e.begin(ctx, op)
	if err != nil {
		return nil, err
	}
	defer func() { done(err) }()

	if quantity <= 0 {
		return nil, apperr.New(apperr.KindInvalidInput, op, "quantity must be positive, got %d", quantity)
	}

	err = e.run(ctx, op, func(ctx context.Context, tx store.Tx) error {
		res = nil
		a, err := e.account(ctx, tx, op, accountID)
		if err != nil {
			return err
		}
		if err := tx.Lock(ctx, locks.WalletKey(a.WalletID), locks.InventoryKey(companyID)); err != nil {
			return err
		}

		// Re-read under lock: enablement is only changed under the wallet lock.
		a, err = e.tradingAccount(ctx, tx, op, accountID)
		if err != nil {
			return err
		}
		if _, err := e.tradableCompany(ctx, tx, op, a, companyID); err != nil {
			return err
		}

		inv, err := e.treasury.Get(ctx, tx, companyID)
		if err != nil {
			return err
		}
		if quantity > inv.AvailableShares {
			return apperr.Shortfall(apperr.KindInsufficientInventory, op,
				decimal.NewFromInt(quantity), decimal.NewFromInt(inv.AvailableShares))
		}
		price := inv.Price
		if !price.IsPositive() {
			return apperr.New(apperr.KindNoValidPrice, op, "company %s has no valid price", companyID)
		}
		cost := price.Mul(decimal.NewFromInt(quantity))

		if inv, err = e.treasury.Reserve(ctx, tx, companyID, quantity, model.ReasonTrade); err != nil {
			return err
		}
		w, err := e.wallets.Debit(ctx, tx, a.WalletID, cost, model.ReasonTrade)
		if err != nil {
			return err
		}

		entry, err := e.appendEntry(ctx, tx, op, a, companyID, model.SideBuy, price, quantity, model.ReasonTrade, actor)
		if err != nil {
			return err
		}
		res = tradeResult(entry, w, inv)
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.settled(ctx, res, actor)
	return res, nil
}

// Sell moves quantity shares from the account back to the treasury at the
// current price and credits the proceeds. The account must hold at least
// quantity shares per the ledger.
func (e *Engine) Sell(ctx context.Context, accountID, companyID string, quantity int64) (res *TradeResult, err error) {
	const op = "sell"
	actor, done, err := e.begin(ctx, op)
	if err != nil {
		return nil, err
	}
	defer func() { done(err) }()

	if quantity <= 0 {
		return nil, apperr.New(apperr.KindInvalidInput, op, "quantity must be positive, got %d", quantity)
	}

	err = e.run(ctx, op, func(ctx context.Context, tx store.Tx) error {
		res = nil
		a, err := e.account(ctx, tx, op, accountID)
		if err != nil {
			return err
		}
		if err := tx.Lock(ctx, locks.WalletKey(a.WalletID), locks.InventoryKey(companyID)); err != nil {
			return err
		}

		a, err = e.tradingAccount(ctx, tx, op, accountID)
		if err != nil {
			return err
		}
		if _, err := e.listedCompany(ctx, tx, op, companyID); err != nil {
			return err
		}

		// Folded from the same tx that is about to mutate.
		pos, err := e.positions.ResolvePosition(ctx, tx, accountID, companyID)
		if err != nil {
			return err
		}
		if pos.NetQuantity < quantity {
			return apperr.Shortfall(apperr.KindInsufficientPosition, op,
				decimal.NewFromInt(quantity), decimal.NewFromInt(pos.NetQuantity))
		}

		inv, err := e.treasury.Get(ctx, tx, companyID)
		if err != nil {
			return err
		}
		price := inv.Price
		if !price.IsPositive() {
			return apperr.New(apperr.KindNoValidPrice, op, "company %s has no valid price", companyID)
		}
		proceeds := price.Mul(decimal.NewFromInt(quantity))

		if inv, err = e.treasury.Release(ctx, tx, companyID, quantity, model.ReasonTrade); err != nil {
			return err
		}
		w, err := e.wallets.Credit(ctx, tx, a.WalletID, proceeds, model.ReasonTrade)
		if err != nil {
			return err
		}

		entry, err := e.appendEntry(ctx, tx, op, a, companyID, model.SideSell, price, quantity, model.ReasonTrade, actor)
		if err != nil {
			return err
		}
		res = tradeResult(entry, w, inv)
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.settled(ctx, res, actor)
	return res, nil
}

// appendEntry writes one ledger row. The alias is a display copy; the
// account id is the key.
func (e *Engine) appendEntry(ctx context.Context, tx store.Tx, op string, a *model.Account, companyID string,
	side model.Side, price decimal.Decimal, quantity int64, reason model.Reason, actor string) (*model.Transaction, error) {
	entry := &model.Transaction{
		ID:        uuid.New().String(),
		AccountID: a.ID,
		Alias:     a.Alias,
		CompanyID: companyID,
		Side:      side,
		Price:     price,
		Quantity:  quantity,
		Reason:    reason,
		Actor:     actor,
		Timestamp: e.wallets.Now(),
	}
	if err := tx.AppendTransaction(ctx, entry); err != nil {
		return nil, apperr.Internal(op, err)
	}
	return entry, nil
}

func tradeResult(entry *model.Transaction, w *model.Wallet, inv *model.Inventory) *TradeResult {
	return &TradeResult{
		TransactionID: entry.ID,
		AccountID:     entry.AccountID,
		CompanyID:     entry.CompanyID,
		Side:          entry.Side,
		Price:         entry.Price,
		Quantity:      entry.Quantity,
		Amount:        entry.Amount(),
		Funds:         w.Funds,
		Available:     inv.AvailableShares,
	}
}

// settled runs the post-commit side effects of a trade.
func (e *Engine) settled(ctx context.Context, res *TradeResult, actor string) {
	e.refreshPortfolioCache(ctx, res.AccountID, res.CompanyID)
	metrics.SharesSettled.WithLabelValues(string(res.Side), string(model.ReasonTrade)).Add(float64(res.Quantity))

	slog.Info("trade settled",
		"tx_id", res.TransactionID,
		"account", res.AccountID,
		"company", res.CompanyID,
		"side", res.Side,
		"qty", res.Quantity,
		"price", res.Price.String(),
		"amount", res.Amount.String(),
		"available", res.Available,
		"actor", actor,
	)

	e.publish(Event{
		Type:      EventTrade,
		CompanyID: res.CompanyID,
		AccountID: res.AccountID,
		Side:      string(res.Side),
		Price:     res.Price.String(),
		Quantity:  res.Quantity,
		Available: res.Available,
	})
}
