package settlement

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/bourse/settlement-engine/internal/apperr"
	"github.com/bourse/settlement-engine/internal/listing"
	"github.com/bourse/settlement-engine/internal/locks"
	"github.com/bourse/settlement-engine/internal/metrics"
	"github.com/bourse/settlement-engine/internal/model"
	"github.com/bourse/settlement-engine/internal/store"
)

// ListCompany creates a company and its inventory with every share in the
// treasury at the opening price.
func (e *Engine) ListCompany(ctx context.Context, req listing.Request) (c *model.Company, inv *model.Inventory, err error) {
	const op = "list_company"
	actor, done, err := e.begin(ctx, op)
	if err != nil {
		return nil, nil, err
	}
	defer func() { done(err) }()

	sym, err := req.Validate()
	if err != nil {
		return nil, nil, apperr.New(apperr.KindInvalidInput, op, "%v", err)
	}

	err = e.run(ctx, op, func(ctx context.Context, tx store.Tx) error {
		m, err := tx.GetMarket(ctx, req.MarketID)
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound(op, "market", req.MarketID)
		}
		if err != nil {
			return apperr.Internal(op, err)
		}
		if _, err := tx.GetCompanyBySymbol(ctx, sym.Raw); err == nil {
			return apperr.New(apperr.KindInvalidInput, op, "symbol %s is already listed", sym.Raw)
		} else if !errors.Is(err, store.ErrNotFound) {
			return apperr.Internal(op, err)
		}

		c = &model.Company{
			ID:        uuid.New().String(),
			Symbol:    sym.Raw,
			MarketID:  m.ID,
			CreatedAt: e.wallets.Now(),
		}
		if err := tx.CreateCompany(ctx, c); err != nil {
			return apperr.Internal(op, err)
		}
		inv, err = e.treasury.List(ctx, tx, c.ID, req.TotalShares, req.Price)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	slog.Info("company listed",
		"company", c.ID,
		"symbol", c.Symbol,
		"market", c.MarketID,
		"shares", inv.TotalShares,
		"price", inv.Price.String(),
		"actor", actor,
	)
	e.publish(Event{Type: EventListing, CompanyID: c.ID, Price: inv.Price.String(), Available: inv.AvailableShares})
	return c, inv, nil
}

// ResizeInventory changes a company's total share count. The change is
// absorbed by the treasury; holders are never touched.
func (e *Engine) ResizeInventory(ctx context.Context, companyID string, newTotal int64) (inv *model.Inventory, err error) {
	const op = "resize"
	actor, done, err := e.begin(ctx, op)
	if err != nil {
		return nil, err
	}
	defer func() { done(err) }()

	err = e.run(ctx, op, func(ctx context.Context, tx store.Tx) error {
		if err := tx.Lock(ctx, locks.InventoryKey(companyID)); err != nil {
			return err
		}
		c, err := e.company(ctx, tx, op, companyID)
		if err != nil {
			return err
		}
		if c.Delisted {
			return apperr.New(apperr.KindDisabled, op, "company %s is delisted", companyID)
		}
		inv, err = e.treasury.Resize(ctx, tx, companyID, newTotal)
		return err
	})
	if err != nil {
		return nil, err
	}

	slog.Info("inventory resized", "company", companyID, "total", inv.TotalShares, "available", inv.AvailableShares, "actor", actor)
	e.publish(Event{Type: EventInventory, CompanyID: companyID, Available: inv.AvailableShares})
	return inv, nil
}

// --- Queries ---

// ResolvePosition returns the ledger-derived position of an account in a
// company.
func (e *Engine) ResolvePosition(ctx context.Context, accountID, companyID string) (model.Position, error) {
	return e.positions.ResolvePosition(ctx, e.store, accountID, companyID)
}

// ResolveAllPositions returns every company the account holds.
func (e *Engine) ResolveAllPositions(ctx context.Context, accountID string) ([]model.Position, error) {
	return e.positions.ResolveAllPositions(ctx, e.store, accountID)
}

// Quote returns a company's current inventory row.
func (e *Engine) Quote(ctx context.Context, companyID string) (*model.Inventory, error) {
	return e.treasury.Get(ctx, e.store, companyID)
}

// PriceHistory returns the newest limit price points, oldest first.
func (e *Engine) PriceHistory(ctx context.Context, companyID string, limit int) ([]model.PricePoint, error) {
	const op = "price_history"
	if _, err := e.company(ctx, e.store, op, companyID); err != nil {
		return nil, err
	}
	points, err := e.store.PriceHistory(ctx, companyID, limit)
	if err != nil {
		return nil, apperr.Internal(op, err)
	}
	return points, nil
}

// SetPrice updates a company's current price and appends it to the price
// history. Delisted companies are frozen.
func (e *Engine) SetPrice(ctx context.Context, companyID string, price decimal.Decimal, source model.PriceSource) (inv *model.Inventory, err error) {
	const op = "set_price"
	actor, done, err := e.begin(ctx, op)
	if err != nil {
		return nil, err
	}
	defer func() {
		done(err)
		result := "ok"
		if err != nil {
			result = string(apperr.KindOf(err))
		}
		metrics.PriceLoads.WithLabelValues(string(source), result).Inc()
	}()

	err = e.run(ctx, op, func(ctx context.Context, tx store.Tx) error {
		if err := tx.Lock(ctx, locks.InventoryKey(companyID)); err != nil {
			return err
		}
		c, err := e.company(ctx, tx, op, companyID)
		if err != nil {
			return err
		}
		if c.Delisted {
			return apperr.New(apperr.KindDisabled, op, "company %s is delisted", companyID)
		}
		inv, err = e.treasury.SetPrice(ctx, tx, companyID, price, source)
		return err
	})
	if err != nil {
		return nil, err
	}

	slog.Info("price set", "company", companyID, "price", price.String(), "source", source, "actor", actor)
	e.publish(Event{Type: EventPrice, CompanyID: companyID, Price: price.String(), Available: inv.AvailableShares})
	return inv, nil
}
