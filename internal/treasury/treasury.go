// Package treasury is the single authority over share conservation: the
// total and available share counts of each company and its current price.
//
// Operations run inside a store.Tx that has locked the inventory row. Every
// mutation appends an inventory snapshot; price changes also append a price
// history point carrying the counts at that moment.
package treasury

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bourse/settlement-engine/internal/apperr"
	"github.com/bourse/settlement-engine/internal/audit"
	"github.com/bourse/settlement-engine/internal/model"
	"github.com/bourse/settlement-engine/internal/store"
)

// Manager applies inventory rules.
type Manager struct {
	now func() time.Time
}

// NewManager creates a treasury manager. A nil clock uses UTC wall time.
func NewManager(now func() time.Time) *Manager {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Manager{now: now}
}

// Get reads an inventory row, mapping a missing row to NotFound.
func (m *Manager) Get(ctx context.Context, r store.Reader, companyID string) (*model.Inventory, error) {
	inv, err := r.GetInventory(ctx, companyID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("inventory", "company", companyID)
	}
	if err != nil {
		return nil, apperr.Internal("inventory", err)
	}
	return inv, nil
}

// Reserve moves quantity shares out of the treasury.
func (m *Manager) Reserve(ctx context.Context, tx store.Tx, companyID string, quantity int64, reason model.Reason) (*model.Inventory, error) {
	const op = "reserve"
	if quantity <= 0 {
		return nil, apperr.New(apperr.KindInvalidInput, op, "quantity must be positive, got %d", quantity)
	}
	inv, err := m.Get(ctx, tx, companyID)
	if err != nil {
		return nil, err
	}
	if quantity > inv.AvailableShares {
		return nil, apperr.Shortfall(apperr.KindInsufficientInventory, op,
			decimal.NewFromInt(quantity), decimal.NewFromInt(inv.AvailableShares))
	}

	inv.AvailableShares -= quantity
	return inv, m.save(ctx, tx, op, inv, reason)
}

// Release returns quantity shares to the treasury. Exceeding the total
// means the ledger and inventory disagree, which is reported as Internal.
func (m *Manager) Release(ctx context.Context, tx store.Tx, companyID string, quantity int64, reason model.Reason) (*model.Inventory, error) {
	const op = "release"
	if quantity <= 0 {
		return nil, apperr.New(apperr.KindInvalidInput, op, "quantity must be positive, got %d", quantity)
	}
	inv, err := m.Get(ctx, tx, companyID)
	if err != nil {
		return nil, err
	}
	if inv.AvailableShares+quantity > inv.TotalShares {
		return nil, apperr.Internal(op, fmt.Errorf("conservation breach on %s: available %d + %d > total %d",
			companyID, inv.AvailableShares, quantity, inv.TotalShares))
	}

	inv.AvailableShares += quantity
	return inv, m.save(ctx, tx, op, inv, reason)
}

// SetPrice updates the current price and records it in price history.
func (m *Manager) SetPrice(ctx context.Context, tx store.Tx, companyID string, price decimal.Decimal, source model.PriceSource) (*model.Inventory, error) {
	const op = "set_price"
	if !price.IsPositive() || !model.FitsMoney(price) {
		return nil, apperr.New(apperr.KindInvalidPrice, op, "price must be positive with at most %d decimal places, got %s", model.MoneyPlaces, price)
	}
	inv, err := m.Get(ctx, tx, companyID)
	if err != nil {
		return nil, err
	}

	inv.Price = price
	if err := m.save(ctx, tx, op, inv, model.ReasonPriceLoad); err != nil {
		return nil, err
	}
	if err := m.appendPrice(ctx, tx, op, inv, source); err != nil {
		return nil, err
	}
	return inv, nil
}

// Resize changes the total share count. The delta is applied to the
// treasury's available shares, never to holders, so shrinking below the
// held shares fails with InsufficientInventory.
func (m *Manager) Resize(ctx context.Context, tx store.Tx, companyID string, newTotal int64) (*model.Inventory, error) {
	const op = "resize"
	if newTotal <= 0 {
		return nil, apperr.New(apperr.KindInvalidInput, op, "total shares must be positive, got %d", newTotal)
	}
	inv, err := m.Get(ctx, tx, companyID)
	if err != nil {
		return nil, err
	}

	delta := newTotal - inv.TotalShares
	if inv.AvailableShares+delta < 0 {
		return nil, apperr.Shortfall(apperr.KindInsufficientInventory, op,
			decimal.NewFromInt(-delta), decimal.NewFromInt(inv.AvailableShares))
	}

	inv.TotalShares = newTotal
	inv.AvailableShares += delta
	return inv, m.save(ctx, tx, op, inv, model.ReasonResize)
}

// List creates the inventory of a newly listed company with every share in
// the treasury, and records the opening price.
func (m *Manager) List(ctx context.Context, tx store.Tx, companyID string, totalShares int64, price decimal.Decimal) (*model.Inventory, error) {
	const op = "list"
	if totalShares <= 0 {
		return nil, apperr.New(apperr.KindInvalidInput, op, "total shares must be positive, got %d", totalShares)
	}
	if !price.IsPositive() || !model.FitsMoney(price) {
		return nil, apperr.New(apperr.KindInvalidPrice, op, "price must be positive with at most %d decimal places, got %s", model.MoneyPlaces, price)
	}

	inv := &model.Inventory{
		CompanyID:       companyID,
		TotalShares:     totalShares,
		AvailableShares: totalShares,
		Price:           price,
		UpdatedAt:       m.now(),
	}
	if err := tx.CreateInventory(ctx, inv); err != nil {
		return nil, apperr.Internal(op, err)
	}
	if err := m.snapshot(ctx, tx, op, inv, model.ReasonListing); err != nil {
		return nil, err
	}
	if err := m.appendPrice(ctx, tx, op, inv, model.PriceSourceListing); err != nil {
		return nil, err
	}
	return inv, nil
}

func (m *Manager) save(ctx context.Context, tx store.Tx, op string, inv *model.Inventory, reason model.Reason) error {
	inv.UpdatedAt = m.now()
	if err := tx.UpdateInventory(ctx, inv); err != nil {
		return apperr.Internal(op, fmt.Errorf("update inventory %s: %w", inv.CompanyID, err))
	}
	return m.snapshot(ctx, tx, op, inv, reason)
}

func (m *Manager) snapshot(ctx context.Context, tx store.Tx, op string, inv *model.Inventory, reason model.Reason) error {
	err := tx.AppendInventorySnapshot(ctx, &model.InventorySnapshot{
		CompanyID:       inv.CompanyID,
		TotalShares:     inv.TotalShares,
		AvailableShares: inv.AvailableShares,
		Price:           inv.Price,
		Reason:          reason,
		Actor:           audit.ActorOr(ctx, "system"),
		RecordedAt:      inv.UpdatedAt,
	})
	if err != nil {
		return apperr.Internal(op, fmt.Errorf("inventory history %s: %w", inv.CompanyID, err))
	}
	return nil
}

func (m *Manager) appendPrice(ctx context.Context, tx store.Tx, op string, inv *model.Inventory, source model.PriceSource) error {
	err := tx.AppendPricePoint(ctx, &model.PricePoint{
		CompanyID:       inv.CompanyID,
		Price:           inv.Price,
		TotalShares:     inv.TotalShares,
		AvailableShares: inv.AvailableShares,
		Source:          source,
		RecordedAt:      inv.UpdatedAt,
	})
	if err != nil {
		return apperr.Internal(op, fmt.Errorf("price history %s: %w", inv.CompanyID, err))
	}
	return nil
}
