package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/bourse/settlement-engine/internal/model"
)

// HistoryStore serves the append-only history tables through sqlx, sharing
// the pgx pool via database/sql. The tables are read-heavy and wide, so
// struct scanning by db tag keeps the queries short.
type HistoryStore struct {
	db *sqlx.DB
}

// NewHistoryStore wraps pool in a database/sql handle for sqlx.
func NewHistoryStore(pool *pgxpool.Pool) *HistoryStore {
	return &HistoryStore{db: sqlx.NewDb(stdlib.OpenDBFromPool(pool), "pgx")}
}

func (h *HistoryStore) Close() error {
	return h.db.Close()
}

func (h *HistoryStore) PriceHistory(ctx context.Context, companyID string, limit int) ([]model.PricePoint, error) {
	points := []model.PricePoint{}
	err := h.db.SelectContext(ctx, &points,
		`SELECT * FROM (
		   SELECT id, company_id, price::TEXT AS price, total_shares, available_shares, source, recorded_at
		   FROM price_history WHERE company_id = $1
		   ORDER BY id DESC LIMIT NULLIF($2::BIGINT, 0)
		 ) recent ORDER BY id ASC`, companyID, limit)
	if err != nil {
		return nil, fmt.Errorf("price history %s: %w", companyID, err)
	}
	return points, nil
}

func (h *HistoryStore) WalletHistory(ctx context.Context, walletID string, rechargesOnly bool, limit int) ([]model.WalletSnapshot, error) {
	rows := []model.WalletSnapshot{}
	err := h.db.SelectContext(ctx, &rows,
		`SELECT id, wallet_id, category, funds::TEXT AS funds, daily_limit::TEXT AS daily_limit,
		        daily_consumed::TEXT AS daily_consumed, lockout_until,
		        recharge_amount::TEXT AS recharge_amount, reason, actor, recorded_at
		 FROM wallet_history
		 WHERE wallet_id = $1 AND (NOT $2 OR recharge_amount IS NOT NULL)
		 ORDER BY id DESC LIMIT NULLIF($3::BIGINT, 0)`, walletID, rechargesOnly, limit)
	if err != nil {
		return nil, fmt.Errorf("wallet history %s: %w", walletID, err)
	}
	return rows, nil
}

func (h *HistoryStore) InventoryHistory(ctx context.Context, companyID string, limit int) ([]model.InventorySnapshot, error) {
	rows := []model.InventorySnapshot{}
	err := h.db.SelectContext(ctx, &rows,
		`SELECT id, company_id, total_shares, available_shares, price::TEXT AS price, reason, actor, recorded_at
		 FROM inventory_history
		 WHERE company_id = $1
		 ORDER BY id DESC LIMIT NULLIF($2::BIGINT, 0)`, companyID, limit)
	if err != nil {
		return nil, fmt.Errorf("inventory history %s: %w", companyID, err)
	}
	return rows, nil
}

func (h *HistoryStore) PortfolioCache(ctx context.Context, accountID string) ([]model.PortfolioCacheRow, error) {
	rows := []model.PortfolioCacheRow{}
	err := h.db.SelectContext(ctx, &rows,
		`SELECT account_id, company_id, quantity, updated_at
		 FROM portfolio_cache WHERE account_id = $1 ORDER BY company_id`, accountID)
	if err != nil {
		return nil, fmt.Errorf("portfolio cache %s: %w", accountID, err)
	}
	return rows, nil
}
