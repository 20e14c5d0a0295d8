package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/bourse/settlement-engine/internal/locks"
	"github.com/bourse/settlement-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pgReader
	pool    *pgxpool.Pool
	history *HistoryStore
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{
		pgReader: pgReader{q: pool},
		pool:     pool,
		history:  NewHistoryStore(pool),
	}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Close releases the history reader's handle. The pool is owned by the caller.
func (s *PostgresStore) Close() error {
	return s.history.Close()
}

func (s *PostgresStore) UpsertMarket(ctx context.Context, m *model.Market) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO markets (id, name, enabled) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, enabled = EXCLUDED.enabled`,
		m.ID, m.Name, m.Enabled)
	return err
}

// --- HistoryReader (delegated to the sqlx reader) ---

func (s *PostgresStore) PriceHistory(ctx context.Context, companyID string, limit int) ([]model.PricePoint, error) {
	return s.history.PriceHistory(ctx, companyID, limit)
}

func (s *PostgresStore) WalletHistory(ctx context.Context, walletID string, rechargesOnly bool, limit int) ([]model.WalletSnapshot, error) {
	return s.history.WalletHistory(ctx, walletID, rechargesOnly, limit)
}

func (s *PostgresStore) InventoryHistory(ctx context.Context, companyID string, limit int) ([]model.InventorySnapshot, error) {
	return s.history.InventoryHistory(ctx, companyID, limit)
}

func (s *PostgresStore) PortfolioCache(ctx context.Context, accountID string) ([]model.PortfolioCacheRow, error) {
	return s.history.PortfolioCache(ctx, accountID)
}

// --- Transactions ---

// RunInTx runs fn inside a READ COMMITTED transaction. Rows fn updates are
// locked with SELECT ... FOR UPDATE, so later reads in the same tx see the
// latest committed state.
func (s *PostgresStore) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	pgtx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer pgtx.Rollback(ctx) //nolint:errcheck // no-op after commit

	tx := &pgTx{pgReader: pgReader{q: pgtx}, tx: pgtx, locked: make(map[locks.Key]bool)}
	if err := fn(tx); err != nil {
		return err
	}
	if err := pgtx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgTx struct {
	pgReader
	tx     pgx.Tx
	held   bool
	locked map[locks.Key]bool
}

var lockQueries = map[string]string{
	"wallet":    `SELECT id FROM wallets WHERE id = $1 FOR UPDATE`,
	"inventory": `SELECT company_id FROM inventories WHERE company_id = $1 FOR UPDATE`,
}

func (t *pgTx) Lock(ctx context.Context, keys ...locks.Key) error {
	if t.held {
		return ErrLocksHeld
	}
	t.held = true
	for _, k := range locks.Sorted(keys) {
		kind, id, _ := strings.Cut(string(k), ":")
		q, ok := lockQueries[kind]
		if !ok {
			return fmt.Errorf("lock %s: unknown key kind", k)
		}
		rows, err := t.tx.Query(ctx, q, id)
		if err != nil {
			return fmt.Errorf("lock %s: %w", k, err)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("lock %s: %w", k, err)
		}
		t.locked[k] = true
	}
	return nil
}

func (t *pgTx) CreateAccount(ctx context.Context, a *model.Account) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO accounts (id, alias, role, enabled, wallet_id, market_ids, created_at)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7)`,
		a.ID, a.Alias, a.Role, a.Enabled, a.WalletID, marketIDs(a), a.CreatedAt)
	return err
}

func (t *pgTx) UpdateAccount(ctx context.Context, a *model.Account) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE accounts SET alias = $2, role = $3, enabled = $4, wallet_id = NULLIF($5, ''), market_ids = $6
		 WHERE id = $1`,
		a.ID, a.Alias, a.Role, a.Enabled, a.WalletID, marketIDs(a))
	return affected("account", a.ID, tag, err)
}

func (t *pgTx) CreateWallet(ctx context.Context, w *model.Wallet) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO wallets (id, category, funds, daily_limit, daily_consumed, lockout_until, created_at, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6, $7, $8)`,
		w.ID, w.Category, w.Funds.String(), w.DailyLimit.String(), w.DailyConsumed.String(),
		w.LockoutUntil, w.CreatedAt, w.UpdatedAt)
	return err
}

func (t *pgTx) UpdateWallet(ctx context.Context, w *model.Wallet) error {
	if !t.locked[locks.WalletKey(w.ID)] {
		return fmt.Errorf("wallet %s: %w", w.ID, ErrNotLocked)
	}
	tag, err := t.tx.Exec(ctx,
		`UPDATE wallets
		 SET category = $2, funds = $3::NUMERIC, daily_limit = $4::NUMERIC,
		     daily_consumed = $5::NUMERIC, lockout_until = $6, updated_at = $7
		 WHERE id = $1`,
		w.ID, w.Category, w.Funds.String(), w.DailyLimit.String(), w.DailyConsumed.String(),
		w.LockoutUntil, w.UpdatedAt)
	return affected("wallet", w.ID, tag, err)
}

func (t *pgTx) CreateCompany(ctx context.Context, c *model.Company) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO companies (id, symbol, market_id, delisted, delisted_at, justification, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, c.Symbol, c.MarketID, c.Delisted, c.DelistedAt, c.Justification, c.CreatedAt)
	return err
}

func (t *pgTx) UpdateCompany(ctx context.Context, c *model.Company) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE companies SET delisted = $2, delisted_at = $3, justification = $4 WHERE id = $1`,
		c.ID, c.Delisted, c.DelistedAt, c.Justification)
	return affected("company", c.ID, tag, err)
}

func (t *pgTx) CreateInventory(ctx context.Context, inv *model.Inventory) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO inventories (company_id, total_shares, available_shares, price, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5)`,
		inv.CompanyID, inv.TotalShares, inv.AvailableShares, inv.Price.String(), inv.UpdatedAt)
	return err
}

func (t *pgTx) UpdateInventory(ctx context.Context, inv *model.Inventory) error {
	if !t.locked[locks.InventoryKey(inv.CompanyID)] {
		return fmt.Errorf("inventory %s: %w", inv.CompanyID, ErrNotLocked)
	}
	tag, err := t.tx.Exec(ctx,
		`UPDATE inventories
		 SET total_shares = $2, available_shares = $3, price = $4::NUMERIC, updated_at = $5
		 WHERE company_id = $1`,
		inv.CompanyID, inv.TotalShares, inv.AvailableShares, inv.Price.String(), inv.UpdatedAt)
	return affected("inventory", inv.CompanyID, tag, err)
}

func (t *pgTx) AppendTransaction(ctx context.Context, e *model.Transaction) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO transactions (id, account_id, alias, company_id, side, price, quantity, reason, actor, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8, $9, $10)`,
		e.ID, e.AccountID, e.Alias, e.CompanyID, e.Side,
		e.Price.String(), e.Quantity, e.Reason, e.Actor, e.Timestamp)
	return err
}

func (t *pgTx) AppendWalletSnapshot(ctx context.Context, h *model.WalletSnapshot) error {
	var recharge *string
	if h.RechargeAmount != nil {
		s := h.RechargeAmount.String()
		recharge = &s
	}
	return t.tx.QueryRow(ctx,
		`INSERT INTO wallet_history
		   (wallet_id, category, funds, daily_limit, daily_consumed, lockout_until, recharge_amount, reason, actor, recorded_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6, $7::NUMERIC, $8, $9, $10)
		 RETURNING id`,
		h.WalletID, h.Category, h.Funds.String(), h.DailyLimit.String(), h.DailyConsumed.String(),
		h.LockoutUntil, recharge, h.Reason, h.Actor, h.RecordedAt).Scan(&h.ID)
}

func (t *pgTx) AppendInventorySnapshot(ctx context.Context, h *model.InventorySnapshot) error {
	return t.tx.QueryRow(ctx,
		`INSERT INTO inventory_history (company_id, total_shares, available_shares, price, reason, actor, recorded_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7)
		 RETURNING id`,
		h.CompanyID, h.TotalShares, h.AvailableShares, h.Price.String(), h.Reason, h.Actor, h.RecordedAt).
		Scan(&h.ID)
}

// AppendPricePoint clamps recorded_at so a company's series never goes
// backwards in time.
func (t *pgTx) AppendPricePoint(ctx context.Context, p *model.PricePoint) error {
	if p.RecordedAt.IsZero() {
		p.RecordedAt = time.Now().UTC()
	}
	return t.tx.QueryRow(ctx,
		`INSERT INTO price_history (company_id, price, total_shares, available_shares, source, recorded_at)
		 VALUES ($1, $2::NUMERIC, $3, $4, $5,
		         GREATEST($6::TIMESTAMPTZ, COALESCE(
		             (SELECT MAX(recorded_at) FROM price_history WHERE company_id = $1), $6::TIMESTAMPTZ)))
		 RETURNING id, recorded_at`,
		p.CompanyID, p.Price.String(), p.TotalShares, p.AvailableShares, p.Source, p.RecordedAt).
		Scan(&p.ID, &p.RecordedAt)
}

func (t *pgTx) UpsertPortfolioCache(ctx context.Context, row *model.PortfolioCacheRow) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO portfolio_cache (account_id, company_id, quantity, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (account_id, company_id) DO UPDATE
		 SET quantity = EXCLUDED.quantity, updated_at = EXCLUDED.updated_at`,
		row.AccountID, row.CompanyID, row.Quantity, row.UpdatedAt)
	return err
}

// --- Row reads shared by the pool and open transactions ---

type pgReader struct {
	q querier
}

func (r pgReader) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	var m model.Market
	err := r.q.QueryRow(ctx, `SELECT id, name, enabled FROM markets WHERE id = $1`, id).
		Scan(&m.ID, &m.Name, &m.Enabled)
	if err != nil {
		return nil, notFound("market", id, err)
	}
	return &m, nil
}

func (r pgReader) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	var a model.Account
	err := r.q.QueryRow(ctx,
		`SELECT id, alias, role, enabled, COALESCE(wallet_id, ''), market_ids, created_at
		 FROM accounts WHERE id = $1`, id).
		Scan(&a.ID, &a.Alias, &a.Role, &a.Enabled, &a.WalletID, &a.MarketIDs, &a.CreatedAt)
	if err != nil {
		return nil, notFound("account", id, err)
	}
	return &a, nil
}

const companyColumns = `id, symbol, market_id, delisted, delisted_at, justification, created_at`

func scanCompany(row pgx.Row) (*model.Company, error) {
	var c model.Company
	err := row.Scan(&c.ID, &c.Symbol, &c.MarketID, &c.Delisted, &c.DelistedAt, &c.Justification, &c.CreatedAt)
	return &c, err
}

func (r pgReader) GetCompany(ctx context.Context, id string) (*model.Company, error) {
	c, err := scanCompany(r.q.QueryRow(ctx, `SELECT `+companyColumns+` FROM companies WHERE id = $1`, id))
	if err != nil {
		return nil, notFound("company", id, err)
	}
	return c, nil
}

func (r pgReader) GetCompanyBySymbol(ctx context.Context, symbol string) (*model.Company, error) {
	c, err := scanCompany(r.q.QueryRow(ctx, `SELECT `+companyColumns+` FROM companies WHERE symbol = $1`, symbol))
	if err != nil {
		return nil, notFound("company symbol", symbol, err)
	}
	return c, nil
}

func (r pgReader) GetWallet(ctx context.Context, id string) (*model.Wallet, error) {
	var w model.Wallet
	var funds, limit, consumed string
	err := r.q.QueryRow(ctx,
		`SELECT id, category, funds::TEXT, daily_limit::TEXT, daily_consumed::TEXT,
		        lockout_until, created_at, updated_at
		 FROM wallets WHERE id = $1`, id).
		Scan(&w.ID, &w.Category, &funds, &limit, &consumed, &w.LockoutUntil, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, notFound("wallet", id, err)
	}
	w.Funds, _ = decimal.NewFromString(funds)
	w.DailyLimit, _ = decimal.NewFromString(limit)
	w.DailyConsumed, _ = decimal.NewFromString(consumed)
	return &w, nil
}

func (r pgReader) GetInventory(ctx context.Context, companyID string) (*model.Inventory, error) {
	var inv model.Inventory
	var price string
	err := r.q.QueryRow(ctx,
		`SELECT company_id, total_shares, available_shares, price::TEXT, updated_at
		 FROM inventories WHERE company_id = $1`, companyID).
		Scan(&inv.CompanyID, &inv.TotalShares, &inv.AvailableShares, &price, &inv.UpdatedAt)
	if err != nil {
		return nil, notFound("inventory", companyID, err)
	}
	inv.Price, _ = decimal.NewFromString(price)
	return &inv, nil
}

const transactionColumns = `id, account_id, alias, company_id, side, price::TEXT, quantity, reason, actor, timestamp`

func (r pgReader) LedgerByAccount(ctx context.Context, accountID string) ([]model.Transaction, error) {
	rows, err := r.q.Query(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE account_id = $1 ORDER BY seq`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTransactions(rows)
}

func (r pgReader) LedgerByCompany(ctx context.Context, companyID string) ([]model.Transaction, error) {
	rows, err := r.q.Query(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE company_id = $1 ORDER BY seq`, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTransactions(rows)
}

// scanTransactions reads pgx rows into Transaction slices.
func scanTransactions(rows pgx.Rows) ([]model.Transaction, error) {
	var entries []model.Transaction
	for rows.Next() {
		var e model.Transaction
		var price string

		if err := rows.Scan(&e.ID, &e.AccountID, &e.Alias, &e.CompanyID, &e.Side,
			&price, &e.Quantity, &e.Reason, &e.Actor, &e.Timestamp); err != nil {
			return nil, err
		}

		e.Price, _ = decimal.NewFromString(price)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Helpers ---

func notFound(entity, id string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", entity, id, ErrNotFound)
	}
	return fmt.Errorf("get %s %s: %w", entity, id, err)
}

func affected(entity, id string, tag pgconn.CommandTag, err error) error {
	if err != nil {
		return fmt.Errorf("update %s %s: %w", entity, id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s %s: %w", entity, id, ErrNotFound)
	}
	return nil
}

func marketIDs(a *model.Account) []string {
	if a.MarketIDs == nil {
		return []string{}
	}
	return a.MarketIDs
}
