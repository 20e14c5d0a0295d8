// Package settlement orchestrates trades and liquidations as atomic units
// over the wallet, treasury and ledger.
//
// Each operation runs in one store.Tx: it takes every wallet and inventory
// lock it needs in a single sorted call, re-reads state under those locks,
// validates, mutates and appends ledger rows. Nothing is applied unless the
// whole unit commits. The acting identity travels in the context (see
// WithActor) and is stamped on every row written.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bourse/settlement-engine/internal/apperr"
	"github.com/bourse/settlement-engine/internal/audit"
	"github.com/bourse/settlement-engine/internal/metrics"
	"github.com/bourse/settlement-engine/internal/model"
	"github.com/bourse/settlement-engine/internal/position"
	"github.com/bourse/settlement-engine/internal/store"
	"github.com/bourse/settlement-engine/internal/treasury"
	"github.com/bourse/settlement-engine/internal/wallet"
)

// DefaultLockTimeout bounds lock waits when the caller sets no deadline.
const DefaultLockTimeout = 5 * time.Second

// errLockSetChanged aborts a tx whose rows changed between planning the
// lock set and acquiring it. The operation is retried in a fresh tx.
var errLockSetChanged = errors.New("settlement: lock set changed")

// WithActor returns a context carrying the identity performing an operation.
func WithActor(ctx context.Context, actor string) context.Context {
	return audit.WithActor(ctx, actor)
}

// Publisher receives committed settlement events. Implementations must not
// block.
type Publisher interface {
	Publish(Event)
}

// Event describes a committed state change for live subscribers.
type Event struct {
	Type      string `json:"type"`
	CompanyID string `json:"company_id,omitempty"`
	AccountID string `json:"account_id,omitempty"`
	Side      string `json:"side,omitempty"`
	Price     string `json:"price,omitempty"`
	Quantity  int64  `json:"quantity,omitempty"`
	Available int64  `json:"available_shares,omitempty"`
	Positions int    `json:"positions,omitempty"`
}

// Event types.
const (
	EventTrade        = "trade_settled"
	EventDelisting    = "company_delisted"
	EventDisable      = "account_liquidated"
	EventSelf         = "self_liquidated"
	EventPrice        = "price_updated"
	EventListing      = "company_listed"
	EventInventory    = "inventory_resized"
	EventWalletLocked = "wallet_locked"
)

// TradeResult is returned by Buy and Sell.
type TradeResult struct {
	TransactionID string          `json:"transaction_id"`
	AccountID     string          `json:"account_id"`
	CompanyID     string          `json:"company_id"`
	Side          model.Side      `json:"side"`
	Price         decimal.Decimal `json:"price"`
	Quantity      int64           `json:"quantity"`
	Amount        decimal.Decimal `json:"amount"`
	Funds         decimal.Decimal `json:"funds"`
	Available     int64           `json:"available_shares"`
}

// LiquidationResult is returned by the liquidation operations.
type LiquidationResult struct {
	Positions       int             `json:"positions"`
	SharesSold      int64           `json:"shares_sold"`
	TotalValue      decimal.Decimal `json:"total_value"`
	SettlementPrice *string         `json:"settlement_price,omitempty"` // delisting only
}

// Engine executes settlement operations.
type Engine struct {
	store       store.Store
	wallets     *wallet.Manager
	treasury    *treasury.Manager
	positions   position.Resolver
	lockTimeout time.Duration
	publisher   Publisher
}

// Option configures an Engine.
type Option func(*Engine)

// WithLockTimeout bounds how long an operation may wait for its locks and
// commit. The caller's own deadline still applies when it is sooner.
func WithLockTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.lockTimeout = d
		}
	}
}

// WithPublisher sets the sink for committed events.
func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// New creates a settlement engine.
func New(st store.Store, wallets *wallet.Manager, tr *treasury.Manager, opts ...Option) *Engine {
	e := &Engine{
		store:       st,
		wallets:     wallets,
		treasury:    tr,
		lockTimeout: DefaultLockTimeout,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// run executes fn in a fresh tx bounded by the lock timeout, retrying while
// fn reports errLockSetChanged. Returned errors are always classified.
func (e *Engine) run(ctx context.Context, op string, fn func(ctx context.Context, tx store.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, e.lockTimeout)
	defer cancel()

	for {
		err := e.store.RunInTx(ctx, func(tx store.Tx) error {
			return fn(ctx, tx)
		})
		if !errors.Is(err, errLockSetChanged) {
			return apperr.Internal(op, err)
		}
		metrics.LockRetries.WithLabelValues(op).Inc()
		if ctx.Err() != nil {
			return apperr.Internal(op, ctx.Err())
		}
	}
}

// begin resolves the actor and starts the metrics clock. The returned func
// records the outcome.
func (e *Engine) begin(ctx context.Context, op string) (string, func(error), error) {
	started := time.Now()
	done := func(err error) {
		outcome := "ok"
		if err != nil {
			outcome = string(apperr.KindOf(err))
			if !apperr.IsBusiness(apperr.KindOf(err)) {
				slog.Error("settlement failed", "op", op, "err", err)
			}
		}
		metrics.ObserveSettlement(op, outcome, started)
	}

	actor, ok := audit.Actor(ctx)
	if !ok {
		err := apperr.New(apperr.KindInvalidInput, op, "no acting identity in context")
		done(err)
		return "", nil, err
	}
	return actor, done, nil
}

func (e *Engine) publish(ev Event) {
	if e.publisher != nil {
		e.publisher.Publish(ev)
	}
}

// --- Shared reads inside a tx ---

func (e *Engine) account(ctx context.Context, r store.Reader, op, id string) (*model.Account, error) {
	a, err := r.GetAccount(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound(op, "account", id)
	}
	if err != nil {
		return nil, apperr.Internal(op, err)
	}
	return a, nil
}

// tradingAccount loads an enabled, provisioned account.
func (e *Engine) tradingAccount(ctx context.Context, r store.Reader, op, id string) (*model.Account, error) {
	a, err := e.account(ctx, r, op, id)
	if err != nil {
		return nil, err
	}
	if !a.Enabled {
		return nil, apperr.New(apperr.KindDisabled, op, "account %s is disabled", id)
	}
	if a.WalletID == "" {
		return nil, apperr.New(apperr.KindNotFound, op, "account %s has no wallet", id)
	}
	return a, nil
}

func (e *Engine) company(ctx context.Context, r store.Reader, op, id string) (*model.Company, error) {
	c, err := r.GetCompany(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound(op, "company", id)
	}
	if err != nil {
		return nil, apperr.Internal(op, err)
	}
	return c, nil
}

// listedCompany loads a company that has not been delisted.
func (e *Engine) listedCompany(ctx context.Context, r store.Reader, op, companyID string) (*model.Company, error) {
	c, err := e.company(ctx, r, op, companyID)
	if err != nil {
		return nil, err
	}
	if c.Delisted {
		return nil, apperr.New(apperr.KindDisabled, op, "company %s is delisted", companyID)
	}
	return c, nil
}

// tradableCompany loads a listed company the account may buy. The identity
// layer authorises routes; this re-checks market enablement. Sells skip it
// so a holder can always exit.
func (e *Engine) tradableCompany(ctx context.Context, r store.Reader, op string, a *model.Account, companyID string) (*model.Company, error) {
	c, err := e.listedCompany(ctx, r, op, companyID)
	if err != nil {
		return nil, err
	}
	m, err := r.GetMarket(ctx, c.MarketID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, apperr.Internal(op, err)
	}
	if m == nil || !m.Enabled {
		return nil, apperr.New(apperr.KindForbidden, op, "market %s is not open", c.MarketID)
	}
	if !a.TradesIn(c.MarketID) {
		return nil, apperr.New(apperr.KindForbidden, op, "account %s is not enabled for market %s", a.ID, c.MarketID)
	}
	return c, nil
}

// refreshPortfolioCache rewrites the legacy holding hint after a commit.
// Failures are logged and never surface to the caller.
func (e *Engine) refreshPortfolioCache(ctx context.Context, accountID string, companyIDs ...string) {
	ctx = context.WithoutCancel(ctx)
	err := e.store.RunInTx(ctx, func(tx store.Tx) error {
		entries, err := tx.LedgerByAccount(ctx, accountID)
		if err != nil {
			return err
		}
		now := e.wallets.Now()
		for _, companyID := range companyIDs {
			p := position.Fold(accountID, companyID, entries)
			row := &model.PortfolioCacheRow{AccountID: accountID, CompanyID: companyID, Quantity: p.NetQuantity, UpdatedAt: now}
			if err := tx.UpsertPortfolioCache(ctx, row); err != nil {
				return fmt.Errorf("portfolio cache %s/%s: %w", accountID, companyID, err)
			}
		}
		return nil
	})
	if err != nil {
		slog.Warn("portfolio cache refresh failed", "account", accountID, "err", err)
	}
}
