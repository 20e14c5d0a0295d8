// Package store defines the persistence interface for the settlement engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache for quotes, catalog rows and price history), and in-memory (for
// testing and development).
//
// Every mutation happens inside a Tx opened by Store.RunInTx. A Tx either
// commits all of its writes or none of them. Wallet and inventory rows must
// be locked with Tx.Lock before they are updated; Lock takes every key in a
// single sorted pass.
package store

import (
	"context"
	"errors"

	"github.com/bourse/settlement-engine/internal/locks"
	"github.com/bourse/settlement-engine/internal/model"
)

// ErrNotFound is returned (wrapped) when a row does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrNotLocked is returned when a tx updates a wallet or inventory row it
// has not locked.
var ErrNotLocked = errors.New("store: row not locked by this transaction")

// ErrLocksHeld is returned when Lock is called twice on the same tx.
var ErrLocksHeld = errors.New("store: transaction already holds its locks")

// LedgerReader is the read surface the position resolver needs. Both the
// base store and an open Tx implement it, so a settlement decision can fold
// the same snapshot it is about to mutate.
type LedgerReader interface {
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	GetCompany(ctx context.Context, id string) (*model.Company, error)

	// LedgerByAccount returns every entry for an account, oldest first.
	LedgerByAccount(ctx context.Context, accountID string) ([]model.Transaction, error)

	// LedgerByCompany returns every entry for a company, oldest first.
	LedgerByCompany(ctx context.Context, companyID string) ([]model.Transaction, error)
}

// Reader is the full row-level read surface.
type Reader interface {
	LedgerReader

	GetMarket(ctx context.Context, id string) (*model.Market, error)
	GetCompanyBySymbol(ctx context.Context, symbol string) (*model.Company, error)
	GetWallet(ctx context.Context, id string) (*model.Wallet, error)
	GetInventory(ctx context.Context, companyID string) (*model.Inventory, error)
}

// Tx is one atomic unit of work.
type Tx interface {
	Reader

	// Lock takes exclusive access to the given rows in sorted key order.
	// It blocks until every key is held or ctx ends.
	Lock(ctx context.Context, keys ...locks.Key) error

	CreateAccount(ctx context.Context, a *model.Account) error
	UpdateAccount(ctx context.Context, a *model.Account) error

	CreateWallet(ctx context.Context, w *model.Wallet) error
	UpdateWallet(ctx context.Context, w *model.Wallet) error

	CreateCompany(ctx context.Context, c *model.Company) error
	UpdateCompany(ctx context.Context, c *model.Company) error

	CreateInventory(ctx context.Context, inv *model.Inventory) error
	UpdateInventory(ctx context.Context, inv *model.Inventory) error

	// --- Append-only ---

	AppendTransaction(ctx context.Context, t *model.Transaction) error
	AppendWalletSnapshot(ctx context.Context, s *model.WalletSnapshot) error
	AppendInventorySnapshot(ctx context.Context, s *model.InventorySnapshot) error
	AppendPricePoint(ctx context.Context, p *model.PricePoint) error

	// UpsertPortfolioCache writes the legacy holding hint.
	UpsertPortfolioCache(ctx context.Context, row *model.PortfolioCacheRow) error
}

// HistoryReader serves the append-only history tables.
type HistoryReader interface {
	// PriceHistory returns the newest limit points for a company, oldest first.
	PriceHistory(ctx context.Context, companyID string, limit int) ([]model.PricePoint, error)

	// WalletHistory returns the newest limit snapshots for a wallet, newest
	// first. rechargesOnly keeps only rows written by explicit recharges.
	WalletHistory(ctx context.Context, walletID string, rechargesOnly bool, limit int) ([]model.WalletSnapshot, error)

	// InventoryHistory returns the newest limit snapshots, newest first.
	InventoryHistory(ctx context.Context, companyID string, limit int) ([]model.InventorySnapshot, error)

	// PortfolioCache returns the legacy holding hints of an account.
	PortfolioCache(ctx context.Context, accountID string) ([]model.PortfolioCacheRow, error)
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	Reader
	HistoryReader

	// RunInTx runs fn in a new transaction. If fn returns an error, or the
	// commit fails, nothing fn wrote is applied and its locks are released.
	RunInTx(ctx context.Context, fn func(tx Tx) error) error

	// UpsertMarket records a catalog market. Catalog ownership is external;
	// this is the hook its writer calls.
	UpsertMarket(ctx context.Context, m *model.Market) error
}
