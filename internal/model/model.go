// Package model defines the core domain types shared across the settlement
// engine. All monetary values use shopspring/decimal, never float64 for money.
// Share counts are whole numbers and use int64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// MoneyPlaces is the scale of every stored price and cash amount.
const MoneyPlaces = 4

// FitsMoney reports whether d is representable at MoneyPlaces without
// rounding.
func FitsMoney(d decimal.Decimal) bool { return d.Equal(d.Truncate(MoneyPlaces)) }

// Side is the direction of a ledger entry from the trader's point of view.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Reason tags why a ledger entry or snapshot was written.
type Reason string

const (
	ReasonTrade     Reason = "trade"
	ReasonDelisting Reason = "delisting"
	ReasonDisable   Reason = "disable"
	ReasonSelf      Reason = "self_liquidation"
	ReasonRecharge  Reason = "recharge"
	ReasonReset     Reason = "lockout_reset"
	ReasonProvision Reason = "provision"
	ReasonListing   Reason = "listing"
	ReasonPriceLoad Reason = "price_load"
	ReasonResize    Reason = "resize"
)

// Transaction is an immutable ledger entry for one settled trade.
// Once created, these are never modified or deleted. Positions are derived
// from these rows alone.
type Transaction struct {
	ID        string          `json:"id" db:"id"`
	AccountID string          `json:"account_id" db:"account_id"`
	Alias     string          `json:"alias" db:"alias"` // display copy at execution time
	CompanyID string          `json:"company_id" db:"company_id"`
	Side      Side            `json:"side" db:"side"`
	Price     decimal.Decimal `json:"price" db:"price"`
	Quantity  int64           `json:"quantity" db:"quantity"`
	Reason    Reason          `json:"reason" db:"reason"`
	Actor     string          `json:"actor" db:"actor"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// Amount is price × quantity.
func (t Transaction) Amount() decimal.Decimal {
	return t.Price.Mul(decimal.NewFromInt(t.Quantity))
}

// WalletCategory fixes the default daily recharge limit tier.
type WalletCategory string

const (
	CategoryJunior WalletCategory = "junior"
	CategoryMid    WalletCategory = "mid"
	CategorySenior WalletCategory = "senior"
)

// Wallet holds a trader's cash. Mutated only by the wallet manager.
type Wallet struct {
	ID            string          `json:"id" db:"id"`
	Category      WalletCategory  `json:"category" db:"category"`
	Funds         decimal.Decimal `json:"funds" db:"funds"`
	DailyLimit    decimal.Decimal `json:"daily_limit" db:"daily_limit"`
	DailyConsumed decimal.Decimal `json:"daily_consumed" db:"daily_consumed"`
	LockoutUntil  *time.Time      `json:"lockout_until,omitempty" db:"lockout_until"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// LockedAt reports whether recharges are suspended at now.
func (w *Wallet) LockedAt(now time.Time) bool {
	return w.LockoutUntil != nil && w.LockoutUntil.After(now)
}

// Remaining is the recharge headroom left for the current day.
func (w *Wallet) Remaining() decimal.Decimal {
	r := w.DailyLimit.Sub(w.DailyConsumed)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

// WalletSnapshot is one append-only wallet history row. RechargeAmount is
// set only for explicit recharges.
type WalletSnapshot struct {
	ID             int64            `json:"id" db:"id"`
	WalletID       string           `json:"wallet_id" db:"wallet_id"`
	Category       WalletCategory   `json:"category" db:"category"`
	Funds          decimal.Decimal  `json:"funds" db:"funds"`
	DailyLimit     decimal.Decimal  `json:"daily_limit" db:"daily_limit"`
	DailyConsumed  decimal.Decimal  `json:"daily_consumed" db:"daily_consumed"`
	LockoutUntil   *time.Time       `json:"lockout_until,omitempty" db:"lockout_until"`
	RechargeAmount *decimal.Decimal `json:"recharge_amount,omitempty" db:"recharge_amount"`
	Reason         Reason           `json:"reason" db:"reason"`
	Actor          string           `json:"actor" db:"actor"`
	RecordedAt     time.Time        `json:"recorded_at" db:"recorded_at"`
}

// Inventory is the treasury position of one company.
type Inventory struct {
	CompanyID       string          `json:"company_id" db:"company_id"`
	TotalShares     int64           `json:"total_shares" db:"total_shares"`
	AvailableShares int64           `json:"available_shares" db:"available_shares"`
	Price           decimal.Decimal `json:"price" db:"price"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// Held is the number of shares outside the treasury.
func (i *Inventory) Held() int64 {
	return i.TotalShares - i.AvailableShares
}

// InventorySnapshot is one append-only inventory history row.
type InventorySnapshot struct {
	ID              int64           `json:"id" db:"id"`
	CompanyID       string          `json:"company_id" db:"company_id"`
	TotalShares     int64           `json:"total_shares" db:"total_shares"`
	AvailableShares int64           `json:"available_shares" db:"available_shares"`
	Price           decimal.Decimal `json:"price" db:"price"`
	Reason          Reason          `json:"reason" db:"reason"`
	Actor           string          `json:"actor" db:"actor"`
	RecordedAt      time.Time       `json:"recorded_at" db:"recorded_at"`
}

// PriceSource identifies the writer of a price history row.
type PriceSource string

const (
	PriceSourceListing PriceSource = "listing"
	PriceSourceManual  PriceSource = "manual"
	PriceSourceBatch   PriceSource = "batch"
)

// PricePoint is one append-only price history row. It carries the inventory
// counts at the time the price was set.
type PricePoint struct {
	ID              int64           `json:"id" db:"id"`
	CompanyID       string          `json:"company_id" db:"company_id"`
	Price           decimal.Decimal `json:"price" db:"price"`
	TotalShares     int64           `json:"total_shares" db:"total_shares"`
	AvailableShares int64           `json:"available_shares" db:"available_shares"`
	Source          PriceSource     `json:"source" db:"source"`
	RecordedAt      time.Time       `json:"recorded_at" db:"recorded_at"`
}

// Role is the coarse role an identity carries.
type Role string

const (
	RoleTrader Role = "trader"
	RoleAdmin  Role = "admin"
)

// Account is a trader-capable identity. WalletID is empty only before
// provisioning. The ledger references ID, never Alias.
type Account struct {
	ID        string    `json:"id" db:"id"`
	Alias     string    `json:"alias" db:"alias"`
	Role      Role      `json:"role" db:"role"`
	Enabled   bool      `json:"enabled" db:"enabled"`
	WalletID  string    `json:"wallet_id" db:"wallet_id"`
	MarketIDs []string  `json:"market_ids" db:"-"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// TradesIn reports whether the account is enabled for the given market.
func (a *Account) TradesIn(marketID string) bool {
	for _, m := range a.MarketIDs {
		if m == marketID {
			return true
		}
	}
	return false
}

// Market is a catalog market. Catalog CRUD is owned elsewhere; the engine
// only reads enablement.
type Market struct {
	ID      string `json:"id" db:"id"`
	Name    string `json:"name" db:"name"`
	Enabled bool   `json:"enabled" db:"enabled"`
}

// Company is a listed company. Delisted companies reject buys and sells.
type Company struct {
	ID            string     `json:"id" db:"id"`
	Symbol        string     `json:"symbol" db:"symbol"`
	MarketID      string     `json:"market_id" db:"market_id"`
	Delisted      bool       `json:"delisted" db:"delisted"`
	DelistedAt    *time.Time `json:"delisted_at,omitempty" db:"delisted_at"`
	Justification string     `json:"justification,omitempty" db:"justification"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
}

// Position is a ledger-derived holding of one account in one company.
// AverageCostBasis is nil when the account never bought the company.
type Position struct {
	AccountID        string           `json:"account_id"`
	CompanyID        string           `json:"company_id"`
	NetQuantity      int64            `json:"net_quantity"`
	BoughtQuantity   int64            `json:"bought_quantity"`
	SoldQuantity     int64            `json:"sold_quantity"`
	AverageCostBasis *decimal.Decimal `json:"average_cost_basis"`
}

// PortfolioCacheRow is the legacy denormalised holding hint. It is refreshed
// best-effort after settlement and is never read for a decision.
type PortfolioCacheRow struct {
	AccountID string    `json:"account_id" db:"account_id"`
	CompanyID string    `json:"company_id" db:"company_id"`
	Quantity  int64     `json:"quantity" db:"quantity"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
