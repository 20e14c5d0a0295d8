package settlement_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bourse/settlement-engine/internal/apperr"
	"github.com/bourse/settlement-engine/internal/listing"
	"github.com/bourse/settlement-engine/internal/locks"
	"github.com/bourse/settlement-engine/internal/metrics"
	"github.com/bourse/settlement-engine/internal/model"
	"github.com/bourse/settlement-engine/internal/settlement"
	"github.com/bourse/settlement-engine/internal/store"
	"github.com/bourse/settlement-engine/internal/treasury"
	"github.com/bourse/settlement-engine/internal/wallet"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(dur time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(dur)
}

type recorder struct {
	mu     sync.Mutex
	events []settlement.Event
}

func (r *recorder) Publish(ev settlement.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

type harness struct {
	t      *testing.T
	ctx    context.Context
	store  *store.MemoryStore
	engine *settlement.Engine
	clock  *clock
	events *recorder
}

func newHarness(t *testing.T, opts ...settlement.Option) *harness {
	t.Helper()
	return newWrappedHarness(t, nil, opts...)
}

// newWrappedHarness runs the engine over wrap(memory store) while the
// helpers keep reading the memory store directly.
func newWrappedHarness(t *testing.T, wrap func(*store.MemoryStore) store.Store, opts ...settlement.Option) *harness {
	t.Helper()
	clk := &clock{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	s := store.NewMemoryStore()
	var st store.Store = s
	if wrap != nil {
		st = wrap(s)
	}
	rec := &recorder{}
	wallets := wallet.NewManager(24*time.Hour, wallet.DefaultLimits(), wallet.WithClock(clk.now))
	eng := settlement.New(st, wallets, treasury.NewManager(clk.now),
		append([]settlement.Option{settlement.WithPublisher(rec)}, opts...)...)

	ctx := settlement.WithActor(context.Background(), "admin-1")
	require.NoError(t, s.UpsertMarket(ctx, &model.Market{ID: "main", Name: "Main Board", Enabled: true}))
	return &harness{t: t, ctx: ctx, store: s, engine: eng, clock: clk, events: rec}
}

// trader provisions a senior account on the main market holding funds.
func (h *harness) trader(alias string, funds float64) *model.Account {
	h.t.Helper()
	a, err := h.engine.ProvisionAccount(h.ctx, settlement.ProvisionRequest{
		Alias:     alias,
		Category:  model.CategorySenior,
		MarketIDs: []string{"main"},
	})
	require.NoError(h.t, err)
	if funds > 0 {
		_, err = h.engine.Recharge(h.ctx, a.ID, d(funds))
		require.NoError(h.t, err)
	}
	return a
}

func (h *harness) list(symbol string, shares int64, price float64) *model.Company {
	h.t.Helper()
	c, _, err := h.engine.ListCompany(h.ctx, listing.Request{Symbol: symbol, MarketID: "main", TotalShares: shares, Price: d(price)})
	require.NoError(h.t, err)
	return c
}

func (h *harness) funds(a *model.Account) decimal.Decimal {
	h.t.Helper()
	w, err := h.store.GetWallet(context.Background(), a.WalletID)
	require.NoError(h.t, err)
	return w.Funds
}

func (h *harness) inventory(companyID string) *model.Inventory {
	h.t.Helper()
	inv, err := h.store.GetInventory(context.Background(), companyID)
	require.NoError(h.t, err)
	return inv
}

func (h *harness) net(a *model.Account, companyID string) int64 {
	h.t.Helper()
	p, err := h.engine.ResolvePosition(h.ctx, a.ID, companyID)
	require.NoError(h.t, err)
	return p.NetQuantity
}

// conserved checks total = available + Σ holder net for a company.
func (h *harness) conserved(companyID string) {
	h.t.Helper()
	inv := h.inventory(companyID)
	ledger, err := h.store.LedgerByCompany(context.Background(), companyID)
	require.NoError(h.t, err)
	var held int64
	for _, e := range ledger {
		if e.Side == model.SideBuy {
			held += e.Quantity
		} else {
			held -= e.Quantity
		}
	}
	assert.Equal(h.t, inv.TotalShares, inv.AvailableShares+held, "share conservation for %s", companyID)
}

// --- Buy / Sell ---

func TestBuy_InventoryThenFunds(t *testing.T) {
	h := newHarness(t)
	a := h.trader("alice", 1000)
	c := h.list("ACME", 5, 100)

	_, err := h.engine.Buy(h.ctx, a.ID, c.ID, 6)
	require.ErrorIs(t, err, apperr.ErrInsufficientInventory)
	var ae *apperr.Error
	require.True(t, errors.As(err, &ae))
	assert.True(t, ae.Requested.Equal(d(6)))
	assert.True(t, ae.Available.Equal(d(5)))

	res, err := h.engine.Buy(h.ctx, a.ID, c.ID, 5)
	require.NoError(t, err)
	assert.True(t, res.Funds.Equal(d(500)), "funds %s", res.Funds)
	assert.Equal(t, int64(0), res.Available)
	assert.True(t, res.Amount.Equal(d(500)))
	assert.Equal(t, int64(5), h.net(a, c.ID))
	h.conserved(c.ID)
}

func TestBuy_InsufficientFundsChangesNothing(t *testing.T) {
	h := newHarness(t)
	a := h.trader("alice", 250)
	c := h.list("ACME", 100, 100)

	_, err := h.engine.Buy(h.ctx, a.ID, c.ID, 3)
	require.ErrorIs(t, err, apperr.ErrInsufficientFunds)

	assert.True(t, h.funds(a).Equal(d(250)))
	assert.Equal(t, int64(100), h.inventory(c.ID).AvailableShares)
	ledger, _ := h.store.LedgerByAccount(context.Background(), a.ID)
	assert.Empty(t, ledger)
}

func TestBuy_Validation(t *testing.T) {
	h := newHarness(t)
	a := h.trader("alice", 100)
	c := h.list("ACME", 10, 1)

	_, err := h.engine.Buy(h.ctx, a.ID, c.ID, 0)
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	_, err = h.engine.Buy(h.ctx, a.ID, "nope", 1)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = h.engine.Buy(h.ctx, "ghost", c.ID, 1)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = h.engine.Buy(context.Background(), a.ID, c.ID, 1)
	assert.ErrorIs(t, err, apperr.ErrInvalidInput, "no actor")
}

func TestBuy_MarketAccess(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.UpsertMarket(h.ctx, &model.Market{ID: "otc", Name: "OTC", Enabled: true}))
	a := h.trader("alice", 100)
	c, _, err := h.engine.ListCompany(h.ctx, listing.Request{Symbol: "OTCX", MarketID: "otc", TotalShares: 10, Price: d(1)})
	require.NoError(t, err)

	_, err = h.engine.Buy(h.ctx, a.ID, c.ID, 1)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	listed := h.list("MAIN", 10, 1)
	require.NoError(t, h.store.UpsertMarket(h.ctx, &model.Market{ID: "main", Name: "Main Board", Enabled: false}))
	_, err = h.engine.Buy(h.ctx, a.ID, listed.ID, 1)
	assert.ErrorIs(t, err, apperr.ErrForbidden)
}

func TestSell_AllowedAfterMarketCloses(t *testing.T) {
	h := newHarness(t)
	a := h.trader("alice", 1000)
	c := h.list("ACME", 10, 10)
	_, err := h.engine.Buy(h.ctx, a.ID, c.ID, 4)
	require.NoError(t, err)

	require.NoError(t, h.store.UpsertMarket(h.ctx, &model.Market{ID: "main", Name: "Main Board", Enabled: false}))
	_, err = h.engine.Buy(h.ctx, a.ID, c.ID, 1)
	require.ErrorIs(t, err, apperr.ErrForbidden)

	res, err := h.engine.Sell(h.ctx, a.ID, c.ID, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(4), res.Quantity)
	assert.Equal(t, int64(0), h.net(a, c.ID))
	assert.True(t, h.funds(a).Equal(d(1000)))
	h.conserved(c.ID)
}

func TestSell_RequiresPosition(t *testing.T) {
	h := newHarness(t)
	a := h.trader("alice", 1000)
	c := h.list("ACME", 10, 10)

	_, err := h.engine.Sell(h.ctx, a.ID, c.ID, 1)
	require.ErrorIs(t, err, apperr.ErrInsufficientPosition)

	_, err = h.engine.Buy(h.ctx, a.ID, c.ID, 4)
	require.NoError(t, err)
	_, err = h.engine.Sell(h.ctx, a.ID, c.ID, 5)
	require.ErrorIs(t, err, apperr.ErrInsufficientPosition)

	res, err := h.engine.Sell(h.ctx, a.ID, c.ID, 4)
	require.NoError(t, err)
	assert.True(t, res.Funds.Equal(d(1000)))
	assert.Equal(t, int64(10), res.Available)
	assert.Equal(t, int64(0), h.net(a, c.ID))
	h.conserved(c.ID)
}

func TestSell_AtCurrentPriceKeepsCostBasis(t *testing.T) {
	h := newHarness(t)
	a := h.trader("alice", 10000)
	c := h.list("ACME", 100, 100)

	_, err := h.engine.Buy(h.ctx, a.ID, c.ID, 10)
	require.NoError(t, err)
	_, err = h.engine.SetPrice(h.ctx, c.ID, d(200), model.PriceSourceManual)
	require.NoError(t, err)
	_, err = h.engine.Buy(h.ctx, a.ID, c.ID, 10)
	require.NoError(t, err)

	res, err := h.engine.Sell(h.ctx, a.ID, c.ID, 5)
	require.NoError(t, err)
	assert.True(t, res.Price.Equal(d(200)))

	p, err := h.engine.ResolvePosition(h.ctx, a.ID, c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(15), p.NetQuantity)
	require.NotNil(t, p.AverageCostBasis)
	assert.True(t, p.AverageCostBasis.Equal(d(150)), "cost basis %s", p.AverageCostBasis)
}

func TestTrade_RefreshesPortfolioCacheAndPublishes(t *testing.T) {
	h := newHarness(t)
	a := h.trader("alice", 1000)
	c := h.list("ACME", 10, 10)

	_, err := h.engine.Buy(h.ctx, a.ID, c.ID, 3)
	require.NoError(t, err)

	rows, err := h.store.PortfolioCache(context.Background(), a.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(3), rows[0].Quantity)
	assert.Contains(t, h.events.types(), settlement.EventTrade)
}

func TestBuy_DisabledAccountAndDelistedCompany(t *testing.T) {
	h := newHarness(t)
	a := h.trader("alice", 1000)
	b := h.trader("bob", 1000)
	c := h.list("ACME", 10, 10)

	_, err := h.engine.AccountLiquidation(h.ctx, a.ID, "compliance hold")
	require.NoError(t, err)
	_, err = h.engine.Buy(h.ctx, a.ID, c.ID, 1)
	assert.ErrorIs(t, err, apperr.ErrDisabled)

	_, err = h.engine.DelistLiquidation(h.ctx, c.ID, "bankrupt", nil)
	require.NoError(t, err)
	_, err = h.engine.Buy(h.ctx, b.ID, c.ID, 1)
	assert.ErrorIs(t, err, apperr.ErrDisabled)
}

// --- Liquidations ---

func TestDelistLiquidation_PaysEveryHolder(t *testing.T) {
	h := newHarness(t)
	a := h.trader("alice", 1000)
	b := h.trader("bob", 1000)
	c := h.list("ACME", 100, 10)

	_, err := h.engine.Buy(h.ctx, a.ID, c.ID, 10)
	require.NoError(t, err)
	_, err = h.engine.Buy(h.ctx, b.ID, c.ID, 5)
	require.NoError(t, err)
	_, err = h.engine.SetPrice(h.ctx, c.ID, d(20), model.PriceSourceManual)
	require.NoError(t, err)

	res, err := h.engine.DelistLiquidation(h.ctx, c.ID, "issuer bankrupt", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Positions)
	assert.Equal(t, int64(15), res.SharesSold)
	assert.True(t, res.TotalValue.Equal(d(300)))
	require.NotNil(t, res.SettlementPrice)
	assert.Equal(t, "20", *res.SettlementPrice)

	assert.True(t, h.funds(a).Equal(d(1100)), "alice %s", h.funds(a)) // 1000 - 100 + 200
	assert.True(t, h.funds(b).Equal(d(1050)), "bob %s", h.funds(b))   // 1000 - 50 + 100
	inv := h.inventory(c.ID)
	assert.Equal(t, inv.TotalShares, inv.AvailableShares)
	assert.Equal(t, int64(0), h.net(a, c.ID))
	assert.Equal(t, int64(0), h.net(b, c.ID))

	co, err := h.store.GetCompany(context.Background(), c.ID)
	require.NoError(t, err)
	assert.True(t, co.Delisted)
	assert.Equal(t, "issuer bankrupt", co.Justification)

	ledger, _ := h.store.LedgerByCompany(context.Background(), c.ID)
	var delistRows int
	for _, e := range ledger {
		if e.Reason == model.ReasonDelisting {
			delistRows++
			assert.Equal(t, model.SideSell, e.Side)
			assert.Equal(t, "admin-1", e.Actor)
		}
	}
	assert.Equal(t, 2, delistRows)

	rows, _ := h.store.PortfolioCache(context.Background(), a.ID)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(0), rows[0].Quantity)
	assert.Contains(t, h.events.types(), settlement.EventDelisting)
}

func TestDelistLiquidation_OverridePrice(t *testing.T) {
	h := newHarness(t)
	a := h.trader("alice", 1000)
	c := h.list("ACME", 100, 10)
	_, err := h.engine.Buy(h.ctx, a.ID, c.ID, 10)
	require.NoError(t, err)

	override := d(0.5)
	res, err := h.engine.DelistLiquidation(h.ctx, c.ID, "fraud", &override)
	require.NoError(t, err)
	assert.True(t, res.TotalValue.Equal(d(5)))
	assert.True(t, h.funds(a).Equal(d(905)))
}

func TestDelistLiquidation_OverrideFinerThanStoredScale(t *testing.T) {
	h := newHarness(t)
	a := h.trader("alice", 1000)
	c := h.list("ACME", 100, 10)
	_, err := h.engine.Buy(h.ctx, a.ID, c.ID, 10)
	require.NoError(t, err)

	override := d(0.00004)
	_, err = h.engine.DelistLiquidation(h.ctx, c.ID, "fraud", &override)
	require.ErrorIs(t, err, apperr.ErrInvalidPrice)

	co, _ := h.store.GetCompany(context.Background(), c.ID)
	assert.False(t, co.Delisted)
	assert.Equal(t, int64(10), h.net(a, c.ID))
	assert.True(t, h.funds(a).Equal(d(900)))

	_, err = h.engine.SetPrice(h.ctx, c.ID, d(1.23456), model.PriceSourceManual)
	assert.ErrorIs(t, err, apperr.ErrInvalidPrice)
	assert.True(t, h.inventory(c.ID).Price.Equal(d(10)))
}

func TestDelistLiquidation_Rejections(t *testing.T) {
	h := newHarness(t)
	c := h.list("ACME", 10, 10)

	_, err := h.engine.DelistLiquidation(h.ctx, c.ID, "  ", nil)
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	_, err = h.engine.DelistLiquidation(h.ctx, "nope", "gone", nil)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = h.engine.DelistLiquidation(h.ctx, c.ID, "gone", nil)
	require.NoError(t, err)
	_, err = h.engine.DelistLiquidation(h.ctx, c.ID, "gone again", nil)
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
}

func TestDelistLiquidation_FailureRollsBackEveryHolder(t *testing.T) {
	h := newHarness(t)
	a := h.trader("alice", 1000)
	b := h.trader("bob", 1000)
	c := h.list("ACME", 100, 10)
	_, err := h.engine.Buy(h.ctx, a.ID, c.ID, 10)
	require.NoError(t, err)
	_, err = h.engine.Buy(h.ctx, b.ID, c.ID, 5)
	require.NoError(t, err)

	h.store.SetFaultHook(func(op string) error {
		if op == "update_company" {
			return errors.New("disk full")
		}
		return nil
	})
	_, err = h.engine.DelistLiquidation(h.ctx, c.ID, "bankrupt", nil)
	require.ErrorIs(t, err, apperr.ErrInternal)
	h.store.SetFaultHook(nil)

	assert.True(t, h.funds(a).Equal(d(900)))
	assert.True(t, h.funds(b).Equal(d(950)))
	assert.Equal(t, int64(10), h.net(a, c.ID))
	assert.Equal(t, int64(5), h.net(b, c.ID))
	assert.Equal(t, int64(85), h.inventory(c.ID).AvailableShares)
	co, _ := h.store.GetCompany(context.Background(), c.ID)
	assert.False(t, co.Delisted)
	h.conserved(c.ID)
}

func TestAccountLiquidation_ClosesEverythingAndDisables(t *testing.T) {
	h := newHarness(t)
	a := h.trader("alice", 1000)
	c1 := h.list("ACME", 100, 10)
	c2 := h.list("BRK.B", 100, 20)
	_, err := h.engine.Buy(h.ctx, a.ID, c1.ID, 5)
	require.NoError(t, err)
	_, err = h.engine.Buy(h.ctx, a.ID, c2.ID, 5)
	require.NoError(t, err)

	_, err = h.engine.AccountLiquidation(h.ctx, a.ID, "")
	require.ErrorIs(t, err, apperr.ErrInvalidInput)

	res, err := h.engine.AccountLiquidation(h.ctx, a.ID, "terms violation")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Positions)
	assert.True(t, res.TotalValue.Equal(d(150)))
	assert.Nil(t, res.SettlementPrice)

	all, err := h.engine.ResolveAllPositions(h.ctx, a.ID)
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.True(t, h.funds(a).Equal(d(1000)))

	acc, _ := h.store.GetAccount(context.Background(), a.ID)
	assert.False(t, acc.Enabled)

	_, err = h.engine.AccountLiquidation(h.ctx, a.ID, "again")
	assert.ErrorIs(t, err, apperr.ErrDisabled)
	h.conserved(c1.ID)
	h.conserved(c2.ID)
}

func TestSelfLiquidation_KeepsAccountEnabled(t *testing.T) {
	h := newHarness(t)
	a := h.trader("alice", 1000)
	c := h.list("ACME", 100, 10)
	_, err := h.engine.Buy(h.ctx, a.ID, c.ID, 7)
	require.NoError(t, err)

	res, err := h.engine.SelfLiquidation(settlement.WithActor(context.Background(), a.ID), a.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Positions)
	assert.Equal(t, int64(7), res.SharesSold)

	acc, _ := h.store.GetAccount(context.Background(), a.ID)
	assert.True(t, acc.Enabled)
	assert.Equal(t, int64(0), h.net(a, c.ID))

	ledger, _ := h.store.LedgerByAccount(context.Background(), a.ID)
	last := ledger[len(ledger)-1]
	assert.Equal(t, model.ReasonSelf, last.Reason)
	assert.Equal(t, a.ID, last.Actor)

	// Nothing held: succeeds with an empty result.
	res, err = h.engine.SelfLiquidation(h.ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Positions)
}

// --- Locking ---

func TestLockTimeout_LeavesStateUnchanged(t *testing.T) {
	h := newHarness(t, settlement.WithLockTimeout(50*time.Millisecond))
	a := h.trader("alice", 1000)
	c := h.list("ACME", 10, 10)

	held := make(chan struct{})
	releaseHolder := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = h.store.RunInTx(context.Background(), func(tx store.Tx) error {
			if err := tx.Lock(context.Background(), locks.InventoryKey(c.ID)); err != nil {
				return err
			}
			close(held)
			<-releaseHolder
			return nil
		})
	}()
	<-held

	_, err := h.engine.Buy(h.ctx, a.ID, c.ID, 1)
	require.ErrorIs(t, err, apperr.ErrTimeout)

	close(releaseHolder)
	wg.Wait()

	assert.True(t, h.funds(a).Equal(d(1000)))
	assert.Equal(t, int64(10), h.inventory(c.ID).AvailableShares)

	_, err = h.engine.Buy(h.ctx, a.ID, c.ID, 1)
	require.NoError(t, err)
}

func TestConcurrentBuys_NeverOversell(t *testing.T) {
	h := newHarness(t)
	c := h.list("ACME", 20, 1)
	traders := make([]*model.Account, 8)
	for i := range traders {
		traders[i] = h.trader("t"+string(rune('a'+i)), 100)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	filled := int64(0)
	for _, tr := range traders {
		wg.Add(1)
		go func(tr *model.Account) {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				if _, err := h.engine.Buy(h.ctx, tr.ID, c.ID, 1); err == nil {
					mu.Lock()
					filled++
					mu.Unlock()
				} else {
					assert.ErrorIs(t, err, apperr.ErrInsufficientInventory)
				}
			}
		}(tr)
	}
	wg.Wait()

	assert.Equal(t, int64(20), filled)
	assert.Equal(t, int64(0), h.inventory(c.ID).AvailableShares)
	h.conserved(c.ID)
}

func TestConcurrentDelistAndBuy_Conserve(t *testing.T) {
	h := newHarness(t)
	c := h.list("ACME", 50, 2)
	traders := make([]*model.Account, 4)
	for i := range traders {
		traders[i] = h.trader("t"+string(rune('a'+i)), 100)
		_, err := h.engine.Buy(h.ctx, traders[i].ID, c.ID, 2)
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for _, tr := range traders {
		wg.Add(1)
		go func(tr *model.Account) {
			defer wg.Done()
			_, _ = h.engine.Buy(h.ctx, tr.ID, c.ID, 1)
		}(tr)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := h.engine.DelistLiquidation(h.ctx, c.ID, "halt", nil)
		assert.NoError(t, err)
	}()
	wg.Wait()

	inv := h.inventory(c.ID)
	assert.Equal(t, inv.TotalShares, inv.AvailableShares)
	for _, tr := range traders {
		assert.Equal(t, int64(0), h.net(tr, c.ID))
	}
	h.conserved(c.ID)
}

// lockHookStore calls beforeLock ahead of every Lock taken through it.
type lockHookStore struct {
	*store.MemoryStore
	beforeLock func(keys []locks.Key)
}

func (s *lockHookStore) RunInTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return s.MemoryStore.RunInTx(ctx, func(tx store.Tx) error {
		return fn(lockHookTx{Tx: tx, beforeLock: s.beforeLock})
	})
}

type lockHookTx struct {
	store.Tx
	beforeLock func(keys []locks.Key)
}

func (t lockHookTx) Lock(ctx context.Context, keys ...locks.Key) error {
	if t.beforeLock != nil {
		t.beforeLock(keys)
	}
	return t.Tx.Lock(ctx, keys...)
}

func TestAccountLiquidation_ReplansWhenBuyLandsBeforeLock(t *testing.T) {
	hooked := &lockHookStore{}
	h := newWrappedHarness(t, func(s *store.MemoryStore) store.Store {
		hooked.MemoryStore = s
		return hooked
	})
	a := h.trader("alice", 1000)
	c1 := h.list("ACME", 100, 10)
	c2 := h.list("BRK.B", 100, 20)
	_, err := h.engine.Buy(h.ctx, a.ID, c1.ID, 5)
	require.NoError(t, err)

	// The first lock attempt of the liquidation lets a buy of a company
	// outside its plan commit first.
	var armed atomic.Bool
	hooked.beforeLock = func([]locks.Key) {
		if armed.CompareAndSwap(true, false) {
			_, err := h.engine.Buy(h.ctx, a.ID, c2.ID, 3)
			assert.NoError(t, err)
		}
	}
	retries := metrics.LockRetries.WithLabelValues("disable")
	before := testutil.ToFloat64(retries)

	armed.Store(true)
	res, err := h.engine.AccountLiquidation(h.ctx, a.ID, "terms violation")
	require.NoError(t, err)

	assert.Equal(t, before+1, testutil.ToFloat64(retries))
	assert.Equal(t, 2, res.Positions)
	assert.Equal(t, int64(8), res.SharesSold)
	assert.Equal(t, int64(0), h.net(a, c1.ID))
	assert.Equal(t, int64(0), h.net(a, c2.ID))
	assert.True(t, h.funds(a).Equal(d(1000)))
	h.conserved(c1.ID)
	h.conserved(c2.ID)

	acc, _ := h.store.GetAccount(context.Background(), a.ID)
	assert.False(t, acc.Enabled)
}

func TestConcurrentAccountLiquidationAndBuys_LeaveNothingHeld(t *testing.T) {
	h := newHarness(t)
	a := h.trader("alice", 10000)
	companies := []*model.Company{h.list("ACME", 100, 10), h.list("BETA", 100, 5), h.list("GAMMA", 100, 2)}
	_, err := h.engine.Buy(h.ctx, a.ID, companies[0].ID, 2)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(c *model.Company) {
			defer wg.Done()
			_, err := h.engine.Buy(h.ctx, a.ID, c.ID, 1)
			if err != nil {
				assert.ErrorIs(t, err, apperr.ErrDisabled)
			}
		}(companies[i%len(companies)])
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := h.engine.AccountLiquidation(h.ctx, a.ID, "terms violation")
		assert.NoError(t, err)
	}()
	wg.Wait()

	acc, _ := h.store.GetAccount(context.Background(), a.ID)
	assert.False(t, acc.Enabled)
	for _, c := range companies {
		assert.Equal(t, int64(0), h.net(a, c.ID), c.Symbol)
		h.conserved(c.ID)
	}
	assert.True(t, h.funds(a).Equal(d(10000)))
}

// --- Wallet operations ---

func TestRecharge_DailyLimitAndLockout(t *testing.T) {
	h := newHarness(t)
	a, err := h.engine.ProvisionAccount(h.ctx, settlement.ProvisionRequest{
		Alias: "junior", Category: model.CategoryJunior, MarketIDs: []string{"main"},
	})
	require.NoError(t, err)

	_, err = h.engine.Recharge(h.ctx, a.ID, d(600))
	require.NoError(t, err)

	_, err = h.engine.Recharge(h.ctx, a.ID, d(500))
	require.ErrorIs(t, err, apperr.ErrDailyLimitExceeded)
	var ae *apperr.Error
	require.True(t, errors.As(err, &ae))
	assert.True(t, ae.Available.Equal(d(400)))

	w, err := h.engine.Recharge(h.ctx, a.ID, d(400))
	require.NoError(t, err)
	require.NotNil(t, w.LockoutUntil)
	assert.Contains(t, h.events.types(), settlement.EventWalletLocked)

	_, err = h.engine.Recharge(h.ctx, a.ID, d(1))
	require.ErrorIs(t, err, apperr.ErrLocked)
	require.True(t, errors.As(err, &ae))
	require.NotNil(t, ae.LockedUntil)

	h.clock.advance(24*time.Hour + time.Second)
	w, err = h.engine.Wallet(h.ctx, a.ID)
	require.NoError(t, err)
	assert.Nil(t, w.LockoutUntil)
	assert.True(t, w.DailyConsumed.IsZero())
	assert.True(t, w.Funds.Equal(d(1000)))

	recharges, err := h.engine.WalletHistory(h.ctx, a.ID, true, 0)
	require.NoError(t, err)
	assert.Len(t, recharges, 2)
}

func TestProvisionAccount_Validation(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.ProvisionAccount(h.ctx, settlement.ProvisionRequest{Alias: " ", Category: model.CategoryMid})
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	_, err = h.engine.ProvisionAccount(h.ctx, settlement.ProvisionRequest{Alias: "x", Category: "platinum"})
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	_, err = h.engine.ProvisionAccount(h.ctx, settlement.ProvisionRequest{Alias: "x", Category: model.CategoryMid, MarketIDs: []string{"moon"}})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	a, err := h.engine.ProvisionAccount(h.ctx, settlement.ProvisionRequest{Alias: "x", Category: model.CategoryMid})
	require.NoError(t, err)
	assert.Equal(t, model.RoleTrader, a.Role)
	w, err := h.store.GetWallet(context.Background(), a.WalletID)
	require.NoError(t, err)
	assert.True(t, w.DailyLimit.Equal(d(5000)))
}

func TestRenameAlias_LeavesLedgerUntouched(t *testing.T) {
	h := newHarness(t)
	a := h.trader("alice", 1000)
	c := h.list("ACME", 10, 10)
	_, err := h.engine.Buy(h.ctx, a.ID, c.ID, 2)
	require.NoError(t, err)

	before, _ := h.engine.ResolvePosition(h.ctx, a.ID, c.ID)
	renamed, err := h.engine.RenameAlias(h.ctx, a.ID, "alice-2")
	require.NoError(t, err)
	assert.Equal(t, "alice-2", renamed.Alias)

	after, _ := h.engine.ResolvePosition(h.ctx, a.ID, c.ID)
	assert.Equal(t, before, after)
	ledger, _ := h.store.LedgerByAccount(context.Background(), a.ID)
	require.Len(t, ledger, 1)
	assert.Equal(t, "alice", ledger[0].Alias)

	_, err = h.engine.Buy(h.ctx, a.ID, c.ID, 1)
	require.NoError(t, err)
	ledger, _ = h.store.LedgerByAccount(context.Background(), a.ID)
	assert.Equal(t, "alice-2", ledger[1].Alias)
}

// --- Catalog ---

func TestListCompany_DuplicateSymbol(t *testing.T) {
	h := newHarness(t)
	h.list("ACME", 10, 1)

	_, _, err := h.engine.ListCompany(h.ctx, listing.Request{Symbol: "acme", MarketID: "main", TotalShares: 5, Price: d(1)})
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	_, _, err = h.engine.ListCompany(h.ctx, listing.Request{Symbol: "NEW", MarketID: "nowhere", TotalShares: 5, Price: d(1)})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestResizeInventory_TreasuryAbsorbsChange(t *testing.T) {
	h := newHarness(t)
	a := h.trader("alice", 1000)
	c := h.list("ACME", 10, 10)
	_, err := h.engine.Buy(h.ctx, a.ID, c.ID, 4)
	require.NoError(t, err)

	inv, err := h.engine.ResizeInventory(h.ctx, c.ID, 20)
	require.NoError(t, err)
	assert.Equal(t, int64(16), inv.AvailableShares)

	_, err = h.engine.ResizeInventory(h.ctx, c.ID, 3)
	require.Error(t, err)
	assert.Equal(t, int64(4), h.net(a, c.ID))
	h.conserved(c.ID)
}

func TestSetPrice_HistoryAndDelistedFreeze(t *testing.T) {
	h := newHarness(t)
	c := h.list("ACME", 10, 10)

	_, err := h.engine.SetPrice(h.ctx, c.ID, d(0), model.PriceSourceManual)
	assert.ErrorIs(t, err, apperr.ErrInvalidPrice)

	h.clock.advance(time.Minute)
	_, err = h.engine.SetPrice(h.ctx, c.ID, d(12), model.PriceSourceBatch)
	require.NoError(t, err)

	points, err := h.engine.PriceHistory(h.ctx, c.ID, 0)
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.True(t, points[1].Price.Equal(d(12)))
	assert.Equal(t, model.PriceSourceBatch, points[1].Source)

	_, err = h.engine.DelistLiquidation(h.ctx, c.ID, "gone", nil)
	require.NoError(t, err)
	_, err = h.engine.SetPrice(h.ctx, c.ID, d(13), model.PriceSourceManual)
	assert.ErrorIs(t, err, apperr.ErrDisabled)
}
