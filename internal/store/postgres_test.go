package store_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bourse/settlement-engine/internal/locks"
	"github.com/bourse/settlement-engine/internal/model"
	"github.com/bourse/settlement-engine/internal/store"
)

// newPostgres connects to TEST_DATABASE_URL and migrates the schema. Tests
// using it are skipped when the variable is unset.
func newPostgres(t *testing.T) *store.PostgresStore {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	s := store.NewPostgresStore(pool)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(ctx))
	return s
}

func TestPostgresStore_TradeRoundTrip(t *testing.T) {
	s := newPostgres(t)
	ctx := context.Background()
	suffix := uuid.NewString()[:8]
	companyID := "c-" + suffix
	walletID := "w-" + suffix
	accountID := "a-" + suffix
	now := time.Now().UTC().Truncate(time.Microsecond)

	require.NoError(t, s.UpsertMarket(ctx, &model.Market{ID: "m-test", Name: "Test", Enabled: true}))
	require.NoError(t, s.RunInTx(ctx, func(tx store.Tx) error {
		if err := tx.CreateCompany(ctx, &model.Company{ID: companyID, Symbol: "T" + suffix, MarketID: "m-test", CreatedAt: now}); err != nil {
			return err
		}
		if err := tx.CreateInventory(ctx, &model.Inventory{CompanyID: companyID, TotalShares: 100, AvailableShares: 100, Price: d(12.5), UpdatedAt: now}); err != nil {
			return err
		}
		if err := tx.CreateWallet(ctx, &model.Wallet{ID: walletID, Category: model.CategoryMid, Funds: d(1000), DailyLimit: d(5000), CreatedAt: now, UpdatedAt: now}); err != nil {
			return err
		}
		return tx.CreateAccount(ctx, &model.Account{ID: accountID, Alias: "alice", Role: model.RoleTrader, Enabled: true, WalletID: walletID, MarketIDs: []string{"m-test"}, CreatedAt: now})
	}))

	require.NoError(t, s.RunInTx(ctx, func(tx store.Tx) error {
		if err := tx.Lock(ctx, locks.WalletKey(walletID), locks.InventoryKey(companyID)); err != nil {
			return err
		}
		inv, err := tx.GetInventory(ctx, companyID)
		if err != nil {
			return err
		}
		inv.AvailableShares -= 4
		if err := tx.UpdateInventory(ctx, inv); err != nil {
			return err
		}
		w, err := tx.GetWallet(ctx, walletID)
		if err != nil {
			return err
		}
		w.Funds = w.Funds.Sub(d(50))
		if err := tx.UpdateWallet(ctx, w); err != nil {
			return err
		}
		return tx.AppendTransaction(ctx, &model.Transaction{
			ID: uuid.NewString(), AccountID: accountID, Alias: "alice", CompanyID: companyID,
			Side: model.SideBuy, Price: d(12.5), Quantity: 4, Reason: model.ReasonTrade, Actor: accountID, Timestamp: now,
		})
	}))

	w, err := s.GetWallet(ctx, walletID)
	require.NoError(t, err)
	assert.True(t, w.Funds.Equal(d(950)), "funds = %s", w.Funds)

	ledger, err := s.LedgerByAccount(ctx, accountID)
	require.NoError(t, err)
	require.Len(t, ledger, 1)
	assert.True(t, ledger[0].Price.Equal(d(12.5)))

	a, err := s.GetAccount(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, []string{"m-test"}, a.MarketIDs)
}

func TestPostgresStore_HistoryReader(t *testing.T) {
	s := newPostgres(t)
	ctx := context.Background()
	suffix := uuid.NewString()[:8]
	companyID := "c-" + suffix
	now := time.Now().UTC()

	require.NoError(t, s.UpsertMarket(ctx, &model.Market{ID: "m-test", Name: "Test", Enabled: true}))
	require.NoError(t, s.RunInTx(ctx, func(tx store.Tx) error {
		if err := tx.CreateCompany(ctx, &model.Company{ID: companyID, Symbol: "H" + suffix, MarketID: "m-test", CreatedAt: now}); err != nil {
			return err
		}
		for i, p := range []float64{10, 11, 12} {
			pt := &model.PricePoint{CompanyID: companyID, Price: d(p), TotalShares: 10, AvailableShares: 10,
				Source: model.PriceSourceBatch, RecordedAt: now.Add(time.Duration(i) * time.Second)}
			if err := tx.AppendPricePoint(ctx, pt); err != nil {
				return err
			}
		}
		return nil
	}))

	points, err := s.PriceHistory(ctx, companyID, 2)
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.True(t, points[0].Price.Equal(d(11)), "oldest of the newest two first")
	assert.True(t, points[1].Price.Equal(d(12)))
}

func TestPostgresStore_NotFound(t *testing.T) {
	s := newPostgres(t)
	_, err := s.GetInventory(context.Background(), "missing-"+uuid.NewString())
	assert.ErrorIs(t, err, store.ErrNotFound)
}
