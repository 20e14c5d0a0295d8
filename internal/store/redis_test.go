package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bourse/settlement-engine/internal/locks"
	"github.com/bourse/settlement-engine/internal/model"
	"github.com/bourse/settlement-engine/internal/store"
)

func newCached(t *testing.T) (*store.CachedStore, *store.MemoryStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	primary := store.NewMemoryStore()
	return store.NewCachedStore(primary, rdb, time.Minute), primary, mr
}

func TestCachedStore_InventoryReadThroughAndInvalidate(t *testing.T) {
	cs, _, mr := newCached(t)
	seedInventory(t, cs, "c1", 100, d(10))
	ctx := context.Background()

	inv, err := cs.GetInventory(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), inv.AvailableShares)
	assert.True(t, mr.Exists("inventory:c1"), "read should populate the cache")

	require.NoError(t, cs.RunInTx(ctx, func(tx store.Tx) error {
		if err := tx.Lock(ctx, locks.InventoryKey("c1")); err != nil {
			return err
		}
		inv, err := tx.GetInventory(ctx, "c1")
		if err != nil {
			return err
		}
		inv.AvailableShares = 40
		return tx.UpdateInventory(ctx, inv)
	}))
	assert.False(t, mr.Exists("inventory:c1"), "commit should invalidate")

	inv, err = cs.GetInventory(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(40), inv.AvailableShares)
}

func TestCachedStore_FailedTxKeepsCache(t *testing.T) {
	cs, _, mr := newCached(t)
	seedInventory(t, cs, "c1", 100, d(10))
	ctx := context.Background()

	_, err := cs.GetInventory(ctx, "c1")
	require.NoError(t, err)

	err = cs.RunInTx(ctx, func(tx store.Tx) error {
		if err := tx.Lock(ctx, locks.InventoryKey("c1")); err != nil {
			return err
		}
		inv, _ := tx.GetInventory(ctx, "c1")
		inv.AvailableShares = 1
		if err := tx.UpdateInventory(ctx, inv); err != nil {
			return err
		}
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)
	assert.True(t, mr.Exists("inventory:c1"))

	inv, _ := cs.GetInventory(ctx, "c1")
	assert.Equal(t, int64(100), inv.AvailableShares)
}

func TestCachedStore_PriceHistoryWindowsInvalidated(t *testing.T) {
	cs, _, mr := newCached(t)
	seedInventory(t, cs, "c1", 100, d(10))
	ctx := context.Background()

	appendPrice := func(p float64) {
		require.NoError(t, cs.RunInTx(ctx, func(tx store.Tx) error {
			return tx.AppendPricePoint(ctx, &model.PricePoint{CompanyID: "c1", Price: d(p), Source: model.PriceSourceManual})
		}))
	}

	appendPrice(10)
	points, err := cs.PriceHistory(ctx, "c1", 5)
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.True(t, mr.Exists("prices:c1:5"))

	appendPrice(12)
	assert.False(t, mr.Exists("prices:c1:5"))

	points, err = cs.PriceHistory(ctx, "c1", 5)
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.True(t, points[1].Price.Equal(d(12)))
}

func TestCachedStore_SymbolMapping(t *testing.T) {
	cs, _, mr := newCached(t)
	seedInventory(t, cs, "c1", 100, d(10))
	ctx := context.Background()

	c, err := cs.GetCompanyBySymbol(ctx, "SYMc1")
	require.NoError(t, err)
	assert.Equal(t, "c1", c.ID)

	id, err := mr.Get("symbol:SYMc1")
	require.NoError(t, err)
	assert.Equal(t, "c1", id)

	// Second lookup is served from the mapping.
	c, err = cs.GetCompanyBySymbol(ctx, "SYMc1")
	require.NoError(t, err)
	assert.Equal(t, "c1", c.ID)
}
