package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bourse/settlement-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for catalog rows, inventory quotes and price history. Writes go to
// the primary store and invalidate the cache once their transaction commits;
// reads check Redis first then fall back to the primary.
//
// Reads inside a Tx always hit the primary, so settlement decisions never
// see a cached row.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) UpsertMarket(ctx context.Context, m *model.Market) error {
	if err := s.Store.UpsertMarket(ctx, m); err != nil {
		return err
	}
	s.rdb.Del(ctx, marketKey(m.ID))
	return nil
}

// RunInTx tracks every cached row the tx writes and drops those keys after
// a successful commit.
func (s *CachedStore) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	var tt *trackingTx
	err := s.Store.RunInTx(ctx, func(tx Tx) error {
		tt = &trackingTx{Tx: tx}
		return fn(tt)
	})
	if err != nil {
		return err
	}

	// Invalidate cache; next read will re-populate.
	ctx = context.WithoutCancel(ctx)
	if len(tt.keys) > 0 {
		s.rdb.Del(ctx, tt.keys...)
	}
	for _, companyID := range tt.priced {
		s.invalidatePrices(ctx, companyID)
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	var m model.Market
	if s.fromCache(ctx, marketKey(id), &m) {
		return &m, nil
	}

	// Cache miss: read from primary.
	mp, err := s.Store.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	s.toCache(ctx, marketKey(id), mp)
	return mp, nil
}

func (s *CachedStore) GetCompany(ctx context.Context, id string) (*model.Company, error) {
	var c model.Company
	if s.fromCache(ctx, companyKey(id), &c) {
		return &c, nil
	}

	cp, err := s.Store.GetCompany(ctx, id)
	if err != nil {
		return nil, err
	}
	s.toCache(ctx, companyKey(id), cp)
	return cp, nil
}

func (s *CachedStore) GetCompanyBySymbol(ctx context.Context, symbol string) (*model.Company, error) {
	// Try cache via symbol→companyID mapping. Symbols never change once
	// listed, so the mapping is not invalidated.
	companyID, err := s.rdb.Get(ctx, symbolKey(symbol)).Result()
	if err == nil {
		return s.GetCompany(ctx, companyID)
	}

	// Cache miss.
	c, err := s.Store.GetCompanyBySymbol(ctx, symbol)
	if err != nil {
		return nil, err
	}

	// Cache both the company and the symbol→ID mapping.
	s.toCache(ctx, companyKey(c.ID), c)
	s.rdb.Set(ctx, symbolKey(symbol), c.ID, s.ttl)
	return c, nil
}

func (s *CachedStore) GetInventory(ctx context.Context, companyID string) (*model.Inventory, error) {
	var inv model.Inventory
	if s.fromCache(ctx, inventoryKey(companyID), &inv) {
		return &inv, nil
	}

	ip, err := s.Store.GetInventory(ctx, companyID)
	if err != nil {
		return nil, err
	}
	s.toCache(ctx, inventoryKey(companyID), ip)
	return ip, nil
}

func (s *CachedStore) PriceHistory(ctx context.Context, companyID string, limit int) ([]model.PricePoint, error) {
	key := priceHistoryKey(companyID, limit)
	var points []model.PricePoint
	if s.fromCache(ctx, key, &points) {
		return points, nil
	}

	points, err := s.Store.PriceHistory(ctx, companyID, limit)
	if err != nil {
		return nil, err
	}
	if s.toCache(ctx, key, points) {
		s.rdb.SAdd(ctx, priceHistoryIndexKey(companyID), key)
		s.rdb.Expire(ctx, priceHistoryIndexKey(companyID), s.ttl)
	}
	return points, nil
}

// --- Cache helpers ---

// invalidatePrices drops every cached window of a company's price series.
func (s *CachedStore) invalidatePrices(ctx context.Context, companyID string) {
	idx := priceHistoryIndexKey(companyID)
	windows, err := s.rdb.SMembers(ctx, idx).Result()
	if err != nil {
		return
	}
	s.rdb.Del(ctx, append(windows, idx)...)
}

func (s *CachedStore) fromCache(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) toCache(ctx context.Context, key string, v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		return false
	}
	return s.rdb.Set(ctx, key, data, s.ttl).Err() == nil
}

// trackingTx records the cache keys of rows written through it.
type trackingTx struct {
	Tx
	keys   []string
	priced []string
}

func (t *trackingTx) CreateCompany(ctx context.Context, c *model.Company) error {
	t.keys = append(t.keys, companyKey(c.ID))
	return t.Tx.CreateCompany(ctx, c)
}

func (t *trackingTx) UpdateCompany(ctx context.Context, c *model.Company) error {
	t.keys = append(t.keys, companyKey(c.ID))
	return t.Tx.UpdateCompany(ctx, c)
}

func (t *trackingTx) CreateInventory(ctx context.Context, inv *model.Inventory) error {
	t.keys = append(t.keys, inventoryKey(inv.CompanyID))
	return t.Tx.CreateInventory(ctx, inv)
}

func (t *trackingTx) UpdateInventory(ctx context.Context, inv *model.Inventory) error {
	t.keys = append(t.keys, inventoryKey(inv.CompanyID))
	return t.Tx.UpdateInventory(ctx, inv)
}

func (t *trackingTx) AppendPricePoint(ctx context.Context, p *model.PricePoint) error {
	t.priced = append(t.priced, p.CompanyID)
	return t.Tx.AppendPricePoint(ctx, p)
}

func marketKey(id string) string              { return fmt.Sprintf("market:%s", id) }
func companyKey(id string) string             { return fmt.Sprintf("company:%s", id) }
func symbolKey(sym string) string             { return fmt.Sprintf("symbol:%s", sym) }
func inventoryKey(id string) string           { return fmt.Sprintf("inventory:%s", id) }
func priceHistoryKey(id string, n int) string { return fmt.Sprintf("prices:%s:%d", id, n) }
func priceHistoryIndexKey(id string) string   { return fmt.Sprintf("prices:%s:windows", id) }
