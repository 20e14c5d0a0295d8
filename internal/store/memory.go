package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bourse/settlement-engine/internal/locks"
	"github.com/bourse/settlement-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// A transaction stages its writes privately and applies them under the
// store mutex at commit, so readers never observe a partial unit of work.
type MemoryStore struct {
	mu    sync.RWMutex
	locks *locks.Manager

	markets     map[string]*model.Market
	companies   map[string]*model.Company
	accounts    map[string]*model.Account
	wallets     map[string]*model.Wallet
	inventories map[string]*model.Inventory

	ledger           []model.Transaction
	walletHistory    []model.WalletSnapshot
	inventoryHistory []model.InventorySnapshot
	prices           []model.PricePoint
	portfolio        map[portfolioKey]model.PortfolioCacheRow

	seq   int64
	fault func(op string) error
}

type portfolioKey struct{ account, company string }

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locks:       locks.NewManager(),
		markets:     make(map[string]*model.Market),
		companies:   make(map[string]*model.Company),
		accounts:    make(map[string]*model.Account),
		wallets:     make(map[string]*model.Wallet),
		inventories: make(map[string]*model.Inventory),
		portfolio:   make(map[portfolioKey]model.PortfolioCacheRow),
	}
}

// SetFaultHook installs a hook consulted before every tx write and before
// commit. A non-nil return fails that step. Tests use it to simulate storage
// failures partway through a unit of work.
func (s *MemoryStore) SetFaultHook(fn func(op string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = fn
}

func (s *MemoryStore) checkFault(op string) error {
	s.mu.RLock()
	fn := s.fault
	s.mu.RUnlock()
	if fn == nil {
		return nil
	}
	return fn(op)
}

// --- Copy helpers ---

func copyAccount(a *model.Account) *model.Account {
	c := *a
	c.MarketIDs = append([]string(nil), a.MarketIDs...)
	return &c
}

func copyWallet(w *model.Wallet) *model.Wallet {
	c := *w
	if w.LockoutUntil != nil {
		t := *w.LockoutUntil
		c.LockoutUntil = &t
	}
	return &c
}

func copyCompany(co *model.Company) *model.Company {
	c := *co
	if co.DelistedAt != nil {
		t := *co.DelistedAt
		c.DelistedAt = &t
	}
	return &c
}

func copyInventory(inv *model.Inventory) *model.Inventory {
	c := *inv
	return &c
}

// --- Reader ---

func (s *MemoryStore) UpsertMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *m
	s.markets[m.ID] = &c
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.markets[id]
	if !ok {
		return nil, fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	c := *m
	return &c, nil
}

func (s *MemoryStore) GetAccount(_ context.Context, id string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	return copyAccount(a), nil
}

func (s *MemoryStore) GetCompany(_ context.Context, id string) (*model.Company, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.companies[id]
	if !ok {
		return nil, fmt.Errorf("company %s: %w", id, ErrNotFound)
	}
	return copyCompany(c), nil
}

func (s *MemoryStore) GetCompanyBySymbol(_ context.Context, symbol string) (*model.Company, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.companies {
		if c.Symbol == symbol {
			return copyCompany(c), nil
		}
	}
	return nil, fmt.Errorf("company symbol %s: %w", symbol, ErrNotFound)
}

func (s *MemoryStore) GetWallet(_ context.Context, id string) (*model.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.wallets[id]
	if !ok {
		return nil, fmt.Errorf("wallet %s: %w", id, ErrNotFound)
	}
	return copyWallet(w), nil
}

func (s *MemoryStore) GetInventory(_ context.Context, companyID string) (*model.Inventory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inv, ok := s.inventories[companyID]
	if !ok {
		return nil, fmt.Errorf("inventory %s: %w", companyID, ErrNotFound)
	}
	return copyInventory(inv), nil
}

func (s *MemoryStore) LedgerByAccount(_ context.Context, accountID string) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Transaction
	for _, e := range s.ledger {
		if e.AccountID == accountID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) LedgerByCompany(_ context.Context, companyID string) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Transaction
	for _, e := range s.ledger {
		if e.CompanyID == companyID {
			result = append(result, e)
		}
	}
	return result, nil
}

// --- HistoryReader ---

func (s *MemoryStore) PriceHistory(_ context.Context, companyID string, limit int) ([]model.PricePoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.PricePoint
	for _, p := range s.prices {
		if p.CompanyID == companyID {
			result = append(result, p)
		}
	}
	if limit > 0 && len(result) > limit {
		result = result[len(result)-limit:]
	}
	return result, nil
}

func (s *MemoryStore) WalletHistory(_ context.Context, walletID string, rechargesOnly bool, limit int) ([]model.WalletSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WalletSnapshot
	for i := len(s.walletHistory) - 1; i >= 0; i-- {
		h := s.walletHistory[i]
		if h.WalletID != walletID {
			continue
		}
		if rechargesOnly && h.RechargeAmount == nil {
			continue
		}
		result = append(result, h)
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

func (s *MemoryStore) InventoryHistory(_ context.Context, companyID string, limit int) ([]model.InventorySnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.InventorySnapshot
	for i := len(s.inventoryHistory) - 1; i >= 0; i-- {
		h := s.inventoryHistory[i]
		if h.CompanyID != companyID {
			continue
		}
		result = append(result, h)
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

func (s *MemoryStore) PortfolioCache(_ context.Context, accountID string) ([]model.PortfolioCacheRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.PortfolioCacheRow
	for k, row := range s.portfolio {
		if k.account == accountID {
			result = append(result, row)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CompanyID < result[j].CompanyID })
	return result, nil
}

// --- Transactions ---

// RunInTx stages fn's writes and applies them atomically if fn succeeds.
func (s *MemoryStore) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	tx := &memTx{
		s:           s,
		locked:      make(map[locks.Key]bool),
		companies:   make(map[string]*model.Company),
		accounts:    make(map[string]*model.Account),
		wallets:     make(map[string]*model.Wallet),
		inventories: make(map[string]*model.Inventory),
		portfolio:   make(map[portfolioKey]model.PortfolioCacheRow),
	}
	defer tx.releaseLocks()

	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.checkFault("commit"); err != nil {
		return err
	}
	tx.commit()
	return nil
}

type memTx struct {
	s       *MemoryStore
	release func()
	locked  map[locks.Key]bool

	companies   map[string]*model.Company
	accounts    map[string]*model.Account
	wallets     map[string]*model.Wallet
	inventories map[string]*model.Inventory

	ledger           []model.Transaction
	walletHistory    []model.WalletSnapshot
	inventoryHistory []model.InventorySnapshot
	prices           []model.PricePoint
	portfolio        map[portfolioKey]model.PortfolioCacheRow
}

func (t *memTx) releaseLocks() {
	if t.release != nil {
		t.release()
		t.release = nil
	}
}

func (t *memTx) Lock(ctx context.Context, keys ...locks.Key) error {
	if t.release != nil {
		return ErrLocksHeld
	}
	release, err := t.s.locks.Acquire(ctx, keys...)
	if err != nil {
		return err
	}
	t.release = release
	for _, k := range keys {
		t.locked[k] = true
	}
	return nil
}

func (t *memTx) commit() {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, c := range t.companies {
		s.companies[id] = c
	}
	for id, a := range t.accounts {
		s.accounts[id] = a
	}
	for id, w := range t.wallets {
		s.wallets[id] = w
	}
	for id, inv := range t.inventories {
		s.inventories[id] = inv
	}
	s.ledger = append(s.ledger, t.ledger...)

	for _, h := range t.walletHistory {
		s.seq++
		h.ID = s.seq
		s.walletHistory = append(s.walletHistory, h)
	}
	for _, h := range t.inventoryHistory {
		s.seq++
		h.ID = s.seq
		s.inventoryHistory = append(s.inventoryHistory, h)
	}
	for _, p := range t.prices {
		// Price history is non-decreasing by timestamp per company.
		for i := len(s.prices) - 1; i >= 0; i-- {
			if s.prices[i].CompanyID == p.CompanyID {
				if p.RecordedAt.Before(s.prices[i].RecordedAt) {
					p.RecordedAt = s.prices[i].RecordedAt
				}
				break
			}
		}
		s.seq++
		p.ID = s.seq
		s.prices = append(s.prices, p)
	}
	for k, row := range t.portfolio {
		s.portfolio[k] = row
	}
}

// --- Tx reads: staged rows shadow committed rows ---

func (t *memTx) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	return t.s.GetMarket(ctx, id)
}

func (t *memTx) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	if a, ok := t.accounts[id]; ok {
		return copyAccount(a), nil
	}
	return t.s.GetAccount(ctx, id)
}

func (t *memTx) GetCompany(ctx context.Context, id string) (*model.Company, error) {
	if c, ok := t.companies[id]; ok {
		return copyCompany(c), nil
	}
	return t.s.GetCompany(ctx, id)
}

func (t *memTx) GetCompanyBySymbol(ctx context.Context, symbol string) (*model.Company, error) {
	for _, c := range t.companies {
		if c.Symbol == symbol {
			return copyCompany(c), nil
		}
	}
	return t.s.GetCompanyBySymbol(ctx, symbol)
}

func (t *memTx) GetWallet(ctx context.Context, id string) (*model.Wallet, error) {
	if w, ok := t.wallets[id]; ok {
		return copyWallet(w), nil
	}
	return t.s.GetWallet(ctx, id)
}

func (t *memTx) GetInventory(ctx context.Context, companyID string) (*model.Inventory, error) {
	if inv, ok := t.inventories[companyID]; ok {
		return copyInventory(inv), nil
	}
	return t.s.GetInventory(ctx, companyID)
}

func (t *memTx) LedgerByAccount(ctx context.Context, accountID string) ([]model.Transaction, error) {
	result, err := t.s.LedgerByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	for _, e := range t.ledger {
		if e.AccountID == accountID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (t *memTx) LedgerByCompany(ctx context.Context, companyID string) ([]model.Transaction, error) {
	result, err := t.s.LedgerByCompany(ctx, companyID)
	if err != nil {
		return nil, err
	}
	for _, e := range t.ledger {
		if e.CompanyID == companyID {
			result = append(result, e)
		}
	}
	return result, nil
}

// --- Tx writes ---

func (t *memTx) CreateAccount(ctx context.Context, a *model.Account) error {
	if err := t.s.checkFault("create_account"); err != nil {
		return err
	}
	if _, err := t.GetAccount(ctx, a.ID); err == nil {
		return fmt.Errorf("account %s already exists", a.ID)
	}
	t.accounts[a.ID] = copyAccount(a)
	return nil
}

func (t *memTx) UpdateAccount(ctx context.Context, a *model.Account) error {
	if err := t.s.checkFault("update_account"); err != nil {
		return err
	}
	if _, err := t.GetAccount(ctx, a.ID); err != nil {
		return err
	}
	t.accounts[a.ID] = copyAccount(a)
	return nil
}

func (t *memTx) CreateWallet(ctx context.Context, w *model.Wallet) error {
	if err := t.s.checkFault("create_wallet"); err != nil {
		return err
	}
	if _, err := t.GetWallet(ctx, w.ID); err == nil {
		return fmt.Errorf("wallet %s already exists", w.ID)
	}
	t.wallets[w.ID] = copyWallet(w)
	return nil
}

func (t *memTx) UpdateWallet(ctx context.Context, w *model.Wallet) error {
	if err := t.s.checkFault("update_wallet"); err != nil {
		return err
	}
	if _, staged := t.wallets[w.ID]; !staged || !t.createdHere(w.ID) {
		if !t.locked[locks.WalletKey(w.ID)] {
			return fmt.Errorf("wallet %s: %w", w.ID, ErrNotLocked)
		}
	}
	if _, err := t.GetWallet(ctx, w.ID); err != nil {
		return err
	}
	t.wallets[w.ID] = copyWallet(w)
	return nil
}

// createdHere reports whether a wallet row is new in this tx and therefore
// invisible to everyone else.
func (t *memTx) createdHere(walletID string) bool {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	_, committed := t.s.wallets[walletID]
	return !committed
}

func (t *memTx) CreateCompany(ctx context.Context, c *model.Company) error {
	if err := t.s.checkFault("create_company"); err != nil {
		return err
	}
	if _, err := t.GetCompany(ctx, c.ID); err == nil {
		return fmt.Errorf("company %s already exists", c.ID)
	}
	if _, err := t.GetCompanyBySymbol(ctx, c.Symbol); err == nil {
		return fmt.Errorf("company symbol %s already listed", c.Symbol)
	}
	t.companies[c.ID] = copyCompany(c)
	return nil
}

func (t *memTx) UpdateCompany(ctx context.Context, c *model.Company) error {
	if err := t.s.checkFault("update_company"); err != nil {
		return err
	}
	if _, err := t.GetCompany(ctx, c.ID); err != nil {
		return err
	}
	t.companies[c.ID] = copyCompany(c)
	return nil
}

func (t *memTx) CreateInventory(ctx context.Context, inv *model.Inventory) error {
	if err := t.s.checkFault("create_inventory"); err != nil {
		return err
	}
	if _, err := t.GetInventory(ctx, inv.CompanyID); err == nil {
		return fmt.Errorf("inventory %s already exists", inv.CompanyID)
	}
	t.inventories[inv.CompanyID] = copyInventory(inv)
	return nil
}

func (t *memTx) UpdateInventory(ctx context.Context, inv *model.Inventory) error {
	if err := t.s.checkFault("update_inventory"); err != nil {
		return err
	}
	if !t.locked[locks.InventoryKey(inv.CompanyID)] {
		if _, err := t.s.GetInventory(ctx, inv.CompanyID); err == nil {
			return fmt.Errorf("inventory %s: %w", inv.CompanyID, ErrNotLocked)
		}
	}
	if _, err := t.GetInventory(ctx, inv.CompanyID); err != nil {
		return err
	}
	t.inventories[inv.CompanyID] = copyInventory(inv)
	return nil
}

func (t *memTx) AppendTransaction(_ context.Context, e *model.Transaction) error {
	if err := t.s.checkFault("append_transaction"); err != nil {
		return err
	}
	t.ledger = append(t.ledger, *e)
	return nil
}

func (t *memTx) AppendWalletSnapshot(_ context.Context, h *model.WalletSnapshot) error {
	if err := t.s.checkFault("append_wallet_snapshot"); err != nil {
		return err
	}
	c := *h
	if h.LockoutUntil != nil {
		u := *h.LockoutUntil
		c.LockoutUntil = &u
	}
	t.walletHistory = append(t.walletHistory, c)
	return nil
}

func (t *memTx) AppendInventorySnapshot(_ context.Context, h *model.InventorySnapshot) error {
	if err := t.s.checkFault("append_inventory_snapshot"); err != nil {
		return err
	}
	t.inventoryHistory = append(t.inventoryHistory, *h)
	return nil
}

func (t *memTx) AppendPricePoint(_ context.Context, p *model.PricePoint) error {
	if err := t.s.checkFault("append_price_point"); err != nil {
		return err
	}
	if p.RecordedAt.IsZero() {
		p.RecordedAt = time.Now().UTC()
	}
	t.prices = append(t.prices, *p)
	return nil
}

func (t *memTx) UpsertPortfolioCache(_ context.Context, row *model.PortfolioCacheRow) error {
	if err := t.s.checkFault("upsert_portfolio_cache"); err != nil {
		return err
	}
	t.portfolio[portfolioKey{row.AccountID, row.CompanyID}] = *row
	return nil
}
