// Package locks provides exclusive, context-aware locks keyed by entity.
//
// Keys are always acquired in sorted order, so two callers that need
// overlapping sets of wallets and inventories can never deadlock. A caller
// whose context ends while waiting gets the context error back and holds
// nothing.
package locks

import (
	"context"
	"sort"
	"sync"
)

// Key names one lockable row, e.g. "wallet:<id>" or "inventory:<id>".
type Key string

// WalletKey is the lock key of a wallet row.
func WalletKey(id string) Key { return Key("wallet:" + id) }

// InventoryKey is the lock key of a company's inventory row.
func InventoryKey(companyID string) Key { return Key("inventory:" + companyID) }

// Manager hands out per-key locks. The zero value is not usable.
type Manager struct {
	mu    sync.Mutex
	slots map[Key]chan struct{}
}

// NewManager creates an empty lock manager.
func NewManager() *Manager {
	return &Manager{slots: make(map[Key]chan struct{})}
}

func (m *Manager) slot(k Key) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.slots[k]
	if !ok {
		ch = make(chan struct{}, 1)
		m.slots[k] = ch
	}
	return ch
}

// Acquire locks every key in sorted order. On success it returns a release
// func that must be called exactly once. Duplicate keys are collapsed.
func (m *Manager) Acquire(ctx context.Context, keys ...Key) (func(), error) {
	sorted := Sorted(keys)
	held := make([]chan struct{}, 0, len(sorted))

	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			<-held[i]
		}
	}

	for _, k := range sorted {
		ch := m.slot(k)
		select {
		case ch <- struct{}{}:
			held = append(held, ch)
		case <-ctx.Done():
			release()
			return nil, ctx.Err()
		}
	}

	var once sync.Once
	return func() { once.Do(release) }, nil
}

// Sorted returns the unique keys in acquisition order.
func Sorted(keys []Key) []Key {
	seen := make(map[Key]struct{}, len(keys))
	out := make([]Key, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
