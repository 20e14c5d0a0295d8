package locks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquire_SerializesSameKey(t *testing.T) {
	m := NewManager()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := m.Acquire(context.Background(), WalletKey("w1"))
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			release()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
}

func TestAcquire_TimeoutHoldsNothing(t *testing.T) {
	m := NewManager()
	release, err := m.Acquire(context.Background(), InventoryKey("c1"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.Acquire(ctx, WalletKey("w1"), InventoryKey("c1"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	// w1 must have been released by the failed attempt.
	r2, err := m.Acquire(context.Background(), WalletKey("w1"))
	require.NoError(t, err)
	r2()
	release()
}

func TestAcquire_OppositeOrderDoesNotDeadlock(t *testing.T) {
	m := NewManager()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r, err := m.Acquire(context.Background(), WalletKey("a"), InventoryKey("x"))
			if err == nil {
				r()
			}
		}()
		go func() {
			defer wg.Done()
			r, err := m.Acquire(context.Background(), InventoryKey("x"), WalletKey("a"))
			if err == nil {
				r()
			}
		}()
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("deadlock acquiring overlapping key sets")
	}
}

func TestSorted_Dedupes(t *testing.T) {
	got := Sorted([]Key{WalletKey("b"), InventoryKey("z"), WalletKey("b"), WalletKey("a")})
	assert.Equal(t, []Key{"inventory:z", "wallet:a", "wallet:b"}, got)
}

func TestRelease_Idempotent(t *testing.T) {
	m := NewManager()
	r, err := m.Acquire(context.Background(), WalletKey("w"))
	require.NoError(t, err)
	r()
	r()
	r2, err := m.Acquire(context.Background(), WalletKey("w"))
	require.NoError(t, err)
	r2()
}
