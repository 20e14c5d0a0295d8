// Package wallet is the single authority over a wallet's mutable fields:
// funds, daily recharge consumption and the lockout window.
//
// Every operation runs inside a store.Tx that has already locked the wallet
// row, and every successful mutation appends exactly one history snapshot.
// Lockouts expire passively with wall-clock time; RefreshLockout applies an
// expiry and is called before anything that depends on daily-limit state.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/bourse/settlement-engine/internal/apperr"
	"github.com/bourse/settlement-engine/internal/audit"
	"github.com/bourse/settlement-engine/internal/model"
	"github.com/bourse/settlement-engine/internal/store"
)

// DefaultLockout is how long recharges stay suspended once the daily limit
// is reached.
const DefaultLockout = 24 * time.Hour

// Manager applies wallet rules.
type Manager struct {
	lockout time.Duration
	limits  Limits
	now     func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a wallet manager. A non-positive lockout falls back to
// DefaultLockout.
func NewManager(lockout time.Duration, limits Limits, opts ...Option) *Manager {
	if lockout <= 0 {
		lockout = DefaultLockout
	}
	m := &Manager{
		lockout: lockout,
		limits:  limits,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Now is the manager's clock.
func (m *Manager) Now() time.Time { return m.now() }

// NewWallet builds an empty wallet for the category with its tier limit.
func (m *Manager) NewWallet(category model.WalletCategory) (*model.Wallet, error) {
	limit, err := m.limits.For(category)
	if err != nil {
		return nil, apperr.New(apperr.KindInvalidInput, "new_wallet", "%v", err)
	}
	now := m.now()
	return &model.Wallet{
		ID:            uuid.New().String(),
		Category:      category,
		Funds:         decimal.Zero,
		DailyLimit:    limit,
		DailyConsumed: decimal.Zero,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// Debit removes amount from the wallet. It fails with InsufficientFunds if
// the wallet holds less.
func (m *Manager) Debit(ctx context.Context, tx store.Tx, walletID string, amount decimal.Decimal, reason model.Reason) (*model.Wallet, error) {
	const op = "debit"
	if err := checkAmount(op, amount); err != nil {
		return nil, err
	}
	w, err := m.RefreshLockout(ctx, tx, walletID)
	if err != nil {
		return nil, err
	}
	if w.Funds.LessThan(amount) {
		return nil, apperr.Shortfall(apperr.KindInsufficientFunds, op, amount, w.Funds)
	}

	w.Funds = w.Funds.Sub(amount)
	return w, m.save(ctx, tx, op, w, reason, nil)
}

// Credit adds amount to the wallet. Credits are never subject to the daily
// recharge limit.
func (m *Manager) Credit(ctx context.Context, tx store.Tx, walletID string, amount decimal.Decimal, reason model.Reason) (*model.Wallet, error) {
	const op = "credit"
	if amount.IsNegative() || !model.FitsMoney(amount) {
		return nil, apperr.New(apperr.KindInvalidInput, op, "amount must be non-negative with at most %d decimal places, got %s", model.MoneyPlaces, amount)
	}
	w, err := m.load(ctx, tx, op, walletID)
	if err != nil {
		return nil, err
	}

	w.Funds = w.Funds.Add(amount)
	return w, m.save(ctx, tx, op, w, reason, nil)
}

// Recharge adds inbound cash within the daily limit. Reaching the limit
// starts a lockout; while it runs every recharge fails with Locked.
func (m *Manager) Recharge(ctx context.Context, tx store.Tx, walletID string, amount decimal.Decimal) (*model.Wallet, error) {
	const op = "recharge"
	if err := checkAmount(op, amount); err != nil {
		return nil, err
	}
	w, err := m.RefreshLockout(ctx, tx, walletID)
	if err != nil {
		return nil, err
	}

	now := m.now()
	if w.LockedAt(now) {
		return nil, apperr.Locked(op, *w.LockoutUntil)
	}
	if amount.GreaterThan(w.Remaining()) {
		return nil, apperr.Shortfall(apperr.KindDailyLimitExceeded, op, amount, w.Remaining())
	}

	w.Funds = w.Funds.Add(amount)
	w.DailyConsumed = w.DailyConsumed.Add(amount)
	if w.DailyConsumed.GreaterThanOrEqual(w.DailyLimit) {
		until := now.Add(m.lockout)
		w.LockoutUntil = &until
	}
	return w, m.save(ctx, tx, op, w, model.ReasonRecharge, &amount)
}

// RefreshLockout clears an expired lockout and resets the daily
// consumption. Calling it again is a no-op. A history row is written only
// when it resets.
func (m *Manager) RefreshLockout(ctx context.Context, tx store.Tx, walletID string) (*model.Wallet, error) {
	const op = "refresh_lockout"
	w, err := m.load(ctx, tx, op, walletID)
	if err != nil {
		return nil, err
	}
	if w.LockoutUntil == nil || w.LockedAt(m.now()) {
		return w, nil
	}

	w.LockoutUntil = nil
	w.DailyConsumed = decimal.Zero
	return w, m.save(ctx, tx, op, w, model.ReasonReset, nil)
}

func (m *Manager) load(ctx context.Context, tx store.Tx, op, walletID string) (*model.Wallet, error) {
	w, err := tx.GetWallet(ctx, walletID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound(op, "wallet", walletID)
	}
	if err != nil {
		return nil, apperr.Internal(op, err)
	}
	return w, nil
}

func (m *Manager) save(ctx context.Context, tx store.Tx, op string, w *model.Wallet, reason model.Reason, recharge *decimal.Decimal) error {
	now := m.now()
	w.UpdatedAt = now
	if err := tx.UpdateWallet(ctx, w); err != nil {
		return apperr.Internal(op, fmt.Errorf("update wallet %s: %w", w.ID, err))
	}

	snap := Snapshot(w, reason, audit.ActorOr(ctx, "system"), now)
	snap.RechargeAmount = recharge
	if err := tx.AppendWalletSnapshot(ctx, snap); err != nil {
		return apperr.Internal(op, fmt.Errorf("wallet history %s: %w", w.ID, err))
	}
	return nil
}

// Snapshot builds the history row for a wallet's current state.
func Snapshot(w *model.Wallet, reason model.Reason, actor string, at time.Time) *model.WalletSnapshot {
	var until *time.Time
	if w.LockoutUntil != nil {
		u := *w.LockoutUntil
		until = &u
	}
	return &model.WalletSnapshot{
		WalletID:      w.ID,
		Category:      w.Category,
		Funds:         w.Funds,
		DailyLimit:    w.DailyLimit,
		DailyConsumed: w.DailyConsumed,
		LockoutUntil:  until,
		Reason:        reason,
		Actor:         actor,
		RecordedAt:    at,
	}
}

func checkAmount(op string, amount decimal.Decimal) error {
	if !amount.IsPositive() || !model.FitsMoney(amount) {
		return apperr.New(apperr.KindInvalidInput, op, "amount must be positive with at most %d decimal places, got %s", model.MoneyPlaces, amount)
	}
	return nil
}
