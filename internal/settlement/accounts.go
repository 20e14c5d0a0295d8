package settlement

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/bourse/settlement-engine/internal/apperr"
	"github.com/bourse/settlement-engine/internal/locks"
	"github.com/bourse/settlement-engine/internal/metrics"
	"github.com/bourse/settlement-engine/internal/model"
	"github.com/bourse/settlement-engine/internal/store"
	"github.com/bourse/settlement-engine/internal/wallet"
)

// Recharge adds inbound cash to the account's wallet within its daily limit.
func (e *Engine) Recharge(ctx context.Context, accountID string, amount decimal.Decimal) (w *model.Wallet, err error) {
	const op = "recharge"
	actor, done, err := e.begin(ctx, op)
	if err != nil {
		return nil, err
	}
	defer func() {
		done(err)
		outcome := "ok"
		if err != nil {
			outcome = string(apperr.KindOf(err))
		}
		metrics.Recharges.WithLabelValues(outcome).Inc()
	}()

	err = e.run(ctx, op, func(ctx context.Context, tx store.Tx) error {
		a, err := e.account(ctx, tx, op, accountID)
		if err != nil {
			return err
		}
		if err := tx.Lock(ctx, locks.WalletKey(a.WalletID)); err != nil {
			return err
		}
		if a, err = e.tradingAccount(ctx, tx, op, accountID); err != nil {
			return err
		}
		w, err = e.wallets.Recharge(ctx, tx, a.WalletID, amount)
		return err
	})
	if err != nil {
		return nil, err
	}

	slog.Info("wallet recharged",
		"account", accountID,
		"wallet", w.ID,
		"amount", amount.String(),
		"daily_consumed", w.DailyConsumed.String(),
		"actor", actor,
	)
	if w.LockoutUntil != nil {
		e.publish(Event{Type: EventWalletLocked, AccountID: accountID})
	}
	return w, nil
}

// Wallet applies any expired lockout and returns the account's wallet.
func (e *Engine) Wallet(ctx context.Context, accountID string) (w *model.Wallet, err error) {
	const op = "refresh_lockout"
	_, done, err := e.begin(ctx, op)
	if err != nil {
		return nil, err
	}
	defer func() { done(err) }()

	err = e.run(ctx, op, func(ctx context.Context, tx store.Tx) error {
		a, err := e.account(ctx, tx, op, accountID)
		if err != nil {
			return err
		}
		if a.WalletID == "" {
			return apperr.New(apperr.KindNotFound, op, "account %s has no wallet", accountID)
		}
		if err := tx.Lock(ctx, locks.WalletKey(a.WalletID)); err != nil {
			return err
		}
		w, err = e.wallets.RefreshLockout(ctx, tx, a.WalletID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

// RefreshLockout clears the account's wallet lockout once it has expired.
// It is idempotent.
func (e *Engine) RefreshLockout(ctx context.Context, accountID string) error {
	_, err := e.Wallet(ctx, accountID)
	return err
}

// WalletHistory returns the account's wallet history, newest first.
func (e *Engine) WalletHistory(ctx context.Context, accountID string, rechargesOnly bool, limit int) ([]model.WalletSnapshot, error) {
	const op = "wallet_history"
	a, err := e.account(ctx, e.store, op, accountID)
	if err != nil {
		return nil, err
	}
	rows, err := e.store.WalletHistory(ctx, a.WalletID, rechargesOnly, limit)
	if err != nil {
		return nil, apperr.Internal(op, err)
	}
	return rows, nil
}

// ProvisionRequest describes a new trader-capable account.
type ProvisionRequest struct {
	Alias     string               `json:"alias"`
	Role      model.Role           `json:"role"`
	Category  model.WalletCategory `json:"category"`
	MarketIDs []string             `json:"market_ids"`
}

// ProvisionAccount creates an account together with its empty wallet.
func (e *Engine) ProvisionAccount(ctx context.Context, req ProvisionRequest) (a *model.Account, err error) {
	const op = "provision"
	actor, done, err := e.begin(ctx, op)
	if err != nil {
		return nil, err
	}
	defer func() { done(err) }()

	alias := strings.TrimSpace(req.Alias)
	if alias == "" {
		return nil, apperr.New(apperr.KindInvalidInput, op, "alias is required")
	}
	role := req.Role
	if role == "" {
		role = model.RoleTrader
	}
	if role != model.RoleTrader && role != model.RoleAdmin {
		return nil, apperr.New(apperr.KindInvalidInput, op, "unknown role %q", req.Role)
	}

	err = e.run(ctx, op, func(ctx context.Context, tx store.Tx) error {
		for _, id := range req.MarketIDs {
			if _, err := tx.GetMarket(ctx, id); errors.Is(err, store.ErrNotFound) {
				return apperr.NotFound(op, "market", id)
			} else if err != nil {
				return apperr.Internal(op, err)
			}
		}

		w, err := e.wallets.NewWallet(req.Category)
		if err != nil {
			return err
		}
		if err := tx.CreateWallet(ctx, w); err != nil {
			return apperr.Internal(op, err)
		}
		if err := tx.AppendWalletSnapshot(ctx, wallet.Snapshot(w, model.ReasonProvision, actor, w.CreatedAt)); err != nil {
			return apperr.Internal(op, err)
		}

		a = &model.Account{
			ID:        uuid.New().String(),
			Alias:     alias,
			Role:      role,
			Enabled:   true,
			WalletID:  w.ID,
			MarketIDs: append([]string(nil), req.MarketIDs...),
			CreatedAt: w.CreatedAt,
		}
		if err := tx.CreateAccount(ctx, a); err != nil {
			return apperr.Internal(op, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("account provisioned", "account", a.ID, "alias", a.Alias, "category", req.Category, "actor", actor)
	return a, nil
}

// RenameAlias changes an account's display alias. Ledger rows reference the
// account id, so only the account row changes; historical rows keep the
// alias they were written with.
func (e *Engine) RenameAlias(ctx context.Context, accountID, alias string) (a *model.Account, err error) {
	const op = "rename_alias"
	actor, done, err := e.begin(ctx, op)
	if err != nil {
		return nil, err
	}
	defer func() { done(err) }()

	alias = strings.TrimSpace(alias)
	if alias == "" {
		return nil, apperr.New(apperr.KindInvalidInput, op, "alias is required")
	}

	err = e.run(ctx, op, func(ctx context.Context, tx store.Tx) error {
		cur, err := e.account(ctx, tx, op, accountID)
		if err != nil {
			return err
		}
		// Trades copy the alias under the wallet lock.
		if cur.WalletID != "" {
			if err := tx.Lock(ctx, locks.WalletKey(cur.WalletID)); err != nil {
				return err
			}
		}
		if a, err = e.account(ctx, tx, op, accountID); err != nil {
			return err
		}
		a.Alias = alias
		if err := tx.UpdateAccount(ctx, a); err != nil {
			return apperr.Internal(op, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("alias renamed", "account", accountID, "alias", alias, "actor", actor)
	return a, nil
}
