// Package position derives holdings from the append-only ledger.
//
// A position is never stored authoritatively: it is a fold over the
// account's Transaction rows. Cost basis averages every buy ever made and
// ignores sells, so selling never moves it.
package position

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/bourse/settlement-engine/internal/apperr"
	"github.com/bourse/settlement-engine/internal/model"
	"github.com/bourse/settlement-engine/internal/store"
)

// Fold computes the position of one account in one company. Entries for
// other accounts or companies are skipped.
func Fold(accountID, companyID string, entries []model.Transaction) model.Position {
	p := model.Position{AccountID: accountID, CompanyID: companyID}
	cost := decimal.Zero

	for _, e := range entries {
		if e.AccountID != accountID || e.CompanyID != companyID {
			continue
		}
		switch e.Side {
		case model.SideBuy:
			p.BoughtQuantity += e.Quantity
			cost = cost.Add(e.Amount())
		case model.SideSell:
			p.SoldQuantity += e.Quantity
		}
	}

	p.NetQuantity = p.BoughtQuantity - p.SoldQuantity
	if p.BoughtQuantity > 0 {
		avg := cost.Div(decimal.NewFromInt(p.BoughtQuantity))
		p.AverageCostBasis = &avg
	}
	return p
}

// FoldAll returns every company the account holds (net > 0), sorted by
// company id.
func FoldAll(accountID string, entries []model.Transaction) []model.Position {
	byCompany := make(map[string][]model.Transaction)
	for _, e := range entries {
		if e.AccountID == accountID {
			byCompany[e.CompanyID] = append(byCompany[e.CompanyID], e)
		}
	}
	return positive(byCompany, func(companyID string, es []model.Transaction) model.Position {
		return Fold(accountID, companyID, es)
	})
}

// Holders returns every account with a positive position in the company,
// sorted by account id.
func Holders(companyID string, entries []model.Transaction) []model.Position {
	byAccount := make(map[string][]model.Transaction)
	for _, e := range entries {
		if e.CompanyID == companyID {
			byAccount[e.AccountID] = append(byAccount[e.AccountID], e)
		}
	}
	return positive(byAccount, func(accountID string, es []model.Transaction) model.Position {
		return Fold(accountID, companyID, es)
	})
}

func positive(groups map[string][]model.Transaction, fold func(string, []model.Transaction) model.Position) []model.Position {
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []model.Position
	for _, k := range keys {
		if p := fold(k, groups[k]); p.NetQuantity > 0 {
			out = append(out, p)
		}
	}
	return out
}

// Resolver answers position queries against a ledger snapshot. Pass an open
// store.Tx to fold the same state a settlement decision will mutate.
type Resolver struct{}

// ResolvePosition returns the account's position in the company. No ledger
// entries yield a zero position with a nil cost basis.
func (Resolver) ResolvePosition(ctx context.Context, r store.LedgerReader, accountID, companyID string) (model.Position, error) {
	const op = "resolve_position"
	if err := mustExist(ctx, r, op, accountID, companyID); err != nil {
		return model.Position{}, err
	}
	entries, err := r.LedgerByAccount(ctx, accountID)
	if err != nil {
		return model.Position{}, apperr.Internal(op, err)
	}
	return Fold(accountID, companyID, entries), nil
}

// ResolveAllPositions returns the account's holdings with net > 0.
func (Resolver) ResolveAllPositions(ctx context.Context, r store.LedgerReader, accountID string) ([]model.Position, error) {
	const op = "resolve_positions"
	if err := mustExist(ctx, r, op, accountID, ""); err != nil {
		return nil, err
	}
	entries, err := r.LedgerByAccount(ctx, accountID)
	if err != nil {
		return nil, apperr.Internal(op, err)
	}
	return FoldAll(accountID, entries), nil
}

// CompanyHolders returns every account holding the company.
func (Resolver) CompanyHolders(ctx context.Context, r store.LedgerReader, companyID string) ([]model.Position, error) {
	const op = "company_holders"
	if err := mustExist(ctx, r, op, "", companyID); err != nil {
		return nil, err
	}
	entries, err := r.LedgerByCompany(ctx, companyID)
	if err != nil {
		return nil, apperr.Internal(op, err)
	}
	return Holders(companyID, entries), nil
}

func mustExist(ctx context.Context, r store.LedgerReader, op, accountID, companyID string) error {
	if accountID != "" {
		if _, err := r.GetAccount(ctx, accountID); err != nil {
			return classify(op, "account", accountID, err)
		}
	}
	if companyID != "" {
		if _, err := r.GetCompany(ctx, companyID); err != nil {
			return classify(op, "company", companyID, err)
		}
	}
	return nil
}

func classify(op, entity, id string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFound(op, entity, id)
	}
	return apperr.Internal(op, fmt.Errorf("read %s %s: %w", entity, id, err))
}
