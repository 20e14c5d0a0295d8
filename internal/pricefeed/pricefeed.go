// Package pricefeed records externally supplied prices: single manual loads
// and batch loads in which every entry succeeds or fails on its own.
package pricefeed

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/bourse/settlement-engine/internal/apperr"
	"github.com/bourse/settlement-engine/internal/listing"
	"github.com/bourse/settlement-engine/internal/model"
	"github.com/bourse/settlement-engine/internal/store"
)

// PriceSetter applies one price change atomically.
type PriceSetter interface {
	SetPrice(ctx context.Context, companyID string, price decimal.Decimal, source model.PriceSource) (*model.Inventory, error)
}

// Entry is one price to load. Either CompanyID or Symbol identifies the
// company; CompanyID wins when both are set.
type Entry struct {
	CompanyID string          `json:"company_id,omitempty"`
	Symbol    string          `json:"symbol,omitempty"`
	Price     decimal.Decimal `json:"price"`
}

// Item is the outcome of one batch entry.
type Item struct {
	Line      int             `json:"line,omitempty"` // source line for CSV input
	CompanyID string          `json:"company_id,omitempty"`
	Symbol    string          `json:"symbol,omitempty"`
	Price     decimal.Decimal `json:"price"`
	OK        bool            `json:"ok"`
	Kind      apperr.Kind     `json:"kind,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// BatchReport summarises a batch load.
type BatchReport struct {
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	Items     []Item `json:"items"`
}

func (r *BatchReport) add(it Item) {
	if it.OK {
		r.Succeeded++
	} else {
		r.Failed++
	}
	r.Items = append(r.Items, it)
}

// Loader resolves companies and hands prices to a PriceSetter.
type Loader struct {
	setter  PriceSetter
	catalog store.Reader
}

// NewLoader creates a price loader.
func NewLoader(setter PriceSetter, catalog store.Reader) *Loader {
	return &Loader{setter: setter, catalog: catalog}
}

// LoadOne applies a single manual price.
func (l *Loader) LoadOne(ctx context.Context, companyID string, price decimal.Decimal) (*model.Inventory, error) {
	return l.setter.SetPrice(ctx, companyID, price, model.PriceSourceManual)
}

// LoadBatch applies each entry in its own transaction. One bad entry never
// aborts the rest; the report lists every outcome in input order.
func (l *Loader) LoadBatch(ctx context.Context, entries []Entry) BatchReport {
	report := BatchReport{Items: make([]Item, 0, len(entries))}
	for _, e := range entries {
		report.add(l.loadEntry(ctx, e, 0))
	}
	slog.Info("price batch loaded", "succeeded", report.Succeeded, "failed", report.Failed)
	return report
}

// LoadCSV parses rows and loads them as a batch. Rows that fail to parse are
// reported alongside load failures.
func (l *Loader) LoadCSV(ctx context.Context, r io.Reader) (BatchReport, error) {
	rows, bad, err := ParseCSV(r)
	if err != nil {
		return BatchReport{}, err
	}

	report := BatchReport{Items: make([]Item, 0, len(rows)+len(bad))}
	bi := 0
	for _, row := range rows {
		for bi < len(bad) && bad[bi].Line < row.Line {
			report.add(bad[bi])
			bi++
		}
		report.add(l.loadEntry(ctx, row.Entry, row.Line))
	}
	for ; bi < len(bad); bi++ {
		report.add(bad[bi])
	}
	slog.Info("price csv loaded", "succeeded", report.Succeeded, "failed", report.Failed)
	return report, nil
}

func (l *Loader) loadEntry(ctx context.Context, e Entry, line int) Item {
	it := Item{Line: line, CompanyID: e.CompanyID, Symbol: e.Symbol, Price: e.Price}

	companyID, err := l.resolve(ctx, e)
	if err == nil {
		it.CompanyID = companyID
		_, err = l.setter.SetPrice(ctx, companyID, e.Price, model.PriceSourceBatch)
	}
	if err != nil {
		it.Kind = apperr.KindOf(err)
		it.Error = publicMessage(err)
		return it
	}
	it.OK = true
	return it
}

func (l *Loader) resolve(ctx context.Context, e Entry) (string, error) {
	const op = "price_load"
	if e.CompanyID != "" {
		return e.CompanyID, nil
	}
	if e.Symbol == "" {
		return "", apperr.New(apperr.KindInvalidInput, op, "company_id or symbol is required")
	}
	sym, err := listing.ParseSymbol(e.Symbol)
	if err != nil {
		return "", apperr.New(apperr.KindInvalidInput, op, "%v", err)
	}
	c, err := l.catalog.GetCompanyBySymbol(ctx, sym.Raw)
	if errors.Is(err, store.ErrNotFound) {
		return "", apperr.NotFound(op, "company symbol", sym.Raw)
	}
	if err != nil {
		return "", apperr.Internal(op, err)
	}
	return c.ID, nil
}

// publicMessage hides infrastructure detail from batch reports.
func publicMessage(err error) string {
	var ae *apperr.Error
	if errors.As(err, &ae) && apperr.IsBusiness(ae.Kind) {
		return ae.Error()
	}
	return string(apperr.KindOf(err))
}

// Row is a parsed CSV entry with its source line.
type Row struct {
	Entry
	Line int
}

// ParseCSV reads "symbol,price" rows. A first row whose price column is not
// a number is treated as a header. Malformed rows are returned as failed
// items rather than aborting the parse; only an unreadable stream is an
// error.
func ParseCSV(r io.Reader) ([]Row, []Item, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.Comment = '#'

	var rows []Row
	var bad []Item
	for first := true; ; first = false {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		var perr *csv.ParseError
		if errors.As(err, &perr) {
			bad = append(bad, Item{Line: perr.Line, Kind: apperr.KindInvalidInput, Error: perr.Err.Error()})
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read price csv: %w", err)
		}
		line, _ := cr.FieldPos(0)
		if len(rec) != 2 {
			bad = append(bad, Item{Line: line, Kind: apperr.KindInvalidInput,
				Error: fmt.Sprintf("expected 2 columns (symbol,price), got %d", len(rec))})
			continue
		}

		symbol := strings.TrimSpace(rec[0])
		price, err := decimal.NewFromString(strings.TrimSpace(rec[1]))
		if err != nil {
			if first {
				continue // header
			}
			bad = append(bad, Item{Line: line, Symbol: symbol, Kind: apperr.KindInvalidPrice,
				Error: fmt.Sprintf("price %q is not a number", rec[1])})
			continue
		}
		rows = append(rows, Row{Entry: Entry{Symbol: symbol, Price: price}, Line: line})
	}
	return rows, bad, nil
}
