// Package listing handles company ticker symbol parsing and validation of
// new listings.
package listing

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/bourse/settlement-engine/internal/model"
)

// symbolRegex matches: {ROOT}[.{CLASS}]
// Example: ACME, BRK.B, X2
var symbolRegex = regexp.MustCompile(`^([A-Z][A-Z0-9]{0,7})(?:\.([A-Z]))?$`)

var (
	ErrInvalidSymbol  = errors.New("listing: invalid symbol format")
	ErrInvalidListing = errors.New("listing: invalid listing")
)

// Symbol is a parsed company ticker.
type Symbol struct {
	Raw   string `json:"symbol"`
	Root  string `json:"root"`
	Class string `json:"class,omitempty"` // share class, e.g. "B"
}

func (s Symbol) String() string { return s.Raw }

// ParseSymbol normalises and validates a ticker symbol. Surrounding space is
// trimmed and letters are upper-cased before matching.
// Format: {ROOT}[.{CLASS}], ROOT 1-8 chars starting with a letter.
func ParseSymbol(raw string) (Symbol, error) {
	norm := strings.ToUpper(strings.TrimSpace(raw))
	matches := symbolRegex.FindStringSubmatch(norm)
	if matches == nil {
		return Symbol{}, fmt.Errorf("%w: %q (expected ROOT or ROOT.CLASS)", ErrInvalidSymbol, raw)
	}
	return Symbol{Raw: norm, Root: matches[1], Class: matches[2]}, nil
}

// Request describes a new company listing.
type Request struct {
	Symbol      string          `json:"symbol"`
	MarketID    string          `json:"market_id"`
	TotalShares int64           `json:"total_shares"`
	Price       decimal.Decimal `json:"price"`
}

// Validate checks a listing request and returns its parsed symbol.
func (r Request) Validate() (Symbol, error) {
	sym, err := ParseSymbol(r.Symbol)
	if err != nil {
		return Symbol{}, err
	}
	if strings.TrimSpace(r.MarketID) == "" {
		return Symbol{}, fmt.Errorf("%w: market_id is required", ErrInvalidListing)
	}
	if r.TotalShares <= 0 {
		return Symbol{}, fmt.Errorf("%w: total_shares must be positive, got %d", ErrInvalidListing, r.TotalShares)
	}
	if !r.Price.IsPositive() || !model.FitsMoney(r.Price) {
		return Symbol{}, fmt.Errorf("%w: price must be positive with at most %d decimal places, got %s", ErrInvalidListing, model.MoneyPlaces, r.Price)
	}
	return sym, nil
}
