// Package exchange provides the HTTP handlers over the settlement engine:
// trading, wallet and position queries for traders, and catalog and
// liquidation operations for administrators.
//
// All monetary values use shopspring/decimal and are rendered as strings.
package exchange

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/bourse/settlement-engine/internal/apperr"
	"github.com/bourse/settlement-engine/internal/auth"
	"github.com/bourse/settlement-engine/internal/listing"
	"github.com/bourse/settlement-engine/internal/model"
	"github.com/bourse/settlement-engine/internal/pricefeed"
	"github.com/bourse/settlement-engine/internal/settlement"
)

// DefaultHistoryLimit caps history endpoints when no limit is given.
const DefaultHistoryLimit = 100

// Service handles exchange requests.
type Service struct {
	engine   *settlement.Engine
	prices   *pricefeed.Loader
	currency string
}

// NewService creates the HTTP service. currency is the ISO code used when
// rendering cash amounts in error bodies.
func NewService(engine *settlement.Engine, prices *pricefeed.Loader, currency string) *Service {
	if currency == "" {
		currency = "USD"
	}
	return &Service{engine: engine, prices: prices, currency: currency}
}

// Routes mounts every API route. Everything requires a valid token; the
// admin group additionally requires the admin role.
func (s *Service) Routes(authn *auth.Authenticator) chi.Router {
	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(authn.Middleware)

		r.Post("/trades/buy", s.Buy)
		r.Post("/trades/sell", s.Sell)

		r.Route("/me", func(r chi.Router) {
			r.Post("/liquidate", s.SelfLiquidate)
			r.Get("/positions", s.Positions)
			r.Get("/positions/{companyID}", s.Position)
			r.Get("/wallet", s.Wallet)
			r.Post("/wallet/recharge", s.Recharge)
			r.Get("/wallet/history", s.WalletHistory)
			r.Put("/alias", s.RenameAlias)
		})

		r.Get("/companies/{companyID}", s.Quote)
		r.Get("/companies/{companyID}/prices", s.PriceHistory)

		r.Route("/admin", func(r chi.Router) {
			r.Use(auth.RequireRole(model.RoleAdmin))
			r.Post("/accounts", s.ProvisionAccount)
			r.Post("/accounts/{accountID}/disable", s.DisableAccount)
			r.Post("/companies", s.ListCompany)
			r.Post("/companies/{companyID}/delist", s.Delist)
			r.Put("/companies/{companyID}/price", s.SetPrice)
			r.Put("/companies/{companyID}/shares", s.ResizeShares)
			r.Post("/prices/batch", s.LoadPrices)
		})
	})
	return r
}

// --- Request types ---

// TradeRequest is the JSON body for POST /trades/{buy,sell}.
type TradeRequest struct {
	CompanyID string `json:"company_id"`
	Quantity  int64  `json:"quantity"`
}

// RechargeRequest is the JSON body for POST /me/wallet/recharge.
type RechargeRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// AliasRequest is the JSON body for PUT /me/alias.
type AliasRequest struct {
	Alias string `json:"alias"`
}

// JustificationRequest is the JSON body for disable and delist.
type JustificationRequest struct {
	Justification string           `json:"justification"`
	OverridePrice *decimal.Decimal `json:"override_price,omitempty"` // delist only
}

// PriceRequest is the JSON body for PUT /admin/companies/{id}/price.
type PriceRequest struct {
	Price decimal.Decimal `json:"price"`
}

// SharesRequest is the JSON body for PUT /admin/companies/{id}/shares.
type SharesRequest struct {
	TotalShares int64 `json:"total_shares"`
}

// ListingResponse is returned from POST /admin/companies.
type ListingResponse struct {
	Company   *model.Company   `json:"company"`
	Inventory *model.Inventory `json:"inventory"`
}

// --- Trader handlers ---

// Buy handles POST /api/v1/trades/buy
func (s *Service) Buy(w http.ResponseWriter, r *http.Request) {
	s.trade(w, r, s.engine.Buy)
}

// Sell handles POST /api/v1/trades/sell
func (s *Service) Sell(w http.ResponseWriter, r *http.Request) {
	s.trade(w, r, s.engine.Sell)
}

type tradeFunc func(ctx context.Context, accountID, companyID string, quantity int64) (*settlement.TradeResult, error)

func (s *Service) trade(w http.ResponseWriter, r *http.Request, exec tradeFunc) {
	id, _ := auth.FromContext(r.Context())

	var req TradeRequest
	if !decode(w, r, &req) {
		return
	}
	if req.CompanyID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "company_id is required", Kind: apperr.KindInvalidInput})
		return
	}

	res, err := exec(r.Context(), id.AccountID, req.CompanyID, req.Quantity)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// SelfLiquidate handles POST /api/v1/me/liquidate
func (s *Service) SelfLiquidate(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	res, err := s.engine.SelfLiquidation(r.Context(), id.AccountID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Positions handles GET /api/v1/me/positions
func (s *Service) Positions(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	positions, err := s.engine.ResolveAllPositions(r.Context(), id.AccountID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// Position handles GET /api/v1/me/positions/{companyID}
func (s *Service) Position(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	p, err := s.engine.ResolvePosition(r.Context(), id.AccountID, chi.URLParam(r, "companyID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Wallet handles GET /api/v1/me/wallet
func (s *Service) Wallet(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	wl, err := s.engine.Wallet(r.Context(), id.AccountID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wl)
}

// Recharge handles POST /api/v1/me/wallet/recharge
func (s *Service) Recharge(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	var req RechargeRequest
	if !decode(w, r, &req) {
		return
	}
	wl, err := s.engine.Recharge(r.Context(), id.AccountID, req.Amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wl)
}

// WalletHistory handles GET /api/v1/me/wallet/history
func (s *Service) WalletHistory(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	limit, ok := limitParam(w, r)
	if !ok {
		return
	}
	rechargesOnly, _ := strconv.ParseBool(r.URL.Query().Get("recharges_only"))

	rows, err := s.engine.WalletHistory(r.Context(), id.AccountID, rechargesOnly, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if rows == nil {
		rows = []model.WalletSnapshot{}
	}
	writeJSON(w, http.StatusOK, rows)
}

// RenameAlias handles PUT /api/v1/me/alias
func (s *Service) RenameAlias(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	var req AliasRequest
	if !decode(w, r, &req) {
		return
	}
	a, err := s.engine.RenameAlias(r.Context(), id.AccountID, req.Alias)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// Quote handles GET /api/v1/companies/{companyID}
func (s *Service) Quote(w http.ResponseWriter, r *http.Request) {
	inv, err := s.engine.Quote(r.Context(), chi.URLParam(r, "companyID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

// PriceHistory handles GET /api/v1/companies/{companyID}/prices
func (s *Service) PriceHistory(w http.ResponseWriter, r *http.Request) {
	limit, ok := limitParam(w, r)
	if !ok {
		return
	}
	points, err := s.engine.PriceHistory(r.Context(), chi.URLParam(r, "companyID"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if points == nil {
		points = []model.PricePoint{}
	}
	writeJSON(w, http.StatusOK, points)
}

// --- Admin handlers ---

// ProvisionAccount handles POST /api/v1/admin/accounts
func (s *Service) ProvisionAccount(w http.ResponseWriter, r *http.Request) {
	var req settlement.ProvisionRequest
	if !decode(w, r, &req) {
		return
	}
	a, err := s.engine.ProvisionAccount(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// DisableAccount handles POST /api/v1/admin/accounts/{accountID}/disable
func (s *Service) DisableAccount(w http.ResponseWriter, r *http.Request) {
	var req JustificationRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.engine.AccountLiquidation(r.Context(), chi.URLParam(r, "accountID"), req.Justification)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListCompany handles POST /api/v1/admin/companies
func (s *Service) ListCompany(w http.ResponseWriter, r *http.Request) {
	var req listing.Request
	if !decode(w, r, &req) {
		return
	}
	c, inv, err := s.engine.ListCompany(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ListingResponse{Company: c, Inventory: inv})
}

// Delist handles POST /api/v1/admin/companies/{companyID}/delist
func (s *Service) Delist(w http.ResponseWriter, r *http.Request) {
	var req JustificationRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.engine.DelistLiquidation(r.Context(), chi.URLParam(r, "companyID"), req.Justification, req.OverridePrice)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// SetPrice handles PUT /api/v1/admin/companies/{companyID}/price
func (s *Service) SetPrice(w http.ResponseWriter, r *http.Request) {
	var req PriceRequest
	if !decode(w, r, &req) {
		return
	}
	inv, err := s.prices.LoadOne(r.Context(), chi.URLParam(r, "companyID"), req.Price)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

// ResizeShares handles PUT /api/v1/admin/companies/{companyID}/shares
func (s *Service) ResizeShares(w http.ResponseWriter, r *http.Request) {
	var req SharesRequest
	if !decode(w, r, &req) {
		return
	}
	inv, err := s.engine.ResizeInventory(r.Context(), chi.URLParam(r, "companyID"), req.TotalShares)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

// LoadPrices handles POST /api/v1/admin/prices/batch. The body is either a
// JSON array of entries or, with Content-Type text/csv, "symbol,price" rows.
// Each entry succeeds or fails on its own.
func (s *Service) LoadPrices(w http.ResponseWriter, r *http.Request) {
	var report pricefeed.BatchReport
	if strings.HasPrefix(r.Header.Get("Content-Type"), "text/csv") {
		var err error
		report, err = s.prices.LoadCSV(r.Context(), r.Body)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "unreadable csv body", Kind: apperr.KindInvalidInput})
			return
		}
	} else {
		var entries []pricefeed.Entry
		if !decode(w, r, &entries) {
			return
		}
		report = s.prices.LoadBatch(r.Context(), entries)
	}

	status := http.StatusOK
	if report.Failed > 0 {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, report)
}

// --- Helpers ---

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body", Kind: apperr.KindInvalidInput})
		return false
	}
	return true
}

func limitParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return DefaultHistoryLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit must be a non-negative integer", Kind: apperr.KindInvalidInput})
		return 0, false
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("response encode failed", "err", err)
	}
}
