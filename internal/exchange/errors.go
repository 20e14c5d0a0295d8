package exchange

import (
	"errors"
	"net/http"
	"time"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"

	"github.com/bourse/settlement-engine/internal/apperr"
)

// errorBody is the JSON error response. Shortfall fields are present only
// for the kinds that carry them.
type errorBody struct {
	Error       string      `json:"error"`
	Kind        apperr.Kind `json:"kind"`
	Requested   string      `json:"requested,omitempty"`
	Available   string      `json:"available,omitempty"`
	Display     string      `json:"display,omitempty"` // human-readable shortfall
	LockedUntil *time.Time  `json:"locked_until,omitempty"`
}

var statusByKind = map[apperr.Kind]int{
	apperr.KindInsufficientFunds:     http.StatusPaymentRequired,
	apperr.KindInsufficientInventory: http.StatusConflict,
	apperr.KindInsufficientPosition:  http.StatusConflict,
	apperr.KindDisabled:              http.StatusConflict,
	apperr.KindInvalidPrice:          http.StatusUnprocessableEntity,
	apperr.KindNoValidPrice:          http.StatusUnprocessableEntity,
	apperr.KindDailyLimitExceeded:    http.StatusTooManyRequests,
	apperr.KindLocked:                http.StatusLocked,
	apperr.KindNotFound:              http.StatusNotFound,
	apperr.KindTimeout:               http.StatusGatewayTimeout,
	apperr.KindInvalidInput:          http.StatusBadRequest,
	apperr.KindForbidden:             http.StatusForbidden,
	apperr.KindInternal:              http.StatusInternalServerError,
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(kind apperr.Kind) int {
	if status, ok := statusByKind[kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// writeError renders a classified engine error. Infrastructure detail is
// never sent to the client.
func (s *Service) writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	body := errorBody{Kind: kind, Error: string(kind)}

	var ae *apperr.Error
	if errors.As(err, &ae) && apperr.IsBusiness(kind) {
		body.Error = ae.Error()
		if ae.Requested != nil && ae.Available != nil {
			body.Requested = ae.Requested.String()
			body.Available = ae.Available.String()
			if isCash(kind) {
				body.Display = s.formatCash(*ae.Requested) + " requested, " + s.formatCash(*ae.Available) + " available"
			}
		}
		body.LockedUntil = ae.LockedUntil
	}
	writeJSON(w, StatusFor(kind), body)
}

func isCash(kind apperr.Kind) bool {
	return kind == apperr.KindInsufficientFunds || kind == apperr.KindDailyLimitExceeded
}

// formatCash formats an amount in the service currency, e.g. "$1,250.50".
func (s *Service) formatCash(amount decimal.Decimal) string {
	cur := money.GetCurrency(s.currency)
	if cur == nil {
		return amount.StringFixed(2) + " " + s.currency
	}
	minor := amount.Shift(int32(cur.Fraction)).Round(0).IntPart()
	return money.New(minor, cur.Code).Display()
}
