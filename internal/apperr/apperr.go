// Package apperr defines the typed error taxonomy returned by the settlement
// engine. Business-rule violations are detected before any mutation and carry
// enough context (requested vs available, lockout expiry) for a client to
// render an actionable message. Infrastructure failures are wrapped as
// Internal and their text is never shown to end users.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Kind classifies an error.
type Kind string

const (
	KindInsufficientFunds     Kind = "insufficient_funds"
	KindInsufficientInventory Kind = "insufficient_inventory"
	KindInsufficientPosition  Kind = "insufficient_position"
	KindInvalidPrice          Kind = "invalid_price"
	KindDailyLimitExceeded    Kind = "daily_limit_exceeded"
	KindLocked                Kind = "locked"
	KindNoValidPrice          Kind = "no_valid_price"
	KindNotFound              Kind = "not_found"
	KindDisabled              Kind = "disabled"
	KindTimeout               Kind = "timeout"
	KindInternal              Kind = "internal"
	KindInvalidInput          Kind = "invalid_input"
	KindForbidden             Kind = "forbidden"
)

// Sentinels for errors.Is. Any *Error of the same kind matches.
var (
	ErrInsufficientFunds     = &Error{Kind: KindInsufficientFunds}
	ErrInsufficientInventory = &Error{Kind: KindInsufficientInventory}
	ErrInsufficientPosition  = &Error{Kind: KindInsufficientPosition}
	ErrInvalidPrice          = &Error{Kind: KindInvalidPrice}
	ErrDailyLimitExceeded    = &Error{Kind: KindDailyLimitExceeded}
	ErrLocked                = &Error{Kind: KindLocked}
	ErrNoValidPrice          = &Error{Kind: KindNoValidPrice}
	ErrNotFound              = &Error{Kind: KindNotFound}
	ErrDisabled              = &Error{Kind: KindDisabled}
	ErrTimeout               = &Error{Kind: KindTimeout}
	ErrInternal              = &Error{Kind: KindInternal}
	ErrInvalidInput          = &Error{Kind: KindInvalidInput}
	ErrForbidden             = &Error{Kind: KindForbidden}
)

// Error is a classified engine error.
type Error struct {
	Kind    Kind
	Op      string // operation that failed, e.g. "buy"
	Message string

	// Optional context for client rendering.
	Requested   *decimal.Decimal
	Available   *decimal.Decimal
	LockedUntil *time.Time

	Err error // wrapped cause, never rendered to clients
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Kind so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New builds an error of the given kind.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Shortfall builds an insufficiency error carrying requested and available
// amounts.
func Shortfall(kind Kind, op string, requested, available decimal.Decimal) *Error {
	return &Error{
		Kind:      kind,
		Op:        op,
		Message:   fmt.Sprintf("requested %s, available %s", requested.String(), available.String()),
		Requested: &requested,
		Available: &available,
	}
}

// Locked builds a lockout error carrying the expiry.
func Locked(op string, until time.Time) *Error {
	return &Error{
		Kind:        KindLocked,
		Op:          op,
		Message:     "recharges locked until " + until.UTC().Format(time.RFC3339),
		LockedUntil: &until,
	}
}

// NotFound builds a not-found error for an entity.
func NotFound(op, entity, id string) *Error {
	return &Error{Kind: KindNotFound, Op: op, Message: fmt.Sprintf("%s %s not found", entity, id)}
}

// Internal wraps an infrastructure failure. Context deadline and
// cancellation become Timeout so callers see the right kind.
func Internal(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &Error{Kind: KindTimeout, Op: op, Message: "operation did not complete before the deadline", Err: err}
	}
	return &Error{Kind: KindInternal, Op: op, Message: "internal error", Err: err}
}

// KindOf classifies any error. Unclassified errors are Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTimeout
	}
	return KindInternal
}

// IsBusiness reports whether the kind is a business-rule violation that is
// detected before any mutation and must not be retried automatically.
func IsBusiness(kind Kind) bool {
	switch kind {
	case KindTimeout, KindInternal, "":
		return false
	}
	return true
}
