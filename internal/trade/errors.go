package trade

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
)

// Kind classifies why a trade failed.
type Kind int

const (
	KindInvalidRequest Kind = iota + 1
	KindPriceUnavailable
	KindInsufficientFunds
	KindInsufficientShares
	KindAccountNotFound
	KindNoPosition
	KindPersistence
)

// Sentinels matched by errors.Is against any *Error of the same kind.
var (
	ErrInvalidRequest     = errors.New("trade: invalid request")
	ErrPriceUnavailable   = errors.New("trade: price unavailable")
	ErrInsufficientFunds  = errors.New("trade: insufficient funds")
	ErrInsufficientShares = errors.New("trade: insufficient shares")
	ErrAccountNotFound    = errors.New("trade: account not found")
	ErrNoPosition         = errors.New("trade: no position")
	ErrPersistence        = errors.New("trade: persistence failure")
)

var kinds = map[Kind]struct {
	name     string
	sentinel error
	status   int
}{
	KindInvalidRequest:     {"invalid_request", ErrInvalidRequest, http.StatusBadRequest},
	KindPriceUnavailable:   {"price_unavailable", ErrPriceUnavailable, http.StatusServiceUnavailable},
	KindInsufficientFunds:  {"insufficient_funds", ErrInsufficientFunds, http.StatusConflict},
	KindInsufficientShares: {"insufficient_shares", ErrInsufficientShares, http.StatusConflict},
	KindAccountNotFound:    {"account_not_found", ErrAccountNotFound, http.StatusNotFound},
	KindNoPosition:         {"no_position", ErrNoPosition, http.StatusConflict},
	KindPersistence:        {"persistence", ErrPersistence, http.StatusInternalServerError},
}

func (k Kind) String() string {
	if info, ok := kinds[k]; ok {
		return info.name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// HTTPStatus is the response status for a failure of this kind.
func (k Kind) HTTPStatus() int {
	if info, ok := kinds[k]; ok {
		return info.status
	}
	return http.StatusInternalServerError
}

// Error is the failure returned by Engine.Execute. Required and Available
// are set for insufficient funds (cash) and insufficient shares (quantity).
type Error struct {
	Kind      Kind
	Op        string // "BUY", "SELL" or "validate"
	Symbol    string
	Required  decimal.Decimal
	Available decimal.Decimal
	Err       error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindInsufficientFunds:
		return fmt.Sprintf("insufficient funds for %s %s: required %s, available %s",
			e.Op, e.Symbol, e.Required.StringFixed(2), e.Available.StringFixed(2))
	case KindInsufficientShares:
		return fmt.Sprintf("insufficient shares of %s: available %s, requested %s",
			e.Symbol, e.Available, e.Required)
	case KindNoPosition:
		return fmt.Sprintf("no position in %s", e.Symbol)
	}

	msg := kinds[e.Kind].sentinel
	if msg == nil {
		msg = errors.New("trade: " + e.Kind.String())
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel of e's kind.
func (e *Error) Is(target error) bool {
	info, ok := kinds[e.Kind]
	return ok && target == info.sentinel
}

// Retryable reports whether repeating the same request may succeed without
// any change on the caller's side.
func (e *Error) Retryable() bool {
	return e.Kind == KindPriceUnavailable
}

// KindOf returns the Kind of a trade error, or 0 if err is not one.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return 0
}

func newError(kind Kind, op, symbol string, err error) *Error {
	return &Error{Kind: kind, Op: op, Symbol: symbol, Err: err}
}
