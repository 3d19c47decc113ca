// Package oracle provides current market prices for symbols. The engine
// consults it once per trade and the valuation once per held symbol; quotes
// are never cached here.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/phitrading/exchange-engine/internal/model"
)

// ErrPriceUnavailable is returned when no usable price exists for a symbol:
// the upstream failed, timed out, does not know the symbol, or answered with
// a non-positive price.
var ErrPriceUnavailable = errors.New("oracle: price unavailable")

// Oracle answers the current price of a normalized symbol.
type Oracle interface {
	CurrentPrice(ctx context.Context, symbol string) (*model.Quote, error)
}

// unavailable wraps cause so that errors.Is(err, ErrPriceUnavailable) holds.
func unavailable(symbol string, cause error) error {
	if cause == nil {
		return fmt.Errorf("%w: %s", ErrPriceUnavailable, symbol)
	}
	return fmt.Errorf("%w: %s: %w", ErrPriceUnavailable, symbol, cause)
}

// checkQuote rejects quotes that cannot be used as an execution price.
func checkQuote(q *model.Quote, symbol string) (*model.Quote, error) {
	if q == nil || !q.LastPrice.IsPositive() {
		return nil, unavailable(symbol, errors.New("non-positive price"))
	}
	if q.Symbol == "" {
		q.Symbol = symbol
	}
	return q, nil
}

// StaticOracle serves prices from an in-process table. Used by tests, the
// CLI and offline deployments.
type StaticOracle struct {
	mu     sync.RWMutex
	quotes map[string]model.Quote
}

var _ Oracle = (*StaticOracle)(nil)

// NewStaticOracle builds a StaticOracle from symbol → price.
func NewStaticOracle(prices map[string]decimal.Decimal) *StaticOracle {
	o := &StaticOracle{quotes: make(map[string]model.Quote, len(prices))}
	for sym, p := range prices {
		o.Set(sym, p)
	}
	return o
}

// Set replaces the price of a symbol.
func (o *StaticOracle) Set(symbol string, price decimal.Decimal) {
	symbol = normalize(symbol)
	o.mu.Lock()
	defer o.mu.Unlock()
	q := o.quotes[symbol]
	q.Symbol = symbol
	q.LastPrice = price
	o.quotes[symbol] = q
}

// SetQuote replaces the full quote of a symbol.
func (o *StaticOracle) SetQuote(q model.Quote) {
	q.Symbol = normalize(q.Symbol)
	o.mu.Lock()
	defer o.mu.Unlock()
	o.quotes[q.Symbol] = q
}

// Remove forgets a symbol; later lookups fail with ErrPriceUnavailable.
func (o *StaticOracle) Remove(symbol string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.quotes, normalize(symbol))
}

// normalize matches the form the engine looks symbols up by.
func normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

func (o *StaticOracle) CurrentPrice(ctx context.Context, symbol string) (*model.Quote, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable(symbol, err)
	}
	o.mu.RLock()
	q, ok := o.quotes[symbol]
	o.mu.RUnlock()
	if !ok {
		return nil, unavailable(symbol, nil)
	}
	return checkQuote(&q, symbol)
}
