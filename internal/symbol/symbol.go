// Package symbol handles ticker symbol normalization and the read-only
// usage report operators consult before retiring a symbol.
package symbol

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/phitrading/exchange-engine/internal/model"
)

// tickerRegex matches an upper-case exchange ticker with optional class or
// series suffix. Examples: AAPL, BRK.B, RDS-A.
var tickerRegex = regexp.MustCompile(`^[A-Z0-9]{1,10}([.\-][A-Z0-9]{1,5})?$`)

var ErrInvalidSymbol = errors.New("symbol: invalid ticker symbol")

// Normalize trims surrounding whitespace, upper-cases the symbol and
// validates it against the ticker format.
func Normalize(raw string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if s == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidSymbol)
	}
	if !tickerRegex.MatchString(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSymbol, raw)
	}
	return s, nil
}

// UsageStore is the read side of the ledger the usage report needs.
type UsageStore interface {
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	ListPositionsBySymbol(ctx context.Context, symbol string) ([]model.Position, error)
	CountOrdersBySymbol(ctx context.Context, symbol string) (int64, error)
}

// Usage reports the accounts holding symbol along with position and order
// counts. It never mutates the ledger.
func Usage(ctx context.Context, st UsageStore, raw string) (*model.SymbolUsage, error) {
	sym, err := Normalize(raw)
	if err != nil {
		return nil, err
	}

	positions, err := st.ListPositionsBySymbol(ctx, sym)
	if err != nil {
		return nil, fmt.Errorf("list positions for %s: %w", sym, err)
	}
	orders, err := st.CountOrdersBySymbol(ctx, sym)
	if err != nil {
		return nil, fmt.Errorf("count orders for %s: %w", sym, err)
	}

	holders := make([]string, 0, len(positions))
	for _, p := range positions {
		a, err := st.GetAccount(ctx, p.AccountID)
		if err != nil {
			return nil, fmt.Errorf("resolve holder %s: %w", p.AccountID, err)
		}
		holders = append(holders, a.Username)
	}
	sort.Strings(holders)

	return &model.SymbolUsage{
		Symbol:         sym,
		Holders:        holders,
		PositionsCount: int64(len(positions)),
		OrdersCount:    orders,
	}, nil
}
