// Package model defines the core domain types shared across the brokerage engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether s is BUY or SELL.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// OrderStatus is the lifecycle state of an order. The engine only ever
// produces EXECUTED orders; the other states exist for imported history.
type OrderStatus string

const (
	StatusPending  OrderStatus = "PENDING"
	StatusExecuted OrderStatus = "EXECUTED"
	StatusCanceled OrderStatus = "CANCELED"
)

// Account is a brokerage customer holding a cash balance.
// Cash is never persisted negative.
type Account struct {
	ID        string          `json:"id" db:"id"`
	Username  string          `json:"username" db:"username"`
	Cash      decimal.Decimal `json:"cash" db:"cash"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Position is the live lot an account holds in one symbol. A position with
// zero quantity does not exist: it is deleted instead.
type Position struct {
	AccountID string          `json:"account_id" db:"account_id"`
	Symbol    string          `json:"symbol" db:"symbol"`
	Quantity  int64           `json:"quantity" db:"quantity"`
	AvgCost   decimal.Decimal `json:"avg_cost" db:"avg_cost"` // weighted average, 4dp
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Order is an immutable record of a trade execution.
// Once created, these are never modified or deleted.
type Order struct {
	ID             string           `json:"id" db:"id"`
	AccountID      string           `json:"account_id" db:"account_id"`
	Symbol         string           `json:"symbol" db:"symbol"`
	Side           Side             `json:"side" db:"side"`
	Quantity       int64            `json:"quantity" db:"quantity"`
	Status         OrderStatus      `json:"status" db:"status"`
	ExecutionPrice decimal.Decimal  `json:"execution_price" db:"execution_price"`
	RealizedPnL    *decimal.Decimal `json:"realized_pnl,omitempty" db:"realized_pnl"` // SELL only
	CreatedAt      time.Time        `json:"created_at" db:"created_at"`
	ExecutedAt     time.Time        `json:"executed_at" db:"executed_at"`
}

// Quote is a price oracle answer for one symbol.
type Quote struct {
	Symbol        string           `json:"symbol"`
	Name          string           `json:"name,omitempty"`
	LastPrice     decimal.Decimal  `json:"last_price"`
	PreviousClose *decimal.Decimal `json:"previous_close,omitempty"`
}

// PortfolioRow is the valuation of one position against a live price.
type PortfolioRow struct {
	Symbol           string          `json:"symbol"`
	Name             string          `json:"name,omitempty"`
	Quantity         int64           `json:"quantity"`
	AvgCost          decimal.Decimal `json:"avg_cost"`
	CurrentPrice     decimal.Decimal `json:"current_price"`
	CostBasis        decimal.Decimal `json:"cost_basis"`
	CurrentValue     decimal.Decimal `json:"current_value"`
	PnLAbs           decimal.Decimal `json:"pnl_abs"`
	PnLPct           decimal.Decimal `json:"pnl_pct"`
	PriceUnavailable bool            `json:"price_unavailable,omitempty"`
}

// PortfolioView aggregates all rows for an account with totals derived from
// the summed cost basis and current value.
type PortfolioView struct {
	AccountID         string          `json:"account_id"`
	Rows              []PortfolioRow  `json:"rows"`
	TotalCost         decimal.Decimal `json:"total_cost"`
	TotalCurrentValue decimal.Decimal `json:"total_current_value"`
	TotalPnLAbs       decimal.Decimal `json:"total_pnl_abs"`
	TotalPnLPct       decimal.Decimal `json:"total_pnl_pct"`
}

// DashboardStats is the per-account aggregate memoized by the stats cache.
type DashboardStats struct {
	AccountID          string          `json:"account_id"`
	Cash               decimal.Decimal `json:"cash"`
	PortfolioValue     decimal.Decimal `json:"portfolio_value"`
	AccountValue       decimal.Decimal `json:"account_value"` // cash + portfolio value
	RealizedPnL        decimal.Decimal `json:"realized_pnl"`
	PositionCount      int64           `json:"position_count"`
	ExecutedOrderCount int64           `json:"executed_order_count"`
	LastUpdated        time.Time       `json:"last_updated"`
}

// SymbolUsage reports which accounts still reference a symbol.
type SymbolUsage struct {
	Symbol         string   `json:"symbol"`
	Holders        []string `json:"holders"` // usernames, sorted
	PositionsCount int64    `json:"positions_count"`
	OrdersCount    int64    `json:"orders_count"`
}

// InUse reports whether live positions still reference the symbol.
func (u SymbolUsage) InUse() bool {
	return u.PositionsCount > 0
}
