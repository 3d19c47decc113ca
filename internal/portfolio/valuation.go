// Package portfolio values an account's positions against live prices and
// maintains the memoized dashboard statistics.
package portfolio

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/phitrading/exchange-engine/internal/accounting"
	"github.com/phitrading/exchange-engine/internal/metrics"
	"github.com/phitrading/exchange-engine/internal/model"
	"github.com/phitrading/exchange-engine/internal/oracle"
	"github.com/phitrading/exchange-engine/internal/telemetry"
)

// Ledger is the read side of the store used by valuation and stats.
type Ledger interface {
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	ListAccounts(ctx context.Context) ([]model.Account, error)
	ListPositions(ctx context.Context, accountID string) ([]model.Position, error)
	ListOrders(ctx context.Context, accountID string) ([]model.Order, error)
	CountExecutedOrders(ctx context.Context, accountID string) (int64, error)
}

// Valuator computes portfolio views. It only reads the ledger.
type Valuator struct {
	ledger Ledger
	oracle oracle.Oracle
	logger *slog.Logger
}

// NewValuator creates a Valuator. A nil logger uses slog.Default().
func NewValuator(ledger Ledger, o oracle.Oracle, logger *slog.Logger) *Valuator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Valuator{ledger: ledger, oracle: o, logger: logger}
}

// Valuate prices every position of the account. A symbol whose price cannot
// be fetched is valued at zero and flagged rather than failing the view.
// Unknown accounts return store.ErrAccountNotFound.
func (v *Valuator) Valuate(ctx context.Context, accountID string) (*model.PortfolioView, error) {
	ctx, span := telemetry.StartSpan(ctx, "portfolio.Valuate")
	defer span.End()
	span.SetAttributes(attribute.String("account.id", accountID))

	if _, err := v.ledger.GetAccount(ctx, accountID); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	positions, err := v.ledger.ListPositions(ctx, accountID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("list positions: %w", err)
	}

	view := &model.PortfolioView{
		AccountID: accountID,
		Rows:      make([]model.PortfolioRow, 0, len(positions)),
	}
	totalCost := decimal.Zero
	totalValue := decimal.Zero

	for _, p := range positions {
		row, costBasis, value := v.valuePosition(ctx, p)
		totalCost = totalCost.Add(costBasis)
		totalValue = totalValue.Add(value)
		view.Rows = append(view.Rows, row)
	}

	totalPnL := totalValue.Sub(totalCost)
	view.TotalCost = accounting.Money(totalCost)
	view.TotalCurrentValue = accounting.Money(totalValue)
	view.TotalPnLAbs = accounting.Money(totalPnL)
	view.TotalPnLPct = accounting.Money(accounting.Percent(totalPnL, totalCost))

	span.SetAttributes(attribute.Int("portfolio.rows", len(view.Rows)))
	return view, nil
}

// valuePosition returns the display row plus the unrounded cost basis and
// current value used for totals.
func (v *Valuator) valuePosition(ctx context.Context, p model.Position) (model.PortfolioRow, decimal.Decimal, decimal.Decimal) {
	row := model.PortfolioRow{
		Symbol:   p.Symbol,
		Quantity: p.Quantity,
		AvgCost:  p.AvgCost,
	}

	price := decimal.Zero
	q, err := v.oracle.CurrentPrice(ctx, p.Symbol)
	if err != nil {
		v.logger.WarnContext(ctx, "price unavailable, valuing position at zero",
			"account", p.AccountID, "symbol", p.Symbol, "err", err)
		metrics.ValuationFallbacks.Inc()
		metrics.OracleFailures.WithLabelValues("valuation", failureReason(err)).Inc()
		row.PriceUnavailable = true
	} else {
		price = q.LastPrice
		row.Name = q.Name
	}

	qty := decimal.NewFromInt(p.Quantity)
	costBasis := p.AvgCost.Mul(qty)
	value := price.Mul(qty)
	pnl := value.Sub(costBasis)

	row.CurrentPrice = price
	row.CostBasis = accounting.Money(costBasis)
	row.CurrentValue = accounting.Money(value)
	row.PnLAbs = accounting.Money(pnl)
	row.PnLPct = accounting.Money(accounting.Percent(pnl, costBasis))
	return row, costBasis, value
}

// RecentOrders returns up to n of the account's most recent EXECUTED orders.
func (v *Valuator) RecentOrders(ctx context.Context, accountID string, n int) ([]model.Order, error) {
	orders, err := v.ledger.ListOrders(ctx, accountID)
	if err != nil {
		return nil, err
	}
	recent := make([]model.Order, 0, n)
	for _, o := range orders {
		if len(recent) == n {
			break
		}
		if o.Status == model.StatusExecuted {
			recent = append(recent, o)
		}
	}
	return recent, nil
}

func failureReason(err error) string {
	if oracle.IsTimeout(err) {
		return "timeout"
	}
	return "error"
}
