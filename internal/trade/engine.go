// Package trade executes market orders against the ledger and serves the
// brokerage HTTP API.
package trade

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/phitrading/exchange-engine/internal/accounting"
	"github.com/phitrading/exchange-engine/internal/metrics"
	"github.com/phitrading/exchange-engine/internal/model"
	"github.com/phitrading/exchange-engine/internal/oracle"
	"github.com/phitrading/exchange-engine/internal/store"
	"github.com/phitrading/exchange-engine/internal/symbol"
	"github.com/phitrading/exchange-engine/internal/telemetry"
)

// Request is a market order for one account.
type Request struct {
	AccountID string
	Symbol    string
	Side      model.Side
	Quantity  int64
}

// Observer is notified after an order has committed. Observers cannot fail
// or undo the trade.
type Observer interface {
	OrderExecuted(ctx context.Context, order model.Order)
}

// Engine executes market orders at the oracle's current price. Orders of
// one account are serialized by the store; different accounts proceed in
// parallel.
type Engine struct {
	store     store.Store
	oracle    oracle.Oracle
	observers []Observer
	logger    *slog.Logger
	now       func() time.Time
}

// NewEngine creates an Engine. A nil logger uses slog.Default().
func NewEngine(st store.Store, o oracle.Oracle, logger *slog.Logger, observers ...Observer) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:     st,
		oracle:    o,
		observers: observers,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Execute fetches the current price, then applies the order inside the
// account's exclusive write scope. On success exactly one EXECUTED order is
// recorded together with the cash and position changes; on failure nothing
// is written. Failures are *Error values.
func (e *Engine) Execute(ctx context.Context, req Request) (*model.Order, error) {
	start := time.Now()

	req, err := validate(req)
	if err != nil {
		metrics.TradeRejections.WithLabelValues(KindInvalidRequest.String()).Inc()
		return nil, err
	}

	ctx, span := telemetry.StartSpan(ctx, "trade.Execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("account.id", req.AccountID),
		attribute.String("order.symbol", req.Symbol),
		attribute.String("order.side", string(req.Side)),
		attribute.Int64("order.quantity", req.Quantity),
	)

	order, err := e.execute(ctx, req)
	if err != nil {
		kind := KindOf(err)
		metrics.TradeRejections.WithLabelValues(kind.String()).Inc()
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("error.kind", kind.String()))

		level := slog.LevelInfo
		if kind == KindPersistence || kind == KindPriceUnavailable {
			level = slog.LevelError
		}
		e.logger.Log(ctx, level, "trade rejected",
			"account", req.AccountID,
			"symbol", req.Symbol,
			"side", req.Side,
			"qty", req.Quantity,
			"kind", kind.String(),
			"err", err,
		)
		return nil, err
	}

	side := string(order.Side)
	metrics.TradesTotal.WithLabelValues(side).Inc()
	metrics.TradeVolume.WithLabelValues(order.Symbol, side).Add(float64(order.Quantity))
	metrics.TradeLatency.WithLabelValues(side).Observe(time.Since(start).Seconds())

	attrs := []any{
		"order_id", order.ID,
		"account", order.AccountID,
		"symbol", order.Symbol,
		"side", side,
		"qty", order.Quantity,
		"price", order.ExecutionPrice.String(),
	}
	if order.RealizedPnL != nil {
		attrs = append(attrs, "realized_pnl", order.RealizedPnL.String())
	}
	e.logger.InfoContext(ctx, "trade executed", attrs...)

	for _, obs := range e.observers {
		obs.OrderExecuted(ctx, *order)
	}
	return order, nil
}

func (e *Engine) execute(ctx context.Context, req Request) (*model.Order, error) {
	op := string(req.Side)

	quote, err := e.oracle.CurrentPrice(ctx, req.Symbol)
	if err != nil {
		reason := "error"
		if oracle.IsTimeout(err) {
			reason = "timeout"
		}
		metrics.OracleFailures.WithLabelValues("trade", reason).Inc()
		return nil, newError(KindPriceUnavailable, op, req.Symbol, err)
	}
	price := quote.LastPrice
	if !price.IsPositive() {
		return nil, newError(KindPriceUnavailable, op, req.Symbol, oracle.ErrPriceUnavailable)
	}

	var order *model.Order
	err = e.store.WithAccountLock(ctx, req.AccountID, func(tx store.Tx) error {
		var err error
		if req.Side == model.SideBuy {
			order, err = e.buy(ctx, tx, req, price)
		} else {
			order, err = e.sell(ctx, tx, req, price)
		}
		return err
	})
	if err != nil {
		var te *Error
		switch {
		case errors.As(err, &te):
			return nil, te
		case errors.Is(err, store.ErrAccountNotFound):
			return nil, newError(KindAccountNotFound, op, req.Symbol, err)
		default:
			return nil, newError(KindPersistence, op, req.Symbol, err)
		}
	}
	return order, nil
}

func (e *Engine) buy(ctx context.Context, tx store.Tx, req Request, price decimal.Decimal) (*model.Order, error) {
	const op = "BUY"

	acct, err := tx.Account(ctx)
	if err != nil {
		return nil, newError(KindPersistence, op, req.Symbol, err)
	}

	cost := accounting.Cost(price, req.Quantity)
	if acct.Cash.LessThan(cost) {
		return nil, &Error{
			Kind:      KindInsufficientFunds,
			Op:        op,
			Symbol:    req.Symbol,
			Required:  cost,
			Available: acct.Cash,
		}
	}

	now := e.now()
	pos, err := tx.Position(ctx, req.Symbol)
	switch {
	case errors.Is(err, store.ErrPositionNotFound):
		pos = &model.Position{Symbol: req.Symbol, CreatedAt: now}
	case err != nil:
		return nil, newError(KindPersistence, op, req.Symbol, err)
	}

	lot, err := accounting.ApplyBuy(accounting.Lot{Quantity: pos.Quantity, AvgCost: pos.AvgCost}, req.Quantity, price)
	if err != nil {
		return nil, newError(KindInvalidRequest, op, req.Symbol, err)
	}

	if err := tx.UpdateCash(ctx, acct.Cash.Sub(cost), now); err != nil {
		return nil, newError(KindPersistence, op, req.Symbol, err)
	}
	pos.Quantity = lot.Quantity
	pos.AvgCost = lot.AvgCost
	pos.UpdatedAt = now
	if err := tx.SavePosition(ctx, pos); err != nil {
		return nil, newError(KindPersistence, op, req.Symbol, err)
	}

	order := e.newOrder(req, price, nil, now)
	if err := tx.InsertOrder(ctx, order); err != nil {
		return nil, newError(KindPersistence, op, req.Symbol, err)
	}
	return order, nil
}

func (e *Engine) sell(ctx context.Context, tx store.Tx, req Request, price decimal.Decimal) (*model.Order, error) {
	const op = "SELL"

	pos, err := tx.Position(ctx, req.Symbol)
	switch {
	case errors.Is(err, store.ErrPositionNotFound):
		return nil, newError(KindNoPosition, op, req.Symbol, nil)
	case err != nil:
		return nil, newError(KindPersistence, op, req.Symbol, err)
	}
	if req.Quantity > pos.Quantity {
		return nil, &Error{
			Kind:      KindInsufficientShares,
			Op:        op,
			Symbol:    req.Symbol,
			Required:  decimal.NewFromInt(req.Quantity),
			Available: decimal.NewFromInt(pos.Quantity),
		}
	}

	acct, err := tx.Account(ctx)
	if err != nil {
		return nil, newError(KindPersistence, op, req.Symbol, err)
	}

	res, err := accounting.ApplySell(accounting.Lot{Quantity: pos.Quantity, AvgCost: pos.AvgCost}, req.Quantity, price)
	if err != nil {
		return nil, newError(KindInvalidRequest, op, req.Symbol, err)
	}

	now := e.now()
	if err := tx.UpdateCash(ctx, acct.Cash.Add(res.Proceeds), now); err != nil {
		return nil, newError(KindPersistence, op, req.Symbol, err)
	}
	if res.Closed() {
		err = tx.DeletePosition(ctx, req.Symbol)
	} else {
		pos.Quantity = res.Lot.Quantity
		pos.UpdatedAt = now
		err = tx.SavePosition(ctx, pos)
	}
	if err != nil {
		return nil, newError(KindPersistence, op, req.Symbol, err)
	}

	realized := res.RealizedPnL
	order := e.newOrder(req, price, &realized, now)
	if err := tx.InsertOrder(ctx, order); err != nil {
		return nil, newError(KindPersistence, op, req.Symbol, err)
	}
	return order, nil
}

func (e *Engine) newOrder(req Request, price decimal.Decimal, realized *decimal.Decimal, now time.Time) *model.Order {
	return &model.Order{
		ID:             uuid.New().String(),
		AccountID:      req.AccountID,
		Symbol:         req.Symbol,
		Side:           req.Side,
		Quantity:       req.Quantity,
		Status:         model.StatusExecuted,
		ExecutionPrice: price,
		RealizedPnL:    realized,
		CreatedAt:      now,
		ExecutedAt:     now,
	}
}

// validate normalizes the request or returns a KindInvalidRequest error.
func validate(req Request) (Request, error) {
	op := strings.ToUpper(strings.TrimSpace(string(req.Side)))
	req.Side = model.Side(op)
	if !req.Side.Valid() {
		return req, newError(KindInvalidRequest, "validate", req.Symbol, errors.New("side must be BUY or SELL"))
	}

	req.AccountID = strings.TrimSpace(req.AccountID)
	if req.AccountID == "" {
		return req, newError(KindInvalidRequest, op, req.Symbol, errors.New("account id is required"))
	}

	sym, err := symbol.Normalize(req.Symbol)
	if err != nil {
		return req, newError(KindInvalidRequest, op, req.Symbol, err)
	}
	req.Symbol = sym

	if req.Quantity <= 0 {
		return req, newError(KindInvalidRequest, op, req.Symbol, errors.New("quantity must be positive"))
	}
	return req, nil
}
