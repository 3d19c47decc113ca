package portfolio

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/phitrading/exchange-engine/internal/accounting"
	"github.com/phitrading/exchange-engine/internal/metrics"
	"github.com/phitrading/exchange-engine/internal/model"
	"github.com/phitrading/exchange-engine/internal/statscache"
)

// DefaultRefreshInterval is the delay between two refresher passes.
const DefaultRefreshInterval = 60 * time.Second

// StatsService computes dashboard statistics and memoizes them in a
// statscache.Cache. A cached value may lag behind trades committed after it
// was computed until the next Invalidate or refresher pass. A Get that
// computes before a trade commits can Put after the trade's Invalidate; that
// entry stays stale until the next refresher pass.
type StatsService struct {
	ledger   Ledger
	valuator *Valuator
	cache    statscache.Cache
	logger   *slog.Logger
	now      func() time.Time
}

// NewStatsService creates a StatsService. A nil logger uses slog.Default().
func NewStatsService(ledger Ledger, valuator *Valuator, cache statscache.Cache, logger *slog.Logger) *StatsService {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatsService{
		ledger:   ledger,
		valuator: valuator,
		cache:    cache,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Compute builds fresh statistics for an account without touching the cache.
func (s *StatsService) Compute(ctx context.Context, accountID string) (model.DashboardStats, error) {
	account, err := s.ledger.GetAccount(ctx, accountID)
	if err != nil {
		return model.DashboardStats{}, err
	}
	view, err := s.valuator.Valuate(ctx, accountID)
	if err != nil {
		return model.DashboardStats{}, err
	}
	executed, err := s.ledger.CountExecutedOrders(ctx, accountID)
	if err != nil {
		return model.DashboardStats{}, fmt.Errorf("count executed orders: %w", err)
	}
	orders, err := s.ledger.ListOrders(ctx, accountID)
	if err != nil {
		return model.DashboardStats{}, fmt.Errorf("list orders: %w", err)
	}

	realized := decimal.Zero
	for _, o := range orders {
		if o.RealizedPnL != nil {
			realized = realized.Add(*o.RealizedPnL)
		}
	}

	return model.DashboardStats{
		AccountID:          accountID,
		Cash:               accounting.Money(account.Cash),
		PortfolioValue:     view.TotalCurrentValue,
		AccountValue:       accounting.Money(account.Cash.Add(view.TotalCurrentValue)),
		RealizedPnL:        accounting.Money(realized),
		PositionCount:      int64(len(view.Rows)),
		ExecutedOrderCount: executed,
		LastUpdated:        s.now(),
	}, nil
}

// Get returns cached statistics, computing and caching them on a miss.
func (s *StatsService) Get(ctx context.Context, accountID string) (model.DashboardStats, error) {
	if stats, ok := s.cache.Get(ctx, accountID); ok {
		return stats, nil
	}
	stats, err := s.Compute(ctx, accountID)
	if err != nil {
		return model.DashboardStats{}, err
	}
	s.cache.Put(ctx, accountID, stats)
	return stats, nil
}

// Refresh recomputes and caches the statistics of one account.
func (s *StatsService) Refresh(ctx context.Context, accountID string) error {
	stats, err := s.Compute(ctx, accountID)
	if err != nil {
		return err
	}
	s.cache.Put(ctx, accountID, stats)
	return nil
}

// Invalidate drops the cached statistics of an account.
func (s *StatsService) Invalidate(ctx context.Context, accountID string) {
	s.cache.Delete(ctx, accountID)
}

// OrderExecuted invalidates the trading account's statistics once a trade
// has committed.
func (s *StatsService) OrderExecuted(ctx context.Context, o model.Order) {
	s.Invalidate(ctx, o.AccountID)
}

// Refresher periodically recomputes statistics for every account.
type Refresher struct {
	stats    *StatsService
	ledger   Ledger
	interval time.Duration
	logger   *slog.Logger
}

// NewRefresher creates a Refresher. A non-positive interval selects
// DefaultRefreshInterval.
func NewRefresher(stats *StatsService, ledger Ledger, interval time.Duration, logger *slog.Logger) *Refresher {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Refresher{stats: stats, ledger: ledger, interval: interval, logger: logger}
}

// Run refreshes all accounts, then waits interval after each pass finishes,
// until ctx is cancelled.
func (r *Refresher) Run(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("stats refresher stopped")
			return
		case <-timer.C:
			r.RefreshAll(ctx)
			timer.Reset(r.interval)
		}
	}
}

// RefreshAll runs one pass. A failing account is logged and skipped; the
// number of refreshed accounts is returned.
func (r *Refresher) RefreshAll(ctx context.Context) int {
	accounts, err := r.ledger.ListAccounts(ctx)
	if err != nil {
		r.logger.Error("stats refresh: list accounts failed", "err", err)
		return 0
	}

	refreshed := 0
	for _, a := range accounts {
		if ctx.Err() != nil {
			break
		}
		if err := r.stats.Refresh(ctx, a.ID); err != nil {
			r.logger.Warn("stats refresh failed", "account", a.ID, "err", err)
			metrics.StatsRefreshes.WithLabelValues("failed").Inc()
			continue
		}
		metrics.StatsRefreshes.WithLabelValues("ok").Inc()
		refreshed++
	}
	r.logger.Debug("stats refresh pass complete", "accounts", len(accounts), "refreshed", refreshed)
	return refreshed
}
