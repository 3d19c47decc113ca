// Package app assembles the engine's components from a Config. Both the
// server and brokerctl build on it so they see the same ledger.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/phitrading/exchange-engine/internal/account"
	"github.com/phitrading/exchange-engine/internal/config"
	"github.com/phitrading/exchange-engine/internal/oracle"
	"github.com/phitrading/exchange-engine/internal/portfolio"
	"github.com/phitrading/exchange-engine/internal/statscache"
	"github.com/phitrading/exchange-engine/internal/store"
	"github.com/phitrading/exchange-engine/internal/trade"
)

// App holds the wired components. Close releases connections in reverse
// order of acquisition.
type App struct {
	Store     store.Store
	Oracle    oracle.Oracle
	Cache     statscache.Cache
	Accounts  *account.Service
	Valuator  *portfolio.Valuator
	Stats     *portfolio.StatsService
	Refresher *portfolio.Refresher
	Hub       *trade.WSHub
	Engine    *trade.Engine

	cleanup []func()
}

// Build connects the configured backends, runs schema migrations and wires
// the services. withHub attaches a WebSocket feed as an order observer.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger, withHub bool) (*App, error) {
	a := &App{}

	st, err := a.openStore(ctx, cfg.Storage, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Store = st

	cache, err := a.openCache(ctx, cfg.Cache, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Cache = cache

	o, err := NewOracle(cfg.Oracle)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Oracle = o

	cash, err := cfg.InitialCash()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Accounts, err = account.NewService(st, cash, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Valuator = portfolio.NewValuator(st, o, logger)
	a.Stats = portfolio.NewStatsService(st, a.Valuator, cache, logger)
	a.Refresher = portfolio.NewRefresher(a.Stats, st, cfg.Stats.RefreshInterval, logger)

	observers := []trade.Observer{a.Stats}
	if withHub {
		a.Hub = trade.NewWSHub(logger)
		observers = append(observers, a.Hub)
	}
	a.Engine = trade.NewEngine(st, o, logger, observers...)
	return a, nil
}

// Instruments returns the oracle as an instrument lister when it can
// enumerate what it prices.
func (a *App) Instruments() trade.InstrumentLister {
	if l, ok := a.Oracle.(trade.InstrumentLister); ok {
		return l
	}
	return nil
}

// Close releases every backend connection.
func (a *App) Close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
	a.cleanup = nil
}

func (a *App) openStore(ctx context.Context, cfg config.Storage, logger *slog.Logger) (store.Store, error) {
	switch cfg.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		a.cleanup = append(a.cleanup, pool.Close)
		if err := pool.Ping(ctx); err != nil {
			return nil, fmt.Errorf("database ping failed: %w", err)
		}
		st := store.NewPostgresStore(pool)
		if err := st.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		logger.Info("connected to PostgreSQL")
		return st, nil

	case "sqlite":
		st, err := store.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		a.cleanup = append(a.cleanup, func() { st.Close() })
		if err := st.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate sqlite: %w", err)
		}
		logger.Info("opened SQLite ledger", "path", cfg.SQLitePath)
		return st, nil

	default:
		logger.Warn("using in-memory store (data will not persist)")
		return store.NewMemoryStore(), nil
	}
}

func (a *App) openCache(ctx context.Context, cfg config.Cache, logger *slog.Logger) (statscache.Cache, error) {
	if cfg.Driver != "redis" {
		return statscache.NewMemoryCache(cfg.MaxEntries), nil
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	a.cleanup = append(a.cleanup, func() { rdb.Close() })
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	logger.Info("Redis stats cache enabled")
	return statscache.NewRedisCache(rdb, logger), nil
}

// NewOracle builds the configured price oracle.
func NewOracle(cfg config.Oracle) (oracle.Oracle, error) {
	switch cfg.Driver {
	case "http":
		return oracle.NewHTTPOracle(cfg.BaseURL, cfg.Timeout), nil
	case "alpaca":
		return oracle.NewAlpacaOracle(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.DataURL, cfg.Alpaca.Feed), nil
	case "static", "":
		prices, err := cfg.Prices()
		if err != nil {
			return nil, err
		}
		return oracle.NewStaticOracle(prices), nil
	default:
		return nil, fmt.Errorf("unknown oracle driver %q", cfg.Driver)
	}
}
