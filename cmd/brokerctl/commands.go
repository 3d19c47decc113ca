package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"

	"github.com/phitrading/exchange-engine/internal/app"
	"github.com/phitrading/exchange-engine/internal/config"
	"github.com/phitrading/exchange-engine/internal/model"
	"github.com/phitrading/exchange-engine/internal/symbol"
	"github.com/phitrading/exchange-engine/internal/telemetry"
	"github.com/phitrading/exchange-engine/internal/trade"
)

var commands = []subcommands.Command{
	&migrateCmd{},
	&registerCmd{},
	&tradeCmd{},
	&portfolioCmd{},
	&ordersCmd{},
	&usageCmd{},
}

// stdout is replaced in tests.
var stdout io.Writer = os.Stdout

// open loads the configuration and wires the ledger. Logs go to stderr so
// stdout carries only command output.
func open(ctx context.Context) (*app.App, error) {
	path := *configPath
	if path == "" {
		path = os.Getenv("EXCHANGE_CONFIG")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := telemetry.NewLogger(os.Stderr, "WARN", cfg.Logging.Format)
	return app.Build(ctx, cfg, logger, false)
}

func printJSON(v any) subcommands.ExitStatus {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func fail(err error) subcommands.ExitStatus {
	fmt.Fprintln(os.Stderr, "Error:", err)
	return subcommands.ExitFailure
}

type migrateCmd struct{}

func (*migrateCmd) Name() string     { return "migrate" }
func (*migrateCmd) Synopsis() string { return "create the ledger schema" }
func (*migrateCmd) Usage() string {
	return `brokerctl migrate

  Connects to the configured store and applies the schema. Safe to repeat.
`
}
func (*migrateCmd) SetFlags(*flag.FlagSet) {}

func (*migrateCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	a, err := open(ctx)
	if err != nil {
		return fail(err)
	}
	defer a.Close()
	fmt.Fprintln(stdout, "schema up to date")
	return subcommands.ExitSuccess
}

type registerCmd struct {
	username string
}

func (*registerCmd) Name() string     { return "register" }
func (*registerCmd) Synopsis() string { return "open a new account" }
func (*registerCmd) Usage() string {
	return `brokerctl register -u <username>

  Opens an account funded with the configured initial cash.
`
}

func (c *registerCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.username, "u", "", "Username of the new account.")
}

func (c *registerCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.username == "" {
		fmt.Fprintln(os.Stderr, "Error: -u is required.")
		return subcommands.ExitUsageError
	}
	a, err := open(ctx)
	if err != nil {
		return fail(err)
	}
	defer a.Close()

	acct, err := a.Accounts.Register(ctx, c.username)
	if err != nil {
		return fail(err)
	}
	return printJSON(acct)
}

type tradeCmd struct {
	account  string
	symbol   string
	side     string
	quantity int64
}

func (*tradeCmd) Name() string     { return "trade" }
func (*tradeCmd) Synopsis() string { return "execute a market order" }
func (*tradeCmd) Usage() string {
	return `brokerctl trade -a <account_id> -s <symbol> -side BUY|SELL -q <quantity>

  Executes a market order at the oracle's current price.
`
}

func (c *tradeCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.account, "a", "", "Account ID.")
	f.StringVar(&c.symbol, "s", "", "Ticker symbol.")
	f.StringVar(&c.side, "side", "BUY", "BUY or SELL.")
	f.Int64Var(&c.quantity, "q", 0, "Number of shares.")
}

func (c *tradeCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	a, err := open(ctx)
	if err != nil {
		return fail(err)
	}
	defer a.Close()

	order, err := a.Engine.Execute(ctx, trade.Request{
		AccountID: c.account,
		Symbol:    c.symbol,
		Side:      model.Side(c.side),
		Quantity:  c.quantity,
	})
	if err != nil {
		if trade.KindOf(err) == trade.KindInvalidRequest {
			fmt.Fprintln(os.Stderr, "Error:", err)
			return subcommands.ExitUsageError
		}
		return fail(err)
	}
	return printJSON(order)
}

type portfolioCmd struct {
	account string
}

func (*portfolioCmd) Name() string     { return "portfolio" }
func (*portfolioCmd) Synopsis() string { return "value an account's holdings" }
func (*portfolioCmd) Usage() string {
	return `brokerctl portfolio -a <account_id>

  Prints every position at the current price with unrealized P&L.
`
}

func (c *portfolioCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.account, "a", "", "Account ID.")
}

func (c *portfolioCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	a, err := open(ctx)
	if err != nil {
		return fail(err)
	}
	defer a.Close()

	view, err := a.Valuator.Valuate(ctx, c.account)
	if err != nil {
		return fail(err)
	}
	return printJSON(view)
}

type ordersCmd struct {
	account string
	recent  int
}

func (*ordersCmd) Name() string     { return "orders" }
func (*ordersCmd) Synopsis() string { return "list an account's orders" }
func (*ordersCmd) Usage() string {
	return `brokerctl orders -a <account_id> [-recent <n>]

  Lists orders newest first.
`
}

func (c *ordersCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.account, "a", "", "Account ID.")
	f.IntVar(&c.recent, "recent", 0, "Show only the N most recent executed orders.")
}

func (c *ordersCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.recent < 0 {
		fmt.Fprintln(os.Stderr, "Error: -recent must not be negative.")
		return subcommands.ExitUsageError
	}
	a, err := open(ctx)
	if err != nil {
		return fail(err)
	}
	defer a.Close()

	if _, err := a.Accounts.Get(ctx, c.account); err != nil {
		return fail(err)
	}
	var orders []model.Order
	if c.recent > 0 {
		orders, err = a.Valuator.RecentOrders(ctx, c.account, c.recent)
	} else {
		orders, err = a.Store.ListOrders(ctx, c.account)
	}
	if err != nil {
		return fail(err)
	}
	return printJSON(orders)
}

type usageCmd struct {
	symbol string
}

func (*usageCmd) Name() string     { return "usage" }
func (*usageCmd) Synopsis() string { return "show which accounts reference a symbol" }
func (*usageCmd) Usage() string {
	return `brokerctl usage -s <symbol>

  Reports holders and order counts. Exits non-zero while the symbol is in use.
`
}

func (c *usageCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.symbol, "s", "", "Ticker symbol.")
}

func (c *usageCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	a, err := open(ctx)
	if err != nil {
		return fail(err)
	}
	defer a.Close()

	u, err := symbol.Usage(ctx, a.Store, c.symbol)
	if err != nil {
		return fail(err)
	}
	if status := printJSON(u); status != subcommands.ExitSuccess {
		return status
	}
	if u.InUse() {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
