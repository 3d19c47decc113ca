package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/subcommands"
	"github.com/shopspring/decimal"

	"github.com/phitrading/exchange-engine/internal/model"
)

// setup points brokerctl at a fresh SQLite ledger priced by a static table
// and captures stdout.
func setup(t *testing.T) *bytes.Buffer {
	t.Helper()
	for _, k := range []string{"DATABASE_URL", "REDIS_URL", "PRICING_SERVICE_URL", "STORAGE_DRIVER", "CACHE_DRIVER", "ORACLE_DRIVER", "INITIAL_CASH", "PORT"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}

	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "exchange.yaml")
	content := "storage:\n  driver: sqlite\n  sqlite_path: " + filepath.Join(dir, "ledger.db") + "\n" +
		"oracle:\n  driver: static\n  static_prices:\n    AAPL: \"100.00\"\n"
	if err := os.WriteFile(cfgFile, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	prevPath := *configPath
	*configPath = cfgFile
	var buf bytes.Buffer
	prevOut := stdout
	stdout = &buf
	t.Cleanup(func() {
		*configPath = prevPath
		stdout = prevOut
	})
	return &buf
}

func run(t *testing.T, cmd subcommands.Command, args ...string) subcommands.ExitStatus {
	t.Helper()
	f := flag.NewFlagSet(cmd.Name(), flag.ContinueOnError)
	cmd.SetFlags(f)
	if err := f.Parse(args); err != nil {
		t.Fatalf("parse %v: %v", args, err)
	}
	return cmd.Execute(context.Background(), f)
}

func TestRegisterTradeAndPortfolio(t *testing.T) {
	out := setup(t)

	if got := run(t, &migrateCmd{}); got != subcommands.ExitSuccess {
		t.Fatalf("migrate = %v", got)
	}
	out.Reset()

	if got := run(t, &registerCmd{}, "-u", "alice"); got != subcommands.ExitSuccess {
		t.Fatalf("register = %v", got)
	}
	var acct model.Account
	if err := json.Unmarshal(out.Bytes(), &acct); err != nil {
		t.Fatalf("decode account: %v (%s)", err, out)
	}
	out.Reset()

	if got := run(t, &tradeCmd{}, "-a", acct.ID, "-s", "aapl", "-side", "buy", "-q", "10"); got != subcommands.ExitSuccess {
		t.Fatalf("trade = %v", got)
	}
	var order model.Order
	if err := json.Unmarshal(out.Bytes(), &order); err != nil {
		t.Fatalf("decode order: %v (%s)", err, out)
	}
	if order.Symbol != "AAPL" || order.Quantity != 10 || !order.ExecutionPrice.Equal(decimal.NewFromInt(100)) {
		t.Errorf("order = %+v", order)
	}
	out.Reset()

	// State persists across invocations through the SQLite file.
	if got := run(t, &portfolioCmd{}, "-a", acct.ID); got != subcommands.ExitSuccess {
		t.Fatalf("portfolio = %v", got)
	}
	var view model.PortfolioView
	if err := json.Unmarshal(out.Bytes(), &view); err != nil {
		t.Fatalf("decode portfolio: %v (%s)", err, out)
	}
	if len(view.Rows) != 1 || view.Rows[0].Quantity != 10 {
		t.Errorf("portfolio rows = %+v", view.Rows)
	}
	if !view.TotalCost.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("total cost = %s, want 1000", view.TotalCost)
	}
	out.Reset()

	if got := run(t, &ordersCmd{}, "-a", acct.ID, "-recent", "5"); got != subcommands.ExitSuccess {
		t.Fatalf("orders = %v", got)
	}
	var orders []model.Order
	if err := json.Unmarshal(out.Bytes(), &orders); err != nil {
		t.Fatalf("decode orders: %v", err)
	}
	if len(orders) != 1 || orders[0].ID != order.ID {
		t.Errorf("orders = %+v", orders)
	}
	out.Reset()

	// AAPL is held, so usage reports it in use.
	if got := run(t, &usageCmd{}, "-s", "AAPL"); got != subcommands.ExitFailure {
		t.Errorf("usage AAPL = %v, want ExitFailure while held", got)
	}
	out.Reset()
	if got := run(t, &usageCmd{}, "-s", "MSFT"); got != subcommands.ExitSuccess {
		t.Errorf("usage MSFT = %v, want ExitSuccess", got)
	}
}

func TestTradeRejections(t *testing.T) {
	out := setup(t)

	run(t, &registerCmd{}, "-u", "bob")
	var acct model.Account
	if err := json.Unmarshal(out.Bytes(), &acct); err != nil {
		t.Fatalf("decode account: %v", err)
	}

	tests := []struct {
		name string
		args []string
		want subcommands.ExitStatus
	}{
		{"zero quantity", []string{"-a", acct.ID, "-s", "AAPL", "-q", "0"}, subcommands.ExitUsageError},
		{"bad side", []string{"-a", acct.ID, "-s", "AAPL", "-side", "HOLD", "-q", "1"}, subcommands.ExitUsageError},
		{"no position", []string{"-a", acct.ID, "-s", "AAPL", "-side", "SELL", "-q", "1"}, subcommands.ExitFailure},
		{"unpriced symbol", []string{"-a", acct.ID, "-s", "ZZZZ", "-q", "1"}, subcommands.ExitFailure},
		{"insufficient funds", []string{"-a", acct.ID, "-s", "AAPL", "-q", "1000"}, subcommands.ExitFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := run(t, &tradeCmd{}, tt.args...); got != tt.want {
				t.Errorf("trade %v = %v, want %v", tt.args, got, tt.want)
			}
		})
	}
}

func TestRegisterRequiresUsername(t *testing.T) {
	setup(t)
	if got := run(t, &registerCmd{}); got != subcommands.ExitUsageError {
		t.Errorf("register without -u = %v, want ExitUsageError", got)
	}
}

func TestOrdersRejectsNegativeRecent(t *testing.T) {
	out := setup(t)
	if got := run(t, &ordersCmd{}, "-a", "any", "-recent", "-3"); got != subcommands.ExitUsageError {
		t.Errorf("orders -recent -3 = %v, want ExitUsageError", got)
	}
	if out.Len() != 0 {
		t.Errorf("unexpected output: %s", out)
	}
}
