package trade_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/phitrading/exchange-engine/internal/model"
	"github.com/phitrading/exchange-engine/internal/oracle"
	"github.com/phitrading/exchange-engine/internal/store"
	"github.com/phitrading/exchange-engine/internal/trade"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func seedAccount(t *testing.T, st store.Store, id, cash string) {
	t.Helper()
	now := time.Now().UTC()
	if err := st.CreateAccount(context.Background(), &model.Account{
		ID: id, Username: "user-" + id, Cash: d(cash), CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("seed account: %v", err)
	}
}

func newEngine(t *testing.T, observers ...trade.Observer) (*trade.Engine, *store.MemoryStore, *oracle.StaticOracle) {
	t.Helper()
	ms := store.NewMemoryStore()
	o := oracle.NewStaticOracle(nil)
	return trade.NewEngine(ms, o, nil, observers...), ms, o
}

func mustExecute(t *testing.T, e *trade.Engine, req trade.Request) *model.Order {
	t.Helper()
	order, err := e.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute(%+v): %v", req, err)
	}
	return order
}

func buy(account, sym string, qty int64) trade.Request {
	return trade.Request{AccountID: account, Symbol: sym, Side: model.SideBuy, Quantity: qty}
}

func sell(account, sym string, qty int64) trade.Request {
	return trade.Request{AccountID: account, Symbol: sym, Side: model.SideSell, Quantity: qty}
}

// snapshot captures the ledger state of one account.
type snapshot struct {
	cash      decimal.Decimal
	positions []model.Position
	orders    int
}

func takeSnapshot(t *testing.T, st store.Store, id string) snapshot {
	t.Helper()
	ctx := context.Background()
	a, err := st.GetAccount(ctx, id)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	positions, _ := st.ListPositions(ctx, id)
	orders, _ := st.ListOrders(ctx, id)
	return snapshot{cash: a.Cash, positions: positions, orders: len(orders)}
}

func assertUnchanged(t *testing.T, before, after snapshot) {
	t.Helper()
	if !before.cash.Equal(after.cash) {
		t.Errorf("cash changed: %s → %s", before.cash, after.cash)
	}
	if len(before.positions) != len(after.positions) {
		t.Errorf("positions changed: %d → %d", len(before.positions), len(after.positions))
	}
	for i := range before.positions {
		if i < len(after.positions) && before.positions[i].Quantity != after.positions[i].Quantity {
			t.Errorf("position %s quantity changed: %d → %d",
				before.positions[i].Symbol, before.positions[i].Quantity, after.positions[i].Quantity)
		}
	}
	if before.orders != after.orders {
		t.Errorf("orders changed: %d → %d", before.orders, after.orders)
	}
}

// --- Execution ---

func TestExecute_BuyWeightedAverage(t *testing.T) {
	e, ms, o := newEngine(t)
	seedAccount(t, ms, "a1", "10000.00")

	o.Set("AAPL", d("100"))
	first := mustExecute(t, e, buy("a1", "AAPL", 10))
	if first.Status != model.StatusExecuted || first.RealizedPnL != nil {
		t.Errorf("unexpected buy order: %+v", first)
	}
	if !first.ExecutionPrice.Equal(d("100")) {
		t.Errorf("expected execution price 100, got %s", first.ExecutionPrice)
	}

	o.Set("AAPL", d("200"))
	mustExecute(t, e, buy("a1", "AAPL", 10))

	snap := takeSnapshot(t, ms, "a1")
	if len(snap.positions) != 1 {
		t.Fatalf("expected 1 position, got %d", len(snap.positions))
	}
	p := snap.positions[0]
	if p.Quantity != 20 || !p.AvgCost.Equal(d("150.0000")) {
		t.Errorf("expected 20 @ 150.0000, got %d @ %s", p.Quantity, p.AvgCost)
	}
	if !snap.cash.Equal(d("7000")) {
		t.Errorf("expected cash 7000, got %s", snap.cash)
	}
	if snap.orders != 2 {
		t.Errorf("expected 2 orders, got %d", snap.orders)
	}
}

func TestExecute_PartialSellKeepsAverage(t *testing.T) {
	e, ms, o := newEngine(t)
	seedAccount(t, ms, "a1", "10000.00")

	o.Set("XYZ", d("50"))
	mustExecute(t, e, buy("a1", "XYZ", 10))

	o.Set("XYZ", d("70"))
	order := mustExecute(t, e, sell("a1", "XYZ", 4))
	if order.RealizedPnL == nil || !order.RealizedPnL.Equal(d("80.0000")) {
		t.Errorf("expected realized 80.0000, got %v", order.RealizedPnL)
	}

	snap := takeSnapshot(t, ms, "a1")
	p := snap.positions[0]
	if p.Quantity != 6 || !p.AvgCost.Equal(d("50.0000")) {
		t.Errorf("expected 6 @ 50.0000, got %d @ %s", p.Quantity, p.AvgCost)
	}
	// 10000 - 500 + 280
	if !snap.cash.Equal(d("9780")) {
		t.Errorf("expected cash 9780, got %s", snap.cash)
	}
}

func TestExecute_SellExhaustsPosition(t *testing.T) {
	e, ms, o := newEngine(t)
	seedAccount(t, ms, "a1", "1000")

	o.Set("XYZ", d("10"))
	mustExecute(t, e, buy("a1", "XYZ", 5))

	o.Set("XYZ", d("5"))
	order := mustExecute(t, e, sell("a1", "XYZ", 5))
	if !order.RealizedPnL.Equal(d("-25")) {
		t.Errorf("expected realized -25, got %s", order.RealizedPnL)
	}

	snap := takeSnapshot(t, ms, "a1")
	if len(snap.positions) != 0 {
		t.Errorf("exhausted position should be deleted, got %+v", snap.positions)
	}
	if !snap.cash.Equal(d("975")) {
		t.Errorf("expected cash 975, got %s", snap.cash)
	}

	// A new buy after exhaustion starts a fresh lot.
	o.Set("XYZ", d("8"))
	mustExecute(t, e, buy("a1", "XYZ", 2))
	snap = takeSnapshot(t, ms, "a1")
	if snap.positions[0].Quantity != 2 || !snap.positions[0].AvgCost.Equal(d("8")) {
		t.Errorf("expected fresh lot 2 @ 8, got %+v", snap.positions[0])
	}
}

func TestExecute_Conservation(t *testing.T) {
	e, ms, o := newEngine(t)
	seedAccount(t, ms, "a1", "5000")

	steps := []struct {
		req   trade.Request
		price string
	}{
		{buy("a1", "AAPL", 7), "101.37"},
		{buy("a1", "MSFT", 3), "299.99"},
		{sell("a1", "AAPL", 2), "105.555"},
		{buy("a1", "AAPL", 1), "99.0001"},
		{sell("a1", "MSFT", 3), "310.12"},
	}

	cash := d("5000")
	for _, s := range steps {
		o.Set(s.req.Symbol, d(s.price))
		mustExecute(t, e, s.req)
		amount := d(s.price).Mul(decimal.NewFromInt(s.req.Quantity)).Round(4)
		if s.req.Side == model.SideBuy {
			cash = cash.Sub(amount)
		} else {
			cash = cash.Add(amount)
		}
	}

	snap := takeSnapshot(t, ms, "a1")
	if !snap.cash.Equal(cash) {
		t.Errorf("cash = %s, want %s", snap.cash, cash)
	}
	if len(snap.positions) != 1 || snap.positions[0].Symbol != "AAPL" || snap.positions[0].Quantity != 6 {
		t.Errorf("unexpected positions: %+v", snap.positions)
	}
	if snap.orders != len(steps) {
		t.Errorf("expected %d orders, got %d", len(steps), snap.orders)
	}
}

func TestExecute_NormalizesInput(t *testing.T) {
	e, ms, o := newEngine(t)
	seedAccount(t, ms, "a1", "1000")
	o.Set("AAPL", d("10"))

	order := mustExecute(t, e, trade.Request{AccountID: " a1 ", Symbol: " aapl ", Side: "buy", Quantity: 1})
	if order.Symbol != "AAPL" || order.Side != model.SideBuy || order.AccountID != "a1" {
		t.Errorf("expected normalized order, got %+v", order)
	}
}

// --- Rejections ---

func TestExecute_InsufficientFunds(t *testing.T) {
	e, ms, o := newEngine(t)
	seedAccount(t, ms, "a1", "100")
	o.Set("AAPL", d("150"))
	before := takeSnapshot(t, ms, "a1")

	_, err := e.Execute(context.Background(), buy("a1", "AAPL", 1))
	if !errors.Is(err, trade.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	var te *trade.Error
	if !errors.As(err, &te) {
		t.Fatalf("expected *trade.Error, got %T", err)
	}
	if !te.Required.Equal(d("150")) || !te.Available.Equal(d("100")) {
		t.Errorf("required/available = %s/%s", te.Required, te.Available)
	}
	if te.Retryable() {
		t.Error("insufficient funds is not retryable")
	}

	assertUnchanged(t, before, takeSnapshot(t, ms, "a1"))
}

func TestExecute_ExactCashAllowed(t *testing.T) {
	e, ms, o := newEngine(t)
	seedAccount(t, ms, "a1", "150")
	o.Set("AAPL", d("150"))

	mustExecute(t, e, buy("a1", "AAPL", 1))
	if snap := takeSnapshot(t, ms, "a1"); !snap.cash.IsZero() {
		t.Errorf("expected zero cash, got %s", snap.cash)
	}
}

func TestExecute_InsufficientShares(t *testing.T) {
	e, ms, o := newEngine(t)
	seedAccount(t, ms, "a1", "1000")
	o.Set("AAPL", d("10"))
	mustExecute(t, e, buy("a1", "AAPL", 3))
	before := takeSnapshot(t, ms, "a1")

	_, err := e.Execute(context.Background(), sell("a1", "AAPL", 5))
	if trade.KindOf(err) != trade.KindInsufficientShares {
		t.Fatalf("expected KindInsufficientShares, got %v", err)
	}
	var te *trade.Error
	errors.As(err, &te)
	if !te.Required.Equal(d("5")) || !te.Available.Equal(d("3")) {
		t.Errorf("required/available = %s/%s", te.Required, te.Available)
	}

	assertUnchanged(t, before, takeSnapshot(t, ms, "a1"))
}

func TestExecute_NoPosition(t *testing.T) {
	e, ms, o := newEngine(t)
	seedAccount(t, ms, "a1", "1000")
	o.Set("AAPL", d("10"))

	_, err := e.Execute(context.Background(), sell("a1", "AAPL", 1))
	if !errors.Is(err, trade.ErrNoPosition) {
		t.Errorf("expected ErrNoPosition, got %v", err)
	}
}

func TestExecute_AccountNotFound(t *testing.T) {
	e, _, o := newEngine(t)
	o.Set("AAPL", d("10"))

	_, err := e.Execute(context.Background(), buy("ghost", "AAPL", 1))
	if !errors.Is(err, trade.ErrAccountNotFound) {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}
	if !errors.Is(err, store.ErrAccountNotFound) {
		t.Error("store cause should stay reachable")
	}
}

func TestExecute_PriceUnavailable(t *testing.T) {
	e, ms, _ := newEngine(t)
	seedAccount(t, ms, "a1", "1000")
	before := takeSnapshot(t, ms, "a1")

	_, err := e.Execute(context.Background(), buy("a1", "AAPL", 1))
	if !errors.Is(err, trade.ErrPriceUnavailable) {
		t.Fatalf("expected ErrPriceUnavailable, got %v", err)
	}
	if !errors.Is(err, oracle.ErrPriceUnavailable) {
		t.Error("oracle cause should stay reachable")
	}
	var te *trade.Error
	if errors.As(err, &te) && !te.Retryable() {
		t.Error("price unavailable should be retryable")
	}
	assertUnchanged(t, before, takeSnapshot(t, ms, "a1"))

	// The price is fetched before the account is looked up.
	_, err = e.Execute(context.Background(), buy("ghost", "AAPL", 1))
	if trade.KindOf(err) != trade.KindPriceUnavailable {
		t.Errorf("expected price failure to win over missing account, got %v", err)
	}
}

func TestExecute_InvalidRequest(t *testing.T) {
	e, ms, o := newEngine(t)
	seedAccount(t, ms, "a1", "1000")
	o.Set("AAPL", d("10"))

	tests := []struct {
		name string
		req  trade.Request
	}{
		{"blank account", trade.Request{AccountID: "  ", Symbol: "AAPL", Side: model.SideBuy, Quantity: 1}},
		{"blank symbol", trade.Request{AccountID: "a1", Symbol: " ", Side: model.SideBuy, Quantity: 1}},
		{"malformed symbol", trade.Request{AccountID: "a1", Symbol: "AA PL", Side: model.SideBuy, Quantity: 1}},
		{"unknown side", trade.Request{AccountID: "a1", Symbol: "AAPL", Side: "HOLD", Quantity: 1}},
		{"zero quantity", trade.Request{AccountID: "a1", Symbol: "AAPL", Side: model.SideBuy, Quantity: 0}},
		{"negative quantity", trade.Request{AccountID: "a1", Symbol: "AAPL", Side: model.SideSell, Quantity: -3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Execute(context.Background(), tt.req)
			if !errors.Is(err, trade.ErrInvalidRequest) {
				t.Errorf("expected ErrInvalidRequest, got %v", err)
			}
		})
	}

	if snap := takeSnapshot(t, ms, "a1"); snap.orders != 0 {
		t.Errorf("invalid requests must not record orders, got %d", snap.orders)
	}
}

// --- Persistence failures ---

var errDisk = errors.New("disk full")

type failingStore struct {
	*store.MemoryStore
	failOn string
}

func (f *failingStore) WithAccountLock(ctx context.Context, id string, fn func(tx store.Tx) error) error {
	return f.MemoryStore.WithAccountLock(ctx, id, func(tx store.Tx) error {
		return fn(failingTx{Tx: tx, failOn: f.failOn})
	})
}

type failingTx struct {
	store.Tx
	failOn string
}

func (t failingTx) SavePosition(ctx context.Context, p *model.Position) error {
	if t.failOn == "position" {
		return errDisk
	}
	return t.Tx.SavePosition(ctx, p)
}

func (t failingTx) DeletePosition(ctx context.Context, symbol string) error {
	if t.failOn == "position" {
		return errDisk
	}
	return t.Tx.DeletePosition(ctx, symbol)
}

func (t failingTx) InsertOrder(ctx context.Context, o *model.Order) error {
	if t.failOn == "order" {
		return errDisk
	}
	return t.Tx.InsertOrder(ctx, o)
}

func TestExecute_PersistenceFailureRollsBack(t *testing.T) {
	for _, failOn := range []string{"position", "order"} {
		for _, side := range []model.Side{model.SideBuy, model.SideSell} {
			t.Run(failOn+"/"+string(side), func(t *testing.T) {
				ms := store.NewMemoryStore()
				o := oracle.NewStaticOracle(map[string]decimal.Decimal{"AAPL": d("10")})
				seedAccount(t, ms, "a1", "1000")
				if _, err := trade.NewEngine(ms, o, nil).Execute(context.Background(), buy("a1", "AAPL", 5)); err != nil {
					t.Fatalf("seed buy: %v", err)
				}
				before := takeSnapshot(t, ms, "a1")

				e := trade.NewEngine(&failingStore{MemoryStore: ms, failOn: failOn}, o, nil)
				req := trade.Request{AccountID: "a1", Symbol: "AAPL", Side: side, Quantity: 5}
				_, err := e.Execute(context.Background(), req)
				if !errors.Is(err, trade.ErrPersistence) {
					t.Fatalf("expected ErrPersistence, got %v", err)
				}
				if !errors.Is(err, errDisk) {
					t.Errorf("cause should be reachable, got %v", err)
				}

				assertUnchanged(t, before, takeSnapshot(t, ms, "a1"))
			})
		}
	}
}

// --- Concurrency ---

func TestExecute_ConcurrentBuysSameAccount(t *testing.T) {
	e, ms, o := newEngine(t)
	seedAccount(t, ms, "a1", "10000")
	o.Set("AAPL", d("12.5"))

	const n = 64
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Execute(context.Background(), buy("a1", "AAPL", 1))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent buy: %v", err)
		}
	}

	snap := takeSnapshot(t, ms, "a1")
	if snap.positions[0].Quantity != n {
		t.Errorf("expected quantity %d, got %d", n, snap.positions[0].Quantity)
	}
	if !snap.cash.Equal(d("9200")) {
		t.Errorf("expected cash 9200, got %s", snap.cash)
	}
	if snap.orders != n {
		t.Errorf("expected %d orders, got %d", n, snap.orders)
	}
}

func TestExecute_ConcurrentSellsNeverOversell(t *testing.T) {
	e, ms, o := newEngine(t)
	seedAccount(t, ms, "a1", "1000")
	o.Set("AAPL", d("1"))
	mustExecute(t, e, buy("a1", "AAPL", 10))

	const n = 25
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Execute(context.Background(), sell("a1", "AAPL", 1))
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			} else if k := trade.KindOf(err); k != trade.KindNoPosition && k != trade.KindInsufficientShares {
				t.Errorf("unexpected failure: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != 10 {
		t.Errorf("expected exactly 10 sells to succeed, got %d", succeeded)
	}
	snap := takeSnapshot(t, ms, "a1")
	if len(snap.positions) != 0 || !snap.cash.Equal(d("1000")) {
		t.Errorf("unexpected final state: cash %s, positions %+v", snap.cash, snap.positions)
	}
}

// --- Observers ---

type recordingObserver struct {
	mu     sync.Mutex
	orders []model.Order
}

func (r *recordingObserver) OrderExecuted(_ context.Context, o model.Order) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders = append(r.orders, o)
}

func TestExecute_NotifiesObserversAfterCommit(t *testing.T) {
	rec := &recordingObserver{}
	e, ms, o := newEngine(t, rec)
	seedAccount(t, ms, "a1", "100")
	o.Set("AAPL", d("10"))

	order := mustExecute(t, e, buy("a1", "AAPL", 2))
	if _, err := e.Execute(context.Background(), buy("a1", "AAPL", 100)); err == nil {
		t.Fatal("expected insufficient funds")
	}

	if len(rec.orders) != 1 || rec.orders[0].ID != order.ID {
		t.Fatalf("expected one notification for %s, got %+v", order.ID, rec.orders)
	}
	orders, _ := ms.ListOrders(context.Background(), "a1")
	if len(orders) != 1 || orders[0].ID != order.ID {
		t.Error("observer must see an order that is already committed")
	}
}
