package oracle

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"github.com/phitrading/exchange-engine/internal/model"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestStaticOracle(t *testing.T) {
	o := NewStaticOracle(map[string]decimal.Decimal{"aapl ": d("150.25"), "ZERO": decimal.Zero})
	ctx := context.Background()

	q, err := o.CurrentPrice(ctx, "AAPL")
	if err != nil {
		t.Fatalf("CurrentPrice: %v", err)
	}
	if q.Symbol != "AAPL" || !q.LastPrice.Equal(d("150.25")) {
		t.Errorf("unexpected quote: %+v", q)
	}

	if _, err := o.CurrentPrice(ctx, "MSFT"); !errors.Is(err, ErrPriceUnavailable) {
		t.Errorf("unknown symbol: expected ErrPriceUnavailable, got %v", err)
	}
	if _, err := o.CurrentPrice(ctx, "ZERO"); !errors.Is(err, ErrPriceUnavailable) {
		t.Errorf("zero price: expected ErrPriceUnavailable, got %v", err)
	}

	o.Remove("AAPL")
	if _, err := o.CurrentPrice(ctx, "AAPL"); !errors.Is(err, ErrPriceUnavailable) {
		t.Errorf("removed symbol: expected ErrPriceUnavailable, got %v", err)
	}
}

func TestStaticOracleNormalizesSymbols(t *testing.T) {
	o := NewStaticOracle(nil)
	ctx := context.Background()

	o.SetQuote(model.Quote{Symbol: " aapl", Name: "Apple Inc.", LastPrice: d("190.10")})
	q, err := o.CurrentPrice(ctx, "AAPL")
	if err != nil {
		t.Fatalf("CurrentPrice after SetQuote: %v", err)
	}
	if q.Symbol != "AAPL" || q.Name != "Apple Inc." || !q.LastPrice.Equal(d("190.10")) {
		t.Errorf("unexpected quote: %+v", q)
	}

	o.Remove("aapl ")
	if _, err := o.CurrentPrice(ctx, "AAPL"); !errors.Is(err, ErrPriceUnavailable) {
		t.Errorf("removed symbol: expected ErrPriceUnavailable, got %v", err)
	}
}

func newPricingServer(t *testing.T, h http.HandlerFunc) *HTTPOracle {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewHTTPOracle(srv.URL+"/", 200*time.Millisecond)
}

func TestHTTPOracle_CurrentPrice(t *testing.T) {
	o := newPricingServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/instruments/AAPL/price" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"7b0c","symbol":"AAPL","name":"Apple Inc.","lastPrice":187.42,"previousClose":"185.10","updatedAt":"2025-03-01T12:00:00"}`))
	})

	q, err := o.CurrentPrice(context.Background(), "AAPL")
	if err != nil {
		t.Fatalf("CurrentPrice: %v", err)
	}
	if q.Name != "Apple Inc." || !q.LastPrice.Equal(d("187.42")) {
		t.Errorf("unexpected quote: %+v", q)
	}
	if q.PreviousClose == nil || !q.PreviousClose.Equal(d("185.10")) {
		t.Errorf("unexpected previous close: %v", q.PreviousClose)
	}

	if _, err := o.CurrentPrice(context.Background(), "MSFT"); !errors.Is(err, ErrPriceUnavailable) {
		t.Errorf("404: expected ErrPriceUnavailable, got %v", err)
	}
}

func TestHTTPOracle_Failures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		timeout bool
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "boom", http.StatusInternalServerError)
			},
		},
		{
			name: "malformed body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"lastPrice":`))
			},
		},
		{
			name: "non-positive price",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"symbol":"AAPL","lastPrice":0}`))
			},
		},
		{
			name: "timeout",
			handler: func(w http.ResponseWriter, r *http.Request) {
				select {
				case <-r.Context().Done():
				case <-time.After(2 * time.Second):
				}
			},
			timeout: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := newPricingServer(t, tt.handler)
			_, err := o.CurrentPrice(context.Background(), "AAPL")
			if !errors.Is(err, ErrPriceUnavailable) {
				t.Fatalf("expected ErrPriceUnavailable, got %v", err)
			}
			if IsTimeout(err) != tt.timeout {
				t.Errorf("IsTimeout = %v, want %v (%v)", IsTimeout(err), tt.timeout, err)
			}
		})
	}
}

func TestHTTPOracle_Instruments(t *testing.T) {
	o := newPricingServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/instruments" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`[
			{"symbol":"AAPL","name":"Apple Inc.","lastPrice":187.42},
			{"symbol":"MSFT","name":"Microsoft","lastPrice":"410.5","previousClose":409}
		]`))
	})

	quotes, err := o.Instruments(context.Background())
	if err != nil {
		t.Fatalf("Instruments: %v", err)
	}
	if len(quotes) != 2 {
		t.Fatalf("expected 2 instruments, got %d", len(quotes))
	}
	if quotes[1].Symbol != "MSFT" || !quotes[1].LastPrice.Equal(d("410.5")) {
		t.Errorf("unexpected instrument: %+v", quotes[1])
	}
	if quotes[0].PreviousClose != nil {
		t.Errorf("AAPL previous close should be absent, got %v", quotes[0].PreviousClose)
	}
}

type fakeSnapshots struct {
	snap *marketdata.Snapshot
	err  error
}

func (f fakeSnapshots) GetSnapshot(string, marketdata.GetSnapshotRequest) (*marketdata.Snapshot, error) {
	return f.snap, f.err
}

func TestAlpacaOracle(t *testing.T) {
	o := &AlpacaOracle{client: fakeSnapshots{snap: &marketdata.Snapshot{
		LatestTrade:  &marketdata.Trade{Price: 187.5},
		PrevDailyBar: &marketdata.Bar{Close: 185.25},
	}}}

	q, err := o.CurrentPrice(context.Background(), "AAPL")
	if err != nil {
		t.Fatalf("CurrentPrice: %v", err)
	}
	if !q.LastPrice.Equal(d("187.5")) || q.PreviousClose == nil || !q.PreviousClose.Equal(d("185.25")) {
		t.Errorf("unexpected quote: %+v", q)
	}

	missing := &AlpacaOracle{client: fakeSnapshots{snap: &marketdata.Snapshot{}}}
	if _, err := missing.CurrentPrice(context.Background(), "AAPL"); !errors.Is(err, ErrPriceUnavailable) {
		t.Errorf("no trade: expected ErrPriceUnavailable, got %v", err)
	}

	failing := &AlpacaOracle{client: fakeSnapshots{err: errors.New("429 too many requests")}}
	if _, err := failing.CurrentPrice(context.Background(), "AAPL"); !errors.Is(err, ErrPriceUnavailable) {
		t.Errorf("sdk error: expected ErrPriceUnavailable, got %v", err)
	}
}
