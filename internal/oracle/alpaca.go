package oracle

import (
	"context"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"github.com/phitrading/exchange-engine/internal/model"
)

// snapshotter is the slice of the Alpaca market data client the oracle uses.
type snapshotter interface {
	GetSnapshot(symbol string, req marketdata.GetSnapshotRequest) (*marketdata.Snapshot, error)
}

// AlpacaOracle prices US equities from Alpaca market data snapshots: the
// latest trade is the current price, the previous daily bar close is the
// previous close.
type AlpacaOracle struct {
	client snapshotter
	feed   marketdata.Feed
}

var _ Oracle = (*AlpacaOracle)(nil)

// NewAlpacaOracle creates an oracle with the given credentials. dataURL and
// feed may be empty to use the SDK defaults.
func NewAlpacaOracle(apiKey, apiSecret, dataURL, feed string) *AlpacaOracle {
	opts := marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if dataURL != "" {
		opts.BaseURL = dataURL
	}
	return &AlpacaOracle{
		client: marketdata.NewClient(opts),
		feed:   marketdata.Feed(feed),
	}
}

func (o *AlpacaOracle) CurrentPrice(ctx context.Context, symbol string) (*model.Quote, error) {
	// The SDK call is not context-aware; honour cancellation around it.
	type result struct {
		snap *marketdata.Snapshot
		err  error
	}
	ch := make(chan result, 1)
	// On cancellation this goroutine outlives the call until the SDK's own
	// HTTP client timeout ends the request.
	go func() {
		snap, err := o.client.GetSnapshot(symbol, marketdata.GetSnapshotRequest{Feed: o.feed})
		ch <- result{snap, err}
	}()

	var r result
	select {
	case <-ctx.Done():
		return nil, unavailable(symbol, ctx.Err())
	case r = <-ch:
	}
	if r.err != nil {
		return nil, unavailable(symbol, r.err)
	}
	if r.snap == nil || r.snap.LatestTrade == nil {
		return nil, unavailable(symbol, nil)
	}

	q := &model.Quote{
		Symbol:    symbol,
		LastPrice: decimal.NewFromFloat(r.snap.LatestTrade.Price),
	}
	if r.snap.PrevDailyBar != nil {
		prev := decimal.NewFromFloat(r.snap.PrevDailyBar.Close)
		q.PreviousClose = &prev
	}
	return checkQuote(q, symbol)
}
