package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/phitrading/exchange-engine/internal/model"
)

// DefaultTimeout bounds a single pricing-service call.
const DefaultTimeout = 3 * time.Second

// instrumentPrice is the pricing service's wire format.
type instrumentPrice struct {
	ID            string           `json:"id"`
	Symbol        string           `json:"symbol"`
	Name          string           `json:"name"`
	LastPrice     decimal.Decimal  `json:"lastPrice"`
	PreviousClose *decimal.Decimal `json:"previousClose"`
	UpdatedAt     string           `json:"updatedAt"`
}

func (p instrumentPrice) quote() model.Quote {
	return model.Quote{
		Symbol:        p.Symbol,
		Name:          p.Name,
		LastPrice:     p.LastPrice,
		PreviousClose: p.PreviousClose,
	}
}

// HTTPOracle reads prices from the market pricing service over HTTP.
type HTTPOracle struct {
	baseURL    string
	httpClient *http.Client
}

var _ Oracle = (*HTTPOracle)(nil)

// NewHTTPOracle creates a client for the pricing service at baseURL. A
// non-positive timeout selects DefaultTimeout.
func NewHTTPOracle(baseURL string, timeout time.Duration) *HTTPOracle {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPOracle{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// CurrentPrice calls GET {base}/api/instruments/{symbol}/price. Transport
// errors, timeouts, non-2xx answers and non-positive prices all map to
// ErrPriceUnavailable.
func (o *HTTPOracle) CurrentPrice(ctx context.Context, symbol string) (*model.Quote, error) {
	var p instrumentPrice
	if err := o.get(ctx, "/api/instruments/"+url.PathEscape(symbol)+"/price", &p); err != nil {
		return nil, unavailable(symbol, err)
	}
	q := p.quote()
	return checkQuote(&q, symbol)
}

// Instruments lists every instrument the pricing service knows, with its
// current price.
func (o *HTTPOracle) Instruments(ctx context.Context) ([]model.Quote, error) {
	var list []instrumentPrice
	if err := o.get(ctx, "/api/instruments", &list); err != nil {
		return nil, fmt.Errorf("list instruments: %w", err)
	}
	quotes := make([]model.Quote, 0, len(list))
	for _, p := range list {
		quotes = append(quotes, p.quote())
	}
	return quotes, nil
}

func (o *HTTPOracle) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("pricing service %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// IsTimeout reports whether err was caused by a deadline or client timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}
