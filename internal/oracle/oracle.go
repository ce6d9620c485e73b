// Package oracle fetches the settlement currency's fiat spot price. The
// workflow never fails a phase on oracle trouble: callers substitute a
// documented fallback price when a source is unavailable.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// ErrUnavailable is returned when a source cannot produce a price.
var ErrUnavailable = errors.New("oracle: price unavailable")

// PriceSource yields the current fiat price per settlement-currency unit.
type PriceSource interface {
	Price(ctx context.Context) (decimal.Decimal, error)
}

// HTTP fetches the spot price from a CoinGecko-style simple/price
// endpoint: GET <url> returning {"ripple":{"usd":<price>}}.
type HTTP struct {
	url string
	hc  *http.Client
}

// NewHTTP creates an HTTP price source with a request timeout.
func NewHTTP(url string, timeout time.Duration) *HTTP {
	return &HTTP{
		url: url,
		hc:  &http.Client{Timeout: timeout},
	}
}

// Price performs the fetch. The price is decoded through json.Number so
// the quoted value becomes a decimal without a float64 detour.
func (s *HTTP) Price(ctx context.Context) (decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	resp, err := s.hc.Do(req)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Decimal{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var payload map[string]map[string]json.Number
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	quote, ok := payload["ripple"]["usd"]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("%w: missing ripple/usd quote", ErrUnavailable)
	}

	price, err := decimal.NewFromString(quote.String())
	if err != nil || price.LessThanOrEqual(decimal.Zero) {
		return decimal.Decimal{}, fmt.Errorf("%w: bad quote %q", ErrUnavailable, quote)
	}
	return price, nil
}

// Fixed always returns the same price. Used in tests and as an offline
// default.
type Fixed struct {
	price decimal.Decimal
}

// NewFixed creates a constant price source.
func NewFixed(price decimal.Decimal) *Fixed {
	return &Fixed{price: price}
}

func (s *Fixed) Price(_ context.Context) (decimal.Decimal, error) {
	return s.price, nil
}

// Unavailable always fails. Test helper for fallback paths.
type Unavailable struct{}

func (Unavailable) Price(_ context.Context) (decimal.Decimal, error) {
	return decimal.Decimal{}, ErrUnavailable
}
