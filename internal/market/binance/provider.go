// Package binance reads spot prices from the Binance public API.
package binance

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"

	"github.com/vaultproject79-prog/ulyssetif-bot/internal/apperr"
	"github.com/vaultproject79-prog/ulyssetif-bot/internal/market"
)

const sourceName = "binance"

// Provider implements market.PriceProvider over the spot ticker endpoint.
type Provider struct {
	client *binance.Client
}

// Ensure Provider implements the interface
var _ market.PriceProvider = (*Provider)(nil)

// NewProvider returns an unauthenticated spot client. baseURL overrides the
// API host when set (tests, regional mirrors).
func NewProvider(baseURL string, timeout time.Duration) *Provider {
	client := binance.NewClient("", "")
	if baseURL = strings.TrimSpace(baseURL); baseURL != "" {
		client.BaseURL = strings.TrimRight(baseURL, "/")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client.HTTPClient = &http.Client{Timeout: timeout}
	return &Provider{client: client}
}

func (p *Provider) Name() string { return sourceName }

// GetPrice maps "BTC/USDT" to "BTCUSDT" and reads its last price.
func (p *Provider) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	base, quote := market.SplitSymbol(symbol)
	if base == "" || quote == "" {
		return decimal.Zero, market.Unavailable(symbol, sourceName, "symbol has no quote")
	}
	pair := base + quote

	prices, err := p.client.NewListPricesService().Symbol(pair).Do(ctx)
	if err != nil {
		return decimal.Zero, apperr.NewPriceError(symbol, sourceName, err)
	}
	for _, sp := range prices {
		if sp == nil || sp.Symbol != pair {
			continue
		}
		price, err := decimal.NewFromString(sp.Price)
		if err != nil {
			return decimal.Zero, apperr.NewPriceError(symbol, sourceName, err)
		}
		if !price.IsPositive() {
			return decimal.Zero, market.Unavailable(symbol, sourceName, "non-positive price %s", sp.Price)
		}
		return price, nil
	}
	return decimal.Zero, market.Unavailable(symbol, sourceName, "no ticker for %s", pair)
}
