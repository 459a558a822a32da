package alpaca

import (
	"context"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"github.com/vaultproject79-prog/ulyssetif-bot/internal/apperr"
	"github.com/vaultproject79-prog/ulyssetif-bot/internal/market"
)

const sourceName = "alpaca"

// cryptoClient is the part of the marketdata client the provider uses.
type cryptoClient interface {
	GetLatestCryptoTrade(symbol string, req marketdata.GetLatestCryptoTradeRequest) (*marketdata.CryptoTrade, error)
}

// Provider implements the generic PriceProvider interface for Alpaca crypto data.
type Provider struct {
	mdClient cryptoClient
}

// Ensure Provider implements the interface
var _ market.PriceProvider = (*Provider)(nil)

// NewProvider returns a new Alpaca provider. Empty credentials make the SDK
// fall back to APCA_API_KEY_ID / APCA_API_SECRET_KEY.
func NewProvider(apiKey, apiSecret string) *Provider {
	return &Provider{
		mdClient: marketdata.NewClient(marketdata.ClientOpts{
			APIKey:    apiKey,
			APISecret: apiSecret,
		}),
	}
}

func (p *Provider) Name() string { return sourceName }

// GetPrice returns the latest crypto trade price for "BASE/QUOTE".
func (p *Provider) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	base, quote := market.SplitSymbol(symbol)
	if quote == "" {
		return decimal.Zero, market.Unavailable(symbol, sourceName, "symbol has no quote")
	}

	type result struct {
		trade *marketdata.CryptoTrade
		err   error
	}
	// The SDK call takes no context; the select keeps the unit deadline.
	done := make(chan result, 1)
	go func() {
		trade, err := p.mdClient.GetLatestCryptoTrade(base+"/"+quote, marketdata.GetLatestCryptoTradeRequest{})
		done <- result{trade, err}
	}()

	select {
	case <-ctx.Done():
		return decimal.Zero, apperr.NewPriceError(symbol, sourceName, ctx.Err())
	case r := <-done:
		if r.err != nil {
			return decimal.Zero, apperr.NewPriceError(symbol, sourceName, r.err)
		}
		if r.trade == nil || r.trade.Price <= 0 {
			return decimal.Zero, market.Unavailable(symbol, sourceName, "no recent trade")
		}
		return decimal.NewFromFloat(r.trade.Price), nil
	}
}
