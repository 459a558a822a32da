package market

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/vaultproject79-prog/ulyssetif-bot/internal/apperr"
)

// PriceProvider is an Interface.
// Any price source (an exchange, an aggregator, a cache in front of either, or
// a mock for testing) satisfies it, so the watcher never knows which one is
// behind the price.
type PriceProvider interface {
	// Name identifies the source in logs and errors.
	Name() string
	// GetPrice returns the last price of symbol ("BASE/QUOTE"). Failures
	// match apperr.ErrPriceUnavailable.
	GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// SplitSymbol splits "BTC/USDT" into its base and quote. A symbol without a
// slash is returned as base with an empty quote.
func SplitSymbol(symbol string) (base, quote string) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if i := strings.IndexByte(s, '/'); i >= 0 {
		return s[:i], s[i+1:]
	}
	return s, ""
}

// Unavailable builds the error a provider returns when it has no usable price.
func Unavailable(symbol, source string, format string, args ...any) error {
	return apperr.NewPriceError(symbol, source, fmt.Errorf(format, args...))
}

// Chain asks each provider in order and returns the first positive price.
type Chain struct {
	providers []PriceProvider
}

var _ PriceProvider = (*Chain)(nil)

// NewChain returns a chain over providers, tried in the given order.
func NewChain(providers ...PriceProvider) *Chain {
	return &Chain{providers: providers}
}

// Name lists the chained sources.
func (c *Chain) Name() string {
	names := make([]string, len(c.providers))
	for i, p := range c.providers {
		names[i] = p.Name()
	}
	return "chain(" + strings.Join(names, ",") + ")"
}

// GetPrice returns the first price any provider can give. When all fail, the
// error wraps the last cause.
func (c *Chain) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if len(c.providers) == 0 {
		return decimal.Zero, Unavailable(symbol, c.Name(), "no price source configured")
	}

	var last error
	for _, p := range c.providers {
		if err := ctx.Err(); err != nil {
			return decimal.Zero, apperr.NewPriceError(symbol, c.Name(), err)
		}
		price, err := p.GetPrice(ctx, symbol)
		if err == nil && price.IsPositive() {
			return price, nil
		}
		if err == nil {
			err = Unavailable(symbol, p.Name(), "non-positive price %s", price)
		}
		log.Debug().Err(err).Str("source", p.Name()).Str("symbol", symbol).Msg("Price source failed, trying next")
		last = err
	}

	var pe *apperr.PriceError
	if errors.As(last, &pe) {
		return decimal.Zero, pe
	}
	return decimal.Zero, apperr.NewPriceError(symbol, c.Name(), last)
}
