package market

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/vaultproject79-prog/ulyssetif-bot/internal/apperr"
)

type cachedPrice struct {
	price decimal.Decimal
	at    time.Time
}

// Cache serves recent prices and collapses concurrent misses for one symbol
// into a single upstream call. A price older than maxAge is never returned.
type Cache struct {
	next   PriceProvider
	maxAge time.Duration
	now    func() time.Time

	mu     sync.RWMutex
	prices map[string]cachedPrice
	group  singleflight.Group
}

var _ PriceProvider = (*Cache)(nil)

// NewCache wraps next. A maxAge of zero disables caching but keeps the
// de-duplication of concurrent fetches.
func NewCache(next PriceProvider, maxAge time.Duration) *Cache {
	return &Cache{
		next:   next,
		maxAge: maxAge,
		now:    time.Now,
		prices: make(map[string]cachedPrice),
	}
}

func (c *Cache) Name() string { return c.next.Name() }

func (c *Cache) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if p, ok := c.fresh(symbol); ok {
		return p, nil
	}

	ch := c.group.DoChan(symbol, func() (any, error) {
		if p, ok := c.fresh(symbol); ok {
			return p, nil
		}
		p, err := c.next.GetPrice(ctx, symbol)
		if err != nil {
			return decimal.Zero, err
		}
		if !p.IsPositive() {
			return decimal.Zero, Unavailable(symbol, c.next.Name(), "non-positive price %s", p)
		}
		c.mu.Lock()
		c.prices[symbol] = cachedPrice{price: p, at: c.now()}
		c.mu.Unlock()
		return p, nil
	})

	select {
	case <-ctx.Done():
		return decimal.Zero, apperr.NewPriceError(symbol, c.next.Name(), ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return decimal.Zero, res.Err
		}
		return res.Val.(decimal.Decimal), nil
	}
}

func (c *Cache) fresh(symbol string) (decimal.Decimal, bool) {
	if c.maxAge <= 0 {
		return decimal.Zero, false
	}
	c.mu.RLock()
	cp, ok := c.prices[symbol]
	c.mu.RUnlock()
	if !ok || c.now().Sub(cp.at) > c.maxAge {
		return decimal.Zero, false
	}
	return cp.price, true
}
