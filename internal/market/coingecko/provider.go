// Package coingecko reads USD prices from the CoinGecko public API. Quotes in
// USDT or USDC are priced as USD.
package coingecko

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"github.com/vaultproject79-prog/ulyssetif-bot/internal/apperr"
	"github.com/vaultproject79-prog/ulyssetif-bot/internal/market"
)

const (
	sourceName = "coingecko"

	// DefaultBaseURL is the public v3 API.
	DefaultBaseURL = "https://api.coingecko.com/api/v3"
)

// staticIDs covers the majors without a search round trip.
var staticIDs = map[string]string{
	"BTC":  "bitcoin",
	"ETH":  "ethereum",
	"SOL":  "solana",
	"XRP":  "ripple",
	"DOGE": "dogecoin",
	"PEPE": "pepe",
	"OP":   "optimism",
	"ARB":  "arbitrum",
	"LINK": "chainlink",
	"TON":  "toncoin",
}

// Provider implements market.PriceProvider.
type Provider struct {
	baseURL string
	http    *http.Client

	mu      sync.RWMutex
	learned map[string]string // ticker -> id, filled from /search
}

var _ market.PriceProvider = (*Provider)(nil)

// NewProvider returns a client for baseURL (DefaultBaseURL when empty).
func NewProvider(baseURL string) *Provider {
	if baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/"); baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Provider{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 5 * time.Second},
		learned: make(map[string]string),
	}
}

func (p *Provider) Name() string { return sourceName }

func (p *Provider) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	base, _ := market.SplitSymbol(symbol)
	if base == "" {
		return decimal.Zero, market.Unavailable(symbol, sourceName, "empty symbol")
	}

	id, err := p.resolveID(ctx, base)
	if err != nil {
		return decimal.Zero, apperr.NewPriceError(symbol, sourceName, err)
	}

	q := url.Values{"ids": {id}, "vs_currencies": {"usd"}}
	body, err := p.get(ctx, "/simple/price", q)
	if err != nil {
		return decimal.Zero, apperr.NewPriceError(symbol, sourceName, err)
	}

	res := gjson.GetBytes(body, gjson.Escape(id)+".usd")
	if !res.Exists() || res.Type != gjson.Number {
		return decimal.Zero, market.Unavailable(symbol, sourceName, "no usd price for id %s", id)
	}
	price, err := decimal.NewFromString(res.Raw)
	if err != nil {
		return decimal.Zero, apperr.NewPriceError(symbol, sourceName, err)
	}
	if !price.IsPositive() {
		return decimal.Zero, market.Unavailable(symbol, sourceName, "non-positive price %s", res.Raw)
	}
	return price, nil
}

// resolveID maps a ticker to a CoinGecko id: static map, then learned map,
// then /search. An exact symbol match wins over the first search hit.
func (p *Provider) resolveID(ctx context.Context, ticker string) (string, error) {
	if id, ok := staticIDs[ticker]; ok {
		return id, nil
	}
	p.mu.RLock()
	id, ok := p.learned[ticker]
	p.mu.RUnlock()
	if ok {
		return id, nil
	}

	body, err := p.get(ctx, "/search", url.Values{"query": {ticker}})
	if err != nil {
		return "", err
	}
	coins := gjson.GetBytes(body, "coins").Array()
	if len(coins) == 0 {
		return "", fmt.Errorf("no coin matches %s", ticker)
	}

	id = coins[0].Get("id").String()
	for _, c := range coins {
		if strings.EqualFold(c.Get("symbol").String(), ticker) {
			id = c.Get("id").String()
			break
		}
	}
	if id == "" {
		return "", fmt.Errorf("search result for %s has no id", ticker)
	}

	p.mu.Lock()
	p.learned[ticker] = id
	p.mu.Unlock()
	log.Info().Str("ticker", ticker).Str("id", id).Msg("CoinGecko mapping learned")
	return id, nil
}

func (p *Provider) get(ctx context.Context, path string, q url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: http %d", path, resp.StatusCode)
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%s: invalid json", path)
	}
	return body, nil
}
