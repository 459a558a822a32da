package alpaca

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/vaultproject79-prog/ulyssetif-bot/internal/apperr"
)

type mockClient struct {
	mock.Mock
}

func (m *mockClient) GetLatestCryptoTrade(symbol string, req marketdata.GetLatestCryptoTradeRequest) (*marketdata.CryptoTrade, error) {
	args := m.Called(symbol)
	trade, _ := args.Get(0).(*marketdata.CryptoTrade)
	return trade, args.Error(1)
}

func TestProvider_GetPrice(t *testing.T) {
	mc := &mockClient{}
	mc.On("GetLatestCryptoTrade", "BTC/USD").Return(&marketdata.CryptoTrade{Price: 64250.5, Timestamp: time.Now()}, nil)
	p := &Provider{mdClient: mc}

	price, err := p.GetPrice(context.Background(), "btc/usd")
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.RequireFromString("64250.5")))
	mc.AssertExpectations(t)
}

func TestProvider_Failures(t *testing.T) {
	mc := &mockClient{}
	mc.On("GetLatestCryptoTrade", "ETH/USD").Return(nil, errors.New("403 forbidden"))
	mc.On("GetLatestCryptoTrade", "DOGE/USD").Return(&marketdata.CryptoTrade{}, nil)
	p := &Provider{mdClient: mc}

	_, err := p.GetPrice(context.Background(), "ETH/USD")
	assert.ErrorIs(t, err, apperr.ErrPriceUnavailable)

	_, err = p.GetPrice(context.Background(), "DOGE/USD")
	assert.ErrorIs(t, err, apperr.ErrPriceUnavailable)

	_, err = p.GetPrice(context.Background(), "DOGE")
	assert.ErrorIs(t, err, apperr.ErrPriceUnavailable)
}
