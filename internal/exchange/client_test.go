package exchange

import (
	"context"
	"errors"
	"testing"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vibe-trader/internal/config"
)

func fastRetrier(attempts int) *Retrier {
	return NewRetrier(config.RetryConfig{
		MaxAttempts: attempts,
		MinDelay:    time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
	}, nil)
}

func TestMarketSymbolRoundTrip(t *testing.T) {
	cases := map[string]string{
		"BTCUSDT":       "BTC/USDT:USDT",
		"ethusdt":       "ETH/USDT:USDT",
		"SOLUSDC":       "SOL/USDC:USDC",
		"BTC/USDT:USDT": "BTC/USDT:USDT",
	}
	for in, want := range cases {
		assert.Equal(t, want, MarketSymbol(in), in)
	}
	assert.Equal(t, "BTCUSDT", PlainSymbol("BTC/USDT:USDT"))
	assert.Equal(t, "ETHUSDT", PlainSymbol("ETH/USDT"))
}

func TestFetchCandlesRetriesNetworkErrors(t *testing.T) {
	calls := 0
	loads := 0
	fetch := func(symbol, timeframe string, limit int64) ([]ccxt.OHLCV, error) {
		calls++
		assert.Equal(t, "BTC/USDT:USDT", symbol)
		assert.Equal(t, "3m", timeframe)
		assert.EqualValues(t, 2, limit)
		if calls == 1 {
			return nil, &ccxt.Error{Type: ccxt.NetworkErrorErrType, Message: "reset"}
		}
		return []ccxt.OHLCV{
			{Timestamp: 1_700_000_000_000, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10},
			{Timestamp: 1_700_000_180_000, Open: 1.5, High: 2.5, Low: 1, Close: 2, Volume: 12},
		}, nil
	}
	load := func() error {
		loads++
		return nil
	}

	client := newClient(fastRetrier(3), nil, fetch, load)
	candles, err := client.FetchCandles(context.Background(), "BTCUSDT", "3m", 2)
	require.NoError(t, err)
	require.Len(t, candles, 2)
	assert.Equal(t, 2.0, candles[1].Close)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, loads)
}

func TestFetchCandlesDoesNotRetryPermanentErrors(t *testing.T) {
	calls := 0
	fetch := func(string, string, int64) ([]ccxt.OHLCV, error) {
		calls++
		return nil, errors.New("bad symbol")
	}

	client := newClient(fastRetrier(5), nil, fetch, nil)
	_, err := client.FetchCandles(context.Background(), "BTCUSDT", "3m", 10)
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetrierMaintenanceStopsImmediately(t *testing.T) {
	calls := 0
	err := fastRetrier(5).Do(context.Background(), "op", func() error {
		calls++
		return &ccxt.Error{Type: ccxt.OnMaintenanceErrType}
	})
	assert.ErrorIs(t, err, ErrMaintenance)
	assert.Equal(t, 1, calls)
}

func TestRetrierHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := fastRetrier(3).Do(ctx, "op", func() error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(&ccxt.Error{Type: ccxt.RateLimitExceededErrType}))
	assert.False(t, IsRetryable(&ccxt.Error{Type: ccxt.OnMaintenanceErrType}))
	assert.False(t, IsRetryable(errors.New("insufficient margin")))
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(context.DeadlineExceeded))
}

func TestClassifyTerminalErrors(t *testing.T) {
	cases := []struct {
		typ  ccxt.ErrorType
		want error
	}{
		{ccxt.InsufficientFundsErrType, ErrInsufficientFunds},
		{ccxt.InvalidOrderErrType, ErrOrderRejected},
		{ccxt.AuthenticationErrorErrType, ErrAuthentication},
		{ccxt.PermissionDeniedErrType, ErrAuthentication},
	}
	for _, tc := range cases {
		err, retry := Classify(&ccxt.Error{Type: tc.typ, Message: " margin is insufficient "})
		assert.False(t, retry)
		assert.ErrorIs(t, err, tc.want)
		assert.Contains(t, err.Error(), "margin is insufficient")
	}

	err, retry := Classify(&ccxt.Error{Type: ccxt.OnMaintenanceErrType})
	assert.False(t, retry)
	assert.ErrorIs(t, err, ErrMaintenance)
	assert.Contains(t, err.Error(), string(ccxt.OnMaintenanceErrType))
}

func TestRetrierBackoffCapsAtMaxDelay(t *testing.T) {
	r := NewRetrier(config.RetryConfig{MaxAttempts: 5, MinDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond}, nil)
	assert.Equal(t, 100*time.Millisecond, r.backoff(1))
	assert.Equal(t, 200*time.Millisecond, r.backoff(2))
	assert.Equal(t, 300*time.Millisecond, r.backoff(3))
	assert.Equal(t, 300*time.Millisecond, r.backoff(10))
}

func TestFetchLastPricePrefersLastTrade(t *testing.T) {
	last, closePrice := 50100.0, 50000.0
	calls := 0
	client := newClient(fastRetrier(3), nil, nil, nil)
	client.fetchTicker = func(symbol string) (ccxt.Ticker, error) {
		calls++
		assert.Equal(t, "BTC/USDT:USDT", symbol)
		if calls == 1 {
			return ccxt.Ticker{}, &ccxt.Error{Type: ccxt.RequestTimeoutErrType}
		}
		return ccxt.Ticker{Last: &last, Close: &closePrice}, nil
	}

	price, err := client.FetchLastPrice(context.Background(), "btcusdt")
	require.NoError(t, err)
	assert.Equal(t, 50100.0, price)
	assert.Equal(t, 2, calls)

	client.fetchTicker = func(string) (ccxt.Ticker, error) {
		return ccxt.Ticker{Close: &closePrice}, nil
	}
	price, err = client.FetchLastPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 50000.0, price)

	client.fetchTicker = func(string) (ccxt.Ticker, error) { return ccxt.Ticker{}, nil }
	_, err = client.FetchLastPrice(context.Background(), "BTCUSDT")
	assert.ErrorContains(t, err, "没有有效价格")
}
