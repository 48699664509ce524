package execution

import (
	"context"
	"errors"
	"testing"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vibe-trader/internal/ai"
	"vibe-trader/internal/config"
	"vibe-trader/internal/exchange"
	"vibe-trader/internal/position"
	"vibe-trader/internal/store"
)

type placedOrder struct {
	symbol  string
	side    string
	amount  float64
	options int
}

type fakeTradingClient struct {
	total     float64
	free      float64
	positions   []ccxt.Position
	orderErr    error
	closeErr    error
	leverageErr error

	balanceCalls  int
	positionCalls int
	orders        []placedOrder
	leverages     []int64
}

func (f *fakeTradingClient) FetchBalance(...interface{}) (ccxt.Balances, error) {
	f.balanceCalls++
	total, free := f.total, f.free
	return ccxt.Balances{
		Total: map[string]*float64{"USDT": &total},
		Free:  map[string]*float64{"USDT": &free},
	}, nil
}

func (f *fakeTradingClient) FetchPositions(...ccxt.FetchPositionsOptions) ([]ccxt.Position, error) {
	f.positionCalls++
	return f.positions, nil
}

func (f *fakeTradingClient) CreateMarketOrder(symbol string, side string, amount float64, options ...ccxt.CreateMarketOrderOptions) (ccxt.Order, error) {
	if f.orderErr != nil {
		return ccxt.Order{}, f.orderErr
	}
	if f.closeErr != nil && len(options) > 0 {
		return ccxt.Order{}, f.closeErr
	}
	f.orders = append(f.orders, placedOrder{symbol: symbol, side: side, amount: amount, options: len(options)})
	return ccxt.Order{}, nil
}

func (f *fakeTradingClient) SetLeverage(leverage int64, _ ...ccxt.SetLeverageOptions) (map[string]interface{}, error) {
	if f.leverageErr != nil {
		return nil, f.leverageErr
	}
	f.leverages = append(f.leverages, leverage)
	return map[string]interface{}{}, nil
}

func strPtr(s string) *string { return &s }

func floatPtr(v float64) *float64 { return &v }

func rawPosition(market, side string, contracts, entry, mark, leverage float64) ccxt.Position {
	return ccxt.Position{
		Symbol:     strPtr(market),
		Side:       strPtr(side),
		Contracts:  floatPtr(contracts),
		EntryPrice: floatPtr(entry),
		MarkPrice:  floatPtr(mark),
		Leverage:   floatPtr(leverage),
	}
}

func newTestExchangeBackend(client *fakeTradingClient) (*ExchangeBackend, *time.Time) {
	return newTestExchangeBackendWithPlans(client, nil)
}

func newTestExchangeBackendWithPlans(client *fakeTradingClient, plans ExitPlanRepository) (*ExchangeBackend, *time.Time) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewExchangeBackend(client, exchange.NewRetrier(config.RetryConfig{MaxAttempts: 1}, nil), ExchangeBackendConfig{
		CacheTTL: time.Second,
		Leverage: 10,
		TakerFee: d("0.0004"),
		Model:    position.DefaultModel(),
		Plans:    plans,
	}, nil)
	b.now = func() time.Time { return now }
	return b, &now
}

func TestExchangeBackendConvertsAccount(t *testing.T) {
	client := &fakeTradingClient{
		total: 10000,
		free:  9000,
		positions: []ccxt.Position{
			rawPosition("BTC/USDT:USDT", "long", 0.1, 50000, 51000, 10),
			rawPosition("ETH/USDT:USDT", "short", 0, 3000, 3000, 10),
		},
	}
	b, _ := newTestExchangeBackend(client)
	ctx := context.Background()

	positions, err := b.GetOpenPositions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "BTCUSDT", positions[0].Symbol)
	assert.Equal(t, position.SideLong, positions[0].Side)
	assertDecimal(t, "500", positions[0].Margin)
	assertDecimal(t, "45500", positions[0].LiquidationPrice)
	assertDecimal(t, "100", positions[0].UnrealizedPnL)

	balance, err := b.GetAccountBalance(ctx)
	require.NoError(t, err)
	assertDecimal(t, "9000", balance.Available)
	assertDecimal(t, "10000", balance.Total)
	assertDecimal(t, "10100", balance.Equity)

	initial, err := b.InitialBalance(ctx)
	require.NoError(t, err)
	assertDecimal(t, "10000", initial)
}

func TestExchangeBackendCachesWithinTTL(t *testing.T) {
	client := &fakeTradingClient{total: 10000, free: 10000}
	b, now := newTestExchangeBackend(client)
	ctx := context.Background()

	_, err := b.GetAccountBalance(ctx)
	require.NoError(t, err)
	_, err = b.GetOpenPositions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, client.balanceCalls)

	*now = now.Add(2 * time.Second)
	_, err = b.GetAccountBalance(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, client.balanceCalls)

	require.NoError(t, b.Refresh(ctx))
	assert.Equal(t, 3, client.balanceCalls)
}

func TestExchangeBackendInitialBalanceIsStable(t *testing.T) {
	client := &fakeTradingClient{total: 10000, free: 10000}
	b, _ := newTestExchangeBackend(client)
	ctx := context.Background()

	_, err := b.InitialBalance(ctx)
	require.NoError(t, err)

	client.total = 12000
	require.NoError(t, b.Refresh(ctx))
	initial, err := b.InitialBalance(ctx)
	require.NoError(t, err)
	assertDecimal(t, "10000", initial)
}

func TestExchangeBackendOpenSubmitsMarketOrder(t *testing.T) {
	client := &fakeTradingClient{total: 10000, free: 10000}
	b, _ := newTestExchangeBackend(client)
	ctx := context.Background()

	result, err := b.ExecuteOrder(ctx, buy("BTCUSDT", 0.1, 49000), d("50000"))
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, result.Status)
	assertDecimal(t, "2", result.Fee)
	require.NotNil(t, result.Position)
	assertDecimal(t, "500", result.Position.Margin)

	require.Len(t, client.orders, 1)
	assert.Equal(t, placedOrder{symbol: "BTC/USDT:USDT", side: "buy", amount: 0.1}, client.orders[0])

	plan, ok := b.ExitPlan("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, 49000.0, *plan.StopLoss)

	// 下单后缓存失效，下一次查询重新拉取。
	calls := client.balanceCalls
	_, err = b.GetAccountBalance(ctx)
	require.NoError(t, err)
	assert.Equal(t, calls+1, client.balanceCalls)
}

func TestExchangeBackendCloseUsesReduceOnly(t *testing.T) {
	client := &fakeTradingClient{
		total:     10000,
		free:      9500,
		positions: []ccxt.Position{rawPosition("BTC/USDT:USDT", "long", 0.1, 50000, 51000, 10)},
	}
	b, _ := newTestExchangeBackend(client)

	result, err := b.ClosePosition(context.Background(), "BTCUSDT", d("51000"))
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, result.Status)
	require.NotNil(t, result.Closed)
	assertDecimal(t, "97.96", result.Closed.FinalPnL)

	require.Len(t, client.orders, 1)
	assert.Equal(t, "sell", client.orders[0].side)
	assert.Equal(t, 1, client.orders[0].options)
}

func TestExchangeBackendCloseWithoutPosition(t *testing.T) {
	client := &fakeTradingClient{total: 10000, free: 10000}
	b, _ := newTestExchangeBackend(client)

	result, err := b.ClosePosition(context.Background(), "BTCUSDT", d("50000"))
	assert.ErrorIs(t, err, ErrPositionNotFound)
	assert.Equal(t, StatusFailed, result.Status)
	assert.Empty(t, client.orders)
}

func TestExchangeBackendOrderFailure(t *testing.T) {
	client := &fakeTradingClient{total: 10000, free: 10000, orderErr: errors.New("rejected")}
	b, _ := newTestExchangeBackend(client)

	result, err := b.ExecuteOrder(context.Background(), buy("BTCUSDT", 0.1, 49000), d("50000"))
	assert.ErrorIs(t, err, ErrBackendUnavailable)
	assert.Equal(t, StatusFailed, result.Status)
	_, ok := b.ExitPlan("BTCUSDT")
	assert.False(t, ok)
}

func TestExchangeBackendHoldAndInvalid(t *testing.T) {
	client := &fakeTradingClient{total: 10000, free: 10000}
	b, _ := newTestExchangeBackend(client)
	ctx := context.Background()

	result, err := b.ExecuteOrder(ctx, ai.Decision{Action: ai.ActionHold}, decimal.Zero)
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, result.Status)

	_, err = b.ExecuteOrder(ctx, ai.Decision{Action: ai.ActionBuy, Symbol: "BTCUSDT"}, d("50000"))
	assert.ErrorIs(t, err, ErrInvalidDecision)
	assert.Empty(t, client.orders)
}

func TestExchangeBackendInsufficientFunds(t *testing.T) {
	client := &fakeTradingClient{
		total:    10000,
		free:     10000,
		orderErr: &ccxt.Error{Type: ccxt.InsufficientFundsErrType, Message: "margin is insufficient"},
	}
	b, _ := newTestExchangeBackend(client)

	result, err := b.ExecuteOrder(context.Background(), buy("BTCUSDT", 0.1, 49000), d("50000"))
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.ErrorIs(t, err, exchange.ErrInsufficientFunds)
	assert.NotErrorIs(t, err, ErrBackendUnavailable)
	assert.Equal(t, StatusFailed, result.Status)
}

func TestExchangeBackendSetsDecisionLeverage(t *testing.T) {
	client := &fakeTradingClient{total: 10000, free: 10000}
	b, _ := newTestExchangeBackend(client)
	ctx := context.Background()

	decision := buy("BTCUSDT", 0.1, 49000)
	decision.Leverage = 5
	result, err := b.ExecuteOrder(ctx, decision, d("50000"))
	require.NoError(t, err)
	require.NotNil(t, result.Position)
	assertDecimal(t, "1000", result.Position.Margin)

	_, err = b.ExecuteOrder(ctx, decision, d("50000"))
	require.NoError(t, err)
	assert.Equal(t, []int64{5}, client.leverages)

	_, err = b.ExecuteOrder(ctx, buy("BTCUSDT", 0.1, 49000), d("50000"))
	require.NoError(t, err)
	assert.Equal(t, []int64{5, 10}, client.leverages)
}

func TestExchangeBackendLeverageFailureBlocksOrder(t *testing.T) {
	client := &fakeTradingClient{total: 10000, free: 10000, leverageErr: errors.New("leverage not allowed")}
	b, _ := newTestExchangeBackend(client)

	result, err := b.ExecuteOrder(context.Background(), buy("BTCUSDT", 0.1, 49000), d("50000"))
	assert.ErrorIs(t, err, ErrBackendUnavailable)
	assert.Equal(t, StatusFailed, result.Status)
	assert.Contains(t, result.Error, "杠杆")
	assert.Empty(t, client.orders)
}

func TestExchangeBackendReplaceCloseFailureKeepsOpenAction(t *testing.T) {
	client := &fakeTradingClient{
		total:     10000,
		free:      9500,
		positions: []ccxt.Position{rawPosition("BTC/USDT:USDT", "short", 0.1, 50000, 50000, 10)},
		closeErr:  errors.New("reduce only rejected"),
	}
	b, _ := newTestExchangeBackend(client)

	result, err := b.ExecuteOrder(context.Background(), buy("BTCUSDT", 0.1, 49000), d("50000"))
	require.Error(t, err)
	assert.Equal(t, ai.ActionBuy, result.Action)
	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, position.SideLong, result.Side)
	assert.Contains(t, result.Error, "平掉原有持仓失败")
	assert.Empty(t, client.orders)
	assert.Empty(t, client.leverages)
}

func TestExchangeBackendRestoresExitPlansAfterRestart(t *testing.T) {
	ctx := context.Background()
	st, err := store.NewInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	plans, err := NewSQLiteExitPlans(ctx, st)
	require.NoError(t, err)

	client := &fakeTradingClient{total: 10000, free: 10000}
	first, _ := newTestExchangeBackendWithPlans(client, plans)
	_, err = first.ExecuteOrder(ctx, buy("BTCUSDT", 0.1, 49000), d("50000"))
	require.NoError(t, err)
	stale := 3300.0
	require.NoError(t, plans.Save(ctx, "ETHUSDT", ai.ExitPlan{StopLoss: &stale}))

	client.positions = []ccxt.Position{rawPosition("BTC/USDT:USDT", "long", 0.1, 50000, 50000, 10)}
	restarted, _ := newTestExchangeBackendWithPlans(client, plans)
	_, err = restarted.GetOpenPositions(ctx)
	require.NoError(t, err)

	plan, ok := restarted.ExitPlan("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, 49000.0, *plan.StopLoss)

	stored, err := plans.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, stored, 1)
	assert.Contains(t, stored, "BTCUSDT")

	_, err = restarted.ClosePosition(ctx, "BTCUSDT", d("50000"))
	require.NoError(t, err)
	stored, err = plans.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, stored)
}
