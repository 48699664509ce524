package app

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"vibe-trader/internal/ai"
	"vibe-trader/internal/config"
	"vibe-trader/internal/exchange"
	"vibe-trader/internal/execution"
	"vibe-trader/internal/indicator"
	"vibe-trader/internal/monitor"
	"vibe-trader/internal/risk"
	"vibe-trader/internal/state"
	"vibe-trader/internal/store"
)

type fakeMarket struct {
	prices    map[string]float64
	latest    map[string]float64
	err       error
	latestErr error
}

func (f *fakeMarket) LatestPrice(_ context.Context, symbol string) (float64, error) {
	if f.latestErr != nil {
		return 0, f.latestErr
	}
	if price, ok := f.latest[symbol]; ok {
		return price, nil
	}
	return f.prices[symbol], nil
}

func (f *fakeMarket) GetSnapshots(_ context.Context, req exchange.SnapshotRequest) (map[string]exchange.MarketSnapshot, error) {
	if f.err != nil {
		return nil, f.err
	}
	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	out := make(map[string]exchange.MarketSnapshot, len(req.Symbols))
	for _, symbol := range req.Symbols {
		price, ok := f.prices[symbol]
		if !ok {
			continue
		}
		candles := make([]exchange.Candle, 40)
		for i := range candles {
			candles[i] = exchange.Candle{
				Timestamp: start.Add(time.Duration(i) * 3 * time.Minute),
				Open:      price,
				High:      price * 1.001,
				Low:       price * 0.999,
				Close:     price,
				Volume:    1,
			}
		}
		out[symbol] = exchange.MarketSnapshot{Symbol: symbol, Candles: candles, Price: price}
	}
	return out, nil
}

type fakeSource struct {
	decisions []ai.Decision
	err       error
	seen      []ai.PromptContext
}

func (f *fakeSource) Decide(_ context.Context, pc ai.PromptContext) ([]ai.Decision, error) {
	f.seen = append(f.seen, pc)
	if f.err != nil {
		return nil, f.err
	}
	out := f.decisions
	f.decisions = nil
	return out, nil
}

type harness struct {
	orch    *orchestrator
	market  *fakeMarket
	source  *fakeSource
	monitor *monitor.Service
	state   *state.FileStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	cfg, err := config.Default()
	require.NoError(t, err)
	cfg.Trading.Symbols = []string{"btcusdt", "ETHUSDT"}

	st, err := store.NewInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	tracker, err := risk.NewDailyTracker(ctx, st, cfg.Risk, nil)
	require.NoError(t, err)
	monitorSvc, err := monitor.NewService(ctx, st, nil)
	require.NoError(t, err)

	mockCfg, err := execution.MockConfigFrom(cfg.Execution)
	require.NoError(t, err)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	engine := execution.NewMockEngine(mockCfg, nil, execution.WithClock(func() time.Time { return now }))

	h := &harness{
		market:  &fakeMarket{prices: map[string]float64{"BTCUSDT": 50000, "ETHUSDT": 3000}},
		source:  &fakeSource{},
		monitor: monitorSvc,
		state:   state.NewFileStore(filepath.Join(t.TempDir(), "mock_state.json"), nil),
	}
	h.orch = &orchestrator{
		cfg:         newCycleConfig(&cfg),
		market:      h.market,
		calc:        indicator.NewCalculator(cfg.Risk.VolatilityPeriod),
		source:      h.source,
		risk:        risk.NewManager(risk.NewGate(cfg.Risk), tracker, nil),
		coordinator: execution.NewCoordinator(engine, cfg.Risk.MaxPriceSlippagePct, nil),
		monitor:     monitorSvc,
		state:       h.state,
		logger:      zap.NewNop(),
		now:         func() time.Time { return now },
	}
	return h
}

func (h *harness) events(t *testing.T, typ monitor.EventType) []monitor.Event {
	t.Helper()
	events, err := h.monitor.ListEvents(context.Background(), monitor.Query{Type: typ})
	require.NoError(t, err)
	return events
}

func longBTC() ai.Decision {
	return ai.Decision{
		Action:     ai.ActionBuy,
		Symbol:     "btcusdt",
		Quantity:   ai.Float(0.02),
		Confidence: 0.8,
		Rationale:  "trend",
		ExitPlan: &ai.ExitPlan{
			StopLoss:               ai.Float(49000),
			TakeProfit:             ai.Float(53000),
			InvalidationConditions: "4h close below 48500",
		},
	}
}

func TestTickExecutesApprovedDecisions(t *testing.T) {
	h := newHarness(t)
	h.source.decisions = []ai.Decision{
		longBTC(),
		{Action: ai.ActionSell, Symbol: "ETHUSDT", Quantity: ai.Float(0.1), Confidence: 0.5},
		{Action: ai.ActionHold, Confidence: 0.9},
	}

	report, err := h.orch.Tick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, report.Decisions)
	assert.Equal(t, 1, report.Rejected)
	require.Len(t, report.Executions, 2)
	assert.Equal(t, execution.StatusSuccess, report.Executions[0].Status)
	assert.Equal(t, "BTCUSDT", report.Executions[0].Symbol)
	assert.Equal(t, execution.StatusSkipped, report.Executions[1].Status)

	require.Equal(t, 1, report.Account.PositionCount())
	_, ok := report.Account.Position("BTCUSDT")
	assert.True(t, ok)

	require.Len(t, h.source.seen, 1)
	pc := h.source.seen[0]
	require.Len(t, pc.Markets, 2)
	assert.Equal(t, "BTCUSDT", pc.Markets[0].Symbol)
	assert.Equal(t, 3, pc.Limits.MaxOpenPositions)
	assert.Equal(t, 10000.0, pc.Account.TotalEquity)

	assert.Len(t, h.events(t, monitor.EventDecision), 3)
	assert.Len(t, h.events(t, monitor.EventRiskRejection), 1)
	assert.Len(t, h.events(t, monitor.EventExecution), 2)
	assert.Len(t, h.events(t, monitor.EventAccount), 1)

	snapshot, found, err := h.state.Load()
	require.NoError(t, err)
	require.True(t, found)
	assert.Len(t, snapshot.Account.Positions, 1)
}

func TestTickEnforcesStopLoss(t *testing.T) {
	h := newHarness(t)
	h.source.decisions = []ai.Decision{longBTC()}
	_, err := h.orch.Tick(context.Background())
	require.NoError(t, err)

	h.market.prices["BTCUSDT"] = 48900
	report, err := h.orch.Tick(context.Background())
	require.NoError(t, err)

	assert.Empty(t, report.Liquidated)
	require.Len(t, report.ExitTriggers, 1)
	assert.Equal(t, execution.ReasonStopLoss, report.ExitTriggers[0].Reason)
	assert.Zero(t, report.Account.PositionCount())
	assert.Len(t, h.events(t, monitor.EventExitTrigger), 1)

	// 止损先于决策执行，第二轮提示词中不再有持仓。
	require.Len(t, h.source.seen, 2)
	assert.Empty(t, h.source.seen[1].Account.Positions)
}

func TestTickLiquidatesBeforeDecisions(t *testing.T) {
	h := newHarness(t)
	d := longBTC()
	d.ExitPlan.StopLoss = ai.Float(40000)
	h.source.decisions = []ai.Decision{d}
	_, err := h.orch.Tick(context.Background())
	require.NoError(t, err)

	h.market.prices["BTCUSDT"] = 45000
	report, err := h.orch.Tick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"BTCUSDT"}, report.Liquidated)
	assert.Empty(t, report.ExitTriggers)
	assert.Zero(t, report.Account.PositionCount())
	assert.Len(t, h.events(t, monitor.EventLiquidation), 1)
}

func TestTickFailures(t *testing.T) {
	h := newHarness(t)
	h.market.err = errors.New("exchange down")
	_, err := h.orch.Tick(context.Background())
	assert.ErrorContains(t, err, "exchange down")
	assert.Empty(t, h.source.seen)

	h.market.err = nil
	h.source.err = errors.New("model timeout")
	report, err := h.orch.Tick(context.Background())
	assert.ErrorContains(t, err, "model timeout")
	assert.Equal(t, 10000.0, report.Account.TotalEquity.InexactFloat64())
	assert.Len(t, h.events(t, monitor.EventError), 2)
	assert.Len(t, h.events(t, monitor.EventAccount), 1)
}

func TestTickSkipsDecisionWithoutMarket(t *testing.T) {
	h := newHarness(t)
	h.source.decisions = []ai.Decision{{
		Action: ai.ActionBuy, Symbol: "DOGEUSDT", Quantity: ai.Float(10), Confidence: 0.9,
	}}
	report, err := h.orch.Tick(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Executions)
	assert.Empty(t, h.events(t, monitor.EventDecision))
}

func TestTickSkipsBuyWhenPriceRunsAway(t *testing.T) {
	h := newHarness(t)
	h.market.latest = map[string]float64{"BTCUSDT": 51500}
	h.source.decisions = []ai.Decision{longBTC()}

	report, err := h.orch.Tick(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Executions, 1)
	assert.Equal(t, execution.StatusSkipped, report.Executions[0].Status)
	assert.Equal(t, execution.ReasonPriceDeviation, report.Executions[0].Reason)
	assert.Zero(t, report.Account.PositionCount())
}

func TestTickFillsAtLatestPrice(t *testing.T) {
	h := newHarness(t)
	h.market.latest = map[string]float64{"BTCUSDT": 49500}
	h.source.decisions = []ai.Decision{longBTC()}

	report, err := h.orch.Tick(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Executions, 1)
	assert.Equal(t, execution.StatusSuccess, report.Executions[0].Status)
	pos, ok := report.Account.Position("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, "49500", pos.EntryPrice.String())
}

func TestTickSkipsOpenWithoutLatestPrice(t *testing.T) {
	h := newHarness(t)
	h.market.latestErr = errors.New("ticker unavailable")
	h.source.decisions = []ai.Decision{longBTC()}

	report, err := h.orch.Tick(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Executions)
	assert.Zero(t, report.Account.PositionCount())
	assert.Len(t, h.events(t, monitor.EventError), 1)
}
