package backtest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"vibe-trader/internal/ai"
	"vibe-trader/internal/exchange"
	"vibe-trader/internal/execution"
	"vibe-trader/internal/indicator"
	"vibe-trader/internal/position"
	"vibe-trader/internal/risk"
)

// Result 汇总回测结果。
type Result struct {
	Metrics      Metrics
	EquityCurve  []float64
	ReturnSeries []float64
	Steps        int
	Trades       int
	Rejections   int
	Skipped      int
	Liquidations int
	ExitTriggers int
	FinalEquity  float64
	Statistics   execution.Statistics
	Orders       []execution.Order
}

// Option 调整回测引擎。
type Option func(*Engine)

// WithDailyTracker 启用日度亏损限制。
func WithDailyTracker(tracker *risk.DailyTracker) Option {
	return func(e *Engine) {
		e.tracker = tracker
	}
}

type pendingOrder struct {
	decision      ai.Decision
	decisionPrice decimal.Decimal
}

// Engine 用真实的风控闸门、执行协调器与模拟撮合回放历史K线。
// 某一步产生的决策在下一步以最新K线开盘价成交，决策时的收盘价作为滑点参考。
type Engine struct {
	cfg      Config
	provider SnapshotProvider
	source   ai.Source
	calc     *indicator.Calculator
	tracker  *risk.DailyTracker
	logger   *zap.Logger

	risk        *risk.Manager
	mock        *execution.MockEngine
	coordinator *execution.Coordinator
	clock       time.Time
}

// NewEngine 构建回测引擎。
func NewEngine(cfg Config, provider SnapshotProvider, source ai.Source, logger *zap.Logger, opts ...Option) (*Engine, error) {
	if provider == nil {
		return nil, fmt.Errorf("backtest: provider 不能为空")
	}
	if source == nil {
		return nil, fmt.Errorf("backtest: decision source 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cfg = cfg.normalize()
	mockCfg, err := execution.MockConfigFrom(cfg.Execution)
	if err != nil {
		return nil, fmt.Errorf("backtest: %w", err)
	}

	e := &Engine{
		cfg:      cfg,
		provider: provider,
		source:   source,
		calc:     indicator.NewCalculator(cfg.Risk.VolatilityPeriod),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(e)
	}

	seq := 0
	e.mock = execution.NewMockEngine(mockCfg, logger.Named("mock"),
		execution.WithClock(func() time.Time { return e.clock }),
		execution.WithOrderIDs(func() string {
			seq++
			return fmt.Sprintf("bt-%06d", seq)
		}),
	)
	e.coordinator = execution.NewCoordinator(e.mock, cfg.Risk.MaxPriceSlippagePct, logger.Named("execution"))
	e.risk = risk.NewManager(risk.NewGate(cfg.Risk), e.tracker, logger.Named("risk"))
	return e, nil
}

// Run 执行完整回测流程。
func (e *Engine) Run(ctx context.Context) (Result, error) {
	var (
		res     Result
		pending []pendingOrder
	)
	equity := []float64{e.cfg.Execution.InitialBalance}

	for {
		snapshots, ok, err := e.provider.Next(ctx)
		if err != nil {
			return Result{}, err
		}
		if !ok {
			break
		}
		res.Steps++
		e.clock = latestTimestamp(snapshots)

		prices := make(map[string]decimal.Decimal, len(snapshots))
		for symbol, snap := range snapshots {
			if snap.Price > 0 {
				prices[symbol] = decimal.NewFromFloat(snap.Price)
			}
		}

		for _, p := range pending {
			snap, ok := snapshots[p.decision.Symbol]
			if !ok {
				continue
			}
			fill := openPrice(snap)
			result := e.coordinator.ExecuteDecision(ctx, p.decision, fill, execution.WithDecisionPrice(p.decisionPrice))
			if result.Status == execution.StatusSkipped && result.Reason == execution.ReasonPriceDeviation {
				res.Skipped++
			}
		}
		pending = pending[:0]

		if err := e.coordinator.UpdatePositionsPnL(ctx, prices); err != nil {
			e.logger.Warn("刷新持仓盈亏失败", zap.Error(err))
		}
		res.Liquidations += len(e.coordinator.CheckLiquidations(prices))
		if e.cfg.EnforceExit {
			res.ExitTriggers += len(e.coordinator.EnforceExitPlans(ctx, prices))
		}

		account := e.coordinator.GetAccountState(ctx)
		accountValue := account.TotalEquity.InexactFloat64()
		equity = append(equity, accountValue)
		if _, err := e.risk.UpdateDaily(ctx, e.clock, accountValue); err != nil {
			e.logger.Warn("更新日度盈亏失败", zap.Error(err))
		}

		decisions, err := e.source.Decide(ctx, e.promptContext(account, snapshots))
		if err != nil {
			e.logger.Warn("获取决策失败", zap.Error(err))
			continue
		}

		for _, decision := range decisions {
			if decision.Action == ai.ActionHold {
				continue
			}
			decision.Symbol = strings.ToUpper(strings.TrimSpace(decision.Symbol))
			snap, ok := snapshots[decision.Symbol]
			if !ok {
				continue
			}
			review := e.risk.Review(ctx, decision, risk.Input{
				AccountValue:  accountValue,
				OpenPositions: account.PositionCount(),
				Price:         snap.Price,
				Volatility:    e.calc.RelativeATR(snap.Candles),
			})
			if !review.Verdict.Passed {
				res.Rejections++
				continue
			}
			pending = append(pending, pendingOrder{
				decision:      review.Decision,
				decisionPrice: decimal.NewFromFloat(snap.Price),
			})
		}
	}

	returns := returnSeries(equity)
	stats := e.mock.Statistics()
	res.Metrics = calculateMetrics(equity, returns, e.cfg.PeriodsPerYear)
	res.EquityCurve = equity
	res.ReturnSeries = returns
	res.Trades = stats.TotalTrades
	res.FinalEquity = equity[len(equity)-1]
	res.Statistics = stats
	res.Orders = e.mock.Orders()

	e.logger.Info("回测完成",
		zap.Int("steps", res.Steps),
		zap.Int("trades", res.Trades),
		zap.Float64("total_return", res.Metrics.TotalReturn),
		zap.Float64("max_drawdown", res.Metrics.MaxDrawdown),
		zap.Float64("sharpe", res.Metrics.SharpeRatio),
		zap.Float64("sortino", res.Metrics.SortinoRatio),
	)
	return res, nil
}

func (e *Engine) promptContext(account execution.AccountState, snapshots map[string]exchange.MarketSnapshot) ai.PromptContext {
	summaries := make([]position.Summary, 0, len(account.Positions))
	for _, p := range account.Positions {
		summaries = append(summaries, p.Summarize(e.clock))
	}

	markets := make([]ai.MarketView, 0, len(snapshots))
	for _, symbol := range e.cfg.Symbols {
		snap, ok := snapshots[symbol]
		if !ok {
			continue
		}
		result, err := e.calc.Compute(snap.Candles)
		if err != nil {
			result = indicator.Result{Close: snap.Price}
		}
		markets = append(markets, ai.MarketView{Symbol: symbol, Price: snap.Price, Indicators: result})
	}

	initial := e.cfg.Execution.InitialBalance
	return ai.PromptContext{
		Timestamp: e.clock,
		Account: ai.AccountView{
			AvailableBalance: account.AvailableBalance.InexactFloat64(),
			TotalEquity:      account.TotalEquity.InexactFloat64(),
			ReturnPct:        (account.TotalEquity.InexactFloat64()/initial - 1) * 100,
			Positions:        summaries,
		},
		Markets: markets,
		Limits: ai.Limits{
			MaxPositionSizePct: e.cfg.Risk.MaxPositionSizePct,
			MaxOpenPositions:   e.cfg.Risk.MaxOpenPositions,
			MinConfidence:      e.cfg.Risk.MinConfidence,
		},
	}
}

func latestTimestamp(snapshots map[string]exchange.MarketSnapshot) time.Time {
	var latest time.Time
	for _, snap := range snapshots {
		if snap.RetrievedAt.After(latest) {
			latest = snap.RetrievedAt
		}
	}
	return latest
}

func openPrice(snap exchange.MarketSnapshot) decimal.Decimal {
	if latest, ok := snap.Latest(); ok && latest.Open > 0 {
		return decimal.NewFromFloat(latest.Open)
	}
	return decimal.NewFromFloat(snap.Price)
}
