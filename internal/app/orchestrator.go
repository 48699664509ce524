package app

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
	"vibe-trader/internal/monitor"
	"vibe-trader/internal/position"
	"vibe-trader/internal/risk"
	"vibe-trader/internal/state"
)

type snapshotSource interface {
	GetSnapshots(ctx context.Context, req exchange.SnapshotRequest) (map[string]exchange.MarketSnapshot, error)
	LatestPrice(ctx context.Context, symbol string) (float64, error)
}

type cycleConfig struct {
	request         exchange.SnapshotRequest
	enforceExitPlan bool
	limits          ai.Limits
}

// orchestrator 串联一次完整的交易周期：行情、盈亏刷新、强平与退出计划、决策、风控、执行、持久化。
type orchestrator struct {
	cfg         cycleConfig
	market      snapshotSource
	calc        *indicator.Calculator
	source      ai.Source
	risk        *risk.Manager
	coordinator *execution.Coordinator
	monitor     *monitor.Service
	state       *state.FileStore
	logger      *zap.Logger
	now         func() time.Time
}

// CycleReport 汇总一次周期的处理结果。
type CycleReport struct {
	Liquidated   []string
	ExitTriggers []execution.Result
	Decisions    int
	Rejected     int
	Executions   []execution.Result
	Account      execution.AccountState
}

type marketInput struct {
	snapshot   exchange.MarketSnapshot
	price      decimal.Decimal
	volatility float64
}

func (o *orchestrator) Tick(ctx context.Context) (CycleReport, error) {
	var report CycleReport
	now := o.now()

	snapshots, err := o.market.GetSnapshots(ctx, o.cfg.request)
	if err != nil {
		o.monitor.RecordError(ctx, "拉取市场数据失败", err, nil)
		return report, fmt.Errorf("拉取市场数据失败: %w", err)
	}

	markets := make(map[string]marketInput, len(snapshots))
	prices := make(map[string]decimal.Decimal, len(snapshots))
	for symbol, snap := range snapshots {
		if snap.Price <= 0 {
			o.logger.Warn("行情价格非法", zap.String("symbol", symbol), zap.Float64("price", snap.Price))
			continue
		}
		price := decimal.NewFromFloat(snap.Price)
		prices[symbol] = price
		markets[symbol] = marketInput{
			snapshot:   snap,
			price:      price,
			volatility: o.calc.RelativeATR(snap.Candles),
		}
	}

	if err := o.coordinator.UpdatePositionsPnL(ctx, prices); err != nil {
		o.logger.Warn("刷新持仓盈亏失败", zap.Error(err))
		o.monitor.RecordError(ctx, "刷新持仓盈亏失败", err, nil)
	}

	report.Liquidated = o.coordinator.CheckLiquidations(prices)
	for _, symbol := range report.Liquidated {
		o.monitor.RecordLiquidation(ctx, symbol, prices[symbol])
	}

	if o.cfg.enforceExitPlan {
		report.ExitTriggers = o.coordinator.EnforceExitPlans(ctx, prices)
		for _, result := range report.ExitTriggers {
			o.monitor.RecordExitTrigger(ctx, result)
		}
	}

	account := o.coordinator.GetAccountState(ctx)
	equity := account.TotalEquity.InexactFloat64()
	if _, err := o.risk.UpdateDaily(ctx, now, equity); err != nil {
		o.logger.Warn("更新日度盈亏失败", zap.Error(err))
	}

	decisions, err := o.source.Decide(ctx, o.promptContext(now, account, markets))
	if err != nil {
		o.monitor.RecordError(ctx, "AI 决策失败", err, nil)
		o.finish(ctx, account)
		report.Account = account
		return report, fmt.Errorf("AI 决策失败: %w", err)
	}
	report.Decisions = len(decisions)

	for _, decision := range decisions {
		decision.Symbol = strings.ToUpper(strings.TrimSpace(decision.Symbol))
		market, ok := markets[decision.Symbol]
		if !ok && decision.Action != ai.ActionHold {
			o.logger.Warn("决策交易对缺少行情，已忽略", zap.String("symbol", decision.Symbol))
			o.monitor.RecordError(ctx, "决策交易对缺少行情", nil, map[string]interface{}{"symbol": decision.Symbol})
			continue
		}

		o.monitor.RecordDecision(ctx, decision, market.price)

		review := o.risk.Review(ctx, decision, risk.Input{
			AccountValue:  account.TotalEquity.InexactFloat64(),
			OpenPositions: account.PositionCount(),
			Price:         market.price.InexactFloat64(),
			Volatility:    market.volatility,
		})
		if !review.Verdict.Passed {
			report.Rejected++
			o.monitor.RecordRejection(ctx, review.Decision, review.Verdict)
			continue
		}

		// 决策基于快照价，成交按下单前的最新价，二者之差交给滑点保护。
		price, ok := o.executionPrice(ctx, review.Decision, market.price)
		if !ok {
			continue
		}
		result := o.coordinator.ExecuteDecision(ctx, review.Decision, price,
			execution.WithDecisionPrice(market.price))
		o.monitor.RecordExecution(ctx, result)
		report.Executions = append(report.Executions, result)

		if result.OK() && review.Decision.Action != ai.ActionHold {
			account = o.coordinator.GetAccountState(ctx)
		}
	}

	o.finish(ctx, account)
	report.Account = account
	return report, nil
}

// executionPrice 在下单前重新获取价格。开仓拿不到最新价时放弃执行，平仓退回快照价。
func (o *orchestrator) executionPrice(ctx context.Context, decision ai.Decision, snapshotPrice decimal.Decimal) (decimal.Decimal, bool) {
	if decision.Action == ai.ActionHold {
		return snapshotPrice, true
	}

	latest, err := o.market.LatestPrice(ctx, decision.Symbol)
	if err == nil && latest > 0 {
		return decimal.NewFromFloat(latest), true
	}
	if err == nil {
		err = fmt.Errorf("最新价非法: %v", latest)
	}

	fields := map[string]interface{}{"symbol": decision.Symbol, "action": string(decision.Action)}
	if decision.Action.Opens() {
		o.logger.Warn("获取最新价失败，放弃开仓", zap.String("symbol", decision.Symbol), zap.Error(err))
		o.monitor.RecordError(ctx, "获取最新价失败，放弃开仓", err, fields)
		return decimal.Zero, false
	}
	o.logger.Warn("获取最新价失败，按快照价平仓", zap.String("symbol", decision.Symbol), zap.Error(err))
	o.monitor.RecordError(ctx, "获取最新价失败，按快照价平仓", err, fields)
	return snapshotPrice, true
}

func (o *orchestrator) finish(ctx context.Context, account execution.AccountState) {
	if o.state != nil {
		if snapshot, ok := o.coordinator.Snapshot(); ok {
			if err := o.state.Save(snapshot); err != nil {
				o.logger.Warn("保存模拟盘状态失败", zap.Error(err))
				o.monitor.RecordError(ctx, "保存模拟盘状态失败", err, map[string]interface{}{"path": o.state.Path()})
			}
		}
	}

	equity := account.TotalEquity.InexactFloat64()
	o.monitor.RecordAccount(ctx, account, risk.ComputeMetrics(account.Positions, equity), o.risk.Daily())
}

func (o *orchestrator) promptContext(now time.Time, account execution.AccountState, markets map[string]marketInput) ai.PromptContext {
	summaries := make([]position.Summary, 0, len(account.Positions))
	for _, p := range account.Positions {
		summaries = append(summaries, p.Summarize(now))
	}

	returnPct := 0.0
	if account.InitialBalance.IsPositive() {
		returnPct = account.TotalEquity.Sub(account.InitialBalance).
			Div(account.InitialBalance).Mul(decimal.NewFromInt(100)).InexactFloat64()
	}

	views := make([]ai.MarketView, 0, len(markets))
	for _, symbol := range o.cfg.request.Symbols {
		market, ok := markets[symbol]
		if !ok {
			continue
		}
		result, err := o.calc.Compute(market.snapshot.Candles)
		if err != nil {
			o.logger.Warn("计算技术指标失败", zap.String("symbol", symbol), zap.Error(err))
			result = indicator.Result{Close: market.snapshot.Price}
		}
		views = append(views, ai.MarketView{
			Symbol:     symbol,
			Price:      market.snapshot.Price,
			Indicators: result,
		})
	}

	return ai.PromptContext{
		Timestamp: now,
		Account: ai.AccountView{
			AvailableBalance: account.AvailableBalance.InexactFloat64(),
			TotalEquity:      account.TotalEquity.InexactFloat64(),
			ReturnPct:        returnPct,
			Positions:        summaries,
		},
		Markets: views,
		Limits:  o.cfg.limits,
	}
}
