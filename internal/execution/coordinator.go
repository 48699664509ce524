package execution

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"vibe-trader/internal/ai"
	"vibe-trader/internal/position"
)

// Coordinator 是决策与执行后端之间唯一的入口，保证任何后端异常都转化为结果而非中断主循环。
type Coordinator struct {
	backend     Backend
	maxSlippage decimal.Decimal
	logger      *zap.Logger
	now         func() time.Time
}

// NewCoordinator 创建执行协调器，maxSlippagePct 为允许的不利价格偏离比例。
func NewCoordinator(backend Backend, maxSlippagePct float64, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		backend:     backend,
		maxSlippage: decimal.NewFromFloat(maxSlippagePct),
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// ExecuteOption 调整单次执行。
type ExecuteOption func(*executeOptions)

type executeOptions struct {
	decisionPrice decimal.Decimal
}

// WithDecisionPrice 提供决策生成时的参考价格，用于滑点保护。
func WithDecisionPrice(price decimal.Decimal) ExecuteOption {
	return func(o *executeOptions) {
		o.decisionPrice = price
	}
}

// Backend 返回底层执行后端。
func (c *Coordinator) Backend() Backend {
	return c.backend
}

// GetAccountState 汇总账户状态，后端异常时返回全零状态。
func (c *Coordinator) GetAccountState(ctx context.Context) AccountState {
	state := AccountState{UpdatedAt: c.now()}

	balance, err := c.backend.GetAccountBalance(ctx)
	if err != nil {
		c.logger.Error("获取账户余额失败", zap.Error(err))
		return state
	}
	positions, err := c.backend.GetOpenPositions(ctx)
	if err != nil {
		c.logger.Error("获取持仓失败", zap.Error(err))
		return state
	}

	state.AvailableBalance = balance.Available
	state.TotalBalance = balance.Total
	state.TotalEquity = balance.Equity
	state.UnrealizedPnL = balance.UnrealizedPnL
	state.Positions = positions

	if initial, err := c.InitialBalance(ctx); err == nil {
		state.InitialBalance = initial
	}
	return state
}

// InitialBalance 返回首次观察到的账户余额。
func (c *Coordinator) InitialBalance(ctx context.Context) (decimal.Decimal, error) {
	provider, ok := c.backend.(BaselineProvider)
	if !ok {
		return decimal.Zero, fmt.Errorf("execution: 后端不提供初始余额: %w", ErrBackendUnavailable)
	}
	return provider.InitialBalance(ctx)
}

// ExecuteDecision 执行一条已通过风控的决策。
func (c *Coordinator) ExecuteDecision(ctx context.Context, decision ai.Decision, price decimal.Decimal, opts ...ExecuteOption) Result {
	var o executeOptions
	for _, opt := range opts {
		opt(&o)
	}

	if skipped, ok := c.checkSlippage(decision, price, o.decisionPrice); ok {
		return skipped
	}

	result := c.safely(decision.Action, decision.Symbol, func() (Result, error) {
		return c.backend.ExecuteOrder(ctx, decision, price)
	})

	c.logResult(result)
	return result
}

// ClosePosition 直接平仓，失败时返回 FAILED 结果。
func (c *Coordinator) ClosePosition(ctx context.Context, symbol string, price decimal.Decimal) Result {
	result := c.safely(ai.ActionClosePosition, symbol, func() (Result, error) {
		return c.backend.ClosePosition(ctx, symbol, price)
	})
	c.logResult(result)
	return result
}

// UpdatePositionsPnL 用最新价格刷新所有持仓的浮动盈亏，没有报价的持仓保持不变。
func (c *Coordinator) UpdatePositionsPnL(ctx context.Context, prices map[string]decimal.Decimal) error {
	positions, err := c.backend.GetOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("execution: 获取持仓失败: %w", err)
	}

	var errs error
	for _, p := range positions {
		price, ok := prices[p.Symbol]
		if !ok || !price.IsPositive() {
			continue
		}
		if err := c.backend.UpdatePositionPnL(ctx, p.Symbol, price); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("execution: 更新 %s 盈亏失败: %w", p.Symbol, err))
		}
	}
	return errs
}

// CheckLiquidations 对支持本地强平判定的后端逐一检查，返回被强平的交易对。
func (c *Coordinator) CheckLiquidations(prices map[string]decimal.Decimal) []string {
	liquidator, ok := c.backend.(Liquidator)
	if !ok {
		return nil
	}

	symbols := make([]string, 0, len(prices))
	for symbol := range prices {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	var liquidated []string
	for _, symbol := range symbols {
		if liquidator.CheckLiquidation(symbol, prices[symbol]) {
			liquidated = append(liquidated, symbol)
		}
	}
	return liquidated
}

// EnforceExitPlans 当价格触及已保存的止损或止盈时平仓。
func (c *Coordinator) EnforceExitPlans(ctx context.Context, prices map[string]decimal.Decimal) []Result {
	store, ok := c.backend.(ExitPlanStore)
	if !ok {
		return nil
	}
	positions, err := c.backend.GetOpenPositions(ctx)
	if err != nil {
		c.logger.Error("获取持仓失败", zap.Error(err))
		return nil
	}

	var results []Result
	for _, p := range positions {
		price, ok := prices[p.Symbol]
		if !ok || !price.IsPositive() {
			continue
		}
		plan, ok := store.ExitPlan(p.Symbol)
		if !ok {
			continue
		}
		reason := exitTrigger(p.Side, plan, price)
		if reason == "" {
			continue
		}

		c.logger.Info("触发退出计划",
			zap.String("symbol", p.Symbol),
			zap.String("reason", reason),
			zap.String("price", price.String()),
		)
		result := c.ClosePosition(ctx, p.Symbol, price)
		result.Reason = reason
		results = append(results, result)
	}
	return results
}

func exitTrigger(side position.Side, plan ai.ExitPlan, price decimal.Decimal) string {
	var stop, take decimal.Decimal
	hasStop := plan.StopLoss != nil && *plan.StopLoss > 0
	hasTake := plan.TakeProfit != nil && *plan.TakeProfit > 0
	if hasStop {
		stop = decimal.NewFromFloat(*plan.StopLoss)
	}
	if hasTake {
		take = decimal.NewFromFloat(*plan.TakeProfit)
	}

	switch side {
	case position.SideLong:
		if hasStop && price.LessThanOrEqual(stop) {
			return ReasonStopLoss
		}
		if hasTake && price.GreaterThanOrEqual(take) {
			return ReasonTakeProfit
		}
	case position.SideShort:
		if hasStop && price.GreaterThanOrEqual(stop) {
			return ReasonStopLoss
		}
		if hasTake && price.LessThanOrEqual(take) {
			return ReasonTakeProfit
		}
	}
	return ""
}

// Refresh 强制刷新带缓存的后端。
func (c *Coordinator) Refresh(ctx context.Context) error {
	refresher, ok := c.backend.(Refresher)
	if !ok {
		return nil
	}
	return refresher.Refresh(ctx)
}

// Statistics 返回交易统计，后端不支持时第二个返回值为 false。
func (c *Coordinator) Statistics() (Statistics, bool) {
	provider, ok := c.backend.(StatisticsProvider)
	if !ok {
		return Statistics{}, false
	}
	return provider.Statistics(), true
}

// Snapshot 导出后端状态，后端不支持持久化时第二个返回值为 false。
func (c *Coordinator) Snapshot() (Snapshot, bool) {
	snapshotter, ok := c.backend.(Snapshotter)
	if !ok {
		return Snapshot{}, false
	}
	return snapshotter.Snapshot(), true
}

// checkSlippage 只拦截对交易方向不利且超过阈值的偏离。
func (c *Coordinator) checkSlippage(decision ai.Decision, price, decisionPrice decimal.Decimal) (Result, bool) {
	if !decision.Action.Opens() || !decisionPrice.IsPositive() || !price.IsPositive() {
		return Result{}, false
	}

	deviation := price.Sub(decisionPrice).Div(decisionPrice)
	adverse := false
	switch decision.Action {
	case ai.ActionBuy:
		adverse = deviation.IsPositive()
	case ai.ActionSell:
		adverse = deviation.IsNegative()
	}
	if !adverse || deviation.Abs().LessThanOrEqual(c.maxSlippage) {
		return Result{}, false
	}

	c.logger.Warn("价格偏离过大，跳过执行",
		zap.String("symbol", decision.Symbol),
		zap.String("action", string(decision.Action)),
		zap.String("decision_price", decisionPrice.String()),
		zap.String("current_price", price.String()),
		zap.String("deviation", deviation.StringFixed(6)),
	)
	return Result{
		Status:    StatusSkipped,
		Action:    decision.Action,
		Symbol:    decision.Symbol,
		Price:     price,
		Reason:    ReasonPriceDeviation,
		Timestamp: c.now(),
	}, true
}

// safely 把后端错误与 panic 统一转为 FAILED 结果。
func (c *Coordinator) safely(action ai.Action, symbol string, fn func() (Result, error)) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("执行后端异常", zap.Any("panic", r), zap.String("symbol", symbol))
			result = Result{
				Status:    StatusFailed,
				Action:    action,
				Symbol:    symbol,
				Error:     fmt.Sprintf("execution: 后端异常: %v", r),
				Timestamp: c.now(),
			}
		}
	}()

	result, err := fn()
	if err != nil {
		result.Status = StatusFailed
		result.Error = err.Error()
	}
	if result.Action == "" {
		result.Action = action
	}
	if result.Symbol == "" {
		result.Symbol = symbol
	}
	if result.Timestamp.IsZero() {
		result.Timestamp = c.now()
	}
	return result
}

func (c *Coordinator) logResult(result Result) {
	fields := []zap.Field{
		zap.String("status", string(result.Status)),
		zap.String("action", string(result.Action)),
		zap.String("symbol", result.Symbol),
	}
	if result.Reason != "" {
		fields = append(fields, zap.String("reason", result.Reason))
	}
	switch result.Status {
	case StatusFailed:
		c.logger.Warn("执行失败", append(fields, zap.String("error", result.Error))...)
	case StatusSkipped:
		c.logger.Info("执行跳过", fields...)
	case StatusSuccess:
		c.logger.Info("执行成功", append(fields, zap.String("price", result.Price.String()))...)
	}
}
