package execution

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"vibe-trader/internal/ai"
	"vibe-trader/internal/config"
	"vibe-trader/internal/position"
)

const (
	defaultMockLeverage   = 10
	defaultMaxLeverage    = 125
	defaultMaxSavedOrders = 100
	maxOrderHistory       = 1000
	mockOrderIDPrefix     = "MOCK-"
	orderTypeMarket       = "MARKET"
)

var hundred = decimal.NewFromInt(100)

// MockConfig 为模拟撮合参数。
type MockConfig struct {
	InitialBalance decimal.Decimal
	Leverage       int
	MaxLeverage    int
	TakerFee       decimal.Decimal
	MakerFee       decimal.Decimal
	MaxSavedOrders int
	Model          position.LiquidationModel
}

// MockConfigFrom 将执行配置转换为模拟撮合参数。
func MockConfigFrom(cfg config.ExecutionConfig) (MockConfig, error) {
	model, err := position.ModelByName(cfg.LiquidationModel)
	if err != nil {
		return MockConfig{}, err
	}
	return MockConfig{
		InitialBalance: decimal.NewFromFloat(cfg.InitialBalance),
		Leverage:       cfg.Leverage,
		MaxLeverage:    cfg.MaxLeverage,
		TakerFee:       decimal.NewFromFloat(cfg.TakerFee),
		MakerFee:       decimal.NewFromFloat(cfg.MakerFee),
		MaxSavedOrders: cfg.MaxSavedOrders,
		Model:          model,
	}, nil
}

// MockOption 调整模拟引擎的可替换依赖。
type MockOption func(*MockEngine)

// WithClock 替换时间源。
func WithClock(now func() time.Time) MockOption {
	return func(e *MockEngine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithOrderIDs 替换订单号生成器。
func WithOrderIDs(next func() string) MockOption {
	return func(e *MockEngine) {
		if next != nil {
			e.nextID = next
		}
	}
}

// MockEngine 是内存中的永续合约模拟撮合引擎，唯一可以修改余额与持仓的组件。
type MockEngine struct {
	mu     sync.Mutex
	cfg    MockConfig
	logger *zap.Logger
	now    func() time.Time
	nextID func() string

	balance          decimal.Decimal
	positions        map[string]*position.Position
	exitPlans        exitPlanBook
	orders           []Order
	totalTrades      int
	winningTrades    int
	losingTrades     int
	totalRealizedPnL decimal.Decimal
	totalFees        decimal.Decimal
}

// NewMockEngine 创建模拟撮合引擎。
func NewMockEngine(cfg MockConfig, logger *zap.Logger, opts ...MockOption) *MockEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Leverage <= 0 {
		cfg.Leverage = defaultMockLeverage
	}
	if cfg.MaxLeverage <= 0 {
		cfg.MaxLeverage = defaultMaxLeverage
	}
	if cfg.MaxSavedOrders <= 0 {
		cfg.MaxSavedOrders = defaultMaxSavedOrders
	}
	if cfg.Model == nil {
		cfg.Model = position.DefaultModel()
	}

	e := &MockEngine{
		cfg:       cfg,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		nextID:    func() string { return mockOrderIDPrefix + uuid.NewString() },
		balance:   cfg.InitialBalance,
		positions: make(map[string]*position.Position),
		exitPlans: make(exitPlanBook),
	}
	for _, opt := range opts {
		opt(e)
	}

	logger.Info("模拟撮合引擎已初始化",
		zap.String("initial_balance", cfg.InitialBalance.String()),
		zap.Int("leverage", cfg.Leverage),
		zap.String("liquidation_model", cfg.Model.Name()),
	)
	return e
}

// OpenPosition 以 entry 价格建立新仓位。
func (e *MockEngine) OpenPosition(symbol string, side position.Side, qty, entry decimal.Decimal, leverage int) (position.Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pos, _, err := e.openLocked(symbol, side, qty, entry, leverage)
	return pos, err
}

// CheckLiquidation 价格越过强平价时没收保证金并移除仓位。
func (e *MockEngine) CheckLiquidation(symbol string, price decimal.Decimal) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	pos, ok := e.positions[symbol]
	if !ok || !position.Crossed(*pos, price) {
		return false
	}

	delete(e.positions, symbol)
	delete(e.exitPlans, symbol)
	e.losingTrades++
	e.totalRealizedPnL = e.totalRealizedPnL.Sub(pos.Margin)

	e.logger.Error("触发强制平仓",
		zap.String("symbol", symbol),
		zap.String("side", string(pos.Side)),
		zap.String("price", price.String()),
		zap.String("liquidation_price", pos.LiquidationPrice.String()),
		zap.String("lost_margin", pos.Margin.String()),
	)
	return true
}

// GetOpenPositions 实现 Backend，按交易对排序返回持仓副本。
func (e *MockEngine) GetOpenPositions(_ context.Context) ([]position.Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.positionsLocked(), nil
}

// GetAccountBalance 实现 Backend。
func (e *MockEngine) GetAccountBalance(_ context.Context) (AccountBalance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.balanceLocked(), nil
}

// UpdatePositionPnL 实现 Backend，用新标记价刷新派生字段。
func (e *MockEngine) UpdatePositionPnL(_ context.Context, symbol string, price decimal.Decimal) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	pos, ok := e.positions[symbol]
	if !ok {
		return fmt.Errorf("execution: 更新 %s 盈亏: %w", symbol, ErrPositionNotFound)
	}
	pos.Mark(price)
	return nil
}

// ClosePosition 实现 Backend，以 price 平掉指定交易对的仓位。
func (e *MockEngine) ClosePosition(_ context.Context, symbol string, price decimal.Decimal) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	result := Result{
		Action:    ai.ActionClosePosition,
		Symbol:    symbol,
		Price:     price,
		Timestamp: e.now(),
	}

	report, order, err := e.closeLocked(symbol, price)
	if err != nil {
		result.Status = StatusFailed
		result.Error = err.Error()
		return result, err
	}

	result.Status = StatusSuccess
	result.Side = report.Side
	result.Quantity = report.Quantity
	result.Fee = report.Fee
	result.OrderID = order.ID
	result.Closed = &report
	return result, nil
}

// ExecuteOrder 实现 Backend。
func (e *MockEngine) ExecuteOrder(ctx context.Context, decision ai.Decision, price decimal.Decimal) (Result, error) {
	switch decision.Action {
	case ai.ActionHold:
		return Result{
			Status:    StatusSkipped,
			Action:    decision.Action,
			Symbol:    decision.Symbol,
			Reason:    ReasonHold,
			Timestamp: e.clock(),
		}, nil
	case ai.ActionClosePosition:
		return e.ClosePosition(ctx, decision.Symbol, price)
	case ai.ActionBuy, ai.ActionSell:
		return e.executeOpen(decision, price)
	default:
		err := fmt.Errorf("execution: 未知动作 %q: %w", decision.Action, ErrInvalidDecision)
		return Result{
			Status:    StatusFailed,
			Action:    decision.Action,
			Symbol:    decision.Symbol,
			Error:     err.Error(),
			Timestamp: e.clock(),
		}, err
	}
}

func (e *MockEngine) executeOpen(decision ai.Decision, price decimal.Decimal) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	side := position.SideLong
	if decision.Action == ai.ActionSell {
		side = position.SideShort
	}
	qty := decimal.NewFromFloat(decision.QuantityValue())
	leverage := decision.Leverage
	if leverage == 0 {
		leverage = e.cfg.Leverage
	}

	result := Result{
		Action:    decision.Action,
		Symbol:    decision.Symbol,
		Side:      side,
		Quantity:  qty,
		Price:     price,
		Timestamp: e.now(),
	}
	fail := func(err error) (Result, error) {
		result.Status = StatusFailed
		result.Error = err.Error()
		return result, err
	}

	if decision.Symbol == "" || !qty.IsPositive() || !price.IsPositive() {
		return fail(fmt.Errorf("execution: symbol/quantity/price 无效: %w", ErrInvalidDecision))
	}
	if err := e.checkLeverage(leverage); err != nil {
		return fail(err)
	}

	// 先按平仓后的余额校验，余额不足时不做任何修改。
	margin, err := position.CalculateMargin(price, qty, leverage)
	if err != nil {
		return fail(fmt.Errorf("execution: %v: %w", err, ErrInvalidDecision))
	}
	cost := margin.Add(price.Mul(qty).Mul(e.cfg.TakerFee))
	available := e.balance
	existing, hasExisting := e.positions[decision.Symbol]
	if hasExisting {
		report := settle(*existing, price, e.cfg.TakerFee, result.Timestamp)
		available = available.Add(existing.Margin).Add(report.FinalPnL)
	}
	if available.LessThan(cost) {
		return fail(fmt.Errorf("execution: 开仓 %s 需要 %s，可用 %s: %w",
			decision.Symbol, cost.StringFixed(4), available.StringFixed(4), ErrInsufficientBalance))
	}

	if hasExisting {
		report, _, err := e.closeLocked(decision.Symbol, price)
		if err != nil {
			return fail(err)
		}
		result.Closed = &report
	}

	pos, order, err := e.openLocked(decision.Symbol, side, qty, price, leverage)
	if err != nil {
		return fail(err)
	}
	e.exitPlans.set(decision.Symbol, decision.ExitPlan)

	result.Status = StatusSuccess
	result.Fee = order.Fee
	result.OrderID = order.ID
	result.Position = &pos
	return result, nil
}

func (e *MockEngine) openLocked(symbol string, side position.Side, qty, entry decimal.Decimal, leverage int) (position.Position, Order, error) {
	if _, exists := e.positions[symbol]; exists {
		return position.Position{}, Order{}, fmt.Errorf("execution: 开仓 %s: %w", symbol, ErrPositionExists)
	}
	if err := e.checkLeverage(leverage); err != nil {
		return position.Position{}, Order{}, err
	}

	pos, err := position.Open(symbol, side, entry, qty, leverage, e.cfg.Model, e.now())
	if err != nil {
		return position.Position{}, Order{}, fmt.Errorf("execution: %v: %w", err, ErrInvalidDecision)
	}

	fee := entry.Mul(qty).Mul(e.cfg.TakerFee)
	cost := pos.Margin.Add(fee)
	if e.balance.LessThan(cost) {
		return position.Position{}, Order{}, fmt.Errorf("execution: 开仓 %s 需要 %s，可用 %s: %w",
			symbol, cost.StringFixed(4), e.balance.StringFixed(4), ErrInsufficientBalance)
	}

	e.balance = e.balance.Sub(cost)
	e.positions[symbol] = &pos
	order := e.recordOrder(symbol, side.OrderSide(), qty, entry, fee)
	e.totalTrades++
	e.totalFees = e.totalFees.Add(fee)

	e.logger.Info("模拟开仓",
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.String("quantity", qty.String()),
		zap.String("entry_price", entry.String()),
		zap.Int("leverage", leverage),
		zap.String("margin", pos.Margin.String()),
		zap.String("fee", fee.String()),
		zap.String("liquidation_price", pos.LiquidationPrice.StringFixed(4)),
		zap.String("balance", e.balance.String()),
	)
	return pos, order, nil
}

func (e *MockEngine) closeLocked(symbol string, exit decimal.Decimal) (CloseReport, Order, error) {
	pos, ok := e.positions[symbol]
	if !ok {
		return CloseReport{}, Order{}, fmt.Errorf("execution: 平仓 %s: %w", symbol, ErrPositionNotFound)
	}
	if !exit.IsPositive() {
		return CloseReport{}, Order{}, fmt.Errorf("execution: 平仓价格无效 %s: %w", exit, ErrInvalidDecision)
	}

	report := settle(*pos, exit, e.cfg.TakerFee, e.now())
	e.balance = e.balance.Add(pos.Margin).Add(report.FinalPnL)
	if report.FinalPnL.IsPositive() {
		e.winningTrades++
	} else {
		e.losingTrades++
	}
	e.totalRealizedPnL = e.totalRealizedPnL.Add(report.FinalPnL)
	e.totalFees = e.totalFees.Add(report.Fee)
	order := e.recordOrder(symbol, pos.Side.CloseOrderSide(), pos.Quantity, exit, report.Fee)

	delete(e.positions, symbol)
	delete(e.exitPlans, symbol)

	e.logger.Info("平仓完成",
		zap.String("symbol", symbol),
		zap.String("side", string(report.Side)),
		zap.String("exit_price", exit.String()),
		zap.String("realized_pnl", report.RealizedPnL.String()),
		zap.String("fee", report.Fee.String()),
		zap.String("final_pnl", report.FinalPnL.String()),
		zap.String("balance", e.balance.String()),
	)
	return report, order, nil
}

// settle 计算平仓结算明细，不修改状态。
func settle(p position.Position, exit, takerFee decimal.Decimal, ts time.Time) CloseReport {
	realized := position.PnL(p.Side, p.EntryPrice, exit, p.Quantity)
	fee := exit.Mul(p.Quantity).Mul(takerFee)
	return CloseReport{
		Symbol:      p.Symbol,
		Side:        p.Side,
		Quantity:    p.Quantity,
		EntryPrice:  p.EntryPrice,
		ExitPrice:   exit,
		RealizedPnL: realized,
		Fee:         fee,
		FinalPnL:    realized.Sub(fee),
		Timestamp:   ts,
	}
}

func (e *MockEngine) checkLeverage(leverage int) error {
	if leverage < 1 || leverage > e.cfg.MaxLeverage {
		return fmt.Errorf("execution: 杠杆 %d 超出 [1,%d]: %w", leverage, e.cfg.MaxLeverage, ErrInvalidDecision)
	}
	return nil
}

func (e *MockEngine) recordOrder(symbol, side string, qty, price, fee decimal.Decimal) Order {
	order := Order{
		ID:        e.nextID(),
		Symbol:    symbol,
		Side:      side,
		Type:      orderTypeMarket,
		Quantity:  qty,
		Price:     price,
		Fee:       fee,
		Status:    OrderStatusFilled,
		Timestamp: e.now(),
	}
	e.orders = append(e.orders, order)
	if len(e.orders) > maxOrderHistory {
		e.orders = append([]Order(nil), e.orders[len(e.orders)-maxOrderHistory:]...)
	}
	return order
}

func (e *MockEngine) positionsLocked() []position.Position {
	out := make([]position.Position, 0, len(e.positions))
	for _, p := range e.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func (e *MockEngine) balanceLocked() AccountBalance {
	margin := decimal.Zero
	unrealized := decimal.Zero
	for _, p := range e.positions {
		margin = margin.Add(p.Margin)
		unrealized = unrealized.Add(p.UnrealizedPnL)
	}
	equity := e.balance.Add(margin).Add(unrealized)
	ratio := decimal.Zero
	if equity.IsPositive() {
		ratio = margin.Div(equity).Mul(hundred)
	}
	return AccountBalance{
		Available:     e.balance,
		Total:         e.balance,
		Margin:        margin,
		UnrealizedPnL: unrealized,
		Equity:        equity,
		MarginRatio:   ratio,
	}
}

// Statistics 返回交易统计。
func (e *MockEngine) Statistics() Statistics {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statisticsLocked()
}

func (e *MockEngine) statisticsLocked() Statistics {
	bal := e.balanceLocked()
	stats := Statistics{
		InitialBalance:   e.cfg.InitialBalance,
		CurrentBalance:   e.balance,
		TotalEquity:      bal.Equity,
		TotalTrades:      e.totalTrades,
		WinningTrades:    e.winningTrades,
		LosingTrades:     e.losingTrades,
		TotalRealizedPnL: e.totalRealizedPnL,
		TotalFees:        e.totalFees,
		OpenPositions:    len(e.positions),
	}
	if e.cfg.InitialBalance.IsPositive() {
		stats.TotalReturnPct = bal.Equity.Sub(e.cfg.InitialBalance).Div(e.cfg.InitialBalance).Mul(hundred)
	}
	if closed := e.winningTrades + e.losingTrades; closed > 0 {
		stats.WinRatePct = decimal.NewFromInt(int64(e.winningTrades)).Div(decimal.NewFromInt(int64(closed))).Mul(hundred)
	}
	return stats
}

// Orders 返回成交记录副本。
func (e *MockEngine) Orders() []Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Order(nil), e.orders...)
}

// ExitPlan 实现 ExitPlanStore。
func (e *MockEngine) ExitPlan(symbol string) (ai.ExitPlan, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exitPlans.get(symbol)
}

// InitialBalance 实现 BaselineProvider。
func (e *MockEngine) InitialBalance(_ context.Context) (decimal.Decimal, error) {
	return e.cfg.InitialBalance, nil
}

func (e *MockEngine) clock() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now()
}
