package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"vibe-trader/internal/ai"
	"vibe-trader/internal/config"
	"vibe-trader/internal/exchange"
	"vibe-trader/internal/position"
)

type tradingClient interface {
	FetchBalance(params ...interface{}) (ccxt.Balances, error)
	FetchPositions(options ...ccxt.FetchPositionsOptions) ([]ccxt.Position, error)
	CreateMarketOrder(symbol string, side string, amount float64, options ...ccxt.CreateMarketOrderOptions) (ccxt.Order, error)
	SetLeverage(leverage int64, options ...ccxt.SetLeverageOptions) (map[string]interface{}, error)
}

// ExitPlanRepository 持久化交易所后端的退出计划。
type ExitPlanRepository interface {
	Load(ctx context.Context) (map[string]ai.ExitPlan, error)
	Save(ctx context.Context, symbol string, plan ai.ExitPlan) error
	Delete(ctx context.Context, symbol string) error
}

// 结算资产优先级。
var settlementAssets = []string{"USDT", "USDC", "USD"}

// ExchangeBackendConfig 控制真实交易所后端。
type ExchangeBackendConfig struct {
	CacheTTL time.Duration
	Leverage int
	TakerFee decimal.Decimal
	Model    position.LiquidationModel
	// Plans 为空时退出计划只保存在内存中。
	Plans ExitPlanRepository
}

// ExchangeBackend 通过 ccxt 在 USDⓈ-M 合约上执行订单。
type ExchangeBackend struct {
	client  tradingClient
	retrier *exchange.Retrier
	cfg     ExchangeBackendConfig
	logger  *zap.Logger
	now     func() time.Time

	mu             sync.Mutex
	cache          accountCache
	initialBalance decimal.Decimal
	exitPlans      exitPlanBook
	plansRestored  bool
	leverages      map[string]int
}

type accountCache struct {
	balance   AccountBalance
	positions []position.Position
	fetchedAt time.Time
	valid     bool
}

// NewExchangeBackend 创建真实交易所执行后端。
func NewExchangeBackend(client tradingClient, retrier *exchange.Retrier, cfg ExchangeBackendConfig, logger *zap.Logger) *ExchangeBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	if retrier == nil {
		retrier = exchange.NewRetrier(config.RetryConfig{MaxAttempts: 3}, logger)
	}
	if cfg.Model == nil {
		cfg.Model = position.NewTieredModel(nil)
	}
	if cfg.Leverage <= 0 {
		cfg.Leverage = defaultMockLeverage
	}
	return &ExchangeBackend{
		client:    client,
		retrier:   retrier,
		cfg:       cfg,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		exitPlans: make(exitPlanBook),
		leverages: make(map[string]int),
	}
}

// GetOpenPositions 实现 Backend。
func (b *ExchangeBackend) GetOpenPositions(ctx context.Context) ([]position.Position, error) {
	cache, err := b.load(ctx)
	if err != nil {
		return nil, err
	}
	return append([]position.Position(nil), cache.positions...), nil
}

// GetAccountBalance 实现 Backend。
func (b *ExchangeBackend) GetAccountBalance(ctx context.Context) (AccountBalance, error) {
	cache, err := b.load(ctx)
	if err != nil {
		return AccountBalance{}, err
	}
	return cache.balance, nil
}

// InitialBalance 实现 BaselineProvider，返回首次观察到的钱包余额。
func (b *ExchangeBackend) InitialBalance(ctx context.Context) (decimal.Decimal, error) {
	if _, err := b.load(ctx); err != nil {
		return decimal.Zero, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.initialBalance, nil
}

// Refresh 实现 Refresher。
func (b *ExchangeBackend) Refresh(ctx context.Context) error {
	b.invalidate()
	_, err := b.load(ctx)
	return err
}

// UpdatePositionPnL 实现 Backend，交易所自行结算盈亏，这里只刷新缓存中的估值。
func (b *ExchangeBackend) UpdatePositionPnL(ctx context.Context, symbol string, price decimal.Decimal) error {
	if _, err := b.load(ctx); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.cache.positions {
		if b.cache.positions[i].Symbol == symbol {
			b.cache.positions[i].Mark(price)
			return nil
		}
	}
	return fmt.Errorf("execution: 更新 %s 盈亏: %w", symbol, ErrPositionNotFound)
}

// ExitPlan 实现 ExitPlanStore。
func (b *ExchangeBackend) ExitPlan(symbol string) (ai.ExitPlan, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exitPlans.get(symbol)
}

// ExecuteOrder 实现 Backend。
func (b *ExchangeBackend) ExecuteOrder(ctx context.Context, decision ai.Decision, price decimal.Decimal) (Result, error) {
	result := Result{
		Action:    decision.Action,
		Symbol:    decision.Symbol,
		Price:     price,
		Timestamp: b.now(),
	}

	switch decision.Action {
	case ai.ActionHold:
		result.Status = StatusSkipped
		result.Reason = ReasonHold
		return result, nil
	case ai.ActionClosePosition:
		return b.ClosePosition(ctx, decision.Symbol, price)
	case ai.ActionBuy, ai.ActionSell:
	default:
		err := fmt.Errorf("execution: 未知动作 %q: %w", decision.Action, ErrInvalidDecision)
		result.Status = StatusFailed
		result.Error = err.Error()
		return result, err
	}

	qty := decision.QuantityValue()
	if decision.Symbol == "" || qty <= 0 || !price.IsPositive() {
		err := fmt.Errorf("execution: symbol/quantity/price 无效: %w", ErrInvalidDecision)
		result.Status = StatusFailed
		result.Error = err.Error()
		return result, err
	}

	side := position.SideLong
	if decision.Action == ai.ActionSell {
		side = position.SideShort
	}
	leverage := decision.Leverage
	if leverage == 0 {
		leverage = b.cfg.Leverage
	}
	result.Side = side
	result.Quantity = decimal.NewFromFloat(qty)

	positions, err := b.GetOpenPositions(ctx)
	if err != nil {
		result.Status = StatusFailed
		result.Error = err.Error()
		return result, err
	}
	for _, p := range positions {
		if p.Symbol != decision.Symbol {
			continue
		}
		closed, err := b.ClosePosition(ctx, decision.Symbol, price)
		if err != nil {
			result.Status = StatusFailed
			result.Error = fmt.Sprintf("平掉原有持仓失败: %s", err)
			return result, err
		}
		result.Closed = closed.Closed
	}

	if err := b.ensureLeverage(ctx, decision.Symbol, leverage); err != nil {
		result.Status = StatusFailed
		result.Error = err.Error()
		return result, err
	}

	if err := b.submit(ctx, decision.Symbol, strings.ToLower(side.OrderSide()), qty, nil); err != nil {
		result.Status = StatusFailed
		result.Error = err.Error()
		return result, err
	}

	estimate, err := position.Open(decision.Symbol, side, price, result.Quantity, leverage, b.cfg.Model, result.Timestamp)
	if err == nil {
		result.Position = &estimate
	}
	result.Fee = price.Mul(result.Quantity).Mul(b.cfg.TakerFee)
	result.Status = StatusSuccess

	b.mu.Lock()
	b.exitPlans.set(decision.Symbol, decision.ExitPlan)
	b.mu.Unlock()
	b.persistPlan(ctx, decision.Symbol, decision.ExitPlan)
	return result, nil
}

// ClosePosition 实现 Backend，以 reduceOnly 市价单平仓。
func (b *ExchangeBackend) ClosePosition(ctx context.Context, symbol string, price decimal.Decimal) (Result, error) {
	result := Result{
		Action:    ai.ActionClosePosition,
		Symbol:    symbol,
		Price:     price,
		Timestamp: b.now(),
	}

	positions, err := b.GetOpenPositions(ctx)
	if err != nil {
		result.Status = StatusFailed
		result.Error = err.Error()
		return result, err
	}

	var target *position.Position
	for i := range positions {
		if positions[i].Symbol == symbol {
			target = &positions[i]
			break
		}
	}
	if target == nil {
		err := fmt.Errorf("execution: 平仓 %s: %w", symbol, ErrPositionNotFound)
		result.Status = StatusFailed
		result.Error = err.Error()
		return result, err
	}

	params := map[string]interface{}{"reduceOnly": true}
	side := strings.ToLower(target.Side.CloseOrderSide())
	if err := b.submit(ctx, symbol, side, target.Quantity.InexactFloat64(), params); err != nil {
		result.Status = StatusFailed
		result.Error = err.Error()
		return result, err
	}

	exit := price
	if !exit.IsPositive() {
		exit = target.MarkPrice
	}
	report := settle(*target, exit, b.cfg.TakerFee, result.Timestamp)

	b.mu.Lock()
	delete(b.exitPlans, symbol)
	b.mu.Unlock()
	b.persistPlan(ctx, symbol, nil)

	result.Status = StatusSuccess
	result.Side = target.Side
	result.Quantity = target.Quantity
	result.Fee = report.Fee
	result.Closed = &report

	b.logger.Info("平仓完成",
		zap.String("symbol", symbol),
		zap.String("side", string(target.Side)),
		zap.String("estimated_final_pnl", report.FinalPnL.StringFixed(4)),
	)
	return result, nil
}

// ensureLeverage 在开仓前把交易对杠杆设置为决策杠杆，已设置过的相同杠杆不再重复请求。
func (b *ExchangeBackend) ensureLeverage(ctx context.Context, symbol string, leverage int) error {
	b.mu.Lock()
	current, ok := b.leverages[symbol]
	b.mu.Unlock()
	if ok && current == leverage {
		return nil
	}

	market := exchange.MarketSymbol(symbol)
	err := b.retrier.Do(ctx, "set_leverage_"+symbol, func() error {
		_, err := b.client.SetLeverage(int64(leverage), ccxt.WithSetLeverageSymbol(market))
		return err
	})
	if err != nil {
		cause := ErrBackendUnavailable
		if errors.Is(err, exchange.ErrOrderRejected) {
			cause = ErrInvalidDecision
		}
		return fmt.Errorf("execution: 设置 %s 杠杆 %dx 失败: %w: %w", symbol, leverage, cause, err)
	}

	b.mu.Lock()
	b.leverages[symbol] = leverage
	b.mu.Unlock()
	b.logger.Info("已设置杠杆", zap.String("symbol", market), zap.Int("leverage", leverage))
	return nil
}

// persistPlan 同步退出计划到仓库，失败只记录告警，不影响已成交的订单。
func (b *ExchangeBackend) persistPlan(ctx context.Context, symbol string, plan *ai.ExitPlan) {
	if b.cfg.Plans == nil {
		return
	}
	var err error
	if plan == nil {
		err = b.cfg.Plans.Delete(ctx, symbol)
	} else {
		err = b.cfg.Plans.Save(ctx, symbol, *plan)
	}
	if err != nil {
		b.logger.Warn("同步退出计划失败", zap.String("symbol", symbol), zap.Error(err))
	}
}

// restorePlans 首次加载账户时从仓库恢复退出计划。没有对应持仓的计划被清理，
// 没有计划的持仓记录告警，这些持仓不会被自动止损止盈。
func (b *ExchangeBackend) restorePlans(ctx context.Context, positions []position.Position) {
	b.mu.Lock()
	if b.plansRestored {
		b.mu.Unlock()
		return
	}
	b.plansRestored = true
	b.mu.Unlock()

	var stored map[string]ai.ExitPlan
	if b.cfg.Plans != nil {
		loaded, err := b.cfg.Plans.Load(ctx)
		if err != nil {
			b.logger.Warn("恢复退出计划失败", zap.Error(err))
		}
		stored = loaded
	}

	open := make(map[string]bool, len(positions))
	b.mu.Lock()
	for _, p := range positions {
		open[p.Symbol] = true
		if plan, ok := stored[p.Symbol]; ok {
			b.exitPlans[p.Symbol] = plan
			continue
		}
		if _, ok := b.exitPlans[p.Symbol]; !ok {
			b.logger.Warn("持仓缺少退出计划，止损止盈不会自动执行", zap.String("symbol", p.Symbol))
		}
	}
	b.mu.Unlock()

	for symbol := range stored {
		if !open[symbol] {
			b.persistPlan(ctx, symbol, nil)
		}
	}
	if len(stored) > 0 {
		b.logger.Info("已恢复退出计划", zap.Int("plans", len(stored)))
	}
}

// submit 提交市价单，成功后立即使账户缓存失效。
func (b *ExchangeBackend) submit(ctx context.Context, symbol, side string, amount float64, params map[string]interface{}) error {
	market := exchange.MarketSymbol(symbol)
	err := b.retrier.Do(ctx, "create_market_order_"+symbol, func() error {
		var opts []ccxt.CreateMarketOrderOptions
		if len(params) > 0 {
			opts = append(opts, ccxt.WithCreateMarketOrderParams(params))
		}
		_, err := b.client.CreateMarketOrder(market, side, amount, opts...)
		return err
	})
	b.invalidate()
	if err != nil {
		cause := ErrBackendUnavailable
		switch {
		case errors.Is(err, exchange.ErrInsufficientFunds):
			cause = ErrInsufficientBalance
		case errors.Is(err, exchange.ErrOrderRejected):
			cause = ErrInvalidDecision
		}
		return fmt.Errorf("execution: 下单失败 %s %s %.8f: %w: %w", symbol, side, amount, cause, err)
	}

	b.logger.Info("交易所下单成功",
		zap.String("symbol", market),
		zap.String("side", side),
		zap.Float64("amount", amount),
	)
	return nil
}

func (b *ExchangeBackend) invalidate() {
	b.mu.Lock()
	b.cache.valid = false
	b.mu.Unlock()
}

// load 返回账户缓存，超过 TTL 时重新拉取。
func (b *ExchangeBackend) load(ctx context.Context) (accountCache, error) {
	b.mu.Lock()
	if b.cache.valid && b.now().Sub(b.cache.fetchedAt) < b.cfg.CacheTTL {
		cache := b.cache
		b.mu.Unlock()
		return cache, nil
	}
	b.mu.Unlock()

	var balances ccxt.Balances
	if err := b.retrier.Do(ctx, "fetch_balance", func() error {
		var err error
		balances, err = b.client.FetchBalance()
		return err
	}); err != nil {
		return accountCache{}, fmt.Errorf("execution: 获取账户余额失败: %w: %w", ErrBackendUnavailable, err)
	}

	var rawPositions []ccxt.Position
	if err := b.retrier.Do(ctx, "fetch_positions", func() error {
		var err error
		rawPositions, err = b.client.FetchPositions()
		return err
	}); err != nil {
		return accountCache{}, fmt.Errorf("execution: 获取持仓失败: %w: %w", ErrBackendUnavailable, err)
	}

	positions := b.convertPositions(rawPositions)
	balance := convertBalance(balances, positions)

	b.mu.Lock()
	b.cache = accountCache{
		balance:   balance,
		positions: positions,
		fetchedAt: b.now(),
		valid:     true,
	}
	if b.initialBalance.IsZero() && balance.Total.IsPositive() {
		b.initialBalance = balance.Total
		b.logger.Info("记录初始账户余额", zap.String("initial_balance", balance.Total.String()))
	}
	cache := b.cache
	b.mu.Unlock()

	b.restorePlans(ctx, positions)
	return cache, nil
}

func (b *ExchangeBackend) convertPositions(raw []ccxt.Position) []position.Position {
	positions := make([]position.Position, 0, len(raw))
	for _, rawPos := range raw {
		symbol := exchange.PlainSymbol(derefString(rawPos.Symbol))
		size := math.Abs(derefFloat(rawPos.Contracts))
		if symbol == "" || size == 0 {
			continue
		}

		side, err := position.ParseSide(derefString(rawPos.Side))
		if err != nil {
			side = position.SideLong
			if derefFloat(rawPos.Contracts) < 0 {
				side = position.SideShort
			}
		}

		leverage := int(math.Round(derefFloat(rawPos.Leverage)))
		if leverage <= 0 {
			leverage = b.cfg.Leverage
		}
		entry := derefFloat(rawPos.EntryPrice)
		if entry <= 0 {
			continue
		}

		p, err := position.Open(symbol, side, decimal.NewFromFloat(entry), decimal.NewFromFloat(size), leverage, b.cfg.Model, b.now())
		if err != nil {
			b.logger.Warn("忽略无法解析的持仓", zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		// 交易所给出的强平价优先，本地模型仅作兜底。
		if liq := derefFloat(rawPos.LiquidationPrice); liq > 0 {
			p.LiquidationPrice = decimal.NewFromFloat(liq)
		}
		if collateral := derefFloat(rawPos.Collateral); collateral > 0 {
			p.Margin = decimal.NewFromFloat(collateral)
		}

		mark := derefFloat(rawPos.MarkPrice)
		if mark <= 0 && rawPos.Info != nil {
			mark = parseNumeric(rawPos.Info["markPrice"])
		}
		if mark > 0 {
			p.Mark(decimal.NewFromFloat(mark))
		}
		positions = append(positions, p)
	}
	return positions
}

func convertBalance(balances ccxt.Balances, positions []position.Position) AccountBalance {
	var total, free float64
	for _, code := range settlementAssets {
		if v, ok := balances.Total[code]; ok && v != nil && total == 0 {
			total = *v
		}
		if v, ok := balances.Free[code]; ok && v != nil && free == 0 {
			free = *v
		}
	}
	if total == 0 && balances.Info != nil {
		total = parseNumeric(balances.Info["totalWalletBalance"])
	}
	if free == 0 && balances.Info != nil {
		free = parseNumeric(balances.Info["availableBalance"])
	}

	margin := decimal.Zero
	unrealized := decimal.Zero
	for _, p := range positions {
		margin = margin.Add(p.Margin)
		unrealized = unrealized.Add(p.UnrealizedPnL)
	}

	wallet := decimal.NewFromFloat(total)
	equity := wallet.Add(unrealized)
	ratio := decimal.Zero
	if equity.IsPositive() {
		ratio = margin.Div(equity).Mul(hundred)
	}
	return AccountBalance{
		Available:     decimal.NewFromFloat(free),
		Total:         wallet,
		Margin:        margin,
		UnrealizedPnL: unrealized,
		Equity:        equity,
		MarginRatio:   ratio,
	}
}

func derefFloat(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func parseNumeric(value interface{}) float64 {
	switch v := value.(type) {
	case nil:
		return 0
	case float64:
		return v
	case *float64:
		if v != nil {
			return *v
		}
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	}
	return 0
}
