package execution

import (
	"context"

	"github.com/shopspring/decimal"

	"vibe-trader/internal/ai"
	"vibe-trader/internal/position"
)

// Backend 抽象执行后端，模拟盘与真实交易所均实现该接口。
type Backend interface {
	GetOpenPositions(ctx context.Context) ([]position.Position, error)
	GetAccountBalance(ctx context.Context) (AccountBalance, error)
	ExecuteOrder(ctx context.Context, decision ai.Decision, price decimal.Decimal) (Result, error)
	ClosePosition(ctx context.Context, symbol string, price decimal.Decimal) (Result, error)
	UpdatePositionPnL(ctx context.Context, symbol string, price decimal.Decimal) error
}

// Refresher 由带缓存的后端实现，用于强制刷新账户数据。
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Liquidator 由需要本地判定强平的后端实现。
type Liquidator interface {
	CheckLiquidation(symbol string, price decimal.Decimal) bool
}

// BaselineProvider 提供首次观察到的账户余额。
type BaselineProvider interface {
	InitialBalance(ctx context.Context) (decimal.Decimal, error)
}

// StatisticsProvider 提供交易统计。
type StatisticsProvider interface {
	Statistics() Statistics
}

// ExitPlanStore 提供按交易对保存的退出计划。
type ExitPlanStore interface {
	ExitPlan(symbol string) (ai.ExitPlan, bool)
}

// Snapshotter 由可持久化状态的后端实现。
type Snapshotter interface {
	Snapshot() Snapshot
	Restore(s Snapshot) error
}

var (
	_ Backend       = (*MockEngine)(nil)
	_ Liquidator    = (*MockEngine)(nil)
	_ Snapshotter   = (*MockEngine)(nil)
	_ ExitPlanStore = (*MockEngine)(nil)
	_ Backend       = (*ExchangeBackend)(nil)
	_ Refresher     = (*ExchangeBackend)(nil)
	_ ExitPlanStore = (*ExchangeBackend)(nil)
)

// exitPlanBook 保存各交易对的退出计划。
type exitPlanBook map[string]ai.ExitPlan

func (b exitPlanBook) set(symbol string, plan *ai.ExitPlan) {
	if plan == nil {
		delete(b, symbol)
		return
	}
	b[symbol] = *plan
}

func (b exitPlanBook) get(symbol string) (ai.ExitPlan, bool) {
	plan, ok := b[symbol]
	return plan, ok
}
