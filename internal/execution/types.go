package execution

import (
	"time"

	"github.com/shopspring/decimal"

	"vibe-trader/internal/ai"
	"vibe-trader/internal/position"
)

// Status 表示执行结果状态。
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
	StatusSkipped Status = "SKIPPED"
)

// 跳过或平仓的原因。
const (
	ReasonHold           = "hold"
	ReasonPriceDeviation = "price_deviation"
	ReasonStopLoss       = "stop_loss"
	ReasonTakeProfit     = "take_profit"
)

// OrderStatus 表示成交记录状态。
type OrderStatus string

const (
	OrderStatusFilled    OrderStatus = "FILLED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

// Order 为只追加的成交审计记录。
type Order struct {
	ID        string
	Symbol    string
	Side      string
	Type      string
	Quantity  decimal.Decimal
	Price     decimal.Decimal
	Fee       decimal.Decimal
	Status    OrderStatus
	Timestamp time.Time
}

// CloseReport 描述一次平仓的结算明细。
type CloseReport struct {
	Symbol      string
	Side        position.Side
	Quantity    decimal.Decimal
	EntryPrice  decimal.Decimal
	ExitPrice   decimal.Decimal
	RealizedPnL decimal.Decimal
	Fee         decimal.Decimal
	FinalPnL    decimal.Decimal
	Timestamp   time.Time
}

// Result 为一次执行的结果。
type Result struct {
	Status    Status
	Action    ai.Action
	Symbol    string
	Side      position.Side
	Quantity  decimal.Decimal
	Price     decimal.Decimal
	Fee       decimal.Decimal
	OrderID   string
	Position  *position.Position
	Closed    *CloseReport
	Reason    string
	Error     string
	Timestamp time.Time
}

// OK 报告执行是否成功。
func (r Result) OK() bool {
	return r.Status == StatusSuccess
}

// AccountBalance 描述账户资金。
type AccountBalance struct {
	Available     decimal.Decimal
	Total         decimal.Decimal
	Margin        decimal.Decimal
	UnrealizedPnL decimal.Decimal
	Equity        decimal.Decimal
	MarginRatio   decimal.Decimal
}

// AccountState 是提供给决策与风控的账户视图。
type AccountState struct {
	AvailableBalance decimal.Decimal
	TotalBalance     decimal.Decimal
	TotalEquity      decimal.Decimal
	UnrealizedPnL    decimal.Decimal
	InitialBalance   decimal.Decimal
	Positions        []position.Position
	UpdatedAt        time.Time
}

// PositionCount 返回持仓数量。
func (s AccountState) PositionCount() int {
	return len(s.Positions)
}

// Position 查找指定交易对的持仓。
func (s AccountState) Position(symbol string) (position.Position, bool) {
	for _, p := range s.Positions {
		if p.Symbol == symbol {
			return p, true
		}
	}
	return position.Position{}, false
}

// Statistics 汇总模拟盘的交易统计。
type Statistics struct {
	InitialBalance   decimal.Decimal
	CurrentBalance   decimal.Decimal
	TotalEquity      decimal.Decimal
	TotalReturnPct   decimal.Decimal
	TotalTrades      int
	WinningTrades    int
	LosingTrades     int
	WinRatePct       decimal.Decimal
	TotalRealizedPnL decimal.Decimal
	TotalFees        decimal.Decimal
	OpenPositions    int
}
