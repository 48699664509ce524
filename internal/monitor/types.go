package monitor

import (
	"time"

	"vibe-trader/internal/ai"
	"vibe-trader/internal/execution"
	"vibe-trader/internal/position"
	"vibe-trader/internal/risk"
)

// EventType 表示监控事件类型。
type EventType string

const (
	EventDecision      EventType = "decision"
	EventRiskRejection EventType = "risk_rejection"
	EventExecution     EventType = "execution"
	EventLiquidation   EventType = "liquidation"
	EventExitTrigger   EventType = "exit_trigger"
	EventAccount       EventType = "account"
	EventError         EventType = "error"
)

// Event 封装通用监控事件。
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// DecisionPayload 记录模型决策及当时的价格。
type DecisionPayload struct {
	Decision ai.Decision `json:"decision"`
	Price    float64     `json:"price"`
}

// RiskRejectionPayload 记录被风控拒绝的决策。
type RiskRejectionPayload struct {
	Decision ai.Decision `json:"decision"`
	Rule     risk.Rule   `json:"rule"`
	Reason   string      `json:"reason"`
}

// ExecutionPayload 记录执行结果。
type ExecutionPayload struct {
	Status   execution.Status `json:"status"`
	Action   ai.Action        `json:"action"`
	Symbol   string           `json:"symbol"`
	Side     position.Side    `json:"side,omitempty"`
	Quantity float64          `json:"quantity"`
	Price    float64          `json:"price"`
	Fee      float64          `json:"fee"`
	OrderID  string           `json:"order_id,omitempty"`
	FinalPnL *float64         `json:"final_pnl,omitempty"`
	Reason   string           `json:"reason,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// NewExecutionPayload 把执行结果转为可序列化的视图。
func NewExecutionPayload(r execution.Result) ExecutionPayload {
	p := ExecutionPayload{
		Status:   r.Status,
		Action:   r.Action,
		Symbol:   r.Symbol,
		Side:     r.Side,
		Quantity: r.Quantity.InexactFloat64(),
		Price:    r.Price.InexactFloat64(),
		Fee:      r.Fee.InexactFloat64(),
		OrderID:  r.OrderID,
		Reason:   r.Reason,
		Error:    r.Error,
	}
	if r.Closed != nil {
		pnl := r.Closed.FinalPnL.InexactFloat64()
		p.FinalPnL = &pnl
	}
	return p
}

// LiquidationPayload 记录强制平仓。
type LiquidationPayload struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
}

// AccountPayload 追踪账户、组合风险与日度状态。
type AccountPayload struct {
	AvailableBalance float64            `json:"available_balance"`
	TotalEquity      float64            `json:"total_equity"`
	UnrealizedPnL    float64            `json:"unrealized_pnl"`
	InitialBalance   float64            `json:"initial_balance"`
	Positions        []position.Summary `json:"positions"`
	Metrics          risk.Metrics       `json:"metrics"`
	Daily            risk.DailyStatus   `json:"daily"`
}

// NewAccountPayload 组装账户事件。
func NewAccountPayload(state execution.AccountState, metrics risk.Metrics, daily risk.DailyStatus) AccountPayload {
	summaries := make([]position.Summary, 0, len(state.Positions))
	for _, p := range state.Positions {
		summaries = append(summaries, p.Summarize(state.UpdatedAt))
	}
	return AccountPayload{
		AvailableBalance: state.AvailableBalance.InexactFloat64(),
		TotalEquity:      state.TotalEquity.InexactFloat64(),
		UnrealizedPnL:    state.UnrealizedPnL.InexactFloat64(),
		InitialBalance:   state.InitialBalance.InexactFloat64(),
		Positions:        summaries,
		Metrics:          metrics,
		Daily:            daily,
	}
}

// ErrorPayload 记录异常。
type ErrorPayload struct {
	Message string                 `json:"message"`
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}
