package ai

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidDecision 表示决策结构不合法。
var ErrInvalidDecision = errors.New("invalid decision")

// Action 表示决策动作。
type Action string

const (
	ActionBuy           Action = "BUY"
	ActionSell          Action = "SELL"
	ActionHold          Action = "HOLD"
	ActionClosePosition Action = "CLOSE_POSITION"
)

// ParseAction 将字符串解析为 Action，大小写不敏感。
func ParseAction(raw string) (Action, error) {
	action := Action(strings.ToUpper(strings.TrimSpace(raw)))
	switch action {
	case ActionBuy, ActionSell, ActionHold, ActionClosePosition:
		return action, nil
	default:
		return "", fmt.Errorf("%w: action 取值非法: %q", ErrInvalidDecision, raw)
	}
}

// Opens 报告该动作是否会建立新仓位。
func (a Action) Opens() bool {
	switch a {
	case ActionBuy, ActionSell:
		return true
	case ActionHold, ActionClosePosition:
		return false
	default:
		return false
	}
}

// UnmarshalJSON 兼容模型输出的大小写差异，未知取值留给 Validate 拒绝，避免一条坏决策拖垮整批解析。
func (a *Action) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: action 必须为字符串", ErrInvalidDecision)
	}
	*a = Action(strings.ToUpper(strings.TrimSpace(raw)))
	return nil
}

// ExitPlan 描述止盈止损与失效条件。
type ExitPlan struct {
	TakeProfit             *float64 `json:"take_profit,omitempty"`
	StopLoss               *float64 `json:"stop_loss,omitempty"`
	InvalidationConditions string   `json:"invalidation_conditions"`
}

// Decision 表示大模型返回的交易指令，创建后不再修改。
type Decision struct {
	Action     Action    `json:"action"`
	Symbol     string    `json:"symbol"`
	Quantity   *float64  `json:"quantity,omitempty"`
	Leverage   int       `json:"leverage,omitempty"`
	Confidence float64   `json:"confidence"`
	Rationale  string    `json:"rationale"`
	ExitPlan   *ExitPlan `json:"exit_plan,omitempty"`
}

// QuantityValue 返回数量，未设置时为 0。
func (d Decision) QuantityValue() float64 {
	if d.Quantity == nil {
		return 0
	}
	return *d.Quantity
}

// StopLoss 返回止损价。
func (d Decision) StopLoss() (float64, bool) {
	if d.ExitPlan == nil || d.ExitPlan.StopLoss == nil {
		return 0, false
	}
	return *d.ExitPlan.StopLoss, true
}

// TakeProfit 返回止盈价。
func (d Decision) TakeProfit() (float64, bool) {
	if d.ExitPlan == nil || d.ExitPlan.TakeProfit == nil {
		return 0, false
	}
	return *d.ExitPlan.TakeProfit, true
}

// WithQuantity 返回替换数量后的副本。
func (d Decision) WithQuantity(qty float64) Decision {
	d.Quantity = &qty
	return d
}

// Validate 仅做结构校验，业务规则由风控闸门负责。
func (d Decision) Validate() error {
	switch d.Action {
	case ActionBuy, ActionSell, ActionClosePosition:
		if strings.TrimSpace(d.Symbol) == "" {
			return fmt.Errorf("%w: symbol 不能为空", ErrInvalidDecision)
		}
	case ActionHold:
	default:
		return fmt.Errorf("%w: action 取值非法: %q", ErrInvalidDecision, d.Action)
	}

	if d.Confidence < 0 || d.Confidence > 1 {
		return fmt.Errorf("%w: confidence 必须在 [0,1] 区间，目前为 %f", ErrInvalidDecision, d.Confidence)
	}
	if d.Quantity != nil && *d.Quantity < 0 {
		return fmt.Errorf("%w: quantity 不能为负", ErrInvalidDecision)
	}
	if d.Leverage < 0 {
		return fmt.Errorf("%w: leverage 不能为负", ErrInvalidDecision)
	}

	return nil
}

// DecisionEnvelope 用于解析多资产决策列表。
type DecisionEnvelope struct {
	Decisions []Decision `json:"decisions"`
}

// Float 便于构造可选价格字段。
func Float(v float64) *float64 {
	return &v
}
