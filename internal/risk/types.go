package risk

// Rule 标识风控闸门中的一条规则。
type Rule string

const (
	RuleNone            Rule = ""
	RuleConfidence      Rule = "confidence"
	RuleQuantity        Rule = "quantity"
	RulePositionSize    Rule = "position_size"
	RuleMaxPositions    Rule = "max_positions"
	RuleStopLoss        Rule = "stop_loss"
	RuleStopLossSide    Rule = "stop_loss_side"
	RuleInvalidation    Rule = "invalidation"
	RuleSymbol          Rule = "symbol"
	RuleDailyLossLimit  Rule = "daily_loss_limit"
	RuleInvalidDecision Rule = "invalid_decision"
)

// 拒绝原因的固定前缀，调用方可按前缀归类。
const (
	ReasonOK                    = "OK"
	ReasonConfidenceTooLow      = "confidence too low"
	ReasonInvalidQuantity       = "invalid quantity"
	ReasonPositionTooLarge      = "position too large"
	ReasonMaxPositionsReached   = "max positions reached"
	ReasonMissingStopLoss       = "missing stop loss"
	ReasonStopLossWrongSide     = "stop loss on wrong side"
	ReasonMissingInvalidation   = "missing invalidation condition"
	ReasonSymbolNotAllowed      = "symbol not allowed"
	ReasonDailyLossLimitReached = "daily loss limit reached"
)

// Verdict 是一次风控检查的结论。
type Verdict struct {
	Passed bool
	Rule   Rule
	Reason string
}

func pass() Verdict {
	return Verdict{Passed: true, Reason: ReasonOK}
}

func reject(rule Rule, reason string) Verdict {
	return Verdict{Rule: rule, Reason: reason}
}

// DailyStatus 表示当日风控状态。
type DailyStatus struct {
	TradingDate   string  `json:"trading_date"`
	StartEquity   float64 `json:"start_equity"`
	CurrentEquity float64 `json:"current_equity"`
	LossPercent   float64 `json:"loss_percent"`
	Halted        bool    `json:"halted"`
}

// Metrics 汇总组合层面的风险暴露。
type Metrics struct {
	TotalPositions     int     `json:"total_positions"`
	TotalExposure      float64 `json:"total_exposure"`
	ExposurePct        float64 `json:"exposure_pct"`
	TotalUnrealizedPnL float64 `json:"total_unrealized_pnl"`
	UnrealizedPnLPct   float64 `json:"unrealized_pnl_pct"`
}
