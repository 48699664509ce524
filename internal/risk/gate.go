package risk

import (
	"fmt"
	"strings"

	"vibe-trader/internal/ai"
	"vibe-trader/internal/config"
)

// Gate 是订单到达执行后端前的最后一道确定性检查，不持有可变状态。
type Gate struct {
	cfg     config.RiskConfig
	allowed map[string]struct{}
}

// NewGate 根据风控配置创建闸门。
func NewGate(cfg config.RiskConfig) *Gate {
	allowed := make(map[string]struct{}, len(cfg.AllowedSymbols))
	for _, symbol := range cfg.AllowedSymbols {
		symbol = normalizeSymbol(symbol)
		if symbol != "" {
			allowed[symbol] = struct{}{}
		}
	}
	return &Gate{cfg: cfg, allowed: allowed}
}

// Config 返回闸门使用的配置。
func (g *Gate) Config() config.RiskConfig {
	return g.cfg
}

// Validate 返回 (是否通过, 原因)，通过时原因为 "OK"。
func (g *Gate) Validate(decision ai.Decision, accountValue float64, openPositions int, currentPrice float64) (bool, string) {
	v := g.Evaluate(decision, accountValue, openPositions, currentPrice)
	return v.Passed, v.Reason
}

// Evaluate 按固定顺序检查规则，第一条失败的规则决定结论。
func (g *Gate) Evaluate(decision ai.Decision, accountValue float64, openPositions int, currentPrice float64) Verdict {
	switch decision.Action {
	case ai.ActionHold, ai.ActionClosePosition:
		return pass()
	case ai.ActionBuy, ai.ActionSell:
	default:
		return reject(RuleInvalidDecision, fmt.Sprintf("unknown action %q", decision.Action))
	}

	if decision.Confidence < g.cfg.MinConfidence {
		return reject(RuleConfidence, fmt.Sprintf("%s: %.2f < %.2f", ReasonConfidenceTooLow, decision.Confidence, g.cfg.MinConfidence))
	}

	if v := g.checkSize(decision, accountValue, currentPrice); !v.Passed {
		return v
	}

	if decision.Action == ai.ActionBuy && openPositions >= g.cfg.MaxOpenPositions {
		return reject(RuleMaxPositions, fmt.Sprintf("%s: %d >= %d", ReasonMaxPositionsReached, openPositions, g.cfg.MaxOpenPositions))
	}

	stop, ok := decision.StopLoss()
	if !ok {
		return reject(RuleStopLoss, ReasonMissingStopLoss)
	}
	if (decision.Action == ai.ActionBuy && stop >= currentPrice) ||
		(decision.Action == ai.ActionSell && stop <= currentPrice) {
		return reject(RuleStopLossSide, fmt.Sprintf("%s: %s stop %.8g vs price %.8g", ReasonStopLossWrongSide, decision.Action, stop, currentPrice))
	}

	if decision.ExitPlan == nil || strings.TrimSpace(decision.ExitPlan.InvalidationConditions) == "" {
		return reject(RuleInvalidation, ReasonMissingInvalidation)
	}

	if len(g.allowed) > 0 {
		if _, ok := g.allowed[normalizeSymbol(decision.Symbol)]; !ok {
			return reject(RuleSymbol, fmt.Sprintf("%s: %s", ReasonSymbolNotAllowed, decision.Symbol))
		}
	}

	return pass()
}

func (g *Gate) checkSize(decision ai.Decision, accountValue, currentPrice float64) Verdict {
	if decision.Quantity == nil || *decision.Quantity <= 0 {
		return reject(RuleQuantity, ReasonInvalidQuantity)
	}
	if currentPrice <= 0 {
		return reject(RulePositionSize, ReasonPositionTooLarge+": current price unavailable")
	}
	if accountValue <= 0 {
		return reject(RulePositionSize, ReasonPositionTooLarge+": account value must be positive")
	}

	ratio := *decision.Quantity * currentPrice / accountValue
	if ratio > g.cfg.MaxPositionSizePct {
		return reject(RulePositionSize, fmt.Sprintf("%s: %.2f%% > %.2f%%", ReasonPositionTooLarge, ratio*100, g.cfg.MaxPositionSizePct*100))
	}
	return pass()
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
