package risk

import (
	"math"

	"vibe-trader/internal/ai"
	"vibe-trader/internal/position"
)

// AdjustPositionSize 把开仓数量压到仓位上限以内，高波动时再按比例缩减。
// volatility 为相对波动率（ATR/价格），<=0 表示未知。第二个返回值表示数量是否被修改。
func (g *Gate) AdjustPositionSize(decision ai.Decision, accountValue, currentPrice, volatility float64) (ai.Decision, bool) {
	if !decision.Action.Opens() || decision.Quantity == nil || *decision.Quantity <= 0 {
		return decision, false
	}
	if accountValue <= 0 || currentPrice <= 0 {
		return decision, false
	}

	original := *decision.Quantity
	adjusted := original

	if limit := g.cfg.MaxPositionSizePct * accountValue / currentPrice; adjusted > limit {
		adjusted = limit
	}
	if volatility > 0 && g.cfg.HighVolatilityThreshold > 0 && volatility > g.cfg.HighVolatilityThreshold {
		scale := g.cfg.VolatilityScale
		if scale <= 0 || scale > 1 {
			scale = 1
		}
		adjusted *= scale
	}

	if math.Abs(adjusted-original) < 1e-12 {
		return decision, false
	}
	return decision.WithQuantity(adjusted), true
}

// ComputeMetrics 计算当前持仓的风险暴露，账户价值非正时比例为 0。
func ComputeMetrics(positions []position.Position, accountValue float64) Metrics {
	m := Metrics{TotalPositions: len(positions)}
	for _, p := range positions {
		m.TotalExposure += math.Abs(p.NotionalValue.InexactFloat64())
		m.TotalUnrealizedPnL += p.UnrealizedPnL.InexactFloat64()
	}
	if accountValue > 0 {
		m.ExposurePct = m.TotalExposure / accountValue
		m.UnrealizedPnLPct = m.TotalUnrealizedPnL / accountValue
	}
	return m
}
