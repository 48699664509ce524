package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vibe-trader/internal/ai"
	"vibe-trader/internal/config"
)

func defaultRiskConfig(t *testing.T) config.RiskConfig {
	t.Helper()
	cfg, err := config.Default()
	require.NoError(t, err)
	return cfg.Risk
}

func order(action ai.Action, symbol string, qty, stop float64) ai.Decision {
	return ai.Decision{
		Action:     action,
		Symbol:     symbol,
		Quantity:   ai.Float(qty),
		Confidence: 0.8,
		ExitPlan: &ai.ExitPlan{
			StopLoss:               ai.Float(stop),
			InvalidationConditions: "4h close below EMA20",
		},
	}
}

func TestGateRejectsLowConfidence(t *testing.T) {
	g := NewGate(defaultRiskConfig(t))

	d := order(ai.ActionBuy, "BTCUSDT", 0.01, 49000)
	d.Confidence = 0.6

	ok, reason := g.Validate(d, 10000, 0, 50000)
	assert.False(t, ok)
	assert.Contains(t, reason, "confidence")
}

func TestGateStopLossSide(t *testing.T) {
	g := NewGate(defaultRiskConfig(t))

	ok, reason := g.Validate(order(ai.ActionBuy, "BTCUSDT", 0.01, 51000), 10000, 0, 50000)
	assert.False(t, ok)
	assert.Contains(t, reason, ReasonStopLossWrongSide)

	ok, reason = g.Validate(order(ai.ActionBuy, "BTCUSDT", 0.01, 50000), 10000, 0, 50000)
	assert.False(t, ok)
	assert.Contains(t, reason, ReasonStopLossWrongSide)

	ok, reason = g.Validate(order(ai.ActionBuy, "BTCUSDT", 0.01, 49000), 10000, 0, 50000)
	assert.True(t, ok)
	assert.Equal(t, ReasonOK, reason)

	ok, _ = g.Validate(order(ai.ActionSell, "BTCUSDT", 0.01, 49000), 10000, 0, 50000)
	assert.False(t, ok)

	ok, _ = g.Validate(order(ai.ActionSell, "BTCUSDT", 0.01, 51000), 10000, 0, 50000)
	assert.True(t, ok)
}

func TestGateRules(t *testing.T) {
	noStop := order(ai.ActionBuy, "BTCUSDT", 0.01, 0)
	noStop.ExitPlan.StopLoss = nil

	noPlan := order(ai.ActionBuy, "BTCUSDT", 0.01, 0)
	noPlan.ExitPlan = nil

	blankInvalidation := order(ai.ActionSell, "BTCUSDT", 0.01, 51000)
	blankInvalidation.ExitPlan.InvalidationConditions = "   "

	noQty := order(ai.ActionBuy, "BTCUSDT", 0, 49000)
	noQty.Quantity = nil

	lowConfidenceNoStop := noStop
	lowConfidenceNoStop.Confidence = 0.1

	cases := []struct {
		name      string
		decision  ai.Decision
		account   float64
		positions int
		price     float64
		rule      Rule
		reason    string
	}{
		{"hold always passes", ai.Decision{Action: ai.ActionHold}, 0, 99, 0, RuleNone, ReasonOK},
		{"close always passes", ai.Decision{Action: ai.ActionClosePosition, Symbol: "BTCUSDT"}, 0, 99, 0, RuleNone, ReasonOK},
		{"unknown action", ai.Decision{Action: "SHORT"}, 10000, 0, 50000, RuleInvalidDecision, "unknown action"},
		{"confidence checked first", lowConfidenceNoStop, 10000, 0, 50000, RuleConfidence, ReasonConfidenceTooLow},
		{"quantity missing", noQty, 10000, 0, 50000, RuleQuantity, ReasonInvalidQuantity},
		{"quantity zero", order(ai.ActionBuy, "BTCUSDT", 0, 49000), 10000, 0, 50000, RuleQuantity, ReasonInvalidQuantity},
		{"position too large", order(ai.ActionBuy, "BTCUSDT", 0.1, 49000), 10000, 0, 50000, RulePositionSize, ReasonPositionTooLarge},
		{"position at limit", order(ai.ActionBuy, "BTCUSDT", 0.04, 49000), 10000, 0, 50000, RuleNone, ReasonOK},
		{"zero account value", order(ai.ActionBuy, "BTCUSDT", 0.01, 49000), 0, 0, 50000, RulePositionSize, ReasonPositionTooLarge},
		{"zero price", order(ai.ActionBuy, "BTCUSDT", 0.01, 49000), 10000, 0, 0, RulePositionSize, ReasonPositionTooLarge},
		{"max positions for buy", order(ai.ActionBuy, "BTCUSDT", 0.01, 49000), 10000, 3, 50000, RuleMaxPositions, ReasonMaxPositionsReached},
		{"max positions ignored for sell", order(ai.ActionSell, "BTCUSDT", 0.01, 51000), 10000, 3, 50000, RuleNone, ReasonOK},
		{"size checked before position count", order(ai.ActionBuy, "BTCUSDT", 1, 49000), 10000, 3, 50000, RulePositionSize, ReasonPositionTooLarge},
		{"missing stop loss", noStop, 10000, 0, 50000, RuleStopLoss, ReasonMissingStopLoss},
		{"missing exit plan", noPlan, 10000, 0, 50000, RuleStopLoss, ReasonMissingStopLoss},
		{"blank invalidation", blankInvalidation, 10000, 0, 50000, RuleInvalidation, ReasonMissingInvalidation},
		{"symbol not allowed", order(ai.ActionBuy, "PEPEUSDT", 0.01, 49000), 10000, 0, 50000, RuleSymbol, ReasonSymbolNotAllowed},
		{"symbol case insensitive", order(ai.ActionBuy, "btcusdt", 0.01, 49000), 10000, 0, 50000, RuleNone, ReasonOK},
	}

	g := NewGate(defaultRiskConfig(t))
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := g.Evaluate(tc.decision, tc.account, tc.positions, tc.price)
			assert.Equal(t, tc.rule == RuleNone, v.Passed)
			assert.Equal(t, tc.rule, v.Rule)
			assert.Contains(t, v.Reason, tc.reason)
		})
	}
}

func TestGateWithoutAllowList(t *testing.T) {
	cfg := defaultRiskConfig(t)
	cfg.AllowedSymbols = nil
	g := NewGate(cfg)

	ok, _ := g.Validate(order(ai.ActionBuy, "PEPEUSDT", 1000, 0.000009), 10000, 0, 0.00001)
	assert.True(t, ok)
}

func TestGateIsDeterministic(t *testing.T) {
	g := NewGate(defaultRiskConfig(t))
	d := order(ai.ActionBuy, "ETHUSDT", 2, 2900)

	ok1, reason1 := g.Validate(d, 10000, 1, 3000)
	ok2, reason2 := g.Validate(d, 10000, 1, 3000)
	assert.Equal(t, ok1, ok2)
	assert.Equal(t, reason1, reason2)
	assert.False(t, ok1)
}
