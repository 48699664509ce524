package ai

import (
	"bytes"
	"encoding/json"
	"fmt"
	"text/template"
	"time"

	"vibe-trader/internal/indicator"
	"vibe-trader/internal/position"
)

const decisionTemplate = `你是一名加密货币永续合约交易员，基于以下数据为每个交易对给出决策。

时间: {{ .Timestamp.Format "2006-01-02 15:04:05" }} UTC

账户:
- 可用余额: {{ printf "%.2f" .Account.AvailableBalance }} USDT
- 账户净值: {{ printf "%.2f" .Account.TotalEquity }} USDT
- 累计收益率: {{ printf "%.2f" .Account.ReturnPct }}%
{{- if .Account.Positions }}
当前持仓:
{{- range .Account.Positions }}
- {{ .Symbol }} {{ .Side }} 数量 {{ .Quantity }} 开仓价 {{ .EntryPrice }} 标记价 {{ .MarkPrice }} 杠杆 {{ .Leverage }}x 强平价 {{ printf "%.4f" .LiquidationPrice }} 浮盈 {{ printf "%.2f" .UnrealizedPnL }} ({{ printf "%.2f" .ROIPercent }}%)
{{- end }}
{{- else }}
当前无持仓。
{{- end }}

行情:
{{ .MarketsJSON }}

约束:
1. 单笔名义价值不超过净值的 {{ printf "%.0f" (pct .Limits.MaxPositionSizePct) }}%，最多同时持有 {{ .Limits.MaxOpenPositions }} 个仓位；
2. confidence 低于 {{ printf "%.2f" .Limits.MinConfidence }} 的开仓会被拒绝；
3. 开仓必须给出止损（BUY 低于现价，SELL 高于现价）和失效条件；
4. 已有持仓的交易对如需离场，使用 CLOSE_POSITION。

只输出一个 JSON 对象:
{
  "decisions": [
    {
      "action": "BUY|SELL|HOLD|CLOSE_POSITION",
      "symbol": "BTCUSDT",
      "quantity": 0.01,
      "leverage": 10,
      "confidence": 0.8,
      "rationale": "...",
      "exit_plan": {"take_profit": 0, "stop_loss": 0, "invalidation_conditions": "..."}
    }
  ]
}
`

var tmpl = template.Must(template.New("decision").Funcs(template.FuncMap{
	"pct": func(v float64) float64 { return v * 100 },
}).Parse(decisionTemplate))

// AccountView 为提示词中的账户信息。
type AccountView struct {
	AvailableBalance float64
	TotalEquity      float64
	ReturnPct        float64
	Positions        []position.Summary
}

// MarketView 为单个交易对的行情摘要。
type MarketView struct {
	Symbol     string           `json:"symbol"`
	Price      float64          `json:"price"`
	Indicators indicator.Result `json:"indicators"`
}

// Limits 把风控参数告知模型，减少被拒绝的决策。
type Limits struct {
	MaxPositionSizePct float64
	MaxOpenPositions   int
	MinConfidence      float64
}

// PromptContext 用于渲染提示词。
type PromptContext struct {
	Timestamp   time.Time
	Account     AccountView
	Markets     []MarketView
	Limits      Limits
	MarketsJSON string
}

// BuildPrompt 渲染提示词。
func BuildPrompt(pc PromptContext) (string, error) {
	markets, err := json.MarshalIndent(pc.Markets, "", "  ")
	if err != nil {
		return "", fmt.Errorf("序列化行情失败: %w", err)
	}
	pc.MarketsJSON = string(markets)
	if pc.Timestamp.IsZero() {
		pc.Timestamp = time.Now().UTC()
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, pc); err != nil {
		return "", fmt.Errorf("渲染提示词失败: %w", err)
	}
	return buf.String(), nil
}
