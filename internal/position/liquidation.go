package position

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// LiquidationModel 计算仓位强平价。
type LiquidationModel interface {
	Name() string
	LiquidationPrice(p Position) decimal.Decimal
}

// ModelByName 按名称返回强平模型。
func ModelByName(name string) (LiquidationModel, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "simplified":
		return DefaultModel(), nil
	case "tiered":
		return NewTieredModel(nil), nil
	default:
		return nil, fmt.Errorf("position: 未知强平模型 %q", name)
	}
}

// DefaultModel 返回模拟盘默认使用的简化模型。
func DefaultModel() SimplifiedModel {
	return SimplifiedModel{Factor: decimal.RequireFromString("0.9")}
}

// SimplifiedModel 以固定比例估算强平价：保证金亏损 Factor 时触发。
type SimplifiedModel struct {
	Factor decimal.Decimal
}

// Name 实现 LiquidationModel。
func (SimplifiedModel) Name() string { return "simplified" }

// LiquidationPrice 多头 entry*(1-f/lev)，空头 entry*(1+f/lev)。
func (m SimplifiedModel) LiquidationPrice(p Position) decimal.Decimal {
	if p.Leverage < 1 {
		return decimal.Zero
	}
	move := m.Factor.Div(decimal.NewFromInt(int64(p.Leverage)))
	switch p.Side {
	case SideLong:
		return clampZero(p.EntryPrice.Mul(one.Sub(move)))
	case SideShort:
		return p.EntryPrice.Mul(one.Add(move))
	default:
		return decimal.Zero
	}
}

// MaintenanceBracket 是按名义价值分档的维持保证金参数。
type MaintenanceBracket struct {
	MaxNotional decimal.Decimal
	Rate        decimal.Decimal
	Amount      decimal.Decimal
}

// DefaultBrackets 为 USDⓈ-M BTCUSDT 的维持保证金档位，最后一档上限为零表示无上限。
func DefaultBrackets() []MaintenanceBracket {
	return []MaintenanceBracket{
		bracket("50000", "0.004", "0"),
		bracket("250000", "0.005", "50"),
		bracket("1000000", "0.01", "1300"),
		bracket("10000000", "0.025", "16300"),
		bracket("20000000", "0.05", "266300"),
		bracket("50000000", "0.1", "1266300"),
		bracket("100000000", "0.125", "2516300"),
		bracket("0", "0.15", "5016300"),
	}
}

func bracket(maxNotional, rate, amount string) MaintenanceBracket {
	return MaintenanceBracket{
		MaxNotional: decimal.RequireFromString(maxNotional),
		Rate:        decimal.RequireFromString(rate),
		Amount:      decimal.RequireFromString(amount),
	}
}

// TieredModel 按维持保证金档位计算逐仓强平价。
type TieredModel struct {
	brackets []MaintenanceBracket
}

// NewTieredModel 创建分档模型，brackets 为空时使用默认档位。
func NewTieredModel(brackets []MaintenanceBracket) TieredModel {
	if len(brackets) == 0 {
		brackets = DefaultBrackets()
	}
	return TieredModel{brackets: brackets}
}

// Name 实现 LiquidationModel。
func (TieredModel) Name() string { return "tiered" }

// Bracket 返回名义价值所在档位。
func (m TieredModel) Bracket(notional decimal.Decimal) MaintenanceBracket {
	for _, b := range m.brackets {
		if b.MaxNotional.IsZero() || notional.LessThanOrEqual(b.MaxNotional) {
			return b
		}
	}
	return m.brackets[len(m.brackets)-1]
}

// LiquidationPrice 计算 (W ∓ amount) / (|qty|*(1 ∓ mmr))，
// 其中 W = qty*entry ∓ margin，上符号对应多头。
func (m TieredModel) LiquidationPrice(p Position) decimal.Decimal {
	qty := p.Quantity.Abs()
	if !qty.IsPositive() {
		return decimal.Zero
	}
	margin := p.Margin
	if margin.IsZero() {
		var err error
		if margin, err = CalculateMargin(p.EntryPrice, qty, p.Leverage); err != nil {
			return decimal.Zero
		}
	}

	notional := qty.Mul(p.EntryPrice)
	b := m.Bracket(notional)

	switch p.Side {
	case SideLong:
		wallet := notional.Sub(margin)
		return clampZero(wallet.Sub(b.Amount).Div(qty.Mul(one.Sub(b.Rate))))
	case SideShort:
		wallet := notional.Add(margin)
		return wallet.Add(b.Amount).Div(qty.Mul(one.Add(b.Rate)))
	default:
		return decimal.Zero
	}
}

func clampZero(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	return v
}
