package position

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side 表示持仓方向。
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// ParseSide 解析持仓方向，大小写不敏感。
func ParseSide(raw string) (Side, error) {
	switch Side(strings.ToUpper(strings.TrimSpace(raw))) {
	case SideLong:
		return SideLong, nil
	case SideShort:
		return SideShort, nil
	default:
		return "", fmt.Errorf("position: 未知持仓方向 %q", raw)
	}
}

// OrderSide 返回开仓所用的委托方向。
func (s Side) OrderSide() string {
	switch s {
	case SideLong:
		return "BUY"
	case SideShort:
		return "SELL"
	default:
		return ""
	}
}

// CloseOrderSide 返回平仓所用的委托方向。
func (s Side) CloseOrderSide() string {
	switch s {
	case SideLong:
		return "SELL"
	case SideShort:
		return "BUY"
	default:
		return ""
	}
}

// 盈亏平衡价相对开仓价的偏移，覆盖开平两次 taker 手续费。
var breakEvenOffset = decimal.RequireFromString("0.0008")

var (
	hundred = decimal.NewFromInt(100)
	one     = decimal.NewFromInt(1)
)

// ErrInvalidLeverage 表示杠杆倍数非法。
var ErrInvalidLeverage = errors.New("position: 杠杆倍数必须大于等于1")

// Valuation 是按标记价重新计算出的一组派生字段。
type Valuation struct {
	MarkPrice      decimal.Decimal
	UnrealizedPnL  decimal.Decimal
	NotionalValue  decimal.Decimal
	ROIPercent     decimal.Decimal
	BreakEvenPrice decimal.Decimal
	MarginRatio    decimal.Decimal
}

// Position 表示一个逐仓永续合约仓位。
type Position struct {
	Symbol           string
	Side             Side
	EntryPrice       decimal.Decimal
	Quantity         decimal.Decimal
	Leverage         int
	EntryTime        time.Time
	Margin           decimal.Decimal
	LiquidationPrice decimal.Decimal
	Valuation
}

// CalculateMargin 计算逐仓保证金 entry*qty/leverage。
func CalculateMargin(entry, qty decimal.Decimal, leverage int) (decimal.Decimal, error) {
	if leverage < 1 {
		return decimal.Zero, ErrInvalidLeverage
	}
	return entry.Mul(qty).Div(decimal.NewFromInt(int64(leverage))), nil
}

// PnL 计算按价格 price 结算时的盈亏，未实现与已实现共用同一公式。
func PnL(side Side, entry, price, qty decimal.Decimal) decimal.Decimal {
	switch side {
	case SideLong:
		return price.Sub(entry).Mul(qty)
	case SideShort:
		return entry.Sub(price).Mul(qty)
	default:
		return decimal.Zero
	}
}

// BreakEvenPrice 返回覆盖双边手续费的盈亏平衡价。
func BreakEvenPrice(side Side, entry decimal.Decimal) decimal.Decimal {
	switch side {
	case SideLong:
		return entry.Mul(one.Add(breakEvenOffset))
	case SideShort:
		return entry.Mul(one.Sub(breakEvenOffset))
	default:
		return entry
	}
}

// Open 按开仓参数构造仓位并填充全部派生字段。
func Open(symbol string, side Side, entry, qty decimal.Decimal, leverage int, model LiquidationModel, ts time.Time) (Position, error) {
	if symbol == "" {
		return Position{}, errors.New("position: symbol 不能为空")
	}
	if side != SideLong && side != SideShort {
		return Position{}, fmt.Errorf("position: 未知持仓方向 %q", side)
	}
	if !entry.IsPositive() || !qty.IsPositive() {
		return Position{}, errors.New("position: 价格与数量必须为正")
	}

	p := Position{
		Symbol:     symbol,
		Side:       side,
		EntryPrice: entry,
		Quantity:   qty,
		Leverage:   leverage,
		EntryTime:  ts,
	}
	if err := p.Recompute(model); err != nil {
		return Position{}, err
	}
	p.Mark(entry)
	return p, nil
}

// Recompute 根据开仓参数重建保证金与强平价。
func (p *Position) Recompute(model LiquidationModel) error {
	margin, err := CalculateMargin(p.EntryPrice, p.Quantity, p.Leverage)
	if err != nil {
		return err
	}
	p.Margin = margin
	if model == nil {
		model = DefaultModel()
	}
	p.LiquidationPrice = model.LiquidationPrice(*p)
	return nil
}

// Valuate 以标记价计算派生字段，不修改仓位。
func Valuate(p Position, mark decimal.Decimal) Valuation {
	pnl := PnL(p.Side, p.EntryPrice, mark, p.Quantity)
	roi := decimal.Zero
	if p.Margin.IsPositive() {
		roi = pnl.Div(p.Margin).Mul(hundred)
	}
	return Valuation{
		MarkPrice:      mark,
		UnrealizedPnL:  pnl,
		NotionalValue:  p.Quantity.Mul(mark),
		ROIPercent:     roi,
		BreakEvenPrice: BreakEvenPrice(p.Side, p.EntryPrice),
		MarginRatio:    decimal.Zero,
	}
}

// Mark 以新标记价整体替换派生字段。
func (p *Position) Mark(mark decimal.Decimal) {
	p.Valuation = Valuate(*p, mark)
}

// Crossed 判断价格是否已触及强平价。
func Crossed(p Position, price decimal.Decimal) bool {
	if !p.LiquidationPrice.IsPositive() {
		return false
	}
	switch p.Side {
	case SideLong:
		return price.LessThanOrEqual(p.LiquidationPrice)
	case SideShort:
		return price.GreaterThanOrEqual(p.LiquidationPrice)
	default:
		return false
	}
}

// Summarize 生成精简视图。
func (p Position) Summarize(now time.Time) Summary {
	minutes := 0.0
	if !p.EntryTime.IsZero() && now.After(p.EntryTime) {
		minutes = now.Sub(p.EntryTime).Minutes()
	}
	return Summary{
		Symbol:           p.Symbol,
		Side:             p.Side,
		Quantity:         p.Quantity.InexactFloat64(),
		EntryPrice:       p.EntryPrice.InexactFloat64(),
		MarkPrice:        p.MarkPrice.InexactFloat64(),
		Leverage:         p.Leverage,
		LiquidationPrice: p.LiquidationPrice.InexactFloat64(),
		UnrealizedPnL:    p.UnrealizedPnL.InexactFloat64(),
		ROIPercent:       p.ROIPercent.InexactFloat64(),
		HoldingMinutes:   minutes,
	}
}
