package indicator

import (
	"fmt"
	"math"

	talib "github.com/markcheno/go-talib"

	"vibe-trader/internal/exchange"
)

const (
	defaultATRPeriod = 14
	rsiPeriod        = 14
	emaFast          = 12
	emaSlow          = 26
	macdSignal       = 9
)

// Result 为一个交易对的指标摘要，写入提示词并供风控调仓使用。
type Result struct {
	Close         float64 `json:"close"`
	EMA12         float64 `json:"ema12"`
	EMA26         float64 `json:"ema26"`
	MACDHistogram float64 `json:"macd_histogram"`
	RSI           float64 `json:"rsi"`
	ATR           float64 `json:"atr"`
	// ATRRelative 为 ATR/收盘价，即相对波动率。
	ATRRelative float64 `json:"atr_relative"`
}

// Calculator 计算技术指标。
type Calculator struct {
	atrPeriod int
}

// NewCalculator 创建 Calculator，atrPeriod<=0 时使用 14。
func NewCalculator(atrPeriod int) *Calculator {
	if atrPeriod <= 0 {
		atrPeriod = defaultATRPeriod
	}
	return &Calculator{atrPeriod: atrPeriod}
}

// Compute 计算常用指标；K线不足的指标记为 0。
func (c *Calculator) Compute(candles []exchange.Candle) (Result, error) {
	if len(candles) == 0 {
		return Result{}, fmt.Errorf("indicator: 输入K线为空")
	}

	series := NewSeries(candles)
	closes := series.Close
	n := series.Len()

	result := Result{Close: Last(closes)}
	if n > emaFast {
		result.EMA12 = finite(Last(talib.Ema(closes, emaFast)))
	}
	if n > emaSlow {
		result.EMA26 = finite(Last(talib.Ema(closes, emaSlow)))
	}
	if n > emaSlow+macdSignal {
		_, _, hist := talib.Macd(closes, emaFast, emaSlow, macdSignal)
		result.MACDHistogram = finite(Last(hist))
	}
	if n > rsiPeriod {
		result.RSI = finite(Last(talib.Rsi(closes, rsiPeriod)))
	}
	result.ATR = c.atr(series)
	result.ATRRelative = SafeDivide(result.ATR, result.Close)
	return result, nil
}

// RelativeATR 返回 ATR/最新收盘价，K线不足一个周期时返回 0。
func (c *Calculator) RelativeATR(candles []exchange.Candle) float64 {
	if len(candles) == 0 {
		return 0
	}
	series := NewSeries(candles)
	return SafeDivide(c.atr(series), Last(series.Close))
}

func (c *Calculator) atr(series Series) float64 {
	if series.Len() <= c.atrPeriod {
		return 0
	}
	return finite(Last(talib.Atr(series.High, series.Low, series.Close, c.atrPeriod)))
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
