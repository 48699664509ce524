package indicator

import (
	"math"

	"vibe-trader/internal/exchange"
)

// Series 将K线拆分为便于 talib 计算的序列，按时间升序。
type Series struct {
	High  []float64
	Low   []float64
	Close []float64
}

// NewSeries 从交易所K线创建 Series。
func NewSeries(candles []exchange.Candle) Series {
	series := Series{
		High:  make([]float64, len(candles)),
		Low:   make([]float64, len(candles)),
		Close: make([]float64, len(candles)),
	}
	for i, c := range candles {
		series.High[i] = c.High
		series.Low[i] = c.Low
		series.Close[i] = c.Close
	}
	return series
}

// Len 返回序列长度。
func (s Series) Len() int {
	return len(s.Close)
}

// Last 返回最后一个值，为空时返回 NaN。
func Last(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	return values[len(values)-1]
}

// SafeDivide 除数为 0 或结果非有限数时返回 0。
func SafeDivide(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	v := a / b
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
