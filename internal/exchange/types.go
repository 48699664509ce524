package exchange

import "time"

// Candle 代表单根K线。
type Candle struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// MarketSnapshot 为单个交易对的行情快照，Price 取最新一根K线的收盘价。
type MarketSnapshot struct {
	Symbol      string
	Candles     []Candle
	Price       float64
	RetrievedAt time.Time
}

// NewMarketSnapshot 用K线序列构造快照。
func NewMarketSnapshot(symbol string, candles []Candle, at time.Time) MarketSnapshot {
	snap := MarketSnapshot{Symbol: symbol, Candles: candles, RetrievedAt: at}
	if latest, ok := snap.Latest(); ok {
		snap.Price = latest.Close
	}
	return snap
}

// Latest 返回最新一根K线。
func (s MarketSnapshot) Latest() (Candle, bool) {
	if len(s.Candles) == 0 {
		return Candle{}, false
	}
	return s.Candles[len(s.Candles)-1], true
}

// SnapshotRequest 控制一次快照采集的参数。
type SnapshotRequest struct {
	Symbols     []string
	Timeframe   string
	CandleLimit int
}

// DefaultSnapshotRequest 返回默认快照参数：3 分钟K线，回看 100 根。
func DefaultSnapshotRequest() SnapshotRequest {
	return SnapshotRequest{Timeframe: "3m", CandleLimit: 100}
}
