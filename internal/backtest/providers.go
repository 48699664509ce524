package backtest

import (
	"context"
	"errors"
	"fmt"

	"vibe-trader/internal/ai"
	"vibe-trader/internal/exchange"
)

// CandleReplay 按索引对齐多个交易对的K线，每步滑动一根。
type CandleReplay struct {
	series map[string][]exchange.Candle
	window int
	length int
	index  int
}

// NewCandleReplay 创建K线回放，所有交易对的K线数量必须一致。
func NewCandleReplay(series map[string][]exchange.Candle, window int) (*CandleReplay, error) {
	if len(series) == 0 {
		return nil, errors.New("backtest: 没有可回放的K线")
	}
	if window <= 0 {
		window = 1
	}
	length := -1
	for symbol, candles := range series {
		if length == -1 {
			length = len(candles)
		}
		if len(candles) != length {
			return nil, fmt.Errorf("backtest: %s K线数量 %d 与其他交易对 %d 不一致", symbol, len(candles), length)
		}
	}
	if length < window {
		return nil, fmt.Errorf("backtest: K线数量 %d 少于窗口 %d", length, window)
	}
	return &CandleReplay{series: series, window: window, length: length, index: window}, nil
}

// Steps 返回回放总步数。
func (p *CandleReplay) Steps() int {
	return p.length - p.window + 1
}

// Next 实现 SnapshotProvider。
func (p *CandleReplay) Next(ctx context.Context) (map[string]exchange.MarketSnapshot, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if p.index > p.length {
		return nil, false, nil
	}

	out := make(map[string]exchange.MarketSnapshot, len(p.series))
	for symbol, candles := range p.series {
		window := candles[p.index-p.window : p.index]
		out[symbol] = exchange.NewMarketSnapshot(symbol, window, window[len(window)-1].Timestamp)
	}
	p.index++
	return out, true, nil
}

// DecisionFunc 允许使用函数作为决策来源。
type DecisionFunc func(ctx context.Context, pc ai.PromptContext) ([]ai.Decision, error)

// Decide 实现 ai.Source。
func (f DecisionFunc) Decide(ctx context.Context, pc ai.PromptContext) ([]ai.Decision, error) {
	if f == nil {
		return nil, errors.New("backtest: 决策函数未实现")
	}
	return f(ctx, pc)
}
