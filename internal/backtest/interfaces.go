package backtest

import (
	"context"

	"vibe-trader/internal/exchange"
)

// SnapshotProvider 按时间顺序提供各交易对的行情快照。
type SnapshotProvider interface {
	Next(ctx context.Context) (map[string]exchange.MarketSnapshot, bool, error)
}
