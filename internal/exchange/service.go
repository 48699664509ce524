package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const maxConcurrentFetches = 4

type candleSource interface {
	FetchCandles(ctx context.Context, symbol, timeframe string, limit int64) ([]Candle, error)
}

type lastPriceSource interface {
	FetchLastPrice(ctx context.Context, symbol string) (float64, error)
}

// MarketDataService 并发拉取多个交易对的行情快照。
type MarketDataService struct {
	client candleSource
	logger *zap.Logger
}

// NewMarketDataService 创建市场数据服务。
func NewMarketDataService(client candleSource, logger *zap.Logger) *MarketDataService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MarketDataService{
		client: client,
		logger: logger,
	}
}

// GetSnapshots 拉取所有交易对的K线，最新收盘价作为当前价格。任一交易对失败则整体失败。
func (s *MarketDataService) GetSnapshots(ctx context.Context, req SnapshotRequest) (map[string]MarketSnapshot, error) {
	defaultReq := DefaultSnapshotRequest()
	if req.Timeframe == "" {
		req.Timeframe = defaultReq.Timeframe
	}
	if req.CandleLimit <= 0 {
		req.CandleLimit = defaultReq.CandleLimit
	}
	if len(req.Symbols) == 0 {
		return nil, errors.New("exchange: 未指定交易对")
	}

	var mu sync.Mutex
	snapshots := make(map[string]MarketSnapshot, len(req.Symbols))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(maxConcurrentFetches)

	for _, symbol := range req.Symbols {
		group.Go(func() error {
			candles, err := s.client.FetchCandles(groupCtx, symbol, req.Timeframe, int64(req.CandleLimit))
			if err != nil {
				return err
			}
			if len(candles) == 0 {
				return fmt.Errorf("exchange: %s 没有返回K线", symbol)
			}

			snapshot := NewMarketSnapshot(symbol, candles, time.Now().UTC())

			mu.Lock()
			snapshots[symbol] = snapshot
			mu.Unlock()
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}

	s.logger.Debug("市场数据快照获取完成",
		zap.Int("symbols", len(snapshots)),
		zap.String("timeframe", req.Timeframe),
	)

	return snapshots, nil
}

// LatestPrice 返回下单前的最新价格。客户端支持 ticker 时直接查询，否则取最新一根K线的收盘价。
func (s *MarketDataService) LatestPrice(ctx context.Context, symbol string) (float64, error) {
	if src, ok := s.client.(lastPriceSource); ok {
		return src.FetchLastPrice(ctx, symbol)
	}

	candles, err := s.client.FetchCandles(ctx, symbol, DefaultSnapshotRequest().Timeframe, 1)
	if err != nil {
		return 0, err
	}
	latest, ok := NewMarketSnapshot(symbol, candles, time.Time{}).Latest()
	if !ok || latest.Close <= 0 {
		return 0, fmt.Errorf("exchange: %s 没有可用的最新价", symbol)
	}
	return latest.Close, nil
}
