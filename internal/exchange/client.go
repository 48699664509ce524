package exchange

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"

	"vibe-trader/internal/config"
)

type ohlcvFetcher func(symbol, timeframe string, limit int64) ([]ccxt.OHLCV, error)

type tickerFetcher func(symbol string) (ccxt.Ticker, error)

// Client 负责从交易所拉取行情并实现重试机制。
type Client struct {
	logger  *zap.Logger
	retrier *Retrier
	raw     *ccxt.Binanceusdm

	fetchOHLCV  ohlcvFetcher
	fetchTicker tickerFetcher
	loadMarkets func() error

	marketsMu     sync.Mutex
	marketsLoaded bool
}

// NewClient 构造 Binance USDⓈ-M 客户端。
func NewClient(cfg config.ExchangeConfig, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	userConfig := map[string]interface{}{
		"enableRateLimit": true,
		"options": map[string]interface{}{
			"adjustForTimeDifference": true,
			"defaultType":             "future",
		},
	}

	if cfg.APIKey != "" {
		userConfig["apiKey"] = cfg.APIKey
	}
	if cfg.APISecret != "" {
		userConfig["secret"] = cfg.APISecret
	}
	if cfg.APIPass != "" {
		userConfig["password"] = cfg.APIPass
	}

	ex := ccxt.NewBinanceusdm(userConfig)
	if cfg.UseSandbox {
		ex.SetSandboxMode(true)
	}

	client := newClient(NewRetrier(cfg.Retry, logger), logger,
		func(symbol, timeframe string, limit int64) ([]ccxt.OHLCV, error) {
			return ex.FetchOHLCV(
				symbol,
				ccxt.WithFetchOHLCVTimeframe(timeframe),
				ccxt.WithFetchOHLCVLimit(limit),
			)
		},
		func() error {
			_, err := ex.LoadMarkets()
			return err
		},
	)
	client.fetchTicker = func(symbol string) (ccxt.Ticker, error) {
		return ex.FetchTicker(symbol)
	}
	client.raw = ex
	return client, nil
}

func newClient(retrier *Retrier, logger *zap.Logger, fetch ohlcvFetcher, load func() error) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		logger:      logger,
		retrier:     retrier,
		fetchOHLCV:  fetch,
		loadMarkets: load,
	}
}

// TradingAPI 是下单后端使用的 ccxt 接口。USDⓈ-M 客户端上的 SetLeverage 只有异步签名，
// 这里改由共享同一 core 的 Binance 客户端提供。
type TradingAPI struct {
	*ccxt.Binanceusdm
	typed *ccxt.Binance
}

// SetLeverage 设置交易对杠杆。
func (t TradingAPI) SetLeverage(leverage int64, options ...ccxt.SetLeverageOptions) (map[string]interface{}, error) {
	return t.typed.SetLeverage(leverage, options...)
}

// Trading 返回复用当前连接的交易接口。
func (c *Client) Trading() TradingAPI {
	return TradingAPI{
		Binanceusdm: c.raw,
		typed:       ccxt.NewBinanceFromCore(&c.raw.BinanceCore),
	}
}

// Retrier 返回客户端使用的重试器。
func (c *Client) Retrier() *Retrier {
	return c.retrier
}

// FetchCandles 获取指定交易对与周期的K线数据，symbol 可为 BTCUSDT 形式。
func (c *Client) FetchCandles(ctx context.Context, symbol, timeframe string, limit int64) ([]Candle, error) {
	if limit <= 0 {
		limit = 1
	}
	market := MarketSymbol(symbol)

	var raw []ccxt.OHLCV
	err := c.retrier.Do(ctx, fmt.Sprintf("fetch_ohlcv_%s_%s", symbol, timeframe), func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}

		result, err := c.fetchOHLCV(market, timeframe, limit)
		if err != nil {
			return err
		}

		raw = result
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("exchange: 获取 %s K线失败: %w", symbol, err)
	}

	candles := make([]Candle, 0, len(raw))
	for _, item := range raw {
		candles = append(candles, Candle{
			Timestamp: time.UnixMilli(item.Timestamp).UTC(),
			Open:      item.Open,
			High:      item.High,
			Low:       item.Low,
			Close:     item.Close,
			Volume:    item.Volume,
		})
	}

	return candles, nil
}

// FetchLastPrice 获取最新成交价，ticker 缺少成交价时退回收盘价。
func (c *Client) FetchLastPrice(ctx context.Context, symbol string) (float64, error) {
	if c.fetchTicker == nil {
		return 0, fmt.Errorf("exchange: 客户端不支持 ticker 查询")
	}
	market := MarketSymbol(symbol)

	var ticker ccxt.Ticker
	err := c.retrier.Do(ctx, "fetch_ticker_"+symbol, func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}
		result, err := c.fetchTicker(market)
		if err != nil {
			return err
		}
		ticker = result
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("exchange: 获取 %s 最新价失败: %w", symbol, err)
	}

	for _, candidate := range []*float64{ticker.Last, ticker.Close} {
		if candidate != nil && *candidate > 0 {
			return *candidate, nil
		}
	}
	return 0, fmt.Errorf("exchange: %s ticker 没有有效价格", symbol)
}

func (c *Client) ensureMarketsLoaded(ctx context.Context) error {
	c.marketsMu.Lock()
	defer c.marketsMu.Unlock()

	if c.marketsLoaded || c.loadMarkets == nil {
		return nil
	}

	if err := c.loadMarkets(); err != nil {
		return err
	}

	c.marketsLoaded = true
	c.logger.Info("已完成市场元数据加载")
	return nil
}

// MarketSymbol 将 BTCUSDT 转换为 ccxt 永续合约符号 BTC/USDT:USDT，已是 ccxt 格式时原样返回。
func MarketSymbol(symbol string) string {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if strings.Contains(symbol, "/") {
		return symbol
	}
	for _, quote := range []string{"USDT", "USDC"} {
		if base := strings.TrimSuffix(symbol, quote); base != symbol && base != "" {
			return base + "/" + quote + ":" + quote
		}
	}
	return symbol
}

// PlainSymbol 将 ccxt 符号还原为 BTCUSDT 形式。
func PlainSymbol(market string) string {
	market = strings.ToUpper(strings.TrimSpace(market))
	if idx := strings.Index(market, ":"); idx >= 0 {
		market = market[:idx]
	}
	return strings.ReplaceAll(market, "/", "")
}
