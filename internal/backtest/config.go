package backtest

import (
	"vibe-trader/internal/config"
)

// Config 定义回测参数。
type Config struct {
	Symbols        []string               // 回放的交易对，顺序决定提示词中的行情顺序
	Window         int                    // 每步提供给指标与决策的K线数量
	PeriodsPerYear float64                // 年化夏普使用的周期数，3分钟K线约为 175200
	Execution      config.ExecutionConfig // 模拟撮合参数
	Risk           config.RiskConfig      // 风控参数
	EnforceExit    bool                   // 是否执行保存的止损止盈
}

func (c *Config) normalize() Config {
	cfg := *c
	if cfg.Window <= 0 {
		cfg.Window = 100
	}
	if cfg.PeriodsPerYear <= 0 {
		cfg.PeriodsPerYear = 24 * 365
	}
	if cfg.Execution.InitialBalance <= 0 {
		cfg.Execution.InitialBalance = 10000
	}
	return cfg
}
