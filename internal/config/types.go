package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// 执行平台。
const (
	PlatformMock     = "mock"
	PlatformExchange = "exchange"
)

// 强平价格模型。
const (
	LiquidationSimplified = "simplified"
	LiquidationTiered     = "tiered"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Exchange  ExchangeConfig  `mapstructure:"exchange"`
	Trading   TradingConfig   `mapstructure:"trading"`
	OpenAI    OpenAIConfig    `mapstructure:"openai"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// ExchangeConfig 描述交易所连接信息。
type ExchangeConfig struct {
	Name        string      `mapstructure:"name"`
	APIKey      string      `mapstructure:"api_key"`
	APISecret   string      `mapstructure:"api_secret"`
	APIPass     string      `mapstructure:"api_password"`
	UseSandbox  bool        `mapstructure:"use_sandbox"`
	Timeframe   string      `mapstructure:"timeframe"`
	CandleLimit int         `mapstructure:"candle_limit"`
	Retry       RetryConfig `mapstructure:"retry"`
}

// RetryConfig 统一控制重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// TradingConfig 描述交易标的。
type TradingConfig struct {
	Symbols []string `mapstructure:"symbols"`
}

// OpenAIConfig 描述大模型调用参数。
type OpenAIConfig struct {
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Temperature float32       `mapstructure:"temperature"`
}

// RiskConfig 管理风控参数，加载后不再修改。
type RiskConfig struct {
	MaxPositionSizePct      float64  `mapstructure:"max_position_size_pct"`
	MaxOpenPositions        int      `mapstructure:"max_open_positions"`
	MinConfidence           float64  `mapstructure:"min_confidence"`
	AllowedSymbols          []string `mapstructure:"allowed_symbols"`
	MaxPriceSlippagePct     float64  `mapstructure:"max_price_slippage_pct"`
	AutoSize                bool     `mapstructure:"auto_size"`
	HighVolatilityThreshold float64  `mapstructure:"high_volatility_threshold"`
	VolatilityScale         float64  `mapstructure:"volatility_scale"`
	VolatilityPeriod        int      `mapstructure:"volatility_period"`
	MaxDailyLoss            float64  `mapstructure:"max_daily_loss"`
	DailyLossResetHour      int      `mapstructure:"daily_loss_reset_hour"`
	EnableDailyStopLoss     bool     `mapstructure:"enable_daily_stop_loss"`
}

// ExecutionConfig 控制执行平台与模拟撮合参数。
type ExecutionConfig struct {
	Platform         string        `mapstructure:"platform"`
	InitialBalance   float64       `mapstructure:"initial_balance"`
	Leverage         int           `mapstructure:"leverage"`
	MaxLeverage      int           `mapstructure:"max_leverage"`
	TakerFee         float64       `mapstructure:"taker_fee"`
	MakerFee         float64       `mapstructure:"maker_fee"`
	LiquidationModel string        `mapstructure:"liquidation_model"`
	AccountCacheTTL  time.Duration `mapstructure:"account_cache_ttl"`
	StateFile        string        `mapstructure:"state_file"`
	MaxSavedOrders   int           `mapstructure:"max_saved_orders"`
	EnforceExitPlan  bool          `mapstructure:"enforce_exit_plan"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// SchedulerConfig 控制主循环节奏。
type SchedulerConfig struct {
	LoopInterval time.Duration `mapstructure:"loop_interval"`
}

// MonitorConfig 控制监控查询服务。
type MonitorConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.Exchange.Name == "" {
		err = multierr.Append(err, errors.New("exchange.name 不能为空"))
	}
	if c.Exchange.Timeframe == "" {
		err = multierr.Append(err, errors.New("exchange.timeframe 不能为空"))
	}
	if c.Exchange.CandleLimit <= 0 {
		err = multierr.Append(err, errors.New("exchange.candle_limit 必须大于0"))
	}
	if c.Exchange.Retry.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("exchange.retry.max_attempts 必须大于0"))
	}
	if c.Exchange.Retry.MinDelay <= 0 || c.Exchange.Retry.MaxDelay <= 0 {
		err = multierr.Append(err, errors.New("exchange.retry.delay 必须为正"))
	}
	if c.Exchange.Retry.MinDelay > c.Exchange.Retry.MaxDelay {
		err = multierr.Append(err, errors.New("exchange.retry.min_delay 不能大于 max_delay"))
	}
	if len(c.Trading.Symbols) == 0 {
		err = multierr.Append(err, errors.New("trading.symbols 至少包含一个交易对"))
	}
	if c.OpenAI.APIKey == "" {
		err = multierr.Append(err, errors.New("openai.api_key 不能为空"))
	}
	if c.OpenAI.Model == "" {
		err = multierr.Append(err, errors.New("openai.model 不能为空"))
	}
	if c.OpenAI.Timeout <= 0 {
		err = multierr.Append(err, errors.New("openai.timeout 必须大于0"))
	}
	err = multierr.Append(err, c.Risk.Validate())
	err = multierr.Append(err, c.Execution.Validate())
	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}
	if c.Scheduler.LoopInterval <= 0 {
		err = multierr.Append(err, errors.New("scheduler.loop_interval 必须大于0"))
	}
	if c.Monitor.Enabled && (c.Monitor.Port <= 0 || c.Monitor.Port > 65535) {
		err = multierr.Append(err, errors.New("monitor.port 必须位于(0,65535]"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}

// Validate 校验风控参数。
func (r RiskConfig) Validate() error {
	var err error

	if r.MaxPositionSizePct <= 0 || r.MaxPositionSizePct > 1 {
		err = multierr.Append(err, errors.New("risk.max_position_size_pct 必须位于(0,1]"))
	}
	if r.MaxOpenPositions <= 0 {
		err = multierr.Append(err, errors.New("risk.max_open_positions 必须大于0"))
	}
	if r.MinConfidence < 0 || r.MinConfidence > 1 {
		err = multierr.Append(err, errors.New("risk.min_confidence 必须位于[0,1]"))
	}
	if r.MaxPriceSlippagePct < 0 || r.MaxPriceSlippagePct > 0.2 {
		err = multierr.Append(err, errors.New("risk.max_price_slippage_pct 应位于[0,0.2]"))
	}
	if r.VolatilityScale <= 0 || r.VolatilityScale > 1 {
		err = multierr.Append(err, errors.New("risk.volatility_scale 必须位于(0,1]"))
	}
	if r.HighVolatilityThreshold <= 0 {
		err = multierr.Append(err, errors.New("risk.high_volatility_threshold 必须大于0"))
	}
	if r.VolatilityPeriod <= 0 {
		err = multierr.Append(err, errors.New("risk.volatility_period 必须大于0"))
	}
	if r.MaxDailyLoss <= 0 || r.MaxDailyLoss > 1 {
		err = multierr.Append(err, errors.New("risk.max_daily_loss 必须位于(0,1]"))
	}
	if r.EnableDailyStopLoss && (r.DailyLossResetHour < 0 || r.DailyLossResetHour > 23) {
		err = multierr.Append(err, errors.New("risk.daily_loss_reset_hour 必须位于[0,23]"))
	}

	return err
}

// Validate 校验执行参数。
func (e ExecutionConfig) Validate() error {
	var err error

	switch strings.ToLower(e.Platform) {
	case PlatformMock, PlatformExchange:
	default:
		err = multierr.Append(err, fmt.Errorf("execution.platform 不支持: %q", e.Platform))
	}
	switch strings.ToLower(e.LiquidationModel) {
	case LiquidationSimplified, LiquidationTiered:
	default:
		err = multierr.Append(err, fmt.Errorf("execution.liquidation_model 不支持: %q", e.LiquidationModel))
	}
	if e.InitialBalance <= 0 {
		err = multierr.Append(err, errors.New("execution.initial_balance 必须大于0"))
	}
	if e.MaxLeverage <= 0 {
		err = multierr.Append(err, errors.New("execution.max_leverage 必须大于0"))
	}
	if e.Leverage <= 0 || e.Leverage > e.MaxLeverage {
		err = multierr.Append(err, errors.New("execution.leverage 必须位于[1,max_leverage]"))
	}
	if e.TakerFee < 0 || e.TakerFee > 0.01 {
		err = multierr.Append(err, errors.New("execution.taker_fee 应位于[0,0.01]"))
	}
	if e.MakerFee < 0 || e.MakerFee > 0.01 {
		err = multierr.Append(err, errors.New("execution.maker_fee 应位于[0,0.01]"))
	}
	if e.AccountCacheTTL < 0 {
		err = multierr.Append(err, errors.New("execution.account_cache_ttl 不能为负"))
	}
	if e.MaxSavedOrders <= 0 {
		err = multierr.Append(err, errors.New("execution.max_saved_orders 必须大于0"))
	}

	return err
}
