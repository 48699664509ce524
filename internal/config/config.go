package config

import (
	"errors"
	"fmt"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "vibe"
)

// Load 读取配置文件并结合环境变量返回 Config。
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	bindEnv(v)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	return decode(v)
}

// Default 返回仅由默认值与环境变量构成的配置，不做校验，主要用于回测与测试。
func Default() (Config, error) {
	v := viper.New()
	bindEnv(v)
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return Config{}, fmt.Errorf("解析配置失败: %w", err)
	}
	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.Execution.Platform = strings.ToLower(cfg.Execution.Platform)
	cfg.Execution.LiquidationModel = strings.ToLower(cfg.Execution.LiquidationModel)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func bindEnv(v *viper.Viper) {
	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")

	v.SetDefault("exchange.name", "binanceusdm")
	v.SetDefault("exchange.api_key", "")
	v.SetDefault("exchange.api_secret", "")
	v.SetDefault("exchange.api_password", "")
	v.SetDefault("exchange.use_sandbox", false)
	v.SetDefault("exchange.timeframe", "3m")
	v.SetDefault("exchange.candle_limit", 100)
	v.SetDefault("exchange.retry.max_attempts", 5)
	v.SetDefault("exchange.retry.min_delay", "500ms")
	v.SetDefault("exchange.retry.max_delay", "5s")

	v.SetDefault("trading.symbols", []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"})

	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("openai.model", "gpt-4.1")
	v.SetDefault("openai.timeout", "30s")
	v.SetDefault("openai.temperature", 0.2)

	v.SetDefault("risk.max_position_size_pct", 0.20)
	v.SetDefault("risk.max_open_positions", 3)
	v.SetDefault("risk.min_confidence", 0.75)
	v.SetDefault("risk.allowed_symbols", []string{"BTCUSDT", "ETHUSDT", "SOLUSDT", "DOGEUSDT", "XRPUSDT", "BNBUSDT"})
	v.SetDefault("risk.max_price_slippage_pct", 0.02)
	v.SetDefault("risk.auto_size", false)
	v.SetDefault("risk.high_volatility_threshold", 0.05)
	v.SetDefault("risk.volatility_scale", 0.8)
	v.SetDefault("risk.volatility_period", 14)
	v.SetDefault("risk.max_daily_loss", 0.05)
	v.SetDefault("risk.daily_loss_reset_hour", 0)
	v.SetDefault("risk.enable_daily_stop_loss", false)

	v.SetDefault("execution.platform", PlatformMock)
	v.SetDefault("execution.initial_balance", 10000.0)
	v.SetDefault("execution.leverage", 10)
	v.SetDefault("execution.max_leverage", 125)
	v.SetDefault("execution.taker_fee", 0.0004)
	v.SetDefault("execution.maker_fee", 0.0002)
	v.SetDefault("execution.liquidation_model", LiquidationSimplified)
	v.SetDefault("execution.account_cache_ttl", "1s")
	v.SetDefault("execution.state_file", "data/mock_state.json")
	v.SetDefault("execution.max_saved_orders", 100)
	v.SetDefault("execution.enforce_exit_plan", true)

	v.SetDefault("database.path", "data/vibe_trader.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})

	v.SetDefault("scheduler.loop_interval", "3m")

	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.port", 8090)
	v.SetDefault("monitor.allowed_origins", []string{"*"})
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
