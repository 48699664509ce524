package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"vibe-trader/internal/ai"
	"vibe-trader/internal/config"
	"vibe-trader/internal/exchange"
	"vibe-trader/internal/execution"
	"vibe-trader/internal/indicator"
	"vibe-trader/internal/monitor"
	"vibe-trader/internal/position"
	"vibe-trader/internal/risk"
	"vibe-trader/internal/state"
	"vibe-trader/internal/store"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
}

// New 创建 App 实例。
func New(cfg *config.Config, logger *zap.Logger, store *store.Store) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &App{
		cfg:    cfg,
		logger: logger,
		store:  store,
	}
}

// Run 按调度间隔循环执行交易周期，直到 ctx 结束。once 为 true 时只执行一次。
func (a *App) Run(ctx context.Context, once bool) error {
	a.logger.Info("交易系统已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("exchange", a.cfg.Exchange.Name),
		zap.String("platform", a.cfg.Execution.Platform),
		zap.Strings("symbols", a.cfg.Trading.Symbols),
	)

	orch, coordinator, err := a.build(ctx)
	if err != nil {
		return err
	}

	if a.cfg.Monitor.Enabled && !once {
		server := monitor.NewServer(orch.monitor, coordinator, a.cfg.Monitor.AllowedOrigins, a.logger)
		if err := server.Start(ctx, a.cfg.Monitor.Port); err != nil {
			return fmt.Errorf("启动监控接口失败: %w", err)
		}
	}

	a.tick(ctx, orch)
	if once {
		return nil
	}

	loopInterval := a.cfg.Scheduler.LoopInterval
	if loopInterval <= 0 {
		loopInterval = 3 * time.Minute
	}
	ticker := time.NewTicker(loopInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("系统异常退出: %w", err)
			}
			a.logger.Info("系统收到退出信号，正在停止")
			return nil
		case <-ticker.C:
			a.tick(ctx, orch)
		}
	}
}

func (a *App) tick(ctx context.Context, orch *orchestrator) {
	start := time.Now()
	report, err := orch.Tick(ctx)
	if err != nil {
		a.logger.Error("交易周期执行失败", zap.Error(err))
		return
	}
	a.logger.Info("交易周期完成",
		zap.Int("decisions", report.Decisions),
		zap.Int("rejected", report.Rejected),
		zap.Int("executions", len(report.Executions)),
		zap.Strings("liquidated", report.Liquidated),
		zap.Int("exit_triggers", len(report.ExitTriggers)),
		zap.String("equity", report.Account.TotalEquity.StringFixed(2)),
		zap.Duration("elapsed", time.Since(start)),
	)
}

func (a *App) build(ctx context.Context) (*orchestrator, *execution.Coordinator, error) {
	cfg := a.cfg
	logger := a.logger

	exClient, err := exchange.NewClient(cfg.Exchange, logger.Named("exchange"))
	if err != nil {
		return nil, nil, fmt.Errorf("初始化行情客户端失败: %w", err)
	}

	aiClient, err := ai.NewClient(cfg.OpenAI, logger.Named("ai"))
	if err != nil {
		return nil, nil, fmt.Errorf("初始化AI客户端失败: %w", err)
	}

	tracker, err := risk.NewDailyTracker(ctx, a.store, cfg.Risk, logger.Named("risk"))
	if err != nil {
		return nil, nil, fmt.Errorf("初始化日度风控失败: %w", err)
	}
	riskMgr := risk.NewManager(risk.NewGate(cfg.Risk), tracker, logger.Named("risk"))

	monitorSvc, err := monitor.NewService(ctx, a.store, logger.Named("monitor"))
	if err != nil {
		return nil, nil, fmt.Errorf("初始化监控服务失败: %w", err)
	}

	backend, fileStore, err := a.newBackend(ctx, exClient)
	if err != nil {
		return nil, nil, err
	}
	coordinator := execution.NewCoordinator(backend, cfg.Risk.MaxPriceSlippagePct, logger.Named("execution"))

	return &orchestrator{
		cfg:         newCycleConfig(cfg),
		market:      exchange.NewMarketDataService(exClient, logger.Named("market")),
		calc:        indicator.NewCalculator(cfg.Risk.VolatilityPeriod),
		source:      aiClient,
		risk:        riskMgr,
		coordinator: coordinator,
		monitor:     monitorSvc,
		state:       fileStore,
		logger:      logger.Named("cycle"),
		now:         func() time.Time { return time.Now().UTC() },
	}, coordinator, nil
}

// newBackend 按 execution.platform 选择执行后端，模拟盘会从状态文件恢复。
func (a *App) newBackend(ctx context.Context, exClient *exchange.Client) (execution.Backend, *state.FileStore, error) {
	cfg := a.cfg.Execution
	logger := a.logger.Named("execution")

	switch cfg.Platform {
	case config.PlatformExchange:
		plans, err := execution.NewSQLiteExitPlans(ctx, a.store)
		if err != nil {
			return nil, nil, fmt.Errorf("初始化退出计划仓库失败: %w", err)
		}
		// 交易所未返回强平价时按分档维持保证金估算。
		backend := execution.NewExchangeBackend(exClient.Trading(), exClient.Retrier(), execution.ExchangeBackendConfig{
			CacheTTL: cfg.AccountCacheTTL,
			Leverage: cfg.Leverage,
			TakerFee: decimal.NewFromFloat(cfg.TakerFee),
			Model:    position.NewTieredModel(nil),
			Plans:    plans,
		}, logger)
		logger.Warn("执行后端为真实交易所，订单将实际成交", zap.String("exchange", a.cfg.Exchange.Name))
		return backend, nil, nil
	default:
		mockCfg, err := execution.MockConfigFrom(cfg)
		if err != nil {
			return nil, nil, err
		}
		engine := execution.NewMockEngine(mockCfg, logger)
		if cfg.StateFile == "" {
			return engine, nil, nil
		}
		fileStore := state.NewFileStore(cfg.StateFile, logger)
		restored, err := fileStore.Restore(engine)
		if err != nil {
			return nil, nil, fmt.Errorf("恢复模拟盘状态失败: %w", err)
		}
		logger.Info("模拟盘已就绪", zap.Bool("restored", restored), zap.String("state_file", cfg.StateFile))
		return engine, fileStore, nil
	}
}

func newCycleConfig(cfg *config.Config) cycleConfig {
	symbols := make([]string, 0, len(cfg.Trading.Symbols))
	for _, s := range cfg.Trading.Symbols {
		symbols = append(symbols, strings.ToUpper(strings.TrimSpace(s)))
	}
	return cycleConfig{
		request: exchange.SnapshotRequest{
			Symbols:     symbols,
			Timeframe:   cfg.Exchange.Timeframe,
			CandleLimit: cfg.Exchange.CandleLimit,
		},
		enforceExitPlan: cfg.Execution.EnforceExitPlan,
		limits: ai.Limits{
			MaxPositionSizePct: cfg.Risk.MaxPositionSizePct,
			MaxOpenPositions:   cfg.Risk.MaxOpenPositions,
			MinConfidence:      cfg.Risk.MinConfidence,
		},
	}
}
