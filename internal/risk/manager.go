package risk

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"vibe-trader/internal/ai"
)

// Input 是一次风控审核所需的市场与账户信息。
type Input struct {
	AccountValue  float64
	OpenPositions int
	Price         float64
	// Volatility 为相对波动率，仅在开启自动调仓时使用。
	Volatility float64
}

// Review 是一次审核的结果，Decision 可能已被调整数量。
type Review struct {
	Decision ai.Decision
	Verdict  Verdict
	Resized  bool
}

// Manager 把日度亏损限制、自动调仓与风控闸门串成一次审核。
type Manager struct {
	gate    *Gate
	tracker *DailyTracker
	logger  *zap.Logger

	daily DailyStatus
}

// NewManager 创建风险管理器，tracker 可为空，此时不做日度限制。
func NewManager(gate *Gate, tracker *DailyTracker, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{gate: gate, tracker: tracker, logger: logger}
}

// Gate 返回底层闸门。
func (m *Manager) Gate() *Gate {
	return m.gate
}

// UpdateDaily 在每个周期开始时记录账户净值。
func (m *Manager) UpdateDaily(ctx context.Context, ts time.Time, equity float64) (DailyStatus, error) {
	if m.tracker == nil {
		return DailyStatus{}, nil
	}
	status, err := m.tracker.Update(ctx, ts, equity)
	if err != nil {
		return m.daily, err
	}
	m.daily = status
	return status, nil
}

// Daily 返回最近一次记录的日度状态。
func (m *Manager) Daily() DailyStatus {
	return m.daily
}

// Review 审核一条决策：停止开仓检查、可选的自动调仓，然后交给闸门。
func (m *Manager) Review(ctx context.Context, decision ai.Decision, in Input) Review {
	review := Review{Decision: decision}

	if decision.Action.Opens() && m.daily.Halted {
		review.Verdict = reject(RuleDailyLossLimit,
			fmt.Sprintf("%s: %.2f%%", ReasonDailyLossLimitReached, -m.daily.LossPercent*100))
		m.recordRejection(ctx, review)
		return review
	}

	if m.gate.cfg.AutoSize {
		if adjusted, changed := m.gate.AdjustPositionSize(decision, in.AccountValue, in.Price, in.Volatility); changed {
			m.logger.Info("仓位已调整",
				zap.String("symbol", decision.Symbol),
				zap.Float64("original", decision.QuantityValue()),
				zap.Float64("adjusted", adjusted.QuantityValue()),
				zap.Float64("volatility", in.Volatility),
			)
			m.logEvent(ctx, EventResize, decision.Symbol,
				fmt.Sprintf("%.8g -> %.8g", decision.QuantityValue(), adjusted.QuantityValue()))
			review.Decision = adjusted
			review.Resized = true
		}
	}

	review.Verdict = m.gate.Evaluate(review.Decision, in.AccountValue, in.OpenPositions, in.Price)
	if !review.Verdict.Passed {
		m.recordRejection(ctx, review)
		return review
	}

	m.logger.Debug("风险检查通过",
		zap.String("symbol", decision.Symbol),
		zap.String("action", string(decision.Action)),
	)
	return review
}

func (m *Manager) recordRejection(ctx context.Context, review Review) {
	m.logger.Warn("风险检查未通过",
		zap.String("symbol", review.Decision.Symbol),
		zap.String("action", string(review.Decision.Action)),
		zap.String("rule", string(review.Verdict.Rule)),
		zap.String("reason", review.Verdict.Reason),
	)
	m.logEvent(ctx, EventRejection, review.Decision.Symbol, review.Verdict.Reason)
}

func (m *Manager) logEvent(ctx context.Context, eventType, symbol, message string) {
	if m.tracker == nil {
		return
	}
	if err := m.tracker.LogEvent(ctx, eventType, symbol, message); err != nil {
		m.logger.Warn("写入风控事件失败", zap.Error(err))
	}
}
