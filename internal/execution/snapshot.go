package execution

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"vibe-trader/internal/ai"
	"vibe-trader/internal/position"
)

// Snapshot 是模拟盘状态的持久化格式。
type Snapshot struct {
	Metadata   SnapshotMetadata       `json:"metadata"`
	Account    SnapshotAccount        `json:"account"`
	Statistics SnapshotStatistics     `json:"statistics"`
	Orders     []SnapshotOrder        `json:"orders"`
	ExitPlans  map[string]ai.ExitPlan `json:"exit_plans,omitempty"`
}

// SnapshotMetadata 记录保存时间与引擎参数。
type SnapshotMetadata struct {
	SavedAt        Timestamp `json:"saved_at"`
	InitialBalance float64   `json:"initial_balance"`
	Leverage       int       `json:"leverage"`
}

// SnapshotAccount 记录余额与持仓。
type SnapshotAccount struct {
	Balance   float64            `json:"balance"`
	Positions []SnapshotPosition `json:"positions"`
}

// SnapshotPosition 为持仓的持久化格式。
type SnapshotPosition struct {
	Symbol           string    `json:"symbol"`
	Side             string    `json:"side"`
	EntryPrice       float64   `json:"entry_price"`
	Quantity         float64   `json:"quantity"`
	Leverage         int       `json:"leverage"`
	UnrealizedPnL    float64   `json:"unrealized_pnl"`
	LiquidationPrice float64   `json:"liquidation_price"`
	Margin           float64   `json:"margin"`
	EntryTime        Timestamp `json:"entry_time"`
	MarkPrice        float64   `json:"mark_price"`
	BreakEvenPrice   float64   `json:"break_even_price"`
	ROIPercent       float64   `json:"roi_percent"`
	MarginRatio      float64   `json:"margin_ratio"`
	NotionalValue    float64   `json:"notional_value"`
	EstFundingFee    float64   `json:"est_funding_fee"`
	PositionSide     string    `json:"position_side"`
}

// SnapshotStatistics 为统计的持久化格式。
type SnapshotStatistics struct {
	InitialBalance   float64 `json:"initial_balance"`
	CurrentBalance   float64 `json:"current_balance"`
	TotalEquity      float64 `json:"total_equity"`
	TotalReturnPct   float64 `json:"total_return_pct"`
	TotalTrades      int     `json:"total_trades"`
	WinningTrades    int     `json:"winning_trades"`
	LosingTrades     int     `json:"losing_trades"`
	WinRatePct       float64 `json:"win_rate"`
	TotalRealizedPnL float64 `json:"total_realized_pnl"`
	TotalFees        float64 `json:"total_fees"`
	OpenPositions    int     `json:"open_positions"`
}

// SnapshotOrder 为成交记录的持久化格式。
type SnapshotOrder struct {
	OrderID   string    `json:"order_id"`
	Symbol    string    `json:"symbol"`
	Side      string    `json:"side"`
	OrderType string    `json:"order_type"`
	Quantity  float64   `json:"quantity"`
	Price     float64   `json:"price"`
	Status    string    `json:"status"`
	Fee       float64   `json:"fee"`
	Timestamp Timestamp `json:"timestamp"`
}

// 兼容不带时区的 ISO8601 时间。
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// Timestamp 以 RFC3339 输出，读取时兼容不带时区的格式（按 UTC 处理）。
type Timestamp struct {
	time.Time
}

// MarshalJSON 实现 json.Marshaler。
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// UnmarshalJSON 实现 json.Unmarshaler。
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("execution: 时间字段必须为字符串: %w", err)
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, raw); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("execution: 无法解析时间 %q", raw)
}

// Snapshot 导出当前状态，成交记录只保留最近 MaxSavedOrders 条。
func (e *MockEngine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	positions := e.positionsLocked()
	snapPositions := make([]SnapshotPosition, 0, len(positions))
	for _, p := range positions {
		snapPositions = append(snapPositions, SnapshotPosition{
			Symbol:           p.Symbol,
			Side:             string(p.Side),
			EntryPrice:       p.EntryPrice.InexactFloat64(),
			Quantity:         p.Quantity.InexactFloat64(),
			Leverage:         p.Leverage,
			UnrealizedPnL:    p.UnrealizedPnL.InexactFloat64(),
			LiquidationPrice: p.LiquidationPrice.InexactFloat64(),
			Margin:           p.Margin.InexactFloat64(),
			EntryTime:        Timestamp{p.EntryTime},
			MarkPrice:        p.MarkPrice.InexactFloat64(),
			BreakEvenPrice:   p.BreakEvenPrice.InexactFloat64(),
			ROIPercent:       p.ROIPercent.InexactFloat64(),
			MarginRatio:      p.MarginRatio.InexactFloat64(),
			NotionalValue:    p.NotionalValue.InexactFloat64(),
			PositionSide:     string(p.Side),
		})
	}

	orders := e.orders
	if len(orders) > e.cfg.MaxSavedOrders {
		orders = orders[len(orders)-e.cfg.MaxSavedOrders:]
	}
	snapOrders := make([]SnapshotOrder, 0, len(orders))
	for _, o := range orders {
		snapOrders = append(snapOrders, SnapshotOrder{
			OrderID:   o.ID,
			Symbol:    o.Symbol,
			Side:      o.Side,
			OrderType: o.Type,
			Quantity:  o.Quantity.InexactFloat64(),
			Price:     o.Price.InexactFloat64(),
			Status:    string(o.Status),
			Fee:       o.Fee.InexactFloat64(),
			Timestamp: Timestamp{o.Timestamp},
		})
	}

	var plans map[string]ai.ExitPlan
	if len(e.exitPlans) > 0 {
		plans = make(map[string]ai.ExitPlan, len(e.exitPlans))
		for symbol, plan := range e.exitPlans {
			plans[symbol] = plan
		}
	}

	stats := e.statisticsLocked()
	return Snapshot{
		Metadata: SnapshotMetadata{
			SavedAt:        Timestamp{e.now()},
			InitialBalance: e.cfg.InitialBalance.InexactFloat64(),
			Leverage:       e.cfg.Leverage,
		},
		Account: SnapshotAccount{
			Balance:   e.balance.InexactFloat64(),
			Positions: snapPositions,
		},
		Statistics: SnapshotStatistics{
			InitialBalance:   stats.InitialBalance.InexactFloat64(),
			CurrentBalance:   stats.CurrentBalance.InexactFloat64(),
			TotalEquity:      stats.TotalEquity.InexactFloat64(),
			TotalReturnPct:   stats.TotalReturnPct.InexactFloat64(),
			TotalTrades:      stats.TotalTrades,
			WinningTrades:    stats.WinningTrades,
			LosingTrades:     stats.LosingTrades,
			WinRatePct:       stats.WinRatePct.InexactFloat64(),
			TotalRealizedPnL: stats.TotalRealizedPnL.InexactFloat64(),
			TotalFees:        stats.TotalFees.InexactFloat64(),
			OpenPositions:    stats.OpenPositions,
		},
		Orders:    snapOrders,
		ExitPlans: plans,
	}
}

// Restore 从快照恢复状态，派生字段按当前强平模型重新计算。
func (e *MockEngine) Restore(s Snapshot) error {
	positions := make(map[string]*position.Position, len(s.Account.Positions))
	for _, sp := range s.Account.Positions {
		side, err := position.ParseSide(sp.Side)
		if err != nil {
			return fmt.Errorf("execution: 恢复持仓 %s: %w", sp.Symbol, err)
		}
		leverage := sp.Leverage
		if leverage <= 0 {
			leverage = s.Metadata.Leverage
		}
		p, err := position.Open(sp.Symbol, side,
			decimal.NewFromFloat(sp.EntryPrice), decimal.NewFromFloat(sp.Quantity),
			leverage, e.cfg.Model, sp.EntryTime.Time)
		if err != nil {
			return fmt.Errorf("execution: 恢复持仓 %s: %w", sp.Symbol, err)
		}
		if sp.MarkPrice > 0 {
			p.Mark(decimal.NewFromFloat(sp.MarkPrice))
		}
		positions[p.Symbol] = &p
	}

	orders := make([]Order, 0, len(s.Orders))
	for _, so := range s.Orders {
		orders = append(orders, Order{
			ID:        so.OrderID,
			Symbol:    so.Symbol,
			Side:      so.Side,
			Type:      so.OrderType,
			Quantity:  decimal.NewFromFloat(so.Quantity),
			Price:     decimal.NewFromFloat(so.Price),
			Fee:       decimal.NewFromFloat(so.Fee),
			Status:    OrderStatus(so.Status),
			Timestamp: so.Timestamp.Time,
		})
	}

	plans := make(exitPlanBook, len(s.ExitPlans))
	for symbol, plan := range s.ExitPlans {
		if _, ok := positions[symbol]; ok {
			plans[symbol] = plan
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if s.Metadata.InitialBalance > 0 {
		e.cfg.InitialBalance = decimal.NewFromFloat(s.Metadata.InitialBalance)
	}
	e.balance = decimal.NewFromFloat(s.Account.Balance)
	e.positions = positions
	e.exitPlans = plans
	e.orders = orders
	e.totalTrades = s.Statistics.TotalTrades
	e.winningTrades = s.Statistics.WinningTrades
	e.losingTrades = s.Statistics.LosingTrades
	e.totalRealizedPnL = decimal.NewFromFloat(s.Statistics.TotalRealizedPnL)
	e.totalFees = decimal.NewFromFloat(s.Statistics.TotalFees)

	e.logger.Info("模拟盘状态已恢复",
		zap.Time("saved_at", s.Metadata.SavedAt.Time),
		zap.String("balance", e.balance.String()),
		zap.Int("positions", len(positions)),
		zap.Int("orders", len(orders)),
	)
	return nil
}
