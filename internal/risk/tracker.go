package risk

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"vibe-trader/internal/config"
	"vibe-trader/internal/store"
)

// 风控事件类型。
const (
	EventDailyHalt = "daily_halt"
	EventRejection = "rejection"
	EventResize    = "resize"
)

var trackerSchema = []string{
	`CREATE TABLE IF NOT EXISTS risk_daily_pnl (
		trading_date TEXT PRIMARY KEY,
		start_equity REAL NOT NULL,
		current_equity REAL NOT NULL,
		halted INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS risk_activity_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		occurred_at TEXT NOT NULL,
		event_type TEXT NOT NULL,
		symbol TEXT,
		message TEXT NOT NULL,
		trading_date TEXT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_risk_activity_date ON risk_activity_log(trading_date);`,
}

// ActivityEntry 是一条风控事件日志。
type ActivityEntry struct {
	OccurredAt  time.Time
	EventType   string
	Symbol      string
	Message     string
	TradingDate string
}

// DailyTracker 按交易日记录起始与当前净值，亏损超限时停止开仓。
type DailyTracker struct {
	db     *sql.DB
	cfg    config.RiskConfig
	logger *zap.Logger
	now    func() time.Time
}

// NewDailyTracker 创建日度监控器并初始化表结构。
func NewDailyTracker(ctx context.Context, st *store.Store, cfg config.RiskConfig, logger *zap.Logger) (*DailyTracker, error) {
	if st == nil {
		return nil, errors.New("risk: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := st.Migrate(ctx, trackerSchema...); err != nil {
		return nil, err
	}
	return &DailyTracker{
		db:     st.DB(),
		cfg:    cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Update 记录 ts 所在交易日的最新净值并返回当日状态，当日首次调用的净值作为起始净值。
func (t *DailyTracker) Update(ctx context.Context, ts time.Time, equity float64) (status DailyStatus, err error) {
	tradingDate := tradingDay(ts, t.cfg.DailyLossResetHour)
	now := t.now().Format(time.RFC3339)

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return status, fmt.Errorf("risk: 开启事务失败: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var (
		startEquity float64
		haltedInt   int
	)
	row := tx.QueryRowContext(ctx, `SELECT start_equity, halted FROM risk_daily_pnl WHERE trading_date = ?`, tradingDate)
	switch scanErr := row.Scan(&startEquity, &haltedInt); {
	case scanErr == nil:
		if _, err = tx.ExecContext(ctx,
			`UPDATE risk_daily_pnl SET current_equity = ?, updated_at = ? WHERE trading_date = ?`,
			equity, now, tradingDate,
		); err != nil {
			return status, fmt.Errorf("risk: 更新日度净值失败: %w", err)
		}
	case errors.Is(scanErr, sql.ErrNoRows):
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO risk_daily_pnl (trading_date, start_equity, current_equity, halted, updated_at)
			 VALUES (?, ?, ?, 0, ?)`,
			tradingDate, equity, equity, now,
		); err != nil {
			return status, fmt.Errorf("risk: 初始化日度净值失败: %w", err)
		}
		startEquity = equity
	default:
		err = fmt.Errorf("risk: 查询日度净值失败: %w", scanErr)
		return status, err
	}

	status = DailyStatus{
		TradingDate:   tradingDate,
		StartEquity:   startEquity,
		CurrentEquity: equity,
		Halted:        haltedInt == 1,
	}
	if startEquity > 0 {
		status.LossPercent = (equity - startEquity) / startEquity
	}

	if t.shouldHalt(status) {
		status.Halted = true
		if _, err = tx.ExecContext(ctx,
			`UPDATE risk_daily_pnl SET halted = 1, updated_at = ? WHERE trading_date = ?`,
			now, tradingDate,
		); err != nil {
			return status, fmt.Errorf("risk: 更新日停交易状态失败: %w", err)
		}

		msg := fmt.Sprintf("当日累计亏损 %.2f%% 超过上限 %.2f%%，停止开仓", -status.LossPercent*100, t.cfg.MaxDailyLoss*100)
		if err = t.logEvent(ctx, tx, tradingDate, EventDailyHalt, "", msg); err != nil {
			return status, err
		}
		t.logger.Warn("触发日度亏损限制",
			zap.String("trading_date", tradingDate),
			zap.Float64("loss_percent", status.LossPercent),
		)
	}

	if err = tx.Commit(); err != nil {
		return status, fmt.Errorf("risk: 提交事务失败: %w", err)
	}
	return status, nil
}

func (t *DailyTracker) shouldHalt(status DailyStatus) bool {
	return t.cfg.EnableDailyStopLoss &&
		!status.Halted &&
		status.StartEquity > 0 &&
		t.cfg.MaxDailyLoss > 0 &&
		status.LossPercent <= -t.cfg.MaxDailyLoss
}

// Status 读取 ts 所在交易日的状态，没有记录时返回零值。
func (t *DailyTracker) Status(ctx context.Context, ts time.Time) (DailyStatus, error) {
	tradingDate := tradingDay(ts, t.cfg.DailyLossResetHour)
	status := DailyStatus{TradingDate: tradingDate}

	var haltedInt int
	err := t.db.QueryRowContext(ctx,
		`SELECT start_equity, current_equity, halted FROM risk_daily_pnl WHERE trading_date = ?`, tradingDate,
	).Scan(&status.StartEquity, &status.CurrentEquity, &haltedInt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return status, nil
	case err != nil:
		return status, fmt.Errorf("risk: 查询日度净值失败: %w", err)
	}

	status.Halted = haltedInt == 1
	if status.StartEquity > 0 {
		status.LossPercent = (status.CurrentEquity - status.StartEquity) / status.StartEquity
	}
	return status, nil
}

// LogEvent 记录风控事件。
func (t *DailyTracker) LogEvent(ctx context.Context, eventType, symbol, message string) error {
	if eventType == "" {
		return errors.New("risk: eventType 不能为空")
	}
	return t.logEvent(ctx, t.db, tradingDay(t.now(), t.cfg.DailyLossResetHour), eventType, symbol, message)
}

// Activity 返回某交易日的风控事件，按发生顺序排列。
func (t *DailyTracker) Activity(ctx context.Context, tradingDate string) ([]ActivityEntry, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT occurred_at, event_type, COALESCE(symbol, ''), message, trading_date
		 FROM risk_activity_log WHERE trading_date = ? ORDER BY id`, tradingDate)
	if err != nil {
		return nil, fmt.Errorf("risk: 查询风险事件失败: %w", err)
	}
	defer rows.Close()

	var entries []ActivityEntry
	for rows.Next() {
		var (
			entry      ActivityEntry
			occurredAt string
		)
		if err := rows.Scan(&occurredAt, &entry.EventType, &entry.Symbol, &entry.Message, &entry.TradingDate); err != nil {
			return nil, fmt.Errorf("risk: 解析风险事件失败: %w", err)
		}
		entry.OccurredAt, _ = time.Parse(time.RFC3339, occurredAt)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (t *DailyTracker) logEvent(ctx context.Context, db execer, tradingDate, eventType, symbol, message string) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO risk_activity_log (occurred_at, event_type, symbol, message, trading_date)
		 VALUES (?, ?, ?, ?, ?)`,
		t.now().Format(time.RFC3339), eventType, symbol, message, tradingDate,
	)
	if err != nil {
		return fmt.Errorf("risk: 写入风险事件日志失败: %w", err)
	}
	return nil
}

// tradingDay 以 UTC resetHour 为日切点计算交易日。
func tradingDay(ts time.Time, resetHour int) string {
	if resetHour < 0 || resetHour > 23 {
		resetHour = 0
	}
	shifted := ts.UTC().Add(-time.Duration(resetHour) * time.Hour)
	return shifted.Format("2006-01-02")
}
