package monitor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"vibe-trader/internal/ai"
	"vibe-trader/internal/execution"
	"vibe-trader/internal/risk"
	"vibe-trader/internal/store"
)

const defaultListLimit = 100

// 定宽时间格式，保证按字符串比较即按时间比较。
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS monitor_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_type TEXT NOT NULL,
		symbol TEXT,
		payload TEXT NOT NULL,
		created_at TEXT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_monitor_events_type ON monitor_events(event_type);`,
}

// Service 负责持久化监控事件，写入失败只记录日志，不影响交易周期。
type Service struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewService 初始化监控服务，创建所需表结构。
func NewService(ctx context.Context, st *store.Store, logger *zap.Logger) (*Service, error) {
	if st == nil {
		return nil, fmt.Errorf("monitor: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := st.Migrate(ctx, schema...); err != nil {
		return nil, err
	}
	return &Service{
		db:     st.DB(),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Record 写入单个事件。
func (s *Service) Record(ctx context.Context, event Event, symbol string) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("monitor: 序列化事件失败: %w", err)
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO monitor_events (event_type, symbol, payload, created_at) VALUES (?, ?, ?, ?)`,
		string(event.Type), symbol, string(payload), event.Timestamp.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("monitor: 写入事件失败: %w", err)
	}
	return nil
}

func (s *Service) record(ctx context.Context, typ EventType, symbol string, payload interface{}) {
	if err := s.Record(ctx, Event{Type: typ, Timestamp: s.now(), Payload: payload}, symbol); err != nil {
		s.logger.Warn("记录监控事件失败", zap.String("type", string(typ)), zap.Error(err))
	}
}

// RecordDecision 记录模型决策。
func (s *Service) RecordDecision(ctx context.Context, decision ai.Decision, price decimal.Decimal) {
	s.record(ctx, EventDecision, decision.Symbol, DecisionPayload{
		Decision: decision,
		Price:    price.InexactFloat64(),
	})
}

// RecordRejection 记录风控拒绝。
func (s *Service) RecordRejection(ctx context.Context, decision ai.Decision, verdict risk.Verdict) {
	s.record(ctx, EventRiskRejection, decision.Symbol, RiskRejectionPayload{
		Decision: decision,
		Rule:     verdict.Rule,
		Reason:   verdict.Reason,
	})
}

// RecordExecution 记录执行结果。
func (s *Service) RecordExecution(ctx context.Context, result execution.Result) {
	s.record(ctx, EventExecution, result.Symbol, NewExecutionPayload(result))
}

// RecordExitTrigger 记录由止损止盈触发的平仓。
func (s *Service) RecordExitTrigger(ctx context.Context, result execution.Result) {
	s.record(ctx, EventExitTrigger, result.Symbol, NewExecutionPayload(result))
}

// RecordLiquidation 记录强制平仓。
func (s *Service) RecordLiquidation(ctx context.Context, symbol string, price decimal.Decimal) {
	s.record(ctx, EventLiquidation, symbol, LiquidationPayload{
		Symbol: symbol,
		Price:  price.InexactFloat64(),
	})
}

// RecordAccount 记录账户状态。
func (s *Service) RecordAccount(ctx context.Context, state execution.AccountState, metrics risk.Metrics, daily risk.DailyStatus) {
	s.record(ctx, EventAccount, "", NewAccountPayload(state, metrics, daily))
}

// RecordError 记录异常。
func (s *Service) RecordError(ctx context.Context, msg string, err error, ctxMap map[string]interface{}) {
	payload := ErrorPayload{Message: msg, Context: ctxMap}
	if err != nil {
		payload.Error = err.Error()
	}
	s.record(ctx, EventError, "", payload)
}

// Query 描述事件检索条件，零值表示不限制。
type Query struct {
	Type   EventType
	Symbol string
	Limit  int
}

// ListEvents 按条件检索最近事件，结果按时间倒序。
func (s *Service) ListEvents(ctx context.Context, q Query) ([]Event, error) {
	if q.Limit <= 0 {
		q.Limit = defaultListLimit
	}

	query := `SELECT event_type, payload, created_at FROM monitor_events WHERE 1 = 1`
	args := make([]interface{}, 0, 3)
	if q.Type != "" {
		query += ` AND event_type = ?`
		args = append(args, string(q.Type))
	}
	if q.Symbol != "" {
		query += ` AND symbol = ?`
		args = append(args, q.Symbol)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, q.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("monitor: 查询事件失败: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, q.Limit)
	for rows.Next() {
		var typ, payload, created string
		if err := rows.Scan(&typ, &payload, &created); err != nil {
			return nil, fmt.Errorf("monitor: 解析事件失败: %w", err)
		}
		ts, err := time.Parse(timeLayout, created)
		if err != nil {
			ts = time.Time{}
		}
		events = append(events, Event{
			Type:      EventType(typ),
			Timestamp: ts,
			Payload:   json.RawMessage(payload),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("monitor: 读取事件失败: %w", err)
	}
	return events, nil
}

// Prune 删除早于 before 的事件，返回删除条数。
func (s *Service) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM monitor_events WHERE created_at < ?`, before.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("monitor: 清理事件失败: %w", err)
	}
	return res.RowsAffected()
}
