package execution

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"vibe-trader/internal/ai"
	"vibe-trader/internal/store"
)

var exitPlanSchema = []string{
	`CREATE TABLE IF NOT EXISTS exit_plans (
		symbol TEXT PRIMARY KEY,
		plan TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);`,
}

// SQLiteExitPlans 把交易所后端的退出计划写入 SQLite，进程重启后据此继续执行止损止盈。
type SQLiteExitPlans struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteExitPlans 创建退出计划仓库并初始化表结构。
func NewSQLiteExitPlans(ctx context.Context, st *store.Store) (*SQLiteExitPlans, error) {
	if st == nil {
		return nil, errors.New("execution: 退出计划仓库缺少数据库")
	}
	if err := st.Migrate(ctx, exitPlanSchema...); err != nil {
		return nil, err
	}
	return &SQLiteExitPlans{
		db:  st.DB(),
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

// Load 返回全部已保存的退出计划。
func (r *SQLiteExitPlans) Load(ctx context.Context) (map[string]ai.ExitPlan, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT symbol, plan FROM exit_plans`)
	if err != nil {
		return nil, fmt.Errorf("execution: 读取退出计划失败: %w", err)
	}
	defer rows.Close()

	plans := make(map[string]ai.ExitPlan)
	for rows.Next() {
		var (
			symbol  string
			payload string
		)
		if err := rows.Scan(&symbol, &payload); err != nil {
			return nil, fmt.Errorf("execution: 解析退出计划失败: %w", err)
		}
		var plan ai.ExitPlan
		if err := json.Unmarshal([]byte(payload), &plan); err != nil {
			return nil, fmt.Errorf("execution: %s 退出计划格式错误: %w", symbol, err)
		}
		plans[symbol] = plan
	}
	return plans, rows.Err()
}

// Save 写入或覆盖交易对的退出计划。
func (r *SQLiteExitPlans) Save(ctx context.Context, symbol string, plan ai.ExitPlan) error {
	payload, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("execution: 序列化退出计划失败: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO exit_plans (symbol, plan, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET plan = excluded.plan, updated_at = excluded.updated_at`,
		symbol, string(payload), r.now().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("execution: 保存 %s 退出计划失败: %w", symbol, err)
	}
	return nil
}

// Delete 删除交易对的退出计划，不存在时不报错。
func (r *SQLiteExitPlans) Delete(ctx context.Context, symbol string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM exit_plans WHERE symbol = ?`, symbol); err != nil {
		return fmt.Errorf("execution: 删除 %s 退出计划失败: %w", symbol, err)
	}
	return nil
}
