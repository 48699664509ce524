package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"vibe-trader/internal/config"
)

// Store 封装 SQLite 连接，供风控日度追踪与事件日志共用。
type Store struct {
	db *sql.DB
}

// 打开连接后依次执行的 PRAGMA。
var pragmas = []struct {
	stmt string
	desc string
}{
	{"PRAGMA journal_mode=WAL;", "WAL 模式"},
	{"PRAGMA synchronous=NORMAL;", "同步级别"},
}

// NewSQLite 根据配置初始化 SQLite 存储。
func NewSQLite(cfg config.DatabaseConfig) (*Store, error) {
	dsn, err := dataSource(cfg)
	if err != nil {
		return nil, err
	}

	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("打开 SQLite 数据库失败: %w", err)
	}

	// 每个 :memory: 连接都是独立数据库，只能保留一个连接。
	if cfg.InMemory {
		conn.SetMaxOpenConns(1)
		conn.SetMaxIdleConns(1)
		conn.SetConnMaxLifetime(0)
	} else {
		conn.SetMaxOpenConns(cfg.MaxOpenConns)
		conn.SetMaxIdleConns(cfg.MaxIdleConns)
		conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	for _, p := range pragmas {
		if _, err := conn.Exec(p.stmt); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("设置 SQLite %s失败: %w", p.desc, err)
		}
	}
	return &Store{db: conn}, nil
}

func dataSource(cfg config.DatabaseConfig) (string, error) {
	path := ":memory:"
	if !cfg.InMemory {
		if cfg.Path == "" {
			return "", fmt.Errorf("store: 未配置数据库路径")
		}
		if err := ensureDir(filepath.Dir(cfg.Path)); err != nil {
			return "", err
		}
		path = cfg.Path
	}
	return path + "?_busy_timeout=5000&_foreign_keys=on", nil
}

// NewInMemory 创建内存数据库，用于测试与回测。
func NewInMemory() (*Store, error) {
	return NewSQLite(config.DatabaseConfig{InMemory: true})
}

// DB 返回底层 *sql.DB.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Migrate 依次执行建表语句。
func (s *Store) Migrate(ctx context.Context, statements ...string) error {
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: 初始化表结构失败: %w", err)
		}
	}
	return nil
}

// Close 关闭数据库连接。
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func ensureDir(path string) error {
	if path == "" || path == "." {
		return nil
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("创建目录 %q 失败: %w", path, err)
	}
	return nil
}
