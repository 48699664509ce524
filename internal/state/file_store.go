package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"vibe-trader/internal/execution"
)

// FileStore 把模拟引擎快照保存为 JSON 文件，写入先落到临时文件再改名替换。
type FileStore struct {
	path   string
	logger *zap.Logger
}

// NewFileStore 创建快照文件存储。
func NewFileStore(path string, logger *zap.Logger) *FileStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileStore{path: path, logger: logger}
}

// Path 返回快照文件路径。
func (s *FileStore) Path() string {
	return s.path
}

// Save 写入快照。
func (s *FileStore) Save(snapshot execution.Snapshot) error {
	if s.path == "" {
		return nil
	}
	if dir := filepath.Dir(s.path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("state: 创建目录 %q 失败: %w", dir, err)
		}
	}

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("state: 序列化快照失败: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("state: 写入临时文件失败: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("state: 替换快照文件失败: %w", err)
	}

	s.logger.Debug("快照已保存",
		zap.String("path", s.path),
		zap.Int("positions", len(snapshot.Account.Positions)),
		zap.Int("orders", len(snapshot.Orders)),
	)
	return nil
}

// Load 读取快照，文件不存在时第二个返回值为 false。
func (s *FileStore) Load() (execution.Snapshot, bool, error) {
	var snapshot execution.Snapshot
	if s.path == "" {
		return snapshot, false, nil
	}

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return snapshot, false, nil
	}
	if err != nil {
		return snapshot, false, fmt.Errorf("state: 读取快照失败: %w", err)
	}
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return snapshot, false, fmt.Errorf("state: 解析快照失败: %w", err)
	}
	return snapshot, true, nil
}

// Restore 从文件恢复引擎状态，文件不存在时保持引擎初始状态。
func (s *FileStore) Restore(engine *execution.MockEngine) (bool, error) {
	snapshot, ok, err := s.Load()
	if err != nil || !ok {
		return false, err
	}
	if err := engine.Restore(snapshot); err != nil {
		return false, fmt.Errorf("state: 恢复引擎失败: %w", err)
	}

	s.logger.Info("已从快照恢复模拟账户",
		zap.String("path", s.path),
		zap.Time("saved_at", snapshot.Metadata.SavedAt.Time),
		zap.Int("positions", len(snapshot.Account.Positions)),
	)
	return true, nil
}
