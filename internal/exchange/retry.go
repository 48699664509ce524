package exchange

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"vibe-trader/internal/config"
)

// Retrier 以指数退避重试可恢复的交易所调用。
type Retrier struct {
	cfg    config.RetryConfig
	logger *zap.Logger
}

// NewRetrier 创建重试器。
func NewRetrier(cfg config.RetryConfig, logger *zap.Logger) *Retrier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.MinDelay <= 0 {
		cfg.MinDelay = 500 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Second
	}
	return &Retrier{cfg: cfg, logger: logger}
}

// Do 执行 fn，可重试错误按退避等待后重试，直至成功或次数耗尽。
// 维护与鉴权类错误立即返回。
func (r *Retrier) Do(ctx context.Context, operation string, fn func() error) error {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		start := time.Now()
		err := fn()
		fields := []zap.Field{
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("latency", time.Since(start)),
		}
		if err == nil {
			if attempt > 1 {
				r.logger.Info("交易所调用重试后成功", fields...)
			}
			return nil
		}

		normalized, retry := Classify(err)
		fields = append(fields, zap.Error(normalized))
		switch {
		case errors.Is(normalized, ErrMaintenance):
			r.logger.Warn("交易所维护中", fields...)
			return normalized
		case !retry || attempt >= r.cfg.MaxAttempts:
			r.logger.Error("交易所调用失败", fields...)
			return normalized
		}

		wait := r.backoff(attempt)
		r.logger.Warn("交易所调用失败，等待重试", append(fields, zap.Duration("wait", wait))...)
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// backoff 返回第 attempt 次失败后的等待时长：MinDelay 翻倍，封顶 MaxDelay。
func (r *Retrier) backoff(attempt int) time.Duration {
	wait := r.cfg.MinDelay
	for i := 1; i < attempt && wait < r.cfg.MaxDelay; i++ {
		wait *= 2
	}
	return min(wait, r.cfg.MaxDelay)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
