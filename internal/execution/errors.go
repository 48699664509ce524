package execution

import (
	"errors"

	"vibe-trader/internal/ai"
)

var (
	// ErrInsufficientBalance 表示可用余额不足以支付保证金与手续费。
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrPositionNotFound 表示目标交易对没有持仓。
	ErrPositionNotFound = errors.New("position not found")
	// ErrPositionExists 表示交易对已有持仓，需先平仓。
	ErrPositionExists = errors.New("position already exists")
	// ErrInvalidDecision 表示决策无法执行。
	ErrInvalidDecision = ai.ErrInvalidDecision
	// ErrBackendUnavailable 表示执行后端暂时不可用。
	ErrBackendUnavailable = errors.New("execution backend unavailable")
)
