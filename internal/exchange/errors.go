package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	ccxt "github.com/ccxt/ccxt/go/v4"
)

var (
	// ErrMaintenance 表示交易所处于维护状态，本周期应跳过交易。
	ErrMaintenance = errors.New("exchange on maintenance")
	// ErrInsufficientFunds 表示交易所拒绝了保证金不足的订单。
	ErrInsufficientFunds = errors.New("exchange insufficient funds")
	// ErrOrderRejected 表示订单参数被交易所拒绝，重试不会成功。
	ErrOrderRejected = errors.New("exchange rejected order")
	// ErrAuthentication 表示 API 凭证无效或权限不足。
	ErrAuthentication = errors.New("exchange authentication failed")
)

// transient 中的错误类型可以重试。
var transient = map[ccxt.ErrorType]bool{
	ccxt.NetworkErrorErrType:         true,
	ccxt.RequestTimeoutErrType:       true,
	ccxt.ExchangeNotAvailableErrType: true,
	ccxt.RateLimitExceededErrType:    true,
	ccxt.DDoSProtectionErrType:       true,
	ccxt.BadResponseErrType:          true,
	ccxt.NullResponseErrType:         true,
}

// terminal 把不可重试的 ccxt 错误映射为本地哨兵错误。
var terminal = map[ccxt.ErrorType]error{
	ccxt.OnMaintenanceErrType:       ErrMaintenance,
	ccxt.InsufficientFundsErrType:   ErrInsufficientFunds,
	ccxt.InvalidOrderErrType:        ErrOrderRejected,
	ccxt.AuthenticationErrorErrType: ErrAuthentication,
	ccxt.PermissionDeniedErrType:    ErrAuthentication,
}

// IsRetryable 判断错误是否可重试。
func IsRetryable(err error) bool {
	_, retry := Classify(err)
	return retry
}

// Classify 把交易所错误归一化为哨兵错误，并判断是否可重试。
func Classify(err error) (error, bool) {
	if err == nil {
		return nil, false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err, false
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		if transient[ccxtErr.Type] {
			return err, true
		}
		if sentinel, ok := terminal[ccxtErr.Type]; ok {
			message := strings.TrimSpace(ccxtErr.Message)
			if message == "" {
				message = string(ccxtErr.Type)
			}
			return fmt.Errorf("%w: %s", sentinel, message), false
		}
		return err, false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return err, true
	}
	return err, false
}
