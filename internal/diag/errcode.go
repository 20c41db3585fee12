package diag

import (
	"context"
	"errors"
	"net"
	"os"
	"time"

	"github.com/hangingahaw/bluebookify/pkg/contract"
)

// Code 是最小错误分类代码。
// 用于日志/指标汇总与调用方重试策略，与退出码解耦。
type Code string

const (
	CodeUnknown   Code = "unknown"
	CodeNetwork   Code = "network"
	CodeProtocol  Code = "protocol"
	CodeIntegrity Code = "integrity"
	CodeInvariant Code = "invariant"
	CodeConfig    Code = "config"
	CodeBudget    Code = "budget"
	CodeCancel    Code = "cancel"
	CodeIO        Code = "io"
)

// Classify 将错误归为最小分类。
// 仅依赖哨兵错误与标准库错误类型，不做字符串匹配。
func Classify(err error) Code {
	if err == nil {
		return CodeUnknown
	}
	// 取消/超时优先
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return CodeCancel
	}
	if errors.Is(err, contract.ErrConfig) {
		return CodeConfig
	}
	if errors.Is(err, contract.ErrBudgetExceeded) || errors.Is(err, contract.ErrRateLimited) {
		return CodeBudget
	}
	if errors.Is(err, contract.ErrResponseInvalid) {
		return CodeProtocol
	}
	// 批次/对账：回复与请求的 id 集合不一致
	if errors.Is(err, contract.ErrBatchMismatch) || errors.Is(err, contract.ErrReconcile) {
		return CodeIntegrity
	}
	if errors.Is(err, contract.ErrInvalidInput) || errors.Is(err, contract.ErrPathInvalid) {
		return CodeInvariant
	}
	var perr *os.PathError
	if errors.As(err, &perr) {
		return CodeIO
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return CodeNetwork
	}
	return CodeUnknown
}

// Retryable 报告该分类是否值得由调用方整体重跑。
// oracle 的临时失败（网络、限流、回复形状/覆盖不完整）可能在下一次调用中消失。
func Retryable(c Code) bool {
	switch c {
	case CodeNetwork, CodeBudget, CodeProtocol, CodeIntegrity:
		return true
	}
	return false
}

// NowUTC 返回 RFC3339 UTC 时间字符串（用于结构化日志字段 ts）。
func NowUTC() string { return time.Now().UTC().Format(time.RFC3339) }
