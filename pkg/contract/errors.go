package contract

import "errors"

// 最小错误分类（用于上层策略判定与日志归类）。
// 所有阶段错误均以 %w 包裹以下哨兵之一；oracle 传输错误除外（原样上抛，不包裹）。
var (
	// ErrInvalidInput: 调用参数非法（如 batch size < 1、上下文宽度为负）。
	ErrInvalidInput = errors.New("invalid input")
	// ErrConfig: 配置错误（缺少 oracle 绑定、未知 provider 等），在任何 oracle 调用前检出。
	ErrConfig = errors.New("config invalid")
	// ErrResponseInvalid: oracle 回复形状错误（无数组、记录非法、空替换、重复 id）。
	ErrResponseInvalid = errors.New("response invalid")
	// ErrBatchMismatch: 回复的 id 集合与所属批次不一致（多出或缺失）。
	ErrBatchMismatch = errors.New("batch mismatch")
	// ErrReconcile: 最终应用时 Span 与 Correction 无法一一对应。
	ErrReconcile = errors.New("reconcile failed")
	// ErrRateLimited: 上游限流。
	ErrRateLimited = errors.New("rate limited")
	// ErrBudgetExceeded: 预算或配额不足（如单请求 token 上限）。
	ErrBudgetExceeded = errors.New("budget exceeded")
	// ErrPathInvalid: 目标标识映射为无效/越界路径（例如绝对路径或 '..' 逃逸）。
	ErrPathInvalid = errors.New("path invalid")
)
