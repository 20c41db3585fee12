package contract

import (
	"fmt"
	"net/http"
)

// UpstreamError: 上游 HTTP 错误的状态码与简短消息，供日志记录结构化字段。
type UpstreamError interface {
	error
	UpstreamStatus() int
	UpstreamMessage() string
}

// upstreamError: 上游 5xx/408。实现 net.Error（Temporary/Timeout）与 UpstreamError，
// 错误分类据此归为网络类，可由调用方重跑。
type upstreamError struct {
	provider string
	status   int
	msg      string
}

func (e upstreamError) Error() string {
	return fmt.Sprintf("%s upstream %d: %s", e.provider, e.status, e.msg)
}
func (e upstreamError) Timeout() bool           { return e.status == http.StatusRequestTimeout }
func (e upstreamError) Temporary() bool         { return e.status/100 == 5 }
func (e upstreamError) UpstreamStatus() int     { return e.status }
func (e upstreamError) UpstreamMessage() string { return e.msg }

// StatusError 将 provider 返回的非 2xx 状态映射为可分类的错误：
//   - 429 → 包裹 ErrRateLimited；
//   - 5xx/408 → 上游错误（网络类）；
//   - 其余 → 包裹 ErrInvalidInput（请求或配置有误，重试无益）。
func StatusError(provider string, status int, msg string) error {
	switch {
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%s upstream %d: %s: %w", provider, status, msg, ErrRateLimited)
	case status == http.StatusRequestTimeout || status/100 == 5:
		return upstreamError{provider: provider, status: status, msg: msg}
	default:
		return fmt.Errorf("%s upstream %d: %s: %w", provider, status, msg, ErrInvalidInput)
	}
}
