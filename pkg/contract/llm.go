package contract

import (
	"context"
	"errors"
	"strings"
)

// Message: 最小会话消息形状。
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// 常用角色名。
const (
	RoleSystem = "system"
	RoleUser   = "user"
)

// ChatPrompt: 一次 oracle 请求的有序消息（至少 system + user）。
type ChatPrompt []Message

// Raw: oracle 返回的原始文本载荷。
// 约束：原样返回，不做清洗/截断/归一化。
type Raw struct {
	Text string
}

// LLMClient: 以 ChatPrompt 为单位与大模型交互，返回原始文本 Raw。
// 单次调用、同步返回；应尊重 ctx 取消/超时。失败原样上抛。
type LLMClient interface {
	Invoke(ctx context.Context, p ChatPrompt) (Raw, error)
}

// OracleFunc 将普通函数适配为 LLMClient，便于调用方直接注入 oracle。
type OracleFunc func(ctx context.Context, msgs []Message) (string, error)

// Invoke 实现 LLMClient。
func (f OracleFunc) Invoke(ctx context.Context, p ChatPrompt) (Raw, error) {
	if f == nil {
		return Raw{}, errors.New("oracle: nil function")
	}
	s, err := f(ctx, []Message(p))
	if err != nil {
		return Raw{}, err
	}
	return Raw{Text: s}, nil
}

var _ LLMClient = OracleFunc(nil)

// TokenEstimator: 近似 token 估算函数（用于限流与预算判定）。
type TokenEstimator func(s string) int

// SplitSystem 将 ChatPrompt 拆为 system 指令（多条以空行连接）与其余会话消息。
// 供只接受独立 system 字段的客户端（Anthropic/Gemini）使用。
func SplitSystem(p ChatPrompt) (string, []Message) {
	var sys []string
	rest := make([]Message, 0, len(p))
	for _, m := range p {
		if m.Role == RoleSystem {
			sys = append(sys, m.Content)
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(sys, "\n\n"), rest
}
