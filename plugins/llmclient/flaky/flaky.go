package flaky

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/hangingahaw/bluebookify/pkg/contract"
	"github.com/hangingahaw/bluebookify/plugins/llmclient/mock"
)

// 故障步骤名。每次 Invoke 消耗一步，脚本耗尽后按 mock normalize 正常回复。
const (
	StepRateLimited = "rate_limited" // 返回 ErrRateLimited
	StepUpstream    = "upstream"     // 返回 5xx 类上游错误（网络类）
	StepProse       = "prose"        // 回复一段不含数组的文字
	StepDropLast    = "drop_last"    // 正常回复但漏掉最后一个 id
)

// DefaultScript 未配置 script 时的故障序列。
var DefaultScript = []string{StepRateLimited, StepProse}

// Options 定义可选项。
type Options struct {
	// Script: 依次注入的故障；为空使用 DefaultScript，显式 [] 表示不注入。
	Script *[]string `json:"script,omitempty"`
	// LogPath: 调试用日志文件，每次调用追加一行步骤名（成功为 "ok"）。
	LogPath string `json:"log_path,omitempty"`
}

// Client 是带状态的 oracle，用于覆盖调用方重试路径。状态跨文件、跨重试累积。
type Client struct {
	mu      sync.Mutex
	script  []string
	calls   int
	logPath string
	ok      contract.LLMClient
	drop    contract.LLMClient
}

// New 构造 Client；未知步骤名返回 ErrInvalidInput。
func New(raw json.RawMessage) (contract.LLMClient, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, fmt.Errorf("flaky options: %w", err)
		}
	}
	script := DefaultScript
	if o.Script != nil {
		script = *o.Script
	}
	for _, s := range script {
		switch s {
		case StepRateLimited, StepUpstream, StepProse, StepDropLast:
		default:
			return nil, fmt.Errorf("flaky: unknown step %q: %w", s, contract.ErrInvalidInput)
		}
	}
	ok, err := mock.New(nil)
	if err != nil {
		return nil, err
	}
	drop, err := mock.New(json.RawMessage(`{"response_mode":"drop_last"}`))
	if err != nil {
		return nil, err
	}
	return &Client{script: append([]string(nil), script...), logPath: o.LogPath, ok: ok, drop: drop}, nil
}

// next 取出本次调用的步骤；脚本耗尽返回 "ok"。
func (c *Client) next() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	step := "ok"
	if c.calls < len(c.script) {
		step = c.script[c.calls]
	}
	c.calls++
	if c.logPath != "" {
		_ = appendLine(c.logPath, step)
	}
	return step
}

func appendLine(path, s string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(s + "\n")
	return err
}

// Invoke 实现 contract.LLMClient。
func (c *Client) Invoke(ctx context.Context, p contract.ChatPrompt) (contract.Raw, error) {
	if err := ctx.Err(); err != nil {
		return contract.Raw{}, err
	}
	switch c.next() {
	case StepRateLimited:
		return contract.Raw{}, contract.ErrRateLimited
	case StepUpstream:
		return contract.Raw{}, contract.StatusError("flaky", 503, "service unavailable")
	case StepProse:
		_, msgs := contract.SplitSystem(p)
		n := 0
		if len(msgs) > 0 {
			n = len(mock.ParseLines(msgs[len(msgs)-1].Content))
		}
		return contract.Raw{Text: fmt.Sprintf("I reviewed %d citation%s and they look fine.", n, plural(n))}, nil
	case StepDropLast:
		return c.drop.Invoke(ctx, p)
	default:
		return c.ok.Invoke(ctx, p)
	}
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}

var _ contract.LLMClient = (*Client)(nil)
