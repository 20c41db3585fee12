package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/hangingahaw/bluebookify/pkg/contract"
)

// Options: Anthropic Messages API 最小必需配置。
type Options struct {
	BaseURL        string   `json:"base_url"`    // 可选：覆盖默认端点（代理/测试）
	Model          string   `json:"model"`       // 默认 DefaultModel
	APIKeyEnv      string   `json:"api_key_env"` // 默认 ANTHROPIC_API_KEY
	APIKey         string   `json:"api_key"`
	MaxTokens      int64    `json:"max_tokens"`      // 回复 token 上限，默认 4096
	TimeoutSeconds int      `json:"timeout_seconds"` // 默认 60 秒
	Temperature    *float64 `json:"temperature,omitempty"`
}

// DefaultModel: 未指定模型时使用的 provider 默认值。
const DefaultModel = "claude-sonnet-4-5"

func (o *Options) defaults() {
	if o.Model == "" {
		o.Model = DefaultModel
	}
	if o.APIKeyEnv == "" {
		o.APIKeyEnv = "ANTHROPIC_API_KEY"
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = 4096
	}
	if o.TimeoutSeconds <= 0 {
		o.TimeoutSeconds = 60
	}
}

// Client: 基于 anthropic-sdk-go 的单轮调用。
type Client struct {
	api       sdk.Client
	model     string
	maxTokens int64
	temp      *float64
}

// New 从原样 JSON 选项构造客户端。SDK 内置重试被关闭：重试策略属于调用方。
func New(raw json.RawMessage) (contract.LLMClient, error) {
	var opts Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &opts); err != nil {
			return nil, fmt.Errorf("anthropic options: %w", err)
		}
	}
	opts.defaults()
	key := opts.APIKey
	if key == "" && opts.APIKeyEnv != "" {
		key = os.Getenv(opts.APIKeyEnv)
	}
	if key == "" {
		return nil, fmt.Errorf("anthropic: %w: missing api key", contract.ErrInvalidInput)
	}
	ro := []option.RequestOption{
		option.WithAPIKey(key),
		option.WithMaxRetries(0),
		option.WithHTTPClient(&http.Client{Timeout: time.Duration(opts.TimeoutSeconds) * time.Second}),
	}
	if opts.BaseURL != "" {
		ro = append(ro, option.WithBaseURL(strings.TrimRight(opts.BaseURL, "/")+"/"))
	}
	return &Client{
		api:       sdk.NewClient(ro...),
		model:     opts.Model,
		maxTokens: opts.MaxTokens,
		temp:      opts.Temperature,
	}, nil
}

// Invoke: system 指令走独立 System 字段，其余消息按角色映射。
func (c *Client) Invoke(ctx context.Context, p contract.ChatPrompt) (contract.Raw, error) {
	sys, msgs := contract.SplitSystem(p)
	if len(msgs) == 0 {
		return contract.Raw{}, fmt.Errorf("anthropic: %w: no user message", contract.ErrInvalidInput)
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		MaxTokens: c.maxTokens,
		Messages:  make([]sdk.MessageParam, 0, len(msgs)),
	}
	if sys != "" {
		params.System = []sdk.TextBlockParam{{Text: sys}}
	}
	if c.temp != nil {
		params.Temperature = sdk.Float(*c.temp)
	}
	for _, m := range msgs {
		if m.Role == "assistant" {
			params.Messages = append(params.Messages, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
			continue
		}
		params.Messages = append(params.Messages, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
	}
	msg, err := c.api.Messages.New(ctx, params)
	if err != nil {
		if ctx.Err() != nil {
			return contract.Raw{}, ctx.Err()
		}
		var apiErr *sdk.Error
		if errors.As(err, &apiErr) && apiErr.StatusCode != 0 {
			return contract.Raw{}, contract.StatusError("anthropic", apiErr.StatusCode, apiMessage(apiErr))
		}
		return contract.Raw{}, err
	}
	if string(msg.StopReason) == "max_tokens" {
		// 截断的数组必然缺 id
		return contract.Raw{}, fmt.Errorf("anthropic: reply truncated at max_tokens: %w", contract.ErrResponseInvalid)
	}
	for _, block := range msg.Content {
		if block.Type == "text" {
			return contract.Raw{Text: block.Text}, nil
		}
	}
	return contract.Raw{}, fmt.Errorf("anthropic: no text content: %w", contract.ErrResponseInvalid)
}

// apiMessage 取错误体中的 error.message（如 "Overloaded"），取不到时退回状态文本。
func apiMessage(e *sdk.Error) string {
	var env struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal([]byte(e.RawJSON()), &env) == nil && env.Error.Message != "" {
		return env.Error.Message
	}
	return http.StatusText(e.StatusCode)
}

var _ contract.LLMClient = (*Client)(nil)
