package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/hangingahaw/bluebookify/pkg/contract"
)

// Options: Chat Completions 兼容端点的配置。
type Options struct {
	BaseURL        string `json:"base_url"`        // 例如 https://api.openai.com/v1
	Model          string `json:"model"`           // 为空则使用 DefaultModel
	APIKeyEnv      string `json:"api_key_env"`     // 默认 OPENAI_API_KEY
	APIKey         string `json:"api_key"`         // 明文 key，优先于环境变量
	TimeoutSeconds int    `json:"timeout_seconds"` // 单次请求超时，默认 60
	// Temperature: 未设置时为 0，校正需要确定性输出。
	Temperature *float64 `json:"temperature,omitempty"`
	// MaxTokens: 回复 token 上限；0 表示由服务端决定。
	MaxTokens int  `json:"max_tokens,omitempty"`
	Seed      *int `json:"seed,omitempty"`
	// 兼容服务（Azure/OpenRouter/vLLM 等）：
	EndpointPath       string            `json:"endpoint_path"`        // 覆盖 /chat/completions；可为完整 URL
	DisableDefaultAuth bool              `json:"disable_default_auth"` // 不注入 Authorization: Bearer
	ExtraHeaders       map[string]string `json:"extra_headers"`
}

// DefaultModel: 未指定模型时使用的 provider 默认值。
const DefaultModel = "gpt-4.1-mini"

func (o *Options) defaults() {
	if o.BaseURL == "" {
		o.BaseURL = "https://api.openai.com/v1"
	}
	if o.Model == "" {
		o.Model = DefaultModel
	}
	if o.APIKeyEnv == "" {
		o.APIKeyEnv = "OPENAI_API_KEY"
	}
	if o.EndpointPath == "" {
		o.EndpointPath = "/chat/completions"
	}
	if o.TimeoutSeconds <= 0 {
		o.TimeoutSeconds = 60
	}
	if o.Temperature == nil {
		zero := 0.0
		o.Temperature = &zero
	}
}

// endpoint 拼接完整 URL；endpoint_path 已是完整 URL 时原样使用。
func (o *Options) endpoint() string {
	if strings.HasPrefix(o.EndpointPath, "http://") || strings.HasPrefix(o.EndpointPath, "https://") {
		return o.EndpointPath
	}
	return strings.TrimRight(o.BaseURL, "/") + "/" + strings.TrimLeft(o.EndpointPath, "/")
}

// Client: 一次 Invoke 对应一次 /chat/completions 请求。
type Client struct {
	url     string
	apiKey  string
	model   string
	body    chatRequest // 除 Messages 外的固定字段
	headers http.Header
	do      func(*http.Request) (*http.Response, error)
}

// New 从原样 JSON 选项构造客户端。
func New(raw json.RawMessage) (contract.LLMClient, error) {
	var opts Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &opts); err != nil {
			return nil, fmt.Errorf("openai options: %w", err)
		}
	}
	opts.defaults()
	key := opts.APIKey
	if key == "" {
		key = os.Getenv(opts.APIKeyEnv)
	}
	if key == "" && !opts.DisableDefaultAuth {
		return nil, fmt.Errorf("openai: %w: missing api key (set api_key or %s)", contract.ErrInvalidInput, opts.APIKeyEnv)
	}
	if opts.MaxTokens < 0 {
		return nil, fmt.Errorf("openai: %w: max_tokens must be >= 0", contract.ErrInvalidInput)
	}

	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "application/json")
	if !opts.DisableDefaultAuth {
		h.Set("Authorization", "Bearer "+key)
	}
	for k, v := range opts.ExtraHeaders {
		if k != "" {
			h.Set(k, v)
		}
	}
	hc := &http.Client{Timeout: time.Duration(opts.TimeoutSeconds) * time.Second}
	return &Client{
		url:    opts.endpoint(),
		apiKey: key,
		model:  opts.Model,
		body: chatRequest{
			Model:       opts.Model,
			Temperature: opts.Temperature,
			MaxTokens:   opts.MaxTokens,
			Seed:        opts.Seed,
		},
		headers: h,
		do:      hc.Do,
	}, nil
}

type chatRequest struct {
	Model       string             `json:"model"`
	Messages    []contract.Message `json:"messages"`
	Temperature *float64           `json:"temperature,omitempty"`
	MaxTokens   int                `json:"max_tokens,omitempty"`
	Seed        *int               `json:"seed,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
			Refusal string `json:"refusal"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// Invoke: system + user 消息原样透传，返回首个 choice 的文本。
func (c *Client) Invoke(ctx context.Context, p contract.ChatPrompt) (contract.Raw, error) {
	if len(p) == 0 {
		return contract.Raw{}, fmt.Errorf("openai: %w: empty prompt", contract.ErrInvalidInput)
	}
	reqBody := c.body
	reqBody.Messages = p
	body, err := json.Marshal(&reqBody)
	if err != nil {
		return contract.Raw{}, fmt.Errorf("encode: %v: %w", err, contract.ErrInvalidInput)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return contract.Raw{}, fmt.Errorf("new request: %v: %w", err, contract.ErrInvalidInput)
	}
	req.Header = c.headers.Clone()

	resp, err := c.do(req)
	if err != nil {
		if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			return contract.Raw{}, ctx.Err()
		}
		return contract.Raw{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return contract.Raw{}, statusError(resp)
	}
	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return contract.Raw{}, fmt.Errorf("openai decode: %w", contract.ErrResponseInvalid)
	}
	if len(cr.Choices) == 0 {
		return contract.Raw{}, fmt.Errorf("openai: empty choices: %w", contract.ErrResponseInvalid)
	}
	ch := cr.Choices[0]
	switch {
	case ch.Message.Refusal != "":
		return contract.Raw{}, fmt.Errorf("openai: refused: %s: %w", ch.Message.Refusal, contract.ErrResponseInvalid)
	case ch.FinishReason == "length":
		// 截断的数组必然缺 id，直接报回复无效
		return contract.Raw{}, fmt.Errorf("openai: reply truncated at max_tokens: %w", contract.ErrResponseInvalid)
	case ch.Message.Content == "":
		return contract.Raw{}, fmt.Errorf("openai: empty content: %w", contract.ErrResponseInvalid)
	}
	return contract.Raw{Text: ch.Message.Content}, nil
}

// statusError 读取错误体并按状态码映射（见 contract.StatusError）。
func statusError(resp *http.Response) error {
	slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	return contract.StatusError("openai", resp.StatusCode, errorMessage(slurp))
}

// errorMessage 优先取 {"error":{"message":...}}，否则返回原文。
func errorMessage(b []byte) string {
	var env struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(b, &env) == nil && env.Error.Message != "" {
		return env.Error.Message
	}
	return strings.TrimSpace(string(b))
}

var _ contract.LLMClient = (*Client)(nil)
