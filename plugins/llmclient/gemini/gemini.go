package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/hangingahaw/bluebookify/pkg/contract"
)

// Options: Gemini（Google GenAI SDK）最小必需配置。
type Options struct {
	BaseURL   string `json:"base_url"`    // 可选：覆盖 SDK 默认端点（代理/测试）
	Model     string `json:"model"`       // 默认 DefaultModel
	APIKeyEnv string `json:"api_key_env"` // 默认 GOOGLE_API_KEY
	APIKey    string `json:"api_key"`
	// 客户端超时（秒）。未设置或 <=0 时采用默认 60 秒。
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
	Temperature    *float32 `json:"temperature,omitempty"`
	// JSON 输出 MIME：默认 application/json；设为 "text/plain" 可关闭 JSON 模式。
	ResponseMIMEType string `json:"response_mime_type,omitempty"`
}

// DefaultModel: 未指定模型时使用的 provider 默认值。
const DefaultModel = "gemini-2.5-flash"

func (o *Options) defaults() {
	if o.Model == "" {
		o.Model = DefaultModel
	}
	if o.APIKeyEnv == "" {
		o.APIKeyEnv = "GOOGLE_API_KEY"
	}
	if o.TimeoutSeconds <= 0 {
		o.TimeoutSeconds = 60
	}
	if o.ResponseMIMEType == "" {
		o.ResponseMIMEType = "application/json"
	}
}

// Client: 基于 google.golang.org/genai 的 generateContent 调用。
type Client struct {
	models *genai.Models
	model  string
	temp   *float32
	mime   string
}

// New 从原样 JSON 选项构造客户端。
func New(raw json.RawMessage) (contract.LLMClient, error) {
	var opts Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &opts); err != nil {
			return nil, fmt.Errorf("gemini options: %w", err)
		}
	}
	opts.defaults()
	key := opts.APIKey
	if key == "" && opts.APIKeyEnv != "" {
		key = os.Getenv(opts.APIKeyEnv)
	}
	if key == "" {
		return nil, fmt.Errorf("gemini: %w: missing api key", contract.ErrInvalidInput)
	}
	cfg := &genai.ClientConfig{
		APIKey:     key,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Timeout: time.Duration(opts.TimeoutSeconds) * time.Second},
	}
	if opts.BaseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: strings.TrimRight(opts.BaseURL, "/") + "/"}
	}
	// NewClient 不发起网络请求，仅校验配置。
	client, err := genai.NewClient(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini client: %v: %w", err, contract.ErrInvalidInput)
	}
	return &Client{models: client.Models, model: opts.Model, temp: opts.Temperature, mime: opts.ResponseMIMEType}, nil
}

// Invoke: system 指令走 SystemInstruction，其余消息按角色映射为 Content。
func (c *Client) Invoke(ctx context.Context, p contract.ChatPrompt) (contract.Raw, error) {
	sys, msgs := contract.SplitSystem(p)
	if len(msgs) == 0 {
		return contract.Raw{}, fmt.Errorf("gemini: %w: no user message", contract.ErrInvalidInput)
	}
	contents := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		role := genai.Role(genai.RoleUser)
		if m.Role == "assistant" || m.Role == "model" {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}
	gc := &genai.GenerateContentConfig{Temperature: c.temp}
	if sys != "" {
		gc.SystemInstruction = genai.NewContentFromText(sys, genai.RoleUser)
	}
	if c.mime != "text/plain" {
		gc.ResponseMIMEType = c.mime
	}
	resp, err := c.models.GenerateContent(ctx, c.model, contents, gc)
	if err != nil {
		if ctx.Err() != nil {
			return contract.Raw{}, ctx.Err()
		}
		var apiErr genai.APIError
		if errors.As(err, &apiErr) && apiErr.Code != 0 {
			return contract.Raw{}, contract.StatusError("gemini", apiErr.Code, apiErr.Message)
		}
		return contract.Raw{}, err
	}
	text := resp.Text()
	if text == "" {
		return contract.Raw{}, fmt.Errorf("gemini: empty candidates: %w", contract.ErrResponseInvalid)
	}
	return contract.Raw{Text: text}, nil
}

var _ contract.LLMClient = (*Client)(nil)
