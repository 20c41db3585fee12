// Package bluebookify 是库形态的入口：对一段文本做引文定位、批量校正与回填。
//
// 一次 Correct 调用：抽取引文 Span → 按 BatchSize 分批依次请求 oracle →
// 严格校验每批回复的 id 集合 → 全部通过后一次性拼接。任一步失败整体失败，原文不被部分修改。
// 库调用不写日志、不重试；oracle 的传输错误原样返回。
package bluebookify

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/hangingahaw/bluebookify/internal/pipeline"
	"github.com/hangingahaw/bluebookify/pkg/contract"
	"github.com/hangingahaw/bluebookify/pkg/registry"
	splice "github.com/hangingahaw/bluebookify/plugins/applier/splice"
	fixed "github.com/hangingahaw/bluebookify/plugins/batcher/fixed"
	citejson "github.com/hangingahaw/bluebookify/plugins/decoder/citejson"
	bbx "github.com/hangingahaw/bluebookify/plugins/extractor/bluebook"
	ant "github.com/hangingahaw/bluebookify/plugins/llmclient/anthropic"
	gmi "github.com/hangingahaw/bluebookify/plugins/llmclient/gemini"
	oai "github.com/hangingahaw/bluebookify/plugins/llmclient/openai"
	pbb "github.com/hangingahaw/bluebookify/plugins/prompt/bluebook"
)

// Config 调用配置。Oracle 与 Provider 二选一（恰好一种绑定方式）。
type Config struct {
	// BatchSize 每次 oracle 调用的最大引文数，须 >= 1。
	BatchSize int
	// ContextWidth 引文两侧上下文的字符（rune）上限，须 >= 0。
	ContextWidth int
	// Rules 原样追加到指令消息末尾的自定义规则。
	Rules string

	// Oracle 直接注入的 oracle 函数。
	Oracle contract.OracleFunc

	// Provider 为 openai / anthropic / gemini 之一；APIKey 必填，Model 为空时取 provider 默认。
	Provider string
	APIKey   string
	Model    string
	// BaseURL 可选：代理或兼容端点。
	BaseURL string
}

// DefaultConfig 返回默认批大小与上下文宽度；调用方仍须提供 oracle 绑定。
func DefaultConfig() Config {
	return Config{BatchSize: 20, ContextWidth: 100}
}

// Output 校正结果。Corrections 按位置升序；无变更时为空切片（非 nil）。
type Output struct {
	Text        string
	Corrections []contract.AppliedChange
	Unchanged   bool
}

var defaultModels = map[string]string{
	"openai":    oai.DefaultModel,
	"anthropic": ant.DefaultModel,
	"gemini":    gmi.DefaultModel,
}

// Providers 返回可由 Provider 字段解析的名称。
func Providers() []string {
	out := make([]string, 0, len(defaultModels))
	for k := range defaultModels {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// DefaultModel 返回 provider 的默认模型名。
func DefaultModel(provider string) (string, bool) {
	m, ok := defaultModels[strings.ToLower(strings.TrimSpace(provider))]
	return m, ok
}

// Validate 在任何 oracle 调用之前检查配置；错误均包裹 contract.ErrConfig。
func (c Config) Validate() error {
	if c.BatchSize < 1 {
		return fmt.Errorf("%w: batch size must be a positive integer, got %d", contract.ErrConfig, c.BatchSize)
	}
	if c.ContextWidth < 0 {
		return fmt.Errorf("%w: context width must be a non-negative integer, got %d", contract.ErrConfig, c.ContextWidth)
	}
	provider := strings.TrimSpace(c.Provider)
	switch {
	case c.Oracle != nil && (provider != "" || c.APIKey != ""):
		return fmt.Errorf("%w: ambiguous oracle binding: set either Oracle or Provider/APIKey, not both", contract.ErrConfig)
	case c.Oracle != nil:
		return nil
	case provider == "":
		if c.APIKey != "" {
			return fmt.Errorf("%w: api key given without provider", contract.ErrConfig)
		}
		return fmt.Errorf("%w: no oracle binding: set Oracle or Provider and APIKey", contract.ErrConfig)
	}
	if _, ok := DefaultModel(provider); !ok {
		return fmt.Errorf("%w: unknown provider %q (known: %s)", contract.ErrConfig, c.Provider, strings.Join(Providers(), ", "))
	}
	if c.APIKey == "" {
		return fmt.Errorf("%w: provider %q requires an api key", contract.ErrConfig, provider)
	}
	return nil
}

// resolveOracle 按配置得到 LLMClient。
func (c Config) resolveOracle() (contract.LLMClient, error) {
	if c.Oracle != nil {
		return c.Oracle, nil
	}
	name := strings.ToLower(strings.TrimSpace(c.Provider))
	model := c.Model
	if model == "" {
		model = defaultModels[name]
	}
	raw, err := json.Marshal(struct {
		APIKey  string `json:"api_key"`
		Model   string `json:"model"`
		BaseURL string `json:"base_url,omitempty"`
	}{c.APIKey, model, c.BaseURL})
	if err != nil {
		return nil, err
	}
	llm, err := registry.LLMClient[name](raw)
	if err != nil {
		return nil, fmt.Errorf("%w: provider %s: %v", contract.ErrConfig, name, err)
	}
	return llm, nil
}

// Correct 校正 text 中的引文。
func Correct(ctx context.Context, text string, cfg Config) (Output, error) {
	if err := cfg.Validate(); err != nil {
		return Output{}, err
	}
	llm, err := cfg.resolveOracle()
	if err != nil {
		return Output{}, err
	}
	ex, err := bbx.New(nil)
	if err != nil {
		return Output{}, err
	}
	pb, err := pbb.New(&pbb.Options{Rules: cfg.Rules})
	if err != nil {
		return Output{}, err
	}
	dec, err := citejson.New(nil)
	if err != nil {
		return Output{}, err
	}
	ap, err := splice.New(nil)
	if err != nil {
		return Output{}, err
	}
	comp := pipeline.Components{
		Extractor:     ex,
		Batcher:       fixed.New(nil),
		PromptBuilder: pb,
		LLM:           llm,
		Decoder:       dec,
		Applier:       ap,
	}
	set := pipeline.Settings{BatchSize: cfg.BatchSize, ContextWidth: cfg.ContextWidth}
	res, _, err := pipeline.Run(ctx, comp, set, "", text, nil)
	if err != nil {
		return Output{}, err
	}
	changes := res.Changes
	if changes == nil {
		changes = []contract.AppliedChange{}
	}
	return Output{Text: res.Text, Corrections: changes, Unchanged: res.Unchanged}, nil
}
