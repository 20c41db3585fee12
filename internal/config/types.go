package config

import (
	"encoding/json"
)

// Config: 运行期只读配置（一次解析，运行期不变）。
// JSON/YAML 均使用 snake_case；未知字段在解析期失败。
type Config struct {
	Inputs []string `json:"inputs"`
	// BatchSize: 每次 oracle 调用携带的最大 Span 数（>=1）。
	BatchSize int `json:"batch_size"`
	// ContextWidth: Span 两侧上下文的字符（rune）上限（>=0）。0 具有语义（不带上下文）。
	ContextWidth int `json:"context_width"`
	// Rules / RulesPath: 追加到 system 指令末尾的自定义规则；二者同时提供时 Rules 优先。
	Rules     string `json:"rules,omitempty"`
	RulesPath string `json:"rules_path,omitempty"`
	// MaxRetries: 整文件重跑的最大次数（>=0）。0 表示不重试。
	MaxRetries int     `json:"max_retries"`
	Logging    Logging `json:"logging"`

	// 组件名选择（空则使用默认名）。
	Components Components `json:"components"`

	// LLM Provider 选择与定义。
	LLM      string              `json:"llm"`
	Provider map[string]Provider `json:"provider"`

	// 各组件 Options 子树，原样 JSON 传入工厂。
	Options Options `json:"options"`
}

// Logging: 仅保留日志等级可配置；输出路径与轮转策略为固定默认。
type Logging struct {
	Level string `json:"level"`
}

// Components: 组件名选择（注册表中的实现名）。
// Audit 取 AuditNone 表示不记录审计。
type Components struct {
	Reader        string `json:"reader"`
	Extractor     string `json:"extractor"`
	Batcher       string `json:"batcher"`
	PromptBuilder string `json:"prompt_builder"`
	Decoder       string `json:"decoder"`
	Applier       string `json:"applier"`
	Writer        string `json:"writer"`
	Audit         string `json:"audit"`
}

// AuditNone 关闭审计。
const AuditNone = "none"

// Options: 各组件的原样 JSON Options。
type Options struct {
	Reader        json.RawMessage `json:"reader,omitempty"`
	Extractor     json.RawMessage `json:"extractor,omitempty"`
	Batcher       json.RawMessage `json:"batcher,omitempty"`
	PromptBuilder json.RawMessage `json:"prompt_builder,omitempty"`
	Decoder       json.RawMessage `json:"decoder,omitempty"`
	Applier       json.RawMessage `json:"applier,omitempty"`
	Writer        json.RawMessage `json:"writer,omitempty"`
	Audit         json.RawMessage `json:"audit,omitempty"`
}

// Provider: 命名 provider 定义（client 实现 + options + 限额）。
type Provider struct {
	Client  string          `json:"client"`
	Options json.RawMessage `json:"options,omitempty"`
	Limits  Limits          `json:"limits"`
}

// Limits: 限流配置（仅承载；执行位于 rate.Gate）。0 表示不限。
type Limits struct {
	RPM             int `json:"rpm"`
	TPM             int `json:"tpm"`
	MaxTokensPerReq int `json:"max_tokens_per_req"`
}

// unset 标记“未覆盖”的整数字段（0 对 context_width/max_retries 有语义）。
const unset = -1

// Overlay 返回一个全空的覆盖层：可为 0 的整数字段预置为“未覆盖”。
func Overlay() Config {
	return Config{ContextWidth: unset, MaxRetries: unset}
}
