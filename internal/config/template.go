package config

import (
	"encoding/json"
	"strings"
)

// DefaultTemplateConfig 返回一个“可运行”的默认配置模板：
// 使用 mock LLM（离线调试友好），默认输入为 STDIN（"-"），Writer 输出到 ./out，
// 审计写 jsonl 边车；其余 provider 给出全部选项键，值为空/默认。
func DefaultTemplateConfig() Config {
	d := Defaults()
	cfg := Config{
		Inputs:       []string{"-"},
		BatchSize:    d.BatchSize,
		ContextWidth: d.ContextWidth,
		MaxRetries:   2,
		Logging:      d.Logging,
		Components:   d.Components,
		LLM:          "mock",
		Provider: map[string]Provider{
			"mock": {
				Client:  "mock",
				Options: json.RawMessage(`{"api_key":"","response_mode":""}`),
				Limits:  Limits{RPM: 60, TPM: 100000, MaxTokensPerReq: 16000},
			},
			"openai": {
				Client: "openai",
				Options: json.RawMessage(`{
  "base_url": "",
  "model": "",
  "api_key_env": "OPENAI_API_KEY",
  "api_key": "",
  "timeout_seconds": 60,
  "max_tokens": 0,
  "endpoint_path": "",
  "disable_default_auth": false,
  "extra_headers": {}
}`),
			},
			"gemini": {
				Client: "gemini",
				Options: json.RawMessage(`{
  "base_url": "",
  "model": "",
  "api_key_env": "GOOGLE_API_KEY",
  "api_key": "",
  "timeout_seconds": 60,
  "response_mime_type": "application/json"
}`),
			},
			"anthropic": {
				Client: "anthropic",
				Options: json.RawMessage(`{
  "base_url": "",
  "model": "",
  "api_key_env": "ANTHROPIC_API_KEY",
  "api_key": "",
  "max_tokens": 4096,
  "timeout_seconds": 60
}`),
			},
		},
	}
	cfg.Options.Reader = json.RawMessage(`{
  "buf_size": 65536,
  "exclude_dir_names": [".git", "node_modules", "vendor", "out"],
  "include": ["**/*.{md,txt}"],
  "exclude": []
}`)
	cfg.Options.Extractor = json.RawMessage(`{
  "matchers": [],
  "disable_signals": false,
  "max_input_bytes": 0
}`)
	cfg.Options.Batcher = json.RawMessage(`{"max_batch_bytes": 0}`)
	cfg.Options.PromptBuilder = json.RawMessage(`{
  "inline_system_template": "",
  "system_template_path": "",
  "rules": "",
  "rules_path": ""
}`)
	cfg.Options.Decoder = json.RawMessage(`{}`)
	cfg.Options.Applier = json.RawMessage(`{}`)
	cfg.Options.Writer = json.RawMessage(`{
  "output_dir": "out",
  "atomic": true,
  "flat": false,
  "buf_size": 65536
}`)
	cfg.Options.Audit = json.RawMessage(`{"skip_empty": false}`)
	return cfg
}

// DotEnvTemplate 返回 .env 模板内容：列出支持的覆盖项与常见供应商密钥（值为空）。
func DotEnvTemplate() string {
	var b strings.Builder
	b.WriteString("# bluebookify .env 模板（由 init-config 生成）\n")
	b.WriteString("# 优先级：CLI > ENV(.env) > 配置文件 > 默认值；空值表示未设置。\n\n")

	b.WriteString("# 配置来源（二选一）\n")
	b.WriteString(EnvPrefix + "CONFIG_FILE=\n")
	b.WriteString(EnvPrefix + "CONFIG_JSON=\n\n")

	b.WriteString("# 运行参数覆盖\n")
	for _, k := range []string{"INPUTS", "BATCH_SIZE", "CONTEXT_WIDTH", "MAX_RETRIES", "RULES", "RULES_PATH", "LOG_LEVEL", "LLM"} {
		b.WriteString(EnvPrefix + k + "=\n")
	}
	b.WriteString("\n# 组件选择\n")
	for _, k := range []string{"READER", "EXTRACTOR", "BATCHER", "PROMPT_BUILDER", "DECODER", "APPLIER", "WRITER", "AUDIT"} {
		b.WriteString(EnvPrefix + "COMPONENTS_" + k + "=\n")
	}
	for _, p := range []string{"openai", "gemini", "anthropic"} {
		b.WriteString("\n# Provider 覆盖（" + p + "）\n")
		for _, f := range []string{"CLIENT", "LIMITS_RPM", "LIMITS_TPM", "LIMITS_MAX_TOKENS_PER_REQ", "OPTIONS_JSON"} {
			b.WriteString(EnvPrefix + "PROVIDER__" + p + "__" + f + "=\n")
		}
	}
	b.WriteString("\n# 供应商 API Key（由客户端直接读取，不带前缀）\n")
	b.WriteString("OPENAI_API_KEY=\nGOOGLE_API_KEY=\nANTHROPIC_API_KEY=\n")
	return b.String()
}
