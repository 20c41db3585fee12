package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hangingahaw/bluebookify/internal/pipeline"
	"github.com/hangingahaw/bluebookify/internal/rate"
	"github.com/hangingahaw/bluebookify/pkg/contract"
	"github.com/hangingahaw/bluebookify/pkg/registry"
)

// DefaultRetryBackoff 整文件重跑的初始退避（指数增长）。
const DefaultRetryBackoff = time.Second

func configErr(format string, a ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{contract.ErrConfig}, a...)...)
}

// Validate 对最小必要边界做静态校验；错误均包裹 contract.ErrConfig。
func Validate(cfg Config) error {
	if len(cfg.Inputs) == 0 {
		return configErr("inputs empty")
	}
	dash := false
	for _, r := range cfg.Inputs {
		switch strings.TrimSpace(r) {
		case "":
			return configErr("input path cannot be empty")
		case "-":
			dash = true
		}
	}
	if dash && len(cfg.Inputs) > 1 {
		return configErr("'-' cannot be mixed with other roots")
	}
	if cfg.BatchSize < 1 {
		return configErr("batch_size must be >= 1, got %d", cfg.BatchSize)
	}
	if cfg.ContextWidth < 0 {
		return configErr("context_width must be >= 0, got %d", cfg.ContextWidth)
	}
	if cfg.MaxRetries < 0 {
		return configErr("max_retries must be >= 0")
	}
	if cfg.LLM == "" {
		return configErr("llm not set")
	}
	prov, ok := cfg.Provider[cfg.LLM]
	if !ok {
		return configErr("provider %q not found", cfg.LLM)
	}
	if prov.Client == "" {
		return configErr("provider %q missing client", cfg.LLM)
	}
	if registry.LLMClient[prov.Client] == nil {
		return configErr("llm client %q not registered (known: %s)", prov.Client, strings.Join(registry.Names(registry.LLMClient), ", "))
	}
	if l := prov.Limits; l.RPM < 0 || l.TPM < 0 || l.MaxTokensPerReq < 0 {
		return configErr("provider %q limits must be >= 0", cfg.LLM)
	}
	c := effComponents(cfg.Components)
	checks := []struct {
		kind, name string
		ok         bool
	}{
		{"reader", c.Reader, registry.Reader[c.Reader] != nil},
		{"extractor", c.Extractor, registry.Extractor[c.Extractor] != nil},
		{"batcher", c.Batcher, registry.Batcher[c.Batcher] != nil},
		{"prompt_builder", c.PromptBuilder, registry.PromptBuilder[c.PromptBuilder] != nil},
		{"decoder", c.Decoder, registry.Decoder[c.Decoder] != nil},
		{"applier", c.Applier, registry.Applier[c.Applier] != nil},
		{"writer", c.Writer, registry.Writer[c.Writer] != nil},
		{"audit", c.Audit, c.Audit == AuditNone || registry.AuditSink[c.Audit] != nil},
	}
	for _, ck := range checks {
		if !ck.ok {
			return configErr("%s %q not registered", ck.kind, ck.name)
		}
	}
	return nil
}

// Assemble 构造 Components、Settings 与限流 Gate+Key。
// 严格 Options 解析在 registry（工厂）层进行；此处只传 raw JSON。
// 调用方负责关闭 Components.Audit（非 nil 时）。
func Assemble(cfg Config) (pipeline.Components, pipeline.Settings, rate.Gate, rate.LimitKey, error) {
	fail := func(err error) (pipeline.Components, pipeline.Settings, rate.Gate, rate.LimitKey, error) {
		return pipeline.Components{}, pipeline.Settings{}, nil, "", err
	}
	if err := Validate(cfg); err != nil {
		return fail(err)
	}
	n := effComponents(cfg.Components)

	var comp pipeline.Components
	var err error
	if comp.Reader, err = registry.Reader[n.Reader](cfg.Options.Reader); err != nil {
		return fail(fmt.Errorf("reader %s: %w", n.Reader, err))
	}
	if comp.Extractor, err = registry.Extractor[n.Extractor](cfg.Options.Extractor); err != nil {
		return fail(fmt.Errorf("extractor %s: %w", n.Extractor, err))
	}
	if comp.Batcher, err = registry.Batcher[n.Batcher](cfg.Options.Batcher); err != nil {
		return fail(fmt.Errorf("batcher %s: %w", n.Batcher, err))
	}
	pbRaw, err := withRules(cfg.Options.PromptBuilder, cfg.Rules, cfg.RulesPath)
	if err != nil {
		return fail(err)
	}
	if comp.PromptBuilder, err = registry.PromptBuilder[n.PromptBuilder](pbRaw); err != nil {
		return fail(fmt.Errorf("prompt_builder %s: %w", n.PromptBuilder, err))
	}
	if comp.Decoder, err = registry.Decoder[n.Decoder](cfg.Options.Decoder); err != nil {
		return fail(fmt.Errorf("decoder %s: %w", n.Decoder, err))
	}
	if comp.Applier, err = registry.Applier[n.Applier](cfg.Options.Applier); err != nil {
		return fail(fmt.Errorf("applier %s: %w", n.Applier, err))
	}
	if comp.Writer, err = registry.Writer[n.Writer](cfg.Options.Writer); err != nil {
		return fail(fmt.Errorf("writer %s: %w", n.Writer, err))
	}

	prov := cfg.Provider[cfg.LLM]
	if comp.LLM, err = registry.LLMClient[prov.Client](prov.Options); err != nil {
		return fail(fmt.Errorf("llm %s: %w", cfg.LLM, err))
	}

	// 审计最后构造：sqlite 会持有句柄
	if n.Audit != AuditNone {
		if comp.Audit, err = registry.AuditSink[n.Audit](cfg.Options.Audit, comp.Writer); err != nil {
			return fail(fmt.Errorf("audit %s: %w", n.Audit, err))
		}
	}

	// 限流 Gate（按 provider 限额构造；分组键从 options 中派生 API Key，失败退化为 provider 名称）
	key, derr := rate.DeriveKeyFromProviderOptions(prov.Client, prov.Options)
	if derr != nil {
		key = rate.LimitKey(cfg.LLM)
	}
	gate := rate.NewGate(map[rate.LimitKey]rate.Limits{
		key: {RPM: prov.Limits.RPM, TPM: prov.Limits.TPM, MaxTokensPerReq: prov.Limits.MaxTokensPerReq},
	}, nil)

	set := pipeline.Settings{
		Inputs:       cloneStrings(cfg.Inputs),
		BatchSize:    cfg.BatchSize,
		ContextWidth: cfg.ContextWidth,
		Gate:         gate,
		GateKey:      key,
		MaxRetries:   cfg.MaxRetries,
		RetryBackoff: DefaultRetryBackoff,
	}
	return comp, set, gate, key, nil
}

// withRules 将顶层 rules/rules_path 写入 prompt_builder options（顶层优先）。
func withRules(raw json.RawMessage, rules, rulesPath string) (json.RawMessage, error) {
	if rules == "" && rulesPath == "" {
		return raw, nil
	}
	m := map[string]json.RawMessage{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, configErr("options.prompt_builder: %v", err)
		}
	}
	if rules != "" {
		b, _ := json.Marshal(rules)
		m["rules"] = b
	}
	if rulesPath != "" {
		b, _ := json.Marshal(rulesPath)
		m["rules_path"] = b
	}
	return json.Marshal(m)
}

// effComponents 以默认名补齐空组件名。
func effComponents(c Components) Components {
	return Merge(Config{Components: Defaults().Components}, Config{Components: c, ContextWidth: unset, MaxRetries: unset}).Components
}
