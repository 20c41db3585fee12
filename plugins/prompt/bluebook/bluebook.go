package bluebook

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/template"

	"github.com/hangingahaw/bluebookify/pkg/contract"
)

// Options 为 Bluebook 校正 PromptBuilder 的配置。
// - InlineSystemTemplate / SystemTemplatePath: system 指令模板（二选一，均为空时使用内置模板）。
// - Rules / RulesPath: 调用方自定义规则文本（二选一），原样并入 system 指令。
type Options struct {
	InlineSystemTemplate string `json:"inline_system_template"`
	SystemTemplatePath   string `json:"system_template_path"`
	Rules                string `json:"rules"`
	RulesPath            string `json:"rules_path"`
}

// Builder: 以 Batch 构造两条消息（system 指令 + user 数据）。
// 模板与规则在构造期加载并渲染；Build 不做 I/O。
type Builder struct {
	system string
}

// New 创建 PromptBuilder。
func New(opts *Options) (*Builder, error) {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	src := defaultSystemTemplate
	if o.InlineSystemTemplate != "" {
		src = o.InlineSystemTemplate
	} else if o.SystemTemplatePath != "" {
		b, err := os.ReadFile(o.SystemTemplatePath)
		if err != nil {
			return nil, fmt.Errorf("system template read: %w", err)
		}
		src = string(b)
	}
	tpl, err := template.New("system").Parse(src)
	if err != nil {
		return nil, fmt.Errorf("system template parse: %w", err)
	}
	rules := o.Rules
	if rules == "" && o.RulesPath != "" {
		b, err := os.ReadFile(o.RulesPath)
		if err != nil {
			return nil, fmt.Errorf("rules read: %w", err)
		}
		rules = string(b)
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, struct{ Rules string }{Rules: rules}); err != nil {
		return nil, fmt.Errorf("system render: %w", err)
	}
	return &Builder{system: buf.String()}, nil
}

// System 返回渲染后的固定 system 指令。
func (b *Builder) System() string { return b.system }

// Build 构造 [system, user]。user 每行一个 Span：[id] "before" [text] "after"。
func (b *Builder) Build(ctx context.Context, batch contract.Batch) (contract.ChatPrompt, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if len(batch.Spans) == 0 {
		return nil, fmt.Errorf("prompt: %w: empty batch", contract.ErrInvalidInput)
	}
	var uw strings.Builder
	for _, s := range batch.Spans {
		uw.WriteByte('[')
		uw.WriteString(strconv.Itoa(s.ID))
		uw.WriteString(`] "`)
		uw.WriteString(oneLine(s.Before))
		uw.WriteString(`" [`)
		uw.WriteString(oneLine(s.Text))
		uw.WriteString(`] "`)
		uw.WriteString(oneLine(s.After))
		uw.WriteString("\"\n")
	}
	return contract.ChatPrompt{
		{Role: contract.RoleSystem, Content: b.system},
		{Role: contract.RoleUser, Content: uw.String()},
	}, nil
}

// oneLine 将换行折叠为空格，保证一行一个 Span。仅影响发送给 oracle 的视图。
func oneLine(s string) string {
	if !strings.ContainsAny(s, "\r\n") {
		return s
	}
	return strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(s)
}

// 静态接口断言
var _ contract.PromptBuilder = (*Builder)(nil)

// 默认 system 模板；{{.Rules}} 为调用方自定义规则（原样并入）。
const defaultSystemTemplate = `You are an expert legal citation editor. Correct each citation so that it conforms to The Bluebook: A Uniform System of Citation (21st ed.).

## Rules
- Case names: italicize with *asterisks*, abbreviate per Table T6, use "v." between parties.
- Reporters: use the abbreviations of Table T1 (e.g. "U.S.", "F.3d", "S. Ct."), with correct spacing.
- Courts and dates: the parenthetical holds the court abbreviation (omit for U.S. Supreme Court) and year.
- Statutes: "42 U.S.C. § 1983 (2018)"; use "§§" for multiple sections.
- Short forms and "Id.": keep them as short forms; italicize "Id." and fix pin cite formatting.
- Signals (See, See also, Cf., But see, E.g., ...): italicize and capitalize per position; keep them attached to the citation they introduce.
- Preserve the meaning: never invent volumes, pages, courts or years. If a citation is already correct, return it unchanged.
{{if .Rules}}
## Additional Rules
{{.Rules}}
{{end}}
## Input
Each line of the user message is one citation:
[id] "text before" [citation] "text after"
The surrounding text is context only; correct ONLY the bracketed citation.

## Output (Very Important)
Return a single JSON array and nothing else: no prose, no markdown.
Each element is {"id": <id>, "citation": "<corrected citation>"}.
Include every id from the input exactly once, and no other ids.

<example>
user: [0] "The Court held in" [Marbury v Madison, 5 US 137 (1803)] "that"
assistant: [{"id": 0, "citation": "*Marbury v. Madison*, 5 U.S. 137 (1803)"}]
</example>
`
