package bluebook

import (
	"context"
	"fmt"

	"github.com/hangingahaw/bluebookify/pkg/contract"
)

// Options 为 Bluebook 抽取器的可选配置。
type Options struct {
	// Matchers: 启用的匹配器名称子集（case/short/statute/id），保持内置顺序。
	// 为空表示全部启用。
	Matchers []string `json:"matchers"`
	// DisableSignals: 关闭引导信号并入。
	DisableSignals bool `json:"disable_signals"`
	// MaxInputBytes: 单次输入最大字节数。0 表示不限制。
	MaxInputBytes int `json:"max_input_bytes"`
}

// Extractor 实现 contract.Extractor。
type Extractor struct {
	ms       []matcher
	signals  bool
	maxBytes int
}

// New 创建抽取器；未知匹配器名返回 ErrInvalidInput。
func New(opts *Options) (*Extractor, error) {
	e := &Extractor{ms: matchers, signals: true}
	if opts == nil {
		return e, nil
	}
	if len(opts.Matchers) > 0 {
		want := make(map[string]struct{}, len(opts.Matchers))
		for _, n := range opts.Matchers {
			if !known(n) {
				return nil, fmt.Errorf("unknown matcher %q: %w", n, contract.ErrInvalidInput)
			}
			want[n] = struct{}{}
		}
		var sel []matcher
		for _, m := range matchers {
			if _, ok := want[m.name]; ok {
				sel = append(sel, m)
			}
		}
		e.ms = sel
	}
	e.signals = !opts.DisableSignals
	if opts.MaxInputBytes > 0 {
		e.maxBytes = opts.MaxInputBytes
	}
	return e, nil
}

func known(name string) bool {
	for _, m := range matchers {
		if m.name == name {
			return true
		}
	}
	return false
}

// Extract 抽取、合并、并入信号、附加上下文并按从左到右分配 ID。
func (e *Extractor) Extract(ctx context.Context, text string, contextWidth int) ([]contract.Span, error) {
	if contextWidth < 0 {
		return nil, fmt.Errorf("context width must be >= 0, got %d: %w", contextWidth, contract.ErrInvalidInput)
	}
	if e.maxBytes > 0 && len(text) > e.maxBytes {
		return nil, fmt.Errorf("input too large: %d > %d: %w", len(text), e.maxBytes, contract.ErrInvalidInput)
	}
	if text == "" {
		return []contract.Span{}, nil
	}
	var raw []contract.Match
	for _, m := range e.ms {
		if err := ctxErr(ctx); err != nil {
			return nil, err
		}
		raw = append(raw, find(m.re, text)...)
	}
	merged := Merge(text, raw)
	if e.signals && len(merged) > 0 {
		merged = fuseSignals(text, merged, find(signalRe, text))
	}
	spans := make([]contract.Span, 0, len(merged))
	for i, m := range merged {
		spans = append(spans, contract.Span{
			ID:     i,
			Text:   m.Text,
			Start:  m.Start,
			End:    m.End,
			Before: leftContext(text, m.Start, contextWidth),
			After:  rightContext(text, m.End, contextWidth),
		})
	}
	return spans, nil
}

func ctxErr(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

var _ contract.Extractor = (*Extractor)(nil)
