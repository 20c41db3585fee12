package splice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/hangingahaw/bluebookify/pkg/contract"
)

// Options 为拼接应用器的可选配置。
type Options struct {
	// SnippetWidth: 审计片段两侧各保留的字符数。<=0 时采用默认 30。
	SnippetWidth int `json:"snippet_width"`
}

type applier struct {
	width int
}

// New 从原样 JSON Options 创建应用器（严格解码）。
func New(raw json.RawMessage) (contract.Applier, error) {
	var opts Options
	if len(raw) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&opts); err != nil {
			return nil, fmt.Errorf("splice options: %w: %v", contract.ErrConfig, err)
		}
	}
	w := 30
	if opts.SnippetWidth > 0 {
		w = opts.SnippetWidth
	}
	return &applier{width: w}, nil
}

// Apply 先完成全部对账校验，再自尾向头拼接生效的替换。
// 尾部编辑不影响更小的偏移，因此待处理区间的 Start/End 始终有效。
func (a *applier) Apply(ctx context.Context, text string, spans []contract.Span, corrections []contract.Correction) (contract.Result, error) {
	select {
	case <-ctx.Done():
		return contract.Result{}, ctx.Err()
	default:
	}
	byID := make(map[int]string, len(corrections))
	for _, c := range corrections {
		if _, dup := byID[c.ID]; dup {
			return contract.Result{}, fmt.Errorf("duplicate correction id %d: %w", c.ID, contract.ErrReconcile)
		}
		byID[c.ID] = c.Replacement
	}
	known := make(map[int]struct{}, len(spans))
	for _, s := range spans {
		if _, ok := byID[s.ID]; !ok {
			return contract.Result{}, fmt.Errorf("missing correction for citation id %d: %w", s.ID, contract.ErrReconcile)
		}
		known[s.ID] = struct{}{}
	}
	for _, c := range corrections {
		if _, ok := known[c.ID]; !ok {
			return contract.Result{}, fmt.Errorf("unknown correction id %d: %w", c.ID, contract.ErrReconcile)
		}
	}

	// 生效变更：替换文本与原文不同者。
	var eff []contract.Span
	for _, s := range spans {
		if s.Start < 0 || s.End > len(text) || s.Start >= s.End || text[s.Start:s.End] != s.Text {
			return contract.Result{}, fmt.Errorf("span %d does not match source text: %w", s.ID, contract.ErrInvalidInput)
		}
		if byID[s.ID] != s.Text {
			eff = append(eff, s)
		}
	}
	if len(eff) == 0 {
		return contract.Result{Text: text, Changes: []contract.AppliedChange{}, Unchanged: true}, nil
	}
	sort.SliceStable(eff, func(i, j int) bool { return eff[i].Start > eff[j].Start })
	for i := 1; i < len(eff); i++ {
		if eff[i].End > eff[i-1].Start {
			return contract.Result{}, fmt.Errorf("span %d overlaps span %d: %w", eff[i].ID, eff[i-1].ID, contract.ErrInvalidInput)
		}
	}

	// 自尾向头：pieces 逆序收集，最后一次性拼回。
	pieces := make([]string, 0, 2*len(eff)+1)
	changes := make([]contract.AppliedChange, 0, len(eff))
	cursor := len(text)
	for _, s := range eff {
		repl := byID[s.ID]
		pieces = append(pieces, text[s.End:cursor], repl)
		cursor = s.Start
		changes = append(changes, contract.AppliedChange{
			Position:    s.Start,
			Original:    s.Text,
			Replacement: repl,
			Context:     a.snippet(s, repl),
		})
	}
	pieces = append(pieces, text[:cursor])

	var sb strings.Builder
	sb.Grow(len(text))
	for i := len(pieces) - 1; i >= 0; i-- {
		sb.WriteString(pieces[i])
	}
	// 应用顺序为降序；审计输出按原文位置升序。
	for i, j := 0, len(changes)-1; i < j; i, j = i+1, j-1 {
		changes[i], changes[j] = changes[j], changes[i]
	}
	return contract.Result{Text: sb.String(), Changes: changes}, nil
}

// snippet: 前文末尾 + [原文 → 替换] + 后文开头。
func (a *applier) snippet(s contract.Span, repl string) string {
	return lastRunes(s.Before, a.width) + "[" + s.Text + " → " + repl + "]" + firstRunes(s.After, a.width)
}

func lastRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := len(s)
	for ; n > 0; n-- {
		_, sz := utf8.DecodeLastRuneInString(s[:i])
		i -= sz
	}
	return s[i:]
}

func firstRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for ; n > 0; n-- {
		_, sz := utf8.DecodeRuneInString(s[i:])
		i += sz
	}
	return s[:i]
}

var _ contract.Applier = (*applier)(nil)
