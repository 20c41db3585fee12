package contract

import "fmt"

// 校验库函数（纯函数，无 I/O）：
// - ValidateBatch: 回复的 id 集合必须恰好等于批内 id 集合（不多、不少）。
// - ValidateSpans: 抽取结果的结构不变量（区间合法、升序不重叠、ID 连续、Text 与原文一致）。

// ValidateBatch 校验一批回复的 id 覆盖。
// 先按回复顺序报告多出的 id，再按批内顺序报告缺失的 id；均包裹 ErrBatchMismatch。
func ValidateBatch(b Batch, cs []Correction) error {
	owed := make(map[int]struct{}, len(b.Spans))
	for _, s := range b.Spans {
		owed[s.ID] = struct{}{}
	}
	got := make(map[int]struct{}, len(cs))
	for _, c := range cs {
		if _, ok := owed[c.ID]; !ok {
			return fmt.Errorf("unexpected correction id %d in batch %d: %w", c.ID, b.Index, ErrBatchMismatch)
		}
		got[c.ID] = struct{}{}
	}
	for _, s := range b.Spans {
		if _, ok := got[s.ID]; !ok {
			return fmt.Errorf("missing correction id %d in batch %d: %w", s.ID, b.Index, ErrBatchMismatch)
		}
	}
	return nil
}

// ValidateSpans 校验 Span 序列相对原文的结构不变量。
// 供插件自检与测试使用；违反时返回包裹 ErrInvalidInput 的错误。
func ValidateSpans(text string, spans []Span) error {
	prevEnd := -1
	for i, s := range spans {
		if s.ID != i {
			return fmt.Errorf("span %d: id %d out of sequence: %w", i, s.ID, ErrInvalidInput)
		}
		if s.Start < 0 || s.Start >= s.End || s.End > len(text) {
			return fmt.Errorf("span %d: bad range [%d,%d): %w", i, s.Start, s.End, ErrInvalidInput)
		}
		if prevEnd >= 0 && s.Start < prevEnd {
			return fmt.Errorf("span %d: overlaps previous span: %w", i, ErrInvalidInput)
		}
		if text[s.Start:s.End] != s.Text {
			return fmt.Errorf("span %d: text does not match source: %w", i, ErrInvalidInput)
		}
		prevEnd = s.End
	}
	return nil
}
