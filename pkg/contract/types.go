package contract

// FileID: 逻辑文档ID（通常为路径，需规范化，跨平台一致）。
type FileID string

// Match: 单个匹配器在原文上的一次原始命中（半开区间 [Start,End)，字节偏移）。
type Match struct {
	Text  string
	Start int
	End   int
}

// Span: 抽取单元（合并后的引文区域 + 两侧上下文）。
// 约束：
//   - 0 <= Start < End <= len(原文)；
//   - Text == 原文[Start:End]；
//   - ID 自 0 起按 Start 从左到右连续分配；
//   - Before/After 为紧邻区间的原文子串，按词边界截断且不超过上下文宽度；
//   - 创建后不可变。
type Span struct {
	ID     int    `json:"id"`
	Text   string `json:"text"`
	Start  int    `json:"start"`
	End    int    `json:"end"`
	Before string `json:"before"`
	After  string `json:"after"`
}

// Correction: oracle 对某个 Span 的替换建议（按 ID 关联，不按位置）。
type Correction struct {
	ID          int    `json:"id"`
	Replacement string `json:"citation"`
}

// AppliedChange: 审计记录；仅在替换文本与原文不同的 Span 上产生。
type AppliedChange struct {
	Position    int    `json:"position"`
	Original    string `json:"original"`
	Replacement string `json:"replacement"`
	Context     string `json:"context"`
}

// Result: 一次完整运行的产物。Changes 按 Position 严格升序。
type Result struct {
	Text      string          `json:"text"`
	Changes   []AppliedChange `json:"corrections"`
	Unchanged bool            `json:"unchanged"`
}

// Batch: 按原始顺序切出的连续 Span 分组。
// Index 为批序（0..n-1），仅用于失败归因与日志。
type Batch struct {
	Index int
	Spans []Span
}

// BatchIDs 返回批内 Span 的 ID（保持批内顺序）。
func BatchIDs(b Batch) []int {
	ids := make([]int, 0, len(b.Spans))
	for _, s := range b.Spans {
		ids = append(ids, s.ID)
	}
	return ids
}
