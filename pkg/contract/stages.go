package contract

import "context"

// Extractor: 在原文上定位引文形状的子串，合并为最大不重叠区间并附带上下文。
// 约束：
//  1. 纯计算，不做 I/O，不起并发；
//  2. 返回按 Start 升序、ID 自 0 连续的 Span；
//  3. 空文本返回空切片且无错误；
//  4. contextWidth < 0 返回 ErrInvalidInput。
type Extractor interface {
	Extract(ctx context.Context, text string, contextWidth int) ([]Span, error)
}

// Batcher: 将有序 Span 切分为固定大小的连续批次。
// 约束：不重排、不丢失；size < 1 返回 ErrInvalidInput；空输入返回 nil。
type Batcher interface {
	Make(ctx context.Context, spans []Span, size int) ([]Batch, error)
}

// PromptBuilder: 基于 Batch 构造确定性的 ChatPrompt。
// 约束：
//   - 纯计算，不做 I/O（模板与规则在构造期加载）；
//   - 第一条为固定的 system 指令消息，第二条为列出批内每个 Span 的 user 数据消息；
//   - 失败快速返回错误。
type PromptBuilder interface {
	Build(ctx context.Context, b Batch) (ChatPrompt, error)
}

// Decoder: 将 oracle 原始回复解析为有序 Correction（保持数组顺序）。
// 形状错误返回包裹 ErrResponseInvalid 的描述性错误。
type Decoder interface {
	Decode(ctx context.Context, raw Raw) ([]Correction, error)
}

// Applier: 校验 Span 与 Correction 一一对应后，自尾向头拼接替换，产出 Result。
// 在任何拼接开始前完成全部校验；失败时原文不被触碰。
type Applier interface {
	Apply(ctx context.Context, text string, spans []Span, corrections []Correction) (Result, error)
}

// AuditSink: 审计轨迹的持久化出口（JSONL 边车、SQLite 等）。
// 同一 runID+fileID 仅记录一次；changes 已按 Position 升序。
type AuditSink interface {
	Record(ctx context.Context, runID string, fileID FileID, changes []AppliedChange) error
	Close() error
}
