package fixed

import (
	"context"
	"fmt"

	"github.com/hangingahaw/bluebookify/pkg/contract"
)

// Options 为固定大小 Batcher 的可选配置。
type Options struct {
	// MaxBatchBytes: 单批 Span 载荷（before+text+after）的字节上限。0 表示不限制。
	// 超限时快速失败（ErrBudgetExceeded），不做重切，保证调用次数恒为 ceil(N/size)。
	MaxBatchBytes int `json:"max_batch_bytes"`
}

// Batcher 按原始顺序切出固定大小的连续批次。
type Batcher struct {
	maxBytes int
}

// New 创建固定大小 Batcher。
func New(opts *Options) *Batcher {
	b := &Batcher{}
	if opts != nil && opts.MaxBatchBytes > 0 {
		b.maxBytes = opts.MaxBatchBytes
	}
	return b
}

// Make 将 spans 切为 [i*size, min((i+1)*size, n)) 的连续分组。
// 校验 ID 自 0 连续递增，确保批序与原文顺序一致。
func (b *Batcher) Make(ctx context.Context, spans []contract.Span, size int) ([]contract.Batch, error) {
	if size < 1 {
		return nil, fmt.Errorf("batch size must be >= 1, got %d: %w", size, contract.ErrInvalidInput)
	}
	n := len(spans)
	if n == 0 {
		return nil, nil
	}
	for i, s := range spans {
		if s.ID != i {
			return nil, fmt.Errorf("batcher: span ids must be contiguous from 0, got %d at %d: %w", s.ID, i, contract.ErrInvalidInput)
		}
	}
	out := make([]contract.Batch, 0, (n+size-1)/size)
	for from := 0; from < n; from += size {
		if err := ctxErr(ctx); err != nil {
			return nil, err
		}
		to := from + size
		if to > n {
			to = n
		}
		bt := contract.Batch{Index: len(out), Spans: spans[from:to:to]}
		if b.maxBytes > 0 {
			if sz := payloadBytes(bt); sz > b.maxBytes {
				return nil, fmt.Errorf("batch %d payload %d > %d bytes: %w", bt.Index, sz, b.maxBytes, contract.ErrBudgetExceeded)
			}
		}
		out = append(out, bt)
	}
	return out, nil
}

func payloadBytes(b contract.Batch) int {
	n := 0
	for _, s := range b.Spans {
		n += len(s.Before) + len(s.Text) + len(s.After)
	}
	return n
}

func ctxErr(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

var _ contract.Batcher = (*Batcher)(nil)
