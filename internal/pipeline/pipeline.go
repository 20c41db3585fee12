package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hangingahaw/bluebookify/internal/diag"
	"github.com/hangingahaw/bluebookify/internal/prompt"
	"github.com/hangingahaw/bluebookify/internal/rate"
	"github.com/hangingahaw/bluebookify/pkg/contract"
)

// - 单线程：批次严格顺序调用 oracle，失败批次序号即归因。
// - 全有或全无：任一批失败立即返回，拼接只在全部批次校验通过后发生一次。
// - 不重试：oracle 传输错误原样上抛；重试属于调用方（见 RunFiles）。

// Components 聚合运行所需的原子组件。Reader/Writer/Audit 仅 RunFiles 需要。
type Components struct {
	Reader        contract.Reader
	Extractor     contract.Extractor
	Batcher       contract.Batcher
	PromptBuilder contract.PromptBuilder
	LLM           contract.LLMClient
	Decoder       contract.Decoder
	Applier       contract.Applier
	Writer        contract.Writer
	// Audit 可选；为空时不记录审计轨迹。
	Audit contract.AuditSink
}

// Settings 运行期配置（最小必要）。
type Settings struct {
	Inputs       []string
	BatchSize    int
	ContextWidth int
	// BytesPerToken: 闸门申请的 token 估算参数；<=0 使用默认 4。
	BytesPerToken int
	// 限流闸门（可选）：非空时在每次 oracle 调用前 Wait。
	Gate    rate.Gate
	GateKey rate.LimitKey
	// MaxRetries: 调用方级别的整文件重跑次数（仅 RunFiles 使用）。
	MaxRetries   int
	RetryBackoff time.Duration
	// RunID: 审计运行 ID；为空时由 RunFiles 生成。
	RunID string
	// Terminal: 终端状态提示（可选）。
	Terminal *diag.Terminal
}

// Stats 单次运行的规模统计。
type Stats struct {
	Spans   int
	Batches int
	Calls   int
}

func checkCore(c Components, s Settings) error {
	if c.Extractor == nil || c.Batcher == nil || c.PromptBuilder == nil || c.LLM == nil || c.Decoder == nil || c.Applier == nil {
		return fmt.Errorf("%w: pipeline missing components", contract.ErrConfig)
	}
	if s.BatchSize < 1 {
		return fmt.Errorf("%w: batch size must be a positive integer, got %d", contract.ErrConfig, s.BatchSize)
	}
	if s.ContextWidth < 0 {
		return fmt.Errorf("%w: context width must be >= 0, got %d", contract.ErrConfig, s.ContextWidth)
	}
	return nil
}

// Run 对一段文本执行 Extract → (Batch → Prompt → Gate → Invoke → Decode → Validate)* → Apply。
// 无引文时直接返回原文，不调用 oracle。logger 可为 nil。
func Run(ctx context.Context, comp Components, set Settings, fileID contract.FileID, text string, logger *diag.Logger) (contract.Result, Stats, error) {
	var st Stats
	if err := checkCore(comp, set); err != nil {
		return contract.Result{}, st, err
	}
	fid := string(fileID)

	et := logger.StartWith("extractor", "extract", fid, "")
	spans, err := comp.Extractor.Extract(ctx, text, set.ContextWidth)
	if err != nil {
		logger.ErrorWith("extractor", diag.Classify(err), "extract failed", et.Started(), fid, "")
		return contract.Result{}, st, fmt.Errorf("extract: %w", err)
	}
	et.Finish("extract", int64(len(spans)))
	diag.SpansExtracted.Add(float64(len(spans)))
	st.Spans = len(spans)

	if len(spans) == 0 {
		set.Terminal.FileStart(fid, 0, 0)
		return contract.Result{Text: text, Changes: []contract.AppliedChange{}, Unchanged: true}, st, nil
	}

	batches, err := comp.Batcher.Make(ctx, spans, set.BatchSize)
	if err != nil {
		logger.ErrorWith("batcher", diag.Classify(err), "make failed", nil, fid, "")
		return contract.Result{}, st, fmt.Errorf("batcher make: %w", err)
	}
	st.Batches = len(batches)
	set.Terminal.FileStart(fid, len(spans), len(batches))

	all := make([]contract.Correction, 0, len(spans))
	for i, b := range batches {
		cs, called, err := runBatch(ctx, comp, set, fid, b, logger)
		if called {
			st.Calls++
		}
		if err != nil {
			return contract.Result{}, st, err
		}
		all = append(all, cs...)
		set.Terminal.FileProgress(i+1, len(batches))
	}

	at := logger.StartWith("applier", "apply", fid, "")
	res, err := comp.Applier.Apply(ctx, text, spans, all)
	if err != nil {
		logger.ErrorWith("applier", diag.Classify(err), "apply failed", at.Started(), fid, "")
		return contract.Result{}, st, fmt.Errorf("apply: %w", err)
	}
	at.Finish("apply", int64(len(res.Changes)))
	diag.ChangesApplied.Add(float64(len(res.Changes)))
	return res, st, nil
}

// runBatch 处理单个批次；返回已通过 id 集合校验的 Correction。called 报告 oracle 是否被调用。
func runBatch(ctx context.Context, comp Components, set Settings, fid string, b contract.Batch, logger *diag.Logger) (cs []contract.Correction, called bool, err error) {
	label := diag.BatchLabel(b.Index)

	p, err := comp.PromptBuilder.Build(ctx, b)
	if err != nil {
		logger.ErrorWith("prompt_builder", diag.Classify(err), "build failed", nil, fid, label)
		return nil, false, fmt.Errorf("batch %d: build prompt: %w", b.Index, err)
	}
	logger.DebugStart("prompt_builder", "build_req", fid, label, map[string]string{
		"ids":   joinIDs(contract.BatchIDs(b)),
		"bytes": strconv.Itoa(promptBytes(p)),
	})

	if set.Gate != nil {
		tokens := prompt.EstimatePrompt(p, set.BytesPerToken) + prompt.EstimateReply(b, set.BytesPerToken)
		if err := set.Gate.Wait(ctx, rate.Ask{Key: set.GateKey, Requests: 1, Tokens: tokens}); err != nil {
			logger.ErrorWith("gate", diag.Classify(err), "gate wait failed", nil, fid, label)
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, false, err
			}
			return nil, false, fmt.Errorf("batch %d: gate: %w", b.Index, err)
		}
	}

	lt := logger.StartWith("llm_client", "invoke", fid, label)
	raw, err := comp.LLM.Invoke(ctx, p)
	if err != nil {
		diag.OracleCalls.WithLabelValues("error").Inc()
		var kv map[string]string
		var ue contract.UpstreamError
		if errors.As(err, &ue) {
			kv = map[string]string{"http_status": strconv.Itoa(ue.UpstreamStatus())}
			if m := strings.TrimSpace(ue.UpstreamMessage()); m != "" {
				if len(m) > 200 {
					m = m[:200]
				}
				kv["upstream_msg"] = m
			}
		}
		logger.ErrorWithKV("llm_client", diag.Classify(err), "invoke failed", lt.Started(), fid, label, kv)
		// 传输错误原样上抛
		return nil, true, err
	}
	diag.OracleCalls.WithLabelValues("success").Inc()
	lt.Finish("invoke", int64(len(raw.Text)))

	dt := logger.StartWith("decoder", "decode", fid, label)
	cs, err = comp.Decoder.Decode(ctx, raw)
	if err != nil {
		logger.ErrorWith("decoder", diag.Classify(err), "decode failed", dt.Started(), fid, label)
		return nil, true, fmt.Errorf("batch %d: %w", b.Index, err)
	}
	if err := contract.ValidateBatch(b, cs); err != nil {
		logger.ErrorWith("decoder", diag.Classify(err), "id set mismatch", dt.Started(), fid, label)
		return nil, true, err
	}
	dt.Finish("decode", int64(len(cs)))
	return cs, true, nil
}

func joinIDs(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ",")
}

func promptBytes(p contract.ChatPrompt) int {
	n := 0
	for _, m := range p {
		n += len(m.Content)
	}
	return n
}
