package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/hangingahaw/bluebookify/internal/diag"
	"github.com/hangingahaw/bluebookify/internal/rate"
	"github.com/hangingahaw/bluebookify/pkg/contract"
	splice "github.com/hangingahaw/bluebookify/plugins/applier/splice"
	fixed "github.com/hangingahaw/bluebookify/plugins/batcher/fixed"
	citejson "github.com/hangingahaw/bluebookify/plugins/decoder/citejson"
	bbx "github.com/hangingahaw/bluebookify/plugins/extractor/bluebook"
	"github.com/hangingahaw/bluebookify/plugins/llmclient/mock"
	pbb "github.com/hangingahaw/bluebookify/plugins/prompt/bluebook"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// 桩件 ----------------------------------------------------

// stubExtractor 返回固定的 n 个 Span（每个 "Id." 占 4 字节："Id. "）。
type stubExtractor struct{}

func (stubExtractor) Extract(_ context.Context, text string, _ int) ([]contract.Span, error) {
	var out []contract.Span
	for i := 0; ; i++ {
		at := strings.Index(text[min(len(text), i*4):], "Id.")
		if at != 0 {
			break
		}
		out = append(out, contract.Span{ID: i, Text: "Id.", Start: i * 4, End: i*4 + 3})
	}
	return out, nil
}

// oracle 记录每次调用的 id 集合，并按脚本回复。
type oracle struct {
	calls [][]int
	reply func(call int, ids []int) (string, error)
}

func (o *oracle) fn() contract.OracleFunc {
	return func(_ context.Context, msgs []contract.Message) (string, error) {
		var ids []int
		for _, l := range mock.ParseLines(msgs[len(msgs)-1].Content) {
			ids = append(ids, l.ID)
		}
		o.calls = append(o.calls, ids)
		return o.reply(len(o.calls), ids)
	}
}

// echoWith 对每个 id 回复 repl(id)。
func echoWith(repl func(id int) string) func(int, []int) (string, error) {
	return func(_ int, ids []int) (string, error) {
		type rec struct {
			ID       int    `json:"id"`
			Citation string `json:"citation"`
		}
		out := make([]rec, 0, len(ids))
		for _, id := range ids {
			out = append(out, rec{ID: id, Citation: repl(id)})
		}
		b, _ := json.Marshal(out)
		return string(b), nil
	}
}

func components(t testing.TB, llm contract.LLMClient, ex contract.Extractor) Components {
	t.Helper()
	if ex == nil {
		e, err := bbx.New(nil)
		require.NoError(t, err)
		ex = e
	}
	pb, err := pbb.New(nil)
	require.NoError(t, err)
	dec, err := citejson.New(nil)
	require.NoError(t, err)
	ap, err := splice.New(nil)
	require.NoError(t, err)
	return Components{Extractor: ex, Batcher: fixed.New(nil), PromptBuilder: pb, LLM: llm, Decoder: dec, Applier: ap}
}

func settings(batch int) Settings { return Settings{BatchSize: batch, ContextWidth: 100} }

// 用例 ----------------------------------------------------

// 无引文时从不调用 oracle
func TestRunNoSpansSkipsOracle(t *testing.T) {
	o := &oracle{reply: func(int, []int) (string, error) { t.Fatal("oracle must not be called"); return "", nil }}
	text := "Nothing to see in this paragraph."
	res, st, err := Run(context.Background(), components(t, o.fn(), nil), settings(20), "a.txt", text, nil)
	require.NoError(t, err)
	assert.Equal(t, text, res.Text)
	assert.True(t, res.Unchanged)
	assert.NotNil(t, res.Changes)
	assert.Empty(t, res.Changes)
	assert.Equal(t, Stats{}, st)
}

// 具体场景：信号并入后整体替换
func TestRunMarbury(t *testing.T) {
	text := "See Marbury v Madison, 5 US 137 (1803)."
	o := &oracle{reply: func(int, []int) (string, error) {
		return `[{"id":0,"citation":"*Marbury v. Madison*, 5 U.S. 137 (1803)"}]`, nil
	}}
	res, st, err := Run(context.Background(), components(t, o.fn(), nil), settings(20), "m.txt", text, nil)
	require.NoError(t, err)
	require.Len(t, res.Changes, 1)
	assert.True(t, strings.HasPrefix(res.Changes[0].Original, "See"))
	assert.False(t, res.Unchanged)
	assert.Equal(t, "*Marbury v. Madison*, 5 U.S. 137 (1803).", res.Text)
	assert.Equal(t, Stats{Spans: 1, Batches: 1, Calls: 1}, st)
}

// 批次划分：3 个 Span、批大小 2 → 两次调用 {0,1}、{2}
func TestRunBatchPartition(t *testing.T) {
	text := "Id. Id. Id."
	o := &oracle{reply: echoWith(func(id int) string { return fmt.Sprintf("*Id.*%d", id) })}
	res, st, err := Run(context.Background(), components(t, o.fn(), stubExtractor{}), settings(2), "p.txt", text, nil)
	require.NoError(t, err)
	assert.Equal(t, [][]int{{0, 1}, {2}}, o.calls)
	assert.Equal(t, 2, st.Calls)
	assert.Equal(t, "*Id.*0 *Id.*1 *Id.*2", res.Text)
	// 变更按位置升序
	require.Len(t, res.Changes, 3)
	assert.Equal(t, []int{0, 4, 8}, []int{res.Changes[0].Position, res.Changes[1].Position, res.Changes[2].Position})
}

// 第二次调用回复了外来 id 0 → 失败并点名 0
func TestRunForeignID(t *testing.T) {
	o := &oracle{reply: func(call int, ids []int) (string, error) {
		if call == 2 {
			return `[{"id":0,"citation":"Id."}]`, nil
		}
		return echoWith(func(int) string { return "Id." })(call, ids)
	}}
	_, st, err := Run(context.Background(), components(t, o.fn(), stubExtractor{}), settings(2), "p.txt", "Id. Id. Id.", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, contract.ErrBatchMismatch)
	assert.Contains(t, err.Error(), "unexpected correction id 0")
	assert.Equal(t, 2, st.Calls)
}

// 传输错误原样上抛（同一值），不重试
func TestRunTransportErrorVerbatim(t *testing.T) {
	boom := errors.New("connection reset")
	o := &oracle{reply: func(int, []int) (string, error) { return "", boom }}
	_, st, err := Run(context.Background(), components(t, o.fn(), stubExtractor{}), settings(1), "p.txt", "Id. Id.", nil)
	assert.Same(t, boom, err)
	assert.Len(t, o.calls, 1)
	assert.Equal(t, 1, st.Calls)
}

// 回复形状错误以批序包裹
func TestRunDecodeErrorNamesBatch(t *testing.T) {
	o := &oracle{reply: func(call int, ids []int) (string, error) {
		if call == 2 {
			return "I cannot help with that.", nil
		}
		return echoWith(func(int) string { return "Id." })(call, ids)
	}}
	_, _, err := Run(context.Background(), components(t, o.fn(), stubExtractor{}), settings(1), "p.txt", "Id. Id.", nil)
	assert.ErrorIs(t, err, contract.ErrResponseInvalid)
	assert.True(t, strings.HasPrefix(err.Error(), "batch 1: "), err.Error())
}

// 无变更：文本逐字节不变
func TestRunIdempotentNoop(t *testing.T) {
	text := "See 42 U.S.C. § 1983. Id. at 5."
	ex, _ := bbx.New(nil)
	spans, _ := ex.Extract(context.Background(), text, 100)
	o := &oracle{reply: echoWith(func(id int) string { return spans[id].Text })}
	res, _, err := Run(context.Background(), components(t, o.fn(), nil), settings(20), "n.txt", text, nil)
	require.NoError(t, err)
	assert.Equal(t, text, res.Text)
	assert.True(t, res.Unchanged)
	assert.Empty(t, res.Changes)
}

// 配置错误在任何 oracle 调用前检出
func TestRunConfigErrors(t *testing.T) {
	o := &oracle{reply: func(int, []int) (string, error) { t.Fatal("no call expected"); return "", nil }}
	comp := components(t, o.fn(), stubExtractor{})
	for _, set := range []Settings{{BatchSize: 0, ContextWidth: 10}, {BatchSize: 5, ContextWidth: -1}} {
		_, _, err := Run(context.Background(), comp, set, "c.txt", "Id.", nil)
		assert.ErrorIs(t, err, contract.ErrConfig)
	}
	comp.LLM = nil
	_, _, err := Run(context.Background(), comp, settings(1), "c.txt", "Id.", nil)
	assert.ErrorIs(t, err, contract.ErrConfig)
}

// 单请求超出 token 上限：闸门快速失败，oracle 不被调用
func TestRunGateBudget(t *testing.T) {
	o := &oracle{reply: func(int, []int) (string, error) { t.Fatal("no call expected"); return "", nil }}
	set := settings(5)
	set.Gate = rate.NewGate(map[rate.LimitKey]rate.Limits{"k": {MaxTokensPerReq: 10}}, nil)
	set.GateKey = "k"
	_, st, err := Run(context.Background(), components(t, o.fn(), stubExtractor{}), set, "g.txt", "Id. Id.", nil)
	assert.ErrorIs(t, err, contract.ErrBudgetExceeded)
	assert.Equal(t, 0, st.Calls)
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	llm, _ := mock.New(nil)
	_, _, err := Run(ctx, components(t, llm, stubExtractor{}), settings(1), "x.txt", "Id.", nil)
	assert.ErrorIs(t, err, context.Canceled)
}

// 结构化日志事件
func TestRunLogsStages(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logger := diag.NewLoggerWith(zap.New(core), "cid")
	llm, _ := mock.New(nil)
	_, _, err := Run(context.Background(), components(t, llm, nil), settings(20), "l.txt", "See Marbury v Madison, 5 US 137 (1803).", logger)
	require.NoError(t, err)
	var comps []string
	for _, e := range logs.FilterField(zap.String("stage", "finish")).All() {
		comps = append(comps, e.ContextMap()["comp"].(string))
	}
	assert.Equal(t, []string{"extractor", "llm_client", "decoder", "applier"}, comps)
}
