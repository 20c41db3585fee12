package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/hangingahaw/bluebookify/pkg/contract"
	splice "github.com/hangingahaw/bluebookify/plugins/applier/splice"
	ajsonl "github.com/hangingahaw/bluebookify/plugins/audit/jsonl"
	asqlite "github.com/hangingahaw/bluebookify/plugins/audit/sqlite"
	fixed "github.com/hangingahaw/bluebookify/plugins/batcher/fixed"
	citejson "github.com/hangingahaw/bluebookify/plugins/decoder/citejson"
	bbx "github.com/hangingahaw/bluebookify/plugins/extractor/bluebook"
	ant "github.com/hangingahaw/bluebookify/plugins/llmclient/anthropic"
	flaky "github.com/hangingahaw/bluebookify/plugins/llmclient/flaky"
	gmi "github.com/hangingahaw/bluebookify/plugins/llmclient/gemini"
	mock "github.com/hangingahaw/bluebookify/plugins/llmclient/mock"
	oai "github.com/hangingahaw/bluebookify/plugins/llmclient/openai"
	pbb "github.com/hangingahaw/bluebookify/plugins/prompt/bluebook"
	rfs "github.com/hangingahaw/bluebookify/plugins/reader/filesystem"
	wfs "github.com/hangingahaw/bluebookify/plugins/writer/filesystem"
)

// strictUnmarshal: 使用 DisallowUnknownFields 严格解码，拒绝未知字段。
func strictUnmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		// 保持零值（默认选项）
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", contract.ErrConfig, err)
	}
	return nil
}

// 工厂签名：均接收原样 JSON Options。
type (
	NewReader        func(raw json.RawMessage) (contract.Reader, error)
	NewExtractor     func(raw json.RawMessage) (contract.Extractor, error)
	NewBatcher       func(raw json.RawMessage) (contract.Batcher, error)
	NewPromptBuilder func(raw json.RawMessage) (contract.PromptBuilder, error)
	NewLLMClient     func(raw json.RawMessage) (contract.LLMClient, error)
	NewDecoder       func(raw json.RawMessage) (contract.Decoder, error)
	NewApplier       func(raw json.RawMessage) (contract.Applier, error)
	NewWriter        func(raw json.RawMessage) (contract.Writer, error)
	// NewAuditSink 额外接收 Writer：边车类审计经由同一 Writer 落盘。
	NewAuditSink func(raw json.RawMessage, w contract.Writer) (contract.AuditSink, error)
)

// Reader 工厂注册表（显式、零反射）。
var Reader = map[string]NewReader{
	// fs: 文件系统/STDIN Reader（doublestar include/exclude）
	"fs": func(raw json.RawMessage) (contract.Reader, error) {
		var opts rfs.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return rfs.New(&opts)
	},
}

// Extractor 工厂注册表。
var Extractor = map[string]NewExtractor{
	// bluebook: 案例/短引/法条/Id. 匹配 + 信号并入
	"bluebook": func(raw json.RawMessage) (contract.Extractor, error) {
		var opts bbx.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return bbx.New(&opts)
	},
}

// Batcher 工厂注册表。
var Batcher = map[string]NewBatcher{
	"fixed": func(raw json.RawMessage) (contract.Batcher, error) {
		var opts fixed.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return fixed.New(&opts), nil
	},
}

// PromptBuilder 工厂注册表。
var PromptBuilder = map[string]NewPromptBuilder{
	// bluebook: 固定 system 指令（可附加规则）+ 每 Span 一行的数据消息
	"bluebook": func(raw json.RawMessage) (contract.PromptBuilder, error) {
		var opts pbb.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return pbb.New(&opts)
	},
}

// LLMClient 工厂注册表。
var LLMClient = map[string]NewLLMClient{
	"openai":    func(raw json.RawMessage) (contract.LLMClient, error) { return oai.New(raw) },
	"gemini":    func(raw json.RawMessage) (contract.LLMClient, error) { return gmi.New(raw) },
	"anthropic": func(raw json.RawMessage) (contract.LLMClient, error) { return ant.New(raw) },
	"mock":      func(raw json.RawMessage) (contract.LLMClient, error) { return mock.New(raw) },
	"flaky":     func(raw json.RawMessage) (contract.LLMClient, error) { return flaky.New(raw) },
}

// Decoder 工厂注册表。
var Decoder = map[string]NewDecoder{
	// citejson: [{"id":int,"citation":string}]，容忍围栏与前后说明文字
	"citejson": func(raw json.RawMessage) (contract.Decoder, error) { return citejson.New(raw) },
}

// Applier 工厂注册表。
var Applier = map[string]NewApplier{
	// splice: 对账后自尾向头拼接
	"splice": func(raw json.RawMessage) (contract.Applier, error) { return splice.New(raw) },
}

// Writer 工厂注册表。
var Writer = map[string]NewWriter{
	// fs: 文件系统 Writer（原子替换可配置；stdin 写往 stdout）
	"fs": func(raw json.RawMessage) (contract.Writer, error) {
		var opts wfs.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return wfs.New(&opts)
	},
}

// AuditSink 工厂注册表。
var AuditSink = map[string]NewAuditSink{
	// jsonl: <file>.changes.jsonl 边车
	"jsonl": func(raw json.RawMessage, w contract.Writer) (contract.AuditSink, error) {
		var opts ajsonl.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return ajsonl.New(w, &opts)
	},
	// sqlite: 本地审计库
	"sqlite": func(raw json.RawMessage, _ contract.Writer) (contract.AuditSink, error) {
		var opts asqlite.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return asqlite.Open(&opts)
	},
}

// Names 返回注册表中的名称（字典序），用于错误提示与 CLI 帮助。
func Names[F any](m map[string]F) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
