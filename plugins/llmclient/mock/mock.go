package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/hangingahaw/bluebookify/pkg/contract"
)

// Options: 离线联调用的最小配置。
type Options struct {
	// APIKey: 仅用于限流分组（调试用），不参与任何网络请求。
	APIKey string `json:"api_key"`
	// ResponseMode: 响应模式。
	//  - "" / "normalize": 对每个引文做确定性的格式修正（"v" → "v."，"US" → "U.S."），其余原样返回；
	//  - "echo": 原样回显每个引文（无变更）；
	//  - "fenced": 同 normalize，但包裹 ```json 围栏并附带说明文字；
	//  - "drop_last": 同 normalize，但漏掉最后一个 id（用于覆盖校验失败路径）。
	ResponseMode string `json:"response_mode,omitempty"`
}

// Client: 解析 user 数据消息中的 "[id] "before" [citation] "after"" 行并构造回复。
type Client struct {
	mode string
}

// New 构造 mock 客户端。
func New(raw json.RawMessage) (contract.LLMClient, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, fmt.Errorf("mock options: %w", err)
		}
	}
	mode := strings.TrimSpace(o.ResponseMode)
	switch mode {
	case "":
		mode = "normalize"
	case "normalize", "echo", "fenced", "drop_last":
	default:
		return nil, fmt.Errorf("mock: unknown response_mode %q: %w", mode, contract.ErrInvalidInput)
	}
	return &Client{mode: mode}, nil
}

// Line 为 user 数据消息中的一行。
type Line struct {
	ID       int
	Citation string
}

var lineRe = regexp.MustCompile(`^\[(\d+)\] "(.*?)" \[(.*)\] "(.*)"$`)

// ParseLines 解析 user 数据消息。无法识别的行被忽略。
func ParseLines(user string) []Line {
	var out []Line
	for _, ln := range strings.Split(user, "\n") {
		m := lineRe.FindStringSubmatch(ln)
		if m == nil {
			continue
		}
		id, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		out = append(out, Line{ID: id, Citation: m[3]})
	}
	return out
}

var (
	versusRe = regexp.MustCompile(`\s+v\s+`)
	usRe     = regexp.MustCompile(`\bUS\b`)
)

// Normalize 一个极简的确定性修正器。
func Normalize(s string) string {
	s = versusRe.ReplaceAllString(s, " v. ")
	return usRe.ReplaceAllString(s, "U.S.")
}

// Invoke 实现 contract.LLMClient。
func (c *Client) Invoke(ctx context.Context, p contract.ChatPrompt) (contract.Raw, error) {
	select {
	case <-ctx.Done():
		return contract.Raw{}, ctx.Err()
	default:
	}
	_, msgs := contract.SplitSystem(p)
	if len(msgs) == 0 {
		return contract.Raw{}, fmt.Errorf("mock: %w: no user message", contract.ErrInvalidInput)
	}
	lines := ParseLines(msgs[len(msgs)-1].Content)
	if c.mode == "drop_last" && len(lines) > 0 {
		lines = lines[:len(lines)-1]
	}
	type item struct {
		ID       int    `json:"id"`
		Citation string `json:"citation"`
	}
	items := make([]item, 0, len(lines))
	for _, l := range lines {
		txt := l.Citation
		if c.mode != "echo" {
			txt = Normalize(txt)
		}
		items = append(items, item{ID: l.ID, Citation: txt})
	}
	bts, _ := json.Marshal(items)
	if c.mode == "fenced" {
		return contract.Raw{Text: "Here are the corrected citations:\n```json\n" + string(bts) + "\n```"}, nil
	}
	return contract.Raw{Text: string(bts)}, nil
}

var _ contract.LLMClient = (*Client)(nil)
