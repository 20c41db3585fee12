package citejson

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/hangingahaw/bluebookify/pkg/contract"
)

// Options 为回复解码器的可选配置。
type Options struct {
	// DisableFallback: 关闭括号扫描回退，仅接受整体即为 JSON 数组的回复（去除围栏后）。
	DisableFallback bool `json:"disable_fallback"`
}

type decoder struct {
	fallback bool
}

// New 从原样 JSON Options 创建解码器（严格解码，拒绝未知字段）。
func New(raw json.RawMessage) (contract.Decoder, error) {
	var opts Options
	if len(raw) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&opts); err != nil {
			return nil, fmt.Errorf("citejson options: %w: %v", contract.ErrConfig, err)
		}
	}
	return &decoder{fallback: !opts.DisableFallback}, nil
}

// Decode 期望回复为 [{"id": int, "citation": string}, ...]，可被围栏包裹或夹在说明文字中。
// 返回顺序与数组顺序一致；任一元素非法则整体拒绝。
func (d *decoder) Decode(ctx context.Context, raw contract.Raw) ([]contract.Correction, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	body := stripFence(strings.TrimSpace(raw.Text))
	elems, ok := parseArray(body)
	if !ok && d.fallback {
		elems, ok = scanArray(body)
	}
	if !ok {
		return nil, fmt.Errorf("no JSON array found: %w", contract.ErrResponseInvalid)
	}
	out := make([]contract.Correction, 0, len(elems))
	seen := make(map[int]struct{}, len(elems))
	for i, el := range elems {
		c, err := decodeElem(i, el)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[c.ID]; dup {
			return nil, fmt.Errorf("duplicate correction id %d: %w", c.ID, contract.ErrResponseInvalid)
		}
		seen[c.ID] = struct{}{}
		out = append(out, c)
	}
	return out, nil
}

var _ contract.Decoder = (*decoder)(nil)

// stripFence 去除首行 ```[lang] 与末行 ``` 围栏（各自独立判定）。
func stripFence(s string) string {
	if strings.HasPrefix(s, "```") {
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			s = s[nl+1:]
		}
	}
	s = strings.TrimSpace(s)
	if strings.HasSuffix(s, "```") {
		i := strings.LastIndexByte(s, '\n')
		if strings.TrimSpace(s[i+1:]) == "```" {
			if i < 0 {
				return ""
			}
			s = s[:i]
		}
	}
	return strings.TrimSpace(s)
}

// parseArray 严格解析：整体必须是一个 JSON 数组。
func parseArray(s string) ([]json.RawMessage, bool) {
	if !strings.HasPrefix(s, "[") {
		return nil, false
	}
	var arr []json.RawMessage
	if err := json.Unmarshal([]byte(s), &arr); err != nil {
		return nil, false
	}
	return arr, true
}

// scanArray 回退：定位最后一个 ']'，自左向右尝试其之前的每个 '['，取第一个能解析为数组的子串。
// 偏向最左成功者：说明文字里的 "[my analysis]" 解析失败会被跳过，真实数组仍可命中。
func scanArray(s string) ([]json.RawMessage, bool) {
	end := strings.LastIndexByte(s, ']')
	if end < 0 {
		return nil, false
	}
	for i := 0; i < end; i++ {
		if s[i] != '[' {
			continue
		}
		if arr, ok := parseArray(s[i : end+1]); ok {
			return arr, true
		}
	}
	return nil, false
}

// decodeElem 校验单个元素：对象；id 为整数值；citation（或 replacement）为非空字符串。
func decodeElem(i int, el json.RawMessage) (contract.Correction, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(el, &obj); err != nil || obj == nil {
		return contract.Correction{}, invalid(i)
	}
	idRaw, ok := obj["id"]
	if !ok {
		return contract.Correction{}, invalid(i)
	}
	id, ok := elemID(idRaw)
	if !ok {
		return contract.Correction{}, invalid(i)
	}
	txtRaw, ok := present(obj, "citation")
	if !ok {
		if txtRaw, ok = present(obj, "replacement"); !ok {
			return contract.Correction{}, invalid(i)
		}
	}
	var txt string
	if err := json.Unmarshal(txtRaw, &txt); err != nil {
		return contract.Correction{}, invalid(i)
	}
	if strings.TrimSpace(txt) == "" {
		return contract.Correction{}, fmt.Errorf("empty citation at index %d (id %d): %w", i, id, contract.ErrResponseInvalid)
	}
	return contract.Correction{ID: int(id), Replacement: txt}, nil
}

// elemID 接受整数值的 JSON 数字（1、1.0、1e0）；字符串、null、带小数部分的数字均拒绝。
func elemID(raw json.RawMessage) (int64, bool) {
	s := string(bytes.TrimSpace(raw))
	if id, err := strconv.ParseInt(s, 10, 64); err == nil {
		return id, true
	}
	if s == "null" {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, false
	}
	if f != math.Trunc(f) || math.Abs(f) > 1<<53 {
		return 0, false
	}
	return int64(f), true
}

// present 返回非 null 的字段原值。
func present(obj map[string]json.RawMessage, key string) (json.RawMessage, bool) {
	v, ok := obj[key]
	if !ok || string(bytes.TrimSpace(v)) == "null" {
		return nil, false
	}
	return v, true
}

func invalid(i int) error {
	return fmt.Errorf("invalid correction at index %d: %w", i, contract.ErrResponseInvalid)
}
