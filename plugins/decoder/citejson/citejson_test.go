package citejson

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/hangingahaw/bluebookify/pkg/contract"
)

func decode(t *testing.T, text string) ([]contract.Correction, error) {
	t.Helper()
	d, err := New(nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return d.Decode(context.Background(), contract.Raw{Text: text})
}

// TestDecodeTolerantShapes 围栏、前后说明文字、无关括号均解析为同一结果。
func TestDecodeTolerantShapes(t *testing.T) {
	clean := `[{"id":1,"citation":"*Id.* at 5"},{"id":0,"citation":"42 U.S.C. § 1983"}]`
	want := []contract.Correction{{ID: 1, Replacement: "*Id.* at 5"}, {ID: 0, Replacement: "42 U.S.C. § 1983"}}
	shapes := map[string]string{
		"clean":       clean,
		"whitespace":  "\n\n  " + clean + "  \n",
		"fence":       "```json\n" + clean + "\n```",
		"bare fence":  "```\n" + clean + "\n```\n",
		"prose":       "Here are the corrections:\n" + clean + "\nLet me know if you need more.",
		"noise":       "[my analysis] The citations need fixes. " + clean,
		"fence+prose": "Sure.\n```json\n" + clean + "\n```",
	}
	for name, text := range shapes {
		t.Run(name, func(t *testing.T) {
			got, err := decode(t, text)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if d := cmp.Diff(want, got); d != "" {
				t.Fatalf("mismatch (-want +got):\n%s", d)
			}
		})
	}
}

// TestDecodeIntegralIDs 整数值的数字写法（1.0、1e0、-0.0）都按整数 id 接受。
func TestDecodeIntegralIDs(t *testing.T) {
	got, err := decode(t, `[{"id":1.0,"citation":"a"},{"id":2e0,"citation":"b"},{"id":-0.0,"citation":"c"},{"id":3E+1,"citation":"d"}]`)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := []contract.Correction{{ID: 1, Replacement: "a"}, {ID: 2, Replacement: "b"}, {ID: 0, Replacement: "c"}, {ID: 30, Replacement: "d"}}
	if d := cmp.Diff(want, got); d != "" {
		t.Fatalf("mismatch (-want +got):\n%s", d)
	}

	_, err = decode(t, `[{"id":1,"citation":"a"},{"id":1.0,"citation":"b"}]`)
	if !errors.Is(err, contract.ErrResponseInvalid) || !strings.Contains(err.Error(), "duplicate correction id 1") {
		t.Fatalf("1 与 1.0 应视为重复 id: %v", err)
	}
}

// TestDecodeLeftmostArrayWins 两个合法数组时取最左成功者（与最后一个 ']' 配对）。
func TestDecodeLeftmostArrayWins(t *testing.T) {
	got, err := decode(t, `note [1, 2] then [{"id":0,"citation":"x"}]`)
	// "[1, 2] then [...]" 非法；"[1, 2]" 不以最后 ']' 结束；首个成功者为真实数组
	if err != nil || len(got) != 1 || got[0].ID != 0 {
		t.Fatalf("got %+v err %v", got, err)
	}
	_, err = decode(t, `[{"id":0,"citation":"a"}] and [{"id":1,"citation":"b"}]`)
	if err != nil {
		// 整体非法，回退扫描：第一个 '[' 到最后 ']' 非法，第二个成功
		t.Fatalf("unexpected err: %v", err)
	}
}

func TestDecodeReplacementAlias(t *testing.T) {
	got, err := decode(t, `[{"id":2,"replacement":"R"},{"id":3,"citation":"C","replacement":"ignored"}]`)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got[0].Replacement != "R" || got[1].Replacement != "C" {
		t.Fatalf("alias 处理错误: %+v", got)
	}
}

// TestDecodeRejections 每类非法回复给出可区分的错误。
func TestDecodeRejections(t *testing.T) {
	cases := []struct {
		name, text, msg string
	}{
		{"no array", "I could not find any citations.", "no JSON array found"},
		{"object", `{"id":0,"citation":"x"}`, "no JSON array found"},
		{"empty", `[{"id":0,"citation":"   "}]`, "empty citation at index 0 (id 0)"},
		{"float id", `[{"id":1.5,"citation":"x"}]`, "invalid correction at index 0"},
		{"string id", `[{"id":"1","citation":"x"}]`, "invalid correction at index 0"},
		{"null id", `[{"id":null,"citation":"x"}]`, "invalid correction at index 0"},
		{"bool id", `[{"id":true,"citation":"x"}]`, "invalid correction at index 0"},
		{"huge id", `[{"id":1e300,"citation":"x"}]`, "invalid correction at index 0"},
		{"missing id", `[{"citation":"x"}]`, "invalid correction at index 0"},
		{"number citation", `[{"id":0,"citation":"ok"},{"id":1,"citation":7}]`, "invalid correction at index 1"},
		{"missing citation", `[{"id":0}]`, "invalid correction at index 0"},
		{"non object", `[{"id":0,"citation":"a"}, 3]`, "invalid correction at index 1"},
		{"duplicate", `[{"id":0,"citation":"a"},{"id":0,"citation":"b"}]`, "duplicate correction id 0"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := decode(t, c.text)
			if !errors.Is(err, contract.ErrResponseInvalid) {
				t.Fatalf("want ErrResponseInvalid got %v", err)
			}
			if !strings.Contains(err.Error(), c.msg) {
				t.Fatalf("错误信息 %q 不含 %q", err, c.msg)
			}
		})
	}
}

func TestDecodeEmptyArray(t *testing.T) {
	got, err := decode(t, "[]")
	if err != nil || len(got) != 0 {
		t.Fatalf("空数组应成功: %v %v", got, err)
	}
}

func TestOptions(t *testing.T) {
	if _, err := New(json.RawMessage(`{"x":1}`)); err == nil {
		t.Fatalf("未知字段应报错")
	}
	d, err := New(json.RawMessage(`{"disable_fallback":true}`))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_, err = d.Decode(context.Background(), contract.Raw{Text: `ok: [{"id":0,"citation":"x"}]`})
	if !errors.Is(err, contract.ErrResponseInvalid) {
		t.Fatalf("关闭回退后应失败: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := d.Decode(ctx, contract.Raw{Text: "[]"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("want canceled got %v", err)
	}
}

func TestStripFence(t *testing.T) {
	cases := map[string]string{
		"```json\n[1]\n```": "[1]",
		"```\n[1]":          "[1]",
		"[1]\n```":          "[1]",
		"```":               "",
		"[1]":               "[1]",
	}
	for in, want := range cases {
		if got := stripFence(in); got != want {
			t.Errorf("stripFence(%q) = %q, want %q", in, got, want)
		}
	}
}
