package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hangingahaw/bluebookify/pkg/contract"
)

// 原样 JSON 比较语义而非字节（YAML 转换后键序/空白不同）
var rawSemantic = cmp.Transformer("raw", func(r json.RawMessage) any {
	var v any
	_ = json.Unmarshal(r, &v)
	return v
})

func TestLoadJSON(t *testing.T) {
	over, err := Load("../../testdata/config/basic.json", nil)
	require.NoError(t, err)
	cfg := Merge(Defaults(), over)
	assert.Equal(t, "gemini", cfg.LLM)
	assert.Equal(t, []string{"briefs"}, cfg.Inputs)
	assert.Equal(t, 10, cfg.BatchSize)
	assert.Equal(t, 0, cfg.ContextWidth, "explicit 0 must override the default")
	assert.Equal(t, 1, cfg.MaxRetries)
	assert.Equal(t, "sqlite", cfg.Components.Audit)
	assert.Equal(t, "bluebook", cfg.Components.Extractor, "unset component keeps default")
	assert.Equal(t, Limits{RPM: 60, TPM: 50000, MaxTokensPerReq: 8000}, cfg.Provider["gemini"].Limits)
	require.NoError(t, Validate(cfg))
}

func TestLoadYAMLEqualsJSON(t *testing.T) {
	j, err := Load("../../testdata/config/basic.json", nil)
	require.NoError(t, err)
	y, err := Load("../../testdata/config/basic.yaml", nil)
	require.NoError(t, err)
	if diff := cmp.Diff(j, y, rawSemantic); diff != "" {
		t.Fatalf("YAML 与 JSON 解析结果不一致 (-json +yaml):\n%s", diff)
	}
}

func TestLoadRawSniffing(t *testing.T) {
	y, err := Load("", []byte("llm: mock\nbatch_size: 3\n"))
	require.NoError(t, err)
	assert.Equal(t, "mock", y.LLM)
	assert.Equal(t, 3, y.BatchSize)

	j, err := Load("", []byte(`{"llm":"mock"}`))
	require.NoError(t, err)
	assert.Equal(t, "mock", j.LLM)

	empty, err := Load("x.yaml", []byte("# nothing\n"))
	require.NoError(t, err)
	assert.Equal(t, Overlay(), empty)
}

func TestLoadUnknown(t *testing.T) {
	for name, raw := range map[string]string{
		"json":        `{"unknown":1}`,
		"yaml":        "unknown: 1\n",
		"nested":      "logging:\n  level: info\n  file: x\n",
		"bad yaml":    "llm: [\n",
		"wrong types": `{"batch_size":"ten"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Load("", []byte(raw))
			assert.ErrorIs(t, err, contract.ErrConfig)
		})
	}
	_, err := Load("", nil)
	assert.ErrorIs(t, err, contract.ErrConfig)
}

// 文件中未出现的可为 0 字段保持默认
func TestLoadMissingFieldsKeepDefaults(t *testing.T) {
	over, err := Load("", []byte(`{"inputs":["a"]}`))
	require.NoError(t, err)
	cfg := Merge(Defaults(), over)
	assert.Equal(t, 100, cfg.ContextWidth)
	assert.Equal(t, 0, cfg.MaxRetries)
	assert.Equal(t, 20, cfg.BatchSize)
}

func TestEnvOverlay(t *testing.T) {
	env := []string{
		"BLUEBOOKIFY_INPUTS=a, b",
		"BLUEBOOKIFY_BATCH_SIZE=5",
		"BLUEBOOKIFY_CONTEXT_WIDTH=0",
		"BLUEBOOKIFY_LLM=mock",
		"BLUEBOOKIFY_RULES=Prefer short forms.",
		"BLUEBOOKIFY_COMPONENTS_AUDIT=none",
		"BLUEBOOKIFY_PROVIDER__mock__CLIENT=mock",
		"BLUEBOOKIFY_PROVIDER__mock__LIMITS_TPM=900",
		`BLUEBOOKIFY_PROVIDER__mock__OPTIONS_JSON={"response_mode":"echo"}`,
		"BLUEBOOKIFY_MAX_RETRIES=",
		"OTHER_LLM=gemini",
	}
	over, err := EnvOverlay(env)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, over.Inputs)
	assert.Equal(t, 5, over.BatchSize)
	assert.Equal(t, 0, over.ContextWidth)
	assert.Equal(t, unset, over.MaxRetries, "empty value is not an override")
	assert.Equal(t, "mock", over.LLM)
	assert.Equal(t, "Prefer short forms.", over.Rules)
	assert.Equal(t, AuditNone, over.Components.Audit)
	p := over.Provider["mock"]
	assert.Equal(t, "mock", p.Client)
	assert.Equal(t, 900, p.Limits.TPM)
	assert.JSONEq(t, `{"response_mode":"echo"}`, string(p.Options))
}

func TestEnvOverlayErrors(t *testing.T) {
	for _, kv := range []string{
		"BLUEBOOKIFY_BATCH_SIZE=many",
		"BLUEBOOKIFY_PROVIDER__x__LIMITS_RPM=1.5",
		"BLUEBOOKIFY_PROVIDER__x__OPTIONS_JSON={",
	} {
		_, err := EnvOverlay([]string{kv})
		assert.ErrorIs(t, err, contract.ErrConfig, kv)
	}
}

// CLI > ENV > 文件 > 默认
func TestMergePrecedence(t *testing.T) {
	file, err := Load("", []byte(`{"batch_size":7,"context_width":40,"llm":"gemini","max_retries":3}`))
	require.NoError(t, err)
	env, err := EnvOverlay([]string{"BLUEBOOKIFY_BATCH_SIZE=8", "BLUEBOOKIFY_LLM=openai"})
	require.NoError(t, err)
	cli := Overlay()
	cli.LLM = "mock"
	cli.MaxRetries = 0

	cfg := Merge(Merge(Merge(Defaults(), file), env), cli)
	assert.Equal(t, 8, cfg.BatchSize)
	assert.Equal(t, 40, cfg.ContextWidth)
	assert.Equal(t, "mock", cfg.LLM)
	assert.Equal(t, 0, cfg.MaxRetries, "explicit 0 from CLI disables retries")
}

func TestMergeProviderKeys(t *testing.T) {
	base := Config{Provider: map[string]Provider{"a": {Client: "mock"}, "b": {Client: "openai"}}}
	out := Merge(base, Config{ContextWidth: unset, MaxRetries: unset, Provider: map[string]Provider{"b": {Client: "gemini"}}})
	assert.Equal(t, "mock", out.Provider["a"].Client)
	assert.Equal(t, "gemini", out.Provider["b"].Client)
	assert.Equal(t, "openai", base.Provider["b"].Client, "base must not be mutated")
}

func TestParseDotEnvLine(t *testing.T) {
	cases := []struct {
		in, key, val string
		ok           bool
	}{
		{"A=1", "A", "1", true},
		{"export B = two ", "B", "two", true},
		{`C="x\ny"`, "C", "x\ny", true},
		{`D='raw\n'`, "D", `raw\n`, true},
		{"# comment", "", "", false},
		{"=nokey", "", "", false},
		{"", "", "", false},
	}
	for _, c := range cases {
		k, v, ok := parseDotEnvLine(c.in)
		assert.Equal(t, c.ok, ok, c.in)
		if c.ok {
			assert.Equal(t, c.key, k)
			assert.Equal(t, c.val, v)
		}
	}
}

func TestLoadDotEnvNoOverride(t *testing.T) {
	t.Setenv("BLUEBOOKIFY_TEST_KEEP", "env")
	t.Setenv("BLUEBOOKIFY_TEST_NEW", "")
	require.NoError(t, os.Unsetenv("BLUEBOOKIFY_TEST_NEW"))

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("BLUEBOOKIFY_TEST_KEEP=file\nBLUEBOOKIFY_TEST_NEW=file\n"), 0o644))
	require.NoError(t, LoadDotEnv(path))
	assert.Equal(t, "env", os.Getenv("BLUEBOOKIFY_TEST_KEEP"))
	assert.Equal(t, "file", os.Getenv("BLUEBOOKIFY_TEST_NEW"))

	assert.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")))
}

func TestValidateErrors(t *testing.T) {
	cases := map[string]func(*Config){
		"empty inputs":      func(c *Config) { c.Inputs = nil },
		"blank input":       func(c *Config) { c.Inputs = []string{" "} },
		"dash mixed":        func(c *Config) { c.Inputs = []string{"-", "a"} },
		"batch size 0":      func(c *Config) { c.BatchSize = 0 },
		"context width -1":  func(c *Config) { c.ContextWidth = -1 },
		"max retries -1":    func(c *Config) { c.MaxRetries = -1 },
		"llm unset":         func(c *Config) { c.LLM = "" },
		"provider missing":  func(c *Config) { c.LLM = "nope" },
		"client empty":      func(c *Config) { c.Provider = map[string]Provider{"mock": {}} },
		"client unknown":    func(c *Config) { c.Provider = map[string]Provider{"mock": {Client: "cohere"}} },
		"negative limits":   func(c *Config) { c.Provider = map[string]Provider{"mock": {Client: "mock", Limits: Limits{RPM: -1}}} },
		"extractor unknown": func(c *Config) { c.Components.Extractor = "apa" },
		"audit unknown":     func(c *Config) { c.Components.Audit = "kafka" },
		"applier unknown":   func(c *Config) { c.Components.Applier = "regex" },
	}
	for name, mut := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultTemplateConfig()
			mut(&cfg)
			err := Validate(cfg)
			assert.ErrorIs(t, err, contract.ErrConfig)
		})
	}
	require.NoError(t, Validate(DefaultTemplateConfig()))
}

func templateIn(t *testing.T) Config {
	t.Helper()
	cfg := DefaultTemplateConfig()
	cfg.Inputs = []string{t.TempDir()}
	cfg.Options.Writer = json.RawMessage(`{"output_dir":` + quote(t.TempDir()) + `}`)
	return cfg
}

func quote(s string) string { b, _ := json.Marshal(s); return string(b) }

func TestAssembleTemplate(t *testing.T) {
	cfg := templateIn(t)
	comp, set, gate, key, err := Assemble(cfg)
	require.NoError(t, err)
	for name, c := range map[string]any{
		"reader": comp.Reader, "extractor": comp.Extractor, "batcher": comp.Batcher,
		"prompt": comp.PromptBuilder, "llm": comp.LLM, "decoder": comp.Decoder,
		"applier": comp.Applier, "writer": comp.Writer, "audit": comp.Audit,
	} {
		assert.NotNil(t, c, name)
	}
	assert.Equal(t, 20, set.BatchSize)
	assert.Equal(t, 100, set.ContextWidth)
	assert.Equal(t, 2, set.MaxRetries)
	assert.Equal(t, DefaultRetryBackoff, set.RetryBackoff)
	assert.NotNil(t, gate)
	assert.Same(t, gate, set.Gate)
	assert.True(t, strings.HasPrefix(string(key), "mock:"), string(key))
	assert.Equal(t, key, set.GateKey)
}

func TestAssembleAuditNone(t *testing.T) {
	cfg := templateIn(t)
	cfg.Components.Audit = AuditNone
	comp, _, _, _, err := Assemble(cfg)
	require.NoError(t, err)
	assert.Nil(t, comp.Audit)
}

func TestAssembleSQLiteAudit(t *testing.T) {
	cfg := templateIn(t)
	cfg.Components.Audit = "sqlite"
	cfg.Options.Audit = json.RawMessage(`{"path":` + quote(filepath.Join(t.TempDir(), "a.db")) + `}`)
	comp, _, _, _, err := Assemble(cfg)
	require.NoError(t, err)
	require.NotNil(t, comp.Audit)
	assert.NoError(t, comp.Audit.Close())
}

func TestAssembleStrictOptions(t *testing.T) {
	cfg := templateIn(t)
	cfg.Options.Batcher = json.RawMessage(`{"window":3}`)
	_, _, _, _, err := Assemble(cfg)
	assert.ErrorIs(t, err, contract.ErrConfig)
	assert.Contains(t, err.Error(), "batcher fixed")
}

func TestWithRules(t *testing.T) {
	raw, err := withRules(json.RawMessage(`{"rules":"old","inline_system_template":"T"}`), "new", "")
	require.NoError(t, err)
	assert.JSONEq(t, `{"rules":"new","inline_system_template":"T"}`, string(raw))

	raw, err = withRules(nil, "", "rules.txt")
	require.NoError(t, err)
	assert.JSONEq(t, `{"rules_path":"rules.txt"}`, string(raw))

	same := json.RawMessage(`{"x":1}`)
	raw, err = withRules(same, "", "")
	require.NoError(t, err)
	assert.Equal(t, same, raw)

	_, err = withRules(json.RawMessage(`[1]`), "r", "")
	assert.ErrorIs(t, err, contract.ErrConfig)
}

func TestTemplateRoundTrip(t *testing.T) {
	b, err := json.MarshalIndent(DefaultTemplateConfig(), "", "  ")
	require.NoError(t, err)
	over, err := Load("config.json", b)
	require.NoError(t, err)
	require.NoError(t, Validate(Merge(Defaults(), over)))
}

func TestDotEnvTemplate(t *testing.T) {
	s := DotEnvTemplate()
	for _, k := range []string{"BLUEBOOKIFY_BATCH_SIZE=", "BLUEBOOKIFY_COMPONENTS_AUDIT=", "BLUEBOOKIFY_PROVIDER__anthropic__CLIENT=", "ANTHROPIC_API_KEY="} {
		assert.Contains(t, s, k)
	}
	// 模板中的每个键都能被 EnvOverlay 接受（空值即未设置）
	var env []string
	for _, ln := range strings.Split(s, "\n") {
		if strings.HasPrefix(ln, EnvPrefix) {
			env = append(env, ln)
		}
	}
	over, err := EnvOverlay(env)
	require.NoError(t, err)
	assert.Equal(t, Overlay(), over)
}
