package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hangingahaw/bluebookify/internal/config"
	"github.com/hangingahaw/bluebookify/internal/diag"
	"github.com/hangingahaw/bluebookify/internal/pipeline"
	ajsonl "github.com/hangingahaw/bluebookify/plugins/audit/jsonl"
)

const marbury = "See Marbury v Madison, 5 US 137 (1803).\n"

const mockConfig = `llm: mock
provider:
  mock:
    client: mock
  flaky:
    client: flaky
options:
  writer:
    output_dir: out
`

// syncBuffer 允许 watch 协程与测试协程并发读写。
type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

// sandbox 切换到临时工作目录，并清空 BLUEBOOKIFY_* 环境变量。
func sandbox(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	for _, kv := range os.Environ() {
		if k, _, ok := strings.Cut(kv, "="); ok && strings.HasPrefix(k, config.EnvPrefix) {
			t.Setenv(k, "")
		}
	}
	return dir
}

func put(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func read(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(b)
}

func cli(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var out, errb bytes.Buffer
	code := execute(context.Background(), args, &out, &errb)
	return code, out.String(), errb.String()
}

func TestRunCorrectsFiles(t *testing.T) {
	sandbox(t)
	put(t, "bluebookify.yaml", mockConfig)
	put(t, "briefs/a.md", marbury)
	put(t, "briefs/b.txt", "No authorities.\n")

	code, _, stderr := cli(t, "--status=false", "briefs")
	require.Equal(t, exitOK, code, stderr)

	assert.Equal(t, "See Marbury v. Madison, 5 U.S. 137 (1803).\n", read(t, "out/briefs/a.md"))
	assert.Equal(t, "No authorities.\n", read(t, "out/briefs/b.txt"))
	entries, err := ajsonl.Parse(read(t, "out/briefs/a.md.changes.jsonl"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "See Marbury v Madison, 5 US 137 (1803)", entries[0].Original)

	assert.Contains(t, stderr, "briefs/a.md\tspans=1 batches=1 calls=1 changes=1 attempts=1")
	assert.Contains(t, stderr, "briefs/b.txt\tspans=0 batches=0 calls=0 changes=0 attempts=1")
	assert.FileExists(t, filepath.Join("logs", "bluebookify-current.txt"))
}

func TestRunConfigErrors(t *testing.T) {
	cases := []struct {
		name  string
		cfg   string
		env   map[string]string
		args  []string
		wants string
	}{
		{"no llm", "options:\n  writer:\n    output_dir: out\n", nil, []string{"in"}, "llm not set"},
		{"unknown provider", mockConfig, nil, []string{"--llm", "nope", "in"}, `provider "nope" not found`},
		{"batch size", mockConfig, nil, []string{"--batch-size", "-1", "in"}, "batch_size"},
		{"env context width", mockConfig, map[string]string{"BLUEBOOKIFY_CONTEXT_WIDTH": "-5"}, []string{"in"}, "context_width"},
		{"unknown key", mockConfig + "concurrency: 4\n", nil, []string{"in"}, "concurrency"},
		{"no inputs", mockConfig, nil, nil, "inputs empty"},
		{"bad flag", mockConfig, nil, []string{"--batch-size=ten", "in"}, "invalid argument"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			sandbox(t)
			put(t, "bluebookify.yaml", c.cfg)
			for k, v := range c.env {
				t.Setenv(k, v)
			}
			code, _, stderr := cli(t, c.args...)
			assert.Equal(t, exitConfig, code)
			assert.Contains(t, stderr, c.wants)
		})
	}
}

// ENV 覆盖文件中的 provider options；回复漏 id → 运行期失败，不写输出
func TestRunIntegrityFailure(t *testing.T) {
	sandbox(t)
	put(t, "bluebookify.yaml", mockConfig)
	put(t, "briefs/a.md", marbury)
	t.Setenv("BLUEBOOKIFY_PROVIDER__mock__CLIENT", "mock")
	t.Setenv("BLUEBOOKIFY_PROVIDER__mock__OPTIONS_JSON", `{"response_mode":"drop_last"}`)

	code, _, stderr := cli(t, "--status=false", "briefs")
	assert.Equal(t, exitRuntime, code)
	assert.Contains(t, stderr, "missing correction id 0 in batch 0")
	assert.NoFileExists(t, "out/briefs/a.md")
}

// 调用方重试：flaky 第三次成功
func TestRunRetries(t *testing.T) {
	if testing.Short() {
		t.Skip("重试退避需数秒")
	}
	sandbox(t)
	put(t, "bluebookify.yaml", mockConfig)
	put(t, "briefs/a.md", marbury)

	code, _, stderr := cli(t, "--status=false", "--llm", "flaky", "--max-retries", "2", "briefs")
	require.Equal(t, exitOK, code, stderr)
	assert.Contains(t, stderr, "attempts=3")
}

func TestRunCancelledIsQuiet(t *testing.T) {
	sandbox(t)
	put(t, "bluebookify.yaml", mockConfig)
	put(t, "briefs/a.md", marbury)
	orig := runFiles
	runFiles = func(ctx context.Context, _ pipeline.Components, _ pipeline.Settings, _ *diag.Logger) ([]pipeline.FileReport, error) {
		return nil, context.Canceled
	}
	t.Cleanup(func() { runFiles = orig })

	code, _, stderr := cli(t, "--status=false", "briefs")
	assert.Equal(t, exitRuntime, code)
	assert.NotContains(t, stderr, "bluebookify:")
}

func TestInitConfigTemplateRuns(t *testing.T) {
	sandbox(t)
	code, _, stderr := cli(t, "init-config")
	require.Equal(t, exitOK, code, stderr)
	assert.FileExists(t, "bluebookify.yaml")
	assert.Contains(t, read(t, ".env"), "BLUEBOOKIFY_BATCH_SIZE=")

	// 不覆盖已存在文件
	code, _, stderr = cli(t, "init-config")
	assert.Equal(t, exitConfig, code)
	assert.Contains(t, stderr, "exists")

	put(t, "notes/n.md", "As held in Marbury v Madison, 5 US 137 (1803), review exists.\n")
	put(t, "notes/skip.pdf", "binary")
	code, _, stderr = cli(t, "--status=false", "notes")
	require.Equal(t, exitOK, code, stderr)
	assert.Equal(t, "As held in Marbury v. Madison, 5 U.S. 137 (1803), review exists.\n", read(t, "out/notes/n.md"))
	assert.NoFileExists(t, "out/notes/skip.pdf")
}

func TestInitConfigFormats(t *testing.T) {
	sandbox(t)
	code, _, _ := cli(t, "init-config", "--format", "json", "cfg")
	require.Equal(t, exitOK, code)
	over, err := config.Load(filepath.Join("cfg", "config.json"), nil)
	require.NoError(t, err)
	assert.Equal(t, "mock", over.LLM)

	code, stdout, _ := cli(t, "init-config", "-")
	require.Equal(t, exitOK, code)
	over, err = config.Load("stdout.yaml", []byte(stdout))
	require.NoError(t, err)
	require.NoError(t, config.Validate(config.Merge(config.Defaults(), over)))

	code, _, stderr := cli(t, "init-config", "--format", "toml", "x")
	assert.Equal(t, exitConfig, code)
	assert.Contains(t, stderr, "unknown format")
}

func TestVersion(t *testing.T) {
	code, stdout, _ := cli(t, "version")
	assert.Equal(t, exitOK, code)
	assert.Equal(t, "bluebookify version dev\n", stdout)
}

func TestWatchReruns(t *testing.T) {
	sandbox(t)
	put(t, "bluebookify.yaml", mockConfig)
	put(t, "notes/a.md", "Nothing yet.\n")

	ctx, cancel := context.WithCancel(context.Background())
	var stderr syncBuffer
	done := make(chan int, 1)
	go func() {
		done <- execute(ctx, []string{"watch", "--status=false", "--debounce=50ms", "notes"}, io.Discard, &stderr)
	}()

	require.Eventually(t, func() bool {
		b, err := os.ReadFile("out/notes/a.md")
		return err == nil && string(b) == "Nothing yet.\n" && strings.Contains(stderr.String(), "watching")
	}, 5*time.Second, 20*time.Millisecond)

	put(t, "notes/a.md", marbury)
	require.Eventually(t, func() bool {
		b, err := os.ReadFile("out/notes/a.md")
		return err == nil && strings.Contains(string(b), "5 U.S. 137")
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case code := <-done:
		assert.Equal(t, exitOK, code)
	case <-time.After(5 * time.Second):
		t.Fatal("watch 未在取消后退出")
	}
}

func TestServeMetrics(t *testing.T) {
	stop, addr, err := serveMetrics("127.0.0.1:0")
	require.NoError(t, err)
	defer stop()
	resp, err := http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(b), "bluebookify_spans_extracted_total")

	none, addr, err := serveMetrics("")
	require.NoError(t, err)
	assert.Empty(t, addr)
	none()
}

func TestRelToCwdAndIgnore(t *testing.T) {
	dir := sandbox(t)
	wd, err := os.Getwd()
	require.NoError(t, err)
	got := relToCwd([]string{filepath.Join(wd, "notes", "a.md"), "/elsewhere/b.md"})
	assert.Equal(t, []string{filepath.Join("notes", "a.md"), "/elsewhere/b.md"}, got)

	ign := ignoreUnder("out")
	out := filepath.Join(wd, "out")
	assert.True(t, ign(out))
	assert.True(t, ign(filepath.Join(out, "x.md")))
	assert.False(t, ign(filepath.Join(dir, "outside.md")))
	assert.Nil(t, ignoreUnder(""))
}

func TestPreflightOutputDir(t *testing.T) {
	sandbox(t)
	cfg := config.Defaults()
	assert.NoError(t, preflightOutputDir(cfg), "no output_dir → nothing to check")

	cfg.Options.Writer = []byte(`{"output_dir":"fresh/out"}`)
	assert.Error(t, preflightOutputDir(cfg), "missing parent")

	cfg.Options.Writer = []byte(`{"output_dir":"out"}`)
	assert.NoError(t, preflightOutputDir(cfg))
	put(t, "file", "x")
	cfg.Options.Writer = []byte(`{"output_dir":"file"}`)
	assert.Error(t, preflightOutputDir(cfg))
}
