package testdata

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cfgpkg "github.com/hangingahaw/bluebookify/internal/config"
	"github.com/hangingahaw/bluebookify/internal/pipeline"
	"github.com/hangingahaw/bluebookify/pkg/contract"
	ajsonl "github.com/hangingahaw/bluebookify/plugins/audit/jsonl"
	asqlite "github.com/hangingahaw/bluebookify/plugins/audit/sqlite"
)

const memo = "files/memo.md"

// baseConfig 以模板为底，输入为 memo，输出扁平写入 outDir。
func baseConfig(outDir string) cfgpkg.Config {
	cfg := cfgpkg.DefaultTemplateConfig()
	cfg.Inputs = []string{memo}
	cfg.Logging.Level = "error"
	cfg.MaxRetries = 0
	cfg.Options.Reader = nil
	cfg.Options.Writer = json.RawMessage(fmt.Sprintf(`{"output_dir":%q,"flat":true}`, outDir))
	return cfg
}

func runPipeline(t *testing.T, cfg cfgpkg.Config) ([]pipeline.FileReport, error) {
	t.Helper()
	require.NoError(t, cfgpkg.Validate(cfg))
	comp, set, _, _, err := cfgpkg.Assemble(cfg)
	require.NoError(t, err)
	set.RunID = "e2e"
	set.RetryBackoff = time.Millisecond
	t.Cleanup(func() {
		if comp.Audit != nil {
			_ = comp.Audit.Close()
		}
	})
	return pipeline.RunFiles(context.Background(), comp, set, nil)
}

func golden(t *testing.T) string {
	b, err := os.ReadFile("files/memo.golden.md")
	require.NoError(t, err)
	return string(b)
}

func TestE2ESuccess(t *testing.T) {
	outDir := t.TempDir()
	reps, err := runPipeline(t, baseConfig(outDir))
	require.NoError(t, err)
	require.Len(t, reps, 1)
	assert.Equal(t, contract.FileID(memo), reps[0].FileID)
	assert.Equal(t, 2, reps[0].Changes)
	assert.Equal(t, 4, reps[0].Stats.Spans)

	got, err := os.ReadFile(filepath.Join(outDir, "memo.md"))
	require.NoError(t, err)
	assert.Equal(t, golden(t), string(got))

	side, err := os.ReadFile(filepath.Join(outDir, "memo.md"+contract.SidecarSuffix))
	require.NoError(t, err)
	entries, err := ajsonl.Parse(string(side))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Less(t, entries[0].Position, entries[1].Position)
	src, err := os.ReadFile(memo)
	require.NoError(t, err)
	// Position 指向原文
	for _, e := range entries {
		assert.Equal(t, "e2e", e.RunID)
		assert.Equal(t, e.Original, string(src[e.Position:e.Position+len(e.Original)]))
	}
	assert.Equal(t, "See Cooper v. Aaron, 358 U.S. 1, 18 (1958)", entries[1].Replacement)
}

// 小批次：调用次数随 batch_size 变化，结果不变
func TestE2EBatchSizeIndependent(t *testing.T) {
	outDir := t.TempDir()
	cfg := baseConfig(outDir)
	cfg.BatchSize = 1
	cfg.ContextWidth = 0
	reps, err := runPipeline(t, cfg)
	require.NoError(t, err)
	assert.Equal(t, 4, reps[0].Stats.Calls)
	got, err := os.ReadFile(filepath.Join(outDir, "memo.md"))
	require.NoError(t, err)
	assert.Equal(t, golden(t), string(got))
}

func TestE2ESQLiteAudit(t *testing.T) {
	outDir := t.TempDir()
	db := filepath.Join(t.TempDir(), "audit.db")
	cfg := baseConfig(outDir)
	cfg.Components.Audit = "sqlite"
	cfg.Options.Audit = json.RawMessage(fmt.Sprintf(`{"path":%q}`, db))
	comp, set, _, _, err := cfgpkg.Assemble(cfg)
	require.NoError(t, err)
	set.RunID = "e2e-sql"
	_, err = pipeline.RunFiles(context.Background(), comp, set, nil)
	require.NoError(t, err)
	require.NoError(t, comp.Audit.Close())
	assert.NoFileExists(t, filepath.Join(outDir, "memo.md"+contract.SidecarSuffix))

	st, err := asqlite.Open(&asqlite.Options{Path: db})
	require.NoError(t, err)
	defer st.Close()
	changes, err := st.Changes(context.Background(), "e2e-sql", contract.FileID(memo))
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Contains(t, changes[0].Replacement, "Marbury v. Madison, 5 U.S. 137")
}

func TestE2EIntegrityFailure(t *testing.T) {
	outDir := t.TempDir()
	cfg := baseConfig(outDir)
	cfg.Provider["mock"] = cfgpkg.Provider{Client: "mock", Options: json.RawMessage(`{"response_mode":"drop_last"}`)}
	_, err := runPipeline(t, cfg)
	require.ErrorIs(t, err, contract.ErrBatchMismatch)
	assert.NoFileExists(t, filepath.Join(outDir, "memo.md"))
}

func TestE2ERetry(t *testing.T) {
	outDir := t.TempDir()
	cfg := baseConfig(outDir)
	cfg.LLM = "flaky"
	cfg.MaxRetries = 2
	cfg.Provider["flaky"] = cfgpkg.Provider{Client: "flaky"}
	reps, err := runPipeline(t, cfg)
	require.NoError(t, err)
	assert.Equal(t, 3, reps[0].Attempts)
	got, err := os.ReadFile(filepath.Join(outDir, "memo.md"))
	require.NoError(t, err)
	assert.Equal(t, golden(t), string(got))
}

// 上游 5xx 与漏 id 同样由调用方整文件重跑
func TestE2ERetryUpstreamAndIntegrity(t *testing.T) {
	outDir := t.TempDir()
	cfg := baseConfig(outDir)
	cfg.LLM = "flaky"
	cfg.MaxRetries = 2
	cfg.Provider["flaky"] = cfgpkg.Provider{Client: "flaky", Options: json.RawMessage(`{"script":["upstream","drop_last"]}`)}
	reps, err := runPipeline(t, cfg)
	require.NoError(t, err)
	assert.Equal(t, 3, reps[0].Attempts)

	cfg.MaxRetries = 1
	cfg.Options.Writer = json.RawMessage(fmt.Sprintf(`{"output_dir":%q,"flat":true}`, t.TempDir()))
	_, err = runPipeline(t, cfg)
	require.ErrorIs(t, err, contract.ErrBatchMismatch, "second attempt still misses an id")
}
