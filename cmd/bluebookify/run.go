package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hangingahaw/bluebookify/internal/config"
	"github.com/hangingahaw/bluebookify/internal/diag"
	"github.com/hangingahaw/bluebookify/internal/pipeline"
)

// defaultConfigFiles 未显式指定时按序探测的配置文件。
var defaultConfigFiles = []string{"bluebookify.yaml", "bluebookify.yml", "config.json"}

// loadConfig 合并 默认值 < 配置文件 < ENV(.env) < CLI，并校验。
func loadConfig(o *cliOptions, args []string) (config.Config, error) {
	// 任何 ENV 读取前加载工作目录下的 .env（不覆盖已有 ENV）
	if err := config.LoadDotEnv(".env"); err != nil {
		return config.Config{}, fmt.Errorf(".env: %w", err)
	}
	path := o.config
	if path == "" {
		path = os.Getenv(config.EnvPrefix + "CONFIG_FILE")
	}
	raw := []byte(os.Getenv(config.EnvPrefix + "CONFIG_JSON"))
	if path == "" && len(raw) == 0 {
		for _, p := range defaultConfigFiles {
			if st, err := os.Stat(p); err == nil && !st.IsDir() {
				path = p
				break
			}
		}
	}

	cfg := config.Defaults()
	if len(raw) > 0 {
		base, err := config.Load("", raw)
		if err != nil {
			return cfg, fmt.Errorf("%sCONFIG_JSON: %w", config.EnvPrefix, err)
		}
		cfg = config.Merge(cfg, base)
	} else if path != "" {
		base, err := config.Load(path, nil)
		if err != nil {
			return cfg, fmt.Errorf("config %s: %w", path, err)
		}
		cfg = config.Merge(cfg, base)
	}

	env, err := config.EnvOverlay(os.Environ())
	if err != nil {
		return cfg, err
	}
	cfg = config.Merge(cfg, env)

	cli := config.Overlay()
	cli.Inputs = args
	cli.LLM = o.llm
	cli.BatchSize = o.batchSize
	cli.ContextWidth = o.contextWidth
	cli.Rules = o.rules
	cli.MaxRetries = o.maxRetries
	cli.Logging.Level = o.logLevel
	cfg = config.Merge(cfg, cli)

	return cfg, config.Validate(cfg)
}

// session 一次装配好的运行环境（watch 模式下跨多次运行复用）。
type session struct {
	cfg    config.Config
	comp   pipeline.Components
	set    pipeline.Settings
	logger *diag.Logger
	term   *diag.Terminal
	stderr io.Writer

	stopMetrics func()
}

func openSession(o *cliOptions, args []string) (*session, error) {
	cfg, err := loadConfig(o, args)
	if err != nil {
		return nil, configFail(err)
	}
	logger := diag.NewLogger(diag.NewCorrID(), cfg.Logging.Level)
	fail := func(err error) (*session, error) {
		logger.Error("config", diag.Classify(err), "setup failed", nil)
		_ = logger.Sync()
		return nil, configFail(err)
	}
	if err := preflightOutputDir(cfg); err != nil {
		return fail(fmt.Errorf("output dir not writable: %w", err))
	}
	comp, set, _, _, err := config.Assemble(cfg)
	if err != nil {
		return fail(err)
	}
	// stdin 的校正结果写往命令的 stdout
	if sw, ok := comp.Writer.(interface{ SetStdout(io.Writer) }); ok {
		sw.SetStdout(o.stdout)
	}
	set.RunID = logger.CorrID()
	set.Terminal = diag.NewTerminal(o.stderr, o.status)

	stop, addr, err := serveMetrics(o.metricsAddr)
	if err != nil {
		if comp.Audit != nil {
			_ = comp.Audit.Close()
		}
		_ = logger.Sync()
		return nil, runtimeFail(fmt.Errorf("metrics: %w", err))
	}
	if addr != "" {
		fmt.Fprintf(o.stderr, "metrics on http://%s/metrics\n", addr)
	}

	logger.DebugStart("config", "effective", "", "", effectiveKV(cfg))
	return &session{cfg: cfg, comp: comp, set: set, logger: logger, term: set.Terminal, stderr: o.stderr, stopMetrics: stop}, nil
}

func (s *session) close() {
	s.stopMetrics()
	if s.comp.Audit != nil {
		if err := s.comp.Audit.Close(); err != nil {
			s.logger.Error("audit", diag.Classify(err), "close failed", nil)
		}
	}
	_ = s.logger.Sync()
}

// run 对 inputs 执行一次完整运行并打印汇总；返回已映射退出码的错误。
func (s *session) run(ctx context.Context, inputs []string) error {
	start := time.Now()
	set := s.set
	set.Inputs = inputs
	s.term.RunStart(s.cfg.LLM)
	t := s.logger.Start("pipeline", "run")
	reports, err := runFiles(ctx, s.comp, set, s.logger)
	printSummary(s.stderr, reports)
	if err != nil {
		code := diag.Classify(err)
		s.logger.Error("pipeline", code, "first error", &start)
		s.term.RunFinish(false, time.Since(start))
		if code == diag.CodeConfig {
			return configFail(err)
		}
		return runtimeFail(err)
	}
	t.Finish("run", int64(len(reports)))
	s.term.RunFinish(true, time.Since(start))
	return nil
}

func runCorrect(ctx context.Context, o *cliOptions, args []string) error {
	s, err := openSession(o, args)
	if err != nil {
		return err
	}
	defer s.close()
	return s.run(ctx, s.set.Inputs)
}

// printSummary 每个已完成文件一行：规模与变更数。
func printSummary(w io.Writer, reports []pipeline.FileReport) {
	for _, r := range reports {
		fmt.Fprintf(w, "%s\tspans=%d batches=%d calls=%d changes=%d attempts=%d\n",
			r.FileID, r.Stats.Spans, r.Stats.Batches, r.Stats.Calls, r.Changes, r.Attempts)
	}
}

// effectiveKV 脱敏后的有效配置摘要（debug 日志）。
func effectiveKV(cfg config.Config) map[string]string {
	kv := map[string]string{
		"inputs_count":  strconv.Itoa(len(cfg.Inputs)),
		"batch_size":    strconv.Itoa(cfg.BatchSize),
		"context_width": strconv.Itoa(cfg.ContextWidth),
		"max_retries":   strconv.Itoa(cfg.MaxRetries),
		"llm":           cfg.LLM,
		"extractor":     cfg.Components.Extractor,
		"writer":        cfg.Components.Writer,
		"audit":         cfg.Components.Audit,
	}
	if p, ok := cfg.Provider[cfg.LLM]; ok {
		kv["provider_client"] = p.Client
		var s struct {
			BaseURL string `json:"base_url"`
			Model   string `json:"model"`
		}
		_ = json.Unmarshal(p.Options, &s)
		if s.BaseURL != "" {
			kv["base_url"] = s.BaseURL
		}
		if s.Model != "" {
			kv["model"] = s.Model
		}
	}
	return kv
}

// serveMetrics 在 addr 上暴露 /metrics；addr 为空时不启动。
// 返回优雅关闭函数与实际监听地址（addr 端口为 0 时由系统分配）。
func serveMetrics(addr string) (func(), string, error) {
	if strings.TrimSpace(addr) == "" {
		return func() {}, "", nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, "", err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", diag.MetricsHandler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ln)
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		<-done
	}, ln.Addr().String(), nil
}

// outputDir 返回 fs writer 的 output_dir（其他 writer 或未设置时为空）。
func outputDir(cfg config.Config) string {
	if cfg.Components.Writer != "fs" || len(cfg.Options.Writer) == 0 {
		return ""
	}
	var w struct {
		OutputDir string `json:"output_dir"`
	}
	_ = json.Unmarshal(cfg.Options.Writer, &w)
	return strings.TrimSpace(w.OutputDir)
}

// preflightOutputDir: fs writer 启动前检查输出目录可写性。
// 目录存在时尝试创建并删除临时文件；不存在时检查父目录可写。
func preflightOutputDir(cfg config.Config) error {
	dir := outputDir(cfg)
	if dir == "" {
		return nil
	}
	st, err := os.Stat(dir)
	switch {
	case err == nil && st.IsDir():
		f, err := os.CreateTemp(dir, ".wcheck-*")
		if err != nil {
			return err
		}
		name := f.Name()
		_ = f.Close()
		return os.Remove(name)
	case err == nil:
		return fmt.Errorf("not a directory: %s", dir)
	case !os.IsNotExist(err):
		return err
	}
	parent := filepath.Dir(filepath.Clean(dir))
	pst, err := os.Stat(parent)
	if err != nil {
		return err
	}
	if !pst.IsDir() {
		return fmt.Errorf("parent is not a directory: %s", parent)
	}
	tmp, err := os.MkdirTemp(parent, ".wcheck-*")
	if err != nil {
		return err
	}
	return os.RemoveAll(tmp)
}
