package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/hangingahaw/bluebookify/internal/pipeline"
)

// 退出码：0 成功；1 运行期失败；3 配置/装配失败。
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 3
)

// runFiles 可在测试中替换。
var runFiles = pipeline.RunFiles

// exitError 携带退出码的错误。
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func configFail(err error) error  { return &exitError{code: exitConfig, err: err} }
func runtimeFail(err error) error { return &exitError{code: exitRuntime, err: err} }

// cliOptions 全局旗标。整数旗标以 -1 表示“未覆盖”。
type cliOptions struct {
	config       string
	llm          string
	batchSize    int
	contextWidth int
	rules        string
	maxRetries   int
	logLevel     string
	status       bool
	metricsAddr  string

	stdout, stderr io.Writer
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	o := &cliOptions{stdout: stdout, stderr: stderr}
	root := &cobra.Command{
		Use:   "bluebookify [flags] <inputs...>",
		Short: "Find legal citations in text and correct them to Bluebook form with an LLM",
		Long: `bluebookify locates citation-shaped spans (cases, short forms, statutes, Id.)
in Markdown/plain-text files, sends only those spans with a little surrounding
context to an LLM in fixed-size batches, validates every reply strictly and
splices the corrections back without touching any other byte.

Inputs are files, directories or "-" for stdin. Corrected files go through the
configured writer; every applied change is recorded by the audit sink.`,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCorrect(cmd.Context(), o, args)
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	f := root.PersistentFlags()
	f.StringVar(&o.config, "config", "", "config file (JSON or YAML); defaults to ./bluebookify.yaml, ./bluebookify.yml or ./config.json when present")
	f.StringVar(&o.llm, "llm", "", "provider name (overrides config)")
	f.IntVar(&o.batchSize, "batch-size", 0, "citations per oracle call (overrides config)")
	f.IntVar(&o.contextWidth, "context-width", -1, "context bytes on each side of a citation (overrides config; 0 disables context)")
	f.StringVar(&o.rules, "rules", "", "extra rules appended to the instructions (overrides config)")
	f.IntVar(&o.maxRetries, "max-retries", -1, "whole-file reruns on retryable failures (overrides config; 0 disables)")
	f.StringVar(&o.logLevel, "log-level", "", "log level: debug|info|warn|error (overrides config)")
	f.BoolVar(&o.status, "status", true, "status lines on stderr (in-place on a TTY)")
	f.StringVar(&o.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9090")

	root.AddCommand(newInitConfigCmd(o), newWatchCmd(o), newVersionCmd(o))
	return root
}

// execute 运行命令树并映射退出码。
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := newRootCmd(stdout, stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if !errors.Is(ee.err, context.Canceled) {
			fmt.Fprintf(stderr, "bluebookify: %v\n", ee.err)
		}
		return ee.code
	}
	// cobra 自身的旗标/参数错误按配置错误处理
	fmt.Fprintf(stderr, "bluebookify: %v\n", err)
	return exitConfig
}
