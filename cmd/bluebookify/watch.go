package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hangingahaw/bluebookify/internal/watch"
)

func newWatchCmd(o *cliOptions) *cobra.Command {
	var debounce time.Duration
	cmd := &cobra.Command{
		Use:   "watch <inputs...>",
		Short: "Correct inputs, then re-correct files whenever they change",
		Long: `Runs once over all inputs, then watches them (directories recursively) and
re-runs only the changed files. A failing rerun is reported and watching goes on.
The writer's output directory and audit sidecars are never watched.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openSession(o, args)
			if err != nil {
				return err
			}
			defer s.close()

			if err := s.run(ctx, s.set.Inputs); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				fmt.Fprintf(o.stderr, "bluebookify: %v\n", err)
			}

			w, err := watch.New(s.set.Inputs, &watch.Options{Debounce: debounce, Ignore: ignoreUnder(outputDir(s.cfg))}, s.logger)
			if err != nil {
				return configFail(err)
			}
			fmt.Fprintf(o.stderr, "watching %s (Ctrl-C to stop)\n", strings.Join(s.set.Inputs, ", "))
			return w.Run(ctx, func(ctx context.Context, changed []string) error {
				err := s.run(ctx, relToCwd(changed))
				if err != nil && ctx.Err() == nil {
					fmt.Fprintf(o.stderr, "bluebookify: %v\n", err)
				}
				return err
			})
		},
	}
	cmd.Flags().DurationVar(&debounce, "debounce", watch.DefaultDebounce, "quiet period before re-running after a change")
	return cmd
}

// ignoreUnder 忽略 dir（绝对化后）及其子路径；dir 为空时不忽略。
func ignoreUnder(dir string) func(string) bool {
	if dir == "" {
		return nil
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil
	}
	return func(p string) bool {
		return p == abs || strings.HasPrefix(p, abs+string(filepath.Separator))
	}
}

// relToCwd 将监听得到的绝对路径还原为相对工作目录的路径，保持与首次运行一致的 FileID。
func relToCwd(paths []string) []string {
	wd, err := os.Getwd()
	if err != nil {
		return paths
	}
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if rel, err := filepath.Rel(wd, p); err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			p = rel
		}
		out = append(out, p)
	}
	return out
}
