package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/hangingahaw/bluebookify/internal/config"
)

func newInitConfigCmd(o *cliOptions) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "init-config [dir]",
		Short: "Write a runnable config template and a .env template (existing files are kept)",
		Long: `Writes bluebookify.yaml (or config.json with --format json) and .env into dir
(default "."). The template uses the offline mock provider so it runs as-is;
switch "llm" to openai, anthropic or gemini and set the API key to go live.
Use "-" as dir to print the config to stdout.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			b, name, err := renderTemplate(format)
			if err != nil {
				return configFail(err)
			}
			if dir == "-" {
				_, err := o.stdout.Write(b)
				return err
			}
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return configFail(err)
			}
			path := filepath.Join(dir, name)
			if err := writeNew(path, b); err != nil {
				return configFail(fmt.Errorf("write %s: %w", path, err))
			}
			fmt.Fprintf(o.stderr, "wrote %s\n", path)
			envPath := filepath.Join(dir, ".env")
			switch err := writeNew(envPath, []byte(config.DotEnvTemplate())); {
			case err == nil:
				fmt.Fprintf(o.stderr, "wrote %s\n", envPath)
			case os.IsExist(err):
				fmt.Fprintf(o.stderr, "kept existing %s\n", envPath)
			default:
				fmt.Fprintf(o.stderr, "skipped .env: %v\n", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "yaml", "template format: yaml|json")
	return cmd
}

// renderTemplate 渲染默认模板；YAML 经 JSON 中转以保留原样 Options 子树。
func renderTemplate(format string) ([]byte, string, error) {
	j, err := json.MarshalIndent(config.DefaultTemplateConfig(), "", "  ")
	if err != nil {
		return nil, "", err
	}
	switch format {
	case "json":
		return append(j, '\n'), "config.json", nil
	case "yaml", "yml":
		var v any
		if err := json.Unmarshal(j, &v); err != nil {
			return nil, "", err
		}
		y, err := yaml.Marshal(v)
		if err != nil {
			return nil, "", err
		}
		return append([]byte("# bluebookify config (generated by init-config)\n"), y...), "bluebookify.yaml", nil
	default:
		return nil, "", fmt.Errorf("unknown format %q (want yaml or json)", format)
	}
}

// writeNew 仅在文件不存在时写入。
func writeNew(path string, b []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
