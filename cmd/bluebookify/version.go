package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version 由构建时 -ldflags "-X main.version=..." 注入。
var version = "dev"

func newVersionCmd(o *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of bluebookify",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(o.stdout, "bluebookify version %s\n", version)
		},
	}
}
