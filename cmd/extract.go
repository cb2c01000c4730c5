package main

import (
	"fmt"
	"io"
	"os"
	"path"

	"github.com/spf13/cobra"

	"sdkforge/internal/workspace"
)

var extractCmd = &cobra.Command{
	Use:   "extract <file|->",
	Short: "Print the file blocks a model response would write",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			data []byte
			err  error
		)
		if args[0] == "-" {
			data, err = io.ReadAll(cmd.InOrStdin())
		} else {
			data, err = os.ReadFile(args[0])
		}
		if err != nil {
			return err
		}

		blocks := workspace.ExtractFileBlocks(string(data))
		if len(blocks) == 0 {
			return workspace.ErrNoSource
		}
		out := cmd.OutOrStdout()
		for _, b := range blocks {
			fmt.Fprintf(out, "==> %s (%d bytes)\n%s\n", path.Join(workspace.SourceRoot, b.Path), len(b.Content), b.Content)
		}
		return nil
	},
}
