// Command sdkforge serves the Flutter SDK integration assistant and exposes
// its building blocks as one-shot tools.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"sdkforge/internal/config"
	"sdkforge/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "sdkforge",
	Short: "Generate, analyze and preview Flutter apps that integrate a vendor SDK",
	PersistentPreRun: func(*cobra.Command, []string) {
		config.LoadDotEnv()
		logging.Init()
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, analyzeCmd, extractCmd, migrateCmd)
}

func main() {
	err := rootCmd.Execute()
	logging.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
