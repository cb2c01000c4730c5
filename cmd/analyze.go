package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"sdkforge/internal/analysis"
	"sdkforge/internal/config"
	"sdkforge/internal/logging"
)

var errAnalysisFailed = errors.New("analysis failed")

var analyzeCmd = &cobra.Command{
	Use:   "analyze <dir>",
	Short: "Run static analysis on a workspace once",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		rules, err := analysis.LoadRules(cfg.AnalysisRulesFile)
		if err != nil {
			return err
		}
		if cfg.AnalysisRulesFile == "" {
			rules.WarningsFail = cfg.WarningsFail
		}

		runner := analysis.NewRunner(analysis.Options{
			FlutterBin: cfg.FlutterBin,
			Timeout:    cfg.AnalyzeTimeout,
			Rules:      rules,
		}, logging.L())

		res, err := runner.Analyze(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if res.Output != "" {
			fmt.Fprintln(out, res.Output)
		}
		fmt.Fprintf(out, "files=%d exit=%d duration=%s passed=%t\n", res.Files, res.ExitCode, res.Duration, res.Passed)
		if !res.Passed {
			return errAnalysisFailed
		}
		return nil
	},
}
