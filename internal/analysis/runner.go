// Package analysis runs the Flutter static analyzer over a workspace and
// classifies the result.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"sdkforge/internal/logging"
	"sdkforge/internal/metrics"
	"sdkforge/internal/procexec"
	"sdkforge/internal/workspace"
)

// NothingToAnalyze is the output reported for a workspace with no sources.
const NothingToAnalyze = "nothing to analyze"

// Result is the outcome of one analysis.
type Result struct {
	Passed   bool          `json:"passed"`
	Output   string        `json:"output"`
	ExitCode int           `json:"exit_code"`
	Files    int           `json:"files"`
	TimedOut bool          `json:"timed_out"`
	Duration time.Duration `json:"duration"`
}

// Diagnostics is the text fed back into a repair turn. It is empty for a
// passing result.
func (r *Result) Diagnostics() string {
	if r == nil || r.Passed {
		return ""
	}
	return r.Output
}

// Options configure a Runner.
type Options struct {
	FlutterBin string
	Timeout    time.Duration
	Rules      Rules
}

// Runner invokes `flutter analyze` with a hard wall-clock bound. It only
// reads the workspace.
type Runner struct {
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewRunner creates an analysis runner.
func NewRunner(opts Options, logger *zap.Logger) *Runner {
	if opts.FlutterBin == "" {
		opts.FlutterBin = "flutter"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	if opts.Rules.ErrorMarkers == nil && opts.Rules.WarningMarkers == nil {
		opts.Rules = DefaultRules()
	}
	return &Runner{
		opts:    opts,
		logger:  logging.OrNamed(logger, "analysis"),
		metrics: metrics.Get(),
	}
}

// Analyze checks every source file under root. The returned error is only
// set when the analyzer could not be run at all; a timeout is reported as a
// failed Result.
func (r *Runner) Analyze(ctx context.Context, root string) (*Result, error) {
	files, err := workspace.ListSources(root)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		r.metrics.RecordAnalysis("empty", 0)
		return &Result{Passed: true, Output: NothingToAnalyze}, nil
	}

	args := []string{"analyze", "--no-fatal-infos"}
	for _, f := range files {
		rel, err := filepath.Rel(root, f)
		if err != nil {
			rel = f
		}
		args = append(args, rel)
	}

	logger := r.logger.With(zap.String("root", root), zap.Int("files", len(files)))
	logger.Debug("Running analyzer")

	res, err := procexec.RunWithTimeout(ctx, root, r.opts.Timeout, r.opts.FlutterBin, args...)
	if errors.Is(err, procexec.ErrTimeout) {
		logger.Warn("Analyzer timed out", zap.Duration("timeout", r.opts.Timeout))
		r.metrics.RecordAnalysis("timeout", res.Duration)
		return &Result{
			Passed:   false,
			Output:   fmt.Sprintf("analysis timed out after %s", r.opts.Timeout),
			ExitCode: -1,
			Files:    len(files),
			TimedOut: true,
			Duration: res.Duration,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to run analyzer: %w", err)
	}

	out := &Result{
		Passed:   !r.opts.Rules.Failed(res.ExitCode, res.Output),
		Output:   res.Output,
		ExitCode: res.ExitCode,
		Files:    len(files),
		Duration: res.Duration,
	}

	outcome := "pass"
	if !out.Passed {
		outcome = "fail"
	}
	r.metrics.RecordAnalysis(outcome, res.Duration)
	logger.Info("Analysis finished",
		zap.String("outcome", outcome),
		zap.Int("exit_code", res.ExitCode),
		zap.Duration("duration", res.Duration),
	)
	return out, nil
}
