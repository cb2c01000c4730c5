package procexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"
)

// ErrTimeout is returned when a bounded command exceeds its wall-clock limit.
var ErrTimeout = errors.New("command timed out")

// CmdResult is the captured outcome of a one-shot command.
type CmdResult struct {
	Output   string
	ExitCode int
	Duration time.Duration
}

// RunWithTimeout runs name with args in dir and captures combined output.
// A non-zero exit is not an error; err is reserved for launch failures,
// cancellation and ErrTimeout. The whole process group is killed on timeout.
func RunWithTimeout(ctx context.Context, dir string, timeout time.Duration, name string, args ...string) (*CmdResult, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 2 * time.Second

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	res := &CmdResult{
		Output:   out.String(),
		Duration: time.Since(start),
	}

	if ctx.Err() == context.DeadlineExceeded {
		res.ExitCode = -1
		return res, fmt.Errorf("%s after %s: %w", name, timeout, ErrTimeout)
	}
	if ctx.Err() != nil {
		res.ExitCode = -1
		return res, ctx.Err()
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		return res, fmt.Errorf("failed to run %s: %w", name, err)
	}
	return res, nil
}

// Sweep kills any process whose command line matches pattern. It is a
// best-effort net for orphans left behind by an earlier crashed run.
func Sweep(ctx context.Context, pattern string) error {
	if pattern == "" {
		return nil
	}
	res, err := RunWithTimeout(ctx, "", 10*time.Second, "pkill", "-f", pattern)
	if err != nil {
		return err
	}
	// pkill exits 1 when nothing matched.
	if res.ExitCode > 1 {
		return fmt.Errorf("pkill exited %d: %s", res.ExitCode, res.Output)
	}
	return nil
}
