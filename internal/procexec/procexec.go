// Package procexec isolates the OS-level plumbing for interactive
// subprocesses: pseudo-terminal allocation, process groups, signal escalation
// and bounded one-shot command runs.
package procexec

import (
	"io"
	"time"
)

// Spec describes a long-running command to launch.
type Spec struct {
	Name string
	Args []string
	Dir  string
	Env  []string // appended to os.Environ()
}

// Process is a live interactive subprocess. Read drains its combined output,
// Write injects keystrokes into its terminal.
type Process interface {
	io.ReadWriter

	// Pid returns the OS process id (also the process group id).
	Pid() int

	// Done is closed once the process has been reaped.
	Done() <-chan struct{}

	// Exited reports whether Done has been closed.
	Exited() bool

	// Terminate signals the whole process group, escalating to SIGKILL after
	// grace, and releases the terminal. Safe to call more than once.
	Terminate(grace time.Duration) error
}

// Launcher starts interactive subprocesses.
type Launcher interface {
	Launch(spec Spec) (Process, error)
}
