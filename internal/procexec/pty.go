package procexec

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// PTYLauncher launches commands attached to a fresh pseudo-terminal.
type PTYLauncher struct {
	Rows uint16
	Cols uint16
}

// NewPTYLauncher returns a launcher with a wide terminal so tool output is
// not wrapped mid-line in the log.
func NewPTYLauncher() *PTYLauncher {
	return &PTYLauncher{Rows: 50, Cols: 200}
}

// Launch allocates a pty pair, starts the command with its stdio on the slave
// side in a new session (and therefore a new process group), then closes the
// slave in the parent.
func (l *PTYLauncher) Launch(spec Spec) (Process, error) {
	if spec.Name == "" {
		return nil, errors.New("empty command")
	}

	ptmx, tty, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to allocate pty: %w", err)
	}

	if l.Rows > 0 && l.Cols > 0 {
		_ = pty.Setsize(ptmx, &pty.Winsize{Rows: l.Rows, Cols: l.Cols})
	}

	cmd := exec.Command(spec.Name, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	cmd.Env = append(cmd.Env, spec.Env...)
	cmd.Stdin = tty
	cmd.Stdout = tty
	cmd.Stderr = tty
	// Setsid makes the child a session and group leader (pgid == pid), which
	// is what Terminate signals. Setpgid must not be combined with it.
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid:  true,
		Setctty: true,
	}

	if err := cmd.Start(); err != nil {
		ptmx.Close()
		tty.Close()
		return nil, fmt.Errorf("failed to start %s: %w", spec.Name, err)
	}
	tty.Close()

	p := &ptyProcess{
		cmd:  cmd,
		ptmx: ptmx,
		done: make(chan struct{}),
	}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

type ptyProcess struct {
	cmd     *exec.Cmd
	ptmx    *os.File
	done    chan struct{}
	waitErr error

	closeOnce sync.Once
	closeErr  error
}

func (p *ptyProcess) Pid() int { return p.cmd.Process.Pid }

func (p *ptyProcess) Done() <-chan struct{} { return p.done }

func (p *ptyProcess) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *ptyProcess) Read(b []byte) (int, error) { return p.ptmx.Read(b) }

func (p *ptyProcess) Write(b []byte) (int, error) { return p.ptmx.Write(b) }

// killGroup signals every process in the group pgid.
var killGroup = func(pgid int, sig syscall.Signal) error {
	return syscall.Kill(-pgid, sig)
}

func (p *ptyProcess) Terminate(grace time.Duration) error {
	var errs []error
	pgid := p.Pid()

	if !p.Exited() {
		if err := killGroup(pgid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
			errs = append(errs, fmt.Errorf("SIGTERM group %d: %w", pgid, err))
		}
		select {
		case <-p.done:
		case <-time.After(grace):
			if err := killGroup(pgid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
				errs = append(errs, fmt.Errorf("SIGKILL group %d: %w", pgid, err))
			}
			select {
			case <-p.done:
			case <-time.After(grace):
				errs = append(errs, fmt.Errorf("process %d not reaped after SIGKILL", pgid))
			}
		}
	}

	// The leader may be gone while children of the group linger. An empty
	// group frees its id for reuse, so only signal one that still has members.
	if killGroup(pgid, 0) == nil {
		_ = killGroup(pgid, syscall.SIGKILL)
	}

	p.closeOnce.Do(func() {
		p.closeErr = p.ptmx.Close()
	})
	if p.closeErr != nil && !errors.Is(p.closeErr, os.ErrClosed) {
		errs = append(errs, fmt.Errorf("close pty: %w", p.closeErr))
	}
	return errors.Join(errs...)
}
