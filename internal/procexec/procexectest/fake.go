// Package procexectest provides an in-memory procexec.Launcher for tests.
package procexectest

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"sdkforge/internal/procexec"
)

// Process is a fake interactive process. Output written with Print is what
// the owner reads; keystrokes written by the owner are recorded.
type Process struct {
	pid      int
	launcher *Launcher
	r        *io.PipeReader
	w        *io.PipeWriter
	done     chan struct{}
	once     sync.Once
	server   *http.Server

	mu          sync.Mutex
	written     []byte
	rejectInput bool
}

func (p *Process) Pid() int                      { return p.pid }
func (p *Process) Done() <-chan struct{}         { return p.done }
func (p *Process) Read(b []byte) (int, error)    { return p.r.Read(b) }
func (p *Process) Terminate(time.Duration) error { p.Exit(); return nil }

func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *Process) Write(b []byte) (int, error) {
	if p.Exited() {
		return 0, os.ErrClosed
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rejectInput {
		return 0, errors.New("input rejected")
	}
	p.written = append(p.written, b...)
	return len(b), nil
}

// Written returns every byte the owner wrote to the process.
func (p *Process) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return string(p.written)
}

// RejectInput makes later writes fail, as a wedged terminal would.
func (p *Process) RejectInput() {
	p.mu.Lock()
	p.rejectInput = true
	p.mu.Unlock()
}

// Print emits output without blocking the caller.
func (p *Process) Print(s string) {
	go func() { _, _ = p.w.Write([]byte(s)) }()
}

// Exit ends the process as if it died.
func (p *Process) Exit() {
	p.once.Do(func() {
		close(p.done)
		if p.server != nil {
			p.server.Close()
		}
		p.w.Close()
		p.launcher.exited()
	})
}

// Launcher records launches and tracks how many fake processes are alive.
type Launcher struct {
	// Banner is printed by every new process.
	Banner string
	// ExitImmediately makes each process die right after its banner.
	ExitImmediately bool
	// Err fails every launch.
	Err error
	// Serve makes each process answer HTTP on its --web-hostname and
	// --web-port arguments until it exits.
	Serve bool

	mu      sync.Mutex
	specs   []procexec.Spec
	procs   []*Process
	live    int
	maxLive int
}

// Launch implements procexec.Launcher.
func (l *Launcher) Launch(spec procexec.Spec) (procexec.Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Err != nil {
		return nil, l.Err
	}

	r, w := io.Pipe()
	p := &Process{pid: 1000 + len(l.procs), launcher: l, r: r, w: w, done: make(chan struct{})}
	if l.Serve {
		srv, err := serve(spec.Args)
		if err != nil {
			return nil, err
		}
		p.server = srv
	}
	l.specs = append(l.specs, spec)
	l.procs = append(l.procs, p)
	l.live++
	if l.live > l.maxLive {
		l.maxLive = l.live
	}

	banner := l.Banner
	if banner == "" {
		banner = "Launching lib/main.dart on Web Server in debug mode...\n"
	}
	exit := l.ExitImmediately
	go func() {
		_, _ = w.Write([]byte(banner))
		if exit {
			p.Exit()
		}
	}()
	return p, nil
}

func (l *Launcher) exited() {
	l.mu.Lock()
	l.live--
	l.mu.Unlock()
}

// Last returns the most recently launched process.
func (l *Launcher) Last() *Process {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.procs) == 0 {
		return nil
	}
	return l.procs[len(l.procs)-1]
}

// Specs returns every launch request.
func (l *Launcher) Specs() []procexec.Spec {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]procexec.Spec(nil), l.specs...)
}

// Stats reports total launches, currently live processes and the peak.
func (l *Launcher) Stats() (launches, live, maxLive int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.specs), l.live, l.maxLive
}

func serve(args []string) (*http.Server, error) {
	host, port := "127.0.0.1", ""
	for i := 0; i+1 < len(args); i++ {
		switch args[i] {
		case "--web-hostname":
			host = args[i+1]
		case "--web-port":
			port = args[i+1]
		}
	}
	if _, err := strconv.Atoi(port); err != nil {
		return nil, fmt.Errorf("no --web-port in %v", args)
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(host, port))
	if err != nil {
		return nil, err
	}
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "<html><body>flutter web</body></html>")
	})}
	go func() { _ = srv.Serve(ln) }()
	return srv, nil
}
