// Package supervisor owns the long-running `flutter run` preview process of
// each project: launch under a pseudo-terminal, readiness, hot reload
// keystrokes and group teardown.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"sdkforge/internal/logging"
	"sdkforge/internal/metrics"
	"sdkforge/internal/probe"
	"sdkforge/internal/procexec"
)

var (
	// ErrNotReady means the process stayed up but never answered in time.
	ErrNotReady = errors.New("preview server did not become ready")
	// ErrExited means the process died before it became ready.
	ErrExited = errors.New("preview process exited before becoming ready")
	// ErrNotRunning is returned by operations that need a live process.
	ErrNotRunning = errors.New("preview process not running")
)

// State is the lifecycle state of a Supervisor.
type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateFailed   State = "failed"
)

// Options configure every supervisor created by a Registry.
type Options struct {
	FlutterBin    string
	Host          string
	PublicHost    string
	LogDir        string
	PubGetTimeout time.Duration
	StopGrace     time.Duration
	Probe         probe.RetryPolicy
	Confirm       probe.RetryPolicy
	SweepOrphans  bool
	TailBytes     int
}

func (o *Options) setDefaults() {
	if o.FlutterBin == "" {
		o.FlutterBin = "flutter"
	}
	if o.Host == "" {
		o.Host = "0.0.0.0"
	}
	if o.LogDir == "" {
		o.LogDir = os.TempDir()
	}
	if o.PubGetTimeout <= 0 {
		o.PubGetTimeout = 5 * time.Minute
	}
	if o.StopGrace <= 0 {
		o.StopGrace = 5 * time.Second
	}
	if o.Probe.MaxAttempts <= 0 {
		o.Probe = probe.RetryPolicy{MaxAttempts: 12, Delay: 5 * time.Second}
	}
	if o.Confirm.MaxAttempts <= 0 {
		o.Confirm = probe.RetryPolicy{MaxAttempts: 3, Delay: time.Second}
	}
	if o.TailBytes <= 0 {
		o.TailBytes = 64 << 10
	}
}

// Status is a point-in-time snapshot of a supervisor.
type Status struct {
	ProjectID string    `json:"project_id"`
	State     State     `json:"state"`
	Running   bool      `json:"running"`
	Pid       int       `json:"pid,omitempty"`
	Port      int       `json:"port"`
	URL       string    `json:"url,omitempty"`
	LogPath   string    `json:"log_path,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// Supervisor runs at most one preview process for one project.
type Supervisor struct {
	projectID string
	port      int
	opts      Options
	launcher  procexec.Launcher
	prober    *probe.Prober
	logger    *zap.Logger
	metrics   *metrics.Metrics

	// lifecycle serialises Start and Stop.
	lifecycle sync.Mutex

	running atomic.Bool

	mu        sync.RWMutex
	state     State
	proc      procexec.Process
	localURL  string
	url       string
	logPath   string
	logFile   *os.File
	startedAt time.Time
	lastErr   string
	drainDone chan struct{}
	observer  func(projectID string, chunk []byte)
	tail      *tailBuffer
}

// New creates an idle supervisor serving on port.
func New(projectID string, port int, opts Options, launcher procexec.Launcher, prober *probe.Prober, logger *zap.Logger) *Supervisor {
	opts.setDefaults()
	logger = logging.OrNamed(logger, "supervisor")
	if prober == nil {
		prober = probe.NewProber(0, logger)
	}
	return &Supervisor{
		projectID: projectID,
		port:      port,
		opts:      opts,
		launcher:  launcher,
		prober:    prober,
		logger:    logger.With(zap.String("project_id", projectID), zap.Int("port", port)),
		metrics:   metrics.Get(),
		state:     StateIdle,
		logPath:   filepath.Join(opts.LogDir, projectID+".log"),
		tail:      newTailBuffer(opts.TailBytes),
	}
}

// ProjectID returns the project this supervisor serves.
func (s *Supervisor) ProjectID() string { return s.projectID }

// Port returns the preview port.
func (s *Supervisor) Port() int { return s.port }

// SetObserver registers a callback that receives a copy of every output
// chunk. Pass nil to remove it.
func (s *Supervisor) SetObserver(fn func(projectID string, chunk []byte)) {
	s.mu.Lock()
	s.observer = fn
	s.mu.Unlock()
}

// Start fetches dependencies, launches the preview server in root and waits
// for it to answer. Any previous process is stopped first. The returned URL
// carries the public host.
func (s *Supervisor) Start(ctx context.Context, root string) (string, error) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if err := s.stopLocked("restart"); err != nil {
		s.logger.Warn("Previous process did not stop cleanly", zap.Error(err))
	}
	s.setState(StateStarting, "")

	res, err := procexec.RunWithTimeout(ctx, root, s.opts.PubGetTimeout, s.opts.FlutterBin, "pub", "get")
	if err == nil && res.ExitCode != 0 {
		err = fmt.Errorf("exit code %d: %s", res.ExitCode, lastLines(res.Output, 20))
	}
	if err != nil {
		err = fmt.Errorf("flutter pub get failed: %w", err)
		s.fail("pub_get_failed", err)
		return "", err
	}

	if s.opts.SweepOrphans {
		if err := procexec.Sweep(ctx, s.sweepPattern()); err != nil {
			s.logger.Warn("Orphan sweep failed", zap.Error(err))
		}
	}

	if err := os.MkdirAll(s.opts.LogDir, 0o755); err != nil {
		err = fmt.Errorf("failed to create log dir: %w", err)
		s.fail("log_failed", err)
		return "", err
	}
	logFile, err := os.OpenFile(s.logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		err = fmt.Errorf("failed to open process log: %w", err)
		s.fail("log_failed", err)
		return "", err
	}

	proc, err := s.launcher.Launch(procexec.Spec{
		Name: s.opts.FlutterBin,
		Args: []string{
			"run", "-d", "web-server",
			"--web-hostname", s.opts.Host,
			"--web-port", strconv.Itoa(s.port),
		},
		Dir: root,
	})
	if err != nil {
		logFile.Close()
		err = fmt.Errorf("failed to launch preview server: %w", err)
		s.fail("launch_failed", err)
		return "", err
	}

	localURL := fmt.Sprintf("http://%s/", net.JoinHostPort(probeHost(s.opts.Host), strconv.Itoa(s.port)))
	drainDone := make(chan struct{})
	s.tail.Reset()

	s.mu.Lock()
	s.proc = proc
	s.logFile = logFile
	s.localURL = localURL
	s.drainDone = drainDone
	s.mu.Unlock()
	s.running.Store(true)

	go s.drain(proc, logFile, drainDone)

	s.logger.Info("Preview process launched", zap.Int("pid", proc.Pid()))

	policy := s.opts.Probe
	policy.Abort = proc.Exited
	policy.AbortOn = proc.Done()
	outcome := s.prober.Probe(ctx, localURL, policy)

	if !outcome.Ready {
		cause := ErrNotReady
		if outcome.Aborted || proc.Exited() {
			cause = ErrExited
		}
		if stopErr := s.stopLocked("start_failed"); stopErr != nil {
			s.logger.Warn("Cleanup after failed start", zap.Error(stopErr))
		}
		err := fmt.Errorf("%w after %d attempts: %s", cause, outcome.Attempts, lastLines(s.tail.String(), 20))
		s.fail(metricResult(cause), err)
		return "", err
	}

	// The public URL carries no trailing slash; probing targets the root path.
	publicURL := strings.TrimSuffix(probe.RewriteHost(localURL, s.opts.PublicHost), "/")
	s.mu.Lock()
	s.state = StateRunning
	s.url = publicURL
	s.startedAt = time.Now()
	s.lastErr = ""
	s.mu.Unlock()

	s.metrics.RecordSupervisorStart("success")
	s.logger.Info("Preview server ready",
		zap.String("url", publicURL),
		zap.Int("attempts", outcome.Attempts),
	)
	return publicURL, nil
}

// Stop terminates the process group and releases the log. It is safe to call
// in any state.
func (s *Supervisor) Stop() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	return s.stopLocked("stopped")
}

func (s *Supervisor) stopLocked(reason string) error {
	s.mu.Lock()
	proc := s.proc
	logFile := s.logFile
	drainDone := s.drainDone
	if proc == nil {
		s.state = StateIdle
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopping
	s.mu.Unlock()

	s.running.Store(false)
	logger := s.logger.With(zap.Int("pid", proc.Pid()))

	var errs []error
	if err := proc.Terminate(s.opts.StopGrace); err != nil {
		logger.Warn("Terminate failed", zap.Error(err))
		errs = append(errs, err)
	}

	select {
	case <-drainDone:
	case <-time.After(2 * s.opts.StopGrace):
		logger.Warn("Output drain did not finish")
	}

	if logFile != nil {
		if err := logFile.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			logger.Warn("Closing process log failed", zap.Error(err))
			errs = append(errs, err)
		}
	}

	if s.opts.SweepOrphans {
		if err := procexec.Sweep(context.Background(), s.sweepPattern()); err != nil {
			logger.Warn("Orphan sweep failed", zap.Error(err))
			errs = append(errs, err)
		}
	}

	s.mu.Lock()
	s.proc = nil
	s.logFile = nil
	s.drainDone = nil
	s.url = ""
	s.localURL = ""
	s.startedAt = time.Time{}
	s.state = StateIdle
	s.mu.Unlock()

	s.metrics.RecordProcessExit(reason)
	logger.Info("Preview process stopped", zap.String("reason", reason))
	return errors.Join(errs...)
}

// drain copies process output to the log file and the in-memory tail until
// the process is stopped or the pty read fails.
func (s *Supervisor) drain(proc procexec.Process, logFile *os.File, done chan struct{}) {
	defer close(done)

	buf := make([]byte, 4096)
	for {
		n, err := proc.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if _, werr := logFile.Write(chunk); werr != nil && s.running.Load() {
				s.logger.Debug("Process log write failed", zap.Error(werr))
			}
			s.tail.Write(chunk)

			s.mu.RLock()
			observer := s.observer
			s.mu.RUnlock()
			if observer != nil {
				observer(s.projectID, append([]byte(nil), chunk...))
			}
		}
		if err != nil || !s.running.Load() {
			break
		}
	}

	// Output ended while we still thought the process was up: it crashed.
	if s.running.CompareAndSwap(true, false) {
		s.mu.Lock()
		if s.proc == proc && s.state == StateRunning {
			s.state = StateFailed
			s.lastErr = "preview process exited unexpectedly"
		}
		s.mu.Unlock()
		s.metrics.RecordProcessExit("crashed")
		s.logger.Warn("Preview process output ended unexpectedly")
	}
}

// SendKeystroke writes a single byte to the process terminal. It reports
// false unless the process is running.
func (s *Supervisor) SendKeystroke(c byte) bool {
	s.mu.RLock()
	proc := s.proc
	state := s.state
	s.mu.RUnlock()

	if state != StateRunning || proc == nil || proc.Exited() {
		return false
	}
	if _, err := proc.Write([]byte{c}); err != nil {
		s.logger.Warn("Keystroke write failed", zap.Error(err))
		return false
	}
	return true
}

// HotReload asks the running server to reload changed sources.
func (s *Supervisor) HotReload() bool {
	ok := s.SendKeystroke('r')
	s.metrics.RecordHotReload("reload", sentLabel(ok))
	return ok
}

// HotRestart asks the running server to restart the app with fresh state.
func (s *Supervisor) HotRestart() bool {
	ok := s.SendKeystroke('R')
	s.metrics.RecordHotReload("restart", sentLabel(ok))
	return ok
}

// ConfirmReload re-probes the preview after a keystroke using the short
// confirmation policy.
func (s *Supervisor) ConfirmReload(ctx context.Context) bool {
	s.mu.RLock()
	proc := s.proc
	localURL := s.localURL
	state := s.state
	s.mu.RUnlock()

	if state != StateRunning || proc == nil {
		return false
	}

	policy := s.opts.Confirm
	policy.Abort = proc.Exited
	policy.AbortOn = proc.Done()
	outcome := s.prober.Probe(ctx, localURL, policy)

	s.metrics.RecordHotReload("confirm", sentLabel(outcome.Ready))
	return outcome.Ready
}

// Running reports whether a live process is attached.
func (s *Supervisor) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == StateRunning && s.proc != nil && !s.proc.Exited()
}

// URL returns the public preview URL, empty when not running.
func (s *Supervisor) URL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.url
}

// Status returns a snapshot of the supervisor.
func (s *Supervisor) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Status{
		ProjectID: s.projectID,
		State:     s.state,
		Port:      s.port,
		URL:       s.url,
		LogPath:   s.logPath,
		StartedAt: s.startedAt,
		LastError: s.lastErr,
	}
	if s.proc != nil {
		st.Pid = s.proc.Pid()
		st.Running = s.state == StateRunning && !s.proc.Exited()
	}
	return st
}

// Tail returns the most recent process output.
func (s *Supervisor) Tail() string {
	return s.tail.String()
}

func (s *Supervisor) setState(state State, lastErr string) {
	s.mu.Lock()
	s.state = state
	s.lastErr = lastErr
	s.mu.Unlock()
}

func (s *Supervisor) fail(result string, err error) {
	s.setState(StateFailed, err.Error())
	s.metrics.RecordSupervisorStart(result)
	s.logger.Warn("Preview start failed", zap.String("result", result), zap.Error(err))
}

// sweepPattern matches any flutter web server bound to this supervisor's
// port, including ones orphaned by an earlier crash of this service.
func (s *Supervisor) sweepPattern() string {
	return fmt.Sprintf("web-server.*--web-port %d( |$)", s.port)
}

func probeHost(host string) string {
	switch host {
	case "", "0.0.0.0", "::":
		return "127.0.0.1"
	}
	return host
}

func metricResult(cause error) string {
	if errors.Is(cause, ErrExited) {
		return "exited"
	}
	return "not_ready"
}

func sentLabel(ok bool) string {
	if ok {
		return "ok"
	}
	return "failed"
}

func lastLines(s string, n int) string {
	s = strings.TrimRight(s, "\n")
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
