// Package probe polls a preview URL until it answers or a retry policy runs
// out.
package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"sdkforge/internal/logging"
	"sdkforge/internal/metrics"
)

// ErrUnready is wrapped by Outcome.Err when the policy ran out.
var ErrUnready = errors.New("url never became reachable")

// RetryPolicy bounds a readiness probe.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
	// Abort is checked before every attempt.
	Abort func() bool
	// AbortOn, when closed, ends the wait between attempts early.
	AbortOn <-chan struct{}
}

// Validate reports a policy that could never succeed.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be positive, got %d", p.MaxAttempts)
	}
	if p.Delay < 0 {
		return fmt.Errorf("delay must not be negative, got %s", p.Delay)
	}
	return nil
}

// MaxWait is the longest the probe sleeps, excluding request time.
func (p RetryPolicy) MaxWait() time.Duration {
	return time.Duration(p.MaxAttempts) * p.Delay
}

func (p RetryPolicy) aborted() bool {
	if p.Abort != nil && p.Abort() {
		return true
	}
	if p.AbortOn != nil {
		select {
		case <-p.AbortOn:
			return true
		default:
		}
	}
	return false
}

// Outcome is the result of one Probe call.
type Outcome struct {
	Ready    bool
	Attempts int
	Aborted  bool
	LastErr  error
}

// Prober issues readiness requests.
type Prober struct {
	client  *http.Client
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewProber creates a prober whose single requests time out after
// requestTimeout.
func NewProber(requestTimeout time.Duration, logger *zap.Logger) *Prober {
	if requestTimeout <= 0 {
		requestTimeout = 5 * time.Second
	}
	return &Prober{
		client: &http.Client{
			Timeout: requestTimeout,
			// Each attempt uses a fresh connection so a stale keep-alive
			// cannot answer for a server that has gone away.
			Transport: &http.Transport{DisableKeepAlives: true},
			// A redirect still proves the server is up.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:  logging.OrNamed(logger, "probe"),
		metrics: metrics.Get(),
	}
}

// Probe requests target until a response below 500 arrives, the policy is
// exhausted, Abort fires or ctx ends.
func (p *Prober) Probe(ctx context.Context, target string, policy RetryPolicy) Outcome {
	var out Outcome
	if err := policy.Validate(); err != nil {
		out.LastErr = err
		return out
	}

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if policy.aborted() {
			out.Aborted = true
			p.record("aborted", out.Attempts)
			return out
		}
		if err := ctx.Err(); err != nil {
			out.LastErr = err
			p.record("cancelled", out.Attempts)
			return out
		}

		out.Attempts = attempt
		err := p.once(ctx, target)
		if err == nil {
			out.Ready = true
			out.LastErr = nil
			p.record("ready", out.Attempts)
			return out
		}
		out.LastErr = err
		p.logger.Debug("Probe attempt failed",
			zap.String("url", target),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)

		if attempt == policy.MaxAttempts {
			break
		}
		timer := time.NewTimer(policy.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			out.LastErr = ctx.Err()
			p.record("cancelled", out.Attempts)
			return out
		case <-policy.AbortOn:
			timer.Stop()
			out.Aborted = true
			p.record("aborted", out.Attempts)
			return out
		case <-timer.C:
		}
	}

	p.record("exhausted", out.Attempts)
	return out
}

func (p *Prober) once(ctx context.Context, target string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cacheBust(target), nil)
	if err != nil {
		return fmt.Errorf("invalid probe url: %w", err)
	}
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("server answered %d", resp.StatusCode)
	}
	return nil
}

func (p *Prober) record(outcome string, attempts int) {
	p.metrics.RecordProbe(outcome, attempts)
}

// Err converts an Outcome into an error, nil when Ready.
func (o Outcome) Err() error {
	switch {
	case o.Ready:
		return nil
	case o.Aborted:
		return errors.New("probe aborted")
	case o.LastErr != nil:
		return fmt.Errorf("%w after %d attempts: %v", ErrUnready, o.Attempts, o.LastErr)
	default:
		return ErrUnready
	}
}

func cacheBust(target string) string {
	u, err := url.Parse(target)
	if err != nil {
		return target
	}
	q := u.Query()
	q.Set("_sdkforge", strconv.FormatInt(time.Now().UnixNano(), 10))
	u.RawQuery = q.Encode()
	return u.String()
}

var loopbackHosts = map[string]bool{
	"localhost": true,
	"127.0.0.1": true,
	"0.0.0.0":   true,
	"::1":       true,
	"::":        true,
}

// RewriteHost swaps a loopback or unspecified host in rawURL for publicHost,
// keeping the port. Other hosts and an empty publicHost leave rawURL as is.
func RewriteHost(rawURL, publicHost string) string {
	if publicHost == "" {
		return rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || !loopbackHosts[u.Hostname()] {
		return rawURL
	}
	if port := u.Port(); port != "" {
		u.Host = net.JoinHostPort(publicHost, port)
	} else {
		u.Host = publicHost
	}
	return u.String()
}
