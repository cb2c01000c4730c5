package supervisor

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"sdkforge/internal/logging"
	"sdkforge/internal/probe"
	"sdkforge/internal/procexec"
)

// maxPortScan bounds how far past the base port the allocator looks.
const maxPortScan = 1000

// PortAllocator hands out sticky per-project ports starting at a base port.
type PortAllocator struct {
	mu        sync.Mutex
	base      int
	assigned  map[string]int
	available func(port int) bool
}

// NewPortAllocator creates an allocator that skips ports already bound on
// this host.
func NewPortAllocator(base int) *PortAllocator {
	return &PortAllocator{
		base:      base,
		assigned:  make(map[string]int),
		available: isPortAvailable,
	}
}

// Allocate returns the port of projectID, assigning the lowest free one on
// first use.
func (a *PortAllocator) Allocate(projectID string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if port, ok := a.assigned[projectID]; ok {
		return port, nil
	}

	used := make(map[int]bool, len(a.assigned))
	for _, p := range a.assigned {
		used[p] = true
	}
	for port := a.base; port < a.base+maxPortScan; port++ {
		if used[port] || !a.available(port) {
			continue
		}
		a.assigned[projectID] = port
		return port, nil
	}
	return 0, fmt.Errorf("no free port in %d-%d", a.base, a.base+maxPortScan-1)
}

// Release frees the port of projectID.
func (a *PortAllocator) Release(projectID string) {
	a.mu.Lock()
	delete(a.assigned, projectID)
	a.mu.Unlock()
}

func isPortAvailable(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}

// Registry owns one Supervisor per project.
type Registry struct {
	opts     Options
	launcher procexec.Launcher
	prober   *probe.Prober
	ports    *PortAllocator
	logger   *zap.Logger

	mu   sync.Mutex
	sups map[string]*Supervisor
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options, launcher procexec.Launcher, prober *probe.Prober, ports *PortAllocator, logger *zap.Logger) *Registry {
	logger = logging.OrNamed(logger, "supervisor")
	if prober == nil {
		prober = probe.NewProber(0, logger)
	}
	return &Registry{
		opts:     opts,
		launcher: launcher,
		prober:   prober,
		ports:    ports,
		logger:   logger,
		sups:     make(map[string]*Supervisor),
	}
}

// GetOrCreate returns the supervisor of projectID, creating an idle one with
// a freshly allocated port if needed.
func (r *Registry) GetOrCreate(projectID string) (*Supervisor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sups[projectID]; ok {
		return s, nil
	}
	port, err := r.ports.Allocate(projectID)
	if err != nil {
		return nil, err
	}
	s := New(projectID, port, r.opts, r.launcher, r.prober, r.logger)
	r.sups[projectID] = s
	return s, nil
}

// Get returns the supervisor of projectID if one exists.
func (r *Registry) Get(projectID string) (*Supervisor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sups[projectID]
	return s, ok
}

// Remove stops and forgets the supervisor of projectID.
func (r *Registry) Remove(projectID string) error {
	r.mu.Lock()
	s, ok := r.sups[projectID]
	delete(r.sups, projectID)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	err := s.Stop()
	r.ports.Release(projectID)
	return err
}

// StopAll stops every supervisor in parallel. Supervisors stay registered.
func (r *Registry) StopAll(ctx context.Context) error {
	r.mu.Lock()
	sups := make([]*Supervisor, 0, len(r.sups))
	for _, s := range r.sups {
		sups = append(sups, s)
	}
	r.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for _, s := range sups {
		s := s
		g.Go(func() error {
			if err := s.Stop(); err != nil {
				return fmt.Errorf("stop %s: %w", s.ProjectID(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// List returns the status of every supervisor ordered by project id.
func (r *Registry) List() []Status {
	r.mu.Lock()
	sups := make([]*Supervisor, 0, len(r.sups))
	for _, s := range r.sups {
		sups = append(sups, s)
	}
	r.mu.Unlock()

	out := make([]Status, 0, len(sups))
	for _, s := range sups {
		out = append(out, s.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProjectID < out[j].ProjectID })
	return out
}

// Running counts supervisors with a live process.
func (r *Registry) Running() int {
	n := 0
	for _, st := range r.List() {
		if st.Running {
			n++
		}
	}
	return n
}
