// Package pipeline runs generation, repair and planning turns: prompt
// assembly, streaming generation, workspace materialization, static analysis
// and preview launch, with every terminal state written through to the store.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sdkforge/internal/analysis"
	"sdkforge/internal/archive"
	"sdkforge/internal/events"
	"sdkforge/internal/generator"
	"sdkforge/internal/logging"
	"sdkforge/internal/metrics"
	"sdkforge/internal/session"
	"sdkforge/internal/store"
	"sdkforge/internal/supervisor"
	"sdkforge/internal/workspace"
)

// Analyzer checks a workspace. *analysis.Runner satisfies it.
type Analyzer interface {
	Analyze(ctx context.Context, root string) (*analysis.Result, error)
}

// Store is the persistence a turn writes through to. *store.GormStore
// satisfies it.
type Store interface {
	EnsureProject(ctx context.Context, id, workspaceRoot string, existing bool) error
	CreateGeneration(ctx context.Context, g *store.Generation) error
	UpdateGeneration(ctx context.Context, id string, u store.GenerationUpdate) error
	FetchHistory(ctx context.Context, projectID string) ([]string, error)
	AppendConversation(ctx context.Context, m *store.ConversationMessage) error
	DeleteProject(ctx context.Context, projectID string) error
}

// TurnRequest is one caller request.
type TurnRequest struct {
	SessionID       string `json:"session_id"`
	ProjectID       string `json:"project_id"`
	GenerationID    string `json:"generation_id,omitempty"`
	Prompt          string `json:"prompt"`
	ExistingProject bool   `json:"existing_project,omitempty"`
	// ProjectContext replaces the cached analysis of an existing project.
	ProjectContext string `json:"project_context,omitempty"`
	// Diagnostics is required for fix turns.
	Diagnostics string `json:"diagnostics,omitempty"`
}

func (r *TurnRequest) normalize() error {
	r.ProjectID = strings.TrimSpace(r.ProjectID)
	if r.ProjectID == "" {
		return fmt.Errorf("%w: project_id is required", ErrInvalidRequest)
	}
	if r.SessionID == "" {
		r.SessionID = r.ProjectID
	}
	if r.GenerationID == "" {
		r.GenerationID = uuid.NewString()
	}
	return nil
}

// Result is what a turn produced.
type Result struct {
	GenerationID string                 `json:"generation_id"`
	ProjectID    string                 `json:"project_id"`
	Kind         string                 `json:"kind"`
	Status       string                 `json:"status"`
	URL          string                 `json:"url,omitempty"`
	ArtifactPath string                 `json:"artifact_path,omitempty"`
	Files        []string               `json:"files,omitempty"`
	Changes      []workspace.FileChange `json:"changes,omitempty"`
	Diagnostics  string                 `json:"diagnostics,omitempty"`
	NeedsFix     bool                   `json:"needs_fix"`
	HotRestarted bool                   `json:"hot_restarted"`
	Explanation  string                 `json:"explanation,omitempty"`
}

func (r *Result) eventData() map[string]interface{} {
	data := map[string]interface{}{
		"status":    r.Status,
		"kind":      r.Kind,
		"needs_fix": r.NeedsFix,
	}
	if r.URL != "" {
		data["url"] = r.URL
		data["hot_restarted"] = r.HotRestarted
	}
	if r.ArtifactPath != "" {
		data["artifact_path"] = r.ArtifactPath
	}
	if len(r.Files) > 0 {
		data["files"] = r.Files
		data["changes"] = r.Changes
	}
	if r.Diagnostics != "" {
		data["diagnostics"] = r.Diagnostics
	}
	if r.Explanation != "" {
		data["explanation"] = r.Explanation
	}
	return data
}

// Deps are the collaborators of a Service.
type Deps struct {
	Workspaces  *workspace.Manager
	Analyzer    Analyzer
	Supervisors *supervisor.Registry
	Sessions    session.Store
	Generator   generator.Generator
	Store       Store
	Archiver    archive.Archiver
	// Contexts are reference documents sent with every generation request.
	Contexts []string
	Logger   *zap.Logger
}

// Service runs turns. One Service owns all per-project state.
type Service struct {
	workspaces  *workspace.Manager
	analyzer    Analyzer
	supervisors *supervisor.Registry
	sessions    session.Store
	generator   generator.Generator
	store       Store
	archiver    archive.Archiver
	contexts    []string
	logger      *zap.Logger
	metrics     *metrics.Metrics
	locks       *keyedMutex
}

// NewService validates deps and builds a Service. Sessions default to an
// in-memory store and the archiver to archive.Nop.
func NewService(d Deps) (*Service, error) {
	switch {
	case d.Workspaces == nil:
		return nil, errors.New("pipeline: workspace manager is required")
	case d.Analyzer == nil:
		return nil, errors.New("pipeline: analyzer is required")
	case d.Supervisors == nil:
		return nil, errors.New("pipeline: supervisor registry is required")
	case d.Generator == nil:
		return nil, errors.New("pipeline: generator is required")
	case d.Store == nil:
		return nil, errors.New("pipeline: store is required")
	}
	if d.Sessions == nil {
		d.Sessions = session.NewMemoryStore()
	}
	if d.Archiver == nil {
		d.Archiver = archive.Nop{}
	}
	return &Service{
		workspaces:  d.Workspaces,
		analyzer:    d.Analyzer,
		supervisors: d.Supervisors,
		sessions:    d.Sessions,
		generator:   d.Generator,
		store:       d.Store,
		archiver:    d.Archiver,
		contexts:    d.Contexts,
		logger:      logging.OrNamed(d.Logger, "pipeline"),
		metrics:     metrics.Get(),
		locks:       newKeyedMutex(),
	}, nil
}

// Generate runs a generation turn.
func (s *Service) Generate(ctx context.Context, req TurnRequest, sink events.Sink) (*Result, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("%w: prompt is required", ErrInvalidRequest)
	}
	return s.runTurn(ctx, store.KindGenerate, req, sink)
}

// Fix runs a repair turn against the diagnostics of a failed analysis.
func (s *Service) Fix(ctx context.Context, req TurnRequest, sink events.Sink) (*Result, error) {
	if strings.TrimSpace(req.Diagnostics) == "" {
		return nil, fmt.Errorf("%w: diagnostics are required for a fix", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.Prompt) == "" {
		req.Prompt = "Fix the errors reported by the analyzer."
	}
	return s.runTurn(ctx, store.KindFix, req, sink)
}

// Plan streams an explanation of how the request would be implemented. It
// leaves the workspace and the preview process alone.
func (s *Service) Plan(ctx context.Context, req TurnRequest, sink events.Sink) (res *Result, err error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("%w: prompt is required", ErrInvalidRequest)
	}
	if err := req.normalize(); err != nil {
		return nil, err
	}

	out := &turnSink{sink: sink}
	em := events.Emitter{Sink: out, ProjectID: req.ProjectID, GenerationID: req.GenerationID}
	logger := s.logger.With(
		zap.String("project_id", req.ProjectID),
		zap.String("session_id", req.SessionID),
		zap.String("generation_id", req.GenerationID),
	)
	res = &Result{
		GenerationID: req.GenerationID,
		ProjectID:    req.ProjectID,
		Kind:         store.KindPlan,
		Status:       store.StatusPending,
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Plan panicked", zap.Any("panic", r), zap.Stack("stack"))
			res.Status = store.StatusError
			err = stageErr(StagePlanning, KindInternal, fmt.Errorf("panic: %v", r))
			em.Emit(events.TypeError, err.Error(), map[string]interface{}{"stage": StagePlanning, "kind": KindInternal})
			s.metrics.RecordGeneration(store.KindPlan, store.StatusError)
		}
	}()

	history := s.history(ctx, req)
	prompt := buildPlanPrompt(history, s.cachedContext(ctx, req), req.Prompt)

	em.Status("Planning")
	start := time.Now()
	explanation, genErr := s.stream(ctx, prompt, func(text string) {
		em.Emit(events.TypeExplanationChunk, text, nil)
	})
	s.metrics.ObserveStage(string(StagePlanning), time.Since(start))
	if genErr != nil {
		res.Status = store.StatusError
		se := stageErr(StagePlanning, classify(StagePlanning, genErr), genErr)
		em.Emit(events.TypeError, se.Error(), map[string]interface{}{"stage": se.Stage, "kind": se.Kind})
		s.metrics.RecordGeneration(store.KindPlan, store.StatusError)
		logger.Warn("Plan failed", zap.Error(se))
		return res, se
	}

	persistCtx := context.WithoutCancel(ctx)
	for _, m := range []*store.ConversationMessage{
		{SessionID: req.SessionID, ProjectID: req.ProjectID, Role: "user", Content: req.Prompt},
		{SessionID: req.SessionID, ProjectID: req.ProjectID, Role: "assistant", Content: explanation},
	} {
		if err := s.store.AppendConversation(persistCtx, m); err != nil {
			logger.Warn("Failed to persist conversation", zap.Error(err))
		}
	}

	res.Status = store.StatusCompleted
	res.Explanation = explanation
	em.Emit(events.TypeResult, "", res.eventData())
	s.metrics.RecordGeneration(store.KindPlan, store.StatusCompleted)
	return res, nil
}

// Cleanup stops the project's preview process and forgets its state. With
// removeWorkspace set, the workspace tree and stored rows are deleted too.
func (s *Service) Cleanup(ctx context.Context, projectID string, removeWorkspace bool) error {
	unlock := s.locks.Lock(projectID)
	defer unlock()

	var errs []error
	if err := s.supervisors.Remove(projectID); err != nil {
		errs = append(errs, err)
	}
	if err := s.workspaces.Remove(projectID, removeWorkspace); err != nil {
		errs = append(errs, err)
	}
	if removeWorkspace {
		if err := s.store.DeleteProject(ctx, projectID); err != nil {
			errs = append(errs, err)
		}
	}

	s.logger.Info("Project cleaned up",
		zap.String("project_id", projectID),
		zap.Bool("workspace_removed", removeWorkspace),
		zap.Int("errors", len(errs)),
	)
	return errors.Join(errs...)
}

// Reload sends a hot reload to the project's preview process.
func (s *Service) Reload(projectID string) error {
	return s.keystroke(projectID, (*supervisor.Supervisor).HotReload)
}

// Restart sends a hot restart to the project's preview process.
func (s *Service) Restart(projectID string) error {
	return s.keystroke(projectID, (*supervisor.Supervisor).HotRestart)
}

func (s *Service) keystroke(projectID string, send func(*supervisor.Supervisor) bool) error {
	sup, ok := s.supervisors.Get(projectID)
	if !ok || !send(sup) {
		return fmt.Errorf("project %s: %w", projectID, supervisor.ErrNotRunning)
	}
	return nil
}

// Stop terminates the project's preview process but keeps its workspace.
func (s *Service) Stop(projectID string) error {
	sup, ok := s.supervisors.Get(projectID)
	if !ok {
		return nil
	}
	return sup.Stop()
}

// Status returns the supervisor snapshot of a project.
func (s *Service) Status(projectID string) (supervisor.Status, bool) {
	sup, ok := s.supervisors.Get(projectID)
	if !ok {
		return supervisor.Status{}, false
	}
	return sup.Status(), true
}

// Logs returns recent preview process output of a project.
func (s *Service) Logs(projectID string) (string, bool) {
	sup, ok := s.supervisors.Get(projectID)
	if !ok {
		return "", false
	}
	return sup.Tail(), true
}

// Projects lists every known preview process.
func (s *Service) Projects() []supervisor.Status {
	return s.supervisors.List()
}

// history returns the session's earlier prompts, falling back to stored
// generations when the session has none (e.g. after a restart).
func (s *Service) history(ctx context.Context, req TurnRequest) []string {
	h, err := s.sessions.History(ctx, req.SessionID)
	if err != nil {
		s.logger.Warn("Session history unavailable", zap.String("session_id", req.SessionID), zap.Error(err))
	}
	if len(h) > 0 {
		return h
	}
	h, err = s.store.FetchHistory(ctx, req.ProjectID)
	if err != nil {
		s.logger.Warn("Stored history unavailable", zap.String("project_id", req.ProjectID), zap.Error(err))
		return nil
	}
	return h
}

// cachedContext returns the request's context, caching it on the session, or
// the session's cached analysis.
func (s *Service) cachedContext(ctx context.Context, req TurnRequest) string {
	if req.ProjectContext != "" {
		if err := s.sessions.SetAnalysis(ctx, req.SessionID, req.ProjectContext); err != nil {
			s.logger.Warn("Failed to cache project context", zap.Error(err))
		}
		return req.ProjectContext
	}
	cached, err := s.sessions.Analysis(ctx, req.SessionID)
	if err != nil {
		s.logger.Warn("Cached analysis unavailable", zap.Error(err))
	}
	return cached
}

// projectContext is cachedContext plus, for existing projects with nothing
// cached, a fresh snapshot of the workspace sources.
func (s *Service) projectContext(ctx context.Context, req TurnRequest, ws *workspace.Workspace) string {
	if c := s.cachedContext(ctx, req); c != "" || !req.ExistingProject {
		return c
	}
	flat, err := ws.Flatten()
	if err != nil {
		s.logger.Warn("Failed to snapshot existing project", zap.String("project_id", req.ProjectID), zap.Error(err))
		return ""
	}
	if flat != "" {
		if err := s.sessions.SetAnalysis(ctx, req.SessionID, flat); err != nil {
			s.logger.Warn("Failed to cache project snapshot", zap.Error(err))
		}
	}
	return flat
}

// stream runs the generator and hands each chunk to onChunk. The channel is
// always drained so the producer can exit.
func (s *Service) stream(ctx context.Context, prompt string, onChunk func(string)) (string, error) {
	ch, err := s.generator.Generate(ctx, prompt, s.contexts)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	var streamErr error
	for c := range ch {
		if streamErr != nil {
			continue
		}
		if c.Err != nil {
			streamErr = c.Err
			continue
		}
		if c.Text == "" {
			continue
		}
		b.WriteString(c.Text)
		onChunk(c.Text)
	}

	if streamErr != nil {
		return b.String(), streamErr
	}
	if err := ctx.Err(); err != nil {
		return b.String(), err
	}
	if strings.TrimSpace(b.String()) == "" {
		return "", errors.New("generator returned an empty response")
	}
	return b.String(), nil
}

// turnSink forwards events until a terminal one has been sent. Process output
// arriving from the drain goroutine is serialised with turn events.
type turnSink struct {
	mu     sync.Mutex
	sink   events.Sink
	closed bool
}

func (t *turnSink) Emit(e events.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if t.sink != nil {
		t.sink.Emit(e)
	}
	if e.Terminal() {
		t.closed = true
	}
}
