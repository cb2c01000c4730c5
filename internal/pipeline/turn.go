package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"sdkforge/internal/analysis"
	"sdkforge/internal/events"
	"sdkforge/internal/store"
	"sdkforge/internal/workspace"
)

// turn carries the state one generate or fix request accumulates.
type turn struct {
	svc    *Service
	req    TurnRequest
	em     events.Emitter
	logger *zap.Logger
	result *Result

	stage        Stage
	stageStarted time.Time
	raw          string
	code         string
	recorded     bool
}

func (s *Service) runTurn(ctx context.Context, kind string, req TurnRequest, sink events.Sink) (res *Result, err error) {
	if err := req.normalize(); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(req.ProjectID)
	defer unlock()

	s.metrics.TurnsInFlight.Inc()
	defer s.metrics.TurnsInFlight.Dec()

	t := &turn{
		svc: s,
		req: req,
		em:  events.Emitter{Sink: &turnSink{sink: sink}, ProjectID: req.ProjectID, GenerationID: req.GenerationID},
		logger: s.logger.With(
			zap.String("project_id", req.ProjectID),
			zap.String("session_id", req.SessionID),
			zap.String("generation_id", req.GenerationID),
			zap.String("kind", kind),
		),
		result: &Result{
			GenerationID: req.GenerationID,
			ProjectID:    req.ProjectID,
			Kind:         kind,
			Status:       store.StatusPending,
		},
	}

	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("Turn panicked", zap.Any("panic", r), zap.Stack("stack"))
			res, err = t.fail(ctx, stageErr(t.stage, KindInternal, fmt.Errorf("panic: %v", r)))
		}
	}()

	return t.run(ctx)
}

func (t *turn) run(ctx context.Context) (*Result, error) {
	s := t.svc
	t.enter(StagePreparing)

	ws, err := s.workspaces.For(t.req.ProjectID, t.req.ExistingProject)
	if err != nil {
		return t.fail(ctx, stageErr(StagePreparing, KindInternal, err))
	}
	if err := s.store.EnsureProject(ctx, t.req.ProjectID, ws.Root, t.req.ExistingProject); err != nil {
		return t.fail(ctx, stageErr(StagePreparing, KindInternal, err))
	}

	history := s.history(ctx, t.req)
	prompt := BuildPrompt(history, s.projectContext(ctx, t.req, ws), t.req.Prompt, t.req.Diagnostics)

	if err := s.store.CreateGeneration(ctx, &store.Generation{
		ID:        t.req.GenerationID,
		ProjectID: t.req.ProjectID,
		SessionID: t.req.SessionID,
		Kind:      t.result.Kind,
		Prompt:    t.req.Prompt,
	}); err != nil {
		return t.fail(ctx, stageErr(StagePreparing, KindInternal, err))
	}
	t.recorded = true
	if err := s.sessions.Append(ctx, t.req.SessionID, t.req.Prompt); err != nil {
		t.logger.Warn("Failed to append prompt to session", zap.Error(err))
	}

	t.enter(StageGenerating)
	t.em.Status("Generating code")
	raw, err := s.stream(ctx, prompt, func(text string) {
		t.em.Emit(events.TypeCodeChunk, text, nil)
	})
	t.raw = raw
	if err != nil {
		return t.fail(ctx, stageErr(StageGenerating, classify(StageGenerating, err), err))
	}

	t.enter(StageMaterializing)
	blocks := workspace.ExtractFileBlocks(raw)
	if len(blocks) == 0 {
		return t.fail(ctx, stageErr(StageMaterializing, KindExtraction, workspace.ErrNoSource))
	}
	t.code = joinBlocks(blocks)
	if err := ws.Seed(); err != nil {
		return t.fail(ctx, stageErr(StageMaterializing, KindInternal, err))
	}
	written, err := ws.Materialize(blocks)
	if err != nil {
		return t.fail(ctx, stageErr(StageMaterializing, classify(StageMaterializing, err), err))
	}
	for _, c := range written.Changes {
		t.result.Files = append(t.result.Files, c.Path)
	}
	t.result.Changes = written.Changes
	t.em.Status(fmt.Sprintf("Wrote %d file(s)", len(written.Written)))

	t.enter(StageAnalyzing)
	t.em.Status("Analyzing code")
	report, err := s.analyzer.Analyze(ctx, ws.Root)
	if err != nil {
		return t.fail(ctx, stageErr(StageAnalyzing, classifyTool(err), err))
	}
	if !report.Passed {
		return t.needsFix(ctx, report)
	}

	t.enter(StageLaunching)
	url, restarted, err := s.launch(ctx, t, ws)
	if err != nil {
		return t.fail(ctx, stageErr(StageLaunching, classify(StageLaunching, err), err))
	}
	t.result.URL = url
	t.result.HotRestarted = restarted

	location, err := s.archiver.Archive(ctx, t.req.ProjectID, t.req.GenerationID, ws.Root, written.Written)
	if err != nil {
		t.logger.Warn("Archive failed, keeping workspace path", zap.Error(err))
		location = ws.Root
	}
	t.result.ArtifactPath = location

	return t.complete(ctx)
}

// launch makes the preview serve the new sources: a confirmed hot restart
// when a process is already running, a cold start otherwise.
func (s *Service) launch(ctx context.Context, t *turn, ws *workspace.Workspace) (string, bool, error) {
	sup, err := s.supervisors.GetOrCreate(t.req.ProjectID)
	if err != nil {
		return "", false, err
	}
	sup.SetObserver(func(_ string, chunk []byte) {
		t.em.Emit(events.TypeProcessOutput, string(chunk), nil)
	})
	defer sup.SetObserver(nil)

	if sup.Running() {
		t.em.Status("Hot restarting preview")
		if sup.HotRestart() && sup.ConfirmReload(ctx) {
			return sup.URL(), true, nil
		}
		t.logger.Warn("Hot restart not confirmed, restarting preview process")
		if err := sup.Stop(); err != nil {
			t.logger.Warn("Stop before restart failed", zap.Error(err))
		}
	}

	t.em.Status("Starting preview server")
	url, err := sup.Start(ctx, ws.Root)
	return url, false, err
}

func (t *turn) enter(stage Stage) {
	t.finishStage()
	t.stage = stage
	t.stageStarted = time.Now()
	t.logger.Debug("Entering stage", zap.String("stage", string(stage)))
}

func (t *turn) finishStage() {
	if t.stage != "" {
		t.svc.metrics.ObserveStage(string(t.stage), time.Since(t.stageStarted))
	}
}

// persist writes the accumulated state. Cancellation of the turn must not
// lose the terminal record.
func (t *turn) persist(ctx context.Context, errMsg string) {
	if !t.recorded {
		return
	}
	err := t.svc.store.UpdateGeneration(context.WithoutCancel(ctx), t.req.GenerationID, store.GenerationUpdate{
		Status:       t.result.Status,
		RawResponse:  t.raw,
		Code:         t.code,
		Diagnostics:  t.result.Diagnostics,
		ArtifactPath: t.result.ArtifactPath,
		URL:          t.result.URL,
		Error:        errMsg,
	})
	if err != nil {
		t.logger.Error("Failed to persist generation", zap.String("status", t.result.Status), zap.Error(err))
	}
}

func (t *turn) fail(ctx context.Context, se *StageError) (*Result, error) {
	t.finishStage()
	t.result.Status = store.StatusError
	t.persist(ctx, se.Error())

	t.em.Emit(events.TypeError, se.Error(), map[string]interface{}{
		"stage": se.Stage,
		"kind":  se.Kind,
	})
	t.svc.metrics.RecordGeneration(t.result.Kind, store.StatusError)
	t.logger.Warn("Turn failed",
		zap.String("stage", string(se.Stage)),
		zap.String("error_kind", string(se.Kind)),
		zap.Error(se.Err),
	)
	return t.result, se
}

// needsFix ends a turn whose code did not pass analysis. The caller decides
// whether to send a fix turn.
func (t *turn) needsFix(ctx context.Context, report *analysis.Result) (*Result, error) {
	t.finishStage()
	kind := KindAnalysis
	if report.TimedOut {
		kind = KindTimeout
	}
	se := stageErr(StageAnalyzing, kind, errors.New("analysis reported problems"))

	t.result.Status = store.StatusError
	t.result.NeedsFix = true
	t.result.Diagnostics = report.Diagnostics()
	t.persist(ctx, se.Error())

	t.em.Emit(events.TypeAnalysisError, "Analysis found problems", map[string]interface{}{
		"needs_fix":   true,
		"diagnostics": t.result.Diagnostics,
		"timed_out":   report.TimedOut,
	})
	t.em.Emit(events.TypeResult, "", t.result.eventData())

	t.svc.metrics.RecordGeneration(t.result.Kind, "needs_fix")
	t.logger.Info("Analysis failed, fix required", zap.Int("exit_code", report.ExitCode))
	return t.result, se
}

func (t *turn) complete(ctx context.Context) (*Result, error) {
	t.finishStage()
	t.result.Status = store.StatusCompleted
	t.persist(ctx, "")

	t.em.Emit(events.TypeSuccess, "Preview is ready", map[string]interface{}{
		"url":           t.result.URL,
		"hot_restarted": t.result.HotRestarted,
	})
	t.em.Emit(events.TypeResult, "", t.result.eventData())

	t.svc.metrics.RecordGeneration(t.result.Kind, store.StatusCompleted)
	t.logger.Info("Turn completed",
		zap.String("url", t.result.URL),
		zap.Bool("hot_restarted", t.result.HotRestarted),
		zap.Int("files", len(t.result.Files)),
	)
	return t.result, nil
}

// classifyTool separates an analyzer that could not run from code that
// failed analysis.
func classifyTool(err error) ErrorKind {
	if k := classify(StageAnalyzing, err); k == KindTimeout {
		return k
	}
	return KindInternal
}

// joinBlocks renders blocks the way they are stored as a generation's code.
func joinBlocks(blocks []workspace.Block) string {
	var b strings.Builder
	for i, blk := range blocks {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "// File: %s\n%s", path.Join(workspace.SourceRoot, blk.Path), blk.Content)
	}
	return b.String()
}
