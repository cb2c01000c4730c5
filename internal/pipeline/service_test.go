package pipeline

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"sdkforge/internal/analysis"
	"sdkforge/internal/events"
	"sdkforge/internal/generator"
	"sdkforge/internal/probe"
	"sdkforge/internal/procexec/procexectest"
	"sdkforge/internal/session"
	"sdkforge/internal/store"
	"sdkforge/internal/supervisor"
	"sdkforge/internal/workspace"
)

const counterApp = `Here is a counter app using the SDK.
<file path="lib/main.dart">
import 'package:flutter/material.dart';

void main() => runApp(const CounterApp());

class CounterApp extends StatelessWidget {
  const CounterApp({super.key});
}
</file>
`

const brokenApp = "```dart\nimport 'package:flutter/material.dart';\n\nvoid main() {\n  count++;\n}\n```\n"

const fixedApp = `<file path="lib/main.dart">
import 'package:flutter/material.dart';

int count = 0;

void main() {
  count++;
}
</file>`

const undefinedName = "error • Undefined name 'count' • lib/main.dart:5:3 • undefined_identifier"

// fakeAnalyzer returns queued results, then passes.
type fakeAnalyzer struct {
	mu      sync.Mutex
	results []*analysis.Result
	err     error
	calls   int
}

func (a *fakeAnalyzer) Analyze(context.Context, string) (*analysis.Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.err != nil {
		return nil, a.err
	}
	if len(a.results) == 0 {
		return &analysis.Result{Passed: true, Files: 1}, nil
	}
	r := a.results[0]
	a.results = a.results[1:]
	return r, nil
}

func (a *fakeAnalyzer) fail(output string) {
	a.mu.Lock()
	a.results = append(a.results, &analysis.Result{Passed: false, Output: output, ExitCode: 1, Files: 1})
	a.mu.Unlock()
}

// scriptedGenerator answers each call with the next response and records
// the prompts it was given.
type scriptedGenerator struct {
	mu        sync.Mutex
	responses []string
	prompts   []string
}

func (g *scriptedGenerator) Generate(ctx context.Context, prompt string, contexts []string) (<-chan generator.Chunk, error) {
	g.mu.Lock()
	g.prompts = append(g.prompts, prompt)
	resp := ""
	if len(g.responses) > 0 {
		resp = g.responses[0]
		g.responses = g.responses[1:]
	}
	g.mu.Unlock()

	// Split in two so more than one chunk is streamed.
	half := len(resp) / 2
	return generator.Static(resp[:half], resp[half:]).Generate(ctx, prompt, contexts)
}

func (g *scriptedGenerator) lastPrompt() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.prompts) == 0 {
		return ""
	}
	return g.prompts[len(g.prompts)-1]
}

type harness struct {
	svc       *Service
	launcher  *procexectest.Launcher
	analyzer  *fakeAnalyzer
	gen       *scriptedGenerator
	store     *store.GormStore
	workspace string
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func newHarness(t *testing.T, responses ...string) *harness {
	t.Helper()

	template := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(template, "pubspec.yaml"), []byte("name: app\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(template, "lib"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(template, "lib", "main.dart"), []byte("void main() {}\n"), 0o644))

	flutter := filepath.Join(t.TempDir(), "flutter")
	require.NoError(t, os.WriteFile(flutter, []byte("#!/bin/sh\nexit 0\n"), 0o755))

	st, err := store.Open(store.Config{Driver: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "test.db")}, zap.NewNop())
	require.NoError(t, err)

	launcher := &procexectest.Launcher{Serve: true}
	registry := supervisor.NewRegistry(supervisor.Options{
		FlutterBin: flutter,
		Host:       "127.0.0.1",
		PublicHost: "preview.test",
		LogDir:     t.TempDir(),
		StopGrace:  100 * time.Millisecond,
		Probe:      probe.RetryPolicy{MaxAttempts: 20, Delay: 20 * time.Millisecond},
		Confirm:    probe.RetryPolicy{MaxAttempts: 3, Delay: 20 * time.Millisecond},
	}, launcher, nil, supervisor.NewPortAllocator(freePort(t)), zap.NewNop())

	h := &harness{
		launcher:  launcher,
		analyzer:  &fakeAnalyzer{},
		gen:       &scriptedGenerator{responses: responses},
		store:     st,
		workspace: t.TempDir(),
	}
	h.svc, err = NewService(Deps{
		Workspaces:  workspace.NewManager(h.workspace, template, zap.NewNop()),
		Analyzer:    h.analyzer,
		Supervisors: registry,
		Sessions:    session.NewMemoryStore(),
		Generator:   h.gen,
		Store:       st,
		Logger:      zap.NewNop(),
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		assert.NoError(t, registry.StopAll(context.Background()))
		st.Close()
	})
	return h
}

func TestNewServiceRequiresCollaborators(t *testing.T) {
	_, err := NewService(Deps{})
	assert.Error(t, err)
}

func TestGenerateCounterApp(t *testing.T) {
	h := newHarness(t, counterApp)
	rec := &events.Recorder{}

	res, err := h.svc.Generate(context.Background(), TurnRequest{
		SessionID:    "s1",
		ProjectID:    "counter",
		GenerationID: "gen-1",
		Prompt:       "Build a counter app that initialises the SDK",
	}, rec)
	require.NoError(t, err)

	assert.Equal(t, store.StatusCompleted, res.Status)
	assert.True(t, strings.HasPrefix(res.URL, "http://preview.test:"), res.URL)
	assert.False(t, strings.HasSuffix(res.URL, "/"), res.URL)
	assert.False(t, res.HotRestarted)
	assert.Equal(t, []string{"lib/main.dart"}, res.Files)
	assert.Equal(t, filepath.Join(h.workspace, "counter"), res.ArtifactPath)

	data, err := os.ReadFile(filepath.Join(h.workspace, "counter", "lib", "main.dart"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "class CounterApp")
	assert.FileExists(t, filepath.Join(h.workspace, "counter", "pubspec.yaml"))
	assert.FileExists(t, filepath.Join(h.workspace, "counter", workspace.SeedMarker))

	gen, err := h.store.GetGeneration(context.Background(), "gen-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, gen.Status)
	assert.Equal(t, res.URL, gen.URL)
	assert.Equal(t, counterApp, gen.RawResponse)
	assert.Contains(t, gen.Code, "// File: lib/main.dart")
	assert.Empty(t, gen.Error)

	types := rec.Types()
	require.NotEmpty(t, types)
	assert.Equal(t, events.TypeStatus, types[0])
	assert.Contains(t, types, events.TypeCodeChunk)
	assert.Equal(t, []events.Type{events.TypeSuccess, events.TypeResult}, types[len(types)-2:])
	last, _ := rec.Last(events.TypeResult)
	assert.Equal(t, res.URL, last.Data["url"])
	assert.Equal(t, "gen-1", last.GenerationID)

	launches, live, _ := h.launcher.Stats()
	assert.Equal(t, 1, launches)
	assert.Equal(t, 1, live)

	st, ok := h.svc.Status("counter")
	require.True(t, ok)
	assert.True(t, st.Running)
	assert.Equal(t, 1, h.analyzer.calls)
}

func TestRepairTurnHotRestarts(t *testing.T) {
	h := newHarness(t, counterApp, brokenApp, fixedApp)
	ctx := context.Background()

	_, err := h.svc.Generate(ctx, TurnRequest{SessionID: "s", ProjectID: "p", Prompt: "counter app"}, events.Discard)
	require.NoError(t, err)

	h.analyzer.fail(undefinedName)
	rec := &events.Recorder{}
	res, err := h.svc.Generate(ctx, TurnRequest{SessionID: "s", ProjectID: "p", GenerationID: "broken", Prompt: "increment a global counter"}, rec)
	require.Error(t, err)
	assert.Equal(t, KindAnalysis, KindOf(err))
	assert.True(t, res.NeedsFix)
	assert.Equal(t, undefinedName, res.Diagnostics)
	assert.Equal(t, []events.Type{events.TypeAnalysisError, events.TypeResult}, rec.Types()[len(rec.Types())-2:])

	stored, err := h.store.GetGeneration(ctx, "broken")
	require.NoError(t, err)
	assert.Equal(t, store.StatusError, stored.Status)
	assert.Equal(t, undefinedName, stored.Diagnostics)

	// The broken code never reached the running preview.
	assert.Empty(t, h.launcher.Last().Written())

	res, err = h.svc.Fix(ctx, TurnRequest{SessionID: "s", ProjectID: "p", Diagnostics: res.Diagnostics}, events.Discard)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, res.Status)
	assert.True(t, res.HotRestarted)
	assert.Equal(t, "R", h.launcher.Last().Written())

	prompt := h.gen.lastPrompt()
	assert.Contains(t, prompt, FixFraming)
	assert.Contains(t, prompt, undefinedName)
	assert.Less(t, strings.Index(prompt, "counter app"), strings.Index(prompt, "increment a global counter"))
	assert.Less(t, strings.Index(prompt, "Current request:"), strings.Index(prompt, FixFraming))

	launches, live, maxLive := h.launcher.Stats()
	assert.Equal(t, 1, launches)
	assert.Equal(t, 1, live)
	assert.Equal(t, 1, maxLive)
}

func TestUnconfirmedHotRestartFallsBackToColdStart(t *testing.T) {
	h := newHarness(t, counterApp, fixedApp)
	ctx := context.Background()

	_, err := h.svc.Generate(ctx, TurnRequest{ProjectID: "p", Prompt: "counter"}, events.Discard)
	require.NoError(t, err)
	h.launcher.Last().RejectInput()

	res, err := h.svc.Generate(ctx, TurnRequest{ProjectID: "p", Prompt: "global counter"}, events.Discard)
	require.NoError(t, err)
	assert.False(t, res.HotRestarted)
	assert.NotEmpty(t, res.URL)

	launches, live, maxLive := h.launcher.Stats()
	assert.Equal(t, 2, launches)
	assert.Equal(t, 1, live)
	assert.Equal(t, 1, maxLive)
}

func TestNoSourceFound(t *testing.T) {
	h := newHarness(t, "I am not able to help with that request.")
	rec := &events.Recorder{}

	res, err := h.svc.Generate(context.Background(), TurnRequest{ProjectID: "p", GenerationID: "g", Prompt: "hello"}, rec)
	require.Error(t, err)
	assert.True(t, errors.Is(err, workspace.ErrNoSource))
	assert.Equal(t, KindExtraction, KindOf(err))
	assert.Equal(t, store.StatusError, res.Status)

	stored, err := h.store.GetGeneration(context.Background(), "g")
	require.NoError(t, err)
	assert.Equal(t, store.StatusError, stored.Status)
	assert.Equal(t, "I am not able to help with that request.", stored.RawResponse)
	assert.Contains(t, stored.Error, "no valid source found")

	types := rec.Types()
	assert.Equal(t, events.TypeError, types[len(types)-1])
	launches, _, _ := h.launcher.Stats()
	assert.Zero(t, launches)
	assert.Zero(t, h.analyzer.calls)
}

func TestGenerationIDReuseResetsRecord(t *testing.T) {
	h := newHarness(t, "nothing useful", counterApp)
	ctx := context.Background()

	_, err := h.svc.Generate(ctx, TurnRequest{ProjectID: "p", GenerationID: "same", Prompt: "first"}, events.Discard)
	require.Error(t, err)

	_, err = h.svc.Generate(ctx, TurnRequest{ProjectID: "p", GenerationID: "same", Prompt: "second"}, events.Discard)
	require.NoError(t, err)

	stored, err := h.store.GetGeneration(ctx, "same")
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, stored.Status)
	assert.Equal(t, "second", stored.Prompt)
	assert.Empty(t, stored.Error)
}

func TestGeneratorErrorFailsTurn(t *testing.T) {
	h := newHarness(t)
	h.svc.generator = generator.Func(func(ctx context.Context, _ string, _ []string) (<-chan generator.Chunk, error) {
		ch := make(chan generator.Chunk, 2)
		ch <- generator.Chunk{Text: "partial "}
		ch <- generator.Chunk{Err: errors.New("upstream closed the stream")}
		close(ch)
		return ch, nil
	})

	res, err := h.svc.Generate(context.Background(), TurnRequest{ProjectID: "p", GenerationID: "g", Prompt: "x"}, events.Discard)
	require.Error(t, err)
	assert.Equal(t, KindGeneration, KindOf(err))
	assert.Equal(t, store.StatusError, res.Status)

	stored, err := h.store.GetGeneration(context.Background(), "g")
	require.NoError(t, err)
	assert.Equal(t, "partial ", stored.RawResponse)
}

func TestStoreFailureReportsPreparingStage(t *testing.T) {
	h := newHarness(t, counterApp)
	require.NoError(t, h.store.Close())
	rec := &events.Recorder{}

	_, err := h.svc.Generate(context.Background(), TurnRequest{ProjectID: "p", Prompt: "Build a counter"}, rec)

	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StagePreparing, se.Stage)
	assert.Equal(t, KindInternal, se.Kind)
	e, ok := rec.Last(events.TypeError)
	require.True(t, ok)
	assert.Equal(t, StagePreparing, e.Data["stage"])
	assert.Empty(t, h.gen.lastPrompt())
}

func TestAnalyzerUnavailableIsInternal(t *testing.T) {
	h := newHarness(t, counterApp)
	h.analyzer.err = errors.New("flutter: not found")

	_, err := h.svc.Generate(context.Background(), TurnRequest{ProjectID: "p", Prompt: "x"}, events.Discard)
	require.Error(t, err)
	assert.Equal(t, KindInternal, KindOf(err))
}

func TestPanicIsRecoveredAsInternal(t *testing.T) {
	h := newHarness(t)
	h.svc.generator = generator.Func(func(context.Context, string, []string) (<-chan generator.Chunk, error) {
		panic("boom")
	})
	rec := &events.Recorder{}

	res, err := h.svc.Generate(context.Background(), TurnRequest{ProjectID: "p", GenerationID: "g", Prompt: "x"}, rec)
	require.Error(t, err)
	assert.Equal(t, KindInternal, KindOf(err))
	assert.Equal(t, store.StatusError, res.Status)

	last, ok := rec.Last(events.TypeError)
	require.True(t, ok)
	assert.Contains(t, last.Message, "boom")
}

func TestExistingProjectUsesWorkspaceSnapshot(t *testing.T) {
	h := newHarness(t, fixedApp)
	lib := filepath.Join(h.workspace, "legacy", "lib")
	require.NoError(t, os.MkdirAll(lib, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(lib, "main.dart"), []byte("// legacy checkout screen\n"), 0o644))

	_, err := h.svc.Generate(context.Background(), TurnRequest{
		SessionID:       "s",
		ProjectID:       "legacy",
		Prompt:          "add the SDK to checkout",
		ExistingProject: true,
	}, events.Discard)
	require.NoError(t, err)

	prompt := h.gen.lastPrompt()
	assert.Contains(t, prompt, "Existing project context:")
	assert.Contains(t, prompt, "legacy checkout screen")
	assert.NoFileExists(t, filepath.Join(h.workspace, "legacy", workspace.SeedMarker))
}

func TestFixRequiresDiagnostics(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Fix(context.Background(), TurnRequest{ProjectID: "p", Prompt: "fix"}, events.Discard)
	assert.True(t, errors.Is(err, ErrInvalidRequest))

	_, err = h.svc.Generate(context.Background(), TurnRequest{Prompt: "x"}, events.Discard)
	assert.True(t, errors.Is(err, ErrInvalidRequest))
}

func TestPlanStreamsExplanationOnly(t *testing.T) {
	h := newHarness(t, "First add the SDK dependency, then initialise it before runApp.")
	rec := &events.Recorder{}

	res, err := h.svc.Plan(context.Background(), TurnRequest{SessionID: "s", ProjectID: "plan", Prompt: "how would you add payments?"}, rec)
	require.NoError(t, err)
	assert.Equal(t, store.KindPlan, res.Kind)
	assert.Contains(t, res.Explanation, "initialise it before runApp")
	assert.Contains(t, h.gen.lastPrompt(), PlanInstruction)

	assert.Contains(t, rec.Types(), events.TypeExplanationChunk)
	assert.NotContains(t, rec.Types(), events.TypeCodeChunk)

	msgs, err := h.store.Conversation(context.Background(), "s")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "assistant", msgs[1].Role)

	assert.NoDirExists(t, filepath.Join(h.workspace, "plan"))
	launches, _, _ := h.launcher.Stats()
	assert.Zero(t, launches)
}

func TestCleanupStopsAndPurges(t *testing.T) {
	h := newHarness(t, counterApp)
	ctx := context.Background()

	_, err := h.svc.Generate(ctx, TurnRequest{ProjectID: "gone", Prompt: "x"}, events.Discard)
	require.NoError(t, err)

	require.NoError(t, h.svc.Cleanup(ctx, "gone", true))

	_, ok := h.svc.Status("gone")
	assert.False(t, ok)
	assert.NoDirExists(t, filepath.Join(h.workspace, "gone"))
	_, err = h.store.GetProject(ctx, "gone")
	assert.True(t, errors.Is(err, store.ErrNotFound))
	_, live, _ := h.launcher.Stats()
	assert.Zero(t, live)
}

func TestReloadWithoutProcess(t *testing.T) {
	h := newHarness(t)
	assert.True(t, errors.Is(h.svc.Reload("nope"), supervisor.ErrNotRunning))
	assert.True(t, errors.Is(h.svc.Restart("nope"), supervisor.ErrNotRunning))
	assert.NoError(t, h.svc.Stop("nope"))
}

func TestConcurrentTurnsOnOneProjectSerialise(t *testing.T) {
	h := newHarness(t, counterApp, fixedApp)

	var wg sync.WaitGroup
	for _, p := range []string{"one", "two"} {
		wg.Add(1)
		go func(prompt string) {
			defer wg.Done()
			_, err := h.svc.Generate(context.Background(), TurnRequest{ProjectID: "shared", Prompt: prompt}, events.Discard)
			assert.NoError(t, err)
		}(p)
	}
	wg.Wait()

	_, live, maxLive := h.launcher.Stats()
	assert.Equal(t, 1, live)
	assert.Equal(t, 1, maxLive)
}
