package store

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *GormStore {
	t.Helper()
	s, err := Open(Config{Driver: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "test.db")}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "mysql"}, zap.NewNop())
	assert.Error(t, err)
}

func TestGenerationLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.EnsureProject(ctx, "p1", "/ws/p1", false))
	require.NoError(t, s.EnsureProject(ctx, "p1", "/other", true))
	p, err := s.GetProject(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "/ws/p1", p.WorkspaceRoot, "second ensure keeps the first row")

	g := &Generation{ID: "g1", ProjectID: "p1", SessionID: "s1", Kind: KindGenerate, Prompt: "make a counter"}
	require.NoError(t, s.CreateGeneration(ctx, g))

	got, err := s.GetGeneration(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)

	require.NoError(t, s.UpdateGeneration(ctx, "g1", GenerationUpdate{
		Status:      StatusError,
		RawResponse: "raw",
		Diagnostics: "error • Undefined name",
	}))
	got, err = s.GetGeneration(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, StatusError, got.Status)
	assert.Equal(t, "error • Undefined name", got.Diagnostics)

	// Re-using the id after an error starts over.
	retry := &Generation{ID: "g1", ProjectID: "p1", SessionID: "s1", Kind: KindFix, Prompt: "fix it"}
	require.NoError(t, s.CreateGeneration(ctx, retry))
	got, err = s.GetGeneration(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Empty(t, got.Diagnostics)
	assert.Empty(t, got.RawResponse)
	assert.Equal(t, KindFix, got.Kind)

	require.NoError(t, s.UpdateGeneration(ctx, "g1", GenerationUpdate{
		Status:       StatusCompleted,
		URL:          "http://preview:9100/",
		ArtifactPath: "/ws/p1",
	}))
	got, err = s.GetGeneration(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "http://preview:9100/", got.URL)
}

func TestUpdateMissingGeneration(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdateGeneration(context.Background(), "nope", GenerationUpdate{Status: StatusError})
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = s.GetGeneration(context.Background(), "nope")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestFetchHistoryOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.EnsureProject(ctx, "p", "/ws/p", false))

	for i, prompt := range []string{"first", "second", "third"} {
		kind := KindGenerate
		if i == 1 {
			kind = KindFix
		}
		require.NoError(t, s.CreateGeneration(ctx, &Generation{ID: prompt, ProjectID: "p", Kind: kind, Prompt: prompt}))
		time.Sleep(5 * time.Millisecond)
	}
	require.NoError(t, s.CreateGeneration(ctx, &Generation{ID: "plan", ProjectID: "p", Kind: KindPlan, Prompt: "how?"}))

	history, err := s.FetchHistory(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second", "third"}, history)

	gens, err := s.ListGenerations(ctx, "p", 2)
	require.NoError(t, err)
	require.Len(t, gens, 2)
	assert.Equal(t, "plan", gens[0].ID)
}

func TestConversationAndDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.EnsureProject(ctx, "p", "/ws/p", false))
	require.NoError(t, s.CreateGeneration(ctx, &Generation{ID: "g", ProjectID: "p", Kind: KindGenerate}))

	require.NoError(t, s.AppendConversation(ctx, &ConversationMessage{SessionID: "s", ProjectID: "p", Role: "user", Content: "plan it"}))
	require.NoError(t, s.AppendConversation(ctx, &ConversationMessage{SessionID: "s", ProjectID: "p", Role: "assistant", Content: "step 1"}))

	msgs, err := s.Conversation(ctx, "s")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "step 1", msgs[1].Content)

	require.NoError(t, s.DeleteProject(ctx, "p"))
	_, err = s.GetProject(ctx, "p")
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = s.GetGeneration(ctx, "g")
	assert.True(t, errors.Is(err, ErrNotFound))
	msgs, err = s.Conversation(ctx, "s")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	ups, downs := 0, 0
	for _, e := range entries {
		switch {
		case strings.HasSuffix(e.Name(), ".up.sql"):
			ups++
		case strings.HasSuffix(e.Name(), ".down.sql"):
			downs++
		}
	}
	assert.Equal(t, ups, downs)

	src, err := migrationSource()
	require.NoError(t, err)
	defer src.Close()
	first, err := src.First()
	require.NoError(t, err)
	assert.Equal(t, uint(1), first)
}
