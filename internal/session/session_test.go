package session

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exerciseStore runs the behaviour every Store must share.
func exerciseStore(t *testing.T, s Store) {
	ctx := context.Background()
	id := "session-" + uuid.NewString()
	defer s.Remove(ctx, id)

	h, err := s.History(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, h)

	for _, p := range []string{"make a counter app", "add a reset button", "use the vendor login"} {
		require.NoError(t, s.Append(ctx, id, p))
	}
	h, err = s.History(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"make a counter app", "add a reset button", "use the vendor login"}, h)

	a, err := s.Analysis(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, a)

	require.NoError(t, s.SetAnalysis(ctx, id, "// File: lib/main.dart\nvoid main() {}"))
	a, err = s.Analysis(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "// File: lib/main.dart\nvoid main() {}", a)

	require.NoError(t, s.Remove(ctx, id))
	h, err = s.History(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, h)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStoreHistoryIsCopy(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Append(ctx, "s", "first"))

	h, err := s.History(ctx, "s")
	require.NoError(t, err)
	h[0] = "mutated"

	h, err = s.History(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, []string{"first"}, h)
}

func TestMemoryStoreConcurrentAppend(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Append(ctx, "s", fmt.Sprintf("p%d", i)))
		}()
	}
	wg.Wait()

	h, err := s.History(ctx, "s")
	require.NoError(t, err)
	assert.Len(t, h, 50)
	assert.Equal(t, 1, s.Len())
}

func TestRedisKeys(t *testing.T) {
	assert.Equal(t, "sdkforge:session:abc:prompts", promptsKey("abc"))
	assert.Equal(t, "sdkforge:session:abc:analysis", analysisKey("abc"))
	assert.Equal(t, DefaultTTL, NewRedisStore(nil, 0).ttl)
}

// TestRedisStore runs against a real server when REDIS_TEST_URL is set.
func TestRedisStore(t *testing.T) {
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL not set")
	}
	client, err := NewRedisClient(context.Background(), url)
	require.NoError(t, err)
	defer client.Close()

	exerciseStore(t, NewRedisStore(client, time.Minute))
}

func TestNewRedisClientBadURL(t *testing.T) {
	_, err := NewRedisClient(context.Background(), "not-a-url")
	assert.Error(t, err)
}
