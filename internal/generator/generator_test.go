package generator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func sseServer(t *testing.T, lines []string, check func(r *http.Request, req chatRequest)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if check != nil {
			check(r, req)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, l := range lines {
			fmt.Fprintf(w, "%s\n\n", l)
			w.(http.Flusher).Flush()
		}
	}))
}

func delta(s string) string {
	return fmt.Sprintf(`data: {"choices":[{"delta":{"content":%q}}]}`, s)
}

func TestClientStreams(t *testing.T) {
	srv := sseServer(t, []string{
		": keep-alive",
		delta("<file path=\"lib/main.dart\">\n"),
		delta("void main() {}\n"),
		`data: {"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		delta("</file>"),
		"data: [DONE]",
		delta("after done"),
	}, func(r *http.Request, req chatRequest) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.True(t, req.Stream)
		assert.Equal(t, "test-model", req.Model)
		if !assert.Len(t, req.Messages, 3) {
			return
		}
		assert.Equal(t, "system", req.Messages[0].Role)
		assert.Equal(t, "existing project", req.Messages[1].Content)
		assert.Equal(t, "user", req.Messages[2].Role)
		assert.Equal(t, "make a counter", req.Messages[2].Content)
	})
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL + "/v1/", Model: "test-model", APIKey: "secret"}, zap.NewNop())
	ch, err := c.Generate(context.Background(), "make a counter", []string{"existing project", "  "})
	require.NoError(t, err)

	text, err := Collect(ch)
	require.NoError(t, err)
	assert.Equal(t, "<file path=\"lib/main.dart\">\nvoid main() {}\n</file>", text)
}

func TestClientStreamError(t *testing.T) {
	srv := sseServer(t, []string{
		delta("partial"),
		`data: {"error":{"message":"model overloaded"}}`,
	}, nil)
	defer srv.Close()

	ch, err := NewClient(ClientConfig{BaseURL: srv.URL}, zap.NewNop()).Generate(context.Background(), "x", nil)
	require.NoError(t, err)

	text, err := Collect(ch)
	assert.EqualError(t, err, "model overloaded")
	assert.Equal(t, "partial", text)
}

func TestClientHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewClient(ClientConfig{BaseURL: srv.URL}, zap.NewNop()).Generate(context.Background(), "x", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Contains(t, err.Error(), "model not found")
}

func TestClientRateLimited(t *testing.T) {
	srv := sseServer(t, []string{"data: [DONE]"}, nil)
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL, RequestsPerMinute: 1}, zap.NewNop())
	ch, err := c.Generate(context.Background(), "first", nil)
	require.NoError(t, err)
	_, err = Collect(ch)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Generate(ctx, "second", nil)
	assert.Error(t, err)
}

func TestStaticAndCollect(t *testing.T) {
	ch, err := Static("a", "b", "c").Generate(context.Background(), "", nil)
	require.NoError(t, err)
	text, err := Collect(ch)
	require.NoError(t, err)
	assert.Equal(t, "abc", text)
}

func TestCollectDrainsAfterError(t *testing.T) {
	ch := make(chan Chunk, 3)
	ch <- Chunk{Text: "ok"}
	ch <- Chunk{Err: errors.New("boom")}
	ch <- Chunk{Text: "ignored"}
	close(ch)

	text, err := Collect(ch)
	assert.EqualError(t, err, "boom")
	assert.Equal(t, "ok", text)
	_, open := <-ch
	assert.False(t, open)
}
