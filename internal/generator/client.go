package generator

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"sdkforge/internal/logging"
	"sdkforge/internal/metrics"
)

// SystemPrompt tells the model how to lay out the files it returns.
const SystemPrompt = `You build Flutter web applications that integrate a vendor SDK.
Return every source file you create or change as a complete file inside
<file path="lib/...">...</file> tags. Paths are relative to the project root
and all Dart sources live under lib/. The entry point is lib/main.dart.
Never return partial files or placeholders.`

// ClientConfig configures an OpenAI-compatible streaming client.
type ClientConfig struct {
	BaseURL           string
	Model             string
	APIKey            string
	RequestsPerMinute int
	Timeout           time.Duration
}

// Client streams chat completions from any OpenAI-compatible endpoint:
// Ollama, OpenAI and xAI all speak the same protocol.
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// NewClient creates a streaming client.
func NewClient(cfg ClientConfig, logger *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434/v1"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		// Local inference with large models can be slow.
		cfg.Timeout = 15 * time.Minute
	}

	limit := rate.Inf
	burst := 1
	if cfg.RequestsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(cfg.RequestsPerMinute))
		burst = cfg.RequestsPerMinute
	}

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(limit, burst),
		logger:     logging.OrNamed(logger, "generator"),
		metrics:    metrics.Get(),
	}
}

// Generate starts a streaming completion. Contexts are sent as extra system
// messages ahead of the prompt.
func (c *Client) Generate(ctx context.Context, prompt string, contexts []string) (<-chan Chunk, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("generator rate limit: %w", err)
	}

	messages := []chatMessage{{Role: "system", Content: SystemPrompt}}
	for _, blob := range contexts {
		if strings.TrimSpace(blob) == "" {
			continue
		}
		messages = append(messages, chatMessage{Role: "system", Content: blob})
	}
	messages = append(messages, chatMessage{Role: "user", Content: prompt})

	body, err := json.Marshal(chatRequest{Model: c.cfg.Model, Messages: messages, Stream: true})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.RecordGeneratorRequest(c.cfg.Model, "error", time.Since(start))
		return nil, fmt.Errorf("failed to reach generator at %s: %w", c.cfg.BaseURL, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.metrics.RecordGeneratorRequest(c.cfg.Model, "error", time.Since(start))
		return nil, fmt.Errorf("generator returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	ch := make(chan Chunk)
	go c.stream(ctx, resp.Body, ch, start)
	return ch, nil
}

func (c *Client) stream(ctx context.Context, body io.ReadCloser, ch chan<- Chunk, start time.Time) {
	defer close(ch)
	defer body.Close()

	send := func(chunk Chunk) bool {
		select {
		case ch <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}

	status := "success"
	defer func() {
		c.metrics.RecordGeneratorRequest(c.cfg.Model, status, time.Since(start))
	}()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			return
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			c.logger.Debug("Skipping malformed stream line", zap.Error(err))
			continue
		}
		if chunk.Error != nil {
			status = "error"
			send(Chunk{Err: errors.New(chunk.Error.Message)})
			return
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			if !send(Chunk{Text: choice.Delta.Content}) {
				status = "cancelled"
				return
			}
		}
	}
	if err := scanner.Err(); err != nil {
		status = "error"
		send(Chunk{Err: fmt.Errorf("generator stream: %w", err)})
	}
}
