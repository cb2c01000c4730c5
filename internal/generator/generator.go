// Package generator streams model output for a prompt.
package generator

import (
	"context"
	"strings"
)

// Chunk is one piece of a generation stream. A chunk with Err set is the
// last one delivered.
type Chunk struct {
	Text string
	Err  error
}

// Generator produces a finite, non-restartable stream of chunks. The channel
// is closed when the stream ends.
type Generator interface {
	Generate(ctx context.Context, prompt string, contexts []string) (<-chan Chunk, error)
}

// Collect drains ch and returns the concatenated text. It stops at the first
// error.
func Collect(ch <-chan Chunk) (string, error) {
	var b strings.Builder
	for c := range ch {
		if c.Err != nil {
			// Keep draining so the producer is never blocked.
			for range ch {
			}
			return b.String(), c.Err
		}
		b.WriteString(c.Text)
	}
	return b.String(), nil
}

// Func adapts a plain function to Generator.
type Func func(ctx context.Context, prompt string, contexts []string) (<-chan Chunk, error)

func (f Func) Generate(ctx context.Context, prompt string, contexts []string) (<-chan Chunk, error) {
	return f(ctx, prompt, contexts)
}

// Static returns a Generator that streams chunks verbatim, for wiring tests
// and offline runs.
func Static(chunks ...string) Generator {
	return Func(func(ctx context.Context, _ string, _ []string) (<-chan Chunk, error) {
		ch := make(chan Chunk)
		go func() {
			defer close(ch)
			for _, c := range chunks {
				select {
				case ch <- Chunk{Text: c}:
				case <-ctx.Done():
					return
				}
			}
		}()
		return ch, nil
	})
}
