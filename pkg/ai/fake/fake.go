// Package fake provides a scripted ai.GraphAIClient for tests and dry runs.
package fake

import (
	"context"
	"sync"

	"github.com/OFFIS-RIT/kiwi/grounding/pkg/ai"
)

// Call records one GenerateCompletion request.
type Call struct {
	Prompt  string
	Options ai.GenerateOptions
}

// Client answers every prompt through Respond. A nil Respond returns an
// empty extraction.
type Client struct {
	Respond func(ctx context.Context, prompt string, n int) (string, error)

	mu      sync.Mutex
	calls   []Call
	metrics ai.MetricsRecorder
}

// Static returns a Client that always answers with reply.
func Static(reply string) *Client {
	return &Client{Respond: func(context.Context, string, int) (string, error) {
		return reply, nil
	}}
}

// Sequence returns a Client that walks through replies and errs in order and
// repeats the last entry once exhausted. errs may be shorter than replies.
func Sequence(replies []string, errs []error) *Client {
	return &Client{Respond: func(_ context.Context, _ string, n int) (string, error) {
		idx := n
		if idx >= len(replies) {
			idx = len(replies) - 1
		}
		var err error
		if n < len(errs) {
			err = errs[n]
		}
		if idx < 0 {
			return "", err
		}
		return replies[idx], err
	}}
}

func (c *Client) GenerateCompletion(ctx context.Context, prompt string, opts ...ai.GenerateOption) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.mu.Lock()
	n := len(c.calls)
	c.calls = append(c.calls, Call{Prompt: prompt, Options: ai.ApplyOptions(ai.GenerateOptions{}, opts...)})
	c.mu.Unlock()

	c.metrics.Add(ai.ModelMetrics{InputTokens: ai.EstimateTokens(prompt)})
	if c.Respond == nil {
		return `{"entities":[],"relationships":[]}`, nil
	}
	return c.Respond(ctx, prompt, n)
}

func (c *Client) GenerateCompletionWithFormat(ctx context.Context, name, description, prompt string, out any, opts ...ai.GenerateOption) error {
	content, err := c.GenerateCompletion(ctx, prompt, opts...)
	if err != nil {
		return err
	}
	return ai.UnmarshalFlexible(content, out)
}

func (c *Client) LoadModel(ctx context.Context, opts ...ai.GenerateOption) error {
	return ctx.Err()
}

func (c *Client) ResetMetrics() {
	c.metrics.Reset()
}

func (c *Client) GetMetrics() ai.ModelMetrics {
	return c.metrics.Snapshot()
}

// Calls returns a copy of the recorded requests.
func (c *Client) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.calls...)
}
