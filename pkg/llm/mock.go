package llm

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/mycosoft/mascore/pkg/models"
)

// Mock is a deterministic in-process provider used in tests and local
// development. Without a scripted reply it echoes the last user message.
type Mock struct {
	name string

	mu      sync.Mutex
	reply   string
	err     error
	calls   int
	lastReq *models.LLMRequest
}

// NewMock creates a mock provider.
func NewMock(name string) *Mock {
	return &Mock{name: name}
}

func (p *Mock) Name() string { return p.name }

// ScriptReply fixes the next completions' text.
func (p *Mock) ScriptReply(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reply = text
}

// ScriptError makes every call fail with err until cleared with nil.
func (p *Mock) ScriptError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Calls returns how many completions, streams, and embeds ran.
func (p *Mock) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// LastRequest returns the most recent request seen.
func (p *Mock) LastRequest() *models.LLMRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastReq
}

func (p *Mock) take(req *models.LLMRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.lastReq = req
	if p.err != nil {
		return "", p.err
	}
	if p.reply != "" {
		return p.reply, nil
	}
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == models.ChatRoleUser {
			return fmt.Sprintf("mock: %s", req.Messages[i].Content), nil
		}
	}
	return "mock: (no user message)", nil
}

func (p *Mock) Complete(_ context.Context, model string, req *models.LLMRequest) (*models.LLMResponse, error) {
	text, err := p.take(req)
	if err != nil {
		return nil, err
	}
	return &models.LLMResponse{
		Text: text,
		Usage: models.Usage{
			PromptTokens:     len(req.Messages),
			CompletionTokens: len(text),
			Provider:         p.name,
			Model:            model,
		},
	}, nil
}

func (p *Mock) Stream(_ context.Context, model string, req *models.LLMRequest) (<-chan models.StreamChunk, error) {
	text, err := p.take(req)
	if err != nil {
		return nil, err
	}
	ch := make(chan models.StreamChunk, len(text)+1)
	for _, r := range text {
		ch <- models.StreamChunk{Delta: string(r)}
	}
	ch <- models.StreamChunk{Usage: &models.Usage{
		PromptTokens:     len(req.Messages),
		CompletionTokens: len(text),
		Provider:         p.name,
		Model:            model,
	}}
	close(ch)
	return ch, nil
}

// Embed returns a stable 8-dimensional vector per input string.
func (p *Mock) Embed(_ context.Context, _ string, input []string) ([][]float32, error) {
	if _, err := p.take(&models.LLMRequest{Input: input}); err != nil {
		return nil, err
	}
	out := make([][]float32, len(input))
	for i, s := range input {
		h := fnv.New32a()
		_, _ = h.Write([]byte(s))
		seed := h.Sum32()
		vec := make([]float32, 8)
		for d := range vec {
			seed = seed*1664525 + 1013904223
			vec[d] = float32(seed%1000)/500 - 1
		}
		out[i] = vec
	}
	return out, nil
}
