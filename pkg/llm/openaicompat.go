package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/mycosoft/mascore/pkg/config"
	"github.com/mycosoft/mascore/pkg/logging"
	"github.com/mycosoft/mascore/pkg/models"
)

// OpenAICompat adapts any OpenAI-compatible chat completions endpoint
// (vLLM, Ollama, LiteLLM, the OpenAI API itself) to the Provider
// interface. Unlike the Anthropic adapter it also serves embeddings.
type OpenAICompat struct {
	name    string
	baseURL string
	apiKey  string
	httpc   *http.Client
}

// NewOpenAICompat creates the adapter. base_url is required; the API key
// environment variable is optional for unauthenticated local endpoints.
func NewOpenAICompat(name string, cfg config.LLMProviderConfig) (*OpenAICompat, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("provider %s: base_url is required", name)
	}
	var key string
	if cfg.APIKeyEnv != "" {
		key = os.Getenv(cfg.APIKeyEnv)
		if key == "" {
			return nil, fmt.Errorf("provider %s: environment variable %s is not set", name, cfg.APIKeyEnv)
		}
	}
	return &OpenAICompat{
		name:    name,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  key,
		httpc:   &http.Client{},
	}, nil
}

func (p *OpenAICompat) Name() string { return p.name }

type oaiMessage struct {
	Role       string        `json:"role"`
	Content    string        `json:"content"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
	ToolCalls  []oaiToolCall `json:"tool_calls,omitempty"`
}

type oaiFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type oaiTool struct {
	Type     string      `json:"type"`
	Function oaiFunction `json:"function"`
}

type oaiToolCall struct {
	Index    int    `json:"index"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

type oaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type oaiRequest struct {
	Model         string       `json:"model"`
	Messages      []oaiMessage `json:"messages"`
	MaxTokens     int          `json:"max_tokens,omitempty"`
	Temperature   float64      `json:"temperature,omitempty"`
	TopP          float64      `json:"top_p,omitempty"`
	Tools         []oaiTool    `json:"tools,omitempty"`
	Stream        bool         `json:"stream,omitempty"`
	StreamOptions *struct {
		IncludeUsage bool `json:"include_usage"`
	} `json:"stream_options,omitempty"`
}

func (p *OpenAICompat) buildRequest(model string, req *models.LLMRequest) oaiRequest {
	out := oaiRequest{
		Model:       model,
		MaxTokens:   req.Params.MaxTokens,
		Temperature: req.Params.Temperature,
		TopP:        req.Params.TopP,
	}
	for _, msg := range req.Messages {
		out.Messages = append(out.Messages, oaiMessage{
			Role:       string(msg.Role),
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
		})
	}
	for _, tool := range req.Tools {
		out.Tools = append(out.Tools, oaiTool{
			Type: "function",
			Function: oaiFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			},
		})
	}
	return out
}

// post issues the request and classifies any transport or HTTP failure.
// The caller owns the response body.
func (p *OpenAICompat) post(ctx context.Context, model, path string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, newProviderError(p.name, model, CategoryClient, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, newProviderError(p.name, model, CategoryClient, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpc.Do(httpReq)
	if err != nil {
		category := CategoryServer
		if errors.Is(err, context.DeadlineExceeded) {
			category = CategoryTimeout
		}
		return nil, newProviderError(p.name, model, category, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, newProviderError(p.name, model, categoryFromStatus(resp.StatusCode),
			fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))))
	}
	return resp, nil
}

func (p *OpenAICompat) Complete(ctx context.Context, model string, req *models.LLMRequest) (*models.LLMResponse, error) {
	started := time.Now()
	resp, err := p.post(ctx, model, "/chat/completions", p.buildRequest(model, req))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body struct {
		Choices []struct {
			Message oaiMessage `json:"message"`
		} `json:"choices"`
		Usage oaiUsage `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, newProviderError(p.name, model, CategoryServer, fmt.Errorf("decoding response: %w", err))
	}
	if len(body.Choices) == 0 {
		return nil, newProviderError(p.name, model, CategoryServer, errors.New("response has no choices"))
	}

	choice := body.Choices[0].Message
	out := &models.LLMResponse{
		Text: choice.Content,
		Usage: models.Usage{
			PromptTokens:     body.Usage.PromptTokens,
			CompletionTokens: body.Usage.CompletionTokens,
			LatencyMS:        time.Since(started).Milliseconds(),
			Provider:         p.name,
			Model:            model,
		},
	}
	for _, call := range choice.ToolCalls {
		args := call.Function.Arguments
		if args == "" {
			args = "{}"
		}
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: json.RawMessage(args),
		})
	}
	return out, nil
}

func (p *OpenAICompat) Stream(ctx context.Context, model string, req *models.LLMRequest) (<-chan models.StreamChunk, error) {
	started := time.Now()
	body := p.buildRequest(model, req)
	body.Stream = true
	body.StreamOptions = &struct {
		IncludeUsage bool `json:"include_usage"`
	}{IncludeUsage: true}

	resp, err := p.post(ctx, model, "/chat/completions", body)
	if err != nil {
		return nil, err
	}

	ch := make(chan models.StreamChunk, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		usage := models.Usage{Provider: p.name, Model: model}
		type partialCall struct {
			id   string
			name string
			args strings.Builder
		}
		calls := make(map[int]*partialCall)

		// Consumer cancellation stops forwarding but not scanning: the
		// usage frames that follow still need collecting so partial usage
		// survives a mid-stream cancel.
		forwarding := true
		emit := func(chunk models.StreamChunk) {
			if !forwarding {
				return
			}
			select {
			case ch <- chunk:
			case <-ctx.Done():
				forwarding = false
			}
		}
		flushCalls := func() {
			indexes := make([]int, 0, len(calls))
			for i := range calls {
				indexes = append(indexes, i)
			}
			sort.Ints(indexes)
			for _, i := range indexes {
				call := calls[i]
				args := call.args.String()
				if args == "" {
					args = "{}"
				}
				emit(models.StreamChunk{ToolCall: &models.ToolCall{
					ID:        call.id,
					Name:      call.name,
					Arguments: json.RawMessage(args),
				}})
			}
			clear(calls)
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				break
			}

			var frame struct {
				Choices []struct {
					Delta struct {
						Content   string        `json:"content"`
						ToolCalls []oaiToolCall `json:"tool_calls"`
					} `json:"delta"`
					FinishReason string `json:"finish_reason"`
				} `json:"choices"`
				Usage *oaiUsage `json:"usage"`
			}
			if err := json.Unmarshal([]byte(data), &frame); err != nil {
				logging.Logger(ctx).Warn("Skipping malformed stream frame",
					"provider", p.name, "error", err)
				continue
			}
			if frame.Usage != nil {
				usage.PromptTokens = frame.Usage.PromptTokens
				usage.CompletionTokens = frame.Usage.CompletionTokens
			}
			if len(frame.Choices) == 0 {
				continue
			}
			choice := frame.Choices[0]
			if choice.Delta.Content != "" {
				emit(models.StreamChunk{Delta: choice.Delta.Content})
			}
			for _, tc := range choice.Delta.ToolCalls {
				call, ok := calls[tc.Index]
				if !ok {
					call = &partialCall{}
					calls[tc.Index] = call
				}
				if tc.ID != "" {
					call.id = tc.ID
				}
				if tc.Function.Name != "" {
					call.name = tc.Function.Name
				}
				call.args.WriteString(tc.Function.Arguments)
			}
			if choice.FinishReason == "tool_calls" {
				flushCalls()
			}
		}
		if err := scanner.Err(); err != nil && !errors.Is(err, context.Canceled) {
			logging.Logger(ctx).Warn("Streaming completion interrupted",
				"provider", p.name, "model", model, "error", err)
		}
		flushCalls()
		usage.LatencyMS = time.Since(started).Milliseconds()
		// Delivered unconditionally: the gateway relay drains the channel
		// to record usage even when the consumer is gone.
		ch <- models.StreamChunk{Usage: &usage}
	}()
	return ch, nil
}

func (p *OpenAICompat) Embed(ctx context.Context, model string, input []string) ([][]float32, error) {
	resp, err := p.post(ctx, model, "/embeddings", map[string]any{
		"model": model,
		"input": input,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body struct {
		Data []struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, newProviderError(p.name, model, CategoryServer, fmt.Errorf("decoding response: %w", err))
	}
	if len(body.Data) != len(input) {
		return nil, newProviderError(p.name, model, CategoryServer,
			fmt.Errorf("expected %d embeddings, got %d", len(input), len(body.Data)))
	}

	out := make([][]float32, len(input))
	for _, item := range body.Data {
		if item.Index < 0 || item.Index >= len(out) {
			return nil, newProviderError(p.name, model, CategoryServer,
				fmt.Errorf("embedding index %d out of range", item.Index))
		}
		out[item.Index] = item.Embedding
	}
	return out, nil
}
