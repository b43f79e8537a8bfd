package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/mycosoft/mascore/pkg/config"
	"github.com/mycosoft/mascore/pkg/logging"
	"github.com/mycosoft/mascore/pkg/models"
)

const anthropicDefaultMaxTokens = 4096

// Anthropic adapts the Anthropic Messages API to the Provider interface.
type Anthropic struct {
	name   string
	client anthropic.Client
}

// NewAnthropic creates the adapter. The API key is read from the
// environment variable named in the provider config.
func NewAnthropic(name string, cfg config.LLMProviderConfig) (*Anthropic, error) {
	var opts []option.RequestOption
	if cfg.APIKeyEnv != "" {
		key := os.Getenv(cfg.APIKeyEnv)
		if key == "" {
			return nil, fmt.Errorf("provider %s: environment variable %s is not set", name, cfg.APIKeyEnv)
		}
		opts = append(opts, option.WithAPIKey(key))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Anthropic{name: name, client: anthropic.NewClient(opts...)}, nil
}

func (p *Anthropic) Name() string { return p.name }

func (p *Anthropic) buildParams(model string, req *models.LLMRequest) (anthropic.MessageNewParams, error) {
	maxTokens := req.Params.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
	}
	if req.Params.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Params.Temperature)
	}
	if req.Params.TopP > 0 {
		params.TopP = anthropic.Float(req.Params.TopP)
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case models.ChatRoleSystem:
			params.System = append(params.System, anthropic.TextBlockParam{Text: msg.Content})
		case models.ChatRoleUser:
			params.Messages = append(params.Messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		case models.ChatRoleAssistant:
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		case models.ChatRoleTool:
			params.Messages = append(params.Messages,
				anthropic.NewUserMessage(anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false)))
		default:
			return params, newProviderError(p.name, model, CategoryClient,
				fmt.Errorf("unsupported chat role %q", msg.Role))
		}
	}

	for _, tool := range req.Tools {
		var schema anthropic.ToolInputSchemaParam
		if len(tool.InputSchema) > 0 {
			if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
				return params, newProviderError(p.name, model, CategoryClient,
					fmt.Errorf("tool %s: invalid input schema: %w", tool.Name, err))
			}
		}
		tp := anthropic.ToolParam{Name: tool.Name, InputSchema: schema}
		if tool.Description != "" {
			tp.Description = anthropic.String(tool.Description)
		}
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{OfTool: &tp})
	}
	return params, nil
}

func (p *Anthropic) Complete(ctx context.Context, model string, req *models.LLMRequest) (*models.LLMResponse, error) {
	params, err := p.buildParams(model, req)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, newProviderError(p.name, model, p.classify(err), err)
	}

	resp := &models.LLMResponse{
		Usage: models.Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
			LatencyMS:        time.Since(started).Milliseconds(),
			Provider:         p.name,
			Model:            model,
		},
	}
	var text strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, models.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: json.RawMessage(block.Input),
			})
		}
	}
	resp.Text = text.String()
	return resp, nil
}

func (p *Anthropic) Stream(ctx context.Context, model string, req *models.LLMRequest) (<-chan models.StreamChunk, error) {
	params, err := p.buildParams(model, req)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	stream := p.client.Messages.NewStreaming(ctx, params)

	// Pull the first event synchronously so connection and auth failures
	// surface as a plain error instead of an empty stream.
	hasFirst := stream.Next()
	if !hasFirst {
		if err := stream.Err(); err != nil {
			return nil, newProviderError(p.name, model, p.classify(err), err)
		}
	}

	ch := make(chan models.StreamChunk, 16)
	go func() {
		defer close(ch)
		usage := models.Usage{Provider: p.name, Model: model}
		var (
			toolID   string
			toolName string
			toolArgs strings.Builder
		)
		// Consumer cancellation stops forwarding but not event draining, so
		// partial usage still reaches the terminal frame.
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
		next := hasFirst
		for next {
			event := stream.Current()
			switch event.Type {
			case "message_start":
				usage.PromptTokens = int(event.Message.Usage.InputTokens)
			case "content_block_start":
				if event.ContentBlock.Type == "tool_use" {
					toolID = event.ContentBlock.ID
					toolName = event.ContentBlock.Name
					toolArgs.Reset()
				}
			case "content_block_delta":
				switch event.Delta.Type {
				case "text_delta":
					if event.Delta.Text != "" {
						emit(models.StreamChunk{Delta: event.Delta.Text})
					}
				case "input_json_delta":
					toolArgs.WriteString(event.Delta.PartialJSON)
				}
			case "content_block_stop":
				if toolID != "" {
					args := toolArgs.String()
					if args == "" {
						args = "{}"
					}
					emit(models.StreamChunk{ToolCall: &models.ToolCall{
						ID:        toolID,
						Name:      toolName,
						Arguments: json.RawMessage(args),
					}})
					toolID, toolName = "", ""
				}
			case "message_delta":
				usage.CompletionTokens = int(event.Usage.OutputTokens)
			}
			next = stream.Next()
		}
		if err := stream.Err(); err != nil && !errors.Is(err, context.Canceled) {
			logging.Logger(ctx).Warn("Streaming completion interrupted",
				"provider", p.name, "model", model, "error", err)
		}
		usage.LatencyMS = time.Since(started).Milliseconds()
		// Delivered unconditionally: the gateway relay drains the channel
		// to record usage even when the consumer is gone.
		ch <- models.StreamChunk{Usage: &usage}
	}()
	return ch, nil
}

// Embed is unsupported: the Messages API has no embeddings endpoint.
func (p *Anthropic) Embed(_ context.Context, model string, _ []string) ([][]float32, error) {
	return nil, newProviderError(p.name, model, CategoryClient,
		errors.New("embeddings are not supported by this provider"))
}

func (p *Anthropic) classify(err error) ErrorCategory {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return categoryFromStatus(apierr.StatusCode)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}
	return CategoryUnknown
}
