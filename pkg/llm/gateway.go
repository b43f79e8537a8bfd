// Package llm routes provider-agnostic completion, streaming, and embedding
// requests to configured LLM backends. The gateway resolves a role tag to a
// provider/model chain, walks the chain on retryable failures, and shields
// each provider behind a circuit breaker and a rate-limit cooldown. Every
// call is audited through the action gate.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/mycosoft/mascore/pkg/config"
	"github.com/mycosoft/mascore/pkg/gate"
	"github.com/mycosoft/mascore/pkg/logging"
	"github.com/mycosoft/mascore/pkg/metrics"
	"github.com/mycosoft/mascore/pkg/models"
)

const (
	gatewayAgentID  = "llm-gateway"
	defaultCooldown = 15 * time.Second

	// breakerTripAfter consecutive failures opens a provider's breaker.
	breakerTripAfter = 3
)

// Gateway is the single entry point for model calls.
type Gateway struct {
	cfg       *config.LLMConfig
	router    *router
	gate      *gate.Gate
	metrics   *metrics.Registry
	providers map[string]Provider
	breakers  map[string]*gobreaker.CircuitBreaker

	mu        sync.Mutex
	cooldowns map[string]time.Time
}

// NewGateway builds adapters for every configured provider.
func NewGateway(cfg *config.LLMConfig, g *gate.Gate, m *metrics.Registry) (*Gateway, error) {
	providers := make(map[string]Provider, len(cfg.Providers))
	for name, pc := range cfg.Providers {
		var (
			p   Provider
			err error
		)
		switch pc.Kind {
		case "anthropic":
			p, err = NewAnthropic(name, pc)
		case "openai_compat":
			p, err = NewOpenAICompat(name, pc)
		case "mock":
			p = NewMock(name)
		default:
			err = fmt.Errorf("unknown provider kind %q", pc.Kind)
		}
		if err != nil {
			return nil, fmt.Errorf("building provider %s: %w", name, err)
		}
		providers[name] = p
	}
	return NewGatewayWithProviders(cfg, g, m, providers), nil
}

// NewGatewayWithProviders wires pre-built providers; tests use it to inject
// mocks.
func NewGatewayWithProviders(cfg *config.LLMConfig, g *gate.Gate, m *metrics.Registry, providers map[string]Provider) *Gateway {
	breakers := make(map[string]*gobreaker.CircuitBreaker, len(providers))
	for name := range providers {
		cooldown := cfg.Providers[name].Cooldown
		if cooldown <= 0 {
			cooldown = defaultCooldown
		}
		breakers[name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "llm-" + name,
			MaxRequests: 1,
			Timeout:     cooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= breakerTripAfter
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				slog.Warn("Provider breaker state changed",
					"breaker", name, "from", from.String(), "to", to.String())
			},
		})
	}
	return &Gateway{
		cfg:       cfg,
		router:    newRouter(cfg),
		gate:      g,
		metrics:   m,
		providers: providers,
		breakers:  breakers,
		cooldowns: make(map[string]time.Time),
	}
}

// callSummary is what the audit record stores instead of the conversation
// itself; message bodies stay out of the audit trail.
type callSummary struct {
	Role         models.RoleTag `json:"role"`
	MessageCount int            `json:"message_count,omitempty"`
	ToolCount    int            `json:"tool_count,omitempty"`
	InputCount   int            `json:"input_count,omitempty"`
}

type callOutcome struct {
	Provider         string `json:"provider"`
	Model            string `json:"model"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TextLength       int    `json:"text_length,omitempty"`
	ToolCalls        int    `json:"tool_calls,omitempty"`
	Embeddings       int    `json:"embeddings,omitempty"`
}

func auditInputs(role models.RoleTag, req *models.LLMRequest) json.RawMessage {
	raw, _ := json.Marshal(callSummary{
		Role:         role,
		MessageCount: len(req.Messages),
		ToolCount:    len(req.Tools),
		InputCount:   len(req.Input),
	})
	return raw
}

// Complete resolves the role and walks the candidate chain until one
// provider answers or a non-retryable failure stops the walk.
func (g *Gateway) Complete(ctx context.Context, role models.RoleTag, req *models.LLMRequest) (*models.LLMResponse, error) {
	var resp *models.LLMResponse
	_, err := g.gate.Execute(ctx, gate.ActionCall{
		AgentID:    gatewayAgentID,
		ActionType: "llm.complete",
		Inputs:     auditInputs(role, req),
	}, func(ctx context.Context) (json.RawMessage, error) {
		var err error
		resp, err = g.completeChain(ctx, role, req)
		if err != nil {
			return nil, err
		}
		raw, _ := json.Marshal(callOutcome{
			Provider:         resp.Usage.Provider,
			Model:            resp.Usage.Model,
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TextLength:       len(resp.Text),
			ToolCalls:        len(resp.ToolCalls),
		})
		return raw, nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (g *Gateway) completeChain(ctx context.Context, role models.RoleTag, req *models.LLMRequest) (*models.LLMResponse, error) {
	targets, err := g.router.resolve(role)
	if err != nil {
		return nil, err
	}
	log := logging.Logger(ctx)

	var lastErr error
	for _, t := range targets {
		resp, err := g.attempt(ctx, t, func(ctx context.Context, p Provider) (*models.LLMResponse, error) {
			return p.Complete(ctx, t.model, req)
		})
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if done, final := g.chainStops(ctx, err); done {
			return nil, final
		}
		log.Warn("Provider attempt failed, trying next",
			"provider", t.provider, "model", t.model, "error", err)
	}
	return nil, g.exhausted(lastErr)
}

// Stream resolves the role, establishes a stream with the first healthy
// candidate, and relays chunks while recording token metrics from the
// terminal frame. Fallback applies only before the first frame.
func (g *Gateway) Stream(ctx context.Context, role models.RoleTag, req *models.LLMRequest) (<-chan models.StreamChunk, error) {
	var upstream <-chan models.StreamChunk
	var chosen target
	_, err := g.gate.Execute(ctx, gate.ActionCall{
		AgentID:    gatewayAgentID,
		ActionType: "llm.stream",
		Inputs:     auditInputs(role, req),
	}, func(ctx context.Context) (json.RawMessage, error) {
		targets, err := g.router.resolve(role)
		if err != nil {
			return nil, err
		}
		var lastErr error
		for _, t := range targets {
			ch, err := g.open(ctx, t, req)
			if err == nil {
				upstream, chosen = ch, t
				raw, _ := json.Marshal(callOutcome{Provider: t.provider, Model: t.model})
				return raw, nil
			}
			lastErr = err
			if done, final := g.chainStops(ctx, err); done {
				return nil, final
			}
		}
		return nil, g.exhausted(lastErr)
	})
	if err != nil {
		return nil, err
	}

	// The relay drains the upstream even after the consumer cancels, so the
	// terminal usage frame still reaches the counters; only forwarding
	// stops.
	out := make(chan models.StreamChunk, 16)
	started := time.Now()
	go func() {
		defer close(out)
		forwarding := true
		for chunk := range upstream {
			if chunk.Usage != nil {
				g.metrics.LLMTokens.WithLabelValues(chosen.provider, chosen.model, "prompt").
					Add(float64(chunk.Usage.PromptTokens))
				g.metrics.LLMTokens.WithLabelValues(chosen.provider, chosen.model, "completion").
					Add(float64(chunk.Usage.CompletionTokens))
				g.metrics.LLMCallDuration.WithLabelValues(chosen.provider, chosen.model).
					Observe(time.Since(started).Seconds())
			}
			if !forwarding {
				continue
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				forwarding = false
			}
		}
	}()
	return out, nil
}

// open establishes one streaming attempt through the provider's breaker.
func (g *Gateway) open(ctx context.Context, t target, req *models.LLMRequest) (<-chan models.StreamChunk, error) {
	if g.coolingDown(t.provider) {
		return nil, newProviderError(t.provider, t.model, CategoryRateLimit, errors.New("provider cooling down"))
	}
	p, ok := g.providers[t.provider]
	if !ok {
		return nil, models.NewError(models.KindInternal, fmt.Sprintf("no adapter for provider %q", t.provider))
	}
	result, err := g.breakers[t.provider].Execute(func() (any, error) {
		return p.Stream(ctx, t.model, req)
	})
	if err != nil {
		g.metrics.LLMCalls.WithLabelValues(t.provider, t.model, callStatus(err)).Inc()
		g.noteFailure(t, err)
		return nil, err
	}
	g.metrics.LLMCalls.WithLabelValues(t.provider, t.model, "ok").Inc()
	return result.(<-chan models.StreamChunk), nil
}

// Embed computes embeddings through the embedding role's chain.
func (g *Gateway) Embed(ctx context.Context, input []string) ([][]float32, error) {
	if len(input) == 0 {
		return nil, models.NewError(models.KindValidation, "embed input is empty")
	}
	var vectors [][]float32
	req := &models.LLMRequest{Input: input}
	_, err := g.gate.Execute(ctx, gate.ActionCall{
		AgentID:    gatewayAgentID,
		ActionType: "llm.embed",
		Inputs:     auditInputs(models.RoleEmbedding, req),
	}, func(ctx context.Context) (json.RawMessage, error) {
		targets, err := g.router.resolve(models.RoleEmbedding)
		if err != nil {
			return nil, err
		}
		var lastErr error
		for _, t := range targets {
			resp, err := g.attempt(ctx, t, func(ctx context.Context, p Provider) (*models.LLMResponse, error) {
				vecs, err := p.Embed(ctx, t.model, input)
				if err != nil {
					return nil, err
				}
				return &models.LLMResponse{
					Embeddings: vecs,
					Usage:      models.Usage{Provider: t.provider, Model: t.model},
				}, nil
			})
			if err == nil {
				vectors = resp.Embeddings
				raw, _ := json.Marshal(callOutcome{
					Provider: t.provider, Model: t.model, Embeddings: len(vectors),
				})
				return raw, nil
			}
			lastErr = err
			if done, final := g.chainStops(ctx, err); done {
				return nil, final
			}
		}
		return nil, g.exhausted(lastErr)
	})
	if err != nil {
		return nil, err
	}
	return vectors, nil
}

// attempt runs one provider call through the breaker, bounded by the
// configured request timeout, and records call metrics.
func (g *Gateway) attempt(ctx context.Context, t target, call func(context.Context, Provider) (*models.LLMResponse, error)) (*models.LLMResponse, error) {
	if g.coolingDown(t.provider) {
		return nil, newProviderError(t.provider, t.model, CategoryRateLimit, errors.New("provider cooling down"))
	}
	p, ok := g.providers[t.provider]
	if !ok {
		return nil, models.NewError(models.KindInternal, fmt.Sprintf("no adapter for provider %q", t.provider))
	}

	attemptCtx := ctx
	if g.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, g.cfg.RequestTimeout)
		defer cancel()
	}

	started := time.Now()
	result, err := g.breakers[t.provider].Execute(func() (any, error) {
		return call(attemptCtx, p)
	})
	elapsed := time.Since(started)
	g.metrics.LLMCallDuration.WithLabelValues(t.provider, t.model).Observe(elapsed.Seconds())

	if err != nil {
		g.metrics.LLMCalls.WithLabelValues(t.provider, t.model, callStatus(err)).Inc()
		if pe, ok := asProviderError(err); ok {
			g.recordTokens(t, pe.Usage)
		}
		g.noteFailure(t, err)
		return nil, err
	}

	resp := result.(*models.LLMResponse)
	g.metrics.LLMCalls.WithLabelValues(t.provider, t.model, "ok").Inc()
	g.recordTokens(t, resp.Usage)
	return resp, nil
}

// callStatus is the status label a failed attempt records: the provider
// error category when known, plain error otherwise.
func callStatus(err error) string {
	if pe, ok := asProviderError(err); ok {
		return string(pe.Category)
	}
	return "error"
}

// recordTokens adds usage into the token counters. Partial usage from a
// failed attempt counts the same as usage from a successful one.
func (g *Gateway) recordTokens(t target, usage models.Usage) {
	if usage.PromptTokens == 0 && usage.CompletionTokens == 0 {
		return
	}
	g.metrics.LLMTokens.WithLabelValues(t.provider, t.model, "prompt").Add(float64(usage.PromptTokens))
	g.metrics.LLMTokens.WithLabelValues(t.provider, t.model, "completion").Add(float64(usage.CompletionTokens))
}

// noteFailure starts the provider cooldown when the failure was a rate
// limit.
func (g *Gateway) noteFailure(t target, err error) {
	pe, ok := asProviderError(err)
	if !ok || pe.Category != CategoryRateLimit {
		return
	}
	cooldown := g.cfg.Providers[t.provider].Cooldown
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	g.mu.Lock()
	g.cooldowns[t.provider] = time.Now().Add(cooldown)
	g.mu.Unlock()
}

func (g *Gateway) coolingDown(provider string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return time.Now().Before(g.cooldowns[provider])
}

// chainStops decides whether a failure ends the fallback walk. Context
// cancellation and non-retryable provider failures stop it; breaker-open
// and retryable failures let the next candidate try.
func (g *Gateway) chainStops(ctx context.Context, err error) (bool, error) {
	if ctx.Err() != nil {
		return true, models.WrapError(models.KindCancelled, "model call cancelled", ctx.Err())
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false, nil
	}
	if pe, ok := asProviderError(err); ok && !pe.Retryable() {
		return true, models.WrapError(pe.Kind(), "model call failed", pe)
	}
	return false, nil
}

// exhausted wraps the last failure once every candidate has been tried.
func (g *Gateway) exhausted(lastErr error) error {
	if lastErr == nil {
		return models.NewError(models.KindProviderUnavailable, "no provider candidates for role")
	}
	kind := models.KindProviderUnavailable
	if pe, ok := asProviderError(lastErr); ok {
		kind = pe.Kind()
	}
	return models.WrapError(kind, "all providers failed", lastErr)
}
