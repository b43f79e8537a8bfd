package models

import "encoding/json"

// RoleTag is the abstract model role the gateway maps to a concrete
// provider/model (planning, execution, fast, embedding).
type RoleTag string

// Built-in role tags.
const (
	RolePlanning  RoleTag = "planning"
	RoleExecution RoleTag = "execution"
	RoleFast      RoleTag = "fast"
	RoleEmbedding RoleTag = "embedding"
)

// ChatRole is a message author role in an LLM conversation.
type ChatRole string

// Chat roles.
const (
	ChatRoleSystem    ChatRole = "system"
	ChatRoleUser      ChatRole = "user"
	ChatRoleAssistant ChatRole = "assistant"
	ChatRoleTool      ChatRole = "tool"
)

// ChatMessage is one turn in an LLM conversation.
type ChatMessage struct {
	Role       ChatRole `json:"role"`
	Content    string   `json:"content"`
	ToolCallID string   `json:"tool_call_id,omitempty"`
}

// ToolSpec describes a tool offered to the model.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// LLMParams are generation parameters forwarded to the provider.
type LLMParams struct {
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	TopP        float64 `json:"top_p,omitempty"`
}

// LLMRequest is the provider-agnostic completion request.
type LLMRequest struct {
	Messages []ChatMessage `json:"messages"`
	Tools    []ToolSpec    `json:"tools,omitempty"`
	Params   LLMParams     `json:"params,omitzero"`
	// Input holds the text to embed for embedding requests.
	Input []string `json:"input,omitempty"`
}

// Usage accounts tokens and latency for one provider attempt. Usage is
// recorded even when the attempt fails (partial usage).
type Usage struct {
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	LatencyMS        int64  `json:"latency_ms"`
	Provider         string `json:"provider"`
	Model            string `json:"model"`
}

// LLMResponse is the provider-agnostic completion result.
type LLMResponse struct {
	Text       string      `json:"text,omitempty"`
	ToolCalls  []ToolCall  `json:"tool_calls,omitempty"`
	Embeddings [][]float32 `json:"embeddings,omitempty"`
	Usage      Usage       `json:"usage"`
}

// StreamChunk is one frame of a streaming completion. Exactly one of Delta,
// ToolCall, or Usage is set; Usage marks the terminal frame.
type StreamChunk struct {
	Delta    string    `json:"delta,omitempty"`
	ToolCall *ToolCall `json:"tool_call,omitempty"`
	Usage    *Usage    `json:"usage,omitempty"`
}
