package api

import (
	"encoding/json"
	"time"

	"github.com/mycosoft/mascore/pkg/models"
)

// ErrorResponse is the uniform error envelope returned by every endpoint.
type ErrorResponse struct {
	Error         string         `json:"error"`
	Message       string         `json:"message"`
	CorrelationID string         `json:"correlation_id"`
	Details       map[string]any `json:"details,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// ReadyResponse is returned by GET /ready.
type ReadyResponse struct {
	Ready   bool     `json:"ready"`
	Failing []string `json:"failing,omitempty"`
}

// AgentResponse is the registry view of one agent.
type AgentResponse struct {
	Descriptor    models.AgentDescriptor `json:"descriptor"`
	Status        models.AgentStatus     `json:"status"`
	LastHeartbeat time.Time              `json:"last_heartbeat,omitzero"`
	LastHealth    models.HealthReport    `json:"last_health,omitzero"`
}

// TaskResponse is returned by the task endpoints. Result is resolved from
// its reference when the task stored it out of line.
type TaskResponse struct {
	*models.Task
	Result json.RawMessage `json:"result,omitempty"`
}

// ChatResponse is returned by POST /api/v1/chat.
type ChatResponse struct {
	ConversationID string       `json:"conversation_id"`
	Reply          string       `json:"reply"`
	Usage          models.Usage `json:"usage"`
	CorrelationID  string       `json:"correlation_id"`
	TaskID         string       `json:"task_id"`
}

// StreamFrame is one NDJSON frame of POST /api/v1/chat/stream. Exactly one
// of Delta, ToolCall, or Usage is set; the Usage frame is terminal and also
// carries the correlation id.
type StreamFrame struct {
	Delta         string           `json:"delta,omitempty"`
	ToolCall      *models.ToolCall `json:"tool_call,omitempty"`
	Usage         *models.Usage    `json:"usage,omitempty"`
	CorrelationID string           `json:"correlation_id,omitempty"`
}

// DecisionResponse is returned by action approve/reject.
type DecisionResponse struct {
	ActionID string `json:"action_id"`
	Status   string `json:"status"`
}

// PendingActionsResponse is returned by GET /api/v1/actions/pending.
type PendingActionsResponse struct {
	ActionIDs []string `json:"action_ids"`
}
