package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mycosoft/mascore/pkg/logging"
	"github.com/mycosoft/mascore/pkg/models"
)

// HistoryLimit caps the number of prior turns replayed to the model.
const HistoryLimit = 20

// Completer is the slice of the LLM gateway the chat agent needs.
type Completer interface {
	Complete(ctx context.Context, role models.RoleTag, req *models.LLMRequest) (*models.LLMResponse, error)
}

// ConversationMemory is the slice of the memory subsystem the chat agent
// needs: session history storage keyed by conversation id.
type ConversationMemory interface {
	Put(ctx context.Context, item models.MemoryItem) error
	Get(ctx context.Context, layer models.MemoryLayer, key string) (*models.MemoryItem, error)
}

// ChatRequest is the task payload the chat agent accepts.
type ChatRequest struct {
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
}

// ChatReply is the task result payload.
type ChatReply struct {
	ConversationID string       `json:"conversation_id"`
	Reply          string       `json:"reply"`
	Usage          models.Usage `json:"usage"`
}

// ChatAgent turns conversation turns into LLM calls, keeping per-conversation
// history in session memory.
type ChatAgent struct {
	id        string
	completer Completer
	memory    ConversationMemory
}

// NewChatAgent creates a chat agent backed by the gateway and memory.
func NewChatAgent(id string, completer Completer, memory ConversationMemory) *ChatAgent {
	return &ChatAgent{id: id, completer: completer, memory: memory}
}

func (a *ChatAgent) Descriptor() models.AgentDescriptor {
	return models.AgentDescriptor{
		AgentID:      a.id,
		Name:         "chat",
		Kind:         "chat",
		Version:      "1.0.0",
		Capabilities: []string{"chat"},
		Limits:       models.DeclaredLimits{MaxInFlight: 2, QueueDepth: 8, BaseTimeout: 60 * time.Second},
	}
}

func (a *ChatAgent) Initialize(_ context.Context) error { return nil }
func (a *ChatAgent) Shutdown(_ context.Context) error   { return nil }

func (a *ChatAgent) Health(_ context.Context) models.HealthReport {
	return models.HealthReport{State: models.HealthOK}
}

func (a *ChatAgent) HandleEnvelope(_ context.Context, _ *models.Envelope) (*models.Envelope, error) {
	return nil, nil
}

// HandleTask runs one conversation turn.
func (a *ChatAgent) HandleTask(ctx context.Context, task *models.Task) *models.TaskResult {
	var req ChatRequest
	if err := json.Unmarshal(task.Payload, &req); err != nil {
		return &models.TaskResult{ErrorKind: models.KindValidation, Error: "malformed chat payload"}
	}
	if req.ConversationID == "" || req.Message == "" {
		return &models.TaskResult{ErrorKind: models.KindValidation, Error: "conversation_id and message are required"}
	}

	log := logging.Logger(ctx).With("agent_id", a.id, "conversation_id", req.ConversationID)

	history := LoadHistory(ctx, a.memory, req.ConversationID)
	history = append(history, models.ChatMessage{Role: models.ChatRoleUser, Content: req.Message})

	resp, err := a.completer.Complete(ctx, models.RoleExecution, &models.LLMRequest{Messages: history})
	if err != nil {
		log.Error("Chat completion failed", "error", err)
		return &models.TaskResult{ErrorKind: models.KindOf(err), Error: err.Error()}
	}

	history = append(history, models.ChatMessage{Role: models.ChatRoleAssistant, Content: resp.Text})
	SaveHistory(ctx, a.memory, req.ConversationID, history)

	payload, err := json.Marshal(&ChatReply{
		ConversationID: req.ConversationID,
		Reply:          resp.Text,
		Usage:          resp.Usage,
	})
	if err != nil {
		return &models.TaskResult{ErrorKind: models.KindInternal, Error: "failed to encode reply"}
	}
	return &models.TaskResult{Result: payload}
}

// LoadHistory returns the stored history of a conversation, trimmed to the
// replay limit. Missing or unreadable history yields an empty slate.
func LoadHistory(ctx context.Context, mem ConversationMemory, conversationID string) []models.ChatMessage {
	item, err := mem.Get(ctx, models.LayerSession, HistoryKey(conversationID))
	if err != nil {
		return nil
	}

	var history []models.ChatMessage
	if err := json.Unmarshal(item.Value, &history); err != nil {
		logging.Logger(ctx).Warn("Discarding unreadable chat history", "conversation_id", conversationID)
		return nil
	}
	if len(history) > HistoryLimit {
		history = history[len(history)-HistoryLimit:]
	}
	return history
}

// SaveHistory is best effort: a memory outage degrades continuity, not the
// reply itself.
func SaveHistory(ctx context.Context, mem ConversationMemory, conversationID string, history []models.ChatMessage) {
	if len(history) > HistoryLimit {
		history = history[len(history)-HistoryLimit:]
	}
	value, err := json.Marshal(history)
	if err != nil {
		return
	}
	err = mem.Put(ctx, models.MemoryItem{
		Layer:      models.LayerSession,
		Key:        HistoryKey(conversationID),
		Value:      value,
		OwnerScope: conversationID,
	})
	if err != nil {
		logging.Logger(ctx).Warn("Failed to persist chat history",
			"conversation_id", conversationID, "error", err)
	}
}

// HistoryKey is the session-layer key holding a conversation's history.
func HistoryKey(conversationID string) string {
	return fmt.Sprintf("chat:%s:history", conversationID)
}
