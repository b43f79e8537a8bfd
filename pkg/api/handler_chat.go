package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/mycosoft/mascore/pkg/agent"
	"github.com/mycosoft/mascore/pkg/models"
)

const (
	// chatCapability routes chat turns to the chat agent.
	chatCapability = "chat"

	// taskPollInterval paces the wait for a submitted chat task.
	taskPollInterval = 25 * time.Millisecond
)

func bindChatRequest(c *echo.Context) (*ChatSendRequest, error) {
	var req ChatSendRequest
	if err := c.Bind(&req); err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.ConversationID == "" {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "conversation_id is required")
	}
	if req.Message == "" {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "message is required")
	}
	return &req, nil
}

// chatHandler handles POST /api/v1/chat. The turn runs through the full
// pipeline: a chat task is submitted and the handler waits for its terminal
// state, bounded by the request context.
func (s *Server) chatHandler(c *echo.Context) error {
	req, err := bindChatRequest(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()

	payload, err := json.Marshal(&agent.ChatRequest{
		ConversationID: req.ConversationID,
		Message:        req.Message,
	})
	if err != nil {
		return models.WrapError(models.KindInternal, "failed to encode chat payload", err)
	}

	task, err := s.scheduler.Submit(ctx, models.TaskSpec{
		Capability: chatCapability,
		Payload:    payload,
	})
	if err != nil {
		return err
	}

	final, err := s.awaitTask(c, task.TaskID)
	if err != nil {
		return err
	}
	if final.State != models.TaskSucceeded {
		return taskOutcomeError(final)
	}

	result, err := s.scheduler.Result(ctx, final)
	if err != nil {
		return err
	}
	var reply agent.ChatReply
	if err := json.Unmarshal(result, &reply); err != nil {
		return models.WrapError(models.KindInternal, "malformed chat reply", err)
	}

	return c.JSON(http.StatusOK, &ChatResponse{
		ConversationID: reply.ConversationID,
		Reply:          reply.Reply,
		Usage:          reply.Usage,
		CorrelationID:  final.CorrelationID,
		TaskID:         final.TaskID,
	})
}

// awaitTask polls until the task reaches a terminal state or the request
// context ends.
func (s *Server) awaitTask(c *echo.Context, taskID string) (*models.Task, error) {
	ctx := c.Request().Context()
	ticker := time.NewTicker(taskPollInterval)
	defer ticker.Stop()

	for {
		task, err := s.scheduler.Status(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if task.State.Terminal() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return nil, models.WrapError(models.KindTimedOut,
				"request ended while waiting for task "+taskID, ctx.Err())
		case <-ticker.C:
		}
	}
}

// taskOutcomeError converts a non-succeeded terminal task into the error
// envelope, recovering the failure kind when the state reason carries one.
func taskOutcomeError(task *models.Task) error {
	message := task.LastError
	if message == "" {
		message = task.StateReason
	}

	switch task.State {
	case models.TaskCancelled:
		return models.NewError(models.KindCancelled, message)
	case models.TaskExpired:
		return models.NewError(models.KindDeadlineExceeded, message)
	default:
		kind := models.ErrorKind(task.StateReason)
		if _, known := kindStatus[kind]; !known {
			kind = models.KindInternal
		}
		return models.NewError(kind, message)
	}
}

// chatStreamHandler handles POST /api/v1/chat/stream. The turn bypasses the
// scheduler and streams straight from the gateway as NDJSON frames; the
// terminal usage frame carries the correlation id. History is shared with
// the non-streaming path.
func (s *Server) chatStreamHandler(c *echo.Context) error {
	req, err := bindChatRequest(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()

	history := agent.LoadHistory(ctx, s.memory, req.ConversationID)
	history = append(history, models.ChatMessage{Role: models.ChatRoleUser, Content: req.Message})

	chunks, err := s.gateway.Stream(ctx, models.RoleExecution, &models.LLMRequest{Messages: history})
	if err != nil {
		return err
	}

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "application/x-ndjson")
	resp.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(resp)
	enc := json.NewEncoder(resp)
	correlationID := resp.Header().Get(HeaderCorrelationID)

	var reply strings.Builder
	for chunk := range chunks {
		frame := StreamFrame{Delta: chunk.Delta, ToolCall: chunk.ToolCall}
		if chunk.Usage != nil {
			frame.Usage = chunk.Usage
			frame.CorrelationID = correlationID
		}
		reply.WriteString(chunk.Delta)

		if err := enc.Encode(&frame); err != nil {
			// Client went away; the relay drains on context cancellation.
			return nil
		}
		_ = rc.Flush()
	}

	if reply.Len() > 0 {
		history = append(history, models.ChatMessage{Role: models.ChatRoleAssistant, Content: reply.String()})
		agent.SaveHistory(ctx, s.memory, req.ConversationID, history)
	}
	return nil
}
