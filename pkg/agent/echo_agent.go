package agent

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mycosoft/mascore/pkg/models"
)

// EchoAgent answers every request with its own payload. It exists to verify
// bus plumbing end to end and serves as the reference agent implementation.
type EchoAgent struct {
	id string
}

// NewEchoAgent creates an echo agent with the given id.
func NewEchoAgent(id string) *EchoAgent {
	return &EchoAgent{id: id}
}

func (a *EchoAgent) Descriptor() models.AgentDescriptor {
	return models.AgentDescriptor{
		AgentID:      a.id,
		Name:         "echo",
		Kind:         "echo",
		Version:      "1.0.0",
		Capabilities: []string{"echo"},
		Limits:       models.DeclaredLimits{MaxInFlight: 4, QueueDepth: 16, BaseTimeout: 5 * time.Second},
	}
}

func (a *EchoAgent) Initialize(_ context.Context) error { return nil }
func (a *EchoAgent) Shutdown(_ context.Context) error   { return nil }

func (a *EchoAgent) Health(_ context.Context) models.HealthReport {
	return models.HealthReport{State: models.HealthOK}
}

func (a *EchoAgent) HandleEnvelope(_ context.Context, env *models.Envelope) (*models.Envelope, error) {
	if env.Kind != models.KindRequest {
		return nil, nil
	}
	return env.Reply(env.Payload), nil
}

// HandleTask echoes the task payload back as the result.
func (a *EchoAgent) HandleTask(ctx context.Context, task *models.Task) *models.TaskResult {
	select {
	case <-ctx.Done():
		return &models.TaskResult{ErrorKind: models.KindCancelled, Error: ctx.Err().Error()}
	default:
	}

	payload := task.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`null`)
	}
	return &models.TaskResult{Result: payload}
}
