// Package agent defines the contract every in-process agent implements and
// the runtime that drives envelopes from a mailbox into handler code.
package agent

import (
	"context"

	"github.com/mycosoft/mascore/pkg/models"
)

// Envelope header keys and values used by the dispatch protocol between the
// scheduler and agent runtimes.
const (
	HeaderType = "type"

	TypeTaskDispatch = "task.dispatch"
	TypeTaskCancel   = "task.cancel"
)

// Agent is the minimal contract the supervisor and runtime drive. Descriptor
// must be stable for the lifetime of the instance; lifecycle methods are
// called exactly once per instance by the supervisor.
type Agent interface {
	Descriptor() models.AgentDescriptor

	// Initialize prepares the agent for work. Called before the runtime
	// starts reading the mailbox.
	Initialize(ctx context.Context) error

	// Shutdown releases resources. The runtime has stopped reading by the
	// time this is called.
	Shutdown(ctx context.Context) error

	// Health answers the supervisor's probe.
	Health(ctx context.Context) models.HealthReport

	// HandleEnvelope processes a non-task envelope. A non-nil return is sent
	// back on the bus.
	HandleEnvelope(ctx context.Context, env *models.Envelope) (*models.Envelope, error)
}

// TaskHandler is implemented by agents that accept scheduler dispatches.
type TaskHandler interface {
	HandleTask(ctx context.Context, task *models.Task) *models.TaskResult
}

// Factory builds a fresh agent instance. The supervisor uses factories to
// restart failed agents with clean state.
type Factory func() Agent
