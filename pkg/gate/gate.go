// Package gate mediates every side-effect action an agent takes: it
// classifies the action, enforces approval policy, executes the action, and
// writes a redacted audit record. Nothing with side effects runs outside
// Execute.
package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mycosoft/mascore/pkg/config"
	"github.com/mycosoft/mascore/pkg/logging"
	"github.com/mycosoft/mascore/pkg/masking"
	"github.com/mycosoft/mascore/pkg/metrics"
	"github.com/mycosoft/mascore/pkg/models"
	"github.com/mycosoft/mascore/pkg/store"
)

// ActionCall describes one side-effect action to run through the gate.
type ActionCall struct {
	AgentID    string
	TaskID     string
	ActionType string
	Inputs     json.RawMessage
}

// decision resolves one pending approval.
type decision struct {
	approved bool
	approver string
	reason   string
}

// Gate classifies, approves, executes, and audits actions.
type Gate struct {
	cfg     *config.ApprovalConfig
	audit   store.AuditRepo
	masker  *masking.Masker
	metrics *metrics.Registry

	mu      sync.Mutex
	pending map[string]chan decision
}

// New creates a gate.
func New(cfg *config.ApprovalConfig, audit store.AuditRepo, masker *masking.Masker, m *metrics.Registry) *Gate {
	return &Gate{
		cfg:     cfg,
		audit:   audit,
		masker:  masker,
		metrics: m,
		pending: make(map[string]chan decision),
	}
}

// Execute runs the action through the full gate pipeline. The returned bytes
// are fn's raw output; the audit record stores redacted copies of inputs and
// outputs. An approval-gated action blocks until approved, rejected, or the
// approval wait elapses.
func (g *Gate) Execute(ctx context.Context, call ActionCall, fn func(context.Context) (json.RawMessage, error)) (json.RawMessage, error) {
	category := g.Classify(call.ActionType)
	record := &models.ActionRecord{
		ActionID:      uuid.NewString(),
		CorrelationID: logging.CorrelationID(ctx),
		AgentID:       call.AgentID,
		TaskID:        call.TaskID,
		ActionType:    call.ActionType,
		Category:      category,
		Inputs:        g.masker.Mask(string(call.Inputs)),
		Status:        models.ActionPending,
		CreatedAt:     time.Now(),
	}
	g.save(ctx, record)

	log := logging.Logger(ctx).With(
		"action_id", record.ActionID,
		"action_type", call.ActionType,
		"category", category,
		"agent_id", call.AgentID)

	if g.cfg.Requires(category) {
		approver, err := g.awaitApproval(ctx, record.ActionID)
		if err != nil {
			record.Status = models.ActionRejected
			record.Approver = approver
			record.Error = err.Error()
			g.save(ctx, record)
			g.metrics.ToolExecutions.WithLabelValues(call.ActionType, "rejected").Inc()
			log.Warn("Action rejected", "error", err)
			return nil, err
		}
		record.Status = models.ActionApproved
		record.Approver = approver
		g.save(ctx, record)
		log.Info("Action approved", "approver", approver)
	}

	started := time.Now()
	outputs, err := fn(ctx)
	record.ExecutedAt = time.Now()
	record.DurationMS = time.Since(started).Milliseconds()
	record.Outputs = g.masker.Mask(string(outputs))

	if err != nil {
		record.Status = models.ActionFailed
		record.Error = g.masker.Mask(err.Error())
		g.save(ctx, record)
		g.metrics.ToolExecutions.WithLabelValues(call.ActionType, "failed").Inc()
		log.Error("Action failed", "error", err, "duration_ms", record.DurationMS)
		return outputs, err
	}

	record.Status = models.ActionExecuted
	g.save(ctx, record)
	g.metrics.ToolExecutions.WithLabelValues(call.ActionType, "executed").Inc()
	log.Info("Action executed", "duration_ms", record.DurationMS)
	return outputs, nil
}

// awaitApproval blocks until a decision arrives or the wait elapses.
func (g *Gate) awaitApproval(ctx context.Context, actionID string) (string, error) {
	ch := make(chan decision, 1)
	g.mu.Lock()
	g.pending[actionID] = ch
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.pending, actionID)
		g.mu.Unlock()
	}()

	timer := time.NewTimer(g.cfg.Wait)
	defer timer.Stop()

	select {
	case d := <-ch:
		if !d.approved {
			return d.approver, models.NewError(models.KindApprovalRejected,
				fmt.Sprintf("action rejected: %s", d.reason))
		}
		return d.approver, nil
	case <-timer.C:
		return "", models.NewError(models.KindApprovalRejected, "ApprovalTimeout")
	case <-ctx.Done():
		return "", models.WrapError(models.KindCancelled, "approval wait cancelled", ctx.Err())
	}
}

// Approve resolves a pending action.
func (g *Gate) Approve(actionID, approver string) error {
	return g.decide(actionID, decision{approved: true, approver: approver})
}

// Reject resolves a pending action negatively.
func (g *Gate) Reject(actionID, approver, reason string) error {
	return g.decide(actionID, decision{approved: false, approver: approver, reason: reason})
}

func (g *Gate) decide(actionID string, d decision) error {
	g.mu.Lock()
	ch, ok := g.pending[actionID]
	if ok {
		delete(g.pending, actionID)
	}
	g.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: no pending approval for action %s", store.ErrNotFound, actionID)
	}
	ch <- d
	return nil
}

// Pending returns the ids of actions waiting for approval.
func (g *Gate) Pending() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]string, 0, len(g.pending))
	for id := range g.pending {
		out = append(out, id)
	}
	return out
}

// save writes the audit record; a storage failure never blocks the action
// pipeline, it only logs.
func (g *Gate) save(ctx context.Context, record *models.ActionRecord) {
	if err := g.audit.Save(ctx, record); err != nil {
		logging.Logger(ctx).Error("Failed to write audit record",
			"action_id", record.ActionID, "error", err)
	}
}
