package models

import "time"

// ActionCategory classifies a side-effect action for gate policy.
type ActionCategory string

// Action categories.
const (
	CategoryRead     ActionCategory = "read"
	CategoryWrite    ActionCategory = "write"
	CategoryExternal ActionCategory = "external"
	CategoryRisky    ActionCategory = "risky"
)

// Valid reports whether the category is one of the known values.
func (c ActionCategory) Valid() bool {
	switch c {
	case CategoryRead, CategoryWrite, CategoryExternal, CategoryRisky:
		return true
	}
	return false
}

// ActionStatus is the gate-owned lifecycle of an action record.
type ActionStatus string

// Action statuses. A risky action must pass Approved before Executed when
// approvals are enabled.
const (
	ActionPending  ActionStatus = "pending"
	ActionApproved ActionStatus = "approved"
	ActionRejected ActionStatus = "rejected"
	ActionExecuted ActionStatus = "executed"
	ActionFailed   ActionStatus = "failed"
)

// ActionRecord is the append-only audit entry for one gated side effect.
// Inputs and outputs are stored redacted.
type ActionRecord struct {
	ActionID      string         `json:"action_id"`
	CorrelationID string         `json:"correlation_id"`
	AgentID       string         `json:"agent_id"`
	TaskID        string         `json:"task_id,omitempty"`
	ActionType    string         `json:"action_type"`
	Category      ActionCategory `json:"category"`
	Inputs        string         `json:"inputs,omitempty"`
	Outputs       string         `json:"outputs,omitempty"`
	Status        ActionStatus   `json:"status"`
	Approver      string         `json:"approver,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	ExecutedAt    time.Time      `json:"executed_at,omitzero"`
	DurationMS    int64          `json:"duration_ms,omitempty"`
	Error         string         `json:"error,omitempty"`
}

// FeedbackRecord is one append-only feedback entry on a conversation.
type FeedbackRecord struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	AgentID        string    `json:"agent_id"`
	Rating         int       `json:"rating"`
	Success        bool      `json:"success"`
	Notes          string    `json:"notes,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// FeedbackSummary is the aggregate read model over feedback records.
type FeedbackSummary struct {
	Count         int     `json:"count"`
	AverageRating float64 `json:"average_rating"`
	SuccessRate   float64 `json:"success_rate"`
}
