package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTaskStateTransitions(t *testing.T) {
	tests := []struct {
		name    string
		from    TaskState
		to      TaskState
		allowed bool
	}{
		{"pending to routed", TaskPending, TaskRouted, true},
		{"routed to running", TaskRouted, TaskRunning, true},
		{"routed back to pending on re-route", TaskRouted, TaskPending, true},
		{"running to succeeded", TaskRunning, TaskSucceeded, true},
		{"running back to pending on retry", TaskRunning, TaskPending, true},
		{"pending to expired", TaskPending, TaskExpired, true},
		{"succeeded is terminal", TaskSucceeded, TaskRunning, false},
		{"cancelled is terminal", TaskCancelled, TaskPending, false},
		{"no pending to running shortcut", TaskPending, TaskRunning, false},
		{"no regression succeeded to pending", TaskSucceeded, TaskPending, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransition(tt.to))
		})
	}
}

func TestTaskStateTerminal(t *testing.T) {
	terminal := []TaskState{TaskSucceeded, TaskFailed, TaskCancelled, TaskExpired}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), "%s should be terminal", s)
	}
	for _, s := range []TaskState{TaskPending, TaskRouted, TaskRunning} {
		assert.False(t, s.Terminal(), "%s should not be terminal", s)
	}
}

func TestAgentStatusTransitions(t *testing.T) {
	assert.True(t, StatusInitializing.CanTransition(StatusReady))
	assert.True(t, StatusReady.CanTransition(StatusBusy))
	assert.True(t, StatusBusy.CanTransition(StatusReady))
	assert.True(t, StatusBusy.CanTransition(StatusDegraded))
	assert.True(t, StatusDegraded.CanTransition(StatusReady))
	assert.True(t, StatusDegraded.CanTransition(StatusQuarantined))
	assert.True(t, StatusQuarantined.CanTransition(StatusStopped))

	assert.False(t, StatusQuarantined.CanTransition(StatusReady))
	assert.False(t, StatusStopped.CanTransition(StatusReady))
	assert.False(t, StatusInitializing.CanTransition(StatusBusy))
}

func TestAgentStatusRoutable(t *testing.T) {
	assert.True(t, StatusReady.Routable(PriorityHigh))
	assert.True(t, StatusBusy.Routable(PriorityNormal))
	assert.True(t, StatusDegraded.Routable(PriorityLow))
	assert.False(t, StatusDegraded.Routable(PriorityNormal))
	assert.False(t, StatusQuarantined.Routable(PriorityLow))
	assert.False(t, StatusStopped.Routable(PriorityLow))
}

func TestEnvelopeReply(t *testing.T) {
	req := NewEnvelope("scheduler", "agent-1", KindRequest, []byte(`{"n":1}`))
	req.CorrelationID = "corr-1"

	resp := req.Reply([]byte(`{"ok":true}`))

	assert.Equal(t, KindResponse, resp.Kind)
	assert.Equal(t, req.EnvelopeID, resp.InReplyTo)
	assert.Equal(t, "corr-1", resp.CorrelationID)
	assert.Equal(t, "agent-1", resp.From)
	assert.Equal(t, "scheduler", resp.To)
	assert.NotEqual(t, req.EnvelopeID, resp.EnvelopeID)
}

func TestEnvelopeExpired(t *testing.T) {
	env := NewEnvelope("a", "b", KindRequest, nil)
	assert.False(t, env.Expired(time.Now()), "no deadline never expires")

	env.Deadline = time.Now().Add(-time.Second)
	assert.True(t, env.Expired(time.Now()))

	env.Deadline = time.Now().Add(time.Hour)
	assert.False(t, env.Expired(time.Now()))
}

func TestErrorKindRetryable(t *testing.T) {
	retryable := []ErrorKind{KindBackpressured, KindOverloaded, KindProviderUnavailable, KindTimedOut, KindDeadlineExceeded}
	for _, k := range retryable {
		assert.True(t, k.Retryable(), "%s should be retryable", k)
	}
	for _, k := range []ErrorKind{KindValidation, KindNotFound, KindCancelled, KindApprovalRejected, KindInternal} {
		assert.False(t, k.Retryable(), "%s should not be retryable", k)
	}
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, ErrorKind(""), KindOf(nil))
	assert.Equal(t, KindNotFound, KindOf(NewError(KindNotFound, "missing")))
	assert.Equal(t, KindValidation, KindOf(WrapError(KindValidation, "bad input", assert.AnError)))
	assert.Equal(t, KindInternal, KindOf(assert.AnError))
}
