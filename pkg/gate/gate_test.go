package gate

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mycosoft/mascore/pkg/config"
	"github.com/mycosoft/mascore/pkg/masking"
	"github.com/mycosoft/mascore/pkg/metrics"
	"github.com/mycosoft/mascore/pkg/models"
	"github.com/mycosoft/mascore/pkg/store"
	"github.com/mycosoft/mascore/pkg/store/inmemory"
)

func testGate(t *testing.T, wait time.Duration) (*Gate, store.AuditRepo) {
	t.Helper()
	audit := inmemory.NewRelational().Audit()
	g := New(&config.ApprovalConfig{
		RequiredFor: []models.ActionCategory{models.CategoryRisky},
		Wait:        wait,
		Actions:     map[string]models.ActionCategory{"sensor.read": models.CategoryRead},
	}, audit, masking.New(nil), metrics.New())
	return g, audit
}

func lastRecord(t *testing.T, audit store.AuditRepo) *models.ActionRecord {
	t.Helper()
	records, err := audit.ListRecent(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	return records[0]
}

func TestExecuteAuditsSuccess(t *testing.T) {
	g, audit := testGate(t, time.Second)

	out, err := g.Execute(context.Background(), ActionCall{
		AgentID:    "agent-1",
		ActionType: "memory.put",
		Inputs:     json.RawMessage(`{"key":"k"}`),
	}, func(_ context.Context) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(out))

	record := lastRecord(t, audit)
	assert.Equal(t, models.ActionExecuted, record.Status)
	assert.Equal(t, models.CategoryWrite, record.Category)
	assert.False(t, record.ExecutedAt.IsZero())
}

func TestExecuteAuditsFailure(t *testing.T) {
	g, audit := testGate(t, time.Second)

	_, err := g.Execute(context.Background(), ActionCall{
		AgentID:    "agent-1",
		ActionType: "memory.put",
	}, func(_ context.Context) (json.RawMessage, error) {
		return nil, errors.New("disk full")
	})
	require.Error(t, err)

	record := lastRecord(t, audit)
	assert.Equal(t, models.ActionFailed, record.Status)
	assert.Contains(t, record.Error, "disk full")
}

func TestExecuteRedactsSecrets(t *testing.T) {
	g, audit := testGate(t, time.Second)

	_, err := g.Execute(context.Background(), ActionCall{
		AgentID:    "agent-1",
		ActionType: "memory.put",
		Inputs:     json.RawMessage(`{"api_key": "sk-abc123supersecret"}`),
	}, func(_ context.Context) (json.RawMessage, error) {
		return json.RawMessage(`{"token": "Bearer xyz789secrettoken"}`), nil
	})
	require.NoError(t, err)

	record := lastRecord(t, audit)
	assert.NotContains(t, record.Inputs, "sk-abc123supersecret")
	assert.NotContains(t, record.Outputs, "xyz789secrettoken")
}

func TestRiskyActionWaitsForApproval(t *testing.T) {
	g, audit := testGate(t, 2*time.Second)

	type outcome struct {
		out json.RawMessage
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		out, err := g.Execute(context.Background(), ActionCall{
			AgentID:    "agent-1",
			ActionType: "shell.exec",
			Inputs:     json.RawMessage(`{"cmd":"ls"}`),
		}, func(_ context.Context) (json.RawMessage, error) {
			return json.RawMessage(`"listing"`), nil
		})
		done <- outcome{out, err}
	}()

	var pending []string
	require.Eventually(t, func() bool {
		pending = g.Pending()
		return len(pending) == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, g.Approve(pending[0], "operator@mycosoft"))

	result := <-done
	require.NoError(t, result.err)
	assert.Equal(t, json.RawMessage(`"listing"`), result.out)

	record := lastRecord(t, audit)
	assert.Equal(t, models.ActionExecuted, record.Status)
	assert.Equal(t, "operator@mycosoft", record.Approver)
}

func TestRejectedActionNeverRuns(t *testing.T) {
	g, audit := testGate(t, 2*time.Second)

	ran := false
	done := make(chan error, 1)
	go func() {
		_, err := g.Execute(context.Background(), ActionCall{
			AgentID:    "agent-1",
			ActionType: "shell.exec",
		}, func(_ context.Context) (json.RawMessage, error) {
			ran = true
			return nil, nil
		})
		done <- err
	}()

	var pending []string
	require.Eventually(t, func() bool {
		pending = g.Pending()
		return len(pending) == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, g.Reject(pending[0], "operator@mycosoft", "not on my watch"))

	err := <-done
	require.Error(t, err)
	assert.Equal(t, models.KindApprovalRejected, models.KindOf(err))
	assert.False(t, ran)

	record := lastRecord(t, audit)
	assert.Equal(t, models.ActionRejected, record.Status)
}

func TestApprovalTimeoutRejects(t *testing.T) {
	g, audit := testGate(t, 30*time.Millisecond)

	_, err := g.Execute(context.Background(), ActionCall{
		AgentID:    "agent-1",
		ActionType: "shell.exec",
	}, func(_ context.Context) (json.RawMessage, error) {
		return nil, nil
	})
	require.Error(t, err)
	assert.Equal(t, models.KindApprovalRejected, models.KindOf(err))
	assert.ErrorContains(t, err, "ApprovalTimeout")

	record := lastRecord(t, audit)
	assert.Equal(t, models.ActionRejected, record.Status)
	assert.Contains(t, record.Error, "ApprovalTimeout")
}

func TestDecideUnknownAction(t *testing.T) {
	g, _ := testGate(t, time.Second)
	assert.ErrorIs(t, g.Approve("nope", "op"), store.ErrNotFound)
	assert.ErrorIs(t, g.Reject("nope", "op", "r"), store.ErrNotFound)
}

func TestClassify(t *testing.T) {
	g, _ := testGate(t, time.Second)

	tests := []struct {
		actionType string
		want       models.ActionCategory
	}{
		{"memory.get", models.CategoryRead},
		{"memory.put", models.CategoryWrite},
		{"llm.complete", models.CategoryExternal},
		{"http.get", models.CategoryExternal},
		{"http.post", models.CategoryRisky},
		{"shell.exec", models.CategoryRisky},
		{"sensor.read", models.CategoryRead}, // configured override
		{"completely.unknown", models.CategoryRisky},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, g.Classify(tt.actionType), tt.actionType)
	}
}
