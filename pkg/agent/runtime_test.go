package agent

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mycosoft/mascore/pkg/bus"
	"github.com/mycosoft/mascore/pkg/config"
	"github.com/mycosoft/mascore/pkg/metrics"
	"github.com/mycosoft/mascore/pkg/models"
)

func testBus(t *testing.T) *bus.Bus {
	t.Helper()
	b := bus.New(&config.BusConfig{
		MailboxCapacity:        16,
		PubSubSubscriberBuffer: 8,
		SendBudget:             50 * time.Millisecond,
	}, metrics.New())
	t.Cleanup(b.Close)
	return b
}

func startRuntime(t *testing.T, b *bus.Bus, a Agent) *Runtime {
	t.Helper()
	mailbox, err := b.Register(a.Descriptor().AgentID, 0)
	require.NoError(t, err)

	rt := NewRuntime(a, mailbox, b, metrics.New())
	rt.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = rt.Stop(ctx)
	})
	return rt
}

func dispatchEnvelope(task *models.Task, to string) *models.Envelope {
	payload, _ := json.Marshal(task)
	env := models.NewEnvelope("scheduler", to, models.KindRequest, payload)
	env.CorrelationID = task.CorrelationID
	env.Headers = map[string]string{HeaderType: TypeTaskDispatch}
	env.Deadline = time.Now().Add(time.Second)
	return env
}

func TestRuntimeDispatchesTask(t *testing.T) {
	b := testBus(t)
	startRuntime(t, b, NewEchoAgent("echo-1"))

	task := &models.Task{
		TaskID:        "t1",
		Capability:    "echo",
		Payload:       []byte(`{"text":"hello"}`),
		CorrelationID: "corr-1",
	}

	resp, err := b.Request(context.Background(), dispatchEnvelope(task, "echo-1"))
	require.NoError(t, err)

	var result models.TaskResult
	require.NoError(t, json.Unmarshal(resp.Payload, &result))
	assert.False(t, result.Failed())
	assert.JSONEq(t, `{"text":"hello"}`, string(result.Result))
}

func TestRuntimeRepliesToPlainRequests(t *testing.T) {
	b := testBus(t)
	startRuntime(t, b, NewEchoAgent("echo-1"))

	req := models.NewEnvelope("caller", "echo-1", models.KindRequest, []byte(`"ping"`))
	req.Deadline = time.Now().Add(time.Second)

	resp, err := b.Request(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []byte(`"ping"`), []byte(resp.Payload))
}

type panicAgent struct {
	EchoAgent
}

func newPanicAgent(id string) *panicAgent {
	return &panicAgent{EchoAgent: *NewEchoAgent(id)}
}

func (a *panicAgent) HandleTask(_ context.Context, _ *models.Task) *models.TaskResult {
	panic("boom")
}

func TestRuntimeSurvivesHandlerPanic(t *testing.T) {
	b := testBus(t)
	startRuntime(t, b, newPanicAgent("panicky"))

	task := &models.Task{TaskID: "t1", Capability: "echo"}
	resp, err := b.Request(context.Background(), dispatchEnvelope(task, "panicky"))
	require.NoError(t, err)

	var result models.TaskResult
	require.NoError(t, json.Unmarshal(resp.Payload, &result))
	assert.Equal(t, models.KindInternal, result.ErrorKind)

	// The runtime keeps serving after the panic.
	task2 := &models.Task{TaskID: "t2", Capability: "echo"}
	_, err = b.Request(context.Background(), dispatchEnvelope(task2, "panicky"))
	require.NoError(t, err)
}

func TestRuntimeReportsPanicsToCallback(t *testing.T) {
	b := testBus(t)
	mailbox, err := b.Register("panicky", 0)
	require.NoError(t, err)

	reasons := make(chan string, 4)
	rt := NewRuntime(newPanicAgent("panicky"), mailbox, b, metrics.New())
	rt.OnFailure(func(reason string) { reasons <- reason })
	rt.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = rt.Stop(ctx)
	})

	task := &models.Task{TaskID: "t1", Capability: "echo"}
	_, err = b.Request(context.Background(), dispatchEnvelope(task, "panicky"))
	require.NoError(t, err)

	select {
	case reason := <-reasons:
		assert.Contains(t, reason, "boom")
	case <-time.After(time.Second):
		t.Fatal("panic never reached the failure callback")
	}
}

type slowAgent struct {
	EchoAgent
	started chan string
}

func newSlowAgent(id string) *slowAgent {
	return &slowAgent{EchoAgent: *NewEchoAgent(id), started: make(chan string, 8)}
}

func (a *slowAgent) HandleTask(ctx context.Context, task *models.Task) *models.TaskResult {
	a.started <- task.TaskID
	select {
	case <-ctx.Done():
		return &models.TaskResult{ErrorKind: models.KindCancelled, Error: "cancelled"}
	case <-time.After(5 * time.Second):
		return &models.TaskResult{Result: []byte(`"done"`)}
	}
}

func TestRuntimeCancelsRunningTask(t *testing.T) {
	b := testBus(t)
	startRuntime(t, b, newSlowAgent("slow-1"))
	ctx := context.Background()

	task := &models.Task{TaskID: "t1", Capability: "echo", CorrelationID: "c1"}
	env := dispatchEnvelope(task, "slow-1")
	env.Deadline = time.Now().Add(10 * time.Second)

	respCh := make(chan *models.Envelope, 1)
	go func() {
		resp, err := b.Request(ctx, env)
		if err == nil {
			respCh <- resp
		}
	}()

	// Send the cancel once the task is running.
	agent := models.NewEnvelope("scheduler", "slow-1", models.KindEvent, []byte(`{"task_id":"t1"}`))
	agent.Headers = map[string]string{HeaderType: TypeTaskCancel}
	time.Sleep(20 * time.Millisecond)
	_, err := b.Send(ctx, agent)
	require.NoError(t, err)

	select {
	case resp := <-respCh:
		var result models.TaskResult
		require.NoError(t, json.Unmarshal(resp.Payload, &result))
		assert.Equal(t, models.KindCancelled, result.ErrorKind)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a cancelled result")
	}
}

func TestRuntimeRejectsTasksForNonTaskAgents(t *testing.T) {
	b := testBus(t)

	// An agent without HandleTask.
	a := &envelopeOnlyAgent{}
	startRuntime(t, b, a)

	task := &models.Task{TaskID: "t1", Capability: "none"}
	resp, err := b.Request(context.Background(), dispatchEnvelope(task, "env-only"))
	require.NoError(t, err)

	var result models.TaskResult
	require.NoError(t, json.Unmarshal(resp.Payload, &result))
	assert.Equal(t, models.KindValidation, result.ErrorKind)
}

type envelopeOnlyAgent struct{}

func (a *envelopeOnlyAgent) Descriptor() models.AgentDescriptor {
	return models.AgentDescriptor{AgentID: "env-only", Name: "env-only", Kind: "test"}
}
func (a *envelopeOnlyAgent) Initialize(_ context.Context) error { return nil }
func (a *envelopeOnlyAgent) Shutdown(_ context.Context) error   { return nil }
func (a *envelopeOnlyAgent) Health(_ context.Context) models.HealthReport {
	return models.HealthReport{State: models.HealthOK}
}
func (a *envelopeOnlyAgent) HandleEnvelope(_ context.Context, _ *models.Envelope) (*models.Envelope, error) {
	return nil, nil
}

func TestRuntimeHealthReportsInFlight(t *testing.T) {
	b := testBus(t)
	rt := startRuntime(t, b, newSlowAgent("slow-2"))
	ctx := context.Background()

	task := &models.Task{TaskID: "t1", Capability: "echo"}
	env := dispatchEnvelope(task, "slow-2")
	env.Deadline = time.Now().Add(10 * time.Second)
	go func() { _, _ = b.Request(ctx, env) }()

	require.Eventually(t, func() bool {
		return rt.InFlight() == 1
	}, time.Second, 10*time.Millisecond)

	report := rt.Health(ctx)
	assert.Equal(t, models.HealthOK, report.State)
	assert.Equal(t, 1, report.InFlight)
	assert.False(t, report.ReportedAt.IsZero())
}

func TestRuntimeStopWaitsForHandlers(t *testing.T) {
	b := testBus(t)
	a := NewEchoAgent("echo-stop")
	mailbox, err := b.Register("echo-stop", 0)
	require.NoError(t, err)

	rt := NewRuntime(a, mailbox, b, metrics.New())
	rt.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, rt.Stop(ctx))
}
