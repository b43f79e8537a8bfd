package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/require"

	"github.com/mycosoft/mascore/pkg/agent"
	"github.com/mycosoft/mascore/pkg/bus"
	"github.com/mycosoft/mascore/pkg/config"
	"github.com/mycosoft/mascore/pkg/gate"
	"github.com/mycosoft/mascore/pkg/llm"
	"github.com/mycosoft/mascore/pkg/masking"
	"github.com/mycosoft/mascore/pkg/memory"
	"github.com/mycosoft/mascore/pkg/metrics"
	"github.com/mycosoft/mascore/pkg/models"
	"github.com/mycosoft/mascore/pkg/registry"
	"github.com/mycosoft/mascore/pkg/scheduler"
	"github.com/mycosoft/mascore/pkg/services"
	"github.com/mycosoft/mascore/pkg/store/inmemory"
)

// serverFixture assembles the full control plane over in-memory stores and
// a mock LLM provider.
type serverFixture struct {
	cfg       *config.Config
	server    *Server
	bus       *bus.Bus
	registry  *registry.Registry
	scheduler *scheduler.Scheduler
	gateway   *llm.Gateway
	gate      *gate.Gate
	memory    *memory.Service
	metrics   *metrics.Registry
	primary   *llm.Mock
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Scheduler.DefaultTaskDeadline = 5 * time.Second
	cfg.Scheduler.BackoffBase = 10 * time.Millisecond
	cfg.Scheduler.BackoffMax = 50 * time.Millisecond
	cfg.Scheduler.AdmissionBudget = 200 * time.Millisecond
	cfg.Scheduler.RouteRetryWait = 20 * time.Millisecond
	cfg.Approval.Wait = 5 * time.Second
	cfg.LLM = &config.LLMConfig{
		Providers: map[string]config.LLMProviderConfig{
			"primary": {
				Kind:         "mock",
				ModelAliases: map[string]string{"chat": "model-a", "embed": "embed-a"},
			},
		},
		Roles: map[models.RoleTag]string{
			models.RoleExecution: "primary/chat",
			models.RoleEmbedding: "primary/embed",
		},
		Policy:         "by_role",
		RequestTimeout: 5 * time.Second,
	}
	return cfg
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	cfg := testConfig()

	m := metrics.New()
	b := bus.New(cfg.Bus, m)
	t.Cleanup(b.Close)

	rel := inmemory.NewRelational()
	kv := inmemory.NewKV()
	vec := inmemory.NewVector()

	reg := registry.New(b, m, rel.Agents())
	sched := scheduler.New(cfg.Scheduler, b, reg, rel.Tasks(), kv, m)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = sched.Stop(ctx)
	})

	g := gate.New(cfg.Approval, rel.Audit(), masking.New(nil), m)
	primary := llm.NewMock("primary")
	gw := llm.NewGatewayWithProviders(cfg.LLM, g, m, map[string]llm.Provider{"primary": primary})
	mem := memory.New(cfg.Memory, kv, vec, rel.Episodic(), rel.Profile(), gw)
	feedback := services.NewFeedbackService(rel.Feedback())

	return &serverFixture{
		cfg:       cfg,
		server:    NewServer(cfg, reg, sched, gw, g, mem, feedback, rel.Audit(), m),
		bus:       b,
		registry:  reg,
		scheduler: sched,
		gateway:   gw,
		gate:      g,
		memory:    mem,
		metrics:   m,
		primary:   primary,
	}
}

// startAgent registers an agent, attaches a runtime, and marks it Ready.
func (f *serverFixture) startAgent(t *testing.T, a agent.Agent) {
	t.Helper()
	ctx := context.Background()
	record, err := f.registry.Register(ctx, a.Descriptor(), false)
	require.NoError(t, err)

	rt := agent.NewRuntime(a, record.Mailbox, f.bus, f.metrics)
	rt.Start(ctx)
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = rt.Stop(stopCtx)
	})
	require.NoError(t, f.registry.SetStatus(ctx, a.Descriptor().AgentID, models.StatusReady))
}

// do runs one request through the full middleware and routing stack.
func (f *serverFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(buf)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) *T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return &out
}

// echoAgent answers every dispatched task with its own payload.
type echoAgent struct {
	id    string
	block chan struct{}
}

func (a *echoAgent) Descriptor() models.AgentDescriptor {
	return models.AgentDescriptor{
		AgentID:      a.id,
		Name:         a.id,
		Kind:         "test",
		Capabilities: []string{"echo"},
		Limits:       models.DeclaredLimits{MaxInFlight: 4, QueueDepth: 16, BaseTimeout: time.Second},
	}
}

func (a *echoAgent) Initialize(context.Context) error { return nil }
func (a *echoAgent) Shutdown(context.Context) error   { return nil }

func (a *echoAgent) Health(context.Context) models.HealthReport {
	return models.HealthReport{State: models.HealthOK}
}

func (a *echoAgent) HandleEnvelope(context.Context, *models.Envelope) (*models.Envelope, error) {
	return nil, nil
}

func (a *echoAgent) HandleTask(ctx context.Context, task *models.Task) *models.TaskResult {
	if a.block != nil {
		select {
		case <-a.block:
		case <-ctx.Done():
			return &models.TaskResult{ErrorKind: models.KindCancelled, Error: "cancelled"}
		}
	}
	return &models.TaskResult{Result: task.Payload}
}

func awaitTaskState(t *testing.T, f *serverFixture, taskID string, state models.TaskState) *TaskResponse {
	t.Helper()
	var last *TaskResponse
	require.Eventually(t, func() bool {
		rec := f.do(t, http.MethodGet, "/api/v1/tasks/"+taskID, nil)
		if rec.Code != http.StatusOK {
			return false
		}
		last = decodeBody[TaskResponse](t, rec)
		return last.State == state
	}, 3*time.Second, 10*time.Millisecond, "task %s never reached %s", taskID, state)
	return last
}
