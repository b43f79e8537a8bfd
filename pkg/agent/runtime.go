package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mycosoft/mascore/pkg/bus"
	"github.com/mycosoft/mascore/pkg/logging"
	"github.com/mycosoft/mascore/pkg/metrics"
	"github.com/mycosoft/mascore/pkg/models"
)

// Runtime pumps one agent's mailbox: it decodes dispatches, runs handlers
// with panic isolation, and sends replies. Envelopes start in FIFO order;
// up to the agent's declared max-in-flight run concurrently.
type Runtime struct {
	agent   Agent
	mailbox *bus.Mailbox
	bus     *bus.Bus
	metrics *metrics.Registry
	logger  *slog.Logger

	sem       chan struct{}
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	onFailure func(reason string)

	mu         sync.Mutex
	inFlight   int
	lastDrain  time.Duration
	taskCancel map[string]context.CancelFunc
}

// NewRuntime wires an agent to its mailbox.
func NewRuntime(a Agent, mailbox *bus.Mailbox, b *bus.Bus, m *metrics.Registry) *Runtime {
	maxInFlight := a.Descriptor().Limits.MaxInFlight
	if maxInFlight < 1 {
		maxInFlight = 1
	}
	return &Runtime{
		agent:      a,
		mailbox:    mailbox,
		bus:        b,
		metrics:    m,
		logger:     slog.With("agent_id", a.Descriptor().AgentID),
		sem:        make(chan struct{}, maxInFlight),
		stopCh:     make(chan struct{}),
		taskCancel: make(map[string]context.CancelFunc),
	}
}

// OnFailure registers a callback invoked whenever a handler panics. Set it
// before Start. The callback runs on its own goroutine: handling a report
// may stop this runtime, which waits on the very handler that panicked.
func (r *Runtime) OnFailure(fn func(reason string)) {
	r.onFailure = fn
}

// Start launches the mailbox pump. The pump exits when the mailbox closes
// or Stop is called.
func (r *Runtime) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.pump(ctx)
}

// Stop halts the pump and waits for in-flight handlers, up to ctx.
func (r *Runtime) Stop(ctx context.Context) error {
	r.stopOnce.Do(func() { close(r.stopCh) })

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Health augments the agent's own report with runtime observations.
func (r *Runtime) Health(ctx context.Context) models.HealthReport {
	report := r.agent.Health(ctx)

	r.mu.Lock()
	report.InFlight = r.inFlight
	report.DrainLatency = r.lastDrain
	r.mu.Unlock()

	report.ReportedAt = time.Now()
	return report
}

// InFlight returns the number of handlers currently running.
func (r *Runtime) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inFlight
}

func (r *Runtime) pump(ctx context.Context) {
	defer r.wg.Done()

	for {
		select {
		case <-r.stopCh:
			return
		case env, ok := <-r.mailbox.Receive():
			if !ok {
				return
			}

			r.mu.Lock()
			r.lastDrain = time.Since(env.CreatedAt)
			r.mu.Unlock()

			// Cancellations jump the queue; they must not wait behind the
			// running task they target.
			if env.Headers[HeaderType] == TypeTaskCancel {
				r.cancelTask(env)
				continue
			}

			select {
			case r.sem <- struct{}{}:
			case <-r.stopCh:
				return
			}

			r.mu.Lock()
			r.inFlight++
			r.mu.Unlock()

			r.wg.Add(1)
			go func(env *models.Envelope) {
				defer r.wg.Done()
				defer func() {
					<-r.sem
					r.mu.Lock()
					r.inFlight--
					r.mu.Unlock()
				}()
				r.handle(ctx, env)
			}(env)
		}
	}
}

func (r *Runtime) handle(ctx context.Context, env *models.Envelope) {
	ctx = logging.WithCorrelationID(ctx, env.CorrelationID)
	log := logging.Logger(ctx).With("agent_id", r.agent.Descriptor().AgentID, "envelope_id", env.EnvelopeID)

	defer func() {
		if rec := recover(); rec != nil {
			log.Error("Agent handler panicked", "panic", rec)
			r.metrics.AgentRuns.WithLabelValues(r.agent.Descriptor().AgentID, "panic").Inc()
			if r.onFailure != nil {
				go r.onFailure(fmt.Sprintf("handler panicked: %v", rec))
			}
			if env.Kind == models.KindRequest {
				r.replyError(ctx, env, models.KindInternal, "agent handler panicked")
			}
		}
	}()

	if !env.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, env.Deadline)
		defer cancel()
	}

	if env.Kind == models.KindRequest && env.Headers[HeaderType] == TypeTaskDispatch {
		r.handleTask(ctx, env, log)
		return
	}

	reply, err := r.agent.HandleEnvelope(ctx, env)
	if err != nil {
		log.Error("Envelope handling failed", "error", err)
		r.metrics.AgentRuns.WithLabelValues(r.agent.Descriptor().AgentID, "error").Inc()
		if env.Kind == models.KindRequest {
			r.replyError(ctx, env, models.KindOf(err), err.Error())
		}
		return
	}
	r.metrics.AgentRuns.WithLabelValues(r.agent.Descriptor().AgentID, "ok").Inc()
	if reply != nil {
		if _, err := r.bus.Send(ctx, reply); err != nil {
			log.Warn("Failed to send reply", "error", err)
		}
	}
}

func (r *Runtime) handleTask(ctx context.Context, env *models.Envelope, log *slog.Logger) {
	var task models.Task
	if err := json.Unmarshal(env.Payload, &task); err != nil {
		log.Error("Malformed task dispatch", "error", err)
		r.replyError(ctx, env, models.KindValidation, "malformed task payload")
		return
	}

	handler, ok := r.agent.(TaskHandler)
	if !ok {
		r.replyError(ctx, env, models.KindValidation, "agent does not accept tasks")
		return
	}

	taskCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.taskCancel[task.TaskID] = cancel
	r.mu.Unlock()
	defer func() {
		cancel()
		r.mu.Lock()
		delete(r.taskCancel, task.TaskID)
		r.mu.Unlock()
	}()

	result := handler.HandleTask(taskCtx, &task)
	if result == nil {
		result = &models.TaskResult{ErrorKind: models.KindInternal, Error: "handler returned no result"}
	}

	status := "ok"
	if result.Failed() {
		status = "error"
	}
	r.metrics.AgentRuns.WithLabelValues(r.agent.Descriptor().AgentID, status).Inc()

	payload, err := json.Marshal(result)
	if err != nil {
		log.Error("Failed to marshal task result", "task_id", task.TaskID, "error", err)
		r.replyError(ctx, env, models.KindInternal, "failed to marshal result")
		return
	}
	if _, err := r.bus.Send(ctx, env.Reply(payload)); err != nil {
		log.Warn("Failed to send task result", "task_id", task.TaskID, "error", err)
	}
}

func (r *Runtime) cancelTask(env *models.Envelope) {
	var body struct {
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal(env.Payload, &body); err != nil || body.TaskID == "" {
		r.logger.Warn("Malformed task cancel", "envelope_id", env.EnvelopeID)
		return
	}

	r.mu.Lock()
	cancel, ok := r.taskCancel[body.TaskID]
	r.mu.Unlock()

	if ok {
		r.logger.Info("Cancelling task", "task_id", body.TaskID)
		cancel()
	}
}

func (r *Runtime) replyError(ctx context.Context, env *models.Envelope, kind models.ErrorKind, msg string) {
	payload, err := json.Marshal(&models.TaskResult{ErrorKind: kind, Error: msg})
	if err != nil {
		return
	}
	if _, err := r.bus.Send(ctx, env.Reply(payload)); err != nil {
		r.logger.Warn("Failed to send error reply", "envelope_id", env.EnvelopeID, "error", err)
	}
}
