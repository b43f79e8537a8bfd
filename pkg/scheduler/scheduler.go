// Package scheduler routes tasks to capable agents, enforces attempt and
// deadline budgets, retries retryable failures with exponential backoff,
// and bounds concurrency with per-bucket and per-agent limits.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mycosoft/mascore/pkg/agent"
	"github.com/mycosoft/mascore/pkg/bus"
	"github.com/mycosoft/mascore/pkg/config"
	"github.com/mycosoft/mascore/pkg/logging"
	"github.com/mycosoft/mascore/pkg/metrics"
	"github.com/mycosoft/mascore/pkg/models"
	"github.com/mycosoft/mascore/pkg/store"
)

const resultKeyPrefix = "task-result:"

// run tracks one live task's cancellation handle and, while an attempt is
// in flight, the agent serving it.
type run struct {
	capability string
	cancel     context.CancelFunc

	mu            sync.Mutex
	reason        string
	owner         string
	attemptCancel context.CancelFunc
	preempted     bool
}

func (r *run) stop(reason string) {
	r.mu.Lock()
	if r.reason == "" {
		r.reason = reason
	}
	r.mu.Unlock()
	r.cancel()
}

func (r *run) stopReason() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reason == "" {
		return "cancel requested"
	}
	return r.reason
}

func (r *run) beginAttempt(owner string, cancel context.CancelFunc) {
	r.mu.Lock()
	r.owner = owner
	r.attemptCancel = cancel
	r.preempted = false
	r.mu.Unlock()
}

// endAttempt closes out the attempt and reports whether it was preempted.
func (r *run) endAttempt() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.owner = ""
	r.attemptCancel = nil
	preempted := r.preempted
	r.preempted = false
	return preempted
}

// preempt cancels the in-flight attempt when owner is serving it. The run
// itself stays alive so the task re-routes.
func (r *run) preempt(owner string) {
	r.mu.Lock()
	var cancel context.CancelFunc
	if r.owner == owner && r.attemptCancel != nil {
		r.preempted = true
		cancel = r.attemptCancel
	}
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Scheduler owns the task lifecycle from submission to terminal state.
type Scheduler struct {
	cfg      *config.SchedulerConfig
	bus      *bus.Bus
	registry RegistryView
	tasks    store.TaskRepo
	results  store.KVStore
	metrics  *metrics.Registry

	buckets map[string]chan struct{}

	mu        sync.Mutex
	closed    bool
	runs      map[string]*run
	agentLoad map[string]int
	failures  map[string][]time.Time
	routeWake chan struct{}

	unsubscribe func()
	wg          sync.WaitGroup
}

// New creates the scheduler and subscribes to registry changes so pending
// tasks re-route as soon as a capable agent appears.
func New(cfg *config.SchedulerConfig, b *bus.Bus, reg RegistryView, tasks store.TaskRepo, results store.KVStore, m *metrics.Registry) *Scheduler {
	buckets := make(map[string]chan struct{}, len(cfg.Buckets))
	for name, limit := range cfg.Buckets {
		if limit <= 0 {
			limit = 1
		}
		buckets[name] = make(chan struct{}, limit)
	}
	s := &Scheduler{
		cfg:       cfg,
		bus:       b,
		registry:  reg,
		tasks:     tasks,
		results:   results,
		metrics:   m,
		buckets:   buckets,
		runs:      make(map[string]*run),
		agentLoad: make(map[string]int),
		failures:  make(map[string][]time.Time),
		routeWake: make(chan struct{}),
	}

	events, cancel := b.Subscribe(bus.TopicRegistryEvents)
	s.unsubscribe = cancel
	go func() {
		for event := range events {
			switch event.Kind {
			case "agent_registered", "agent_status_changed":
				s.wakeRouting()
			case "agent_replaced":
				if removed := revokedCapabilities(event.Details); len(removed) > 0 {
					s.preemptRevoked(event.AgentID, removed)
				}
				s.wakeRouting()
			}
		}
	}()
	return s
}

// revokedCapabilities returns the capabilities a replacement dropped.
func revokedCapabilities(details map[string]any) map[string]bool {
	olds, _ := details["old_capabilities"].([]string)
	news, _ := details["new_capabilities"].([]string)
	kept := make(map[string]bool, len(news))
	for _, c := range news {
		kept[c] = true
	}
	removed := make(map[string]bool)
	for _, c := range olds {
		if !kept[c] {
			removed[c] = true
		}
	}
	return removed
}

// preemptRevoked cancels in-flight attempts running on agentID for a
// capability the replacement no longer advertises. The affected tasks go
// back to Pending and re-route.
func (s *Scheduler) preemptRevoked(agentID string, removed map[string]bool) {
	s.mu.Lock()
	victims := make([]*run, 0, len(s.runs))
	for _, r := range s.runs {
		if removed[r.capability] {
			victims = append(victims, r)
		}
	}
	s.mu.Unlock()

	for _, r := range victims {
		r.preempt(agentID)
	}
}

func (s *Scheduler) bucketFor(capability string) string {
	if name, ok := s.cfg.CapabilityBuckets[capability]; ok {
		if _, exists := s.buckets[name]; exists {
			return name
		}
	}
	return "generic"
}

// Submit admits a task. It blocks up to the admission budget when the
// task's bucket is saturated, then fails with Overloaded. A deadline
// already in the past expires the task without any attempt.
func (s *Scheduler) Submit(ctx context.Context, spec models.TaskSpec) (*models.Task, error) {
	if spec.Capability == "" {
		return nil, models.NewError(models.KindValidation, "capability is required")
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, models.NewError(models.KindOverloaded, "scheduler is shutting down")
	}

	if spec.IdempotencyKey != "" {
		existing, err := s.tasks.GetByIdempotencyKey(ctx, spec.IdempotencyKey)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("idempotency lookup: %w", err)
		}
		if existing != nil {
			if !existing.State.Terminal() || time.Since(existing.CompletedAt) <= s.cfg.IdempotencyWindow {
				return existing, nil
			}
		}
	}

	now := time.Now()
	task := &models.Task{
		TaskID:         uuid.NewString(),
		IdempotencyKey: spec.IdempotencyKey,
		Capability:     spec.Capability,
		Payload:        spec.Payload,
		Priority:       spec.Priority,
		CorrelationID:  logging.CorrelationID(ctx),
		SubmittedAt:    now,
		Deadline:       spec.Deadline,
		MaxAttempts:    spec.MaxAttempts,
		Backoff:        models.BackoffPolicy{Base: s.cfg.BackoffBase, Max: s.cfg.BackoffMax},
		State:          models.TaskPending,
	}
	if task.Priority == "" {
		task.Priority = models.PriorityNormal
	}
	if task.CorrelationID == "" {
		task.CorrelationID = logging.NewCorrelationID()
	}
	if task.Deadline.IsZero() {
		task.Deadline = now.Add(s.cfg.DefaultTaskDeadline)
	}
	if task.MaxAttempts <= 0 {
		task.MaxAttempts = s.cfg.MaxAttempts
	}

	if !task.Deadline.After(now) {
		task.State = models.TaskExpired
		task.StateReason = "deadline elapsed before admission"
		task.CompletedAt = now
		s.persist(ctx, task)
		s.metrics.Tasks.WithLabelValues(task.Capability, string(task.State)).Inc()
		s.publish(task)
		return task, nil
	}

	bucket := s.bucketFor(task.Capability)
	admission := time.NewTimer(s.cfg.AdmissionBudget)
	defer admission.Stop()
	select {
	case s.buckets[bucket] <- struct{}{}:
	case <-admission.C:
		return nil, models.NewError(models.KindOverloaded,
			fmt.Sprintf("bucket %q is saturated", bucket))
	case <-ctx.Done():
		return nil, models.WrapError(models.KindCancelled, "submission cancelled", ctx.Err())
	}
	s.metrics.SchedulerInflight.WithLabelValues(bucket).Inc()

	s.persist(ctx, task)
	s.publish(task)

	runCtx, cancel := context.WithCancel(logging.WithCorrelationID(context.Background(), task.CorrelationID))
	r := &run{capability: task.Capability, cancel: cancel}
	s.mu.Lock()
	s.runs[task.TaskID] = r
	s.mu.Unlock()

	s.wg.Add(1)
	go s.execute(runCtx, r, task, bucket)
	return cloneTask(task), nil
}

// Status returns the persisted task.
func (s *Scheduler) Status(ctx context.Context, taskID string) (*models.Task, error) {
	task, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, models.WrapError(models.KindNotFound, "task not found", err)
		}
		return nil, err
	}
	return task, nil
}

// Result resolves a task's result, following the reference for oversize
// results.
func (s *Scheduler) Result(ctx context.Context, task *models.Task) (json.RawMessage, error) {
	if task.ResultRef == "" {
		return task.Result, nil
	}
	return s.results.Get(ctx, task.ResultRef)
}

// Cancel requests cancellation. It is idempotent: cancelling a terminal
// task is a no-op that returns the current state.
func (s *Scheduler) Cancel(ctx context.Context, taskID string) (*models.Task, error) {
	task, err := s.Status(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.State.Terminal() {
		return task, nil
	}
	s.mu.Lock()
	r, ok := s.runs[taskID]
	s.mu.Unlock()
	if ok {
		r.stop("cancel requested")
	}
	return task, nil
}

// Stop refuses new admissions, cancels live tasks with reason Shutdown,
// and waits for their runs to settle.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	live := make([]*run, 0, len(s.runs))
	for _, r := range s.runs {
		live = append(live, r)
	}
	s.mu.Unlock()

	for _, r := range live {
		r.stop("shutdown")
	}
	if s.unsubscribe != nil {
		s.unsubscribe()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// execute drives one task to a terminal state.
func (s *Scheduler) execute(ctx context.Context, r *run, task *models.Task, bucket string) {
	defer s.wg.Done()
	defer func() {
		<-s.buckets[bucket]
		s.metrics.SchedulerInflight.WithLabelValues(bucket).Dec()
		s.mu.Lock()
		delete(s.runs, task.TaskID)
		s.mu.Unlock()
	}()

	log := logging.Logger(ctx).With("task_id", task.TaskID, "capability", task.Capability)

	for {
		if ctx.Err() != nil {
			s.finish(task, models.TaskCancelled, r.stopReason())
			return
		}
		remaining := time.Until(task.Deadline)
		if remaining <= 0 {
			s.expire(task)
			return
		}

		agentID, ok := s.reserveAgent(task)
		if !ok {
			if !s.awaitRoutable(ctx, task) {
				if ctx.Err() != nil {
					s.finish(task, models.TaskCancelled, r.stopReason())
				} else {
					task.StateReason = "NoCapableAgent"
					s.expire(task)
				}
				return
			}
			continue
		}

		task.OwnerAgent = agentID
		s.setState(ctx, task, models.TaskRouted, "")
		task.Attempts++
		s.setState(ctx, task, models.TaskRunning, "")
		log.Info("Dispatching task", "agent_id", agentID, "attempt", task.Attempts)

		attemptCtx, attemptCancel := context.WithCancel(ctx)
		r.beginAttempt(agentID, attemptCancel)
		result, err := s.dispatch(attemptCtx, task, agentID)
		attemptCancel()
		preempted := r.endAttempt()
		s.releaseAgent(agentID)

		switch {
		case ctx.Err() != nil:
			s.signalCancel(task, agentID)
			s.finish(task, models.TaskCancelled, r.stopReason())
			return

		case preempted:
			// The owner was replaced without this capability; any result it
			// produced no longer counts.
			s.signalCancel(task, agentID)
			log.Info("Re-routing task, owner no longer advertises capability", "agent_id", agentID)
			task.OwnerAgent = ""
			s.setState(ctx, task, models.TaskPending, "capability revoked")

		case err != nil:
			if !time.Now().Before(task.Deadline) {
				s.signalCancel(task, agentID)
				s.expire(task)
				return
			}
			s.recordFailure(agentID)
			kind := transportErrorKind(err)
			task.LastError = err.Error()
			log.Warn("Task attempt failed", "agent_id", agentID, "error", err, "kind", kind)
			if !s.retry(ctx, task, kind) {
				return
			}

		case result.Failed():
			task.LastError = result.Error
			if result.ErrorKind == models.KindCancelled {
				s.finish(task, models.TaskCancelled, result.Error)
				return
			}
			s.recordFailure(agentID)
			log.Warn("Task attempt returned error", "agent_id", agentID,
				"error", result.Error, "kind", result.ErrorKind)
			if !s.retry(ctx, task, result.ErrorKind) {
				return
			}

		default:
			s.storeResult(ctx, task, result.Result)
			s.finish(task, models.TaskSucceeded, "")
			return
		}
	}
}

// retry decides whether another attempt runs. It waits out the backoff
// (bounded by the deadline and cancellation) and re-enters Pending.
// Returns false when the task reached a terminal state.
func (s *Scheduler) retry(ctx context.Context, task *models.Task, kind models.ErrorKind) bool {
	if !kind.Retryable() {
		s.finish(task, models.TaskFailed, string(kind))
		return false
	}
	if task.Attempts >= task.MaxAttempts {
		s.finish(task, models.TaskFailed, "attempt budget exhausted")
		return false
	}

	delay := backoffDelay(task.Backoff, task.Attempts)
	if remaining := time.Until(task.Deadline); delay >= remaining {
		s.expire(task)
		return false
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		s.finish(task, models.TaskCancelled, "cancel requested")
		return false
	}
	task.OwnerAgent = ""
	s.setState(ctx, task, models.TaskPending, "retrying")
	return true
}

// awaitRoutable blocks until the registry changes, the routing retry wait
// elapses (true either way), or the task's deadline or cancellation ends
// the wait (false).
func (s *Scheduler) awaitRoutable(ctx context.Context, task *models.Task) bool {
	remaining := time.Until(task.Deadline)
	if remaining <= 0 {
		return false
	}
	wait := s.cfg.RouteRetryWait
	if wait > remaining {
		wait = remaining
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	s.mu.Lock()
	wake := s.routeWake
	s.mu.Unlock()

	select {
	case <-wake:
		return true
	case <-timer.C:
		return time.Now().Before(task.Deadline)
	case <-ctx.Done():
		return false
	}
}

func (s *Scheduler) wakeRouting() {
	s.mu.Lock()
	close(s.routeWake)
	s.routeWake = make(chan struct{})
	s.mu.Unlock()
}

// dispatch sends the task to the agent and waits for its result envelope.
func (s *Scheduler) dispatch(ctx context.Context, task *models.Task, agentID string) (*models.TaskResult, error) {
	payload, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("encoding task: %w", err)
	}
	env := models.NewEnvelope("scheduler", agentID, models.KindRequest, payload)
	env.CorrelationID = task.CorrelationID
	env.Headers = map[string]string{agent.HeaderType: agent.TypeTaskDispatch}
	env.Deadline = task.Deadline

	resp, err := s.bus.Request(ctx, env)
	if err != nil {
		return nil, err
	}
	var result models.TaskResult
	if err := json.Unmarshal(resp.Payload, &result); err != nil {
		return nil, fmt.Errorf("decoding task result: %w", err)
	}
	return &result, nil
}

// signalCancel tells the owning agent to stop work on the task.
func (s *Scheduler) signalCancel(task *models.Task, agentID string) {
	payload, _ := json.Marshal(map[string]string{"task_id": task.TaskID})
	env := models.NewEnvelope("scheduler", agentID, models.KindEvent, payload)
	env.CorrelationID = task.CorrelationID
	env.Headers = map[string]string{agent.HeaderType: agent.TypeTaskCancel}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, _ = s.bus.Send(ctx, env)
}

// storeResult keeps small results inline and parks oversize ones in the
// result store by reference.
func (s *Scheduler) storeResult(ctx context.Context, task *models.Task, result json.RawMessage) {
	if len(result) <= s.cfg.ResultSizeCap {
		task.Result = result
		return
	}
	key := resultKeyPrefix + task.TaskID
	if err := s.results.Put(ctx, key, result, 0); err != nil {
		logging.Logger(ctx).Error("Failed to store oversize result",
			"task_id", task.TaskID, "error", err)
		task.Result = nil
		task.StateReason = "result too large and result store unavailable"
		return
	}
	task.ResultRef = key
}

func (s *Scheduler) expire(task *models.Task) {
	if task.OwnerAgent != "" && task.State == models.TaskRunning {
		s.signalCancel(task, task.OwnerAgent)
	}
	reason := task.StateReason
	if reason == "" {
		if task.Attempts == 0 {
			reason = "NoCapableAgent"
		} else {
			reason = "deadline exceeded"
		}
	}
	s.finish(task, models.TaskExpired, reason)
}

// setState applies a non-terminal transition, persists, and publishes.
func (s *Scheduler) setState(ctx context.Context, task *models.Task, next models.TaskState, reason string) {
	if !task.State.CanTransition(next) {
		logging.Logger(ctx).Error("Illegal task transition suppressed",
			"task_id", task.TaskID, "from", task.State, "to", next)
		return
	}
	task.State = next
	task.StateReason = reason
	s.persist(ctx, task)
	s.publish(task)
}

// finish applies a terminal transition and records terminal metrics.
func (s *Scheduler) finish(task *models.Task, state models.TaskState, reason string) {
	ctx := context.Background()
	if !task.State.CanTransition(state) && task.State != state {
		return
	}
	task.State = state
	task.StateReason = reason
	task.CompletedAt = time.Now()
	s.persist(ctx, task)
	s.publish(task)
	s.metrics.Tasks.WithLabelValues(task.Capability, string(state)).Inc()
	s.metrics.TaskDuration.WithLabelValues(task.Capability).
		Observe(task.CompletedAt.Sub(task.SubmittedAt).Seconds())
}

// persist writes through to the task repo; a storage failure is logged,
// the in-memory lifecycle continues.
func (s *Scheduler) persist(ctx context.Context, task *models.Task) {
	if err := s.tasks.Save(ctx, task); err != nil {
		logging.Logger(ctx).Error("Failed to persist task",
			"task_id", task.TaskID, "state", task.State, "error", err)
	}
}

func (s *Scheduler) publish(task *models.Task) {
	s.bus.Publish(bus.Event{
		Topic:         bus.TopicTaskEvents,
		Kind:          "task_state_changed",
		TaskID:        task.TaskID,
		AgentID:       task.OwnerAgent,
		CorrelationID: task.CorrelationID,
		Details: map[string]any{
			"state":  string(task.State),
			"reason": task.StateReason,
		},
	})
}

// transportErrorKind classifies a bus-level dispatch failure.
func transportErrorKind(err error) models.ErrorKind {
	switch {
	case errors.Is(err, bus.ErrRequestTimeout):
		return models.KindTimedOut
	case errors.Is(err, bus.ErrMailboxFull):
		return models.KindBackpressured
	case errors.Is(err, bus.ErrUnknownRecipient):
		return models.KindProviderUnavailable
	case errors.Is(err, bus.ErrEnvelopeExpired):
		return models.KindDeadlineExceeded
	default:
		return models.KindInternal
	}
}

func cloneTask(task *models.Task) *models.Task {
	cp := *task
	return &cp
}
