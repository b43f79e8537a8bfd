package inmemory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mycosoft/mascore/pkg/models"
	"github.com/mycosoft/mascore/pkg/store"
)

// Relational is a map-backed implementation of store.RelationalStore.
type Relational struct {
	tasks    *taskRepo
	audit    *auditRepo
	feedback *feedbackRepo
	agents   *agentRepo
	episodic *episodicRepo
	profile  *profileRepo
}

// NewRelational creates an empty in-memory relational store.
func NewRelational() *Relational {
	return &Relational{
		tasks:    &taskRepo{byID: make(map[string]*models.Task)},
		audit:    &auditRepo{byID: make(map[string]*models.ActionRecord)},
		feedback: &feedbackRepo{},
		agents:   &agentRepo{byID: make(map[string]*store.AgentSnapshot)},
		episodic: &episodicRepo{},
		profile:  &profileRepo{byKey: make(map[string][]byte)},
	}
}

func (r *Relational) Tasks() store.TaskRepo         { return r.tasks }
func (r *Relational) Audit() store.AuditRepo        { return r.audit }
func (r *Relational) Feedback() store.FeedbackRepo  { return r.feedback }
func (r *Relational) Agents() store.AgentRepo       { return r.agents }
func (r *Relational) Episodic() store.EpisodicRepo  { return r.episodic }
func (r *Relational) Profile() store.ProfileRepo    { return r.profile }
func (r *Relational) Ready(_ context.Context) error { return nil }
func (r *Relational) Close() error                  { return nil }

type taskRepo struct {
	mu   sync.RWMutex
	byID map[string]*models.Task
}

func (r *taskRepo) Save(_ context.Context, task *models.Task) error {
	cp := *task
	r.mu.Lock()
	r.byID[task.TaskID] = &cp
	r.mu.Unlock()
	return nil
}

func (r *taskRepo) Get(_ context.Context, taskID string) (*models.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	task, ok := r.byID[taskID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *task
	return &cp, nil
}

func (r *taskRepo) GetByIdempotencyKey(_ context.Context, key string) (*models.Task, error) {
	if key == "" {
		return nil, store.ErrNotFound
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var newest *models.Task
	for _, task := range r.byID {
		if task.IdempotencyKey != key {
			continue
		}
		if newest == nil || task.SubmittedAt.After(newest.SubmittedAt) {
			newest = task
		}
	}
	if newest == nil {
		return nil, store.ErrNotFound
	}
	cp := *newest
	return &cp, nil
}

func (r *taskRepo) List(_ context.Context, filter store.TaskFilter) ([]*models.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.Task
	for _, task := range r.byID {
		if filter.State != "" && task.State != filter.State {
			continue
		}
		if filter.Capability != "" && task.Capability != filter.Capability {
			continue
		}
		cp := *task
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.After(out[j].SubmittedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

type auditRepo struct {
	mu    sync.RWMutex
	byID  map[string]*models.ActionRecord
	order []string
}

func (r *auditRepo) Save(_ context.Context, record *models.ActionRecord) error {
	cp := *record
	r.mu.Lock()
	if _, exists := r.byID[record.ActionID]; !exists {
		r.order = append(r.order, record.ActionID)
	}
	r.byID[record.ActionID] = &cp
	r.mu.Unlock()
	return nil
}

func (r *auditRepo) Get(_ context.Context, actionID string) (*models.ActionRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	record, ok := r.byID[actionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *record
	return &cp, nil
}

func (r *auditRepo) ListRecent(_ context.Context, limit int) ([]*models.ActionRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.ActionRecord, 0, limit)
	for i := len(r.order) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		cp := *r.byID[r.order[i]]
		out = append(out, &cp)
	}
	return out, nil
}

type feedbackRepo struct {
	mu      sync.RWMutex
	records []*models.FeedbackRecord
}

func (r *feedbackRepo) Append(_ context.Context, record *models.FeedbackRecord) error {
	cp := *record
	r.mu.Lock()
	r.records = append(r.records, &cp)
	r.mu.Unlock()
	return nil
}

func (r *feedbackRepo) Recent(_ context.Context, limit int) ([]*models.FeedbackRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.FeedbackRecord, 0, limit)
	for i := len(r.records) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		cp := *r.records[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (r *feedbackRepo) Summary(_ context.Context, agentID string) (*models.FeedbackSummary, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	summary := &models.FeedbackSummary{}
	var ratingSum, successes int
	for _, record := range r.records {
		if agentID != "" && record.AgentID != agentID {
			continue
		}
		summary.Count++
		ratingSum += record.Rating
		if record.Success {
			successes++
		}
	}
	if summary.Count > 0 {
		summary.AverageRating = float64(ratingSum) / float64(summary.Count)
		summary.SuccessRate = float64(successes) / float64(summary.Count)
	}
	return summary, nil
}

type agentRepo struct {
	mu   sync.RWMutex
	byID map[string]*store.AgentSnapshot
}

func (r *agentRepo) Save(_ context.Context, snap *store.AgentSnapshot) error {
	cp := *snap
	r.mu.Lock()
	r.byID[snap.Descriptor.AgentID] = &cp
	r.mu.Unlock()
	return nil
}

func (r *agentRepo) Delete(_ context.Context, agentID string) error {
	r.mu.Lock()
	delete(r.byID, agentID)
	r.mu.Unlock()
	return nil
}

func (r *agentRepo) List(_ context.Context) ([]*store.AgentSnapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*store.AgentSnapshot, 0, len(r.byID))
	for _, snap := range r.byID {
		cp := *snap
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Descriptor.AgentID < out[j].Descriptor.AgentID })
	return out, nil
}

type episodicRepo struct {
	mu      sync.RWMutex
	records []*store.EpisodicRecord
}

func (r *episodicRepo) Append(_ context.Context, record *store.EpisodicRecord) error {
	cp := *record
	r.mu.Lock()
	r.records = append(r.records, &cp)
	r.mu.Unlock()
	return nil
}

func (r *episodicRepo) Range(_ context.Context, ownerScope string, from, to time.Time, limit int) ([]*store.EpisodicRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*store.EpisodicRecord
	for _, record := range r.records {
		if record.OwnerScope != ownerScope {
			continue
		}
		if record.OccurredAt.Before(from) || !record.OccurredAt.Before(to) {
			continue
		}
		cp := *record
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

type profileRepo struct {
	mu    sync.RWMutex
	byKey map[string][]byte
}

func (r *profileRepo) Put(_ context.Context, key string, value []byte) error {
	r.mu.Lock()
	r.byKey[key] = append([]byte(nil), value...)
	r.mu.Unlock()
	return nil
}

func (r *profileRepo) Get(_ context.Context, key string) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	value, ok := r.byKey[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

func (r *profileRepo) Delete(_ context.Context, key string) error {
	r.mu.Lock()
	delete(r.byKey, key)
	r.mu.Unlock()
	return nil
}

var _ store.RelationalStore = (*Relational)(nil)
