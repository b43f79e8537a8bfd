package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mycosoft/mascore/pkg/models"
	"github.com/mycosoft/mascore/pkg/store"
)

const defaultListLimit = 100

// Relational serves the repository contracts from one PostgreSQL pool.
type Relational struct {
	db       *sql.DB
	tasks    *taskRepo
	audit    *auditRepo
	feedback *feedbackRepo
	agents   *agentRepo
	episodic *episodicRepo
	profile  *profileRepo
}

// NewRelational wraps an existing connection pool.
func NewRelational(db *sql.DB) *Relational {
	return &Relational{
		db:       db,
		tasks:    &taskRepo{db: db},
		audit:    &auditRepo{db: db},
		feedback: &feedbackRepo{db: db},
		agents:   &agentRepo{db: db},
		episodic: &episodicRepo{db: db},
		profile:  &profileRepo{db: db},
	}
}

func (r *Relational) Tasks() store.TaskRepo        { return r.tasks }
func (r *Relational) Audit() store.AuditRepo       { return r.audit }
func (r *Relational) Feedback() store.FeedbackRepo { return r.feedback }
func (r *Relational) Agents() store.AgentRepo      { return r.agents }
func (r *Relational) Episodic() store.EpisodicRepo { return r.episodic }
func (r *Relational) Profile() store.ProfileRepo   { return r.profile }

// Ready pings the pool.
func (r *Relational) Ready(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return nil
}

// Close closes the pool.
func (r *Relational) Close() error {
	return r.db.Close()
}

type taskRepo struct {
	db *sql.DB
}

const taskColumns = `task_id, idempotency_key, capability, payload, priority, correlation_id,
	submitted_at, deadline, attempts, max_attempts, backoff_base_ms, backoff_max_ms,
	state, state_reason, owner_agent, last_error, result, result_ref, completed_at`

func (r *taskRepo) Save(ctx context.Context, task *models.Task) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (task_id) DO UPDATE SET
			attempts = EXCLUDED.attempts,
			state = EXCLUDED.state,
			state_reason = EXCLUDED.state_reason,
			owner_agent = EXCLUDED.owner_agent,
			last_error = EXCLUDED.last_error,
			result = EXCLUDED.result,
			result_ref = EXCLUDED.result_ref,
			completed_at = EXCLUDED.completed_at`,
		task.TaskID, nullString(task.IdempotencyKey), task.Capability, nullJSON(task.Payload),
		task.Priority, task.CorrelationID, task.SubmittedAt, task.Deadline,
		task.Attempts, task.MaxAttempts, task.Backoff.Base.Milliseconds(), task.Backoff.Max.Milliseconds(),
		task.State, task.StateReason, task.OwnerAgent, task.LastError,
		nullJSON(task.Result), task.ResultRef, nullTime(task.CompletedAt))
	if err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}
	return nil
}

func (r *taskRepo) Get(ctx context.Context, taskID string) (*models.Task, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id = $1`, taskID)
	return scanTask(row)
}

func (r *taskRepo) GetByIdempotencyKey(ctx context.Context, key string) (*models.Task, error) {
	if key == "" {
		return nil, store.ErrNotFound
	}
	row := r.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE idempotency_key = $1
		ORDER BY submitted_at DESC
		LIMIT 1`, key)
	return scanTask(row)
}

func (r *taskRepo) List(ctx context.Context, filter store.TaskFilter) ([]*models.Task, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	args := []any{}
	if filter.State != "" {
		args = append(args, filter.State)
		query += fmt.Sprintf(" AND state = $%d", len(args))
	}
	if filter.Capability != "" {
		args = append(args, filter.Capability)
		query += fmt.Sprintf(" AND capability = $%d", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY submitted_at DESC LIMIT $%d", len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var out []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*models.Task, error) {
	var (
		task        models.Task
		idemKey     sql.NullString
		payload     []byte
		result      []byte
		baseMS      int64
		maxMS       int64
		completedAt sql.NullTime
	)
	err := row.Scan(&task.TaskID, &idemKey, &task.Capability, &payload, &task.Priority,
		&task.CorrelationID, &task.SubmittedAt, &task.Deadline, &task.Attempts, &task.MaxAttempts,
		&baseMS, &maxMS, &task.State, &task.StateReason, &task.OwnerAgent, &task.LastError,
		&result, &task.ResultRef, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}

	task.IdempotencyKey = idemKey.String
	task.Payload = payload
	task.Result = result
	task.Backoff = models.BackoffPolicy{
		Base: time.Duration(baseMS) * time.Millisecond,
		Max:  time.Duration(maxMS) * time.Millisecond,
	}
	if completedAt.Valid {
		task.CompletedAt = completedAt.Time
	}
	return &task, nil
}

type auditRepo struct {
	db *sql.DB
}

const auditColumns = `action_id, correlation_id, agent_id, task_id, action_type, category,
	inputs, outputs, status, approver, created_at, executed_at, duration_ms, error`

func (r *auditRepo) Save(ctx context.Context, record *models.ActionRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO actions_audit (`+auditColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (action_id) DO UPDATE SET
			outputs = EXCLUDED.outputs,
			status = EXCLUDED.status,
			approver = EXCLUDED.approver,
			executed_at = EXCLUDED.executed_at,
			duration_ms = EXCLUDED.duration_ms,
			error = EXCLUDED.error`,
		record.ActionID, record.CorrelationID, record.AgentID, nullString(record.TaskID),
		record.ActionType, record.Category, record.Inputs, record.Outputs, record.Status,
		record.Approver, record.CreatedAt, nullTime(record.ExecutedAt), record.DurationMS, record.Error)
	if err != nil {
		return fmt.Errorf("failed to save action record: %w", err)
	}
	return nil
}

func (r *auditRepo) Get(ctx context.Context, actionID string) (*models.ActionRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+auditColumns+` FROM actions_audit WHERE action_id = $1`, actionID)
	return scanAction(row)
}

func (r *auditRepo) ListRecent(ctx context.Context, limit int) ([]*models.ActionRecord, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+auditColumns+` FROM actions_audit
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list action records: %w", err)
	}
	defer rows.Close()

	var out []*models.ActionRecord
	for rows.Next() {
		record, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

func scanAction(row rowScanner) (*models.ActionRecord, error) {
	var (
		record     models.ActionRecord
		taskID     sql.NullString
		executedAt sql.NullTime
	)
	err := row.Scan(&record.ActionID, &record.CorrelationID, &record.AgentID, &taskID,
		&record.ActionType, &record.Category, &record.Inputs, &record.Outputs, &record.Status,
		&record.Approver, &record.CreatedAt, &executedAt, &record.DurationMS, &record.Error)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan action record: %w", err)
	}
	record.TaskID = taskID.String
	if executedAt.Valid {
		record.ExecutedAt = executedAt.Time
	}
	return &record, nil
}

type feedbackRepo struct {
	db *sql.DB
}

func (r *feedbackRepo) Append(ctx context.Context, record *models.FeedbackRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO feedback (id, conversation_id, agent_id, rating, success, notes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		record.ID, record.ConversationID, record.AgentID, record.Rating, record.Success,
		record.Notes, record.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append feedback: %w", err)
	}
	return nil
}

func (r *feedbackRepo) Recent(ctx context.Context, limit int) ([]*models.FeedbackRecord, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, conversation_id, agent_id, rating, success, notes, created_at
		FROM feedback
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list feedback: %w", err)
	}
	defer rows.Close()

	var out []*models.FeedbackRecord
	for rows.Next() {
		var record models.FeedbackRecord
		if err := rows.Scan(&record.ID, &record.ConversationID, &record.AgentID,
			&record.Rating, &record.Success, &record.Notes, &record.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan feedback: %w", err)
		}
		out = append(out, &record)
	}
	return out, rows.Err()
}

func (r *feedbackRepo) Summary(ctx context.Context, agentID string) (*models.FeedbackSummary, error) {
	query := `
		SELECT COUNT(*),
		       COALESCE(AVG(rating), 0),
		       COALESCE(AVG(CASE WHEN success THEN 1.0 ELSE 0.0 END), 0)
		FROM feedback`
	args := []any{}
	if agentID != "" {
		query += ` WHERE agent_id = $1`
		args = append(args, agentID)
	}

	var summary models.FeedbackSummary
	err := r.db.QueryRowContext(ctx, query, args...).
		Scan(&summary.Count, &summary.AverageRating, &summary.SuccessRate)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize feedback: %w", err)
	}
	return &summary, nil
}

type agentRepo struct {
	db *sql.DB
}

func (r *agentRepo) Save(ctx context.Context, snap *store.AgentSnapshot) error {
	descriptor, err := json.Marshal(snap.Descriptor)
	if err != nil {
		return fmt.Errorf("failed to marshal descriptor: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO agents (agent_id, descriptor, status, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (agent_id) DO UPDATE SET
			descriptor = EXCLUDED.descriptor,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at`,
		snap.Descriptor.AgentID, descriptor, snap.Status, snap.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save agent snapshot: %w", err)
	}
	return nil
}

func (r *agentRepo) Delete(ctx context.Context, agentID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM agents WHERE agent_id = $1`, agentID); err != nil {
		return fmt.Errorf("failed to delete agent snapshot: %w", err)
	}
	return nil
}

func (r *agentRepo) List(ctx context.Context) ([]*store.AgentSnapshot, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT descriptor, status, updated_at FROM agents ORDER BY agent_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list agent snapshots: %w", err)
	}
	defer rows.Close()

	var out []*store.AgentSnapshot
	for rows.Next() {
		var (
			snap       store.AgentSnapshot
			descriptor []byte
		)
		if err := rows.Scan(&descriptor, &snap.Status, &snap.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan agent snapshot: %w", err)
		}
		if err := json.Unmarshal(descriptor, &snap.Descriptor); err != nil {
			return nil, fmt.Errorf("failed to unmarshal descriptor: %w", err)
		}
		out = append(out, &snap)
	}
	return out, rows.Err()
}

type episodicRepo struct {
	db *sql.DB
}

func (r *episodicRepo) Append(ctx context.Context, record *store.EpisodicRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO memory_episodic (id, owner_scope, agent_id, kind, payload, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		record.ID, record.OwnerScope, record.AgentID, record.Kind, record.Payload, record.OccurredAt)
	if err != nil {
		return fmt.Errorf("failed to append episodic record: %w", err)
	}
	return nil
}

func (r *episodicRepo) Range(ctx context.Context, ownerScope string, from, to time.Time, limit int) ([]*store.EpisodicRecord, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, owner_scope, agent_id, kind, payload, occurred_at
		FROM memory_episodic
		WHERE owner_scope = $1 AND occurred_at >= $2 AND occurred_at < $3
		ORDER BY occurred_at
		LIMIT $4`, ownerScope, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to range episodic records: %w", err)
	}
	defer rows.Close()

	var out []*store.EpisodicRecord
	for rows.Next() {
		var record store.EpisodicRecord
		if err := rows.Scan(&record.ID, &record.OwnerScope, &record.AgentID,
			&record.Kind, &record.Payload, &record.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan episodic record: %w", err)
		}
		out = append(out, &record)
	}
	return out, rows.Err()
}

type profileRepo struct {
	db *sql.DB
}

func (r *profileRepo) Put(ctx context.Context, key string, value []byte) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO memory_profile (key, value, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			updated_at = EXCLUDED.updated_at`,
		key, value, time.Now())
	if err != nil {
		return fmt.Errorf("failed to save profile entry: %w", err)
	}
	return nil
}

func (r *profileRepo) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT value FROM memory_profile WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read profile entry: %w", err)
	}
	return value, nil
}

func (r *profileRepo) Delete(ctx context.Context, key string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM memory_profile WHERE key = $1`, key); err != nil {
		return fmt.Errorf("failed to delete profile entry: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

// nullJSON maps empty raw JSON to NULL so JSONB columns never see "".
func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

var _ store.RelationalStore = (*Relational)(nil)
