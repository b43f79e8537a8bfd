// Package store defines the persistence contracts the core depends on and
// sentinel errors shared by every backend. Implementations live in the
// inmemory, redis, and postgres subpackages; callers select one at startup
// and never branch on the backend afterwards.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/mycosoft/mascore/pkg/models"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrUnavailable indicates the backend cannot be reached.
	ErrUnavailable = errors.New("store unavailable")
)

// KVStore is the expiring key/value contract backing the session and working
// memory layers, rate-limit counters, and distributed semaphores. A zero TTL
// means no expiry.
type KVStore interface {
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error

	// DeletePrefix removes every key under the prefix and returns the count.
	DeletePrefix(ctx context.Context, prefix string) (int, error)

	// Incr atomically adds delta to the integer counter at key and returns
	// the new value. A key created by the call takes the given TTL; an
	// existing key keeps its expiry.
	Incr(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)

	// Decr atomically subtracts delta from the counter at key.
	Decr(ctx context.Context, key string, delta int64) (int64, error)

	Ready(ctx context.Context) error
	Close() error
}

// VectorStore indexes embeddings for the semantic memory layer.
type VectorStore interface {
	Upsert(ctx context.Context, item models.MemoryItem) error

	// Search returns up to topK items in ownerScope whose cosine similarity
	// to the query meets threshold, best first.
	Search(ctx context.Context, ownerScope string, query []float32, topK int, threshold float64) ([]models.MemoryMatch, error)

	Delete(ctx context.Context, ownerScope, key string) error
	DeleteScope(ctx context.Context, ownerScope string) (int, error)

	Ready(ctx context.Context) error
	Close() error
}

// TaskFilter narrows task listings.
type TaskFilter struct {
	State      models.TaskState
	Capability string
	Limit      int
}

// TaskRepo persists the scheduler's task records.
type TaskRepo interface {
	Save(ctx context.Context, task *models.Task) error
	Get(ctx context.Context, taskID string) (*models.Task, error)

	// GetByIdempotencyKey returns the newest task carrying the key,
	// regardless of state.
	GetByIdempotencyKey(ctx context.Context, key string) (*models.Task, error)

	List(ctx context.Context, filter TaskFilter) ([]*models.Task, error)
}

// AuditRepo persists action records. Records are append-only in content:
// Save updates only the gate-owned status fields of an existing record.
type AuditRepo interface {
	Save(ctx context.Context, record *models.ActionRecord) error
	Get(ctx context.Context, actionID string) (*models.ActionRecord, error)
	ListRecent(ctx context.Context, limit int) ([]*models.ActionRecord, error)
}

// FeedbackRepo persists the append-only feedback log.
type FeedbackRepo interface {
	Append(ctx context.Context, record *models.FeedbackRecord) error
	Recent(ctx context.Context, limit int) ([]*models.FeedbackRecord, error)

	// Summary aggregates over all records, or over one agent when agentID
	// is non-empty.
	Summary(ctx context.Context, agentID string) (*models.FeedbackSummary, error)
}

// AgentSnapshot is the persisted view of a registered agent, written by the
// registry so operators can inspect fleet composition across restarts. The
// in-memory registry remains authoritative while the process lives.
type AgentSnapshot struct {
	Descriptor models.AgentDescriptor
	Status     models.AgentStatus
	UpdatedAt  time.Time
}

// AgentRepo persists registry snapshots.
type AgentRepo interface {
	Save(ctx context.Context, snap *AgentSnapshot) error
	Delete(ctx context.Context, agentID string) error
	List(ctx context.Context) ([]*AgentSnapshot, error)
}

// EpisodicRecord is one timeline entry in the episodic memory layer.
type EpisodicRecord struct {
	ID         string    `json:"id"`
	OwnerScope string    `json:"owner_scope"`
	AgentID    string    `json:"agent_id,omitempty"`
	Kind       string    `json:"kind"`
	Payload    []byte    `json:"payload,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// EpisodicRepo persists the append-only episodic timeline.
type EpisodicRepo interface {
	Append(ctx context.Context, record *EpisodicRecord) error

	// Range returns records in [from, to) for the scope, oldest first,
	// capped at limit.
	Range(ctx context.Context, ownerScope string, from, to time.Time, limit int) ([]*EpisodicRecord, error)
}

// ProfileRepo persists the long-lived profile memory layer. Profile entries
// never expire; they live in the relational store so they survive restarts
// and cache flushes.
type ProfileRepo interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// RelationalStore groups the repositories served by one relational backend.
type RelationalStore interface {
	Tasks() TaskRepo
	Audit() AuditRepo
	Feedback() FeedbackRepo
	Agents() AgentRepo
	Episodic() EpisodicRepo
	Profile() ProfileRepo

	Ready(ctx context.Context) error
	Close() error
}
