// Package memory implements the layered memory subsystem: ephemeral
// in-process scratch, TTL-bound session and working KV layers, a
// vector-indexed semantic layer, an append-only episodic timeline, and a
// long-lived profile layer.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mycosoft/mascore/pkg/config"
	"github.com/mycosoft/mascore/pkg/logging"
	"github.com/mycosoft/mascore/pkg/models"
	"github.com/mycosoft/mascore/pkg/store"
)

// Embedder computes embeddings for semantic writes and searches. The LLM
// gateway satisfies it.
type Embedder interface {
	Embed(ctx context.Context, input []string) ([][]float32, error)
}

// Service routes memory operations to the store backing each layer.
//
// KV-backed layers (session, working) address items as "<layer>:<key>";
// callers scope their keys themselves, the way the chat agent keys session
// history by conversation id. The profile layer lives in the relational
// store so it survives cache flushes. The semantic and episodic layers are
// scoped by OwnerScope.
type Service struct {
	cfg      *config.MemoryConfig
	kv       store.KVStore
	vectors  store.VectorStore
	episodic store.EpisodicRepo
	profile  store.ProfileRepo
	embedder Embedder

	mu        sync.Mutex
	ephemeral map[string]models.MemoryItem
}

// New creates the memory service.
func New(cfg *config.MemoryConfig, kv store.KVStore, vectors store.VectorStore, episodic store.EpisodicRepo, profile store.ProfileRepo, embedder Embedder) *Service {
	return &Service{
		cfg:       cfg,
		kv:        kv,
		vectors:   vectors,
		episodic:  episodic,
		profile:   profile,
		embedder:  embedder,
		ephemeral: make(map[string]models.MemoryItem),
	}
}

type strictKey struct{}

// Strict marks the context so reads propagate infrastructure failures
// instead of degrading. Validation errors and genuine misses are reported
// either way.
func Strict(ctx context.Context) context.Context {
	return context.WithValue(ctx, strictKey{}, true)
}

func isStrict(ctx context.Context) bool {
	v, _ := ctx.Value(strictKey{}).(bool)
	return v
}

func kvKey(layer models.MemoryLayer, key string) string {
	return string(layer) + ":" + key
}

// layerTTL resolves the effective TTL for a KV-backed write. An explicit
// item TTL wins.
func (s *Service) layerTTL(item models.MemoryItem) time.Duration {
	if item.TTL > 0 {
		return item.TTL
	}
	switch item.Layer {
	case models.LayerSession:
		return s.cfg.SessionTTL
	case models.LayerWorking:
		return s.cfg.WorkingTTL
	default:
		return 0
	}
}

// Put writes one item into its layer.
func (s *Service) Put(ctx context.Context, item models.MemoryItem) error {
	if !item.Layer.Valid() {
		return models.NewError(models.KindValidation, fmt.Sprintf("unknown memory layer %q", item.Layer))
	}
	if item.Key == "" && item.Layer != models.LayerEpisodic {
		return models.NewError(models.KindValidation, "memory key is required")
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}

	switch item.Layer {
	case models.LayerEphemeral:
		s.mu.Lock()
		s.ephemeral[kvKey(item.Layer, item.Key)] = item
		s.mu.Unlock()
		return nil

	case models.LayerSession, models.LayerWorking:
		return s.kv.Put(ctx, kvKey(item.Layer, item.Key), item.Value, s.layerTTL(item))

	case models.LayerProfile:
		return s.profile.Put(ctx, item.Key, item.Value)

	case models.LayerSemantic:
		if item.OwnerScope == "" {
			return models.NewError(models.KindValidation, "semantic memory requires an owner scope")
		}
		if len(item.Embedding) == 0 {
			if s.embedder == nil {
				return models.NewError(models.KindValidation, "no embedder configured for semantic memory")
			}
			vectors, err := s.embedder.Embed(ctx, []string{string(item.Value)})
			if err != nil {
				return fmt.Errorf("embedding semantic memory: %w", err)
			}
			item.Embedding = vectors[0]
		}
		return s.vectors.Upsert(ctx, item)

	case models.LayerEpisodic:
		if item.OwnerScope == "" {
			return models.NewError(models.KindValidation, "episodic memory requires an owner scope")
		}
		key := item.Key
		if key == "" {
			key = uuid.NewString()
		}
		return s.episodic.Append(ctx, &store.EpisodicRecord{
			ID:         key,
			OwnerScope: item.OwnerScope,
			Kind:       "memory",
			Payload:    item.Value,
			OccurredAt: item.CreatedAt,
		})
	}
	return nil
}

// Get reads one item from a key-addressable layer. A backend failure
// degrades to not-found unless the context is Strict; a genuine miss is
// not-found either way.
func (s *Service) Get(ctx context.Context, layer models.MemoryLayer, key string) (*models.MemoryItem, error) {
	switch layer {
	case models.LayerEphemeral:
		s.mu.Lock()
		item, ok := s.ephemeral[kvKey(layer, key)]
		s.mu.Unlock()
		if !ok {
			return nil, store.ErrNotFound
		}
		return &item, nil

	case models.LayerSession, models.LayerWorking:
		value, err := s.kv.Get(ctx, kvKey(layer, key))
		if err != nil {
			return nil, s.degradeRead(ctx, layer, key, err)
		}
		return &models.MemoryItem{Layer: layer, Key: key, Value: value}, nil

	case models.LayerProfile:
		value, err := s.profile.Get(ctx, key)
		if err != nil {
			return nil, s.degradeRead(ctx, layer, key, err)
		}
		return &models.MemoryItem{Layer: layer, Key: key, Value: value}, nil

	default:
		return nil, models.NewError(models.KindValidation,
			fmt.Sprintf("layer %q is not addressable by key", layer))
	}
}

// degradeRead converts a backend failure into not-found unless the context
// is Strict. A real miss passes through untouched.
func (s *Service) degradeRead(ctx context.Context, layer models.MemoryLayer, key string, err error) error {
	if errors.Is(err, store.ErrNotFound) || isStrict(ctx) {
		return err
	}
	logging.Logger(ctx).Warn("Memory read degraded to not-found",
		"layer", layer, "key", key, "error", err)
	return store.ErrNotFound
}

// Search runs a semantic similarity search within an owner scope. The
// query is embedded through the gateway.
func (s *Service) Search(ctx context.Context, ownerScope, query string) ([]models.MemoryMatch, error) {
	if ownerScope == "" {
		return nil, models.NewError(models.KindValidation, "owner scope is required")
	}
	if query == "" {
		return nil, models.NewError(models.KindValidation, "query is required")
	}
	if s.embedder == nil {
		return nil, models.NewError(models.KindValidation, "no embedder configured for semantic search")
	}
	vectors, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embedding search query: %w", err)
	}
	matches, err := s.vectors.Search(ctx, ownerScope, vectors[0], s.cfg.TopK, s.cfg.SearchThreshold)
	if err != nil {
		if isStrict(ctx) {
			return nil, err
		}
		logging.Logger(ctx).Warn("Memory search degraded to empty",
			"owner_scope", ownerScope, "error", err)
		return nil, nil
	}
	return matches, nil
}

// Forget removes one item from a key-addressable layer, or one semantic
// item when an owner scope is given.
func (s *Service) Forget(ctx context.Context, layer models.MemoryLayer, ownerScope, key string) error {
	switch layer {
	case models.LayerEphemeral:
		s.mu.Lock()
		delete(s.ephemeral, kvKey(layer, key))
		s.mu.Unlock()
		return nil
	case models.LayerSession, models.LayerWorking:
		return s.kv.Delete(ctx, kvKey(layer, key))
	case models.LayerProfile:
		return s.profile.Delete(ctx, key)
	case models.LayerSemantic:
		if ownerScope == "" {
			return models.NewError(models.KindValidation, "semantic forget requires an owner scope")
		}
		return s.vectors.Delete(ctx, ownerScope, key)
	default:
		return models.NewError(models.KindValidation,
			fmt.Sprintf("layer %q does not support forget by key", layer))
	}
}

// ForgetScope drops everything an owner scope holds in the semantic and
// episodic-adjacent KV layers. It returns how many items were removed
// where the backing store can count them.
func (s *Service) ForgetScope(ctx context.Context, ownerScope string) (int, error) {
	if ownerScope == "" {
		return 0, models.NewError(models.KindValidation, "owner scope is required")
	}
	removed, err := s.vectors.DeleteScope(ctx, ownerScope)
	if err != nil {
		return removed, err
	}
	for _, layer := range []models.MemoryLayer{models.LayerSession, models.LayerWorking} {
		n, err := s.kv.DeletePrefix(ctx, kvKey(layer, ownerScope))
		if err != nil {
			logging.Logger(ctx).Warn("Partial scope forget",
				"layer", layer, "owner_scope", ownerScope, "error", err)
			continue
		}
		removed += n
	}
	return removed, nil
}

// Record appends one event to the episodic timeline.
func (s *Service) Record(ctx context.Context, ownerScope, agentID, kind string, payload []byte) error {
	if ownerScope == "" {
		return models.NewError(models.KindValidation, "owner scope is required")
	}
	return s.episodic.Append(ctx, &store.EpisodicRecord{
		ID:         uuid.NewString(),
		OwnerScope: ownerScope,
		AgentID:    agentID,
		Kind:       kind,
		Payload:    payload,
		OccurredAt: time.Now(),
	})
}

// History reads the episodic timeline for a scope, oldest first.
func (s *Service) History(ctx context.Context, ownerScope string, from, to time.Time, limit int) ([]*store.EpisodicRecord, error) {
	if ownerScope == "" {
		return nil, models.NewError(models.KindValidation, "owner scope is required")
	}
	return s.episodic.Range(ctx, ownerScope, from, to, limit)
}

// ClearEphemeral discards the in-process layer; the runtime calls it
// between turns.
func (s *Service) ClearEphemeral() {
	s.mu.Lock()
	s.ephemeral = make(map[string]models.MemoryItem)
	s.mu.Unlock()
}
