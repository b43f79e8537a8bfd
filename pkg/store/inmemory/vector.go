package inmemory

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/mycosoft/mascore/pkg/models"
	"github.com/mycosoft/mascore/pkg/store"
)

// Vector is a brute-force cosine-similarity index. Suitable for the fleet
// sizes the core runs at; a dedicated vector database takes over through the
// same contract when corpora grow.
type Vector struct {
	mu    sync.RWMutex
	items map[string]map[string]models.MemoryItem // ownerScope -> key -> item
}

// NewVector creates an empty in-memory vector index.
func NewVector() *Vector {
	return &Vector{items: make(map[string]map[string]models.MemoryItem)}
}

// Upsert stores the item under its owner scope and key.
func (v *Vector) Upsert(_ context.Context, item models.MemoryItem) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	scope := v.items[item.OwnerScope]
	if scope == nil {
		scope = make(map[string]models.MemoryItem)
		v.items[item.OwnerScope] = scope
	}
	scope[item.Key] = item
	return nil
}

// Search returns up to topK items in ownerScope with cosine similarity to
// query at or above threshold, ordered best first.
func (v *Vector) Search(_ context.Context, ownerScope string, query []float32, topK int, threshold float64) ([]models.MemoryMatch, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	var matches []models.MemoryMatch
	for _, item := range v.items[ownerScope] {
		score := cosine(query, item.Embedding)
		if score >= threshold {
			matches = append(matches, models.MemoryMatch{Item: item, Score: score})
		}
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if topK > 0 && len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

// Delete removes one item. Deleting an absent item is not an error.
func (v *Vector) Delete(_ context.Context, ownerScope, key string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.items[ownerScope], key)
	return nil
}

// DeleteScope removes every item in the scope and returns the count.
func (v *Vector) DeleteScope(_ context.Context, ownerScope string) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	count := len(v.items[ownerScope])
	delete(v.items, ownerScope)
	return count, nil
}

// Ready always succeeds for the in-memory backend.
func (v *Vector) Ready(_ context.Context) error { return nil }

// Close releases the index.
func (v *Vector) Close() error {
	v.mu.Lock()
	v.items = make(map[string]map[string]models.MemoryItem)
	v.mu.Unlock()
	return nil
}

// cosine returns the cosine similarity of a and b, or 0 when either is
// empty, mismatched in length, or zero-magnitude.
func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

var _ store.VectorStore = (*Vector)(nil)
