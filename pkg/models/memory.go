package models

import (
	"encoding/json"
	"time"
)

// MemoryLayer identifies one of the layered stores in the memory subsystem.
type MemoryLayer string

// Memory layers and their lifecycle:
//
//	ephemeral — in-process, per turn; discarded at turn end
//	session   — KV with TTL, keyed by session id
//	working   — KV with TTL, keyed by task or correlation id
//	semantic  — vector-indexed, similarity search
//	episodic  — append-only timeline, queryable by time range and agent
//	profile   — long-lived KV per subject
const (
	LayerEphemeral MemoryLayer = "ephemeral"
	LayerSession   MemoryLayer = "session"
	LayerWorking   MemoryLayer = "working"
	LayerSemantic  MemoryLayer = "semantic"
	LayerEpisodic  MemoryLayer = "episodic"
	LayerProfile   MemoryLayer = "profile"
)

// Valid reports whether the layer is a recognized memory layer.
func (l MemoryLayer) Valid() bool {
	switch l {
	case LayerEphemeral, LayerSession, LayerWorking, LayerSemantic, LayerEpisodic, LayerProfile:
		return true
	}
	return false
}

// MemoryItem is one entry in a memory layer.
type MemoryItem struct {
	Layer      MemoryLayer     `json:"layer"`
	Key        string          `json:"key"`
	Value      json.RawMessage `json:"value"`
	TTL        time.Duration   `json:"ttl,omitempty"`
	Embedding  []float32       `json:"embedding,omitempty"`
	OwnerScope string          `json:"owner_scope,omitempty"`
	CreatedAt  time.Time       `json:"created_at,omitzero"`
}

// MemoryMatch is one semantic search hit.
type MemoryMatch struct {
	Item  MemoryItem `json:"item"`
	Score float64    `json:"score"`
}
