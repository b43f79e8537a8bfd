package scheduler

import (
	"hash/fnv"
	"sort"
	"time"

	"github.com/mycosoft/mascore/pkg/models"
	"github.com/mycosoft/mascore/pkg/registry"
)

// RegistryView is the slice of the registry the scheduler routes against.
type RegistryView interface {
	FindByCapability(capability string) []*registry.Record
}

// stableHash breaks ranking ties deterministically per (task, agent) pair.
func stableHash(taskID, agentID string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(taskID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(agentID))
	return h.Sum32()
}

// reserveAgent picks the best routable agent for the task and reserves one
// in-flight slot on it. It returns false when no agent qualifies right now.
//
// Ranking: fewest in-flight tasks below the agent's declared limit, then
// lowest recent failure count, then the stable hash.
func (s *Scheduler) reserveAgent(task *models.Task) (string, bool) {
	records := s.registry.FindByCapability(task.Capability)

	s.mu.Lock()
	defer s.mu.Unlock()

	type candidate struct {
		agentID  string
		inFlight int
		failures int
		hash     uint32
	}
	var candidates []candidate
	cutoff := time.Now().Add(-s.cfg.FailureWindow)
	for _, record := range records {
		if !record.Status.Routable(task.Priority) {
			continue
		}
		limit := record.Descriptor.Limits.MaxInFlight
		if limit <= 0 {
			limit = 1
		}
		inFlight := s.agentLoad[record.Descriptor.AgentID]
		if inFlight >= limit {
			continue
		}
		candidates = append(candidates, candidate{
			agentID:  record.Descriptor.AgentID,
			inFlight: inFlight,
			failures: s.failuresSinceLocked(record.Descriptor.AgentID, cutoff),
			hash:     stableHash(task.TaskID, record.Descriptor.AgentID),
		})
	}
	if len(candidates) == 0 {
		return "", false
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].inFlight != candidates[j].inFlight {
			return candidates[i].inFlight < candidates[j].inFlight
		}
		if candidates[i].failures != candidates[j].failures {
			return candidates[i].failures < candidates[j].failures
		}
		return candidates[i].hash < candidates[j].hash
	})

	chosen := candidates[0].agentID
	s.agentLoad[chosen]++
	return chosen, true
}

func (s *Scheduler) releaseAgent(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.agentLoad[agentID] > 0 {
		s.agentLoad[agentID]--
	}
	if s.agentLoad[agentID] == 0 {
		delete(s.agentLoad, agentID)
	}
}

// recordFailure notes a failed attempt against the agent for the routing
// tie-breaker.
func (s *Scheduler) recordFailure(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-s.cfg.FailureWindow)
	kept := s.failures[agentID][:0]
	for _, at := range s.failures[agentID] {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	s.failures[agentID] = append(kept, time.Now())
}

func (s *Scheduler) failuresSinceLocked(agentID string, cutoff time.Time) int {
	n := 0
	for _, at := range s.failures[agentID] {
		if at.After(cutoff) {
			n++
		}
	}
	return n
}
