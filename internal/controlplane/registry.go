package controlplane

import (
	"sort"
	"sync"
)

// StrategyRegistry tracks paused strategy agents. Paused agents' intents are
// still accepted but excluded from voting tallies and quorum, so a resume
// picks up mid-window without replay.
type StrategyRegistry struct {
	mu     sync.RWMutex
	paused map[string]bool
}

// NewStrategyRegistry creates an empty registry.
func NewStrategyRegistry() *StrategyRegistry {
	return &StrategyRegistry{paused: make(map[string]bool)}
}

// Pause marks a strategy agent as paused.
func (r *StrategyRegistry) Pause(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused[agentID] = true
}

// Resume unmarks a paused strategy agent.
func (r *StrategyRegistry) Resume(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.paused, agentID)
}

// IsPaused reports whether the agent is currently paused.
func (r *StrategyRegistry) IsPaused(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.paused[agentID]
}

// Paused returns the sorted list of paused agents.
func (r *StrategyRegistry) Paused() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.paused))
	for id := range r.paused {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
