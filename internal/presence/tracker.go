// ABOUTME: In-memory presence registry for support agents
// ABOUTME: Tracks online/away/busy/offline with a grace window for reconnects

package presence

import (
	"sort"
	"sync"
	"time"
)

// Status is an agent's availability state.
type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

// Valid reports whether s is a recognized presence status.
func (s Status) Valid() bool {
	switch s {
	case StatusOnline, StatusAway, StatusBusy, StatusOffline:
		return true
	}
	return false
}

// DefaultGrace is how long an offline agent entry is retained so a
// reconnecting socket can still be matched to its previous identity.
const DefaultGrace = 10 * time.Minute

// Agent is a snapshot of one agent's presence.
type Agent struct {
	ID          string
	DisplayName string
	Status      Status
	LastSeen    time.Time
}

// Tracker keeps agent presence in memory. Presence is transport state, not
// business state, so it is never persisted.
type Tracker struct {
	mu     sync.RWMutex
	agents map[string]*Agent
	grace  time.Duration
	now    func() time.Time
}

// NewTracker creates a tracker retaining offline entries for grace.
// Zero or negative grace uses DefaultGrace.
func NewTracker(grace time.Duration) *Tracker {
	if grace <= 0 {
		grace = DefaultGrace
	}
	return &Tracker{
		agents: make(map[string]*Agent),
		grace:  grace,
		now:    time.Now,
	}
}

// SetStatus records a status change for agentID. An empty displayName keeps
// the previously known name.
func (t *Tracker) SetStatus(agentID, displayName string, status Status) {
	t.mu.Lock()
	defer t.mu.Unlock()

	a, ok := t.agents[agentID]
	if !ok {
		a = &Agent{ID: agentID}
		t.agents[agentID] = a
	}
	if displayName != "" {
		a.DisplayName = displayName
	}
	a.Status = status
	a.LastSeen = t.now()
}

// Get returns the agent's presence. Offline entries older than the grace
// window are treated as unknown.
func (t *Tracker) Get(agentID string) (Agent, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	a, ok := t.agents[agentID]
	if !ok {
		return Agent{}, false
	}
	if a.Status == StatusOffline && t.now().Sub(a.LastSeen) > t.grace {
		return Agent{}, false
	}
	return *a, true
}

// Available returns all agents whose status is online, away, or busy,
// ordered by id for stable output.
func (t *Tracker) Available() []Agent {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Agent, 0, len(t.agents))
	for _, a := range t.agents {
		if a.Status != StatusOffline {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Prune drops offline entries past the grace window. Called periodically by
// the owner; safe to call at any time.
func (t *Tracker) Prune() {
	cutoff := t.now().Add(-t.grace)

	t.mu.Lock()
	defer t.mu.Unlock()

	for id, a := range t.agents {
		if a.Status == StatusOffline && a.LastSeen.Before(cutoff) {
			delete(t.agents, id)
		}
	}
}
