package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/nuka-conductor/internal/apperr"
	"go.uber.org/zap"
)

// Registry tracks registered agents and indexes them by capability.
// An agent id appears under capability c iff the agent currently lists c.
type Registry struct {
	agents map[string]*entry
	index  map[string]map[string]struct{} // capability -> agent ids
	seq    uint64
	mu     sync.RWMutex
	logger *zap.Logger
}

type entry struct {
	agent *Agent
	seq   uint64
}

// New creates an empty registry.
func New(logger *zap.Logger) *Registry {
	return &Registry{
		agents: make(map[string]*entry),
		index:  make(map[string]map[string]struct{}),
		logger: logger,
	}
}

// Register stores a copy of a and indexes its capabilities.
// Missing id, status and timestamps are filled in.
func (r *Registry) Register(a *Agent) (*Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, err := r.insert(a)
	if err != nil {
		return nil, err
	}
	r.logger.Info("registered agent",
		zap.String("id", stored.ID),
		zap.String("name", stored.Name),
		zap.Strings("capabilities", stored.Capabilities))
	return stored.Clone(), nil
}

// Unregister removes an agent and prunes empty capability buckets.
func (r *Registry) Unregister(id string) (*Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.agents[id]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", id, apperr.ErrNotFound)
	}
	r.unindex(e.agent)
	delete(r.agents, id)
	r.logger.Info("unregistered agent", zap.String("id", id))
	return e.agent.Clone(), nil
}

// Get returns a copy of the agent with the given id.
func (r *Registry) Get(id string) (*Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.agents[id]
	if !ok {
		return nil, false
	}
	return e.agent.Clone(), true
}

// List returns copies of all agents in registration order.
func (r *Registry) List() []*Agent {
	return r.Filter(Filter{})
}

// Filter returns agents matching f, in registration order.
func (r *Registry) Filter(f Filter) []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]*entry, 0, len(r.agents))
	for _, e := range r.agents {
		if f.Match(e.agent) {
			entries = append(entries, e)
		}
	}
	return cloneOrdered(entries)
}

// FindByCapability returns every agent indexed under capability, whatever its status.
func (r *Registry) FindByCapability(capability string) []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.index[capability]
	entries := make([]*entry, 0, len(ids))
	for id := range ids {
		entries = append(entries, r.agents[id])
	}
	return cloneOrdered(entries)
}

// UpdateStatus sets the agent's status.
func (r *Registry) UpdateStatus(id string, status Status) error {
	return r.Update(id, Patch{Status: &status})
}

// Update merges p into the agent, re-indexing capabilities when they change.
func (r *Registry) Update(id string, p Patch) error {
	if p.Status != nil && !p.Status.Valid() {
		return fmt.Errorf("agent %s: unknown status %q: %w", id, *p.Status, apperr.ErrInvalidTransition)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("agent %s: %w", id, apperr.ErrNotFound)
	}
	a := e.agent
	if p.Name != nil {
		a.Name = *p.Name
	}
	if p.Type != nil {
		a.Type = *p.Type
	}
	if p.Status != nil {
		a.Status = *p.Status
	}
	if p.PreferredModel != nil {
		a.PreferredModel = *p.PreferredModel
	}
	if p.Metadata != nil {
		if a.Metadata == nil {
			a.Metadata = make(map[string]any, len(p.Metadata))
		}
		for k, v := range p.Metadata {
			a.Metadata[k] = v
		}
	}
	if p.Capabilities != nil {
		r.unindex(a)
		a.Capabilities = normalizeCapabilities(p.Capabilities)
		r.reindex(a)
	}
	a.LastActive = time.Now()
	return nil
}

// Touch refreshes the agent's last-active timestamp.
func (r *Registry) Touch(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("agent %s: %w", id, apperr.ErrNotFound)
	}
	e.agent.LastActive = time.Now()
	return nil
}

// CountByStatus returns the number of agents per status.
func (r *Registry) CountByStatus() map[Status]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := map[Status]int{
		StatusAvailable: 0,
		StatusBusy:      0,
		StatusOffline:   0,
		StatusError:     0,
	}
	for _, e := range r.agents {
		counts[e.agent.Status]++
	}
	return counts
}

// CountByType returns the number of agents per type.
func (r *Registry) CountByType() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[string]int)
	for _, e := range r.agents {
		counts[e.agent.Type]++
	}
	return counts
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// Replace drops every agent and registers the given set, preserving their
// stored fields. Used when restoring a snapshot.
func (r *Registry) Replace(agents []*Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.agents = make(map[string]*entry, len(agents))
	r.index = make(map[string]map[string]struct{})
	for _, a := range agents {
		if _, err := r.insert(a); err != nil {
			return err
		}
	}
	r.logger.Info("registry replaced", zap.Int("agents", len(agents)))
	return nil
}

// insert stores a copy of a (caller must hold lock).
func (r *Registry) insert(a *Agent) (*Agent, error) {
	stored := a.Clone()
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	if _, exists := r.agents[stored.ID]; exists {
		return nil, fmt.Errorf("agent %s: %w", stored.ID, apperr.ErrDuplicateID)
	}
	if stored.Status == "" {
		stored.Status = StatusAvailable
	}
	if !stored.Status.Valid() {
		return nil, fmt.Errorf("agent %s: unknown status %q: %w", stored.ID, stored.Status, apperr.ErrInvalidTransition)
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	if stored.LastActive.IsZero() {
		stored.LastActive = stored.CreatedAt
	}
	stored.Capabilities = normalizeCapabilities(stored.Capabilities)

	r.seq++
	r.agents[stored.ID] = &entry{agent: stored, seq: r.seq}
	r.reindex(stored)
	return stored, nil
}

// reindex adds a's capabilities to the index (caller must hold lock).
func (r *Registry) reindex(a *Agent) {
	for _, c := range a.Capabilities {
		bucket, ok := r.index[c]
		if !ok {
			bucket = make(map[string]struct{})
			r.index[c] = bucket
		}
		bucket[a.ID] = struct{}{}
	}
}

// unindex removes a from every capability bucket (caller must hold lock).
func (r *Registry) unindex(a *Agent) {
	for _, c := range a.Capabilities {
		bucket := r.index[c]
		delete(bucket, a.ID)
		if len(bucket) == 0 {
			delete(r.index, c)
		}
	}
}

// capabilityIndexSize returns the number of capability buckets.
func (r *Registry) capabilityIndexSize() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.index)
}

func cloneOrdered(entries []*entry) []*Agent {
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]*Agent, len(entries))
	for i, e := range entries {
		out[i] = e.agent.Clone()
	}
	return out
}
