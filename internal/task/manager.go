package task

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/nuka-conductor/internal/apperr"
	"go.uber.org/zap"
)

// AgentLookup reports whether an agent id exists. Assign consults it when set.
type AgentLookup func(id string) bool

// TransitionFunc observes a status change. t is a copy taken after the change.
type TransitionFunc func(t *Task, from Status)

// Manager owns task records and their status transitions.
type Manager struct {
	tasks     map[string]*entry
	seq       uint64
	agents    AgentLookup
	observers []TransitionFunc
	mu        sync.RWMutex
	logger    *zap.Logger
}

type entry struct {
	task *Task
	seq  uint64
}

// NewManager creates an empty task store.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		tasks:  make(map[string]*entry),
		logger: logger,
	}
}

// SetAgentLookup installs the agent existence check used by Assign.
func (m *Manager) SetAgentLookup(fn AgentLookup) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents = fn
}

// Observe registers fn for every status change. Observers run after the
// store lock is released, in registration order.
func (m *Manager) Observe(fn TransitionFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// Create stores a new pending task and returns its id.
func (m *Manager) Create(t *Task) (string, error) {
	m.mu.Lock()
	stored, err := m.insert(t, true)
	m.mu.Unlock()
	if err != nil {
		return "", err
	}
	m.logger.Info("task created",
		zap.String("task", stored.ID),
		zap.String("type", stored.Type),
		zap.String("priority", string(stored.Priority)))
	m.emit(stored.Clone(), "")
	return stored.ID, nil
}

// Get returns a copy of the task with the given id.
func (m *Manager) Get(id string) (*Task, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.tasks[id]
	if !ok {
		return nil, false
	}
	return e.task.Clone(), true
}

// List returns every task in arrival order.
func (m *Manager) List() []*Task {
	return m.Filter(Filter{})
}

// Filter returns tasks matching f, in arrival order.
func (m *Manager) Filter(f Filter) []*Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := make([]*entry, 0, len(m.tasks))
	for _, e := range m.tasks {
		if f.Match(e.task) {
			entries = append(entries, e)
		}
	}
	return cloneOrdered(entries)
}

// Assign moves a pending task to assigned and records the agent.
func (m *Manager) Assign(taskID, agentID string) error {
	m.mu.RLock()
	lookup := m.agents
	m.mu.RUnlock()
	if agentID == "" || (lookup != nil && !lookup(agentID)) {
		return fmt.Errorf("agent %s: %w", agentID, apperr.ErrNotFound)
	}
	return m.transition(taskID, func(t *Task) error {
		if t.Status != StatusPending {
			return invalid(t, StatusAssigned)
		}
		t.Status = StatusAssigned
		t.AssignedTo = agentID
		return nil
	})
}

// Start moves an assigned task to in-progress.
func (m *Manager) Start(taskID string) error {
	return m.transition(taskID, func(t *Task) error {
		if t.Status != StatusAssigned {
			return invalid(t, StatusInProgress)
		}
		t.Status = StatusInProgress
		return nil
	})
}

// Complete records a result on an in-progress task.
func (m *Manager) Complete(taskID string, result any) error {
	return m.transition(taskID, func(t *Task) error {
		if t.Status != StatusInProgress {
			return invalid(t, StatusCompleted)
		}
		now := time.Now()
		t.Status = StatusCompleted
		t.CompletedAt = &now
		t.Results = result
		return nil
	})
}

// Fail records an error. Pending and assigned tasks may fail too, for abort paths.
func (m *Manager) Fail(taskID, errMsg string) error {
	return m.transition(taskID, func(t *Task) error {
		if t.Status.Terminal() {
			return invalid(t, StatusFailed)
		}
		now := time.Now()
		t.Status = StatusFailed
		t.FailedAt = &now
		t.Error = errMsg
		return nil
	})
}

// Cancel stops a non-terminal task from being scheduled again.
func (m *Manager) Cancel(taskID, reason string) error {
	return m.transition(taskID, func(t *Task) error {
		if t.Status.Terminal() {
			return invalid(t, StatusCancelled)
		}
		t.Status = StatusCancelled
		if reason != "" {
			t.Error = reason
		}
		return nil
	})
}

// Unassign returns an assigned or in-progress task to pending. A pending
// task is left as is.
func (m *Manager) Unassign(taskID string) error {
	return m.transition(taskID, func(t *Task) error {
		switch {
		case t.Status == StatusPending:
			return errNoChange
		case t.Status.Terminal():
			return invalid(t, StatusPending)
		}
		t.Status = StatusPending
		t.AssignedTo = ""
		return nil
	})
}

// Update merges p into a non-terminal task.
func (m *Manager) Update(taskID string, p Patch) error {
	if p.Priority != nil && !p.Priority.Valid() {
		return fmt.Errorf("task %s: unknown priority %q: %w", taskID, *p.Priority, apperr.ErrInvalidDefinition)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s: %w", taskID, apperr.ErrNotFound)
	}
	t := e.task
	if t.Status.Terminal() {
		return fmt.Errorf("task %s is %s: %w", taskID, t.Status, apperr.ErrInvalidTransition)
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.Priority != nil {
		t.Priority = *p.Priority
	}
	if p.DependsOn != nil {
		t.DependsOn = append([]string(nil), p.DependsOn...)
	}
	if p.Metadata != nil {
		if t.Metadata == nil {
			t.Metadata = make(map[string]any, len(p.Metadata))
		}
		for k, v := range p.Metadata {
			t.Metadata[k] = v
		}
	}
	t.UpdatedAt = time.Now()
	return nil
}

// Delete removes a task record.
func (m *Manager) Delete(taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[taskID]; !ok {
		return fmt.Errorf("task %s: %w", taskID, apperr.ErrNotFound)
	}
	delete(m.tasks, taskID)
	return nil
}

// AreDependenciesSatisfied reports whether every dependency of the task is
// completed. Unknown tasks and unknown dependency ids count as unsatisfied.
func (m *Manager) AreDependenciesSatisfied(taskID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.tasks[taskID]
	if !ok {
		return false
	}
	return m.satisfied(e.task)
}

// ReadyTasks returns pending tasks whose dependencies are all completed, in
// arrival order. Tasks on a dependency cycle are never ready.
func (m *Manager) ReadyTasks() []*Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ready []*entry
	for _, e := range m.tasks {
		if e.task.Status == StatusPending && m.satisfied(e.task) {
			ready = append(ready, e)
		}
	}
	return cloneOrdered(ready)
}

// DependencyChain returns the transitive dependencies of a task, nearest
// first. Each id appears once even when the graph has cycles.
func (m *Manager) DependencyChain(taskID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	visited := map[string]bool{taskID: true}
	var chain []string
	queue := []string{taskID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		e, ok := m.tasks[id]
		if !ok {
			continue
		}
		for _, dep := range e.task.DependsOn {
			if visited[dep] {
				continue
			}
			visited[dep] = true
			chain = append(chain, dep)
			queue = append(queue, dep)
		}
	}
	return chain
}

// InCycle reports whether the task can reach itself through dependsOn edges.
func (m *Manager) InCycle(taskID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	visited := make(map[string]bool)
	stack := []string{taskID}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		e, ok := m.tasks[id]
		if !ok {
			continue
		}
		for _, dep := range e.task.DependsOn {
			if dep == taskID {
				return true
			}
			if !visited[dep] {
				visited[dep] = true
				stack = append(stack, dep)
			}
		}
	}
	return false
}

// CountByStatus returns task counts for all six statuses.
func (m *Manager) CountByStatus() map[Status]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[Status]int, len(Statuses))
	for _, s := range Statuses {
		counts[s] = 0
	}
	for _, e := range m.tasks {
		counts[e.task.Status]++
	}
	return counts
}

// ActiveCount returns how many tasks are assigned or in progress on agentID.
func (m *Manager) ActiveCount(agentID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, e := range m.tasks {
		if e.task.AssignedTo == agentID && e.task.Status.Active() {
			n++
		}
	}
	return n
}

// ActiveFor returns the assigned or in-progress tasks held by agentID.
func (m *Manager) ActiveFor(agentID string) []*Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*entry
	for _, e := range m.tasks {
		if e.task.AssignedTo == agentID && e.task.Status.Active() {
			out = append(out, e)
		}
	}
	return cloneOrdered(out)
}

// Len returns the number of tasks.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tasks)
}

// Replace drops every task and stores the given set as is. Used when
// restoring a snapshot; statuses and timestamps are preserved.
func (m *Manager) Replace(tasks []*Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = make(map[string]*entry, len(tasks))
	for _, t := range tasks {
		if _, err := m.insert(t, false); err != nil {
			return err
		}
	}
	m.logger.Info("task store replaced", zap.Int("tasks", len(tasks)))
	return nil
}

var errNoChange = errors.New("no change")

// transition applies fn under the lock and notifies observers on success.
func (m *Manager) transition(taskID string, fn func(*Task) error) error {
	m.mu.Lock()
	e, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("task %s: %w", taskID, apperr.ErrNotFound)
	}
	from := e.task.Status
	if err := fn(e.task); err != nil {
		m.mu.Unlock()
		if errors.Is(err, errNoChange) {
			return nil
		}
		return err
	}
	e.task.UpdatedAt = time.Now()
	snapshot := e.task.Clone()
	m.mu.Unlock()

	m.logger.Debug("task transition",
		zap.String("task", taskID),
		zap.String("from", string(from)),
		zap.String("to", string(snapshot.Status)))
	m.emit(snapshot, from)
	return nil
}

func (m *Manager) emit(t *Task, from Status) {
	m.mu.RLock()
	observers := append([]TransitionFunc(nil), m.observers...)
	m.mu.RUnlock()
	for _, fn := range observers {
		fn(t, from)
	}
}

// insert stores a copy of t (caller must hold lock). When fresh is set the
// task is reset to a new pending record.
func (m *Manager) insert(t *Task, fresh bool) (*Task, error) {
	stored := t.Clone()
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	if _, exists := m.tasks[stored.ID]; exists {
		return nil, fmt.Errorf("task %s: %w", stored.ID, apperr.ErrDuplicateID)
	}
	if stored.Priority == "" {
		stored.Priority = PriorityMedium
	}
	if !stored.Priority.Valid() {
		return nil, fmt.Errorf("task %s: unknown priority %q: %w", stored.ID, stored.Priority, apperr.ErrInvalidDefinition)
	}
	if stored.DependsOn == nil {
		stored.DependsOn = []string{}
	}
	if fresh {
		now := time.Now()
		stored.Status = StatusPending
		stored.AssignedTo = ""
		stored.CreatedAt = now
		stored.UpdatedAt = now
		stored.CompletedAt = nil
		stored.FailedAt = nil
		stored.Results = nil
		stored.Error = ""
	} else if stored.Status == "" {
		stored.Status = StatusPending
	}

	m.seq++
	m.tasks[stored.ID] = &entry{task: stored, seq: m.seq}
	return stored, nil
}

// satisfied checks direct dependencies only (caller must hold lock). A
// dependency is satisfied only when completed, so a cycle never resolves.
func (m *Manager) satisfied(t *Task) bool {
	for _, dep := range t.DependsOn {
		d, ok := m.tasks[dep]
		if !ok || d.task.Status != StatusCompleted {
			return false
		}
	}
	return true
}

func invalid(t *Task, to Status) error {
	return fmt.Errorf("task %s: %s -> %s: %w", t.ID, t.Status, to, apperr.ErrInvalidTransition)
}

func cloneOrdered(entries []*entry) []*Task {
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]*Task, len(entries))
	for i, e := range entries {
		out[i] = e.task.Clone()
	}
	return out
}
