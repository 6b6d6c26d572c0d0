package task

import (
	"slices"
	"time"
)

// Status tracks a task through its lifecycle.
type Status string

const (
	StatusPending    Status = "pending"
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Statuses lists every task status in lifecycle order.
var Statuses = []Status{
	StatusPending, StatusAssigned, StatusInProgress,
	StatusCompleted, StatusFailed, StatusCancelled,
}

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Active reports whether s holds an agent.
func (s Status) Active() bool {
	return s == StatusAssigned || s == StatusInProgress
}

// Priority orders ready tasks for scheduling.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Weight maps priorities onto critical=3 > high=2 > medium=1 > low=0.
func (p Priority) Weight() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// Metadata keys with meaning to the coordinator.
const (
	MetaRequiredCapabilities = "requiredCapabilities"
	MetaAction               = "action"
	MetaInput                = "input"
)

// Task is a unit of work owned by the coordinator's pool.
type Task struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Description string         `json:"description"`
	Priority    Priority       `json:"priority"`
	Status      Status         `json:"status"`
	AssignedTo  string         `json:"assignedTo,omitempty"`
	DependsOn   []string       `json:"dependsOn"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
	FailedAt    *time.Time     `json:"failedAt,omitempty"`
	Results     any            `json:"results,omitempty"`
	Error       string         `json:"error,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// RequiredCapabilities returns the capabilities listed in metadata, if any.
// Both []string and decoded JSON arrays are accepted.
func (t *Task) RequiredCapabilities() []string {
	switch v := t.Metadata[MetaRequiredCapabilities].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Action is the executor key: metadata "action" if set, else the task type.
func (t *Task) Action() string {
	if a, ok := t.Metadata[MetaAction].(string); ok && a != "" {
		return a
	}
	return t.Type
}

// Input returns metadata "input" as a map, if present.
func (t *Task) Input() map[string]any {
	if in, ok := t.Metadata[MetaInput].(map[string]any); ok {
		return in
	}
	return nil
}

// Clone returns a copy that shares no slices or maps with t.
func (t *Task) Clone() *Task {
	c := *t
	c.DependsOn = slices.Clone(t.DependsOn)
	if t.Metadata != nil {
		c.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		c.CompletedAt = &ts
	}
	if t.FailedAt != nil {
		ts := *t.FailedAt
		c.FailedAt = &ts
	}
	return &c
}

// Patch is a partial task update. Nil fields are left unchanged.
type Patch struct {
	Description *string
	Priority    *Priority
	DependsOn   []string
	Metadata    map[string]any
}

// Filter selects tasks; all set fields must match.
type Filter struct {
	Types         []string   `json:"types,omitempty"`
	Statuses      []Status   `json:"status,omitempty"`
	Priorities    []Priority `json:"priority,omitempty"`
	AssignedTo    string     `json:"assignedTo,omitempty"`
	CreatedAfter  time.Time  `json:"createdAfter,omitempty"`
	CreatedBefore time.Time  `json:"createdBefore,omitempty"`
	UpdatedAfter  time.Time  `json:"updatedAfter,omitempty"`
	UpdatedBefore time.Time  `json:"updatedBefore,omitempty"`
}

// Match reports whether t satisfies every criterion of f.
func (f Filter) Match(t *Task) bool {
	if len(f.Types) > 0 && !slices.Contains(f.Types, t.Type) {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, t.Status) {
		return false
	}
	if len(f.Priorities) > 0 && !slices.Contains(f.Priorities, t.Priority) {
		return false
	}
	if f.AssignedTo != "" && t.AssignedTo != f.AssignedTo {
		return false
	}
	if !f.CreatedAfter.IsZero() && !t.CreatedAt.After(f.CreatedAfter) {
		return false
	}
	if !f.CreatedBefore.IsZero() && !t.CreatedAt.Before(f.CreatedBefore) {
		return false
	}
	if !f.UpdatedAfter.IsZero() && !t.UpdatedAt.After(f.UpdatedAfter) {
		return false
	}
	if !f.UpdatedBefore.IsZero() && !t.UpdatedAt.Before(f.UpdatedBefore) {
		return false
	}
	return true
}
