package workflow

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/nidhogg/nuka-conductor/internal/task"
	"gopkg.in/yaml.v3"
)

// Status is the lifecycle state of a workflow.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the workflow has finished.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// TaskSkipped is the outcome of a task whose conditions did not hold.
const TaskSkipped task.Status = "skipped"

// taskDone reports whether a workflow task reached a final status.
func taskDone(s task.Status) bool {
	return s.Terminal() || s == TaskSkipped
}

// Duration is a time.Duration that reads "30s" style strings or plain
// milliseconds from JSON and YAML.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	return d.set(v)
}

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	if n.Tag == "!!int" {
		ms, err := strconv.ParseInt(n.Value, 10, 64)
		if err != nil {
			return err
		}
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	return d.set(n.Value)
}

func (d *Duration) set(v any) error {
	switch x := v.(type) {
	case float64:
		*d = Duration(time.Duration(x) * time.Millisecond)
	case string:
		if x == "" {
			*d = 0
			return nil
		}
		parsed, err := time.ParseDuration(x)
		if err != nil {
			return fmt.Errorf("duration %q: %w", x, err)
		}
		*d = Duration(parsed)
	case nil:
		*d = 0
	default:
		return fmt.Errorf("duration: unsupported value %v", v)
	}
	return nil
}

// Task is one step of a workflow. Run-state fields are empty in templates.
type Task struct {
	ID          string         `json:"id" yaml:"id"`
	Name        string         `json:"name,omitempty" yaml:"name,omitempty"`
	Type        string         `json:"type,omitempty" yaml:"type,omitempty"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	UnitID      string         `json:"unitId,omitempty" yaml:"unit_id,omitempty"`
	Action      string         `json:"action" yaml:"action"`
	Priority    task.Priority  `json:"priority,omitempty" yaml:"priority,omitempty"`
	DependsOn   []string       `json:"dependsOn,omitempty" yaml:"depends_on,omitempty"`
	Conditions  Conditions     `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Input       map[string]any `json:"input,omitempty" yaml:"input,omitempty"`
	Timeout     Duration       `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Retries     int            `json:"retries,omitempty" yaml:"retries,omitempty"`
	Optional    bool           `json:"optional,omitempty" yaml:"optional,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`

	RunID             string         `json:"runId,omitempty" yaml:"-"`
	Status            task.Status    `json:"status,omitempty" yaml:"-"`
	Attempts          int            `json:"attempts,omitempty" yaml:"-"`
	DependencyResults map[string]any `json:"dependencyResults,omitempty" yaml:"-"`
	Output            any            `json:"output,omitempty" yaml:"-"`
	Error             string         `json:"error,omitempty" yaml:"-"`
	StartedAt         *time.Time     `json:"startedAt,omitempty" yaml:"-"`
	CompletedAt       *time.Time     `json:"completedAt,omitempty" yaml:"-"`
}

// Clone deep-copies slices and the top level of maps.
func (t *Task) Clone() *Task {
	c := *t
	c.DependsOn = slices.Clone(t.DependsOn)
	c.Conditions = slices.Clone(t.Conditions)
	c.Input = cloneMap(t.Input)
	c.Metadata = cloneMap(t.Metadata)
	c.DependencyResults = cloneMap(t.DependencyResults)
	if t.StartedAt != nil {
		ts := *t.StartedAt
		c.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		c.CompletedAt = &ts
	}
	return &c
}

// blueprint returns a copy with every run-state field cleared.
func (t *Task) blueprint() *Task {
	c := t.Clone()
	c.RunID = ""
	c.Status = ""
	c.Attempts = 0
	c.DependencyResults = nil
	c.Output = nil
	c.Error = ""
	c.StartedAt = nil
	c.CompletedAt = nil
	return c
}

// Workflow is a running or finished instance of a task graph.
type Workflow struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Version     int            `json:"version"`
	Tasks       []*Task        `json:"tasks"`
	Status      Status         `json:"status"`
	Context     map[string]any `json:"context,omitempty"`
	TemplateID  string         `json:"templateId,omitempty"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	StartedAt   *time.Time     `json:"startedAt,omitempty"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
}

// Clone returns a copy safe to hand to callers.
func (w *Workflow) Clone() *Workflow {
	c := *w
	c.Context = cloneMap(w.Context)
	c.Tasks = make([]*Task, len(w.Tasks))
	for i, t := range w.Tasks {
		c.Tasks[i] = t.Clone()
	}
	if w.StartedAt != nil {
		ts := *w.StartedAt
		c.StartedAt = &ts
	}
	if w.CompletedAt != nil {
		ts := *w.CompletedAt
		c.CompletedAt = &ts
	}
	return &c
}

// Task returns the task with the given id.
func (w *Workflow) Task(id string) (*Task, bool) {
	for _, t := range w.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return nil, false
}

// Definition describes a workflow to create directly.
type Definition struct {
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Version     int            `json:"version,omitempty" yaml:"version,omitempty"`
	Tasks       []*Task        `json:"tasks" yaml:"tasks"`
	Context     map[string]any `json:"context,omitempty" yaml:"context,omitempty"`
}

// Template is a versioned blueprint for workflows.
type Template struct {
	ID          string         `json:"id" yaml:"id,omitempty"`
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Version     int            `json:"version" yaml:"version,omitempty"`
	Tasks       []*Task        `json:"tasks" yaml:"tasks"`
	Context     map[string]any `json:"context,omitempty" yaml:"context,omitempty"`
	CreatedAt   time.Time      `json:"createdAt" yaml:"-"`
	UpdatedAt   time.Time      `json:"updatedAt" yaml:"-"`
}

// Clone deep-copies the template's tasks.
func (t *Template) Clone() *Template {
	c := *t
	c.Context = cloneMap(t.Context)
	c.Tasks = make([]*Task, len(t.Tasks))
	for i, task := range t.Tasks {
		c.Tasks[i] = task.Clone()
	}
	return &c
}

// CreateOptions customizes a workflow created from a template.
type CreateOptions struct {
	Name    string         `json:"name,omitempty"`
	Context map[string]any `json:"context,omitempty"`
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
