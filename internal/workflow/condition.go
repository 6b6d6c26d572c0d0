package workflow

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// ConditionType tags a condition variant.
type ConditionType string

const (
	CondTaskSuccess    ConditionType = "TASK_SUCCESS"
	CondTaskFailure    ConditionType = "TASK_FAILURE"
	CondTaskCompletion ConditionType = "TASK_COMPLETION"
	CondExpression     ConditionType = "EXPRESSION"
	CondState          ConditionType = "STATE_CONDITION"
	CondAlways         ConditionType = "ALWAYS"
)

// Condition gates whether a task runs once its dependencies are resolved.
// The concrete types below are the only implementations.
type Condition interface {
	Type() ConditionType
	isCondition()
}

// TaskSuccess holds when the referenced task completed.
type TaskSuccess struct{ TaskID string }

// TaskFailure holds when the referenced task failed.
type TaskFailure struct{ TaskID string }

// TaskCompletion holds when the referenced task completed or failed.
type TaskCompletion struct{ TaskID string }

// Expression holds when the boolean expression evaluates true.
type Expression struct{ Expr string }

// StateCondition holds when the state store value at Path equals Value.
type StateCondition struct {
	Path  string
	Value any
}

// Always holds unconditionally.
type Always struct{}

func (TaskSuccess) Type() ConditionType    { return CondTaskSuccess }
func (TaskFailure) Type() ConditionType    { return CondTaskFailure }
func (TaskCompletion) Type() ConditionType { return CondTaskCompletion }
func (Expression) Type() ConditionType     { return CondExpression }
func (StateCondition) Type() ConditionType { return CondState }
func (Always) Type() ConditionType         { return CondAlways }

func (TaskSuccess) isCondition()    {}
func (TaskFailure) isCondition()    {}
func (TaskCompletion) isCondition() {}
func (Expression) isCondition()     {}
func (StateCondition) isCondition() {}
func (Always) isCondition()         {}

// referencedTask returns the task id a task-status condition points at.
func referencedTask(c Condition) (string, bool) {
	switch v := c.(type) {
	case TaskSuccess:
		return v.TaskID, true
	case TaskFailure:
		return v.TaskID, true
	case TaskCompletion:
		return v.TaskID, true
	}
	return "", false
}

// conditionDoc is the wire form of every variant.
type conditionDoc struct {
	Type       ConditionType `json:"type" yaml:"type"`
	TaskID     string        `json:"taskId,omitempty" yaml:"task_id,omitempty"`
	Expression string        `json:"expression,omitempty" yaml:"expression,omitempty"`
	StatePath  string        `json:"statePath,omitempty" yaml:"state_path,omitempty"`
	Value      any           `json:"value,omitempty" yaml:"value,omitempty"`
}

func (d conditionDoc) condition() (Condition, error) {
	switch d.Type {
	case CondTaskSuccess, CondTaskFailure, CondTaskCompletion:
		if d.TaskID == "" {
			return nil, fmt.Errorf("%s condition requires taskId", d.Type)
		}
		switch d.Type {
		case CondTaskSuccess:
			return TaskSuccess{TaskID: d.TaskID}, nil
		case CondTaskFailure:
			return TaskFailure{TaskID: d.TaskID}, nil
		}
		return TaskCompletion{TaskID: d.TaskID}, nil
	case CondExpression:
		if d.Expression == "" {
			return nil, fmt.Errorf("EXPRESSION condition requires expression")
		}
		return Expression{Expr: d.Expression}, nil
	case CondState:
		if d.StatePath == "" {
			return nil, fmt.Errorf("STATE_CONDITION requires statePath")
		}
		return StateCondition{Path: d.StatePath, Value: d.Value}, nil
	case CondAlways:
		return Always{}, nil
	}
	return nil, fmt.Errorf("unknown condition type %q", d.Type)
}

func docOf(c Condition) conditionDoc {
	d := conditionDoc{Type: c.Type()}
	switch v := c.(type) {
	case TaskSuccess:
		d.TaskID = v.TaskID
	case TaskFailure:
		d.TaskID = v.TaskID
	case TaskCompletion:
		d.TaskID = v.TaskID
	case Expression:
		d.Expression = v.Expr
	case StateCondition:
		d.StatePath, d.Value = v.Path, v.Value
	}
	return d
}

// Conditions is a list of conditions with a tagged wire encoding.
type Conditions []Condition

func (cs Conditions) MarshalJSON() ([]byte, error) {
	docs := make([]conditionDoc, len(cs))
	for i, c := range cs {
		docs[i] = docOf(c)
	}
	return json.Marshal(docs)
}

func (cs *Conditions) UnmarshalJSON(b []byte) error {
	var docs []conditionDoc
	if err := json.Unmarshal(b, &docs); err != nil {
		return err
	}
	return cs.fromDocs(docs)
}

func (cs Conditions) MarshalYAML() (any, error) {
	docs := make([]conditionDoc, len(cs))
	for i, c := range cs {
		docs[i] = docOf(c)
	}
	return docs, nil
}

func (cs *Conditions) UnmarshalYAML(n *yaml.Node) error {
	var docs []conditionDoc
	if err := n.Decode(&docs); err != nil {
		return err
	}
	return cs.fromDocs(docs)
}

func (cs *Conditions) fromDocs(docs []conditionDoc) error {
	out := make(Conditions, 0, len(docs))
	for i, d := range docs {
		c, err := d.condition()
		if err != nil {
			return fmt.Errorf("condition %d: %w", i, err)
		}
		out = append(out, c)
	}
	*cs = out
	return nil
}
