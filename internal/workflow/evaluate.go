package workflow

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/nidhogg/nuka-conductor/internal/state"
	"github.com/nidhogg/nuka-conductor/internal/task"
)

// Evaluator decides conditions for one engine. Compiled expressions are cached.
type Evaluator struct {
	state    *state.Store
	programs sync.Map // source -> *vm.Program
}

// NewEvaluator creates an evaluator that reads STATE_CONDITION paths from st.
func NewEvaluator(st *state.Store) *Evaluator {
	return &Evaluator{state: st}
}

// Evaluate reports whether c holds for t within wf. Task-status conditions
// expect the referenced task to be final already.
func (e *Evaluator) Evaluate(c Condition, wf *Workflow, t *Task) (bool, error) {
	switch v := c.(type) {
	case Always:
		return true, nil
	case TaskSuccess:
		return e.statusIs(wf, v.TaskID, task.StatusCompleted)
	case TaskFailure:
		return e.statusIs(wf, v.TaskID, task.StatusFailed)
	case TaskCompletion:
		return e.statusIs(wf, v.TaskID, task.StatusCompleted, task.StatusFailed)
	case Expression:
		return e.expression(v.Expr, wf, t)
	case StateCondition:
		if e.state == nil {
			return false, nil
		}
		got, ok := e.state.Get(v.Path)
		if !ok {
			return false, nil
		}
		return valuesEqual(got, v.Value), nil
	}
	return false, fmt.Errorf("unsupported condition %T", c)
}

// All reports whether every condition of t holds. The first false or
// failing condition decides.
func (e *Evaluator) All(wf *Workflow, t *Task) (bool, error) {
	for _, c := range t.Conditions {
		ok, err := e.Evaluate(c, wf, t)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func (e *Evaluator) statusIs(wf *Workflow, id string, want ...task.Status) (bool, error) {
	ref, ok := wf.Task(id)
	if !ok {
		return false, fmt.Errorf("condition references unknown task %s", id)
	}
	for _, s := range want {
		if ref.Status == s {
			return true, nil
		}
	}
	return false, nil
}

// expression runs src against an environment built only from the workflow
// context, dependency results and task statuses.
func (e *Evaluator) expression(src string, wf *Workflow, t *Task) (bool, error) {
	program, err := e.compile(src)
	if err != nil {
		return false, err
	}
	statuses := make(map[string]any, len(wf.Tasks))
	for _, other := range wf.Tasks {
		statuses[other.ID] = string(other.Status)
	}
	env := map[string]any{
		"context": orEmpty(wf.Context),
		"results": orEmpty(t.DependencyResults),
		"status":  statuses,
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("expression %q: %w", src, err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("expression %q returned %T, want bool", src, out)
	}
	return b, nil
}

func (e *Evaluator) compile(src string) (*vm.Program, error) {
	if p, ok := e.programs.Load(src); ok {
		return p.(*vm.Program), nil
	}
	p, err := compileExpression(src)
	if err != nil {
		return nil, err
	}
	e.programs.Store(src, p)
	return p, nil
}

func compileExpression(src string) (*vm.Program, error) {
	env := map[string]any{
		"context": map[string]any{},
		"results": map[string]any{},
		"status":  map[string]any{},
	}
	p, err := expr.Compile(src, expr.Env(env))
	if err != nil {
		return nil, fmt.Errorf("compile expression %q: %w", src, err)
	}
	return p, nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// valuesEqual compares decoded values, treating all numeric kinds alike.
func valuesEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
