package workflow

import (
	"fmt"
	"strings"

	"github.com/nidhogg/nuka-conductor/internal/apperr"
)

// Validate checks a task graph: ids are unique, every dependency and
// condition reference names a task in the graph, expressions compile and
// no cycle exists through dependencies or condition references.
func Validate(tasks []*Task) error {
	if len(tasks) == 0 {
		return invalidf("workflow must have at least one task")
	}

	ids := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if t.ID == "" {
			return invalidf("task id is required")
		}
		if ids[t.ID] {
			return invalidf("duplicate task id: %s", t.ID)
		}
		ids[t.ID] = true
	}

	for _, t := range tasks {
		if t.Action == "" && t.Type == "" {
			return invalidf("task %s: action is required", t.ID)
		}
		if t.Priority != "" && !t.Priority.Valid() {
			return invalidf("task %s: unknown priority %q", t.ID, t.Priority)
		}
		if t.Retries < 0 {
			return invalidf("task %s: retries must not be negative", t.ID)
		}
		for _, dep := range t.DependsOn {
			if dep == t.ID {
				return invalidf("task %s depends on itself", t.ID)
			}
			if !ids[dep] {
				return invalidf("task %s: dependency %s not found", t.ID, dep)
			}
		}
		for _, c := range t.Conditions {
			if ref, ok := referencedTask(c); ok {
				if ref == t.ID {
					return invalidf("task %s: condition references itself", t.ID)
				}
				if !ids[ref] {
					return invalidf("task %s: condition references unknown task %s", t.ID, ref)
				}
			}
			if ex, ok := c.(Expression); ok {
				if _, err := compileExpression(ex.Expr); err != nil {
					return invalidf("task %s: %v", t.ID, err)
				}
			}
		}
	}

	return checkCycles(tasks)
}

// checkCycles runs a three-color DFS over dependency and condition edges.
func checkCycles(tasks []*Task) error {
	edges := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		out := append([]string(nil), t.DependsOn...)
		for _, c := range t.Conditions {
			if ref, ok := referencedTask(c); ok {
				out = append(out, ref)
			}
		}
		edges[t.ID] = out
	}

	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(tasks))
	var path []string

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		path = append(path, id)
		for _, next := range edges[id] {
			switch color[next] {
			case gray:
				return invalidf("circular dependency detected: %s -> %s", strings.Join(path, " -> "), next)
			case white:
				if err := visit(next); err != nil {
					return err
				}
			}
		}
		path = path[:len(path)-1]
		color[id] = black
		return nil
	}

	for _, t := range tasks {
		if color[t.ID] == white {
			if err := visit(t.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), apperr.ErrInvalidDefinition)
}
