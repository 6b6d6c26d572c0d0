// Package executor defines the boundary between the scheduler and the code
// that actually performs a task.
package executor

import (
	"context"
	"fmt"
	"sync"
)

// Request is everything an executor gets to see about a task.
type Request struct {
	TaskID            string         `json:"taskId"`
	AgentID           string         `json:"agentId,omitempty"`
	Type              string         `json:"type"`
	Action            string         `json:"action"`
	Description       string         `json:"description"`
	Input             map[string]any `json:"input,omitempty"`
	Context           map[string]any `json:"context,omitempty"`
	DependencyResults map[string]any `json:"dependencyResults,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// Result is the outcome of one execution. Only these three fields are
// interpreted by callers.
type Result struct {
	Success bool   `json:"success"`
	Result  any    `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Executor runs a task.
type Executor interface {
	Execute(ctx context.Context, req Request) (Result, error)
}

// Func adapts a plain function to Executor.
type Func func(ctx context.Context, req Request) (Result, error)

// Execute calls f.
func (f Func) Execute(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

// Registry maps action names to executors.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
	fallback  Executor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register binds an executor to an action name, replacing any previous one.
func (r *Registry) Register(action string, e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[action] = e
}

// RegisterFunc is Register for a plain function.
func (r *Registry) RegisterFunc(action string, fn func(ctx context.Context, req Request) (Result, error)) {
	r.Register(action, Func(fn))
}

// SetFallback installs the executor used when no action or type matches.
func (r *Registry) SetFallback(e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = e
}

// Actions returns the registered action names.
func (r *Registry) Actions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.executors))
	for name := range r.executors {
		names = append(names, name)
	}
	return names
}

// Lookup resolves the executor for req: action first, then type, then fallback.
func (r *Registry) Lookup(req Request) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.executors[req.Action]; ok && req.Action != "" {
		return e, true
	}
	if e, ok := r.executors[req.Type]; ok && req.Type != "" {
		return e, true
	}
	if r.fallback != nil {
		return r.fallback, true
	}
	return nil, false
}

// Execute runs req on the resolved executor. Executor panics are returned as
// errors.
func (r *Registry) Execute(ctx context.Context, req Request) (res Result, err error) {
	e, ok := r.Lookup(req)
	if !ok {
		return Result{}, fmt.Errorf("no executor for action %q (type %q)", req.Action, req.Type)
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("executor panicked: %v", p)
		}
	}()
	return e.Execute(ctx, req)
}

type outcome struct {
	res Result
	err error
}

// Await runs req on e and returns as soon as either the executor finishes or
// ctx ends. When ctx wins, ctx.Err() is returned and the executor's eventual
// result is dropped.
func Await(ctx context.Context, e Executor, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	ch := make(chan outcome, 1)
	go func() {
		res, err := e.Execute(ctx, req)
		ch <- outcome{res: res, err: err}
	}()
	select {
	case o := <-ch:
		return o.res, o.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
