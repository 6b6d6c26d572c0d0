package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/nuka-conductor/internal/apperr"
	"github.com/nidhogg/nuka-conductor/internal/executor"
	"github.com/nidhogg/nuka-conductor/internal/notify"
	"github.com/nidhogg/nuka-conductor/internal/state"
	"github.com/nidhogg/nuka-conductor/internal/task"
	"go.uber.org/zap"
)

const stateSource = "workflow"

// Config bounds workflow execution.
type Config struct {
	MaxParallel    int
	DefaultTimeout time.Duration // per attempt; zero means unbounded
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

// DefaultConfig returns the settings used when none are supplied.
func DefaultConfig() Config {
	return Config{
		MaxParallel:    4,
		RetryBaseDelay: 500 * time.Millisecond,
		RetryMaxDelay:  30 * time.Second,
	}
}

type instance struct {
	wf     *Workflow
	cancel context.CancelFunc
	done   chan struct{}
	wake   chan struct{}
	closed bool
}

// Engine owns workflow instances and drives each one on its own goroutine.
// State store callbacks on workflows.* paths must not call back into the engine.
type Engine struct {
	cfg       Config
	templates TemplateStore
	executors *executor.Registry
	state     *state.Store
	eval      *Evaluator
	notifier  notify.Notifier

	mu        sync.Mutex
	workflows map[string]*instance
	order     []string
	logger    *zap.Logger
}

// NewEngine creates an engine. A nil template store means in-memory templates.
func NewEngine(cfg Config, templates TemplateStore, execs *executor.Registry, st *state.Store, logger *zap.Logger) *Engine {
	def := DefaultConfig()
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = def.MaxParallel
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = def.RetryMaxDelay
	}
	if templates == nil {
		templates = NewMemoryTemplateStore()
	}
	return &Engine{
		cfg:       cfg,
		templates: templates,
		executors: execs,
		state:     st,
		eval:      NewEvaluator(st),
		notifier:  notify.Nop{},
		workflows: make(map[string]*instance),
		logger:    logger,
	}
}

// SetNotifier installs the alert sink for finished workflows.
func (e *Engine) SetNotifier(n notify.Notifier) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notifier = n
}

// CreateWorkflow validates def and stores a pending workflow.
func (e *Engine) CreateWorkflow(def Definition) (*Workflow, error) {
	if err := Validate(def.Tasks); err != nil {
		return nil, err
	}
	name := def.Name
	if name == "" {
		name = "workflow"
	}
	wf := newWorkflow(name, def.Description, def.Version, def.Tasks, def.Context)
	return e.add(wf), nil
}

// CreateWorkflowFromTemplate instantiates a template by id or name. The
// workflow is pinned to the template's current version.
func (e *Engine) CreateWorkflowFromTemplate(ctx context.Context, idOrName string, opts CreateOptions) (*Workflow, error) {
	tpl, err := e.GetTemplate(ctx, idOrName)
	if err != nil {
		return nil, err
	}
	if err := Validate(tpl.Tasks); err != nil {
		return nil, err
	}

	wfContext := cloneMap(tpl.Context)
	if wfContext == nil && len(opts.Context) > 0 {
		wfContext = make(map[string]any, len(opts.Context))
	}
	for k, v := range opts.Context {
		wfContext[k] = v
	}
	name := opts.Name
	if name == "" {
		name = tpl.Name
	}

	wf := newWorkflow(name, tpl.Description, tpl.Version, tpl.Tasks, wfContext)
	wf.TemplateID = tpl.ID
	e.logger.Info("workflow created from template",
		zap.String("workflow", wf.ID),
		zap.String("template", tpl.ID),
		zap.Int("version", tpl.Version))
	return e.add(wf), nil
}

func newWorkflow(name, description string, version int, tasks []*Task, wfContext map[string]any) *Workflow {
	if version <= 0 {
		version = 1
	}
	wf := &Workflow{
		ID:          uuid.New().String(),
		Name:        name,
		Description: description,
		Version:     version,
		Status:      StatusPending,
		Context:     cloneMap(wfContext),
		CreatedAt:   time.Now(),
		Tasks:       make([]*Task, len(tasks)),
	}
	for i, t := range tasks {
		c := t.blueprint()
		c.RunID = uuid.New().String()
		c.Status = task.StatusPending
		if c.Priority == "" {
			c.Priority = task.PriorityMedium
		}
		wf.Tasks[i] = c
	}
	return wf
}

func (e *Engine) add(wf *Workflow) *Workflow {
	inst := &instance{
		wf:   wf,
		done: make(chan struct{}),
		wake: make(chan struct{}, 1),
	}
	e.mu.Lock()
	e.workflows[wf.ID] = inst
	e.order = append(e.order, wf.ID)
	e.mirrorWorkflow(wf)
	for _, t := range wf.Tasks {
		e.mirrorTask(wf, t)
	}
	out := wf.Clone()
	e.mu.Unlock()

	e.logger.Info("workflow created",
		zap.String("workflow", wf.ID),
		zap.String("name", wf.Name),
		zap.Int("tasks", len(wf.Tasks)))
	return out
}

// Get returns a copy of the workflow.
func (e *Engine) Get(id string) (*Workflow, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	inst, ok := e.workflows[id]
	if !ok {
		return nil, fmt.Errorf("workflow %s: %w", id, apperr.ErrNotFound)
	}
	return inst.wf.Clone(), nil
}

// List returns copies of all workflows in creation order.
func (e *Engine) List() []*Workflow {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Workflow, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.workflows[id].wf.Clone())
	}
	return out
}

// Start begins executing a pending workflow in the background. The run is
// detached from ctx cancellation; use Cancel to stop it.
func (e *Engine) Start(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	inst, ok := e.workflows[id]
	if !ok {
		return fmt.Errorf("workflow %s: %w", id, apperr.ErrNotFound)
	}
	wf := inst.wf
	if wf.Status != StatusPending {
		return fmt.Errorf("workflow %s is %s: %w", id, wf.Status, apperr.ErrInvalidTransition)
	}

	now := time.Now()
	wf.Status = StatusRunning
	wf.StartedAt = &now
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	inst.cancel = cancel
	e.mirrorWorkflow(wf)

	go e.drive(runCtx, inst)
	e.logger.Info("workflow started", zap.String("workflow", id))
	return nil
}

// Run starts the workflow and waits for it to finish.
func (e *Engine) Run(ctx context.Context, id string) (*Workflow, error) {
	if err := e.Start(ctx, id); err != nil {
		return nil, err
	}
	return e.Wait(ctx, id)
}

// Wait blocks until the workflow is finished or ctx ends.
func (e *Engine) Wait(ctx context.Context, id string) (*Workflow, error) {
	e.mu.Lock()
	inst, ok := e.workflows[id]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("workflow %s: %w", id, apperr.ErrNotFound)
	}
	select {
	case <-inst.done:
		return e.Get(id)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Pause stops launching new tasks. Running tasks finish normally.
func (e *Engine) Pause(id string) error {
	return e.setStatus(id, StatusRunning, StatusPaused)
}

// Resume continues a paused workflow.
func (e *Engine) Resume(id string) error {
	return e.setStatus(id, StatusPaused, StatusRunning)
}

func (e *Engine) setStatus(id string, from, to Status) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	inst, ok := e.workflows[id]
	if !ok {
		return fmt.Errorf("workflow %s: %w", id, apperr.ErrNotFound)
	}
	if inst.wf.Status != from {
		return fmt.Errorf("workflow %s is %s, not %s: %w", id, inst.wf.Status, from, apperr.ErrInvalidTransition)
	}
	inst.wf.Status = to
	e.mirrorWorkflow(inst.wf)
	select {
	case inst.wake <- struct{}{}:
	default:
	}
	e.logger.Info("workflow "+string(to), zap.String("workflow", id))
	return nil
}

// Cancel stops a workflow. Unfinished tasks are cancelled and results of
// in-flight calls are discarded.
func (e *Engine) Cancel(id string) error {
	e.mu.Lock()
	inst, ok := e.workflows[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("workflow %s: %w", id, apperr.ErrNotFound)
	}
	wf := inst.wf
	if wf.Status.Terminal() {
		e.mu.Unlock()
		return fmt.Errorf("workflow %s is %s: %w", id, wf.Status, apperr.ErrInvalidTransition)
	}
	now := time.Now()
	for _, t := range wf.Tasks {
		if !taskDone(t.Status) {
			t.Status = task.StatusCancelled
			t.Error = "workflow cancelled"
			t.CompletedAt = &now
			e.mirrorTask(wf, t)
		}
	}
	if inst.cancel != nil {
		inst.cancel()
	}
	alert := e.finalizeLocked(inst, StatusCancelled)
	e.mu.Unlock()

	e.send(alert)
	return nil
}

func (e *Engine) mirrorWorkflow(wf *Workflow) {
	if e.state == nil {
		return
	}
	e.state.Set("workflows."+wf.ID+".status", string(wf.Status), state.WithSource(stateSource))
}

func (e *Engine) mirrorTask(wf *Workflow, t *Task) {
	if e.state == nil {
		return
	}
	e.state.Set("workflows."+wf.ID+".tasks."+t.ID+".status", string(t.Status), state.WithSource(stateSource))
}
