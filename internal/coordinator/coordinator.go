package coordinator

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/nuka-conductor/internal/executor"
	"github.com/nidhogg/nuka-conductor/internal/notify"
	"github.com/nidhogg/nuka-conductor/internal/registry"
	"github.com/nidhogg/nuka-conductor/internal/state"
	"github.com/nidhogg/nuka-conductor/internal/task"
	"go.uber.org/zap"
)

// Strategy picks one agent among eligible candidates.
type Strategy string

const (
	StrategyLeastLoaded Strategy = "least-loaded"
	StrategyRoundRobin  Strategy = "round-robin"
)

const stateSource = "coordinator"

// Config controls scheduling and persistence.
type Config struct {
	ID                 string
	Name               string
	Strategy           Strategy
	MaxConcurrentTasks int
	PollInterval       time.Duration
	TaskTimeout        time.Duration // zero means unbounded
	StateFile          string
	AutosaveInterval   time.Duration // zero disables autosave
}

// DefaultConfig returns the settings used when none are supplied.
func DefaultConfig() Config {
	return Config{
		Name:               "conductor",
		Strategy:           StrategyLeastLoaded,
		MaxConcurrentTasks: 5,
		PollInterval:       time.Second,
	}
}

// Archive stores serialized snapshots durably.
type Archive interface {
	Put(ctx context.Context, coordinatorID string, savedAt time.Time, doc []byte) error
	Latest(ctx context.Context, coordinatorID string) ([]byte, error)
}

// Status is a point-in-time summary of the coordinator.
type Status struct {
	ID          string                  `json:"id"`
	Name        string                  `json:"name"`
	Strategy    Strategy                `json:"strategy"`
	Initialized bool                    `json:"initialized"`
	Running     bool                    `json:"running"`
	InFlight    int                     `json:"inFlight"`
	Tasks       map[task.Status]int     `json:"tasks"`
	Agents      map[registry.Status]int `json:"agents"`
}

// run is one executor invocation. A result is applied only while its run is
// still the task's current one.
type run struct {
	agentID string
	cancel  context.CancelFunc
}

// Coordinator assigns ready tasks to agents and drives them to completion.
type Coordinator struct {
	cfg       Config
	tasks     *task.Manager
	agents    *registry.Registry
	state     *state.Store
	executors *executor.Registry
	notifier  notify.Notifier
	archive   Archive

	mu          sync.Mutex // serializes scheduling passes and result handling
	initialized bool
	running     bool
	rrCursor    int
	inflight    map[string]*run
	active      int           // executions not yet finished
	idle        chan struct{} // closed when active drops to zero

	wake   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
	logger *zap.Logger
}

// New wires a coordinator over the given stores. Task status changes are
// mirrored into st from here on.
func New(cfg Config, tasks *task.Manager, agents *registry.Registry, st *state.Store,
	execs *executor.Registry, logger *zap.Logger) *Coordinator {
	def := DefaultConfig()
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = def.MaxConcurrentTasks
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	switch cfg.Strategy {
	case StrategyLeastLoaded, StrategyRoundRobin:
	case "":
		cfg.Strategy = StrategyLeastLoaded
	default:
		logger.Warn("unknown coordination strategy, using least-loaded",
			zap.String("strategy", string(cfg.Strategy)))
		cfg.Strategy = StrategyLeastLoaded
	}

	c := &Coordinator{
		cfg:       cfg,
		tasks:     tasks,
		agents:    agents,
		state:     st,
		executors: execs,
		notifier:  notify.Nop{},
		inflight:  make(map[string]*run),
		wake:      make(chan struct{}, 1),
		logger:    logger,
	}
	tasks.SetAgentLookup(func(id string) bool {
		_, ok := agents.Get(id)
		return ok
	})
	tasks.Observe(c.mirrorTask)
	return c
}

// SetNotifier installs the alert sink for failed tasks.
func (c *Coordinator) SetNotifier(n notify.Notifier) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifier = n
}

// SetArchive installs durable snapshot storage.
func (c *Coordinator) SetArchive(a Archive) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.archive = a
}

// Tasks exposes the task store for queries.
func (c *Coordinator) Tasks() *task.Manager { return c.tasks }

// Agents exposes the agent registry for queries.
func (c *Coordinator) Agents() *registry.Registry { return c.agents }

// Config returns the active configuration.
func (c *Coordinator) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// Initialize prepares the coordinator, restoring StateFile when it exists.
func (c *Coordinator) Initialize(ctx context.Context) error {
	c.mu.Lock()
	if c.initialized {
		c.mu.Unlock()
		return nil
	}
	path := c.cfg.StateFile
	c.mu.Unlock()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := c.LoadState(path); err != nil {
				return fmt.Errorf("initialize: %w", err)
			}
		}
	}

	c.mu.Lock()
	c.initialized = true
	c.mu.Unlock()
	c.state.Set("coordinator.initialized", true, state.WithSource(stateSource))
	c.logger.Info("coordinator initialized",
		zap.String("id", c.cfg.ID),
		zap.String("strategy", string(c.cfg.Strategy)))
	return nil
}

// Start launches the scheduling loop. Calling Start on a running
// coordinator is a no-op.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.Initialize(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.running = true
	c.requeueOrphans()
	c.mu.Unlock()

	c.state.Set("coordinator.running", true, state.WithSource(stateSource))
	go c.loop(loopCtx, c.done)
	c.Wake()
	c.logger.Info("coordinator started",
		zap.Int("max_concurrent", c.cfg.MaxConcurrentTasks),
		zap.Duration("poll_interval", c.cfg.PollInterval))
	return nil
}

// Stop halts the loop and waits for it to exit. In-flight executions keep
// running and their results are still applied.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	cancel, done := c.cancel, c.done
	c.running = false
	autosave := c.cfg.StateFile != "" && c.cfg.AutosaveInterval > 0
	c.mu.Unlock()

	cancel()
	<-done
	c.state.Set("coordinator.running", false, state.WithSource(stateSource))
	if autosave {
		c.autosave()
	}
	c.logger.Info("coordinator stopped")
}

// Running reports whether the loop is active.
func (c *Coordinator) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Status summarizes run flags and counts.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	st := Status{
		ID:          c.cfg.ID,
		Name:        c.cfg.Name,
		Strategy:    c.cfg.Strategy,
		Initialized: c.initialized,
		Running:     c.running,
		InFlight:    len(c.inflight),
	}
	c.mu.Unlock()
	st.Tasks = c.tasks.CountByStatus()
	st.Agents = c.agents.CountByStatus()
	return st
}

// Wake asks the loop for a scheduling pass without waiting for the next tick.
func (c *Coordinator) Wake() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// WaitIdle blocks until no execution is in flight or ctx ends. An execution
// that timed out counts as finished even if its executor is still running.
func (c *Coordinator) WaitIdle(ctx context.Context) error {
	c.mu.Lock()
	if c.active == 0 {
		c.mu.Unlock()
		return nil
	}
	idle := c.idle
	c.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubmitTask stores a new task and wakes the loop.
func (c *Coordinator) SubmitTask(t *task.Task) (string, error) {
	id, err := c.tasks.Create(t)
	if err != nil {
		return "", err
	}
	c.Wake()
	return id, nil
}

// CancelTask cancels a task. An in-flight execution is signalled to stop and
// its eventual result is discarded.
func (c *Coordinator) CancelTask(id, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tasks.Get(id)
	if !ok {
		return c.tasks.Cancel(id, reason)
	}
	if err := c.tasks.Cancel(id, reason); err != nil {
		return err
	}
	c.dropRun(id)
	if t.AssignedTo != "" {
		c.releaseAgent(t.AssignedTo)
	}
	c.logger.Info("task cancelled", zap.String("task", id), zap.String("reason", reason))
	c.Wake()
	return nil
}

// RegisterAgent adds an agent and wakes the loop.
func (c *Coordinator) RegisterAgent(a *registry.Agent) (*registry.Agent, error) {
	stored, err := c.agents.Register(a)
	if err != nil {
		return nil, err
	}
	c.mirrorAgent(stored.ID, stored.Status)
	c.Wake()
	return stored, nil
}

// UnregisterAgent removes an agent. Any task it holds goes back to pending
// and the loop is woken so another agent can pick it up.
func (c *Coordinator) UnregisterAgent(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.agents.Unregister(id); err != nil {
		return err
	}
	for _, t := range c.tasks.ActiveFor(id) {
		c.dropRun(t.ID)
		if err := c.tasks.Unassign(t.ID); err != nil {
			c.logger.Warn("reset task of unregistered agent failed",
				zap.String("task", t.ID), zap.Error(err))
			continue
		}
		c.logger.Info("task returned to pending",
			zap.String("task", t.ID), zap.String("agent", id))
	}
	c.state.Delete("agents." + id + ".status")
	c.Wake()
	return nil
}

// UpdateAgentStatus sets an agent's status, waking the loop when it becomes
// available.
func (c *Coordinator) UpdateAgentStatus(id string, status registry.Status) error {
	if err := c.agents.UpdateStatus(id, status); err != nil {
		return err
	}
	c.mirrorAgent(id, status)
	if status == registry.StatusAvailable {
		c.Wake()
	}
	return nil
}

func (c *Coordinator) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	var autosave <-chan time.Time
	if c.cfg.StateFile != "" && c.cfg.AutosaveInterval > 0 {
		t := time.NewTicker(c.cfg.AutosaveInterval)
		defer t.Stop()
		autosave = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.wake:
			c.Tick(ctx)
		case <-ticker.C:
			c.Tick(ctx)
		case <-autosave:
			c.autosave()
		}
	}
}

func (c *Coordinator) autosave() {
	if err := c.SaveState(c.cfg.StateFile); err != nil {
		c.logger.Warn("autosave failed", zap.String("path", c.cfg.StateFile), zap.Error(err))
	}
}

// requeueOrphans returns tasks that hold an agent but have no live execution
// to pending, and frees their agents (caller must hold lock).
func (c *Coordinator) requeueOrphans() {
	for _, t := range c.tasks.List() {
		if !t.Status.Active() {
			continue
		}
		if _, live := c.inflight[t.ID]; live {
			continue
		}
		if err := c.tasks.Unassign(t.ID); err != nil {
			continue
		}
		c.releaseAgent(t.AssignedTo)
		c.logger.Info("requeued orphaned task", zap.String("task", t.ID), zap.String("agent", t.AssignedTo))
	}
}

func (c *Coordinator) mirrorTask(t *task.Task, _ task.Status) {
	prefix := "tasks." + t.ID
	c.state.Set(prefix+".status", string(t.Status), state.WithSource(stateSource))
	c.state.Set(prefix+".assignedTo", t.AssignedTo, state.WithSource(stateSource))
}

func (c *Coordinator) mirrorAgent(id string, status registry.Status) {
	c.state.Set("agents."+id+".status", string(status), state.WithSource(stateSource))
}
