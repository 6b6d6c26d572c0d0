package coordinator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nidhogg/nuka-conductor/internal/apperr"
	"github.com/nidhogg/nuka-conductor/internal/executor"
	"github.com/nidhogg/nuka-conductor/internal/notify"
	"github.com/nidhogg/nuka-conductor/internal/registry"
	"github.com/nidhogg/nuka-conductor/internal/state"
	"github.com/nidhogg/nuka-conductor/internal/task"
	"go.uber.org/zap"
)

// gate is an executor that blocks each call until released.
type gate struct {
	mu      sync.Mutex
	release map[string]chan executor.Result
	started chan string
}

func newGate() *gate {
	return &gate{release: make(map[string]chan executor.Result), started: make(chan string, 16)}
}

func (g *gate) ch(id string) chan executor.Result {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.release[id]
	if !ok {
		c = make(chan executor.Result, 1)
		g.release[id] = c
	}
	return c
}

func (g *gate) Execute(ctx context.Context, req executor.Request) (executor.Result, error) {
	g.started <- req.TaskID
	select {
	case res := <-g.ch(req.TaskID):
		return res, nil
	case <-ctx.Done():
		return executor.Result{}, ctx.Err()
	}
}

func (g *gate) finish(id string, res executor.Result) { g.ch(id) <- res }

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []*notify.Alert
}

func (n *recordingNotifier) Notify(_ context.Context, a *notify.Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, a)
	return nil
}

func newTestCoordinator(t *testing.T, cfg Config, exec executor.Executor) (*Coordinator, *state.Store) {
	t.Helper()
	logger := zap.NewNop()
	st := state.NewStore(logger)
	execs := executor.NewRegistry()
	execs.SetFallback(exec)
	c := New(cfg, task.NewManager(logger), registry.New(logger), st, execs, logger)
	return c, st
}

func waitIdle(t *testing.T, c *Coordinator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.WaitIdle(ctx); err != nil {
		t.Fatalf("wait idle: %v", err)
	}
}

func mustTask(t *testing.T, c *Coordinator, id string) *task.Task {
	t.Helper()
	got, ok := c.Tasks().Get(id)
	if !ok {
		t.Fatalf("task %s not found", id)
	}
	return got
}

func TestSchedulingScenario(t *testing.T) {
	g := newGate()
	c, _ := newTestCoordinator(t, Config{}, g)
	ctx := context.Background()

	c.SubmitTask(&task.Task{ID: "A", Priority: task.PriorityHigh})
	c.SubmitTask(&task.Task{ID: "B", Priority: task.PriorityHigh, DependsOn: []string{"A"}})
	c.RegisterAgent(&registry.Agent{ID: "agent-1"})

	if n := c.Tick(ctx); n != 1 {
		t.Fatalf("first tick assigned %d, want 1", n)
	}
	a := mustTask(t, c, "A")
	if a.AssignedTo != "agent-1" || a.Status != task.StatusInProgress {
		t.Errorf("A = %s on %q, want in-progress on agent-1", a.Status, a.AssignedTo)
	}
	if b := mustTask(t, c, "B"); b.Status != task.StatusPending {
		t.Errorf("B = %s, want pending", b.Status)
	}
	agent, _ := c.Agents().Get("agent-1")
	if agent.Status != registry.StatusBusy {
		t.Errorf("agent = %s, want busy", agent.Status)
	}

	<-g.started
	g.finish("A", executor.Result{Success: true, Result: "done"})
	waitIdle(t, c)

	if a := mustTask(t, c, "A"); a.Status != task.StatusCompleted || a.Results != "done" {
		t.Fatalf("A = %+v", a)
	}
	if n := c.Tick(ctx); n != 1 {
		t.Fatalf("second tick assigned %d, want 1", n)
	}
	if b := mustTask(t, c, "B"); b.AssignedTo != "agent-1" {
		t.Errorf("B assigned to %q, want agent-1", b.AssignedTo)
	}
	<-g.started
	g.finish("B", executor.Result{Success: true})
	waitIdle(t, c)
}

func TestPriorityOrdering(t *testing.T) {
	g := newGate()
	c, _ := newTestCoordinator(t, Config{MaxConcurrentTasks: 1}, g)

	c.SubmitTask(&task.Task{ID: "low", Priority: task.PriorityLow})
	c.SubmitTask(&task.Task{ID: "critical", Priority: task.PriorityCritical})
	c.SubmitTask(&task.Task{ID: "medium", Priority: task.PriorityMedium})
	c.RegisterAgent(&registry.Agent{ID: "a1"})
	c.RegisterAgent(&registry.Agent{ID: "a2"})

	if n := c.Tick(context.Background()); n != 1 {
		t.Fatalf("assigned %d, want 1", n)
	}
	if got := mustTask(t, c, "critical"); got.Status != task.StatusInProgress {
		t.Errorf("critical = %s, want in-progress", got.Status)
	}
	for _, id := range []string{"low", "medium"} {
		if got := mustTask(t, c, id); got.Status != task.StatusPending {
			t.Errorf("%s = %s, want pending", id, got.Status)
		}
	}

	// The only slot is taken, so nothing else is scheduled.
	if n := c.Tick(context.Background()); n != 0 {
		t.Errorf("full pool assigned %d", n)
	}
	<-g.started
	g.finish("critical", executor.Result{Success: true})
	waitIdle(t, c)
}

func TestRequiredCapabilities(t *testing.T) {
	g := newGate()
	c, _ := newTestCoordinator(t, Config{}, g)

	c.RegisterAgent(&registry.Agent{ID: "writer", Capabilities: []string{"write"}})
	c.RegisterAgent(&registry.Agent{ID: "reviewer", Capabilities: []string{"review", "write"}})
	c.SubmitTask(&task.Task{ID: "t", Metadata: map[string]any{
		task.MetaRequiredCapabilities: []any{"review"},
	}})
	c.SubmitTask(&task.Task{ID: "impossible", Metadata: map[string]any{
		task.MetaRequiredCapabilities: []string{"translate"},
	}})

	c.Tick(context.Background())
	if got := mustTask(t, c, "t"); got.AssignedTo != "reviewer" {
		t.Errorf("t assigned to %q, want reviewer", got.AssignedTo)
	}
	if got := mustTask(t, c, "impossible"); got.Status != task.StatusPending {
		t.Errorf("impossible = %s, want pending", got.Status)
	}
	<-g.started
	g.finish("t", executor.Result{Success: true})
	waitIdle(t, c)
}

func TestAtMostOneAssignment(t *testing.T) {
	g := newGate()
	c, _ := newTestCoordinator(t, Config{MaxConcurrentTasks: 10}, g)
	for _, id := range []string{"t1", "t2", "t3"} {
		c.SubmitTask(&task.Task{ID: id})
	}
	c.RegisterAgent(&registry.Agent{ID: "solo"})

	if n := c.Tick(context.Background()); n != 1 {
		t.Fatalf("one agent took %d tasks", n)
	}
	if n := c.Tasks().ActiveCount("solo"); n != 1 {
		t.Errorf("solo holds %d tasks", n)
	}
	<-g.started
	g.finish("t1", executor.Result{Success: true})
	waitIdle(t, c)
}

func TestLeastLoadedSelection(t *testing.T) {
	c, _ := newTestCoordinator(t, Config{}, executor.Func(func(context.Context, executor.Request) (executor.Result, error) {
		return executor.Result{Success: true}, nil
	}))
	c.RegisterAgent(&registry.Agent{ID: "loaded"})
	c.RegisterAgent(&registry.Agent{ID: "idle"})
	c.Tasks().Create(&task.Task{ID: "held"})
	c.Tasks().Assign("held", "loaded")

	got := c.selectAgent(&task.Task{ID: "new"})
	if got == nil || got.ID != "idle" {
		t.Errorf("selected %v, want idle", got)
	}
}

func TestRoundRobinSelection(t *testing.T) {
	c, _ := newTestCoordinator(t, Config{Strategy: StrategyRoundRobin}, nil)
	c.RegisterAgent(&registry.Agent{ID: "a1"})
	c.RegisterAgent(&registry.Agent{ID: "a2"})

	var picks []string
	for i := 0; i < 3; i++ {
		picks = append(picks, c.selectAgent(&task.Task{}).ID)
	}
	if strings.Join(picks, ",") != "a1,a2,a1" {
		t.Errorf("picks = %v", picks)
	}
}

func TestUnknownStrategyFallsBack(t *testing.T) {
	c, _ := newTestCoordinator(t, Config{Strategy: "random"}, nil)
	if c.Config().Strategy != StrategyLeastLoaded {
		t.Errorf("strategy = %s", c.Config().Strategy)
	}
}

func TestExecutorFailure(t *testing.T) {
	n := &recordingNotifier{}
	c, _ := newTestCoordinator(t, Config{}, executor.Func(func(context.Context, executor.Request) (executor.Result, error) {
		return executor.Result{}, errors.New("model unavailable")
	}))
	c.SetNotifier(n)
	c.RegisterAgent(&registry.Agent{ID: "a1"})
	c.SubmitTask(&task.Task{ID: "t"})

	c.Tick(context.Background())
	waitIdle(t, c)

	got := mustTask(t, c, "t")
	if got.Status != task.StatusFailed || !strings.Contains(got.Error, "model unavailable") {
		t.Errorf("task = %s %q", got.Status, got.Error)
	}
	if a, _ := c.Agents().Get("a1"); a.Status != registry.StatusAvailable {
		t.Errorf("agent = %s, want available after failure", a.Status)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.alerts) != 1 || n.alerts[0].Subject != "t" {
		t.Errorf("alerts = %+v", n.alerts)
	}
}

func TestUnsuccessfulResult(t *testing.T) {
	c, _ := newTestCoordinator(t, Config{}, executor.Func(func(context.Context, executor.Request) (executor.Result, error) {
		return executor.Result{Success: false, Error: "rejected"}, nil
	}))
	c.RegisterAgent(&registry.Agent{ID: "a1"})
	c.SubmitTask(&task.Task{ID: "t"})
	c.Tick(context.Background())
	waitIdle(t, c)

	if got := mustTask(t, c, "t"); got.Status != task.StatusFailed || got.Error != "rejected" {
		t.Errorf("task = %s %q", got.Status, got.Error)
	}
}

func TestTaskTimeout(t *testing.T) {
	g := newGate()
	c, _ := newTestCoordinator(t, Config{TaskTimeout: 20 * time.Millisecond}, g)
	c.RegisterAgent(&registry.Agent{ID: "a1"})
	c.SubmitTask(&task.Task{ID: "slow"})
	c.Tick(context.Background())
	waitIdle(t, c)

	got := mustTask(t, c, "slow")
	if got.Status != task.StatusFailed || !strings.Contains(got.Error, apperr.ErrTimeout.Error()) {
		t.Errorf("task = %s %q", got.Status, got.Error)
	}
}

func TestTaskTimeoutIgnoredContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	c, _ := newTestCoordinator(t, Config{TaskTimeout: 50 * time.Millisecond},
		executor.Func(func(context.Context, executor.Request) (executor.Result, error) {
			select {
			case <-release:
			case <-time.After(2 * time.Second):
			}
			return executor.Result{Success: true, Result: "late"}, nil
		}))
	c.RegisterAgent(&registry.Agent{ID: "a1"})
	c.SubmitTask(&task.Task{ID: "stuck"})
	c.Tick(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := c.WaitIdle(ctx); err != nil {
		t.Fatalf("wait idle: %v", err)
	}

	got := mustTask(t, c, "stuck")
	if got.Status != task.StatusFailed || !strings.Contains(got.Error, apperr.ErrTimeout.Error()) {
		t.Errorf("task = %s %q, want timeout failure", got.Status, got.Error)
	}
	if got.Results != nil {
		t.Errorf("results = %v, want late result discarded", got.Results)
	}
	if a, _ := c.Agents().Get("a1"); a.Status != registry.StatusAvailable {
		t.Errorf("agent = %s, want available after timeout", a.Status)
	}
	if st := c.Status(); st.InFlight != 0 {
		t.Errorf("in flight = %d, want 0", st.InFlight)
	}
}

func TestWaitIdle(t *testing.T) {
	g := newGate()
	c, _ := newTestCoordinator(t, Config{}, g)
	waitIdle(t, c)

	c.RegisterAgent(&registry.Agent{ID: "a1"})
	c.SubmitTask(&task.Task{ID: "t"})
	c.Tick(context.Background())
	<-g.started

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	if err := c.WaitIdle(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("wait idle while running = %v, want deadline exceeded", err)
	}
	cancel()

	g.finish("t", executor.Result{Success: true})
	waitIdle(t, c)

	c.SubmitTask(&task.Task{ID: "t2"})
	c.Tick(context.Background())
	<-g.started
	g.finish("t2", executor.Result{Success: true})
	waitIdle(t, c)
	if got := mustTask(t, c, "t2"); got.Status != task.StatusCompleted {
		t.Errorf("t2 = %s, want completed", got.Status)
	}
}

func TestResultRefreshesAgentActivity(t *testing.T) {
	g := newGate()
	c, _ := newTestCoordinator(t, Config{}, g)
	c.RegisterAgent(&registry.Agent{ID: "a1"})
	before, _ := c.Agents().Get("a1")

	c.SubmitTask(&task.Task{ID: "t"})
	c.Tick(context.Background())
	<-g.started
	time.Sleep(5 * time.Millisecond)
	g.finish("t", executor.Result{Success: true})
	waitIdle(t, c)

	after, _ := c.Agents().Get("a1")
	if !after.LastActive.After(before.LastActive) {
		t.Errorf("lastActive %s not after %s", after.LastActive, before.LastActive)
	}
}

func TestAssignRollsBackWhenAgentVanishes(t *testing.T) {
	c, _ := newTestCoordinator(t, Config{}, newGate())
	c.Tasks().SetAgentLookup(func(string) bool { return true })
	c.SubmitTask(&task.Task{ID: "t"})
	pending := mustTask(t, c, "t")

	c.mu.Lock()
	err := c.assign(context.Background(), pending, &registry.Agent{ID: "ghost", Status: registry.StatusAvailable})
	c.mu.Unlock()
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("assign err = %v, want not found", err)
	}
	got := mustTask(t, c, "t")
	if got.Status != task.StatusPending || got.AssignedTo != "" {
		t.Errorf("task = %s on %q, want pending and unassigned", got.Status, got.AssignedTo)
	}
}

func TestUnregisterResetsTask(t *testing.T) {
	g := newGate()
	c, st := newTestCoordinator(t, Config{}, g)
	c.RegisterAgent(&registry.Agent{ID: "leaving"})
	c.SubmitTask(&task.Task{ID: "t"})
	c.Tick(context.Background())
	<-g.started

	if err := c.UnregisterAgent("leaving"); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	got := mustTask(t, c, "t")
	if got.Status != task.StatusPending || got.AssignedTo != "" {
		t.Fatalf("task = %s on %q, want pending and unassigned", got.Status, got.AssignedTo)
	}
	if _, ok := st.Get("agents.leaving.status"); ok {
		t.Error("agent mirror should be removed")
	}
	waitIdle(t, c)
	if got := mustTask(t, c, "t"); got.Status != task.StatusPending {
		t.Errorf("stale result was applied: %s", got.Status)
	}

	c.RegisterAgent(&registry.Agent{ID: "replacement"})
	c.Tick(context.Background())
	if got := mustTask(t, c, "t"); got.AssignedTo != "replacement" {
		t.Errorf("task reassigned to %q", got.AssignedTo)
	}
	<-g.started
	g.finish("t", executor.Result{Success: true})
	waitIdle(t, c)
	if got := mustTask(t, c, "t"); got.Status != task.StatusCompleted {
		t.Errorf("task = %s, want completed", got.Status)
	}
}

func TestCancelDiscardsResult(t *testing.T) {
	g := newGate()
	c, _ := newTestCoordinator(t, Config{}, g)
	c.RegisterAgent(&registry.Agent{ID: "a1"})
	c.SubmitTask(&task.Task{ID: "t"})
	c.Tick(context.Background())
	<-g.started

	if err := c.CancelTask("t", "user request"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	waitIdle(t, c)

	got := mustTask(t, c, "t")
	if got.Status != task.StatusCancelled {
		t.Errorf("task = %s, want cancelled", got.Status)
	}
	if a, _ := c.Agents().Get("a1"); a.Status != registry.StatusAvailable {
		t.Errorf("agent = %s, want available", a.Status)
	}
	if err := c.CancelTask("t", ""); !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Errorf("second cancel: got %v", err)
	}
}

func TestStateMirror(t *testing.T) {
	g := newGate()
	c, st := newTestCoordinator(t, Config{}, g)
	c.RegisterAgent(&registry.Agent{ID: "a1"})
	c.SubmitTask(&task.Task{ID: "t"})

	if v, _ := st.Get("tasks.t.status"); v != "pending" {
		t.Errorf("mirror status = %v", v)
	}
	c.Tick(context.Background())
	if v, _ := st.Get("tasks.t.assignedTo"); v != "a1" {
		t.Errorf("mirror assignedTo = %v", v)
	}
	if v, _ := st.Get("agents.a1.status"); v != "busy" {
		t.Errorf("mirror agent = %v", v)
	}
	<-g.started
	g.finish("t", executor.Result{Success: true})
	waitIdle(t, c)
	if v, _ := st.Get("tasks.t.status"); v != "completed" {
		t.Errorf("mirror status = %v", v)
	}
}

func TestStartStopLoop(t *testing.T) {
	done := make(chan string, 1)
	c, st := newTestCoordinator(t, Config{PollInterval: 10 * time.Millisecond},
		executor.Func(func(_ context.Context, req executor.Request) (executor.Result, error) {
			done <- req.TaskID
			return executor.Result{Success: true}, nil
		}))

	ctx := context.Background()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := c.Start(ctx); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if v, _ := st.Get("coordinator.running"); v != true {
		t.Errorf("running mirror = %v", v)
	}

	c.RegisterAgent(&registry.Agent{ID: "a1"})
	c.SubmitTask(&task.Task{ID: "t"})
	select {
	case id := <-done:
		if id != "t" {
			t.Errorf("executed %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("loop never executed the task")
	}

	c.Stop()
	if c.Running() {
		t.Error("still running after stop")
	}
	if s := c.Status(); s.Running || !s.Initialized {
		t.Errorf("status = %+v", s)
	}
	waitIdle(t, c)
}
