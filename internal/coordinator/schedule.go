package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/nidhogg/nuka-conductor/internal/apperr"
	"github.com/nidhogg/nuka-conductor/internal/executor"
	"github.com/nidhogg/nuka-conductor/internal/notify"
	"github.com/nidhogg/nuka-conductor/internal/registry"
	"github.com/nidhogg/nuka-conductor/internal/task"
	"go.uber.org/zap"
)

// Tick runs one scheduling pass and returns how many tasks were assigned.
// Missing agents and unmet dependencies are expected and only logged.
func (c *Coordinator) Tick(ctx context.Context) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	ready := c.tasks.ReadyTasks()
	if len(ready) == 0 {
		return 0
	}
	sort.SliceStable(ready, func(i, j int) bool {
		return ready[i].Priority.Weight() > ready[j].Priority.Weight()
	})

	slots := c.cfg.MaxConcurrentTasks - c.tasks.CountByStatus()[task.StatusInProgress]
	if slots <= 0 {
		c.logger.Debug("no free execution slots", zap.Int("ready", len(ready)))
		return 0
	}
	if len(ready) > slots {
		ready = ready[:slots]
	}

	assigned := 0
	for _, t := range ready {
		agent := c.selectAgent(t)
		if agent == nil {
			c.logger.Debug("no suitable agent",
				zap.String("task", t.ID),
				zap.Strings("required", t.RequiredCapabilities()))
			continue
		}
		if err := c.assign(ctx, t, agent); err != nil {
			c.logger.Warn("assignment failed",
				zap.String("task", t.ID),
				zap.String("agent", agent.ID),
				zap.Error(err))
			continue
		}
		assigned++
	}
	return assigned
}

// selectAgent returns an available agent holding every required capability
// (caller must hold lock).
func (c *Coordinator) selectAgent(t *task.Task) *registry.Agent {
	candidates := c.agents.Filter(registry.Filter{
		Statuses:     []registry.Status{registry.StatusAvailable},
		Capabilities: t.RequiredCapabilities(),
	})
	if len(candidates) == 0 {
		return nil
	}

	if c.cfg.Strategy == StrategyRoundRobin {
		a := candidates[c.rrCursor%len(candidates)]
		c.rrCursor++
		return a
	}

	best := candidates[0]
	bestLoad := c.tasks.ActiveCount(best.ID)
	for _, a := range candidates[1:] {
		if load := c.tasks.ActiveCount(a.ID); load < bestLoad {
			best, bestLoad = a, load
		}
	}
	return best
}

// assign binds t to agent, marks the agent busy and starts execution
// (caller must hold lock).
func (c *Coordinator) assign(ctx context.Context, t *task.Task, agent *registry.Agent) error {
	if err := c.tasks.Assign(t.ID, agent.ID); err != nil {
		return err
	}
	wasAvailable := agent.Status == registry.StatusAvailable
	if err := c.agents.UpdateStatus(agent.ID, registry.StatusBusy); err != nil {
		if uerr := c.tasks.Unassign(t.ID); uerr != nil {
			c.logger.Warn("rollback of assignment failed",
				zap.String("task", t.ID), zap.Error(uerr))
		}
		return err
	}
	c.mirrorAgent(agent.ID, registry.StatusBusy)
	c.logger.Info("task assigned",
		zap.String("task", t.ID),
		zap.String("agent", agent.ID),
		zap.String("priority", string(t.Priority)))

	if !wasAvailable {
		return nil
	}
	if err := c.tasks.Start(t.ID); err != nil {
		return err
	}
	c.launch(ctx, t, agent.ID)
	return nil
}

// launch runs the executor in its own goroutine (caller must hold lock).
func (c *Coordinator) launch(ctx context.Context, t *task.Task, agentID string) {
	base := context.WithoutCancel(ctx)
	var (
		execCtx context.Context
		cancel  context.CancelFunc
	)
	if c.cfg.TaskTimeout > 0 {
		execCtx, cancel = context.WithTimeout(base, c.cfg.TaskTimeout)
	} else {
		execCtx, cancel = context.WithCancel(base)
	}
	r := &run{agentID: agentID, cancel: cancel}
	c.inflight[t.ID] = r

	req := executor.Request{
		TaskID:            t.ID,
		AgentID:           agentID,
		Type:              t.Type,
		Action:            t.Action(),
		Description:       t.Description,
		Input:             t.Input(),
		DependencyResults: c.dependencyResults(t),
		Metadata:          t.Metadata,
	}

	c.runStarted()
	go func() {
		defer c.runEnded()
		defer cancel()

		start := time.Now()
		res, err := executor.Await(execCtx, c.executors, req)
		if err == nil && execCtx.Err() != nil {
			err = execCtx.Err()
		}
		c.finish(execCtx, t.ID, r, res, err, time.Since(start))
	}()
}

// runStarted counts a new execution (caller must hold lock).
func (c *Coordinator) runStarted() {
	if c.active == 0 {
		c.idle = make(chan struct{})
	}
	c.active++
}

func (c *Coordinator) runEnded() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active--
	if c.active == 0 {
		close(c.idle)
	}
}

// finish applies an execution outcome unless the run has been superseded.
func (c *Coordinator) finish(execCtx context.Context, taskID string, r *run, res executor.Result, err error, took time.Duration) {
	c.mu.Lock()
	if c.inflight[taskID] != r {
		c.mu.Unlock()
		c.logger.Info("discarding result of superseded run", zap.String("task", taskID))
		return
	}
	delete(c.inflight, taskID)

	var failure string
	switch {
	case errors.Is(execCtx.Err(), context.DeadlineExceeded):
		failure = fmt.Sprintf("%v: exceeded %s", apperr.ErrTimeout, c.cfg.TaskTimeout)
	case err != nil:
		failure = fmt.Errorf("%w: %v", apperr.ErrExecutorFailure, err).Error()
	case !res.Success:
		failure = res.Error
		if failure == "" {
			failure = apperr.ErrExecutorFailure.Error()
		}
	}

	if failure == "" {
		if cerr := c.tasks.Complete(taskID, res.Result); cerr != nil {
			c.logger.Warn("complete failed", zap.String("task", taskID), zap.Error(cerr))
		} else {
			c.logger.Info("task completed", zap.String("task", taskID),
				zap.String("agent", r.agentID), zap.Duration("took", took))
		}
	} else if ferr := c.tasks.Fail(taskID, failure); ferr != nil {
		c.logger.Warn("fail failed", zap.String("task", taskID), zap.Error(ferr))
	} else {
		c.logger.Warn("task failed", zap.String("task", taskID),
			zap.String("agent", r.agentID), zap.String("error", failure))
	}
	if terr := c.agents.Touch(r.agentID); terr != nil {
		c.logger.Debug("agent gone before result", zap.String("agent", r.agentID), zap.Error(terr))
	}
	c.releaseAgent(r.agentID)
	notifier := c.notifier
	c.mu.Unlock()

	if failure != "" {
		nctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		notifier.Notify(nctx, &notify.Alert{
			Type:    notify.AlertTaskFailed,
			Title:   fmt.Sprintf("task %s failed", taskID),
			Content: failure,
			Subject: taskID,
		})
		cancel()
	}
	c.Wake()
}

// releaseAgent marks a busy agent available once it holds no active task
// (caller must hold lock).
func (c *Coordinator) releaseAgent(agentID string) {
	a, ok := c.agents.Get(agentID)
	if !ok || a.Status != registry.StatusBusy {
		return
	}
	if c.tasks.ActiveCount(agentID) > 0 {
		return
	}
	if err := c.agents.UpdateStatus(agentID, registry.StatusAvailable); err != nil {
		return
	}
	c.mirrorAgent(agentID, registry.StatusAvailable)
}

// dropRun cancels and forgets the task's current run (caller must hold lock).
func (c *Coordinator) dropRun(taskID string) {
	if r, ok := c.inflight[taskID]; ok {
		r.cancel()
		delete(c.inflight, taskID)
	}
}

// dependencyResults collects outputs of completed dependencies.
func (c *Coordinator) dependencyResults(t *task.Task) map[string]any {
	if len(t.DependsOn) == 0 {
		return nil
	}
	out := make(map[string]any, len(t.DependsOn))
	for _, id := range t.DependsOn {
		if dep, ok := c.tasks.Get(id); ok && dep.Status == task.StatusCompleted {
			out[id] = dep.Results
		}
	}
	return out
}
