package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nidhogg/nuka-conductor/internal/apperr"
	"github.com/nidhogg/nuka-conductor/internal/executor"
	"github.com/nidhogg/nuka-conductor/internal/notify"
	"github.com/nidhogg/nuka-conductor/internal/task"
	"go.uber.org/zap"
)

// launch is a task ready to hand to an executor.
type launch struct {
	taskID  string
	req     executor.Request
	retries int
	timeout time.Duration
}

// outcome is the final result of a task after retries.
type outcome struct {
	taskID   string
	output   any
	err      error
	attempts int
}

type verdict int

const (
	verdictWait verdict = iota
	verdictReady
	verdictSkip
	verdictCancel
)

// drive runs the workflow until it reaches a terminal status.
func (e *Engine) drive(ctx context.Context, inst *instance) {
	results := make(chan outcome, len(inst.wf.Tasks))
	running := 0

	for {
		e.mu.Lock()
		wf := inst.wf
		if wf.Status.Terminal() {
			e.mu.Unlock()
			return
		}

		var batch []launch
		if wf.Status == StatusRunning {
			batch = e.advance(wf, e.cfg.MaxParallel-running)
		}
		for _, l := range batch {
			running++
			go e.runTask(ctx, l, results)
		}

		var alert *notify.Alert
		if running == 0 && wf.Status == StatusRunning {
			if allDone(wf) {
				alert = e.finalizeLocked(inst, outcomeStatus(wf))
			} else if len(batch) == 0 {
				e.failStuckLocked(wf)
				alert = e.finalizeLocked(inst, StatusFailed)
			}
		}
		e.mu.Unlock()

		if alert != nil {
			e.send(alert)
			return
		}

		select {
		case out := <-results:
			running--
			e.apply(inst, out)
		case <-inst.wake:
		case <-ctx.Done():
			return
		}
	}
}

// advance settles skipped and cancelled tasks until nothing changes, then
// marks up to capacity ready tasks in-progress (caller must hold lock).
func (e *Engine) advance(wf *Workflow, capacity int) []launch {
	var ready []*Task
	for changed := true; changed; {
		changed = false
		ready = ready[:0]
		for _, t := range wf.Tasks {
			if t.Status != task.StatusPending {
				continue
			}
			v, reason := e.resolve(wf, t)
			switch v {
			case verdictReady:
				ready = append(ready, t)
			case verdictSkip:
				e.finishTask(wf, t, TaskSkipped, reason)
				changed = true
			case verdictCancel:
				e.finishTask(wf, t, task.StatusCancelled, reason)
				changed = true
			}
		}
	}

	var batch []launch
	for _, t := range ready {
		if len(batch) >= capacity {
			break
		}
		now := time.Now()
		t.Status = task.StatusInProgress
		t.StartedAt = &now
		e.mirrorTask(wf, t)
		batch = append(batch, e.prepare(wf, t))
		e.logger.Debug("workflow task launched",
			zap.String("workflow", wf.ID),
			zap.String("task", t.ID))
	}
	return batch
}

// resolve decides what to do with a pending task (caller must hold lock).
func (e *Engine) resolve(wf *Workflow, t *Task) (verdict, string) {
	refs := make(map[string]bool)
	for _, c := range t.Conditions {
		if id, ok := referencedTask(c); ok {
			refs[id] = true
		}
	}

	for _, id := range t.DependsOn {
		dep, _ := wf.Task(id)
		if (dep.Status == task.StatusFailed || dep.Status == task.StatusCancelled) && !refs[id] {
			return verdictCancel, fmt.Sprintf("upstream task %s %s", id, dep.Status)
		}
	}
	for _, id := range t.DependsOn {
		if dep, _ := wf.Task(id); !taskDone(dep.Status) {
			return verdictWait, ""
		}
	}
	for id := range refs {
		if ref, _ := wf.Task(id); !taskDone(ref.Status) {
			return verdictWait, ""
		}
	}

	t.DependencyResults = make(map[string]any, len(t.DependsOn))
	for _, id := range t.DependsOn {
		if dep, _ := wf.Task(id); dep.Status == task.StatusCompleted {
			t.DependencyResults[id] = dep.Output
		}
	}

	ok, err := e.eval.All(wf, t)
	if err != nil {
		e.logger.Warn("condition evaluation failed",
			zap.String("workflow", wf.ID),
			zap.String("task", t.ID),
			zap.Error(err))
		return verdictSkip, "condition error: " + err.Error()
	}
	if !ok {
		return verdictSkip, ""
	}
	return verdictReady, ""
}

// prepare builds the executor request with placeholders filled in.
func (e *Engine) prepare(wf *Workflow, t *Task) launch {
	outputs := make(map[string]any)
	for _, other := range wf.Tasks {
		if other.Status == task.StatusCompleted {
			outputs[other.ID] = other.Output
		}
	}
	timeout := t.Timeout.Std()
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}
	return launch{
		taskID:  t.ID,
		retries: t.Retries,
		timeout: timeout,
		req: executor.Request{
			TaskID:            t.RunID,
			Type:              t.Type,
			Action:            t.Action,
			Description:       interpolate(t.Description, wf.Context, outputs),
			Input:             interpolateInput(t.Input, wf.Context, outputs),
			Context:           cloneMap(wf.Context),
			DependencyResults: cloneMap(t.DependencyResults),
			Metadata:          cloneMap(t.Metadata),
		},
	}
}

// runTask executes one task with retries and per-attempt timeouts.
func (e *Engine) runTask(ctx context.Context, l launch, results chan<- outcome) {
	attempts := 0
	var output any

	op := func() error {
		attempts++
		actx, cancel := ctx, context.CancelFunc(func() {})
		if l.timeout > 0 {
			actx, cancel = context.WithTimeout(ctx, l.timeout)
		}
		res, err := executor.Await(actx, e.executors, l.req)
		timedOut := errors.Is(actx.Err(), context.DeadlineExceeded)
		cancel()

		switch {
		case ctx.Err() != nil:
			return backoff.Permanent(ctx.Err())
		case timedOut:
			return fmt.Errorf("%w: attempt %d exceeded %s", apperr.ErrTimeout, attempts, l.timeout)
		case err != nil:
			return fmt.Errorf("%w: %v", apperr.ErrExecutorFailure, err)
		case !res.Success:
			msg := res.Error
			if msg == "" {
				msg = "executor reported failure"
			}
			return errors.New(msg)
		}
		output = res.Result
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.RetryBaseDelay
	b.MaxInterval = e.cfg.RetryMaxDelay
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(l.retries)), ctx)

	err := backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		e.logger.Info("retrying workflow task",
			zap.String("task", l.taskID),
			zap.Int("attempt", attempts),
			zap.Duration("wait", wait),
			zap.Error(err))
	})
	results <- outcome{taskID: l.taskID, output: output, err: err, attempts: attempts}
}

// apply records an outcome unless the workflow or task moved on.
func (e *Engine) apply(inst *instance, out outcome) {
	e.mu.Lock()
	defer e.mu.Unlock()
	wf := inst.wf
	t, ok := wf.Task(out.taskID)
	if !ok || wf.Status.Terminal() || t.Status != task.StatusInProgress {
		return
	}
	t.Attempts = out.attempts
	if out.err == nil {
		t.Output = out.output
		e.finishTask(wf, t, task.StatusCompleted, "")
		return
	}
	e.finishTask(wf, t, task.StatusFailed, out.err.Error())
	e.logger.Warn("workflow task failed",
		zap.String("workflow", wf.ID),
		zap.String("task", t.ID),
		zap.Int("attempts", out.attempts),
		zap.Error(out.err))
}

func (e *Engine) finishTask(wf *Workflow, t *Task, status task.Status, reason string) {
	now := time.Now()
	t.Status = status
	t.CompletedAt = &now
	if reason != "" {
		t.Error = reason
	}
	e.mirrorTask(wf, t)
}

// failStuckLocked fails tasks that can no longer make progress.
func (e *Engine) failStuckLocked(wf *Workflow) {
	for _, t := range wf.Tasks {
		if !taskDone(t.Status) {
			e.finishTask(wf, t, task.StatusFailed, apperr.ErrDependencyUnsatisfied.Error())
		}
	}
}

// finalizeLocked sets the terminal status and releases waiters (caller must
// hold lock). The returned alert is sent after unlocking.
func (e *Engine) finalizeLocked(inst *instance, status Status) *notify.Alert {
	wf := inst.wf
	now := time.Now()
	wf.Status = status
	wf.CompletedAt = &now
	if status == StatusFailed && wf.Error == "" {
		for _, t := range wf.Tasks {
			if t.Status == task.StatusFailed && !t.Optional {
				wf.Error = fmt.Sprintf("task %s failed: %s", t.ID, t.Error)
				break
			}
		}
	}
	e.mirrorWorkflow(wf)
	if !inst.closed {
		inst.closed = true
		close(inst.done)
	}
	if inst.cancel != nil {
		inst.cancel()
	}
	e.logger.Info("workflow finished",
		zap.String("workflow", wf.ID),
		zap.String("status", string(status)))

	content := fmt.Sprintf("workflow %s finished with status %s", wf.Name, status)
	if wf.Error != "" {
		content += ": " + wf.Error
	}
	return &notify.Alert{
		Type:    notify.AlertWorkflowFinished,
		Title:   fmt.Sprintf("workflow %s %s", wf.Name, status),
		Content: content,
		Subject: wf.ID,
	}
}

func (e *Engine) send(alert *notify.Alert) {
	e.mu.Lock()
	n := e.notifier
	e.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	n.Notify(ctx, alert)
}

func allDone(wf *Workflow) bool {
	for _, t := range wf.Tasks {
		if !taskDone(t.Status) {
			return false
		}
	}
	return true
}

// outcomeStatus is failed when any required task failed.
func outcomeStatus(wf *Workflow) Status {
	for _, t := range wf.Tasks {
		if t.Status == task.StatusFailed && !t.Optional {
			return StatusFailed
		}
	}
	return StatusCompleted
}
