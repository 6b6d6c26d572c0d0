package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nidhogg/nuka-conductor/internal/apperr"
	"github.com/nidhogg/nuka-conductor/internal/registry"
	"github.com/nidhogg/nuka-conductor/internal/task"
	"go.uber.org/zap"
)

// ExecutionConfig is the persisted form of the scheduling limits.
type ExecutionConfig struct {
	MaxConcurrentTasks int   `json:"maxConcurrentTasks"`
	PollIntervalMS     int64 `json:"pollIntervalMs"`
	TaskTimeoutMS      int64 `json:"taskTimeoutMs,omitempty"`
}

// Snapshot is the on-disk coordinator document.
type Snapshot struct {
	CoordinatorID        string            `json:"coordinatorId"`
	CoordinatorName      string            `json:"coordinatorName"`
	CoordinationStrategy Strategy          `json:"coordinationStrategy"`
	ExecutionConfig      ExecutionConfig   `json:"executionConfig"`
	SharedState          map[string]any    `json:"sharedState"`
	Tasks                []*task.Task      `json:"tasks"`
	Agents               []*registry.Agent `json:"agents"`
	Initialized          bool              `json:"initialized"`
	IsRunning            bool              `json:"isRunning"`
	SavedAt              time.Time         `json:"savedAt"`
}

// Snapshot captures the full coordination state.
func (c *Coordinator) Snapshot() *Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot()
}

func (c *Coordinator) snapshot() *Snapshot {
	return &Snapshot{
		CoordinatorID:        c.cfg.ID,
		CoordinatorName:      c.cfg.Name,
		CoordinationStrategy: c.cfg.Strategy,
		ExecutionConfig: ExecutionConfig{
			MaxConcurrentTasks: c.cfg.MaxConcurrentTasks,
			PollIntervalMS:     c.cfg.PollInterval.Milliseconds(),
			TaskTimeoutMS:      c.cfg.TaskTimeout.Milliseconds(),
		},
		SharedState: c.state.Snapshot(),
		Tasks:       c.tasks.List(),
		Agents:      c.agents.List(),
		Initialized: c.initialized,
		IsRunning:   c.running,
		SavedAt:     time.Now().UTC(),
	}
}

// SaveState writes the snapshot to path atomically. A failure leaves the
// in-memory state untouched.
func (c *Coordinator) SaveState(path string) error {
	data, err := json.MarshalIndent(c.Snapshot(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %v: %w", err, apperr.ErrPersistenceFailure)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create state dir: %v: %w", err, apperr.ErrPersistenceFailure)
		}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write state file: %v: %w", err, apperr.ErrPersistenceFailure)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename state file: %v: %w", err, apperr.ErrPersistenceFailure)
	}
	c.logger.Info("state saved", zap.String("path", path))
	return nil
}

// LoadState replaces agents, tasks and shared state with the contents of path.
func (c *Coordinator) LoadState(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read state file: %v: %w", err, apperr.ErrPersistenceFailure)
	}
	if err := c.restore(data); err != nil {
		return err
	}
	c.logger.Info("state loaded", zap.String("path", path))
	return nil
}

// ArchiveSnapshot stores the current snapshot in the configured archive.
func (c *Coordinator) ArchiveSnapshot(ctx context.Context) error {
	c.mu.Lock()
	archive := c.archive
	c.mu.Unlock()
	if archive == nil {
		return fmt.Errorf("no snapshot archive configured: %w", apperr.ErrPersistenceFailure)
	}

	snap := c.Snapshot()
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal state: %v: %w", err, apperr.ErrPersistenceFailure)
	}
	if err := archive.Put(ctx, snap.CoordinatorID, snap.SavedAt, data); err != nil {
		return fmt.Errorf("archive snapshot: %v: %w", err, apperr.ErrPersistenceFailure)
	}
	return nil
}

// RestoreLatest loads the newest archived snapshot for this coordinator.
func (c *Coordinator) RestoreLatest(ctx context.Context) error {
	c.mu.Lock()
	archive, id := c.archive, c.cfg.ID
	c.mu.Unlock()
	if archive == nil {
		return fmt.Errorf("no snapshot archive configured: %w", apperr.ErrPersistenceFailure)
	}

	data, err := archive.Latest(ctx, id)
	if err != nil {
		return fmt.Errorf("fetch snapshot: %w", err)
	}
	return c.restore(data)
}

func (c *Coordinator) restore(data []byte) error {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode state: %v: %w", err, apperr.ErrPersistenceFailure)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for id := range c.inflight {
		c.dropRun(id)
	}
	if err := c.agents.Replace(snap.Agents); err != nil {
		return fmt.Errorf("restore agents: %w", err)
	}
	if err := c.tasks.Replace(snap.Tasks); err != nil {
		return fmt.Errorf("restore tasks: %w", err)
	}
	c.state.Restore(snap.SharedState)

	if snap.CoordinatorID != "" {
		c.cfg.ID = snap.CoordinatorID
	}
	if snap.CoordinatorName != "" {
		c.cfg.Name = snap.CoordinatorName
	}
	if snap.CoordinationStrategy != "" {
		c.cfg.Strategy = snap.CoordinationStrategy
	}
	if ec := snap.ExecutionConfig; ec.MaxConcurrentTasks > 0 {
		c.cfg.MaxConcurrentTasks = ec.MaxConcurrentTasks
		if ec.PollIntervalMS > 0 {
			c.cfg.PollInterval = time.Duration(ec.PollIntervalMS) * time.Millisecond
		}
		c.cfg.TaskTimeout = time.Duration(ec.TaskTimeoutMS) * time.Millisecond
	}
	c.initialized = c.initialized || snap.Initialized

	if c.running {
		c.requeueOrphans()
		c.Wake()
	}
	return nil
}
