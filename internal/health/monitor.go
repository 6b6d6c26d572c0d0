// Package health checks registered agents on a timer and aggregates the
// results per agent.
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nidhogg/nuka-conductor/internal/notify"
	"github.com/nidhogg/nuka-conductor/internal/registry"
	"github.com/nidhogg/nuka-conductor/internal/state"
	"go.uber.org/zap"
)

// CheckResult is the verdict of one check against one agent.
type CheckResult struct {
	Healthy bool           `json:"healthy"`
	Message string         `json:"message,omitempty"`
	Metrics map[string]any `json:"metrics,omitempty"`
}

// Check inspects a single agent.
type Check interface {
	Check(ctx context.Context, agent *registry.Agent) CheckResult
}

// CheckFunc adapts a function to Check.
type CheckFunc func(ctx context.Context, agent *registry.Agent) CheckResult

func (f CheckFunc) Check(ctx context.Context, agent *registry.Agent) CheckResult {
	return f(ctx, agent)
}

// AgentHealth aggregates every check for one agent.
type AgentHealth struct {
	AgentID   string         `json:"agentId"`
	Healthy   bool           `json:"healthy"`
	Issues    []string       `json:"issues,omitempty"`
	Metrics   map[string]any `json:"metrics,omitempty"`
	CheckedAt time.Time      `json:"checkedAt"`
}

type namedCheck struct {
	name  string
	check Check
}

// Config controls check cadence.
type Config struct {
	Interval     time.Duration
	CheckTimeout time.Duration
}

// Monitor runs checks against every agent in a registry.
type Monitor struct {
	cfg      Config
	agents   *registry.Registry
	state    *state.Store
	notifier notify.Notifier

	mu      sync.RWMutex
	checks  []namedCheck
	reports map[string]*AgentHealth
	cancel  context.CancelFunc
	done    chan struct{}
	logger  *zap.Logger
}

// NewMonitor creates a monitor. st may be nil.
func NewMonitor(cfg Config, agents *registry.Registry, st *state.Store, logger *zap.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = 5 * time.Second
	}
	return &Monitor{
		cfg:      cfg,
		agents:   agents,
		state:    st,
		notifier: notify.Nop{},
		reports:  make(map[string]*AgentHealth),
		logger:   logger,
	}
}

// SetNotifier installs the sink for unhealthy transitions.
func (m *Monitor) SetNotifier(n notify.Notifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifier = n
}

// AddCheck registers a named check. Adding a name twice replaces the check.
func (m *Monitor) AddCheck(name string, c Check) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, nc := range m.checks {
		if nc.name == name {
			m.checks[i].check = c
			return
		}
	}
	m.checks = append(m.checks, namedCheck{name: name, check: c})
}

// Start runs the checks every Interval until Stop or ctx ends.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	go m.loop(ctx, done)
	m.logger.Info("health monitor started", zap.Duration("interval", m.cfg.Interval))
}

// Stop halts the check loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.logger.Info("health monitor stopped")
}

func (m *Monitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RunOnce(ctx)
		}
	}
}

// RunOnce checks every registered agent once and returns the reports.
func (m *Monitor) RunOnce(ctx context.Context) []*AgentHealth {
	m.mu.RLock()
	checks := append([]namedCheck(nil), m.checks...)
	m.mu.RUnlock()

	agents := m.agents.List()
	out := make([]*AgentHealth, 0, len(agents))
	var alerts []*notify.Alert
	seen := make(map[string]bool, len(agents))

	for _, a := range agents {
		seen[a.ID] = true
		h := m.inspect(ctx, a, checks)

		m.mu.Lock()
		prev := m.reports[a.ID]
		m.reports[a.ID] = h
		m.mu.Unlock()

		if m.state != nil {
			m.state.Set("health."+a.ID+".healthy", h.Healthy, state.WithSource("health"))
		}
		if !h.Healthy && (prev == nil || prev.Healthy) {
			m.logger.Warn("agent unhealthy",
				zap.String("agent", a.ID),
				zap.Strings("issues", h.Issues))
			alerts = append(alerts, &notify.Alert{
				Type:    notify.AlertAgentUnhealthy,
				Title:   fmt.Sprintf("agent %s unhealthy", a.ID),
				Content: fmt.Sprintf("%v", h.Issues),
				Subject: a.ID,
			})
		}
		out = append(out, h.clone())
	}

	m.mu.Lock()
	for id := range m.reports {
		if !seen[id] {
			delete(m.reports, id)
		}
	}
	n := m.notifier
	m.mu.Unlock()

	for _, alert := range alerts {
		n.Notify(ctx, alert)
	}
	return out
}

func (m *Monitor) inspect(ctx context.Context, a *registry.Agent, checks []namedCheck) *AgentHealth {
	h := &AgentHealth{AgentID: a.ID, Healthy: true, CheckedAt: time.Now()}
	for _, nc := range checks {
		res := m.runCheck(ctx, nc, a)
		if !res.Healthy {
			h.Healthy = false
			msg := res.Message
			if msg == "" {
				msg = "unhealthy"
			}
			h.Issues = append(h.Issues, nc.name+": "+msg)
		}
		for k, v := range res.Metrics {
			if h.Metrics == nil {
				h.Metrics = make(map[string]any)
			}
			h.Metrics[nc.name+"."+k] = v
		}
	}
	return h
}

// runCheck bounds a check by CheckTimeout. A check still running after the
// deadline is abandoned.
func (m *Monitor) runCheck(ctx context.Context, nc namedCheck, a *registry.Agent) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.CheckTimeout)
	defer cancel()

	ch := make(chan CheckResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				m.logger.Warn("health check panicked",
					zap.String("check", nc.name),
					zap.String("agent", a.ID),
					zap.Any("panic", r))
				ch <- CheckResult{Healthy: false, Message: fmt.Sprintf("panic: %v", r)}
			}
		}()
		ch <- nc.check.Check(ctx, a.Clone())
	}()

	select {
	case res := <-ch:
		return res
	case <-ctx.Done():
		return CheckResult{Healthy: false, Message: "check timed out"}
	}
}

// Report returns the latest result for an agent.
func (m *Monitor) Report(agentID string) (*AgentHealth, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.reports[agentID]
	if !ok {
		return nil, false
	}
	return h.clone(), true
}

// Reports returns the latest result for every agent, sorted by id.
func (m *Monitor) Reports() []*AgentHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*AgentHealth, 0, len(m.reports))
	for _, h := range m.reports {
		out = append(out, h.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

func (h *AgentHealth) clone() *AgentHealth {
	c := *h
	c.Issues = append([]string(nil), h.Issues...)
	if h.Metrics != nil {
		c.Metrics = make(map[string]any, len(h.Metrics))
		for k, v := range h.Metrics {
			c.Metrics[k] = v
		}
	}
	return &c
}
