package health

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nidhogg/nuka-conductor/internal/notify"
	"github.com/nidhogg/nuka-conductor/internal/registry"
	"github.com/nidhogg/nuka-conductor/internal/state"
	"go.uber.org/zap"
)

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

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.alerts)
}

func newTestMonitor(t *testing.T, cfg Config) (*Monitor, *registry.Registry, *state.Store) {
	t.Helper()
	logger := zap.NewNop()
	reg := registry.New(logger)
	st := state.NewStore(logger)
	return NewMonitor(cfg, reg, st, logger), reg, st
}

func TestStatusCheckTransitions(t *testing.T) {
	m, reg, st := newTestMonitor(t, Config{})
	n := &recordingNotifier{}
	m.SetNotifier(n)
	m.AddCheck("status", StatusCheck())
	ctx := context.Background()

	if _, err := reg.Register(&registry.Agent{ID: "a1"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	reports := m.RunOnce(ctx)
	if len(reports) != 1 || !reports[0].Healthy {
		t.Fatalf("reports = %+v", reports)
	}
	if v, _ := st.Get("health.a1.healthy"); v != true {
		t.Errorf("mirrored health = %v", v)
	}

	if err := reg.UpdateStatus("a1", registry.StatusError); err != nil {
		t.Fatalf("update: %v", err)
	}
	m.RunOnce(ctx)
	m.RunOnce(ctx)
	h, ok := m.Report("a1")
	if !ok || h.Healthy {
		t.Fatalf("report = %+v", h)
	}
	if len(h.Issues) != 1 || !strings.HasPrefix(h.Issues[0], "status: ") {
		t.Errorf("issues = %v", h.Issues)
	}
	if n.count() != 1 {
		t.Errorf("alerts = %d, want 1 for a single transition", n.count())
	}
	if v, _ := st.Get("health.a1.healthy"); v != false {
		t.Errorf("mirrored health = %v", v)
	}
}

func TestCheckTimeoutAndPanic(t *testing.T) {
	m, reg, _ := newTestMonitor(t, Config{CheckTimeout: 20 * time.Millisecond})
	m.AddCheck("slow", CheckFunc(func(ctx context.Context, _ *registry.Agent) CheckResult {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		return CheckResult{Healthy: true}
	}))
	m.AddCheck("panics", CheckFunc(func(context.Context, *registry.Agent) CheckResult {
		panic("check exploded")
	}))
	reg.Register(&registry.Agent{ID: "a1"})

	reports := m.RunOnce(context.Background())
	if len(reports) != 1 || reports[0].Healthy {
		t.Fatalf("reports = %+v", reports)
	}
	issues := strings.Join(reports[0].Issues, "; ")
	if !strings.Contains(issues, "slow: check timed out") || !strings.Contains(issues, "panics: panic: check exploded") {
		t.Errorf("issues = %s", issues)
	}
}

func TestActivityCheck(t *testing.T) {
	check := ActivityCheck(time.Minute)
	ctx := context.Background()

	idle := &registry.Agent{ID: "idle", Status: registry.StatusAvailable, LastActive: time.Now().Add(-2 * time.Minute)}
	if res := check.Check(ctx, idle); res.Healthy {
		t.Errorf("idle agent healthy: %+v", res)
	}
	busy := &registry.Agent{ID: "busy", Status: registry.StatusBusy, LastActive: time.Now().Add(-2 * time.Minute)}
	if res := check.Check(ctx, busy); !res.Healthy {
		t.Errorf("busy agent unhealthy: %+v", res)
	}
	fresh := &registry.Agent{ID: "fresh", Status: registry.StatusAvailable, LastActive: time.Now()}
	if res := check.Check(ctx, fresh); !res.Healthy || res.Metrics["idleSeconds"] == nil {
		t.Errorf("fresh agent = %+v", res)
	}
}

func TestReportsDropUnregistered(t *testing.T) {
	m, reg, _ := newTestMonitor(t, Config{})
	m.AddCheck("status", StatusCheck())
	reg.Register(&registry.Agent{ID: "b"})
	reg.Register(&registry.Agent{ID: "a"})
	m.RunOnce(context.Background())
	if got := m.Reports(); len(got) != 2 || got[0].AgentID != "a" {
		t.Fatalf("reports = %+v", got)
	}
	reg.Unregister("a")
	m.RunOnce(context.Background())
	if _, ok := m.Report("a"); ok {
		t.Error("report kept for unregistered agent")
	}
}

func TestStartStop(t *testing.T) {
	m, reg, st := newTestMonitor(t, Config{Interval: 10 * time.Millisecond})
	m.AddCheck("status", StatusCheck())
	reg.Register(&registry.Agent{ID: "a1"})

	m.Start(context.Background())
	m.Start(context.Background())
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := st.Get("health.a1.healthy"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("monitor never ran its checks")
		}
		time.Sleep(5 * time.Millisecond)
	}
	m.Stop()
	m.Stop()
}
