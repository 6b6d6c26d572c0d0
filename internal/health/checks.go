package health

import (
	"context"
	"time"

	"github.com/nidhogg/nuka-conductor/internal/registry"
)

// StatusCheck reports agents in the error or offline status as unhealthy.
func StatusCheck() Check {
	return CheckFunc(func(_ context.Context, a *registry.Agent) CheckResult {
		switch a.Status {
		case registry.StatusError, registry.StatusOffline:
			return CheckResult{Healthy: false, Message: "agent status is " + string(a.Status)}
		}
		return CheckResult{Healthy: true}
	})
}

// ActivityCheck reports agents idle for longer than maxIdle as unhealthy.
// Busy agents are always considered active.
func ActivityCheck(maxIdle time.Duration) Check {
	return CheckFunc(func(_ context.Context, a *registry.Agent) CheckResult {
		idle := time.Since(a.LastActive)
		res := CheckResult{Healthy: true, Metrics: map[string]any{"idleSeconds": int64(idle.Seconds())}}
		if a.Status != registry.StatusBusy && maxIdle > 0 && idle > maxIdle {
			res.Healthy = false
			res.Message = "no activity for " + idle.Truncate(time.Second).String()
		}
		return res
	})
}
