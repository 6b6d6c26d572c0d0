//go:build integration

package statebus

import (
	"context"
	"testing"
	"time"

	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-conductor/internal/state"
)

func startRedis(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("start redis: %v", err)
	}
	t.Cleanup(func() { container.Terminate(ctx) })
	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("redis endpoint: %v", err)
	}
	return "redis://" + endpoint
}

func TestMirrorAndTail(t *testing.T) {
	url := startRedis(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	logger := zap.NewNop()

	bus, err := New(ctx, url, "test:state", logger)
	if err != nil {
		t.Fatalf("new bus: %v", err)
	}
	defer bus.Close()

	st := state.NewStore(logger)
	stop := bus.Mirror(ctx, st)
	defer stop()

	st.Set("tasks.t1.status", "pending", state.WithSource("coordinator"))
	st.Set("tasks.t1.status", "completed", state.WithSource("coordinator"))
	st.Delete("tasks.t1.status")

	changes := bus.Tail(ctx, "0")
	var got []state.Change
	for len(got) < 3 {
		select {
		case c, ok := <-changes:
			if !ok {
				t.Fatalf("tail closed after %d changes", len(got))
			}
			got = append(got, c)
		case <-ctx.Done():
			t.Fatalf("timed out after %d changes", len(got))
		}
	}

	if got[0].Path != "tasks.t1.status" || got[0].Value != "pending" || got[0].Source != "coordinator" {
		t.Errorf("first change = %+v", got[0])
	}
	if got[1].Value != "completed" || got[1].Old != "pending" {
		t.Errorf("second change = %+v", got[1])
	}
	if got[2].Value != nil || got[2].Old != "completed" {
		t.Errorf("delete change = %+v", got[2])
	}
	if bus.Dropped() != 0 {
		t.Errorf("dropped = %d", bus.Dropped())
	}
}
