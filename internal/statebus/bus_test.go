package statebus

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type countingHook struct {
	reads atomic.Int64
}

func (h *countingHook) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return next(ctx, network, addr)
	}
}

func (h *countingHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		if cmd.Name() == "xread" {
			h.reads.Add(1)
		}
		return next(ctx, cmd)
	}
}

func (h *countingHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func TestTailBacksOffOnReadErrors(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		MaxRetries:  -1,
		DialTimeout: 50 * time.Millisecond,
	})
	defer rdb.Close()
	hook := &countingHook{}
	rdb.AddHook(hook)
	bus := &Bus{rdb: rdb, stream: DefaultStream, maxLen: 10, logger: zap.NewNop()}

	ctx, cancel := context.WithTimeout(context.Background(), 400*time.Millisecond)
	defer cancel()
	changes := bus.Tail(ctx, "0")

	select {
	case _, ok := <-changes:
		if ok {
			t.Fatal("received a change from an unreachable server")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("tail did not stop after ctx ended")
	}

	n := hook.reads.Load()
	if n == 0 {
		t.Fatal("tail never tried to read")
	}
	if n > 20 {
		t.Errorf("tail issued %d reads in 400ms, want backoff between failures", n)
	}
}
