package executor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestLookupOrder(t *testing.T) {
	r := NewRegistry()
	r.RegisterFunc("summarize", func(ctx context.Context, req Request) (Result, error) {
		return Result{Success: true, Result: "action"}, nil
	})
	r.RegisterFunc("research", func(ctx context.Context, req Request) (Result, error) {
		return Result{Success: true, Result: "type"}, nil
	})

	tests := []struct {
		name string
		req  Request
		want any
	}{
		{"action wins", Request{Action: "summarize", Type: "research"}, "action"},
		{"falls back to type", Request{Action: "unknown", Type: "research"}, "type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := r.Execute(context.Background(), tt.req)
			if err != nil {
				t.Fatalf("execute: %v", err)
			}
			if res.Result != tt.want {
				t.Errorf("result = %v, want %v", res.Result, tt.want)
			}
		})
	}

	if _, err := r.Execute(context.Background(), Request{Action: "nothing"}); err == nil {
		t.Error("expected error for unresolved action")
	}

	r.SetFallback(Func(func(ctx context.Context, req Request) (Result, error) {
		return Result{Success: true, Result: "fallback"}, nil
	}))
	res, err := r.Execute(context.Background(), Request{Action: "nothing"})
	if err != nil || res.Result != "fallback" {
		t.Errorf("fallback = %v, %v", res, err)
	}
}

func TestExecuteRecoversPanic(t *testing.T) {
	r := NewRegistry()
	r.RegisterFunc("explode", func(ctx context.Context, req Request) (Result, error) {
		panic("kaboom")
	})

	_, err := r.Execute(context.Background(), Request{Action: "explode"})
	if err == nil || !strings.Contains(err.Error(), "kaboom") {
		t.Fatalf("got %v, want panic error", err)
	}
}

func TestBuiltins(t *testing.T) {
	r := NewRegistry()
	RegisterBuiltins(r)

	res, _ := r.Execute(context.Background(), Request{Action: "echo", Description: "hello"})
	if !res.Success || res.Result != "hello" {
		t.Errorf("echo description = %+v", res)
	}

	res, _ = r.Execute(context.Background(), Request{Action: "echo", Input: map[string]any{"x": 1}})
	in, ok := res.Result.(map[string]any)
	if !ok || in["x"] != 1 {
		t.Errorf("echo input = %+v", res)
	}

	res, _ = r.Execute(context.Background(), Request{Type: "noop"})
	if !res.Success || res.Result != nil {
		t.Errorf("noop = %+v", res)
	}
}

func TestAwaitReturnsResult(t *testing.T) {
	e := Func(func(ctx context.Context, req Request) (Result, error) {
		return Result{Success: true, Result: req.TaskID}, nil
	})
	res, err := Await(context.Background(), e, Request{TaskID: "t1"})
	if err != nil || !res.Success || res.Result != "t1" {
		t.Fatalf("Await = %+v, %v", res, err)
	}
}

func TestAwaitDeadlineBeatsStuckExecutor(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	e := Func(func(context.Context, Request) (Result, error) {
		<-release
		return Result{Success: true}, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	start := time.Now()
	res, err := Await(ctx, e, Request{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if res.Success {
		t.Error("late result leaked through")
	}
	if took := time.Since(start); took > time.Second {
		t.Errorf("Await took %s after the deadline", took)
	}
}
