package state

import (
	"testing"

	"go.uber.org/zap"
)

func TestSetGet(t *testing.T) {
	s := NewStore(zap.NewNop())

	if _, ok := s.Get("tasks.t1.status"); ok {
		t.Fatal("expected empty store")
	}
	s.Set("tasks.t1.status", "pending", WithSource("test"))

	v, ok := s.Get("tasks.t1.status")
	if !ok || v != "pending" {
		t.Fatalf("got %v (%v), want pending", v, ok)
	}
	e, _ := s.Entry("tasks.t1.status")
	if e.Meta.ModifiedBy != "test" {
		t.Errorf("modified_by = %q, want test", e.Meta.ModifiedBy)
	}
	if e.Meta.ModifiedAt.IsZero() {
		t.Error("expected modified_at to be set")
	}
}

func TestSubscribeExactPath(t *testing.T) {
	s := NewStore(zap.NewNop())

	var got [][2]any
	unsub := s.Subscribe("a.b", func(n, o any) {
		got = append(got, [2]any{n, o})
	})

	s.Set("a.b", 1)
	s.Set("a.b.c", 99) // not an exact match
	s.Set("a", 98)
	s.Set("a.b", 2)
	s.Set("a.b", 2) // unchanged value still notifies

	if len(got) != 3 {
		t.Fatalf("got %d notifications, want 3", len(got))
	}
	if got[0][0] != 1 || got[0][1] != nil {
		t.Errorf("first notification = %v", got[0])
	}
	if got[1][0] != 2 || got[1][1] != 1 {
		t.Errorf("second notification = %v", got[1])
	}
	if got[2][0] != 2 || got[2][1] != 2 {
		t.Errorf("third notification = %v", got[2])
	}

	unsub()
	s.Set("a.b", 3)
	if len(got) != 3 {
		t.Errorf("notified after unsubscribe")
	}
}

func TestSubscriberPanicDoesNotPropagate(t *testing.T) {
	s := NewStore(zap.NewNop())

	called := false
	s.Subscribe("x", func(_, _ any) { panic("boom") })
	s.Subscribe("x", func(_, _ any) { called = true })

	s.Set("x", "v")
	if !called {
		t.Error("second subscriber should still run after first panicked")
	}
	if v, _ := s.Get("x"); v != "v" {
		t.Errorf("value = %v, want v", v)
	}
}

func TestWatchSeesEveryChange(t *testing.T) {
	s := NewStore(zap.NewNop())

	var changes []Change
	s.Watch(func(c Change) { changes = append(changes, c) })

	s.Set("a", 1, WithSource("coordinator"))
	s.Set("b", 2)
	s.Delete("a")
	s.Delete("missing")

	if len(changes) != 3 {
		t.Fatalf("got %d changes, want 3", len(changes))
	}
	if changes[0].Source != "coordinator" {
		t.Errorf("source = %q", changes[0].Source)
	}
	if changes[2].Path != "a" || changes[2].Value != nil || changes[2].Old != 1 {
		t.Errorf("delete change = %+v", changes[2])
	}
}

func TestClearAndRestore(t *testing.T) {
	s := NewStore(zap.NewNop())
	s.Set("a", 1)
	s.Set("b", 2)

	snap := s.Snapshot()
	s.Clear()
	if s.Len() != 0 {
		t.Fatalf("len after clear = %d", s.Len())
	}

	s.Set("c", 3)
	s.Restore(snap)
	if s.Len() != 2 {
		t.Fatalf("len after restore = %d, want 2", s.Len())
	}
	if _, ok := s.Get("c"); ok {
		t.Error("restore must replace, not merge")
	}
	if v, _ := s.Get("b"); v != 2 {
		t.Errorf("b = %v, want 2", v)
	}
}

func TestKeysPrefix(t *testing.T) {
	s := NewStore(zap.NewNop())
	s.Set("tasks.b.status", "x")
	s.Set("tasks.a.status", "x")
	s.Set("agents.a.status", "x")

	keys := s.Keys("tasks.")
	if len(keys) != 2 || keys[0] != "tasks.a.status" {
		t.Errorf("keys = %v", keys)
	}
}
