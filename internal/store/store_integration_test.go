//go:build integration

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-conductor/internal/apperr"
	"github.com/nidhogg/nuka-conductor/internal/workflow"
)

func startPostgres(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	container, err := tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("conductor_test"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("start postgres: %v", err)
	}
	t.Cleanup(func() { container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("pg connection string: %v", err)
	}
	s, err := New(ctx, dsn, zap.NewNop())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(s.Close)
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	return s
}

func TestTemplateRepository(t *testing.T) {
	s := startPostgres(t)
	ctx := context.Background()
	logger := zap.NewNop()
	engine := workflow.NewEngine(workflow.Config{}, s.Templates(), nil, nil, logger)

	tpl, err := engine.CreateTemplate(ctx, &workflow.Template{
		Name:    "deploy",
		Context: map[string]any{"env": "prod"},
		Tasks: []*workflow.Task{
			{ID: "build", Action: "echo", Timeout: workflow.Duration(5 * time.Second)},
			{ID: "ship", Action: "echo", DependsOn: []string{"build"},
				Conditions: workflow.Conditions{workflow.TaskSuccess{TaskID: "build"}}},
		},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := engine.GetTemplate(ctx, "deploy")
	if err != nil {
		t.Fatalf("get by name: %v", err)
	}
	if got.ID != tpl.ID || len(got.Tasks) != 2 || got.Context["env"] != "prod" {
		t.Fatalf("template = %+v", got)
	}
	ship := got.Tasks[1]
	if c, ok := ship.Conditions[0].(workflow.TaskSuccess); !ok || c.TaskID != "build" {
		t.Errorf("conditions = %#v", ship.Conditions)
	}
	if got.Tasks[0].Timeout.Std() != 5*time.Second {
		t.Errorf("timeout = %s", got.Tasks[0].Timeout.Std())
	}

	updated, err := engine.UpdateTemplate(ctx, tpl.ID, &workflow.Template{Tasks: got.Tasks[:1]})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Version != 2 {
		t.Errorf("version = %d, want 2", updated.Version)
	}

	repo := s.Templates()
	if err := repo.Create(ctx, tpl); !errors.Is(err, apperr.ErrDuplicateID) {
		t.Errorf("duplicate create error = %v", err)
	}
	list, err := repo.List(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("list = %d, %v", len(list), err)
	}
	if err := repo.Delete(ctx, tpl.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := repo.Get(ctx, tpl.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("get deleted error = %v", err)
	}
	if err := repo.Delete(ctx, tpl.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("double delete error = %v", err)
	}
}

func TestSnapshotArchive(t *testing.T) {
	s := startPostgres(t)
	ctx := context.Background()
	archive := s.Snapshots()

	if _, err := archive.Latest(ctx, "c1"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("empty latest error = %v", err)
	}
	base := time.Now().UTC().Truncate(time.Millisecond)
	for i, doc := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
		if err := archive.Put(ctx, "c1", base.Add(time.Duration(i)*time.Second), []byte(doc)); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	archive.Put(ctx, "c2", base.Add(time.Hour), []byte(`{"n":9}`))

	doc, err := archive.Latest(ctx, "c1")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if string(doc) != `{"n": 3}` && string(doc) != `{"n":3}` {
		t.Errorf("latest = %s", doc)
	}

	n, err := archive.Prune(ctx, "c1", 1)
	if err != nil || n != 2 {
		t.Errorf("pruned %d, %v; want 2", n, err)
	}
	if doc, _ := archive.Latest(ctx, "c2"); len(doc) == 0 {
		t.Error("prune touched another coordinator")
	}
}
