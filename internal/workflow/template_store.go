package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nidhogg/nuka-conductor/internal/apperr"
)

// TemplateStore persists workflow templates.
type TemplateStore interface {
	Create(ctx context.Context, t *Template) error
	Get(ctx context.Context, id string) (*Template, error)
	List(ctx context.Context) ([]*Template, error)
	Update(ctx context.Context, t *Template) error
	Delete(ctx context.Context, id string) error
}

// MemoryTemplateStore keeps templates in process memory.
type MemoryTemplateStore struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewMemoryTemplateStore creates an empty store.
func NewMemoryTemplateStore() *MemoryTemplateStore {
	return &MemoryTemplateStore{templates: make(map[string]*Template)}
}

func (s *MemoryTemplateStore) Create(_ context.Context, t *Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.templates[t.ID]; ok {
		return fmt.Errorf("template %s: %w", t.ID, apperr.ErrDuplicateID)
	}
	s.templates[t.ID] = t.Clone()
	return nil
}

func (s *MemoryTemplateStore) Get(_ context.Context, id string) (*Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.templates[id]
	if !ok {
		return nil, fmt.Errorf("template %s: %w", id, apperr.ErrNotFound)
	}
	return t.Clone(), nil
}

func (s *MemoryTemplateStore) List(_ context.Context) ([]*Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Template, 0, len(s.templates))
	for _, t := range s.templates {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryTemplateStore) Update(_ context.Context, t *Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.templates[t.ID]; !ok {
		return fmt.Errorf("template %s: %w", t.ID, apperr.ErrNotFound)
	}
	s.templates[t.ID] = t.Clone()
	return nil
}

func (s *MemoryTemplateStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.templates[id]; !ok {
		return fmt.Errorf("template %s: %w", id, apperr.ErrNotFound)
	}
	delete(s.templates, id)
	return nil
}
