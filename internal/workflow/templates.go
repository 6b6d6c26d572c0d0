package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/nuka-conductor/internal/apperr"
	"go.uber.org/zap"
)

// CreateTemplate validates and stores a new template. A missing id is
// generated and the version starts at 1.
func (e *Engine) CreateTemplate(ctx context.Context, t *Template) (*Template, error) {
	if t.Name == "" {
		return nil, invalidf("template name is required")
	}
	if err := Validate(t.Tasks); err != nil {
		return nil, err
	}
	tpl := t.Clone()
	if tpl.ID == "" {
		tpl.ID = uuid.New().String()
	}
	if tpl.Version <= 0 {
		tpl.Version = 1
	}
	now := time.Now()
	tpl.CreatedAt = now
	tpl.UpdatedAt = now
	tpl.Tasks = blueprints(tpl.Tasks)

	if err := e.templates.Create(ctx, tpl); err != nil {
		return nil, err
	}
	e.logger.Info("template created",
		zap.String("template", tpl.ID),
		zap.String("name", tpl.Name))
	return tpl.Clone(), nil
}

// GetTemplate looks a template up by id, then by name.
func (e *Engine) GetTemplate(ctx context.Context, idOrName string) (*Template, error) {
	tpl, err := e.templates.Get(ctx, idOrName)
	if err == nil {
		return tpl, nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}
	all, err := e.templates.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, t := range all {
		if t.Name == idOrName {
			return t, nil
		}
	}
	return nil, fmt.Errorf("template %s: %w", idOrName, apperr.ErrNotFound)
}

// ListTemplates returns all templates, oldest first.
func (e *Engine) ListTemplates(ctx context.Context) ([]*Template, error) {
	return e.templates.List(ctx)
}

// UpdateTemplate replaces the definition of an existing template and bumps
// its version. Workflows already created keep the version they pinned.
func (e *Engine) UpdateTemplate(ctx context.Context, id string, t *Template) (*Template, error) {
	cur, err := e.templates.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := Validate(t.Tasks); err != nil {
		return nil, err
	}
	next := t.Clone()
	next.ID = cur.ID
	if next.Name == "" {
		next.Name = cur.Name
	}
	next.Version = cur.Version + 1
	next.CreatedAt = cur.CreatedAt
	next.UpdatedAt = time.Now()
	next.Tasks = blueprints(next.Tasks)

	if err := e.templates.Update(ctx, next); err != nil {
		return nil, err
	}
	e.logger.Info("template updated",
		zap.String("template", next.ID),
		zap.Int("version", next.Version))
	return next.Clone(), nil
}

// DeleteTemplate removes a template.
func (e *Engine) DeleteTemplate(ctx context.Context, id string) error {
	if err := e.templates.Delete(ctx, id); err != nil {
		return err
	}
	e.logger.Info("template deleted", zap.String("template", id))
	return nil
}

// RegisterTemplate creates the template, or updates the one with the same
// name.
func (e *Engine) RegisterTemplate(ctx context.Context, t *Template) (*Template, error) {
	cur, err := e.GetTemplate(ctx, t.Name)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return e.CreateTemplate(ctx, t)
	case err != nil:
		return nil, err
	}
	return e.UpdateTemplate(ctx, cur.ID, t)
}

func blueprints(tasks []*Task) []*Task {
	out := make([]*Task, len(tasks))
	for i, t := range tasks {
		out[i] = t.blueprint()
	}
	return out
}
