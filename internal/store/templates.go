package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nidhogg/nuka-conductor/internal/apperr"
	"github.com/nidhogg/nuka-conductor/internal/workflow"
)

// TemplateRepository stores workflow templates with their task graph as JSONB.
type TemplateRepository struct {
	db *pgxpool.Pool
}

const templateColumns = `id, name, description, version, tasks, context, created_at, updated_at`

// Create inserts a new template.
func (r *TemplateRepository) Create(ctx context.Context, t *workflow.Template) error {
	tasks, wfContext, err := encodeTemplate(t)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO workflow_templates (`+templateColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		t.ID, t.Name, t.Description, t.Version, tasks, wfContext, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("template %s: %w", t.ID, apperr.ErrDuplicateID)
		}
		return fmt.Errorf("create template %s: %w", t.ID, err)
	}
	return nil
}

// Get retrieves a template by id.
func (r *TemplateRepository) Get(ctx context.Context, id string) (*workflow.Template, error) {
	row := r.db.QueryRow(ctx, `SELECT `+templateColumns+` FROM workflow_templates WHERE id = $1`, id)
	t, err := scanTemplate(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("template %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get template %s: %w", id, err)
	}
	return t, nil
}

// List returns every template, oldest first.
func (r *TemplateRepository) List(ctx context.Context) ([]*workflow.Template, error) {
	rows, err := r.db.Query(ctx, `SELECT `+templateColumns+` FROM workflow_templates ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()

	var out []*workflow.Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Update replaces a template row.
func (r *TemplateRepository) Update(ctx context.Context, t *workflow.Template) error {
	tasks, wfContext, err := encodeTemplate(t)
	if err != nil {
		return err
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE workflow_templates SET
			name = $2, description = $3, version = $4, tasks = $5, context = $6, updated_at = $7
		WHERE id = $1`,
		t.ID, t.Name, t.Description, t.Version, tasks, wfContext, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update template %s: %w", t.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("template %s: %w", t.ID, apperr.ErrNotFound)
	}
	return nil
}

// Delete removes a template.
func (r *TemplateRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM workflow_templates WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete template %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("template %s: %w", id, apperr.ErrNotFound)
	}
	return nil
}

func encodeTemplate(t *workflow.Template) (tasks, wfContext []byte, err error) {
	tasks, err = json.Marshal(t.Tasks)
	if err != nil {
		return nil, nil, fmt.Errorf("encode template tasks: %w", err)
	}
	if t.Context != nil {
		wfContext, err = json.Marshal(t.Context)
		if err != nil {
			return nil, nil, fmt.Errorf("encode template context: %w", err)
		}
	}
	return tasks, wfContext, nil
}

func scanTemplate(row pgx.Row) (*workflow.Template, error) {
	var (
		t         workflow.Template
		tasks     []byte
		wfContext []byte
	)
	if err := row.Scan(&t.ID, &t.Name, &t.Description, &t.Version, &tasks, &wfContext, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(tasks, &t.Tasks); err != nil {
		return nil, fmt.Errorf("decode tasks: %w", err)
	}
	if len(wfContext) > 0 {
		if err := json.Unmarshal(wfContext, &t.Context); err != nil {
			return nil, fmt.Errorf("decode context: %w", err)
		}
	}
	return &t, nil
}
