package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nidhogg/nuka-conductor/internal/apperr"
)

// SnapshotArchive keeps every saved coordinator snapshot.
type SnapshotArchive struct {
	db *pgxpool.Pool
}

// Put appends a snapshot document.
func (a *SnapshotArchive) Put(ctx context.Context, coordinatorID string, savedAt time.Time, doc []byte) error {
	_, err := a.db.Exec(ctx, `
		INSERT INTO coordinator_snapshots (coordinator_id, saved_at, document)
		VALUES ($1, $2, $3)`,
		coordinatorID, savedAt, doc,
	)
	if err != nil {
		return fmt.Errorf("archive snapshot for %s: %w", coordinatorID, err)
	}
	return nil
}

// Latest returns the newest snapshot document for a coordinator.
func (a *SnapshotArchive) Latest(ctx context.Context, coordinatorID string) ([]byte, error) {
	var doc []byte
	err := a.db.QueryRow(ctx, `
		SELECT document FROM coordinator_snapshots
		WHERE coordinator_id = $1
		ORDER BY saved_at DESC, id DESC
		LIMIT 1`, coordinatorID).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("snapshot for %s: %w", coordinatorID, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("latest snapshot for %s: %w", coordinatorID, err)
	}
	return doc, nil
}

// Prune keeps only the newest keep snapshots for a coordinator.
func (a *SnapshotArchive) Prune(ctx context.Context, coordinatorID string, keep int) (int64, error) {
	tag, err := a.db.Exec(ctx, `
		DELETE FROM coordinator_snapshots
		WHERE coordinator_id = $1 AND id NOT IN (
			SELECT id FROM coordinator_snapshots
			WHERE coordinator_id = $1
			ORDER BY saved_at DESC, id DESC
			LIMIT $2
		)`, coordinatorID, keep)
	if err != nil {
		return 0, fmt.Errorf("prune snapshots for %s: %w", coordinatorID, err)
	}
	return tag.RowsAffected(), nil
}
