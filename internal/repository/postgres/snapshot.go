package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/devflowhub/controlplane/internal/domain"
	"github.com/devflowhub/controlplane/internal/repository"
)

// CreateSnapshot inserts snapshot metadata. There is no update path; a
// snapshot row is immutable once written.
func (r *Repository) CreateSnapshot(ctx context.Context, snapshot *domain.Snapshot) error {
	const query = `INSERT INTO snapshots (id, project_id, reason, blob_key, file_count, size_bytes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := r.pool.Exec(ctx, query,
		snapshot.ID, snapshot.ProjectID, snapshot.Reason, snapshot.BlobKey,
		snapshot.FileCount, snapshot.SizeBytes, snapshot.CreatedAt)
	return err
}

// GetSnapshotByID returns snapshot metadata by identifier.
func (r *Repository) GetSnapshotByID(ctx context.Context, snapshotID string) (*domain.Snapshot, error) {
	const query = `SELECT id, project_id, reason, blob_key, file_count, size_bytes, created_at
		FROM snapshots WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, snapshotID)
	var s domain.Snapshot
	if err := row.Scan(&s.ID, &s.ProjectID, &s.Reason, &s.BlobKey, &s.FileCount, &s.SizeBytes, &s.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}
