package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/devflowhub/controlplane/internal/domain"
	"github.com/devflowhub/controlplane/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.UserRepository       = (*Repository)(nil)
	_ repository.ProjectRepository    = (*Repository)(nil)
	_ repository.DeploymentRepository = (*Repository)(nil)
	_ repository.RunRepository        = (*Repository)(nil)
	_ repository.SnapshotRepository   = (*Repository)(nil)
)

// GetUserPlan returns the plan tier assigned to a user.
func (r *Repository) GetUserPlan(ctx context.Context, userID string) (string, error) {
	const query = `SELECT plan FROM users WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, userID)
	var plan string
	if err := row.Scan(&plan); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", repository.ErrNotFound
		}
		return "", err
	}
	return plan, nil
}

// GetProjectByID retrieves a project by identifier.
func (r *Repository) GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error) {
	const query = `SELECT id, owner_id, name, repo_url, build_command, created_at
		FROM projects WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, projectID)
	var p domain.Project
	if err := row.Scan(&p.ID, &p.OwnerID, &p.Name, &p.RepoURL, &p.BuildCommand, &p.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// ListProjectFiles reads a project's full file set. A single statement runs
// against one MVCC snapshot, so concurrent writers cannot tear the result.
func (r *Repository) ListProjectFiles(ctx context.Context, projectID string) ([]domain.ProjectFile, error) {
	const query = `SELECT project_id, path, content, updated_at
		FROM project_files WHERE project_id = $1 ORDER BY path`
	rows, err := r.pool.Query(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var files []domain.ProjectFile
	for rows.Next() {
		var f domain.ProjectFile
		if err := rows.Scan(&f.ProjectID, &f.Path, &f.Content, &f.UpdatedAt); err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// ReplaceProjectFiles swaps a project's file set atomically inside one
// transaction, used by snapshot restore.
func (r *Repository) ReplaceProjectFiles(ctx context.Context, projectID string, files []domain.ProjectFile) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM project_files WHERE project_id = $1`, projectID); err != nil {
		return err
	}
	const insert = `INSERT INTO project_files (project_id, path, content, updated_at)
		VALUES ($1, $2, $3, now())`
	for _, f := range files {
		if _, err := tx.Exec(ctx, insert, projectID, f.Path, f.Content); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
