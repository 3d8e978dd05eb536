package postgres

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/devflowhub/controlplane/internal/domain"
	"github.com/devflowhub/controlplane/internal/repository"
)

const runColumns = `id, project_id, branch, created_by, status, url, error, sandbox_id,
	snapshot_id, snapshot_error, estimated_cost, env_vars, public, ttl_minutes,
	starts_at, created_at, updated_at`

// CreateRun inserts a sandbox run row.
func (r *Repository) CreateRun(ctx context.Context, run *domain.Run) error {
	envVars, err := json.Marshal(run.EnvVars)
	if err != nil {
		return err
	}
	const query = `INSERT INTO runs (id, project_id, branch, created_by, status, url, error,
		sandbox_id, snapshot_id, snapshot_error, estimated_cost, env_vars, public,
		ttl_minutes, starts_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`
	_, err = r.pool.Exec(ctx, query,
		run.ID, run.ProjectID, run.Branch, run.CreatedBy, run.Status, run.URL, run.Error,
		run.SandboxID, run.SnapshotID, run.SnapshotError, run.EstimatedCost, envVars,
		run.Public, run.TTLMinutes, run.StartsAt, run.CreatedAt, run.UpdatedAt)
	return err
}

// GetRunByID returns a run by identifier.
func (r *Repository) GetRunByID(ctx context.Context, runID string) (*domain.Run, error) {
	const query = `SELECT ` + runColumns + ` FROM runs WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, runID)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return run, nil
}

// ListRunsByProject returns recent runs, newest first.
func (r *Repository) ListRunsByProject(ctx context.Context, projectID string, limit int) ([]domain.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `SELECT ` + runColumns + ` FROM runs
		WHERE project_id = $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRuns(rows)
}

// UpdateRunStatus advances a non-terminal run. Terminal rows (failed,
// stopped, expired) win over any later writer; a late update against one
// returns ErrInvalidTransition.
func (r *Repository) UpdateRunStatus(ctx context.Context, update domain.RunStatusUpdate) error {
	const query = `UPDATE runs SET
			status = $2,
			url = COALESCE(NULLIF($3, ''), url),
			error = COALESCE(NULLIF($4, ''), error),
			updated_at = now()
		WHERE id = $1 AND status IN ('starting', 'running')`
	tag, err := r.pool.Exec(ctx, query, update.RunID, update.Status, update.URL, update.Error)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.runUpdateFailure(ctx, update.RunID)
	}
	return nil
}

// ListRunsWithStatus returns runs currently in one of the given statuses.
func (r *Repository) ListRunsWithStatus(ctx context.Context, statuses []string) ([]domain.Run, error) {
	const query = `SELECT ` + runColumns + ` FROM runs WHERE status = ANY($1) ORDER BY created_at`
	rows, err := r.pool.Query(ctx, query, statuses)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRuns(rows)
}

// ClearRunSandbox records that the run's sandbox has been torn down. A row
// keeping its sandbox id after going terminal is picked up by the reclaim
// sweep until the teardown finally lands.
func (r *Repository) ClearRunSandbox(ctx context.Context, runID string) error {
	const query = `UPDATE runs SET sandbox_id = '', updated_at = now() WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, runID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListRunsAwaitingTeardown returns terminal runs whose sandbox outlived the
// original teardown attempt.
func (r *Repository) ListRunsAwaitingTeardown(ctx context.Context) ([]domain.Run, error) {
	const query = `SELECT ` + runColumns + ` FROM runs
		WHERE status IN ('failed', 'stopped', 'expired') AND sandbox_id <> '' ORDER BY created_at`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRuns(rows)
}

func (r *Repository) runUpdateFailure(ctx context.Context, runID string) error {
	const query = `SELECT 1 FROM runs WHERE id = $1`
	var one int
	if err := r.pool.QueryRow(ctx, query, runID).Scan(&one); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.ErrNotFound
		}
		return err
	}
	return repository.ErrInvalidTransition
}

func scanRun(row pgx.Row) (*domain.Run, error) {
	var run domain.Run
	var envVars []byte
	if err := row.Scan(&run.ID, &run.ProjectID, &run.Branch, &run.CreatedBy, &run.Status,
		&run.URL, &run.Error, &run.SandboxID, &run.SnapshotID, &run.SnapshotError, &run.EstimatedCost,
		&envVars, &run.Public, &run.TTLMinutes, &run.StartsAt, &run.CreatedAt, &run.UpdatedAt); err != nil {
		return nil, err
	}
	if len(envVars) > 0 {
		if err := json.Unmarshal(envVars, &run.EnvVars); err != nil {
			return nil, err
		}
	}
	return &run, nil
}

func collectRuns(rows pgx.Rows) ([]domain.Run, error) {
	var runs []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}
