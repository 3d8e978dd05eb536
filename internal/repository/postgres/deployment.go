package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/devflowhub/controlplane/internal/domain"
	"github.com/devflowhub/controlplane/internal/repository"
)

const deploymentColumns = `id, project_id, created_by, environment, provider, branch,
	commit_sha, commit_message, build_command, env_vars, status, url, error, message,
	log, promoted_from, rolled_back_from, created_at, deployed_at, updated_at`

// CreateDeployment inserts a deployment row. The partial unique index over
// non-terminal rows rejects a second in-flight deployment for the same
// project and environment; that violation surfaces as ErrConflict.
func (r *Repository) CreateDeployment(ctx context.Context, d *domain.Deployment) error {
	envVars, err := json.Marshal(d.EnvVars)
	if err != nil {
		return err
	}
	logSteps, err := json.Marshal(d.Log)
	if err != nil {
		return err
	}
	const query = `INSERT INTO deployments (id, project_id, created_by, environment, provider,
		branch, commit_sha, commit_message, build_command, env_vars, status, url, error, message,
		log, promoted_from, rolled_back_from, created_at, deployed_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`
	_, err = r.pool.Exec(ctx, query,
		d.ID, d.ProjectID, d.CreatedBy, d.Environment, d.Provider,
		d.Branch, d.CommitSHA, d.CommitMessage, d.BuildCommand, envVars,
		d.Status, d.URL, d.Error, d.Message, logSteps,
		d.PromotedFrom, d.RolledBackFrom, d.CreatedAt, d.DeployedAt, d.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return repository.ErrConflict
		}
		return err
	}
	return nil
}

// GetDeploymentByID returns a deployment by identifier.
func (r *Repository) GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	const query = `SELECT ` + deploymentColumns + ` FROM deployments WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, deploymentID)
	d, err := scanDeployment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return d, nil
}

// ListDeploymentsByProject returns recent deployments, newest first.
func (r *Repository) ListDeploymentsByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE project_id = $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDeployments(rows)
}

// UpdateDeploymentStatus advances a non-terminal deployment. Rows already in
// deployed, failed or rolled_back are never touched: a late update against a
// terminal row returns ErrInvalidTransition so slow writers cannot downgrade
// finished work.
func (r *Repository) UpdateDeploymentStatus(ctx context.Context, update domain.DeploymentStatusUpdate) error {
	const query = `UPDATE deployments SET
			status = $2,
			url = COALESCE(NULLIF($3, ''), url),
			error = COALESCE(NULLIF($4, ''), error),
			message = COALESCE(NULLIF($5, ''), message),
			deployed_at = COALESCE($6, deployed_at),
			updated_at = now()
		WHERE id = $1 AND status IN ('pending', 'building')`
	tag, err := r.pool.Exec(ctx, query,
		update.DeploymentID, update.Status, update.URL, update.Error, update.Message, update.DeployedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.deploymentUpdateFailure(ctx, update.DeploymentID)
	}
	return nil
}

// MarkRolledBack is the single legal exit from the deployed state, reserved
// for the promotion coordinator's rollback path.
func (r *Repository) MarkRolledBack(ctx context.Context, deploymentID string) error {
	const query = `UPDATE deployments SET status = 'rolled_back', updated_at = now()
		WHERE id = $1 AND status = 'deployed'`
	tag, err := r.pool.Exec(ctx, query, deploymentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.deploymentUpdateFailure(ctx, deploymentID)
	}
	return nil
}

// AppendDeploymentLog appends one step to a deployment's log. The log is
// append-only; existing entries are never rewritten.
func (r *Repository) AppendDeploymentLog(ctx context.Context, deploymentID string, step domain.LogStep) error {
	entry, err := json.Marshal(step)
	if err != nil {
		return err
	}
	const query = `UPDATE deployments SET log = log || $2::jsonb, updated_at = now() WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, deploymentID, entry)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListDeploymentsWithStatusUpdatedBefore returns rows stuck in one of the
// given statuses since before the cutoff, for the supervisory reconciler.
func (r *Repository) ListDeploymentsWithStatusUpdatedBefore(ctx context.Context, statuses []string, updatedBefore time.Time) ([]domain.Deployment, error) {
	const query = `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE status = ANY($1) AND updated_at < $2 ORDER BY updated_at`
	rows, err := r.pool.Query(ctx, query, statuses, updatedBefore)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDeployments(rows)
}

// CountDeploymentsCreatedBy counts deployments a user created since the given
// instant, the usage side of the quota computation.
func (r *Repository) CountDeploymentsCreatedBy(ctx context.Context, userID string, since time.Time) (int, error) {
	const query = `SELECT COUNT(1) FROM deployments WHERE created_by = $1 AND created_at >= $2`
	row := r.pool.QueryRow(ctx, query, userID, since)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (r *Repository) deploymentUpdateFailure(ctx context.Context, deploymentID string) error {
	const query = `SELECT 1 FROM deployments WHERE id = $1`
	var one int
	if err := r.pool.QueryRow(ctx, query, deploymentID).Scan(&one); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.ErrNotFound
		}
		return err
	}
	return repository.ErrInvalidTransition
}

func scanDeployment(row pgx.Row) (*domain.Deployment, error) {
	var d domain.Deployment
	var envVars, logSteps []byte
	if err := row.Scan(&d.ID, &d.ProjectID, &d.CreatedBy, &d.Environment, &d.Provider,
		&d.Branch, &d.CommitSHA, &d.CommitMessage, &d.BuildCommand, &envVars,
		&d.Status, &d.URL, &d.Error, &d.Message, &logSteps,
		&d.PromotedFrom, &d.RolledBackFrom, &d.CreatedAt, &d.DeployedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	if len(envVars) > 0 {
		if err := json.Unmarshal(envVars, &d.EnvVars); err != nil {
			return nil, err
		}
	}
	if len(logSteps) > 0 {
		if err := json.Unmarshal(logSteps, &d.Log); err != nil {
			return nil, err
		}
	}
	return &d, nil
}

func collectDeployments(rows pgx.Rows) ([]domain.Deployment, error) {
	var deployments []domain.Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, *d)
	}
	return deployments, rows.Err()
}
