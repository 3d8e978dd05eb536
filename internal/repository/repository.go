package repository

import (
	"context"
	"time"

	"github.com/devflowhub/controlplane/internal/domain"
)

// UserRepository exposes the slice of user state the control plane needs.
// Accounts and billing are owned by the main application.
type UserRepository interface {
	GetUserPlan(ctx context.Context, userID string) (string, error)
}

// ProjectRepository reads project configuration and the project file set.
type ProjectRepository interface {
	GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error)
	ListProjectFiles(ctx context.Context, projectID string) ([]domain.ProjectFile, error)
	ReplaceProjectFiles(ctx context.Context, projectID string, files []domain.ProjectFile) error
}

// DeploymentRepository stores deployment history.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error)
	ListDeploymentsByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error)
	UpdateDeploymentStatus(ctx context.Context, update domain.DeploymentStatusUpdate) error
	MarkRolledBack(ctx context.Context, deploymentID string) error
	AppendDeploymentLog(ctx context.Context, deploymentID string, step domain.LogStep) error
	ListDeploymentsWithStatusUpdatedBefore(ctx context.Context, statuses []string, updatedBefore time.Time) ([]domain.Deployment, error)
	CountDeploymentsCreatedBy(ctx context.Context, userID string, since time.Time) (int, error)
}

// RunRepository stores sandbox run records.
type RunRepository interface {
	CreateRun(ctx context.Context, run *domain.Run) error
	GetRunByID(ctx context.Context, runID string) (*domain.Run, error)
	ListRunsByProject(ctx context.Context, projectID string, limit int) ([]domain.Run, error)
	UpdateRunStatus(ctx context.Context, update domain.RunStatusUpdate) error
	ListRunsWithStatus(ctx context.Context, statuses []string) ([]domain.Run, error)
	ClearRunSandbox(ctx context.Context, runID string) error
	ListRunsAwaitingTeardown(ctx context.Context) ([]domain.Run, error)
}

// SnapshotRepository stores snapshot metadata. Snapshots are append-only.
type SnapshotRepository interface {
	CreateSnapshot(ctx context.Context, snapshot *domain.Snapshot) error
	GetSnapshotByID(ctx context.Context, snapshotID string) (*domain.Snapshot, error)
}
