package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/devflowhub/controlplane/internal/domain"
	"github.com/devflowhub/controlplane/internal/repository"
	"github.com/devflowhub/controlplane/internal/service/suggest"
	"github.com/devflowhub/controlplane/internal/ws"
)

// Status constants for deployments.
const (
	StatusPending    = "pending"
	StatusBuilding   = "building"
	StatusDeployed   = "deployed"
	StatusFailed     = "failed"
	StatusRolledBack = "rolled_back"
)

// Machine-readable failure causes stored in a deployment's error field.
const (
	CauseProviderError = "provider_error"
	CauseCanceled      = "canceled"
	CauseTimeout       = "deploy_timeout"
)

// Terminal reports whether a status ends the deployment state machine.
func Terminal(status string) bool {
	switch status {
	case StatusDeployed, StatusFailed, StatusRolledBack:
		return true
	}
	return false
}

// QuotaChecker gates deploy and run requests against plan entitlements.
type QuotaChecker interface {
	Check(ctx context.Context, userID string) (domain.Quota, error)
}

// Advisor produces a non-binding plan for a deploy request.
type Advisor interface {
	Advise(ctx context.Context, req suggest.Request) (*domain.Advice, error)
}

// Service is the deployment orchestrator. It owns the
// pending→building→{deployed|failed} state machine and runs provider
// pipelines as tracked background tasks.
type Service struct {
	projects    repository.ProjectRepository
	deployments repository.DeploymentRepository
	quota       QuotaChecker
	providers   ProviderFactory
	advisor     Advisor
	leases      LeaseStore
	tasks       *taskTracker
	events      ws.Publisher
	logger      *slog.Logger
	now         func() time.Time
}

// New returns a deployment orchestrator. advisor and events may be nil.
func New(projects repository.ProjectRepository, deployments repository.DeploymentRepository, quotaSvc QuotaChecker, providers ProviderFactory, advisor Advisor, leases LeaseStore, events ws.Publisher, logger *slog.Logger) *Service {
	if leases == nil {
		leases = NewMemoryLeaseStore(30 * time.Minute)
	}
	return &Service{
		projects:    projects,
		deployments: deployments,
		quota:       quotaSvc,
		providers:   providers,
		advisor:     advisor,
		leases:      leases,
		tasks:       newTaskTracker(),
		events:      events,
		logger:      logger,
		now:         time.Now,
	}
}

// CreateOptions carries the user-supplied deployment parameters.
type CreateOptions struct {
	Environment   string
	Provider      string
	Branch        string
	CommitSHA     string
	CommitMessage string
	BuildCommand  string
	EnvVars       map[string]string
	RequestAdvice bool
}

// CreateResult is returned to the caller immediately; the pipeline completes
// in the background and is observed by polling or the event stream.
type CreateResult struct {
	Deployment *domain.Deployment
	Quota      domain.Quota
	Advice     *domain.Advice
}

// CreateDeployment validates, quota-checks and persists a deployment in
// pending, then starts the provider pipeline asynchronously. Validation and
// authorization failures reject before any row is written.
func (s *Service) CreateDeployment(ctx context.Context, projectID, userID string, opts CreateOptions) (*CreateResult, error) {
	if !domain.ValidEnvironment(opts.Environment) {
		return nil, &ValidationError{Field: "environment", Reason: fmt.Sprintf("%q is not one of preview, staging, production", opts.Environment)}
	}
	if !domain.ValidProvider(opts.Provider) {
		return nil, &ValidationError{Field: "provider", Reason: fmt.Sprintf("%q is not one of vercel, netlify, aws, gcp", opts.Provider)}
	}
	if opts.Branch == "" {
		opts.Branch = "main"
	}

	project, err := s.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return nil, err
	}

	quota, err := s.quota.Check(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("quota check: %w", err)
	}
	if quota.MonthlyDeploys.Exhausted() {
		return nil, &QuotaExceededError{Quota: quota}
	}
	if !quota.AllowsEnvironment(opts.Environment) {
		return nil, ErrEnvironmentNotAllowed
	}

	leaseKey := projectID + "/" + opts.Environment
	if !s.leases.Acquire(leaseKey) {
		return nil, ErrDeploymentInFlight
	}

	now := s.now().UTC()
	buildCommand := opts.BuildCommand
	if buildCommand == "" {
		buildCommand = project.BuildCommand
	}
	dep := &domain.Deployment{
		ID:            uuid.NewString(),
		ProjectID:     project.ID,
		CreatedBy:     userID,
		Environment:   opts.Environment,
		Provider:      opts.Provider,
		Branch:        opts.Branch,
		CommitSHA:     opts.CommitSHA,
		CommitMessage: opts.CommitMessage,
		BuildCommand:  buildCommand,
		EnvVars:       opts.EnvVars,
		Status:        StatusPending,
		Log:           []domain.LogStep{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.deployments.CreateDeployment(ctx, dep); err != nil {
		s.leases.Release(leaseKey)
		if errors.Is(err, repository.ErrConflict) {
			return nil, ErrDeploymentInFlight
		}
		return nil, err
	}

	result := &CreateResult{Deployment: dep, Quota: quota}
	if opts.RequestAdvice && s.advisor != nil {
		advice, err := s.advisor.Advise(ctx, suggest.Request{
			ProjectID:   project.ID,
			Branch:      opts.Branch,
			CommitSHA:   opts.CommitSHA,
			Environment: opts.Environment,
		})
		if err != nil {
			s.logger.Warn("suggestion engine unavailable", "deployment_id", dep.ID, "error", err)
		} else {
			result.Advice = advice
		}
	}

	s.publish(dep.ProjectID, ws.Event{Kind: ws.EventDeployment, ID: dep.ID, Status: StatusPending, At: now})
	s.logger.Info("deployment created", "deployment_id", dep.ID, "project_id", project.ID, "environment", opts.Environment, "provider", opts.Provider)

	s.tasks.Run(dep.ID, func(taskCtx context.Context) {
		s.executePipeline(taskCtx, dep, leaseKey)
	})
	return result, nil
}

// Get returns a deployment by id, scoped to its project.
func (s *Service) Get(ctx context.Context, projectID, deploymentID string) (*domain.Deployment, error) {
	dep, err := s.deployments.GetDeploymentByID(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	if projectID != "" && dep.ProjectID != projectID {
		return nil, repository.ErrNotFound
	}
	return dep, nil
}

// ListByProject returns recent deployments for a project.
func (s *Service) ListByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error) {
	return s.deployments.ListDeploymentsByProject(ctx, projectID, limit)
}

// FailTimedOut cancels any in-flight pipeline for the deployment and marks
// the row failed with a timeout cause. A row that reached a terminal state
// in the meantime is left alone.
func (s *Service) FailTimedOut(ctx context.Context, dep *domain.Deployment) error {
	s.tasks.Cancel(dep.ID)
	err := s.transition(ctx, dep, domain.DeploymentStatusUpdate{
		DeploymentID: dep.ID,
		Status:       StatusFailed,
		Error:        CauseTimeout,
		Message:      "deploy timeout exceeded",
	})
	if errors.Is(err, repository.ErrInvalidTransition) {
		return nil
	}
	if err == nil {
		s.logger.Error("deployment timed out", "deployment_id", dep.ID)
	}
	return err
}

// Close cancels in-flight pipelines and releases the lease store.
func (s *Service) Close() {
	s.tasks.CancelAll()
	s.leases.Close()
}

func (s *Service) executePipeline(ctx context.Context, dep *domain.Deployment, leaseKey string) {
	defer s.leases.Release(leaseKey)

	if err := s.transition(ctx, dep, domain.DeploymentStatusUpdate{
		DeploymentID: dep.ID,
		Status:       StatusBuilding,
	}); err != nil {
		// the row already reached a terminal state, e.g. a reconciler timeout
		s.logger.Warn("skipping pipeline, row no longer pending", "deployment_id", dep.ID, "error", err)
		return
	}

	provider, err := s.providers.For(dep.Provider)
	if err != nil {
		s.fail(ctx, dep, CauseProviderError, err.Error())
		return
	}

	sink := func(step, level string) {
		entry := domain.LogStep{Step: step, At: s.now().UTC(), Level: level}
		if err := s.deployments.AppendDeploymentLog(ctx, dep.ID, entry); err != nil {
			s.logger.Warn("failed to append deployment log", "deployment_id", dep.ID, "step", step, "error", err)
		}
		s.publish(dep.ProjectID, ws.Event{Kind: ws.EventDeployment, ID: dep.ID, Status: StatusBuilding, Step: step, At: entry.At})
	}

	url, err := provider.Deploy(ctx, *dep, sink)
	if err != nil {
		cause := CauseProviderError
		if errors.Is(err, context.Canceled) {
			cause = CauseCanceled
		}
		s.fail(ctx, dep, cause, err.Error())
		return
	}

	deployedAt := s.now().UTC()
	if err := s.transition(ctx, dep, domain.DeploymentStatusUpdate{
		DeploymentID: dep.ID,
		Status:       StatusDeployed,
		URL:          url,
		DeployedAt:   &deployedAt,
	}); err != nil {
		s.logger.Warn("completed pipeline lost race to terminal state", "deployment_id", dep.ID, "error", err)
		return
	}
	s.logger.Info("deployment succeeded", "deployment_id", dep.ID, "url", url)
}

func (s *Service) fail(ctx context.Context, dep *domain.Deployment, cause, message string) {
	// a cancelled task context must not block recording the failure
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	err := s.transition(writeCtx, dep, domain.DeploymentStatusUpdate{
		DeploymentID: dep.ID,
		Status:       StatusFailed,
		Error:        cause,
		Message:      message,
	})
	if err != nil {
		s.logger.Warn("failed deployment already terminal", "deployment_id", dep.ID, "error", err)
		return
	}
	s.logger.Error("deployment failed", "deployment_id", dep.ID, "cause", cause, "message", message)
}

func (s *Service) transition(ctx context.Context, dep *domain.Deployment, update domain.DeploymentStatusUpdate) error {
	if err := s.deployments.UpdateDeploymentStatus(ctx, update); err != nil {
		return err
	}
	s.publish(dep.ProjectID, ws.Event{
		Kind:   ws.EventDeployment,
		ID:     dep.ID,
		Status: update.Status,
		Error:  update.Error,
		At:     s.now().UTC(),
	})
	return nil
}

func (s *Service) publish(projectID string, event ws.Event) {
	if s.events == nil {
		return
	}
	s.events.Publish(projectID, event)
}
