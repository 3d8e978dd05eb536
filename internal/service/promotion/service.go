package promotion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/devflowhub/controlplane/internal/domain"
	"github.com/devflowhub/controlplane/internal/repository"
	"github.com/devflowhub/controlplane/internal/service/deploy"
	"github.com/devflowhub/controlplane/internal/ws"
)

// ErrNotPromotable rejects promotion or rollback of a row that is not in the
// deployed state.
var ErrNotPromotable = errors.New("deployment is not in a promotable state")

// ErrSameEnvironment rejects a promotion whose target equals the source
// environment.
var ErrSameEnvironment = errors.New("promotion target equals source environment")

// StepRunner executes the externally-timed work behind one promotion or
// rollback step. The default implementation just waits out the step delay;
// tests swap in failures.
type StepRunner interface {
	RunStep(ctx context.Context, step string) error
}

type delayRunner struct {
	delay time.Duration
}

func (r delayRunner) RunStep(ctx context.Context, step string) error {
	if r.delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(r.delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Service sequences promotions and rollbacks as asynchronous, logged
// multi-step operations. Both paths create a new deployment row rather than
// mutating the source, preserving the full audit history.
type Service struct {
	deployments repository.DeploymentRepository
	steps       StepRunner
	events      ws.Publisher
	logger      *slog.Logger
	tasks       *tracker
	now         func() time.Time
}

// New returns a promotion coordinator. events may be nil.
func New(deployments repository.DeploymentRepository, stepDelay time.Duration, events ws.Publisher, logger *slog.Logger) *Service {
	return &Service{
		deployments: deployments,
		steps:       delayRunner{delay: stepDelay},
		events:      events,
		logger:      logger,
		tasks:       newTracker(),
		now:         time.Now,
	}
}

var promoteSteps = []string{
	"copying build artifacts",
	"provisioning certificates",
	"updating dns records",
	"warming edge caches",
}

var rollbackSteps = []string{
	"restoring previous artifact",
	"updating dns records",
}

// Promote creates a new deployment row targeting targetEnv from a deployed
// source and executes the promotion steps in the background. The call
// returns the new row immediately; completion is observed by polling or the
// event stream.
func (s *Service) Promote(ctx context.Context, sourceID, targetEnv string) (*domain.Deployment, error) {
	if !domain.ValidEnvironment(targetEnv) {
		return nil, &deploy.ValidationError{Field: "targetEnvironment", Reason: fmt.Sprintf("%q is not one of preview, staging, production", targetEnv)}
	}
	source, err := s.deployments.GetDeploymentByID(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	if source.Status != deploy.StatusDeployed {
		return nil, ErrNotPromotable
	}
	if source.Environment == targetEnv {
		return nil, ErrSameEnvironment
	}

	now := s.now().UTC()
	promoted := &domain.Deployment{
		ID:            uuid.NewString(),
		ProjectID:     source.ProjectID,
		CreatedBy:     source.CreatedBy,
		Environment:   targetEnv,
		Provider:      source.Provider,
		Branch:        source.Branch,
		CommitSHA:     source.CommitSHA,
		CommitMessage: source.CommitMessage,
		BuildCommand:  source.BuildCommand,
		EnvVars:       source.EnvVars,
		Status:        deploy.StatusPending,
		Log:           []domain.LogStep{},
		PromotedFrom:  &source.ID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.deployments.CreateDeployment(ctx, promoted); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, deploy.ErrDeploymentInFlight
		}
		return nil, err
	}

	s.logger.Info("promotion started", "source_id", source.ID, "deployment_id", promoted.ID, "target_env", targetEnv)
	s.tasks.run(promoted.ID, func(taskCtx context.Context) {
		s.executeSteps(taskCtx, promoted, promoteSteps, promotedURL(source.URL, targetEnv), nil)
	})
	return promoted, nil
}

// Rollback reverts a deployed environment by creating a new deployment that
// carries the target's url and environment. Only when the new row reaches
// deployed is the original marked rolled_back; a failed rollback leaves the
// original untouched.
func (s *Service) Rollback(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	target, err := s.deployments.GetDeploymentByID(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	if target.Status != deploy.StatusDeployed {
		return nil, ErrNotPromotable
	}

	now := s.now().UTC()
	reverting := &domain.Deployment{
		ID:             uuid.NewString(),
		ProjectID:      target.ProjectID,
		CreatedBy:      target.CreatedBy,
		Environment:    target.Environment,
		Provider:       target.Provider,
		Branch:         target.Branch,
		CommitSHA:      target.CommitSHA,
		CommitMessage:  "rollback of " + target.ID,
		BuildCommand:   target.BuildCommand,
		EnvVars:        target.EnvVars,
		Status:         deploy.StatusPending,
		URL:            target.URL,
		Log:            []domain.LogStep{},
		RolledBackFrom: &target.ID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.deployments.CreateDeployment(ctx, reverting); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, deploy.ErrDeploymentInFlight
		}
		return nil, err
	}

	s.logger.Info("rollback started", "target_id", target.ID, "deployment_id", reverting.ID)
	s.tasks.run(reverting.ID, func(taskCtx context.Context) {
		s.executeSteps(taskCtx, reverting, rollbackSteps, target.URL, func(writeCtx context.Context) {
			// the original flips to rolled_back only after the new row is
			// deployed; the two updates form the rollback unit
			if err := s.deployments.MarkRolledBack(writeCtx, target.ID); err != nil {
				s.logger.Error("failed to mark original rolled back", "deployment_id", target.ID, "error", err)
				return
			}
			s.publish(target.ProjectID, ws.Event{Kind: ws.EventDeployment, ID: target.ID, Status: deploy.StatusRolledBack, At: s.now().UTC()})
		})
	})
	return reverting, nil
}

// Close cancels in-flight promotion tasks.
func (s *Service) Close() {
	s.tasks.cancelAll()
}

// executeSteps drives a new row through building and the named step
// sequence. The log always reflects exactly what was attempted: a failing
// step is recorded at error level and nothing after it runs.
func (s *Service) executeSteps(ctx context.Context, dep *domain.Deployment, steps []string, successURL string, onDeployed func(context.Context)) {
	if err := s.deployments.UpdateDeploymentStatus(ctx, domain.DeploymentStatusUpdate{
		DeploymentID: dep.ID,
		Status:       deploy.StatusBuilding,
	}); err != nil {
		s.logger.Warn("skipping steps, row no longer pending", "deployment_id", dep.ID, "error", err)
		return
	}
	s.publish(dep.ProjectID, ws.Event{Kind: ws.EventDeployment, ID: dep.ID, Status: deploy.StatusBuilding, At: s.now().UTC()})

	for _, step := range steps {
		if err := s.steps.RunStep(ctx, step); err != nil {
			s.appendLog(ctx, dep, step, domain.LogLevelError)
			s.fail(ctx, dep, fmt.Sprintf("step %q failed: %v", step, err))
			return
		}
		s.appendLog(ctx, dep, step, domain.LogLevelInfo)
	}

	deployedAt := s.now().UTC()
	if err := s.deployments.UpdateDeploymentStatus(ctx, domain.DeploymentStatusUpdate{
		DeploymentID: dep.ID,
		Status:       deploy.StatusDeployed,
		URL:          successURL,
		DeployedAt:   &deployedAt,
	}); err != nil {
		s.logger.Warn("completed steps lost race to terminal state", "deployment_id", dep.ID, "error", err)
		return
	}
	s.appendLog(ctx, dep, "release live", domain.LogLevelSuccess)
	s.publish(dep.ProjectID, ws.Event{Kind: ws.EventDeployment, ID: dep.ID, Status: deploy.StatusDeployed, At: deployedAt})
	if onDeployed != nil {
		// the new row is live; a shutdown cancel must not strand the
		// follow-up write that completes the unit
		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		onDeployed(writeCtx)
	}
}

func (s *Service) fail(ctx context.Context, dep *domain.Deployment, message string) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	err := s.deployments.UpdateDeploymentStatus(writeCtx, domain.DeploymentStatusUpdate{
		DeploymentID: dep.ID,
		Status:       deploy.StatusFailed,
		Error:        deploy.CauseProviderError,
		Message:      message,
	})
	if err != nil {
		s.logger.Warn("failed promotion already terminal", "deployment_id", dep.ID, "error", err)
		return
	}
	s.logger.Error("promotion sequence failed", "deployment_id", dep.ID, "message", message)
	s.publish(dep.ProjectID, ws.Event{Kind: ws.EventDeployment, ID: dep.ID, Status: deploy.StatusFailed, Error: message, At: s.now().UTC()})
}

func (s *Service) appendLog(ctx context.Context, dep *domain.Deployment, step, level string) {
	entry := domain.LogStep{Step: step, At: s.now().UTC(), Level: level}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.deployments.AppendDeploymentLog(writeCtx, dep.ID, entry); err != nil {
		s.logger.Warn("failed to append promotion log", "deployment_id", dep.ID, "step", step, "error", err)
	}
}

func (s *Service) publish(projectID string, event ws.Event) {
	if s.events == nil {
		return
	}
	s.events.Publish(projectID, event)
}

// promotedURL derives the target environment's URL by prefixing the host
// with the environment name.
func promotedURL(sourceURL, targetEnv string) string {
	if sourceURL == "" {
		return ""
	}
	for _, scheme := range []string{"https://", "http://"} {
		if strings.HasPrefix(sourceURL, scheme) {
			return scheme + targetEnv + "--" + strings.TrimPrefix(sourceURL, scheme)
		}
	}
	return sourceURL
}
