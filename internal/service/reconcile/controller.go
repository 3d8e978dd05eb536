package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/devflowhub/controlplane/internal/domain"
	"github.com/devflowhub/controlplane/internal/repository"
	"github.com/devflowhub/controlplane/internal/service/deploy"
	runsvc "github.com/devflowhub/controlplane/internal/service/run"
)

const (
	defaultInterval  = 30 * time.Second
	reconcileTimeout = 15 * time.Second
)

// DeploymentFailer marks a stuck deployment failed. Satisfied by the deploy
// service so the controller also cancels the in-flight pipeline when this
// process owns it.
type DeploymentFailer interface {
	FailTimedOut(ctx context.Context, dep *domain.Deployment) error
}

// RunReconciler refreshes a run against the sandbox adapter and the TTL
// clock, and retries teardown for terminal runs still holding a sandbox.
// Satisfied by the run service.
type RunReconciler interface {
	Refresh(ctx context.Context, run *domain.Run)
	Reclaim(ctx context.Context, run *domain.Run)
}

// Controller is the periodic safety net behind the on-read reconciliation:
// it times out deployments stuck in a non-terminal status and expires runs
// that nobody is reading.
type Controller struct {
	deployments repository.DeploymentRepository
	runs        repository.RunRepository
	deploySvc   DeploymentFailer
	runSvc      RunReconciler
	logger      *slog.Logger

	interval      time.Duration
	deployTimeout time.Duration

	now func() time.Time
}

// New constructs a reconcile controller. A non-positive deploy timeout
// disables the deployment sweep; the run sweep always runs.
func New(deployments repository.DeploymentRepository, runs repository.RunRepository, deploySvc DeploymentFailer, runSvc RunReconciler, logger *slog.Logger, interval, deployTimeout time.Duration) *Controller {
	if deployments == nil || runs == nil {
		return nil
	}
	if interval <= 0 {
		interval = defaultInterval
	}
	ctrl := &Controller{
		deployments:   deployments,
		runs:          runs,
		deploySvc:     deploySvc,
		runSvc:        runSvc,
		logger:        logger,
		interval:      interval,
		deployTimeout: deployTimeout,
		now:           time.Now,
	}
	if ctrl.logger != nil {
		ctrl.logger = ctrl.logger.With("component", "reconcile")
	}
	return ctrl
}

// Run executes the reconciliation loop until the context is cancelled.
func (c *Controller) Run(ctx context.Context) {
	if c == nil {
		return
	}
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.logger.Info("reconcile controller started", "interval", c.interval, "deploy_timeout", c.deployTimeout)
	c.runIteration(ctx)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("reconcile controller stopped")
			return
		case <-ticker.C:
			c.runIteration(ctx)
		}
	}
}

func (c *Controller) runIteration(parent context.Context) {
	timeout := reconcileTimeout
	if c.interval > 0 && c.interval < timeout {
		timeout = c.interval
	}
	opCtx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	now := c.now()
	c.sweepDeployments(opCtx, now)
	c.sweepRuns(opCtx)
}

// sweepDeployments fails rows stuck in pending or building past the deploy
// deadline. The guarded status update in the repository makes this safe to
// race against a pipeline finishing at the same instant.
func (c *Controller) sweepDeployments(ctx context.Context, now time.Time) {
	if c.deployTimeout <= 0 || c.deploySvc == nil {
		return
	}
	cutoff := now.Add(-c.deployTimeout)
	stuck, err := c.deployments.ListDeploymentsWithStatusUpdatedBefore(ctx, []string{deploy.StatusPending, deploy.StatusBuilding}, cutoff)
	if err != nil {
		c.logger.Warn("failed to list stuck deployments", "error", err)
		return
	}
	for i := range stuck {
		dep := &stuck[i]
		if err := c.deploySvc.FailTimedOut(ctx, dep); err != nil {
			c.logger.Warn("failed to timeout deployment", "deployment_id", dep.ID, "error", err)
			continue
		}
		c.logger.Info("deployment marked failed after timeout", "deployment_id", dep.ID, "project_id", dep.ProjectID)
	}
}

// sweepRuns refreshes every non-terminal run. Refresh handles both TTL
// expiry, including teardown, and adapter status drift. A second pass
// retries teardown for terminal rows whose sandbox survived the original
// attempt, so a transient adapter failure never strands a container.
func (c *Controller) sweepRuns(ctx context.Context) {
	if c.runSvc == nil {
		return
	}
	active, err := c.runs.ListRunsWithStatus(ctx, []string{runsvc.StatusStarting, runsvc.StatusRunning})
	if err != nil {
		c.logger.Warn("failed to list active runs", "error", err)
		return
	}
	for i := range active {
		c.runSvc.Refresh(ctx, &active[i])
	}

	orphaned, err := c.runs.ListRunsAwaitingTeardown(ctx)
	if err != nil {
		c.logger.Warn("failed to list runs awaiting teardown", "error", err)
		return
	}
	for i := range orphaned {
		c.runSvc.Reclaim(ctx, &orphaned[i])
	}
}
