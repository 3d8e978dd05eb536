package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/devflowhub/controlplane/internal/domain"
	"github.com/devflowhub/controlplane/internal/repository"
)

// Plan defines a billing tier's entitlements.
type Plan struct {
	Name               string
	MonthlyDeployLimit int
	Environments       []string
}

// Plan tiers. The billing subsystem owns which plan a user is on; the
// control plane only owns what each plan may do.
var plans = map[string]Plan{
	"free": {
		Name:               "free",
		MonthlyDeployLimit: 3,
		Environments:       []string{domain.EnvPreview},
	},
	"pro": {
		Name:               "pro",
		MonthlyDeployLimit: 50,
		Environments:       []string{domain.EnvPreview, domain.EnvStaging},
	},
	"enterprise": {
		Name:               "enterprise",
		MonthlyDeployLimit: domain.UnlimitedDeploys,
		Environments:       []string{domain.EnvPreview, domain.EnvStaging, domain.EnvProduction},
	},
}

// Service computes quota state per request. It holds no state of its own, so
// Check is an idempotent read safe to call on every deploy and run request.
type Service struct {
	users  repository.UserRepository
	usage  repository.DeploymentRepository
	logger *slog.Logger
	now    func() time.Time
}

// New returns a quota evaluator.
func New(users repository.UserRepository, usage repository.DeploymentRepository, logger *slog.Logger) Service {
	return Service{
		users:  users,
		usage:  usage,
		logger: logger,
		now:    time.Now,
	}
}

// Check derives the user's quota state for the current billing period.
func (s Service) Check(ctx context.Context, userID string) (domain.Quota, error) {
	planName, err := s.users.GetUserPlan(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.Quota{}, fmt.Errorf("lookup plan for user %s: %w", userID, err)
		}
		return domain.Quota{}, err
	}
	plan, ok := plans[planName]
	if !ok {
		s.logger.Warn("unknown plan tier, treating as free", "user_id", userID, "plan", planName)
		plan = plans["free"]
	}

	used, err := s.usage.CountDeploymentsCreatedBy(ctx, userID, s.periodStart())
	if err != nil {
		return domain.Quota{}, fmt.Errorf("count deployments: %w", err)
	}

	remaining := domain.UnlimitedDeploys
	if plan.MonthlyDeployLimit != domain.UnlimitedDeploys {
		remaining = plan.MonthlyDeployLimit - used
		if remaining < 0 {
			remaining = 0
		}
	}

	environments := make([]string, len(plan.Environments))
	copy(environments, plan.Environments)

	return domain.Quota{
		Plan: plan.Name,
		MonthlyDeploys: domain.QuotaWindow{
			Used:      used,
			Limit:     plan.MonthlyDeployLimit,
			Remaining: remaining,
		},
		Environments: environments,
	}, nil
}

// periodStart is the first instant of the current billing month, UTC.
func (s Service) periodStart() time.Time {
	now := s.now().UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}
