package deploy

import (
	"errors"
	"fmt"

	"github.com/devflowhub/controlplane/internal/domain"
)

// ErrEnvironmentNotAllowed rejects an environment outside the plan's
// allow-list. This is an authorization failure, not a quota failure.
var ErrEnvironmentNotAllowed = errors.New("environment not allowed for plan")

// ErrDeploymentInFlight rejects a second concurrent deployment for the same
// project and environment.
var ErrDeploymentInFlight = errors.New("another deployment is in flight for this environment")

// ValidationError rejects malformed input before any state is persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// QuotaExceededError carries the quota snapshot so callers can display the
// user's current usage alongside the rejection.
type QuotaExceededError struct {
	Quota domain.Quota
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("monthly deploy quota exhausted (%d/%d used)",
		e.Quota.MonthlyDeploys.Used, e.Quota.MonthlyDeploys.Limit)
}
