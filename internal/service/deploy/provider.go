package deploy

import (
	"context"
	"fmt"
	"time"

	"github.com/devflowhub/controlplane/internal/domain"
)

// LogFunc receives one named pipeline step as it happens.
type LogFunc func(step, level string)

// Provider executes a build/deploy pipeline against one hosting vendor.
// Implementations report progress through the log function and return the
// public URL on success.
type Provider interface {
	Name() string
	Deploy(ctx context.Context, dep domain.Deployment, log LogFunc) (string, error)
}

// ProviderFactory resolves a Provider by vendor name.
type ProviderFactory interface {
	For(name string) (Provider, error)
}

// Providers is the default factory over the built-in vendor pipelines.
type Providers struct {
	stepDelay time.Duration
}

// NewProviders returns a factory whose pipelines pause stepDelay between
// steps, standing in for externally-timed vendor operations.
func NewProviders(stepDelay time.Duration) Providers {
	return Providers{stepDelay: stepDelay}
}

// For returns the pipeline for a vendor name.
func (p Providers) For(name string) (Provider, error) {
	switch name {
	case domain.ProviderVercel:
		return vercelProvider{delay: p.stepDelay}, nil
	case domain.ProviderNetlify:
		return netlifyProvider{delay: p.stepDelay}, nil
	case domain.ProviderAWS:
		return awsProvider{delay: p.stepDelay}, nil
	case domain.ProviderGCP:
		return gcpProvider{delay: p.stepDelay}, nil
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}

// runSteps walks a pipeline's steps, honoring cancellation between steps.
func runSteps(ctx context.Context, steps []string, delay time.Duration, log LogFunc) error {
	for _, step := range steps {
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}
		log(step, domain.LogLevelInfo)
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
