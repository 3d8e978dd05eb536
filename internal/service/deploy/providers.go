package deploy

import (
	"context"
	"fmt"
	"time"

	"github.com/devflowhub/controlplane/internal/domain"
)

type vercelProvider struct {
	delay time.Duration
}

func (vercelProvider) Name() string { return domain.ProviderVercel }

func (p vercelProvider) Deploy(ctx context.Context, dep domain.Deployment, log LogFunc) (string, error) {
	steps := []string{
		"resolving project settings",
		"uploading build context",
		"running build",
		"assigning deployment alias",
	}
	if err := runSteps(ctx, steps, p.delay, log); err != nil {
		return "", err
	}
	log("deployment live", domain.LogLevelSuccess)
	return fmt.Sprintf("https://%s-%s.vercel.app", dep.Branch, shortID(dep.ID)), nil
}

type netlifyProvider struct {
	delay time.Duration
}

func (netlifyProvider) Name() string { return domain.ProviderNetlify }

func (p netlifyProvider) Deploy(ctx context.Context, dep domain.Deployment, log LogFunc) (string, error) {
	steps := []string{
		"creating site deploy",
		"uploading assets",
		"processing forms and redirects",
		"publishing deploy",
	}
	if err := runSteps(ctx, steps, p.delay, log); err != nil {
		return "", err
	}
	log("deployment live", domain.LogLevelSuccess)
	return fmt.Sprintf("https://%s--%s.netlify.app", shortID(dep.ID), dep.Branch), nil
}

type awsProvider struct {
	delay time.Duration
}

func (awsProvider) Name() string { return domain.ProviderAWS }

func (p awsProvider) Deploy(ctx context.Context, dep domain.Deployment, log LogFunc) (string, error) {
	steps := []string{
		"provisioning amplify app",
		"running build container",
		"uploading artifacts to s3",
		"invalidating cloudfront distribution",
	}
	if err := runSteps(ctx, steps, p.delay, log); err != nil {
		return "", err
	}
	log("deployment live", domain.LogLevelSuccess)
	return fmt.Sprintf("https://%s.%s.amplifyapp.com", dep.Branch, shortID(dep.ID)), nil
}

type gcpProvider struct {
	delay time.Duration
}

func (gcpProvider) Name() string { return domain.ProviderGCP }

func (p gcpProvider) Deploy(ctx context.Context, dep domain.Deployment, log LogFunc) (string, error) {
	steps := []string{
		"submitting cloud build",
		"building container image",
		"deploying cloud run revision",
		"shifting traffic to revision",
	}
	if err := runSteps(ctx, steps, p.delay, log); err != nil {
		return "", err
	}
	log("deployment live", domain.LogLevelSuccess)
	return fmt.Sprintf("https://%s---%s.run.app", shortID(dep.ID), dep.Branch), nil
}
