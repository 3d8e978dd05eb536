package deploy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/devflowhub/controlplane/internal/domain"
	"github.com/devflowhub/controlplane/internal/repository"
	"github.com/devflowhub/controlplane/internal/service/suggest"
)

type fakeProjectRepo struct {
	project *domain.Project
	err     error
}

func (f fakeProjectRepo) GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.project, nil
}

func (f fakeProjectRepo) ListProjectFiles(context.Context, string) ([]domain.ProjectFile, error) {
	return nil, nil
}

func (f fakeProjectRepo) ReplaceProjectFiles(context.Context, string, []domain.ProjectFile) error {
	return nil
}

// fakeDeploymentRepo mirrors the postgres guard: one active row per
// project+environment, and status updates only land on non-terminal rows.
type fakeDeploymentRepo struct {
	mu        sync.Mutex
	rows      map[string]*domain.Deployment
	createErr error
}

func newFakeDeploymentRepo() *fakeDeploymentRepo {
	return &fakeDeploymentRepo{rows: make(map[string]*domain.Deployment)}
}

func (f *fakeDeploymentRepo) CreateDeployment(ctx context.Context, dep *domain.Deployment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	for _, row := range f.rows {
		if row.ProjectID == dep.ProjectID && row.Environment == dep.Environment && !Terminal(row.Status) {
			return repository.ErrConflict
		}
	}
	clone := *dep
	f.rows[dep.ID] = &clone
	return nil
}

func (f *fakeDeploymentRepo) GetDeploymentByID(ctx context.Context, id string) (*domain.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	clone := *row
	return &clone, nil
}

func (f *fakeDeploymentRepo) ListDeploymentsByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Deployment
	for _, row := range f.rows {
		if row.ProjectID == projectID {
			out = append(out, *row)
		}
	}
	return out, nil
}

func (f *fakeDeploymentRepo) UpdateDeploymentStatus(ctx context.Context, update domain.DeploymentStatusUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[update.DeploymentID]
	if !ok {
		return repository.ErrNotFound
	}
	if Terminal(row.Status) {
		return repository.ErrInvalidTransition
	}
	row.Status = update.Status
	if update.URL != "" {
		row.URL = update.URL
	}
	if update.Error != "" {
		row.Error = update.Error
	}
	if update.Message != "" {
		row.Message = update.Message
	}
	if update.DeployedAt != nil {
		row.DeployedAt = update.DeployedAt
	}
	return nil
}

func (f *fakeDeploymentRepo) MarkRolledBack(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok {
		return repository.ErrNotFound
	}
	if row.Status != StatusDeployed {
		return repository.ErrInvalidTransition
	}
	row.Status = StatusRolledBack
	return nil
}

func (f *fakeDeploymentRepo) AppendDeploymentLog(ctx context.Context, id string, step domain.LogStep) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok {
		return repository.ErrNotFound
	}
	row.Log = append(row.Log, step)
	return nil
}

func (f *fakeDeploymentRepo) ListDeploymentsWithStatusUpdatedBefore(ctx context.Context, statuses []string, updatedBefore time.Time) ([]domain.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Deployment
	for _, row := range f.rows {
		for _, status := range statuses {
			if row.Status == status && row.UpdatedAt.Before(updatedBefore) {
				out = append(out, *row)
				break
			}
		}
	}
	return out, nil
}

func (f *fakeDeploymentRepo) CountDeploymentsCreatedBy(context.Context, string, time.Time) (int, error) {
	return 0, nil
}

func (f *fakeDeploymentRepo) get(t *testing.T, id string) domain.Deployment {
	t.Helper()
	row, err := f.GetDeploymentByID(context.Background(), id)
	if err != nil {
		t.Fatalf("deployment %s missing: %v", id, err)
	}
	return *row
}

type fakeQuota struct {
	quota domain.Quota
	err   error
}

func (f fakeQuota) Check(ctx context.Context, userID string) (domain.Quota, error) {
	return f.quota, f.err
}

func openQuota() fakeQuota {
	return fakeQuota{quota: domain.Quota{
		Plan:           "enterprise",
		MonthlyDeploys: domain.QuotaWindow{Used: 0, Limit: domain.UnlimitedDeploys, Remaining: domain.UnlimitedDeploys},
		Environments:   []string{domain.EnvPreview, domain.EnvStaging, domain.EnvProduction},
	}}
}

// blockingProvider parks until released, so tests can hold a pipeline open.
type blockingProvider struct {
	release chan struct{}
}

func (p blockingProvider) Name() string { return "blocking" }

func (p blockingProvider) Deploy(ctx context.Context, dep domain.Deployment, log LogFunc) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-p.release:
		return "https://blocked.example.dev", nil
	}
}

type staticFactory struct {
	provider Provider
	err      error
}

func (f staticFactory) For(name string) (Provider, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.provider, nil
}

type failingProvider struct {
	err error
}

func (p failingProvider) Name() string { return "failing" }

func (p failingProvider) Deploy(ctx context.Context, dep domain.Deployment, log LogFunc) (string, error) {
	log("preparing build", domain.LogLevelInfo)
	return "", p.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testProject() *domain.Project {
	return &domain.Project{ID: "proj-1", OwnerID: "user-1", Name: "storefront", BuildCommand: "npm run build"}
}

func newTestService(repo *fakeDeploymentRepo, quota QuotaChecker, factory ProviderFactory) *Service {
	svc := New(fakeProjectRepo{project: testProject()}, repo, quota, factory, nil, NewMemoryLeaseStore(time.Minute), nil, discardLogger())
	return svc
}

func TestCreateDeploymentRejectsInvalidEnvironment(t *testing.T) {
	repo := newFakeDeploymentRepo()
	svc := newTestService(repo, openQuota(), NewProviders(0))
	defer svc.Close()

	_, err := svc.CreateDeployment(context.Background(), "proj-1", "user-1", CreateOptions{
		Environment: "qa",
		Provider:    domain.ProviderVercel,
	})
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if validationErr.Field != "environment" {
		t.Fatalf("expected environment field, got %q", validationErr.Field)
	}
	if len(repo.rows) != 0 {
		t.Fatalf("validation failure must not persist a row, found %d", len(repo.rows))
	}
}

func TestCreateDeploymentRejectsUnknownProvider(t *testing.T) {
	repo := newFakeDeploymentRepo()
	svc := newTestService(repo, openQuota(), NewProviders(0))
	defer svc.Close()

	_, err := svc.CreateDeployment(context.Background(), "proj-1", "user-1", CreateOptions{
		Environment: domain.EnvPreview,
		Provider:    "heroku",
	})
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(repo.rows) != 0 {
		t.Fatalf("validation failure must not persist a row, found %d", len(repo.rows))
	}
}

func TestCreateDeploymentQuotaExceeded(t *testing.T) {
	repo := newFakeDeploymentRepo()
	exhausted := fakeQuota{quota: domain.Quota{
		Plan:           "free",
		MonthlyDeploys: domain.QuotaWindow{Used: 3, Limit: 3, Remaining: 0},
		Environments:   []string{domain.EnvPreview},
	}}
	svc := newTestService(repo, exhausted, NewProviders(0))
	defer svc.Close()

	_, err := svc.CreateDeployment(context.Background(), "proj-1", "user-1", CreateOptions{
		Environment: domain.EnvPreview,
		Provider:    domain.ProviderVercel,
	})
	var quotaErr *QuotaExceededError
	if !errors.As(err, &quotaErr) {
		t.Fatalf("expected QuotaExceededError, got %v", err)
	}
	if quotaErr.Quota.Plan != "free" {
		t.Fatalf("expected quota snapshot in error, got %+v", quotaErr.Quota)
	}
	if len(repo.rows) != 0 {
		t.Fatalf("quota rejection must not persist a row, found %d", len(repo.rows))
	}
}

func TestCreateDeploymentEnvironmentNotAllowed(t *testing.T) {
	repo := newFakeDeploymentRepo()
	freePlan := fakeQuota{quota: domain.Quota{
		Plan:           "free",
		MonthlyDeploys: domain.QuotaWindow{Used: 0, Limit: 3, Remaining: 3},
		Environments:   []string{domain.EnvPreview},
	}}
	svc := newTestService(repo, freePlan, NewProviders(0))
	defer svc.Close()

	_, err := svc.CreateDeployment(context.Background(), "proj-1", "user-1", CreateOptions{
		Environment: domain.EnvProduction,
		Provider:    domain.ProviderVercel,
	})
	if !errors.Is(err, ErrEnvironmentNotAllowed) {
		t.Fatalf("expected ErrEnvironmentNotAllowed, got %v", err)
	}
	if len(repo.rows) != 0 {
		t.Fatalf("environment rejection must not persist a row, found %d", len(repo.rows))
	}
}

func TestCreateDeploymentPipelineSucceeds(t *testing.T) {
	repo := newFakeDeploymentRepo()
	svc := newTestService(repo, openQuota(), NewProviders(0))
	defer svc.Close()

	result, err := svc.CreateDeployment(context.Background(), "proj-1", "user-1", CreateOptions{
		Environment: domain.EnvPreview,
		Provider:    domain.ProviderVercel,
		CommitSHA:   "abc123",
	})
	if err != nil {
		t.Fatalf("CreateDeployment returned error: %v", err)
	}
	if result.Deployment.Status != StatusPending {
		t.Fatalf("expected pending on return, got %q", result.Deployment.Status)
	}
	if result.Deployment.Branch != "main" {
		t.Fatalf("expected branch default main, got %q", result.Deployment.Branch)
	}
	if result.Deployment.BuildCommand != "npm run build" {
		t.Fatalf("expected project build command fallback, got %q", result.Deployment.BuildCommand)
	}

	svc.tasks.Wait(result.Deployment.ID)
	row := repo.get(t, result.Deployment.ID)
	if row.Status != StatusDeployed {
		t.Fatalf("expected deployed, got %q (error %q)", row.Status, row.Error)
	}
	if row.URL == "" {
		t.Fatal("deployed row must carry a url")
	}
	if row.DeployedAt == nil {
		t.Fatal("deployed row must carry deployed_at")
	}
	if len(row.Log) == 0 {
		t.Fatal("pipeline must append log steps")
	}
	last := row.Log[len(row.Log)-1]
	if last.Level != domain.LogLevelSuccess {
		t.Fatalf("expected final success log entry, got %+v", last)
	}
}

func TestCreateDeploymentRejectsConcurrentSameEnvironment(t *testing.T) {
	repo := newFakeDeploymentRepo()
	release := make(chan struct{})
	svc := newTestService(repo, openQuota(), staticFactory{provider: blockingProvider{release: release}})
	defer svc.Close()

	first, err := svc.CreateDeployment(context.Background(), "proj-1", "user-1", CreateOptions{
		Environment: domain.EnvPreview,
		Provider:    domain.ProviderVercel,
	})
	if err != nil {
		t.Fatalf("first CreateDeployment returned error: %v", err)
	}

	_, err = svc.CreateDeployment(context.Background(), "proj-1", "user-2", CreateOptions{
		Environment: domain.EnvPreview,
		Provider:    domain.ProviderVercel,
	})
	if !errors.Is(err, ErrDeploymentInFlight) {
		t.Fatalf("expected ErrDeploymentInFlight for same environment, got %v", err)
	}

	// a different environment is independent
	second, err := svc.CreateDeployment(context.Background(), "proj-1", "user-2", CreateOptions{
		Environment: domain.EnvStaging,
		Provider:    domain.ProviderVercel,
	})
	if err != nil {
		t.Fatalf("staging CreateDeployment returned error: %v", err)
	}

	close(release)
	svc.tasks.Wait(first.Deployment.ID)
	svc.tasks.Wait(second.Deployment.ID)

	if got := repo.get(t, first.Deployment.ID).Status; got != StatusDeployed {
		t.Fatalf("expected first deployment deployed after release, got %q", got)
	}

	// once the lease is back, the environment accepts work again
	third, err := svc.CreateDeployment(context.Background(), "proj-1", "user-1", CreateOptions{
		Environment: domain.EnvPreview,
		Provider:    domain.ProviderVercel,
	})
	if err != nil {
		t.Fatalf("CreateDeployment after release returned error: %v", err)
	}
	svc.tasks.Wait(third.Deployment.ID)
}

func TestCreateDeploymentStoreConflictReleasesLease(t *testing.T) {
	repo := newFakeDeploymentRepo()
	repo.createErr = repository.ErrConflict
	svc := newTestService(repo, openQuota(), NewProviders(0))
	defer svc.Close()

	_, err := svc.CreateDeployment(context.Background(), "proj-1", "user-1", CreateOptions{
		Environment: domain.EnvPreview,
		Provider:    domain.ProviderVercel,
	})
	if !errors.Is(err, ErrDeploymentInFlight) {
		t.Fatalf("expected ErrDeploymentInFlight from store conflict, got %v", err)
	}

	repo.createErr = nil
	result, err := svc.CreateDeployment(context.Background(), "proj-1", "user-1", CreateOptions{
		Environment: domain.EnvPreview,
		Provider:    domain.ProviderVercel,
	})
	if err != nil {
		t.Fatalf("expected lease released after store conflict, got %v", err)
	}
	svc.tasks.Wait(result.Deployment.ID)
}

func TestPipelineFailureRecordsCause(t *testing.T) {
	repo := newFakeDeploymentRepo()
	svc := newTestService(repo, openQuota(), staticFactory{provider: failingProvider{err: errors.New("build exploded")}})
	defer svc.Close()

	result, err := svc.CreateDeployment(context.Background(), "proj-1", "user-1", CreateOptions{
		Environment: domain.EnvPreview,
		Provider:    domain.ProviderVercel,
	})
	if err != nil {
		t.Fatalf("CreateDeployment returned error: %v", err)
	}
	svc.tasks.Wait(result.Deployment.ID)

	row := repo.get(t, result.Deployment.ID)
	if row.Status != StatusFailed {
		t.Fatalf("expected failed, got %q", row.Status)
	}
	if row.Error != CauseProviderError {
		t.Fatalf("expected cause %q, got %q", CauseProviderError, row.Error)
	}
	if row.Message != "build exploded" {
		t.Fatalf("expected failure message retained, got %q", row.Message)
	}
	// the steps attempted before the failure stay in the log
	if len(row.Log) != 1 || row.Log[0].Step != "preparing build" {
		t.Fatalf("expected the attempted step logged, got %+v", row.Log)
	}
}

func TestTerminalStateWinsOverStaleWriter(t *testing.T) {
	repo := newFakeDeploymentRepo()
	svc := newTestService(repo, openQuota(), NewProviders(0))
	defer svc.Close()

	result, err := svc.CreateDeployment(context.Background(), "proj-1", "user-1", CreateOptions{
		Environment: domain.EnvPreview,
		Provider:    domain.ProviderVercel,
	})
	if err != nil {
		t.Fatalf("CreateDeployment returned error: %v", err)
	}
	svc.tasks.Wait(result.Deployment.ID)

	// a stale async writer cannot downgrade the terminal row
	err = repo.UpdateDeploymentStatus(context.Background(), domain.DeploymentStatusUpdate{
		DeploymentID: result.Deployment.ID,
		Status:       StatusBuilding,
	})
	if !errors.Is(err, repository.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if got := repo.get(t, result.Deployment.ID).Status; got != StatusDeployed {
		t.Fatalf("terminal status must stick, got %q", got)
	}
}

func TestFailTimedOutSkipsTerminalRows(t *testing.T) {
	repo := newFakeDeploymentRepo()
	svc := newTestService(repo, openQuota(), NewProviders(0))
	defer svc.Close()

	result, err := svc.CreateDeployment(context.Background(), "proj-1", "user-1", CreateOptions{
		Environment: domain.EnvPreview,
		Provider:    domain.ProviderVercel,
	})
	if err != nil {
		t.Fatalf("CreateDeployment returned error: %v", err)
	}
	svc.tasks.Wait(result.Deployment.ID)

	dep := repo.get(t, result.Deployment.ID)
	if err := svc.FailTimedOut(context.Background(), &dep); err != nil {
		t.Fatalf("FailTimedOut on terminal row must be a no-op, got %v", err)
	}
	if got := repo.get(t, result.Deployment.ID).Status; got != StatusDeployed {
		t.Fatalf("expected deployed preserved, got %q", got)
	}
}

type erroringAdvisor struct{}

func (erroringAdvisor) Advise(ctx context.Context, req suggest.Request) (*domain.Advice, error) {
	return nil, errors.New("advisor offline")
}

func TestAdvisorFailureDoesNotBlockDeploy(t *testing.T) {
	repo := newFakeDeploymentRepo()
	svc := New(fakeProjectRepo{project: testProject()}, repo, openQuota(), NewProviders(0), erroringAdvisor{}, NewMemoryLeaseStore(time.Minute), nil, discardLogger())
	defer svc.Close()

	result, err := svc.CreateDeployment(context.Background(), "proj-1", "user-1", CreateOptions{
		Environment:   domain.EnvPreview,
		Provider:      domain.ProviderVercel,
		RequestAdvice: true,
	})
	if err != nil {
		t.Fatalf("CreateDeployment returned error: %v", err)
	}
	if result.Advice != nil {
		t.Fatalf("expected no advice on advisor failure, got %+v", result.Advice)
	}
	svc.tasks.Wait(result.Deployment.ID)
}
