package promotion

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
	"github.com/devflowhub/controlplane/internal/service/deploy"
)

type fakeDeploymentRepo struct {
	mu   sync.Mutex
	rows map[string]*domain.Deployment

	// invoked at the top of MarkRolledBack, outside the lock
	beforeMarkRolledBack func()
}

func newFakeDeploymentRepo(seed ...*domain.Deployment) *fakeDeploymentRepo {
	repo := &fakeDeploymentRepo{rows: make(map[string]*domain.Deployment)}
	for _, dep := range seed {
		clone := *dep
		repo.rows[dep.ID] = &clone
	}
	return repo
}

func (f *fakeDeploymentRepo) CreateDeployment(ctx context.Context, dep *domain.Deployment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
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

func (f *fakeDeploymentRepo) ListDeploymentsByProject(context.Context, string, int) ([]domain.Deployment, error) {
	return nil, nil
}

func (f *fakeDeploymentRepo) UpdateDeploymentStatus(ctx context.Context, update domain.DeploymentStatusUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[update.DeploymentID]
	if !ok {
		return repository.ErrNotFound
	}
	if deploy.Terminal(row.Status) {
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
	if f.beforeMarkRolledBack != nil {
		f.beforeMarkRolledBack()
	}
	// a canceled context fails the write, as a pool write would
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok {
		return repository.ErrNotFound
	}
	if row.Status != deploy.StatusDeployed {
		return repository.ErrInvalidTransition
	}
	row.Status = deploy.StatusRolledBack
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

func (f *fakeDeploymentRepo) ListDeploymentsWithStatusUpdatedBefore(context.Context, []string, time.Time) ([]domain.Deployment, error) {
	return nil, nil
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

// failAtRunner fails one named step and passes the rest.
type failAtRunner struct {
	failAt string
}

func (r failAtRunner) RunStep(ctx context.Context, step string) error {
	if step == r.failAt {
		return errors.New("step exploded")
	}
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func deployedSource() *domain.Deployment {
	return &domain.Deployment{
		ID:          "dep-src",
		ProjectID:   "proj-1",
		CreatedBy:   "user-1",
		Environment: domain.EnvStaging,
		Provider:    domain.ProviderVercel,
		Branch:      "main",
		CommitSHA:   "abc123",
		Status:      deploy.StatusDeployed,
		URL:         "https://storefront.example.dev",
	}
}

func TestPromoteRejectsNonDeployedSource(t *testing.T) {
	source := deployedSource()
	source.Status = deploy.StatusBuilding
	repo := newFakeDeploymentRepo(source)
	svc := New(repo, 0, nil, discardLogger())
	defer svc.Close()

	_, err := svc.Promote(context.Background(), source.ID, domain.EnvProduction)
	if !errors.Is(err, ErrNotPromotable) {
		t.Fatalf("expected ErrNotPromotable, got %v", err)
	}
	if len(repo.rows) != 1 {
		t.Fatalf("rejected promotion must not create a row, found %d", len(repo.rows))
	}
}

func TestPromoteRejectsSameEnvironment(t *testing.T) {
	repo := newFakeDeploymentRepo(deployedSource())
	svc := New(repo, 0, nil, discardLogger())
	defer svc.Close()

	_, err := svc.Promote(context.Background(), "dep-src", domain.EnvStaging)
	if !errors.Is(err, ErrSameEnvironment) {
		t.Fatalf("expected ErrSameEnvironment, got %v", err)
	}
}

func TestPromoteRejectsInvalidEnvironment(t *testing.T) {
	repo := newFakeDeploymentRepo(deployedSource())
	svc := New(repo, 0, nil, discardLogger())
	defer svc.Close()

	_, err := svc.Promote(context.Background(), "dep-src", "qa")
	var validationErr *deploy.ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestPromoteCreatesNewRowAndDeploys(t *testing.T) {
	repo := newFakeDeploymentRepo(deployedSource())
	svc := New(repo, 0, nil, discardLogger())
	defer svc.Close()

	promoted, err := svc.Promote(context.Background(), "dep-src", domain.EnvProduction)
	if err != nil {
		t.Fatalf("Promote returned error: %v", err)
	}
	if promoted.ID == "dep-src" {
		t.Fatal("promotion must create a new row, not reuse the source")
	}
	if promoted.PromotedFrom == nil || *promoted.PromotedFrom != "dep-src" {
		t.Fatalf("expected promoted_from dep-src, got %v", promoted.PromotedFrom)
	}
	if promoted.Environment != domain.EnvProduction {
		t.Fatalf("expected production environment, got %q", promoted.Environment)
	}
	if promoted.CommitSHA != "abc123" {
		t.Fatalf("promotion must reuse the already-built artifact, got sha %q", promoted.CommitSHA)
	}

	svc.tasks.wait(promoted.ID)
	row := repo.get(t, promoted.ID)
	if row.Status != deploy.StatusDeployed {
		t.Fatalf("expected deployed, got %q (error %q)", row.Status, row.Error)
	}
	want := "https://production--storefront.example.dev"
	if row.URL != want {
		t.Fatalf("expected url %q, got %q", want, row.URL)
	}
	if len(row.Log) != len(promoteSteps)+1 {
		t.Fatalf("expected %d log entries, got %d", len(promoteSteps)+1, len(row.Log))
	}
	if row.Log[len(row.Log)-1].Level != domain.LogLevelSuccess {
		t.Fatalf("expected final success entry, got %+v", row.Log[len(row.Log)-1])
	}

	// the source row is untouched by a promotion
	if got := repo.get(t, "dep-src").Status; got != deploy.StatusDeployed {
		t.Fatalf("source must stay deployed, got %q", got)
	}
}

func TestPromoteStepFailureHaltsSequence(t *testing.T) {
	repo := newFakeDeploymentRepo(deployedSource())
	svc := New(repo, 0, nil, discardLogger())
	svc.steps = failAtRunner{failAt: promoteSteps[1]}
	defer svc.Close()

	promoted, err := svc.Promote(context.Background(), "dep-src", domain.EnvProduction)
	if err != nil {
		t.Fatalf("Promote returned error: %v", err)
	}
	svc.tasks.wait(promoted.ID)

	row := repo.get(t, promoted.ID)
	if row.Status != deploy.StatusFailed {
		t.Fatalf("expected failed, got %q", row.Status)
	}
	// the log holds exactly the attempted steps: one success, one failure
	if len(row.Log) != 2 {
		t.Fatalf("expected 2 log entries, got %+v", row.Log)
	}
	if row.Log[0].Step != promoteSteps[0] || row.Log[0].Level != domain.LogLevelInfo {
		t.Fatalf("unexpected first entry %+v", row.Log[0])
	}
	if row.Log[1].Step != promoteSteps[1] || row.Log[1].Level != domain.LogLevelError {
		t.Fatalf("unexpected failure entry %+v", row.Log[1])
	}
}

func TestRollbackMarksOriginalAfterNewRowDeploys(t *testing.T) {
	repo := newFakeDeploymentRepo(deployedSource())
	svc := New(repo, 0, nil, discardLogger())
	defer svc.Close()

	reverting, err := svc.Rollback(context.Background(), "dep-src")
	if err != nil {
		t.Fatalf("Rollback returned error: %v", err)
	}
	if reverting.RolledBackFrom == nil || *reverting.RolledBackFrom != "dep-src" {
		t.Fatalf("expected rolled_back_from dep-src, got %v", reverting.RolledBackFrom)
	}
	if reverting.Environment != domain.EnvStaging {
		t.Fatalf("rollback must stay in the source environment, got %q", reverting.Environment)
	}

	svc.tasks.wait(reverting.ID)
	row := repo.get(t, reverting.ID)
	if row.Status != deploy.StatusDeployed {
		t.Fatalf("expected deployed, got %q (error %q)", row.Status, row.Error)
	}
	if row.URL != "https://storefront.example.dev" {
		t.Fatalf("rollback must carry the target url, got %q", row.URL)
	}
	if got := repo.get(t, "dep-src").Status; got != deploy.StatusRolledBack {
		t.Fatalf("expected original rolled_back, got %q", got)
	}
}

func TestRollbackUnitSurvivesShutdownCancel(t *testing.T) {
	repo := newFakeDeploymentRepo(deployedSource())
	svc := New(repo, 0, nil, discardLogger())

	// shutdown lands in the window after the replacement reaches deployed
	// and before the original is marked; the unit must still complete
	var once sync.Once
	repo.beforeMarkRolledBack = func() {
		once.Do(svc.Close)
	}

	reverting, err := svc.Rollback(context.Background(), "dep-src")
	if err != nil {
		t.Fatalf("Rollback returned error: %v", err)
	}
	svc.tasks.wait(reverting.ID)

	if got := repo.get(t, reverting.ID).Status; got != deploy.StatusDeployed {
		t.Fatalf("expected deployed replacement, got %q", got)
	}
	if got := repo.get(t, "dep-src").Status; got != deploy.StatusRolledBack {
		t.Fatalf("expected original rolled_back despite cancel, got %q", got)
	}
}

func TestRollbackFailureLeavesOriginalDeployed(t *testing.T) {
	repo := newFakeDeploymentRepo(deployedSource())
	svc := New(repo, 0, nil, discardLogger())
	svc.steps = failAtRunner{failAt: rollbackSteps[0]}
	defer svc.Close()

	reverting, err := svc.Rollback(context.Background(), "dep-src")
	if err != nil {
		t.Fatalf("Rollback returned error: %v", err)
	}
	svc.tasks.wait(reverting.ID)

	if got := repo.get(t, reverting.ID).Status; got != deploy.StatusFailed {
		t.Fatalf("expected failed rollback row, got %q", got)
	}
	if got := repo.get(t, "dep-src").Status; got != deploy.StatusDeployed {
		t.Fatalf("failed rollback must leave the original deployed, got %q", got)
	}
}

func TestRollbackRejectsNonDeployedTarget(t *testing.T) {
	source := deployedSource()
	source.Status = deploy.StatusFailed
	repo := newFakeDeploymentRepo(source)
	svc := New(repo, 0, nil, discardLogger())
	defer svc.Close()

	_, err := svc.Rollback(context.Background(), source.ID)
	if !errors.Is(err, ErrNotPromotable) {
		t.Fatalf("expected ErrNotPromotable, got %v", err)
	}
}
