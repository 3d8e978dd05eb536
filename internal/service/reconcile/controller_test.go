package reconcile

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/devflowhub/controlplane/internal/domain"
	"github.com/devflowhub/controlplane/internal/repository"
	"github.com/devflowhub/controlplane/internal/service/deploy"
	runsvc "github.com/devflowhub/controlplane/internal/service/run"
)

type stubDeploymentRepo struct {
	stale        []domain.Deployment
	lastStatuses []string
	lastCutoff   time.Time
}

func (s *stubDeploymentRepo) ListDeploymentsWithStatusUpdatedBefore(ctx context.Context, statuses []string, updatedBefore time.Time) ([]domain.Deployment, error) {
	s.lastStatuses = statuses
	s.lastCutoff = updatedBefore
	return s.stale, nil
}

func (s *stubDeploymentRepo) CreateDeployment(context.Context, *domain.Deployment) error { return nil }
func (s *stubDeploymentRepo) GetDeploymentByID(context.Context, string) (*domain.Deployment, error) {
	return nil, repository.ErrNotFound
}
func (s *stubDeploymentRepo) ListDeploymentsByProject(context.Context, string, int) ([]domain.Deployment, error) {
	return nil, nil
}
func (s *stubDeploymentRepo) UpdateDeploymentStatus(context.Context, domain.DeploymentStatusUpdate) error {
	return nil
}
func (s *stubDeploymentRepo) MarkRolledBack(context.Context, string) error { return nil }
func (s *stubDeploymentRepo) AppendDeploymentLog(context.Context, string, domain.LogStep) error {
	return nil
}
func (s *stubDeploymentRepo) CountDeploymentsCreatedBy(context.Context, string, time.Time) (int, error) {
	return 0, nil
}

type stubRunRepo struct {
	active   []domain.Run
	orphaned []domain.Run
}

func (s *stubRunRepo) ListRunsWithStatus(ctx context.Context, statuses []string) ([]domain.Run, error) {
	return s.active, nil
}

func (s *stubRunRepo) ListRunsAwaitingTeardown(ctx context.Context) ([]domain.Run, error) {
	return s.orphaned, nil
}

func (s *stubRunRepo) CreateRun(context.Context, *domain.Run) error { return nil }
func (s *stubRunRepo) GetRunByID(context.Context, string) (*domain.Run, error) {
	return nil, repository.ErrNotFound
}
func (s *stubRunRepo) ListRunsByProject(context.Context, string, int) ([]domain.Run, error) {
	return nil, nil
}
func (s *stubRunRepo) UpdateRunStatus(context.Context, domain.RunStatusUpdate) error { return nil }
func (s *stubRunRepo) ClearRunSandbox(context.Context, string) error { return nil }

type recordingFailer struct {
	failed []string
}

func (r *recordingFailer) FailTimedOut(ctx context.Context, dep *domain.Deployment) error {
	r.failed = append(r.failed, dep.ID)
	return nil
}

type recordingReconciler struct {
	refreshed []string
	reclaimed []string
}

func (r *recordingReconciler) Refresh(ctx context.Context, run *domain.Run) {
	r.refreshed = append(r.refreshed, run.ID)
}

func (r *recordingReconciler) Reclaim(ctx context.Context, run *domain.Run) {
	r.reclaimed = append(r.reclaimed, run.ID)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSweepFailsStuckDeployments(t *testing.T) {
	deployments := &stubDeploymentRepo{stale: []domain.Deployment{
		{ID: "dep-1", ProjectID: "proj-1", Status: deploy.StatusBuilding},
		{ID: "dep-2", ProjectID: "proj-1", Status: deploy.StatusPending},
	}}
	failer := &recordingFailer{}
	ctrl := New(deployments, &stubRunRepo{}, failer, &recordingReconciler{}, discardLogger(), time.Second, 15*time.Minute)
	now := time.Date(2025, time.March, 15, 12, 0, 0, 0, time.UTC)
	ctrl.now = func() time.Time { return now }

	ctrl.runIteration(context.Background())

	if len(failer.failed) != 2 {
		t.Fatalf("expected both stuck deployments failed, got %v", failer.failed)
	}
	wantCutoff := now.Add(-15 * time.Minute)
	if !deployments.lastCutoff.Equal(wantCutoff) {
		t.Fatalf("expected cutoff %v, got %v", wantCutoff, deployments.lastCutoff)
	}
	if len(deployments.lastStatuses) != 2 {
		t.Fatalf("expected pending+building statuses queried, got %v", deployments.lastStatuses)
	}
}

func TestSweepSkipsDeploymentsWhenTimeoutDisabled(t *testing.T) {
	deployments := &stubDeploymentRepo{stale: []domain.Deployment{{ID: "dep-1"}}}
	failer := &recordingFailer{}
	ctrl := New(deployments, &stubRunRepo{}, failer, &recordingReconciler{}, discardLogger(), time.Second, 0)
	ctrl.runIteration(context.Background())

	if len(failer.failed) != 0 {
		t.Fatalf("disabled timeout must not fail deployments, got %v", failer.failed)
	}
}

func TestSweepRefreshesActiveRuns(t *testing.T) {
	runs := &stubRunRepo{active: []domain.Run{
		{ID: "run-1", Status: runsvc.StatusRunning},
		{ID: "run-2", Status: runsvc.StatusStarting},
	}}
	refresher := &recordingReconciler{}
	ctrl := New(&stubDeploymentRepo{}, runs, &recordingFailer{}, refresher, discardLogger(), time.Second, time.Minute)
	ctrl.runIteration(context.Background())

	if len(refresher.refreshed) != 2 {
		t.Fatalf("expected both active runs refreshed, got %v", refresher.refreshed)
	}
}

func TestSweepReclaimsTerminalRunsHoldingSandboxes(t *testing.T) {
	runs := &stubRunRepo{orphaned: []domain.Run{
		{ID: "run-1", Status: runsvc.StatusExpired, SandboxID: "sbx-1"},
		{ID: "run-2", Status: runsvc.StatusStopped, SandboxID: "sbx-2"},
	}}
	reconciler := &recordingReconciler{}
	ctrl := New(&stubDeploymentRepo{}, runs, &recordingFailer{}, reconciler, discardLogger(), time.Second, time.Minute)
	ctrl.runIteration(context.Background())

	if len(reconciler.reclaimed) != 2 {
		t.Fatalf("expected both orphaned sandboxes reclaimed, got %v", reconciler.reclaimed)
	}
	if len(reconciler.refreshed) != 0 {
		t.Fatalf("terminal rows must not be refreshed, got %v", reconciler.refreshed)
	}
}

func TestNewRequiresRepositories(t *testing.T) {
	if ctrl := New(nil, &stubRunRepo{}, nil, nil, discardLogger(), time.Second, time.Minute); ctrl != nil {
		t.Fatal("expected nil controller without deployment repo")
	}
	if ctrl := New(&stubDeploymentRepo{}, nil, nil, nil, discardLogger(), time.Second, time.Minute); ctrl != nil {
		t.Fatal("expected nil controller without run repo")
	}
}
