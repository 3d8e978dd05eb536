package run

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/devflowhub/controlplane/internal/domain"
	"github.com/devflowhub/controlplane/internal/repository"
	"github.com/devflowhub/controlplane/internal/runtime"
	"github.com/devflowhub/controlplane/internal/service/deploy"
	"github.com/devflowhub/controlplane/internal/ws"
)

// Status constants for runs. starting and running are non-terminal; the
// adapter is the authority while a run is in either.
const (
	StatusStarting = runtime.StatusStarting
	StatusRunning  = runtime.StatusRunning
	StatusFailed   = runtime.StatusFailed
	StatusStopped  = runtime.StatusStopped
	StatusExpired  = "expired"
)

// Terminal reports whether a run status is final.
func Terminal(status string) bool {
	switch status {
	case StatusFailed, StatusStopped, StatusExpired:
		return true
	}
	return false
}

// ErrSnapshotRequired aborts a run whose caller demanded a snapshot as a
// precondition when the capture failed.
var ErrSnapshotRequired = errors.New("snapshot required but capture failed")

// AdapterError wraps a runtime adapter failure. The run row retains the
// cause; the request is never silently dropped.
type AdapterError struct {
	Op  string
	Err error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("runtime adapter %s: %v", e.Op, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// Snapshotter captures a project's file set before a risky run.
type Snapshotter interface {
	Create(ctx context.Context, projectID, reason string) (string, error)
}

// Options carries user-supplied run parameters.
type Options struct {
	Branch            string
	EnvVars           map[string]string
	Public            bool
	TTLMinutes        int
	SnapshotBeforeRun bool
	RequireSnapshot   bool
}

// Config bounds run TTLs.
type Config struct {
	DefaultTTLMinutes int
	MaxTTLMinutes     int
	SandboxImage      string
}

// Service manages sandbox run lifecycles: quota-checked creation with an
// optional pre-run snapshot, adapter-backed status refresh, TTL expiry and
// explicit teardown.
type Service struct {
	projects  repository.ProjectRepository
	runs      repository.RunRepository
	adapter   runtime.Adapter
	quota     deploy.QuotaChecker
	snapshots Snapshotter
	events    ws.Publisher
	logger    *slog.Logger
	cfg       Config
	now       func() time.Time
}

// New returns a run service. snapshots and events may be nil.
func New(projects repository.ProjectRepository, runs repository.RunRepository, adapter runtime.Adapter, quotaSvc deploy.QuotaChecker, snapshots Snapshotter, events ws.Publisher, logger *slog.Logger, cfg Config) *Service {
	if cfg.DefaultTTLMinutes <= 0 {
		cfg.DefaultTTLMinutes = 60
	}
	if cfg.MaxTTLMinutes <= 0 {
		cfg.MaxTTLMinutes = 480
	}
	return &Service{
		projects:  projects,
		runs:      runs,
		adapter:   adapter,
		quota:     quotaSvc,
		snapshots: snapshots,
		events:    events,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Create provisions a sandbox for the project. Sequencing: quota check,
// optional best-effort snapshot, adapter create, persist. A snapshot
// failure is recorded on the run and surfaced, never swallowed; it aborts
// only when the caller required the snapshot. An adapter failure persists a
// failed row so the caller still gets an id to inspect.
func (s *Service) Create(ctx context.Context, projectID, userID string, opts Options) (*domain.Run, error) {
	project, err := s.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return nil, err
	}

	quota, err := s.quota.Check(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("quota check: %w", err)
	}
	if quota.MonthlyDeploys.Exhausted() {
		return nil, &deploy.QuotaExceededError{Quota: quota}
	}

	ttl := opts.TTLMinutes
	if ttl <= 0 {
		ttl = s.cfg.DefaultTTLMinutes
	}
	if ttl > s.cfg.MaxTTLMinutes {
		ttl = s.cfg.MaxTTLMinutes
	}
	if opts.Branch == "" {
		opts.Branch = "main"
	}

	now := s.now().UTC()
	run := &domain.Run{
		ID:         uuid.NewString(),
		ProjectID:  project.ID,
		Branch:     opts.Branch,
		CreatedBy:  userID,
		Status:     StatusStarting,
		EnvVars:    opts.EnvVars,
		Public:     opts.Public,
		TTLMinutes: ttl,
		StartsAt:   now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if opts.SnapshotBeforeRun && s.snapshots != nil {
		snapshotID, err := s.snapshots.Create(ctx, project.ID, "pre-run safety snapshot")
		if err != nil {
			if opts.RequireSnapshot {
				return nil, fmt.Errorf("%w: %v", ErrSnapshotRequired, err)
			}
			run.SnapshotError = err.Error()
			s.logger.Warn("pre-run snapshot failed, continuing", "project_id", project.ID, "error", err)
		} else {
			run.SnapshotID = &snapshotID
		}
	}

	sandbox, adapterErr := s.adapter.CreateSandbox(ctx, runtime.SandboxSpec{
		ProjectID: project.ID,
		RunID:     run.ID,
		Branch:    opts.Branch,
		Image:     s.cfg.SandboxImage,
		EnvVars:   opts.EnvVars,
		Public:    opts.Public,
	})
	if adapterErr != nil {
		run.Status = StatusFailed
		run.Error = adapterErr.Error()
	} else {
		run.Status = sandbox.Status
		run.URL = sandbox.URL
		run.SandboxID = sandbox.ID
		run.EstimatedCost = sandbox.EstimatedCost
	}

	if err := s.runs.CreateRun(ctx, run); err != nil {
		if adapterErr == nil {
			// the sandbox exists but we could not record it; reclaim it
			if tdErr := s.adapter.Teardown(context.WithoutCancel(ctx), sandbox.ID); tdErr != nil {
				s.logger.Error("failed to reclaim unrecorded sandbox", "sandbox_id", sandbox.ID, "error", tdErr)
			}
		}
		return nil, err
	}

	s.publish(run.ProjectID, ws.Event{Kind: ws.EventRun, ID: run.ID, Status: run.Status, Error: run.Error, At: now})
	if adapterErr != nil {
		s.logger.Error("run degraded to failed", "run_id", run.ID, "error", adapterErr)
		return run, &AdapterError{Op: "create", Err: adapterErr}
	}
	s.logger.Info("run created", "run_id", run.ID, "project_id", project.ID, "ttl_minutes", ttl)
	return run, nil
}

// Get returns a run, refreshed against the adapter and the TTL clock when
// the stored status is non-terminal.
func (s *Service) Get(ctx context.Context, projectID, runID string) (*domain.Run, error) {
	run, err := s.runs.GetRunByID(ctx, runID)
	if err != nil {
		return nil, err
	}
	if projectID != "" && run.ProjectID != projectID {
		return nil, repository.ErrNotFound
	}
	return s.refresh(ctx, run), nil
}

// ListByProject returns recent runs, refreshing any still non-terminal.
func (s *Service) ListByProject(ctx context.Context, projectID string, limit int) ([]domain.Run, error) {
	runs, err := s.runs.ListRunsByProject(ctx, projectID, limit)
	if err != nil {
		return nil, err
	}
	for i := range runs {
		runs[i] = *s.refresh(ctx, &runs[i])
	}
	return runs, nil
}

// Stop tears the sandbox down and marks the run stopped. Terminal wins: a
// stop races any in-flight creation or refresh and the terminal state
// sticks.
func (s *Service) Stop(ctx context.Context, projectID, runID string) (*domain.Run, error) {
	run, err := s.runs.GetRunByID(ctx, runID)
	if err != nil {
		return nil, err
	}
	if projectID != "" && run.ProjectID != projectID {
		return nil, repository.ErrNotFound
	}
	if Terminal(run.Status) {
		return run, nil
	}

	s.reclaimSandbox(ctx, run)
	if err := s.markTerminal(ctx, run, StatusStopped, ""); err != nil {
		return nil, err
	}
	s.logger.Info("run stopped", "run_id", run.ID)
	return run, nil
}

// Expire marks a run expired and reclaims its sandbox. Used by Get/List on
// read and by the reconciler on its sweep.
func (s *Service) Expire(ctx context.Context, run *domain.Run) error {
	s.reclaimSandbox(ctx, run)
	return s.markTerminal(ctx, run, StatusExpired, fmt.Sprintf("ttl of %d minutes elapsed", run.TTLMinutes))
}

// Reclaim retries teardown for a terminal run whose sandbox survived the
// original attempt. Called by the reconciler's reclaim sweep.
func (s *Service) Reclaim(ctx context.Context, run *domain.Run) {
	s.reclaimSandbox(ctx, run)
}

// reclaimSandbox tears the sandbox down and clears the run's sandbox id so
// nothing is left to sweep. On teardown failure the id stays on the row and
// the reclaim sweep retries until the adapter cooperates.
func (s *Service) reclaimSandbox(ctx context.Context, run *domain.Run) {
	if run.SandboxID == "" {
		return
	}
	if err := s.adapter.Teardown(ctx, run.SandboxID); err != nil {
		s.logger.Warn("sandbox teardown failed, leaving for reclaim sweep", "run_id", run.ID, "sandbox_id", run.SandboxID, "error", err)
		return
	}
	if err := s.runs.ClearRunSandbox(ctx, run.ID); err != nil {
		s.logger.Warn("failed to clear sandbox id", "run_id", run.ID, "error", err)
		return
	}
	run.SandboxID = ""
}

// Refresh reconciles a run in place against the TTL clock and the adapter.
// Exposed for the periodic reconciler; reads go through Get and List.
func (s *Service) Refresh(ctx context.Context, run *domain.Run) {
	s.refresh(ctx, run)
}

// refresh reconciles a non-terminal run against the TTL clock and the
// adapter. The stored status is only a cache; the adapter's answer, or the
// clock, overrides it before the run is surfaced.
func (s *Service) refresh(ctx context.Context, run *domain.Run) *domain.Run {
	if Terminal(run.Status) {
		return run
	}
	if run.Expired(s.now()) {
		if err := s.Expire(ctx, run); err != nil {
			s.logger.Warn("failed to expire run", "run_id", run.ID, "error", err)
		}
		return run
	}
	if run.SandboxID == "" {
		return run
	}

	status, err := s.adapter.SandboxStatus(ctx, run.SandboxID)
	if err != nil {
		s.logger.Warn("adapter status refresh failed", "run_id", run.ID, "error", err)
		return run
	}
	if status.Status == run.Status {
		return run
	}
	update := domain.RunStatusUpdate{RunID: run.ID, Status: status.Status}
	if err := s.runs.UpdateRunStatus(ctx, update); err != nil {
		if !errors.Is(err, repository.ErrInvalidTransition) {
			s.logger.Warn("failed to persist refreshed run status", "run_id", run.ID, "error", err)
		}
		return run
	}
	run.Status = status.Status
	s.publish(run.ProjectID, ws.Event{Kind: ws.EventRun, ID: run.ID, Status: run.Status, At: s.now().UTC()})
	return run
}

func (s *Service) markTerminal(ctx context.Context, run *domain.Run, status, message string) error {
	err := s.runs.UpdateRunStatus(ctx, domain.RunStatusUpdate{RunID: run.ID, Status: status, Error: message})
	if err != nil {
		if errors.Is(err, repository.ErrInvalidTransition) {
			// someone else finished it first; keep their terminal state
			if current, getErr := s.runs.GetRunByID(ctx, run.ID); getErr == nil {
				*run = *current
			}
			return nil
		}
		return err
	}
	run.Status = status
	if message != "" {
		run.Error = message
	}
	s.publish(run.ProjectID, ws.Event{Kind: ws.EventRun, ID: run.ID, Status: status, Error: message, At: s.now().UTC()})
	return nil
}

func (s *Service) publish(projectID string, event ws.Event) {
	if s.events == nil {
		return
	}
	s.events.Publish(projectID, event)
}
