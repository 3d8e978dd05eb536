package runtime

import "context"

// Sandbox statuses reported by an adapter.
const (
	StatusStarting = "starting"
	StatusRunning  = "running"
	StatusFailed   = "failed"
	StatusStopped  = "stopped"
)

// SandboxSpec describes the environment a run needs.
type SandboxSpec struct {
	ProjectID string
	RunID     string
	Branch    string
	Image     string
	EnvVars   map[string]string
	Public    bool
}

// Sandbox is the adapter's view of a created environment.
type Sandbox struct {
	ID            string
	Status        string
	URL           string
	EstimatedCost float64
}

// Status is a point-in-time health report for a sandbox.
type Status struct {
	Status  string
	Healthy bool
}

// Adapter provisions and tears down ephemeral execution environments. It is
// the sole authority on whether an environment is actually alive; everything
// the control plane stores about a sandbox is a cache of this interface.
type Adapter interface {
	CreateSandbox(ctx context.Context, spec SandboxSpec) (*Sandbox, error)
	SandboxStatus(ctx context.Context, sandboxID string) (*Status, error)
	Teardown(ctx context.Context, sandboxID string) error
}
