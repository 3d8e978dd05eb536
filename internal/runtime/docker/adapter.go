package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/devflowhub/controlplane/internal/runtime"
)

const sandboxPort = nat.Port("3000/tcp")

// Labels stamped onto every sandbox container so orphans can be identified.
const (
	labelManaged = "devflowhub.managed"
	labelProject = "devflowhub.project_id"
	labelRun     = "devflowhub.run_id"
)

// Adapter provisions sandbox containers on a local Docker daemon.
type Adapter struct {
	docker       *client.Client
	logger       *slog.Logger
	image        string
	domainSuffix string
	costPerHour  float64
}

var _ runtime.Adapter = (*Adapter)(nil)

// New constructs a docker-backed runtime adapter.
func New(host, defaultImage, domainSuffix string, logger *slog.Logger) (*Adapter, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		docker:       cli,
		logger:       logger.With("component", "docker_adapter"),
		image:        defaultImage,
		domainSuffix: domainSuffix,
		costPerHour:  0.05,
	}, nil
}

// Ping validates connectivity to the Docker daemon.
func (a *Adapter) Ping(ctx context.Context) error {
	if _, err := a.docker.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	return nil
}

// CreateSandbox pulls the sandbox image and starts a container for the run.
func (a *Adapter) CreateSandbox(ctx context.Context, spec runtime.SandboxSpec) (*runtime.Sandbox, error) {
	imageName := spec.Image
	if imageName == "" {
		imageName = a.image
	}

	reader, err := a.docker.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return nil, fmt.Errorf("pull image %s: %w", imageName, err)
	}
	_, _ = io.Copy(io.Discard, reader)
	reader.Close()

	env := make([]string, 0, len(spec.EnvVars)+1)
	env = append(env, "PORT=3000")
	for k, v := range spec.EnvVars {
		env = append(env, k+"="+v)
	}

	cfg := &container.Config{
		Image: imageName,
		Env:   env,
		Labels: map[string]string{
			labelManaged: "true",
			labelProject: spec.ProjectID,
			labelRun:     spec.RunID,
		},
		ExposedPorts: nat.PortSet{sandboxPort: struct{}{}},
	}
	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			sandboxPort: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: ""}},
		},
		AutoRemove: false,
	}

	created, err := a.docker.ContainerCreate(ctx, cfg, hostCfg, nil, nil, sandboxName(spec.RunID))
	if err != nil {
		return nil, fmt.Errorf("create sandbox container: %w", err)
	}
	if err := a.docker.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = a.docker.ContainerRemove(context.Background(), created.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("start sandbox container: %w", err)
	}

	a.logger.Info("sandbox started", "run_id", spec.RunID, "container_id", created.ID)
	return &runtime.Sandbox{
		ID:            created.ID,
		Status:        runtime.StatusStarting,
		URL:           a.sandboxURL(spec.RunID),
		EstimatedCost: a.costPerHour,
	}, nil
}

// SandboxStatus inspects the container and maps its state to an adapter status.
func (a *Adapter) SandboxStatus(ctx context.Context, sandboxID string) (*runtime.Status, error) {
	inspect, err := a.docker.ContainerInspect(ctx, sandboxID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return &runtime.Status{Status: runtime.StatusStopped}, nil
		}
		return nil, fmt.Errorf("inspect sandbox %s: %w", sandboxID, err)
	}
	state := inspect.State
	switch {
	case state == nil:
		return &runtime.Status{Status: runtime.StatusStarting}, nil
	case state.Running:
		healthy := state.Health == nil || state.Health.Status == "healthy"
		return &runtime.Status{Status: runtime.StatusRunning, Healthy: healthy}, nil
	case state.Dead || state.OOMKilled || state.ExitCode != 0:
		return &runtime.Status{Status: runtime.StatusFailed}, nil
	default:
		return &runtime.Status{Status: runtime.StatusStopped}, nil
	}
}

// Teardown force-removes the sandbox container. Removing an already-gone
// container is not an error.
func (a *Adapter) Teardown(ctx context.Context, sandboxID string) error {
	err := a.docker.ContainerRemove(ctx, sandboxID, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("remove sandbox %s: %w", sandboxID, err)
	}
	a.logger.Info("sandbox removed", "container_id", sandboxID)
	return nil
}

// Close releases the underlying docker client.
func (a *Adapter) Close() error {
	return a.docker.Close()
}

func (a *Adapter) sandboxURL(runID string) string {
	short := runID
	if len(short) > 8 {
		short = short[:8]
	}
	return "https://" + short + a.domainSuffix
}

func sandboxName(runID string) string {
	return "devflowhub-run-" + strings.ReplaceAll(runID, ":", "-")
}
