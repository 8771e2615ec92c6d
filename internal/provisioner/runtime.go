package provisioner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Joshua-Martin/sansa-dev-sub000/internal/models"
)

var (
	ErrContainerNotFound   = errors.New("container not found")
	ErrMetricsUnsupported  = errors.New("container metrics not supported by runtime")
	ErrUnknownRuntime      = errors.New("unknown container runtime")
	ErrInvalidContainerCfg = errors.New("invalid container config")
)

// Container lifecycle states as reported by GetContainerInfo.
const (
	StateCreated    = "created"
	StateRunning    = "running"
	StatePaused     = "paused"
	StateRestarting = "restarting"
	StateExited     = "exited"
	StateDead       = "dead"
	StateUnknown    = "unknown"
)

// ContainerConfig describes one session container.
type ContainerConfig struct {
	Name         string
	SessionID    string
	UserID       string
	WorkspaceID  string
	DevHostPort  int
	ToolHostPort int
	Resources    models.SessionResources
	Environment  models.SessionEnvironment
}

func (c ContainerConfig) Validate() error {
	if c.Name == "" || c.SessionID == "" {
		return fmt.Errorf("%w: name and session id are required", ErrInvalidContainerCfg)
	}
	if c.DevHostPort <= 0 || c.ToolHostPort <= 0 {
		return fmt.Errorf("%w: host ports must be positive", ErrInvalidContainerCfg)
	}
	return nil
}

type ContainerInfo struct {
	ID        string
	Name      string
	State     string
	Running   bool
	ExitCode  int
	StartedAt time.Time
}

type ContainerMetrics struct {
	CPUPercent  float64
	MemoryUsage uint64
	MemoryLimit uint64
	NetworkRx   uint64
	NetworkTx   uint64
	CollectedAt time.Time
}

// Runtime is the container engine the orchestrator drives.
type Runtime interface {
	CreateContainer(ctx context.Context, cfg ContainerConfig) (string, error)
	StartContainer(ctx context.Context, containerID string) error
	StopContainer(ctx context.Context, containerID string) error
	RemoveContainer(ctx context.Context, containerID string) error
	GetContainerInfo(ctx context.Context, containerID string) (*ContainerInfo, error)
	GetContainerMetrics(ctx context.Context, containerID string) (*ContainerMetrics, error)
	GetContainerLogs(ctx context.Context, containerID string, lines int) (string, error)
}

func sessionLabels(cfg ContainerConfig) map[string]string {
	return map[string]string{
		"session_id":   cfg.SessionID,
		"user_id":      cfg.UserID,
		"workspace_id": cfg.WorkspaceID,
		"service":      "sansa_workspace_session",
	}
}

func sessionEnv(cfg ContainerConfig, devPort, toolPort int) map[string]string {
	env := map[string]string{
		"SESSION_ID":   cfg.SessionID,
		"WORKSPACE_ID": cfg.WorkspaceID,
		"NODE_VERSION": cfg.Environment.NodeVersion,
		"MOUNT_PATH":   cfg.Environment.MountPath,
		"PORT":         fmt.Sprintf("%d", devPort),
		"TOOL_PORT":    fmt.Sprintf("%d", toolPort),
	}
	for k, v := range cfg.Environment.EnvVars {
		env[k] = v
	}
	return env
}
