package provisioner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/rs/zerolog"
)

const stopTimeoutSeconds = 10

// DockerRuntime implements Runtime using the Docker engine.
type DockerRuntime struct {
	cli               *client.Client
	workspaceImage    string
	pullImages        bool
	containerDevPort  int
	containerToolPort int
	logger            zerolog.Logger
}

type DockerOptions struct {
	WorkspaceImage    string
	PullImages        bool
	ContainerDevPort  int
	ContainerToolPort int
}

// NewDockerRuntime connects to the daemon configured by the DOCKER_* environment.
func NewDockerRuntime(opts DockerOptions, logger zerolog.Logger) (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}

	if _, err := cli.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to reach docker daemon: %w", err)
	}

	l := logger.With().Str("component", "docker-runtime").Logger()
	l.Info().Msg("Successfully connected to Docker daemon")
	return &DockerRuntime{
		cli:               cli,
		workspaceImage:    opts.WorkspaceImage,
		pullImages:        opts.PullImages,
		containerDevPort:  opts.ContainerDevPort,
		containerToolPort: opts.ContainerToolPort,
		logger:            l,
	}, nil
}

func (p *DockerRuntime) CreateContainer(ctx context.Context, cfg ContainerConfig) (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", err
	}

	if p.pullImages {
		reader, err := p.cli.ImagePull(ctx, p.workspaceImage, image.PullOptions{})
		if err != nil {
			return "", fmt.Errorf("failed to pull image: %w", err)
		}
		_, _ = io.Copy(io.Discard, reader)
		reader.Close()
	}

	config, hostConfig := buildDockerConfig(p.workspaceImage, p.containerDevPort, p.containerToolPort, cfg)
	resp, err := p.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, cfg.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}
	for _, w := range resp.Warnings {
		p.logger.Warn().Str("container_id", resp.ID).Msg(w)
	}

	p.logger.Info().Str("container_id", shortID(resp.ID)).Str("session_id", cfg.SessionID).Msg("Container created")
	return resp.ID, nil
}

func (p *DockerRuntime) StartContainer(ctx context.Context, containerID string) error {
	if err := p.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return dockerErr("start", err)
	}
	return nil
}

func (p *DockerRuntime) StopContainer(ctx context.Context, containerID string) error {
	timeout := stopTimeoutSeconds
	if err := p.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		return dockerErr("stop", err)
	}
	return nil
}

func (p *DockerRuntime) RemoveContainer(ctx context.Context, containerID string) error {
	if err := p.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		return dockerErr("remove", err)
	}
	p.logger.Info().Str("container_id", shortID(containerID)).Msg("Container removed")
	return nil
}

func (p *DockerRuntime) GetContainerInfo(ctx context.Context, containerID string) (*ContainerInfo, error) {
	resp, err := p.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, dockerErr("inspect", err)
	}
	if resp.ContainerJSONBase == nil || resp.State == nil {
		return &ContainerInfo{ID: containerID, State: StateUnknown}, nil
	}

	info := &ContainerInfo{
		ID:       resp.ID,
		Name:     resp.Name,
		State:    string(resp.State.Status),
		Running:  resp.State.Running,
		ExitCode: resp.State.ExitCode,
	}
	if started, err := time.Parse(time.RFC3339Nano, resp.State.StartedAt); err == nil {
		info.StartedAt = started
	}
	return info, nil
}

func (p *DockerRuntime) GetContainerMetrics(ctx context.Context, containerID string) (*ContainerMetrics, error) {
	stats, err := p.cli.ContainerStatsOneShot(ctx, containerID)
	if err != nil {
		return nil, dockerErr("stats", err)
	}
	defer stats.Body.Close()

	var s container.StatsResponse
	if err := json.NewDecoder(stats.Body).Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to decode container stats: %w", err)
	}
	return metricsFromStats(&s), nil
}

func (p *DockerRuntime) GetContainerLogs(ctx context.Context, containerID string, lines int) (string, error) {
	reader, err := p.cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(lines),
	})
	if err != nil {
		return "", dockerErr("logs", err)
	}
	defer reader.Close()

	var out bytes.Buffer
	if _, err := stdcopy.StdCopy(&out, &out, reader); err != nil {
		return "", fmt.Errorf("failed to read container logs: %w", err)
	}
	return out.String(), nil
}

func buildDockerConfig(img string, devPort, toolPort int, cfg ContainerConfig) (*container.Config, *container.HostConfig) {
	devContainerPort := nat.Port(fmt.Sprintf("%d/tcp", devPort))
	toolContainerPort := nat.Port(fmt.Sprintf("%d/tcp", toolPort))

	env := make([]string, 0)
	for k, v := range sessionEnv(cfg, devPort, toolPort) {
		env = append(env, k+"="+v)
	}

	config := &container.Config{
		Image: img,
		Env:   env,
		ExposedPorts: nat.PortSet{
			devContainerPort:  struct{}{},
			toolContainerPort: struct{}{},
		},
		Labels:     sessionLabels(cfg),
		WorkingDir: cfg.Environment.MountPath,
	}

	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			devContainerPort:  []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(cfg.DevHostPort)}},
			toolContainerPort: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(cfg.ToolHostPort)}},
		},
		RestartPolicy: container.RestartPolicy{Name: "no"},
		Resources: container.Resources{
			NanoCPUs: int64(cfg.Resources.CPU * 1e9),
			Memory:   cfg.Resources.MemoryMB * 1024 * 1024,
		},
	}
	return config, hostConfig
}

func metricsFromStats(s *container.StatsResponse) *ContainerMetrics {
	m := &ContainerMetrics{
		MemoryUsage: s.MemoryStats.Usage,
		MemoryLimit: s.MemoryStats.Limit,
		CollectedAt: s.Read,
	}

	cpuDelta := float64(s.CPUStats.CPUUsage.TotalUsage) - float64(s.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(s.CPUStats.SystemUsage) - float64(s.PreCPUStats.SystemUsage)
	cpus := float64(s.CPUStats.OnlineCPUs)
	if cpus == 0 {
		cpus = float64(len(s.CPUStats.CPUUsage.PercpuUsage))
	}
	if systemDelta > 0 && cpuDelta > 0 {
		m.CPUPercent = cpuDelta / systemDelta * cpus * 100
	}

	for _, n := range s.Networks {
		m.NetworkRx += n.RxBytes
		m.NetworkTx += n.TxBytes
	}
	return m
}

func dockerErr(op string, err error) error {
	if errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to %s container: %w", op, ErrContainerNotFound)
	}
	return fmt.Errorf("failed to %s container: %w", op, err)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
