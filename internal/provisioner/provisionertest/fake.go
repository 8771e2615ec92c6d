// Package provisionertest provides an in-memory container runtime for tests.
package provisionertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/Joshua-Martin/sansa-dev-sub000/internal/provisioner"
)

// FakeRuntime records calls and keeps container state in memory.
// Error fields, when set, are returned by the matching operation.
type FakeRuntime struct {
	mu         sync.Mutex
	containers map[string]*provisioner.ContainerInfo
	configs    map[string]provisioner.ContainerConfig
	seq        int

	CreateErr error
	StartErr  error
	StopErr   error
	RemoveErr error
	InfoErr   error

	// StartState is the state a container enters on StartContainer.
	StartState string

	// BeforeCreate, when set, runs at the start of CreateContainer.
	BeforeCreate func(cfg provisioner.ContainerConfig)

	Created []string
	Started []string
	Stopped []string
	Removed []string
}

func NewFakeRuntime() *FakeRuntime {
	return &FakeRuntime{
		containers: make(map[string]*provisioner.ContainerInfo),
		configs:    make(map[string]provisioner.ContainerConfig),
		StartState: provisioner.StateRunning,
	}
}

func (f *FakeRuntime) CreateContainer(ctx context.Context, cfg provisioner.ContainerConfig) (string, error) {
	if f.BeforeCreate != nil {
		f.BeforeCreate(cfg)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		return "", f.CreateErr
	}
	f.seq++
	id := fmt.Sprintf("container-%d", f.seq)
	f.containers[id] = &provisioner.ContainerInfo{ID: id, Name: cfg.Name, State: provisioner.StateCreated}
	f.configs[id] = cfg
	f.Created = append(f.Created, id)
	return id, nil
}

func (f *FakeRuntime) StartContainer(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Started = append(f.Started, containerID)
	if f.StartErr != nil {
		return f.StartErr
	}
	c, ok := f.containers[containerID]
	if !ok {
		return provisioner.ErrContainerNotFound
	}
	c.State = f.StartState
	c.Running = f.StartState == provisioner.StateRunning
	return nil
}

func (f *FakeRuntime) StopContainer(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Stopped = append(f.Stopped, containerID)
	if f.StopErr != nil {
		return f.StopErr
	}
	c, ok := f.containers[containerID]
	if !ok {
		return provisioner.ErrContainerNotFound
	}
	c.State = provisioner.StateExited
	c.Running = false
	return nil
}

func (f *FakeRuntime) RemoveContainer(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Removed = append(f.Removed, containerID)
	if f.RemoveErr != nil {
		return f.RemoveErr
	}
	if _, ok := f.containers[containerID]; !ok {
		return provisioner.ErrContainerNotFound
	}
	delete(f.containers, containerID)
	delete(f.configs, containerID)
	return nil
}

func (f *FakeRuntime) GetContainerInfo(ctx context.Context, containerID string) (*provisioner.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.InfoErr != nil {
		return nil, f.InfoErr
	}
	c, ok := f.containers[containerID]
	if !ok {
		return nil, provisioner.ErrContainerNotFound
	}
	cp := *c
	return &cp, nil
}

func (f *FakeRuntime) GetContainerMetrics(ctx context.Context, containerID string) (*provisioner.ContainerMetrics, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[containerID]; !ok {
		return nil, provisioner.ErrContainerNotFound
	}
	return &provisioner.ContainerMetrics{}, nil
}

func (f *FakeRuntime) GetContainerLogs(ctx context.Context, containerID string, lines int) (string, error) {
	return "", nil
}

// SetState forces a container into state, adding it if unknown.
func (f *FakeRuntime) SetState(containerID, state string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[containerID]
	if !ok {
		c = &provisioner.ContainerInfo{ID: containerID, Name: containerID}
		f.containers[containerID] = c
	}
	c.State = state
	c.Running = state == provisioner.StateRunning
}

// Exists reports whether the container is still known to the runtime.
func (f *FakeRuntime) Exists(containerID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.containers[containerID]
	return ok
}

// Config returns the config a container was created with.
func (f *FakeRuntime) Config(containerID string) (provisioner.ContainerConfig, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cfg, ok := f.configs[containerID]
	return cfg, ok
}

// Count returns the number of live containers.
func (f *FakeRuntime) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.containers)
}
