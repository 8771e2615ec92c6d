package provisioner

import (
	"context"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/Joshua-Martin/sansa-dev-sub000/internal/models"
)

func testContainerConfig() ContainerConfig {
	return ContainerConfig{
		Name:         "session-abc",
		SessionID:    "abc",
		UserID:       "user-1",
		WorkspaceID:  "ws-1",
		DevHostPort:  4010,
		ToolHostPort: 5010,
		Resources:    models.SessionResources{CPU: 1.5, MemoryMB: 512},
		Environment: models.SessionEnvironment{
			NodeVersion: "20",
			MountPath:   "/workspace",
			EnvVars:     map[string]string{"FOO": "bar"},
		},
	}
}

func TestContainerConfig_Validate(t *testing.T) {
	cfg := testContainerConfig()
	require.NoError(t, cfg.Validate())

	cfg.ToolHostPort = 0
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidContainerCfg)
}

func TestBuildDockerConfig(t *testing.T) {
	config, hostConfig := buildDockerConfig("workspace:latest", 3000, 4000, testContainerConfig())

	assert.Equal(t, "workspace:latest", config.Image)
	assert.Contains(t, config.ExposedPorts, nat.Port("3000/tcp"))
	assert.Contains(t, config.ExposedPorts, nat.Port("4000/tcp"))
	assert.Contains(t, config.Env, "FOO=bar")
	assert.Contains(t, config.Env, "SESSION_ID=abc")
	assert.Equal(t, "abc", config.Labels["session_id"])

	assert.Equal(t, "4010", hostConfig.PortBindings[nat.Port("3000/tcp")][0].HostPort)
	assert.Equal(t, "5010", hostConfig.PortBindings[nat.Port("4000/tcp")][0].HostPort)
	assert.EqualValues(t, 1_500_000_000, hostConfig.Resources.NanoCPUs)
	assert.EqualValues(t, 512*1024*1024, hostConfig.Resources.Memory)
}

func TestMetricsFromStats(t *testing.T) {
	var s container.StatsResponse
	s.CPUStats.CPUUsage.TotalUsage = 300
	s.PreCPUStats.CPUUsage.TotalUsage = 100
	s.CPUStats.SystemUsage = 2000
	s.PreCPUStats.SystemUsage = 1000
	s.CPUStats.OnlineCPUs = 2
	s.MemoryStats.Usage = 64
	s.MemoryStats.Limit = 128
	s.Networks = map[string]container.NetworkStats{
		"eth0": {RxBytes: 10, TxBytes: 20},
		"eth1": {RxBytes: 1, TxBytes: 2},
	}

	m := metricsFromStats(&s)
	assert.InDelta(t, 40.0, m.CPUPercent, 0.001)
	assert.EqualValues(t, 64, m.MemoryUsage)
	assert.EqualValues(t, 11, m.NetworkRx)
	assert.EqualValues(t, 22, m.NetworkTx)
}

func newFakeKubernetesRuntime() (*KubernetesRuntime, *fake.Clientset) {
	clientset := fake.NewSimpleClientset()
	rt := NewKubernetesRuntimeWithClient(clientset, KubernetesOptions{
		WorkspaceImage:    "workspace:latest",
		Namespace:         "workspaces",
		ContainerDevPort:  3000,
		ContainerToolPort: 4000,
	}, zerolog.Nop())
	rt.pollInterval = 10 * time.Millisecond
	return rt, clientset
}

func setPodPhase(t *testing.T, clientset *fake.Clientset, name string, phase corev1.PodPhase) {
	ctx := context.Background()
	pod, err := clientset.CoreV1().Pods("workspaces").Get(ctx, name, metav1.GetOptions{})
	require.NoError(t, err)
	pod.Status.Phase = phase
	_, err = clientset.CoreV1().Pods("workspaces").UpdateStatus(ctx, pod, metav1.UpdateOptions{})
	require.NoError(t, err)
}

func TestKubernetesRuntime_Lifecycle(t *testing.T) {
	ctx := context.Background()
	rt, clientset := newFakeKubernetesRuntime()

	id, err := rt.CreateContainer(ctx, testContainerConfig())
	require.NoError(t, err)
	assert.Equal(t, "session-abc", id)

	pod, err := clientset.CoreV1().Pods("workspaces").Get(ctx, id, metav1.GetOptions{})
	require.NoError(t, err)
	ports := pod.Spec.Containers[0].Ports
	require.Len(t, ports, 2)
	assert.EqualValues(t, 4010, ports[0].HostPort)
	assert.EqualValues(t, 5010, ports[1].HostPort)

	info, err := rt.GetContainerInfo(ctx, id)
	require.NoError(t, err)
	assert.False(t, info.Running)

	setPodPhase(t, clientset, id, corev1.PodRunning)
	require.NoError(t, rt.StartContainer(ctx, id))

	info, err = rt.GetContainerInfo(ctx, id)
	require.NoError(t, err)
	assert.True(t, info.Running)
	assert.Equal(t, StateRunning, info.State)

	logs, err := rt.GetContainerLogs(ctx, id, 10)
	require.NoError(t, err)
	assert.NotEmpty(t, logs)

	require.NoError(t, rt.RemoveContainer(ctx, id))
	_, err = rt.GetContainerInfo(ctx, id)
	assert.ErrorIs(t, err, ErrContainerNotFound)
	assert.ErrorIs(t, rt.RemoveContainer(ctx, id), ErrContainerNotFound)
}

func TestKubernetesRuntime_StartFailsWhenPodFails(t *testing.T) {
	ctx := context.Background()
	rt, clientset := newFakeKubernetesRuntime()

	id, err := rt.CreateContainer(ctx, testContainerConfig())
	require.NoError(t, err)
	setPodPhase(t, clientset, id, corev1.PodFailed)

	assert.Error(t, rt.StartContainer(ctx, id))

	_, err = rt.GetContainerMetrics(ctx, id)
	assert.ErrorIs(t, err, ErrMetricsUnsupported)
}
