package provisioner

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"
)

const (
	podStartTimeout  = 2 * time.Minute
	podPollInterval  = 2 * time.Second
	workspaceName    = "workspace"
	podGracePeriodSe = int64(stopTimeoutSeconds)
)

// KubernetesRuntime runs each session as a single pod whose ports are published through hostPort.
// Container ids are pod names.
type KubernetesRuntime struct {
	clientset         kubernetes.Interface
	namespace         string
	workspaceImage    string
	containerDevPort  int
	containerToolPort int
	pullPolicy        corev1.PullPolicy
	pollInterval      time.Duration
	logger            zerolog.Logger
}

type KubernetesOptions struct {
	WorkspaceImage    string
	KubeconfigPath    string
	Namespace         string
	PullImages        bool
	ContainerDevPort  int
	ContainerToolPort int
}

// NewKubernetesRuntime builds a client from kubeconfig and checks the cluster is reachable.
func NewKubernetesRuntime(opts KubernetesOptions, logger zerolog.Logger) (*KubernetesRuntime, error) {
	kubeconfigPath := opts.KubeconfigPath
	if kubeconfigPath == "" {
		if home := homedir.HomeDir(); home != "" {
			kubeconfigPath = filepath.Join(home, ".kube", "config")
		}
	}

	config, err := clientcmd.BuildConfigFromFlags("", kubeconfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to build kubeconfig: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}

	if _, err := clientset.CoreV1().Namespaces().Get(context.Background(), opts.Namespace, metav1.GetOptions{}); err != nil {
		return nil, fmt.Errorf("failed to reach namespace %s: %w", opts.Namespace, err)
	}

	rt := NewKubernetesRuntimeWithClient(clientset, opts, logger)
	rt.logger.Info().Str("namespace", opts.Namespace).Msg("Successfully connected to Kubernetes cluster")
	return rt, nil
}

func NewKubernetesRuntimeWithClient(clientset kubernetes.Interface, opts KubernetesOptions, logger zerolog.Logger) *KubernetesRuntime {
	pullPolicy := corev1.PullIfNotPresent
	if opts.PullImages {
		pullPolicy = corev1.PullAlways
	}
	return &KubernetesRuntime{
		clientset:         clientset,
		namespace:         opts.Namespace,
		workspaceImage:    opts.WorkspaceImage,
		containerDevPort:  opts.ContainerDevPort,
		containerToolPort: opts.ContainerToolPort,
		pullPolicy:        pullPolicy,
		pollInterval:      podPollInterval,
		logger:            logger.With().Str("component", "kubernetes-runtime").Logger(),
	}
}

// CreateContainer creates the session pod. Kubernetes schedules it immediately;
// StartContainer waits for it to run.
func (k *KubernetesRuntime) CreateContainer(ctx context.Context, cfg ContainerConfig) (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", err
	}

	pod := k.buildPod(cfg)
	created, err := k.clientset.CoreV1().Pods(k.namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to create workspace pod: %w", err)
	}

	k.logger.Info().Str("pod", created.Name).Str("session_id", cfg.SessionID).Msg("Workspace pod created")
	return created.Name, nil
}

func (k *KubernetesRuntime) StartContainer(ctx context.Context, containerID string) error {
	ctx, cancel := context.WithTimeout(ctx, podStartTimeout)
	defer cancel()

	for {
		pod, err := k.clientset.CoreV1().Pods(k.namespace).Get(ctx, containerID, metav1.GetOptions{})
		if err != nil {
			return k.podErr("start", err)
		}

		switch pod.Status.Phase {
		case corev1.PodRunning:
			return nil
		case corev1.PodFailed, corev1.PodSucceeded:
			return fmt.Errorf("pod %s terminated during start (%s)", containerID, pod.Status.Phase)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for pod %s to run: %w", containerID, ctx.Err())
		case <-time.After(k.pollInterval):
		}
	}
}

// StopContainer deletes the pod gracefully; pods cannot be stopped in place.
func (k *KubernetesRuntime) StopContainer(ctx context.Context, containerID string) error {
	grace := podGracePeriodSe
	err := k.clientset.CoreV1().Pods(k.namespace).Delete(ctx, containerID, metav1.DeleteOptions{GracePeriodSeconds: &grace})
	if err != nil {
		return k.podErr("stop", err)
	}
	return nil
}

func (k *KubernetesRuntime) RemoveContainer(ctx context.Context, containerID string) error {
	grace := int64(0)
	err := k.clientset.CoreV1().Pods(k.namespace).Delete(ctx, containerID, metav1.DeleteOptions{GracePeriodSeconds: &grace})
	if err != nil {
		return k.podErr("remove", err)
	}
	k.logger.Info().Str("pod", containerID).Msg("Workspace pod removed")
	return nil
}

func (k *KubernetesRuntime) GetContainerInfo(ctx context.Context, containerID string) (*ContainerInfo, error) {
	pod, err := k.clientset.CoreV1().Pods(k.namespace).Get(ctx, containerID, metav1.GetOptions{})
	if err != nil {
		return nil, k.podErr("inspect", err)
	}

	info := &ContainerInfo{
		ID:    pod.Name,
		Name:  pod.Name,
		State: podState(pod),
	}
	info.Running = info.State == StateRunning
	if pod.Status.StartTime != nil {
		info.StartedAt = pod.Status.StartTime.Time
	}
	for _, cs := range pod.Status.ContainerStatuses {
		if cs.Name == workspaceName && cs.State.Terminated != nil {
			info.ExitCode = int(cs.State.Terminated.ExitCode)
		}
	}
	return info, nil
}

// GetContainerMetrics needs the metrics API, which this runtime does not talk to.
func (k *KubernetesRuntime) GetContainerMetrics(ctx context.Context, containerID string) (*ContainerMetrics, error) {
	return nil, ErrMetricsUnsupported
}

func (k *KubernetesRuntime) GetContainerLogs(ctx context.Context, containerID string, lines int) (string, error) {
	tail := int64(lines)
	raw, err := k.clientset.CoreV1().Pods(k.namespace).
		GetLogs(containerID, &corev1.PodLogOptions{Container: workspaceName, TailLines: &tail}).
		DoRaw(ctx)
	if err != nil {
		return "", k.podErr("logs", err)
	}
	return string(raw), nil
}

func (k *KubernetesRuntime) buildPod(cfg ContainerConfig) *corev1.Pod {
	envMap := sessionEnv(cfg, k.containerDevPort, k.containerToolPort)
	keys := make([]string, 0, len(envMap))
	for key := range envMap {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	env := make([]corev1.EnvVar, 0, len(keys))
	for _, key := range keys {
		env = append(env, corev1.EnvVar{Name: key, Value: envMap[key]})
	}

	limits := corev1.ResourceList{}
	if cfg.Resources.CPU > 0 {
		limits[corev1.ResourceCPU] = *resource.NewMilliQuantity(int64(cfg.Resources.CPU*1000), resource.DecimalSI)
	}
	if cfg.Resources.MemoryMB > 0 {
		limits[corev1.ResourceMemory] = *resource.NewQuantity(cfg.Resources.MemoryMB*1024*1024, resource.BinarySI)
	}
	if cfg.Resources.StorageMB > 0 {
		limits[corev1.ResourceEphemeralStorage] = *resource.NewQuantity(cfg.Resources.StorageMB*1024*1024, resource.BinarySI)
	}

	mountPath := cfg.Environment.MountPath
	if mountPath == "" {
		mountPath = "/workspace"
	}

	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      cfg.Name,
			Namespace: k.namespace,
			Labels:    podLabels(cfg),
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{
				{
					Name:            workspaceName,
					Image:           k.workspaceImage,
					ImagePullPolicy: k.pullPolicy,
					Ports: []corev1.ContainerPort{
						{
							Name:          "preview",
							ContainerPort: int32(k.containerDevPort),
							HostPort:      int32(cfg.DevHostPort),
							Protocol:      corev1.ProtocolTCP,
						},
						{
							Name:          "tools",
							ContainerPort: int32(k.containerToolPort),
							HostPort:      int32(cfg.ToolHostPort),
							Protocol:      corev1.ProtocolTCP,
						},
					},
					Env:        env,
					WorkingDir: mountPath,
					VolumeMounts: []corev1.VolumeMount{
						{Name: "workspace-data", MountPath: mountPath},
					},
					Resources: corev1.ResourceRequirements{Limits: limits},
					ReadinessProbe: &corev1.Probe{
						ProbeHandler: corev1.ProbeHandler{
							TCPSocket: &corev1.TCPSocketAction{Port: intstr.FromInt(k.containerToolPort)},
						},
						PeriodSeconds: 5,
					},
				},
			},
			Volumes: []corev1.Volume{
				{
					Name:         "workspace-data",
					VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}},
				},
			},
		},
	}
}

func (k *KubernetesRuntime) podErr(op string, err error) error {
	if apierrors.IsNotFound(err) {
		return fmt.Errorf("failed to %s pod: %w", op, ErrContainerNotFound)
	}
	return fmt.Errorf("failed to %s pod: %w", op, err)
}

// podLabels drops empty values; label values must be valid DNS-ish strings.
func podLabels(cfg ContainerConfig) map[string]string {
	labels := map[string]string{"app": workspaceName}
	for k, v := range sessionLabels(cfg) {
		if v != "" {
			labels[k] = v
		}
	}
	return labels
}

func podState(pod *corev1.Pod) string {
	if pod.DeletionTimestamp != nil {
		return StateExited
	}
	switch pod.Status.Phase {
	case corev1.PodPending:
		return StateCreated
	case corev1.PodRunning:
		for _, cs := range pod.Status.ContainerStatuses {
			if cs.Name == workspaceName && cs.State.Running == nil {
				return StateRestarting
			}
		}
		return StateRunning
	case corev1.PodSucceeded, corev1.PodFailed:
		return StateExited
	default:
		return StateUnknown
	}
}
