package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Joshua-Martin/sansa-dev-sub000/internal/metrics"
	"github.com/Joshua-Martin/sansa-dev-sub000/internal/models"
	"github.com/Joshua-Martin/sansa-dev-sub000/internal/provisioner"
	"github.com/Joshua-Martin/sansa-dev-sub000/internal/repository"
	"github.com/Joshua-Martin/sansa-dev-sub000/internal/toolserver"
)

var (
	ErrSessionNotFound       = errors.New("session not found")
	ErrInvalidRegistration   = errors.New("invalid container registration")
	ErrNoContainerRegistered = errors.New("no container registered for session")
	ErrContainerNotRunning   = errors.New("container not running")
	ErrHealthCheckFailed     = errors.New("health check failed")
	ErrEvictionConfirmed     = errors.New("container eviction confirmed")
)

// SessionStore is the slice of the session repository the registry needs.
type SessionStore interface {
	GetByID(ctx context.Context, sessionID string) (*models.WorkspaceSession, error)
	UpdateStatus(ctx context.Context, sessionID, status, errorMessage string) error
}

// ToolClient reaches the in-container tool server.
type ToolClient interface {
	Execute(ctx context.Context, ep toolserver.Endpoint, req toolserver.Request) (*toolserver.Response, error)
	Health(ctx context.Context, ep toolserver.Endpoint) (*toolserver.HealthResponse, error)
}

// endpointResetter is implemented by tool clients that keep per-endpoint state.
type endpointResetter interface {
	ResetEndpoint(ep toolserver.Endpoint)
}

// EvictionHandler tears down a session whose container was confirmed gone.
type EvictionHandler func(ctx context.Context, sessionID string) error

type Options struct {
	Host              string
	HealthInterval    time.Duration
	FailureThreshold  int
	FirstBackoff      time.Duration
	RepeatBackoff     time.Duration
	HealthConcurrency int
}

func DefaultOptions(host string, interval time.Duration) Options {
	return Options{
		Host:              host,
		HealthInterval:    interval,
		FailureThreshold:  3,
		FirstBackoff:      5 * time.Second,
		RepeatBackoff:     60 * time.Second,
		HealthConcurrency: 8,
	}
}

type healthState struct {
	failures     int
	backoffUntil time.Time
}

// Registry maps sessions to their live container connections.
type Registry struct {
	store    Store
	sessions SessionStore
	runtime  provisioner.Runtime
	tools    ToolClient
	metrics  *metrics.Collector
	opts     Options
	logger   zerolog.Logger
	now      func() time.Time

	mu     sync.Mutex
	health map[string]*healthState
	evict  EvictionHandler
}

func New(store Store, sessions SessionStore, runtime provisioner.Runtime, tools ToolClient, m *metrics.Collector, opts Options, logger zerolog.Logger) *Registry {
	return &Registry{
		store:    store,
		sessions: sessions,
		runtime:  runtime,
		tools:    tools,
		metrics:  m,
		opts:     opts,
		logger:   logger.With().Str("component", "container-registry").Logger(),
		now:      time.Now,
		health:   make(map[string]*healthState),
	}
}

// SetEvictionHandler wires the cleanup path once it has been constructed.
func (r *Registry) SetEvictionHandler(h EvictionHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evict = h
}

func (r *Registry) Register(ctx context.Context, sessionID, containerID, containerName string, toolServerPort, devServerPort int) error {
	if sessionID == "" || containerID == "" || containerName == "" || toolServerPort <= 0 || devServerPort <= 0 {
		return fmt.Errorf("%w: session=%q container=%q name=%q tool=%d dev=%d",
			ErrInvalidRegistration, sessionID, containerID, containerName, toolServerPort, devServerPort)
	}

	session, err := r.sessions.GetByID(ctx, sessionID)
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}

	conn := &models.ContainerConnection{
		SessionID:      sessionID,
		UserID:         session.UserID,
		ContainerID:    containerID,
		ContainerName:  containerName,
		Host:           r.opts.Host,
		ToolServerPort: toolServerPort,
		DevServerPort:  devServerPort,
		Status:         models.ConnectionStatusStarting,
		HealthStatus:   models.HealthStatusStarting,
		RegisteredAt:   r.now(),
	}
	if err := r.store.Put(ctx, conn); err != nil {
		return fmt.Errorf("failed to store connection: %w", err)
	}
	if rs, ok := r.tools.(endpointResetter); ok {
		rs.ResetEndpoint(Endpoint(conn))
	}

	r.clearHealth(sessionID)
	r.logger.Info().Str("session_id", sessionID).Str("container_id", containerID).Msg("Container registered")
	return nil
}

// Unregister is idempotent.
func (r *Registry) Unregister(ctx context.Context, sessionID string) error {
	r.clearHealth(sessionID)
	if err := r.store.Delete(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to unregister %s: %w", sessionID, err)
	}
	r.logger.Debug().Str("session_id", sessionID).Msg("Container unregistered")
	return nil
}

// GetConnection returns nil when no valid connection is stored.
func (r *Registry) GetConnection(ctx context.Context, sessionID string) (*models.ContainerConnection, error) {
	conn, err := r.store.Get(ctx, sessionID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !conn.Valid() {
		r.logger.Warn().Str("session_id", sessionID).Msg("Ignoring invalid registry entry")
		return nil, nil
	}
	return conn, nil
}

// GetSessionForContainer returns "" when the container is unknown.
func (r *Registry) GetSessionForContainer(ctx context.Context, containerID string) (string, error) {
	sessionID, err := r.store.SessionForContainer(ctx, containerID)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	return sessionID, err
}

// UpdateStatus is advisory: failures are logged, never returned.
func (r *Registry) UpdateStatus(ctx context.Context, sessionID, status string) {
	err := r.store.Update(ctx, sessionID, func(c *models.ContainerConnection) {
		c.Status = status
	})
	if err != nil {
		r.logger.Warn().Err(err).Str("session_id", sessionID).Str("status", status).Msg("Failed to update connection status")
	}
}

func (r *Registry) SendToolRequest(ctx context.Context, sessionID string, req toolserver.Request) (*toolserver.Response, error) {
	conn, err := r.GetConnection(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoContainerRegistered, sessionID)
	}
	if conn.Status != models.ConnectionStatusRunning {
		return nil, fmt.Errorf("%w: %s is %s", ErrContainerNotRunning, sessionID, conn.Status)
	}
	return r.tools.Execute(ctx, Endpoint(conn), req)
}

func (r *Registry) GetAllContainers(ctx context.Context) ([]*models.ContainerConnection, error) {
	conns, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*models.ContainerConnection, 0, len(conns))
	for _, c := range conns {
		if c.Valid() {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r *Registry) GetUserContainers(ctx context.Context, userID string) ([]*models.ContainerConnection, error) {
	conns, err := r.GetAllContainers(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*models.ContainerConnection, 0)
	for _, c := range conns {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	return out, nil
}

// Reconcile drops entries whose container is missing or not running. It is
// run at startup since the runtime never notifies the registry.
func (r *Registry) Reconcile(ctx context.Context) (int, error) {
	conns, err := r.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list connections: %w", err)
	}

	evicted := 0
	for _, conn := range conns {
		info, err := r.runtime.GetContainerInfo(ctx, conn.ContainerID)
		switch {
		case errors.Is(err, provisioner.ErrContainerNotFound):
		case err != nil:
			r.logger.Warn().Err(err).Str("session_id", conn.SessionID).Msg("Container lookup failed; keeping entry")
			continue
		case info.Running:
			continue
		}
		if err := r.Unregister(ctx, conn.SessionID); err != nil {
			r.logger.Error().Err(err).Str("session_id", conn.SessionID).Msg("Failed to evict stale entry")
			continue
		}
		evicted++
		r.logger.Info().Str("session_id", conn.SessionID).Str("container_id", conn.ContainerID).Msg("Evicted stale registry entry")
	}

	r.logger.Info().Int("checked", len(conns)).Int("evicted", evicted).Msg("Registry reconciled")
	return evicted, nil
}

// Endpoint addresses the tool server of a connection.
func Endpoint(conn *models.ContainerConnection) toolserver.Endpoint {
	return toolserver.Endpoint{Host: conn.Host, Port: conn.ToolServerPort}
}

func (r *Registry) clearHealth(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.health, sessionID)
}
