package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Joshua-Martin/sansa-dev-sub000/internal/db"
	"github.com/Joshua-Martin/sansa-dev-sub000/internal/models"
	"github.com/Joshua-Martin/sansa-dev-sub000/internal/provisioner"
	"github.com/Joshua-Martin/sansa-dev-sub000/internal/provisioner/provisionertest"
	"github.com/Joshua-Martin/sansa-dev-sub000/internal/repository"
	"github.com/Joshua-Martin/sansa-dev-sub000/internal/toolserver"
)

type mockTools struct {
	mu        sync.Mutex
	healthErr error
	status    string
	executed  []toolserver.Request
	probes    int
	resets    []toolserver.Endpoint
}

func (m *mockTools) ResetEndpoint(ep toolserver.Endpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resets = append(m.resets, ep)
}

func (m *mockTools) Execute(ctx context.Context, ep toolserver.Endpoint, req toolserver.Request) (*toolserver.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executed = append(m.executed, req)
	return &toolserver.Response{Success: true}, nil
}

func (m *mockTools) Health(ctx context.Context, ep toolserver.Endpoint) (*toolserver.HealthResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probes++
	if m.healthErr != nil {
		return nil, m.healthErr
	}
	return &toolserver.HealthResponse{Status: m.status}, nil
}

type fixture struct {
	reg      *Registry
	store    *InMemoryStore
	sessions *repository.SessionRepository
	runtime  *provisionertest.FakeRuntime
	tools    *mockTools
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	gormDB, err := db.OpenInMemory(uuid.NewString())
	require.NoError(t, err)

	f := &fixture{
		store:    NewInMemoryStore(),
		sessions: repository.NewSessionRepository(gormDB),
		runtime:  provisionertest.NewFakeRuntime(),
		tools:    &mockTools{status: "healthy"},
		now:      time.Now(),
	}
	f.reg = New(f.store, f.sessions, f.runtime, f.tools, nil, DefaultOptions("localhost", time.Minute), zerolog.Nop())
	f.reg.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) createSession(t *testing.T, status string) *models.WorkspaceSession {
	ws := uuid.NewString()
	s := &models.WorkspaceSession{
		ID:             uuid.NewString(),
		UserID:         "user-1",
		WorkspaceID:    &ws,
		Status:         status,
		LastActivityAt: time.Now(),
	}
	require.NoError(t, f.sessions.Create(context.Background(), s))
	return s
}

// registerRunning registers a session whose container is running and marked running in the registry.
func (f *fixture) registerRunning(t *testing.T) (*models.WorkspaceSession, string) {
	ctx := context.Background()
	s := f.createSession(t, models.SessionStatusRunning)
	containerID, err := f.runtime.CreateContainer(ctx, provisioner.ContainerConfig{
		Name: "session-" + s.ID, SessionID: s.ID, DevHostPort: 4001, ToolHostPort: 5001,
	})
	require.NoError(t, err)
	require.NoError(t, f.runtime.StartContainer(ctx, containerID))
	require.NoError(t, f.reg.Register(ctx, s.ID, containerID, "session-"+s.ID, 5001, 4001))
	f.reg.UpdateStatus(ctx, s.ID, models.ConnectionStatusRunning)
	return s, containerID
}

func TestRegister_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.reg.Register(ctx, "s", "", "name", 5001, 4001)
	assert.ErrorIs(t, err, ErrInvalidRegistration)

	err = f.reg.Register(ctx, "s", "c", "name", 0, 4001)
	assert.ErrorIs(t, err, ErrInvalidRegistration)

	err = f.reg.Register(ctx, "missing", "c", "name", 5001, 4001)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRegister_LookupAndUnregister(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.createSession(t, models.SessionStatusInitializing)

	require.NoError(t, f.reg.Register(ctx, s.ID, "c-1", "session-x", 5001, 4001))

	conn, err := f.reg.GetConnection(ctx, s.ID)
	require.NoError(t, err)
	require.NotNil(t, conn)
	assert.Equal(t, "user-1", conn.UserID)
	assert.Equal(t, models.ConnectionStatusStarting, conn.Status)
	assert.Equal(t, "localhost", conn.Host)
	assert.Equal(t, []toolserver.Endpoint{{Host: "localhost", Port: 5001}}, f.tools.resets, "breaker for a reused port is reset")

	sessionID, err := f.reg.GetSessionForContainer(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, s.ID, sessionID)

	userConns, err := f.reg.GetUserContainers(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, userConns, 1)

	require.NoError(t, f.reg.Unregister(ctx, s.ID))
	require.NoError(t, f.reg.Unregister(ctx, s.ID))

	conn, err = f.reg.GetConnection(ctx, s.ID)
	require.NoError(t, err)
	assert.Nil(t, conn)
	sessionID, err = f.reg.GetSessionForContainer(ctx, "c-1")
	require.NoError(t, err)
	assert.Empty(t, sessionID)
}

func TestGetConnection_HidesInvalidEntries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.Put(ctx, &models.ContainerConnection{
		SessionID:   "broken",
		ContainerID: "c-1",
		Host:        "localhost",
	}))

	conn, err := f.reg.GetConnection(ctx, "broken")
	require.NoError(t, err)
	assert.Nil(t, conn)

	all, err := f.reg.GetAllContainers(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestSendToolRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := toolserver.Request{Operation: toolserver.OpReadFile}

	_, err := f.reg.SendToolRequest(ctx, "nobody", req)
	assert.ErrorIs(t, err, ErrNoContainerRegistered)

	s := f.createSession(t, models.SessionStatusInitializing)
	require.NoError(t, f.reg.Register(ctx, s.ID, "c-1", "session-x", 5001, 4001))
	_, err = f.reg.SendToolRequest(ctx, s.ID, req)
	assert.ErrorIs(t, err, ErrContainerNotRunning)

	f.reg.UpdateStatus(ctx, s.ID, models.ConnectionStatusRunning)
	_, err = f.reg.SendToolRequest(ctx, s.ID, req)
	require.NoError(t, err)
	assert.Len(t, f.tools.executed, 1)
}

func TestReconcile_EvictsMissingAndStopped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	alive, _ := f.registerRunning(t)
	exited, exitedContainer := f.registerRunning(t)
	gone, goneContainer := f.registerRunning(t)

	f.runtime.SetState(exitedContainer, provisioner.StateExited)
	require.NoError(t, f.runtime.RemoveContainer(ctx, goneContainer))

	evicted, err := f.reg.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, evicted)

	conn, _ := f.reg.GetConnection(ctx, alive.ID)
	assert.NotNil(t, conn)
	conn, _ = f.reg.GetConnection(ctx, exited.ID)
	assert.Nil(t, conn)
	conn, _ = f.reg.GetConnection(ctx, gone.ID)
	assert.Nil(t, conn)
}

func TestReconcile_KeepsEntriesOnLookupError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, _ := f.registerRunning(t)
	f.runtime.InfoErr = errors.New("docker daemon unavailable")

	evicted, err := f.reg.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, evicted)

	conn, err := f.reg.GetConnection(ctx, s.ID)
	require.NoError(t, err)
	assert.NotNil(t, conn)
}

func TestHealthCheck_SuccessStampsConnection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, _ := f.registerRunning(t)

	f.reg.CheckAll(ctx)

	conn, err := f.reg.GetConnection(ctx, s.ID)
	require.NoError(t, err)
	require.NotNil(t, conn.LastHealthCheck)
	assert.Equal(t, models.HealthStatusHealthy, conn.HealthStatus)
	assert.Equal(t, 0, f.reg.Failures(s.ID))
}

func TestHealthCheck_TerminalSessionUnregisteredWithoutProbe(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, _ := f.registerRunning(t)
	require.NoError(t, f.sessions.UpdateStatus(ctx, s.ID, models.SessionStatusStopped, ""))

	f.reg.CheckAll(ctx)

	conn, _ := f.reg.GetConnection(ctx, s.ID)
	assert.Nil(t, conn)
	assert.Equal(t, 0, f.tools.probes)
}

func TestHealthCheck_BackoffSkipsProbes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, _ := f.registerRunning(t)
	f.tools.healthErr = errors.New("connection refused")

	f.reg.CheckAll(ctx)
	assert.Equal(t, 1, f.tools.probes)

	// inside the 5s backoff window
	f.now = f.now.Add(3 * time.Second)
	f.reg.CheckAll(ctx)
	assert.Equal(t, 1, f.tools.probes)

	f.now = f.now.Add(3 * time.Second)
	f.reg.CheckAll(ctx)
	assert.Equal(t, 2, f.tools.probes)
	assert.Equal(t, 2, f.reg.Failures(s.ID))

	// second failure backs off for 60s
	f.now = f.now.Add(30 * time.Second)
	f.reg.CheckAll(ctx)
	assert.Equal(t, 2, f.tools.probes)
}

func TestHealthCheck_RunningContainerNotEvicted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, _ := f.registerRunning(t)
	f.tools.healthErr = errors.New("timeout")

	for i := 0; i < 4; i++ {
		f.reg.CheckAll(ctx)
		f.now = f.now.Add(61 * time.Second)
	}

	assert.GreaterOrEqual(t, f.reg.Failures(s.ID), 3)
	conn, err := f.reg.GetConnection(ctx, s.ID)
	require.NoError(t, err)
	require.NotNil(t, conn)
	assert.Equal(t, models.HealthStatusUnhealthy, conn.HealthStatus)

	row, err := f.sessions.GetByID(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusRunning, row.Status)
}

func TestHealthCheck_EvictsExitedContainer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, containerID := f.registerRunning(t)
	f.tools.healthErr = errors.New("connection refused")
	f.runtime.SetState(containerID, provisioner.StateExited)

	var evicted []string
	f.reg.SetEvictionHandler(func(ctx context.Context, sessionID string) error {
		evicted = append(evicted, sessionID)
		return f.sessions.UpdateStatus(ctx, sessionID, models.SessionStatusStopped, "")
	})

	conn, err := f.reg.GetConnection(ctx, s.ID)
	require.NoError(t, err)
	assert.ErrorIs(t, f.reg.checkOne(ctx, conn), ErrHealthCheckFailed)
	f.now = f.now.Add(61 * time.Second)
	assert.ErrorIs(t, f.reg.checkOne(ctx, conn), ErrHealthCheckFailed)
	f.now = f.now.Add(61 * time.Second)
	assert.ErrorIs(t, f.reg.checkOne(ctx, conn), ErrEvictionConfirmed)

	assert.Equal(t, []string{s.ID}, evicted)
	conn, _ = f.reg.GetConnection(ctx, s.ID)
	assert.Nil(t, conn)
	assert.Equal(t, 0, f.reg.Failures(s.ID))

	row, err := f.sessions.GetByID(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusStopped, row.Status)
}

func TestHealthCheck_EvictionFallsBackToMarkingStopped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, _ := f.registerRunning(t)
	f.tools.status = "unhealthy"
	f.runtime.InfoErr = errors.New("daemon unavailable")

	for i := 0; i < 3; i++ {
		f.reg.CheckAll(ctx)
		f.now = f.now.Add(61 * time.Second)
	}

	conn, _ := f.reg.GetConnection(ctx, s.ID)
	assert.Nil(t, conn)
	row, err := f.sessions.GetByID(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusStopped, row.Status)
}
