package cleanup

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

	"github.com/Joshua-Martin/sansa-dev-sub000/internal/activity"
	"github.com/Joshua-Martin/sansa-dev-sub000/internal/archive"
	"github.com/Joshua-Martin/sansa-dev-sub000/internal/clock"
	"github.com/Joshua-Martin/sansa-dev-sub000/internal/db"
	"github.com/Joshua-Martin/sansa-dev-sub000/internal/models"
	"github.com/Joshua-Martin/sansa-dev-sub000/internal/provisioner"
	"github.com/Joshua-Martin/sansa-dev-sub000/internal/provisioner/provisionertest"
	"github.com/Joshua-Martin/sansa-dev-sub000/internal/registry"
	"github.com/Joshua-Martin/sansa-dev-sub000/internal/repository"
	"github.com/Joshua-Martin/sansa-dev-sub000/internal/toolserver"
)

type healthyTools struct{}

func (healthyTools) Execute(ctx context.Context, ep toolserver.Endpoint, req toolserver.Request) (*toolserver.Response, error) {
	return &toolserver.Response{Success: true}, nil
}

func (healthyTools) Health(ctx context.Context, ep toolserver.Endpoint) (*toolserver.HealthResponse, error) {
	return &toolserver.HealthResponse{Status: "healthy"}, nil
}

type fixture struct {
	proc       *Processor
	sessions   *repository.SessionRepository
	workspaces *repository.WorkspaceRepository
	archives   *archive.Store
	runtime    *provisionertest.FakeRuntime
	registry   *registry.Registry
	activity   *activity.Manager
	clock      *clock.Manual
}

func newFixture(t *testing.T) *fixture {
	gormDB, err := db.OpenInMemory(uuid.NewString())
	require.NoError(t, err)

	f := &fixture{
		sessions:   repository.NewSessionRepository(gormDB),
		workspaces: repository.NewWorkspaceRepository(gormDB),
		archives:   archive.NewStore(gormDB, zerolog.Nop()),
		runtime:    provisionertest.NewFakeRuntime(),
		clock:      clock.NewManual(time.Now()),
	}
	f.registry = registry.New(registry.NewInMemoryStore(), f.sessions, f.runtime, healthyTools{}, nil,
		registry.DefaultOptions("localhost", time.Minute), zerolog.Nop())
	f.activity = activity.NewManager(f.sessions, activity.DefaultOptions(), f.clock, nil, zerolog.Nop())
	f.proc = NewProcessor(f.sessions, f.workspaces, f.archives, f.registry, f.runtime, nil, zerolog.Nop())
	f.proc.SetActivity(f.activity)
	f.activity.SetCleanup(f.proc.CleanupSession)
	f.registry.SetEvictionHandler(f.proc.HandleEviction)
	return f
}

// runningSession creates a workspace, a running container and a registered session row.
func (f *fixture) runningSession(t *testing.T) *models.WorkspaceSession {
	ctx := context.Background()
	ws := &models.Workspace{ID: uuid.NewString(), UserID: "user-1", Name: "demo"}
	require.NoError(t, f.workspaces.Create(ctx, ws))

	s := &models.WorkspaceSession{
		ID:             uuid.NewString(),
		UserID:         "user-1",
		WorkspaceID:    &ws.ID,
		ContainerName:  "session-test",
		Status:         models.SessionStatusRunning,
		IsReady:        true,
		Port:           4001,
		ToolServerPort: 5001,
		ActivityLevel:  models.ActivityLevelActive,
		LastActivityAt: f.clock.Now(),
	}
	cid, err := f.runtime.CreateContainer(ctx, provisioner.ContainerConfig{Name: s.ContainerName, SessionID: s.ID})
	require.NoError(t, err)
	require.NoError(t, f.runtime.StartContainer(ctx, cid))
	s.ContainerID = cid
	require.NoError(t, f.sessions.Create(ctx, s))
	require.NoError(t, f.registry.Register(ctx, s.ID, cid, s.ContainerName, s.ToolServerPort, s.Port))
	return s
}

func TestCleanup_ReclaimsEverything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.runningSession(t)

	require.NoError(t, f.proc.Cleanup(ctx, s, ReasonManual))

	assert.Equal(t, []string{s.ContainerID}, f.runtime.Stopped)
	assert.False(t, f.runtime.Exists(s.ContainerID))

	conn, err := f.registry.GetConnection(ctx, s.ID)
	require.NoError(t, err)
	assert.Nil(t, conn)

	got, err := f.sessions.GetByID(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusStopped, got.Status)
	assert.False(t, got.IsReady)
	assert.Empty(t, got.ContainerID)
	assert.Equal(t, models.ActivityLevelDisconnected, got.ActivityLevel)
	assert.Equal(t, 0, got.ActiveConnectionCount)
	reasons := got.ConnectionMetrics.Data().CleanupReasons
	require.Len(t, reasons, 1)
	assert.Equal(t, ReasonManual, reasons[0].Reason)
}

func TestCleanup_StopFailureStillRemoves(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.runningSession(t)
	f.runtime.StopErr = errors.New("stop timed out")

	require.NoError(t, f.proc.Cleanup(ctx, s, ReasonManual))
	assert.Equal(t, []string{s.ContainerID}, f.runtime.Removed)
	assert.False(t, f.runtime.Exists(s.ContainerID))
}

func TestCleanup_RemovalFailureIsPartial(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.runningSession(t)
	f.runtime.RemoveErr = errors.New("device busy")

	err := f.proc.Cleanup(ctx, s, ReasonManual)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCleanupPartialFailure)

	got, err := f.sessions.GetByID(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusStopped, got.Status)
	assert.Equal(t, s.ContainerID, got.ContainerID, "leaked container id is kept for follow-up")
}

func TestCleanup_MissingContainerCountsAsRemoved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.runningSession(t)
	require.NoError(t, f.runtime.RemoveContainer(ctx, s.ContainerID))

	require.NoError(t, f.proc.Cleanup(ctx, s, ReasonManual))
}

type blockingRuntime struct {
	*provisionertest.FakeRuntime
	entered chan struct{}
	release chan struct{}
}

func (b *blockingRuntime) StopContainer(ctx context.Context, id string) error {
	close(b.entered)
	<-b.release
	return b.FakeRuntime.StopContainer(ctx, id)
}

func TestCleanup_ConcurrentCallsCollapse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.runningSession(t)

	rt := &blockingRuntime{FakeRuntime: f.runtime, entered: make(chan struct{}), release: make(chan struct{})}
	f.proc.runtime = rt

	var wg sync.WaitGroup
	var firstErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		firstErr = f.proc.Cleanup(ctx, s, ReasonManual)
	}()

	<-rt.entered
	require.NoError(t, f.proc.Cleanup(ctx, s, ReasonDisconnected))
	close(rt.release)
	wg.Wait()

	require.NoError(t, firstErr)
	assert.Len(t, f.runtime.Removed, 1)

	got, err := f.sessions.GetByID(ctx, s.ID)
	require.NoError(t, err)
	assert.Len(t, got.ConnectionMetrics.Data().CleanupReasons, 1)
}

func TestCleanupSession_MissingRow(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.proc.CleanupSession(context.Background(), "missing", ReasonManual))
}

func TestHandleEviction_RecordsReason(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.runningSession(t)

	require.NoError(t, f.proc.HandleEviction(ctx, s.ID))

	got, err := f.sessions.GetByID(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusStopped, got.Status)
	assert.Equal(t, ReasonHealthCheckFailed, got.ConnectionMetrics.Data().CleanupReasons[0].Reason)
}

func TestCleanupOrphanedWorkspace(t *testing.T) {
	ctx := context.Background()

	newWorkspace := func(t *testing.T, f *fixture) (*models.Workspace, *models.WorkspaceSession) {
		ws := &models.Workspace{ID: uuid.NewString(), UserID: "user-1"}
		require.NoError(t, f.workspaces.Create(ctx, ws))
		failed := &models.WorkspaceSession{
			ID:          uuid.NewString(),
			UserID:      "user-1",
			WorkspaceID: &ws.ID,
			Status:      models.SessionStatusError,
		}
		require.NoError(t, f.sessions.Create(ctx, failed))
		return ws, failed
	}

	t.Run("never used workspace is deleted", func(t *testing.T) {
		f := newFixture(t)
		ws, failed := newWorkspace(t, f)

		deleted, err := f.proc.CleanupOrphanedWorkspace(ctx, "user-1", ws.ID, failed.ID)
		require.NoError(t, err)
		assert.True(t, deleted)
		_, err = f.workspaces.GetByID(ctx, ws.ID)
		assert.ErrorIs(t, err, repository.ErrNotFound)
	})

	t.Run("saved archive keeps workspace", func(t *testing.T) {
		f := newFixture(t)
		ws, failed := newWorkspace(t, f)
		require.NoError(t, f.archives.SaveArchive(ctx, "user-1", ws.ID, []byte("tree")))

		deleted, err := f.proc.CleanupOrphanedWorkspace(ctx, "user-1", ws.ID, failed.ID)
		require.NoError(t, err)
		assert.False(t, deleted)
	})

	t.Run("other live session keeps workspace", func(t *testing.T) {
		f := newFixture(t)
		ws, failed := newWorkspace(t, f)
		require.NoError(t, f.sessions.Create(ctx, &models.WorkspaceSession{
			ID: uuid.NewString(), UserID: "user-1", WorkspaceID: &ws.ID, Status: models.SessionStatusInitializing,
		}))

		deleted, err := f.proc.CleanupOrphanedWorkspace(ctx, "user-1", ws.ID, failed.ID)
		require.NoError(t, err)
		assert.False(t, deleted)
	})

	t.Run("previously ready session keeps workspace", func(t *testing.T) {
		f := newFixture(t)
		ws, failed := newWorkspace(t, f)
		readyAt := time.Now().Add(-time.Hour)
		require.NoError(t, f.sessions.Create(ctx, &models.WorkspaceSession{
			ID: uuid.NewString(), UserID: "user-1", WorkspaceID: &ws.ID, Status: models.SessionStatusStopped, ReadyAt: &readyAt,
		}))

		deleted, err := f.proc.CleanupOrphanedWorkspace(ctx, "user-1", ws.ID, failed.ID)
		require.NoError(t, err)
		assert.False(t, deleted)
	})
}

type stubActivity struct {
	keep map[string]bool
}

func (s *stubActivity) ShouldCleanupSession(ctx context.Context, sessionID string) bool {
	return !s.keep[sessionID]
}

func (s *stubActivity) ForceCleanup(ctx context.Context, sessionID string) error { return nil }

func TestProcessOrphanedSessionsCleanup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	stale := f.runningSession(t)
	kept := f.runningSession(t)
	fresh := f.runningSession(t)
	for _, s := range []*models.WorkspaceSession{stale, kept} {
		require.NoError(t, f.sessions.Updates(ctx, s.ID, map[string]interface{}{
			"activity_level":   models.ActivityLevelDisconnected,
			"last_activity_at": time.Now().Add(-31 * time.Minute),
		}))
	}
	require.NoError(t, f.sessions.Updates(ctx, fresh.ID, map[string]interface{}{
		"activity_level":   models.ActivityLevelDisconnected,
		"last_activity_at": time.Now().Add(-5 * time.Minute),
	}))
	f.proc.SetActivity(&stubActivity{keep: map[string]bool{kept.ID: true}})

	cleaned, err := f.proc.ProcessOrphanedSessionsCleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, cleaned)

	for id, want := range map[string]string{
		stale.ID: models.SessionStatusStopped,
		kept.ID:  models.SessionStatusRunning,
		fresh.ID: models.SessionStatusRunning,
	} {
		got, err := f.sessions.GetByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, got.Status, id)
	}
	assert.Equal(t, 0, NewSweeper(f.proc, time.Minute, zerolog.Nop()).RunOnce(ctx), "second pass finds nothing new")
}

func TestScenarioE_DisconnectTriggersCleanup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.runningSession(t)

	require.NoError(t, f.activity.RegisterConnection(ctx, s.ID, s.UserID, "conn-1"))
	require.NoError(t, f.activity.UnregisterConnection(ctx, s.ID, "conn-1"))

	f.clock.Advance(29 * time.Second)
	assert.True(t, f.runtime.Exists(s.ContainerID))

	f.clock.Advance(time.Second)

	assert.Contains(t, f.runtime.Stopped, s.ContainerID)
	assert.False(t, f.runtime.Exists(s.ContainerID))

	conn, err := f.registry.GetConnection(ctx, s.ID)
	require.NoError(t, err)
	assert.Nil(t, conn)

	got, err := f.sessions.GetByID(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusStopped, got.Status)
	reasons := got.ConnectionMetrics.Data().CleanupReasons
	require.Len(t, reasons, 1)
	assert.Equal(t, ReasonDisconnected, reasons[0].Reason)

	_, tracked := f.activity.Snapshot(s.ID)
	assert.False(t, tracked)
}
