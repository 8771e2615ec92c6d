package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"gorm.io/datatypes"

	"github.com/Joshua-Martin/sansa-dev-sub000/internal/activity"
	"github.com/Joshua-Martin/sansa-dev-sub000/internal/config"
	"github.com/Joshua-Martin/sansa-dev-sub000/internal/events"
	"github.com/Joshua-Martin/sansa-dev-sub000/internal/lock"
	"github.com/Joshua-Martin/sansa-dev-sub000/internal/metrics"
	"github.com/Joshua-Martin/sansa-dev-sub000/internal/models"
	"github.com/Joshua-Martin/sansa-dev-sub000/internal/provisioner"
	"github.com/Joshua-Martin/sansa-dev-sub000/internal/repository"
	"github.com/Joshua-Martin/sansa-dev-sub000/internal/toolserver"
)

const (
	reasonReplaced = "replaced-unhealthy"
	reasonStale    = "housekeeping"
	reasonManual   = "manual"

	lockWait        = 30 * time.Second
	portLockKey     = "lock:session-ports"
	rollbackTimeout = time.Minute
)

type SessionStore interface {
	Create(ctx context.Context, session *models.WorkspaceSession) error
	GetByIDForUser(ctx context.Context, sessionID, userID string) (*models.WorkspaceSession, error)
	FindActiveByUserAndWorkspace(ctx context.Context, userID, workspaceID string) (*models.WorkspaceSession, error)
	ListByUserAndWorkspace(ctx context.Context, userID, workspaceID string, statuses []string) ([]models.WorkspaceSession, error)
	ListByUserAndStatus(ctx context.Context, userID, status string) ([]models.WorkspaceSession, error)
	ListByUser(ctx context.Context, userID string) ([]models.WorkspaceSession, error)
	Updates(ctx context.Context, sessionID string, updates map[string]interface{}) error
	UpdatesIfStatus(ctx context.Context, sessionID string, statuses []string, updates map[string]interface{}) (bool, error)
}

type WorkspaceStore interface {
	Create(ctx context.Context, workspace *models.Workspace) error
	GetByIDForUser(ctx context.Context, workspaceID, userID string) (*models.Workspace, error)
	Delete(ctx context.Context, workspaceID string) error
}

type ArchiveStore interface {
	HasSavedArchive(ctx context.Context, userID, workspaceID string) (bool, error)
	SaveArchive(ctx context.Context, userID, workspaceID string, data []byte) error
	LoadArchive(ctx context.Context, userID, workspaceID string) ([]byte, error)
}

type PortAllocator interface {
	AllocateWithRetry(ctx context.Context, r config.PortRange, column string) (int, error)
}

type Registry interface {
	Register(ctx context.Context, sessionID, containerID, containerName string, toolServerPort, devServerPort int) error
	Unregister(ctx context.Context, sessionID string) error
	GetConnection(ctx context.Context, sessionID string) (*models.ContainerConnection, error)
	UpdateStatus(ctx context.Context, sessionID, status string)
}

type ActivityManager interface {
	RecordActivity(ctx context.Context, sessionID, eventType string) error
	ForceCleanup(ctx context.Context, sessionID string) error
	Snapshot(sessionID string) (activity.Snapshot, bool)
}

type CleanupProcessor interface {
	Cleanup(ctx context.Context, session *models.WorkspaceSession, reason string) error
	CleanupOrphanedWorkspace(ctx context.Context, userID, workspaceID, excludeSessionID string) (bool, error)
}

// Deps are the collaborators of SessionService. Locker, Events, Metrics,
// Templates and Readiness are optional.
type Deps struct {
	Sessions   SessionStore
	Workspaces WorkspaceStore
	Archives   ArchiveStore
	Ports      PortAllocator
	Runtime    provisioner.Runtime
	Registry   Registry
	Activity   ActivityManager
	Cleanup    CleanupProcessor
	Tools      ToolClient
	Templates  TemplateInjector
	Readiness  ReadinessChecker
	Locker     lock.Locker
	Events     *events.Broadcaster
	Metrics    *metrics.Collector
}

type Options struct {
	RuntimeHost         string
	DevPorts            config.PortRange
	ToolPorts           config.PortRange
	EstimatedReadyTime  time.Duration
	InitHealthAttempts  int
	InitHealthInterval  time.Duration
	ReadinessTimeout    time.Duration
	InitTimeout         time.Duration
	CreateRatePerMinute int
	Resources           models.SessionResources
	Environment         models.SessionEnvironment
	PreviewURLTemplate  string
	DefaultTemplateID   string
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		RuntimeHost:         cfg.RuntimeHost,
		DevPorts:            cfg.DevPortRange,
		ToolPorts:           cfg.ToolPortRange,
		EstimatedReadyTime:  cfg.EstimatedReadyTime,
		InitHealthAttempts:  cfg.InitHealthAttempts,
		InitHealthInterval:  cfg.InitHealthInterval,
		ReadinessTimeout:    cfg.ReadinessTimeout,
		InitTimeout:         cfg.InitTimeout,
		CreateRatePerMinute: cfg.CreateRatePerMinute,
		Resources: models.SessionResources{
			CPU:          cfg.DefaultCPU,
			MemoryMB:     cfg.DefaultMemoryMB,
			StorageMB:    cfg.DefaultStorageMB,
			BandwidthMbp: cfg.DefaultBandwidthMbps,
		},
		Environment: models.SessionEnvironment{
			NodeVersion: cfg.DefaultNodeVersion,
			MountPath:   cfg.DefaultMountPath,
		},
		PreviewURLTemplate: cfg.PreviewURLTemplate,
		DefaultTemplateID:  "default",
	}
}

// SessionService owns the session status state machine.
type SessionService struct {
	sessions   SessionStore
	workspaces WorkspaceStore
	archives   ArchiveStore
	ports      PortAllocator
	runtime    provisioner.Runtime
	registry   Registry
	activity   ActivityManager
	cleanup    CleanupProcessor
	tools      ToolClient
	templates  TemplateInjector
	readiness  ReadinessChecker
	locker     lock.Locker
	events     *events.Broadcaster
	metrics    *metrics.Collector
	opts       Options
	logger     zerolog.Logger
	now        func() time.Time

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter

	background sync.WaitGroup
}

func NewSessionService(deps Deps, opts Options, logger zerolog.Logger) *SessionService {
	s := &SessionService{
		sessions:   deps.Sessions,
		workspaces: deps.Workspaces,
		archives:   deps.Archives,
		ports:      deps.Ports,
		runtime:    deps.Runtime,
		registry:   deps.Registry,
		activity:   deps.Activity,
		cleanup:    deps.Cleanup,
		tools:      deps.Tools,
		templates:  deps.Templates,
		readiness:  deps.Readiness,
		locker:     deps.Locker,
		events:     deps.Events,
		metrics:    deps.Metrics,
		opts:       opts,
		logger:     logger.With().Str("component", "session-service").Logger(),
		now:        time.Now,
		limiters:   make(map[string]*rate.Limiter),
	}
	if s.locker == nil {
		s.locker = lock.NewLocalLocker()
	}
	if s.templates == nil {
		s.templates = NewTemplateInjector(deps.Tools)
	}
	if s.readiness == nil {
		s.readiness = NewDevServerReadiness(deps.Tools)
	}
	if s.opts.InitHealthAttempts <= 0 {
		s.opts.InitHealthAttempts = 15
	}
	if s.opts.InitHealthInterval <= 0 {
		s.opts.InitHealthInterval = 2 * time.Second
	}
	if s.opts.InitTimeout <= 0 {
		s.opts.InitTimeout = 5 * time.Minute
	}
	if s.opts.ReadinessTimeout <= 0 {
		s.opts.ReadinessTimeout = 30 * time.Second
	}
	return s
}

// CreateResult is returned by CreateSession.
type CreateResult struct {
	Session *models.WorkspaceSession `json:"session"`
	// EstimatedReadyTime is zero for a reused running session.
	EstimatedReadyTime time.Duration `json:"-"`
	EstimatedReadyMs   int64         `json:"estimatedReadyTimeMs"`
	Reused             bool          `json:"reused"`
	InProgress         bool          `json:"inProgress"`
}

func newCreateResult(session *models.WorkspaceSession, eta time.Duration, reused, inProgress bool) *CreateResult {
	if eta < 0 {
		eta = 0
	}
	return &CreateResult{
		Session:            session,
		EstimatedReadyTime: eta,
		EstimatedReadyMs:   eta.Milliseconds(),
		Reused:             reused,
		InProgress:         inProgress,
	}
}

// SessionStatus is the status DTO for one session.
type SessionStatus struct {
	Session          *models.WorkspaceSession    `json:"session"`
	Activity         *activity.Snapshot          `json:"activity,omitempty"`
	Connection       *models.ContainerConnection `json:"connection,omitempty"`
	EstimatedReadyMs int64                       `json:"estimatedReadyTimeMs"`
}

func (s *SessionService) allowCreate(userID string) bool {
	if s.opts.CreateRatePerMinute <= 0 {
		return true
	}
	s.limitersMu.Lock()
	defer s.limitersMu.Unlock()
	l, ok := s.limiters[userID]
	if !ok {
		l = rate.NewLimiter(rate.Every(time.Minute/time.Duration(s.opts.CreateRatePerMinute)), s.opts.CreateRatePerMinute)
		s.limiters[userID] = l
	}
	return l.Allow()
}

// CreateSession returns once the session row exists; container bring-up
// continues in the background. An existing healthy session for the same
// user and workspace is reused, and one still starting is returned as in progress.
func (s *SessionService) CreateSession(ctx context.Context, userID, workspaceID string) (result *CreateResult, err error) {
	if !ValidIdentifier(userID) {
		return nil, fmt.Errorf("%w: invalid user id", ErrValidation)
	}
	if workspaceID != "" && !ValidIdentifier(workspaceID) {
		return nil, fmt.Errorf("%w: invalid workspace id", ErrValidation)
	}
	if !s.allowCreate(userID) {
		s.metrics.SessionCreate("rate_limited")
		return nil, ErrRateLimited
	}

	freshWorkspace := false
	if workspaceID == "" {
		ws := &models.Workspace{
			ID:     uuid.NewString(),
			UserID: userID,
			Name:   "Untitled workspace",
		}
		if err := s.workspaces.Create(ctx, ws); err != nil {
			return nil, fmt.Errorf("failed to create workspace: %w", err)
		}
		workspaceID = ws.ID
		freshWorkspace = true
		defer func() {
			if result == nil {
				s.discardWorkspace(userID, workspaceID)
			}
		}()
	} else if _, err := s.workspaces.GetByIDForUser(ctx, workspaceID, userID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: workspace %s", ErrNotFound, workspaceID)
		}
		return nil, fmt.Errorf("failed to load workspace: %w", err)
	}

	log := s.logger.With().Str("user_id", userID).Str("workspace_id", workspaceID).Logger()

	lockCtx, cancel := context.WithTimeout(ctx, lockWait)
	defer cancel()
	unlock, err := s.locker.Acquire(lockCtx, lock.SessionCreateKey(userID, workspaceID))
	if err != nil {
		if errors.Is(err, lock.ErrLockTimeout) {
			return nil, ErrBusy
		}
		return nil, err
	}
	defer unlock()

	if !freshWorkspace {
		reused, err := s.reuseExisting(ctx, userID, workspaceID)
		if err != nil {
			return nil, err
		}
		if reused != nil {
			return reused, nil
		}
	}

	s.cleanupStoppedSessions(userID)

	session, err := s.insertSession(lockCtx, userID, workspaceID)
	if err != nil {
		return nil, err
	}

	log.Info().Str("session_id", session.ID).Int("port", session.Port).Int("tool_port", session.ToolServerPort).Msg("Session created; initializing")
	s.metrics.SessionCreate("created")
	s.publish(session, events.TypeStatus, "Creating workspace session")

	snapshot := *session
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		s.initialize(&snapshot)
	}()

	return newCreateResult(session, s.opts.EstimatedReadyTime, false, false), nil
}

// discardWorkspace deletes a workspace created for a session that was never inserted.
func (s *SessionService) discardWorkspace(userID, workspaceID string) {
	ctx, cancel := context.WithTimeout(context.Background(), rollbackTimeout)
	defer cancel()
	if err := s.workspaces.Delete(ctx, workspaceID); err != nil {
		s.logger.Warn().Err(err).Str("user_id", userID).Str("workspace_id", workspaceID).Msg("Failed to discard unused workspace")
		return
	}
	s.logger.Debug().Str("workspace_id", workspaceID).Msg("Discarded unused workspace")
}

// reuseExisting returns nil when a new session should be created.
func (s *SessionService) reuseExisting(ctx context.Context, userID, workspaceID string) (*CreateResult, error) {
	existing, err := s.sessions.FindActiveByUserAndWorkspace(ctx, userID, workspaceID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up active session: %w", err)
	}

	log := s.logger.With().Str("session_id", existing.ID).Str("status", existing.Status).Logger()

	if existing.Status != models.SessionStatusRunning {
		log.Info().Msg("Session already starting; returning it")
		s.metrics.SessionCreate("in_progress")
		eta := s.opts.EstimatedReadyTime - s.now().Sub(existing.CreatedAt)
		return newCreateResult(existing, eta, true, true), nil
	}

	healthErr := s.validateHealth(ctx, existing)
	if healthErr == nil {
		if err := s.activity.RecordActivity(ctx, existing.ID, activity.EventUserInteraction); err != nil {
			log.Warn().Err(err).Msg("Failed to promote activity on reuse")
		}
		log.Info().Msg("Reusing healthy session")
		s.metrics.SessionCreate("reused")
		return newCreateResult(existing, 0, true, false), nil
	}
	log.Warn().Err(healthErr).Msg("Existing session unhealthy; replacing it")

	stale, err := s.sessions.ListByUserAndWorkspace(ctx, userID, workspaceID, models.ActiveSessionStatuses)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	for i := range stale {
		if err := s.cleanup.Cleanup(ctx, &stale[i], reasonReplaced); err != nil {
			log.Warn().Err(err).Str("stale_session_id", stale[i].ID).Msg("Failed to clean up unhealthy session")
		}
	}
	return nil, nil
}

// validateHealth requires the runtime, the tool server and the readiness gate to agree.
func (s *SessionService) validateHealth(ctx context.Context, session *models.WorkspaceSession) error {
	if session.ContainerID == "" {
		return errors.New("no container")
	}
	info, err := s.runtime.GetContainerInfo(ctx, session.ContainerID)
	if err != nil {
		return fmt.Errorf("container lookup: %w", err)
	}
	if !info.Running {
		return fmt.Errorf("container is %s", info.State)
	}
	ep := s.endpoint(session)
	health, err := s.tools.Health(ctx, ep)
	if err != nil {
		return fmt.Errorf("tool server health: %w", err)
	}
	if !health.Healthy() {
		return fmt.Errorf("%w: status %q", toolserver.ErrUnhealthy, health.Status)
	}
	checkCtx, cancel := context.WithTimeout(ctx, s.opts.ReadinessTimeout)
	defer cancel()
	return s.readiness.Check(checkCtx, ep)
}

// cleanupStoppedSessions reclaims containers still attached to the user's
// stopped sessions. It runs detached.
func (s *SessionService) cleanupStoppedSessions(userID string) {
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), rollbackTimeout)
		defer cancel()

		stopped, err := s.sessions.ListByUserAndStatus(ctx, userID, models.SessionStatusStopped)
		if err != nil {
			s.logger.Warn().Err(err).Str("user_id", userID).Msg("Failed to list stopped sessions")
			return
		}
		for i := range stopped {
			if stopped[i].ContainerID == "" {
				continue
			}
			if err := s.cleanup.Cleanup(ctx, &stopped[i], reasonStale); err != nil {
				s.logger.Warn().Err(err).Str("session_id", stopped[i].ID).Msg("Housekeeping cleanup failed")
			}
		}
	}()
}

// insertSession allocates both host ports and inserts the row under a
// global lock, so two creations cannot pick the same free port.
func (s *SessionService) insertSession(ctx context.Context, userID, workspaceID string) (*models.WorkspaceSession, error) {
	unlock, err := s.locker.Acquire(ctx, portLockKey)
	if err != nil {
		if errors.Is(err, lock.ErrLockTimeout) {
			return nil, ErrBusy
		}
		return nil, err
	}
	defer unlock()

	devPort, err := s.ports.AllocateWithRetry(ctx, s.opts.DevPorts, repository.PortColumnDev)
	if err != nil {
		s.metrics.PortAllocationFailed(repository.PortColumnDev)
		return nil, fmt.Errorf("%w: dev port: %w", ErrPortExhausted, err)
	}
	toolPort, err := s.ports.AllocateWithRetry(ctx, s.opts.ToolPorts, repository.PortColumnTool)
	if err != nil {
		s.metrics.PortAllocationFailed(repository.PortColumnTool)
		return nil, fmt.Errorf("%w: tool port: %w", ErrPortExhausted, err)
	}

	id := uuid.NewString()
	now := s.now()
	ws := workspaceID
	session := &models.WorkspaceSession{
		ID:             id,
		UserID:         userID,
		WorkspaceID:    &ws,
		ContainerName:  "sansa-session-" + id[:8],
		Status:         models.SessionStatusCreating,
		Port:           devPort,
		ToolServerPort: toolPort,
		PreviewURL:     s.previewURL(devPort),
		Resources:      datatypes.NewJSONType(s.opts.Resources),
		Environment:    datatypes.NewJSONType(s.opts.Environment),
		ActivityLevel:  models.ActivityLevelActive,
		LastActivityAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to insert session: %w", err)
	}
	return session, nil
}

func (s *SessionService) previewURL(port int) string {
	tmpl := s.opts.PreviewURLTemplate
	if tmpl == "" {
		tmpl = "http://%s:%d"
	}
	return fmt.Sprintf(tmpl, s.opts.RuntimeHost, port)
}

func (s *SessionService) endpoint(session *models.WorkspaceSession) toolserver.Endpoint {
	return toolserver.Endpoint{Host: s.opts.RuntimeHost, Port: session.ToolServerPort}
}

func (s *SessionService) resolve(ctx context.Context, sessionID, userID string) (*models.WorkspaceSession, error) {
	if !ValidIdentifier(userID) || !ValidIdentifier(sessionID) {
		return nil, fmt.Errorf("%w: invalid identifier", ErrValidation)
	}
	session, err := s.sessions.GetByIDForUser(ctx, sessionID, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return session, nil
}

func (s *SessionService) GetSessionStatus(ctx context.Context, sessionID, userID string) (*SessionStatus, error) {
	session, err := s.resolve(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}

	status := &SessionStatus{Session: session}
	if snap, ok := s.activity.Snapshot(session.ID); ok {
		status.Activity = &snap
	}
	if conn, err := s.registry.GetConnection(ctx, session.ID); err == nil && conn != nil {
		status.Connection = conn
	}
	if session.Status == models.SessionStatusCreating || session.Status == models.SessionStatusInitializing {
		eta := s.opts.EstimatedReadyTime - s.now().Sub(session.CreatedAt)
		if eta > 0 {
			status.EstimatedReadyMs = eta.Milliseconds()
		}
	}
	return status, nil
}

func (s *SessionService) UpdateActivity(ctx context.Context, sessionID, userID, eventType string) error {
	session, err := s.resolve(ctx, sessionID, userID)
	if err != nil {
		return err
	}
	if eventType == "" {
		return fmt.Errorf("%w: event type is required", ErrValidation)
	}
	if models.IsTerminalStatus(session.Status) {
		return fmt.Errorf("%w: %s", ErrNotRunning, session.Status)
	}
	return s.activity.RecordActivity(ctx, session.ID, eventType)
}

func (s *SessionService) SaveSession(ctx context.Context, sessionID, userID string) (*SaveResult, error) {
	session, err := s.resolve(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	if session.Status != models.SessionStatusRunning {
		return nil, fmt.Errorf("%w: %s", ErrNotRunning, session.Status)
	}
	conn, err := s.registry.GetConnection(ctx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve container: %w", err)
	}
	if conn == nil || conn.Status != models.ConnectionStatusRunning {
		return nil, fmt.Errorf("%w: container not registered", ErrNotRunning)
	}

	result, err := s.saveWorkspace(ctx, session, toolserver.Endpoint{Host: conn.Host, Port: conn.ToolServerPort})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("session_id", session.ID).Int64("size", result.Size).Msg("Session saved")
	return result, nil
}

// DeleteSession saves a running session on a best-effort basis, then tears it down.
func (s *SessionService) DeleteSession(ctx context.Context, sessionID, userID string) error {
	session, err := s.resolve(ctx, sessionID, userID)
	if err != nil {
		return err
	}
	log := s.logger.With().Str("session_id", session.ID).Logger()

	if session.Status == models.SessionStatusRunning {
		if _, err := s.SaveSession(ctx, sessionID, userID); err != nil {
			log.Warn().Err(err).Msg("Save before delete failed; continuing")
		}
		if err := s.sessions.Updates(ctx, session.ID, map[string]interface{}{
			"status": models.SessionStatusStopping,
		}); err != nil {
			log.Warn().Err(err).Msg("Failed to mark session stopping")
		}
		s.publish(session, events.TypeStatus, "Stopping workspace session")
	}

	if err := s.activity.ForceCleanup(ctx, session.ID); err != nil {
		log.Warn().Err(err).Msg("Failed to clear activity")
	}
	if err := s.cleanup.Cleanup(ctx, session, reasonManual); err != nil {
		return err
	}
	log.Info().Msg("Session deleted")
	return nil
}

func (s *SessionService) ListUserSessions(ctx context.Context, userID string) ([]models.WorkspaceSession, error) {
	if !ValidIdentifier(userID) {
		return nil, fmt.Errorf("%w: invalid user id", ErrValidation)
	}
	return s.sessions.ListByUser(ctx, userID)
}

// Wait blocks until background initializations and housekeeping finish.
func (s *SessionService) Wait() {
	s.background.Wait()
}

func (s *SessionService) publish(session *models.WorkspaceSession, eventType, message string) {
	s.events.Broadcast(events.Event{
		Type:      eventType,
		SessionID: session.ID,
		UserID:    session.UserID,
		Status:    session.Status,
		Message:   message,
		Timestamp: s.now(),
	})
}
