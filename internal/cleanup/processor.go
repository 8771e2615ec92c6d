// Package cleanup reclaims session resources: registry entry, container and
// activity state, and sweeps sessions whose in-memory timers were lost.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Joshua-Martin/sansa-dev-sub000/internal/events"
	"github.com/Joshua-Martin/sansa-dev-sub000/internal/metrics"
	"github.com/Joshua-Martin/sansa-dev-sub000/internal/models"
	"github.com/Joshua-Martin/sansa-dev-sub000/internal/provisioner"
	"github.com/Joshua-Martin/sansa-dev-sub000/internal/repository"
)

var ErrCleanupPartialFailure = errors.New("cleanup partially failed")

const (
	ReasonDisconnected      = "disconnected"
	ReasonBackgroundTimeout = "background-timeout"
	ReasonHealthCheckFailed = "health-check-failed"
	ReasonOrphaned          = "orphaned"
	ReasonManual            = "manual"
	ReasonHousekeeping      = "housekeeping"
)

const defaultStaleAfter = 30 * time.Minute

type SessionStore interface {
	GetByID(ctx context.Context, sessionID string) (*models.WorkspaceSession, error)
	Updates(ctx context.Context, sessionID string, updates map[string]interface{}) error
	UpdateConnectionMetrics(ctx context.Context, sessionID string, fn func(*models.ConnectionMetrics)) error
	FindStaleDisconnected(ctx context.Context, cutoff time.Time, statuses []string) ([]models.WorkspaceSession, error)
	CountActiveForWorkspace(ctx context.Context, workspaceID, excludeID string) (int64, error)
	CountEverReadyForWorkspace(ctx context.Context, workspaceID string) (int64, error)
}

type WorkspaceStore interface {
	Delete(ctx context.Context, workspaceID string) error
}

type ArchiveStore interface {
	HasSavedArchive(ctx context.Context, userID, workspaceID string) (bool, error)
	DeleteArchive(ctx context.Context, userID, workspaceID string) error
}

type Registry interface {
	Unregister(ctx context.Context, sessionID string) error
}

type Activity interface {
	ShouldCleanupSession(ctx context.Context, sessionID string) bool
	ForceCleanup(ctx context.Context, sessionID string) error
}

type Processor struct {
	sessions   SessionStore
	workspaces WorkspaceStore
	archives   ArchiveStore
	registry   Registry
	runtime    provisioner.Runtime
	activity   Activity
	events     *events.Broadcaster
	metrics    *metrics.Collector
	logger     zerolog.Logger

	staleAfter time.Duration
	now        func() time.Time

	mu       sync.Mutex
	inFlight map[string]struct{}
}

func NewProcessor(
	sessions SessionStore,
	workspaces WorkspaceStore,
	archives ArchiveStore,
	registry Registry,
	runtime provisioner.Runtime,
	m *metrics.Collector,
	logger zerolog.Logger,
) *Processor {
	return &Processor{
		sessions:   sessions,
		workspaces: workspaces,
		archives:   archives,
		registry:   registry,
		runtime:    runtime,
		metrics:    m,
		logger:     logger.With().Str("component", "cleanup-processor").Logger(),
		staleAfter: defaultStaleAfter,
		now:        time.Now,
		inFlight:   make(map[string]struct{}),
	}
}

// SetActivity breaks the construction cycle with the activity manager.
func (p *Processor) SetActivity(a Activity) {
	p.activity = a
}

func (p *Processor) SetEvents(b *events.Broadcaster) {
	p.events = b
}

func (p *Processor) SetStaleAfter(d time.Duration) {
	if d > 0 {
		p.staleAfter = d
	}
}

func (p *Processor) begin(sessionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.inFlight[sessionID]; busy {
		return false
	}
	p.inFlight[sessionID] = struct{}{}
	return true
}

func (p *Processor) end(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inFlight, sessionID)
}

// Cleanup tears down a session's resources and marks the row stopped. A
// concurrent call for a session already being cleaned up returns nil at once.
// Only container removal failure is reported, as ErrCleanupPartialFailure.
func (p *Processor) Cleanup(ctx context.Context, session *models.WorkspaceSession, reason string) error {
	if !p.begin(session.ID) {
		p.logger.Debug().Str("session_id", session.ID).Str("reason", reason).Msg("Cleanup already in progress")
		return nil
	}
	defer p.end(session.ID)

	log := p.logger.With().Str("session_id", session.ID).Str("reason", reason).Logger()
	log.Info().Str("container_id", session.ContainerID).Msg("Cleaning up session")

	if err := p.registry.Unregister(ctx, session.ID); err != nil {
		log.Warn().Err(err).Msg("Failed to unregister container")
	}

	var removeErr error
	removed := false
	if session.ContainerID != "" {
		if err := p.runtime.StopContainer(ctx, session.ContainerID); err != nil && !errors.Is(err, provisioner.ErrContainerNotFound) {
			log.Warn().Err(err).Msg("Failed to stop container; removing anyway")
		}
		err := p.runtime.RemoveContainer(ctx, session.ContainerID)
		switch {
		case err == nil, errors.Is(err, provisioner.ErrContainerNotFound):
			removed = true
		default:
			removeErr = err
			log.Error().Err(err).Str("container_id", session.ContainerID).Msg("Failed to remove container")
		}
	}

	now := p.now()
	updates := map[string]interface{}{
		"status":                  models.SessionStatusStopped,
		"is_ready":                false,
		"activity_level":          models.ActivityLevelDisconnected,
		"active_connection_count": 0,
		"grace_period_ends_at":    nil,
	}
	if removed {
		updates["container_id"] = ""
	}
	var persistErr error
	if err := p.sessions.Updates(ctx, session.ID, updates); err != nil {
		persistErr = fmt.Errorf("failed to mark session %s stopped: %w", session.ID, err)
		log.Error().Err(err).Msg("Failed to persist cleanup")
	}
	if err := p.sessions.UpdateConnectionMetrics(ctx, session.ID, func(m *models.ConnectionMetrics) {
		m.AppendCleanup(reason, now)
	}); err != nil && !errors.Is(err, repository.ErrNotFound) {
		log.Warn().Err(err).Msg("Failed to record cleanup reason")
	}

	if p.activity != nil {
		if err := p.activity.ForceCleanup(ctx, session.ID); err != nil {
			log.Warn().Err(err).Msg("Failed to clear activity state")
		}
	}

	var result error
	if removeErr != nil {
		result = fmt.Errorf("%w: remove container %s: %w", ErrCleanupPartialFailure, session.ContainerID, removeErr)
	}
	result = errors.Join(result, persistErr)

	p.metrics.Cleanup(reason, result)
	p.events.Broadcast(events.Event{
		Type:      events.TypeCleanup,
		SessionID: session.ID,
		UserID:    session.UserID,
		Status:    models.SessionStatusStopped,
		Message:   reason,
	})

	if result == nil {
		log.Info().Msg("Session cleaned up")
	}
	return result
}

// CleanupSession resolves the row first. A missing row still has its
// registry and activity state cleared.
func (p *Processor) CleanupSession(ctx context.Context, sessionID, reason string) error {
	session, err := p.sessions.GetByID(ctx, sessionID)
	if errors.Is(err, repository.ErrNotFound) {
		p.logger.Warn().Str("session_id", sessionID).Str("reason", reason).Msg("Session row missing; clearing in-memory state only")
		if err := p.registry.Unregister(ctx, sessionID); err != nil {
			p.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to unregister container")
		}
		if p.activity != nil {
			_ = p.activity.ForceCleanup(ctx, sessionID)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	return p.Cleanup(ctx, session, reason)
}

// HandleEviction is the registry's eviction handler.
func (p *Processor) HandleEviction(ctx context.Context, sessionID string) error {
	return p.CleanupSession(ctx, sessionID, ReasonHealthCheckFailed)
}

// CleanupOrphanedWorkspace deletes a workspace that never held any work: no
// saved archive, no other live session and no session that ever became ready.
func (p *Processor) CleanupOrphanedWorkspace(ctx context.Context, userID, workspaceID, excludeSessionID string) (bool, error) {
	if workspaceID == "" {
		return false, nil
	}
	log := p.logger.With().Str("workspace_id", workspaceID).Str("user_id", userID).Logger()

	hasArchive, err := p.archives.HasSavedArchive(ctx, userID, workspaceID)
	if err != nil {
		return false, fmt.Errorf("failed to check archive: %w", err)
	}
	if hasArchive {
		return false, nil
	}

	active, err := p.sessions.CountActiveForWorkspace(ctx, workspaceID, excludeSessionID)
	if err != nil {
		return false, fmt.Errorf("failed to count active sessions: %w", err)
	}
	if active > 0 {
		return false, nil
	}

	everReady, err := p.sessions.CountEverReadyForWorkspace(ctx, workspaceID)
	if err != nil {
		return false, fmt.Errorf("failed to count completed sessions: %w", err)
	}
	if everReady > 0 {
		return false, nil
	}

	if err := p.archives.DeleteArchive(ctx, userID, workspaceID); err != nil {
		log.Warn().Err(err).Msg("Failed to delete partial workspace storage")
	}
	if err := p.workspaces.Delete(ctx, workspaceID); err != nil {
		return false, fmt.Errorf("failed to delete orphaned workspace %s: %w", workspaceID, err)
	}
	log.Info().Msg("Deleted orphaned workspace")
	return true, nil
}

// ProcessOrphanedSessionsCleanup cleans up sessions left disconnected past the
// stale threshold that still claim to be running or errored. Each candidate is
// re-validated with the activity manager first.
func (p *Processor) ProcessOrphanedSessionsCleanup(ctx context.Context) (int, error) {
	cutoff := p.now().Add(-p.staleAfter)
	stale, err := p.sessions.FindStaleDisconnected(ctx, cutoff, []string{
		models.SessionStatusRunning,
		models.SessionStatusError,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to find stale sessions: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	p.logger.Info().Int("candidates", len(stale)).Msg("Sweeping orphaned sessions")

	cleaned := 0
	var errs []error
	for i := range stale {
		session := &stale[i]
		if p.activity != nil && !p.activity.ShouldCleanupSession(ctx, session.ID) {
			continue
		}
		if err := p.Cleanup(ctx, session, ReasonOrphaned); err != nil {
			errs = append(errs, err)
			continue
		}
		cleaned++
	}
	return cleaned, errors.Join(errs...)
}
