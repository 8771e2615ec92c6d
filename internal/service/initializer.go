package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Joshua-Martin/sansa-dev-sub000/internal/events"
	"github.com/Joshua-Martin/sansa-dev-sub000/internal/models"
	"github.com/Joshua-Martin/sansa-dev-sub000/internal/provisioner"
)

const (
	stageCreate    = "create"
	stageStart     = "start"
	stageHealth    = "health"
	stageRegister  = "register"
	stageContent   = "content"
	stageReadiness = "readiness"
)

var errSessionTornDown = errors.New("session was torn down during initialization")

// initRun tracks how far one initialization got, for rollback.
type initRun struct {
	session     *models.WorkspaceSession
	containerID string
	registered  bool
	startedAt   time.Time
}

// initialize brings a freshly inserted session to running. Any failure rolls
// the session back to error and releases what was acquired.
func (s *SessionService) initialize(session *models.WorkspaceSession) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.InitTimeout)
	defer cancel()

	run := &initRun{session: session, startedAt: s.now()}
	log := s.logger.With().Str("session_id", session.ID).Logger()

	stage := stageCreate
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("stage", stage).Msg("Session initialization panicked")
			s.rollback(run, stage, fmt.Errorf("initialization panicked: %v", r))
		}
	}()

	fail := func(err error) {
		log.Error().Err(err).Str("stage", stage).Msg("Session initialization failed")
		s.rollback(run, stage, err)
	}

	if err := s.advance(ctx, session.ID, models.SessionStatusCreating, map[string]interface{}{
		"status": models.SessionStatusInitializing,
	}); err != nil {
		fail(fmt.Errorf("failed to mark session initializing: %w", err))
		return
	}
	session.Status = models.SessionStatusInitializing
	s.publish(session, events.TypeStatus, "Starting workspace container")

	containerID, err := s.runtime.CreateContainer(ctx, provisioner.ContainerConfig{
		Name:         session.ContainerName,
		SessionID:    session.ID,
		UserID:       session.UserID,
		WorkspaceID:  session.WorkspaceIDValue(),
		DevHostPort:  session.Port,
		ToolHostPort: session.ToolServerPort,
		Resources:    session.Resources.Data(),
		Environment:  session.Environment.Data(),
	})
	if err != nil {
		fail(fmt.Errorf("%w: %w", ErrContainerCreateFailed, err))
		return
	}
	run.containerID = containerID
	if err := s.advance(ctx, session.ID, models.SessionStatusInitializing, map[string]interface{}{"container_id": containerID}); err != nil {
		fail(fmt.Errorf("failed to record container id: %w", err))
		return
	}
	session.ContainerID = containerID

	stage = stageStart
	if err := s.runtime.StartContainer(ctx, containerID); err != nil {
		fail(fmt.Errorf("%w: %w", ErrContainerStartFailed, err))
		return
	}
	info, err := s.runtime.GetContainerInfo(ctx, containerID)
	if err != nil {
		fail(fmt.Errorf("%w: %w", ErrContainerStartFailed, err))
		return
	}
	if !info.Running {
		fail(fmt.Errorf("%w: container is %s", ErrContainerStartFailed, info.State))
		return
	}

	stage = stageHealth
	if err := s.waitForToolServer(ctx, session, containerID); err != nil {
		fail(err)
		return
	}

	stage = stageRegister
	if err := s.registry.Register(ctx, session.ID, containerID, session.ContainerName, session.ToolServerPort, session.Port); err != nil {
		fail(fmt.Errorf("failed to register container: %w", err))
		return
	}
	run.registered = true
	s.registry.UpdateStatus(ctx, session.ID, models.ConnectionStatusRunning)

	stage = stageContent
	ep := s.endpoint(session)
	if err := s.loadContent(ctx, session, ep); err != nil {
		fail(err)
		return
	}

	stage = stageReadiness
	if err := s.waitForReadiness(ctx, session); err != nil {
		fail(err)
		return
	}

	readyAt := s.now()
	if err := s.advance(ctx, session.ID, models.SessionStatusInitializing, map[string]interface{}{
		"status":   models.SessionStatusRunning,
		"is_ready": true,
		"ready_at": readyAt,
		"error":    "",
	}); err != nil {
		fail(fmt.Errorf("failed to mark session running: %w", err))
		return
	}
	session.Status = models.SessionStatusRunning
	session.IsReady = true
	session.ReadyAt = &readyAt

	elapsed := readyAt.Sub(run.startedAt)
	s.metrics.InitFinished("success", elapsed)
	s.publish(session, events.TypeReady, "Workspace session is ready")
	log.Info().Str("container_id", containerID).Dur("elapsed", elapsed).Msg("Session ready")
}

// advance writes updates only while the row is still in status from. A row
// that moved on was torn down by someone else and yields errSessionTornDown.
func (s *SessionService) advance(ctx context.Context, sessionID, from string, updates map[string]interface{}) error {
	ok, err := s.sessions.UpdatesIfStatus(ctx, sessionID, []string{from}, updates)
	if err != nil {
		return err
	}
	if !ok {
		return errSessionTornDown
	}
	return nil
}

// waitForToolServer polls the tool server health endpoint, giving up early
// when the container stops running.
func (s *SessionService) waitForToolServer(ctx context.Context, session *models.WorkspaceSession, containerID string) error {
	ep := s.endpoint(session)
	var lastErr error
	for attempt := 1; attempt <= s.opts.InitHealthAttempts; attempt++ {
		info, err := s.runtime.GetContainerInfo(ctx, containerID)
		if err != nil {
			return fmt.Errorf("container lookup during health wait: %w", err)
		}
		if !info.Running {
			return fmt.Errorf("container stopped during health wait: %s (exit code %d)", info.State, info.ExitCode)
		}

		health, err := s.tools.Health(ctx, ep)
		if err == nil && health.Healthy() {
			s.logger.Debug().Str("session_id", session.ID).Int("attempt", attempt).Msg("Tool server healthy")
			return nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("tool server status %q", health.Status)
		}

		if attempt < s.opts.InitHealthAttempts {
			if err := sleepCtx(ctx, s.opts.InitHealthInterval); err != nil {
				return fmt.Errorf("%w: %w", ErrReadinessTimeout, err)
			}
		}
	}
	return fmt.Errorf("%w: tool server not healthy after %d attempts: %w", ErrReadinessTimeout, s.opts.InitHealthAttempts, lastErr)
}

// waitForReadiness retries the readiness gate until it passes or
// ReadinessTimeout elapses.
func (s *SessionService) waitForReadiness(ctx context.Context, session *models.WorkspaceSession) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.ReadinessTimeout)
	defer cancel()

	ep := s.endpoint(session)
	for {
		err := s.readiness.Check(ctx, ep)
		if err == nil {
			return nil
		}
		if sleepErr := sleepCtx(ctx, s.opts.InitHealthInterval); sleepErr != nil {
			return fmt.Errorf("%w: %w", ErrReadinessTimeout, err)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// rollback releases everything a failed initialization acquired and leaves
// the row in error, unless the row already went terminal elsewhere. A
// workspace that never had a ready session and has no archive is deleted
// with it.
func (s *SessionService) rollback(run *initRun, stage string, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), rollbackTimeout)
	defer cancel()

	session := run.session
	log := s.logger.With().Str("session_id", session.ID).Str("stage", stage).Logger()

	if run.registered {
		if err := s.registry.Unregister(ctx, session.ID); err != nil {
			log.Warn().Err(err).Msg("Rollback: failed to unregister container")
		}
	}

	removed := false
	if run.containerID != "" {
		if err := s.runtime.StopContainer(ctx, run.containerID); err != nil && !errors.Is(err, provisioner.ErrContainerNotFound) {
			log.Warn().Err(err).Msg("Rollback: failed to stop container")
		}
		err := s.runtime.RemoveContainer(ctx, run.containerID)
		switch {
		case err == nil, errors.Is(err, provisioner.ErrContainerNotFound):
			removed = true
		default:
			log.Error().Err(err).Str("container_id", run.containerID).Msg("Rollback: failed to remove container")
		}
	}

	tornDown := errors.Is(cause, errSessionTornDown)
	message := SanitizeError(cause)
	updates := map[string]interface{}{
		"status":   models.SessionStatusError,
		"is_ready": false,
		"error":    message,
	}
	if removed {
		updates["container_id"] = ""
	}
	marked, err := s.sessions.UpdatesIfStatus(ctx, session.ID, []string{
		models.SessionStatusCreating,
		models.SessionStatusInitializing,
	}, updates)
	switch {
	case err != nil:
		log.Error().Err(err).Msg("Rollback: failed to mark session error")
	case !marked:
		tornDown = true
		log.Info().Msg("Rollback: session already torn down; status left as is")
	default:
		session.Status = models.SessionStatusError
	}

	if workspaceID := session.WorkspaceIDValue(); workspaceID != "" {
		deleted, err := s.cleanup.CleanupOrphanedWorkspace(ctx, session.UserID, workspaceID, session.ID)
		if err != nil {
			log.Warn().Err(err).Msg("Rollback: orphaned workspace check failed")
		} else if deleted {
			log.Info().Str("workspace_id", workspaceID).Msg("Rollback: removed orphaned workspace")
		}
	}

	if err := s.activity.ForceCleanup(ctx, session.ID); err != nil {
		log.Warn().Err(err).Msg("Rollback: failed to clear activity")
	}

	if tornDown {
		s.metrics.InitFinished("cancelled", s.now().Sub(run.startedAt))
		return
	}
	s.metrics.InitFailed(stage)
	s.metrics.InitFinished("failure", s.now().Sub(run.startedAt))
	s.publish(session, events.TypeError, message)
}
