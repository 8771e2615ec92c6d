package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Joshua-Martin/sansa-dev-sub000/internal/models"
	"github.com/Joshua-Martin/sansa-dev-sub000/internal/repository"
)

// Start runs the health-check loop until ctx is cancelled.
func (r *Registry) Start(ctx context.Context) {
	r.logger.Info().Dur("interval", r.opts.HealthInterval).Msg("Starting health-check loop")
	go func() {
		ticker := time.NewTicker(r.opts.HealthInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.CheckAll(ctx)
			}
		}
	}()
}

// CheckAll probes every running connection that is not backing off.
func (r *Registry) CheckAll(ctx context.Context) {
	conns, err := r.store.List(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("Error listing connections for health check")
		return
	}

	limit := r.opts.HealthConcurrency
	if limit <= 0 {
		limit = 1
	}
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	for _, conn := range conns {
		if !conn.Valid() || conn.Status != models.ConnectionStatusRunning || r.inBackoff(conn.SessionID) {
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(c *models.ContainerConnection) {
			defer wg.Done()
			defer func() { <-sem }()
			_ = r.checkOne(ctx, c)
		}(conn)
	}
	wg.Wait()
}

// checkOne returns nil on a healthy probe, ErrHealthCheckFailed on a counted
// failure and ErrEvictionConfirmed when the entry was removed.
func (r *Registry) checkOne(ctx context.Context, conn *models.ContainerConnection) error {
	log := r.logger.With().Str("session_id", conn.SessionID).Str("container_id", conn.ContainerID).Logger()

	session, err := r.sessions.GetByID(ctx, conn.SessionID)
	switch {
	case errors.Is(err, repository.ErrNotFound) || (err == nil && models.IsTerminalStatus(session.Status)):
		log.Info().Msg("Session ended; dropping registry entry")
		if err := r.Unregister(ctx, conn.SessionID); err != nil {
			log.Error().Err(err).Msg("Failed to unregister ended session")
		}
		return nil
	case err != nil:
		log.Warn().Err(err).Msg("Could not load session; probing anyway")
	}

	health, probeErr := r.tools.Health(ctx, Endpoint(conn))
	if probeErr == nil && health.Healthy() {
		r.recordSuccess(ctx, conn.SessionID, health.Status)
		r.metrics.HealthCheck("healthy")
		return nil
	}
	if probeErr == nil {
		probeErr = fmt.Errorf("reported status %q", health.Status)
	}
	r.metrics.HealthCheck("unhealthy")

	failures := r.recordFailure(ctx, conn.SessionID)
	log.Warn().Err(probeErr).Int("failures", failures).Msg("Health check failed")
	if failures < r.opts.FailureThreshold {
		return fmt.Errorf("%w: %v", ErrHealthCheckFailed, probeErr)
	}

	info, err := r.runtime.GetContainerInfo(ctx, conn.ContainerID)
	if err == nil && info.Running {
		log.Warn().Int("failures", failures).Msg("Container still running; not evicting")
		return fmt.Errorf("%w: %v", ErrHealthCheckFailed, probeErr)
	}
	if err != nil {
		log.Warn().Err(err).Msg("Runtime lookup failed; assuming container is gone")
	}

	r.handleEviction(ctx, conn.SessionID)
	return ErrEvictionConfirmed
}

func (r *Registry) handleEviction(ctx context.Context, sessionID string) {
	log := r.logger.With().Str("session_id", sessionID).Logger()
	if err := r.Unregister(ctx, sessionID); err != nil {
		log.Error().Err(err).Msg("Failed to unregister evicted container")
	}
	r.metrics.Eviction()

	r.mu.Lock()
	handler := r.evict
	r.mu.Unlock()

	if handler != nil {
		err := handler(ctx, sessionID)
		if err == nil {
			log.Info().Msg("Evicted container and cleaned up session")
			return
		}
		log.Error().Err(err).Msg("Eviction cleanup failed; marking session stopped")
	}
	if err := r.sessions.UpdateStatus(ctx, sessionID, models.SessionStatusStopped, ""); err != nil {
		log.Error().Err(err).Msg("Failed to mark evicted session stopped")
	}
}

func (r *Registry) inBackoff(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.health[sessionID]
	return ok && r.now().Before(st.backoffUntil)
}

func (r *Registry) recordSuccess(ctx context.Context, sessionID, status string) {
	r.clearHealth(sessionID)
	now := r.now()
	err := r.store.Update(ctx, sessionID, func(c *models.ContainerConnection) {
		c.LastHealthCheck = &now
		c.HealthStatus = status
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		r.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to stamp health check")
	}
}

func (r *Registry) recordFailure(ctx context.Context, sessionID string) int {
	r.mu.Lock()
	st, ok := r.health[sessionID]
	if !ok {
		st = &healthState{}
		r.health[sessionID] = st
	}
	st.failures++
	backoff := r.opts.RepeatBackoff
	if st.failures == 1 {
		backoff = r.opts.FirstBackoff
	}
	st.backoffUntil = r.now().Add(backoff)
	failures := st.failures
	r.mu.Unlock()

	now := r.now()
	err := r.store.Update(ctx, sessionID, func(c *models.ContainerConnection) {
		c.LastHealthCheck = &now
		c.HealthStatus = models.HealthStatusUnhealthy
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		r.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to stamp health check")
	}
	return failures
}

// Failures returns the consecutive failure count for a session.
func (r *Registry) Failures(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.health[sessionID]; ok {
		return st.failures
	}
	return 0
}
