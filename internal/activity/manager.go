package activity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Joshua-Martin/sansa-dev-sub000/internal/clock"
	"github.com/Joshua-Martin/sansa-dev-sub000/internal/metrics"
	"github.com/Joshua-Martin/sansa-dev-sub000/internal/models"
	"github.com/Joshua-Martin/sansa-dev-sub000/internal/repository"
)

var ErrUnknownConnection = errors.New("unknown connection")

// Cleanup reasons raised by the activity manager.
const (
	ReasonDisconnected      = "disconnected"
	ReasonBackgroundTimeout = "background-timeout"
)

// Event types sent by clients.
const (
	EventFileChange      = "file-change"
	EventBuildRequest    = "build-request"
	EventUserInteraction = "user-interaction"
	EventFileActivity    = "file-activity"
	EventNavigation      = "navigation"
	EventFocusChange     = "focus-change"
	EventPing            = "ping"
)

const (
	QualityStable   = "stable"
	QualityUnstable = "unstable"
	QualityPoor     = "poor"

	unstableAfter   = 5 * time.Second
	poorAfter       = 10 * time.Second
	callbackTimeout = 2 * time.Minute
)

// SessionStore is the persistence the manager writes activity fields through.
type SessionStore interface {
	GetByID(ctx context.Context, sessionID string) (*models.WorkspaceSession, error)
	Updates(ctx context.Context, sessionID string, updates map[string]interface{}) error
	UpdateConnectionMetrics(ctx context.Context, sessionID string, fn func(*models.ConnectionMetrics)) error
}

// CleanupFunc reclaims a session's resources.
type CleanupFunc func(ctx context.Context, sessionID, reason string) error

type Options struct {
	GracePeriod         time.Duration
	ActiveToIdle        time.Duration
	IdleToBackground    time.Duration
	BackgroundToCleanup time.Duration
}

func DefaultOptions() Options {
	return Options{
		GracePeriod:         30 * time.Second,
		ActiveToIdle:        2 * time.Minute,
		IdleToBackground:    8 * time.Minute,
		BackgroundToCleanup: 20 * time.Minute,
	}
}

// ConnectionState tracks one live client transport connection.
type ConnectionState struct {
	SessionID         string    `json:"sessionId"`
	UserID            string    `json:"userId"`
	ConnectionID      string    `json:"connectionId"`
	ConnectedAt       time.Time `json:"connectedAt"`
	LastPingAt        time.Time `json:"lastPingAt"`
	LastActivityAt    time.Time `json:"lastActivityAt"`
	ActivityLevel     string    `json:"activityLevel"`
	ConnectionQuality string    `json:"connectionQuality"`
}

// Snapshot is a point-in-time view of a session's activity.
type Snapshot struct {
	ActivityLevel     string            `json:"activityLevel"`
	ConnectionCount   int               `json:"connectionCount"`
	LastActivityAt    time.Time         `json:"lastActivityAt"`
	GracePeriodEndsAt *time.Time        `json:"gracePeriodEndsAt,omitempty"`
	Connections       []ConnectionState `json:"connections"`
}

type sessionState struct {
	conns          map[string]*ConnectionState
	level          string
	lastActivityAt time.Time
	graceEndsAt    *time.Time
}

// Manager tracks live client connections per session and drives the
// active -> idle -> background -> cleanup cascade. State is process-local.
type Manager struct {
	store   SessionStore
	opts    Options
	clock   clock.Clock
	timers  *timerTable
	metrics *metrics.Collector
	logger  zerolog.Logger

	// transitions serializes level changes with their timer arming and the
	// persisted activity fields. It is taken before mu.
	transitions sync.Mutex

	mu       sync.Mutex
	sessions map[string]*sessionState
	cleanup  CleanupFunc
}

func NewManager(store SessionStore, opts Options, c clock.Clock, m *metrics.Collector, logger zerolog.Logger) *Manager {
	if c == nil {
		c = clock.Real()
	}
	mgr := &Manager{
		store:    store,
		opts:     opts,
		clock:    c,
		metrics:  m,
		logger:   logger.With().Str("component", "activity-manager").Logger(),
		sessions: make(map[string]*sessionState),
	}
	mgr.timers = newTimerTable(c, &mgr.transitions)
	return mgr
}

// SetCleanup wires the cleanup processor after construction.
func (m *Manager) SetCleanup(fn CleanupFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanup = fn
}

// ClassifyEvent maps a client event type to an activity level.
func ClassifyEvent(eventType string) string {
	switch eventType {
	case EventFileChange, EventBuildRequest, EventUserInteraction, EventFileActivity:
		return models.ActivityLevelActive
	case EventNavigation, EventFocusChange:
		return models.ActivityLevelIdle
	default:
		return models.ActivityLevelBackground
	}
}

// ClassifyQuality grades a connection by the gap since its previous ping.
func ClassifyQuality(staleness time.Duration) string {
	switch {
	case staleness > poorAfter:
		return QualityPoor
	case staleness > unstableAfter:
		return QualityUnstable
	default:
		return QualityStable
	}
}

func (m *Manager) stateLocked(sessionID string) *sessionState {
	st, ok := m.sessions[sessionID]
	if !ok {
		st = &sessionState{conns: make(map[string]*ConnectionState)}
		m.sessions[sessionID] = st
	}
	return st
}

func (m *Manager) RegisterConnection(ctx context.Context, sessionID, userID, connectionID string) error {
	m.transitions.Lock()
	defer m.transitions.Unlock()
	now := m.clock.Now()

	m.mu.Lock()
	st := m.stateLocked(sessionID)
	st.conns[connectionID] = &ConnectionState{
		SessionID:         sessionID,
		UserID:            userID,
		ConnectionID:      connectionID,
		ConnectedAt:       now,
		LastPingAt:        now,
		LastActivityAt:    now,
		ActivityLevel:     models.ActivityLevelActive,
		ConnectionQuality: QualityStable,
	}
	st.level = models.ActivityLevelActive
	st.lastActivityAt = now
	st.graceEndsAt = nil
	count := len(st.conns)
	m.mu.Unlock()

	m.timers.cancelAll(sessionID)
	m.armDowngrade(sessionID, models.ActivityLevelActive)
	m.metrics.ConnectionOpened()

	m.logger.Debug().Str("session_id", sessionID).Str("connection_id", connectionID).Int("connections", count).Msg("Connection registered")
	return m.persist(ctx, sessionID, map[string]interface{}{
		"activity_level":          models.ActivityLevelActive,
		"active_connection_count": count,
		"last_activity_at":        now,
		"grace_period_ends_at":    nil,
	})
}

func (m *Manager) UnregisterConnection(ctx context.Context, sessionID, connectionID string) error {
	m.transitions.Lock()
	defer m.transitions.Unlock()
	now := m.clock.Now()

	m.mu.Lock()
	st, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	if _, ok := st.conns[connectionID]; !ok {
		m.mu.Unlock()
		return nil
	}
	delete(st.conns, connectionID)
	remaining := len(st.conns)
	var graceEnds time.Time
	if remaining == 0 {
		graceEnds = now.Add(m.opts.GracePeriod)
		st.graceEndsAt = &graceEnds
		st.level = models.ActivityLevelDisconnected
	} else {
		st.level = aggregateLevel(st.conns)
	}
	level := st.level
	m.mu.Unlock()

	m.metrics.ConnectionClosed()

	if remaining > 0 {
		return m.persist(ctx, sessionID, map[string]interface{}{
			"activity_level":          level,
			"active_connection_count": remaining,
		})
	}

	m.timers.cancel(sessionID, timerDowngrade)
	m.timers.schedule(sessionID, timerGrace, m.opts.GracePeriod, func() func() {
		return m.onGraceExpired(sessionID)
	})
	m.logger.Info().Str("session_id", sessionID).Time("grace_ends_at", graceEnds).Msg("Last connection closed; grace period started")

	return m.persist(ctx, sessionID, map[string]interface{}{
		"activity_level":          models.ActivityLevelDisconnected,
		"active_connection_count": 0,
		"grace_period_ends_at":    graceEnds,
	})
}

// RecordActivity reclassifies the session from an event and restarts the
// downgrade cascade from the resulting level.
func (m *Manager) RecordActivity(ctx context.Context, sessionID, eventType string) error {
	level := ClassifyEvent(eventType)

	m.transitions.Lock()
	defer m.transitions.Unlock()
	now := m.clock.Now()

	m.mu.Lock()
	st := m.stateLocked(sessionID)
	for _, c := range st.conns {
		c.ActivityLevel = level
		c.LastActivityAt = now
	}
	st.level = level
	st.lastActivityAt = now
	m.mu.Unlock()

	m.armDowngrade(sessionID, level)
	m.metrics.ActivityTransition(level)

	return m.persist(ctx, sessionID, map[string]interface{}{
		"activity_level":   level,
		"last_activity_at": now,
	})
}

// RecordPing stamps a heartbeat and returns the connection's quality.
func (m *Manager) RecordPing(ctx context.Context, sessionID, connectionID string) (string, error) {
	now := m.clock.Now()

	m.mu.Lock()
	st, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %s/%s", ErrUnknownConnection, sessionID, connectionID)
	}
	c, ok := st.conns[connectionID]
	if !ok {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %s/%s", ErrUnknownConnection, sessionID, connectionID)
	}
	staleness := now.Sub(c.LastPingAt)
	quality := ClassifyQuality(staleness)
	c.LastPingAt = now
	c.ConnectionQuality = quality
	m.mu.Unlock()

	sample := models.QualitySample{
		ConnectionID: connectionID,
		Quality:      quality,
		Staleness:    staleness.Milliseconds(),
		RecordedAt:   now,
	}
	err := m.store.UpdateConnectionMetrics(ctx, sessionID, func(cm *models.ConnectionMetrics) {
		cm.AppendQuality(sample)
	})
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		m.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to record connection quality")
	}
	return quality, nil
}

// ShouldCleanupSession falls back to the persisted row when this process
// holds no state for the session, e.g. after a restart.
func (m *Manager) ShouldCleanupSession(ctx context.Context, sessionID string) bool {
	now := m.clock.Now()

	var (
		level       string
		lastActive  time.Time
		graceEndsAt *time.Time
	)

	m.mu.Lock()
	st, ok := m.sessions[sessionID]
	if ok {
		if len(st.conns) > 0 {
			m.mu.Unlock()
			return false
		}
		level, lastActive, graceEndsAt = st.level, st.lastActivityAt, st.graceEndsAt
	}
	m.mu.Unlock()

	if !ok {
		row, err := m.store.GetByID(ctx, sessionID)
		if errors.Is(err, repository.ErrNotFound) {
			return true
		}
		if err != nil {
			m.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Cannot evaluate cleanup; keeping session")
			return false
		}
		level, lastActive, graceEndsAt = row.ActivityLevel, row.LastActivityAt, row.GracePeriodEndsAt
	}

	if graceEndsAt != nil && now.Before(*graceEndsAt) {
		return false
	}

	elapsed := now.Sub(lastActive)
	switch level {
	case models.ActivityLevelBackground:
		return elapsed > m.backgroundThreshold()
	case models.ActivityLevelIdle:
		return elapsed > m.idleThreshold()
	case models.ActivityLevelDisconnected:
		return true
	default:
		return false
	}
}

// ForceCleanup drops every connection and timer for the session.
func (m *Manager) ForceCleanup(ctx context.Context, sessionID string) error {
	m.transitions.Lock()
	defer m.transitions.Unlock()
	m.timers.cancelAll(sessionID)

	m.mu.Lock()
	dropped := 0
	if st, ok := m.sessions[sessionID]; ok {
		dropped = len(st.conns)
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()

	for i := 0; i < dropped; i++ {
		m.metrics.ConnectionClosed()
	}

	return m.persist(ctx, sessionID, map[string]interface{}{
		"activity_level":          models.ActivityLevelDisconnected,
		"active_connection_count": 0,
		"grace_period_ends_at":    nil,
	})
}

func (m *Manager) Snapshot(sessionID string) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.sessions[sessionID]
	if !ok {
		return Snapshot{}, false
	}
	snap := Snapshot{
		ActivityLevel:   st.level,
		ConnectionCount: len(st.conns),
		LastActivityAt:  st.lastActivityAt,
		Connections:     make([]ConnectionState, 0, len(st.conns)),
	}
	if st.graceEndsAt != nil {
		g := *st.graceEndsAt
		snap.GracePeriodEndsAt = &g
	}
	for _, c := range st.conns {
		snap.Connections = append(snap.Connections, *c)
	}
	return snap, true
}

func (m *Manager) idleThreshold() time.Duration {
	return m.opts.ActiveToIdle + m.opts.IdleToBackground
}

func (m *Manager) backgroundThreshold() time.Duration {
	return m.opts.ActiveToIdle + m.opts.IdleToBackground + m.opts.BackgroundToCleanup
}

// armDowngrade schedules the next step of the cascade for a session at
// level. Callers hold transitions.
func (m *Manager) armDowngrade(sessionID, level string) {
	switch level {
	case models.ActivityLevelActive:
		m.timers.schedule(sessionID, timerDowngrade, m.opts.ActiveToIdle, func() func() {
			m.onDowngrade(sessionID, models.ActivityLevelActive, models.ActivityLevelIdle)
			return nil
		})
	case models.ActivityLevelIdle:
		m.timers.schedule(sessionID, timerDowngrade, m.opts.IdleToBackground, func() func() {
			m.onDowngrade(sessionID, models.ActivityLevelIdle, models.ActivityLevelBackground)
			return nil
		})
	case models.ActivityLevelBackground:
		m.timers.schedule(sessionID, timerDowngrade, m.opts.BackgroundToCleanup, func() func() {
			return m.onBackgroundTimeout(sessionID)
		})
	default:
		m.timers.cancel(sessionID, timerDowngrade)
	}
}

func (m *Manager) onDowngrade(sessionID, from, to string) {
	m.mu.Lock()
	st, ok := m.sessions[sessionID]
	if !ok || st.level != from {
		level := ""
		if ok {
			level = st.level
		}
		m.mu.Unlock()
		m.logger.Warn().Str("session_id", sessionID).Str("from", from).Str("level", level).Msg("Downgrade timer found a different level")
		return
	}
	st.level = to
	for _, c := range st.conns {
		c.ActivityLevel = to
	}
	m.mu.Unlock()

	m.logger.Debug().Str("session_id", sessionID).Str("from", from).Str("to", to).Msg("Activity downgraded")
	m.metrics.ActivityTransition(to)
	m.armDowngrade(sessionID, to)

	ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
	defer cancel()
	_ = m.persist(ctx, sessionID, map[string]interface{}{"activity_level": to})
}

// onBackgroundTimeout and onGraceExpired decide under transitions and
// return the cleanup to run once it is released, since cleanup re-enters
// the manager through ForceCleanup.
func (m *Manager) onBackgroundTimeout(sessionID string) func() {
	m.mu.Lock()
	st, ok := m.sessions[sessionID]
	stillBackground := ok && st.level == models.ActivityLevelBackground
	m.mu.Unlock()
	if !stillBackground {
		return nil
	}

	m.logger.Info().Str("session_id", sessionID).Msg("Session idle in background too long; reclaiming")
	return func() { m.runCleanup(sessionID, ReasonBackgroundTimeout) }
}

func (m *Manager) onGraceExpired(sessionID string) func() {
	m.mu.Lock()
	if st, ok := m.sessions[sessionID]; ok {
		st.graceEndsAt = nil
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
	defer cancel()

	_ = m.persist(ctx, sessionID, map[string]interface{}{"grace_period_ends_at": nil})
	if !m.ShouldCleanupSession(ctx, sessionID) {
		m.logger.Debug().Str("session_id", sessionID).Msg("Grace period ended; session kept")
		return nil
	}
	m.logger.Info().Str("session_id", sessionID).Msg("Grace period ended without reconnect; reclaiming")
	return func() { m.runCleanup(sessionID, ReasonDisconnected) }
}

func (m *Manager) runCleanup(sessionID, reason string) {
	m.mu.Lock()
	cleanup := m.cleanup
	m.mu.Unlock()
	if cleanup == nil {
		m.logger.Warn().Str("session_id", sessionID).Str("reason", reason).Msg("No cleanup handler configured")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
	defer cancel()
	if err := cleanup(ctx, sessionID, reason); err != nil {
		m.logger.Error().Err(err).Str("session_id", sessionID).Str("reason", reason).Msg("Cleanup failed")
	}
}

func (m *Manager) persist(ctx context.Context, sessionID string, updates map[string]interface{}) error {
	if err := m.store.Updates(ctx, sessionID, updates); err != nil {
		m.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to persist activity")
		return fmt.Errorf("failed to persist activity for %s: %w", sessionID, err)
	}
	return nil
}

var levelRank = map[string]int{
	models.ActivityLevelActive:       3,
	models.ActivityLevelIdle:         2,
	models.ActivityLevelBackground:   1,
	models.ActivityLevelDisconnected: 0,
}

// aggregateLevel is the most active level among the connections.
func aggregateLevel(conns map[string]*ConnectionState) string {
	best := models.ActivityLevelDisconnected
	for _, c := range conns {
		if levelRank[c.ActivityLevel] > levelRank[best] {
			best = c.ActivityLevel
		}
	}
	return best
}
