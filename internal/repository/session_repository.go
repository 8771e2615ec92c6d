package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Joshua-Martin/sansa-dev-sub000/internal/models"
)

var ErrNotFound = errors.New("record not found")

const (
	PortColumnDev  = "port"
	PortColumnTool = "tool_server_port"
)

type SessionRepository struct {
	db *gorm.DB
}

func NewSessionRepository(db *gorm.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func (r *SessionRepository) Create(ctx context.Context, session *models.WorkspaceSession) error {
	return r.db.WithContext(ctx).Create(session).Error
}

func (r *SessionRepository) GetByID(ctx context.Context, sessionID string) (*models.WorkspaceSession, error) {
	var session models.WorkspaceSession
	if err := r.db.WithContext(ctx).First(&session, "id = ?", sessionID).Error; err != nil {
		return nil, notFound(err)
	}
	return &session, nil
}

// GetByIDForUser resolves a session only if userID owns it.
func (r *SessionRepository) GetByIDForUser(ctx context.Context, sessionID, userID string) (*models.WorkspaceSession, error) {
	var session models.WorkspaceSession
	if err := r.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", sessionID, userID).
		First(&session).Error; err != nil {
		return nil, notFound(err)
	}
	return &session, nil
}

// FindActiveByUserAndWorkspace returns the newest creating/initializing/running session.
func (r *SessionRepository) FindActiveByUserAndWorkspace(ctx context.Context, userID, workspaceID string) (*models.WorkspaceSession, error) {
	var session models.WorkspaceSession
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND workspace_id = ?", userID, workspaceID).
		Where("status IN ?", models.ActiveSessionStatuses).
		Order("created_at DESC").
		First(&session).Error; err != nil {
		return nil, notFound(err)
	}
	return &session, nil
}

func (r *SessionRepository) ListByUserAndWorkspace(ctx context.Context, userID, workspaceID string, statuses []string) ([]models.WorkspaceSession, error) {
	var sessions []models.WorkspaceSession
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND workspace_id = ?", userID, workspaceID).
		Where("status IN ?", statuses).
		Order("created_at DESC").
		Find(&sessions).Error
	return sessions, err
}

func (r *SessionRepository) ListByUserAndStatus(ctx context.Context, userID, status string) ([]models.WorkspaceSession, error) {
	var sessions []models.WorkspaceSession
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, status).
		Find(&sessions).Error
	return sessions, err
}

func (r *SessionRepository) ListByUser(ctx context.Context, userID string) ([]models.WorkspaceSession, error) {
	var sessions []models.WorkspaceSession
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&sessions).Error
	return sessions, err
}

// Updates applies a partial update and stamps updated_at.
func (r *SessionRepository) Updates(ctx context.Context, sessionID string, updates map[string]interface{}) error {
	updates["updated_at"] = time.Now()
	return r.db.WithContext(ctx).
		Model(&models.WorkspaceSession{}).
		Where("id = ?", sessionID).
		Updates(updates).Error
}

// UpdatesIfStatus applies updates only while the row is in one of statuses
// and reports whether it matched.
func (r *SessionRepository) UpdatesIfStatus(ctx context.Context, sessionID string, statuses []string, updates map[string]interface{}) (bool, error) {
	updates["updated_at"] = time.Now()
	res := r.db.WithContext(ctx).
		Model(&models.WorkspaceSession{}).
		Where("id = ? AND status IN ?", sessionID, statuses).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *SessionRepository) UpdateStatus(ctx context.Context, sessionID, status, errorMessage string) error {
	return r.Updates(ctx, sessionID, map[string]interface{}{
		"status": status,
		"error":  errorMessage,
	})
}

// UpdateConnectionMetrics runs fn against the stored metrics inside a row-locked transaction.
func (r *SessionRepository) UpdateConnectionMetrics(ctx context.Context, sessionID string, fn func(*models.ConnectionMetrics)) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var session models.WorkspaceSession
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Select("id", "connection_metrics").
			First(&session, "id = ?", sessionID).Error; err != nil {
			return notFound(err)
		}
		metrics := session.ConnectionMetrics.Data()
		fn(&metrics)
		return tx.Model(&models.WorkspaceSession{}).
			Where("id = ?", sessionID).
			Updates(map[string]interface{}{
				"connection_metrics": datatypes.NewJSONType(metrics),
				"updated_at":         time.Now(),
			}).Error
	})
}

// UsedPorts lists the ports recorded for sessions that may still hold them.
func (r *SessionRepository) UsedPorts(ctx context.Context, column string) ([]int, error) {
	if column != PortColumnDev && column != PortColumnTool {
		return nil, fmt.Errorf("unknown port column %q", column)
	}
	var ports []int
	err := r.db.WithContext(ctx).
		Model(&models.WorkspaceSession{}).
		Where("status IN ?", models.PortHoldingStatuses).
		Where(column+" > 0").
		Pluck(column, &ports).Error
	return ports, err
}

// FindStaleDisconnected finds sessions whose clients left before cutoff but still claim resources.
func (r *SessionRepository) FindStaleDisconnected(ctx context.Context, cutoff time.Time, statuses []string) ([]models.WorkspaceSession, error) {
	var sessions []models.WorkspaceSession
	err := r.db.WithContext(ctx).
		Where("activity_level = ?", models.ActivityLevelDisconnected).
		Where("last_activity_at < ?", cutoff).
		Where("status IN ?", statuses).
		Find(&sessions).Error
	return sessions, err
}

// CountActiveForWorkspace counts non-terminal sessions of a workspace other than excludeID.
func (r *SessionRepository) CountActiveForWorkspace(ctx context.Context, workspaceID, excludeID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.WorkspaceSession{}).
		Where("workspace_id = ? AND id <> ?", workspaceID, excludeID).
		Where("status IN ?", models.ActiveSessionStatuses).
		Count(&count).Error
	return count, err
}

// CountEverReadyForWorkspace counts sessions of a workspace that once reached running.
func (r *SessionRepository) CountEverReadyForWorkspace(ctx context.Context, workspaceID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.WorkspaceSession{}).
		Where("workspace_id = ? AND ready_at IS NOT NULL", workspaceID).
		Count(&count).Error
	return count, err
}
