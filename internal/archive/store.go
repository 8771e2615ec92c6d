// Package archive persists saved workspace file trees keyed by (user, workspace).
package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Joshua-Martin/sansa-dev-sub000/internal/models"
)

var ErrNotFound = errors.New("archive not found")

// Store is a gorm-backed archive store.
type Store struct {
	db     *gorm.DB
	logger zerolog.Logger
}

func NewStore(db *gorm.DB, logger zerolog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger.With().Str("component", "archive-store").Logger(),
	}
}

func (s *Store) HasSavedArchive(ctx context.Context, userID, workspaceID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.WorkspaceArchive{}).
		Where("user_id = ? AND workspace_id = ?", userID, workspaceID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check archive: %w", err)
	}
	return count > 0, nil
}

// SaveArchive replaces any archive already stored for the workspace.
func (s *Store) SaveArchive(ctx context.Context, userID, workspaceID string, data []byte) error {
	record := models.WorkspaceArchive{
		UserID:      userID,
		WorkspaceID: workspaceID,
		Data:        data,
		Size:        int64(len(data)),
		UpdatedAt:   time.Now(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "workspace_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "size", "updated_at"}),
	}).Create(&record).Error
	if err != nil {
		return fmt.Errorf("failed to save archive: %w", err)
	}
	s.logger.Info().Str("user_id", userID).Str("workspace_id", workspaceID).Int64("size", record.Size).Msg("Archive saved")
	return nil
}

func (s *Store) LoadArchive(ctx context.Context, userID, workspaceID string) ([]byte, error) {
	var record models.WorkspaceArchive
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND workspace_id = ?", userID, workspaceID).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, userID, workspaceID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load archive: %w", err)
	}
	return record.Data, nil
}

// DeleteArchive is a no-op when nothing is stored.
func (s *Store) DeleteArchive(ctx context.Context, userID, workspaceID string) error {
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND workspace_id = ?", userID, workspaceID).
		Delete(&models.WorkspaceArchive{}).Error
	if err != nil {
		return fmt.Errorf("failed to delete archive: %w", err)
	}
	return nil
}
