package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/Joshua-Martin/sansa-dev-sub000/internal/models"
)

type WorkspaceRepository struct {
	db *gorm.DB
}

func NewWorkspaceRepository(db *gorm.DB) *WorkspaceRepository {
	return &WorkspaceRepository{db: db}
}

func (r *WorkspaceRepository) Create(ctx context.Context, workspace *models.Workspace) error {
	return r.db.WithContext(ctx).Create(workspace).Error
}

func (r *WorkspaceRepository) GetByID(ctx context.Context, workspaceID string) (*models.Workspace, error) {
	var workspace models.Workspace
	if err := r.db.WithContext(ctx).First(&workspace, "id = ?", workspaceID).Error; err != nil {
		return nil, notFound(err)
	}
	return &workspace, nil
}

func (r *WorkspaceRepository) GetByIDForUser(ctx context.Context, workspaceID, userID string) (*models.Workspace, error) {
	var workspace models.Workspace
	if err := r.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", workspaceID, userID).
		First(&workspace).Error; err != nil {
		return nil, notFound(err)
	}
	return &workspace, nil
}

func (r *WorkspaceRepository) Delete(ctx context.Context, workspaceID string) error {
	return r.db.WithContext(ctx).Where("id = ?", workspaceID).Delete(&models.Workspace{}).Error
}
