package models

import "time"

type Workspace struct {
	ID         string    `gorm:"primaryKey;column:id" json:"id"`
	UserID     string    `gorm:"index;not null;column:user_id" json:"userId"`
	Name       string    `gorm:"type:varchar(255);column:name" json:"name"`
	TemplateID string    `gorm:"column:template_id" json:"templateId,omitempty"`
	CreatedAt  time.Time `gorm:"column:created_at" json:"createdAt"`
	UpdatedAt  time.Time `gorm:"column:updated_at" json:"updatedAt"`
}

func (Workspace) TableName() string {
	return "workspaces"
}

// WorkspaceArchive is the saved file tree of a workspace.
type WorkspaceArchive struct {
	UserID      string    `gorm:"primaryKey;column:user_id"`
	WorkspaceID string    `gorm:"primaryKey;column:workspace_id"`
	Data        []byte    `gorm:"column:data"`
	Size        int64     `gorm:"column:size"`
	UpdatedAt   time.Time `gorm:"column:updated_at"`
}

func (WorkspaceArchive) TableName() string {
	return "workspace_archives"
}
