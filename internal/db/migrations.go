package db

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"

	"github.com/Joshua-Martin/sansa-dev-sub000/internal/models"
)

func Migrations() []*gormigrate.Migration {
	return []*gormigrate.Migration{
		{
			ID: "20250901_create_workspaces_table",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&models.Workspace{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("workspaces")
			},
		},
		{
			ID: "20250901_create_workspace_sessions_table",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&models.WorkspaceSession{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("workspace_sessions")
			},
		},
		{
			ID: "20250915_create_workspace_archives_table",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&models.WorkspaceArchive{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("workspace_archives")
			},
		},
	}
}

// Migrate applies every pending migration.
func Migrate(gormDB *gorm.DB) error {
	m := gormigrate.New(gormDB, gormigrate.DefaultOptions, Migrations())
	return m.Migrate()
}
