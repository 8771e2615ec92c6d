package db

import (
	"fmt"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const sqlitePrefix = "sqlite://"

// Connect opens the postgres connection, pinning search_path to schema when the DSN lacks one.
// A "sqlite://" URL opens a local SQLite file instead, for single-host development.
func Connect(databaseURL, schema string) (*gorm.DB, error) {
	if strings.HasPrefix(databaseURL, sqlitePrefix) {
		return OpenSQLite(strings.TrimPrefix(databaseURL, sqlitePrefix))
	}

	dsn := databaseURL
	if schema != "" && !strings.Contains(dsn, "search_path") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn = dsn + sep + "search_path=" + schema
	}

	gormDB, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return gormDB, nil
}

// OpenSQLite opens a SQLite database with a single connection so that
// in-memory databases are shared by every query.
func OpenSQLite(dsn string) (*gorm.DB, error) {
	gormDB, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return gormDB, nil
}

// OpenInMemory opens a migrated, private in-memory database.
func OpenInMemory(name string) (*gorm.DB, error) {
	gormDB, err := OpenSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	if err != nil {
		return nil, err
	}
	if err := Migrate(gormDB); err != nil {
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	return gormDB, nil
}
