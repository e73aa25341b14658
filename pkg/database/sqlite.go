package database

import (
	"fmt"
	"time"

	"mailpipe-backend/pkg/config"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewSQLiteConnection opens a SQLite database, used for local runs and
// tests. SQLite allows a single writer, so the pool is capped at one
// connection.
func NewSQLiteConnection(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	return db, nil
}

// Open picks the driver named in the config.
func Open(cfg *config.Config) (*gorm.DB, error) {
	if cfg.DatabaseDriver == "sqlite" {
		return NewSQLiteConnection(cfg.DatabaseURL)
	}
	return NewPostgresConnection(cfg)
}
