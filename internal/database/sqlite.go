package database

import (
	"fmt"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/mushrhyme/easy-rebate-sub001/internal/items"
	"github.com/mushrhyme/easy-rebate-sub001/internal/sessions"
	"github.com/mushrhyme/easy-rebate-sub001/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// Serializes writers so the conditional version update never races a
	// second connection's transaction.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&items.Item{}, &items.ItemChange{}, &sessions.Record{}, &users.Identity{}, &migrationRecord{}); err != nil {
		return nil, err
	}

	if purged, err := purgeExpiredSessions(db, time.Now().UTC()); err != nil {
		if logger != nil {
			logger.Warn("expired session cleanup failed", zap.Error(err))
		}
	} else if purged > 0 && logger != nil {
		logger.Info("expired sessions removed", zap.Int64("count", purged))
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

func purgeExpiredSessions(db *gorm.DB, now time.Time) (int64, error) {
	result := db.Where("expires_at <= ?", now).Delete(&sessions.Record{})
	return result.RowsAffected, result.Error
}
