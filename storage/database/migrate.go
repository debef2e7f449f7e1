package database

import (
	"go.uber.org/zap"
	"gorm.io/gorm"

	"CRMNotify/pkg/logger"
	"CRMNotify/pkg/store"
)

// Migrate 建 kv_entries 表，所有槽位都存在这一张表里
func Migrate() error {
	if db == nil {
		return gorm.ErrInvalidDB
	}

	logger.Logger.Info("Starting database migration...")
	if err := store.NewPostgres(db).Migrate(); err != nil {
		logger.Logger.Error("Database migration failed", zap.Error(err))
		return err
	}
	logger.Logger.Info("Database migration completed successfully")
	return nil
}
