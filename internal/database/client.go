// Package database opens the gorm connections used by the PostgreSQL /
// TimescaleDB result sink.
package database

import (
	"time"

	"github.com/bregeon/LidarEyeball/internal/errors"
	"github.com/bregeon/LidarEyeball/internal/log"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewGormLogger routes gorm's messages through the process zap logger
func NewGormLogger() logger.Interface {
	return logger.New(
		zap.NewStdLog(log.GetZapLogger()),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
}

// CreateConnection opens a PostgreSQL connection with the standard gorm
// configuration
func CreateConnection(connectionString string) (*gorm.DB, error) {
	if connectionString == "" {
		return nil, errors.InvalidInputf("empty database connection string")
	}
	return Open(postgres.Open(connectionString))
}

// Open wraps an already built dialector, e.g. one around a test connection
func Open(dialector gorm.Dialector) (*gorm.DB, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                 NewGormLogger(),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "opening database connection")
	}
	return db, nil
}
