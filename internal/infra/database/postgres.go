package database

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/totegamma/canvasd/internal/infra/database/models"
)

func NewPostgres(dsn string) (*gorm.DB, error) {
	return gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         newGormLogger(slog.Default()),
	})
}

func MigratePostgres(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.CanvasState{},
	)
}

func newGormLogger(l *slog.Logger) logger.Interface {
	return logger.New(
		slogWriter{logger: l},
		logger.Config{
			SlowThreshold:             300 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
}

// slogWriter routes gorm's printf style output into slog.
// gorm only reaches the writer for warnings, errors and slow queries at this level.
type slogWriter struct {
	logger *slog.Logger
}

func (w slogWriter) Printf(format string, args ...any) {
	w.logger.Warn(
		strings.TrimSpace(fmt.Sprintf(format, args...)),
		slog.String("module", "gorm"),
	)
}
