package db

import (
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// RunMigrate applies or rolls back database migrations against the sqlite
// file at dbPath. The migrationsFS should contain .sql files at its root.
// Supported commands: "up", "down", "version".
func RunMigrate(logger *slog.Logger, dbPath string, migrationsFS fs.FS, command string) error {
	switch command {
	case "up", "down", "version":
	default:
		return fmt.Errorf("unknown migrate command: %s (use: up, down, version)", command)
	}

	sourceDriver, err := iofs.New(migrationsFS, ".")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", sourceDriver, "sqlite://"+dbPath)
	if err != nil {
		return fmt.Errorf("migrate init: %w", err)
	}
	defer m.Close()

	m.Log = &migrateLogger{logger: logger}

	switch command {
	case "up":
		if err := m.Up(); err != nil && err != migrate.ErrNoChange {
			return fmt.Errorf("migrate up: %w", err)
		}
		ver, dirty, _ := m.Version()
		logger.Info("migration complete", slog.Uint64("version", uint64(ver)), slog.Bool("dirty", dirty))

	case "down":
		if err := m.Down(); err != nil && err != migrate.ErrNoChange {
			return fmt.Errorf("migrate down: %w", err)
		}
		logger.Info("all migrations rolled back")

	case "version":
		ver, dirty, err := m.Version()
		if err != nil {
			return fmt.Errorf("migrate version: %w", err)
		}
		logger.Info("migration status", slog.Uint64("version", uint64(ver)), slog.Bool("dirty", dirty))
	}

	return nil
}

// Migrate brings the schema at dbPath fully up. Used by serve on startup so a
// fresh cache directory works without a separate migrate invocation.
func Migrate(logger *slog.Logger, dbPath string, migrationsFS fs.FS) error {
	return RunMigrate(logger, dbPath, migrationsFS, "up")
}

type migrateLogger struct {
	logger *slog.Logger
}

func (l *migrateLogger) Printf(format string, v ...any) {
	l.logger.Info(fmt.Sprintf(format, v...))
}

func (l *migrateLogger) Verbose() bool { return false }
