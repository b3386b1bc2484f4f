// Package db owns the Postgres schema. Migrations are embedded so the api, worker and
// paymentctl binaries all carry the schema they expect.
package db

import (
	"embed"
	"errors"
	"fmt"
	"strings"

	migrate "github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// MigrationURL rewrites a postgres:// DSN to the scheme the pgx/v5 migrate driver
// registers.
func MigrationURL(databaseURL string) string {
	for _, prefix := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(databaseURL, prefix) {
			return "pgx5://" + strings.TrimPrefix(databaseURL, prefix)
		}
	}
	return databaseURL
}

// NewMigrator builds a migrator over the embedded migrations.
func NewMigrator(databaseURL string, logger zerolog.Logger) (*migrate.Migrate, error) {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("db: open embedded migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, MigrationURL(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("db: init migrator: %w", err)
	}
	m.Log = migrateLogger{logger: logger}
	return m, nil
}

// Up applies all pending migrations. An already current schema is not an error.
func Up(databaseURL string, logger zerolog.Logger) error {
	m, err := NewMigrator(databaseURL, logger)
	if err != nil {
		return err
	}
	defer closeMigrator(m, logger)
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("db: migrate up: %w", err)
	}
	return nil
}

// Down rolls back steps migrations.
func Down(databaseURL string, steps int, logger zerolog.Logger) error {
	if steps <= 0 {
		return errors.New("db: steps must be positive")
	}
	m, err := NewMigrator(databaseURL, logger)
	if err != nil {
		return err
	}
	defer closeMigrator(m, logger)
	if err := m.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("db: migrate down: %w", err)
	}
	return nil
}

// Version reports the applied schema version.
func Version(databaseURL string, logger zerolog.Logger) (uint, bool, error) {
	m, err := NewMigrator(databaseURL, logger)
	if err != nil {
		return 0, false, err
	}
	defer closeMigrator(m, logger)
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return v, dirty, err
}

func closeMigrator(m *migrate.Migrate, logger zerolog.Logger) {
	srcErr, dbErr := m.Close()
	if srcErr != nil || dbErr != nil {
		logger.Warn().AnErr("source", srcErr).AnErr("database", dbErr).Msg("close migrator")
	}
}

type migrateLogger struct {
	logger zerolog.Logger
}

func (l migrateLogger) Printf(format string, v ...any) {
	l.logger.Info().Msg(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l migrateLogger) Verbose() bool { return false }
