// Package migrations applies the embedded postgres schema with golang-migrate.
package migrations

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
)

//go:embed sql/*.sql
var files embed.FS

// New returns a migrate instance that owns its own connection to dsn.
// Callers must Close it.
func New(dsn string) (*migrate.Migrate, error) {
	src, err := iofs.New(files, "sql")
	if err != nil {
		return nil, fmt.Errorf("open embedded migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return nil, fmt.Errorf("creating migrate instance: %w", err)
	}
	return m, nil
}

// Up applies all pending migrations. It returns the version before and after.
func Up(dsn string, logger *zap.SugaredLogger) (from, to uint, err error) {
	m, err := New(dsn)
	if err != nil {
		return 0, 0, err
	}
	defer m.Close()
	if logger != nil {
		m.Log = migrateLogger{logger: logger}
	}
	from, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return 0, 0, fmt.Errorf("checking migration version: %w", err)
	}
	if dirty {
		return from, from, fmt.Errorf("database is in a dirty state (version %d). Manual intervention required", from)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return from, from, fmt.Errorf("applying migrations: %w", err)
	}
	to, _, _ = m.Version()
	return from, to, nil
}

// migrateLogger adapts zap to migrate.Logger.
type migrateLogger struct {
	logger *zap.SugaredLogger
}

func (l migrateLogger) Printf(format string, v ...any) {
	l.logger.Debugf("migrate: "+format, v...)
}

func (l migrateLogger) Verbose() bool { return false }
