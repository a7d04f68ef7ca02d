// internal/store/migrate.go
package store

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"gitlab-stats-engine/internal/config"
)

// Migrate applies the migrations under migrationsPath/<backend>.
// A negative targetVersion migrates up to the latest version, zero rolls
// everything back.
func Migrate(backend, dbURL, migrationsPath string, targetVersion int) error {
	sourceURL := strings.TrimSuffix(migrationsPath, "/") + "/" + backend

	var databaseURL string
	switch backend {
	case config.BackendPostgres:
		databaseURL = dbURL
	case config.BackendSQLite:
		databaseURL = "sqlite3://" + dbURL
	default:
		return fmt.Errorf("unsupported db backend: %s", backend)
	}

	m, err := migrate.New(sourceURL, databaseURL)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	switch {
	case targetVersion < 0:
		err = m.Up()
	case targetVersion == 0:
		err = m.Down()
	default:
		err = m.Migrate(uint(targetVersion))
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to migrate %s database: %w", backend, err)
	}
	return nil
}
