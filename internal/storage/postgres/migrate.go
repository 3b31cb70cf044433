package postgres

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres" // registers the postgres:// driver
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migration directions.
const (
	DirectionUp   = "up"
	DirectionDown = "down"
)

// Migrate applies the embedded schema migrations. steps limits how many
// migrations are applied or rolled back; zero means all. An already
// up-to-date schema is not an error.
func Migrate(dsn, direction string, steps int) error {
	if dsn == "" {
		return errors.New("migrate: database dsn is required")
	}
	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("migrate: open embedded migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, dsn)
	if err != nil {
		return fmt.Errorf("migrate: create migrator: %w", err)
	}
	defer m.Close() //nolint:errcheck // source and db handles are owned by m

	switch direction {
	case DirectionUp:
		if steps > 0 {
			err = m.Steps(steps)
		} else {
			err = m.Up()
		}
	case DirectionDown:
		if steps > 0 {
			err = m.Steps(-steps)
		} else {
			err = m.Down()
		}
	default:
		return fmt.Errorf("migrate: unknown direction %q", direction)
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate %s: %w", direction, err)
	}
	return nil
}
