package sqlstore

import (
	"errors"
	"fmt"

	"github.com/MrEthical07/gatekeeper/identity/sqlstore/migrations"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratemysql "github.com/golang-migrate/migrate/v4/database/mysql"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// Migrate applies pending up migrations for the store's dialect from the
// embedded files.
func (s *Store) Migrate() error {
	var (
		driver database.Driver
		err    error
	)
	switch s.dialect {
	case Postgres:
		driver, err = migratepgx.WithInstance(s.db, &migratepgx.Config{})
	case MySQL:
		driver, err = migratemysql.WithInstance(s.db, &migratemysql.Config{})
	case SQLite:
		driver, err = migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	default:
		return fmt.Errorf("unsupported dialect %q", s.dialect)
	}
	if err != nil {
		return err
	}

	files, err := migrations.For(string(s.dialect))
	if err != nil {
		return err
	}
	source, err := iofs.New(files, ".")
	if err != nil {
		return err
	}

	instance, err := migrate.NewWithInstance("iofs", source, string(s.dialect), driver)
	if err != nil {
		return err
	}
	if err := instance.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}
