// Package migrations embeds the identity schema for each supported dialect.
package migrations

import (
	"embed"
	"fmt"
	"io/fs"
)

//go:embed postgres/*.sql mysql/*.sql sqlite/*.sql
var files embed.FS

// For returns the migration files for dialect, rooted so that iofs sees
// them at ".".
func For(dialect string) (fs.FS, error) {
	switch dialect {
	case "postgres", "mysql", "sqlite":
		return fs.Sub(files, dialect)
	default:
		return nil, fmt.Errorf("no migrations for dialect %q", dialect)
	}
}
