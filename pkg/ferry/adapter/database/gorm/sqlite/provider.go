// Package sqlite registers the SQLite dialector with the GORM adapter.
// Importing it (usually blank) makes `type: sqlite` connections available.
package sqlite

import (
	"errors"
	"os"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	dbconfig "github.com/kinegraph/pulseferry/pkg/ferry/adapter/database/config"
	gormadapter "github.com/kinegraph/pulseferry/pkg/ferry/adapter/database/gorm"
)

func init() {
	gormadapter.RegisterDialector("sqlite", func(cfg dbconfig.DatabaseConfig) (gorm.Dialector, error) {
		if cfg.Database == "" {
			return nil, errors.New("sqlite database path cannot be empty")
		}
		// SQLite creates the database file on open, but not its parent
		// directory.
		if dir := filepath.Dir(cfg.Database); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, err
			}
		}
		// The sqlite dialector takes the file path directly as its DSN.
		return sqlite.Open(cfg.Database), nil
	})
}
