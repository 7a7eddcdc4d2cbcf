// Package postgres registers the PostgreSQL dialector with the GORM adapter.
// Importing it (usually blank) makes `type: postgres` connections available.
package postgres

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	dbconfig "github.com/kinegraph/pulseferry/pkg/ferry/adapter/database/config"
	gormadapter "github.com/kinegraph/pulseferry/pkg/ferry/adapter/database/gorm"
)

func init() {
	gormadapter.RegisterDialector("postgres", func(cfg dbconfig.DatabaseConfig) (gorm.Dialector, error) {
		return postgres.Open(connectionString(cfg)), nil
	})
}

// connectionString builds the DSN format expected by gorm.io/driver/postgres.
func connectionString(c dbconfig.DatabaseConfig) string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.Sslmode)
}
