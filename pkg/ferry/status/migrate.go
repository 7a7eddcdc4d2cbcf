package status

import (
	"database/sql"
	"embed"
	"errors"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migrate_mysql "github.com/golang-migrate/migrate/v4/database/mysql"
	migrate_postgres "github.com/golang-migrate/migrate/v4/database/postgres"
	migrate_sqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	gormadapter "github.com/kinegraph/pulseferry/pkg/ferry/adapter/database/gorm"
	"github.com/kinegraph/pulseferry/pkg/ferry/core/config"
	"github.com/kinegraph/pulseferry/pkg/ferry/support/util/exception"
	"github.com/kinegraph/pulseferry/pkg/ferry/support/util/logger"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// runMigrations brings the status schema up to date over a dedicated
// connection, so closing the migrate instance never touches the
// repository's pool.
func runMigrations(cfg *config.Config, name string) error {
	db, dbType, err := gormadapter.Open(cfg, name)
	if err != nil {
		return err
	}
	defer gormadapter.Close(db)

	sqlDB, err := db.DB()
	if err != nil {
		return exception.NewPipelineError(moduleName, "failed to access the migration connection", err, false)
	}

	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return exception.NewPipelineError(moduleName, "failed to load the embedded migrations", err, false)
	}

	driver, err := migrationDriver(sqlDB, dbType)
	if err != nil {
		return err
	}

	m, err := migrate.NewWithInstance("iofs", src, dbType, driver)
	if err != nil {
		return exception.NewPipelineError(moduleName, "failed to build the migrate instance", err, false)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return exception.NewPipelineError(moduleName, "status schema migration failed", err, false)
	}
	if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
		logger.Debugf("Migration cleanup reported: source=%v database=%v", srcErr, dbErr)
	}

	logger.Infof("Status schema is up to date on '%s' (%s).", name, dbType)
	return nil
}

// migrationDriver builds the migrate/v4 driver matching the database type.
func migrationDriver(sqlDB *sql.DB, dbType string) (database.Driver, error) {
	switch dbType {
	case "postgres":
		return migrate_postgres.WithInstance(sqlDB, &migrate_postgres.Config{})
	case "mysql":
		return migrate_mysql.WithInstance(sqlDB, &migrate_mysql.Config{})
	case "sqlite":
		return migrate_sqlite.WithInstance(sqlDB, &migrate_sqlite.Config{})
	default:
		return nil, exception.NewPipelineError(moduleName, "unsupported database type for migration: "+dbType, nil, false)
	}
}
