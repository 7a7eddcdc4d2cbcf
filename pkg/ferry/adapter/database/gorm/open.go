package gorm

import (
	"time"

	"github.com/mitchellh/mapstructure"
	"gorm.io/gorm"

	dbconfig "github.com/kinegraph/pulseferry/pkg/ferry/adapter/database/config"
	"github.com/kinegraph/pulseferry/pkg/ferry/core/config"
	"github.com/kinegraph/pulseferry/pkg/ferry/support/util/exception"
	"github.com/kinegraph/pulseferry/pkg/ferry/support/util/logger"
)

const moduleName = "database"

// Open establishes a GORM connection for the named adapter configuration.
//
// Parameters:
//
//	cfg: The application configuration holding the `database:` map.
//	name: The adapter configuration name to connect with.
//
// Returns:
//
//	The opened *gorm.DB, the database type the connection speaks, or an
//	error when the configuration is missing or the connection fails.
func Open(cfg *config.Config, name string) (*gorm.DB, string, error) {
	raw, ok := cfg.Pulseferry.AdaptorConfigs[name]
	if !ok {
		return nil, "", exception.NewPipelineError(moduleName,
			"database configuration '"+name+"' not found under the database section", nil, false)
	}

	var dbCfg dbconfig.DatabaseConfig
	if err := mapstructure.Decode(raw, &dbCfg); err != nil {
		return nil, "", exception.NewPipelineError(moduleName,
			"failed to decode database configuration '"+name+"'", err, false)
	}

	factory, err := GetDialectorFactory(dbCfg.Type)
	if err != nil {
		return nil, "", exception.NewPipelineError(moduleName,
			"no driver for database configuration '"+name+"'", err, false)
	}
	dialector, err := factory(dbCfg)
	if err != nil {
		return nil, "", exception.NewPipelineError(moduleName,
			"failed to build dialector for database configuration '"+name+"'", err, false)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: newGormLogger()})
	if err != nil {
		return nil, "", exception.NewPipelineError(moduleName,
			"failed to open database connection '"+name+"'", err, true)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, "", exception.NewPipelineError(moduleName,
			"failed to access the underlying connection pool for '"+name+"'", err, false)
	}
	if dbCfg.Pool.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(dbCfg.Pool.MaxOpenConns)
	}
	if dbCfg.Pool.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(dbCfg.Pool.MaxIdleConns)
	}
	if dbCfg.Pool.ConnMaxLifetimeMinutes > 0 {
		sqlDB.SetConnMaxLifetime(time.Duration(dbCfg.Pool.ConnMaxLifetimeMinutes) * time.Minute)
	}

	logger.Infof("Established database connection '%s' (%s).", name, dbCfg.Type)
	return db, dbCfg.Type, nil
}

// Close shuts the underlying connection pool of a GORM handle.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
