package status

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	gormadapter "github.com/kinegraph/pulseferry/pkg/ferry/adapter/database/gorm"
	"github.com/kinegraph/pulseferry/pkg/ferry/core/config"
	"github.com/kinegraph/pulseferry/pkg/ferry/core/ports"
	"github.com/kinegraph/pulseferry/pkg/ferry/support/util/exception"
	"github.com/kinegraph/pulseferry/pkg/ferry/support/util/logger"
)

const moduleName = "status"

// Repository records delivery outcomes and answers snapshot queries for the
// status endpoint.
type Repository interface {
	ports.DeliveryJournal
	// Snapshot returns every outcome counter, ordered by outcome name.
	Snapshot(ctx context.Context) ([]DeliveryStat, error)
	// Close releases the underlying connection.
	Close() error
}

// GormRepository keeps the counters in a relational table, one row per
// outcome, updated with an atomic upsert so concurrent scans never lose an
// increment.
type GormRepository struct {
	db *gorm.DB
}

// Verify that GormRepository implements the Repository interface.
var _ Repository = (*GormRepository)(nil)

// NewGormRepository creates a repository over an opened GORM connection.
func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

// RecordOutcome increments the counter row for the outcome and stamps it.
func (r *GormRepository) RecordOutcome(ctx context.Context, outcome string) error {
	stat := DeliveryStat{
		Outcome: outcome,
		Count:   1,
		LastAt:  time.Now().UnixMilli(),
	}
	err := r.db.WithContext(ctx).
		Session(&gorm.Session{SkipDefaultTransaction: true}).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "outcome"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"count":   gorm.Expr("count + 1"),
				"last_at": stat.LastAt,
			}),
		}).
		Create(&stat).Error
	if err != nil {
		return exception.NewPipelineError(moduleName, "failed to record delivery outcome "+outcome, err, true)
	}
	return nil
}

// Snapshot returns every outcome counter.
func (r *GormRepository) Snapshot(ctx context.Context) ([]DeliveryStat, error) {
	var stats []DeliveryStat
	err := r.db.WithContext(ctx).Order("outcome").Find(&stats).Error
	if err != nil {
		return nil, exception.NewPipelineError(moduleName, "failed to load delivery statistics", err, true)
	}
	return stats, nil
}

// Close shuts the underlying connection pool.
func (r *GormRepository) Close() error {
	return gormadapter.Close(r.db)
}

// NoOpRepository is used when no status database is configured: outcomes are
// dropped and the snapshot is empty. The status endpoint still serves queue
// depths and heartbeat data.
type NoOpRepository struct{}

// Verify that NoOpRepository implements the Repository interface.
var _ Repository = (*NoOpRepository)(nil)

// NewNoOpRepository creates a NoOpRepository.
func NewNoOpRepository() *NoOpRepository {
	return &NoOpRepository{}
}

// RecordOutcome does nothing.
func (r *NoOpRepository) RecordOutcome(ctx context.Context, outcome string) error { return nil }

// Snapshot returns no counters.
func (r *NoOpRepository) Snapshot(ctx context.Context) ([]DeliveryStat, error) { return nil, nil }

// Close does nothing.
func (r *NoOpRepository) Close() error { return nil }

// NewRepository builds the repository named by status.db_ref, migrating its
// schema first. An empty db_ref selects the NoOpRepository so the relay runs
// without a database.
//
// Parameters:
//
//	cfg: The application configuration.
//
// Returns:
//
//	The Repository, or an error when the configured database is unusable.
func NewRepository(cfg *config.Config) (Repository, error) {
	name := cfg.Pulseferry.Status.DBRef
	if name == "" {
		logger.Infof("No status database configured, delivery outcomes will not be journaled.")
		return NewNoOpRepository(), nil
	}

	if err := runMigrations(cfg, name); err != nil {
		return nil, err
	}

	db, _, err := gormadapter.Open(cfg, name)
	if err != nil {
		return nil, err
	}
	return NewGormRepository(db), nil
}
