package status_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	config "github.com/kinegraph/pulseferry/pkg/ferry/core/config"
	status "github.com/kinegraph/pulseferry/pkg/ferry/status"

	_ "github.com/kinegraph/pulseferry/pkg/ferry/adapter/database/gorm/sqlite"
)

// setupGormMock builds a repository over a mocked SQL connection.
func setupGormMock(t *testing.T) (*status.GormRepository, sqlmock.Sqlmock, func()) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	gormDB, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      sqlDB,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{})
	require.NoError(t, err)

	cleanup := func() {
		mock.ExpectClose()
		sqlDB.Close()
	}
	return status.NewGormRepository(gormDB), mock, cleanup
}

// TestRecordOutcome_UpsertsCounterRow verifies the increment is a single
// atomic upsert without a wrapping transaction.
func TestRecordOutcome_UpsertsCounterRow(t *testing.T) {
	repo, mock, cleanup := setupGormMock(t)
	defer cleanup()

	mock.ExpectExec("INSERT INTO .delivery_stats.").
		WithArgs("success", 1, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, repo.RecordOutcome(context.Background(), "success"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestRecordOutcome_SurfacesDatabaseFailure verifies a journaling failure
// comes back as a retryable error instead of disappearing.
func TestRecordOutcome_SurfacesDatabaseFailure(t *testing.T) {
	repo, mock, cleanup := setupGormMock(t)
	defer cleanup()

	mock.ExpectExec("INSERT INTO .delivery_stats.").
		WillReturnError(assert.AnError)

	err := repo.RecordOutcome(context.Background(), "fatal")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to record delivery outcome")
}

// TestSnapshot_ReturnsOrderedCounters verifies the snapshot query and row
// mapping.
func TestSnapshot_ReturnsOrderedCounters(t *testing.T) {
	repo, mock, cleanup := setupGormMock(t)
	defer cleanup()

	rows := sqlmock.NewRows([]string{"outcome", "count", "last_at"}).
		AddRow("fatal", 2, int64(1755700000100)).
		AddRow("success", 40, int64(1755700000200))
	mock.ExpectQuery("SELECT \\* FROM .delivery_stats. ORDER BY outcome").
		WillReturnRows(rows)

	stats, err := repo.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, "fatal", stats[0].Outcome)
	assert.Equal(t, int64(2), stats[0].Count)
	assert.Equal(t, "success", stats[1].Outcome)
	assert.Equal(t, int64(1755700000200), stats[1].LastAt)
}

// TestNewRepository_NoDBRefIsNoOp verifies the relay runs without a status
// database.
func TestNewRepository_NoDBRefIsNoOp(t *testing.T) {
	cfg := config.NewConfig()
	cfg.Pulseferry.Status.DBRef = ""

	repo, err := status.NewRepository(cfg)
	require.NoError(t, err)
	require.NoError(t, repo.RecordOutcome(context.Background(), "success"))
	stats, err := repo.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Empty(t, stats)
	assert.NoError(t, repo.Close())
}

// TestNewRepository_SQLiteEndToEnd runs the migration and the counters
// against a real SQLite file, across a simulated restart.
func TestNewRepository_SQLiteEndToEnd(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "status.db")
	cfg := config.NewConfig()
	cfg.Pulseferry.Status.DBRef = "statusdb"
	cfg.Pulseferry.AdaptorConfigs = map[string]interface{}{
		"statusdb": map[string]interface{}{
			"type":     "sqlite",
			"database": dbPath,
		},
	}
	ctx := context.Background()

	repo, err := status.NewRepository(cfg)
	require.NoError(t, err)

	require.NoError(t, repo.RecordOutcome(ctx, "success"))
	require.NoError(t, repo.RecordOutcome(ctx, "success"))
	require.NoError(t, repo.RecordOutcome(ctx, "fatal"))

	stats, err := repo.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, "fatal", stats[0].Outcome)
	assert.Equal(t, int64(1), stats[0].Count)
	assert.Equal(t, "success", stats[1].Outcome)
	assert.Equal(t, int64(2), stats[1].Count)
	assert.NotZero(t, stats[1].LastAt)
	require.NoError(t, repo.Close())

	// A second start migrates to no change and keeps the counters.
	repo2, err := status.NewRepository(cfg)
	require.NoError(t, err)
	defer repo2.Close()

	require.NoError(t, repo2.RecordOutcome(ctx, "success"))
	stats, err = repo2.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, int64(3), stats[1].Count)
}
