package storage

import (
	"context"
	"os"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ndrlab/ndr-orchestrator/pkg/core"
)

// openTestDB opens a database for tests.
// When TEST_DATABASE_URL is set it connects to PostgreSQL; otherwise it
// opens a fresh in-memory SQLite instance pinned to a single connection.
func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn != "" {
		db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		require.NoError(t, err, "open postgres test db")
		require.NoError(t, ConfigurePool(db, MaxOpenConns(2), MaxIdleConns(1)))

		// Clean before AND after to ensure test isolation.
		cleanupPostgresDB(db)
		t.Cleanup(func() {
			cleanupPostgresDB(db)
			if sqlDB, err := db.DB(); err == nil {
				_ = sqlDB.Close()
			}
		})
		return db
	}
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err, "open in-memory sqlite")
	require.NoError(t, ConfigurePool(db, WithPoolConfig(SingleConnPoolConfig())))
	return db
}

func cleanupPostgresDB(db *gorm.DB) {
	db.Exec("DELETE FROM jobs")
}

func newTestGormBroker(t *testing.T) *GormBroker {
	t.Helper()
	b := NewGormBroker(openTestDB(t))
	require.NoError(t, b.Migrate(context.Background()), "migrate schema")
	return b
}

func newTestRedisBroker(t *testing.T) (*RedisBroker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisBroker(client, "test"), mr
}

// forEachBroker runs fn as a subtest against every backend.
func forEachBroker(t *testing.T, fn func(t *testing.T, b core.Broker)) {
	t.Run("gorm", func(t *testing.T) {
		fn(t, newTestGormBroker(t))
	})
	t.Run("redis", func(t *testing.T) {
		b, _ := newTestRedisBroker(t)
		fn(t, b)
	})
}

func newTestJob(queue, id string, priority int) *core.Job {
	return &core.Job{
		ID:           id,
		Queue:        queue,
		Name:         "predict",
		Payload:      []byte(`{"file":"x.pcap"}`),
		Priority:     priority,
		MaxAttempts:  3,
		BackoffDelay: 0,
	}
}
