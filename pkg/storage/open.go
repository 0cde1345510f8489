package storage

import (
	"fmt"
	"strings"

	"github.com/go-redis/redis/v8"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ndrlab/ndr-orchestrator/pkg/core"
)

// StalledReason is recorded on jobs whose lock expired after their last attempt.
const StalledReason = "job stalled: lock expired with no attempts left"

// Open builds a broker from a connection URL:
//
//	redis://[:password@]host:port[/db]   RedisBroker
//	rediss://...                         RedisBroker over TLS
//	sqlite://path/to/jobs.db             GormBroker on SQLite
//	sqlite::memory:                      GormBroker on in-memory SQLite
//	postgres://... or postgresql://...   GormBroker on PostgreSQL
//
// Open does not contact the backend. Reachability is established later
// through Ping, so a broker that is down at startup can still be opened.
func Open(rawURL string, opts ...PoolOption) (core.Broker, error) {
	scheme, rest, ok := strings.Cut(rawURL, ":")
	if !ok {
		return nil, fmt.Errorf("storage: missing scheme in broker url %q", rawURL)
	}

	switch strings.ToLower(scheme) {
	case "redis", "rediss":
		redisOpts, err := redis.ParseURL(rawURL)
		if err != nil {
			return nil, fmt.Errorf("storage: parse redis url: %w", err)
		}
		return NewRedisBroker(redis.NewClient(redisOpts), DefaultKeyPrefix), nil

	case "sqlite":
		path := strings.TrimPrefix(rest, "//")
		if path == "" || path == ":memory:" {
			path = ":memory:"
			opts = append([]PoolOption{WithPoolConfig(SingleConnPoolConfig())}, opts...)
		}
		return openGorm(sqlite.Open(path), opts...)

	case "postgres", "postgresql":
		return openGorm(postgres.Open(rawURL), opts...)
	}
	return nil, fmt.Errorf("storage: unsupported broker scheme %q", scheme)
}

func openGorm(dialector gorm.Dialector, opts ...PoolOption) (*GormBroker, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:               logger.Default.LogMode(logger.Warn),
		DisableAutomaticPing: true,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}
	return NewGormBrokerWithPool(db, opts...)
}
