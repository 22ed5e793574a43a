package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Supported storage drivers.
const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
	DriverMongo  = "mongo"
)

// Options selects and configures a storage backend.
type Options struct {
	Driver        string
	DSN           string
	Redis         RedisOptions
	MongoURI      string
	MongoDatabase string
	// ConnectTimeout bounds the total time spent retrying the initial connection.
	ConnectTimeout time.Duration
}

// Open connects to the configured backend, retrying transient connection
// failures with exponential backoff.
func Open(ctx context.Context, opts Options, logger *slog.Logger) (Store, error) {
	if opts.Driver == "" || opts.Driver == DriverMemory {
		return NewMemoryStore(), nil
	}
	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	attempt := 0
	operation := func() (Store, error) {
		attempt++
		s, err := openOnce(ctx, opts)
		if err != nil {
			logger.Warn("storage connect failed", "driver", opts.Driver, "attempt", attempt, "error", err)
			return nil, err
		}
		return s, nil
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 250 * time.Millisecond
	expBackoff.MaxInterval = 5 * time.Second

	s, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxElapsedTime(timeout),
	)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", opts.Driver, err)
	}
	logger.Info("storage connected", "driver", opts.Driver, "attempts", attempt)
	return s, nil
}

func openOnce(ctx context.Context, opts Options) (Store, error) {
	switch opts.Driver {
	case DriverRedis:
		client, err := NewRedisClient(ctx, opts.Redis)
		if err != nil {
			return nil, err
		}
		return NewRedisStore(client, opts.Redis.KeyPrefix), nil
	case DriverSQLite:
		return OpenSQL(ctx, DialectSQLite, opts.DSN)
	case DriverMySQL:
		return OpenSQL(ctx, DialectMySQL, opts.DSN)
	case DriverMongo:
		return OpenMongo(ctx, opts.MongoURI, opts.MongoDatabase)
	default:
		return nil, backoff.Permanent(fmt.Errorf("unknown storage driver %q", opts.Driver))
	}
}
