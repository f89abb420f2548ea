package storage

import (
	"context"
	"fmt"
	"strings"

	"agentcron/internal/task/job"
	logx "agentcron/pkg/logx"
)

// Store loads and saves the whole job store. It satisfies engine.Persister.
type Store interface {
	Load(ctx context.Context) (*job.Store, error)
	Save(ctx context.Context, st *job.Store) error
	Close() error
}

// Open initializes the configured store. An empty driver means "file".
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = DriverFile
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case DriverFile:
		return openFile(cfg, log)
	case DriverSQLite, "sqlite3":
		return openSQLite(ctx, cfg, log)
	case DriverRedis:
		return openRedis(ctx, cfg, log)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, driver)
	}
}
