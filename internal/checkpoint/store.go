// Package checkpoint persists completed workflow step outputs so an interrupted run can
// resume after its last finished step.
package checkpoint

import (
	"context"
	"fmt"
	"strings"
)

const (
	BackendMemory    = "memory"
	BackendRedis     = "redis"
	BackendSQLite    = "sqlite"
	BackendDatastore = "datastore"
)

// Store is a durable memo log keyed by (run, step).
//
// Put must be atomic per key: a reader sees either no value or the full value.
// Implementations must be safe for concurrent use.
type Store interface {
	Get(ctx context.Context, runID, step string) ([]byte, bool, error)
	Put(ctx context.Context, runID, step string, value []byte) error

	// MarkPending records that runID has started and is not yet finished.
	MarkPending(ctx context.Context, runID string) error
	// MarkDone removes runID from the pending set. Step outputs are retained.
	MarkDone(ctx context.Context, runID string) error
	// Pending lists unfinished runs, oldest first where the backend can tell.
	Pending(ctx context.Context) ([]string, error)

	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Backend            string
	RedisURL           string
	SQLitePath         string
	DatastoreProjectID string
}

// Open constructs the backend named by cfg.Backend. An empty backend selects memory.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", BackendMemory:
		return NewMemory(), nil
	case BackendRedis:
		return OpenRedis(cfg.RedisURL)
	case BackendSQLite:
		return OpenSQLite(cfg.SQLitePath)
	case BackendDatastore:
		return OpenDatastore(ctx, cfg.DatastoreProjectID)
	default:
		return nil, fmt.Errorf("unknown CHECKPOINT_BACKEND %q (expected memory|redis|sqlite|datastore)", cfg.Backend)
	}
}

func validate(runID, step string) error {
	if strings.TrimSpace(runID) == "" {
		return fmt.Errorf("checkpoint: run id is required")
	}
	if strings.TrimSpace(step) == "" {
		return fmt.Errorf("checkpoint: step name is required")
	}
	return nil
}
