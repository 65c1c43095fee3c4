package workflowengine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cordum/flowlog/core/assignment"
	"github.com/cordum/flowlog/core/eventstore"
	"github.com/cordum/flowlog/core/infra/config"
	"github.com/cordum/flowlog/core/infra/locks"
	"github.com/cordum/flowlog/core/infra/logging"
	"github.com/cordum/flowlog/core/infra/redisutil"
	"github.com/cordum/flowlog/core/workflow"
)

// agentTTL is how long a registration stays listed without a heartbeat.
const agentTTL = time.Minute

// backends are the stateful dependencies chosen by FLOWLOG_STORE.
type backends struct {
	log     workflow.EventLog
	agents  assignment.Registry
	lease   locks.Lease
	redis   redis.UniversalClient // nil unless the store is redis
	closers []func() error
}

func (b *backends) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// openBackends builds the event log, agent directory and sweep lease. The
// Redis store shares one client across all three so replicas coordinate;
// the SQL stores keep the directory and lease in-process.
func openBackends(ctx context.Context, cfg *config.Config) (*backends, error) {
	b := &backends{}
	switch cfg.Store {
	case config.StoreMemory:
		b.log = eventstore.NewMemory()
		b.agents = assignment.NewMemoryDirectory(agentTTL)
		b.lease = locks.NewLocal()

	case config.StoreRedis:
		client, err := redisutil.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, client.Close)
		b.redis = client
		b.log = eventstore.NewRedisWithClient(client)
		b.agents = assignment.NewRedisDirectoryWithClient(client, agentTTL)
		b.lease = locks.NewRedisStoreWithClient(client)

	case config.StoreSQLite, config.StorePostgres:
		dialect := eventstore.DialectSQLite
		if cfg.Store == config.StorePostgres {
			dialect = eventstore.DialectPostgres
		}
		store, err := eventstore.OpenSQL(ctx, dialect, cfg.SQLDSN)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, store.Close)
		b.log = store
		b.agents = assignment.NewMemoryDirectory(agentTTL)
		b.lease = locks.NewLocal()

	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
	logging.Info(component, "backends ready", "store", cfg.Store)
	return b, nil
}

func engineSettings(c *config.EngineConfig) workflow.Settings {
	return workflow.Settings{
		CheckpointInterval: c.CheckpointInterval,
		ConflictRetries:    c.ConflictRetries,
		ConflictBackoff:    c.ConflictBackoff(),
		DirectoryTimeout:   c.DirectoryTimeout(),
		ReadPageSize:       c.ReadPageSize,
		Retry: workflow.RetryDefaults{
			MaxRetries: c.DefaultMaxRetries,
			Precedence: workflow.RetryPrecedence(c.RetryPrecedence),
		},
	}
}
