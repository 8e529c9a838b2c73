package health

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

type postgresProbe struct {
	db Pinger
}

// PostgresProbe reports whether the job store answers.
func PostgresProbe(db Pinger) Probe {
	return postgresProbe{db: db}
}

func (p postgresProbe) Name() string { return "database" }

func (p postgresProbe) Check(ctx context.Context) error {
	return p.db.Ping(ctx)
}

// RedisPinger is satisfied by *redis.Client.
type RedisPinger interface {
	Ping(ctx context.Context) *redis.StatusCmd
}

type redisProbe struct {
	rdb RedisPinger
}

// RedisProbe reports whether the context cache answers. The worker runs
// without the cache, but a configured and unreachable cache is reported.
func RedisProbe(rdb RedisPinger) Probe {
	return redisProbe{rdb: rdb}
}

func (p redisProbe) Name() string { return "redis" }

func (p redisProbe) Check(ctx context.Context) error {
	return p.rdb.Ping(ctx).Err()
}
