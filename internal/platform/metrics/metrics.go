package metrics

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// Counter names. One redis hash per site keeps the server and every worker
// process counting into the same place.
const (
	Enqueued      = "enqueued"
	Succeeded     = "succeeded"
	Retried       = "retried"
	DeadLettered  = "dead_lettered"
	StaleSkipped  = "stale_skipped"
	BreakerOpened = "breaker_opened"
	BreakerClosed = "breaker_closed"
)

var counterNames = []string{
	Enqueued, Succeeded, Retried, DeadLettered, StaleSkipped,
	BreakerOpened, BreakerClosed,
}

type Registry struct {
	rdb    *redis.Client
	prefix string
}

func NewRegistry(rdb *redis.Client, prefix string) *Registry {
	return &Registry{rdb: rdb, prefix: prefix}
}

func (r *Registry) key(siteID string) string {
	return r.prefix + ":metrics:" + siteID
}

// Inc bumps one counter for a site. Metric writes are best-effort; a redis
// hiccup here must not fail the pipeline operation that triggered it.
func (r *Registry) Inc(ctx context.Context, siteID, counter string) {
	r.rdb.HIncrBy(ctx, r.key(siteID), counter, 1)
}

// Snapshot returns all counters for a site, zero-filled.
func (r *Registry) Snapshot(ctx context.Context, siteID string) (map[string]int64, error) {
	vals, err := r.rdb.HGetAll(ctx, r.key(siteID)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(counterNames))
	for _, name := range counterNames {
		var n int64
		if s, ok := vals[name]; ok {
			n, _ = strconv.ParseInt(s, 10, 64)
		}
		out[name] = n
	}
	return out, nil
}

// CounterNames returns the known counters in a stable order.
func CounterNames() []string {
	out := make([]string, len(counterNames))
	copy(out, counterNames)
	return out
}
