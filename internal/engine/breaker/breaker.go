package breaker

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"membersync/internal/platform/models"
)

// Breaker is a per-site circuit breaker backed by shared redis state, so
// every worker process sees the same failure counts. After Threshold
// consecutive failures the breaker opens; once Cooldown elapses a single
// probe is allowed through, and the cooldown restarts if it fails.
type Breaker struct {
	rdb       *redis.Client
	prefix    string
	Threshold int
	Cooldown  time.Duration
}

func New(rdb *redis.Client, prefix string, threshold int, cooldown time.Duration) *Breaker {
	return &Breaker{rdb: rdb, prefix: prefix, Threshold: threshold, Cooldown: cooldown}
}

func (b *Breaker) failuresKey(siteID string) string {
	return b.prefix + ":breaker:" + siteID + ":failures"
}

func (b *Breaker) openedKey(siteID string) string {
	return b.prefix + ":breaker:" + siteID + ":opened_at"
}

// Allow reports whether delivery attempts for the site may proceed. While
// the cooldown is running it returns false; after it elapses the breaker
// stays open but lets probes through.
func (b *Breaker) Allow(ctx context.Context, siteID string) (bool, error) {
	openedAt, err := b.rdb.Get(ctx, b.openedKey(siteID)).Int64()
	if err == redis.Nil {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if time.Now().Unix() < openedAt+int64(b.Cooldown.Seconds()) {
		return false, nil
	}
	return true, nil
}

// recordFailureScript increments the consecutive-failure count and opens the
// breaker at the threshold, as one atomic step. Returns 1 only on the
// closed -> open transition.
var recordFailureScript = redis.NewScript(`
local failures = redis.call('INCR', KEYS[1])
if failures >= tonumber(ARGV[1]) then
	local prev = redis.call('GET', KEYS[2])
	redis.call('SET', KEYS[2], ARGV[2])
	if not prev then
		return 1
	end
end
return 0
`)

// RecordFailure counts one failed Sink call. The returned flag is true when
// this failure opened the breaker.
func (b *Breaker) RecordFailure(ctx context.Context, siteID string) (bool, error) {
	res, err := recordFailureScript.Run(ctx, b.rdb,
		[]string{b.failuresKey(siteID), b.openedKey(siteID)},
		b.Threshold, time.Now().Unix()).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

var recordSuccessScript = redis.NewScript(`
local wasOpen = redis.call('EXISTS', KEYS[2])
redis.call('DEL', KEYS[1], KEYS[2])
return wasOpen
`)

// RecordSuccess resets the failure count. The returned flag is true when the
// breaker was open and this success closed it (a successful probe).
func (b *Breaker) RecordSuccess(ctx context.Context, siteID string) (bool, error) {
	res, err := recordSuccessScript.Run(ctx, b.rdb,
		[]string{b.failuresKey(siteID), b.openedKey(siteID)}).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// State returns a read-only snapshot for /health.
func (b *Breaker) State(ctx context.Context, siteID string) (*models.BreakerState, error) {
	vals, err := b.rdb.MGet(ctx, b.failuresKey(siteID), b.openedKey(siteID)).Result()
	if err != nil {
		return nil, err
	}

	state := &models.BreakerState{SiteID: siteID}
	if s, ok := vals[0].(string); ok {
		state.ConsecutiveFailures, _ = strconv.Atoi(s)
	}
	if s, ok := vals[1].(string); ok {
		if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
			t := time.Unix(unix, 0).UTC()
			state.OpenedAt = &t
			state.Open = true
		}
	}
	return state, nil
}
