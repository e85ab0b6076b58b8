package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"membersync/internal/platform/models"
)

// Queue is the durable, at-least-once work queue. Each site gets its own
// partition (FIFO within a site, no ordering across sites):
//
//	{prefix}:q:{site}:pending     list of ready work items
//	{prefix}:q:{site}:delayed     zset of rescheduled items, scored by next_attempt_at
//	{prefix}:q:{site}:processing  items claimed by a worker, pending ack
//
// A claimed item sits in the processing list until it is acked, rescheduled
// or moved to the dead letter store, so a worker crash loses nothing; the
// recovery sweep returns stranded items to pending.
type Queue struct {
	rdb      *redis.Client
	prefix   string
	dedupTTL time.Duration
}

func New(rdb *redis.Client, prefix string, dedupTTL time.Duration) *Queue {
	if dedupTTL <= 0 {
		dedupTTL = time.Hour
	}
	return &Queue{rdb: rdb, prefix: prefix, dedupTTL: dedupTTL}
}

// Claimed pairs a work item with the exact payload that sits in the
// processing list, so ack and reschedule can LREM it even after the caller
// mutates the item.
type Claimed struct {
	Item *models.QueuedWorkItem
	raw  string
}

func (q *Queue) pendingKey(siteID string) string    { return q.prefix + ":q:" + siteID + ":pending" }
func (q *Queue) delayedKey(siteID string) string    { return q.prefix + ":q:" + siteID + ":delayed" }
func (q *Queue) processingKey(siteID string) string { return q.prefix + ":q:" + siteID + ":processing" }

func (q *Queue) dedupKey(idempotencyKey string) string {
	return q.prefix + ":dedup:" + idempotencyKey
}

func (q *Queue) doneKey(siteID, memberID string) string {
	return q.prefix + ":done:" + siteID + ":" + memberID
}

// Enqueue adds an event to its site partition. Redeliveries of an event
// already in flight, or identical to the member's last completed event, are
// coalesced; the second return value is false for those.
func (q *Queue) Enqueue(ctx context.Context, event *models.MemberEvent) (*models.QueuedWorkItem, bool, error) {
	idem := event.IdempotencyKey()

	last, err := q.rdb.Get(ctx, q.doneKey(event.SiteID, event.MemberID)).Result()
	if err != nil && err != redis.Nil {
		return nil, false, err
	}
	if last == idem {
		return nil, false, nil
	}

	ok, err := q.rdb.SetNX(ctx, q.dedupKey(idem), "1", q.dedupTTL).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}

	now := time.Now().UTC()
	item := &models.QueuedWorkItem{
		ID:              uuid.New().String(),
		Event:           *event,
		IdempotencyKey:  idem,
		AttemptCount:    0,
		FirstEnqueuedAt: now,
		NextAttemptAt:   now,
	}

	payload, err := json.Marshal(item)
	if err != nil {
		return nil, false, err
	}

	if err := q.rdb.RPush(ctx, q.pendingKey(event.SiteID), payload).Err(); err != nil {
		return nil, false, err
	}
	return item, true, nil
}

// promoteScript moves delayed items whose next_attempt_at has passed back
// into the pending list, atomically so two workers cannot double-promote.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, v in ipairs(due) do
	redis.call('ZREM', KEYS[1], v)
	redis.call('RPUSH', KEYS[2], v)
end
return #due
`)

// Claim pulls the next ready item for a site, first promoting any delayed
// items that have come due. Returns nil when the partition is empty.
func (q *Queue) Claim(ctx context.Context, siteID string) (*Claimed, error) {
	_, err := promoteScript.Run(ctx, q.rdb,
		[]string{q.delayedKey(siteID), q.pendingKey(siteID)},
		time.Now().Unix()).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}

	raw, err := q.rdb.LMove(ctx, q.pendingKey(siteID), q.processingKey(siteID), "LEFT", "RIGHT").Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var item models.QueuedWorkItem
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		// Unparseable payloads cannot be processed or retried; drop from
		// the processing list so they do not strand forever.
		q.rdb.LRem(ctx, q.processingKey(siteID), 1, raw)
		return nil, err
	}

	c := &Claimed{Item: &item, raw: raw}

	// A recovered item may not be due yet; put it back where it belongs
	// instead of processing early.
	if item.NextAttemptAt.After(time.Now().Add(time.Second)) {
		if err := q.deferItem(ctx, c); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return c, nil
}

func (q *Queue) deferItem(ctx context.Context, c *Claimed) error {
	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, q.processingKey(c.Item.Event.SiteID), 1, c.raw)
	pipe.ZAdd(ctx, q.delayedKey(c.Item.Event.SiteID), redis.Z{
		Score:  float64(c.Item.NextAttemptAt.Unix()),
		Member: c.raw,
	})
	_, err := pipe.Exec(ctx)
	return err
}

// Ack removes a completed item and records its idempotency key as the
// member's most recently processed event.
func (q *Queue) Ack(ctx context.Context, c *Claimed) error {
	siteID := c.Item.Event.SiteID
	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, q.processingKey(siteID), 1, c.raw)
	pipe.Del(ctx, q.dedupKey(c.Item.IdempotencyKey))
	pipe.Set(ctx, q.doneKey(siteID, c.Item.Event.MemberID), c.Item.IdempotencyKey, q.dedupTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Reschedule re-queues a failed item with updated attempt bookkeeping. The
// caller sets AttemptCount and NextAttemptAt before calling.
func (q *Queue) Reschedule(ctx context.Context, c *Claimed) error {
	payload, err := json.Marshal(c.Item)
	if err != nil {
		return err
	}
	siteID := c.Item.Event.SiteID
	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, q.processingKey(siteID), 1, c.raw)
	pipe.ZAdd(ctx, q.delayedKey(siteID), redis.Z{
		Score:  float64(c.Item.NextAttemptAt.Unix()),
		Member: payload,
	})
	_, err = pipe.Exec(ctx)
	return err
}

// Remove drops an item without marking it done. Used on dead-letter
// transfer; the DLQ owns it from here.
func (q *Queue) Remove(ctx context.Context, c *Claimed) error {
	siteID := c.Item.Event.SiteID
	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, q.processingKey(siteID), 1, c.raw)
	pipe.Del(ctx, q.dedupKey(c.Item.IdempotencyKey))
	_, err := pipe.Exec(ctx)
	return err
}

// Recover returns items stranded in a site's processing list to the pending
// list. Run once at worker startup, before any claims; at-least-once
// delivery means a crashed worker's items are simply retried.
func (q *Queue) Recover(ctx context.Context, siteID string) (int, error) {
	recovered := 0
	for {
		_, err := q.rdb.LMove(ctx, q.processingKey(siteID), q.pendingKey(siteID), "LEFT", "RIGHT").Result()
		if err == redis.Nil {
			return recovered, nil
		}
		if err != nil {
			return recovered, err
		}
		recovered++
	}
}

// Depth reports the number of waiting items (ready + delayed) for a site.
func (q *Queue) Depth(ctx context.Context, siteID string) (int64, error) {
	pipe := q.rdb.Pipeline()
	pending := pipe.LLen(ctx, q.pendingKey(siteID))
	delayed := pipe.ZCard(ctx, q.delayedKey(siteID))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return pending.Val() + delayed.Val(), nil
}

// Ping verifies queue reachability for /health.
func (q *Queue) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}
