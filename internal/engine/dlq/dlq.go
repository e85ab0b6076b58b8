package dlq

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"membersync/internal/engine/queue"
	"membersync/internal/platform/models"
)

// Store is the dead letter store: one zset per site, scored by the time the
// entry was moved in, so listing a time range is a score range query.
type Store struct {
	rdb    *redis.Client
	prefix string
	queue  *queue.Queue
}

func New(rdb *redis.Client, prefix string, q *queue.Queue) *Store {
	return &Store{rdb: rdb, prefix: prefix, queue: q}
}

func (s *Store) key(siteID string) string {
	return s.prefix + ":dlq:" + siteID
}

// Put stores a terminally failed event together with its attempt history.
func (s *Store) Put(ctx context.Context, entry *models.DeadLetterEntry) error {
	if entry.MovedAt.IsZero() {
		entry.MovedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return s.rdb.ZAdd(ctx, s.key(entry.Event.SiteID), redis.Z{
		Score:  float64(entry.MovedAt.Unix()),
		Member: payload,
	}).Err()
}

// List returns a site's entries moved in within [from, to], oldest first.
// A zero bound is open-ended.
func (s *Store) List(ctx context.Context, siteID string, from, to time.Time) ([]*models.DeadLetterEntry, error) {
	min, max := "-inf", "+inf"
	if !from.IsZero() {
		min = strconv.FormatInt(from.Unix(), 10)
	}
	if !to.IsZero() {
		max = strconv.FormatInt(to.Unix(), 10)
	}

	raws, err := s.rdb.ZRangeByScore(ctx, s.key(siteID), &redis.ZRangeBy{Min: min, Max: max}).Result()
	if err != nil {
		return nil, err
	}

	entries := make([]*models.DeadLetterEntry, 0, len(raws))
	for _, raw := range raws {
		var e models.DeadLetterEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		entries = append(entries, &e)
	}
	return entries, nil
}

// Replay removes an entry and re-enqueues its event as a fresh work item:
// attempt count zero, new first_enqueued_at, but the original
// source_updated_at intact so the processor's ordering guard still applies.
func (s *Store) Replay(ctx context.Context, entry *models.DeadLetterEntry) (*models.QueuedWorkItem, error) {
	payload, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}
	removed, err := s.rdb.ZRem(ctx, s.key(entry.Event.SiteID), payload).Result()
	if err != nil {
		return nil, err
	}
	if removed == 0 {
		// Already replayed by someone else; nothing to enqueue.
		return nil, nil
	}

	item, _, err := s.queue.Enqueue(ctx, &entry.Event)
	return item, err
}

// Depth reports the number of dead-lettered entries for a site.
func (s *Store) Depth(ctx context.Context, siteID string) (int64, error) {
	return s.rdb.ZCard(ctx, s.key(siteID)).Result()
}
