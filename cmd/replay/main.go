package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"membersync/internal/engine/dlq"
	"membersync/internal/engine/queue"
	"membersync/internal/pkg/logger"
	"membersync/internal/platform/config"
	"membersync/internal/platform/sites"
)

// replay lists and re-enqueues dead-lettered events over a time range.
// Replayed items restart with a fresh retry budget; their original source
// timestamps are preserved so stale ones are skipped, not applied.
func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	siteID := flag.String("site", "", "Site to operate on (default: all sites)")
	fromStr := flag.String("from", "", "Range start, YYYY-MM-DD")
	toStr := flag.String("to", "", "Range end, YYYY-MM-DD (inclusive)")
	listOnly := flag.Bool("list", false, "List matching entries without replaying")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.Init(cfg.Logging)

	var from, to time.Time
	if *fromStr != "" {
		if from, err = time.Parse("2006-01-02", *fromStr); err != nil {
			log.Fatalf("Invalid --from date: %v", err)
		}
	}
	if *toStr != "" {
		day, err := time.Parse("2006-01-02", *toStr)
		if err != nil {
			log.Fatalf("Invalid --to date: %v", err)
		}
		to = day.Add(24*time.Hour - time.Second)
	}

	registry := sites.NewRegistry(cfg.Sites)
	siteIDs := registry.SiteIDs()
	if *siteID != "" {
		if _, ok := registry.Get(*siteID); !ok {
			log.Fatalf("Unknown site %q", *siteID)
		}
		siteIDs = []string{*siteID}
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	q := queue.New(rdb, cfg.Queue.NamePrefix, cfg.Queue.DedupTTL)
	dead := dlq.New(rdb, cfg.Queue.NamePrefix, q)

	ctx := context.Background()
	listed, replayed := 0, 0

	for _, id := range siteIDs {
		entries, err := dead.List(ctx, id, from, to)
		if err != nil {
			log.Fatalf("DLQ listing failed for site %s: %v", id, err)
		}
		for _, entry := range entries {
			listed++
			log.Printf("[%s] %s %s member=%s email=%s moved_at=%s attempts=%d reason=%s",
				id, entry.Event.EventID, entry.Event.EventType, entry.Event.MemberID,
				logger.HashEmail(entry.Event.Email),
				entry.MovedAt.Format(time.RFC3339), len(entry.AttemptHistory), entry.FailureReason)
			if *listOnly {
				continue
			}
			item, err := dead.Replay(ctx, entry)
			if err != nil {
				log.Printf("  replay failed: %v", err)
				continue
			}
			if item != nil {
				replayed++
			}
		}
	}

	if *listOnly {
		log.Printf("%d dead-lettered entries", listed)
	} else {
		log.Printf("%d entries listed, %d re-enqueued", listed, replayed)
	}
}
