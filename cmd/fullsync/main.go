package main

import (
	"context"
	"flag"
	"log"
	"os"

	"github.com/redis/go-redis/v9"

	"membersync/internal/engine/breaker"
	"membersync/internal/engine/dlq"
	"membersync/internal/engine/processor"
	"membersync/internal/engine/queue"
	"membersync/internal/engine/retry"
	"membersync/internal/engine/sink"
	"membersync/internal/engine/source"
	"membersync/internal/pkg/logger"
	"membersync/internal/platform/config"
	"membersync/internal/platform/metrics"
	"membersync/internal/platform/models"
	"membersync/internal/platform/sites"
)

// fullsync pulls every member of a site from the Ghost Admin API and drives
// them through the processor synchronously, outside the queue. Used for
// initial migration and recovery from drift. The processor's ordering guard
// keeps a resync from overwriting fresher webhook-applied state.
func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	siteID := flag.String("site", "", "Site to sync (required)")
	dryRun := flag.Bool("dry-run", false, "List members without applying changes")
	flag.Parse()

	if *siteID == "" {
		log.Fatal("--site flag is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.Init(cfg.Logging)

	registry := sites.NewRegistry(cfg.Sites)
	site, ok := registry.Get(*siteID)
	if !ok {
		log.Fatalf("Unknown site %q", *siteID)
	}

	ghost, err := source.NewClient(site)
	if err != nil {
		log.Fatalf("Ghost client: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	q := queue.New(rdb, cfg.Queue.NamePrefix, cfg.Queue.DedupTTL)
	brk := breaker.New(rdb, cfg.Queue.NamePrefix, cfg.Breaker.Threshold, cfg.Breaker.Cooldown)
	dead := dlq.New(rdb, cfg.Queue.NamePrefix, q)
	counters := metrics.NewRegistry(rdb, cfg.Queue.NamePrefix)
	sched := retry.NewScheduler(cfg.Queue.MaxAttempts, cfg.Queue.RetryWindow)

	sinks := map[string]processor.SinkClient{
		site.SiteID: sink.NewClient(site, cfg.Sink.BaseURL, cfg.Sink.Timeout),
	}
	proc := processor.New(q, brk, sched, dead, counters, nil, sinks)

	ctx := context.Background()
	synced, skipped, failed := 0, 0, 0

	total, err := ghost.ListMembers(ctx, func(event *models.MemberEvent) error {
		if *dryRun {
			log.Printf("would sync member %s (%s, status %s)", event.MemberID, logger.HashEmail(event.Email), event.Status)
			return nil
		}
		outcome, err := proc.Process(ctx, event)
		switch {
		case err != nil:
			failed++
			log.Printf("sync failed for member %s: %v", event.MemberID, err)
		case outcome == processor.OutcomeStaleSkip:
			skipped++
		default:
			synced++
		}
		return nil
	})
	if err != nil {
		log.Printf("member listing stopped early: %v", err)
	}

	log.Printf("Full sync for %s: %d members, %d synced, %d stale-skipped, %d failed",
		*siteID, total, synced, skipped, failed)
	if failed > 0 {
		os.Exit(1)
	}
}
