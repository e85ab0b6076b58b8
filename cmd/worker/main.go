package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"membersync/internal/engine/breaker"
	"membersync/internal/engine/dlq"
	"membersync/internal/engine/processor"
	"membersync/internal/engine/queue"
	"membersync/internal/engine/retry"
	"membersync/internal/engine/sink"
	"membersync/internal/pkg/logger"
	"membersync/internal/platform/config"
	"membersync/internal/platform/database"
	"membersync/internal/platform/metrics"
	"membersync/internal/platform/repositories"
	"membersync/internal/platform/sites"
	"membersync/internal/workers"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger.Init(cfg.Logging)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	db, err := database.Open(cfg.Results.DBPath)
	if err != nil {
		log.Fatalf("Failed to open results database: %v", err)
	}
	defer db.Close()
	if err := database.Migrate(db); err != nil {
		log.Fatalf("Failed to migrate results database: %v", err)
	}

	registry := sites.NewRegistry(cfg.Sites)
	q := queue.New(rdb, cfg.Queue.NamePrefix, cfg.Queue.DedupTTL)
	brk := breaker.New(rdb, cfg.Queue.NamePrefix, cfg.Breaker.Threshold, cfg.Breaker.Cooldown)
	dead := dlq.New(rdb, cfg.Queue.NamePrefix, q)
	counters := metrics.NewRegistry(rdb, cfg.Queue.NamePrefix)
	sched := retry.NewScheduler(cfg.Queue.MaxAttempts, cfg.Queue.RetryWindow)
	results := repositories.NewSyncResultRepository(db)

	sinks := make(map[string]processor.SinkClient, len(cfg.Sites))
	for _, site := range registry.All() {
		sinks[site.SiteID] = sink.NewClient(site, cfg.Sink.BaseURL, cfg.Sink.Timeout)
	}

	proc := processor.New(q, brk, sched, dead, counters, results, sinks)
	pool := workers.NewPool(q, proc, registry.SiteIDs(), cfg.Workers.Count, cfg.Queue.ClaimInterval)

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Println("Shutting down, draining workers...")
	cancel()
	pool.Wait()
}
