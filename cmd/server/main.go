package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"

	"github.com/redis/go-redis/v9"

	"membersync/internal/api"
	"membersync/internal/api/handlers"
	"membersync/internal/engine/breaker"
	"membersync/internal/engine/dlq"
	"membersync/internal/engine/queue"
	"membersync/internal/pkg/logger"
	"membersync/internal/platform/config"
	"membersync/internal/platform/metrics"
	"membersync/internal/platform/sites"
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

	registry := sites.NewRegistry(cfg.Sites)
	q := queue.New(rdb, cfg.Queue.NamePrefix, cfg.Queue.DedupTTL)
	brk := breaker.New(rdb, cfg.Queue.NamePrefix, cfg.Breaker.Threshold, cfg.Breaker.Cooldown)
	dead := dlq.New(rdb, cfg.Queue.NamePrefix, q)
	counters := metrics.NewRegistry(rdb, cfg.Queue.NamePrefix)

	deps := &api.Dependencies{
		WebhookHandler: handlers.NewWebhookHandler(registry, q, counters),
		HealthHandler:  handlers.NewHealthHandler(registry, q, brk, dead),
		MetricsHandler: handlers.NewMetricsHandler(registry, counters),
	}
	router := api.NewRouter(deps)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	log.Printf("Server starting on %s (%d sites)", addr, len(cfg.Sites))
	if err := srv.ListenAndServe(); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
