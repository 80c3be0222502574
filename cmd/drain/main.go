package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pulsefit/mailqueue/internal/config"
	"github.com/pulsefit/mailqueue/internal/pkg/distlock"
	"github.com/pulsefit/mailqueue/internal/processor"
	"github.com/pulsefit/mailqueue/internal/provider"
	"github.com/pulsefit/mailqueue/internal/repository/postgres"
	"github.com/redis/go-redis/v9"

	_ "github.com/lib/pq"
)

// drain runs the queue processor without the HTTP surface: once by
// default, or on a fixed interval with -interval. Useful for cron jobs
// and one-off backfills.
func main() {
	interval := flag.Duration("interval", 0, "run every interval instead of once (e.g. 1m)")
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)

	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}

	var redisClient *redis.Client
	if cfg.Redis.Enabled && cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			log.Printf("[redis] ping failed, falling back to advisory lock: %v", err)
			redisClient = nil
		}
	}
	runLock := distlock.NewLock(redisClient, db, "mailqueue:drain", cfg.Queue.LockTTL())

	selector := provider.NewSelector(
		provider.NewMailgunSender(cfg.Mailgun),
		provider.NewSMTPSender(cfg.SMTP),
		provider.NewSESSender(cfg.SES),
	)

	repo := postgres.NewQueueRepo(db)
	normalizer := processor.NewNormalizer(cfg.Sender)
	proc := processor.NewProcessor(repo, normalizer, selector, cfg.Queue, runLock)

	runOnce := func(ctx context.Context) {
		summary, err := proc.RunOnce(ctx)
		if err != nil {
			log.Printf("Drain failed: %v", err)
			return
		}
		if summary.Busy {
			log.Println("Drain skipped: another run in flight")
			return
		}
		log.Printf("Drain done: processed=%d sent=%d failed=%d skipped=%d",
			summary.Processed, summary.Sent, summary.Failed, summary.Skipped)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *interval <= 0 {
		runOnce(ctx)
		return
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	log.Printf("Draining every %s", *interval)
	runOnce(ctx)
	for {
		select {
		case <-quit:
			log.Println("Drain worker stopped")
			return
		case <-ticker.C:
			runOnce(ctx)
		}
	}
}
