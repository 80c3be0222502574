package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pulsefit/mailqueue/internal/api"
	"github.com/pulsefit/mailqueue/internal/config"
	"github.com/pulsefit/mailqueue/internal/pkg/distlock"
	"github.com/pulsefit/mailqueue/internal/processor"
	"github.com/pulsefit/mailqueue/internal/provider"
	"github.com/pulsefit/mailqueue/internal/repository/postgres"
	"github.com/redis/go-redis/v9"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// checkPortAvailable verifies the target port is not already in use, so a
// stale process does not silently swallow traffic meant for this server.
func checkPortAvailable(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d is already in use (addr %s): %v", port, addr, err)
	}
	ln.Close()
	return nil
}

func main() {
	log.Println("Starting PulseFit mail queue server...")

	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	host := cfg.Server.GetHost()
	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	if err := checkPortAvailable(host, port); err != nil {
		log.Fatalf("Pre-flight check failed: %v", err)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()
	if err := db.PingContext(pingCtx); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}
	log.Println("Connected to database")

	// Optional Redis for the cross-process run guard
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
		} else {
			log.Println("Connected to Redis")
		}
	}
	runLock := distlock.NewLock(redisClient, db, "mailqueue:drain", cfg.Queue.LockTTL())

	// Routing priority: Mailgun first when configured, then the SMTP
	// relay, then SES as the last resort.
	selector := provider.NewSelector(
		provider.NewMailgunSender(cfg.Mailgun),
		provider.NewSMTPSender(cfg.SMTP),
		provider.NewSESSender(cfg.SES),
	)
	log.Printf("Email providers: %v", selector.Names())

	repo := postgres.NewQueueRepo(db)
	normalizer := processor.NewNormalizer(cfg.Sender)
	proc := processor.NewProcessor(repo, normalizer, selector, cfg.Queue, runLock)

	handlers := api.NewHandlers(proc, repo)
	server := api.NewServer(handlers, cfg.API.Token)

	addr := fmt.Sprintf("%s:%d", host, port)
	go func() {
		log.Printf("HTTP server listening on %s", addr)
		if err := server.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}
