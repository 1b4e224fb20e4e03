package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go_fiskal/internal/cache"
	"go_fiskal/internal/cert"
	"go_fiskal/internal/config"
	"go_fiskal/internal/db"
	"go_fiskal/internal/events"
	"go_fiskal/internal/fiscal"
	"go_fiskal/internal/invoicing"
	"go_fiskal/internal/queue"
)

// Standalone queue worker. Runs the same claim/process loop as the embedded
// worker in cmd/fiskal; deploy several replicas to scale submission
// throughput, the claim CAS keeps them from colliding.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
		os.Exit(1)
	}
	log.Println("✓ Configuration loaded")

	if err := db.InitMySQL(cfg.MySQL.DSN); err != nil {
		log.Fatalf("Failed to initialize MySQL: %v", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := cache.InitRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB); err != nil {
		log.Fatalf("Failed to initialize Redis: %v", err)
		os.Exit(1)
	}
	defer cache.Close()

	certService := cert.NewService(db.DB, cfg.MasterKey)
	queueService := queue.NewService(db.DB, queue.BackoffPolicy{
		Base:   time.Duration(cfg.QueueWorker.BackoffBaseSec) * time.Second,
		Cap:    time.Duration(cfg.QueueWorker.BackoffCapSec) * time.Second,
		Factor: cfg.QueueWorker.BackoffFactor,
		Jitter: cfg.QueueWorker.BackoffJitter,
	}, time.Duration(cfg.QueueWorker.LockStaleSec)*time.Second)
	invoicingService := invoicing.NewService(db.DB, certService, queueService)

	client := fiscal.NewClient(fiscal.ClientConfig{
		TestEndpoint: cfg.CIS.TestEndpoint,
		ProdEndpoint: cfg.CIS.ProdEndpoint,
		Timeout:      time.Duration(cfg.CIS.TimeoutSec) * time.Second,
	})
	pipeline := fiscal.NewPipeline(db.DB, certService, invoicingService, client)
	publisher := events.NewPublisher(cache.Client)

	worker := queue.NewWorker(queueService, pipeline, publisher, time.Duration(cfg.QueueWorker.IntervalSec)*time.Second)
	worker.Start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down worker...")
	worker.Stop()
}
