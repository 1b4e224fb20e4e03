package main

import (
	"log"
	"os"
	"time"

	v1 "go_fiskal/api/v1"
	"go_fiskal/internal/auth"
	"go_fiskal/internal/cache"
	"go_fiskal/internal/cert"
	"go_fiskal/internal/config"
	"go_fiskal/internal/db"
	"go_fiskal/internal/events"
	"go_fiskal/internal/fiscal"
	"go_fiskal/internal/invoicing"
	"go_fiskal/internal/queue"

	"github.com/gin-gonic/gin"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
		os.Exit(1)
	}
	log.Println("✓ Configuration loaded")

	// 2. Initialize MySQL
	if err := db.InitMySQL(cfg.MySQL.DSN); err != nil {
		log.Fatalf("Failed to initialize MySQL: %v", err)
		os.Exit(1)
	}
	defer db.Close()

	if cfg.Migrate {
		if err := db.Migrate(db.DB); err != nil {
			log.Fatalf("Failed to migrate database: %v", err)
			os.Exit(1)
		}
	}

	// 3. Initialize Redis
	if err := cache.InitRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB); err != nil {
		log.Fatalf("Failed to initialize Redis: %v", err)
		os.Exit(1)
	}
	defer cache.Close()

	// 4. Initialize JWT
	auth.InitJWT(cfg.JWT.Secret)

	// 5. Wire services
	certService := cert.NewService(db.DB, cfg.MasterKey)
	queueService := queue.NewService(db.DB, backoffPolicy(cfg), time.Duration(cfg.QueueWorker.LockStaleSec)*time.Second)
	invoicingService := invoicing.NewService(db.DB, certService, queueService)

	client := fiscal.NewClient(fiscal.ClientConfig{
		TestEndpoint: cfg.CIS.TestEndpoint,
		ProdEndpoint: cfg.CIS.ProdEndpoint,
		Timeout:      time.Duration(cfg.CIS.TimeoutSec) * time.Second,
	})
	pipeline := fiscal.NewPipeline(db.DB, certService, invoicingService, client)
	publisher := events.NewPublisher(cache.Client)

	// 6. Start embedded queue worker
	if cfg.QueueWorker.Enabled {
		worker := queue.NewWorker(queueService, pipeline, publisher, time.Duration(cfg.QueueWorker.IntervalSec)*time.Second)
		worker.Start()
		defer worker.Stop()
	}

	// 7. Initialize Gin router
	gin.SetMode(gin.ReleaseMode)
	r := gin.Default()

	// Setup API v1 routes
	v1.SetupRouter(r, certService, queueService, invoicingService)

	log.Printf("✓ Server starting on %s", cfg.HTTPAddr)

	// Start server
	if err := r.Run(cfg.HTTPAddr); err != nil {
		log.Fatalf("Failed to start server: %v", err)
		os.Exit(1)
	}
}

func backoffPolicy(cfg *config.Config) queue.BackoffPolicy {
	return queue.BackoffPolicy{
		Base:   time.Duration(cfg.QueueWorker.BackoffBaseSec) * time.Second,
		Cap:    time.Duration(cfg.QueueWorker.BackoffCapSec) * time.Second,
		Factor: cfg.QueueWorker.BackoffFactor,
		Jitter: cfg.QueueWorker.BackoffJitter,
	}
}
