package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aman-churiwal/ai-gateway/internal/config"
	"github.com/aman-churiwal/ai-gateway/internal/forwarder"
	"github.com/aman-churiwal/ai-gateway/internal/keypool"
	"github.com/aman-churiwal/ai-gateway/internal/middleware"
	"github.com/aman-churiwal/ai-gateway/internal/pipeline"
	"github.com/aman-churiwal/ai-gateway/internal/ratelimit"
	"github.com/aman-churiwal/ai-gateway/internal/server"
	"github.com/aman-churiwal/ai-gateway/internal/storage"
	"github.com/aman-churiwal/ai-gateway/internal/usage"
	"github.com/joho/godotenv"
)

func main() {
	// Load env if it exists
	godotenv.Load()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.json"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	postgres, err := storage.NewPostgres(cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("Failed to connect to postgres: %v", err)
	}
	defer postgres.Close()

	if err := postgres.AutoMigrate(); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	log.Println("Connected to postgres successfully")

	var redis *storage.RedisClient
	var janitor *ratelimit.Janitor

	var backend ratelimit.Backend
	switch cfg.Backend {
	case "local":
		local := ratelimit.NewLocalBackend()
		janitor = ratelimit.NewJanitor(local, time.Duration(cfg.JanitorIntervalSeconds)*time.Second, time.Hour)
		janitor.Start()
		backend = local
	case "redis":
		redis, err = storage.NewRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Fatalf("Failed to connect to redis: %v", err)
		}
		defer redis.Close()
		log.Println("Connected to redis successfully")
		backend = ratelimit.NewRedisBackend(redis)
	case "postgres":
		backend = ratelimit.NewPostgresBackend(postgres)
	default:
		log.Fatalf("Unknown rate limit backend %q", cfg.Backend)
	}

	plans, err := cfg.RateLimitPlans()
	if err != nil {
		log.Fatalf("Invalid rate limit plans: %v", err)
	}

	limiter, err := ratelimit.NewLimiter(backend, ratelimit.Config{
		Plans: plans,
		GetPlan: func(tenantID string) string {
			return cfg.TenantPlans[tenantID]
		},
		Hooks: ratelimit.Hooks{
			OnQuotaWarning: func(tenantID string, u ratelimit.Usage) {
				log.Printf("Tenant %s at %.0f%% of quota", tenantID, u.PercentUsed)
			},
		},
	})
	if err != nil {
		log.Fatalf("Failed to create rate limiter: %v", err)
	}

	key, err := cfg.DecodeEncryptionKey()
	if err != nil {
		log.Fatalf("Invalid encryption key: %v", err)
	}
	cipher, err := keypool.NewCipher(key)
	if err != nil {
		log.Fatalf("Failed to create key cipher: %v", err)
	}

	pool := keypool.NewPool(postgres.DB, cipher)
	monitor := keypool.NewMonitor(pool.Repository(), time.Duration(cfg.MonitorIntervalSeconds)*time.Second)
	monitor.Start()
	defer monitor.Stop()

	accounting := usage.NewAccounting(postgres.DB)
	pipe := pipeline.New(limiter, accounting, pool)
	fwd := forwarder.New(forwarder.Config{})

	middleware.InitAdmissionLogger(postgres.DB, cfg.AdmissionLogBuffer)

	srv := server.New(server.Deps{
		Config:     cfg,
		Redis:      redis,
		Postgres:   postgres,
		Limiter:    limiter,
		Accounting: accounting,
		Pool:       pool,
		Pipeline:   pipe,
		Forwarder:  fwd,
	})

	go func() {
		if err := srv.Run(":" + cfg.Port); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	if janitor != nil {
		janitor.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server exited")
}
